package models

import (
	"sync"
	"time"
)

// SessionStatus 扫描会话状态
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
)

// ScanSession 一次扫描的聚合：所有主机结果 + 生命周期状态。
// status/completed_at 只由协调器在所有 worker 结束后写入，读写都经过 mu
type ScanSession struct {
	ID                  string
	Username            string
	AuthType            AuthKind
	Concurrency         int
	CollectServerInfo   bool
	CollectDetailedInfo bool
	CreatedAt           time.Time

	mu          sync.RWMutex
	status      SessionStatus
	startedAt   time.Time
	completedAt *time.Time
	targets     []string
	results     map[string]*HostResult
}

// NewScanSession 创建处于 running 状态的会话
func NewScanSession(id string, concurrency int) *ScanSession {
	now := time.Now().UTC()
	return &ScanSession{
		ID:          id,
		Concurrency: concurrency,
		CreatedAt:   now,
		status:      SessionRunning,
		startedAt:   now,
		results:     make(map[string]*HostResult),
	}
}

// Track 登记将要扫描的目标，未出结果前计为 pending
func (s *ScanSession) Track(targets []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, targets...)
}

// Record 写入一台主机的终态结果
func (s *ScanSession) Record(r *HostResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.Target] = r
}

// Complete 所有主机都已终结时切换为 completed 并记录完成时间；
// 仍有 pending 主机时不做任何修改并返回 false
func (s *ScanSession) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == SessionCompleted {
		return true
	}
	for _, t := range s.targets {
		r, ok := s.results[t]
		if !ok || !r.Status.Terminal() {
			return false
		}
	}
	now := time.Now().UTC()
	if !now.After(s.startedAt) {
		now = s.startedAt.Add(time.Microsecond)
	}
	s.status = SessionCompleted
	s.completedAt = &now
	return true
}

// Status 当前状态
func (s *ScanSession) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Results 按登记顺序返回已出结果的主机（副本切片，元素只读）
func (s *ScanSession) Results() []*HostResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*HostResult, 0, len(s.results))
	for _, t := range s.targets {
		if r, ok := s.results[t]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Result 查询单台主机结果
func (s *ScanSession) Result(target string) (*HostResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[target]
	return r, ok
}

// SessionSummary 会话对外展示形式
type SessionSummary struct {
	ID                  string        `json:"id"`
	Username            string        `json:"username,omitempty"`
	AuthType            AuthKind      `json:"auth_type,omitempty"`
	Concurrency         int           `json:"concurrency"`
	CollectServerInfo   bool          `json:"collect_server_info"`
	CollectDetailedInfo bool          `json:"collect_detailed_info"`
	Status              SessionStatus `json:"status"`
	StartedAt           time.Time     `json:"started_at"`
	CompletedAt         *time.Time    `json:"completed_at"`
	CreatedAt           time.Time     `json:"created_at"`
	SuccessCount        int           `json:"success_count"`
	FailedCount         int           `json:"failed_count"`
	PendingCount        int           `json:"pending_count"`
	TotalCount          int           `json:"total_count"`
}

// Completed 已终结的主机数
func (s SessionSummary) Completed() int {
	return s.SuccessCount + s.FailedCount
}

// PercentComplete 完成百分比
func (s SessionSummary) PercentComplete() float64 {
	if s.TotalCount == 0 {
		return 0
	}
	return float64(s.Completed()) / float64(s.TotalCount) * 100
}

// Summary 一致性快照：状态与计数在同一把锁下读取
func (s *ScanSession) Summary() SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := SessionSummary{
		ID:                  s.ID,
		Username:            s.Username,
		AuthType:            s.AuthType,
		Concurrency:         s.Concurrency,
		CollectServerInfo:   s.CollectServerInfo,
		CollectDetailedInfo: s.CollectDetailedInfo,
		Status:              s.status,
		StartedAt:           s.startedAt,
		CreatedAt:           s.CreatedAt,
		TotalCount:          len(s.targets),
	}
	if s.completedAt != nil {
		t := *s.completedAt
		sum.CompletedAt = &t
	}
	for _, t := range s.targets {
		r, ok := s.results[t]
		switch {
		case !ok || r.Status == HostPending:
			sum.PendingCount++
		case r.Status == HostSuccess:
			sum.SuccessCount++
		case r.Status == HostFailed:
			sum.FailedCount++
		}
	}
	return sum
}

// RestoreSession 从持久化数据重建会话（只读展示用）
func RestoreSession(sum SessionSummary, targets []string, results []*HostResult) *ScanSession {
	s := &ScanSession{
		ID:                  sum.ID,
		Username:            sum.Username,
		AuthType:            sum.AuthType,
		Concurrency:         sum.Concurrency,
		CollectServerInfo:   sum.CollectServerInfo,
		CollectDetailedInfo: sum.CollectDetailedInfo,
		CreatedAt:           sum.CreatedAt,
		status:              sum.Status,
		startedAt:           sum.StartedAt,
		completedAt:         sum.CompletedAt,
		targets:             append([]string(nil), targets...),
		results:             make(map[string]*HostResult, len(results)),
	}
	for _, r := range results {
		s.results[r.Target] = r
	}
	return s
}

// Targets 已登记的目标
func (s *ScanSession) Targets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.targets...)
}
