// Package scheduler 周期性检查已保存的定时扫描，把到期的任务交给扫描协调器
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"whisperer/internal/cmdpolicy"
	"whisperer/internal/models"
	"whisperer/internal/netrange"
	"whisperer/internal/scan"
	"whisperer/internal/secrets"
	"whisperer/internal/store"
)

// DefaultInterval 轮询间隔
const DefaultInterval = time.Minute

// Dispatcher 由 *scan.Coordinator 实现
type Dispatcher interface {
	Dispatch(ctx context.Context, req scan.Request) (*models.ScanSession, error)
}

// Scheduler 显式构造、显式 Start/Stop，不持有任何包级状态
type Scheduler struct {
	store    *store.Store
	cipher   *secrets.Cipher
	dispatch Dispatcher
	policy   cmdpolicy.Policy
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New cipher 可以为 nil，此时带加密凭据的任务会失败并记录日志
func New(st *store.Store, c *secrets.Cipher, d Dispatcher, policy cmdpolicy.Policy, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    st,
		cipher:   c,
		dispatch: d,
		policy:   policy,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start 启动后台轮询；重复调用无效
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	log.WithField("interval", s.interval).Info("Scheduler started")
}

// Stop 停止轮询并等待当前一轮结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		if _, err := s.RunDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("Scheduler pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunDue 派发所有到期任务，返回成功派发的数量。
// 派发失败的任务同样推进 next_run，避免每轮重复失败
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	schedules, err := s.store.Schedules().List()
	if err != nil {
		return 0, fmt.Errorf("load schedules: %w", err)
	}
	now := s.now()
	dispatched := 0
	for i := range schedules {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		sc := &schedules[i]
		if !sc.Due(now) {
			continue
		}
		fields := log.Fields{"schedule": sc.ID, "name": sc.Name}
		sess, err := s.fire(ctx, sc)
		if err != nil {
			log.WithFields(fields).WithError(err).Error("Scheduled scan not dispatched")
		} else {
			dispatched++
			sc.SessionIDs = append(sc.SessionIDs, sess.ID)
			log.WithFields(fields).WithField("session", sess.ID).Info("Scheduled scan dispatched")
		}
		last := now
		sc.LastRun = &last
		sc.NextRun = sc.CalculateNextRun(now)
		if sc.NextRun == nil {
			sc.Active = false
		}
		if err := s.store.Schedules().Save(sc); err != nil {
			log.WithFields(fields).WithError(err).Error("Save schedule failed")
		}
	}
	return dispatched, nil
}

func (s *Scheduler) fire(ctx context.Context, sc *models.Schedule) (*models.ScanSession, error) {
	req, err := s.Request(sc)
	if err != nil {
		return nil, err
	}
	return s.dispatch.Dispatch(ctx, req)
}

// Request 把定时任务展开成扫描请求：子网展开、凭据解密、模板与自定义命令合并
func (s *Scheduler) Request(sc *models.Schedule) (scan.Request, error) {
	targets := netrange.Expand(sc.Subnets)
	if len(targets) == 0 {
		return scan.Request{}, scan.ErrNoTargets
	}
	candidates, err := s.store.Credentials(s.cipher, sc.CredentialSetIDs)
	if err != nil {
		return scan.Request{}, err
	}
	var fallback *models.Credential
	if sc.Username != "" {
		if s.cipher == nil {
			return scan.Request{}, secrets.ErrNoKey
		}
		if fallback, err = s.cipher.OpenScheduleCredential(*sc); err != nil {
			return scan.Request{}, err
		}
	}
	if len(candidates) == 0 && fallback == nil {
		return scan.Request{}, fmt.Errorf("schedule %s has no credentials", sc.ID)
	}
	commands, err := s.store.Commands(sc.TemplateID, sc.CustomCommands)
	if err != nil {
		return scan.Request{}, err
	}
	p := scan.Params{
		Candidates:      candidates,
		Fallback:        fallback,
		Commands:        commands,
		Policy:          s.policy,
		CollectInfo:     sc.CollectServerInfo,
		CollectDetailed: sc.CollectDetailedInfo,
	}
	if fallback != nil {
		p.SudoPassword = fallback.SudoPassword
	}
	return scan.Request{Targets: targets, Concurrency: sc.Concurrency, Params: p}, nil
}
