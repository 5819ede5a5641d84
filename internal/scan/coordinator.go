package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"whisperer/internal/cmdpolicy"
	"whisperer/internal/models"
)

const (
	DefaultConcurrency = 10
	MaxConcurrency     = 100
)

var (
	// ErrNoTargets 目标列表为空
	ErrNoTargets = errors.New("no targets to scan")
	// ErrCommandsRejected 严格模式下命令列表包含被拒命令
	ErrCommandsRejected = errors.New("command list rejected")
	// ErrUnknownSession 会话不存在
	ErrUnknownSession = errors.New("unknown scan session")
	// ErrClosed 协调器已关闭
	ErrClosed = errors.New("coordinator closed")
)

// Store 调用方提供的持久化
type Store interface {
	SaveSession(s *models.ScanSession) error
	SaveResult(sessionID string, r *models.HostResult) error
}

// Observer 会话生命周期回调，用于指标与审计
type Observer interface {
	SessionStarted(s *models.ScanSession)
	HostFinished(sessionID string, r *models.HostResult)
	SessionCompleted(s *models.ScanSession)
}

// Request 一次扫描请求
type Request struct {
	Targets     []string
	Concurrency int
	Params      Params
	// ID 为空时自动生成
	ID string
}

// ClampConcurrency 0 或负数取默认值，超过上限取上限
func ClampConcurrency(n int) int {
	switch {
	case n <= 0:
		return DefaultConcurrency
	case n > MaxConcurrency:
		return MaxConcurrency
	}
	return n
}

type running struct {
	session *models.ScanSession
	done    chan struct{}
}

// Coordinator 管理扫描会话：后台调度、并发上限、完成状态切换
type Coordinator struct {
	executor  Executor
	store     Store
	observers []Observer
	limiter   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*running
	closed   bool
}

// Option 协调器可选配置
type Option func(*Coordinator)

// WithStore 每个主机结果与会话状态变化时写入 store
func WithStore(s Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithObserver 追加生命周期回调
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

// WithConnectRate 限制每秒发起的主机连接数，<= 0 不限制
func WithConnectRate(perSecond float64) Option {
	return func(c *Coordinator) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewCoordinator 创建协调器，Close 之前可以反复 Dispatch
func NewCoordinator(exec Executor, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		executor: exec,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*running),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dispatch 登记会话并在后台开始扫描，立即返回。
// 扫描的生命周期不受 ctx 影响，只随 Close 结束
func (c *Coordinator) Dispatch(ctx context.Context, req Request) (*models.ScanSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	targets := uniqueTargets(req.Targets)
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if req.Params.Policy.Mode == cmdpolicy.ModeStrict {
		if _, _, err := req.Params.Policy.Apply(req.Params.Commands); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCommandsRejected, err)
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	n := ClampConcurrency(req.Concurrency)
	session := models.NewScanSession(id, n)
	session.CollectServerInfo = req.Params.CollectInfo
	session.CollectDetailedInfo = req.Params.CollectDetailed
	if fb := req.Params.Fallback; fb != nil {
		session.Username = fb.Username
		session.AuthType = fb.Auth.Kind
	} else if len(req.Params.Candidates) > 0 {
		top := models.SortByPriority(req.Params.Candidates)[0]
		session.Username = top.Username
		session.AuthType = top.Auth.Kind
	}
	session.Track(targets)

	run := &running{session: session, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := c.sessions[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("scan session %s already exists", id)
	}
	c.sessions[id] = run
	c.wg.Add(1)
	c.mu.Unlock()

	c.saveSession(session)
	for _, o := range c.observers {
		o.SessionStarted(session)
	}
	log.WithFields(log.Fields{
		"session":     id,
		"targets":     len(targets),
		"concurrency": n,
	}).Info("Scan session dispatched")

	go c.run(run, targets, n, req.Params)
	return session, nil
}

// uniqueTargets 去掉空白项与重复项，保留首次出现的顺序
func uniqueTargets(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (c *Coordinator) run(r *running, targets []string, n int, p Params) {
	defer c.wg.Done()
	defer close(r.done)
	session := r.session

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(n, func(item any) {
		defer wg.Done()
		c.finish(session, c.execute(item.(string), p))
	})
	if err != nil {
		log.WithField("session", session.ID).WithError(err).Error("Create worker pool failed")
		for _, t := range targets {
			c.finish(session, failed(t, fmt.Sprintf("worker pool unavailable: %v", err)))
		}
	} else {
		for _, t := range targets {
			if c.limiter != nil {
				_ = c.limiter.Wait(c.ctx)
			}
			wg.Add(1)
			if err := pool.Invoke(t); err != nil {
				wg.Done()
				c.finish(session, failed(t, fmt.Sprintf("dispatch failed: %v", err)))
			}
		}
		wg.Wait()
		pool.Release()
	}

	if !session.Complete() {
		// 不会发生：每个目标都已记录终态结果
		log.WithField("session", session.ID).Error("Scan session left hosts pending")
		return
	}
	c.saveSession(session)
	for _, o := range c.observers {
		o.SessionCompleted(session)
	}
	sum := session.Summary()
	log.WithFields(log.Fields{
		"session": session.ID,
		"success": sum.SuccessCount,
		"failed":  sum.FailedCount,
	}).Info("Scan session completed")
}

// execute 执行单个目标；executor panic 或返回非终态结果时记为失败，不影响其他目标
func (c *Coordinator) execute(target string, p Params) (res *models.HostResult) {
	defer func() {
		if v := recover(); v != nil {
			log.WithFields(log.Fields{"target": target, "panic": v}).Error("Host executor panicked")
			res = failed(target, fmt.Sprintf("internal error: %v", v))
		}
	}()
	res = c.executor.Run(c.ctx, target, p)
	switch {
	case res == nil:
		res = failed(target, "executor returned no result")
	case !res.Status.Terminal():
		res.Fail("executor returned without a final status")
	}
	res.Target = target
	return res
}

func (c *Coordinator) finish(session *models.ScanSession, res *models.HostResult) {
	session.Record(res)
	if c.store != nil {
		if err := c.store.SaveResult(session.ID, res); err != nil {
			log.WithFields(log.Fields{"session": session.ID, "target": res.Target}).WithError(err).Error("Save host result failed")
		}
	}
	for _, o := range c.observers {
		o.HostFinished(session.ID, res)
	}
}

func (c *Coordinator) saveSession(s *models.ScanSession) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveSession(s); err != nil {
		log.WithField("session", s.ID).WithError(err).Error("Save scan session failed")
	}
}

func failed(target, msg string) *models.HostResult {
	r := models.NewHostResult(target)
	r.Fail(msg)
	return r
}

// Session 查询内存中的会话
func (c *Coordinator) Session(id string) (*models.ScanSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.sessions[id]
	if !ok {
		return nil, false
	}
	return r.session, true
}

// Sessions 内存中的全部会话
func (c *Coordinator) Sessions() []*models.ScanSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.ScanSession, 0, len(c.sessions))
	for _, r := range c.sessions {
		out = append(out, r.session)
	}
	return out
}

// Wait 等待会话完成或 ctx 结束
func (c *Coordinator) Wait(ctx context.Context, id string) (*models.ScanSession, error) {
	c.mu.RLock()
	r, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	select {
	case <-r.done:
		return r.session, nil
	case <-ctx.Done():
		return r.session, ctx.Err()
	}
}

// Close 停止接收新扫描，取消进行中的连接并等待所有会话收尾
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}
