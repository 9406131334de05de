package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ejlog/scheduler/pkg/logger"
)

// ErrNotAcquired 锁被其他实例（或遗留调度器）持有
var ErrNotAcquired = errors.New("lock not acquired")

// Session 一次成功加锁对应的会话，释放必须在同一会话上完成
type Session interface {
	Release(ctx context.Context) (bool, error)
}

// Backend 锁后端（MySQL 命名锁）
type Backend interface {
	// Acquire 在 timeout 内尝试加锁，未获得时返回 (nil, false, nil)
	Acquire(ctx context.Context, name string, timeout time.Duration) (Session, bool, error)

	// Inspect 查询锁是否被任意会话持有
	Inspect(ctx context.Context, name string) (bool, error)
}

// Config 锁管理器配置
type Config struct {
	Prefix  string        // 锁名前缀，和遗留调度器约定为 "Order_"
	Timeout time.Duration // 单次加锁等待上限
}

// LockInfo 锁诊断信息
type LockInfo struct {
	Resource     string    `json:"resource"`
	Name         string    `json:"name"`
	Owner        string    `json:"owner,omitempty"`
	AcquiredAt   time.Time `json:"acquired_at,omitempty"`
	HeldLocally  bool      `json:"held_locally"`
	HeldRemotely bool      `json:"held_remotely"`
}

type heldLock struct {
	resource   string
	owner      string
	acquiredAt time.Time
	session    Session // nil 表示加锁进行中
}

// Manager 分布式锁管理器
// 同一进程内已持有（或正在获取）的锁直接拒绝，不访问后端
type Manager struct {
	backend Backend
	cfg     Config
	logger  logger.Logger
	now     func() time.Time

	mu   sync.Mutex
	held map[string]*heldLock
}

// NewManager 创建锁管理器
func NewManager(backend Backend, cfg Config, log logger.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = "Order_"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Manager{
		backend: backend,
		cfg:     cfg,
		logger:  log,
		now:     time.Now,
		held:    make(map[string]*heldLock),
	}
}

// LockName 资源对应的锁名
func (m *Manager) LockName(resourceID string) string {
	return m.cfg.Prefix + resourceID
}

// AcquireLock 获取排他锁
// 超时、死锁牺牲或后端错误都返回 false，调用方按“别人在处理”跳过
func (m *Manager) AcquireLock(ctx context.Context, resourceID, ownerID string) bool {
	name := m.LockName(resourceID)

	m.mu.Lock()
	if _, exists := m.held[name]; exists {
		m.mu.Unlock()
		m.logger.Debugf(ctx, "[LockManager] %s already held in this process", name)
		return false
	}
	pending := &heldLock{resource: resourceID, owner: ownerID}
	m.held[name] = pending
	m.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout+time.Second)
	defer cancel()

	session, ok, err := m.backend.Acquire(acquireCtx, name, m.cfg.Timeout)
	if err != nil || !ok {
		m.mu.Lock()
		delete(m.held, name)
		m.mu.Unlock()

		if err != nil {
			m.logger.Warnf(ctx, "[LockManager] acquire %s failed: %v", name, err)
		} else {
			m.logger.Debugf(ctx, "[LockManager] %s not granted within %v", name, m.cfg.Timeout)
		}
		return false
	}

	m.mu.Lock()
	pending.session = session
	pending.acquiredAt = m.now()
	m.mu.Unlock()

	m.logger.Debugf(ctx, "[LockManager] %s acquired by %s", name, ownerID)
	return true
}

// ReleaseLock 释放锁，未持有时返回 false
func (m *Manager) ReleaseLock(ctx context.Context, resourceID string) bool {
	return m.release(ctx, m.LockName(resourceID))
}

func (m *Manager) release(ctx context.Context, name string) bool {
	m.mu.Lock()
	h, ok := m.held[name]
	if !ok || h.session == nil {
		m.mu.Unlock()
		return false
	}
	delete(m.held, name)
	m.mu.Unlock()

	// 释放不受调用方取消影响
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	released, err := h.session.Release(releaseCtx)
	if err != nil {
		m.logger.Errorf(ctx, "[LockManager] release %s failed: %v", name, err)
		return false
	}
	if !released {
		m.logger.Warnf(ctx, "[LockManager] %s was no longer held by this session", name)
	}
	return released
}

// AcquireLockWithRetry 最多重试 maxRetries 次，每次间隔 delay
func (m *Manager) AcquireLockWithRetry(ctx context.Context, resourceID, ownerID string, maxRetries int, delay time.Duration) bool {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if m.AcquireLock(ctx, resourceID, ownerID) {
			return true
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return false
}

// WithLock 加锁后执行 fn，无论 fn 返回错误还是 panic 都会释放锁
func (m *Manager) WithLock(ctx context.Context, resourceID, ownerID string, fn func(ctx context.Context) error) error {
	if !m.AcquireLock(ctx, resourceID, ownerID) {
		return fmt.Errorf("%s: %w", m.LockName(resourceID), ErrNotAcquired)
	}
	defer m.ReleaseLock(ctx, resourceID)

	return fn(ctx)
}

// IsLocked 查询锁状态（诊断用）
func (m *Manager) IsLocked(ctx context.Context, resourceID string) (LockInfo, error) {
	name := m.LockName(resourceID)
	info := LockInfo{Resource: resourceID, Name: name}

	m.mu.Lock()
	if h, ok := m.held[name]; ok && h.session != nil {
		info.HeldLocally = true
		info.Owner = h.owner
		info.AcquiredAt = h.acquiredAt
	}
	m.mu.Unlock()

	remote, err := m.backend.Inspect(ctx, name)
	if err != nil {
		return info, fmt.Errorf("inspect %s: %w", name, err)
	}
	info.HeldRemotely = remote
	return info, nil
}

// HeldLocks 当前进程持有的锁快照
func (m *Manager) HeldLocks() []LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LockInfo, 0, len(m.held))
	for name, h := range m.held {
		if h.session == nil {
			continue
		}
		out = append(out, LockInfo{
			Resource:    h.resource,
			Name:        name,
			Owner:       h.owner,
			AcquiredAt:  h.acquiredAt,
			HeldLocally: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CleanupStaleLocks 强制释放持有超过 maxAge 的锁，返回释放数量
// 正常处理不会持锁这么久，出现说明某个 worker 已异常退出
func (m *Manager) CleanupStaleLocks(ctx context.Context, maxAge time.Duration) int {
	now := m.now()

	m.mu.Lock()
	stale := make([]string, 0)
	for name, h := range m.held {
		if h.session != nil && now.Sub(h.acquiredAt) > maxAge {
			stale = append(stale, name)
		}
	}
	m.mu.Unlock()

	for _, name := range stale {
		m.logger.Warnf(ctx, "[LockManager] force releasing stale lock %s (older than %v)", name, maxAge)
		m.release(ctx, name)
	}
	return len(stale)
}

// ReleaseAllLocks 释放全部锁（停机时调用）
func (m *Manager) ReleaseAllLocks(ctx context.Context) int {
	m.mu.Lock()
	names := make([]string, 0, len(m.held))
	for name, h := range m.held {
		if h.session != nil {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	released := 0
	for _, name := range names {
		if m.release(ctx, name) {
			released++
		}
	}
	if len(names) > 0 {
		m.logger.Infof(ctx, "[LockManager] released %d/%d locks", released, len(names))
	}
	return released
}

// RunJanitor 周期清理过期锁，阻塞直到 ctx 取消
func (m *Manager) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupStaleLocks(ctx, maxAge); n > 0 {
				m.logger.Warnf(ctx, "[LockManager] janitor released %d stale locks", n)
			}
		}
	}
}
