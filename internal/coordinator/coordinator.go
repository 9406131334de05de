// Package coordinator 调度器主从协调
//
// 本实例与遗留调度器通过共享心跳表选主：
//   - STANDALONE 始终为 leader
//   - SLAVE 始终为 follower
//   - AUTO 对端存活时让出，对端心跳超时后接管
//
// 只有 leader 可以执行列表预留。
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"gorm.io/datatypes"

	"ejlog/scheduler/pkg/config"
	"ejlog/scheduler/pkg/entity"
	"ejlog/scheduler/pkg/logger"
)

const cleanupInterval = time.Hour

// Store 心跳存储
type Store interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, hb *entity.SchedulerHeartbeat) error
	Delete(ctx context.Context, instanceID string) error
	LatestByType(ctx context.Context, instanceType string) (*entity.HeartbeatAge, error)
	ActiveInstances(ctx context.Context, timeout time.Duration) ([]entity.HeartbeatAge, error)
	DeleteOlderThan(ctx context.Context, age time.Duration, keepInstanceID string) (int64, error)
}

// Config 协调器配置
type Config struct {
	Mode              string
	InstanceID        string
	InstanceType      string
	PeerType          string
	Port              int
	Version           string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CleanupAge        time.Duration
}

// LeadershipListener leader 身份变化回调，同步执行
type LeadershipListener func(ctx context.Context, isLeader bool)

// MetadataProvider 写入心跳 metadata 的附加信息
type MetadataProvider func() map[string]interface{}

// State 协调器状态快照
type State struct {
	Mode              string    `json:"mode"`
	InstanceID        string    `json:"instance_id"`
	InstanceType      string    `json:"instance_type"`
	IsLeader          bool      `json:"is_leader"`
	PeerType          string    `json:"peer_type"`
	PeerActive        bool      `json:"peer_active"`
	PeerInstanceID    string    `json:"peer_instance_id,omitempty"`
	PeerHeartbeatAge  string    `json:"peer_heartbeat_age,omitempty"`
	LastPeerCheck     time.Time `json:"last_peer_check,omitempty"`
	LastHeartbeat     time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatFailures int64     `json:"heartbeat_failures"`
	StartedAt         time.Time `json:"started_at,omitempty"`
}

// Coordinator 心跳与选主
type Coordinator struct {
	cfg      Config
	store    Store
	logger   logger.Logger
	hostname string
	pid      int
	now      func() time.Time

	isLeader          *atomic.Bool
	running           *atomic.Bool
	heartbeatFailures *atomic.Int64

	// transitionMu 串行化 检查-选主-通知
	transitionMu sync.Mutex

	mu            sync.RWMutex
	peerActive    bool
	peerInstance  string
	peerAge       time.Duration
	lastPeerCheck time.Time
	lastHeartbeat time.Time
	startedAt     time.Time
	listeners     []LeadershipListener
	metadata      MetadataProvider

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建协调器
func New(store Store, cfg Config, log logger.Logger) *Coordinator {
	if cfg.Mode == "" {
		cfg.Mode = config.ModeAuto
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.CleanupAge <= 0 {
		cfg.CleanupAge = 24 * time.Hour
	}

	hostname, _ := os.Hostname()
	return &Coordinator{
		cfg:               cfg,
		store:             store,
		logger:            log,
		hostname:          hostname,
		pid:               os.Getpid(),
		now:               time.Now,
		isLeader:          atomic.NewBool(false),
		running:           atomic.NewBool(false),
		heartbeatFailures: atomic.NewInt64(0),
	}
}

// OnLeadershipChange 注册 leader 身份变化回调
func (c *Coordinator) OnLeadershipChange(fn LeadershipListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SetMetadataProvider 设置心跳附加信息来源
func (c *Coordinator) SetMetadataProvider(fn MetadataProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata = fn
}

// Start 建表、首次心跳、首次检查、初始选主，然后启动定时任务
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.running.CAS(false, true) {
		return fmt.Errorf("coordinator already running")
	}

	if err := c.store.EnsureSchema(ctx); err != nil {
		c.running.Store(false)
		return fmt.Errorf("ensure heartbeat table: %w", err)
	}

	c.mu.Lock()
	c.startedAt = c.now()
	c.mu.Unlock()

	c.logger.Infof(ctx, "[Coordinator] Starting instance %s (%s) in %s mode, heartbeat %v, timeout %v",
		c.cfg.InstanceID, c.cfg.InstanceType, c.cfg.Mode, c.cfg.HeartbeatInterval, c.cfg.HeartbeatTimeout)

	if err := c.SendHeartbeat(ctx); err != nil {
		c.logger.Warnf(ctx, "[Coordinator] Initial heartbeat failed: %v", err)
	}
	c.CheckPeer(ctx)
	c.transitionMu.Lock()
	c.electLeader(ctx)
	c.transitionMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(3)
	go c.tick(loopCtx, "heartbeat", c.cfg.HeartbeatInterval, func(ctx context.Context) {
		if err := c.SendHeartbeat(ctx); err != nil {
			c.logger.Warnf(ctx, "[Coordinator] Heartbeat failed: %v", err)
		}
	})
	go c.tick(loopCtx, "health-check", c.cfg.HeartbeatInterval, c.CheckPeer)
	go c.tick(loopCtx, "cleanup", cleanupInterval, func(ctx context.Context) {
		if _, err := c.CleanupOldHeartbeats(ctx); err != nil {
			c.logger.Warnf(ctx, "[Coordinator] Heartbeat cleanup failed: %v", err)
		}
	})

	return nil
}

// Stop 停止定时任务并删除本实例心跳（可重复调用）
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.running.CAS(true, false) {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.store.Delete(ctx, c.cfg.InstanceID); err != nil {
		return fmt.Errorf("delete heartbeat: %w", err)
	}
	c.logger.Infof(ctx, "[Coordinator] Stopped, heartbeat %s removed", c.cfg.InstanceID)
	return nil
}

func (c *Coordinator) tick(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debugf(ctx, "[Coordinator] %s loop exited", name)
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// SendHeartbeat 写入本实例心跳
func (c *Coordinator) SendHeartbeat(ctx context.Context) error {
	meta, err := json.Marshal(c.buildMetadata())
	if err != nil {
		return fmt.Errorf("marshal heartbeat metadata: %w", err)
	}

	hb := &entity.SchedulerHeartbeat{
		InstanceID:   c.cfg.InstanceID,
		InstanceType: c.cfg.InstanceType,
		Hostname:     c.hostname,
		Port:         c.cfg.Port,
		PID:          c.pid,
		IsLeader:     c.isLeader.Load(),
		Version:      c.cfg.Version,
		Metadata:     datatypes.JSON(meta),
	}
	if err := c.store.Upsert(ctx, hb); err != nil {
		c.heartbeatFailures.Inc()
		return err
	}

	c.mu.Lock()
	c.lastHeartbeat = c.now()
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) buildMetadata() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.mu.RLock()
	provider := c.metadata
	startedAt := c.startedAt
	c.mu.RUnlock()

	meta := map[string]interface{}{
		"mode":       c.cfg.Mode,
		"leader":     c.isLeader.Load(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]uint64{
			"alloc":      mem.Alloc,
			"sys":        mem.Sys,
			"heap_inuse": mem.HeapInuse,
			"num_gc":     uint64(mem.NumGC),
		},
	}
	if !startedAt.IsZero() {
		meta["uptime_seconds"] = int64(c.now().Sub(startedAt).Seconds())
	}
	if provider != nil {
		for k, v := range provider() {
			meta[k] = v
		}
	}
	return meta
}

// CheckPeer 检查对端心跳，按存活状态的变化切换 leader
// 查询失败时保持当前状态
func (c *Coordinator) CheckPeer(ctx context.Context) {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	peer, err := c.store.LatestByType(ctx, c.cfg.PeerType)
	if err != nil {
		c.logger.Warnf(ctx, "[Coordinator] Error checking %s scheduler: %v", c.cfg.PeerType, err)
		return
	}

	c.mu.Lock()
	wasActive := c.peerActive
	c.lastPeerCheck = c.now()
	if peer == nil {
		c.peerActive = false
		c.peerInstance = ""
		c.peerAge = 0
	} else {
		c.peerActive = peer.Age < c.cfg.HeartbeatTimeout
		c.peerInstance = peer.InstanceID
		c.peerAge = peer.Age
	}
	isActive := c.peerActive
	c.mu.Unlock()

	switch {
	case wasActive && !isActive:
		if peer == nil {
			c.logger.Warnf(ctx, "[Coordinator] %s scheduler not found in heartbeat table", c.cfg.PeerType)
		} else {
			c.logger.Warnf(ctx, "[Coordinator] %s scheduler is DOWN (heartbeat age %v), taking over leadership",
				c.cfg.PeerType, peer.Age)
		}
		c.electLeader(ctx)

	case !wasActive && isActive && c.cfg.Mode == config.ModeAuto && c.isLeader.Load():
		c.logger.Infof(ctx, "[Coordinator] %s scheduler is UP (%s), stepping down", c.cfg.PeerType, peer.InstanceID)
		c.stepDown(ctx)
	}
}

// electLeader 根据模式和对端状态决定 leader 身份，调用方需持有 transitionMu
func (c *Coordinator) electLeader(ctx context.Context) {
	var shouldLead bool
	switch c.cfg.Mode {
	case config.ModeStandalone:
		shouldLead = true
	case config.ModeSlave:
		shouldLead = false
	default:
		c.mu.RLock()
		shouldLead = !c.peerActive
		c.mu.RUnlock()
	}

	if c.isLeader.Swap(shouldLead) == shouldLead {
		return
	}
	c.logger.Infof(ctx, "[Coordinator] Leadership changed: %v -> %v", !shouldLead, shouldLead)
	c.notify(ctx, shouldLead)
}

// stepDown 主动让出 leader，调用方需持有 transitionMu
func (c *Coordinator) stepDown(ctx context.Context) {
	if !c.isLeader.CAS(true, false) {
		return
	}
	c.logger.Infof(ctx, "[Coordinator] Stepped down as leader")
	c.notify(ctx, false)
}

func (c *Coordinator) notify(ctx context.Context, isLeader bool) {
	c.mu.RLock()
	listeners := make([]LeadershipListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, isLeader)
	}

	// 立即刷新心跳，让对端尽快看到变化
	if err := c.SendHeartbeat(ctx); err != nil {
		c.logger.Warnf(ctx, "[Coordinator] Heartbeat after leadership change failed: %v", err)
	}
}

// CanProcessLists 本实例当前是否可以处理列表
func (c *Coordinator) CanProcessLists() bool {
	return c.isLeader.Load()
}

// State 状态快照
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := State{
		Mode:              c.cfg.Mode,
		InstanceID:        c.cfg.InstanceID,
		InstanceType:      c.cfg.InstanceType,
		IsLeader:          c.isLeader.Load(),
		PeerType:          c.cfg.PeerType,
		PeerActive:        c.peerActive,
		PeerInstanceID:    c.peerInstance,
		LastPeerCheck:     c.lastPeerCheck,
		LastHeartbeat:     c.lastHeartbeat,
		HeartbeatFailures: c.heartbeatFailures.Load(),
		StartedAt:         c.startedAt,
	}
	if c.peerInstance != "" {
		s.PeerHeartbeatAge = c.peerAge.String()
	}
	return s
}

// ActiveInstances 心跳未超时的全部实例
func (c *Coordinator) ActiveInstances(ctx context.Context) ([]entity.HeartbeatAge, error) {
	return c.store.ActiveInstances(ctx, c.cfg.HeartbeatTimeout)
}

// CleanupOldHeartbeats 删除超过 CleanupAge 的心跳记录（不含本实例）
func (c *Coordinator) CleanupOldHeartbeats(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteOlderThan(ctx, c.cfg.CleanupAge, c.cfg.InstanceID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Infof(ctx, "[Coordinator] Cleaned up %d old heartbeat records", n)
	}
	return n, nil
}
