package scheduler

import (
	"context"
	"errors"
	"time"

	"ejlog/scheduler/internal/coordinator"
	"ejlog/scheduler/internal/prenotatore"
	"ejlog/scheduler/pkg/config"
	"ejlog/scheduler/pkg/entity"
)

// 错误定义
var (
	ErrNotLeader    = errors.New("instance is not the leader")
	ErrShuttingDown = errors.New("scheduler is shutting down")
)

// 入队来源
const (
	SourceFetcher = "fetcher"
	SourceTrigger = "trigger"
	SourceRetry   = "retry"
)

// QueueItem 队列中的待预留列表
type QueueItem struct {
	ListID       int64     `json:"list_id"`
	NumLista     string    `json:"num_lista"`
	Tipo         int       `json:"tipo"`
	Priority     int       `json:"priority"`
	BasePriority int       `json:"base_priority"`
	RetryCount   int       `json:"retry_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Source       string    `json:"source"`
	LastError    string    `json:"last_error,omitempty"`
}

// Config 调度服务配置
type Config struct {
	InstanceID    string
	FetchInterval time.Duration
	BatchSize     int
	Workers       int
	IdleSleep     time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	Priorities    config.PrioritiesConfig
	AutoStart     bool
}

// ConfigFrom 从全局配置构建
func ConfigFrom(cfg *config.Config, instanceID string) Config {
	s := cfg.Scheduler
	return Config{
		InstanceID:    instanceID,
		FetchInterval: s.Fetcher.Interval,
		BatchSize:     s.Fetcher.BatchSize,
		Workers:       s.Processor.Workers,
		IdleSleep:     s.Processor.IdleSleep,
		MaxRetries:    s.Processor.MaxRetries,
		RetryDelay:    s.Processor.RetryDelay,
		Priorities:    s.Priorities,
		AutoStart:     cfg.AutoStartEnabled(),
	}
}

// ListSource 列表查询
type ListSource interface {
	FetchEligibleLists(ctx context.Context, limit int) ([]entity.Lista, error)
	GetList(ctx context.Context, listID int64) (*entity.Lista, error)
}

// Locker 列表排他锁
type Locker interface {
	AcquireLock(ctx context.Context, resourceID, ownerID string) bool
	ReleaseLock(ctx context.Context, resourceID string) bool
	ReleaseAllLocks(ctx context.Context) int
}

// Registry 预留器注册表
type Registry interface {
	Get(tipo int) (prenotatore.Prenotatore, bool)
	Find(lista entity.Lista) (prenotatore.Prenotatore, bool)
	Stats() prenotatore.RegistryStats
}

// Coordinator 主从协调
type Coordinator interface {
	CanProcessLists() bool
	State() coordinator.State
	ActiveInstances(ctx context.Context) ([]entity.HeartbeatAge, error)
	Stop(ctx context.Context) error
}

// PeerInfo 已连接实例
type PeerInfo struct {
	InstanceID    string    `json:"instance_id"`
	InstanceType  string    `json:"instance_type"`
	Hostname      string    `json:"hostname"`
	IsLeader      bool      `json:"is_leader"`
	Version       string    `json:"version"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Age           string    `json:"age"`
}

// FetcherStatus Fetcher 状态
type FetcherStatus struct {
	Running   bool      `json:"running"`
	Interval  string    `json:"interval"`
	BatchSize int       `json:"batch_size"`
	LastFetch time.Time `json:"last_fetch,omitempty"`
}

// ProcessorStatus Processor 状态
type ProcessorStatus struct {
	Running     bool `json:"running"`
	Workers     int  `json:"workers"`
	Busy        int  `json:"busy"`
	QueueSize   int  `json:"queue_size"`
	MaxRetries  int  `json:"max_retries"`
	Quarantined int  `json:"quarantined"`
}

// Status 调度服务状态
type Status struct {
	Active         bool                      `json:"active"`
	InstanceID     string                    `json:"instance_id"`
	Fetcher        FetcherStatus             `json:"fetcher"`
	Processor      ProcessorStatus           `json:"processor"`
	Stats          StatsSnapshot             `json:"stats"`
	Coordinator    coordinator.State         `json:"coordinator"`
	ConnectedPeers []PeerInfo                `json:"connected_peers"`
	Registry       prenotatore.RegistryStats `json:"registry"`
}
