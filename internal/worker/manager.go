package worker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"gorm.io/gorm"

	"ejlog/scheduler/internal/coordinator"
	"ejlog/scheduler/internal/framework"
	"ejlog/scheduler/internal/lock"
	"ejlog/scheduler/internal/prenotatore"
	"ejlog/scheduler/internal/scheduler"
	"ejlog/scheduler/internal/server"
	"ejlog/scheduler/pkg/config"
	"ejlog/scheduler/pkg/infra/mysql"
	redisx "ejlog/scheduler/pkg/infra/redis"
	"ejlog/scheduler/pkg/lmstfy"
	"ejlog/scheduler/pkg/logger"
	"ejlog/scheduler/pkg/tracing"
)

const shutdownTimeout = 30 * time.Second

// Manager 接口
type Manager interface {
	Start() error
	Shutdown()
}

// ManagerInstance 装配并管理调度器进程内的所有组件
type ManagerInstance struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cfg        *config.Config
	instanceID string

	db          *gorm.DB
	lists       *mysql.ListRepository
	locks       *lock.Manager
	coordinator *coordinator.Coordinator
	scheduler   *scheduler.Service
	pubsub      *redisx.PubSub
	server      *server.Server
	workers     []Worker

	closing    *atomic.Bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	logger     logger.Logger
}

// NewManagerInstance 创建 Manager
func NewManagerInstance(cfg *config.Config, log logger.Logger) (Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	instanceID := cfg.Scheduler.InstanceID
	if instanceID == "" {
		instanceID = defaultInstanceID()
	}
	ctx = logger.WithInstanceID(ctx, instanceID)

	db, err := mysql.Open(cfg.MySQL)
	if err != nil {
		cancel()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	lists := mysql.NewListRepository(db)
	locks := lock.NewManager(lock.NewMySQLBackend(sqlDB), lock.Config{
		Prefix:  cfg.Locks.Prefix,
		Timeout: cfg.Locks.Timeout,
	}, log)

	port, _ := strconv.Atoi(cfg.Server.Port)
	coord := coordinator.New(mysql.NewHeartbeatRepository(db), coordinator.Config{
		Mode:              cfg.Coordinator.Mode,
		InstanceID:        instanceID,
		InstanceType:      cfg.Coordinator.InstanceType,
		PeerType:          cfg.Coordinator.PeerType,
		Port:              port,
		Version:           cfg.App.Version,
		HeartbeatInterval: cfg.Coordinator.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Coordinator.HeartbeatTimeout,
		CleanupAge:        cfg.Coordinator.CleanupAge,
	}, log)

	registry, err := prenotatore.NewRegistryForTypes(cfg.Allocation.Types, lists, log)
	if err != nil {
		cancel()
		_ = mysql.Close(db)
		return nil, err
	}

	svc := scheduler.New(scheduler.ConfigFrom(cfg, instanceID), lists, locks, registry, coord, log)
	coord.SetMetadataProvider(svc.HeartbeatMetadata)
	coord.OnLeadershipChange(svc.HandleLeadership)

	m := &ManagerInstance{
		ctx:         ctx,
		cancel:      cancel,
		cfg:         cfg,
		instanceID:  instanceID,
		db:          db,
		lists:       lists,
		locks:       locks,
		coordinator: coord,
		scheduler:   svc,
		closing:     atomic.NewBool(false),
		shutdownCh:  make(chan struct{}),
		logger:      log,
	}

	m.setupEvents()
	m.setupLmstfy()
	m.setupServer()

	log.Infof(ctx, "[Manager] Initialized instance %s, mode %s, strategies %v",
		instanceID, cfg.Coordinator.Mode, registry.Types())
	return m, nil
}

// setupEvents Redis 事件通道，连接失败只影响事件发布
func (m *ManagerInstance) setupEvents() {
	if m.cfg.Redis.Addr == "" {
		return
	}
	ps, err := redisx.NewPubSub(m.ctx, m.cfg.Redis.Addr, m.cfg.Redis.Password, m.cfg.Redis.DB, m.cfg.Redis.Channel)
	if err != nil {
		m.logger.Warnf(m.ctx, "[Manager] Redis unavailable, events disabled: %v", err)
		return
	}
	m.pubsub = ps
	m.scheduler.AddPublisher("redis", ps)
}

// setupLmstfy 触发队列订阅与死信发布
func (m *ManagerInstance) setupLmstfy() {
	lc := m.cfg.Lmstfy
	if lc.Host == "" {
		return
	}
	client := lmstfy.NewClient(lc.Host, lc.Port, lc.Namespace, lc.Token)

	if lc.DeadLetterQueue != "" {
		m.scheduler.AddPublisher("lmstfy-dlq", lmstfy.NewQueuePublisher(client, lc.DeadLetterQueue, 0), scheduler.EventListDropped)
	}

	if lc.TriggerQueue != "" {
		subCfg := &framework.SubscriberConfig{
			QueueName:    lc.TriggerQueue,
			Concurrency:  1,
			Timeout:      lc.ConsumeTimeout,
			TTR:          lc.TTR,
			Rate:         lc.Rate,
			ErrorBackoff: lc.ErrorBackoff,
		}
		m.workers = append(m.workers,
			NewWorkerInstance(m.ctx, "list-trigger", subCfg, client, m.scheduler.HandleTrigger, m.logger))
	}
}

func (m *ManagerInstance) setupServer() {
	if m.cfg.Server.Port == "" {
		return
	}
	if m.cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := server.NewHandler(m.scheduler, m.coordinator, m.locks, m.logger)
	if m.pubsub != nil {
		h.SetEventStream(m.pubsub)
	}
	m.server = server.NewServer(m.cfg.Server.Port, server.SetupRoutes(h, m.logger), m.logger)
}

// Start 启动 Manager，阻塞直到 Shutdown 完成
func (m *ManagerInstance) Start() error {
	m.logger.Infof(m.ctx, "[Manager] Starting...")

	pre := framework.NewPreProcessor(
		framework.Step{Name: "tracing", Fn: m.initTracing},
		framework.Step{Name: "schema", Fn: m.lists.EnsureSchema},
		framework.Step{Name: "coordinator", Fn: m.coordinator.Start},
	)
	if err := pre.Run(m.ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	if m.cfg.Locks.JanitorInterval > 0 && m.cfg.Locks.StaleAfter > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.locks.RunJanitor(m.ctx, m.cfg.Locks.JanitorInterval, m.cfg.Locks.StaleAfter)
		}()
	}

	for _, worker := range m.workers {
		w := worker
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.Start()
		}()
		m.logger.Infof(m.ctx, "[Manager] Worker started: %s", w.GetName())
	}

	if m.server != nil {
		m.server.Start(m.ctx)
	}

	m.logger.Infof(m.ctx, "[Manager] Start success, leader: %v", m.coordinator.CanProcessLists())

	<-m.shutdownCh
	return nil
}

func (m *ManagerInstance) initTracing(ctx context.Context) error {
	if !m.cfg.Tracing.Enabled {
		return nil
	}
	return tracing.Init(m.cfg.App.Name, m.cfg.App.Version, m.cfg.Tracing.OutputFile)
}

// Shutdown 优雅退出
func (m *ManagerInstance) Shutdown() {
	m.logger.Infof(m.ctx, "[Manager] Began to close")

	// 原子操作，保证并发安全
	if !m.closing.CAS(false, true) {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), shutdownTimeout)
	defer cancel()

	// 1. 停止接收外部请求与触发消息
	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Warnf(ctx, "[Manager] HTTP server shutdown: %v", err)
		}
	}
	for _, worker := range m.workers {
		m.logger.Infof(ctx, "[Manager] Shutting down worker: %s", worker.GetName())
		worker.Shutdown()
	}

	// 2. 调度服务：等待处理中的列表、停止心跳、释放锁
	m.scheduler.Shutdown(ctx)

	// 3. 停止后台任务
	m.cancel()
	m.wg.Wait()

	// 4. 关闭外部连接
	if m.pubsub != nil {
		if err := m.pubsub.Close(); err != nil {
			m.logger.Warnf(ctx, "[Manager] Redis close: %v", err)
		}
	}
	if err := tracing.Shutdown(ctx); err != nil {
		m.logger.Warnf(ctx, "[Manager] Tracing shutdown: %v", err)
	}
	if err := mysql.Close(m.db); err != nil {
		m.logger.Warnf(ctx, "[Manager] MySQL close: %v", err)
	}

	close(m.shutdownCh)
	m.logger.Infof(ctx, "[Manager] Shutdown complete")
}

// defaultInstanceID go-<hostname>-<uuid 前 8 位>
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("go-%s-%s", host, uuid.NewString()[:8])
}
