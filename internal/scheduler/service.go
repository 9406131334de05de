// Package scheduler 列表预留调度服务
//
// Fetcher 定期从数据库拉取待预留列表并按类型优先级入队；Processor 的 worker 出队、
// 获取 Order_<id> 排他锁、交给对应预留器处理，失败按降级优先级重试。
// 只有 leader 实例运行 Fetcher 和 Processor。
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"ejlog/scheduler/internal/queue"
	"ejlog/scheduler/pkg/entity"
	"ejlog/scheduler/pkg/logger"
)

// Service 调度服务
type Service struct {
	cfg         Config
	source      ListSource
	locker      Locker
	registry    Registry
	coordinator Coordinator
	logger      logger.Logger
	now         func() time.Time

	// publishTimeout 单次外部事件发布的上限
	publishTimeout time.Duration

	queue      *queue.PriorityQueue[QueueItem]
	stats      *Stats
	quarantine *quarantine

	// enqueueMu 串行化 查重-入队；pending 为处理中或等待重试的列表
	enqueueMu sync.Mutex
	pending   map[int64]struct{}

	rootCtx    context.Context
	rootCancel context.CancelFunc
	closing    *atomic.Bool

	ctlMu            sync.Mutex
	fetcherRunning   *atomic.Bool
	fetcherCancel    context.CancelFunc
	fetcherWG        sync.WaitGroup
	processorRunning *atomic.Bool
	processorCancel  context.CancelFunc
	processorWG      sync.WaitGroup
	retryWG          sync.WaitGroup
	busy             *atomic.Int64

	eventMu    sync.RWMutex
	listeners  []EventListener
	publishers []publisherBinding
}

// New 创建调度服务
func New(cfg Config, source ListSource, locker Locker, registry Registry, coord Coordinator, log logger.Logger) *Service {
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Second
	}
	if cfg.Priorities.Default <= 0 {
		cfg.Priorities.Default = 10
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	rootCtx = logger.WithInstanceID(rootCtx, cfg.InstanceID)

	s := &Service{
		cfg:              cfg,
		source:           source,
		locker:           locker,
		registry:         registry,
		coordinator:      coord,
		logger:           log,
		now:              time.Now,
		publishTimeout:   defaultPublishTimeout,
		queue:            queue.New[QueueItem](),
		pending:          make(map[int64]struct{}),
		rootCtx:          rootCtx,
		rootCancel:       rootCancel,
		closing:          atomic.NewBool(false),
		fetcherRunning:   atomic.NewBool(false),
		processorRunning: atomic.NewBool(false),
		busy:             atomic.NewInt64(0),
	}
	s.stats = newStats(s.now())
	s.quarantine = newQuarantine(func() time.Time { return s.now() })
	return s
}

// PriorityFor 列表类型对应的静态优先级
func (s *Service) PriorityFor(tipo int) int {
	switch tipo {
	case entity.TipoListaPicking:
		if s.cfg.Priorities.Picking > 0 {
			return s.cfg.Priorities.Picking
		}
		return 100
	case entity.TipoListaRefilling:
		if s.cfg.Priorities.Refilling > 0 {
			return s.cfg.Priorities.Refilling
		}
		return 50
	default:
		return s.cfg.Priorities.Default
	}
}

// Start 启动 Fetcher 和 Processor（仅 leader）
func (s *Service) Start() error {
	if err := s.StartProcessor(); err != nil {
		return err
	}
	return s.StartFetcher()
}

// Pause 暂停 Fetcher 和 Processor，队列保留
// 正在处理的列表会完成并释放锁
func (s *Service) Pause() {
	s.PauseFetcher()
	s.PauseProcessor()
}

// HandleLeadership leader 身份变化回调（注册到 Coordinator）
// 失去领导权时先暂停再发布事件
func (s *Service) HandleLeadership(ctx context.Context, isLeader bool) {
	leader := isLeader
	if !isLeader {
		s.logger.Infof(ctx, "[Scheduler] Lost leadership, pausing (queue size %d kept)", s.queue.Size())
		s.Pause()
		s.emit(ctx, Event{Type: EventLeadershipChanged, IsLeader: &leader})
		return
	}

	s.emit(ctx, Event{Type: EventLeadershipChanged, IsLeader: &leader})
	if !s.cfg.AutoStart {
		s.logger.Infof(ctx, "[Scheduler] Became leader, auto_start disabled")
		return
	}
	s.logger.Infof(ctx, "[Scheduler] Became leader, starting fetcher and processor")
	if err := s.Start(); err != nil {
		s.logger.Warnf(ctx, "[Scheduler] Start after election failed: %v", err)
	}
}

// Active Fetcher 或 Processor 是否在运行
func (s *Service) Active() bool {
	return s.fetcherRunning.Load() || s.processorRunning.Load()
}

// QueueSnapshot 队列快照（出队顺序）
func (s *Service) QueueSnapshot() []QueueItem {
	return s.queue.GetAll()
}

// Stats 统计快照
func (s *Service) Stats() StatsSnapshot {
	return s.stats.Snapshot(s.now())
}

// Status 完整状态（含已连接实例）
func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		Active:     s.Active(),
		InstanceID: s.cfg.InstanceID,
		Fetcher: FetcherStatus{
			Running:   s.fetcherRunning.Load(),
			Interval:  s.cfg.FetchInterval.String(),
			BatchSize: s.cfg.BatchSize,
		},
		Processor: ProcessorStatus{
			Running:     s.processorRunning.Load(),
			Workers:     s.cfg.Workers,
			Busy:        int(s.busy.Load()),
			QueueSize:   s.queue.Size(),
			MaxRetries:  s.cfg.MaxRetries,
			Quarantined: s.quarantine.Size(),
		},
		Stats:          s.stats.Snapshot(s.now()),
		Coordinator:    s.coordinator.State(),
		ConnectedPeers: make([]PeerInfo, 0),
		Registry:       s.registry.Stats(),
	}
	st.Fetcher.LastFetch = st.Stats.LastFetchTime

	instances, err := s.coordinator.ActiveInstances(ctx)
	if err != nil {
		s.logger.Warnf(ctx, "[Scheduler] Load active instances failed: %v", err)
		return st
	}
	for _, hb := range instances {
		st.ConnectedPeers = append(st.ConnectedPeers, PeerInfo{
			InstanceID:    hb.InstanceID,
			InstanceType:  hb.InstanceType,
			Hostname:      hb.Hostname,
			IsLeader:      hb.IsLeader,
			Version:       hb.Version,
			LastHeartbeat: hb.LastHeartbeat,
			Age:           hb.Age.Truncate(time.Millisecond).String(),
		})
	}
	return st
}

// HeartbeatMetadata 写入心跳 metadata 的运行信息
func (s *Service) HeartbeatMetadata() map[string]interface{} {
	return map[string]interface{}{
		"fetcher_running":   s.fetcherRunning.Load(),
		"processor_running": s.processorRunning.Load(),
		"queue_size":        s.queue.Size(),
		"lists_processed":   s.stats.listsProcessed.Load(),
		"workers":           s.cfg.Workers,
	}
}

// Shutdown 优雅退出：暂停、等待 worker、停止协调器、释放全部锁、清空队列
func (s *Service) Shutdown(ctx context.Context) {
	if !s.closing.CAS(false, true) {
		return
	}
	s.logger.Infof(ctx, "[Scheduler] Shutting down...")

	s.Pause()
	s.fetcherWG.Wait()
	s.processorWG.Wait()

	// 取消尚未到期的重试
	s.rootCancel()
	s.retryWG.Wait()

	if err := s.coordinator.Stop(ctx); err != nil {
		s.logger.Warnf(ctx, "[Scheduler] Coordinator stop failed: %v", err)
	}
	if n := s.locker.ReleaseAllLocks(ctx); n > 0 {
		s.logger.Warnf(ctx, "[Scheduler] Released %d locks still held at shutdown", n)
	}

	dropped := s.queue.Size()
	s.queue.Clear()
	s.logger.Infof(ctx, "[Scheduler] Shutdown complete, %d queued lists discarded", dropped)
}

// enqueueIfAbsent 列表未在队列、未在处理、未在等待重试时入队
func (s *Service) enqueueIfAbsent(item QueueItem) bool {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	if _, busy := s.pending[item.ListID]; busy {
		return false
	}
	if _, queued := s.queue.Find(func(q QueueItem) bool { return q.ListID == item.ListID }); queued {
		return false
	}
	s.queue.Enqueue(item, item.Priority)
	return true
}

// next 出队并标记为处理中
func (s *Service) next() (QueueItem, bool) {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()
	item, ok := s.queue.Dequeue()
	if ok {
		s.pending[item.ListID] = struct{}{}
	}
	return item, ok
}

func (s *Service) unclaim(listID int64) {
	s.enqueueMu.Lock()
	delete(s.pending, listID)
	s.enqueueMu.Unlock()
}

// requeue 重试入队并解除处理中标记
func (s *Service) requeue(item QueueItem) {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()
	delete(s.pending, item.ListID)
	if _, queued := s.queue.Find(func(q QueueItem) bool { return q.ListID == item.ListID }); queued {
		return
	}
	s.queue.Enqueue(item, item.Priority)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
