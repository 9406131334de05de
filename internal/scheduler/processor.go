package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"ejlog/scheduler/internal/prenotatore"
	"ejlog/scheduler/pkg/entity"
	"ejlog/scheduler/pkg/errorutil"
	"ejlog/scheduler/pkg/logger"
)

// StartProcessor 启动 worker 池
func (s *Service) StartProcessor() error {
	if s.closing.Load() {
		return ErrShuttingDown
	}
	if !s.coordinator.CanProcessLists() {
		return ErrNotLeader
	}

	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	if !s.processorRunning.CAS(false, true) {
		return nil
	}

	ctx, cancel := context.WithCancel(s.rootCtx)
	s.processorCancel = cancel
	for i := 0; i < s.cfg.Workers; i++ {
		workerID := i
		s.processorWG.Add(1)
		go s.workerLoop(logger.WithWorkerID(ctx, workerID), workerID)
	}

	s.logger.Infof(ctx, "[Processor] Started with %d workers", s.cfg.Workers)
	return nil
}

// PauseProcessor 停止出队；正在处理的列表完成后 worker 退出
func (s *Service) PauseProcessor() {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	if !s.processorRunning.CAS(true, false) {
		return
	}
	if s.processorCancel != nil {
		s.processorCancel()
	}
	s.logger.Infof(s.rootCtx, "[Processor] Paused")
}

// ProcessorRunning Processor 是否在运行
func (s *Service) ProcessorRunning() bool {
	return s.processorRunning.Load()
}

// workerLoop 处理循环（单个 Worker）
func (s *Service) workerLoop(ctx context.Context, workerID int) {
	defer s.processorWG.Done()
	s.logger.Debugf(ctx, "[Processor-%d] Started", workerID)

	for {
		if ctx.Err() != nil {
			s.logger.Debugf(ctx, "[Processor-%d] Exited", workerID)
			return
		}

		item, ok := s.next()
		if !ok {
			if !sleepCtx(ctx, s.cfg.IdleSleep) {
				s.logger.Debugf(ctx, "[Processor-%d] Exited", workerID)
				return
			}
			continue
		}

		s.process(ctx, workerID, item)
	}
}

// process 处理单个列表：加锁 → 预留 → 统计/重试 → 释放锁
func (s *Service) process(ctx context.Context, workerID int, item QueueItem) {
	ctx = logger.WithTraceID(logger.WithListID(ctx, item.ListID), uuid.NewString())
	resource := strconv.FormatInt(item.ListID, 10)
	retrying := false
	defer func() {
		if !retrying {
			s.unclaim(item.ListID)
		}
	}()

	if !s.locker.AcquireLock(ctx, resource, s.cfg.InstanceID) {
		// 其他 worker 或遗留调度器正在处理
		s.stats.lockContention.Inc()
		s.logger.Infof(ctx, "[Processor-%d] List %s locked elsewhere, skipping", workerID, item.NumLista)
		s.emit(ctx, Event{Type: EventListLockFailed, Item: &item})
		return
	}
	defer s.locker.ReleaseLock(ctx, resource)

	s.busy.Inc()
	defer s.busy.Dec()

	s.logger.Infof(ctx, "[Processor-%d] Processing list %s (type %d, priority %d, retry %d)",
		workerID, item.NumLista, item.Tipo, item.Priority, item.RetryCount)
	s.emit(ctx, Event{Type: EventListProcessing, Item: &item})

	// 领导权变化或暂停不会中断进行中的预留，处理完再释放锁
	startTime := s.now()
	result, err := s.allocate(context.WithoutCancel(ctx), item)
	duration := s.now().Sub(startTime)

	if err != nil {
		retrying = s.handleFailure(ctx, workerID, item, err)
		return
	}

	s.stats.markProcess(s.now())
	if result.Skipped {
		s.stats.listsSkipped.Inc()
		s.logger.Infof(ctx, "[Processor-%d] List %s skipped: %s", workerID, item.NumLista, result.SkipReason)
	} else {
		s.stats.listsProcessed.Inc()
		s.stats.prenotazioniCreated.Add(int64(result.PrenotazioniCreated))
		s.logger.Infof(ctx, "[Processor-%d] List %s done in %v: %d reservations, status %d",
			workerID, item.NumLista, duration, result.PrenotazioniCreated, result.Stato)
	}
	s.emit(ctx, Event{Type: EventListCompleted, Item: &item, Result: result})
}

// allocate 按当前列表查找预留器并执行，panic 视为可重试错误
func (s *Service) allocate(ctx context.Context, item QueueItem) (result *prenotatore.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorutil.RetriableWithDetails(fmt.Sprintf("panic while allocating list %d", item.ListID), fmt.Sprint(r))
		}
	}()

	lista, err := s.source.GetList(ctx, item.ListID)
	if errors.Is(err, entity.ErrListNotFound) {
		return nil, errorutil.NonRetriableCause(fmt.Sprintf("list %d", item.ListID), err)
	}
	if err != nil {
		return nil, errorutil.Wrap(fmt.Errorf("load list %d: %w", item.ListID, err))
	}

	p, ok := s.registry.Find(*lista)
	if ok {
		return p.PrenotaLista(ctx, item.ListID)
	}
	if _, registered := s.registry.Get(lista.IDTipoLista); registered {
		// 类型已注册但列表已完成或已删除
		return &prenotatore.Result{ListID: lista.ID, Tipo: lista.IDTipoLista, Skipped: true,
			SkipReason: "list terminated or deleted"}, nil
	}
	return nil, errorutil.NonRetriableCause(fmt.Sprintf("list %d type %d", item.ListID, lista.IDTipoLista), prenotatore.ErrNoStrategy)
}

// handleFailure 失败处理，返回是否已安排重试
func (s *Service) handleFailure(ctx context.Context, workerID int, item QueueItem, err error) bool {
	s.stats.listsFailed.Inc()
	item.LastError = err.Error()
	s.emit(ctx, Event{Type: EventListFailed, Item: &item, Error: err.Error()})

	if !errorutil.IsRetryable(err) {
		s.logger.Errorf(ctx, "[Processor-%d] List %s failed permanently: %v", workerID, item.NumLista, err)
		s.drop(ctx, item, err)
		return false
	}

	item.RetryCount++
	if item.RetryCount > s.cfg.MaxRetries {
		s.logger.Errorf(ctx, "[Processor-%d] List %s failed after %d retries, dropping: %v",
			workerID, item.NumLista, s.cfg.MaxRetries, err)
		s.drop(ctx, item, err)
		return false
	}

	item.Priority = retryPriority(item.BasePriority, item.RetryCount)
	item.Source = SourceRetry
	s.logger.Warnf(ctx, "[Processor-%d] List %s failed (retry %d/%d in %v, priority %d): %v",
		workerID, item.NumLista, item.RetryCount, s.cfg.MaxRetries, s.cfg.RetryDelay, item.Priority, err)
	s.stats.listsRetried.Inc()
	s.scheduleRetry(item)
	return true
}

func retryPriority(base, retryCount int) int {
	if p := base - retryCount; p > 1 {
		return p
	}
	return 1
}

// scheduleRetry 延迟后重新入队；服务停止时放弃
func (s *Service) scheduleRetry(item QueueItem) {
	s.retryWG.Add(1)
	go func() {
		defer s.retryWG.Done()
		if !sleepCtx(s.rootCtx, s.cfg.RetryDelay) {
			s.unclaim(item.ListID)
			return
		}
		item.EnqueuedAt = s.now()
		s.requeue(item)
	}()
}

func (s *Service) drop(ctx context.Context, item QueueItem, err error) {
	s.stats.listsDropped.Inc()
	s.quarantine.Add(item.ListID)
	s.emit(ctx, Event{Type: EventListDropped, Item: &item, Error: err.Error()})
}
