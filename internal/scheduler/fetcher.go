package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"ejlog/scheduler/internal/framework"
	"ejlog/scheduler/pkg/entity"
	"ejlog/scheduler/pkg/tracing"
)

// StartFetcher 启动 Fetcher（首轮立即执行）
func (s *Service) StartFetcher() error {
	if s.closing.Load() {
		return ErrShuttingDown
	}
	if !s.coordinator.CanProcessLists() {
		return ErrNotLeader
	}

	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	if !s.fetcherRunning.CAS(false, true) {
		return nil
	}

	ctx, cancel := context.WithCancel(s.rootCtx)
	s.fetcherCancel = cancel
	s.fetcherWG.Add(1)
	go s.fetchLoop(ctx)

	s.logger.Infof(ctx, "[Fetcher] Started, interval %v, batch size %d", s.cfg.FetchInterval, s.cfg.BatchSize)
	return nil
}

// PauseFetcher 停止拉取
func (s *Service) PauseFetcher() {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	if !s.fetcherRunning.CAS(true, false) {
		return
	}
	if s.fetcherCancel != nil {
		s.fetcherCancel()
	}
	s.logger.Infof(s.rootCtx, "[Fetcher] Paused")
}

// FetcherRunning Fetcher 是否在运行
func (s *Service) FetcherRunning() bool {
	return s.fetcherRunning.Load()
}

func (s *Service) fetchLoop(ctx context.Context) {
	defer s.fetcherWG.Done()

	for {
		if _, err := s.FetchCycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.Errorf(ctx, "[Fetcher] Cycle failed: %v", err)
		}
		if !sleepCtx(ctx, s.cfg.FetchInterval) {
			s.logger.Infof(s.rootCtx, "[Fetcher] Exited")
			return
		}
	}
}

// ForceFetcherCycle 立即执行一轮拉取
func (s *Service) ForceFetcherCycle(ctx context.Context) (int, error) {
	if s.closing.Load() {
		return 0, ErrShuttingDown
	}
	if !s.coordinator.CanProcessLists() {
		return 0, ErrNotLeader
	}
	return s.FetchCycle(ctx)
}

// FetchCycle 拉取一批待预留列表并入队，返回新入队数量
// 非 leader 时不拉取
func (s *Service) FetchCycle(ctx context.Context) (int, error) {
	if !s.coordinator.CanProcessLists() {
		s.logger.Debugf(ctx, "[Fetcher] Not leader, skipping cycle")
		return 0, nil
	}

	ctx, span := tracing.StartSpan(ctx, "fetch_cycle", map[string]string{
		"batch_size": strconv.Itoa(s.cfg.BatchSize),
	})

	liste, err := s.source.FetchEligibleLists(ctx, s.cfg.BatchSize)
	if err != nil {
		err = fmt.Errorf("fetch eligible lists: %w", err)
		span.End(err)
		return 0, err
	}

	queued := 0
	for _, l := range liste {
		if s.quarantine.Contains(l.ID) {
			continue
		}
		item := s.newItem(l, SourceFetcher)
		if !s.enqueueIfAbsent(item) {
			continue
		}
		queued++
		s.emit(ctx, Event{Type: EventListQueued, Item: &item})
	}

	s.stats.listsFetched.Add(int64(len(liste)))
	s.stats.listsQueued.Add(int64(queued))
	s.stats.markFetch(s.now())
	span.WithAttributes(map[string]string{
		"fetched": strconv.Itoa(len(liste)),
		"queued":  strconv.Itoa(queued),
	}).End(nil)

	if queued > 0 {
		s.logger.Infof(ctx, "[Fetcher] Fetched %d lists, queued %d (queue size %d)", len(liste), queued, s.queue.Size())
	} else {
		s.logger.Debugf(ctx, "[Fetcher] Fetched %d lists, nothing new", len(liste))
	}
	s.emit(ctx, Event{Type: EventFetcherCycle, Fetched: len(liste), Queued: queued})
	return queued, nil
}

func (s *Service) newItem(l entity.Lista, source string) QueueItem {
	priority := s.PriorityFor(l.IDTipoLista)
	return QueueItem{
		ListID:       l.ID,
		NumLista:     l.NumLista,
		Tipo:         l.IDTipoLista,
		Priority:     priority,
		BasePriority: priority,
		EnqueuedAt:   s.now(),
		Source:       source,
	}
}

// EnqueueList 按 ID 立即入队一个列表（下发触发）
// 列表重新下发时解除隔离
func (s *Service) EnqueueList(ctx context.Context, listID int64) (bool, error) {
	if s.closing.Load() {
		return false, ErrShuttingDown
	}
	if !s.coordinator.CanProcessLists() {
		return false, ErrNotLeader
	}

	l, err := s.source.GetList(ctx, listID)
	if err != nil {
		return false, err
	}
	if l.Terminata || l.RecordCancellato || l.DataLancio == nil {
		s.logger.Infof(ctx, "[Scheduler] List %s not eligible (terminated, deleted or not launched)", l.NumLista)
		return false, nil
	}

	if s.quarantine.Remove(listID) {
		s.logger.Infof(ctx, "[Scheduler] List %s released from quarantine", l.NumLista)
	}
	item := s.newItem(*l, SourceTrigger)
	if !s.enqueueIfAbsent(item) {
		return false, nil
	}
	s.stats.listsQueued.Inc()
	s.emit(ctx, Event{Type: EventListQueued, Item: &item})
	s.logger.Infof(ctx, "[Scheduler] List %s queued by trigger with priority %d", l.NumLista, item.Priority)
	return true, nil
}

// TriggerMessage 列表下发触发消息
type TriggerMessage struct {
	ListID int64 `json:"list_id"`
}

// HandleTrigger 处理下发触发消息（framework.MessageHandler）
// 返回 nil 时消息被 ACK；只有可恢复的错误才留给队列重投
func (s *Service) HandleTrigger(ctx context.Context, msg *framework.Message) error {
	var trigger TriggerMessage
	if err := json.Unmarshal(msg.Data, &trigger); err != nil || trigger.ListID <= 0 {
		s.logger.Warnf(ctx, "[Trigger] Discarding malformed message %s: %s", msg.ID, string(msg.Data))
		return nil
	}

	_, err := s.EnqueueList(ctx, trigger.ListID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotLeader):
		// leader 的 Fetcher 会在下一轮拉到它
		s.logger.Debugf(ctx, "[Trigger] Not leader, list %d left to the fetcher", trigger.ListID)
		return nil
	case errors.Is(err, entity.ErrListNotFound):
		s.logger.Warnf(ctx, "[Trigger] List %d not found, discarding", trigger.ListID)
		return nil
	default:
		return fmt.Errorf("enqueue list %d: %w", trigger.ListID, err)
	}
}
