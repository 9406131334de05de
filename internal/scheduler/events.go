package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"ejlog/scheduler/internal/prenotatore"
)

// 调度事件类型
const (
	EventListQueued        = "list_queued"
	EventListProcessing    = "list_processing"
	EventListLockFailed    = "list_lock_failed"
	EventListCompleted     = "list_completed"
	EventListFailed        = "list_failed"
	EventListDropped       = "list_dropped"
	EventFetcherCycle      = "fetcher_cycle"
	EventLeadershipChanged = "leadership_changed"
)

const defaultPublishTimeout = time.Second

// Event 调度事件
type Event struct {
	Type       string              `json:"type"`
	InstanceID string              `json:"instance_id"`
	Item       *QueueItem          `json:"item,omitempty"`
	Result     *prenotatore.Result `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
	Fetched    int                 `json:"fetched,omitempty"`
	Queued     int                 `json:"queued,omitempty"`
	IsLeader   *bool               `json:"is_leader,omitempty"`
	Timestamp  int64               `json:"timestamp"`
}

// EventListener 进程内事件回调，同步执行
type EventListener func(ctx context.Context, ev Event)

// Publisher 外部事件发布（Redis 频道、lmstfy 队列）
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

type publisherBinding struct {
	name  string
	pub   Publisher
	types map[string]bool // 空表示全部事件
}

func (b publisherBinding) accepts(eventType string) bool {
	return len(b.types) == 0 || b.types[eventType]
}

// OnEvent 注册进程内事件回调
func (s *Service) OnEvent(fn EventListener) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// AddPublisher 注册外部发布器，types 为空时发布全部事件
func (s *Service) AddPublisher(name string, pub Publisher, types ...string) {
	b := publisherBinding{name: name, pub: pub}
	if len(types) > 0 {
		b.types = make(map[string]bool, len(types))
		for _, t := range types {
			b.types[t] = true
		}
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.publishers = append(s.publishers, b)
}

func (s *Service) emit(ctx context.Context, ev Event) {
	ev.InstanceID = s.cfg.InstanceID
	ev.Timestamp = s.now().UnixMilli()

	s.eventMu.RLock()
	listeners := make([]EventListener, len(s.listeners))
	copy(listeners, s.listeners)
	publishers := make([]publisherBinding, len(s.publishers))
	copy(publishers, s.publishers)
	s.eventMu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, ev)
	}

	if len(publishers) == 0 {
		return
	}
	var payload []byte
	for _, b := range publishers {
		if !b.accepts(ev.Type) {
			continue
		}
		if payload == nil {
			var err error
			if payload, err = json.Marshal(ev); err != nil {
				s.logger.Errorf(ctx, "[Events] Marshal %s failed: %v", ev.Type, err)
				return
			}
		}
		// 发布失败不影响调度
		if err := s.publish(ctx, b, ev.Type, payload); err != nil {
			s.logger.Warnf(ctx, "[Events] Publish %s to %s failed: %v", ev.Type, b.name, err)
		}
	}
}

func (s *Service) publish(ctx context.Context, b publisherBinding, eventType string, payload []byte) error {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	return b.pub.Publish(pubCtx, eventType, payload)
}
