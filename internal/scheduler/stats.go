package scheduler

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Stats 调度统计
type Stats struct {
	listsFetched        *atomic.Int64
	listsQueued         *atomic.Int64
	listsProcessed      *atomic.Int64
	listsSkipped        *atomic.Int64
	listsFailed         *atomic.Int64
	listsRetried        *atomic.Int64
	listsDropped        *atomic.Int64
	lockContention      *atomic.Int64
	prenotazioniCreated *atomic.Int64

	mu              sync.RWMutex
	lastFetchTime   time.Time
	lastProcessTime time.Time
	startTime       time.Time
}

func newStats(now time.Time) *Stats {
	return &Stats{
		listsFetched:        atomic.NewInt64(0),
		listsQueued:         atomic.NewInt64(0),
		listsProcessed:      atomic.NewInt64(0),
		listsSkipped:        atomic.NewInt64(0),
		listsFailed:         atomic.NewInt64(0),
		listsRetried:        atomic.NewInt64(0),
		listsDropped:        atomic.NewInt64(0),
		lockContention:      atomic.NewInt64(0),
		prenotazioniCreated: atomic.NewInt64(0),
		startTime:           now,
	}
}

func (s *Stats) markFetch(t time.Time) {
	s.mu.Lock()
	s.lastFetchTime = t
	s.mu.Unlock()
}

func (s *Stats) markProcess(t time.Time) {
	s.mu.Lock()
	s.lastProcessTime = t
	s.mu.Unlock()
}

// StatsSnapshot 统计快照
type StatsSnapshot struct {
	ListsFetched        int64     `json:"lists_fetched"`
	ListsQueued         int64     `json:"lists_queued"`
	ListsProcessed      int64     `json:"lists_processed"`
	ListsSkipped        int64     `json:"lists_skipped"`
	ListsFailed         int64     `json:"lists_failed"`
	ListsRetried        int64     `json:"lists_retried"`
	ListsDropped        int64     `json:"lists_dropped"`
	LockContention      int64     `json:"lock_contention"`
	PrenotazioniCreated int64     `json:"prenotazioni_created"`
	LastFetchTime       time.Time `json:"last_fetch_time,omitempty"`
	LastProcessTime     time.Time `json:"last_process_time,omitempty"`
	StartTime           time.Time `json:"start_time"`
	Uptime              string    `json:"uptime"`
}

// Snapshot 读取统计
func (s *Stats) Snapshot(now time.Time) StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatsSnapshot{
		ListsFetched:        s.listsFetched.Load(),
		ListsQueued:         s.listsQueued.Load(),
		ListsProcessed:      s.listsProcessed.Load(),
		ListsSkipped:        s.listsSkipped.Load(),
		ListsFailed:         s.listsFailed.Load(),
		ListsRetried:        s.listsRetried.Load(),
		ListsDropped:        s.listsDropped.Load(),
		LockContention:      s.lockContention.Load(),
		PrenotazioniCreated: s.prenotazioniCreated.Load(),
		LastFetchTime:       s.lastFetchTime,
		LastProcessTime:     s.lastProcessTime,
		StartTime:           s.startTime,
		Uptime:              now.Sub(s.startTime).Truncate(time.Second).String(),
	}
}
