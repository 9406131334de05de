package scheduler

import (
	"sync"
	"time"
)

// quarantine 最终失败的列表，Fetcher 不再拉取
// 只有重新下发（触发消息或手动入队）才会移出
type quarantine struct {
	mu        sync.Mutex
	droppedAt map[int64]time.Time
	now       func() time.Time
}

func newQuarantine(now func() time.Time) *quarantine {
	return &quarantine{droppedAt: make(map[int64]time.Time), now: now}
}

func (q *quarantine) Add(listID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.droppedAt[listID] = q.now()
}

func (q *quarantine) Contains(listID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.droppedAt[listID]
	return ok
}

func (q *quarantine) Remove(listID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.droppedAt[listID]
	delete(q.droppedAt, listID)
	return ok
}

func (q *quarantine) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.droppedAt)
}
