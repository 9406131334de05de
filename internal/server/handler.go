package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ejlog/scheduler/internal/coordinator"
	"ejlog/scheduler/internal/lock"
	"ejlog/scheduler/internal/scheduler"
	"ejlog/scheduler/pkg/entity"
	redisx "ejlog/scheduler/pkg/infra/redis"
	"ejlog/scheduler/pkg/logger"
)

// Scheduler 调度服务控制面
type Scheduler interface {
	Status(ctx context.Context) scheduler.Status
	QueueSnapshot() []scheduler.QueueItem
	StartFetcher() error
	PauseFetcher()
	StartProcessor() error
	PauseProcessor()
	ForceFetcherCycle(ctx context.Context) (int, error)
	EnqueueList(ctx context.Context, listID int64) (bool, error)
}

// Instances 心跳实例查询
type Instances interface {
	State() coordinator.State
	ActiveInstances(ctx context.Context) ([]entity.HeartbeatAge, error)
}

// Locks 锁诊断
type Locks interface {
	HeldLocks() []lock.LockInfo
	IsLocked(ctx context.Context, resourceID string) (lock.LockInfo, error)
}

// EventStream 集群调度事件流
type EventStream interface {
	Stream(ctx context.Context) (<-chan redisx.EventMessage, error)
}

// Handler 调度器运维 HTTP 处理器
type Handler struct {
	scheduler Scheduler
	instances Instances
	locks     Locks
	events    EventStream
	logger    logger.Logger
}

// NewHandler 创建处理器
func NewHandler(s Scheduler, instances Instances, locks Locks, log logger.Logger) *Handler {
	return &Handler{scheduler: s, instances: instances, locks: locks, logger: log}
}

// SetEventStream 设置事件流来源，未设置时 /events 返回 404
func (h *Handler) SetEventStream(es EventStream) {
	h.events = es
}

// Status 调度器完整状态
func (h *Handler) Status(c *gin.Context) {
	Success(c, h.scheduler.Status(c.Request.Context()))
}

// Queue 队列内容（出队顺序）
func (h *Handler) Queue(c *gin.Context) {
	items := h.scheduler.QueueSnapshot()
	Success(c, gin.H{"size": len(items), "items": items})
}

// Instances 心跳未超时的实例
func (h *Handler) Instances(c *gin.Context) {
	instances, err := h.instances.ActiveInstances(c.Request.Context())
	if err != nil {
		h.logger.Errorf(c.Request.Context(), "[Server] Load instances failed: %v", err)
		InternalError(c, "load instances failed")
		return
	}
	Success(c, gin.H{"self": h.instances.State(), "instances": instances})
}

// Locks 本实例持有的锁
func (h *Handler) Locks(c *gin.Context) {
	held := h.locks.HeldLocks()
	Success(c, gin.H{"count": len(held), "locks": held})
}

// Lock 单个列表的锁状态（含其他会话持有的情况）
func (h *Handler) Lock(c *gin.Context) {
	id, ok := listID(c)
	if !ok {
		return
	}
	info, err := h.locks.IsLocked(c.Request.Context(), strconv.FormatInt(id, 10))
	if err != nil {
		h.logger.Errorf(c.Request.Context(), "[Server] Inspect lock %d failed: %v", id, err)
		InternalError(c, "inspect lock failed")
		return
	}
	Success(c, info)
}

// PauseFetcher 暂停 Fetcher
func (h *Handler) PauseFetcher(c *gin.Context) {
	h.scheduler.PauseFetcher()
	Success(c, gin.H{"fetcher": "paused"})
}

// ResumeFetcher 恢复 Fetcher
func (h *Handler) ResumeFetcher(c *gin.Context) {
	if err := h.scheduler.StartFetcher(); err != nil {
		controlError(c, err)
		return
	}
	Success(c, gin.H{"fetcher": "running"})
}

// ForceFetcher 立即执行一轮拉取
func (h *Handler) ForceFetcher(c *gin.Context) {
	queued, err := h.scheduler.ForceFetcherCycle(c.Request.Context())
	if err != nil {
		controlError(c, err)
		return
	}
	Success(c, gin.H{"queued": queued})
}

// PauseProcessor 暂停 Processor
func (h *Handler) PauseProcessor(c *gin.Context) {
	h.scheduler.PauseProcessor()
	Success(c, gin.H{"processor": "paused"})
}

// ResumeProcessor 恢复 Processor
func (h *Handler) ResumeProcessor(c *gin.Context) {
	if err := h.scheduler.StartProcessor(); err != nil {
		controlError(c, err)
		return
	}
	Success(c, gin.H{"processor": "running"})
}

// EnqueueList 手动入队一个列表
func (h *Handler) EnqueueList(c *gin.Context) {
	id, ok := listID(c)
	if !ok {
		return
	}
	queued, err := h.scheduler.EnqueueList(c.Request.Context(), id)
	if errors.Is(err, entity.ErrListNotFound) {
		NotFound(c, "list not found")
		return
	}
	if err != nil {
		controlError(c, err)
		return
	}
	Success(c, gin.H{"list_id": id, "queued": queued})
}

// Events 以 SSE 推送事件频道中的调度事件，直到客户端断开
func (h *Handler) Events(c *gin.Context) {
	if h.events == nil {
		NotFound(c, "event stream disabled")
		return
	}
	ctx := c.Request.Context()
	events, err := h.events.Stream(ctx)
	if err != nil {
		h.logger.Errorf(ctx, "[Server] Open event stream failed: %v", err)
		InternalError(c, "open event stream failed")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(ev.Type, ev.Payload)
			c.Writer.Flush()
		}
	}
}

func listID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(c, "invalid list id")
		return 0, false
	}
	return id, true
}

func controlError(c *gin.Context, err error) {
	if errors.Is(err, scheduler.ErrNotLeader) || errors.Is(err, scheduler.ErrShuttingDown) {
		Conflict(c, err.Error())
		return
	}
	InternalError(c, err.Error())
}
