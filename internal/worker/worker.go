package worker

import (
	"context"
	"sync"

	"ejlog/scheduler/internal/framework"
	"ejlog/scheduler/pkg/logger"
)

// Worker 接口
type Worker interface {
	Start()
	Shutdown()
	GetName() string
}

// WorkerInstance 订阅一个队列并把消息交给 handler
type WorkerInstance struct {
	ctx        context.Context
	name       string
	subscriber *framework.Subscriber
	shutdownCh chan struct{}
	logger     logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewWorkerInstance 创建 Worker 实例
func NewWorkerInstance(
	ctx context.Context,
	name string,
	subscriberCfg *framework.SubscriberConfig,
	source framework.MessageSource,
	handler framework.MessageHandler,
	log logger.Logger,
) Worker {
	return &WorkerInstance{
		ctx:        ctx,
		name:       name,
		subscriber: framework.NewSubscriber(subscriberCfg, source, handler, log),
		shutdownCh: make(chan struct{}),
		logger:     log,
	}
}

// Start 启动 Worker，阻塞直到 Shutdown
func (w *WorkerInstance) Start() {
	w.mu.Lock()
	if !w.closed {
		w.subscriber.Start(w.ctx)
		w.logger.Infof(w.ctx, "[Worker] %s started", w.name)
	}
	w.mu.Unlock()
	<-w.shutdownCh
}

// Shutdown 停止拉取并等待处理中的消息完成
func (w *WorkerInstance) Shutdown() {
	w.logger.Infof(w.ctx, "[Worker] %s began to close", w.name)

	w.mu.Lock()
	w.closed = true
	w.subscriber.Stop()
	w.mu.Unlock()
	w.subscriber.Wait()

	close(w.shutdownCh)
	w.logger.Infof(w.ctx, "[Worker] %s shutdown complete", w.name)
}

// GetName 获取 Worker 名称
func (w *WorkerInstance) GetName() string {
	return w.name
}
