package framework

import (
	"context"
	"sync"
	"time"

	"ejlog/scheduler/pkg/logger"
)

// Subscriber 订阅者：从消息队列拉取消息，交给 handler 处理，成功后 ACK
// handler 返回错误时不 ACK，消息在 TTR 到期后由队列重新投递
type Subscriber struct {
	cfg        *SubscriberConfig
	source     MessageSource // 消息源（lmstfy 适配器）
	handler    MessageHandler
	logger     logger.Logger
	cancelFunc context.CancelFunc // 取消函数
	wg         sync.WaitGroup
}

// NewSubscriber 创建订阅者
func NewSubscriber(cfg *SubscriberConfig, source MessageSource, handler MessageHandler, log logger.Logger) *Subscriber {
	return &Subscriber{
		cfg:     cfg,
		source:  source,
		handler: handler,
		logger:  log,
	}
}

// Start 启动订阅循环
func (s *Subscriber) Start(parentCtx context.Context) {
	// 从父 Context 派生子 Context
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancelFunc = cancel

	concurrency := s.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	s.logger.Infof(ctx, "[Subscriber] Starting with %d workers for queue: %s",
		concurrency, s.cfg.QueueName)

	for i := 0; i < concurrency; i++ {
		workerID := i
		s.wg.Add(1)
		go s.loop(ctx, workerID)
	}
}

// Stop 停止订阅（不再拉取新消息）
func (s *Subscriber) Stop() {
	s.logger.Infof(context.Background(), "[Subscriber] Stopping...")
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
}

// Wait 等待所有订阅协程退出
func (s *Subscriber) Wait() {
	s.wg.Wait()
	s.logger.Infof(context.Background(), "[Subscriber] All workers exited")
}

// loop 订阅循环（单个 Worker）
func (s *Subscriber) loop(ctx context.Context, workerID int) {
	defer s.wg.Done()
	s.logger.Infof(ctx, "[Subscriber-%d] Started", workerID)

	for {
		if ctx.Err() != nil {
			s.logger.Infof(ctx, "[Subscriber-%d] Context cancelled, exiting", workerID)
			return
		}

		// 1. 拉取消息（带超时）
		msg, err := s.source.Consume(s.cfg.QueueName, s.cfg.Timeout, s.cfg.TTR)
		if err != nil {
			// 网络抖动不退出，只记录日志
			s.logger.Warnf(ctx, "[Subscriber-%d] Consume error: %v, retrying...", workerID, err)
			if !sleepCtx(ctx, s.cfg.ErrorBackoff) {
				s.logger.Infof(ctx, "[Subscriber-%d] Context cancelled, exiting", workerID)
				return
			}
			continue
		}

		// nil 消息（超时未拉到），继续循环
		if msg == nil {
			continue
		}

		// 2. 处理并 ACK
		if err := s.handler(ctx, msg); err != nil {
			s.logger.Warnf(ctx, "[Subscriber-%d] Handle message %s failed, left for redelivery: %v",
				workerID, msg.ID, err)
		} else if err := s.source.Ack(msg.Queue, msg.ID); err != nil {
			s.logger.Warnf(ctx, "[Subscriber-%d] Ack message %s failed: %v", workerID, msg.ID, err)
		} else {
			s.logger.Debugf(ctx, "[Subscriber-%d] Message handled: %s", workerID, msg.ID)
		}

		// 3. 速率控制 + 退出检查
		if !sleepCtx(ctx, s.cfg.Rate) {
			s.logger.Infof(ctx, "[Subscriber-%d] Context cancelled, exiting", workerID)
			return
		}
	}
}

// sleepCtx 可被取消的等待，ctx 取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
