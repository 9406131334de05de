package framework

import (
	"context"
	"time"
)

// MessageSource 消息源接口（适配不同 MQ）
type MessageSource interface {
	// Consume 消费消息（阻塞，直到拉取到消息或超时），超时返回 (nil, nil)
	Consume(queue string, timeout time.Duration, ttr time.Duration) (*Message, error)

	// Ack 确认消息（删除消息）
	Ack(queue string, jobID string) error
}

// MessageHandler 消息处理函数，返回 nil 时消息被 ACK
type MessageHandler func(ctx context.Context, msg *Message) error

// ProcessorFunc 函数链中的一步
type ProcessorFunc func(ctx context.Context) error
