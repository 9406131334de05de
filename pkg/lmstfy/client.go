package lmstfy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bitleak/lmstfy/client"

	"ejlog/scheduler/internal/framework"
)

const publishTries = 3

// Client Lmstfy 客户端封装
type Client struct {
	cli       *client.LmstfyClient
	namespace string
}

// NewClient 创建 Lmstfy 客户端
func NewClient(host string, port int, namespace string, token string) *Client {
	return &Client{
		cli:       client.NewLmstfyClient(host, port, namespace, token),
		namespace: namespace,
	}
}

// Consume 消费消息（实现 framework.MessageSource 接口）
func (c *Client) Consume(queue string, timeout time.Duration, ttr time.Duration) (*framework.Message, error) {
	ttrSec := uint32(ttr.Seconds())
	timeoutSec := uint32(timeout.Seconds())

	job, err := c.cli.Consume(queue, ttrSec, timeoutSec)
	if err != nil {
		return nil, fmt.Errorf("lmstfy consume failed: %w", err)
	}

	// 超时未拉到消息
	if job == nil {
		return nil, nil
	}

	return &framework.Message{
		ID:    job.ID,
		Queue: job.Queue,
		Data:  job.Data,
	}, nil
}

// Ack 确认消息（实现 framework.MessageSource 接口）
func (c *Client) Ack(queue string, jobID string) error {
	if err := c.cli.Ack(queue, jobID); err != nil {
		return fmt.Errorf("lmstfy ack failed: %w", err)
	}
	return nil
}

// Publish 发布消息
func (c *Client) Publish(queue string, data []byte, ttl, delay uint32) error {
	if _, err := c.cli.Publish(queue, data, ttl, publishTries, delay); err != nil {
		return fmt.Errorf("lmstfy publish failed: %w", err)
	}
	return nil
}

// QueuePublisher 把调度事件写入固定队列（例如最终失败的列表进入死信队列）
type QueuePublisher struct {
	client *Client
	queue  string
	ttl    uint32
}

// NewQueuePublisher 创建队列发布器，ttl 为 0 表示消息永不过期
func NewQueuePublisher(c *Client, queue string, ttl time.Duration) *QueuePublisher {
	return &QueuePublisher{client: c, queue: queue, ttl: uint32(ttl.Seconds())}
}

// Publish 发布事件（实现 scheduler.Publisher 接口）
func (p *QueuePublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	envelope, err := json.Marshal(map[string]interface{}{
		"type":    eventType,
		"payload": json.RawMessage(payload),
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return p.client.Publish(p.queue, envelope, p.ttl, 0)
}
