package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PubSub Redis 发布/订阅客户端
type PubSub struct {
	client  *redis.Client
	channel string
}

// NewPubSub 创建 PubSub 实例
func NewPubSub(ctx context.Context, addr, password string, db int, channel string) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newPubSub(client, channel), nil
}

func newPubSub(client *redis.Client, channel string) *PubSub {
	if channel == "" {
		channel = "scheduler_events"
	}
	return &PubSub{client: client, channel: channel}
}

// EventMessage 调度事件消息
type EventMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Publish 发布调度事件（实现 scheduler.Publisher 接口）
func (p *PubSub) Publish(ctx context.Context, eventType string, payload []byte) error {
	msgJSON, err := json.Marshal(&EventMessage{Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, msgJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Stream 订阅事件频道，ctx 取消后关闭订阅和返回的 channel
// 无法解析的消息被丢弃
func (p *PubSub) Stream(ctx context.Context) (<-chan EventMessage, error) {
	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", p.channel, err)
	}

	out := make(chan EventMessage)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev EventMessage
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close 关闭 Redis 连接
func (p *PubSub) Close() error {
	return p.client.Close()
}
