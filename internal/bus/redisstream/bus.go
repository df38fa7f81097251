package redisstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hongjun500/peerchat-go/internal/presence"
)

// Bus 把在线状态变化与投递结果写进 Redis Stream，
// 嵌入方的存储层在外面消费。relay 不配置地址时整个组件不启用。
type Bus struct {
	cli    *redis.Client
	stream string
	group  string
}

// Event 流上的一条记录
type Event struct {
	Type string    `json:"type"` // user.online|user.offline|message.relayed
	When time.Time `json:"when"`
	User string    `json:"user,omitempty"`
	From string    `json:"from,omitempty"`
	To   string    `json:"to,omitempty"`
	Text string    `json:"text,omitempty"`
}

func New(addr string, db int, stream, group string) *Bus {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &Bus{cli: cli, stream: stream, group: group}
}

func (b *Bus) EnsureGroup(ctx context.Context) error {
	// 流和组不存在就建，已存在的报错忽略
	_ = b.cli.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	return nil
}

func (b *Bus) Publish(ctx context.Context, e *Event) error {
	payload, _ := json.Marshal(e)
	return b.cli.XAdd(ctx, &redis.XAddArgs{Stream: b.stream, Values: map[string]any{"data": payload}}).Err()
}

// PublishPresence 注册表事件转成流记录，给 Registry.Subscribe 挂
func (b *Bus) PublishPresence(ctx context.Context) func(presence.Event) {
	return func(e presence.Event) {
		_ = b.Publish(ctx, &Event{Type: string(e.Type), When: e.When, User: e.User})
	}
}

type Handler func(ctx context.Context, e *Event) error

// Consume 阻塞消费，handler 处理完自动 ack，取消 ctx 退出
func (b *Bus) Consume(ctx context.Context, consumer string, handler Handler) error {
	for {
		res, err := b.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// 瞬时错误继续
			continue
		}
		for _, str := range res {
			for _, xmsg := range str.Messages {
				raw, _ := xmsg.Values["data"].(string)
				var e Event
				if err := json.Unmarshal([]byte(raw), &e); err == nil {
					_ = handler(ctx, &e)
				}
				_ = b.cli.XAck(ctx, b.stream, b.group, xmsg.ID).Err()
			}
		}
	}
}
