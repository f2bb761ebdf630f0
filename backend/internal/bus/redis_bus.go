package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabsync/backend/internal/metrics"
)

const channelPattern = "collab:bus:*"

func channel(docID string) string {
	return fmt.Sprintf("collab:bus:{%s}", docID)
}

// RedisBus 基于 Redis pub/sub，每个文档一个频道，实例按模式订阅全部频道。
type RedisBus struct {
	rdb     redis.UniversalClient
	origin  string
	log     *zap.Logger
	metrics *metrics.Collab

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRedisBus(rdb redis.UniversalClient, origin string, log *zap.Logger, m *metrics.Collab) *RedisBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{rdb: rdb, origin: origin, log: log, metrics: m}
}

func (b *RedisBus) Origin() string { return b.origin }

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	env.Origin = b.origin
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channel(env.DocID), data).Err(); err != nil {
		return fmt.Errorf("bus publish: %w", err)
	}
	b.metrics.BusMessage("out")
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	ps := b.rdb.PSubscribe(ctx, channelPattern)
	// 等待订阅确认，Redis 不可用时在这里报错
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("bus subscribe: %w", err)
	}

	b.mu.Lock()
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	b.pubsub = ps
	b.mu.Unlock()

	go b.consume(ps.Channel(), h)
	return nil
}

func (b *RedisBus) consume(ch <-chan *redis.Message, h Handler) {
	for msg := range ch {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.Warn("bus: bad envelope", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		// 自己发出的消息已经在本地投递过了
		if env.Origin == b.origin {
			continue
		}
		b.metrics.BusMessage("in")
		h(env)
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	b.pubsub = nil
	return err
}
