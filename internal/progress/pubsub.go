package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/keys"
)

// PubSub publishes events over Redis Pub/Sub, one channel per thread.
type PubSub struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewPubSub(log *zap.Logger, rdb *redis.Client) *PubSub {
	return &PubSub{rdb: rdb, log: log.Named("stream")}
}

func (p *PubSub) Publish(ctx context.Context, threadID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, keys.StreamChannel(threadID), payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe delivers events for a thread until ctx is cancelled.
// Used by the CLI query command to render live progress.
func (p *PubSub) Subscribe(ctx context.Context, threadID string, fn func(Event)) error {
	sub := p.rdb.Subscribe(ctx, keys.StreamChannel(threadID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.log.Warn("bad stream payload", zap.String("thread_id", threadID), zap.Error(err))
				continue
			}
			fn(ev)
		}
	}
}
