package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes change signals over Redis pub/sub so every API
// replica sharing the database sees every write.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: "cqm:changes:"}
}

func (n *RedisNotifier) channel(collection string) string {
	return n.prefix + collection
}

func (n *RedisNotifier) Publish(ctx context.Context, collection string) error {
	if err := n.client.Publish(ctx, n.channel(collection), collection).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, collection string) (<-chan struct{}, func(), error) {
	pubsub := n.client.Subscribe(ctx, n.channel(collection))
	// Wait for the subscription to be confirmed so no publish is missed
	// between Subscribe returning and the first read.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe changes: %w", err)
	}

	out := make(chan struct{}, 1)
	messages := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range messages {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}
	return out, stop, nil
}
