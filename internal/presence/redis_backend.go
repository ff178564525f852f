package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "chatsync:presence:"

func presenceKey(actorID string) string { return keyPrefix + actorID }

// RedisBackend keeps presence under keys that expire after the TTL and fans
// updates out over one pub/sub channel per actor. An online record that is
// not refreshed vanishes by itself; an offline record is kept so last-seen
// survives.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisBackend creates a Redis presence backend.
func NewRedisBackend(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackend{client: client, ttl: ttl, logger: logger}
}

func (b *RedisBackend) Publish(ctx context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return syncerr.E(syncerr.InvalidArgument, "presence.publish", err)
	}
	key := presenceKey(rec.ActorID)
	expiry := b.ttl
	if !rec.Online {
		expiry = 0
	}
	_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, data, expiry)
		p.Publish(ctx, key, data)
		return nil
	})
	if err != nil {
		return classifyRedis("presence.publish", err)
	}
	return nil
}

func (b *RedisBackend) Watch(ctx context.Context, actorID string) (<-chan Record, error) {
	key := presenceKey(actorID)
	ps := b.client.Subscribe(ctx, key)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, classifyRedis("presence.watch", err)
	}

	// Subscribed before reading the current value, so no update falls in
	// between.
	current, err := b.client.Get(ctx, key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		_ = ps.Close()
		return nil, classifyRedis("presence.watch", err)
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()

		send := func(data []byte) bool {
			rec, err := decodeRecord(data)
			if err != nil {
				b.logger.Warn("bad presence payload", zap.String("key", key), zap.Error(err))
				return true
			}
			select {
			case out <- rec:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if current != nil && !send(current) {
			return
		}
		msgs := ps.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if !send([]byte(msg.Payload)) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func classifyRedis(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, redis.ErrClosed) {
		return syncerr.E(syncerr.FailedPrecondition, op, err)
	}
	return syncerr.E(syncerr.Transient, op, fmt.Errorf("redis: %w", err))
}
