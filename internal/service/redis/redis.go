// Package redis carries room events between server instances over redis
// pub/sub and keeps short-lived login challenges.
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"sealed_chat/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type (
	RedisService struct {
		rdb    *redis.Client
		prefix string
	}
)

func NewRedis(rdb *redis.Client, prefix string) *RedisService {
	return &RedisService{
		rdb:    rdb,
		prefix: prefix,
	}
}

func (r *RedisService) roomChannel(room string) string {
	return r.prefix + ":room:" + room
}

// Publish sends a pre-encoded frame to every instance subscribed to room.
func (r *RedisService) Publish(ctx context.Context, room string, frame []byte) error {
	return r.rdb.Publish(ctx, r.roomChannel(room), frame).Err()
}

// Subscribe delivers every published room frame to deliver until ctx is
// done. Frames from one publisher arrive in publish order.
func (r *RedisService) Subscribe(ctx context.Context, deliver func(room string, frame []byte)) error {
	pubsub := r.rdb.PSubscribe(ctx, r.roomChannel("*"))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	prefix := r.roomChannel("")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			room := strings.TrimPrefix(msg.Channel, prefix)
			log.Debug("room frame from redis", zap.String("room", room))
			deliver(room, []byte(msg.Payload))
		}
	}
}

func (r *RedisService) challengeKey(id string) string {
	return r.prefix + ":challenge:" + id
}

func (r *RedisService) PutChallenge(ctx context.Context, id string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, r.challengeKey(id), value, ttl).Err()
}

// TakeChallenge returns and removes the challenge; nil when it expired or
// was already used.
func (r *RedisService) TakeChallenge(ctx context.Context, id string) ([]byte, error) {
	v, err := r.rdb.GetDel(ctx, r.challengeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}
