package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *RedisService {
	addr := os.Getenv("SEALED_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SEALED_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return NewRedis(rdb, "test-"+uuid.NewString()[:8])
}

func TestPublishSubscribe_Order(t *testing.T) {
	r := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type got struct {
		room  string
		frame string
	}
	frames := make(chan got, 10)
	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = r.Subscribe(ctx, func(room string, frame []byte) {
			frames <- got{room, string(frame)}
		})
	}()
	<-ready
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, r.Publish(ctx, "chat-1", []byte("one")))
	require.NoError(t, r.Publish(ctx, "user_a", []byte("two")))
	require.NoError(t, r.Publish(ctx, "chat-1", []byte("three")))

	for _, want := range []got{{"chat-1", "one"}, {"user_a", "two"}, {"chat-1", "three"}} {
		select {
		case g := <-frames:
			assert.Equal(t, want, g)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestChallenge_SingleUse(t *testing.T) {
	r := newTestService(t)
	ctx := context.Background()

	require.NoError(t, r.PutChallenge(ctx, "c1", []byte("nonce"), time.Minute))

	v, err := r.TakeChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []byte("nonce"), v)

	v, err = r.TakeChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, v)
}
