package server

import (
	"context"
	"sync"
	"testing"

	"sealed_chat/internal/protocol/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loopbackBroker struct {
	mu        sync.Mutex
	published []string
	deliver   func(room string, frame []byte)
	ready     chan struct{}
}

func (b *loopbackBroker) Publish(_ context.Context, room string, frame []byte) error {
	b.mu.Lock()
	b.published = append(b.published, room)
	deliver := b.deliver
	b.mu.Unlock()
	if deliver != nil {
		deliver(room, frame)
	}
	return nil
}

func (b *loopbackBroker) Subscribe(ctx context.Context, deliver func(room string, frame []byte)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	close(b.ready)
	<-ctx.Done()
	return nil
}

func drain(c *Conn) []string {
	var res []string
	for {
		select {
		case f := <-c.send:
			res = append(res, string(f))
		default:
			return res
		}
	}
}

func TestHub_RoomsAndCleanup(t *testing.T) {
	h := NewHub(nil, nil)
	a := newConn(nil, "a", nil)
	b := newConn(nil, "b", nil)
	h.register(a)
	h.register(b)

	h.Join(a, "chat")
	h.Join(b, "chat")
	h.Join(a, "user_a")
	assert.Equal(t, 2, h.roomSize("chat"))

	require.NoError(t, h.Emit(context.Background(), "chat", &wire.MessageDeleted{ID: "m1", ChatID: "chat"}))
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)

	h.Leave(b, "chat")
	require.NoError(t, h.Emit(context.Background(), "chat", &wire.MessageDeleted{ID: "m2", ChatID: "chat"}))
	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))

	h.unregister(a)
	assert.Zero(t, h.roomSize("chat"))
	assert.Zero(t, h.roomSize("user_a"))
	_, open := <-a.send
	assert.False(t, open)

	// joining after unregister is ignored
	h.Join(a, "chat")
	assert.Zero(t, h.roomSize("chat"))

	err := h.EmitTo(context.Background(), a.id, &wire.Error{Message: "x"})
	assert.ErrorIs(t, err, ErrUnknownConn)
}

func TestHub_EmitToSingleConnection(t *testing.T) {
	h := NewHub(nil, nil)
	a := newConn(nil, "a", nil)
	a2 := newConn(nil, "a", nil)
	h.register(a)
	h.register(a2)

	require.NoError(t, h.EmitTo(context.Background(), a.id, &wire.Error{Message: "only you"}))
	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(a2))
}

func TestHub_BrokerRoundTrip(t *testing.T) {
	broker := &loopbackBroker{ready: make(chan struct{})}
	h := NewHub(broker, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	<-broker.ready

	a := newConn(nil, "a", nil)
	h.register(a)
	h.Join(a, "chat")

	require.NoError(t, h.Emit(ctx, "chat", &wire.MessageDeleted{ID: "m1", ChatID: "chat"}))
	assert.Equal(t, []string{"chat"}, broker.published)
	frames := drain(a)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], `"event":"message_deleted"`)
}
