package server

import (
	"context"
	"errors"
	"sync"

	"sealed_chat/internal/metrics"
	"sealed_chat/internal/protocol/wire"
	"sealed_chat/internal/utils/log"

	"go.uber.org/zap"
)

var ErrUnknownConn = errors.New("unknown connection")

type (
	// Broker relays room frames between server instances. Without one the
	// hub delivers locally.
	Broker interface {
		Publish(ctx context.Context, room string, frame []byte) error
		Subscribe(ctx context.Context, deliver func(room string, frame []byte)) error
	}

	// Hub tracks live connections and their room subscriptions.
	Hub struct {
		mu    sync.RWMutex
		conns map[string]*Conn
		rooms map[string]map[string]*Conn

		broker  Broker
		metrics *metrics.Metrics
	}
)

func NewHub(broker Broker, m *metrics.Metrics) *Hub {
	return &Hub{
		conns:   make(map[string]*Conn),
		rooms:   make(map[string]map[string]*Conn),
		broker:  broker,
		metrics: m,
	}
}

// Run pumps broker frames into local rooms until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.broker == nil {
		<-ctx.Done()
		return nil
	}
	return h.broker.Subscribe(ctx, h.deliver)
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.metrics.Connected()
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	close(c.send)
	h.mu.Unlock()
	h.metrics.Disconnected()
}

func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.id]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.id] = c
	c.rooms[room] = struct{}{}
}

func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Conn, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) Emit(ctx context.Context, room string, p wire.Payload) error {
	frame, err := wire.Encode(p)
	if err != nil {
		return err
	}
	if h.broker != nil {
		return h.broker.Publish(ctx, room, frame)
	}
	h.deliver(room, frame)
	return nil
}

func (h *Hub) EmitTo(_ context.Context, connID string, p wire.Payload) error {
	frame, err := wire.Encode(p)
	if err != nil {
		return err
	}

	h.mu.RLock()
	c, ok := h.conns[connID]
	var queued bool
	if ok {
		queued = c.enqueue(frame)
	}
	h.mu.RUnlock()

	if !ok {
		return ErrUnknownConn
	}
	if !queued {
		h.drop(c)
	}
	return nil
}

func (h *Hub) deliver(room string, frame []byte) {
	var slow []*Conn

	h.mu.RLock()
	for _, c := range h.rooms[room] {
		if !c.enqueue(frame) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drop(c)
	}
}

// drop closes a connection whose send buffer is full; its read loop then
// unregisters it.
func (h *Hub) drop(c *Conn) {
	log.Warn("dropping slow connection", zap.String("conn_id", c.id), zap.String("user_id", c.userID))
	_ = c.ws.Close()
}

func (h *Hub) roomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
