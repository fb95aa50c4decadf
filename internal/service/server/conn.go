package server

import (
	"context"
	"time"

	"sealed_chat/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

type Conn struct {
	id      string
	userID  string
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// guarded by Hub.mu
	rooms map[string]struct{}
}

func newConn(ws *websocket.Conn, userID string, limiter *rate.Limiter) *Conn {
	return &Conn{
		id:      uuid.NewString(),
		userID:  userID,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		limiter: limiter,
		rooms:   make(map[string]struct{}),
	}
}

// enqueue must be called with Hub.mu held so send is not closed underneath.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) readPump(ctx context.Context, hub *Hub, handle func(ctx context.Context, c *Conn, data []byte)) {
	defer func() {
		hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Debug("web socket closed", zap.String("conn_id", c.id), zap.Error(err))
			return
		}
		handle(ctx, c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("write failed", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
