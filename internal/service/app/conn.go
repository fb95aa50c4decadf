package app

import (
	"context"
	"net/url"
	"sync"

	"sealed_chat/internal/protocol/wire"
	"sealed_chat/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Socket is the client end of the realtime channel.
type Socket struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func Dial(ctx context.Context, host, token string) (*Socket, error) {
	params := url.Values{
		"token": []string{token},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     host,
		Path:     "/ws",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	return &Socket{ws: conn}, nil
}

func (s *Socket) Send(p wire.Payload) error {
	data, err := wire.Encode(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// Listen hands every decoded server event to handle until the connection
// closes. Undecodable frames are logged and skipped.
func (s *Socket) Listen(handle func(wire.Payload)) error {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			log.Debug("web socket closed", zap.Error(err))
			return err
		}

		p, err := wire.Decode(data)
		if err != nil {
			log.Error("decode event failed", zap.Error(err))
			continue
		}
		handle(p)
	}
}

func (s *Socket) Close() error {
	return s.ws.Close()
}
