package server

import (
	"context"
	"errors"

	"sealed_chat/internal/protocol/wire"
	"sealed_chat/internal/service/messaging"
	"sealed_chat/internal/utils/log"

	"go.uber.org/zap"
)

// handleFrame runs one inbound frame. Frames from a connection are handled
// in arrival order; failures are reported back to that connection only.
func (s *HttpServer) handleFrame(ctx context.Context, c *Conn, data []byte) {
	if !c.limiter.Allow() {
		s.metrics.Reject("rate_limited")
		s.reply(ctx, c, &wire.Error{Message: "too many events", Code: "rate_limited"})
		return
	}

	p, err := wire.Decode(data)
	if err != nil {
		s.metrics.Reject("malformed")
		s.reply(ctx, c, &wire.Error{Message: err.Error(), Code: messaging.Code(messaging.ErrInvalidArgument)})
		return
	}

	switch p := p.(type) {
	case *wire.JoinRoom:
		if err := s.engine.CanJoin(ctx, c.userID, p.RoomID); err != nil {
			s.fail(ctx, c, p.Event(), err, wire.Error{})
			return
		}
		s.hub.Join(c, p.RoomID)

	case *wire.LeaveRoom:
		if p.RoomID == messaging.UserRoom(c.userID) {
			return
		}
		s.hub.Leave(c, p.RoomID)

	case *wire.SendMessage:
		_, err := s.engine.Send(ctx, messaging.SendRequest{
			ChatID:      p.ChatID,
			SenderID:    c.userID,
			ConnID:      c.id,
			Content:     p.Content,
			ReplyToID:   p.ReplyToID,
			TempID:      p.TempID,
			IsForwarded: p.IsForwarded,
		})
		if err != nil {
			s.fail(ctx, c, p.Event(), err, wire.Error{TempID: p.TempID})
		}

	case *wire.EditMessage:
		_, err := s.engine.Edit(ctx, messaging.EditRequest{
			MessageID:   p.MessageID,
			RequesterID: c.userID,
			Content:     p.Content,
		})
		if err != nil {
			s.fail(ctx, c, p.Event(), err, wire.Error{MessageID: p.MessageID})
		}

	case *wire.DeleteMessage:
		if err := s.engine.Delete(ctx, p.MessageID, c.userID); err != nil {
			s.fail(ctx, c, p.Event(), err, wire.Error{})
		}

	case *wire.MarkRead:
		if _, err := s.engine.MarkRead(ctx, c.userID, p.ChatID); err != nil {
			s.fail(ctx, c, p.Event(), err, wire.Error{})
		}

	default:
		s.metrics.Reject("server_event")
		s.reply(ctx, c, &wire.Error{Message: "event " + string(p.Event()) + " is server-only", Code: messaging.Code(messaging.ErrInvalidArgument)})
	}
}

// fail reports err to c. ref carries the request ids the client correlates
// the error with.
func (s *HttpServer) fail(ctx context.Context, c *Conn, event wire.Event, err error, ref wire.Error) {
	code := messaging.Code(err)
	msg := err.Error()
	if code == "internal" {
		log.Error("event failed", zap.String("event", string(event)), zap.String("user_id", c.userID), zap.Error(err))
		msg = "internal error"
	} else {
		log.Debug("event rejected", zap.String("event", string(event)), zap.String("user_id", c.userID), zap.Error(err))
	}
	ref.Message, ref.Code = msg, code
	s.reply(ctx, c, &ref)
}

func (s *HttpServer) reply(ctx context.Context, c *Conn, p wire.Payload) {
	if err := s.hub.EmitTo(ctx, c.id, p); err != nil && !errors.Is(err, ErrUnknownConn) {
		log.Warn("reply failed", zap.String("conn_id", c.id), zap.Error(err))
	}
}
