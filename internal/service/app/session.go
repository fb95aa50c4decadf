package app

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"sealed_chat/internal/cryptographic/identity"
	"sealed_chat/internal/model"
	"sealed_chat/internal/protocol/envelope"
	"sealed_chat/internal/protocol/wire"
	"sealed_chat/internal/timeline"
	"sealed_chat/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	Backend interface {
		GetChat(ctx context.Context, chatID string) (*model.ChatDetails, error)
		ListChats(ctx context.Context) ([]model.ChatSummary, error)
		Messages(ctx context.Context, chatID string, before *time.Time) ([]model.Message, error)
	}

	Sender interface {
		Send(p wire.Payload) error
	}

	View interface {
		Render(s timeline.State, res timeline.Result)
		RenderChats(chats []model.ChatSummary)
		Notice(msg string)
	}

	// Session drives one logged-in user's client. Every method except
	// HandleEvent must run on the UI loop; slow work is spawned and its
	// result posted back to the loop.
	Session struct {
		userID  string
		priv    *rsa.PrivateKey
		backend Backend
		out     Sender
		view    View
		loader  *timeline.Loader

		post   func(func())
		spawn  func(func())
		tempID func() string

		// owned by the UI loop
		state      timeline.State
		recipients []envelope.Recipient
		names      map[string]string
		lastReadAt time.Time
		// ctx lives as long as the open chat
		ctx     context.Context
		cancel  context.CancelFunc
		loading bool
	}
)

func NewSession(userID string, priv *rsa.PrivateKey, backend Backend, out Sender, view View, post func(func())) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		userID:  userID,
		priv:    priv,
		backend: backend,
		out:     out,
		view:    view,
		loader:  timeline.NewLoader(backend.Messages, priv, userID),
		post:    post,
		spawn:   func(f func()) { go f() },
		tempID:  uuid.NewString,
		ctx:     ctx,
		cancel:  cancel,
		names:   map[string]string{},
	}
}

func (s *Session) State() timeline.State { return s.state }

// Close cancels in-flight loads.
func (s *Session) Close() { s.cancel() }

// Name returns the display name of a participant of the open chat.
func (s *Session) Name(userID string) string {
	if n, ok := s.names[userID]; ok {
		return n
	}
	return userID
}

func (s *Session) RefreshChats() {
	s.spawn(func() {
		chats, err := s.backend.ListChats(context.Background())
		if err != nil {
			s.post(func() { s.view.Notice("list chats: " + err.Error()) })
			return
		}
		s.post(func() { s.view.RenderChats(chats) })
	})
}

// OpenChat switches the view to chatID. Loads still running for the
// previous chat are cancelled and their results dropped.
func (s *Session) OpenChat(chatID string) {
	s.cancel()
	if prev := s.state.ChatID(); prev != "" && prev != chatID {
		s.send(&wire.LeaveRoom{RoomID: prev})
	}
	s.send(&wire.JoinRoom{RoomID: chatID})

	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel
	s.state = timeline.New(chatID, s.userID)
	s.recipients = nil
	s.loading = true

	s.spawn(func() {
		details, err := s.backend.GetChat(ctx, chatID)
		if err != nil {
			s.post(func() { s.failLoad(ctx, err) })
			return
		}
		recipients, names, lastRead := s.members(details)
		page, err := timeline.DecodePage(ctx, details.Messages, s.priv, s.userID)
		if err != nil {
			return
		}

		s.post(func() {
			if ctx.Err() != nil || s.state.ChatID() != chatID {
				return
			}
			s.loading = false
			s.recipients = recipients
			s.names = names
			s.lastReadAt = lastRead
			jump := s.state.JumpTarget()
			s.apply(timeline.Reset{ChatID: chatID, UserID: s.userID, Page: page})
			if jump != "" {
				s.Jump(jump)
			}
		})
	})
}

func (s *Session) members(d *model.ChatDetails) ([]envelope.Recipient, map[string]string, time.Time) {
	var (
		recipients []envelope.Recipient
		lastRead   time.Time
	)
	names := make(map[string]string, len(d.Participants))
	for _, p := range d.Participants {
		names[p.UserID] = p.Name
		if p.UserID == s.userID {
			lastRead = p.LastReadAt
		}
		pub, err := identity.ParsePublicKey(p.PublicKey)
		if err != nil {
			log.Warn("skipping participant with bad key", zap.String("user_id", p.UserID), zap.Error(err))
			continue
		}
		recipients = append(recipients, envelope.Recipient{UserID: p.UserID, PublicKey: pub})
	}
	return recipients, names, lastRead
}

func (s *Session) failLoad(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.loading = false
	s.view.Notice(err.Error())
}

// SendText posts text to the open chat, replying to the entry at replyTo
// when it is a valid index.
func (s *Session) SendText(text string, replyTo int) {
	chatID := s.state.ChatID()
	if chatID == "" || text == "" {
		return
	}
	if len(s.recipients) == 0 {
		s.view.Notice("chat is still loading")
		return
	}

	var replyToID string
	if replyTo >= 0 && replyTo < s.state.Len() {
		replyToID = timeline.ReplyRef(s.state.At(replyTo))
	}

	tempID := s.tempID()
	s.apply(timeline.Optimistic{TempID: tempID, Text: text, ReplyToID: replyToID, At: time.Now()})

	recipients := s.recipients
	s.spawn(func() {
		content, err := envelope.Seal(text, recipients)
		if err == nil {
			err = s.out.Send(&wire.SendMessage{ChatID: chatID, Content: content, ReplyToID: replyToID, TempID: tempID})
		}
		if err != nil {
			log.Error("send message failed", zap.Error(err))
			s.post(func() {
				if s.state.ChatID() == chatID {
					s.apply(timeline.Rejected{TempID: tempID})
				}
			})
		}
	})
}

func (s *Session) Edit(idx int, text string) {
	e, ok := s.own(idx)
	if !ok {
		return
	}
	s.apply(timeline.LocalEdit{ID: e.ID, Text: text})

	recipients := s.recipients
	s.spawn(func() {
		content, err := envelope.Seal(text, recipients)
		if err == nil {
			err = s.out.Send(&wire.EditMessage{MessageID: e.ID, Content: content})
		}
		if err != nil {
			s.post(func() { s.view.Notice("edit failed: " + err.Error()) })
		}
	})
}

// Delete asks the server to delete the entry at idx. Moderators may
// delete other people's messages, so ownership is left to the server.
func (s *Session) Delete(idx int) {
	if idx < 0 || idx >= s.state.Len() {
		return
	}
	e := s.state.At(idx)
	if e.Status != timeline.StatusSent || e.IsDeleted {
		return
	}
	s.send(&wire.DeleteMessage{MessageID: e.ID})
}

// Forward re-encrypts the entry at idx for the participants of another
// chat and sends it there.
func (s *Session) Forward(idx int, targetChatID string) {
	if idx < 0 || idx >= s.state.Len() {
		return
	}
	e := s.state.At(idx)
	if e.IsDeleted || e.IsError {
		s.view.Notice("nothing to forward")
		return
	}

	tempID := s.tempID()
	if targetChatID == s.state.ChatID() {
		s.apply(timeline.Optimistic{TempID: tempID, Text: e.Text, IsForwarded: true, At: time.Now()})
	}
	s.spawn(func() {
		err := s.forward(targetChatID, e.Text, tempID)
		if err != nil {
			s.post(func() {
				if s.state.ChatID() == targetChatID {
					s.apply(timeline.Rejected{TempID: tempID})
				}
				s.view.Notice("forward failed: " + err.Error())
			})
		}
	})
}

func (s *Session) forward(chatID, text, tempID string) error {
	details, err := s.backend.GetChat(context.Background(), chatID)
	if err != nil {
		return err
	}
	recipients, _, _ := s.members(details)
	content, err := envelope.Seal(text, recipients)
	if err != nil {
		return err
	}
	return s.out.Send(&wire.SendMessage{ChatID: chatID, Content: content, TempID: tempID, IsForwarded: true})
}

// LoadOlder fetches the previous page unless one is already in flight.
func (s *Session) LoadOlder() {
	if s.loading || !s.state.HasMore() || s.state.ChatID() == "" {
		return
	}
	s.loading = true

	ctx := s.ctx
	snapshot := s.state
	s.spawn(func() {
		p, err := s.loader.Older(ctx, snapshot)
		s.post(func() {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.failLoad(ctx, err)
				s.state, _ = timeline.Apply(s.state, timeline.JumpEnd{})
				return
			}
			s.loading = false
			s.apply(p)
			s.resumeJump()
		})
	})
}

// Jump scrolls to message id, loading older pages until it shows up.
// A jump requested while a page is loading resumes once that page lands.
func (s *Session) Jump(id string) {
	next, res := timeline.Apply(s.state, timeline.JumpStart{ID: id})
	s.state = next
	if res.Found >= 0 {
		s.view.Render(s.state, res)
		return
	}
	s.resumeJump()
}

func (s *Session) resumeJump() {
	id := s.state.JumpTarget()
	if id == "" || s.loading {
		return
	}
	if !s.state.HasMore() {
		s.state, _ = timeline.Apply(s.state, timeline.JumpEnd{})
		s.view.Notice(fmt.Sprintf("message %s not found", id))
		return
	}
	s.loading = true

	ctx := s.ctx
	snapshot := s.state
	s.spawn(func() {
		p, found, err := s.loader.JumpTo(ctx, snapshot, id)
		s.post(func() {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.failLoad(ctx, err)
				s.state, _ = timeline.Apply(s.state, timeline.JumpEnd{})
				return
			}
			s.loading = false
			s.apply(p)
			if !found {
				s.view.Notice(fmt.Sprintf("message %s not found", id))
			}
		})
	})
}

// HandleEvent runs on the socket goroutine: it decrypts there and posts
// the resulting action to the UI loop.
func (s *Session) HandleEvent(p wire.Payload) {
	switch p := p.(type) {
	case *wire.MessageSent:
		m := p.Message
		s.post(func() {
			if s.state.ChatID() == m.ChatID {
				s.apply(timeline.Ack{TempID: p.TempID, ID: m.ID, At: m.CreatedAt})
			}
		})

	case *wire.ReceiveMessage:
		if p.SenderID == s.userID {
			return
		}
		e := timeline.DecodeRecord(p.Message, s.priv, s.userID)
		chatID := p.ChatID
		s.post(func() {
			if s.state.ChatID() == chatID {
				s.apply(timeline.Received{Entry: e})
			}
		})

	case *wire.MessageUpdated:
		text, failed := timeline.Decrypt(p.Content, s.priv, s.userID)
		chatID, id := p.ChatID, p.ID
		s.post(func() {
			if s.state.ChatID() == chatID {
				s.apply(timeline.Updated{ID: id, Text: text, IsError: failed})
			}
		})

	case *wire.MessageDeleted:
		chatID, id := p.ChatID, p.ID
		s.post(func() {
			if s.state.ChatID() == chatID {
				s.apply(timeline.Deleted{ID: id})
			}
		})

	case *wire.RefreshChats:
		if p.LastReadAt != nil {
			chatID, at := p.ChatID, *p.LastReadAt
			s.post(func() {
				if s.state.ChatID() == chatID && at.After(s.lastReadAt) {
					s.lastReadAt = at
				}
			})
		}
		s.post(s.RefreshChats)

	case *wire.Error:
		msg, tempID, messageID := p.Message, p.TempID, p.MessageID
		s.post(func() {
			if tempID != "" {
				s.apply(timeline.Rejected{TempID: tempID})
			}
			if messageID != "" {
				s.apply(timeline.EditRejected{ID: messageID})
			}
			s.view.Notice(msg)
		})
	}
}

func (s *Session) apply(a timeline.Action) {
	next, res := timeline.Apply(s.state, a)
	s.state = next
	if res.Changed || res.Found >= 0 {
		s.view.Render(s.state, res)
	}
	s.maybeMarkRead()
}

func (s *Session) maybeMarkRead() {
	if !s.state.ShouldMarkRead(s.lastReadAt) {
		return
	}
	newest, _ := s.state.Newest()
	s.lastReadAt = newest.CreatedAt
	s.send(&wire.MarkRead{ChatID: s.state.ChatID()})
}

func (s *Session) own(idx int) (timeline.Entry, bool) {
	if idx < 0 || idx >= s.state.Len() {
		return timeline.Entry{}, false
	}
	e := s.state.At(idx)
	if e.SenderID != s.userID || e.Status != timeline.StatusSent || e.IsDeleted {
		s.view.Notice("only your own delivered messages can be edited")
		return timeline.Entry{}, false
	}
	return e, true
}

func (s *Session) send(p wire.Payload) {
	if err := s.out.Send(p); err != nil {
		log.Error("send event failed", zap.String("event", string(p.Event())), zap.Error(err))
		s.view.Notice(err.Error())
	}
}
