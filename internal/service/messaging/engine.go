// Package messaging is the synchronization engine: it authorizes message
// mutations, persists them to the ledger and fans the resulting events out
// to chat rooms and personal rooms in ledger order.
package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sealed_chat/internal/metrics"
	"sealed_chat/internal/model"
	"sealed_chat/internal/protocol/wire"
	"sealed_chat/internal/utils/log"

	"go.uber.org/zap"
)

const (
	DefaultEditWindow   = time.Hour
	DefaultDeleteWindow = 24 * time.Hour

	// PageSize bounds every history read.
	PageSize = 50

	userRoomPrefix = "user_"
)

type (
	Membership interface {
		GetChat(ctx context.Context, id string) (*model.Chat, error)
		GetParticipant(ctx context.Context, chatID, userID string) (*model.Participant, error)
		ListParticipants(ctx context.Context, chatID string) ([]model.Participant, error)
		TouchChat(ctx context.Context, chatID string, at time.Time) error
		SetLastRead(ctx context.Context, chatID, userID string, at time.Time) (time.Time, error)
	}

	Ledger interface {
		CreateMessage(ctx context.Context, m *model.Message) error
		GetMessage(ctx context.Context, id string) (*model.Message, error)
		UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error)
		QueryMessages(ctx context.Context, chatID string, before *time.Time, limit int) ([]model.Message, error)
	}

	// Broadcaster delivers events. Emit targets every connection joined to
	// room; EmitTo targets a single connection.
	Broadcaster interface {
		Emit(ctx context.Context, room string, p wire.Payload) error
		EmitTo(ctx context.Context, connID string, p wire.Payload) error
	}

	Engine struct {
		members Membership
		ledger  Ledger
		out     Broadcaster
		metrics *metrics.Metrics

		now          func() time.Time
		editWindow   time.Duration
		deleteWindow time.Duration

		locks *chatLocks
	}

	Option func(*Engine)

	SendRequest struct {
		ChatID      string
		SenderID    string
		ConnID      string
		Content     string
		ReplyToID   string
		TempID      string
		IsForwarded bool
	}

	EditRequest struct {
		MessageID   string
		RequesterID string
		Content     string
	}
)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithWindows(edit, del time.Duration) Option {
	return func(e *Engine) {
		e.editWindow = edit
		e.deleteWindow = del
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(members Membership, ledger Ledger, out Broadcaster, opts ...Option) *Engine {
	e := &Engine{
		members:      members,
		ledger:       ledger,
		out:          out,
		now:          time.Now,
		editWindow:   DefaultEditWindow,
		deleteWindow: DefaultDeleteWindow,
		locks:        newChatLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UserRoom is the personal room every connection of userID joins.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// clock truncates to the ledger's millisecond precision so that timestamps
// handed to clients match what a later page read returns.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

// nextCreatedAt returns a creation time strictly after the newest message
// of chatID. The history cursor is a bare timestamp, so two messages of one
// chat must never share one. Callers hold the chat lock.
func (e *Engine) nextCreatedAt(ctx context.Context, chatID string) (time.Time, error) {
	now := e.clock()
	last, err := e.ledger.QueryMessages(ctx, chatID, nil, 1)
	if err != nil {
		return time.Time{}, fmt.Errorf("load newest message: %w", err)
	}
	if len(last) > 0 && !now.After(last[0].CreatedAt) {
		now = last[0].CreatedAt.Add(time.Millisecond)
	}
	return now, nil
}

func (e *Engine) Send(ctx context.Context, req SendRequest) (msg *model.Message, err error) {
	defer func() { e.metrics.Mutation("send", outcome(err)) }()

	if req.ChatID == "" || req.SenderID == "" {
		return nil, fmt.Errorf("%w: chat and sender are required", ErrInvalidArgument)
	}

	unlock := e.locks.lock(req.ChatID)
	defer unlock()

	chat, err := e.members.GetChat(ctx, req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", req.ChatID, err)
	}
	if chat == nil {
		return nil, fmt.Errorf("chat %s: %w", req.ChatID, ErrNotFound)
	}

	sender, err := e.members.GetParticipant(ctx, chat.ID, req.SenderID)
	if err != nil {
		return nil, fmt.Errorf("load participant: %w", err)
	}
	if sender == nil {
		return nil, fmt.Errorf("%s is not a member of %s: %w", req.SenderID, chat.ID, ErrPermissionDenied)
	}
	if chat.Type == model.ChatChannel && !sender.Role.CanModerate() {
		return nil, fmt.Errorf("only admins post in channel %s: %w", chat.ID, ErrPermissionDenied)
	}

	packet, err := model.ParsePacket(req.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	participants, err := e.members.ListParticipants(ctx, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if err := addressedToAll(packet, participants); err != nil {
		return nil, err
	}

	if req.ReplyToID != "" {
		parent, err := e.ledger.GetMessage(ctx, req.ReplyToID)
		if err != nil {
			return nil, fmt.Errorf("load reply target: %w", err)
		}
		if parent == nil || parent.ChatID != chat.ID {
			return nil, fmt.Errorf("reply target %s: %w", req.ReplyToID, ErrNotFound)
		}
	}

	now, err := e.nextCreatedAt(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	msg = &model.Message{
		ChatID:           chat.ID,
		SenderID:         req.SenderID,
		EncryptedContent: req.Content,
		ReplyToID:        req.ReplyToID,
		IsForwarded:      req.IsForwarded,
		CreatedAt:        now,
	}
	if err := e.ledger.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	if err := e.members.TouchChat(ctx, chat.ID, now); err != nil {
		log.Warn("touch chat failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	if _, err := e.members.SetLastRead(ctx, chat.ID, req.SenderID, now); err != nil {
		log.Warn("advance sender read marker failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}

	if req.ConnID != "" {
		e.emitTo(ctx, req.ConnID, &wire.MessageSent{TempID: req.TempID, Message: *msg})
	}
	e.emit(ctx, chat.ID, &wire.ReceiveMessage{Message: *msg})
	for _, p := range participants {
		if p.UserID == req.SenderID {
			continue
		}
		e.emit(ctx, UserRoom(p.UserID), &wire.RefreshChats{ChatID: chat.ID})
	}

	log.Debug("message sent",
		zap.String("chat_id", chat.ID),
		zap.String("message_id", msg.ID),
		zap.String("sender_id", msg.SenderID))
	return msg, nil
}

func (e *Engine) Edit(ctx context.Context, req EditRequest) (updated *model.Message, err error) {
	defer func() { e.metrics.Mutation("edit", outcome(err)) }()

	packet, err := model.ParsePacket(req.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	m, err := e.ledger.GetMessage(ctx, req.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("message %s: %w", req.MessageID, ErrNotFound)
	}

	unlock := e.locks.lock(m.ChatID)
	defer unlock()

	// re-read: a concurrent delete may have landed while waiting
	m, err = e.ledger.GetMessage(ctx, req.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if m == nil || m.IsDeleted {
		return nil, fmt.Errorf("message %s: %w", req.MessageID, ErrNotFound)
	}
	if m.SenderID != req.RequesterID {
		return nil, fmt.Errorf("only the sender may edit %s: %w", m.ID, ErrPermissionDenied)
	}
	if e.clock().Sub(m.CreatedAt) > e.editWindow {
		return nil, fmt.Errorf("edit %s: %w", m.ID, ErrWindowExpired)
	}

	participants, err := e.members.ListParticipants(ctx, m.ChatID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if err := addressedToAll(packet, participants); err != nil {
		return nil, err
	}

	updated, err = e.ledger.UpdateMessage(ctx, m.ID, model.EditPatch(req.Content))
	if err != nil {
		return nil, fmt.Errorf("persist edit: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("message %s: %w", m.ID, ErrNotFound)
	}

	e.emit(ctx, updated.ChatID, &wire.MessageUpdated{
		ID:       updated.ID,
		ChatID:   updated.ChatID,
		Content:  updated.EncryptedContent,
		IsEdited: updated.IsEdited,
	})
	return updated, nil
}

// Delete tombstones a message. A message that is missing or already
// deleted counts as resolved: nil is returned and nothing is broadcast.
func (e *Engine) Delete(ctx context.Context, messageID, requesterID string) (err error) {
	defer func() { e.metrics.Mutation("delete", outcome(err)) }()

	m, err := e.ledger.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if m == nil {
		return nil
	}

	unlock := e.locks.lock(m.ChatID)
	defer unlock()

	m, err = e.ledger.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if m == nil || m.IsDeleted {
		return nil
	}

	if err := e.canDelete(ctx, m, requesterID); err != nil {
		return err
	}

	deleted, err := e.ledger.UpdateMessage(ctx, m.ID, model.DeletePatch())
	if err != nil {
		return fmt.Errorf("persist delete: %w", err)
	}
	if deleted == nil {
		return nil
	}

	e.emit(ctx, deleted.ChatID, &wire.MessageDeleted{ID: deleted.ID, ChatID: deleted.ChatID})
	return nil
}

func (e *Engine) canDelete(ctx context.Context, m *model.Message, requesterID string) error {
	isSender := m.SenderID == requesterID
	if isSender && e.clock().Sub(m.CreatedAt) <= e.deleteWindow {
		return nil
	}

	chat, err := e.members.GetChat(ctx, m.ChatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	if chat != nil && chat.Type != model.ChatDirect {
		p, err := e.members.GetParticipant(ctx, m.ChatID, requesterID)
		if err != nil {
			return fmt.Errorf("load participant: %w", err)
		}
		if p != nil && p.Role.CanModerate() {
			return nil
		}
	}

	if isSender {
		return fmt.Errorf("delete %s: %w", m.ID, ErrWindowExpired)
	}
	return fmt.Errorf("delete %s: %w", m.ID, ErrPermissionDenied)
}

// MarkRead advances userID's read marker in chatID to now and tells the
// user's own connections about it.
func (e *Engine) MarkRead(ctx context.Context, userID, chatID string) (at time.Time, err error) {
	defer func() { e.metrics.Mutation("mark_read", outcome(err)) }()

	p, err := e.members.GetParticipant(ctx, chatID, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load participant: %w", err)
	}
	if p == nil {
		return time.Time{}, fmt.Errorf("%s is not a member of %s: %w", userID, chatID, ErrPermissionDenied)
	}

	at, err = e.members.SetLastRead(ctx, chatID, userID, e.clock())
	if err != nil {
		return time.Time{}, fmt.Errorf("persist read marker: %w", err)
	}

	e.emit(ctx, UserRoom(userID), &wire.RefreshChats{ChatID: chatID, LastReadAt: &at})
	return at, nil
}

// History returns one page of chatID older than before, oldest first.
func (e *Engine) History(ctx context.Context, userID, chatID string, before *time.Time, limit int) ([]model.Message, error) {
	p, err := e.members.GetParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("load participant: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%s is not a member of %s: %w", userID, chatID, ErrPermissionDenied)
	}

	if limit <= 0 || limit > PageSize {
		limit = PageSize
	}
	return e.ledger.QueryMessages(ctx, chatID, before, limit)
}

// CanJoin authorizes a room subscription: a user's own personal room, or a
// chat they participate in.
func (e *Engine) CanJoin(ctx context.Context, userID, room string) error {
	if room == UserRoom(userID) {
		return nil
	}
	if strings.HasPrefix(room, userRoomPrefix) {
		return fmt.Errorf("room %s: %w", room, ErrPermissionDenied)
	}

	p, err := e.members.GetParticipant(ctx, room, userID)
	if err != nil {
		return fmt.Errorf("load participant: %w", err)
	}
	if p == nil {
		return fmt.Errorf("%s is not a member of %s: %w", userID, room, ErrPermissionDenied)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, room string, p wire.Payload) {
	e.metrics.Emitted(string(p.Event()))
	if err := e.out.Emit(ctx, room, p); err != nil {
		log.Warn("emit failed", zap.String("room", room), zap.String("event", string(p.Event())), zap.Error(err))
	}
}

func (e *Engine) emitTo(ctx context.Context, connID string, p wire.Payload) {
	e.metrics.Emitted(string(p.Event()))
	if err := e.out.EmitTo(ctx, connID, p); err != nil {
		log.Warn("emit failed", zap.String("conn_id", connID), zap.String("event", string(p.Event())), zap.Error(err))
	}
}

func addressedToAll(p *model.EncryptedMessagePacket, participants []model.Participant) error {
	for _, member := range participants {
		if !p.AddressedTo(member.UserID) {
			return fmt.Errorf("%w: packet has no key for participant %s", ErrInvalidArgument, member.UserID)
		}
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return Code(err)
}
