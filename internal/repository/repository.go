// Package repository declares the storage contracts shared by the MongoDB
// and in-memory implementations. Lookups return nil, nil when nothing
// matches.
package repository

import (
	"context"
	"errors"
	"time"

	"sealed_chat/internal/model"
)

var ErrDuplicate = errors.New("duplicate")

type (
	Users interface {
		CreateUser(ctx context.Context, u *model.User) error
		GetUser(ctx context.Context, id string) (*model.User, error)
		GetUserByName(ctx context.Context, name string) (*model.User, error)
	}

	Chats interface {
		// CreateChat stores chat and its participants, filling chat.ID.
		CreateChat(ctx context.Context, chat *model.Chat, participants []model.Participant) error
		GetChat(ctx context.Context, id string) (*model.Chat, error)
		// FindDirectChat returns the DIRECT chat between a and b, if any.
		FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error)
		ListChats(ctx context.Context, userID string) ([]model.Chat, error)
		GetParticipant(ctx context.Context, chatID, userID string) (*model.Participant, error)
		ListParticipants(ctx context.Context, chatID string) ([]model.Participant, error)
		TouchChat(ctx context.Context, chatID string, at time.Time) error
		// SetLastRead moves lastReadAt forward to at and returns the stored
		// value, which never goes backwards.
		SetLastRead(ctx context.Context, chatID, userID string, at time.Time) (time.Time, error)
	}

	Messages interface {
		// CreateMessage stores m, filling m.ID.
		CreateMessage(ctx context.Context, m *model.Message) error
		GetMessage(ctx context.Context, id string) (*model.Message, error)
		// UpdateMessage applies patch to a live message and returns the
		// result. Deleted messages are terminal: nil, nil is returned for
		// them as for missing ids.
		UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error)
		// QueryMessages returns up to limit messages of chatID created
		// strictly before before (or the newest when nil), oldest first.
		QueryMessages(ctx context.Context, chatID string, before *time.Time, limit int) ([]model.Message, error)
	}
)

// DirectKey is the order-independent identity of a DIRECT chat.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
