// Package memory is an in-process implementation of the repository
// contracts, used by tests and by the server's memory storage driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"sealed_chat/internal/model"
	"sealed_chat/internal/repository"

	"github.com/google/uuid"
)

type (
	message struct {
		model.Message
		seq uint64
	}

	Store struct {
		mu sync.RWMutex

		users  map[string]*model.User
		byName map[string]string

		chats        map[string]*model.Chat
		direct       map[string]string
		participants map[string]map[string]*model.Participant

		messages map[string]*message
		byChat   map[string][]*message
		seq      uint64
	}
)

var (
	_ repository.Users    = (*Store)(nil)
	_ repository.Chats    = (*Store)(nil)
	_ repository.Messages = (*Store)(nil)
)

func New() *Store {
	return &Store{
		users:        make(map[string]*model.User),
		byName:       make(map[string]string),
		chats:        make(map[string]*model.Chat),
		direct:       make(map[string]string),
		participants: make(map[string]map[string]*model.Participant),
		messages:     make(map[string]*message),
		byChat:       make(map[string][]*message),
	}
}

func (s *Store) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[u.Name]; ok {
		return repository.ErrDuplicate
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	cp := *u
	s.users[u.ID] = &cp
	s.byName[u.Name] = u.ID
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByName(ctx context.Context, name string) (*model.User, error) {
	s.mu.RLock()
	id, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetUser(ctx, id)
}

func (s *Store) CreateChat(_ context.Context, chat *model.Chat, participants []model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	cp := *chat
	s.chats[chat.ID] = &cp

	members := make(map[string]*model.Participant, len(participants))
	for _, p := range participants {
		p.ChatID = chat.ID
		members[p.UserID] = &p
	}
	s.participants[chat.ID] = members

	if chat.Type == model.ChatDirect && len(participants) == 2 {
		s.direct[repository.DirectKey(participants[0].UserID, participants[1].UserID)] = chat.ID
	}
	return nil
}

func (s *Store) GetChat(_ context.Context, id string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *Store) FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error) {
	s.mu.RLock()
	id, ok := s.direct[repository.DirectKey(a, b)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetChat(ctx, id)
}

// ListChats returns the chats userID participates in, most recently
// active first.
func (s *Store) ListChats(_ context.Context, userID string) ([]model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.Chat
	for id, members := range s.participants {
		if _, ok := members[userID]; ok {
			res = append(res, *s.chats[id])
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	return res, nil
}

func (s *Store) GetParticipant(_ context.Context, chatID, userID string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[chatID][userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListParticipants(_ context.Context, chatID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]model.Participant, 0, len(s.participants[chatID]))
	for _, p := range s.participants[chatID] {
		res = append(res, *p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res, nil
}

func (s *Store) TouchChat(_ context.Context, chatID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.chats[chatID]; ok && at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return nil
}

func (s *Store) SetLastRead(_ context.Context, chatID, userID string, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[chatID][userID]
	if !ok {
		return time.Time{}, nil
	}
	if at.After(p.LastReadAt) {
		p.LastReadAt = at
	}
	return p.LastReadAt, nil
}

func (s *Store) CreateMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.seq++
	rec := &message{Message: *m, seq: s.seq}
	s.messages[m.ID] = rec
	s.byChat[m.ChatID] = append(s.byChat[m.ChatID], rec)
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	cp := rec.Message
	return &cp, nil
}

func (s *Store) UpdateMessage(_ context.Context, id string, patch model.MessagePatch) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[id]
	if !ok || rec.IsDeleted {
		return nil, nil
	}
	patch.Apply(&rec.Message)
	cp := rec.Message
	return &cp, nil
}

func (s *Store) QueryMessages(_ context.Context, chatID string, before *time.Time, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*message, 0, len(s.byChat[chatID]))
	for _, rec := range s.byChat[chatID] {
		if before == nil || rec.CreatedAt.Before(*before) {
			all = append(all, rec)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].seq < all[j].seq
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	res := make([]model.Message, len(all))
	for i, rec := range all {
		res[i] = rec.Message
	}
	return res, nil
}
