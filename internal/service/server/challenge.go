package server

import (
	"context"
	"sync"
	"time"
)

type (
	ChallengeStore interface {
		PutChallenge(ctx context.Context, id string, value []byte, ttl time.Duration) error
		TakeChallenge(ctx context.Context, id string) ([]byte, error)
	}

	memChallenges struct {
		mu      sync.Mutex
		entries map[string]memChallenge
		now     func() time.Time
	}

	memChallenge struct {
		value   []byte
		expires time.Time
	}
)

// NewMemChallenges keeps challenges in process, for single-instance setups.
func NewMemChallenges() ChallengeStore {
	return &memChallenges{
		entries: make(map[string]memChallenge),
		now:     time.Now,
	}
}

func (m *memChallenges) PutChallenge(_ context.Context, id string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, k)
		}
	}
	m.entries[id] = memChallenge{value: value, expires: now.Add(ttl)}
	return nil
}

func (m *memChallenges) TakeChallenge(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	delete(m.entries, id)
	if m.now().After(e.expires) {
		return nil, nil
	}
	return e.value, nil
}
