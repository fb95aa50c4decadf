package timeline

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sealed_chat/internal/cryptographic/identity"
	"sealed_chat/internal/model"
	"sealed_chat/internal/protocol/envelope"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func key(t *testing.T) *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := identity.Generate()
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

// history serves pages the way the server does: up to PageSize messages
// strictly older than before, oldest first.
type history struct {
	mu       sync.Mutex
	messages []model.Message
	calls    int
}

func (h *history) fetch(ctx context.Context, chatID string, before *time.Time) ([]model.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++

	var match []model.Message
	for _, m := range h.messages {
		if m.ChatID == chatID && (before == nil || m.CreatedAt.Before(*before)) {
			match = append(match, m)
		}
	}
	if len(match) > PageSize {
		match = match[len(match)-PageSize:]
	}
	return match, nil
}

func newHistory(t *testing.T, n int) *history {
	t.Helper()
	// content is not decryptable; ordering tests only look at ids
	h := &history{}
	for i := 0; i < n; i++ {
		h.messages = append(h.messages, model.Message{
			ID:               fmt.Sprintf("m%03d", i),
			ChatID:           "c",
			SenderID:         "bob",
			EncryptedContent: "{}",
			CreatedAt:        t0.Add(time.Duration(i) * time.Second),
		})
	}
	return h
}

func TestDecodePage_FailureIsIsolated(t *testing.T) {
	priv := key(t)
	rcpt := []envelope.Recipient{{UserID: "me", PublicKey: &priv.PublicKey}}

	var page []model.Message
	for i, text := range []string{"one", "two", "three"} {
		content, err := envelope.Seal(text, rcpt)
		require.NoError(t, err)
		page = append(page, model.Message{ID: fmt.Sprint(i), SenderID: "bob", EncryptedContent: content})
	}
	page[1].EncryptedContent = page[1].EncryptedContent[:len(page[1].EncryptedContent)-8] + `"}}` // break it
	page = append(page, model.Message{ID: "3", IsDeleted: true})

	entries, err := DecodePage(context.Background(), page, priv, "me")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, "one", entries[0].Text)
	assert.Equal(t, FailedText, entries[1].Text)
	assert.True(t, entries[1].IsError)
	assert.Equal(t, "three", entries[2].Text)
	assert.Equal(t, DeletedText, entries[3].Text)
	assert.False(t, entries[3].IsError)
}

func TestDecodeRecord_NotAddressed(t *testing.T) {
	priv := key(t)
	content, err := envelope.Seal("secret", []envelope.Recipient{{UserID: "bob", PublicKey: &priv.PublicKey}})
	require.NoError(t, err)

	e := DecodeRecord(model.Message{ID: "m", EncryptedContent: content}, priv, "me")
	assert.Equal(t, FailedText, e.Text)
	assert.True(t, e.IsError)
}

func TestLoader_PagesBackwards(t *testing.T) {
	h := newHistory(t, 120)
	l := NewLoader(h.fetch, key(t), "me")
	ctx := context.Background()

	reset, err := l.Latest(ctx, "c")
	require.NoError(t, err)
	s, _ := Apply(New("c", "me"), reset)
	assert.Equal(t, "m070", s.At(0).ID)
	assert.True(t, s.HasMore())

	p, err := l.Older(ctx, s)
	require.NoError(t, err)
	s, res := Apply(s, p)
	assert.Equal(t, 50, res.Shift)
	assert.Equal(t, "m020", s.At(0).ID)

	p, err = l.Older(ctx, s)
	require.NoError(t, err)
	s, res = Apply(s, p)
	assert.Equal(t, 20, res.Shift)
	assert.False(t, s.HasMore())
	assert.Equal(t, 120, s.Len())
}

func TestLoader_JumpTo(t *testing.T) {
	h := newHistory(t, 160)
	l := NewLoader(h.fetch, key(t), "me")
	ctx := context.Background()

	reset, err := l.Latest(ctx, "c")
	require.NoError(t, err)
	s, _ := Apply(New("c", "me"), reset)

	s, _ = Apply(s, JumpStart{ID: "m005"})
	p, found, err := l.JumpTo(ctx, s, "m005")
	require.NoError(t, err)
	require.True(t, found)

	s, res := Apply(s, p)
	assert.Equal(t, 110, res.Shift)
	require.GreaterOrEqual(t, res.Found, 0)
	assert.Equal(t, "m005", s.At(res.Found).ID)
	assert.Empty(t, s.JumpTarget())
}

func TestLoader_JumpToMissingStopsOnEmptyPage(t *testing.T) {
	h := newHistory(t, 100)
	l := NewLoader(h.fetch, key(t), "me")
	ctx := context.Background()

	reset, err := l.Latest(ctx, "c")
	require.NoError(t, err)
	s, _ := Apply(New("c", "me"), reset)
	s, _ = Apply(s, JumpStart{ID: "ghost"})

	p, found, err := l.JumpTo(ctx, s, "ghost")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, p.Exhausted)

	s, res := Apply(s, p)
	assert.Equal(t, -1, res.Found)
	assert.Empty(t, s.JumpTarget())
	assert.Equal(t, 100, s.Len())
	assert.Equal(t, 3, h.calls)
}

func TestLoader_Cancelled(t *testing.T) {
	started := make(chan struct{})
	fetch := func(ctx context.Context, chatID string, before *time.Time) ([]model.Message, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	l := NewLoader(fetch, key(t), "me")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Older(ctx, New("c", "me"))
		done <- err
	}()

	<-started
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("load did not stop after cancel")
	}
}
