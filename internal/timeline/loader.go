package timeline

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"sealed_chat/internal/model"
)

// PageFetcher returns up to PageSize messages of chatID older than before
// (the newest when nil), oldest first.
type PageFetcher func(ctx context.Context, chatID string, before *time.Time) ([]model.Message, error)

// Loader fetches and decrypts history pages off the UI loop. Its results
// are turned into Prepend actions; a cancelled ctx yields an error and no
// action, so stale pages are never applied.
type Loader struct {
	fetch  PageFetcher
	priv   *rsa.PrivateKey
	userID string
}

func NewLoader(fetch PageFetcher, priv *rsa.PrivateKey, userID string) *Loader {
	return &Loader{fetch: fetch, priv: priv, userID: userID}
}

// Latest loads the newest page as a Reset.
func (l *Loader) Latest(ctx context.Context, chatID string) (Reset, error) {
	page, err := l.page(ctx, chatID, nil)
	if err != nil {
		return Reset{}, err
	}
	return Reset{ChatID: chatID, UserID: l.userID, Page: page}, nil
}

// Older loads the page before the oldest entry of s.
func (l *Loader) Older(ctx context.Context, s State) (Prepend, error) {
	page, err := l.page(ctx, s.ChatID(), s.Oldest())
	if err != nil {
		return Prepend{}, err
	}
	return Prepend{ChatID: s.ChatID(), Page: page, Exhausted: len(page) < PageSize}, nil
}

// JumpTo loads older pages until id is present or the history runs out.
// All loaded pages are returned as one Prepend, so the view shifts once.
func (l *Loader) JumpTo(ctx context.Context, s State, id string) (Prepend, bool, error) {
	local := s
	acc := Prepend{ChatID: s.ChatID()}

	for local.Index(id) < 0 {
		if !local.HasMore() {
			acc.Exhausted = true
			return acc, false, nil
		}
		p, err := l.Older(ctx, local)
		if err != nil {
			return Prepend{}, false, err
		}
		local, _ = Apply(local, p)
		acc.Page = append(p.Page, acc.Page...)
		if len(p.Page) == 0 {
			acc.Exhausted = true
			return acc, false, nil
		}
		acc.Exhausted = p.Exhausted
	}
	return acc, true, nil
}

func (l *Loader) page(ctx context.Context, chatID string, before *time.Time) ([]Entry, error) {
	msgs, err := l.fetch(ctx, chatID, before)
	if err != nil {
		return nil, fmt.Errorf("fetch page of %s: %w", chatID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return DecodePage(ctx, msgs, l.priv, l.userID)
}
