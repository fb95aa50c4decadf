package timeline

import (
	"context"
	"crypto/rsa"
	"runtime"

	"sealed_chat/internal/model"
	"sealed_chat/internal/protocol/envelope"
	"sealed_chat/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Decrypt opens content for userID, returning FailedText and true when it
// cannot be opened.
func Decrypt(content string, priv *rsa.PrivateKey, userID string) (string, bool) {
	text, err := envelope.Open(content, priv, userID)
	if err != nil {
		log.Debug("decrypt failed", zap.String("user_id", userID), zap.Error(err))
		return FailedText, true
	}
	return text, false
}

// DecodeRecord turns a ledger record into a view entry. Deleted records
// become tombstones without touching key material.
func DecodeRecord(m model.Message, priv *rsa.PrivateKey, userID string) Entry {
	e := Entry{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReplyToID:   m.ReplyToID,
		CreatedAt:   m.CreatedAt,
		Status:      StatusSent,
		IsEdited:    m.IsEdited,
		IsForwarded: m.IsForwarded,
		IsDeleted:   m.IsDeleted,
	}
	if m.IsDeleted {
		e.Text = DeletedText
		return e
	}
	e.Text, e.IsError = Decrypt(m.EncryptedContent, priv, userID)
	return e
}

// DecodePage decrypts a page in parallel. A record that fails to decrypt
// becomes a FailedText entry; only cancellation of ctx is an error.
func DecodePage(ctx context.Context, page []model.Message, priv *rsa.PrivateKey, userID string) ([]Entry, error) {
	res := make([]Entry, len(page))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range page {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res[i] = DecodeRecord(page[i], priv, userID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}
