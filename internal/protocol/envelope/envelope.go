// Package envelope implements the multi-recipient message envelope: one
// fresh AES-256-GCM key per message, wrapped with RSA-OAEP/SHA-256 for each
// recipient.
package envelope

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"sealed_chat/internal/cryptographic/encryption"
	"sealed_chat/internal/cryptographic/identity"
	"sealed_chat/internal/model"
)

var (
	// ErrKeyNotFound means the packet carries no wrapped key for the caller.
	ErrKeyNotFound = errors.New("envelope: message not addressed to this identity")

	// ErrCrypto covers every unwrap, authentication or format failure. The
	// content must be treated as unrecoverable.
	ErrCrypto = errors.New("envelope: decryption failed")

	ErrNoRecipients = errors.New("envelope: at least one recipient is required")
)

type Recipient struct {
	UserID    string
	PublicKey *rsa.PublicKey
}

func Encrypt(plaintext []byte, recipients []Recipient) (*model.EncryptedMessagePacket, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	key, err := encryption.NewKey()
	if err != nil {
		return nil, err
	}
	iv, err := encryption.NewNonce()
	if err != nil {
		return nil, err
	}

	ciphertext, err := encryption.Seal(key, iv, plaintext, nil)
	if err != nil {
		return nil, err
	}

	keys := make(map[string][]byte, len(recipients))
	for _, r := range recipients {
		if r.UserID == "" || r.PublicKey == nil {
			return nil, fmt.Errorf("envelope: incomplete recipient %q", r.UserID)
		}
		wrapped, err := identity.Wrap(r.PublicKey, key)
		if err != nil {
			return nil, fmt.Errorf("wrap key for %s: %w", r.UserID, err)
		}
		keys[r.UserID] = wrapped
	}

	return &model.EncryptedMessagePacket{
		Ciphertext: ciphertext,
		IV:         iv,
		Keys:       keys,
	}, nil
}

func Decrypt(p *model.EncryptedMessagePacket, priv *rsa.PrivateKey, userID string) ([]byte, error) {
	wrapped, ok := p.Keys[userID]
	if !ok {
		return nil, ErrKeyNotFound
	}

	key, err := identity.Unwrap(priv, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(key) != encryption.KeySize {
		return nil, fmt.Errorf("%w: unwrapped key is %d bytes", ErrCrypto, len(key))
	}

	plain, err := encryption.Open(key, p.IV, p.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return plain, nil
}

// Seal encrypts text and returns the serialized packet stored as a
// message's content.
func Seal(text string, recipients []Recipient) (string, error) {
	p, err := Encrypt([]byte(text), recipients)
	if err != nil {
		return "", err
	}
	return p.Encode()
}

// Open parses serialized content and decrypts it for userID. A content
// string that is not a valid packet is reported as ErrCrypto.
func Open(content string, priv *rsa.PrivateKey, userID string) (string, error) {
	p, err := model.ParsePacket(content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	plain, err := Decrypt(p, priv, userID)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
