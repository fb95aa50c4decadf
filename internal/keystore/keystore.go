// Package keystore persists a client's identity: the password-protected
// RSA private key plus the session it last used.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"sealed_chat/internal/cryptographic/encryption"
	"sealed_chat/internal/cryptographic/identity"
	"sealed_chat/internal/cryptographic/kdf"
)

var (
	ErrWrongPassword = errors.New("keystore: wrong password or corrupted key")
	ErrMalformed     = errors.New("keystore: malformed protected key")
)

type File struct {
	UserID            string `json:"userId"`
	Name              string `json:"name"`
	Server            string `json:"server"`
	Token             string `json:"token,omitempty"`
	PublicKey         string `json:"publicKey"`
	WrappedPrivateKey string `json:"wrappedPrivateKey"`
}

// Protect encrypts priv under a key derived from password. The result is
// base64(salt || iv || ciphertext) and is safe to hand to the server.
func Protect(priv *rsa.PrivateKey, password string) (string, error) {
	der, err := identity.EncodePrivateKey(priv)
	if err != nil {
		return "", err
	}

	salt := make([]byte, kdf.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	iv, err := encryption.NewNonce()
	if err != nil {
		return "", err
	}

	ct, err := encryption.Seal(kdf.PasswordKey(password, salt), iv, der, nil)
	if err != nil {
		return "", err
	}

	packed := make([]byte, 0, len(salt)+len(iv)+len(ct))
	packed = append(packed, salt...)
	packed = append(packed, iv...)
	packed = append(packed, ct...)
	return base64.StdEncoding.EncodeToString(packed), nil
}

func Unlock(wrapped, password string) (*rsa.PrivateKey, error) {
	packed, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(packed) < kdf.SaltSize+encryption.NonceSize+encryption.TagSize {
		return nil, ErrMalformed
	}

	salt := packed[:kdf.SaltSize]
	iv := packed[kdf.SaltSize : kdf.SaltSize+encryption.NonceSize]
	ct := packed[kdf.SaltSize+encryption.NonceSize:]

	der, err := encryption.Open(kdf.PasswordKey(password, salt), iv, ct, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return identity.ParsePrivateKey(der)
}

func DefaultPath(name string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sealed_chat", name+".json"), nil
}

func Save(path string, f *File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load returns nil, nil when no identity has been saved at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}
