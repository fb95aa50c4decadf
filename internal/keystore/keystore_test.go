package keystore

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"sealed_chat/internal/cryptographic/identity"

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

func TestProtectUnlock(t *testing.T) {
	wrapped, err := Protect(key(t), "correct horse")
	require.NoError(t, err)

	packed, err := base64.StdEncoding.DecodeString(wrapped)
	require.NoError(t, err)
	assert.Greater(t, len(packed), 16+12+16)

	priv, err := Unlock(wrapped, "correct horse")
	require.NoError(t, err)
	assert.True(t, priv.Equal(key(t)))

	again, err := Protect(key(t), "correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, wrapped, again, "salt and iv must be fresh")
}

func TestUnlock_Failures(t *testing.T) {
	wrapped, err := Protect(key(t), "pw")
	require.NoError(t, err)

	_, err = Unlock(wrapped, "not pw")
	assert.True(t, errors.Is(err, ErrWrongPassword))

	packed, _ := base64.StdEncoding.DecodeString(wrapped)
	packed[len(packed)-1] ^= 1
	_, err = Unlock(base64.StdEncoding.EncodeToString(packed), "pw")
	assert.True(t, errors.Is(err, ErrWrongPassword))

	_, err = Unlock("!!!", "pw")
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Unlock(base64.StdEncoding.EncodeToString([]byte("short")), "pw")
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alice.json")

	f, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, f)

	want := &File{UserID: "u1", Name: "alice", Server: "localhost:9090", Token: "tok", PublicKey: "pk", WrappedPrivateKey: "wk"}
	require.NoError(t, Save(path, want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
