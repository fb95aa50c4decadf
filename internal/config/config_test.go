package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sealed.yaml")
	err := os.WriteFile(path, []byte(`
http:
  addr: "0.0.0.0:8080"
storage:
  driver: memory
auth:
  secret: from-file
messaging:
  edit_window: 30m
`), 0o600)
	require.NoError(t, err)

	t.Setenv("SEALED_AUTH_SECRET", "from-env")
	t.Setenv("SEALED_REDIS_ENABLED", "true")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", c.HTTP.Addr)
	assert.Equal(t, StorageMemory, c.Storage.Driver)
	assert.Equal(t, "from-env", c.Auth.Secret)
	assert.True(t, c.Redis.Enabled)
	assert.Equal(t, 30*time.Minute, c.Messaging.EditWindow)
	assert.Equal(t, 24*time.Hour, c.Messaging.DeleteWindow)
}

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("SEALED_AUTH_SECRET", "")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("SEALED_AUTH_SECRET", "s")
	t.Setenv("SEALED_EDIT_WINDOW", "soon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate_UnknownDriver(t *testing.T) {
	c := Default()
	c.Auth.Secret = "s"
	c.Storage.Driver = "sqlite"
	assert.Error(t, c.Validate())
}
