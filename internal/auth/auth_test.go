package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)

	token, err := iss.Issue("alice")
	require.NoError(t, err)

	uid, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)
}

func TestVerify_Rejects(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	token, err := iss.Issue("alice")
	require.NoError(t, err)

	expired := NewIssuer("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue("alice")
	require.NoError(t, err)

	tests := []struct {
		name  string
		iss   *Issuer
		token string
	}{
		{"wrong secret", NewIssuer("other", time.Hour), token},
		{"garbage", iss, "not-a-token"},
		{"expired", iss, old},
		{"empty", iss, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.iss.Verify(tt.token)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	assert.Equal(t, "q", FromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", FromRequest(r))
}
