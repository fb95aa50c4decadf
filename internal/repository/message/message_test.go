package message

import (
	"context"
	"os"
	"testing"
	"time"

	"sealed_chat/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// newTestRepo connects to SEALED_TEST_MONGO_URI and uses a throwaway
// database, skipping when no server is configured.
func newTestRepo(t *testing.T) *MessageRepo {
	uri := os.Getenv("SEALED_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("SEALED_TEST_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))

	db := client.Database("sealed_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	r := NewMessageRepo(db)
	require.NoError(t, r.EnsureIndexes(ctx))
	return r
}

func TestMessageRepo_PagesAndTerminalDelete(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		m := &model.Message{ChatID: "c", SenderID: "a", EncryptedContent: "x", CreatedAt: t0.Add(time.Duration(i) * time.Second)}
		require.NoError(t, r.CreateMessage(ctx, m))
		ids = append(ids, m.ID)
	}

	page, err := r.QueryMessages(ctx, "c", nil, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[2:], []string{page[0].ID, page[1].ID, page[2].ID})

	before := page[0].CreatedAt
	page, err = r.QueryMessages(ctx, "c", &before, 3)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	got, err := r.UpdateMessage(ctx, ids[0], model.DeletePatch())
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)

	got, err = r.UpdateMessage(ctx, ids[0], model.EditPatch("y"))
	assert.NoError(t, err)
	assert.Nil(t, got)
}
