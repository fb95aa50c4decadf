package server

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sealed_chat/internal/auth"
	"sealed_chat/internal/config"
	"sealed_chat/internal/cryptographic/identity"
	"sealed_chat/internal/model"
	"sealed_chat/internal/protocol/wire"
	"sealed_chat/internal/repository/memory"
	"sealed_chat/internal/service/messaging"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := identity.Generate()
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

type testEnv struct {
	ts     *httptest.Server
	store  *memory.Store
	engine *messaging.Engine
	issuer *auth.Issuer
}

func newTestEnv(t *testing.T, tweaks ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Secret = "test-secret"
	cfg.RateLimit.RPS = 1000
	cfg.RateLimit.Burst = 1000
	for _, tweak := range tweaks {
		tweak(cfg)
	}

	store := memory.New()
	hub := NewHub(nil, nil)
	engine := messaging.NewEngine(store, store, hub)
	issuer := auth.NewIssuer(cfg.Auth.Secret, time.Hour)

	s := NewHttpServer(cfg, Deps{
		Users:    store,
		Chats:    store,
		Messages: store,
		Hub:      hub,
		Engine:   engine,
		Issuer:   issuer,
		Gatherer: prometheus.NewRegistry(),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: store, engine: engine, issuer: issuer}
}

func (e *testEnv) user(t *testing.T, id string) string {
	t.Helper()
	require.NoError(t, e.store.CreateUser(context.Background(), &model.User{ID: id, Name: id, PublicKey: "pk-" + id}))
	token, err := e.issuer.Issue(id)
	require.NoError(t, err)
	return token
}

func (e *testEnv) chat(t *testing.T, typ model.ChatType, roles map[string]model.Role) string {
	t.Helper()
	var ps []model.Participant
	for uid, role := range roles {
		ps = append(ps, model.Participant{UserID: uid, Role: role})
	}
	c := &model.Chat{Type: typ}
	require.NoError(t, e.store.CreateChat(context.Background(), c, ps))
	return c.ID
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func write(t *testing.T, ws *websocket.Conn, p wire.Payload) {
	t.Helper()
	data, err := wire.Encode(p)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, ws *websocket.Conn) wire.Payload {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	p, err := wire.Decode(data)
	require.NoError(t, err)
	return p
}

// join subscribes ws to chatID and waits until the server has processed it,
// using a mark_read round trip as a barrier.
func join(t *testing.T, ws *websocket.Conn, chatID string) {
	t.Helper()
	write(t, ws, &wire.JoinRoom{RoomID: chatID})
	write(t, ws, &wire.MarkRead{ChatID: chatID})
	p := read(t, ws)
	require.IsType(t, &wire.RefreshChats{}, p)
}

func packetFor(t *testing.T, uids ...string) string {
	t.Helper()
	p := &model.EncryptedMessagePacket{
		Ciphertext: make([]byte, model.PacketTagSize),
		IV:         make([]byte, model.PacketIVSize),
		Keys:       map[string][]byte{},
	}
	for _, uid := range uids {
		p.Keys[uid] = []byte{7}
	}
	s, err := p.Encode()
	require.NoError(t, err)
	return s
}

func TestWS_SendFanout(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	env.user(t, "carol")
	chat := env.chat(t, model.ChatGroup, map[string]model.Role{"alice": model.RoleOwner, "bob": model.RoleMember, "carol": model.RoleMember})

	wa := env.dial(t, alice)
	wb := env.dial(t, bob)
	join(t, wa, chat)
	join(t, wb, chat)

	write(t, wa, &wire.SendMessage{ChatID: chat, Content: packetFor(t, "alice", "bob", "carol"), TempID: "t1"})

	ack, ok := read(t, wa).(*wire.MessageSent)
	require.True(t, ok)
	assert.Equal(t, "t1", ack.TempID)
	assert.Equal(t, "alice", ack.Message.SenderID)
	require.NotEmpty(t, ack.Message.ID)

	echo, ok := read(t, wa).(*wire.ReceiveMessage)
	require.True(t, ok)
	assert.Equal(t, ack.Message.ID, echo.ID)

	got, ok := read(t, wb).(*wire.ReceiveMessage)
	require.True(t, ok)
	assert.Equal(t, ack.Message.ID, got.ID)
	assert.Equal(t, chat, got.ChatID)

	refresh, ok := read(t, wb).(*wire.RefreshChats)
	require.True(t, ok)
	assert.Equal(t, chat, refresh.ChatID)
	assert.Nil(t, refresh.LastReadAt)

	write(t, wb, &wire.DeleteMessage{MessageID: ack.Message.ID})
	errEvt, ok := read(t, wb).(*wire.Error)
	require.True(t, ok)
	assert.Equal(t, "permission_denied", errEvt.Code)

	write(t, wa, &wire.DeleteMessage{MessageID: ack.Message.ID})
	deleted, ok := read(t, wb).(*wire.MessageDeleted)
	require.True(t, ok)
	assert.Equal(t, ack.Message.ID, deleted.ID)
}

func TestWS_Errors(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice")
	env.user(t, "bob")
	channel := env.chat(t, model.ChatChannel, map[string]model.Role{"alice": model.RoleMember, "bob": model.RoleOwner})
	private := env.chat(t, model.ChatGroup, map[string]model.Role{"bob": model.RoleOwner})

	ws := env.dial(t, alice)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"send_message","data":{"chatId":"x","content":"plain"}}`)))
	e := read(t, ws).(*wire.Error)
	assert.Equal(t, "invalid_argument", e.Code)

	write(t, ws, &wire.JoinRoom{RoomID: private})
	e = read(t, ws).(*wire.Error)
	assert.Equal(t, "permission_denied", e.Code)

	write(t, ws, &wire.JoinRoom{RoomID: messaging.UserRoom("bob")})
	e = read(t, ws).(*wire.Error)
	assert.Equal(t, "permission_denied", e.Code)

	write(t, ws, &wire.SendMessage{ChatID: channel, Content: packetFor(t, "alice", "bob"), TempID: "t9"})
	e = read(t, ws).(*wire.Error)
	assert.Equal(t, "permission_denied", e.Code)
	assert.Equal(t, "t9", e.TempID)

	write(t, ws, &wire.EditMessage{MessageID: "missing", Content: packetFor(t, "alice")})
	e = read(t, ws).(*wire.Error)
	assert.Equal(t, "not_found", e.Code)
	assert.Equal(t, "missing", e.MessageID)

	write(t, ws, &wire.MessageDeleted{ID: "m", ChatID: "c"})
	e = read(t, ws).(*wire.Error)
	assert.Equal(t, "invalid_argument", e.Code)
}

func TestWS_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.RateLimit.RPS = 0.001
		c.RateLimit.Burst = 2
	})
	ws := env.dial(t, env.user(t, "alice"))

	var codes []string
	for range 3 {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{}`)))
		codes = append(codes, read(t, ws).(*wire.Error).Code)
	}
	assert.Equal(t, []string{"invalid_argument", "invalid_argument", "rate_limited"}, codes)
}

func TestWS_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestREST_RegisterAndKeys(t *testing.T) {
	env := newTestEnv(t)
	pub, err := identity.EncodePublicKey(&rsaKey(t).PublicKey)
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/users", "", model.RegisterRequest{Name: "alice", PublicKey: pub, WrappedPrivateKey: "blob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decode[model.Session](t, resp)
	assert.Equal(t, "alice", session.User.Name)

	uid, err := env.issuer.Verify(session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, uid)

	resp = env.do(t, http.MethodPost, "/users", "", model.RegisterRequest{Name: "alice", PublicKey: pub, WrappedPrivateKey: "blob"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/users", "", model.RegisterRequest{Name: "mallory", PublicKey: "bm90IGEga2V5", WrappedPrivateKey: "blob"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/keys/alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.PublicKey{UserID: session.User.ID, Name: "alice", PublicKey: pub}, decode[model.PublicKey](t, resp))

	resp = env.do(t, http.MethodGet, "/users/"+session.User.ID+"/key", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/keys/nobody", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/users/me", session.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "blob", decode[model.User](t, resp).WrappedPrivateKey)
}

func TestREST_ChallengeLogin(t *testing.T) {
	env := newTestEnv(t)
	key := rsaKey(t)
	pub, err := identity.EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/users", "", model.RegisterRequest{Name: "alice", PublicKey: pub, WrappedPrivateKey: "blob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/sessions/challenge", "", model.ChallengeRequest{Name: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ch := decode[model.Challenge](t, resp)
	assert.Equal(t, "blob", ch.WrappedPrivateKey)

	nonce, err := identity.Unwrap(key, ch.Challenge)
	require.NoError(t, err)

	resp = env.do(t, http.MethodPost, "/sessions", "", model.SessionRequest{ChallengeID: ch.ChallengeID, Response: []byte("wrong")})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a failed attempt burns the challenge
	resp = env.do(t, http.MethodPost, "/sessions", "", model.SessionRequest{ChallengeID: ch.ChallengeID, Response: nonce})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/sessions/challenge", "", model.ChallengeRequest{Name: "alice"})
	ch = decode[model.Challenge](t, resp)
	nonce, err = identity.Unwrap(key, ch.Challenge)
	require.NoError(t, err)

	resp = env.do(t, http.MethodPost, "/sessions", "", model.SessionRequest{ChallengeID: ch.ChallengeID, Response: nonce})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := decode[model.Session](t, resp)
	uid, err := env.issuer.Verify(session.Token)
	require.NoError(t, err)
	assert.Equal(t, ch.UserID, uid)
}

func TestREST_Chats(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	carol := env.user(t, "carol")
	ctx := context.Background()

	resp := env.do(t, http.MethodPost, "/chats", alice, model.CreateChatRequest{Type: model.ChatDirect, ParticipantIDs: []string{"bob"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	direct := decode[model.Chat](t, resp)

	resp = env.do(t, http.MethodPost, "/chats", bob, model.CreateChatRequest{Type: model.ChatDirect, ParticipantIDs: []string{"alice"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, direct.ID, decode[model.Chat](t, resp).ID)

	resp = env.do(t, http.MethodPost, "/chats", alice, model.CreateChatRequest{Type: model.ChatDirect, ParticipantIDs: []string{"bob", "carol"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/chats", alice, model.CreateChatRequest{Type: model.ChatGroup, ParticipantIDs: []string{"ghost"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/chats", alice, model.CreateChatRequest{Type: "PARTY"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err := env.engine.Send(ctx, messaging.SendRequest{ChatID: direct.ID, SenderID: "alice", Content: packetFor(t, "alice", "bob")})
	require.NoError(t, err)

	resp = env.do(t, http.MethodGet, "/chats", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chats := decode[[]model.ChatSummary](t, resp)
	require.Len(t, chats, 1)
	assert.True(t, chats[0].Unread)
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "alice", chats[0].LastMessage.SenderID)

	resp = env.do(t, http.MethodGet, "/chats", alice, nil)
	chats = decode[[]model.ChatSummary](t, resp)
	require.Len(t, chats, 1)
	assert.False(t, chats[0].Unread)
	assert.Equal(t, model.RoleOwner, chats[0].Role)

	time.Sleep(2 * time.Millisecond)
	_, err = env.engine.MarkRead(ctx, "bob", direct.ID)
	require.NoError(t, err)
	resp = env.do(t, http.MethodGet, "/chats", bob, nil)
	chats = decode[[]model.ChatSummary](t, resp)
	assert.False(t, chats[0].Unread)

	resp = env.do(t, http.MethodGet, "/chats/"+direct.ID, bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	details := decode[model.ChatDetails](t, resp)
	assert.Len(t, details.Participants, 2)
	assert.Len(t, details.Messages, 1)
	assert.Equal(t, "pk-alice", details.Participants[0].PublicKey)

	resp = env.do(t, http.MethodGet, "/chats/"+direct.ID, carol, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/chats/"+direct.ID+"/messages?before=yesterday", bob, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/chats/"+direct.ID+"/messages?before="+details.Messages[0].CreatedAt.Format(time.RFC3339Nano), bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]model.Message](t, resp))

	resp = env.do(t, http.MethodGet, "/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestREST_CreateChatNotifiesParticipants(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")

	wb := env.dial(t, bob)
	// barrier: the read loop starts only after the personal room is joined
	require.NoError(t, wb.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	require.IsType(t, &wire.Error{}, read(t, wb))

	resp := env.do(t, http.MethodPost, "/chats", alice, model.CreateChatRequest{Type: model.ChatGroup, Name: "g", ParticipantIDs: []string{"bob"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	chat := decode[model.Chat](t, resp)

	refresh, ok := read(t, wb).(*wire.RefreshChats)
	require.True(t, ok)
	assert.Equal(t, chat.ID, refresh.ChatID)
}
