package wire

import (
	"errors"
	"testing"
	"time"

	"sealed_chat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodContent = `{"ciphertext":"AAAAAAAAAAAAAAAAAAAAAA==","iv":"AAAAAAAAAAAAAAAA","keys":{"alice":"AQ=="}}`

func TestDecode_ClientEvents(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Payload
	}{
		{
			"join room",
			`{"event":"join_room","data":{"roomId":"c1"}}`,
			&JoinRoom{RoomID: "c1"},
		},
		{
			"send message",
			`{"event":"send_message","data":{"chatId":"c1","content":` + quote(goodContent) + `,"replyToId":"m1","tempId":"t1"}}`,
			&SendMessage{ChatID: "c1", Content: goodContent, ReplyToID: "m1", TempID: "t1"},
		},
		{
			"edit message",
			`{"event":"edit_message","data":{"messageId":"m1","content":` + quote(goodContent) + `}}`,
			&EditMessage{MessageID: "m1", Content: goodContent},
		},
		{
			"delete message",
			`{"event":"delete_message","data":{"messageId":"m1"}}`,
			&DeleteMessage{MessageID: "m1"},
		},
		{
			"mark read",
			`{"event":"mark_read","data":{"chatId":"c1"}}`,
			&MarkRead{ChatID: "c1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"unknown event", `{"event":"drop_tables","data":{}}`},
		{"missing data", `{"event":"mark_read"}`},
		{"null data", `{"event":"mark_read","data":null}`},
		{"wrong type", `{"event":"mark_read","data":{"chatId":42}}`},
		{"missing chat", `{"event":"mark_read","data":{}}`},
		{"spoofed sender", `{"event":"delete_message","data":{"messageId":"m1","userId":"admin"}}`},
		{"content not a packet", `{"event":"send_message","data":{"chatId":"c1","content":"plaintext!"}}`},
		{"edit without content", `{"event":"edit_message","data":{"messageId":"m1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestEncodeDecode_ServerEvents(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := model.Message{ID: "m42", ChatID: "c1", SenderID: "alice", EncryptedContent: goodContent, CreatedAt: at}

	payloads := []Payload{
		&MessageSent{TempID: "t1", Message: msg},
		&ReceiveMessage{Message: msg},
		&MessageUpdated{ID: "m42", ChatID: "c1", Content: goodContent, IsEdited: true},
		&MessageDeleted{ID: "m42", ChatID: "c1"},
		&RefreshChats{ChatID: "c1", LastReadAt: &at},
		&Error{Message: "denied", Code: "permission_denied", TempID: "t1"},
		&Error{Message: "too late", Code: "window_expired", MessageID: "m42"},
	}

	for _, p := range payloads {
		t.Run(string(p.Event()), func(t *testing.T) {
			data, err := Encode(p)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestEncode_ReceiveMessageIsFlat(t *testing.T) {
	data, err := Encode(&ReceiveMessage{Message: model.Message{ID: "m1", ChatID: "c1"}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"data":{"id":"m1","chatId":"c1"`)
}

func quote(s string) string {
	out := []byte{'"'}
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}
