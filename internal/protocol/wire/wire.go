// Package wire defines the realtime event protocol. Every frame is a JSON
// object {"event": name, "data": payload}; payloads decode into one of the
// concrete types below and are validated before they reach any handler.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sealed_chat/internal/model"
)

type Event string

const (
	EventJoinRoom       Event = "join_room"
	EventLeaveRoom      Event = "leave_room"
	EventSendMessage    Event = "send_message"
	EventMessageSent    Event = "message_sent"
	EventReceiveMessage Event = "receive_message"
	EventEditMessage    Event = "edit_message"
	EventMessageUpdated Event = "message_updated"
	EventDeleteMessage  Event = "delete_message"
	EventMessageDeleted Event = "message_deleted"
	EventMarkRead       Event = "mark_read"
	EventRefreshChats   Event = "refresh_chats"
	EventError          Event = "error"
)

var ErrMalformed = errors.New("malformed event")

type (
	Payload interface {
		Event() Event
		Validate() error
	}

	Frame struct {
		Event Event           `json:"event"`
		Data  json.RawMessage `json:"data"`
	}

	JoinRoom struct {
		RoomID string `json:"roomId"`
	}

	LeaveRoom struct {
		RoomID string `json:"roomId"`
	}

	SendMessage struct {
		ChatID      string `json:"chatId"`
		Content     string `json:"content"`
		ReplyToID   string `json:"replyToId,omitempty"`
		IsForwarded bool   `json:"isForwarded,omitempty"`
		TempID      string `json:"tempId,omitempty"`
	}

	MessageSent struct {
		TempID  string        `json:"tempId,omitempty"`
		Message model.Message `json:"message"`
	}

	ReceiveMessage struct {
		model.Message
	}

	EditMessage struct {
		MessageID string `json:"messageId"`
		Content   string `json:"content"`
	}

	MessageUpdated struct {
		ID       string `json:"id"`
		ChatID   string `json:"chatId"`
		Content  string `json:"content"`
		IsEdited bool   `json:"isEdited"`
	}

	DeleteMessage struct {
		MessageID string `json:"messageId"`
	}

	MessageDeleted struct {
		ID     string `json:"id"`
		ChatID string `json:"chatId"`
	}

	MarkRead struct {
		ChatID string `json:"chatId"`
	}

	RefreshChats struct {
		ChatID     string     `json:"chatId"`
		LastReadAt *time.Time `json:"lastReadAt,omitempty"`
	}

	// Error reports a rejected request. TempID echoes a send, MessageID an
	// edit, so the client can roll back what it showed optimistically.
	Error struct {
		Message   string `json:"message"`
		Code      string `json:"code,omitempty"`
		TempID    string `json:"tempId,omitempty"`
		MessageID string `json:"messageId,omitempty"`
	}
)

func (JoinRoom) Event() Event       { return EventJoinRoom }
func (LeaveRoom) Event() Event      { return EventLeaveRoom }
func (SendMessage) Event() Event    { return EventSendMessage }
func (MessageSent) Event() Event    { return EventMessageSent }
func (ReceiveMessage) Event() Event { return EventReceiveMessage }
func (EditMessage) Event() Event    { return EventEditMessage }
func (MessageUpdated) Event() Event { return EventMessageUpdated }
func (DeleteMessage) Event() Event  { return EventDeleteMessage }
func (MessageDeleted) Event() Event { return EventMessageDeleted }
func (MarkRead) Event() Event       { return EventMarkRead }
func (RefreshChats) Event() Event   { return EventRefreshChats }
func (Error) Event() Event          { return EventError }

func (p JoinRoom) Validate() error  { return required("roomId", p.RoomID) }
func (p LeaveRoom) Validate() error { return required("roomId", p.RoomID) }

func (p SendMessage) Validate() error {
	if err := required("chatId", p.ChatID); err != nil {
		return err
	}
	return validContent(p.Content)
}

func (p MessageSent) Validate() error { return required("message.id", p.Message.ID) }

func (p ReceiveMessage) Validate() error {
	if err := required("id", p.ID); err != nil {
		return err
	}
	return required("chatId", p.ChatID)
}

func (p EditMessage) Validate() error {
	if err := required("messageId", p.MessageID); err != nil {
		return err
	}
	return validContent(p.Content)
}

func (p MessageUpdated) Validate() error {
	if err := required("id", p.ID); err != nil {
		return err
	}
	return required("chatId", p.ChatID)
}

func (p DeleteMessage) Validate() error { return required("messageId", p.MessageID) }

func (p MessageDeleted) Validate() error {
	if err := required("id", p.ID); err != nil {
		return err
	}
	return required("chatId", p.ChatID)
}

func (p MarkRead) Validate() error     { return required("chatId", p.ChatID) }
func (p RefreshChats) Validate() error { return required("chatId", p.ChatID) }
func (p Error) Validate() error        { return required("message", p.Message) }

func required(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformed, field)
	}
	return nil
}

func validContent(content string) error {
	if _, err := model.ParsePacket(content); err != nil {
		return fmt.Errorf("%w: content: %v", ErrMalformed, err)
	}
	return nil
}

func newPayload(e Event) (Payload, bool) {
	switch e {
	case EventJoinRoom:
		return &JoinRoom{}, true
	case EventLeaveRoom:
		return &LeaveRoom{}, true
	case EventSendMessage:
		return &SendMessage{}, true
	case EventMessageSent:
		return &MessageSent{}, true
	case EventReceiveMessage:
		return &ReceiveMessage{}, true
	case EventEditMessage:
		return &EditMessage{}, true
	case EventMessageUpdated:
		return &MessageUpdated{}, true
	case EventDeleteMessage:
		return &DeleteMessage{}, true
	case EventMessageDeleted:
		return &MessageDeleted{}, true
	case EventMarkRead:
		return &MarkRead{}, true
	case EventRefreshChats:
		return &RefreshChats{}, true
	case EventError:
		return &Error{}, true
	}
	return nil, false
}

// Decode parses a frame into its concrete payload. Unknown events, unknown
// fields (a client-supplied senderId, for instance) and payloads that fail
// validation are rejected with ErrMalformed. The returned value is a
// pointer to one of the payload types.
func Decode(data []byte) (Payload, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	p, ok := newPayload(f.Event)
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %q", ErrMalformed, f.Event)
	}
	if len(f.Data) == 0 || bytes.Equal(f.Data, []byte("null")) {
		return nil, fmt.Errorf("%w: %s has no data", ErrMalformed, f.Event)
	}

	dec := json.NewDecoder(bytes.NewReader(f.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, f.Event, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: p.Event(), Data: data})
}
