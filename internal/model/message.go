package model

import "time"

type (
	// Message is the server-durable record of one chat message. Content is
	// the serialized EncryptedMessagePacket; it is empty once deleted.
	Message struct {
		ID               string    `json:"id"`
		ChatID           string    `json:"chatId"`
		SenderID         string    `json:"senderId"`
		EncryptedContent string    `json:"content"`
		ReplyToID        string    `json:"replyToId,omitempty"`
		IsForwarded      bool      `json:"isForwarded"`
		IsEdited         bool      `json:"isEdited"`
		IsDeleted        bool      `json:"isDeleted"`
		CreatedAt        time.Time `json:"createdAt"`
	}

	// MessagePatch lists the mutable fields of a Message. Nil fields are
	// left untouched by the ledger.
	MessagePatch struct {
		EncryptedContent *string
		IsEdited         *bool
		IsDeleted        *bool
	}
)

func EditPatch(content string) MessagePatch {
	edited := true
	return MessagePatch{EncryptedContent: &content, IsEdited: &edited}
}

func DeletePatch() MessagePatch {
	empty, deleted := "", true
	return MessagePatch{EncryptedContent: &empty, IsDeleted: &deleted}
}

// Apply mutates m with the non-nil fields of p.
func (p MessagePatch) Apply(m *Message) {
	if p.EncryptedContent != nil {
		m.EncryptedContent = *p.EncryptedContent
	}
	if p.IsEdited != nil {
		m.IsEdited = *p.IsEdited
	}
	if p.IsDeleted != nil {
		m.IsDeleted = *p.IsDeleted
	}
}
