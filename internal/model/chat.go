package model

import "time"

type (
	ChatType string
	Role     string
)

const (
	ChatDirect  ChatType = "DIRECT"
	ChatGroup   ChatType = "GROUP"
	ChatChannel ChatType = "CHANNEL"

	RoleMember Role = "MEMBER"
	RoleAdmin  Role = "ADMIN"
	RoleOwner  Role = "OWNER"
)

type (
	Chat struct {
		ID        string    `json:"id"`
		Type      ChatType  `json:"type"`
		Name      string    `json:"name,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	Participant struct {
		UserID     string    `json:"userId"`
		ChatID     string    `json:"chatId"`
		Role       Role      `json:"role"`
		LastReadAt time.Time `json:"lastReadAt"`
	}
)

func (t ChatType) Valid() bool {
	switch t {
	case ChatDirect, ChatGroup, ChatChannel:
		return true
	}
	return false
}

// CanModerate reports whether the role may post in channels and delete
// other members' messages.
func (r Role) CanModerate() bool {
	return r == RoleAdmin || r == RoleOwner
}
