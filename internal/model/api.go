package model

import "time"

// Request and response bodies of the REST surface, shared by the server
// handlers and the client.
type (
	RegisterRequest struct {
		Name              string `json:"name"`
		PublicKey         string `json:"publicKey"`
		WrappedPrivateKey string `json:"wrappedPrivateKey"`
	}

	ChallengeRequest struct {
		Name string `json:"name"`
	}

	// Challenge is a random nonce wrapped to the user's public key. Only the
	// holder of the private key can echo it back.
	Challenge struct {
		ChallengeID       string `json:"challengeId"`
		UserID            string `json:"userId"`
		Challenge         []byte `json:"challenge"`
		WrappedPrivateKey string `json:"wrappedPrivateKey"`
	}

	SessionRequest struct {
		ChallengeID string `json:"challengeId"`
		Response    []byte `json:"response"`
	}

	Session struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}

	CreateChatRequest struct {
		Type           ChatType `json:"type"`
		Name           string   `json:"name,omitempty"`
		ParticipantIDs []string `json:"participantIds"`
	}

	ChatSummary struct {
		Chat        Chat      `json:"chat"`
		Role        Role      `json:"role"`
		LastReadAt  time.Time `json:"lastReadAt"`
		LastMessage *Message  `json:"lastMessage,omitempty"`
		Unread      bool      `json:"unread"`
	}

	ChatMember struct {
		Participant
		Name      string `json:"name"`
		PublicKey string `json:"publicKey"`
	}

	ChatDetails struct {
		Chat         Chat         `json:"chat"`
		Participants []ChatMember `json:"participants"`
		Messages     []Message    `json:"messages"`
	}
)
