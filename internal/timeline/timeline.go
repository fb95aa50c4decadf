// Package timeline keeps the client's view of one chat: decrypted entries
// in ledger order, optimistic placeholders for messages still in flight and
// the backward pagination cursor. State is immutable; Apply returns a new
// snapshot for every action.
package timeline

import (
	"time"
)

const (
	PageSize = 50

	DeletedText = "[Message Deleted]"
	FailedText  = "[Decryption Failed]"
)

type Status int

const (
	StatusSent Status = iota
	StatusPending
	StatusFailed
)

type (
	Entry struct {
		ID          string
		TempID      string
		SenderID    string
		Text        string
		ReplyToID   string
		CreatedAt   time.Time
		Status      Status
		IsEdited    bool
		IsForwarded bool
		IsDeleted   bool
		// IsError marks content that could not be decrypted.
		IsError bool
	}

	State struct {
		chatID  string
		userID  string
		entries []Entry
		pending map[string]int
		// edits holds the last confirmed version of entries showing an
		// unconfirmed local edit.
		edits   map[string]Entry
		hasMore bool
		jumpTo  string
	}

	// Result describes what an action did to the view. Shift is the number
	// of rows inserted above the previous first row; the view moves its
	// scroll offset by the same amount so nothing visibly jumps.
	Result struct {
		Changed bool
		Shift   int
		// Found is the index of the jump target once it is loaded, else -1.
		Found int
	}
)

// New returns an empty view of chatID for the local user.
func New(chatID, userID string) State {
	return State{chatID: chatID, userID: userID, hasMore: true}
}

func (s State) ChatID() string { return s.chatID }
func (s State) UserID() string { return s.userID }
func (s State) Len() int       { return len(s.entries) }
func (s State) HasMore() bool  { return s.hasMore }

// JumpTarget is the message id a pending jump is looking for.
func (s State) JumpTarget() string { return s.jumpTo }

// Entries returns the entries oldest first. The slice is shared with the
// snapshot and must not be modified.
func (s State) Entries() []Entry { return s.entries }

func (s State) At(i int) Entry { return s.entries[i] }

// Index returns the position of the persisted message id, or -1.
func (s State) Index(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (s State) Lookup(id string) (Entry, bool) {
	if i := s.Index(id); i >= 0 {
		return s.entries[i], true
	}
	return Entry{}, false
}

// Oldest is the pagination cursor: the creation time of the first
// persisted entry, nil for an empty view.
func (s State) Oldest() *time.Time {
	for i := range s.entries {
		if s.entries[i].Status != StatusPending && !s.entries[i].CreatedAt.IsZero() {
			t := s.entries[i].CreatedAt
			return &t
		}
	}
	return nil
}

// Newest returns the latest persisted entry.
func (s State) Newest() (Entry, bool) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Status == StatusSent {
			return s.entries[i], true
		}
	}
	return Entry{}, false
}

// ReplyRef is the replyToId to send when replying to e. Placeholders have
// no server id yet, so replies to them go out without a reference.
func ReplyRef(e Entry) string {
	if e.Status != StatusSent {
		return ""
	}
	return e.ID
}

// ShouldMarkRead reports whether the newest message came from someone else
// after lastReadAt.
func (s State) ShouldMarkRead(lastReadAt time.Time) bool {
	e, ok := s.Newest()
	return ok && e.SenderID != s.userID && e.CreatedAt.After(lastReadAt)
}

func (s State) clone() State {
	c := s
	c.entries = append([]Entry(nil), s.entries...)
	c.pending = make(map[string]int, len(s.pending))
	for k, v := range s.pending {
		c.pending[k] = v
	}
	c.edits = make(map[string]Entry, len(s.edits))
	for k, v := range s.edits {
		c.edits[k] = v
	}
	return c
}
