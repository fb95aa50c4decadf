package timeline

import "time"

type (
	Action interface {
		action()
	}

	// Reset replaces the view with the newest page of a chat.
	Reset struct {
		ChatID string
		UserID string
		Page   []Entry
	}

	// Prepend adds older entries. ChatID guards against pages that arrive
	// after the user switched chats. Exhausted is set when the server
	// returned a short or empty page.
	Prepend struct {
		ChatID    string
		Page      []Entry
		Exhausted bool
	}

	Optimistic struct {
		TempID      string
		Text        string
		ReplyToID   string
		IsForwarded bool
		At          time.Time
	}

	// Ack reconciles a placeholder with the persisted record.
	Ack struct {
		TempID string
		ID     string
		At     time.Time
	}

	Rejected struct {
		TempID string
	}

	Received struct {
		Entry Entry
	}

	Updated struct {
		ID      string
		Text    string
		IsError bool
	}

	Deleted struct {
		ID string
	}

	// LocalEdit shows the user's own edit before the server echoes it.
	LocalEdit struct {
		ID   string
		Text string
	}

	// EditRejected restores an entry whose local edit the server refused.
	EditRejected struct {
		ID string
	}

	JumpStart struct {
		ID string
	}

	JumpEnd struct{}
)

func (Reset) action()        {}
func (Prepend) action()      {}
func (Optimistic) action()   {}
func (Ack) action()          {}
func (Rejected) action()     {}
func (Received) action()     {}
func (Updated) action()      {}
func (Deleted) action()      {}
func (LocalEdit) action()    {}
func (EditRejected) action() {}
func (JumpStart) action()    {}
func (JumpEnd) action()      {}

// Apply returns the state after a. s is never modified.
func Apply(s State, a Action) (State, Result) {
	res := Result{Found: -1}

	switch a := a.(type) {
	case Reset:
		n := New(a.ChatID, a.UserID)
		n.entries = dedup(nil, a.Page)
		n.pending = map[string]int{}
		n.hasMore = len(a.Page) >= PageSize
		res.Changed = true
		return n, res

	case Prepend:
		if a.ChatID != s.chatID {
			return s, res
		}
		n := s.clone()
		older := dedup(n.entries, a.Page)
		if len(older) > 0 {
			n.entries = append(older, n.entries...)
			for k, v := range n.pending {
				n.pending[k] = v + len(older)
			}
			res.Changed = true
			res.Shift = len(older)
		}
		if a.Exhausted || len(a.Page) == 0 {
			n.hasMore = false
			res.Changed = true
		}
		if n.jumpTo != "" {
			if i := n.Index(n.jumpTo); i >= 0 {
				res.Found = i
				n.jumpTo = ""
			} else if !n.hasMore {
				n.jumpTo = ""
			}
		}
		return n, res

	case Optimistic:
		n := s.clone()
		n.entries = append(n.entries, Entry{
			TempID:      a.TempID,
			SenderID:    s.userID,
			Text:        a.Text,
			ReplyToID:   a.ReplyToID,
			CreatedAt:   a.At,
			Status:      StatusPending,
			IsForwarded: a.IsForwarded,
		})
		n.pending[a.TempID] = len(n.entries) - 1
		res.Changed = true
		return n, res

	case Ack:
		i, ok := s.pending[a.TempID]
		if !ok {
			return s, res
		}
		n := s.clone()
		delete(n.pending, a.TempID)
		if n.Index(a.ID) >= 0 {
			n.removeAt(i)
			res.Changed = true
			return n, res
		}
		e := &n.entries[i]
		e.ID = a.ID
		e.CreatedAt = a.At
		e.Status = StatusSent
		res.Changed = true
		return n, res

	case Rejected:
		i, ok := s.pending[a.TempID]
		if !ok {
			return s, res
		}
		n := s.clone()
		delete(n.pending, a.TempID)
		n.entries[i].Status = StatusFailed
		res.Changed = true
		return n, res

	case Received:
		if a.Entry.SenderID == s.userID || s.Index(a.Entry.ID) >= 0 {
			return s, res
		}
		n := s.clone()
		e := a.Entry
		e.Status = StatusSent
		n.entries = append(n.entries, e)
		res.Changed = true
		return n, res

	case Updated:
		i := s.Index(a.ID)
		if i < 0 || s.entries[i].IsDeleted {
			return s, res
		}
		n := s.clone()
		delete(n.edits, a.ID)
		e := &n.entries[i]
		e.Text = a.Text
		e.IsError = a.IsError
		e.IsEdited = true
		res.Changed = true
		return n, res

	case LocalEdit:
		i := s.Index(a.ID)
		if i < 0 || s.entries[i].IsDeleted || s.entries[i].SenderID != s.userID {
			return s, res
		}
		n := s.clone()
		if _, ok := n.edits[a.ID]; !ok {
			n.edits[a.ID] = n.entries[i]
		}
		n.entries[i].Text = a.Text
		n.entries[i].IsEdited = true
		res.Changed = true
		return n, res

	case EditRejected:
		prev, ok := s.edits[a.ID]
		i := s.Index(a.ID)
		if !ok || i < 0 {
			return s, res
		}
		n := s.clone()
		delete(n.edits, a.ID)
		if !n.entries[i].IsDeleted {
			e := &n.entries[i]
			e.Text, e.IsEdited, e.IsError = prev.Text, prev.IsEdited, prev.IsError
			res.Changed = true
		}
		return n, res

	case Deleted:
		i := s.Index(a.ID)
		if i < 0 || s.entries[i].IsDeleted {
			return s, res
		}
		n := s.clone()
		delete(n.edits, a.ID)
		e := &n.entries[i]
		e.Text = DeletedText
		e.IsDeleted = true
		e.IsError = false
		res.Changed = true
		return n, res

	case JumpStart:
		n := s.clone()
		if i := n.Index(a.ID); i >= 0 {
			n.jumpTo = ""
			res.Found = i
			return n, res
		}
		n.jumpTo = a.ID
		return n, res

	case JumpEnd:
		if s.jumpTo == "" {
			return s, res
		}
		n := s.clone()
		n.jumpTo = ""
		return n, res
	}

	return s, res
}

func (s *State) removeAt(i int) {
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	for k, v := range s.pending {
		if v > i {
			s.pending[k] = v - 1
		}
	}
}

// dedup returns the entries of page whose ids are not already in existing,
// nor repeated within page.
func dedup(existing, page []Entry) []Entry {
	seen := make(map[string]struct{}, len(existing)+len(page))
	for _, e := range existing {
		if e.ID != "" {
			seen[e.ID] = struct{}{}
		}
	}
	res := make([]Entry, 0, len(page))
	for _, e := range page {
		if _, ok := seen[e.ID]; ok && e.ID != "" {
			continue
		}
		seen[e.ID] = struct{}{}
		res = append(res, e)
	}
	return res
}
