package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sealed_chat/internal/auth"
	"sealed_chat/internal/cryptographic/encryption"
	"sealed_chat/internal/cryptographic/identity"
	"sealed_chat/internal/model"
	"sealed_chat/internal/protocol/wire"
	"sealed_chat/internal/repository"
	"sealed_chat/internal/service/messaging"
	"sealed_chat/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type challengeRecord struct {
	UserID string `json:"userId"`
	Nonce  []byte `json:"nonce"`
}

func (s *HttpServer) authenticated(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.issuer.Verify(auth.FromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, userID)
	}
}

func (s *HttpServer) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.RegisterRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" || req.WrappedPrivateKey == "" {
			writeError(w, fmt.Errorf("%w: name and wrappedPrivateKey are required", messaging.ErrInvalidArgument))
			return
		}
		if _, err := identity.ParsePublicKey(req.PublicKey); err != nil {
			writeError(w, fmt.Errorf("%w: publicKey: %v", messaging.ErrInvalidArgument, err))
			return
		}

		user := &model.User{
			Name:              req.Name,
			PublicKey:         req.PublicKey,
			WrappedPrivateKey: req.WrappedPrivateKey,
			CreatedAt:         time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := s.users.CreateUser(r.Context(), user); err != nil {
			writeError(w, err)
			return
		}

		token, err := s.issuer.Issue(user.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		log.Info("user registered", zap.String("user_id", user.ID), zap.String("name", user.Name))
		writeJSON(w, http.StatusCreated, model.Session{Token: token, User: *user})
	}
}

func (s *HttpServer) Me() func(w http.ResponseWriter, r *http.Request, userID string) {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		user, err := s.users.GetUser(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		if user == nil {
			writeError(w, fmt.Errorf("user %s: %w", userID, messaging.ErrNotFound))
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func (s *HttpServer) GetKeyByID() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeKey(w, r, s.users.GetUser, mux.Vars(r)["id"])
	}
}

func (s *HttpServer) GetKeyByName() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeKey(w, r, s.users.GetUserByName, mux.Vars(r)["name"])
	}
}

func (s *HttpServer) writeKey(w http.ResponseWriter, r *http.Request, lookup func(context.Context, string) (*model.User, error), key string) {
	user, err := lookup(r.Context(), key)
	if err != nil {
		log.Error("get public key failed", zap.Error(err))
		writeError(w, err)
		return
	}
	if user == nil {
		writeError(w, fmt.Errorf("user %s: %w", key, messaging.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, user.Public())
}

func (s *HttpServer) IssueChallenge() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.ChallengeRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}

		user, err := s.users.GetUserByName(r.Context(), req.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		if user == nil {
			writeError(w, fmt.Errorf("user %s: %w", req.Name, messaging.ErrNotFound))
			return
		}

		pub, err := identity.ParsePublicKey(user.PublicKey)
		if err != nil {
			writeError(w, err)
			return
		}
		nonce, err := encryption.NewKey()
		if err != nil {
			writeError(w, err)
			return
		}
		wrapped, err := identity.Wrap(pub, nonce)
		if err != nil {
			writeError(w, err)
			return
		}

		record, _ := json.Marshal(challengeRecord{UserID: user.ID, Nonce: nonce})
		id := uuid.NewString()
		if err := s.challenges.PutChallenge(r.Context(), id, record, challengeTTL); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, model.Challenge{
			ChallengeID:       id,
			UserID:            user.ID,
			Challenge:         wrapped,
			WrappedPrivateKey: user.WrappedPrivateKey,
		})
	}
}

func (s *HttpServer) OpenSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.SessionRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}

		raw, err := s.challenges.TakeChallenge(r.Context(), req.ChallengeID)
		if err != nil {
			writeError(w, err)
			return
		}
		var record challengeRecord
		if raw == nil || json.Unmarshal(raw, &record) != nil ||
			subtle.ConstantTimeCompare(record.Nonce, req.Response) != 1 {
			writeError(w, fmt.Errorf("%w: challenge failed", auth.ErrInvalidToken))
			return
		}

		user, err := s.users.GetUser(r.Context(), record.UserID)
		if err != nil || user == nil {
			writeError(w, fmt.Errorf("%w: unknown user", auth.ErrInvalidToken))
			return
		}
		token, err := s.issuer.Issue(user.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, model.Session{Token: token, User: *user})
	}
}

func (s *HttpServer) CreateChat() func(w http.ResponseWriter, r *http.Request, userID string) {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		ctx := r.Context()

		var req model.CreateChatRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if !req.Type.Valid() {
			writeError(w, fmt.Errorf("%w: chat type %q", messaging.ErrInvalidArgument, req.Type))
			return
		}

		others := make([]string, 0, len(req.ParticipantIDs))
		seen := map[string]bool{userID: true}
		for _, id := range req.ParticipantIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			u, err := s.users.GetUser(ctx, id)
			if err != nil {
				writeError(w, err)
				return
			}
			if u == nil {
				writeError(w, fmt.Errorf("%w: unknown participant %s", messaging.ErrInvalidArgument, id))
				return
			}
			others = append(others, id)
		}

		if req.Type == model.ChatDirect {
			if len(others) != 1 {
				writeError(w, fmt.Errorf("%w: a direct chat has exactly one other participant", messaging.ErrInvalidArgument))
				return
			}
			existing, err := s.chats.FindDirectChat(ctx, userID, others[0])
			if err != nil {
				writeError(w, err)
				return
			}
			if existing != nil {
				writeJSON(w, http.StatusOK, existing)
				return
			}
		}

		now := time.Now().UTC().Truncate(time.Millisecond)
		chat := &model.Chat{Type: req.Type, Name: req.Name, CreatedAt: now, UpdatedAt: now}
		participants := []model.Participant{{UserID: userID, Role: model.RoleOwner, LastReadAt: now}}
		for _, id := range others {
			participants = append(participants, model.Participant{UserID: id, Role: model.RoleMember})
		}

		err := s.chats.CreateChat(ctx, chat, participants)
		if errors.Is(err, repository.ErrDuplicate) && req.Type == model.ChatDirect {
			existing, ferr := s.chats.FindDirectChat(ctx, userID, others[0])
			if ferr == nil && existing != nil {
				writeJSON(w, http.StatusOK, existing)
				return
			}
		}
		if err != nil {
			writeError(w, err)
			return
		}

		for _, id := range others {
			if err := s.hub.Emit(ctx, messaging.UserRoom(id), &wire.RefreshChats{ChatID: chat.ID}); err != nil {
				log.Warn("notify new chat failed", zap.String("chat_id", chat.ID), zap.Error(err))
			}
		}
		log.Info("chat created", zap.String("chat_id", chat.ID), zap.String("type", string(chat.Type)))
		writeJSON(w, http.StatusCreated, chat)
	}
}

func (s *HttpServer) ListChats() func(w http.ResponseWriter, r *http.Request, userID string) {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		ctx := r.Context()

		chats, err := s.chats.ListChats(ctx, userID)
		if err != nil {
			writeError(w, err)
			return
		}

		res := make([]model.ChatSummary, 0, len(chats))
		for _, c := range chats {
			p, err := s.chats.GetParticipant(ctx, c.ID, userID)
			if err != nil || p == nil {
				continue
			}
			last, err := s.messages.QueryMessages(ctx, c.ID, nil, 1)
			if err != nil {
				writeError(w, err)
				return
			}

			summary := model.ChatSummary{Chat: c, Role: p.Role, LastReadAt: p.LastReadAt}
			if len(last) == 1 {
				m := last[0]
				summary.LastMessage = &m
				summary.Unread = m.SenderID != userID && m.CreatedAt.After(p.LastReadAt)
			}
			res = append(res, summary)
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *HttpServer) GetChat() func(w http.ResponseWriter, r *http.Request, userID string) {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		ctx := r.Context()
		chatID := mux.Vars(r)["id"]

		messages, err := s.engine.History(ctx, userID, chatID, nil, messaging.PageSize)
		if err != nil {
			writeError(w, err)
			return
		}
		chat, err := s.chats.GetChat(ctx, chatID)
		if err != nil {
			writeError(w, err)
			return
		}
		if chat == nil {
			writeError(w, fmt.Errorf("chat %s: %w", chatID, messaging.ErrNotFound))
			return
		}

		participants, err := s.chats.ListParticipants(ctx, chatID)
		if err != nil {
			writeError(w, err)
			return
		}
		members := make([]model.ChatMember, 0, len(participants))
		for _, p := range participants {
			u, err := s.users.GetUser(ctx, p.UserID)
			if err != nil {
				writeError(w, err)
				return
			}
			member := model.ChatMember{Participant: p}
			if u != nil {
				member.Name = u.Name
				member.PublicKey = u.PublicKey
			}
			members = append(members, member)
		}

		if messages == nil {
			messages = []model.Message{}
		}
		writeJSON(w, http.StatusOK, model.ChatDetails{Chat: *chat, Participants: members, Messages: messages})
	}
}

func (s *HttpServer) GetMessages() func(w http.ResponseWriter, r *http.Request, userID string) {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		q := r.URL.Query()

		var before *time.Time
		if v := q.Get("before"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeError(w, fmt.Errorf("%w: before: %v", messaging.ErrInvalidArgument, err))
				return
			}
			before = &t
		}
		limit := messaging.PageSize
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, fmt.Errorf("%w: limit: %v", messaging.ErrInvalidArgument, err))
				return
			}
			limit = n
		}

		messages, err := s.engine.History(r.Context(), userID, mux.Vars(r)["id"], before, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if messages == nil {
			messages = []model.Message{}
		}
		writeJSON(w, http.StatusOK, messages)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", messaging.ErrInvalidArgument, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, messaging.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, messaging.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, messaging.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, messaging.ErrWindowExpired), errors.Is(err, repository.ErrDuplicate):
		status = http.StatusConflict
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
