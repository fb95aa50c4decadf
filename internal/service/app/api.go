package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"sealed_chat/internal/model"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type API struct {
	host  string
	token string
	http  *http.Client
}

func NewAPI(host string) *API {
	return &API{
		host: host,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *API) SetToken(token string) { a.token = token }
func (a *API) Token() string         { return a.token }
func (a *API) Host() string          { return a.host }

func (a *API) Register(ctx context.Context, req model.RegisterRequest) (*model.Session, error) {
	var s model.Session
	if err := a.do(ctx, http.MethodPost, "/users", nil, req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (a *API) Challenge(ctx context.Context, name string) (*model.Challenge, error) {
	var c model.Challenge
	if err := a.do(ctx, http.MethodPost, "/sessions/challenge", nil, model.ChallengeRequest{Name: name}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (a *API) OpenSession(ctx context.Context, challengeID string, response []byte) (*model.Session, error) {
	var s model.Session
	if err := a.do(ctx, http.MethodPost, "/sessions", nil, model.SessionRequest{ChallengeID: challengeID, Response: response}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (a *API) PublicKeyByName(ctx context.Context, name string) (*model.PublicKey, error) {
	var k model.PublicKey
	if err := a.do(ctx, http.MethodGet, "/keys/"+url.PathEscape(name), nil, nil, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

func (a *API) CreateChat(ctx context.Context, req model.CreateChatRequest) (*model.Chat, error) {
	var c model.Chat
	if err := a.do(ctx, http.MethodPost, "/chats", nil, req, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (a *API) ListChats(ctx context.Context) ([]model.ChatSummary, error) {
	var res []model.ChatSummary
	if err := a.do(ctx, http.MethodGet, "/chats", nil, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (a *API) GetChat(ctx context.Context, chatID string) (*model.ChatDetails, error) {
	var d model.ChatDetails
	if err := a.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Messages fetches one history page; it satisfies timeline.PageFetcher.
func (a *API) Messages(ctx context.Context, chatID string, before *time.Time) ([]model.Message, error) {
	q := url.Values{}
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	var res []model.Message
	if err := a.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", q, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := url.URL{
		Scheme:   "http",
		Host:     a.host,
		Path:     path,
		RawQuery: query.Encode(),
	}

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
