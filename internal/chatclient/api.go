package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/notehub/chat/internal/model"
)

// API is the REST surface the engine needs.
type API interface {
	ListRooms(ctx context.Context) ([]model.RoomSummary, error)
	CreateDirectRoom(ctx context.Context, userID int64) (*model.RoomSummary, error)
	CreateGroupRoom(ctx context.Context, name string, participantIDs []int64) (*model.RoomSummary, error)
	DeleteRoom(ctx context.Context, roomID int64) error
	SetTheme(ctx context.Context, roomID int64, theme string) error
	// ListMessages returns a page newest first, offset counted from the newest message.
	ListMessages(ctx context.Context, roomID int64, limit, offset int) ([]model.Message, error)
	LastMessage(ctx context.Context, roomID int64) (*model.Message, error)
	SendMessage(ctx context.Context, roomID int64, body string, photoURL *string) (*model.Message, error)
	MarkRead(ctx context.Context, roomID int64) error
	DeleteMessage(ctx context.Context, roomID, messageID int64) error
	AddReaction(ctx context.Context, roomID, messageID int64, emoji string) error
	RemoveReaction(ctx context.Context, roomID, messageID int64, emoji string) error
	PinMessage(ctx context.Context, roomID, messageID int64) error
	UnpinMessage(ctx context.Context, roomID, messageID int64) error
	ListPinned(ctx context.Context, roomID int64) ([]model.Message, error)
	OnlineUsers(ctx context.Context) ([]int64, error)
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// HTTPAPI talks to the chat REST endpoints with a bearer token.
type HTTPAPI struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPAPI returns a client for baseURL (scheme and host, no trailing slash needed).
// A nil client gets a 15s timeout.
func NewHTTPAPI(baseURL, token string, client *http.Client) *HTTPAPI {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPAPI{base: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func roomPath(roomID int64) string {
	return "/api/chat/rooms/" + strconv.FormatInt(roomID, 10)
}

func messagePath(roomID, messageID int64) string {
	return roomPath(roomID) + "/messages/" + strconv.FormatInt(messageID, 10)
}

func (a *HTTPAPI) ListRooms(ctx context.Context) ([]model.RoomSummary, error) {
	var out []model.RoomSummary
	err := a.do(ctx, http.MethodGet, "/api/chat/rooms", nil, &out)
	return out, err
}

func (a *HTTPAPI) CreateDirectRoom(ctx context.Context, userID int64) (*model.RoomSummary, error) {
	var out model.RoomSummary
	if err := a.do(ctx, http.MethodPost, "/api/chat/rooms/direct", map[string]int64{"userId": userID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPAPI) CreateGroupRoom(ctx context.Context, name string, participantIDs []int64) (*model.RoomSummary, error) {
	body := struct {
		Name           string  `json:"name"`
		ParticipantIDs []int64 `json:"participantIds"`
	}{name, participantIDs}
	var out model.RoomSummary
	if err := a.do(ctx, http.MethodPost, "/api/chat/rooms/group", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPAPI) DeleteRoom(ctx context.Context, roomID int64) error {
	return a.do(ctx, http.MethodDelete, roomPath(roomID), nil, nil)
}

func (a *HTTPAPI) SetTheme(ctx context.Context, roomID int64, theme string) error {
	return a.do(ctx, http.MethodPut, roomPath(roomID)+"/theme", map[string]string{"theme": theme}, nil)
}

func (a *HTTPAPI) ListMessages(ctx context.Context, roomID int64, limit, offset int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out []model.Message
	err := a.do(ctx, http.MethodGet, roomPath(roomID)+"/messages?"+q.Encode(), nil, &out)
	return out, err
}

// LastMessage returns nil for an empty room.
func (a *HTTPAPI) LastMessage(ctx context.Context, roomID int64) (*model.Message, error) {
	var out *model.Message
	err := a.do(ctx, http.MethodGet, roomPath(roomID)+"/messages/last", nil, &out)
	return out, err
}

func (a *HTTPAPI) SendMessage(ctx context.Context, roomID int64, body string, photoURL *string) (*model.Message, error) {
	req := struct {
		Message  string  `json:"message"`
		PhotoURL *string `json:"photoUrl,omitempty"`
	}{body, photoURL}
	var out model.Message
	if err := a.do(ctx, http.MethodPost, roomPath(roomID)+"/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPAPI) MarkRead(ctx context.Context, roomID int64) error {
	return a.do(ctx, http.MethodPut, roomPath(roomID)+"/read", nil, nil)
}

func (a *HTTPAPI) DeleteMessage(ctx context.Context, roomID, messageID int64) error {
	return a.do(ctx, http.MethodDelete, messagePath(roomID, messageID), nil, nil)
}

func (a *HTTPAPI) AddReaction(ctx context.Context, roomID, messageID int64, emoji string) error {
	return a.do(ctx, http.MethodPost, messagePath(roomID, messageID)+"/reactions", map[string]string{"emoji": emoji}, nil)
}

func (a *HTTPAPI) RemoveReaction(ctx context.Context, roomID, messageID int64, emoji string) error {
	return a.do(ctx, http.MethodDelete, messagePath(roomID, messageID)+"/reactions", map[string]string{"emoji": emoji}, nil)
}

func (a *HTTPAPI) PinMessage(ctx context.Context, roomID, messageID int64) error {
	return a.do(ctx, http.MethodPost, messagePath(roomID, messageID)+"/pin", nil, nil)
}

func (a *HTTPAPI) UnpinMessage(ctx context.Context, roomID, messageID int64) error {
	return a.do(ctx, http.MethodDelete, messagePath(roomID, messageID)+"/pin", nil, nil)
}

func (a *HTTPAPI) ListPinned(ctx context.Context, roomID int64) ([]model.Message, error) {
	var out []model.Message
	err := a.do(ctx, http.MethodGet, roomPath(roomID)+"/messages/pinned", nil, &out)
	return out, err
}

func (a *HTTPAPI) OnlineUsers(ctx context.Context) ([]int64, error) {
	var out struct {
		UserIDs []int64 `json:"userIds"`
	}
	err := a.do(ctx, http.MethodGet, "/api/users/online", nil, &out)
	return out.UserIDs, err
}
