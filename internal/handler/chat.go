package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/notehub/chat/internal/model"
	"github.com/notehub/chat/internal/ws"
)

// ChatService — методы сервиса чата, которые вызывает REST.
type ChatService interface {
	ListRooms(ctx context.Context, userID int64) ([]model.RoomSummary, error)
	GetRoom(ctx context.Context, roomID, userID int64) (*model.RoomSummary, error)
	CreateDirectRoom(ctx context.Context, userID, otherID int64) (*model.RoomSummary, bool, error)
	CreateGroupRoom(ctx context.Context, creatorID int64, name string, participantIDs []int64) (*model.RoomSummary, error)
	DeleteRoom(ctx context.Context, roomID, userID int64) ([]int64, error)
	SetTheme(ctx context.Context, roomID, userID int64, theme string) (string, error)
	AddParticipants(ctx context.Context, roomID, actorID int64, userIDs []int64) ([]int64, error)
	LeaveRoom(ctx context.Context, roomID, userID int64) ([]int64, error)

	ListMessages(ctx context.Context, roomID, userID int64, limit, offset int) ([]model.Message, error)
	LastMessage(ctx context.Context, roomID, userID int64) (*model.Message, error)
	MarkRead(ctx context.Context, roomID, userID int64) (time.Time, error)
	DeleteMessage(ctx context.Context, roomID, messageID, requesterID int64) error
	AddReaction(ctx context.Context, roomID, messageID, userID int64, emoji string) (bool, error)
	RemoveReaction(ctx context.Context, roomID, messageID, userID int64, emoji string) (bool, error)
	PinMessage(ctx context.Context, roomID, messageID, userID int64) (*model.Message, bool, error)
	UnpinMessage(ctx context.Context, roomID, messageID, userID int64) (*model.Message, bool, error)
	ListPinned(ctx context.Context, roomID, userID int64) ([]model.Message, error)

	GetUser(ctx context.Context, userID int64) (*model.User, error)
	SetStatus(ctx context.Context, userID int64, status model.UserStatus) error
}

// Realtime — часть шлюза, через которую REST рассылает события (реализует *ws.Hub).
type Realtime interface {
	SendMessage(ctx context.Context, roomID, senderID int64, body string, photoURL *string, transport string) (*model.Message, error)
	BroadcastToRoom(ctx context.Context, roomID int64, evType ws.EventType, payload any)
	BroadcastToUsers(userIDs []int64, evType ws.EventType, payload any)
	PublishMessageDeleted(ctx context.Context, roomID, messageID int64)
	PublishStatus(ctx context.Context, userID int64, status model.UserStatus)
	DropFromRoom(roomID, userID int64)
	CloseRoom(roomID int64)
	Online(userID int64) bool
	OnlineUsers() []int64
}

type ChatHandler struct {
	svc ChatService
	rt  Realtime
}

func NewChatHandler(svc ChatService, rt Realtime) *ChatHandler {
	return &ChatHandler{svc: svc, rt: rt}
}

type CreateDirectRoomRequest struct {
	UserID int64 `json:"userId"`
}

type CreateGroupRoomRequest struct {
	Name           string  `json:"name"`
	ParticipantIDs []int64 `json:"participantIds"`
}

type ThemeRequest struct {
	Theme string `json:"theme"`
}

type ParticipantsRequest struct {
	UserIDs []int64 `json:"userIds"`
}

func (h *ChatHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	rooms, err := h.svc.ListRooms(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *ChatHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	room, err := h.svc.GetRoom(r.Context(), roomID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// CreateDirectRoom возвращает 201 для новой комнаты и 200 для уже существующей.
func (h *ChatHandler) CreateDirectRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req CreateDirectRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	room, created, err := h.svc.CreateDirectRoom(r.Context(), userID, req.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, room)
		return
	}
	h.rt.BroadcastToUsers(participantIDs(room), ws.EventRoomCreated, room)
	writeJSON(w, http.StatusCreated, room)
}

func (h *ChatHandler) CreateGroupRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req CreateGroupRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	room, err := h.svc.CreateGroupRoom(r.Context(), userID, req.Name, req.ParticipantIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.rt.BroadcastToUsers(participantIDs(room), ws.EventRoomCreated, room)
	writeJSON(w, http.StatusCreated, room)
}

func (h *ChatHandler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	former, err := h.svc.DeleteRoom(r.Context(), roomID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.rt.BroadcastToUsers(former, ws.EventRoomDeleted, ws.RoomPayload{RoomID: roomID})
	h.rt.CloseRoom(roomID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) SetTheme(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	var req ThemeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	theme, err := h.svc.SetTheme(r.Context(), roomID, userID, req.Theme)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := ws.ThemePayload{RoomID: roomID, Theme: theme, UserID: userID}
	h.rt.BroadcastToRoom(r.Context(), roomID, ws.EventThemeUpdated, out)
	writeJSON(w, http.StatusOK, out)
}

// AddParticipants рассылает состав группы старым участникам и саму комнату новым.
func (h *ChatHandler) AddParticipants(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	var req ParticipantsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	added, err := h.svc.AddParticipants(r.Context(), roomID, userID, req.UserIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if len(added) > 0 {
		h.rt.BroadcastToRoom(r.Context(), roomID, ws.EventParticipants, ws.ParticipantsPayload{RoomID: roomID, Added: added})
		for _, id := range added {
			if room, err := h.svc.GetRoom(r.Context(), roomID, id); err == nil {
				h.rt.BroadcastToUsers([]int64{id}, ws.EventRoomCreated, room)
			}
		}
	}
	writeJSON(w, http.StatusOK, ws.ParticipantsPayload{RoomID: roomID, Added: added})
}

func (h *ChatHandler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	remaining, err := h.svc.LeaveRoom(r.Context(), roomID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.rt.DropFromRoom(roomID, userID)
	h.rt.BroadcastToUsers([]int64{userID}, ws.EventRoomDeleted, ws.RoomPayload{RoomID: roomID, UserID: userID})
	if len(remaining) == 0 {
		h.rt.CloseRoom(roomID)
	} else {
		h.rt.BroadcastToUsers(remaining, ws.EventParticipants, ws.ParticipantsPayload{RoomID: roomID, Removed: []int64{userID}})
	}
	w.WriteHeader(http.StatusNoContent)
}

func participantIDs(room *model.RoomSummary) []int64 {
	ids := make([]int64, 0, len(room.Participants))
	for _, p := range room.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}
