package handler

import (
	"net/http"

	"github.com/notehub/chat/internal/model"
)

type UserHandler struct {
	svc ChatService
	rt  Realtime
}

func NewUserHandler(svc ChatService, rt Realtime) *UserHandler {
	return &UserHandler{svc: svc, rt: rt}
}

// UserResponse — публичный профиль с признаком живого соединения.
type UserResponse struct {
	model.UserPublic
	Online bool `json:"online"`
}

type StatusRequest struct {
	Status model.UserStatus `json:"status"`
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	h.writeUser(w, r, userID)
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	h.writeUser(w, r, id)
}

func (h *UserHandler) writeUser(w http.ResponseWriter, r *http.Request, id int64) {
	u, err := h.svc.GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UserResponse{UserPublic: u.ToPublic(), Online: h.rt.Online(id)})
}

// SetStatus сохраняет статус и рассылает user:status контактам и другим устройствам.
func (h *UserHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SetStatus(r.Context(), userID, req.Status); err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.rt.PublishStatus(r.Context(), userID, req.Status)
	writeJSON(w, http.StatusOK, StatusRequest{Status: req.Status})
}

// GetOnline возвращает id пользователей, у которых есть живое соединение.
func (h *UserHandler) GetOnline(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int64{"userIds": h.rt.OnlineUsers()})
}
