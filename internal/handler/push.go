package handler

import (
	"context"
	"net/http"

	"github.com/notehub/chat/internal/storage"
)

// PushSubscriber — хранилище подписок Web Push (реализует *push.Notifier).
type PushSubscriber interface {
	Subscribe(ctx context.Context, userID int64, sub storage.PushSubscription) error
	Unsubscribe(ctx context.Context, userID int64, endpoint string) error
}

// PushHandler обрабатывает подписку на пуш-уведомления.
type PushHandler struct {
	subs PushSubscriber
}

// NewPushHandler создаёт обработчик push.
func NewPushHandler(subs PushSubscriber) *PushHandler {
	return &PushHandler{subs: subs}
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription storage.PushSubscription `json:"subscription"`
}

// Subscribe сохраняет подписку для текущего пользователя.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req SubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Subscription.Endpoint == "" || req.Subscription.Keys.P256dh == "" || req.Subscription.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.subs.Subscribe(r.Context(), userID, req.Subscription); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribeRequest — тело для отписки по endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe удаляет подписку.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req UnsubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.subs.Unsubscribe(r.Context(), userID, req.Endpoint); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
