package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/notehub/chat/internal/logger"
)

// Handlers — все обработчики API; Mount вешает их на роутер.
type Handlers struct {
	Chat    *ChatHandler
	Message *MessageHandler
	User    *UserHandler
	Push    *PushHandler
	WS      *WSHandler
	Config  *ConfigHandler
}

// MountPublic вешает маршруты без авторизации.
func (h *Handlers) MountPublic(r chi.Router) {
	if h.Config != nil {
		r.Get("/api/config/push", h.Config.GetPushConfig)
		r.Get("/api/config/chat", h.Config.GetChatConfig)
	}
}

// Mount вешает маршруты, требующие пользователя в контексте (JWTAuth снаружи).
func (h *Handlers) Mount(r chi.Router) {
	r.Route("/api/chat/rooms", func(r chi.Router) {
		r.Get("/", h.Chat.ListRooms)
		r.Post("/direct", h.Chat.CreateDirectRoom)
		r.Post("/group", h.Chat.CreateGroupRoom)
		r.Route("/{roomId}", func(r chi.Router) {
			r.Get("/", h.Chat.GetRoom)
			r.Delete("/", h.Chat.DeleteRoom)
			r.Put("/theme", h.Chat.SetTheme)
			r.Post("/participants", h.Chat.AddParticipants)
			r.Post("/leave", h.Chat.LeaveRoom)
			r.Put("/read", h.Message.MarkRead)
			r.Get("/messages", h.Message.GetMessages)
			r.Post("/messages", h.Message.SendMessage)
			r.Get("/messages/last", h.Message.GetLastMessage)
			r.Get("/messages/pinned", h.Message.GetPinned)
			r.Delete("/messages/{messageId}", h.Message.DeleteMessage)
			r.Post("/messages/{messageId}/reactions", h.Message.AddReaction)
			r.Delete("/messages/{messageId}/reactions", h.Message.RemoveReaction)
			r.Post("/messages/{messageId}/pin", h.Message.Pin)
			r.Delete("/messages/{messageId}/pin", h.Message.Unpin)
		})
	})
	r.Get("/api/users/me", h.User.GetProfile)
	r.Put("/api/users/me/status", h.User.SetStatus)
	r.Get("/api/users/online", h.User.GetOnline)
	r.Get("/api/users/{id}", h.User.GetUser)
	if h.Push != nil {
		r.Post("/api/push/subscribe", h.Push.Subscribe)
		r.Delete("/api/push/subscribe", h.Push.Unsubscribe)
	}
	if h.WS != nil {
		r.Get("/ws", h.WS.ServeWS)
	}
}

// Health — проверка живости для балансировщика; заодно отдаёт число потерянных записей лога.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "logDropped": logger.Dropped()})
}
