package handler

import (
	"net/http"

	"github.com/notehub/chat/internal/service"
	"github.com/notehub/chat/internal/ws"
)

// MessageHandler — сообщения комнаты. Изменения рассылаются через шлюз так же, как при вызове по сокету.
type MessageHandler struct {
	svc ChatService
	rt  Realtime
}

func NewMessageHandler(svc ChatService, rt Realtime) *MessageHandler {
	return &MessageHandler{svc: svc, rt: rt}
}

type SendMessageRequest struct {
	Message  string  `json:"message"`
	PhotoURL *string `json:"photoUrl,omitempty"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", service.DefaultPageSize)
	offset := queryInt(r, "offset", 0)
	msgs, err := h.svc.ListMessages(r.Context(), roomID, userID, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// GetLastMessage отдаёт null для пустой комнаты.
func (h *MessageHandler) GetLastMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	msg, err := h.svc.LastMessage(r.Context(), roomID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := h.rt.SendMessage(r.Context(), roomID, userID, req.Message, req.PhotoURL, "http")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	readAt, err := h.svc.MarkRead(r.Context(), roomID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := ws.ReadPayload{RoomID: roomID, UserID: userID, ReadAt: readAt}
	h.rt.BroadcastToRoom(r.Context(), roomID, ws.EventRead, out)
	writeJSON(w, http.StatusOK, out)
}

func (h *MessageHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, true)
}

func (h *MessageHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, false)
}

func (h *MessageHandler) react(w http.ResponseWriter, r *http.Request, add bool) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	msgID, ok := pathID(w, r, "messageId")
	if !ok {
		return
	}
	var req ReactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	op, evType := h.svc.AddReaction, ws.EventReactionAdded
	if !add {
		op, evType = h.svc.RemoveReaction, ws.EventReactionRemoved
	}
	changed, err := op(r.Context(), roomID, msgID, userID, req.Emoji)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if changed {
		out := ws.ReactionPayload{RoomID: roomID, MessageID: msgID, UserID: userID, Emoji: req.Emoji}
		if u, err := h.svc.GetUser(r.Context(), userID); err == nil {
			out.Username = u.Username
		}
		h.rt.BroadcastToRoom(r.Context(), roomID, evType, out)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (h *MessageHandler) Pin(w http.ResponseWriter, r *http.Request) {
	h.pin(w, r, true)
}

func (h *MessageHandler) Unpin(w http.ResponseWriter, r *http.Request) {
	h.pin(w, r, false)
}

func (h *MessageHandler) pin(w http.ResponseWriter, r *http.Request, pin bool) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	msgID, ok := pathID(w, r, "messageId")
	if !ok {
		return
	}
	op, evType := h.svc.PinMessage, ws.EventMessagePinned
	if !pin {
		op, evType = h.svc.UnpinMessage, ws.EventMessageUnpinned
	}
	msg, changed, err := op(r.Context(), roomID, msgID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if changed {
		h.rt.BroadcastToRoom(r.Context(), roomID, evType, ws.PinPayload{RoomID: roomID, MessageID: msgID, UserID: userID, Message: msg})
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) GetPinned(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	msgs, err := h.svc.ListPinned(r.Context(), roomID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// DeleteMessage удаляет сообщение и рассылает новое последнее сообщение комнаты.
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomId")
	if !ok {
		return
	}
	msgID, ok := pathID(w, r, "messageId")
	if !ok {
		return
	}
	if err := h.svc.DeleteMessage(r.Context(), roomID, msgID, userID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.rt.PublishMessageDeleted(r.Context(), roomID, msgID)
	w.WriteHeader(http.StatusNoContent)
}
