package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/observability"
	"github.com/notehub/chat/internal/service"
)

var (
	errMalformed    = &service.Error{Kind: service.KindValidation, Message: "malformed frame"}
	errUnknownEvent = &service.Error{Kind: service.KindValidation, Message: "unknown event type"}
	errRoomRequired = &service.Error{Kind: service.KindValidation, Message: "roomId is required"}
	errMsgRequired  = &service.Error{Kind: service.KindValidation, Message: "messageId is required"}
)

// ConnContext identifies the connection an event arrived on.
type ConnContext struct {
	UserID   int64
	Username string
	ConnID   string
	client   *Client
}

// Result is what every event handler returns. Err becomes a negative ack to the
// originating connection only; Data is returned in a positive ack.
type Result struct {
	Data any
	Err  error
}

// HandlerFunc handles one inbound event type.
type HandlerFunc func(ctx context.Context, conn *ConnContext, payload json.RawMessage) Result

func (h *Hub) routes() map[EventType]HandlerFunc {
	return map[EventType]HandlerFunc{
		EventJoin:        h.handleJoin,
		EventLeave:       h.handleLeave,
		EventSendMessage: h.handleSendMessage,
		EventTyping:      h.handleTyping,
		EventRead:        h.handleRead,
		EventMessageRead: h.handleMessageRead,
		EventReactionAdd: h.handleReaction(true),
		EventReactionRem: h.handleReaction(false),
		EventPin:         h.handlePin(true),
		EventUnpin:       h.handlePin(false),
		EventTheme:       h.handleTheme,
		EventStatus:      h.handleStatus,
	}
}

// HandleMessage dispatches an inbound frame and acknowledges it. An ack is sent when
// the frame carries an ack id, and always on error.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	cc := &ConnContext{UserID: c.userID, Username: c.username, ConnID: c.id, client: c}
	res := h.Dispatch(ctx, cc, msg.Type, msg.Payload)
	if res.Err != nil || msg.Ack != nil {
		h.sendToClient(c, ackFrame(msg.Ack, res, service.PublicMessage(res.Err)))
	}
}

// Dispatch runs the handler for evType. Panics become internal errors.
func (h *Hub) Dispatch(ctx context.Context, cc *ConnContext, evType EventType, payload json.RawMessage) (res Result) {
	start := time.Now()
	handler, ok := h.handlers[evType]
	if !ok {
		observability.WSEvents().WithLabelValues("unknown", string(service.KindValidation)).Inc()
		return Result{Err: errUnknownEvent}
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("ws panic in %s user=%d: %v", evType, cc.UserID, r)
			res = Result{Err: &service.Error{Kind: service.KindInternal, Message: service.ErrInternal.Message, Err: fmt.Errorf("panic: %v", r)}}
		}
		result := "ok"
		if res.Err != nil {
			result = string(service.KindOf(res.Err))
			if service.KindOf(res.Err) == service.KindInternal {
				logger.Errorf("ws %s user=%d: %v", evType, cc.UserID, res.Err)
			}
		}
		observability.WSEvents().WithLabelValues(string(evType), result).Inc()
		logger.LogDuration("ws."+string(evType), start)
	}()

	return handler(ctx, cc, payload)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errMalformed
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errMalformed
	}
	return v, nil
}

// allow applies the per-user event limit. Limiter failures let the event through.
func (h *Hub) allow(ctx context.Context, kind string, userID int64) error {
	if h.limiter == nil || h.opts.EventLimit <= 0 {
		return nil
	}
	ok, err := h.limiter.Allow(ctx, "ws:"+kind+":"+strconv.FormatInt(userID, 10), h.opts.EventLimit, h.opts.EventWindow)
	if err != nil {
		logger.Errorf("ws rate limit %s user=%d: %v", kind, userID, err)
		return nil
	}
	if !ok {
		return service.ErrRateLimited
	}
	return nil
}

func (h *Hub) handleJoin(ctx context.Context, cc *ConnContext, payload json.RawMessage) Result {
	p, err := decode[roomPayload](payload)
	if err != nil {
		return Result{Err: err}
	}
	if p.RoomID <= 0 {
		return Result{Err: errRoomRequired}
	}
	if err := h.svc.IsParticipant(ctx, p.RoomID, cc.UserID); err != nil {
		return Result{Err: err}
	}
	if cc.client != nil {
		h.joinRoom(cc.client, p.RoomID)
	}
	return Result{Data: roomPayload{RoomID: p.RoomID}}
}

func (h *Hub) handleLeave(_ context.Context, cc *ConnContext, payload json.RawMessage) Result {
	p, err := decode[roomPayload](payload)
	if err != nil {
		return Result{Err: err}
	}
	if cc.client != nil {
		h.leaveRoom(cc.client, p.RoomID)
	}
	return Result{Data: roomPayload{RoomID: p.RoomID}}
}

func (h *Hub) handleSendMessage(ctx context.Context, cc *ConnContext, payload json.RawMessage) Result {
	p, err := decode[sendPayload](payload)
	if err != nil {
		return Result{Err: err}
	}
	if p.RoomID <= 0 {
		return Result{Err: errRoomRequired}
	}
	if err := h.allow(ctx, "send", cc.UserID); err != nil {
		return Result{Err: err}
	}
	msg, err := h.SendMessage(ctx, p.RoomID, cc.UserID, p.Message, p.PhotoURL, "ws")
	if err != nil {
		return Result{Err: err}
	}
	return Result{Data: msg}
}

func (h *Hub) handleTyping(ctx context.Context, cc *ConnContext, payload json.RawMessage) Result {
	p, err := decode[typingPayload](payload)
	if err != nil {
		return Result{Err: err}
	}
	if p.RoomID <= 0 {
		return Result{Err: errRoomRequired}
	}
	if err := h.allow(ctx, "typing", cc.UserID); err != nil {
		return Result{Err: err}
	}
	if err := h.svc.IsParticipant(ctx, p.RoomID, cc.UserID); err != nil {
		return Result{Err: err}
	}
	h.sendToRoomChannel(p.RoomID, cc.UserID, OutgoingMessage{Type: EventTyping, Payload: TypingPayload{
		RoomID:   p.RoomID,
		UserID:   cc.UserID,
		Username: cc.Username,
		IsTyping: p.IsTyping,
	}})
	return Result{}
}

func (h *Hub) handleRead(ctx context.Context, cc *ConnContext, payload json.RawMessage) Result {
	p, err := decode[roomPayload](payload)
	if err != nil {
		return Result{Err: err}
	}
	if p.RoomID <= 0 {
		return Result{Err: errRoomRequired}
	}
	readAt, err := h.svc.MarkRead(ctx, p.RoomID, cc.UserID)
	if err != nil {
		return Result{Err: err}
	}
	out := ReadPayload{RoomID: p.RoomID, UserID: cc.UserID, ReadAt: readAt}
	h.BroadcastToRoom(ctx, p.RoomID, EventRead, out)
	return Result{Data: out}
}

func (h *Hub) handleMessageRead(ctx context.Context, cc *ConnContext, payload json.RawMessage) Result {
	p, err := decode[messageRefPayload](payload)
	if err != nil {
		return Result{Err: err}
	}
	if err := validateRef(p.RoomID, p.MessageID); err != nil {
		return Result{Err: err}
	}
	rr, err := h.svc.RecordView(ctx, p.RoomID, p.MessageID, cc.UserID)
	if err != nil {
		return Result{Err: err}
	}
	if rr == nil {
		return Result{}
	}
	out := MessageReadPayload{RoomID: p.RoomID, MessageID: p.MessageID, UserID: cc.UserID, ReadAt: rr.ReadAt}
	h.BroadcastToRoom(ctx, p.RoomID, EventMessageRead, out)
	return Result{Data: out}
}

func (h *Hub) handleReaction(add bool) HandlerFunc {
	return func(ctx context.Context, cc *ConnContext, payload json.RawMessage) Result {
		p, err := decode[reactionPayload](payload)
		if err != nil {
			return Result{Err: err}
		}
		if err := validateRef(p.RoomID, p.MessageID); err != nil {
			return Result{Err: err}
		}
		op, evType := h.svc.AddReaction, EventReactionAdded
		if !add {
			op, evType = h.svc.RemoveReaction, EventReactionRemoved
		}
		changed, err := op(ctx, p.RoomID, p.MessageID, cc.UserID, p.Emoji)
		if err != nil {
			return Result{Err: err}
		}
		out := ReactionPayload{RoomID: p.RoomID, MessageID: p.MessageID, UserID: cc.UserID, Username: cc.Username, Emoji: p.Emoji}
		if changed {
			h.BroadcastToRoom(ctx, p.RoomID, evType, out)
		}
		return Result{Data: out}
	}
}

func (h *Hub) handlePin(pin bool) HandlerFunc {
	return func(ctx context.Context, cc *ConnContext, payload json.RawMessage) Result {
		p, err := decode[messageRefPayload](payload)
		if err != nil {
			return Result{Err: err}
		}
		if err := validateRef(p.RoomID, p.MessageID); err != nil {
			return Result{Err: err}
		}
		op, evType := h.svc.PinMessage, EventMessagePinned
		if !pin {
			op, evType = h.svc.UnpinMessage, EventMessageUnpinned
		}
		msg, changed, err := op(ctx, p.RoomID, p.MessageID, cc.UserID)
		if err != nil {
			return Result{Err: err}
		}
		out := PinPayload{RoomID: p.RoomID, MessageID: p.MessageID, UserID: cc.UserID, Message: msg}
		if changed {
			h.BroadcastToRoom(ctx, p.RoomID, evType, out)
		}
		return Result{Data: out}
	}
}

func (h *Hub) handleTheme(ctx context.Context, cc *ConnContext, payload json.RawMessage) Result {
	p, err := decode[themePayload](payload)
	if err != nil {
		return Result{Err: err}
	}
	if p.RoomID <= 0 {
		return Result{Err: errRoomRequired}
	}
	theme, err := h.svc.SetTheme(ctx, p.RoomID, cc.UserID, p.Theme)
	if err != nil {
		return Result{Err: err}
	}
	out := ThemePayload{RoomID: p.RoomID, Theme: theme, UserID: cc.UserID}
	h.BroadcastToRoom(ctx, p.RoomID, EventThemeUpdated, out)
	return Result{Data: out}
}

func (h *Hub) handleStatus(ctx context.Context, cc *ConnContext, payload json.RawMessage) Result {
	p, err := decode[statusPayload](payload)
	if err != nil {
		return Result{Err: err}
	}
	if err := h.svc.SetStatus(ctx, cc.UserID, p.Status); err != nil {
		return Result{Err: err}
	}
	h.PublishStatus(ctx, cc.UserID, p.Status)
	return Result{Data: UserStatusPayload{UserID: cc.UserID, Status: p.Status}}
}

func validateRef(roomID, messageID int64) error {
	if roomID <= 0 {
		return errRoomRequired
	}
	if messageID <= 0 {
		return errMsgRequired
	}
	return nil
}
