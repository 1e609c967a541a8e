package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/model"
	"github.com/notehub/chat/internal/ws"
)

const (
	defaultPageSize     = 50
	defaultReadDebounce = 300 * time.Millisecond
)

var ErrNoRoomSelected = errors.New("no room selected")

// Notification is raised for a message from someone else in a room that is not on screen.
type Notification struct {
	RoomID     int64
	MessageID  int64
	SenderID   int64
	SenderName string
	Preview    string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize sets the history page size.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithReadDebounce sets how long incoming messages in the open room are collected before
// the read watermark is advanced for them.
func WithReadDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.readDebounce = d
		}
	}
}

// WithNotifier sets the callback for notifications. It is called without the engine lock held.
func WithNotifier(fn func(Notification)) Option {
	return func(e *Engine) { e.notify = fn }
}

// WithOnChange sets a callback invoked after every state change.
func WithOnChange(fn func(State)) Option {
	return func(e *Engine) { e.onChange = fn }
}

// Engine is one user's chat session. User actions return their errors and also record
// them in State.Error; socket events never return errors.
type Engine struct {
	api  API
	sock Socket

	pageSize     int
	readDebounce time.Duration
	notify       func(Notification)
	onChange     func(State)

	// selMu serializes room channel transitions; joined is the room the socket was last joined to.
	selMu  sync.Mutex
	joined int64

	mu    sync.Mutex
	state State
	// gen changes on every room selection; responses started under another gen are dropped.
	gen uint64
	// selecting is true between RoomSelected and the end of the initial load.
	selecting bool
	// raced records that a message for the room arrived while it was being selected.
	raced bool
	// readTimer is the pending watermark update for live messages in the open room.
	readTimer *time.Timer
}

func NewEngine(self int64, api API, sock Socket, opts ...Option) *Engine {
	e := &Engine{
		api:          api,
		sock:         sock,
		pageSize:     defaultPageSize,
		readDebounce: defaultReadDebounce,
		state:        NewState(self),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State returns a snapshot. Slices and maps in it must not be modified.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) dispatch(a Action) State {
	e.mu.Lock()
	e.state = Reduce(e.state, a)
	s := e.state
	e.mu.Unlock()
	if e.onChange != nil {
		e.onChange(s)
	}
	return s
}

// dispatchIf applies a only while gen is still current.
func (e *Engine) dispatchIf(gen uint64, a Action) bool {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return false
	}
	e.state = Reduce(e.state, a)
	s := e.state
	e.mu.Unlock()
	if e.onChange != nil {
		e.onChange(s)
	}
	return true
}

func (e *Engine) current() (roomID int64, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.SelectedRoomID, e.gen
}

func (e *Engine) fail(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	e.dispatch(ErrorSet{Err: err.Error()})
	return err
}

// Bootstrap loads the room list and who is online.
func (e *Engine) Bootstrap(ctx context.Context) error {
	rooms, err := e.api.ListRooms(ctx)
	if err != nil {
		return e.fail("load rooms", err)
	}
	e.dispatch(RoomsLoaded{Rooms: rooms})
	online, err := e.api.OnlineUsers(ctx)
	if err != nil {
		return e.fail("load presence", err)
	}
	for _, id := range online {
		e.dispatch(PresenceChanged{UserID: id, Online: true})
	}
	return nil
}

// SelectRoom switches the view to roomID: leaves the old room channel, joins the new one,
// loads history and pins, and marks the room read. A newer selection makes this one's
// results stale; they are dropped on arrival.
func (e *Engine) SelectRoom(ctx context.Context, roomID int64) error {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.selecting, e.raced = true, false
	e.stopReadTimer()
	e.state = Reduce(e.state, RoomSelected{RoomID: roomID})
	s := e.state
	e.mu.Unlock()
	if e.onChange != nil {
		e.onChange(s)
	}
	defer e.endSelect(gen)

	if !e.switchChannel(ctx, gen, roomID) {
		return nil
	}

	page, err := e.api.ListMessages(ctx, roomID, e.pageSize, 0)
	if err != nil {
		if !e.isCurrent(gen) {
			return nil
		}
		return e.fail("load messages", err)
	}
	if !e.dispatchIf(gen, MessagesLoaded{RoomID: roomID, Messages: oldestFirst(page), HasMore: len(page) == e.pageSize}) {
		return nil
	}

	if pinned, err := e.api.ListPinned(ctx, roomID); err != nil {
		logger.Errorf("chatclient: load pinned room=%d: %v", roomID, err)
	} else {
		e.dispatchIf(gen, PinnedLoaded{RoomID: roomID, Messages: pinned})
	}

	if err := e.markRead(ctx, roomID); err != nil {
		if !e.isCurrent(gen) {
			return nil
		}
		return e.fail("mark read", err)
	}
	e.dispatchIf(gen, RoomRead{RoomID: roomID})

	e.mu.Lock()
	raced := e.gen == gen && e.raced
	e.raced = false
	e.mu.Unlock()
	if raced {
		// A message landed mid-switch; let the server settle the unread count.
		if err := e.markRead(ctx, roomID); err != nil {
			logger.Errorf("chatclient: re-mark read room=%d: %v", roomID, err)
		}
		if rooms, err := e.api.ListRooms(ctx); err == nil {
			e.dispatchIf(gen, RoomsLoaded{Rooms: rooms})
		}
	}
	return nil
}

// switchChannel leaves the previously joined room and joins roomID. It reports false when a
// newer selection took over; the socket is then left for that selection to join.
func (e *Engine) switchChannel(ctx context.Context, gen uint64, roomID int64) bool {
	e.selMu.Lock()
	defer e.selMu.Unlock()
	if !e.isCurrent(gen) {
		return false
	}
	if e.joined != 0 && e.joined != roomID {
		e.emit(ctx, ws.EventLeave, map[string]int64{"roomId": e.joined})
	}
	e.emit(ctx, ws.EventJoin, map[string]int64{"roomId": roomID})
	e.joined = roomID
	if !e.isCurrent(gen) {
		e.emit(ctx, ws.EventLeave, map[string]int64{"roomId": roomID})
		e.joined = 0
		return false
	}
	return true
}

func (e *Engine) endSelect(gen uint64) {
	e.mu.Lock()
	if e.gen == gen {
		e.selecting = false
	}
	e.mu.Unlock()
}

func (e *Engine) isCurrent(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen
}

// markRead advances the watermark over REST and over the socket; both are idempotent.
func (e *Engine) markRead(ctx context.Context, roomID int64) error {
	if err := e.api.MarkRead(ctx, roomID); err != nil {
		return err
	}
	e.emit(ctx, ws.EventRead, map[string]int64{"roomId": roomID})
	return nil
}

func (e *Engine) emit(ctx context.Context, evType ws.EventType, payload any) {
	if e.sock == nil || !e.sock.Connected() {
		return
	}
	if err := e.sock.Emit(ctx, evType, payload); err != nil {
		logger.Debugf("chatclient: emit %s: %v", evType, err)
	}
}

// LoadMoreMessages fetches the page before the oldest loaded message.
func (e *Engine) LoadMoreMessages(ctx context.Context) error {
	e.mu.Lock()
	roomID, gen := e.state.SelectedRoomID, e.gen
	offset, hasMore := len(e.state.Messages), e.state.HasMore
	e.mu.Unlock()
	if roomID == 0 {
		return ErrNoRoomSelected
	}
	if !hasMore {
		return nil
	}
	page, err := e.api.ListMessages(ctx, roomID, e.pageSize, offset)
	if err != nil {
		if !e.isCurrent(gen) {
			return nil
		}
		return e.fail("load older messages", err)
	}
	e.dispatchIf(gen, OlderMessagesLoaded{RoomID: roomID, Messages: oldestFirst(page), HasMore: len(page) == e.pageSize})
	return nil
}

// SendMessage posts to the selected room, over the socket when connected and over REST otherwise.
func (e *Engine) SendMessage(ctx context.Context, body string, photoURL *string) (*model.Message, error) {
	roomID, _ := e.current()
	if roomID == 0 {
		return nil, ErrNoRoomSelected
	}
	var msg *model.Message
	if e.sock != nil && e.sock.Connected() {
		payload := struct {
			RoomID   int64   `json:"roomId"`
			Message  string  `json:"message"`
			PhotoURL *string `json:"photoUrl,omitempty"`
		}{roomID, body, photoURL}
		data, err := e.sock.Request(ctx, ws.EventSendMessage, payload)
		if err != nil {
			return nil, e.fail("send message", err)
		}
		msg = new(model.Message)
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, e.fail("send message", err)
		}
	} else {
		m, err := e.api.SendMessage(ctx, roomID, body, photoURL)
		if err != nil {
			return nil, e.fail("send message", err)
		}
		msg = m
	}
	e.dispatch(MessageReceived{Message: *msg})
	return msg, nil
}

// DeleteMessage removes a message and takes the room's new last message from the server.
func (e *Engine) DeleteMessage(ctx context.Context, roomID, messageID int64) error {
	if err := e.api.DeleteMessage(ctx, roomID, messageID); err != nil {
		return e.fail("delete message", err)
	}
	e.dispatch(MessageRemoved{RoomID: roomID, MessageID: messageID})
	last, err := e.api.LastMessage(ctx, roomID)
	if err != nil {
		return e.fail("load last message", err)
	}
	e.dispatch(RoomLastMessageSet{RoomID: roomID, Message: last})
	return nil
}

func (e *Engine) PinMessage(ctx context.Context, messageID int64) error {
	return e.pin(ctx, messageID, true)
}

func (e *Engine) UnpinMessage(ctx context.Context, messageID int64) error {
	return e.pin(ctx, messageID, false)
}

func (e *Engine) pin(ctx context.Context, messageID int64, pin bool) error {
	roomID, _ := e.current()
	if roomID == 0 {
		return ErrNoRoomSelected
	}
	op, name := e.api.PinMessage, "pin message"
	if !pin {
		op, name = e.api.UnpinMessage, "unpin message"
	}
	if err := op(ctx, roomID, messageID); err != nil {
		return e.fail(name, err)
	}
	return e.refreshPinned(ctx, roomID)
}

func (e *Engine) refreshPinned(ctx context.Context, roomID int64) error {
	sel, gen := e.current()
	if sel != roomID {
		return nil
	}
	pinned, err := e.api.ListPinned(ctx, roomID)
	if err != nil {
		return e.fail("load pinned", err)
	}
	e.dispatchIf(gen, PinnedLoaded{RoomID: roomID, Messages: pinned})
	return nil
}

func (e *Engine) React(ctx context.Context, messageID int64, emoji string) error {
	return e.react(ctx, messageID, emoji, true)
}

func (e *Engine) Unreact(ctx context.Context, messageID int64, emoji string) error {
	return e.react(ctx, messageID, emoji, false)
}

func (e *Engine) react(ctx context.Context, messageID int64, emoji string, add bool) error {
	roomID, _ := e.current()
	if roomID == 0 {
		return ErrNoRoomSelected
	}
	op, name := e.api.AddReaction, "add reaction"
	if !add {
		op, name = e.api.RemoveReaction, "remove reaction"
	}
	if err := op(ctx, roomID, messageID, emoji); err != nil {
		return e.fail(name, err)
	}
	e.dispatch(ReactionChanged{RoomID: roomID, MessageID: messageID, UserID: e.State().Self, Emoji: emoji, Added: add})
	return nil
}

// SetTyping tells the selected room whether the user is typing.
func (e *Engine) SetTyping(ctx context.Context, isTyping bool) {
	roomID, _ := e.current()
	if roomID == 0 {
		return
	}
	e.emit(ctx, ws.EventTyping, struct {
		RoomID   int64 `json:"roomId"`
		IsTyping bool  `json:"isTyping"`
	}{roomID, isTyping})
}

func (e *Engine) SetTheme(ctx context.Context, theme string) error {
	roomID, _ := e.current()
	if roomID == 0 {
		return ErrNoRoomSelected
	}
	if err := e.api.SetTheme(ctx, roomID, theme); err != nil {
		return e.fail("set theme", err)
	}
	e.dispatch(RoomThemeChanged{RoomID: roomID, Theme: theme})
	return nil
}

// StartDirectChat opens the direct room with userID, creating it when none exists.
// The room list is re-fetched first so a room created elsewhere is reused.
func (e *Engine) StartDirectChat(ctx context.Context, userID int64) (int64, error) {
	rooms, err := e.api.ListRooms(ctx)
	if err != nil {
		return 0, e.fail("load rooms", err)
	}
	e.dispatch(RoomsLoaded{Rooms: rooms})
	self := e.State().Self
	for i := range rooms {
		r := &rooms[i]
		if !r.IsGroup && r.HasParticipant(userID) && r.HasParticipant(self) {
			return r.ID, e.SelectRoom(ctx, r.ID)
		}
	}
	room, err := e.api.CreateDirectRoom(ctx, userID)
	if err != nil {
		return 0, e.fail("create direct room", err)
	}
	e.dispatch(RoomUpserted{Room: *room})
	return room.ID, e.SelectRoom(ctx, room.ID)
}

func (e *Engine) CreateGroup(ctx context.Context, name string, participantIDs []int64) (int64, error) {
	room, err := e.api.CreateGroupRoom(ctx, name, participantIDs)
	if err != nil {
		return 0, e.fail("create group", err)
	}
	e.dispatch(RoomUpserted{Room: *room})
	return room.ID, e.SelectRoom(ctx, room.ID)
}

func (e *Engine) DeleteRoom(ctx context.Context, roomID int64) error {
	if err := e.api.DeleteRoom(ctx, roomID); err != nil {
		return e.fail("delete room", err)
	}
	e.dispatch(RoomRemoved{RoomID: roomID})
	return nil
}

// GetUserStatus is what the UI shows for a user: offline without a live connection,
// otherwise the user's manual status, defaulting to online.
func (e *Engine) GetUserStatus(userID int64) model.UserStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Online[userID] {
		return model.StatusOffline
	}
	if st := e.state.Statuses[userID]; st != "" && st != model.StatusOnline {
		return st
	}
	return model.StatusOnline
}

// SetConnected is wired to the socket's state callback. After a reconnect the room list is
// refreshed and the selected room rejoined.
func (e *Engine) SetConnected(ctx context.Context, connected bool) {
	e.dispatch(ConnectionChanged{Connected: connected})
	if !connected {
		return
	}
	if rooms, err := e.api.ListRooms(ctx); err != nil {
		logger.Errorf("chatclient: resync rooms: %v", err)
	} else {
		e.dispatch(RoomsLoaded{Rooms: rooms})
	}
	if roomID, gen := e.current(); roomID != 0 {
		e.switchChannel(ctx, gen, roomID)
	}
}

// HandleEvent applies one server event. Failures are logged and recorded, never returned.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) {
	if err := e.handleEvent(ctx, ev); err != nil {
		logger.Errorf("chatclient: event %s: %v", ev.Type, err)
		e.dispatch(ErrorSet{Err: fmt.Sprintf("%s: %v", ev.Type, err)})
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case ws.EventMessage:
		var p ws.MessagePayload
		if err := decode(ev.Payload, &p); err != nil {
			return err
		}
		if p.Message == nil {
			return errors.New("message missing")
		}
		e.onMessage(ctx, *p.Message)

	case ws.EventTyping:
		var p ws.TypingPayload
		if err := decode(ev.Payload, &p); err != nil {
			return err
		}
		e.dispatch(TypingChanged{RoomID: p.RoomID, UserID: p.UserID, Username: p.Username, IsTyping: p.IsTyping})

	case ws.EventRead:
		var p ws.ReadPayload
		if err := decode(ev.Payload, &p); err != nil {
			return err
		}
		// Own watermark moved on another device.
		if p.UserID == e.State().Self {
			e.dispatch(RoomRead{RoomID: p.RoomID})
		}

	case ws.EventMessageRead:
		var p ws.MessageReadPayload
		if err := decode(ev.Payload, &p); err != nil {
			return err
		}
		if p.UserID != e.State().Self {
			e.dispatch(MessageSeen{RoomID: p.RoomID, MessageID: p.MessageID})
		}

	case ws.EventReactionAdded, ws.EventReactionRemoved:
		var p ws.ReactionPayload
		if err := decode(ev.Payload, &p); err != nil {
			return err
		}
		e.dispatch(ReactionChanged{
			RoomID: p.RoomID, MessageID: p.MessageID, UserID: p.UserID,
			Username: p.Username, Emoji: p.Emoji, Added: ev.Type == ws.EventReactionAdded,
		})

	case ws.EventMessagePinned, ws.EventMessageUnpinned:
		var p ws.PinPayload
		if err := decode(ev.Payload, &p); err != nil {
			return err
		}
		return e.refreshPinned(ctx, p.RoomID)

	case ws.EventMessageDeleted:
		var p ws.MessageDeletedPayload
		if err := decode(ev.Payload, &p); err != nil {
			return err
		}
		e.dispatch(MessageRemoved{RoomID: p.RoomID, MessageID: p.MessageID})
		e.dispatch(RoomLastMessageSet{RoomID: p.RoomID, Message: p.LastMessage})

	case ws.EventThemeUpdated:
		var p ws.ThemePayload
		if err := decode(ev.Payload, &p); err != nil {
			return err
		}
		e.dispatch(RoomThemeChanged{RoomID: p.RoomID, Theme: p.Theme})

	case ws.EventRoomCreated:
		var room model.RoomSummary
		if err := decode(ev.Payload, &room); err != nil {
			return err
		}
		e.dispatch(RoomUpserted{Room: room})

	case ws.EventRoomDeleted:
		var p ws.RoomPayload
		if err := decode(ev.Payload, &p); err != nil {
			return err
		}
		if p.UserID == 0 || p.UserID == e.State().Self {
			e.dispatch(RoomRemoved{RoomID: p.RoomID})
		}

	case ws.EventParticipants:
		rooms, err := e.api.ListRooms(ctx)
		if err != nil {
			return err
		}
		e.dispatch(RoomsLoaded{Rooms: rooms})

	case ws.EventUserOnline, ws.EventUserOffline:
		var p ws.UserStatusPayload
		if err := decode(ev.Payload, &p); err != nil {
			return err
		}
		online := ev.Type == ws.EventUserOnline
		status := p.Status
		if !online {
			status = ""
		}
		e.dispatch(PresenceChanged{UserID: p.UserID, Online: online, Status: status})

	case ws.EventStatus:
		var p ws.UserStatusPayload
		if err := decode(ev.Payload, &p); err != nil {
			return err
		}
		e.dispatch(StatusChanged{UserID: p.UserID, Status: p.Status})

	default:
		logger.Debugf("chatclient: ignoring event %s", ev.Type)
	}
	return nil
}

func (e *Engine) onMessage(ctx context.Context, m model.Message) {
	e.mu.Lock()
	selected := e.state.SelectedRoomID
	self := e.state.Self
	_, known := e.state.Room(m.RoomID)
	if m.RoomID == selected && e.selecting {
		e.raced = true
	} else if m.RoomID == selected && m.SenderID != self {
		e.scheduleReadLocked(ctx, selected)
	}
	e.mu.Unlock()

	e.dispatch(MessageReceived{Message: m})

	if !known {
		// A room we have not seen yet; pull the list so it shows up.
		if rooms, err := e.api.ListRooms(ctx); err == nil {
			e.dispatch(RoomsLoaded{Rooms: rooms})
		} else {
			logger.Errorf("chatclient: refresh rooms: %v", err)
		}
	}
	if m.RoomID != selected && m.SenderID != self && e.notify != nil {
		n := Notification{RoomID: m.RoomID, MessageID: m.ID, SenderID: m.SenderID, Preview: m.Body}
		if m.Sender != nil {
			n.SenderName = m.Sender.Username
		}
		e.notify(n)
	}
}

// scheduleReadLocked advances the watermark for the open room once incoming messages go quiet.
// The update is dropped if another room is selected first. Caller holds e.mu.
func (e *Engine) scheduleReadLocked(ctx context.Context, roomID int64) {
	e.stopReadTimer()
	gen := e.gen
	e.readTimer = time.AfterFunc(e.readDebounce, func() {
		if !e.isCurrent(gen) || ctx.Err() != nil {
			return
		}
		if err := e.markRead(ctx, roomID); err != nil {
			logger.Errorf("chatclient: mark read room=%d: %v", roomID, err)
			return
		}
		e.dispatchIf(gen, RoomRead{RoomID: roomID})
	})
}

// stopReadTimer cancels a pending watermark update. Caller holds e.mu.
func (e *Engine) stopReadTimer() {
	if e.readTimer != nil {
		e.readTimer.Stop()
		e.readTimer = nil
	}
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, dst)
}

// oldestFirst reverses a newest-first page.
func oldestFirst(page []model.Message) []model.Message {
	out := make([]model.Message, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out
}
