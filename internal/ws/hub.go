package ws

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/model"
	"github.com/notehub/chat/internal/observability"
	"github.com/notehub/chat/internal/push"
	"github.com/notehub/chat/internal/storage"
)

const (
	roomLockStripes = 64
	eventTimeout    = 5 * time.Second
)

// ChatService is the subset of service.ChatService the gateway calls.
type ChatService interface {
	AppendMessage(ctx context.Context, roomID, senderID int64, body string, photoURL *string) (*model.Message, error)
	MarkRead(ctx context.Context, roomID, userID int64) (time.Time, error)
	RecordView(ctx context.Context, roomID, messageID, userID int64) (*model.ReadReceipt, error)
	AddReaction(ctx context.Context, roomID, messageID, userID int64, emoji string) (bool, error)
	RemoveReaction(ctx context.Context, roomID, messageID, userID int64, emoji string) (bool, error)
	PinMessage(ctx context.Context, roomID, messageID, userID int64) (*model.Message, bool, error)
	UnpinMessage(ctx context.Context, roomID, messageID, userID int64) (*model.Message, bool, error)
	SetTheme(ctx context.Context, roomID, userID int64, theme string) (string, error)
	SetStatus(ctx context.Context, userID int64, status model.UserStatus) error
	IsParticipant(ctx context.Context, roomID, userID int64) error
	RoomParticipantIDs(ctx context.Context, roomID int64) ([]int64, error)
	RoomLastMessage(ctx context.Context, roomID int64) (*model.Message, error)
	Contacts(ctx context.Context, userID int64) ([]int64, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
}

// Notifier delivers push notifications to users without a live connection.
type Notifier interface {
	NotifyAsync(userIDs []int64, n push.Notification)
}

// Options configures connection limits and per-user event rate.
type Options struct {
	MaxConnections int
	SendBufferSize int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	// EventLimit events of chat:message:send (and separately chat:typing) per EventWindow per user.
	EventLimit  int
	EventWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 10000
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = defaultSendBufSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteWait
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.EventWindow <= 0 {
		o.EventWindow = time.Second
	}
	return o
}

// Hub owns every live connection, the room channels and the presence table.
// Connections are added and removed only by the Run loop.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
	rooms   map[int64]map[*Client]struct{}
	total   int

	presence *Presence
	svc      ChatService
	limiter  storage.Limiter
	notifier Notifier
	opts     Options
	handlers map[EventType]HandlerFunc

	// roomLocks order commit and enqueue of messages within a room.
	roomLocks [roomLockStripes]sync.Mutex

	// presSeq numbers each user's presence transitions; a broadcast is sent only if no
	// newer transition for the user has been made by the time its lookups finish.
	presMu  sync.Mutex
	presSeq map[int64]uint64
	presWG  sync.WaitGroup

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub creates a hub. limiter and notifier may be nil.
func NewHub(svc ChatService, limiter storage.Limiter, notifier Notifier, opts Options) *Hub {
	h := &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		rooms:      make(map[int64]map[*Client]struct{}),
		presence:   NewPresence(),
		presSeq:    make(map[int64]uint64),
		svc:        svc,
		limiter:    limiter,
		notifier:   notifier,
		opts:       opts.withDefaults(),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
	h.handlers = h.routes()
	observability.RegisterMetrics()
	return h
}

// Run processes connects and disconnects until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Done is closed after Run has returned and all connections are closed.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[int64]map[*Client]struct{})
	h.rooms = make(map[int64]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	h.presence.Reset()
	observability.WSConnections().Set(0)

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
	h.presWG.Wait()
	logger.Infof("ws hub stopped, closed %d connections", len(allClients))
}

func (h *Hub) addClient(c *Client) {
	select {
	case <-c.done:
		// Unregistered (or closed) before its registration was processed.
		return
	default:
	}
	h.mu.Lock()
	if h.total >= h.opts.MaxConnections {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%d", h.opts.MaxConnections, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	observability.WSConnections().Inc()

	if h.presence.Add(c.userID, c.id) {
		h.announcePresence(c.userID, true)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, exists := h.clients[c.userID][c]; !exists {
		h.mu.Unlock()
		// Closing marks it so a late Register is ignored.
		c.Close()
		return
	}
	clients := h.clients[c.userID]
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	for roomID := range c.rooms {
		h.leaveRoomLocked(c, roomID)
	}
	h.mu.Unlock()
	observability.WSConnections().Dec()

	// Network I/O outside the lock.
	c.Close()

	if h.presence.Remove(c.userID, c.id) {
		h.announcePresence(c.userID, false)
	}
}

// announcePresence broadcasts a transition off the Run loop, since it needs store lookups.
func (h *Hub) announcePresence(userID int64, online bool) {
	h.presMu.Lock()
	h.presSeq[userID]++
	seq := h.presSeq[userID]
	h.presMu.Unlock()

	h.presWG.Add(1)
	go func() {
		defer h.presWG.Done()
		h.broadcastPresence(userID, online, seq)
	}()
}

// broadcastPresence tells everyone who shares a room with the user about an online/offline transition.
// It is dropped if a newer transition for the user was announced meanwhile.
func (h *Hub) broadcastPresence(userID int64, online bool, seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	contacts, err := h.svc.Contacts(ctx, userID)
	if err != nil {
		logger.Errorf("ws contacts for presence user=%d: %v", userID, err)
		return
	}
	out := OutgoingMessage{Type: EventUserOffline, Payload: UserStatusPayload{UserID: userID}}
	if online {
		status := model.StatusOnline
		if u, err := h.svc.GetUser(ctx, userID); err == nil && u.Status != "" && u.Status != model.StatusOffline {
			status = u.Status
		}
		out = OutgoingMessage{Type: EventUserOnline, Payload: UserStatusPayload{UserID: userID, Status: status}}
	}

	h.presMu.Lock()
	defer h.presMu.Unlock()
	if h.presSeq[userID] != seq {
		return
	}
	h.sendToUsers(contacts, out)
}

// --- room channels ---

func (h *Hub) joinRoom(c *Client, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[roomID]
	if !ok {
		set = make(map[*Client]struct{})
		h.rooms[roomID] = set
	}
	set[c] = struct{}{}
	c.rooms[roomID] = struct{}{}
}

func (h *Hub) leaveRoom(c *Client, roomID int64) {
	h.mu.Lock()
	h.leaveRoomLocked(c, roomID)
	h.mu.Unlock()
}

func (h *Hub) leaveRoomLocked(c *Client, roomID int64) {
	delete(c.rooms, roomID)
	set, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.rooms, roomID)
	}
}

// DropFromRoom unsubscribes every connection of the user from the room channel.
func (h *Hub) DropFromRoom(roomID, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[userID] {
		h.leaveRoomLocked(c, roomID)
	}
}

// CloseRoom unsubscribes everyone from a deleted room.
func (h *Hub) CloseRoom(roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[roomID] {
		delete(c.rooms, roomID)
	}
	delete(h.rooms, roomID)
}

// --- presence queries ---

func (h *Hub) Online(userID int64) bool { return h.presence.Online(userID) }

func (h *Hub) OnlineUsers() []int64 { return h.presence.OnlineUsers() }

// --- fan-out ---

// SendMessage appends a message and fans it out to every live connection of every
// participant. Commit and enqueue happen under the room's lock, so all connections
// see a room's messages in commit order. A failed append is never broadcast.
func (h *Hub) SendMessage(ctx context.Context, roomID, senderID int64, body string, photoURL *string, transport string) (*model.Message, error) {
	defer logger.DeferLogDuration("ws.SendMessage", time.Now())()
	mu := h.roomLock(roomID)
	mu.Lock()
	msg, err := h.svc.AppendMessage(ctx, roomID, senderID, body, photoURL)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	ids, err := h.svc.RoomParticipantIDs(ctx, roomID)
	if err != nil {
		mu.Unlock()
		logger.Errorf("ws participants for fan-out room=%d: %v", roomID, err)
		return msg, nil
	}
	h.sendToUsers(ids, OutgoingMessage{Type: EventMessage, Payload: MessagePayload{RoomID: roomID, Message: msg}})
	mu.Unlock()

	observability.MessagesSent().WithLabelValues(transport).Inc()
	h.notifyOffline(ids, msg)
	return msg, nil
}

func (h *Hub) notifyOffline(participants []int64, msg *model.Message) {
	if h.notifier == nil {
		return
	}
	offline := make([]int64, 0, len(participants))
	for _, id := range participants {
		if id != msg.SenderID && !h.presence.Online(id) {
			offline = append(offline, id)
		}
	}
	if len(offline) == 0 {
		return
	}
	title := "New message"
	if msg.Sender != nil && msg.Sender.Username != "" {
		title = msg.Sender.Username
	}
	body := push.Preview(msg.Body)
	if body == "" {
		body = "Photo"
	}
	h.notifier.NotifyAsync(offline, push.Notification{
		Title: title,
		Body:  body,
		Data: map[string]string{
			"roomId":    strconv.FormatInt(msg.RoomID, 10),
			"messageId": strconv.FormatInt(msg.ID, 10),
		},
	})
}

// BroadcastToRoom sends an event to all live connections of the room's participants.
func (h *Hub) BroadcastToRoom(ctx context.Context, roomID int64, evType EventType, payload any) {
	defer logger.DeferLogDuration("ws.BroadcastToRoom", time.Now())()
	ids, err := h.svc.RoomParticipantIDs(ctx, roomID)
	if err != nil {
		logger.Errorf("ws broadcast to room %d: %v", roomID, err)
		return
	}
	h.sendToUsers(ids, OutgoingMessage{Type: evType, Payload: payload})
}

// BroadcastToUsers sends an event to all live connections of the given users.
func (h *Hub) BroadcastToUsers(userIDs []int64, evType EventType, payload any) {
	h.sendToUsers(userIDs, OutgoingMessage{Type: evType, Payload: payload})
}

// PublishMessageDeleted recomputes the room's last message from the store and broadcasts the deletion.
func (h *Hub) PublishMessageDeleted(ctx context.Context, roomID, messageID int64) {
	mu := h.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()
	last, err := h.svc.RoomLastMessage(ctx, roomID)
	if err != nil {
		logger.Errorf("ws last message after delete room=%d: %v", roomID, err)
		last = nil
	}
	h.BroadcastToRoom(ctx, roomID, EventMessageDeleted, MessageDeletedPayload{
		RoomID:      roomID,
		MessageID:   messageID,
		LastMessage: last,
	})
}

// PublishStatus sends user:status to the user's contacts and to the user's other devices.
func (h *Hub) PublishStatus(ctx context.Context, userID int64, status model.UserStatus) {
	contacts, err := h.svc.Contacts(ctx, userID)
	if err != nil {
		logger.Errorf("ws contacts for status user=%d: %v", userID, err)
		contacts = nil
	}
	h.sendToUsers(append(contacts, userID), OutgoingMessage{
		Type:    EventStatus,
		Payload: UserStatusPayload{UserID: userID, Status: status},
	})
}

func (h *Hub) roomLock(roomID int64) *sync.Mutex {
	return &h.roomLocks[uint64(roomID)%roomLockStripes]
}

func (h *Hub) sendToUsers(userIDs []int64, msg OutgoingMessage) {
	for _, uid := range userIDs {
		h.sendToUser(uid, msg)
	}
}

func (h *Hub) sendToUser(userID int64, msg OutgoingMessage) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

// sendToRoomChannel sends to connections joined to the room, skipping those of exceptUser.
func (h *Hub) sendToRoomChannel(roomID, exceptUser int64, msg OutgoingMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c.userID != exceptUser {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%d", c.userID)
		observability.FanoutDropped().Inc()
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
