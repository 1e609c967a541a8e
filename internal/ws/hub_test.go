package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/model"
	"github.com/notehub/chat/internal/service"
	"github.com/notehub/chat/internal/service/servicetest"
	"github.com/notehub/chat/internal/storage/memory"
)

const (
	alice int64 = 1
	bob   int64 = 2
	carol int64 = 3
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fixture struct {
	hub  *Hub
	svc  *service.ChatService
	room int64
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	svc, st := servicetest.NewService(t)
	st.AddUser(alice, "alice", false)
	st.AddUser(bob, "bob", false)
	st.AddUser(carol, "carol", false)
	room, _, err := svc.CreateDirectRoom(context.Background(), alice, bob)
	require.NoError(t, err)
	return &fixture{hub: NewHub(svc, nil, nil, opts), svc: svc, room: room.ID}
}

func (f *fixture) connect(userID int64, name string) *Client {
	c := NewClient(f.hub, nil, userID, name)
	f.hub.addClient(c)
	f.hub.presWG.Wait()
	return c
}

func (f *fixture) disconnect(c *Client) {
	f.hub.removeClient(c)
	f.hub.presWG.Wait()
}

func drain(c *Client) []OutgoingMessage {
	var out []OutgoingMessage
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func ofType(msgs []OutgoingMessage, t EventType) []OutgoingMessage {
	var out []OutgoingMessage
	for _, m := range msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func frame(t *testing.T, evType EventType, ack int64, payload any) IncomingMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	msg := IncomingMessage{Type: evType, Payload: raw}
	if ack > 0 {
		msg.Ack = &ack
	}
	return msg
}

func TestSendMessage_FanOutToEveryConnection(t *testing.T) {
	f := newFixture(t, Options{})
	phone := f.connect(alice, "alice")
	laptop := f.connect(alice, "alice")
	b := f.connect(bob, "bob")
	outsider := f.connect(carol, "carol")
	for _, c := range []*Client{phone, laptop, b, outsider} {
		drain(c)
	}

	f.hub.HandleMessage(context.Background(), phone, frame(t, EventSendMessage, 7, map[string]any{
		"roomId": f.room, "message": "hello",
	}))

	got := drain(phone)
	require.Len(t, got, 2)
	assert.Equal(t, EventMessage, got[0].Type)
	assert.Equal(t, EventAck, got[1].Type)
	require.NotNil(t, got[1].Ack)
	assert.Equal(t, int64(7), *got[1].Ack)
	assert.True(t, *got[1].OK)
	sent, ok := got[1].Data.(*model.Message)
	require.True(t, ok)
	assert.Equal(t, "hello", sent.Body)

	for _, c := range []*Client{laptop, b} {
		msgs := drain(c)
		require.Len(t, msgs, 1)
		p := msgs[0].Payload.(MessagePayload)
		assert.Equal(t, f.room, p.RoomID)
		assert.Equal(t, sent.ID, p.Message.ID)
	}
	assert.Empty(t, drain(outsider))
}

func TestSendMessage_FailureIsNotBroadcast(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.connect(alice, "alice")
	b := f.connect(bob, "bob")
	c := f.connect(carol, "carol")
	drain(a)
	drain(b)
	drain(c)

	f.hub.HandleMessage(context.Background(), c, frame(t, EventSendMessage, 0, map[string]any{
		"roomId": f.room, "message": "let me in",
	}))
	got := drain(c)
	require.Len(t, got, 1, "errors are acked even without an ack id")
	assert.Equal(t, EventAck, got[0].Type)
	assert.False(t, *got[0].OK)
	assert.NotEmpty(t, got[0].Error)

	f.hub.HandleMessage(context.Background(), a, frame(t, EventSendMessage, 3, map[string]any{
		"roomId": f.room, "message": "   ",
	}))
	got = drain(a)
	require.Len(t, got, 1)
	assert.False(t, *got[0].OK)

	assert.Empty(t, drain(b))
}

func TestHandleMessage_AckOnlyWhenRequested(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.connect(alice, "alice")
	drain(a)

	f.hub.HandleMessage(context.Background(), a, frame(t, EventJoin, 0, roomPayload{RoomID: f.room}))
	assert.Empty(t, drain(a))

	f.hub.HandleMessage(context.Background(), a, frame(t, EventJoin, 11, roomPayload{RoomID: f.room}))
	got := drain(a)
	require.Len(t, got, 1)
	assert.True(t, *got[0].OK)
	assert.Equal(t, int64(11), *got[0].Ack)
}

func TestDispatch_Errors(t *testing.T) {
	f := newFixture(t, Options{})
	cc := &ConnContext{UserID: carol, Username: "carol"}
	ctx := context.Background()

	res := f.hub.Dispatch(ctx, cc, "chat:nope", nil)
	assert.Equal(t, service.KindValidation, service.KindOf(res.Err))

	res = f.hub.Dispatch(ctx, cc, EventSendMessage, json.RawMessage(`{"roomId":`))
	assert.ErrorIs(t, res.Err, errMalformed)

	res = f.hub.Dispatch(ctx, cc, EventTyping, json.RawMessage(`{"isTyping":true}`))
	assert.Equal(t, service.KindValidation, service.KindOf(res.Err))

	res = f.hub.Dispatch(ctx, cc, EventJoin, json.RawMessage(`{"roomId":`+strconv.FormatInt(f.room, 10)+`}`))
	assert.Equal(t, service.KindForbidden, service.KindOf(res.Err))

	res = f.hub.Dispatch(ctx, cc, EventReactionAdd, json.RawMessage(`{"roomId":1}`))
	assert.ErrorIs(t, res.Err, errMsgRequired)
}

func TestDispatch_PanicBecomesInternalError(t *testing.T) {
	f := newFixture(t, Options{})
	f.hub.handlers["test:panic"] = func(context.Context, *ConnContext, json.RawMessage) Result {
		panic("boom")
	}
	res := f.hub.Dispatch(context.Background(), &ConnContext{UserID: alice}, "test:panic", nil)
	assert.Equal(t, service.KindInternal, service.KindOf(res.Err))
	assert.Equal(t, "internal error", service.PublicMessage(res.Err))
}

func TestTyping_ExcludesTypist(t *testing.T) {
	f := newFixture(t, Options{})
	phone := f.connect(alice, "alice")
	laptop := f.connect(alice, "alice")
	b := f.connect(bob, "bob")
	ctx := context.Background()
	for _, c := range []*Client{phone, laptop, b} {
		f.hub.HandleMessage(ctx, c, frame(t, EventJoin, 0, roomPayload{RoomID: f.room}))
		drain(c)
	}

	f.hub.HandleMessage(ctx, phone, frame(t, EventTyping, 0, typingPayload{RoomID: f.room, IsTyping: true}))

	assert.Empty(t, drain(phone))
	assert.Empty(t, drain(laptop))
	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, TypingPayload{RoomID: f.room, UserID: alice, Username: "alice", IsTyping: true}, got[0].Payload)
}

func TestTyping_OnlyJoinedConnections(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.connect(alice, "alice")
	b := f.connect(bob, "bob")
	drain(a)
	drain(b)

	f.hub.HandleMessage(context.Background(), a, frame(t, EventTyping, 0, typingPayload{RoomID: f.room, IsTyping: true}))
	assert.Empty(t, drain(b), "bob never joined the room channel")

	f.hub.HandleMessage(context.Background(), b, frame(t, EventJoin, 0, roomPayload{RoomID: f.room}))
	f.hub.HandleMessage(context.Background(), b, frame(t, EventLeave, 0, roomPayload{RoomID: f.room}))
	f.hub.HandleMessage(context.Background(), a, frame(t, EventTyping, 0, typingPayload{RoomID: f.room}))
	assert.Empty(t, drain(b))
}

func TestPin_DoublePinBroadcastsOnce(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.connect(alice, "alice")
	b := f.connect(bob, "bob")
	ctx := context.Background()
	msg, err := f.hub.SendMessage(ctx, f.room, alice, "pin me", nil, "test")
	require.NoError(t, err)
	drain(a)
	drain(b)

	ref := messageRefPayload{RoomID: f.room, MessageID: msg.ID}
	f.hub.HandleMessage(ctx, a, frame(t, EventPin, 1, ref))
	f.hub.HandleMessage(ctx, b, frame(t, EventPin, 2, ref))

	pins := ofType(drain(b), EventMessagePinned)
	require.Len(t, pins, 1)
	p := pins[0].Payload.(PinPayload)
	assert.Equal(t, alice, p.UserID)
	require.NotNil(t, p.Message)
	assert.True(t, p.Message.IsPinned)

	f.hub.HandleMessage(ctx, a, frame(t, EventUnpin, 0, ref))
	f.hub.HandleMessage(ctx, a, frame(t, EventUnpin, 0, ref))
	assert.Len(t, ofType(drain(b), EventMessageUnpinned), 1)
}

func TestReaction_BroadcastOnlyOnChange(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.connect(alice, "alice")
	b := f.connect(bob, "bob")
	ctx := context.Background()
	msg, err := f.hub.SendMessage(ctx, f.room, bob, "react", nil, "test")
	require.NoError(t, err)
	drain(a)
	drain(b)

	p := reactionPayload{RoomID: f.room, MessageID: msg.ID, Emoji: "👍"}
	f.hub.HandleMessage(ctx, a, frame(t, EventReactionAdd, 0, p))
	f.hub.HandleMessage(ctx, a, frame(t, EventReactionAdd, 0, p))
	added := ofType(drain(b), EventReactionAdded)
	require.Len(t, added, 1)
	assert.Equal(t, "alice", added[0].Payload.(ReactionPayload).Username)

	f.hub.HandleMessage(ctx, a, frame(t, EventReactionRem, 0, p))
	assert.Len(t, ofType(drain(b), EventReactionRemoved), 1)
}

func TestRead_BroadcastsWatermarkAndReceipt(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.connect(alice, "alice")
	b := f.connect(bob, "bob")
	ctx := context.Background()
	msg, err := f.hub.SendMessage(ctx, f.room, alice, "seen?", nil, "test")
	require.NoError(t, err)
	drain(a)
	drain(b)

	f.hub.HandleMessage(ctx, b, frame(t, EventRead, 0, roomPayload{RoomID: f.room}))
	reads := ofType(drain(a), EventRead)
	require.Len(t, reads, 1)
	assert.Equal(t, bob, reads[0].Payload.(ReadPayload).UserID)

	f.hub.HandleMessage(ctx, b, frame(t, EventMessageRead, 0, messageRefPayload{RoomID: f.room, MessageID: msg.ID}))
	receipts := ofType(drain(a), EventMessageRead)
	require.Len(t, receipts, 1)
	assert.Equal(t, msg.ID, receipts[0].Payload.(MessageReadPayload).MessageID)
	// The reader's own devices get the receipt too.
	assert.Len(t, ofType(drain(b), EventMessageRead), 1)

	// Viewing one's own message records nothing.
	f.hub.HandleMessage(ctx, a, frame(t, EventMessageRead, 0, messageRefPayload{RoomID: f.room, MessageID: msg.ID}))
	assert.Empty(t, ofType(drain(b), EventMessageRead))
}

func TestTheme_Broadcast(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.connect(alice, "alice")
	b := f.connect(bob, "bob")
	drain(a)
	drain(b)

	f.hub.HandleMessage(context.Background(), a, frame(t, EventTheme, 0, themePayload{RoomID: f.room, Theme: "ocean"}))
	got := ofType(drain(b), EventThemeUpdated)
	require.Len(t, got, 1)
	assert.Equal(t, "ocean", got[0].Payload.(ThemePayload).Theme)

	drain(a)

	f.hub.HandleMessage(context.Background(), a, frame(t, EventTheme, 0, themePayload{RoomID: f.room, Theme: "neon"}))
	assert.Empty(t, drain(b))
	acks := ofType(drain(a), EventAck)
	require.Len(t, acks, 1)
	assert.False(t, *acks[0].OK)
}

func TestPresence_OnlineOfflineBroadcasts(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.connect(bob, "bob")
	drain(b)

	first := f.connect(alice, "alice")
	second := f.connect(alice, "alice")
	online := ofType(drain(b), EventUserOnline)
	require.Len(t, online, 1)
	assert.Equal(t, UserStatusPayload{UserID: alice, Status: model.StatusOnline}, online[0].Payload)
	assert.True(t, f.hub.Online(alice))

	f.disconnect(first)
	assert.Empty(t, drain(b))
	assert.True(t, f.hub.Online(alice))

	f.disconnect(second)
	offline := ofType(drain(b), EventUserOffline)
	require.Len(t, offline, 1)
	assert.False(t, f.hub.Online(alice))
	assert.Equal(t, []int64{bob}, f.hub.OnlineUsers())

	// Unknown connection is ignored.
	f.disconnect(second)
	assert.Empty(t, drain(b))
}

func TestPresence_UnregisterBeforeRegisterStaysOffline(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.connect(bob, "bob")
	drain(b)

	// Run may see a connection's unregister before its register.
	c := NewClient(f.hub, nil, alice, "alice")
	f.disconnect(c)
	f.hub.addClient(c)
	f.hub.presWG.Wait()

	assert.False(t, f.hub.Online(alice))
	assert.Zero(t, f.hub.presence.Connections(alice))
	assert.Empty(t, ofType(drain(b), EventUserOnline))
	select {
	case <-c.Done():
	default:
		t.Fatal("unregistered client must be closed")
	}
}

func TestPresence_LatestTransitionWins(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.connect(bob, "bob")
	drain(b)

	// A superseded broadcast is dropped after its lookups.
	f.hub.presMu.Lock()
	f.hub.presSeq[alice] = 5
	f.hub.presMu.Unlock()
	f.hub.broadcastPresence(alice, true, 4)
	assert.Empty(t, drain(b))

	f.hub.broadcastPresence(alice, false, 5)
	assert.Len(t, ofType(drain(b), EventUserOffline), 1)
}

func TestStatus_ReachesContactsAndOtherDevices(t *testing.T) {
	f := newFixture(t, Options{})
	phone := f.connect(alice, "alice")
	laptop := f.connect(alice, "alice")
	b := f.connect(bob, "bob")
	c := f.connect(carol, "carol")
	for _, cl := range []*Client{phone, laptop, b, c} {
		drain(cl)
	}

	f.hub.HandleMessage(context.Background(), phone, frame(t, EventStatus, 0, statusPayload{Status: model.StatusBusy}))
	for _, cl := range []*Client{laptop, b} {
		got := ofType(drain(cl), EventStatus)
		require.Len(t, got, 1)
		assert.Equal(t, model.StatusBusy, got[0].Payload.(UserStatusPayload).Status)
	}
	assert.Empty(t, drain(c))

	assert.Len(t, ofType(drain(phone), EventStatus), 1)

	f.hub.HandleMessage(context.Background(), phone, frame(t, EventStatus, 0, statusPayload{Status: "sleepy"}))
	acks := ofType(drain(phone), EventAck)
	require.Len(t, acks, 1)
	assert.False(t, *acks[0].OK)
}

func TestSendMessage_PerRoomOrder(t *testing.T) {
	f := newFixture(t, Options{SendBufferSize: 1024})
	phone := f.connect(alice, "alice")
	laptop := f.connect(alice, "alice")
	b := f.connect(bob, "bob")
	for _, c := range []*Client{phone, laptop, b} {
		drain(c)
	}

	const perSender = 40
	var wg sync.WaitGroup
	for _, sender := range []int64{alice, bob} {
		wg.Add(1)
		go func(sender int64) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.hub.SendMessage(context.Background(), f.room, sender, "m"+strconv.Itoa(i), nil, "test")
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	var sequences [][]int64
	for _, c := range []*Client{phone, laptop, b} {
		var ids []int64
		for _, m := range ofType(drain(c), EventMessage) {
			ids = append(ids, m.Payload.(MessagePayload).Message.ID)
		}
		require.Len(t, ids, 2*perSender)
		for i := 1; i < len(ids); i++ {
			require.Less(t, ids[i-1], ids[i])
		}
		sequences = append(sequences, ids)
	}
	assert.Equal(t, sequences[0], sequences[1])
	assert.Equal(t, sequences[0], sequences[2])
}

func TestSendMessage_RateLimited(t *testing.T) {
	svc, st := servicetest.NewService(t)
	st.AddUser(alice, "alice", false)
	st.AddUser(bob, "bob", false)
	room, _, err := svc.CreateDirectRoom(context.Background(), alice, bob)
	require.NoError(t, err)
	h := NewHub(svc, memory.New(), nil, Options{EventLimit: 2, EventWindow: time.Minute})
	a := NewClient(h, nil, alice, "alice")
	h.addClient(a)

	send := func() OutgoingMessage {
		h.HandleMessage(context.Background(), a, frame(t, EventSendMessage, 1, sendPayload{RoomID: room.ID, Message: "x"}))
		acks := ofType(drain(a), EventAck)
		require.Len(t, acks, 1)
		return acks[0]
	}
	assert.True(t, *send().OK)
	assert.True(t, *send().OK)
	limited := send()
	assert.False(t, *limited.OK)
	assert.Equal(t, "too many requests", limited.Error)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	f := newFixture(t, Options{SendBufferSize: 2})
	slow := f.connect(bob, "bob")
	fast := f.connect(alice, "alice")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.hub.SendMessage(ctx, f.room, alice, "flood", nil, "test")
		require.NoError(t, err)
		drain(fast)
	}
	select {
	case <-slow.Done():
	default:
		t.Fatal("slow client should be closed")
	}
	select {
	case <-fast.Done():
		t.Fatal("fast client must stay connected")
	default:
	}
}

func TestPublishMessageDeleted_CarriesNewLastMessage(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.connect(bob, "bob")
	ctx := context.Background()
	first, err := f.hub.SendMessage(ctx, f.room, alice, "first", nil, "test")
	require.NoError(t, err)
	second, err := f.hub.SendMessage(ctx, f.room, alice, "second", nil, "test")
	require.NoError(t, err)
	drain(b)

	require.NoError(t, f.svc.DeleteMessage(ctx, f.room, second.ID, alice))
	f.hub.PublishMessageDeleted(ctx, f.room, second.ID)
	got := ofType(drain(b), EventMessageDeleted)
	require.Len(t, got, 1)
	p := got[0].Payload.(MessageDeletedPayload)
	require.NotNil(t, p.LastMessage)
	assert.Equal(t, first.ID, p.LastMessage.ID)

	require.NoError(t, f.svc.DeleteMessage(ctx, f.room, first.ID, alice))
	f.hub.PublishMessageDeleted(ctx, f.room, first.ID)
	got = ofType(drain(b), EventMessageDeleted)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Payload.(MessageDeletedPayload).LastMessage)
}

// --- end to end over a real socket ---

type wireFrame struct {
	Type    EventType       `json:"type"`
	Ack     *int64          `json:"ack"`
	OK      *bool           `json:"ok"`
	Error   string          `json:"error"`
	Payload json.RawMessage `json:"payload"`
	Data    json.RawMessage `json:"data"`
}

func startServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := strconv.ParseInt(r.URL.Query().Get("uid"), 10, 64)
		if err != nil {
			http.Error(w, "bad uid", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(f.hub, conn, uid, "user"+strconv.FormatInt(uid, 10))
		cctx, ccancel := context.WithCancel(context.Background())
		c.Start(cctx, ccancel)
		f.hub.Register(c)
	}))
	t.Cleanup(func() {
		cancel()
		<-f.hub.Done()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, uid int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?uid=" + strconv.FormatInt(uid, 10)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, evType EventType) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var fr wireFrame
		require.NoError(t, conn.ReadJSON(&fr))
		if fr.Type == evType {
			return fr
		}
	}
}

func TestEndToEnd_SendAndReceive(t *testing.T) {
	f := newFixture(t, Options{})
	srv := startServer(t, f)

	ac := dial(t, srv, alice)
	bc := dial(t, srv, bob)
	require.Eventually(t, func() bool {
		return f.hub.Online(alice) && f.hub.Online(bob)
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, ac.WriteJSON(map[string]any{
		"type":    EventSendMessage,
		"ack":     42,
		"payload": map[string]any{"roomId": f.room, "message": "over the wire"},
	}))

	got := readUntil(t, bc, EventMessage)
	var p struct {
		RoomID  int64         `json:"roomId"`
		Message model.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, f.room, p.RoomID)
	assert.Equal(t, "over the wire", p.Message.Body)
	assert.Equal(t, alice, p.Message.SenderID)

	ack := readUntil(t, ac, EventAck)
	require.NotNil(t, ack.Ack)
	assert.Equal(t, int64(42), *ack.Ack)
	assert.True(t, *ack.OK)

	require.NoError(t, ac.WriteMessage(websocket.TextMessage, []byte("not json")))
	bad := readUntil(t, ac, EventAck)
	assert.False(t, *bad.OK)
	assert.Equal(t, "malformed frame", bad.Error)
}

func TestEndToEnd_DisconnectGoesOffline(t *testing.T) {
	f := newFixture(t, Options{})
	srv := startServer(t, f)

	bc := dial(t, srv, bob)
	require.Eventually(t, func() bool { return f.hub.Online(bob) }, 3*time.Second, 10*time.Millisecond)
	ac := dial(t, srv, alice)
	online := readUntil(t, bc, EventUserOnline)
	assert.Contains(t, string(online.Payload), `"userId":1`)

	require.NoError(t, ac.Close())
	offline := readUntil(t, bc, EventUserOffline)
	assert.Contains(t, string(offline.Payload), `"userId":1`)
	assert.False(t, f.hub.Online(alice))
}

func TestEndToEnd_StalledSocketGoesOffline(t *testing.T) {
	f := newFixture(t, Options{PongTimeout: 200 * time.Millisecond})
	srv := startServer(t, f)

	bc := dial(t, srv, bob)
	frames := make(chan wireFrame, 64)
	go func() {
		defer close(frames)
		for {
			var fr wireFrame
			if err := bc.ReadJSON(&fr); err != nil {
				return
			}
			frames <- fr
		}
	}()
	require.Eventually(t, func() bool { return f.hub.Online(bob) }, 3*time.Second, 10*time.Millisecond)

	// Alice keeps the TCP connection open but never answers pings.
	ac := dial(t, srv, alice)
	ac.SetPingHandler(func(string) error { return nil })
	aliceClosed := make(chan struct{})
	go func() {
		defer close(aliceClosed)
		for {
			if _, _, err := ac.ReadMessage(); err != nil {
				return
			}
		}
	}()

	waitFor := func(evType EventType) wireFrame {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case fr, ok := <-frames:
				require.True(t, ok, "bob's connection closed")
				if fr.Type == evType {
					return fr
				}
			case <-timeout:
				t.Fatalf("no %s frame", evType)
			}
		}
	}
	online := waitFor(EventUserOnline)
	assert.Contains(t, string(online.Payload), `"userId":1`)
	offline := waitFor(EventUserOffline)
	assert.Contains(t, string(offline.Payload), `"userId":1`)

	assert.False(t, f.hub.Online(alice))
	assert.True(t, f.hub.Online(bob), "a responsive peer is kept")
	select {
	case <-aliceClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("stalled connection should be closed by the server")
	}
}
