package chatclient_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notehub/chat/internal/chatclient"
	"github.com/notehub/chat/internal/handler"
	"github.com/notehub/chat/internal/middleware"
	"github.com/notehub/chat/internal/model"
	"github.com/notehub/chat/internal/service/servicetest"
	"github.com/notehub/chat/internal/ws"
)

const (
	secret       = "chatclient-test-secret"
	alice  int64 = 1
	bob    int64 = 2
)

type session struct {
	eng  *chatclient.Engine
	sock *chatclient.WSSocket
	api  *chatclient.HTTPAPI

	mu    sync.Mutex
	notes []chatclient.Notification
}

func (s *session) notifications() []chatclient.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatclient.Notification(nil), s.notes...)
}

func startStack(t *testing.T) *httptest.Server {
	t.Helper()
	svc, st := servicetest.NewService(t)
	st.AddUser(alice, "alice", false)
	st.AddUser(bob, "bob", false)

	hub := ws.NewHub(svc, nil, nil, ws.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	h := &handler.Handlers{
		Chat:    handler.NewChatHandler(svc, hub),
		Message: handler.NewMessageHandler(svc, hub),
		User:    handler.NewUserHandler(svc, hub),
		WS:      handler.NewWSHandler(hub, svc, "*"),
	}
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.JWTAuth(secret))
		h.Mount(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		srv.Close()
	})
	return srv
}

func connect(t *testing.T, srv *httptest.Server, userID int64) *session {
	t.Helper()
	tok, err := middleware.IssueToken(secret, userID, time.Hour)
	require.NoError(t, err)

	s := &session{
		api:  chatclient.NewHTTPAPI(srv.URL, tok, srv.Client()),
		sock: chatclient.NewWSSocket("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", tok),
	}
	s.sock.SetBackoff(10*time.Millisecond, 50*time.Millisecond)
	s.eng = chatclient.NewEngine(userID, s.api, s.sock, chatclient.WithNotifier(func(n chatclient.Notification) {
		s.mu.Lock()
		s.notes = append(s.notes, n)
		s.mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.sock.OnEvent(func(ev chatclient.Event) { s.eng.HandleEvent(ctx, ev) })
	s.sock.OnState(func(up bool) { s.eng.SetConnected(ctx, up) })
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.sock.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, s.sock.Connected, 3*time.Second, 10*time.Millisecond)
	return s
}

func TestEndToEnd_DirectChat(t *testing.T) {
	srv := startStack(t)
	ctx := context.Background()

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)
	require.Eventually(t, func() bool {
		ids, err := a.api.OnlineUsers(ctx)
		return err == nil && len(ids) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, a.eng.Bootstrap(ctx))
	require.NoError(t, b.eng.Bootstrap(ctx))

	roomID, err := a.eng.StartDirectChat(ctx, bob)
	require.NoError(t, err)

	// Bob learns about the new room from the gateway.
	require.Eventually(t, func() bool {
		_, ok := b.eng.State().Room(roomID)
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	// Bob came online before the room existed; the bootstrap list covers it.
	assert.Equal(t, model.StatusOnline, a.eng.GetUserStatus(bob))

	sent, err := a.eng.SendMessage(ctx, "hello bob", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", sent.Body)

	require.Eventually(t, func() bool {
		r, _ := b.eng.State().Room(roomID)
		return r.UnreadCount == 1 && len(b.notifications()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, roomID, b.notifications()[0].RoomID)

	require.NoError(t, b.eng.SelectRoom(ctx, roomID))
	s := b.eng.State()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, sent.ID, s.Messages[0].ID)
	r, _ := s.Room(roomID)
	assert.Zero(t, r.UnreadCount)

	// Alice has the room open; Bob's reaction shows up on her copy of the message.
	require.NoError(t, b.eng.React(ctx, sent.ID, "👍"))
	require.Eventually(t, func() bool {
		msgs := a.eng.State().Messages
		return len(msgs) == 1 && len(msgs[0].Reactions) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// Deleting the only message clears the room's last message on both sides.
	require.NoError(t, a.eng.DeleteMessage(ctx, roomID, sent.ID))
	require.Eventually(t, func() bool {
		r, _ := b.eng.State().Room(roomID)
		return r.LastMessage == nil && len(b.eng.State().Messages) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_StatusPrecedence(t *testing.T) {
	srv := startStack(t)
	ctx := context.Background()

	a := connect(t, srv, alice)
	_, err := a.api.CreateDirectRoom(ctx, bob)
	require.NoError(t, err)
	require.NoError(t, a.eng.Bootstrap(ctx))
	assert.Equal(t, model.StatusOffline, a.eng.GetUserStatus(bob))

	b := connect(t, srv, bob)
	require.Eventually(t, func() bool {
		return a.eng.GetUserStatus(bob) == model.StatusOnline
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, b.sock.Emit(ctx, ws.EventStatus, map[string]model.UserStatus{"status": model.StatusBusy}))
	require.Eventually(t, func() bool {
		return a.eng.GetUserStatus(bob) == model.StatusBusy
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_OpenRoomStaysRead(t *testing.T) {
	srv := startStack(t)
	ctx := context.Background()

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)
	require.NoError(t, a.eng.Bootstrap(ctx))
	roomID, err := a.eng.StartDirectChat(ctx, bob)
	require.NoError(t, err)
	require.NoError(t, b.eng.Bootstrap(ctx))
	require.NoError(t, b.eng.SelectRoom(ctx, roomID))

	sent, err := a.eng.SendMessage(ctx, "while you look", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := b.eng.State().Messages
		return len(msgs) == 1 && msgs[0].ID == sent.ID
	}, 3*time.Second, 10*time.Millisecond)

	// The server watermark catches up without bob touching anything.
	require.Eventually(t, func() bool {
		rooms, err := b.api.ListRooms(ctx)
		if err != nil {
			return false
		}
		for _, r := range rooms {
			if r.ID == roomID {
				return r.UnreadCount == 0
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, b.eng.Bootstrap(ctx))
	r, ok := b.eng.State().Room(roomID)
	require.True(t, ok)
	assert.Zero(t, r.UnreadCount)
	assert.Empty(t, b.notifications())
}
