package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notehub/chat/internal/ws"
)

// echoGateway отвечает на кадры как шлюз: ack для запросов, событие для "push", разрыв для "drop".
func echoGateway(t *testing.T, dials *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		defer conn.Close()
		for {
			var in ws.IncomingMessage
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			var out ws.OutgoingMessage
			switch in.Type {
			case "drop":
				return
			case "push":
				out = ws.OutgoingMessage{Type: ws.EventTyping, Payload: ws.TypingPayload{RoomID: 1, UserID: 2, IsTyping: true}}
			case "fail":
				ok := false
				out = ws.OutgoingMessage{Type: ws.EventAck, Ack: in.Ack, OK: &ok, Error: "nope"}
			default:
				ok := true
				out = ws.OutgoingMessage{Type: ws.EventAck, Ack: in.Ack, OK: &ok, Data: json.RawMessage(in.Payload)}
			}
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSSocket(t *testing.T) {
	var dials atomic.Int32
	srv := echoGateway(t, &dials)
	s := NewWSSocket("ws"+strings.TrimPrefix(srv.URL, "http"), "tok")
	s.SetBackoff(5*time.Millisecond, 20*time.Millisecond)

	var mu sync.Mutex
	var events []Event
	var states []bool
	s.OnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	s.OnState(func(up bool) {
		mu.Lock()
		states = append(states, up)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	require.Eventually(t, s.Connected, 3*time.Second, 5*time.Millisecond)

	rctx, rcancel := context.WithTimeout(ctx, 3*time.Second)
	defer rcancel()

	t.Run("request resolves with ack data", func(t *testing.T) {
		data, err := s.Request(rctx, ws.EventSendMessage, map[string]any{"roomId": 1, "message": "hi"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"roomId":1,"message":"hi"}`, string(data))
	})

	t.Run("failed ack becomes AckError", func(t *testing.T) {
		_, err := s.Request(rctx, "fail", nil)
		var ackErr *AckError
		require.ErrorAs(t, err, &ackErr)
		assert.Equal(t, "nope", ackErr.Message)
	})

	t.Run("server events reach the handler", func(t *testing.T) {
		require.NoError(t, s.Emit(rctx, "push", nil))
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(events) == 1
		}, 3*time.Second, 5*time.Millisecond)
		mu.Lock()
		ev := events[0]
		mu.Unlock()
		assert.Equal(t, ws.EventTyping, ev.Type)
		assert.JSONEq(t, `{"roomId":1,"userId":2,"username":"","isTyping":true}`, string(ev.Payload))
	})

	t.Run("reconnects after a drop", func(t *testing.T) {
		require.NoError(t, s.Emit(rctx, "drop", nil))
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return dials.Load() == 2 && len(states) == 3
		}, 3*time.Second, 5*time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []bool{true, false, true}, states)
		assert.True(t, s.Connected())
	})
}

func TestWSSocket_NotConnected(t *testing.T) {
	s := NewWSSocket("ws://127.0.0.1:1/ws", "tok")
	assert.ErrorIs(t, s.Emit(context.Background(), ws.EventTyping, nil), ErrNotConnected)
	_, err := s.Request(context.Background(), ws.EventSendMessage, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, s.Connected())
}
