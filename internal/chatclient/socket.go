package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/ws"
)

// Event is one server-to-client frame.
type Event struct {
	Type    ws.EventType
	Payload json.RawMessage
}

// Socket is the realtime channel the engine needs.
type Socket interface {
	// Emit sends a frame without waiting for an acknowledgment.
	Emit(ctx context.Context, evType ws.EventType, payload any) error
	// Request sends a frame and waits for its acknowledgment; data is the ack's payload.
	Request(ctx context.Context, evType ws.EventType, payload any) (json.RawMessage, error)
	Connected() bool
}

var ErrNotConnected = errors.New("socket not connected")

// AckError is a failed acknowledgment from the gateway.
type AckError struct{ Message string }

func (e *AckError) Error() string { return e.Message }

type ackResult struct {
	data json.RawMessage
	err  error
}

type inboundFrame struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Ack     *int64          `json:"ack"`
	OK      *bool           `json:"ok"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type outboundFrame struct {
	Type    ws.EventType `json:"type"`
	Ack     *int64       `json:"ack,omitempty"`
	Payload any          `json:"payload,omitempty"`
}

// WSSocket keeps one gateway connection alive, redialing with exponential backoff.
type WSSocket struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration

	onEvent func(Event)
	onState func(bool)

	mu      sync.Mutex
	conn    *websocket.Conn
	nextAck int64
	pending map[int64]chan ackResult

	writeMu sync.Mutex
}

// NewWSSocket prepares a socket for wsURL (ws:// or wss://) authenticated with token.
func NewWSSocket(wsURL, token string) *WSSocket {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return &WSSocket{
		url:        wsURL,
		header:     h,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		pending:    make(map[int64]chan ackResult),
	}
}

// SetBackoff overrides the redial delays.
func (s *WSSocket) SetBackoff(lo, hi time.Duration) {
	s.minBackoff, s.maxBackoff = lo, hi
}

// OnEvent sets the handler for server events. Must be called before Run.
func (s *WSSocket) OnEvent(fn func(Event)) { s.onEvent = fn }

// OnState sets the handler for connect/disconnect. Must be called before Run.
func (s *WSSocket) OnState(fn func(connected bool)) { s.onState = fn }

// Run dials and reads until ctx is done, reconnecting after every drop.
func (s *WSSocket) Run(ctx context.Context) {
	backoff := s.minBackoff
	for ctx.Err() == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("chatclient: dial failed, retry in %v: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < s.maxBackoff {
				backoff *= 2
				if backoff > s.maxBackoff {
					backoff = s.maxBackoff
				}
			}
			continue
		}
		backoff = s.minBackoff
		s.setConn(conn)
		s.readLoop(ctx, conn)
		s.setConn(nil)
	}
}

func (s *WSSocket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	var failed map[int64]chan ackResult
	if conn == nil {
		failed, s.pending = s.pending, make(map[int64]chan ackResult)
	}
	s.mu.Unlock()
	for _, ch := range failed {
		ch <- ackResult{err: ErrNotConnected}
	}
	if s.onState != nil {
		s.onState(conn != nil)
	}
}

func (s *WSSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Infof("chatclient: connection lost: %v", err)
			}
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Errorf("chatclient: bad frame: %v", err)
			continue
		}
		if f.Type == ws.EventAck {
			s.resolve(f)
			continue
		}
		if s.onEvent != nil {
			s.onEvent(Event{Type: f.Type, Payload: f.Payload})
		}
	}
}

func (s *WSSocket) resolve(f inboundFrame) {
	if f.Ack == nil {
		if f.Error != "" {
			logger.Errorf("chatclient: gateway rejected frame: %s", f.Error)
		}
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[*f.Ack]
	delete(s.pending, *f.Ack)
	s.mu.Unlock()
	if !ok {
		return
	}
	if f.OK != nil && !*f.OK {
		ch <- ackResult{err: &AckError{Message: f.Error}}
		return
	}
	ch <- ackResult{data: f.Data}
}

func (s *WSSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *WSSocket) write(ctx context.Context, f outboundFrame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(f)
}

func (s *WSSocket) Emit(ctx context.Context, evType ws.EventType, payload any) error {
	return s.write(ctx, outboundFrame{Type: evType, Payload: payload})
}

func (s *WSSocket) Request(ctx context.Context, evType ws.EventType, payload any) (json.RawMessage, error) {
	ch := make(chan ackResult, 1)
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.nextAck++
	id := s.nextAck
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(ctx, outboundFrame{Type: evType, Ack: &id, Payload: payload}); err != nil {
		s.forget(id)
		return nil, err
	}
	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	}
}

func (s *WSSocket) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
