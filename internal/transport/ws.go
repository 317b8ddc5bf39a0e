package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coursehub/realtime/internal/stats"
	"github.com/coursehub/realtime/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	defaultRequestTimeout = 10 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	// defaultSuspendAfter is the number of consecutive failed dial
	// attempts before the connection degrades to StateSuspended.
	defaultSuspendAfter = 5
)

// WSConfig configures a websocket transport.
type WSConfig struct {
	// URL of the gateway websocket endpoint, e.g. ws://host/ws.
	URL string
	// SuspendAfter overrides defaultSuspendAfter when > 0.
	SuspendAfter int
	// MaxBackoff caps the reconnect interval when > 0.
	MaxBackoff time.Duration
}

// WSTransport multiplexes all channel traffic for one user session
// over a single websocket connection.
type WSTransport struct {
	cfg      WSConfig
	log      *log.Logger
	stats    stats.StatsProvider
	clientId string

	cb    Callbacks
	creds CredentialProvider

	nextId  atomic.Int64
	send    chan *ClientFrame
	done    chan struct{}
	started bool

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	pending map[int64]chan *ServerFrame
	// failErr holds the auth rejection once the transport reaches
	// StateFailed; later Connect calls report it instead of pretending
	// a dead transport came back.
	failErr error
}

func NewWSTransport(cfg WSConfig, logger *log.Logger, sp stats.StatsProvider) *WSTransport {
	if cfg.SuspendAfter <= 0 {
		cfg.SuspendAfter = defaultSuspendAfter
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	return &WSTransport{
		cfg:      cfg,
		log:      logger,
		stats:    sp,
		clientId: uuid.NewString(),
		send:     make(chan *ClientFrame, 256),
		done:     make(chan struct{}),
		state:    StateInitializing,
		pending:  make(map[int64]chan *ServerFrame),
	}
}

func (t *WSTransport) SetCallbacks(cb Callbacks) {
	t.cb = cb
}

func (t *WSTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect starts the connection loop. Calling it again while the
// transport is connecting or connected is a no-op.
func (t *WSTransport) Connect(ctx context.Context, creds CredentialProvider) error {
	t.mu.Lock()
	switch t.state {
	case StateClosed:
		t.mu.Unlock()
		return ErrClosed
	case StateFailed:
		err := t.failErr
		t.mu.Unlock()
		return err
	case StateConnecting, StateConnected:
		t.mu.Unlock()
		return nil
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.creds = creds
	t.mu.Unlock()

	t.setState(StateConnecting, nil)
	go t.run()
	return nil
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosed
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	close(t.done)
	t.failPending(ErrClosed)
	if conn != nil {
		conn.Close()
	}

	if t.cb.OnStateChange != nil {
		t.cb.OnStateChange(StateClosed, nil)
	}
	return nil
}

// run owns the dial/reconnect loop for the lifetime of the transport.
func (t *WSTransport) run() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = t.cfg.MaxBackoff

	attempts := 0
	for {
		select {
		case <-t.done:
			return
		default:
		}

		conn, err := t.dial()
		if err != nil {
			if authErr, ok := err.(*AuthError); ok {
				t.log.Printf("ws: credential rejected: %v", authErr)
				t.mu.Lock()
				t.failErr = authErr
				t.mu.Unlock()
				t.setState(StateFailed, authErr)
				return
			}

			attempts++
			t.log.Printf("ws: dial attempt %d failed: %v", attempts, err)
			if attempts == t.cfg.SuspendAfter {
				t.setState(StateSuspended, err)
			}

			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-t.done:
				return
			}
		}

		attempts = 0
		bo.Reset()

		t.mu.Lock()
		if t.state == StateClosed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		reconnected := t.conn != nil || t.state == StateDisconnected || t.state == StateSuspended
		t.conn = conn
		t.mu.Unlock()

		if reconnected {
			t.stats.Incr(stats.Reconnects)
		}

		t.setState(StateConnected, nil)

		quit := make(chan struct{})
		go t.writeLoop(conn, quit)
		readErr := t.readLoop(conn)
		close(quit)
		conn.Close()

		t.failPending(ErrNotConnected)

		t.mu.Lock()
		closed := t.state == StateClosed
		t.conn = nil
		t.mu.Unlock()
		if closed {
			return
		}

		t.setState(StateDisconnected, readErr)
	}
}

func (t *WSTransport) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	token, err := t.creds(ctx)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &TransportError{Op: "fetch token", Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Client-Id", t.clientId)

	dialer := websocket.Dialer{HandshakeTimeout: defaultRequestTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: resp.Status, Err: err}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	return conn, nil
}

func (t *WSTransport) writeLoop(conn *websocket.Conn, quit chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-t.send:
			bytes, err := json.Marshal(frame)
			if err != nil {
				t.log.Println("ws: failed to serialize frame:", err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, bytes); err != nil {
				t.log.Printf("ws: write: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-quit:
			return
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				t.log.Printf("ws: read: %v", err)
			}
			return err
		}

		var frame ServerFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.log.Println("ws: error parsing frame:", err)
			continue
		}

		t.route(&frame)
	}
}

func (t *WSTransport) route(frame *ServerFrame) {
	if frame.Id != 0 {
		t.mu.Lock()
		ch, ok := t.pending[frame.Id]
		if ok {
			delete(t.pending, frame.Id)
		}
		t.mu.Unlock()
		if ok {
			ch <- frame
		}
		return
	}

	switch {
	case frame.Event != nil:
		if t.cb.OnEvent != nil {
			t.cb.OnEvent(*frame.Event)
		}
	case frame.PresenceChange != nil:
		if t.cb.OnPresence != nil {
			t.cb.OnPresence(*frame.PresenceChange)
		}
	default:
		t.log.Printf("ws: unhandled frame: %+v", frame)
	}
}

func (t *WSTransport) setState(s State, err error) {
	t.mu.Lock()
	if t.state == StateClosed || t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()

	if err != nil {
		t.log.Printf("ws: state %s: %v", s, err)
	} else {
		t.log.Printf("ws: state %s", s)
	}

	if t.cb.OnStateChange != nil {
		t.cb.OnStateChange(s, err)
	}
}

// request sends a frame and waits for the correlated reply.
func (t *WSTransport) request(ctx context.Context, frame *ClientFrame) (*ServerFrame, error) {
	if t.State() != StateConnected {
		return nil, ErrNotConnected
	}

	id := t.nextId.Add(1)
	frame.Id = id

	reply := make(chan *ServerFrame, 1)
	t.mu.Lock()
	t.pending[id] = reply
	t.mu.Unlock()

	cleanup := func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}

	select {
	case t.send <- frame:
	default:
		cleanup()
		return nil, &TransportError{Op: "enqueue", Err: ErrNotConnected}
	}

	select {
	case resp := <-reply:
		if resp == nil {
			return nil, ErrNotConnected
		}
		if resp.Response != nil && resp.Response.ResponseCode >= http.StatusBadRequest {
			return nil, &TransportError{Op: "request", Err: &requestError{code: resp.Response.ResponseCode, msg: resp.Response.Error}}
		}
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-t.done:
		cleanup()
		return nil, ErrClosed
	}
}

// failPending unblocks all in-flight requests after a connection
// loss. Waiters see a nil frame and report ErrNotConnected.
func (t *WSTransport) failPending(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[int64]chan *ServerFrame)
	t.mu.Unlock()

	if len(pending) > 0 {
		t.log.Printf("ws: failing %d in-flight requests: %v", len(pending), err)
	}
	for _, ch := range pending {
		ch <- nil
	}
}

func (t *WSTransport) Subscribe(ctx context.Context, channel string) error {
	_, err := t.request(ctx, &ClientFrame{Subscribe: &Subscribe{Channel: channel}})
	return err
}

func (t *WSTransport) Unsubscribe(ctx context.Context, channel string) error {
	_, err := t.request(ctx, &ClientFrame{Unsubscribe: &Unsubscribe{Channel: channel}})
	return err
}

func (t *WSTransport) Publish(ctx context.Context, channel, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return &TransportError{Op: "marshal payload", Err: err}
	}

	_, err = t.request(ctx, &ClientFrame{Publish: &Publish{Channel: channel, Event: event, Data: raw}})
	return err
}

func (t *WSTransport) PresenceSnapshot(ctx context.Context, channel string) ([]types.PresenceMember, error) {
	resp, err := t.request(ctx, &ClientFrame{Presence: &PresenceReq{Channel: channel}})
	if err != nil {
		return nil, err
	}
	if resp.Presence == nil {
		return nil, &TransportError{Op: "presence snapshot", Err: errMissingPresence}
	}
	return resp.Presence.Members, nil
}
