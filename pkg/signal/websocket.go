package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultBaseBackoff      = time.Second
	defaultMaxBackoff       = 30 * time.Second
)

// WebSocketConfig configures a WebSocketTransport. Zero values pick the
// defaults.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// MaxReconnects bounds reconnect attempts after an unexpected loss.
	// 0 means retry forever, negative disables reconnection.
	MaxReconnects int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration

	LoggerFactory logging.LoggerFactory
}

// WebSocketTransport implements Transport over a gorilla/websocket
// connection to the relay.
type WebSocketTransport struct {
	url    string
	cfg    WebSocketConfig
	dialer websocket.Dialer
	log    logging.LeveledLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler Handler
	closed  bool
	done    chan struct{}

	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// NewWebSocketTransport creates a transport for the given relay address.
// http(s) and scheme-less addresses are rewritten to ws(s).
func NewWebSocketTransport(address string, cfg WebSocketConfig) *WebSocketTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &WebSocketTransport{
		url: NormalizeURL(address),
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log:  cfg.LoggerFactory.NewLogger("transport"),
		done: make(chan struct{}),
	}
}

// NormalizeURL rewrites http(s) and scheme-less relay addresses to ws(s).
func NormalizeURL(address string) string {
	switch {
	case strings.HasPrefix(address, "http://"):
		return "ws://" + strings.TrimPrefix(address, "http://")
	case strings.HasPrefix(address, "https://"):
		return "wss://" + strings.TrimPrefix(address, "https://")
	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		return address
	}
	return "wss://" + address
}

// URL returns the normalized address this transport dials.
func (t *WebSocketTransport) URL() string {
	return t.url
}

// SetHandler installs the event handler.
func (t *WebSocketTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Connect dials the relay and starts the read loop.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	if !t.adopt(conn) {
		return ErrClosed
	}
	return nil
}

func (t *WebSocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	return conn, nil
}

// adopt installs conn as the live connection and announces it. It returns
// false, closing conn, if the transport was closed meanwhile.
func (t *WebSocketTransport) adopt(conn *websocket.Conn) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return false
	}
	t.conn = conn
	h := t.handler
	t.mu.Unlock()

	t.log.Infof("connected to %s", t.url)
	go t.readLoop(conn)
	if h.OnConnected != nil {
		h.OnConnected()
	}
	return true
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.lost(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

// lost handles the end of a read loop. A loss after Close is expected and
// reported to nobody.
func (t *WebSocketTransport) lost(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.closed || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	h := t.handler
	t.mu.Unlock()

	conn.Close()
	t.log.Warnf("connection lost: %v", err)
	if h.OnClosed != nil {
		h.OnClosed(err)
	}
	if t.cfg.MaxReconnects >= 0 {
		go t.reconnect()
	}
}

// reconnect retries with exponential backoff until it succeeds, the
// transport is closed, or MaxReconnects attempts have failed.
func (t *WebSocketTransport) reconnect() {
	delay := t.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-t.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
		conn, err := t.dial(ctx)
		cancel()
		if err == nil {
			t.adopt(conn)
			return
		}
		t.log.Debugf("reconnect attempt %d failed: %v", attempt, err)

		if t.cfg.MaxReconnects > 0 && attempt >= t.cfg.MaxReconnects {
			t.mu.Lock()
			h := t.handler
			closed := t.closed
			t.mu.Unlock()
			if !closed && h.OnError != nil {
				h.OnError(fmt.Errorf("%w: %v", ErrReconnectFailed, err))
			}
			return
		}

		delay *= 2
		if delay > t.cfg.MaxBackoff {
			delay = t.cfg.MaxBackoff
		}
	}
}

// Send writes data as one text frame.
func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the connection down.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()

	cerr := conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		t.log.Debugf("close frame: %v", werr)
	}
	return cerr
}
