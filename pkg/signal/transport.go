package signal

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("signal: transport not connected")

	// ErrClosed is returned by Connect and Send after Close.
	ErrClosed = errors.New("signal: transport closed")

	// ErrReconnectFailed is reported through Handler.OnError once the
	// reconnect attempts are exhausted.
	ErrReconnectFailed = errors.New("signal: reconnect attempts exhausted")
)

// Handler receives transport events. Any field may be nil. Callbacks run on
// the transport's own goroutines and must not block for long.
type Handler struct {
	OnConnected func()
	OnMessage   func(data []byte)
	OnClosed    func(err error)
	OnError     func(err error)
}

// Transport is a duplex text-message channel to a relay server.
type Transport interface {
	// Connect opens the channel and blocks until it is usable or ctx is done.
	Connect(ctx context.Context) error

	// Send writes one text frame.
	Send(data []byte) error

	// Close shuts the channel down and stops any reconnection. Safe to call
	// more than once.
	Close() error

	// SetHandler installs the event handler. Call before Connect.
	SetHandler(h Handler)
}
