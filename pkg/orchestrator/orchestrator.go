// Package orchestrator drives screen-share sessions with every peer in a
// room: it owns the signaling transport, routes signaling messages to the
// per-peer negotiation state machines and reports progress to the host.
//
// All registry, session and transport-callback work runs on one goroutine.
// Engine, transport and heartbeat events only post closures to it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/tomaslejdung/peershare/pkg/engine"
	"github.com/tomaslejdung/peershare/pkg/peer"
	"github.com/tomaslejdung/peershare/pkg/sdptune"
	"github.com/tomaslejdung/peershare/pkg/signal"
)

const (
	defaultConnectTimeout     = 5 * time.Second
	defaultHeartbeatInterval  = 15 * time.Second
	defaultHeartbeatDelay     = time.Second
	defaultNegotiationTimeout = 10 * time.Second
)

// Capturer produces the local stream when Start runs without an attached
// one, and releases it on Stop.
type Capturer interface {
	Start(ctx context.Context) (*engine.Stream, error)
	Stop() error
}

// Config holds the orchestrator's collaborators and timings. Only Engine is
// required.
type Config struct {
	Engine engine.Factory

	// Dial creates the signaling transport for a room. Defaults to a
	// WebSocketTransport on the room address.
	Dial      func(room signal.RoomDescriptor) signal.Transport
	WebSocket signal.WebSocketConfig

	// Reachable checks the network before Start. Defaults to
	// NetworkReachable.
	Reachable func() error

	Capturer Capturer

	// Tuning rewrites local offers; nil uses sdptune.DefaultOptions. The
	// content hint is dropped when the engine does not support it.
	Tuning        *sdptune.Options
	DisableTuning bool

	ConnectTimeout      time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatDelay      time.Duration
	NegotiationTimeout  time.Duration
	PendingCandidateTTL time.Duration

	LoggerFactory logging.LoggerFactory
}

// Orchestrator is the host-facing facade. Its methods are safe for
// concurrent use but must not be called from a Sink callback.
type Orchestrator struct {
	cfg  Config
	sink Sink
	lf   logging.LoggerFactory
	log  logging.LeveledLogger
	caps engine.Capabilities

	loop   *loop
	notify *loop

	// mu serializes lifecycle calls.
	mu       sync.Mutex
	room     *signal.RoomDescriptor
	stream   *engine.Stream
	captured bool
	started  bool
	released bool

	stateMu sync.Mutex
	state   State
	lastAck time.Time

	// Owned by the loop.
	reg       *peer.Registry
	router    *router
	transport signal.Transport
	gen       uint64
	hbStop    chan struct{}
	signaling bool
}

// New creates an orchestrator in StateNew. A nil sink discards
// notifications.
func New(cfg Config, sink Sink) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, &ConfigurationError{Err: errors.New("no media engine")}
	}
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.WebSocket.LoggerFactory == nil {
		cfg.WebSocket.LoggerFactory = cfg.LoggerFactory
	}
	if cfg.Dial == nil {
		ws := cfg.WebSocket
		cfg.Dial = func(room signal.RoomDescriptor) signal.Transport {
			return signal.NewWebSocketTransport(room.Address(), ws)
		}
	}
	if cfg.Reachable == nil {
		cfg.Reachable = NetworkReachable
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatDelay <= 0 {
		cfg.HeartbeatDelay = defaultHeartbeatDelay
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}

	o := &Orchestrator{
		cfg:    cfg,
		sink:   sink,
		lf:     cfg.LoggerFactory,
		log:    cfg.LoggerFactory.NewLogger("orchestrator"),
		caps:   cfg.Engine.Capabilities(),
		loop:   newLoop(),
		notify: newLoop(),
	}
	if o.caps.Version > engine.CapabilitiesVersion {
		o.log.Debugf("engine reports capabilities v%d, using v%d fields", o.caps.Version, engine.CapabilitiesVersion)
	}
	return o, nil
}

// Configure sets the room to join on the next Start.
func (o *Orchestrator) Configure(room signal.RoomDescriptor) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return ErrReleased
	}
	if o.started {
		return ErrAlreadyStarted
	}
	if err := room.Validate(); err != nil {
		return &ConfigurationError{Err: err}
	}
	o.room = &room
	return nil
}

// SetTuning replaces the offer rewrite used from the next Start.
func (o *Orchestrator) SetTuning(opts sdptune.Options) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return ErrReleased
	}
	if o.started {
		return ErrAlreadyStarted
	}
	o.cfg.Tuning = &opts
	o.cfg.DisableTuning = false
	return nil
}

// AttachLocalStream sets the stream sent to every peer. While started it is
// attached to existing sessions immediately.
func (o *Orchestrator) AttachLocalStream(stream *engine.Stream) error {
	if stream == nil {
		return ErrNoLocalMedia
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return ErrReleased
	}
	if err := o.releaseCapture(); err != nil {
		o.log.Warnf("%v", err)
	}
	o.stream = stream
	if !o.started {
		return nil
	}

	var err error
	if lerr := o.onLoop(func() { err = o.reg.AttachStream(stream) }); lerr != nil {
		return lerr
	}
	return err
}

// Start joins the configured room. It fails without side effects when no
// room is configured, the network is unreachable or there is no media.
// Otherwise it captures, attaches and connects, undoing all of it if any
// step fails.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.released:
		return ErrReleased
	case o.started:
		return ErrAlreadyStarted
	case o.room == nil:
		return &ConfigurationError{Err: ErrNoRoom}
	}
	if err := o.cfg.Reachable(); err != nil {
		if !errors.Is(err, ErrNetworkUnreachable) {
			err = fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
		}
		return &TransportError{Op: "start", Err: err}
	}
	if o.stream == nil && o.cfg.Capturer == nil {
		return ErrNoLocalMedia
	}

	o.setState(StateConnecting)
	if err := o.launch(ctx, *o.room); err != nil {
		o.log.Errorf("start: %v", err)
		o.setState(StateFailed)
		o.reportError(err)
		return err
	}
	o.started = true
	o.log.Infof("started in room %s as %s", o.room.RoomID, o.room.ClientID)
	return nil
}

func (o *Orchestrator) launch(ctx context.Context, room signal.RoomDescriptor) (err error) {
	var rollback []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(rollback) - 1; i >= 0; i-- {
			if rerr := rollback[i](); rerr != nil {
				o.log.Warnf("rollback: %v", rerr)
			}
		}
	}()

	stream := o.stream
	if stream == nil {
		stream, err = o.cfg.Capturer.Start(ctx)
		if err != nil {
			return fmt.Errorf("start capture: %w", err)
		}
		if stream == nil {
			return fmt.Errorf("start capture: %w", ErrNoLocalMedia)
		}
		o.stream, o.captured = stream, true
		rollback = append(rollback, o.releaseCapture)
	}

	reg, err := peer.NewRegistry(o.registryConfig(room))
	if err != nil {
		return &ConfigurationError{Err: err}
	}
	transport := o.cfg.Dial(room)

	var gen uint64
	if err := o.onLoop(func() {
		o.gen++
		gen = o.gen
		o.reg = reg
		o.transport = transport
		o.router = o.newRouter(room.ClientID, reg)
		if err := reg.AttachStream(stream); err != nil {
			o.log.Warnf("attach stream: %v", err)
		}
	}); err != nil {
		return err
	}
	rollback = append(rollback, o.teardown)

	transport.SetHandler(o.transportHandler(gen))
	cctx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	defer cancel()
	if err := transport.Connect(cctx); err != nil {
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return &TransportError{Op: "connect", Err: fmt.Errorf("%w after %s", ErrConnectTimeout, o.cfg.ConnectTimeout)}
		}
		return &TransportError{Op: "connect", Err: err}
	}
	return nil
}

func (o *Orchestrator) registryConfig(room signal.RoomDescriptor) peer.Config {
	return peer.Config{
		LocalID:   room.ClientID,
		Factory:   o.cfg.Engine,
		Send:      o.send,
		Post:      func(fn func()) { o.loop.post(fn) },
		Transform: o.transform(),
		Hooks: peer.Hooks{
			OnPeerConnected: func(id string) {
				o.emit(func(s Sink) { s.OnPeerConnected(id) })
			},
			OnPeerDisconnected: func(id string) {
				o.emit(func(s Sink) { s.OnPeerDisconnected(id) })
			},
			OnError: o.reportError,
		},
		LoggerFactory:      o.lf,
		PendingTTL:         o.cfg.PendingCandidateTTL,
		NegotiationTimeout: o.cfg.NegotiationTimeout,
	}
}

func (o *Orchestrator) newRouter(localID string, reg *peer.Registry) *router {
	return &router{
		localID: localID,
		reg:     reg,
		log:     o.lf.NewLogger("router"),
		timeout: o.cfg.NegotiationTimeout,
		reply:   o.send,
		onCommand: func(payload string) {
			o.emit(func(s Sink) { s.OnRemoteCommand(payload) })
		},
		onAck: func() {
			o.stateMu.Lock()
			o.lastAck = time.Now()
			o.stateMu.Unlock()
		},
		onError: o.reportError,
	}
}

func (o *Orchestrator) transform() func(string) string {
	if o.cfg.DisableTuning {
		return nil
	}
	opts := sdptune.DefaultOptions()
	if o.cfg.Tuning != nil {
		opts = *o.cfg.Tuning
	}
	if !o.caps.ContentHint {
		opts.ContentHint = ""
	}
	return func(sdp string) string { return sdptune.Transform(sdp, opts) }
}

// transportHandler posts transport callbacks to the loop. Callbacks from a
// transport that has since been torn down are ignored.
func (o *Orchestrator) transportHandler(gen uint64) signal.Handler {
	current := func(fn func()) {
		o.loop.post(func() {
			if gen == o.gen && o.transport != nil {
				fn()
			}
		})
	}
	return signal.Handler{
		OnConnected: func() {
			current(func() { o.onSignalingConnected(gen) })
		},
		OnMessage: func(data []byte) {
			current(func() { o.router.route(data) })
		},
		OnClosed: func(err error) {
			current(func() { o.onSignalingLost(err) })
		},
		OnError: func(err error) {
			current(func() { o.onTransportError(err) })
		},
	}
}

func (o *Orchestrator) onSignalingConnected(gen uint64) {
	o.log.Infof("signaling connected")
	o.signaling = true
	o.emit(func(s Sink) { s.OnSignalingConnected() })
	o.setState(StateConnected)
	o.startHeartbeat(gen)
}

func (o *Orchestrator) onSignalingLost(err error) {
	o.log.Warnf("signaling lost: %v", err)
	o.stopHeartbeat()
	if o.signaling {
		o.signaling = false
		o.emit(func(s Sink) { s.OnSignalingDisconnected() })
	}
	o.setState(StateConnecting)
}

func (o *Orchestrator) onTransportError(err error) {
	o.reportError(&TransportError{Op: "reconnect", Err: err})
	if errors.Is(err, signal.ErrReconnectFailed) {
		o.setState(StateFailed)
	}
}

// send encodes msg onto the transport. Runs on the loop.
func (o *Orchestrator) send(msg signal.Message) error {
	if o.transport == nil {
		return &TransportError{Op: "send", Err: signal.ErrNotConnected}
	}
	data, err := signal.Encode(msg)
	if err != nil {
		return err
	}
	if err := o.transport.Send(data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Stop closes every peer session, then the heartbeat and the transport, then
// the capture. Failures are collected and do not stop the rest.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return ErrReleased
	}
	return o.stopLocked()
}

func (o *Orchestrator) stopLocked() error {
	if !o.started {
		return nil
	}
	o.started = false
	err := errors.Join(o.teardown(), o.releaseCapture())
	if err != nil {
		o.log.Warnf("stop: %v", err)
	}
	o.setState(StateDisconnected)
	o.log.Infof("stopped")
	return err
}

// teardown releases everything Start put on the loop.
func (o *Orchestrator) teardown() error {
	var errs []error
	lerr := o.onLoop(func() {
		if o.reg != nil {
			if err := o.reg.RemoveAll(); err != nil {
				errs = append(errs, err)
			}
		}
		o.stopHeartbeat()
		o.gen++
		if o.transport != nil {
			if err := o.transport.Close(); err != nil {
				errs = append(errs, &TransportError{Op: "close", Err: err})
			}
		}
		if o.signaling {
			o.signaling = false
			o.emit(func(s Sink) { s.OnSignalingDisconnected() })
		}
		o.reg, o.router, o.transport = nil, nil, nil
	})
	if lerr != nil {
		errs = append(errs, lerr)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) releaseCapture() error {
	if !o.captured {
		return nil
	}
	o.captured = false
	o.stream = nil
	if err := o.cfg.Capturer.Stop(); err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	return nil
}

// Release stops and disposes of the media engine. The orchestrator cannot
// be used afterwards.
func (o *Orchestrator) Release() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return nil
	}
	o.released = true

	var errs []error
	if err := o.stopLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := o.cfg.Engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	o.loop.close()
	o.loop.wait()
	o.notify.close()
	return errors.Join(errs...)
}

// State returns the current connection state.
func (o *Orchestrator) State() State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

// Peers returns the ids of the peers with a session, sorted.
func (o *Orchestrator) Peers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return nil
	}
	var ids []string
	if err := o.onLoop(func() { ids = o.reg.IDs() }); err != nil {
		return nil
	}
	return ids
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.state == s {
		return
	}
	o.log.Debugf("state %s -> %s", o.state, s)
	o.state = s
	o.emit(func(sink Sink) { sink.OnStateChanged(s) })
}

func (o *Orchestrator) reportError(err error) {
	o.emit(func(s Sink) { s.OnError(err) })
}

func (o *Orchestrator) emit(fn func(Sink)) {
	o.notify.post(func() { fn(o.sink) })
}

func (o *Orchestrator) onLoop(fn func()) error {
	return o.loop.do(context.Background(), fn)
}
