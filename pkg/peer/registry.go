package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pion/logging"

	"github.com/tomaslejdung/peershare/pkg/engine"
	"github.com/tomaslejdung/peershare/pkg/signal"
)

const (
	defaultPendingTTL         = 30 * time.Second
	defaultPendingCap         = 64
	defaultNegotiationTimeout = 10 * time.Second
)

// Hooks receives peer lifecycle notifications. Any field may be nil.
type Hooks struct {
	OnPeerConnected    func(peerID string)
	OnPeerDisconnected func(peerID string)
	// OnError receives failures of negotiations started by engine events,
	// which have no caller to return them to.
	OnError func(err error)
}

func (h Hooks) peerConnected(id string) {
	if h.OnPeerConnected != nil {
		h.OnPeerConnected(id)
	}
}

func (h Hooks) peerDisconnected(id string) {
	if h.OnPeerDisconnected != nil {
		h.OnPeerDisconnected(id)
	}
}

func (h Hooks) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Config wires a Registry to its collaborators.
type Config struct {
	LocalID string
	Factory engine.Factory

	// Send delivers an outbound signaling message.
	Send func(signal.Message) error

	// Post schedules fn on the execution context that owns the registry.
	// Engine events are routed through it. Nil runs fn immediately.
	Post func(fn func())

	// Transform rewrites locally generated offers. Nil leaves them as is.
	Transform func(sdp string) string

	Hooks         Hooks
	LoggerFactory logging.LoggerFactory

	// PendingTTL is how long candidates for a not-yet-created peer are
	// kept; PendingCap bounds them per peer.
	PendingTTL time.Duration
	PendingCap int

	// NegotiationTimeout bounds negotiations started by engine events.
	NegotiationTimeout time.Duration

	Now func() time.Time
}

// Registry owns the Session of every remote peer, keyed by peer id.
//
// A Registry is not safe for concurrent use: the owner calls it from a
// single execution context and routes engine events there through
// Config.Post.
type Registry struct {
	cfg   Config
	lf    logging.LoggerFactory
	log   logging.LeveledLogger
	caps  engine.Capabilities
	hooks Hooks

	sessions map[string]*Session
	stream   *engine.Stream
	pending  map[string]*pendingPeer
}

// NewRegistry validates cfg and returns an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.LocalID == "" {
		return nil, errors.New("peer: local id is empty")
	}
	if cfg.Factory == nil {
		return nil, errors.New("peer: engine factory is nil")
	}
	if cfg.Send == nil {
		return nil, errors.New("peer: send func is nil")
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = defaultPendingTTL
	}
	if cfg.PendingCap <= 0 {
		cfg.PendingCap = defaultPendingCap
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Registry{
		cfg:      cfg,
		lf:       cfg.LoggerFactory,
		log:      cfg.LoggerFactory.NewLogger("registry"),
		caps:     cfg.Factory.Capabilities(),
		hooks:    cfg.Hooks,
		sessions: make(map[string]*Session),
		pending:  make(map[string]*pendingPeer),
	}, nil
}

func (r *Registry) post(fn func()) {
	if r.cfg.Post != nil {
		r.cfg.Post(fn)
		return
	}
	fn()
}

func (r *Registry) send(msg signal.Message) error {
	return r.cfg.Send(msg)
}

func (r *Registry) transform(sdp string) string {
	if r.cfg.Transform == nil {
		return sdp
	}
	return r.cfg.Transform(sdp)
}

func (r *Registry) eventContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.NegotiationTimeout)
}

// LocalID returns the local client identity.
func (r *Registry) LocalID() string { return r.cfg.LocalID }

// EnsurePeer returns the session for id, creating it if needed. A new
// session gets the local stream attached and any candidates buffered for
// id. created reports whether a session was made.
func (r *Registry) EnsurePeer(id string) (s *Session, created bool, err error) {
	if id == "" {
		return nil, false, errors.New("peer: empty peer id")
	}
	if id == r.cfg.LocalID {
		return nil, false, fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
	}
	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}

	s, err = newSession(r, id)
	if err != nil {
		return nil, false, fmt.Errorf("create session for %s: %w", id, err)
	}
	r.sessions[id] = s
	r.log.Infof("peer %s added (%d total)", id, len(r.sessions))

	for _, c := range r.takePending(id) {
		if err := s.AddRemoteCandidate(c); err != nil {
			r.log.Warnf("peer %s: replay buffered candidate: %v", id, err)
		}
	}
	return s, true, nil
}

// Connect ensures a session for id and, for a newly created one, sends the
// first offer when InitiationPolicy makes us the initiator.
func (r *Registry) Connect(ctx context.Context, id string) (*Session, error) {
	s, created, err := r.EnsurePeer(id)
	if err != nil {
		return nil, err
	}
	if !created {
		return s, nil
	}
	if !InitiationPolicy(r.cfg.LocalID, id) {
		r.log.Debugf("peer %s: waiting for remote offer", id)
		return s, nil
	}
	return s, s.CreateOffer(ctx)
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// HandleOffer routes a remote offer, creating the session when needed but
// never offering on its own.
func (r *Registry) HandleOffer(ctx context.Context, from, sdp string) error {
	s, _, err := r.EnsurePeer(from)
	if err != nil {
		return err
	}
	err = s.HandleRemoteOffer(ctx, sdp)
	if s.State() == Closed {
		// Replacing the engine handle failed; the session is unusable.
		r.removeSession(s)
	}
	return err
}

// HandleAnswer routes a remote answer to an existing session.
func (r *Registry) HandleAnswer(ctx context.Context, from, sdp string) error {
	s, ok := r.sessions[from]
	if !ok {
		return fmt.Errorf("%w: answer from %s", ErrUnknownPeer, from)
	}
	return s.HandleRemoteAnswer(ctx, sdp)
}

// HandleCandidate routes a remote candidate. Candidates for a peer without
// a session are buffered until the session is created or they expire.
// buffered reports the latter case.
func (r *Registry) HandleCandidate(from string, c signal.ICECandidate) (buffered bool, err error) {
	if s, ok := r.sessions[from]; ok {
		return false, s.AddRemoteCandidate(c)
	}
	if from == r.cfg.LocalID {
		return false, fmt.Errorf("%w: %s", ErrDuplicateIdentity, from)
	}
	r.bufferPending(from, c)
	return true, nil
}

// RemovePeer closes and forgets the session for id. Removing an unknown
// peer is a no-op.
func (r *Registry) RemovePeer(id string) error {
	delete(r.pending, id)
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	r.log.Infof("peer %s removed (%d left)", id, len(r.sessions))
	return s.Close()
}

// removeSession removes s only if it is still the registered session for
// its peer.
func (r *Registry) removeSession(s *Session) error {
	if r.sessions[s.peerID] != s {
		return s.Close()
	}
	return r.RemovePeer(s.peerID)
}

// RemoveAll closes every session. A failing close is logged and does not
// stop the others; the failures are returned joined.
func (r *Registry) RemoveAll() error {
	var errs []error
	for _, id := range r.IDs() {
		if err := r.RemovePeer(id); err != nil {
			r.log.Warnf("peer %s: close: %v", id, err)
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	r.pending = make(map[string]*pendingPeer)
	return errors.Join(errs...)
}

// Len returns the number of sessions.
func (r *Registry) Len() int { return len(r.sessions) }

// IDs returns the peer ids in lexicographic order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AttachStream records the local stream and attaches it to every session
// that lacks it. Sessions created later attach it on creation.
func (r *Registry) AttachStream(stream *engine.Stream) error {
	r.stream = stream
	var errs []error
	for _, id := range r.IDs() {
		if err := r.sessions[id].EnsureStream(); err != nil {
			errs = append(errs, fmt.Errorf("attach stream to %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// DetachStream forgets the local stream. Sessions keep their senders.
func (r *Registry) DetachStream() {
	r.stream = nil
}

// Stream returns the local stream, or nil.
func (r *Registry) Stream() *engine.Stream { return r.stream }
