package peer

import (
	"context"

	"github.com/pion/logging"

	"github.com/tomaslejdung/peershare/pkg/engine"
	"github.com/tomaslejdung/peershare/pkg/signal"
)

// maxInbound bounds the remote candidates a session holds while waiting for
// the remote description.
const maxInbound = 128

// Session is the negotiation state machine for one remote peer. It owns its
// engine handle and closes it exactly once.
//
// A Session is not safe for concurrent use. Every method, and every engine
// event it reacts to, runs on the owning Registry's execution context.
type Session struct {
	reg    *Registry
	peerID string
	log    logging.LeveledLogger

	role  Role
	state State
	// base is the state a failed negotiation falls back to.
	base State

	handle     engine.Session
	generation uint64

	localDesc string
	localSet  bool
	remoteSet bool
	// signaled is set once our offer or answer for the current handle has
	// been sent. Gathered candidates are held until then.
	signaled bool

	inbound  []engine.Candidate
	outbound []engine.Candidate
}

func newSession(reg *Registry, peerID string) (*Session, error) {
	s := &Session{
		reg:    reg,
		peerID: peerID,
		log:    reg.lf.NewLogger("peer"),
		state:  Idle,
		base:   Idle,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// open creates a fresh engine handle and attaches the local stream to it.
func (s *Session) open() error {
	s.generation++
	h, err := s.reg.cfg.Factory.NewSession(s.handlers(s.generation))
	if err != nil {
		return err
	}
	s.handle = h
	s.localDesc = ""
	s.localSet = false
	s.remoteSet = false
	s.signaled = false
	s.outbound = nil

	if err := s.EnsureStream(); err != nil {
		s.log.Warnf("%s: attach local stream: %v", s.peerID, err)
	}
	return nil
}

// handlers bridges engine events onto the registry's execution context.
// Events from a handle that has since been replaced or closed are dropped.
func (s *Session) handlers(gen uint64) engine.Handlers {
	return engine.Handlers{
		OnCandidate: func(c engine.Candidate) {
			s.reg.post(func() {
				if s.current(gen) {
					s.onLocalCandidate(c)
				}
			})
		},
		OnConnectionState: func(state engine.ConnectionState) {
			s.reg.post(func() {
				if s.current(gen) {
					s.onConnectionState(state)
				}
			})
		},
		OnRenegotiationNeeded: func() {
			s.reg.post(func() {
				if s.current(gen) {
					s.onRenegotiationNeeded()
				}
			})
		},
	}
}

func (s *Session) current(gen uint64) bool {
	return s.state != Closed && s.generation == gen
}

// PeerID returns the remote client identity.
func (s *Session) PeerID() string { return s.peerID }

// Role returns which side started the current negotiation.
func (s *Session) Role() Role { return s.role }

// State returns the negotiation state.
func (s *Session) State() State { return s.state }

// Generation counts engine handles created for this session.
func (s *Session) Generation() uint64 { return s.generation }

// LocalDescription returns the last local description applied.
func (s *Session) LocalDescription() string { return s.localDesc }

// PendingCandidates returns how many remote candidates are waiting for the
// remote description.
func (s *Session) PendingCandidates() int { return len(s.inbound) }

func (s *Session) transition(to State) error {
	if !canTransition(s.state, to) {
		return &transitionError{From: s.state, To: to}
	}
	s.log.Tracef("%s: %s -> %s", s.peerID, s.state, to)
	s.state = to
	return nil
}

// fail restores the pre-negotiation state and wraps err.
func (s *Session) fail(step string, err error) error {
	if s.state != Closed {
		s.log.Tracef("%s: %s -> %s (failed %s)", s.peerID, s.state, s.base, step)
		s.state = s.base
	}
	return &NegotiationError{PeerID: s.peerID, Step: step, Err: err}
}

// EnsureStream attaches every track of the local stream that the engine
// does not already report as a sender. Calling it repeatedly is safe.
func (s *Session) EnsureStream() error {
	if s.state == Closed {
		return ErrSessionClosed
	}
	stream := s.reg.stream
	if stream == nil || s.handle == nil {
		return nil
	}

	attached := make(map[string]bool)
	for _, sender := range s.handle.Senders() {
		attached[sender.TrackID] = true
	}
	for _, track := range stream.Tracks {
		if attached[track.ID()] {
			continue
		}
		if _, err := s.handle.AddTrack(track); err != nil {
			return err
		}
		attached[track.ID()] = true
		s.log.Debugf("%s: attached track %s", s.peerID, track.ID())
	}
	return nil
}

// CreateOffer starts a negotiation as initiator: attach the stream, create
// a receive-nothing offer, rewrite it, apply it and send it. Engines that
// refuse a rewritten local offer get their own text applied; the peer still
// receives the rewritten one.
func (s *Session) CreateOffer(ctx context.Context) error {
	if s.state == Closed {
		return ErrSessionClosed
	}
	base := s.state
	if err := s.transition(Offering); err != nil {
		return &NegotiationError{PeerID: s.peerID, Step: "create offer", Err: err}
	}
	s.base = base
	s.role = Initiator

	if err := s.EnsureStream(); err != nil {
		return s.fail("attach stream", err)
	}
	desc, err := s.handle.CreateOffer(ctx, engine.Constraints{})
	if err != nil {
		return s.fail("create offer", err)
	}
	wire := s.reg.transform(desc.SDP)
	if s.reg.caps.AcceptsModifiedLocalDescription {
		desc.SDP = wire
	}
	if err := s.handle.SetLocalDescription(ctx, desc); err != nil {
		return s.fail("set local offer", err)
	}
	s.localSet = true
	s.localDesc = desc.SDP
	if err := s.transition(LocalOfferSet); err != nil {
		return s.fail("set local offer", err)
	}

	if err := s.reg.send(signal.Offer{From: s.reg.cfg.LocalID, To: s.peerID, SDP: wire}); err != nil {
		return s.fail("send offer", err)
	}
	s.signaled = true
	s.log.Infof("%s: offer sent", s.peerID)
	s.flushOutbound()
	return nil
}

// HandleRemoteOffer applies a remote offer and answers it. While we are
// initiator or mid-negotiation the offer collides with ours: the side with
// the greater identity keeps its offer, the other side resets and answers.
func (s *Session) HandleRemoteOffer(ctx context.Context, sdp string) error {
	if s.state == Closed {
		return ErrSessionClosed
	}

	if s.role == Initiator || s.state.Negotiating() {
		if s.reg.cfg.LocalID > s.peerID {
			s.log.Infof("%s: offer collision, keeping local offer", s.peerID)
			return nil
		}
		s.log.Infof("%s: offer collision, remote offer wins; resetting session", s.peerID)
		if err := s.replaceHandle(); err != nil {
			return &NegotiationError{PeerID: s.peerID, Step: "replace session", Err: err}
		}
	}

	base := s.state
	if err := s.transition(OfferReceived); err != nil {
		return &NegotiationError{PeerID: s.peerID, Step: "apply offer", Err: err}
	}
	s.base = base
	s.role = Responder

	if err := s.handle.SetRemoteDescription(ctx, engine.Description{Type: engine.SDPOffer, SDP: sdp}); err != nil {
		return s.fail("set remote offer", err)
	}
	s.remoteSet = true
	s.flushInbound()

	return s.createAnswer(ctx)
}

func (s *Session) createAnswer(ctx context.Context) error {
	if err := s.transition(Answering); err != nil {
		return s.fail("create answer", err)
	}
	desc, err := s.handle.CreateAnswer(ctx, engine.Constraints{})
	if err != nil {
		return s.fail("create answer", err)
	}
	if err := s.handle.SetLocalDescription(ctx, desc); err != nil {
		return s.fail("set local answer", err)
	}
	s.localSet = true
	s.localDesc = desc.SDP
	if err := s.transition(LocalAnswerSet); err != nil {
		return s.fail("set local answer", err)
	}

	if err := s.reg.send(signal.Answer{From: s.reg.cfg.LocalID, To: s.peerID, SDP: desc.SDP}); err != nil {
		return s.fail("send answer", err)
	}
	s.signaled = true
	if err := s.transition(Stable); err != nil {
		return s.fail("send answer", err)
	}
	s.log.Infof("%s: answer sent", s.peerID)
	s.flushOutbound()
	return nil
}

// HandleRemoteAnswer applies the answer to our outstanding offer.
func (s *Session) HandleRemoteAnswer(ctx context.Context, sdp string) error {
	if s.state == Closed {
		return ErrSessionClosed
	}
	if s.state != LocalOfferSet {
		return &NegotiationError{PeerID: s.peerID, Step: "apply answer", Err: &transitionError{From: s.state, To: Stable}}
	}

	if err := s.handle.SetRemoteDescription(ctx, engine.Description{Type: engine.SDPAnswer, SDP: sdp}); err != nil {
		return s.fail("set remote answer", err)
	}
	s.remoteSet = true
	if err := s.transition(Stable); err != nil {
		return s.fail("set remote answer", err)
	}
	s.flushInbound()
	return nil
}

// AddRemoteCandidate hands c to the engine, or holds it until the remote
// description is set when the engine cannot queue it itself.
func (s *Session) AddRemoteCandidate(c signal.ICECandidate) error {
	if s.state == Closed {
		return ErrSessionClosed
	}
	candidate := engine.Candidate(c)
	if !s.remoteSet && !s.reg.caps.QueuesEarlyCandidates {
		if len(s.inbound) >= maxInbound {
			s.log.Warnf("%s: candidate queue full, dropping oldest", s.peerID)
			s.inbound = s.inbound[1:]
		}
		s.inbound = append(s.inbound, candidate)
		return nil
	}
	return s.handle.AddICECandidate(candidate)
}

func (s *Session) flushInbound() {
	queued := s.inbound
	s.inbound = nil
	for _, c := range queued {
		if err := s.handle.AddICECandidate(c); err != nil {
			s.log.Warnf("%s: add queued candidate: %v", s.peerID, err)
		}
	}
}

func (s *Session) onLocalCandidate(c engine.Candidate) {
	if !s.signaled {
		s.outbound = append(s.outbound, c)
		return
	}
	s.sendCandidate(c)
}

func (s *Session) flushOutbound() {
	held := s.outbound
	s.outbound = nil
	for _, c := range held {
		s.sendCandidate(c)
	}
}

func (s *Session) sendCandidate(c engine.Candidate) {
	msg := signal.Candidate{From: s.reg.cfg.LocalID, To: s.peerID, Candidate: signal.ICECandidate(c)}
	if err := s.reg.send(msg); err != nil {
		s.log.Warnf("%s: send candidate: %v", s.peerID, err)
	}
}

func (s *Session) onConnectionState(state engine.ConnectionState) {
	s.log.Debugf("%s: connection %s", s.peerID, state)
	switch state {
	case engine.ConnectionConnected:
		s.reg.hooks.peerConnected(s.peerID)
		if err := s.EnsureStream(); err != nil {
			s.log.Warnf("%s: re-check local stream: %v", s.peerID, err)
		}
	case engine.ConnectionDisconnected, engine.ConnectionFailed:
		s.reg.hooks.peerDisconnected(s.peerID)
		if err := s.reg.removeSession(s); err != nil {
			s.log.Warnf("%s: close after %s: %v", s.peerID, state, err)
		}
	}
}

func (s *Session) onRenegotiationNeeded() {
	if s.state != Idle && s.state != Stable {
		s.log.Debugf("%s: renegotiation needed while %s, skipping", s.peerID, s.state)
		return
	}
	if !InitiationPolicy(s.reg.cfg.LocalID, s.peerID) {
		s.log.Debugf("%s: renegotiation needed, remote side initiates", s.peerID)
		return
	}

	ctx, cancel := s.reg.eventContext()
	defer cancel()
	if err := s.CreateOffer(ctx); err != nil {
		s.reg.hooks.error(err)
	}
}

// replaceHandle closes the current engine handle and opens a fresh one,
// leaving the session Idle as a responder. Remote candidates queued for
// the winning offer are kept.
func (s *Session) replaceHandle() error {
	old := s.handle
	s.handle = nil
	if err := old.Close(); err != nil {
		s.log.Warnf("%s: close replaced session: %v", s.peerID, err)
	}

	s.state = Idle
	s.base = Idle
	s.role = Responder
	if err := s.open(); err != nil {
		s.state = Closed
		return err
	}
	return nil
}

// Close releases the engine handle. Only the first call has any effect.
func (s *Session) Close() error {
	if s.state == Closed {
		return nil
	}
	s.state = Closed
	s.inbound = nil
	s.outbound = nil

	h := s.handle
	s.handle = nil
	if h == nil {
		return nil
	}
	return h.Close()
}
