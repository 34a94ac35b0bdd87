// Package enginetest provides a recording in-memory engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomaslejdung/peershare/pkg/engine"
)

// OfferSDP is the description returned by fake CreateOffer calls.
const OfferSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendrecv\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:97 rtx/90000\r\n" +
	"a=fmtp:97 apt=96\r\n"

// AnswerSDP is the description returned by fake CreateAnswer calls.
const AnswerSDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

// Track is a minimal engine.Track.
type Track string

func (t Track) ID() string { return string(t) }

// Factory records every session it creates.
type Factory struct {
	mu       sync.Mutex
	caps     engine.Capabilities
	sessions []*Session
	closed   int

	// NewSessionErr, when set, fails the next NewSession calls.
	NewSessionErr error

	// OnSessionClose runs inside every Session.Close that releases a handle.
	OnSessionClose func(*Session)
}

// NewFactory returns a factory reporting caps.
func NewFactory(caps engine.Capabilities) *Factory {
	return &Factory{caps: caps}
}

func (f *Factory) Capabilities() engine.Capabilities {
	return f.caps
}

func (f *Factory) NewSession(h engine.Handlers) (engine.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewSessionErr != nil {
		return nil, f.NewSessionErr
	}
	s := &Session{ID: len(f.sessions) + 1, factory: f, handlers: h}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *Factory) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

// Closed reports how many times Close was called.
func (f *Factory) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Sessions returns every session created so far, oldest first.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

// Last returns the most recently created session, or nil.
func (f *Factory) Last() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// CloseCalls sums the handle releases across all sessions.
func (f *Factory) CloseCalls() int {
	n := 0
	for _, s := range f.Sessions() {
		n += s.CloseCalls()
	}
	return n
}

// Session is a fake engine session. Exported error fields make the
// corresponding call fail.
type Session struct {
	ID int

	CreateOfferErr  error
	CreateAnswerErr error
	SetLocalErr     error
	SetRemoteErr    error
	AddCandidateErr error
	AddTrackErr     error
	CloseErr        error

	factory  *Factory
	handlers engine.Handlers

	mu         sync.Mutex
	calls      []string
	local      *engine.Description
	remote     *engine.Description
	candidates []engine.Candidate
	senders    []engine.Sender
	closeCalls int
}

func (s *Session) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *Session) CreateOffer(ctx context.Context, c engine.Constraints) (engine.Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("CreateOffer")
	if s.CreateOfferErr != nil {
		return engine.Description{}, s.CreateOfferErr
	}
	if c.ReceiveAudio || c.ReceiveVideo {
		return engine.Description{}, fmt.Errorf("fake engine only supports send-only sessions")
	}
	return engine.Description{Type: engine.SDPOffer, SDP: OfferSDP}, nil
}

func (s *Session) CreateAnswer(ctx context.Context, c engine.Constraints) (engine.Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("CreateAnswer")
	if s.CreateAnswerErr != nil {
		return engine.Description{}, s.CreateAnswerErr
	}
	if s.remote == nil || s.remote.Type != engine.SDPOffer {
		return engine.Description{}, fmt.Errorf("fake engine: no remote offer")
	}
	return engine.Description{Type: engine.SDPAnswer, SDP: AnswerSDP}, nil
}

func (s *Session) SetLocalDescription(ctx context.Context, d engine.Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SetLocalDescription:" + d.Type.String())
	if s.SetLocalErr != nil {
		return s.SetLocalErr
	}
	s.local = &d
	return nil
}

func (s *Session) SetRemoteDescription(ctx context.Context, d engine.Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SetRemoteDescription:" + d.Type.String())
	if s.SetRemoteErr != nil {
		return s.SetRemoteErr
	}
	s.remote = &d
	return nil
}

// AddICECandidate rejects candidates before a remote description, like pion.
func (s *Session) AddICECandidate(c engine.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("AddICECandidate")
	if s.AddCandidateErr != nil {
		return s.AddCandidateErr
	}
	if s.remote == nil {
		return fmt.Errorf("fake engine: remote description not set")
	}
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *Session) Senders() []engine.Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Sender(nil), s.senders...)
}

func (s *Session) AddTrack(t engine.Track) (engine.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("AddTrack:" + t.ID())
	if s.AddTrackErr != nil {
		return engine.Sender{}, s.AddTrackErr
	}
	sender := engine.Sender{TrackID: t.ID()}
	s.senders = append(s.senders, sender)
	return sender, nil
}

// DropSenders simulates the engine detaching tracks out of band.
func (s *Session) DropSenders() {
	s.mu.Lock()
	s.senders = nil
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.record("Close")
	err := s.CloseErr
	s.mu.Unlock()

	if hook := s.factory.OnSessionClose; hook != nil {
		hook(s)
	}
	return err
}

// CloseCalls reports how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Calls returns the recorded call log.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how many times call was recorded.
func (s *Session) Count(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Local returns the last local description set, or nil.
func (s *Session) Local() *engine.Description {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Remote returns the last remote description set, or nil.
func (s *Session) Remote() *engine.Description {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Candidates returns the remote candidates applied so far.
func (s *Session) Candidates() []engine.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Candidate(nil), s.candidates...)
}

// EmitCandidate raises a locally gathered candidate.
func (s *Session) EmitCandidate(c engine.Candidate) {
	if s.handlers.OnCandidate != nil {
		s.handlers.OnCandidate(c)
	}
}

// EmitState raises a connectivity change.
func (s *Session) EmitState(state engine.ConnectionState) {
	if s.handlers.OnConnectionState != nil {
		s.handlers.OnConnectionState(state)
	}
}

// EmitRenegotiationNeeded raises a renegotiation request.
func (s *Session) EmitRenegotiationNeeded() {
	if s.handlers.OnRenegotiationNeeded != nil {
		s.handlers.OnRenegotiationNeeded()
	}
}
