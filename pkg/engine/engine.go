// Package engine is the boundary between the peer-session orchestrator and
// the media engine that actually encodes, encrypts and transports media.
//
// The orchestrator only drives negotiation through these interfaces. Every
// call may fail; none of them is expected to block for long.
package engine

import (
	"context"
	"errors"
)

// ErrClosed is returned by calls on a closed Session or Factory.
var ErrClosed = errors.New("engine: closed")

// ErrUnsupportedTrack is returned by AddTrack for a track the engine cannot send.
var ErrUnsupportedTrack = errors.New("engine: unsupported track type")

// CapabilitiesVersion is the version of the Capabilities struct understood
// by this package. Engines report the version they implement so callers can
// skip features an older engine does not describe.
const CapabilitiesVersion = 2

// Capabilities describes optional engine features. A false field means the
// feature is absent and callers skip whatever depends on it.
type Capabilities struct {
	Version int

	// ContentHint: the engine forwards screen-content hints in its
	// descriptions unchanged.
	ContentHint bool

	// QueuesEarlyCandidates: AddICECandidate may be called before a remote
	// description is set and the engine applies the candidate later.
	QueuesEarlyCandidates bool

	// FrameRateMonitor: the engine can report the outgoing frame rate.
	FrameRateMonitor bool

	// AcceptsModifiedLocalDescription: SetLocalDescription takes an offer
	// whose text differs from what CreateOffer returned. Without it the
	// engine's own offer is applied and only the signaled copy is rewritten.
	// Added in version 2.
	AcceptsModifiedLocalDescription bool
}

// SDPType tells offers from answers.
type SDPType int

const (
	SDPOffer SDPType = iota + 1
	SDPAnswer
)

func (t SDPType) String() string {
	switch t {
	case SDPOffer:
		return "offer"
	case SDPAnswer:
		return "answer"
	}
	return "unknown"
}

// Description is a session description produced or consumed by the engine.
type Description struct {
	Type SDPType
	SDP  string
}

// Candidate is an ICE candidate in the engine's terms.
type Candidate struct {
	SDPMid        string
	SDPMLineIndex uint16
	Candidate     string
}

// ConnectionState is the connectivity state reported by a Session.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionChecking
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionChecking:
		return "checking"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// Constraints are the offer/answer options. The orchestrator always passes
// the zero value: a send-only session receives nothing.
type Constraints struct {
	ReceiveAudio bool
	ReceiveVideo bool
}

// Track is an outgoing media track.
type Track interface {
	ID() string
}

// Stream is a set of local tracks produced by a capture pipeline.
type Stream struct {
	ID     string
	Tracks []Track
}

// Sender is a track currently attached to a Session.
type Sender struct {
	TrackID string
}

// Handlers receives engine notifications. They may be called from any
// goroutine and must not block.
type Handlers struct {
	OnCandidate           func(Candidate)
	OnConnectionState     func(ConnectionState)
	OnRenegotiationNeeded func()
}

// Factory creates send-only sessions and owns engine-wide resources.
type Factory interface {
	NewSession(h Handlers) (Session, error)
	Capabilities() Capabilities

	// Close releases engine-wide resources, closing any session still open.
	Close() error
}

// Session is one media-engine peer connection.
type Session interface {
	CreateOffer(ctx context.Context, c Constraints) (Description, error)
	CreateAnswer(ctx context.Context, c Constraints) (Description, error)
	SetLocalDescription(ctx context.Context, d Description) error
	SetRemoteDescription(ctx context.Context, d Description) error
	AddICECandidate(c Candidate) error

	// Senders lists the tracks currently attached, as the engine sees them.
	Senders() []Sender
	AddTrack(t Track) (Sender, error)

	Close() error
}
