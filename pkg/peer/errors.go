package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateIdentity is returned when a remote peer claims the local
	// client identity. It is a configuration problem, never a protocol case.
	ErrDuplicateIdentity = errors.New("peer: remote identity equals local identity")

	// ErrSessionClosed is returned by operations on a closed Session.
	ErrSessionClosed = errors.New("peer: session closed")

	// ErrUnknownPeer is returned for operations on a peer the registry
	// does not hold.
	ErrUnknownPeer = errors.New("peer: unknown peer")
)

// NegotiationError reports a failed negotiation step on one peer. The
// session stays usable and a later attempt may succeed.
type NegotiationError struct {
	PeerID string
	Step   string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("peer %s: %s: %v", e.PeerID, e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// transitionError is wrapped in a NegotiationError when a step is attempted
// from a state that does not allow it.
type transitionError struct {
	From, To State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}
