package orchestrator

import (
	"errors"
	"fmt"

	"github.com/tomaslejdung/peershare/pkg/peer"
)

var (
	ErrNoRoom             = errors.New("no room configured")
	ErrNoLocalMedia       = errors.New("no local media source")
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrAlreadyStarted     = errors.New("already started")
	ErrReleased           = errors.New("orchestrator released")
	ErrConnectTimeout     = errors.New("signaling connect timed out")
)

// ConfigurationError is fatal for the current attempt and is not retried:
// a missing room descriptor, an invalid one, or a duplicate client identity.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransportError reports a signaling channel failure. The orchestrator stays
// usable and Start may be retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError describes an inbound message that was dropped. It is only
// ever logged.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NegotiationError is scoped to a single peer session.
type NegotiationError = peer.NegotiationError
