package orchestrator

import "fmt"

// State is the orchestrator's connection state as reported to the host.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Sink receives host-visible notifications. Calls are never concurrent and
// arrive in the order the orchestrator produced them.
type Sink interface {
	OnStateChanged(State)
	OnError(error)
	OnSignalingConnected()
	OnSignalingDisconnected()
	OnPeerConnected(peerID string)
	OnPeerDisconnected(peerID string)
	OnRemoteCommand(payload string)
}

// NopSink ignores every notification. Embed it to implement part of Sink.
type NopSink struct{}

func (NopSink) OnStateChanged(State)      {}
func (NopSink) OnError(error)             {}
func (NopSink) OnSignalingConnected()     {}
func (NopSink) OnSignalingDisconnected()  {}
func (NopSink) OnPeerConnected(string)    {}
func (NopSink) OnPeerDisconnected(string) {}
func (NopSink) OnRemoteCommand(string)    {}
