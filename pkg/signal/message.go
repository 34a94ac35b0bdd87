package signal

// Type is the "type" discriminator carried by every signaling message.
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeCandidate    Type = "candidate"
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeRoomClients  Type = "room_clients"
	TypeHeartbeat    Type = "heartbeat"
	TypeHeartbeatAck Type = "heartbeat_response"
	TypeCommand      Type = "command"
)

// Message is one decoded signaling message. The concrete value is one of
// Offer, Answer, Candidate, Join, Leave, RoomClients, Heartbeat,
// HeartbeatAck or Command.
type Message interface {
	Type() Type
}

// Offer carries an SDP offer from one client to another
type Offer struct {
	From string
	To   string
	SDP  string
}

// Answer carries an SDP answer from one client to another
type Answer struct {
	From string
	To   string
	SDP  string
}

// Candidate carries one trickled ICE candidate
type Candidate struct {
	From      string
	To        string
	Candidate ICECandidate
}

// Join announces a client entering the room
type Join struct {
	ClientID string
}

// Leave announces a client leaving the room
type Leave struct {
	ClientID string
}

// RoomClients lists the clients already present when we join a room
type RoomClients struct {
	ClientIDs []string
}

// Heartbeat is a liveness check
type Heartbeat struct{}

// HeartbeatAck answers a Heartbeat
type HeartbeatAck struct{}

// Command is an opaque instruction for the host application
type Command struct {
	Payload string
}

// ICECandidate is a connectivity candidate as exchanged on the wire. The
// orchestrator never interprets Candidate; it only routes it.
type ICECandidate struct {
	SDPMid        string
	SDPMLineIndex uint16
	Candidate     string
}

func (Offer) Type() Type        { return TypeOffer }
func (Answer) Type() Type       { return TypeAnswer }
func (Candidate) Type() Type    { return TypeCandidate }
func (Join) Type() Type         { return TypeJoin }
func (Leave) Type() Type        { return TypeLeave }
func (RoomClients) Type() Type  { return TypeRoomClients }
func (Heartbeat) Type() Type    { return TypeHeartbeat }
func (HeartbeatAck) Type() Type { return TypeHeartbeatAck }
func (Command) Type() Type      { return TypeCommand }

// Route returns the sender and addressee of a peer-to-peer message.
// ok is false for room-level messages that are not addressed to a peer.
func Route(msg Message) (from, to string, ok bool) {
	switch m := msg.(type) {
	case Offer:
		return m.From, m.To, true
	case Answer:
		return m.From, m.To, true
	case Candidate:
		return m.From, m.To, true
	}
	return "", "", false
}
