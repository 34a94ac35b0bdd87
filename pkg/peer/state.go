package peer

import "fmt"

// State is the negotiation state of a Session.
type State int

const (
	Idle State = iota
	Offering
	LocalOfferSet
	OfferReceived
	Answering
	LocalAnswerSet
	Stable
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case LocalOfferSet:
		return "local-offer-set"
	case OfferReceived:
		return "offer-received"
	case Answering:
		return "answering"
	case LocalAnswerSet:
		return "local-answer-set"
	case Stable:
		return "stable"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Negotiating reports whether an offer/answer exchange is in flight.
func (s State) Negotiating() bool {
	switch s {
	case Offering, LocalOfferSet, OfferReceived, Answering, LocalAnswerSet:
		return true
	}
	return false
}

// Role records which side started the current negotiation.
type Role int

const (
	Undecided Role = iota
	Initiator
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	}
	return "undecided"
}

// transitions lists the legal moves out of each state. Moving back to Idle
// or Stable is how a failed attempt restores the pre-negotiation state, and
// Idle is also where a session lands after its engine handle is replaced.
var transitions = map[State][]State{
	Idle:           {Offering, OfferReceived, Closed},
	Offering:       {LocalOfferSet, Idle, Stable, Closed},
	LocalOfferSet:  {Stable, Idle, Closed},
	OfferReceived:  {Answering, Idle, Stable, Closed},
	Answering:      {LocalAnswerSet, Idle, Stable, Closed},
	LocalAnswerSet: {Stable, Idle, Closed},
	Stable:         {Offering, OfferReceived, Idle, Closed},
	Closed:         nil,
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InitiationPolicy reports whether localID should send the first offer to
// remoteID. Exactly one of any two distinct identities initiates. Both
// sides evaluate the same comparison, so they always agree.
func InitiationPolicy(localID, remoteID string) bool {
	return localID < remoteID
}
