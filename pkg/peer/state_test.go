package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitiationPolicy(t *testing.T) {
	pairs := [][2]string{
		{"client-1000", "client-2000"},
		{"a", "b"},
		{"peer-0a1b2c3d", "peer-ffffffff"},
		{"Z", "a"},
		{"", "x"},
	}
	for _, p := range pairs {
		a, b := p[0], p[1]
		assert.True(t, InitiationPolicy(a, b), "%s -> %s", a, b)
		assert.False(t, InitiationPolicy(b, a), "%s -> %s", b, a)
	}
}

func TestInitiationPolicyScenario(t *testing.T) {
	// client-2000 waits for client-1000 to offer.
	assert.False(t, InitiationPolicy("client-2000", "client-1000"))
	assert.True(t, InitiationPolicy("client-1000", "client-2000"))
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Idle, Offering, true},
		{Idle, OfferReceived, true},
		{Idle, Stable, false},
		{Offering, LocalOfferSet, true},
		{Offering, Idle, true},
		{LocalOfferSet, Stable, true},
		{LocalOfferSet, Offering, false},
		{OfferReceived, Answering, true},
		{Answering, LocalAnswerSet, true},
		{LocalAnswerSet, Stable, true},
		{Stable, Offering, true},
		{Stable, OfferReceived, true},
		{Stable, Answering, false},
		{Closed, Idle, false},
		{Closed, Offering, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	for s := Idle; s < Closed; s++ {
		assert.True(t, canTransition(s, Closed), "%s -> closed", s)
	}
}

func TestNegotiating(t *testing.T) {
	for _, s := range []State{Offering, LocalOfferSet, OfferReceived, Answering, LocalAnswerSet} {
		assert.True(t, s.Negotiating(), s.String())
	}
	for _, s := range []State{Idle, Stable, Closed} {
		assert.False(t, s.Negotiating(), s.String())
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "local-offer-set", LocalOfferSet.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.Equal(t, "responder", Responder.String())
	assert.Equal(t, "undecided", Undecided.String())
}
