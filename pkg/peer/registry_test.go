package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peershare/pkg/engine"
	"github.com/tomaslejdung/peershare/pkg/engine/enginetest"
	"github.com/tomaslejdung/peershare/pkg/signal"
)

func TestNewRegistryValidates(t *testing.T) {
	factory := enginetest.NewFactory(engine.Capabilities{})
	send := func(signal.Message) error { return nil }

	_, err := NewRegistry(Config{Factory: factory, Send: send})
	assert.Error(t, err)
	_, err = NewRegistry(Config{LocalID: "a", Send: send})
	assert.Error(t, err)
	_, err = NewRegistry(Config{LocalID: "a", Factory: factory})
	assert.Error(t, err)

	reg, err := NewRegistry(Config{LocalID: "a", Factory: factory, Send: send})
	require.NoError(t, err)
	assert.Equal(t, "a", reg.LocalID())
	assert.Equal(t, defaultPendingTTL, reg.cfg.PendingTTL)
	assert.Equal(t, defaultPendingCap, reg.cfg.PendingCap)
}

func TestEnsurePeerUnique(t *testing.T) {
	h := newHarness(t, "local")
	s1, created, err := h.reg.EnsurePeer("remote")
	require.NoError(t, err)
	assert.True(t, created)

	s2, created, err := h.reg.EnsurePeer("remote")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s1, s2)
	assert.Len(t, h.factory.Sessions(), 1)
}

func TestEnsurePeerRejectsLocalIdentity(t *testing.T) {
	h := newHarness(t, "local")

	_, _, err := h.reg.EnsurePeer("local")
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
	_, _, err = h.reg.EnsurePeer("")
	assert.Error(t, err)

	_, err = h.reg.HandleCandidate("local", candidate("1"))
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
	assert.Zero(t, h.reg.Len())
	assert.Empty(t, h.factory.Sessions())
}

func TestEnsurePeerEngineFailure(t *testing.T) {
	h := newHarness(t, "local")
	h.factory.NewSessionErr = errors.New("out of ports")

	_, _, err := h.reg.EnsurePeer("remote")
	assert.ErrorContains(t, err, "out of ports")
	assert.Zero(t, h.reg.Len())
}

func TestConnectOnlyOffersOnce(t *testing.T) {
	h := newHarness(t, "a")
	_, err := h.reg.Connect(context.Background(), "b")
	require.NoError(t, err)
	_, err = h.reg.Connect(context.Background(), "b")
	require.NoError(t, err)

	assert.Equal(t, 1, h.factory.Last().Count("CreateOffer"))
	assert.Equal(t, []signal.Type{signal.TypeOffer}, h.types())
}

func TestHandleAnswerUnknownPeer(t *testing.T) {
	h := newHarness(t, "a")
	err := h.reg.HandleAnswer(context.Background(), "ghost", enginetest.AnswerSDP)
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.Zero(t, h.reg.Len())
}

func TestHandleOfferReplaceFailureRemovesPeer(t *testing.T) {
	h := newHarness(t, "client-1000")
	_, err := h.reg.Connect(context.Background(), "client-2000")
	require.NoError(t, err)

	h.factory.NewSessionErr = errors.New("engine gone")
	err = h.reg.HandleOffer(context.Background(), "client-2000", enginetest.OfferSDP)
	assert.ErrorContains(t, err, "engine gone")

	assert.Zero(t, h.reg.Len())
	assert.Equal(t, 1, h.factory.Sessions()[0].CloseCalls())
}

func TestPendingCandidatesFlushedOnCreation(t *testing.T) {
	h := newHarness(t, "b")

	for _, n := range []string{"1", "2"} {
		buffered, err := h.reg.HandleCandidate("a", candidate(n))
		require.NoError(t, err)
		assert.True(t, buffered)
	}
	assert.Equal(t, 2, h.reg.PendingCandidates("a"))
	assert.Zero(t, h.reg.Len())

	require.NoError(t, h.reg.HandleOffer(context.Background(), "a", enginetest.OfferSDP))
	assert.Zero(t, h.reg.PendingCandidates("a"))
	assert.Equal(t, []engine.Candidate{
		engine.Candidate(candidate("1")),
		engine.Candidate(candidate("2")),
	}, h.factory.Last().Candidates())

	buffered, err := h.reg.HandleCandidate("a", candidate("3"))
	require.NoError(t, err)
	assert.False(t, buffered)
	assert.Len(t, h.factory.Last().Candidates(), 3)
}

func TestPendingCandidatesExpire(t *testing.T) {
	h := newHarness(t, "b", func(c *Config) { c.PendingTTL = 30 * time.Second })

	_, err := h.reg.HandleCandidate("a", candidate("1"))
	require.NoError(t, err)
	h.now = h.now.Add(20 * time.Second)
	_, err = h.reg.HandleCandidate("a", candidate("2"))
	require.NoError(t, err)

	// The deadline runs from the latest arrival.
	h.now = h.now.Add(20 * time.Second)
	assert.Equal(t, 2, h.reg.PendingCandidates("a"))

	h.now = h.now.Add(10 * time.Second)
	assert.Zero(t, h.reg.PendingCandidates("a"))

	s, _, err := h.reg.EnsurePeer("a")
	require.NoError(t, err)
	assert.Zero(t, s.PendingCandidates())
}

func TestPendingCandidatesCapped(t *testing.T) {
	h := newHarness(t, "b", func(c *Config) { c.PendingCap = 2 })

	for _, n := range []string{"1", "2", "3"} {
		_, err := h.reg.HandleCandidate("a", candidate(n))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.reg.PendingCandidates("a"))

	s, _, err := h.reg.EnsurePeer("a")
	require.NoError(t, err)
	require.Len(t, s.inbound, 2)
	assert.Equal(t, candidate("2").Candidate, s.inbound[0].Candidate)
	assert.Equal(t, candidate("3").Candidate, s.inbound[1].Candidate)
}

func TestRemovePeer(t *testing.T) {
	h := newHarness(t, "z")
	_, _, err := h.reg.EnsurePeer("a")
	require.NoError(t, err)
	_, err = h.reg.HandleCandidate("b", candidate("1"))
	require.NoError(t, err)

	require.NoError(t, h.reg.RemovePeer("a"))
	require.NoError(t, h.reg.RemovePeer("a"))
	require.NoError(t, h.reg.RemovePeer("b"))
	require.NoError(t, h.reg.RemovePeer("never-seen"))

	assert.Zero(t, h.reg.Len())
	assert.Zero(t, h.reg.PendingCandidates("b"))
	assert.Equal(t, 1, h.factory.Last().CloseCalls())
}

func TestRemoveAllContinuesPastErrors(t *testing.T) {
	h := newHarness(t, "z")
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := h.reg.EnsurePeer(id)
		require.NoError(t, err)
	}
	sessions := h.factory.Sessions()
	sessions[1].CloseErr = errors.New("stuck")
	_, err := h.reg.HandleCandidate("d", candidate("1"))
	require.NoError(t, err)

	err = h.reg.RemoveAll()
	assert.ErrorContains(t, err, "close b")
	assert.Zero(t, h.reg.Len())
	assert.Zero(t, h.reg.PendingCandidates("d"))
	for _, s := range sessions {
		assert.Equal(t, 1, s.CloseCalls(), "session %d", s.ID)
	}
}

func TestIDsSorted(t *testing.T) {
	h := newHarness(t, "local")
	for _, id := range []string{"peer-c", "peer-a", "peer-b"} {
		_, _, err := h.reg.EnsurePeer(id)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"peer-a", "peer-b", "peer-c"}, h.reg.IDs())
	assert.Equal(t, 3, h.reg.Len())
}

func TestAttachStreamReachesEveryPeer(t *testing.T) {
	h := newHarness(t, "z")
	for _, id := range []string{"a", "b"} {
		_, _, err := h.reg.EnsurePeer(id)
		require.NoError(t, err)
	}

	stream := &engine.Stream{ID: "screen", Tracks: []engine.Track{enginetest.Track("video")}}
	require.NoError(t, h.reg.AttachStream(stream))
	_, _, err := h.reg.EnsurePeer("c")
	require.NoError(t, err)

	for _, s := range h.factory.Sessions() {
		assert.Equal(t, 1, s.Count("AddTrack:video"), "session %d", s.ID)
	}

	h.reg.DetachStream()
	assert.Nil(t, h.reg.Stream())
	_, _, err = h.reg.EnsurePeer("d")
	require.NoError(t, err)
	assert.Zero(t, h.factory.Last().Count("AddTrack:video"))
}

func TestAttachStreamJoinsErrors(t *testing.T) {
	h := newHarness(t, "z")
	for _, id := range []string{"a", "b"} {
		_, _, err := h.reg.EnsurePeer(id)
		require.NoError(t, err)
	}
	h.factory.Sessions()[0].AddTrackErr = errors.New("no room")

	err := h.reg.AttachStream(&engine.Stream{ID: "screen", Tracks: []engine.Track{enginetest.Track("video")}})
	assert.ErrorContains(t, err, "attach stream to a")
	assert.Equal(t, 1, h.factory.Sessions()[1].Count("AddTrack:video"))
}

func TestPostRoutesEngineEvents(t *testing.T) {
	var queued []func()
	h := newHarness(t, "b", func(c *Config) {
		c.Post = func(fn func()) { queued = append(queued, fn) }
	})
	require.NoError(t, h.reg.HandleOffer(context.Background(), "a", enginetest.OfferSDP))

	h.factory.Last().EmitState(engine.ConnectionConnected)
	assert.Empty(t, h.connected)
	require.Len(t, queued, 1)

	queued[0]()
	assert.Equal(t, []string{"a"}, h.connected)
}
