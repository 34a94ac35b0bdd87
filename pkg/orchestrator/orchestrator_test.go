package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peershare/pkg/engine"
	"github.com/tomaslejdung/peershare/pkg/engine/enginetest"
	"github.com/tomaslejdung/peershare/pkg/sdptune"
	"github.com/tomaslejdung/peershare/pkg/signal"
)

// fakeTransport connects immediately unless told otherwise and records what
// is sent.
type fakeTransport struct {
	mu         sync.Mutex
	handler    signal.Handler
	sent       [][]byte
	connectErr error
	block      bool
	closes     int
	onClose    func()
}

func (f *fakeTransport) SetHandler(h signal.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	block, err, h := f.block, f.connectErr, f.handler
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	h.OnConnected()
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return signal.ErrClosed
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	hook := f.onClose
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeTransport) deliver(t *testing.T, msg signal.Message) {
	t.Helper()
	data, err := signal.Encode(msg)
	require.NoError(t, err)
	f.deliverRaw(data)
}

func (f *fakeTransport) deliverRaw(data []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnMessage(data)
}

func (f *fakeTransport) messages(t *testing.T) []signal.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signal.Message
	for _, data := range f.sent {
		msg, err := signal.Decode(data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (f *fakeTransport) count(t *testing.T, typ signal.Type) int {
	n := 0
	for _, m := range f.messages(t) {
		if m.Type() == typ {
			n++
		}
	}
	return n
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeCapturer struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
}

func (c *fakeCapturer) Start(ctx context.Context) (*engine.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return nil, c.startErr
	}
	return &engine.Stream{ID: "screen", Tracks: []engine.Track{enginetest.Track("video")}}, nil
}

func (c *fakeCapturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeCapturer) counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

// recordingSink keeps every notification as a short string.
type recordingSink struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (s *recordingSink) add(e string) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) OnStateChanged(st State)      { s.add("state:" + st.String()) }
func (s *recordingSink) OnSignalingConnected()        { s.add("signaling:up") }
func (s *recordingSink) OnSignalingDisconnected()     { s.add("signaling:down") }
func (s *recordingSink) OnPeerConnected(id string)    { s.add("peer:up:" + id) }
func (s *recordingSink) OnPeerDisconnected(id string) { s.add("peer:down:" + id) }
func (s *recordingSink) OnRemoteCommand(p string)     { s.add("command:" + p) }

func (s *recordingSink) OnError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.add("error")
}

func (s *recordingSink) has(e string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.events {
		if got == e {
			return true
		}
	}
	return false
}

func (s *recordingSink) errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

type fixture struct {
	o          *Orchestrator
	factory    *enginetest.Factory
	transports []*fakeTransport
	capturer   *fakeCapturer
	sink       *recordingSink
	mu         sync.Mutex
	reachErr   error
	// next configures each transport as it is dialed.
	next func(*fakeTransport)
}

func newFixture(t *testing.T, caps engine.Capabilities, opts ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		factory:  enginetest.NewFactory(caps),
		capturer: &fakeCapturer{},
		sink:     &recordingSink{},
	}
	cfg := Config{
		Engine: f.factory,
		Dial: func(signal.RoomDescriptor) signal.Transport {
			tr := &fakeTransport{}
			f.mu.Lock()
			if f.next != nil {
				f.next(tr)
			}
			f.transports = append(f.transports, tr)
			f.mu.Unlock()
			return tr
		},
		Reachable: func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.reachErr
		},
		Capturer:       f.capturer,
		HeartbeatDelay: time.Hour,
		ConnectTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	o, err := New(cfg, f.sink)
	require.NoError(t, err)
	f.o = o
	t.Cleanup(func() { o.Release() })
	return f
}

func (f *fixture) transport() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (f *fixture) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

// sync waits until everything posted to the loop so far has run.
func (f *fixture) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, f.o.onLoop(func() {}))
}

func (f *fixture) start(t *testing.T, clientID string) *fakeTransport {
	t.Helper()
	require.NoError(t, f.o.Configure(signal.RoomDescriptor{
		ServerURL: "ws://relay.test/ws",
		RoomID:    "room",
		ClientID:  clientID,
	}))
	require.NoError(t, f.o.Start(context.Background()))
	f.sync(t)
	return f.transport()
}

func TestLocalWithGreaterIdentityWaitsForOffer(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	tr := f.start(t, "client-2000")

	tr.deliver(t, signal.RoomClients{ClientIDs: []string{"client-1000"}})
	assert.Equal(t, []string{"client-1000"}, f.o.Peers())

	fake := f.factory.Last()
	require.NotNil(t, fake)
	assert.Zero(t, fake.Count("CreateOffer"))
	assert.Zero(t, tr.count(t, signal.TypeOffer))
	assert.Equal(t, 1, fake.Count("AddTrack:video"))
}

func TestLocalWithSmallerIdentityOffers(t *testing.T) {
	f := newFixture(t, engine.Capabilities{ContentHint: true})
	tr := f.start(t, "client-1000")

	tr.deliver(t, signal.Join{ClientID: "client-2000"})
	f.sync(t)

	msgs := tr.messages(t)
	require.Len(t, msgs, 1)
	offer, ok := msgs[0].(signal.Offer)
	require.True(t, ok)
	assert.Equal(t, "client-1000", offer.From)
	assert.Equal(t, "client-2000", offer.To)
	assert.Contains(t, offer.SDP, "a=content:main")
	assert.Contains(t, offer.SDP, "b=AS:300")
}

func TestContentHintDroppedWithoutCapability(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	tr := f.start(t, "a")

	tr.deliver(t, signal.Join{ClientID: "b"})
	f.sync(t)

	msgs := tr.messages(t)
	require.Len(t, msgs, 1)
	sdp := msgs[0].(signal.Offer).SDP
	assert.NotContains(t, sdp, "a=content:")
	assert.Contains(t, sdp, "a=sendonly")
}

func TestEarlyCandidateBufferedThenFlushed(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	tr := f.start(t, "client-2000")

	tr.deliverRaw([]byte(`{"type":"candidate","from":"client-1000","to":"client-2000",` +
		`"candidate":{"sdpMid":"video","sdpMLineIndex":0,"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host"}}`))
	assert.Empty(t, f.o.Peers())

	tr.deliver(t, signal.Offer{From: "client-1000", To: "client-2000", SDP: enginetest.OfferSDP})
	assert.Equal(t, []string{"client-1000"}, f.o.Peers())

	fake := f.factory.Last()
	assert.Equal(t, []engine.Candidate{{
		SDPMid:        "video",
		SDPMLineIndex: 0,
		Candidate:     "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host",
	}}, fake.Candidates())
	assert.Equal(t, 1, tr.count(t, signal.TypeAnswer))
}

func TestStopClosesPeersBeforeTransport(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	tr := f.start(t, "client-0000")

	var mu sync.Mutex
	var order []string
	f.factory.OnSessionClose = func(s *enginetest.Session) {
		mu.Lock()
		order = append(order, fmt.Sprintf("session-%d", s.ID))
		mu.Unlock()
	}
	tr.mu.Lock()
	tr.onClose = func() {
		mu.Lock()
		order = append(order, "transport")
		mu.Unlock()
	}
	tr.mu.Unlock()

	for _, id := range []string{"client-1", "client-2", "client-3"} {
		tr.deliver(t, signal.Join{ClientID: id})
	}
	require.Len(t, f.o.Peers(), 3)

	var reg interface{ Len() int }
	require.NoError(t, f.o.onLoop(func() { reg = f.o.reg }))

	require.NoError(t, f.o.Stop())

	assert.Equal(t, 3, f.factory.CloseCalls())
	assert.Zero(t, reg.Len())
	assert.Equal(t, 1, tr.closeCount())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, "transport", order[3])

	_, stops := f.capturer.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, StateDisconnected, f.o.State())
	assert.Nil(t, f.o.Peers())
}

func TestStartPreconditions(t *testing.T) {
	t.Run("no room", func(t *testing.T) {
		f := newFixture(t, engine.Capabilities{})
		err := f.o.Start(context.Background())

		var cerr *ConfigurationError
		require.ErrorAs(t, err, &cerr)
		assert.ErrorIs(t, err, ErrNoRoom)
		assert.Equal(t, StateNew, f.o.State())
		assert.Zero(t, f.dials())
	})

	t.Run("network unreachable", func(t *testing.T) {
		f := newFixture(t, engine.Capabilities{})
		f.reachErr = errors.New("no interfaces")
		require.NoError(t, f.o.Configure(signal.RoomDescriptor{ServerURL: "ws://x", RoomID: "r", ClientID: "c"}))

		err := f.o.Start(context.Background())
		var terr *TransportError
		require.ErrorAs(t, err, &terr)
		assert.ErrorIs(t, err, ErrNetworkUnreachable)
		assert.Equal(t, StateNew, f.o.State())
		assert.Zero(t, f.dials())
		starts, _ := f.capturer.counts()
		assert.Zero(t, starts)
	})

	t.Run("no media", func(t *testing.T) {
		f := newFixture(t, engine.Capabilities{}, func(c *Config) { c.Capturer = nil })
		require.NoError(t, f.o.Configure(signal.RoomDescriptor{ServerURL: "ws://x", RoomID: "r", ClientID: "c"}))

		err := f.o.Start(context.Background())
		assert.ErrorIs(t, err, ErrNoLocalMedia)
		assert.Equal(t, StateNew, f.o.State())
		assert.Zero(t, f.dials())
	})

	t.Run("attached stream needs no capturer", func(t *testing.T) {
		f := newFixture(t, engine.Capabilities{}, func(c *Config) { c.Capturer = nil })
		require.NoError(t, f.o.AttachLocalStream(&engine.Stream{ID: "s", Tracks: []engine.Track{enginetest.Track("video")}}))
		f.start(t, "c")
		assert.Equal(t, StateConnected, f.o.State())
	})
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	f.start(t, "a")
	assert.ErrorIs(t, f.o.Start(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, f.o.Configure(signal.RoomDescriptor{ServerURL: "ws://x", RoomID: "r", ClientID: "b"}), ErrAlreadyStarted)
	assert.Equal(t, 1, f.dials())
}

func TestConfigureValidates(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	err := f.o.Configure(signal.RoomDescriptor{ServerURL: "ws://x", RoomID: "r"})
	var cerr *ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}

func TestConnectFailureRollsBack(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	f.next = func(tr *fakeTransport) { tr.connectErr = errors.New("refused") }
	require.NoError(t, f.o.Configure(signal.RoomDescriptor{ServerURL: "ws://x", RoomID: "r", ClientID: "c"}))

	err := f.o.Start(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorContains(t, err, "refused")

	starts, stops := f.capturer.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, f.transport().closeCount())
	assert.Equal(t, StateFailed, f.o.State())
	require.Eventually(t, func() bool { return len(f.sink.errors()) == 1 }, time.Second, 5*time.Millisecond)

	f.next = nil
	require.NoError(t, f.o.Start(context.Background()))
	f.sync(t)
	assert.Equal(t, StateConnected, f.o.State())
	assert.Equal(t, 2, f.dials())
}

func TestConnectTimeout(t *testing.T) {
	f := newFixture(t, engine.Capabilities{}, func(c *Config) { c.ConnectTimeout = 30 * time.Millisecond })
	f.next = func(tr *fakeTransport) { tr.block = true }
	require.NoError(t, f.o.Configure(signal.RoomDescriptor{ServerURL: "ws://x", RoomID: "r", ClientID: "c"}))

	err := f.o.Start(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)
	_, stops := f.capturer.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, StateFailed, f.o.State())
}

func TestCaptureFailureDialsNothing(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	f.capturer.startErr = errors.New("permission denied")
	require.NoError(t, f.o.Configure(signal.RoomDescriptor{ServerURL: "ws://x", RoomID: "r", ClientID: "c"}))

	err := f.o.Start(context.Background())
	assert.ErrorContains(t, err, "permission denied")
	assert.Zero(t, f.dials())
	_, stops := f.capturer.counts()
	assert.Zero(t, stops)
}

func TestReleaseIsFinal(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	tr := f.start(t, "a")
	tr.deliver(t, signal.Join{ClientID: "b"})
	f.sync(t)

	require.NoError(t, f.o.Release())
	require.NoError(t, f.o.Release())

	assert.Equal(t, 1, f.factory.Closed())
	assert.Equal(t, 1, f.factory.CloseCalls())
	assert.Equal(t, 1, tr.closeCount())
	assert.ErrorIs(t, f.o.Start(context.Background()), ErrReleased)
	assert.ErrorIs(t, f.o.Stop(), ErrReleased)
	assert.ErrorIs(t, f.o.Configure(signal.RoomDescriptor{ServerURL: "ws://x", RoomID: "r", ClientID: "c"}), ErrReleased)
}

func TestSignalingEventsReachSink(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	tr := f.start(t, "a")

	require.Eventually(t, func() bool {
		return f.sink.has("signaling:up") && f.sink.has("state:connected")
	}, time.Second, 5*time.Millisecond)

	tr.handler.OnClosed(errors.New("reset"))
	f.sync(t)
	assert.Equal(t, StateConnecting, f.o.State())
	require.Eventually(t, func() bool { return f.sink.has("signaling:down") }, time.Second, 5*time.Millisecond)

	tr.handler.OnConnected()
	f.sync(t)
	assert.Equal(t, StateConnected, f.o.State())

	tr.handler.OnError(fmt.Errorf("%w after 3 attempts", signal.ErrReconnectFailed))
	f.sync(t)
	assert.Equal(t, StateFailed, f.o.State())
	require.Eventually(t, func() bool {
		for _, err := range f.sink.errors() {
			var terr *TransportError
			if errors.As(err, &terr) && errors.Is(err, signal.ErrReconnectFailed) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestStaleTransportCallbacksIgnored(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	old := f.start(t, "a")
	require.NoError(t, f.o.Stop())

	f.start(t, "a")
	old.handler.OnClosed(errors.New("late"))
	old.deliver(t, signal.Join{ClientID: "b"})
	f.sync(t)

	assert.Equal(t, StateConnected, f.o.State())
	assert.Empty(t, f.o.Peers())
}

func TestPeerEventsReachSink(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	tr := f.start(t, "b")
	tr.deliver(t, signal.Offer{From: "a", To: "b", SDP: enginetest.OfferSDP})
	f.sync(t)

	fake := f.factory.Last()
	fake.EmitState(engine.ConnectionConnected)
	fake.EmitState(engine.ConnectionFailed)
	f.sync(t)

	assert.Empty(t, f.o.Peers())
	assert.Equal(t, 1, fake.CloseCalls())
	require.Eventually(t, func() bool {
		return f.sink.has("peer:up:a") && f.sink.has("peer:down:a")
	}, time.Second, 5*time.Millisecond)
}

func TestLocalCandidatesRelayed(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	tr := f.start(t, "b")
	tr.deliver(t, signal.Offer{From: "a", To: "b", SDP: enginetest.OfferSDP})
	f.sync(t)

	f.factory.Last().EmitCandidate(engine.Candidate{SDPMid: "0", Candidate: "candidate:9 1 udp 1 10.0.0.9 9 typ host"})
	f.sync(t)

	msgs := tr.messages(t)
	require.Len(t, msgs, 2)
	c, ok := msgs[1].(signal.Candidate)
	require.True(t, ok)
	assert.Equal(t, "a", c.To)
	assert.Equal(t, "candidate:9 1 udp 1 10.0.0.9 9 typ host", c.Candidate.Candidate)
}

func TestAttachLocalStreamWhileStarted(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	tr := f.start(t, "z")
	tr.deliver(t, signal.Join{ClientID: "a"})
	f.sync(t)

	fake := f.factory.Last()
	require.NoError(t, f.o.AttachLocalStream(&engine.Stream{ID: "s2", Tracks: []engine.Track{enginetest.Track("video2")}}))
	assert.Equal(t, 1, fake.Count("AddTrack:video2"))

	_, stops := f.capturer.counts()
	assert.Equal(t, 1, stops)
	assert.ErrorIs(t, f.o.AttachLocalStream(nil), ErrNoLocalMedia)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t, engine.Capabilities{}, func(c *Config) {
		c.HeartbeatDelay = 5 * time.Millisecond
		c.HeartbeatInterval = 10 * time.Millisecond
	})
	tr := f.start(t, "a")

	require.Eventually(t, func() bool {
		return tr.count(t, signal.TypeHeartbeat) >= 2
	}, time.Second, 5*time.Millisecond)

	assert.True(t, f.o.LastHeartbeatAck().IsZero())
	tr.deliver(t, signal.HeartbeatAck{})
	f.sync(t)
	assert.False(t, f.o.LastHeartbeatAck().IsZero())

	require.NoError(t, f.o.Stop())
	n := tr.count(t, signal.TypeHeartbeat)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, tr.count(t, signal.TypeHeartbeat))
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Config{}, nil)
	var cerr *ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.True(t, strings.HasPrefix(State(9).String(), "State("))
}

func TestSetTuning(t *testing.T) {
	f := newFixture(t, engine.Capabilities{})
	opts := sdptune.DefaultOptions()
	opts.BandwidthKbps = 1500
	require.NoError(t, f.o.SetTuning(opts))

	tr := f.start(t, "a")
	assert.ErrorIs(t, f.o.SetTuning(opts), ErrAlreadyStarted)

	tr.deliver(t, signal.Join{ClientID: "b"})
	f.sync(t)
	msgs := tr.messages(t)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].(signal.Offer).SDP, "b=AS:1500")
}
