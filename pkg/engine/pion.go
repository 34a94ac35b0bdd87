package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
)

// ICE servers for NAT traversal
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
}

// ICEConfig holds ICE server configuration
type ICEConfig struct {
	// STUNServers replaces the default public STUN servers when non-nil.
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool
}

// PionFactory implements Factory with pion/webrtc.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	lf     logging.LoggerFactory
	log    logging.LeveledLogger

	mu       sync.Mutex
	sessions map[*pionSession]struct{}
	closed   bool
}

// NewPionFactory builds a pion API with the default codecs and interceptors
// (NACK, RTCP reports, TWCC). A nil logger factory uses pion's default.
func NewPionFactory(iceConfig ICEConfig, lf logging.LoggerFactory) (*PionFactory, error) {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{LoggerFactory: lf}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(s),
	)

	return &PionFactory{
		api:      api,
		config:   buildConfiguration(iceConfig),
		lf:       lf,
		log:      lf.NewLogger("engine"),
		sessions: make(map[*pionSession]struct{}),
	}, nil
}

func buildConfiguration(iceConfig ICEConfig) webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0)

	if !iceConfig.ForceRelay {
		if iceConfig.STUNServers != nil {
			for _, url := range iceConfig.STUNServers {
				iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
			}
		} else {
			iceServers = append(iceServers, defaultICEServers...)
		}
	}

	if iceConfig.TURNServer != "" {
		turnServer := webrtc.ICEServer{
			URLs: []string{iceConfig.TURNServer},
		}
		if iceConfig.TURNUser != "" {
			turnServer.Username = iceConfig.TURNUser
			turnServer.Credential = iceConfig.TURNPass
			turnServer.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, turnServer)
	}

	iceTransportPolicy := webrtc.ICETransportPolicyAll
	if iceConfig.ForceRelay {
		iceTransportPolicy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: iceTransportPolicy,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}
}

// Capabilities reports what pion supports. Pion rejects candidates that
// arrive before the remote description, so callers must queue them, and it
// refuses a local offer that differs from the one it generated.
func (f *PionFactory) Capabilities() Capabilities {
	return Capabilities{
		Version:                         CapabilitiesVersion,
		ContentHint:                     true,
		QueuesEarlyCandidates:           false,
		FrameRateMonitor:                false,
		AcceptsModifiedLocalDescription: false,
	}
}

// NewSession creates a peer connection wired to h.
func (f *PionFactory) NewSession(h Handlers) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &pionSession{pc: pc, factory: f}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || h.OnCandidate == nil {
			return
		}
		init := candidate.ToJSON()
		c := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			c.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			c.SDPMLineIndex = *init.SDPMLineIndex
		}
		h.OnCandidate(c)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		f.log.Debugf("ICE connection state: %s", state)
		if h.OnConnectionState != nil {
			h.OnConnectionState(mapICEState(state))
		}
	})

	pc.OnNegotiationNeeded(func() {
		if h.OnRenegotiationNeeded != nil {
			h.OnRenegotiationNeeded()
		}
	})

	f.sessions[s] = struct{}{}
	return s, nil
}

// Close closes every session still open and refuses new ones.
func (f *PionFactory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	open := make([]*pionSession, 0, len(f.sessions))
	for s := range f.sessions {
		open = append(open, s)
	}
	f.mu.Unlock()

	var errs []error
	for _, s := range open {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *PionFactory) forget(s *pionSession) {
	f.mu.Lock()
	delete(f.sessions, s)
	f.mu.Unlock()
}

func mapICEState(state webrtc.ICEConnectionState) ConnectionState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return ConnectionChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return ConnectionConnected
	case webrtc.ICEConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnectionFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnectionClosed
	}
	return ConnectionNew
}

type pionSession struct {
	pc      *webrtc.PeerConnection
	factory *PionFactory

	closeOnce sync.Once
	closeErr  error
}

func (s *pionSession) CreateOffer(ctx context.Context, c Constraints) (Description, error) {
	if err := ctx.Err(); err != nil {
		return Description{}, err
	}
	if err := s.addReceivers(c); err != nil {
		return Description{}, err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return Description{Type: SDPOffer, SDP: offer.SDP}, nil
}

func (s *pionSession) CreateAnswer(ctx context.Context, c Constraints) (Description, error) {
	if err := ctx.Err(); err != nil {
		return Description{}, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return Description{Type: SDPAnswer, SDP: answer.SDP}, nil
}

// addReceivers adds recvonly transceivers for the media kinds c asks to
// receive and that are not negotiated yet.
func (s *pionSession) addReceivers(c Constraints) error {
	want := map[webrtc.RTPCodecType]bool{
		webrtc.RTPCodecTypeAudio: c.ReceiveAudio,
		webrtc.RTPCodecTypeVideo: c.ReceiveVideo,
	}
	for _, t := range s.pc.GetTransceivers() {
		if t.Direction() == webrtc.RTPTransceiverDirectionRecvonly || t.Direction() == webrtc.RTPTransceiverDirectionSendrecv {
			want[t.Kind()] = false
		}
	}
	for kind, needed := range want {
		if !needed {
			continue
		}
		if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s receiver: %w", kind, err)
		}
	}
	return nil
}

func (s *pionSession) SetLocalDescription(ctx context.Context, d Description) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.pc.SetLocalDescription(toPion(d))
}

func (s *pionSession) SetRemoteDescription(ctx context.Context, d Description) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.pc.SetRemoteDescription(toPion(d))
}

func toPion(d Description) webrtc.SessionDescription {
	typ := webrtc.SDPTypeOffer
	if d.Type == SDPAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: typ, SDP: d.SDP}
}

func (s *pionSession) AddICECandidate(c Candidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (s *pionSession) Senders() []Sender {
	var senders []Sender
	for _, sender := range s.pc.GetSenders() {
		if track := sender.Track(); track != nil {
			senders = append(senders, Sender{TrackID: track.ID()})
		}
	}
	return senders
}

// AddTrack attaches t through a send-only transceiver.
func (s *pionSession) AddTrack(t Track) (Sender, error) {
	local, ok := t.(webrtc.TrackLocal)
	if !ok {
		return Sender{}, fmt.Errorf("%w: %T", ErrUnsupportedTrack, t)
	}
	tr, err := s.pc.AddTransceiverFromTrack(local, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return Sender{}, fmt.Errorf("failed to add track %s: %w", t.ID(), err)
	}

	// Drain RTCP so interceptors (NACK, reports) keep running.
	sender := tr.Sender()
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return Sender{TrackID: t.ID()}, nil
}

func (s *pionSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pc.Close()
		s.factory.forget(s)
	})
	return s.closeErr
}
