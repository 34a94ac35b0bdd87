package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/pion/logging"

	"github.com/tomaslejdung/peershare/pkg/peer"
	"github.com/tomaslejdung/peershare/pkg/signal"
)

// router decodes inbound signaling frames and dispatches them to the
// registry. It runs on the orchestrator loop.
type router struct {
	localID string
	reg     *peer.Registry
	log     logging.LeveledLogger
	timeout time.Duration

	reply     func(signal.Message) error
	onCommand func(payload string)
	onAck     func()
	onError   func(error)
}

func (r *router) route(data []byte) {
	msg, err := signal.Decode(data)
	if err != nil {
		r.drop(&ProtocolError{Reason: "decode", Err: err})
		return
	}
	if _, to, ok := signal.Route(msg); ok && to != "" && to != r.localID {
		r.drop(&ProtocolError{Reason: "addressed to " + to})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	switch m := msg.(type) {
	case signal.Offer:
		r.log.Debugf("offer from %s", m.From)
		r.negotiated(r.reg.HandleOffer(ctx, m.From, m.SDP))

	case signal.Answer:
		r.log.Debugf("answer from %s", m.From)
		err := r.reg.HandleAnswer(ctx, m.From, m.SDP)
		if errors.Is(err, peer.ErrUnknownPeer) {
			r.drop(&ProtocolError{Reason: "answer", Err: err})
			return
		}
		r.negotiated(err)

	case signal.Candidate:
		buffered, err := r.reg.HandleCandidate(m.From, m.Candidate)
		switch {
		case err != nil:
			r.negotiated(err)
		case buffered:
			r.log.Debugf("candidate from unknown peer %s buffered", m.From)
		}

	case signal.Join:
		r.log.Infof("%s joined", m.ClientID)
		r.connect(ctx, m.ClientID)

	case signal.RoomClients:
		r.log.Infof("room has %d other clients", len(m.ClientIDs))
		for _, id := range m.ClientIDs {
			r.connect(ctx, id)
		}

	case signal.Leave:
		r.log.Infof("%s left", m.ClientID)
		if err := r.reg.RemovePeer(m.ClientID); err != nil {
			r.log.Warnf("close %s: %v", m.ClientID, err)
		}

	case signal.Heartbeat:
		if err := r.reply(signal.HeartbeatAck{}); err != nil {
			r.log.Debugf("heartbeat ack: %v", err)
		}

	case signal.HeartbeatAck:
		r.onAck()

	case signal.Command:
		r.onCommand(m.Payload)
	}
}

func (r *router) connect(ctx context.Context, id string) {
	if id == r.localID {
		return
	}
	_, err := r.reg.Connect(ctx, id)
	r.negotiated(err)
}

// negotiated surfaces a failed registry call. A remote claiming our own
// identity is a configuration problem rather than a negotiation failure.
func (r *router) negotiated(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, peer.ErrDuplicateIdentity) {
		err = &ConfigurationError{Err: err}
	}
	r.log.Warnf("%v", err)
	r.onError(err)
}

func (r *router) drop(err *ProtocolError) {
	r.log.Debugf("dropped message: %v", err)
}
