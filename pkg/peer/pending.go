package peer

import (
	"time"

	"github.com/tomaslejdung/peershare/pkg/signal"
)

// pendingPeer holds candidates that arrived before their peer's session.
type pendingPeer struct {
	candidates []signal.ICECandidate
	expires    time.Time
}

func (r *Registry) bufferPending(id string, c signal.ICECandidate) {
	now := r.cfg.Now()
	r.purgePending(now)

	p, ok := r.pending[id]
	if !ok {
		p = &pendingPeer{}
		r.pending[id] = p
	}
	if len(p.candidates) >= r.cfg.PendingCap {
		r.log.Warnf("peer %s: pending candidate buffer full, dropping oldest", id)
		p.candidates = p.candidates[1:]
	}
	p.candidates = append(p.candidates, c)
	p.expires = now.Add(r.cfg.PendingTTL)
	r.log.Debugf("peer %s: buffered candidate for unknown peer (%d held)", id, len(p.candidates))
}

// takePending removes and returns the live candidates buffered for id, in
// arrival order.
func (r *Registry) takePending(id string) []signal.ICECandidate {
	r.purgePending(r.cfg.Now())
	p, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return p.candidates
}

func (r *Registry) purgePending(now time.Time) {
	for id, p := range r.pending {
		if !now.Before(p.expires) {
			r.log.Debugf("peer %s: %d buffered candidates expired", id, len(p.candidates))
			delete(r.pending, id)
		}
	}
}

// PendingCandidates returns how many candidates are buffered for a peer
// that has no session yet.
func (r *Registry) PendingCandidates(id string) int {
	r.purgePending(r.cfg.Now())
	if p, ok := r.pending[id]; ok {
		return len(p.candidates)
	}
	return 0
}
