package orchestrator

import (
	"time"

	"github.com/tomaslejdung/peershare/pkg/signal"
)

// startHeartbeat begins sending heartbeats for transport generation gen. The
// timer goroutine only posts to the loop. Runs on the loop.
func (o *Orchestrator) startHeartbeat(gen uint64) {
	o.stopHeartbeat()
	stop := make(chan struct{})
	o.hbStop = stop

	delay, interval := o.cfg.HeartbeatDelay, o.cfg.HeartbeatInterval
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			o.loop.post(func() { o.sendHeartbeat(gen) })
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// stopHeartbeat runs on the loop.
func (o *Orchestrator) stopHeartbeat() {
	if o.hbStop != nil {
		close(o.hbStop)
		o.hbStop = nil
	}
}

func (o *Orchestrator) sendHeartbeat(gen uint64) {
	if gen != o.gen || o.transport == nil {
		return
	}
	if err := o.send(signal.Heartbeat{}); err != nil {
		o.log.Debugf("heartbeat: %v", err)
	}
}

// LastHeartbeatAck returns when the relay last acknowledged a heartbeat.
func (o *Orchestrator) LastHeartbeatAck() time.Time {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.lastAck
}
