package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/pion/logging"

	"github.com/tomaslejdung/peershare/pkg/orchestrator"
)

// logSink writes orchestrator notifications to the log.
type logSink struct {
	log logging.LeveledLogger
}

func (s logSink) OnStateChanged(st orchestrator.State) { s.log.Infof("state: %s", st) }
func (s logSink) OnError(err error)                    { s.log.Errorf("%v", err) }
func (s logSink) OnSignalingConnected()                { s.log.Info("signaling connected") }
func (s logSink) OnSignalingDisconnected()             { s.log.Warn("signaling disconnected") }
func (s logSink) OnPeerConnected(id string)            { s.log.Infof("peer %s connected", id) }
func (s logSink) OnPeerDisconnected(id string)         { s.log.Infof("peer %s disconnected", id) }
func (s logSink) OnRemoteCommand(payload string)       { s.log.Infof("command: %s", payload) }

// runHeadless shares until SIGINT or SIGTERM.
func runHeadless(config Config, lf logging.LoggerFactory) error {
	log := lf.NewLogger("main")

	capturer := NewFileCapturer(config.IVFPath, config.FPS, lf)
	o, err := newOrchestrator(config, QualityIndexByName(config.Quality), capturer, logSink{log: log}, lf)
	if err != nil {
		return err
	}
	defer func() {
		if err := o.Release(); err != nil {
			log.Warnf("release: %v", err)
		}
	}()

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := o.Start(ctx); err != nil {
		return err
	}
	log.Infof("sharing in room %s as %s (%s)", config.Room, config.ClientID, config.room().Address())

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
