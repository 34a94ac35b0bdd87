package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pion/logging"

	"github.com/tomaslejdung/peershare/pkg/engine"
	"github.com/tomaslejdung/peershare/pkg/orchestrator"
	"github.com/tomaslejdung/peershare/pkg/relay"
	"github.com/tomaslejdung/peershare/pkg/settings"
	"github.com/tomaslejdung/peershare/pkg/signal"
)

// LocalSignalServer is the URL for local signal server
const LocalSignalServer = "ws://localhost:8080/ws"

// defaultLogFile receives pion logs while the TUI owns the terminal.
const defaultLogFile = "peershare-debug.log"

// Config holds runtime configuration
type Config struct {
	ServeMode bool
	Port      int
	SignalURL string
	Room      string
	ClientID  string
	Quality   string
	FPS       int
	IVFPath   string
	Headless  bool
	LogFile   string
	Debug     bool
	Help      bool

	// TURN server configuration
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool // Force TURN relay (no direct P2P)
}

func parseFlags(args []string) (Config, error) {
	config := Config{}
	var localMode bool

	fs := flag.NewFlagSet("peershare", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.BoolVar(&config.ServeMode, "serve", false, "Run as signal server only")
	fs.BoolVar(&config.ServeMode, "s", false, "Run as signal server only (shorthand)")

	fs.IntVar(&config.Port, "port", 8080, "Signal server port")
	fs.IntVar(&config.Port, "p", 8080, "Signal server port (shorthand)")

	fs.StringVar(&config.SignalURL, "signal", "", "Custom signal server URL")
	fs.BoolVar(&localMode, "local", false, "Use local signal server ("+LocalSignalServer+")")
	fs.StringVar(&config.Room, "room", "", "Room to join (default: last used or generated)")
	fs.StringVar(&config.ClientID, "client", "", "Client identity (default: last used or generated)")

	fs.StringVar(&config.Quality, "quality", "", "Bandwidth preset (low|med|hi|ultra|max)")
	fs.IntVar(&config.FPS, "fps", 30, "Replay framerate when the IVF file has no timebase")
	fs.StringVar(&config.IVFPath, "ivf", "", "VP8/VP9 IVF file to share in a loop")

	fs.BoolVar(&config.Headless, "headless", false, "Run without the TUI")
	fs.StringVar(&config.LogFile, "log-file", "", "Write logs to this file")
	fs.BoolVar(&config.Debug, "debug", false, "Enable debug logging")

	// TURN server flags
	fs.StringVar(&config.TURNServer, "turn", "", "TURN server URL (e.g., turn:turn.example.com:3478)")
	fs.StringVar(&config.TURNUser, "turn-user", "", "TURN server username")
	fs.StringVar(&config.TURNPass, "turn-pass", "", "TURN server password")
	fs.BoolVar(&config.ForceRelay, "force-relay", false, "Force TURN relay (disable direct P2P)")

	fs.BoolVar(&config.Help, "help", false, "Show help")
	fs.BoolVar(&config.Help, "h", false, "Show help (shorthand)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	// --local sets SignalURL to local server
	if localMode {
		config.SignalURL = LocalSignalServer
	}
	if config.ForceRelay && config.TURNServer == "" {
		return config, errors.New("--force-relay requires --turn")
	}

	return config, nil
}

func printHelp() {
	fmt.Println(`PeerShare - P2P Screen Sharing over a WebSocket relay

Usage: peershare [options]

Every client in a room connects to every other client. The room, client
identity and quality are remembered between runs.

Options:
  --room <code>          Room to join (default: last used, or a new code)
  --client <id>          Client identity (default: last used, or generated)
  --local                Use local signal server (` + LocalSignalServer + `)
  --signal <url>         Custom signal server URL
  --serve, -s            Run as signal server only
  --port, -p <port>      Signal server port (default: 8080)
  --ivf <file>           VP8/VP9 IVF file to share in a loop
  --fps <rate>           Replay framerate fallback (default: 30)
  --quality <preset>     Bandwidth preset: low, standard, high, ultra, max
  --headless             Run without the TUI, logging to stderr
  --log-file <file>      Log file (default in TUI mode: ` + defaultLogFile + `)
  --debug                Enable debug logging
  --help, -h             Show help

Network Options:
  --turn <url>           TURN server URL (e.g., turn:turn.example.com:3478)
  --turn-user <user>     TURN server username
  --turn-pass <pass>     TURN server password
  --force-relay          Force TURN relay (disable direct P2P connections)

Quality Presets:
  low       300 kbps   - Mobile/slow connections
  standard  1.5 Mbps   - Balanced (default)
  high      3 Mbps     - Good connections
  ultra     6 Mbps     - Fast connections
  max       10 Mbps    - LAN/local network

Examples:
  peershare --serve                        # Run local signal server
  peershare --local --room QUICK-FROG-42   # Join a room on the local server
  peershare --headless --ivf demo.ivf      # Share a recording without the TUI

TUI Controls:
  ↑/↓ or j/k    Navigate quality presets
  Enter         Apply quality (restarts sharing if active)
  s             Start / stop sharing
  q             Quit`)
}

func main() {
	config, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printHelp()
		os.Exit(2)
	}

	if config.Help {
		printHelp()
		return
	}

	lf, closeLog, err := newLoggerFactory(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	// Server-only mode
	if config.ServeMode {
		runSignalServer(config.Port, lf)
		return
	}

	saved, err := settings.Load()
	if err != nil {
		lf.NewLogger("main").Warnf("load settings: %v", err)
	}
	config, saved = resolveConfig(config, saved)
	if err := settings.Save(saved); err != nil {
		lf.NewLogger("main").Warnf("save settings: %v", err)
	}

	if config.Headless {
		err = runHeadless(config, lf)
	} else {
		err = RunTUI(config, lf)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLoggerFactory routes pion logs to the log file, or to stderr in
// headless mode. The TUI owns the terminal, so it always gets a file.
func newLoggerFactory(config Config) (*logging.DefaultLoggerFactory, func(), error) {
	lf := logging.NewDefaultLoggerFactory()
	if config.Debug {
		lf.DefaultLogLevel = logging.LogLevelDebug
	}

	path := config.LogFile
	if path == "" && !config.Headless && !config.ServeMode {
		path = defaultLogFile
	}
	if path == "" {
		return lf, func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	lf.Writer = f
	return lf, func() { f.Close() }, nil
}

// resolveConfig fills unset flags from saved settings, generating a room and
// identity on first run, and returns the settings to persist.
func resolveConfig(config Config, saved settings.UserSettings) (Config, settings.UserSettings) {
	if config.SignalURL == "" {
		config.SignalURL = saved.ServerURL
	}
	if config.SignalURL == "" {
		config.SignalURL = LocalSignalServer
	}

	config.Room = signal.NormalizeRoomCode(config.Room)
	if config.Room == "" {
		config.Room = saved.RoomID
	}
	if config.Room == "" {
		config.Room = signal.GenerateRoomCode()
	}

	config.ClientID = strings.TrimSpace(config.ClientID)
	if config.ClientID == "" {
		config.ClientID = saved.ClientID
	}
	if config.ClientID == "" {
		config.ClientID = signal.GenerateClientID()
	}

	quality := validQualityIndex(saved.Quality)
	if config.Quality != "" {
		quality = ParseQualityFlag(config.Quality)
	}
	config.Quality = QualityPresets[quality].Name

	if config.TURNServer == "" {
		config.TURNServer = saved.TURNURL
	}

	saved.ServerURL = config.SignalURL
	saved.RoomID = config.Room
	saved.ClientID = config.ClientID
	saved.Quality = quality
	saved.TURNURL = config.TURNServer
	return config, saved
}

func (c Config) room() signal.RoomDescriptor {
	return signal.RoomDescriptor{ServerURL: c.SignalURL, RoomID: c.Room, ClientID: c.ClientID}
}

func (c Config) iceConfig() engine.ICEConfig {
	return engine.ICEConfig{
		TURNServer: c.TURNServer,
		TURNUser:   c.TURNUser,
		TURNPass:   c.TURNPass,
		ForceRelay: c.ForceRelay,
	}
}

// newOrchestrator wires the pion engine and the capturer into an
// orchestrator configured for the room at the given quality.
func newOrchestrator(config Config, quality int, capturer orchestrator.Capturer, sink orchestrator.Sink, lf logging.LoggerFactory) (*orchestrator.Orchestrator, error) {
	factory, err := engine.NewPionFactory(config.iceConfig(), lf)
	if err != nil {
		return nil, fmt.Errorf("create media engine: %w", err)
	}

	o, err := orchestrator.New(orchestrator.Config{
		Engine:        factory,
		Capturer:      capturer,
		LoggerFactory: lf,
	}, sink)
	if err != nil {
		factory.Close()
		return nil, err
	}

	if err := o.Configure(config.room()); err != nil {
		o.Release()
		return nil, err
	}
	if err := o.SetTuning(QualityPresets[validQualityIndex(quality)].Tuning()); err != nil {
		o.Release()
		return nil, err
	}
	return o, nil
}

func runSignalServer(port int, lf logging.LoggerFactory) {
	server := relay.NewServer(lf)
	addr := fmt.Sprintf(":%d", port)

	fmt.Printf("Starting signal server on ws://localhost%s/ws/{room}/{client}\n", addr)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.StartServer(addr); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}
