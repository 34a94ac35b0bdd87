package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pion/logging"

	"github.com/tomaslejdung/peershare/pkg/relay"
	"github.com/tomaslejdung/peershare/pkg/signal"
)

func main() {
	port := flag.Int("port", 8080, "Server port")
	debug := flag.Bool("debug", false, "Log routing decisions")
	flag.Parse()

	// Check for PORT env var (for cloud deployments)
	if envPort := os.Getenv("PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", port)
	}

	lf := logging.NewDefaultLoggerFactory()
	if *debug {
		lf.DefaultLogLevel = logging.LogLevelDebug
	}
	log := lf.NewLogger("main")

	server := relay.NewServer(lf)

	addr := fmt.Sprintf(":%d", *port)
	log.Infof("Join URL format: ws://localhost%s/ws/%s/{client}", addr, signal.GenerateRoomCode())

	if err := server.StartServer(addr); err != nil {
		log.Errorf("Server error: %v", err)
		os.Exit(1)
	}
}
