// Global Connect relay.
//
// Serves the presence/broadcast hub the call clients signal through, a demo
// session endpoint and the ICE server list. Optionally embeds a TURN server
// for peers that cannot reach each other directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/globalconnect/internal/config"
	"github.com/1ureka/globalconnect/internal/relay"
	"github.com/1ureka/globalconnect/internal/util"
)

var (
	version = "dev"
	log     = util.Scope("relay")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadRelay()

	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	secret := flag.String("jwt-secret", cfg.JWTSecret, "HS256 secret for session tokens (auth disabled when empty)")
	turnPort := flag.Int("turn-port", cfg.TURNPort, "Embedded TURN server UDP port (0 disables)")
	turnIP := flag.String("turn-ip", cfg.TURNPublicIP, "Public IP advertised by the TURN server")
	debugMode := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	cfg.Addr = *addr
	cfg.JWTSecret = *secret
	cfg.TURNPort = *turnPort
	cfg.TURNPublicIP = *turnIP
	cfg.Debug = *debugMode

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Global Connect relay v%s", version))
	pterm.Println()

	if err := cfg.Validate(); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		log.Warn("no JWT secret set, accepting anonymous connections")
	}

	var turnServer *relay.TURNServer
	if cfg.TURNPort > 0 {
		var err error
		turnServer, err = relay.StartTURN(cfg.TURNPort, cfg.TURNRealm, cfg.TURNPublicIP)
		if err != nil {
			log.Error("%v", err)
			os.Exit(1)
		}
		defer turnServer.Close()
	}

	util.StartStatsReporter(ctx, 30*time.Second)

	if err := relay.NewServer(cfg, turnServer).Run(ctx); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
	log.Info("relay stopped")
}
