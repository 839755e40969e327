// Global Connect call client.
//
// Joins the global matchmaking lobby, pairs with another searching
// participant and holds a P2P voice call with them. Signaling runs over the
// relay (ws backend) or a shared Redis (redis backend); media flows
// directly between the peers.
//
// It can be launched interactively (no -email) or non-interactively via CLI
// flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/globalconnect/internal/call"
	"github.com/1ureka/globalconnect/internal/config"
	"github.com/1ureka/globalconnect/internal/match"
	"github.com/1ureka/globalconnect/internal/media"
	"github.com/1ureka/globalconnect/internal/negotiation"
	"github.com/1ureka/globalconnect/internal/pubsub"
	"github.com/1ureka/globalconnect/internal/relay"
	"github.com/1ureka/globalconnect/internal/util"
)

var (
	version = "dev"
	log     = util.Scope("globalconnect")
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.LoadClient()

	backend := flag.String("backend", string(cfg.Backend), "Signaling backend: ws or redis")
	relayURL := flag.String("relay", cfg.RelayURL, "Relay base URL (ws backend)")
	redisAddr := flag.String("redis", cfg.RedisAddr, "Redis address (redis backend)")
	email := flag.String("email", cfg.Email, "Account email; prompts when empty")
	token := flag.String("token", cfg.Token, "Relay session token; requested from the relay when empty")
	inviteTimeout := flag.Duration("invite-timeout", cfg.InviteTimeout, "Release an unanswered invite after this long (0 disables)")
	connectTimeout := flag.Duration("connect-timeout", cfg.ConnectTimeout, "Give up on a match without media after this long (0 disables)")
	requeue := flag.Bool("requeue", cfg.Requeue, "Search again after a failed match")
	debugMode := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	cfg.Backend = config.Backend(*backend)
	cfg.RelayURL = *relayURL
	cfg.RedisAddr = *redisAddr
	cfg.Email = *email
	cfg.Token = *token
	cfg.InviteTimeout = *inviteTimeout
	cfg.ConnectTimeout = *connectTimeout
	cfg.Requeue = *requeue
	cfg.Debug = *debugMode

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Global Connect v%s", version))
	pterm.Println()

	if err := cfg.Validate(); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}

	interactive := cfg.Email == ""
	if interactive {
		cfg.Email = askEmail()
	}

	if err := run(ctx, cfg, interactive); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
	log.Info("bye")
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.ClientConfig, interactive bool) error {
	self, err := match.NewParticipant(cfg.Email)
	if err != nil {
		return err
	}

	tr, ice, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	util.StartStatsReporter(ctx, 10*time.Second)

	ctl := call.New(call.Deps{
		Transport: tr,
		Capturer:  media.SilenceCapturer{},
		Backend: &negotiation.RawBackend{
			Transport:         tr,
			NewPeerConnection: media.Factory(ice),
		},
		Self: self,
	}, call.Options{
		InviteTimeout:  cfg.InviteTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		Requeue:        cfg.Requeue,
	})
	defer ctl.Close()

	states := make(chan call.Session, 16)
	ctl.OnStateChange(func(s call.Session) {
		select {
		case states <- s:
		default:
		}
	})
	ctl.OnError(func(kind call.ErrorKind, msg string) {
		log.Error("%s: %s", kind, msg)
	})

	log.Info("you are %s (%s)", self.DisplayName, self.SelfID)
	if err := ctl.StartSearch(ctx); err != nil {
		return err
	}

	var spinner *pterm.SpinnerPrinter
	defer func() {
		if spinner != nil {
			_ = spinner.Stop()
		}
	}()
	stopSpinner := func() {
		if spinner != nil {
			_ = spinner.Stop()
			spinner = nil
		}
	}

	last := call.StatusIdle
	for {
		select {
		case s := <-states:
			if s.Status != last {
				stopSpinner()
			}
			switch s.Status {
			case call.StatusSearching:
				if spinner == nil {
					spinner, _ = pterm.DefaultSpinner.Start("searching for a partner…")
				}
			case call.StatusConnecting:
				if spinner == nil {
					spinner, _ = pterm.DefaultSpinner.Start(fmt.Sprintf("connecting to %s…", s.PartnerDisplayName))
				}
			case call.StatusConnected:
				if last != call.StatusConnected {
					log.Success("in a call with %s, press Ctrl+C to hang up", s.PartnerDisplayName)
				} else {
					log.Debug("call time %s", time.Duration(s.ElapsedSeconds)*time.Second)
				}
			case call.StatusIdle, call.StatusError:
				if s.Status == call.StatusIdle && (last == call.StatusIdle || last == call.StatusError) {
					break // retry in progress
				}
				if s.Status == call.StatusIdle && last == call.StatusConnecting && cfg.Requeue {
					break // controller searches again on its own
				}
				if !interactive {
					if s.Status == call.StatusError {
						return fmt.Errorf("call failed")
					}
					return nil
				}
				if !askAgain(s.Status) {
					return nil
				}
				if s.Status == call.StatusError {
					err = ctl.Retry(ctx)
				} else {
					err = ctl.StartSearch(ctx)
				}
				if err != nil {
					return err
				}
			}
			last = s.Status

		case <-ctx.Done():
			return nil
		}
	}
}

// connect opens the configured signaling backend and resolves ICE servers.
func connect(ctx context.Context, cfg *config.ClientConfig) (pubsub.Transport, []webrtc.ICEServer, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		tr, err := pubsub.NewRedis(ctx, pubsub.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("signaling over redis at %s", cfg.RedisAddr)
		return tr, nil, nil

	default:
		token := cfg.Token
		if token == "" {
			session, err := relay.FetchSession(ctx, cfg.RelayURL, cfg.Email)
			if err != nil {
				return nil, nil, err
			}
			token = session.Token
		}

		ice, err := relay.FetchICE(ctx, cfg.RelayURL, token)
		if err != nil {
			log.Warn("%v, using default STUN servers", err)
			ice = nil
		}

		tr, err := pubsub.DialWS(ctx, cfg.RelayURL, token)
		if err != nil {
			return nil, nil, err
		}
		log.Info("signaling over relay %s", cfg.RelayURL)
		return tr, ice, nil
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askEmail prompts until something email-shaped is entered.
func askEmail() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your email").
			Show()

		raw = strings.TrimSpace(raw)
		if local, domain, ok := strings.Cut(raw, "@"); ok && local != "" && domain != "" {
			pterm.Println()
			return raw
		}

		pterm.Println()
		log.Warn("invalid email address")
	}
}

// askAgain asks whether to search for another partner.
func askAgain(status call.Status) bool {
	prompt := "Call ended. Search again?"
	if status == call.StatusError {
		prompt = "Something went wrong. Try again?"
	}
	ok, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText(prompt).
		Show()
	pterm.Println()
	return ok
}
