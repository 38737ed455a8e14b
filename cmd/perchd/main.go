package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/perchlabs/perch/internal/channel"
	"github.com/perchlabs/perch/internal/config"
	"github.com/perchlabs/perch/internal/control"
	"github.com/perchlabs/perch/internal/crypto"
	"github.com/perchlabs/perch/internal/hub"
	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/notify"
	"github.com/perchlabs/perch/internal/script"
	"github.com/perchlabs/perch/internal/store"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "perchd",
		Short: "perch hub daemon",
		Long:  "Multiplexes PTY sessions to local and remote viewers and runs the orchestration loop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			return run(cfgPath)
		},
	}
	root.Flags().String("config", "", "config file (default: no file, env + defaults)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	hubID := cfg.Hub.ID
	if hubID == "" {
		hubID = uuid.NewString()[:8]
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer db.Close()

	cryptoSvc, err := crypto.NewX25519Service()
	if err != nil {
		return fmt.Errorf("init crypto: %w", err)
	}

	hubCfg := hub.Config{
		TickInterval: cfg.TickInterval(),
		CleanupEvery: cfg.CleanupEvery(),
		Crypto:       cryptoSvc,
		Store:        db,
	}
	if cfg.Notify.Topic != "" {
		hubCfg.Notifier = notify.New(cfg.Notify.Topic, cfg.Notify.Token, cfg.Notify.Events)
	}

	// The factory closes over the loop so transport peer callbacks can
	// enqueue; the loop pointer is set before Run starts draining.
	var loop *hub.Loop
	if cfg.Relay.URL != "" {
		var iceServers []webrtc.ICEServer
		if len(cfg.Relay.ICEServers) > 0 {
			iceServers = []webrtc.ICEServer{{URLs: cfg.Relay.ICEServers}}
		}
		peers := channel.NewPeerManager(iceServers)
		defer peers.Close()

		// Data channels carry a "pty:<key>" label; route them to the
		// session's direct transport. A closed transport refuses the
		// channel, so stale map entries are harmless.
		var rtcMu sync.Mutex
		rtcBySession := make(map[string]*channel.RTCTransport)
		peers.OnDC(func(peer, sessionKey string, dc *webrtc.DataChannel) {
			rtcMu.Lock()
			rtc := rtcBySession[sessionKey]
			rtcMu.Unlock()
			if rtc == nil {
				dc.Close()
				return
			}
			rtc.AttachDataChannel(peer, dc)
		})

		hubCfg.ChannelFactory = func(key string) (*channel.Channel, error) {
			hostname, _ := os.Hostname()
			rtc := channel.NewRTCTransport()
			var ws *channel.WSTransport
			ws = channel.NewWSTransport(channel.WSConfig{
				URL:            cfg.Relay.URL,
				Token:          cfg.Relay.Token,
				HubID:          hubID,
				Hostname:       hostname,
				Version:        version,
				PublicKey:      cryptoSvc.PublicKey(),
				ChannelName:    key,
				RateLimitBytes: cfg.Relay.RateLimitBytes,
				OnPeerJoin: func(peer, publicKey string) {
					loop.Enqueue(hub.PeerJoined{SessionKey: key, Peer: peer, PublicKey: publicKey})
				},
				OnPeerLeave: func(peer string) {
					peers.DropPeer(peer)
					rtc.DetachPeer(peer)
					loop.Enqueue(hub.PeerLeft{SessionKey: key, Peer: peer})
				},
				OnOffer: func(peer, sdp string) {
					// Answering gathers ICE; never block the read loop.
					go func() {
						answer, err := peers.HandleOffer(peer, sdp)
						if err != nil {
							logger.Warn("p2p offer rejected", "peer", peer, "err", err)
							return
						}
						if err := ws.SendAnswer(peer, answer); err != nil {
							logger.Warn("p2p answer not sent", "peer", peer, "err", err)
						}
					}()
				},
			})
			rtcMu.Lock()
			rtcBySession[key] = rtc
			rtcMu.Unlock()
			return channel.New(channel.Config{
				Name:                 key,
				HubID:                hubID,
				Encrypt:              cfg.Relay.Encrypt,
				CompressionThreshold: cfg.Relay.CompressionThreshold,
				Crypto:               cryptoSvc,
			}, channel.NewHybridTransport(ws, rtc)), nil
		}
	}
	loop = hub.New(hubCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Script.HotReload && cfg.Script.Path != "" {
		watcher, err := script.NewWatcher([]string{cfg.Script.Path}, 0, func(paths []string) {
			loop.Enqueue(hub.FileChanged{Paths: paths})
		})
		if err != nil {
			return fmt.Errorf("script watcher: %w", err)
		}
		defer watcher.Close()
	}

	srv := control.NewServer(control.Config{
		Loop:       loop,
		History:    db,
		SocketPath: cfg.SocketPath(),
		Secret:     cfg.Control.Secret,
		DefaultSpec: hub.SessionSpec{
			Command:       defaultShell(),
			Env:           os.Environ(),
			Cols:          80,
			Rows:          24,
			ScrollbackCap: cfg.Hub.ScrollbackCap,
		},
	})

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	go func() { errCh <- loop.Run(ctx) }()

	logger.Info("perchd started", "hub", hubID, "socket", cfg.SocketPath(), "version", version)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		loop.Enqueue(hub.Shutdown{})
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}
