// Command deskwired is the deskwire host daemon. It listens for one
// control connection at a time, authenticates the peer, and serves the
// session channels: video, input, clipboard, file transfer, and
// terminals. A dropped peer may reconnect and resume within the grace
// period.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/deskwire/internal/config"
	"github.com/sheerbytes/deskwire/internal/engine"
	"github.com/sheerbytes/deskwire/internal/filexfer"
	"github.com/sheerbytes/deskwire/internal/logging"
	"github.com/sheerbytes/deskwire/internal/transport"
)

const version = "v0.1.0"

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Println(version)
			return
		}
	}

	cfg := config.ParseHostConfig()
	log := logging.New("deskwired", cfg.LogLevel)

	if cfg.Secret == "" {
		log.Error("no session secret configured (use -secret or DESKWIRE_SECRET)")
		os.Exit(1)
	}

	files, err := filexfer.NewDirFS(cfg.ShareDir)
	if err != nil {
		log.Error("share directory unusable", "dir", cfg.ShareDir, "err", err)
		os.Exit(1)
	}

	ln, err := listen(cfg)
	if err != nil {
		log.Error("listen failed", "addr", cfg.Addr, "transport", cfg.Transport, "err", err)
		os.Exit(1)
	}
	defer ln.Close()
	log.Info("listening", "addr", ln.Addr(), "transport", cfg.Transport, "peer_id", cfg.PeerID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for ctx.Err() == nil {
		serveOneSession(ctx, ln, cfg, files, log)
	}
}

func listen(cfg config.HostConfig) (transport.Listener, error) {
	switch cfg.Transport {
	case "tcp":
		return transport.ListenTCP(cfg.Addr)
	case "quic":
		return transport.ListenQUIC(cfg.Addr, transport.QuicTuning{})
	case "ws":
		return transport.ListenWS(cfg.Addr)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// serveOneSession owns one session from first connection to final
// teardown. Reconnecting peers attach to the same session; once it closes
// for good the caller builds a fresh one.
func serveOneSession(ctx context.Context, ln transport.Listener, cfg config.HostConfig, files *filexfer.DirFS, log *slog.Logger) {
	sess := engine.NewSession(engine.Config{
		Role:            engine.RoleAcceptor,
		PeerID:          cfg.PeerID,
		Secret:          cfg.Secret,
		Caps:            engine.DefaultCaps(),
		ChunkSize:       cfg.Engine.ChunkSize,
		FileRate:        cfg.Engine.FileRate,
		VideoQueueDepth: cfg.Engine.VideoQueueDepth,
		ReconnectGrace:  cfg.Engine.ReconnectGrace,
		Files:           files,
		// Platform integrations (screen capture, input injection, PTY)
		// attach here on builds that ship them.
		OnKeyframeRequest: func(displayID uint8) {
			log.Debug("keyframe requested", "display", displayID)
		},
		Logger: log,
	})

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				sess.Close("daemon shutting down")
				return
			}
			log.Warn("accept failed", "err", err)
			continue
		}

		err = sess.Run(ctx, conn)
		switch {
		case err == nil:
			log.Info("session closed")
			return
		case errors.Is(err, engine.ErrTransportLost):
			log.Warn("transport lost, awaiting reconnect")
		default:
			log.Warn("session attempt ended", "err", err)
		}

		st := sess.State()
		if st != engine.StateReconnecting && st != engine.StateDisconnected {
			return
		}
	}
}
