// Command deskwire connects to a deskwire host and drives the session
// from the viewing side. The rendering, input-capture, and clipboard
// surfaces of a full client attach to the session collaborators; this
// binary wires the protocol engine, file transfer against a local share
// directory, and transport selection, and keeps the session alive across
// transport drops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/deskwire/internal/config"
	"github.com/sheerbytes/deskwire/internal/engine"
	"github.com/sheerbytes/deskwire/internal/filexfer"
	"github.com/sheerbytes/deskwire/internal/logging"
	"github.com/sheerbytes/deskwire/internal/transport"
	"github.com/sheerbytes/deskwire/internal/video"
)

const version = "v0.1.0"

const redialInterval = 2 * time.Second

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Println(version)
			return
		}
	}

	cfg := config.ParseClientConfig()
	log := logging.New("deskwire", cfg.LogLevel)

	if cfg.Secret == "" {
		log.Error("no session secret configured (use -secret or DESKWIRE_SECRET)")
		os.Exit(1)
	}

	files, err := filexfer.NewDirFS(cfg.ShareDir)
	if err != nil {
		log.Error("share directory unusable", "dir", cfg.ShareDir, "err", err)
		os.Exit(1)
	}

	dialer, addr, err := pickDialer(cfg)
	if err != nil {
		log.Error("transport selection failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Knowing the reflexive address helps diagnose why a direct path did
	// or did not work; the session itself only needs the dialed transport.
	go func() {
		transport.NewProber(nil, logging.Component(log, "stun")).PublicAddr()
	}()

	sess := engine.NewSession(engine.Config{
		Role:            engine.RoleInitiator,
		PeerID:          cfg.PeerID,
		Secret:          cfg.Secret,
		Caps:            engine.DefaultCaps(),
		ChunkSize:       cfg.Engine.ChunkSize,
		FileRate:        cfg.Engine.FileRate,
		VideoQueueDepth: cfg.Engine.VideoQueueDepth,
		ReconnectGrace:  cfg.Engine.ReconnectGrace,
		Files:           files,
		Video:           frameLogger{logging.Component(log, "video")},
		Logger:          log,
	})

	if err := runUntilClosed(ctx, sess, dialer, addr, log); err != nil {
		log.Error("session ended", "err", err)
		os.Exit(1)
	}
	log.Info("session closed")
}

func pickDialer(cfg config.ClientConfig) (transport.Dialer, string, error) {
	switch cfg.Transport {
	case "tcp":
		return &transport.TCPDialer{}, cfg.Addr, nil
	case "quic":
		return &transport.QUICDialer{}, cfg.Addr, nil
	case "ws":
		return &transport.WSDialer{}, "ws://" + cfg.Addr + "/", nil
	default:
		return nil, "", fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// runUntilClosed dials and runs the session, redialing for as long as the
// session stays resumable.
func runUntilClosed(ctx context.Context, sess *engine.Session, dialer transport.Dialer, addr string, log *slog.Logger) error {
	for {
		conn, err := dialer.Dial(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				sess.Close("client shutting down")
				return nil
			}
			if sess.State() == engine.StateReconnecting {
				log.Warn("redial failed, retrying", "addr", addr, "err", err)
				select {
				case <-time.After(redialInterval):
					continue
				case <-ctx.Done():
					sess.Close("client shutting down")
					return nil
				}
			}
			return err
		}

		err = sess.Run(ctx, conn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, engine.ErrTransportLost):
			log.Warn("transport lost, reconnecting", "addr", addr)
		default:
			log.Warn("session attempt ended", "err", err)
		}

		st := sess.State()
		if st != engine.StateReconnecting && st != engine.StateDisconnected {
			return err
		}
		select {
		case <-time.After(redialInterval):
		case <-ctx.Done():
			sess.Close("client shutting down")
			return nil
		}
	}
}

// frameLogger stands in for a renderer: it accounts for delivered frames
// so a headless run still shows the video path working.
type frameLogger struct {
	log *slog.Logger
}

func (f frameLogger) Frame(fr video.Frame) {
	f.log.Debug("frame",
		"display", fr.DisplayID,
		"frame", fr.FrameID,
		"keyframe", fr.Keyframe,
		"bytes", len(fr.Payload))
}
