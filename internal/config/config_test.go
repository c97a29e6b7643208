package config

import (
	"flag"
	"testing"
	"time"
)

func hostParse(t *testing.T, args ...string) HostConfig {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	return parseHostConfigWithFlagSet(fs, args)
}

func clientParse(t *testing.T, args ...string) ClientConfig {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	return parseClientConfigWithFlagSet(fs, args)
}

func TestHostDefaults(t *testing.T) {
	cfg := hostParse(t)
	if cfg.Addr != ":21118" {
		t.Errorf("addr = %q, want :21118", cfg.Addr)
	}
	if cfg.Transport != "tcp" {
		t.Errorf("transport = %q, want tcp", cfg.Transport)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if len(cfg.PeerID) != 10 {
		t.Errorf("peer id = %q, want 10 hex chars", cfg.PeerID)
	}
	if cfg.ShareDir != "." {
		t.Errorf("share dir = %q, want .", cfg.ShareDir)
	}
	if cfg.Engine.ChunkSize != 64*1024 {
		t.Errorf("chunk size = %d, want 64KiB", cfg.Engine.ChunkSize)
	}
	if cfg.Engine.ReconnectGrace != 30*time.Second {
		t.Errorf("grace = %v, want 30s", cfg.Engine.ReconnectGrace)
	}
}

func TestFlagsOverrideDefaults(t *testing.T) {
	cfg := clientParse(t,
		"-addr", "example.com:9000",
		"-transport", "quic",
		"-log-level", "debug",
		"-chunk-size", "131072",
		"-file-rate", "1048576",
		"-reconnect-grace", "10s",
	)
	if cfg.Addr != "example.com:9000" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.Transport != "quic" {
		t.Errorf("transport = %q", cfg.Transport)
	}
	if cfg.Engine.ChunkSize != 131072 {
		t.Errorf("chunk size = %d", cfg.Engine.ChunkSize)
	}
	if cfg.Engine.FileRate != 1048576 {
		t.Errorf("file rate = %d", cfg.Engine.FileRate)
	}
	if cfg.Engine.ReconnectGrace != 10*time.Second {
		t.Errorf("grace = %v", cfg.Engine.ReconnectGrace)
	}
}

func TestEnvironmentFallback(t *testing.T) {
	t.Setenv("DESKWIRE_ADDR", "env-host:1234")
	t.Setenv("DESKWIRE_SECRET", "hunter2")
	cfg := clientParse(t)
	if cfg.Addr != "env-host:1234" {
		t.Errorf("addr = %q, want env value", cfg.Addr)
	}
	if cfg.Secret != "hunter2" {
		t.Errorf("secret = %q, want env value", cfg.Secret)
	}

	// A flag still wins over the environment.
	cfg = clientParse(t, "-addr", "flag-host:1")
	if cfg.Addr != "flag-host:1" {
		t.Errorf("addr = %q, want flag value", cfg.Addr)
	}
}

func TestEngineClamping(t *testing.T) {
	cfg := hostParse(t,
		"-chunk-size", "16",
		"-video-queue", "100000",
		"-reconnect-grace", "1h",
		"-file-rate", "-5",
	)
	if cfg.Engine.ChunkSize != 4*1024 {
		t.Errorf("chunk size = %d, want clamped to 4KiB", cfg.Engine.ChunkSize)
	}
	if cfg.Engine.VideoQueueDepth != 1024 {
		t.Errorf("video queue = %d, want clamped to 1024", cfg.Engine.VideoQueueDepth)
	}
	if cfg.Engine.ReconnectGrace != 5*time.Minute {
		t.Errorf("grace = %v, want clamped to 5m", cfg.Engine.ReconnectGrace)
	}
	if cfg.Engine.FileRate != 0 {
		t.Errorf("file rate = %d, want clamped to 0", cfg.Engine.FileRate)
	}
}
