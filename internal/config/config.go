// Package config parses process configuration from flags and environment
// variables. Flags take precedence over environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"
	"time"
)

// HostConfig configures the host daemon (deskwired).
type HostConfig struct {
	Addr      string // listen address for the control connection
	Transport string // "tcp", "quic", or "ws"
	PeerID    string
	Secret    string // shared session secret for challenge auth
	ShareDir  string // root directory exposed to file transfers
	LogLevel  string
	Engine    EngineConfig
}

// ClientConfig configures the connecting client (deskwire).
type ClientConfig struct {
	Addr      string // host address to connect to
	Transport string
	PeerID    string
	Secret    string
	ShareDir  string
	LogLevel  string
	Engine    EngineConfig
}

// EngineConfig holds the session-engine tunables shared by both roles.
type EngineConfig struct {
	ChunkSize       uint32        // file-transfer chunk size in bytes
	FileRate        int64         // file-channel rate cap in bytes/sec, 0 = unlimited
	VideoQueueDepth int           // outbound video queue depth per display
	ReconnectGrace  time.Duration // how long session state survives a transport loss
}

// ParseHostConfig parses the host daemon configuration.
// Defaults: addr=":21118", transport="tcp", logLevel="info", peerID=random.
func ParseHostConfig() HostConfig {
	return parseHostConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseHostConfigWithFlagSet(fs *flag.FlagSet, args []string) HostConfig {
	cfg := HostConfig{
		Addr:      ":21118",
		Transport: "tcp",
		PeerID:    generatePeerID(),
		ShareDir:  ".",
		LogLevel:  "info",
		Engine:    defaultEngineConfig(),
	}
	readCommonEnv(&cfg.Addr, &cfg.Transport, &cfg.PeerID, &cfg.Secret, &cfg.ShareDir, &cfg.LogLevel)

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (tcp, quic, ws)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "shared session secret")
	fs.StringVar(&cfg.ShareDir, "share-dir", cfg.ShareDir, "root directory exposed to file transfers")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	chunk := engineFlags(fs, &cfg.Engine)
	fs.Parse(args)

	cfg.Engine.ChunkSize = uint32(*chunk)
	clampEngine(&cfg.Engine)
	return cfg
}

// ParseClientConfig parses the client configuration.
// Defaults: addr="localhost:21118", transport="tcp", logLevel="info".
func ParseClientConfig() ClientConfig {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) ClientConfig {
	cfg := ClientConfig{
		Addr:      "localhost:21118",
		Transport: "tcp",
		PeerID:    generatePeerID(),
		ShareDir:  ".",
		LogLevel:  "info",
		Engine:    defaultEngineConfig(),
	}
	readCommonEnv(&cfg.Addr, &cfg.Transport, &cfg.PeerID, &cfg.Secret, &cfg.ShareDir, &cfg.LogLevel)

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "host address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (tcp, quic, ws)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "shared session secret")
	fs.StringVar(&cfg.ShareDir, "share-dir", cfg.ShareDir, "root directory exposed to file transfers")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	chunk := engineFlags(fs, &cfg.Engine)
	fs.Parse(args)

	cfg.Engine.ChunkSize = uint32(*chunk)
	clampEngine(&cfg.Engine)
	return cfg
}

func readCommonEnv(addr, transport, peerID, secret, shareDir, logLevel *string) {
	if v := os.Getenv("DESKWIRE_ADDR"); v != "" {
		*addr = v
	}
	if v := os.Getenv("DESKWIRE_TRANSPORT"); v != "" {
		*transport = v
	}
	if v := os.Getenv("DESKWIRE_PEER_ID"); v != "" {
		*peerID = v
	}
	if v := os.Getenv("DESKWIRE_SECRET"); v != "" {
		*secret = v
	}
	if v := os.Getenv("DESKWIRE_SHARE_DIR"); v != "" {
		*shareDir = v
	}
	if v := os.Getenv("DESKWIRE_LOG_LEVEL"); v != "" {
		*logLevel = v
	}
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		ChunkSize:       64 * 1024,
		FileRate:        0,
		VideoQueueDepth: 32,
		ReconnectGrace:  30 * time.Second,
	}
}

// engineFlags registers the engine tunables. The returned pointer holds
// the chunk-size value, which the caller converts after fs.Parse (flag has
// no uint32 variant).
func engineFlags(fs *flag.FlagSet, e *EngineConfig) *uint64 {
	chunk := new(uint64)
	*chunk = uint64(e.ChunkSize)
	fs.Uint64Var(chunk, "chunk-size", *chunk, "file-transfer chunk size in bytes")
	fs.Int64Var(&e.FileRate, "file-rate", e.FileRate, "file-channel rate cap in bytes/sec (0 = unlimited)")
	fs.IntVar(&e.VideoQueueDepth, "video-queue", e.VideoQueueDepth, "outbound video queue depth per display")
	fs.DurationVar(&e.ReconnectGrace, "reconnect-grace", e.ReconnectGrace, "session grace period after transport loss")
	return chunk
}

func clampEngine(e *EngineConfig) {
	if e.ChunkSize < 4*1024 {
		e.ChunkSize = 4 * 1024
	}
	if e.ChunkSize > 4*1024*1024 {
		e.ChunkSize = 4 * 1024 * 1024
	}
	if e.VideoQueueDepth < 4 {
		e.VideoQueueDepth = 4
	}
	if e.VideoQueueDepth > 1024 {
		e.VideoQueueDepth = 1024
	}
	if e.ReconnectGrace < time.Second {
		e.ReconnectGrace = time.Second
	}
	if e.ReconnectGrace > 5*time.Minute {
		e.ReconnectGrace = 5 * time.Minute
	}
	if e.FileRate < 0 {
		e.FileRate = 0
	}
}

// generatePeerID returns a random 10-character hex identifier.
func generatePeerID() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}
