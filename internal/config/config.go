// Package config parses the broker's command-line flags and environment
// overrides into a Config, following the flag.String/flag.Duration style
// used by the h3ws2h1ws proxy's main().
package config

import (
	"flag"
	"os"
	"time"

	"github.com/emryslou/filetunnel/internal/broker"
	"github.com/emryslou/filetunnel/internal/janitor"
)

// Config holds every tunable the broker's cmd/tunnelbroker/main.go wires
// into its components (spec §6, §9).
type Config struct {
	ListenAddr      string
	MetricsAddr     string
	JanitorInterval time.Duration
	ClientDeadline  time.Duration
	EnqueueBudget   time.Duration
	LogLevel        broker.LogLevel
	Collision       broker.ServerKeyCollision
}

// DefaultConfig returns the spec's default listen address and timings.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "0.0.0.0:8809",
		MetricsAddr:     "",
		JanitorInterval: janitor.DefaultInterval,
		ClientDeadline:  60 * time.Second,
		EnqueueBudget:   1 * time.Second,
		LogLevel:        broker.LogLevelInfo,
		Collision:       broker.CollisionReject,
	}
}

// Parse builds a Config from args (typically os.Args[1:]), applying the
// TUNNEL_LOG_LEVEL environment variable as the log-level default before
// flags are applied, so a flag always wins over the environment.
func Parse(args []string) (Config, error) {
	cfg := DefaultConfig()
	if v := os.Getenv("TUNNEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = parseLogLevel(v, cfg.LogLevel)
	}

	fs := flag.NewFlagSet("tunnelbroker", flag.ContinueOnError)
	listen := fs.String("listen", cfg.ListenAddr, "TCP listen address for the tunnel broker's HTTP and WebSocket endpoints")
	metrics := fs.String("metrics", cfg.MetricsAddr, "TCP listen address for Prometheus /metrics (disabled if empty)")
	janitorInterval := fs.Duration("janitor-interval", cfg.JanitorInterval, "client-session expiry sweep interval")
	clientDeadline := fs.Duration("client-deadline", cfg.ClientDeadline, "max time a client POST waits for a server reply")
	enqueueBudget := fs.Duration("enqueue-budget", cfg.EnqueueBudget, "max time a client POST waits to enqueue onto a backed-up server")
	logLevel := fs.String("log-level", cfg.LogLevel.String(), "minimum log level: debug, info, warn, error")
	evictOnCollision := fs.Bool("evict-on-reconnect", cfg.Collision == broker.CollisionEvict, "replace an existing server session on server-key collision instead of rejecting the new one with 409")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.ListenAddr = *listen
	cfg.MetricsAddr = *metrics
	cfg.JanitorInterval = *janitorInterval
	cfg.ClientDeadline = *clientDeadline
	cfg.EnqueueBudget = *enqueueBudget
	cfg.LogLevel = parseLogLevel(*logLevel, cfg.LogLevel)
	if *evictOnCollision {
		cfg.Collision = broker.CollisionEvict
	} else {
		cfg.Collision = broker.CollisionReject
	}
	return cfg, nil
}

func parseLogLevel(s string, fallback broker.LogLevel) broker.LogLevel {
	switch s {
	case "debug":
		return broker.LogLevelDebug
	case "info":
		return broker.LogLevelInfo
	case "warn":
		return broker.LogLevelWarn
	case "error":
		return broker.LogLevelError
	default:
		return fallback
	}
}
