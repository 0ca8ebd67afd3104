package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend names accepted in a queue URL.
const (
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Target is a parsed queue URL.
type Target struct {
	Backend string
	Address string // file path for sqlite, server URL for nats
}

// ParseURL resolves a queue connection string:
//
//	sqlite:///var/lib/wabridge/queue.db   (absolute path)
//	sqlite://queue.db                     (relative path)
//	/var/lib/wabridge/queue.db            (bare path, sqlite)
//	nats://localhost:4222, tls://host:4222
func ParseURL(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("queue url is empty")
	}

	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return Target{Backend: BackendSQLite, Address: raw}, nil
	}

	switch strings.ToLower(scheme) {
	case "sqlite", "sqlite3", "file":
		if rest == "" {
			return Target{}, fmt.Errorf("queue url %q has no database path", raw)
		}
		return Target{Backend: BackendSQLite, Address: rest}, nil
	case "nats", "tls", "ws", "wss":
		return Target{Backend: BackendNATS, Address: raw}, nil
	default:
		return Target{}, fmt.Errorf("unsupported queue scheme %q (use sqlite:// or nats://)", scheme)
	}
}

// Open connects to the queue named by url.
func Open(ctx context.Context, url string, natsCfg NATSConfig, opts Options, logger *slog.Logger) (Queue, error) {
	t, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	switch t.Backend {
	case BackendNATS:
		return OpenNATS(ctx, t.Address, natsCfg, opts, logger)
	default:
		return OpenSQLite(ctx, t.Address, opts, logger)
	}
}
