package network

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"project-governor/internal/storage"
)

// HintStore persists learned server capabilities between runs.
type HintStore interface {
	SaveServerHint(hint storage.ServerHint) error
	DeleteServerHint(hostPort string) error
	ServerHints() ([]storage.ServerHint, error)
}

// ServerProperties tracks which destinations support prioritized
// multiplexing (HTTP/2, QUIC). The transport layer writes it as it learns
// from responses; the scheduler reads it on every admission decision.
type ServerProperties struct {
	mu       sync.RWMutex
	supports map[HostPort]bool
	store    HintStore
	logger   *slog.Logger
}

// NewServerProperties creates an empty table. store may be nil, in which
// case nothing is persisted.
func NewServerProperties(logger *slog.Logger, store HintStore) *ServerProperties {
	return &ServerProperties{
		supports: make(map[HostPort]bool),
		store:    store,
		logger:   logger,
	}
}

// Load replaces the in-memory table with the persisted hints.
func (sp *ServerProperties) Load() error {
	if sp.store == nil {
		return nil
	}
	hints, err := sp.store.ServerHints()
	if err != nil {
		return fmt.Errorf("load server hints: %w", err)
	}

	loaded := make(map[HostPort]bool, len(hints))
	for _, h := range hints {
		hp, err := ParseHostPort(h.HostPort)
		if err != nil {
			sp.logger.Warn("Skipping malformed server hint", "host_port", h.HostPort, "error", err)
			continue
		}
		if h.SupportsPriority {
			loaded[hp] = true
		}
	}

	sp.mu.Lock()
	sp.supports = loaded
	sp.mu.Unlock()
	sp.logger.Info("Server hints loaded", "count", len(loaded))
	return nil
}

// SupportsRequestPriority reports whether hp is known to multiplex with
// per-request priorities.
func (sp *ServerProperties) SupportsRequestPriority(hp HostPort) bool {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.supports[hp]
}

// SetSupportsRequestPriority records what the transport learned about hp.
// Persistence failures are logged; the in-memory answer is updated anyway.
func (sp *ServerProperties) SetSupportsRequestPriority(hp HostPort, supports bool) {
	sp.mu.Lock()
	if supports {
		sp.supports[hp] = true
	} else {
		delete(sp.supports, hp)
	}
	sp.mu.Unlock()

	if sp.store == nil {
		return
	}
	var err error
	if supports {
		err = sp.store.SaveServerHint(storage.ServerHint{
			HostPort:         hp.String(),
			SupportsPriority: true,
			UpdatedAt:        time.Now(),
		})
	} else {
		err = sp.store.DeleteServerHint(hp.String())
	}
	if err != nil {
		sp.logger.Error("Failed to persist server hint", "host_port", hp.String(), "error", err)
	}
}

// Hosts returns every destination currently known to support priorities,
// sorted for stable output.
func (sp *ServerProperties) Hosts() []HostPort {
	sp.mu.RLock()
	out := make([]HostPort, 0, len(sp.supports))
	for hp := range sp.supports {
		out = append(out, hp)
	}
	sp.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Port < out[j].Port
	})
	return out
}
