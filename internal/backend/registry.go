// Package backend holds the backend registry and the hot-swappable active
// backend state. Descriptors are immutable after load; only the active
// selection changes at runtime, always atomically under one lock so
// concurrent readers see either the old or the new value, never a mix.
package backend

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swapgate/swapgate/internal/config"
)

// ErrNotFound is returned when a backend name is not configured.
var ErrNotFound = errors.New("backend not found")

// SwitchLogEntry records one backend switch for auditing.
type SwitchLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	OldBackend string    `json:"old_backend,omitempty"`
	NewBackend string    `json:"new_backend"`
}

// Registry is the process-wide backend registry and active-backend state.
type Registry struct {
	mu        sync.RWMutex
	cfg       *config.Config
	active    string
	switchLog []SwitchLogEntry
	logger    *zap.Logger
}

// NewRegistry builds a registry from a validated configuration. The active
// backend is the configured default, or the first backend when no default
// is set.
func NewRegistry(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	if len(cfg.Backends) == 0 {
		return nil, errors.New("no backends configured")
	}
	active := cfg.Defaults.Active
	if active == "" {
		active = cfg.Backends[0].Name
	} else if _, err := findBackend(cfg, active); err != nil {
		return nil, fmt.Errorf("default backend %q: %w", active, ErrNotFound)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		active: active,
		switchLog: []SwitchLogEntry{{
			Timestamp:  time.Now().UTC(),
			NewBackend: active,
		}},
		logger: logger,
	}, nil
}

func findBackend(cfg *config.Config, name string) (config.Backend, error) {
	for _, b := range cfg.Backends {
		if b.Name == name {
			return b, nil
		}
	}
	return config.Backend{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// List returns all configured backend descriptors.
func (r *Registry) List() []config.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.Backend, len(r.cfg.Backends))
	copy(out, r.cfg.Backends)
	return out
}

// Get returns the descriptor for a named backend.
func (r *Registry) Get(name string) (config.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return findBackend(r.cfg, name)
}

// ActiveName returns the name of the currently active backend.
func (r *Registry) ActiveName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Active returns the descriptor of the currently active backend.
func (r *Registry) Active() (config.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return findBackend(r.cfg, r.active)
}

// SetActive swaps the active backend. The swap is atomic: on error the
// active backend is unchanged. Switching to the already-active backend
// is a no-op and is not logged.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := findBackend(r.cfg, name); err != nil {
		return err
	}
	if r.active == name {
		return nil
	}

	old := r.active
	r.active = name
	r.switchLog = append(r.switchLog, SwitchLogEntry{
		Timestamp:  time.Now().UTC(),
		OldBackend: old,
		NewBackend: name,
	})
	r.logger.Info("backend switched",
		zap.String("old_backend", old),
		zap.String("new_backend", name))
	return nil
}

// SwitchLog returns a copy of the switch history.
func (r *Registry) SwitchLog() []SwitchLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SwitchLogEntry, len(r.switchLog))
	copy(out, r.switchLog)
	return out
}

// UpdateConfig replaces the configuration after an external hot-reload.
// If the active backend no longer exists it falls back to the new default
// or the first configured backend, recording the forced switch.
func (r *Registry) UpdateConfig(cfg *config.Config) error {
	if len(cfg.Backends) == 0 {
		return errors.New("no backends configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := findBackend(cfg, r.active); err != nil {
		newActive := cfg.Defaults.Active
		if newActive == "" {
			newActive = cfg.Backends[0].Name
		}
		r.logger.Warn("active backend removed by config reload",
			zap.String("old_backend", r.active),
			zap.String("new_backend", newActive))
		r.switchLog = append(r.switchLog, SwitchLogEntry{
			Timestamp:  time.Now().UTC(),
			OldBackend: r.active,
			NewBackend: newActive,
		})
		r.active = newActive
	}

	r.cfg = cfg
	return nil
}
