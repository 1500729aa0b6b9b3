package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/voicerelay/internal/session"
)

type ReaperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
	Grace       time.Duration
}

// Reaper periodically ends sessions that have gone quiet.
type Reaper struct {
	machine  *Machine
	registry *session.Registry
	cfg      ReaperConfig
	logger   *slog.Logger
}

func NewReaper(machine *Machine, registry *session.Registry, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		machine:  machine,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start runs Sweep every Interval until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Sweep examines every registered session once and returns how many were
// reaped. A failure on one session does not stop the sweep.
func (r *Reaper) Sweep() int {
	now := r.registry.Now()
	reaped := 0
	for _, id := range r.registry.ListIDs() {
		ok, err := r.reapOne(id, now)
		if err != nil {
			r.logger.Error("idle reap failed", "session_id", id, "error", err)
			continue
		}
		if ok {
			reaped++
		}
	}
	if reaped > 0 {
		r.logger.Info("reaped idle sessions", "count", reaped)
	}
	return reaped
}

func (r *Reaper) reapOne(id string, now time.Time) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, fmt.Errorf("panic: %v", p)
		}
	}()
	return r.machine.ReapIfIdle(id, now, r.cfg.IdleTimeout, r.cfg.Grace)
}
