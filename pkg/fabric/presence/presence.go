// Package presence runs the coordinator's cooperative background sweep: it
// expires stale claims and stale nodes, then broadcasts a fresh network
// snapshot plus one job update per job the sweep touched.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/wisbric/nightowl/pkg/fabric"
	"github.com/wisbric/nightowl/pkg/fabric/store"
)

// EventSink is the subset of internal/eventbus.Hub the publisher needs.
type EventSink interface {
	JobUpdated(job fabric.Job)
	NetworkChanged()
}

// TrainingTicker optionally advances training runs on each tick. Left nil
// when no training subsystem is wired in.
type TrainingTicker interface {
	TickTrainingRuns(ctx context.Context) error
}

// Config holds the publisher's tunables, all sourced from coordinator config.
type Config struct {
	BroadcastInterval time.Duration
	ClaimTimeout      time.Duration
	HeartbeatTimeout  time.Duration
}

// Publisher is the coordinator's presence/sweep loop.
type Publisher struct {
	store    *store.Store
	events   EventSink
	training TrainingTicker
	cfg      Config
	logger   *slog.Logger
}

// New builds a Publisher. training may be nil.
func New(st *store.Store, events EventSink, training TrainingTicker, cfg Config, logger *slog.Logger) *Publisher {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 3 * time.Second
	}
	return &Publisher{store: st, events: events, training: training, cfg: cfg, logger: logger}
}

// Run ticks the sweep at cfg.BroadcastInterval until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs exactly one sweep. Kept as a method (not inlined into Run) so
// the exported Tick can drive a single iteration deterministically.
func (p *Publisher) tick(ctx context.Context) {
	affectedClaims := p.store.ExpireStaleJobClaims(p.cfg.ClaimTimeout)
	affectedNodes := p.store.ExpireStaleNodes(p.cfg.HeartbeatTimeout)

	if p.training != nil {
		if err := p.training.TickTrainingRuns(ctx); err != nil {
			p.logger.Warn("presence: ticking training runs", "error", err)
		}
	}

	// ExpireStaleJobClaims/ExpireStaleNodes already emit their own
	// JobUpdated/NetworkChanged events through the store's EventSink; the
	// publisher's own job is only the periodic network_update broadcast,
	// which must happen every tick regardless of whether anything changed
	// so idle websocket clients still see a heartbeat snapshot.
	p.events.NetworkChanged()

	if len(affectedClaims) > 0 || len(affectedNodes) > 0 {
		p.logger.Debug("presence: sweep affected state",
			"stale_claims", len(affectedClaims),
			"offline_nodes", len(affectedNodes),
		)
	}
}

// Tick runs a single sweep iteration synchronously. Exported for callers,
// such as tests, that want to force a cycle outside the ticker.
func (p *Publisher) Tick(ctx context.Context) {
	p.tick(ctx)
}
