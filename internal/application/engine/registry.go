package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/updown/internal/domain"
	"github.com/alejandrodnm/updown/internal/ports"
)

const defaultPollInterval = 15 * time.Second

// LoopFactory builds a MarketLoop for a market the registry wants to run.
type LoopFactory func(m domain.Market) *MarketLoop

// Registry reconciles running market loops against the control store:
// enabled markets get a loop, disabled or expired ones are stopped, and
// flipping the run flag off stops everything without killing the process.
type Registry struct {
	ctrl     ports.ControlStore
	factory  LoopFactory
	interval time.Duration

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	halted    map[string]struct{} // markets stopped by an invariant violation
	haltedRun string              // run the halted set belongs to
	wg        sync.WaitGroup
}

// NewRegistry creates a registry polling at the given interval
// (defaulted when zero).
func NewRegistry(ctrl ports.ControlStore, factory LoopFactory, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Registry{
		ctrl:     ctrl,
		factory:  factory,
		interval: interval,
		running:  make(map[string]context.CancelFunc),
		halted:   make(map[string]struct{}),
	}
}

// Run reconciles until the context is cancelled, then stops every loop
// and waits for them to drain.
func (r *Registry) Run(ctx context.Context) error {
	r.reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			r.wg.Wait()
			slog.Info("registry: all market loops stopped")
			return nil
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

// ActiveLoops returns the ids of markets with a live loop.
func (r *Registry) ActiveLoops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) reconcile(ctx context.Context) {
	rs, err := r.ctrl.GetRunState(ctx)
	if err != nil {
		slog.Warn("registry: control state unavailable", "err", err)
		return
	}
	if !rs.Running {
		r.stopAll()
		return
	}

	// A halted loop stays down for the rest of its run: restarting it
	// would just replay the same invariant violation every poll. A new
	// run id wipes the slate.
	r.mu.Lock()
	if rs.RunID != r.haltedRun {
		r.haltedRun = rs.RunID
		r.halted = make(map[string]struct{})
	}
	r.mu.Unlock()

	markets, err := r.ctrl.EnabledMarkets(ctx)
	if err != nil {
		slog.Warn("registry: market list unavailable", "err", err)
		return
	}

	now := time.Now().UTC()
	enabled := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		if m.Expired(now) {
			continue
		}
		enabled[m.ID] = struct{}{}
		r.startLoop(ctx, m)
	}

	// Stop loops for markets no longer in the enabled set.
	r.mu.Lock()
	for id, cancel := range r.running {
		if _, ok := enabled[id]; !ok {
			slog.Info("registry: market disabled, stopping loop", "market", id)
			cancel()
			delete(r.running, id)
		}
	}
	r.mu.Unlock()
}

func (r *Registry) startLoop(ctx context.Context, m domain.Market) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[m.ID]; ok {
		return
	}
	if _, ok := r.halted[m.ID]; ok {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.running[m.ID] = cancel
	loop := r.factory(m)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		err := loop.Run(loopCtx)
		if err != nil {
			slog.Error("registry: market loop exited with error", "market", m.ID, "err", err)
		}
		r.mu.Lock()
		delete(r.running, m.ID)
		if err != nil {
			r.halted[m.ID] = struct{}{}
		}
		r.mu.Unlock()
	}()
}

func (r *Registry) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.running) == 0 {
		return
	}
	slog.Info("registry: stopping market loops", "count", len(r.running))
	for id, cancel := range r.running {
		cancel()
		delete(r.running, id)
	}
}
