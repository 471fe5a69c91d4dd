// Package orchestrator runs the cluster-wide reconciliation engine.
// One worker per resource family claims batches of outstanding targets
// and drives them toward their declared state.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/events"
	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/metrics"
	"github.com/genesis-cloud/genesis-core/pkg/scheduler"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// Orchestrator owns the per-family reconciliation workers
type Orchestrator struct {
	store *storage.Store
	sched *scheduler.Scheduler
	cfg   config.OrchConfig

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New builds the orchestrator over the shared store
func New(store *storage.Store, sched *scheduler.Scheduler, cfg config.OrchConfig) *Orchestrator {
	return &Orchestrator{
		store:  store,
		sched:  sched,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start launches one worker per family
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	for family, kinds := range types.Families {
		o.wg.Add(1)
		go o.worker(ctx, family, kinds)
	}
	logger := log.WithComponent("orchestrator")
	logger.Info().
		Int("families", len(types.Families)).
		Msg("reconciliation workers started")
}

// Stop terminates every worker and waits for them to exit
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	close(o.stopCh)
	o.wg.Wait()
	logger := log.WithComponent("orchestrator")
	logger.Info().Msg("reconciliation workers stopped")
}

func (o *Orchestrator) worker(ctx context.Context, family types.Family, kinds []types.Kind) {
	defer o.wg.Done()

	period := o.cfg.PollPeriod
	if period <= 0 {
		period = 3 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	logger := log.WithComponent("orchestrator")
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.cycleSafe(ctx, family, kinds); err != nil {
				logger.Error().Err(err).
					Str("family", string(family)).
					Msg("reconciliation cycle failed")
			}
		}
	}
}

// Cycle claims and processes one batch for a family. A panic while
// processing a single target is contained so one bad resource cannot
// take the worker down.
func (o *Orchestrator) Cycle(ctx context.Context, family types.Family) error {
	return o.cycle(ctx, family, types.Families[family])
}

// cycleSafe keeps a panicking cycle from taking the worker goroutine
// down; the next tick retries.
func (o *Orchestrator) cycleSafe(ctx context.Context, family types.Family, kinds []types.Kind) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciliation cycle panicked: %v", r)
		}
	}()
	return o.cycle(ctx, family, kinds)
}

func (o *Orchestrator) cycle(ctx context.Context, family types.Family, kinds []types.Kind) error {
	start := time.Now()
	defer func() {
		metrics.ReconcileCyclesTotal.WithLabelValues(string(family)).Inc()
		metrics.ReconcileDuration.WithLabelValues(string(family)).Observe(time.Since(start).Seconds())
	}()

	claims, err := o.store.ClaimTargets(ctx, kinds, o.cfg.BatchSize, o.cfg.LeaseWindow)
	if err != nil {
		return err
	}

	for _, claim := range claims {
		o.processSafe(ctx, claim)
	}
	if counts, err := o.store.CountTargetsByStatus(ctx, kinds); err == nil {
		for _, c := range counts {
			metrics.TargetsByStatus.WithLabelValues(string(c.Kind), string(c.Status)).Set(float64(c.Count))
		}
	}
	return o.sweepOrphans(ctx, kinds)
}

// sweepOrphans removes actuals whose target row is gone. Agent-managed
// kinds clean themselves up through the feed diff while the agent is
// alive, so those are only collected once the observation has gone
// stale.
func (o *Orchestrator) sweepOrphans(ctx context.Context, kinds []types.Kind) error {
	orphans, err := o.store.OrphanActuals(ctx, kinds)
	if err != nil {
		return err
	}
	staleBound := time.Now().UTC().Add(-o.cfg.AgentStale)
	for _, a := range orphans {
		if AgentManaged(a.Kind) && a.ObservedAt.After(staleBound) {
			continue
		}
		logger := log.WithResource(string(a.Kind), a.UUID.String())
		if err := o.store.DeleteActual(ctx, a.UUID); err != nil {
			logger.Warn().Err(err).Msg("orphan actual cleanup failed")
			continue
		}
		logger.Info().Msg("orphan actual removed")
	}
	return nil
}

func (o *Orchestrator) processSafe(ctx context.Context, claim storage.Claim) {
	logger := log.WithResource(string(claim.Target.Kind), claim.Target.UUID.String())
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("panic", fmt.Sprint(r)).
				Msg("reconciliation panicked")
			o.fail(ctx, claim, fmt.Errorf("reconciliation panicked: %v", r))
		}
		if err := o.store.ReleaseLease(ctx, claim.Target.UUID); err != nil {
			logger.Warn().Err(err).Msg("lease release failed")
		}
	}()

	if err := o.process(ctx, claim); err != nil {
		o.fail(ctx, claim, err)
	}
}

func (o *Orchestrator) process(ctx context.Context, claim storage.Claim) error {
	if claim.Target.Status == types.StatusDeleting {
		return o.processDelete(ctx, claim)
	}
	return o.processConverge(ctx, claim)
}

// transition commits a status change together with its outbox event
func (o *Orchestrator) transition(ctx context.Context, t *types.Target, status types.Status, reason string) error {
	prev := t.Status
	t.Status = status
	t.StatusReason = reason
	if status == types.StatusActive {
		t.Attempts = 0
		t.NextRetryAt = nil
	}

	err := o.store.Transaction(ctx, func(tx *storage.Store) error {
		if err := tx.UpdateTarget(ctx, t, t.Version); err != nil {
			return err
		}
		return events.Emit(ctx, tx, events.KindTargetStatus, &events.TargetStatusPayload{
			TargetUUID: t.UUID,
			Kind:       t.Kind,
			Status:     status,
			Reason:     reason,
		})
	})
	if err != nil {
		t.Status = prev
		return err
	}
	logger := log.WithResource(string(t.Kind), t.UUID.String())
	logger.Info().
		Str("from", string(prev)).
		Str("to", string(status)).
		Msg("status transition")
	return nil
}
