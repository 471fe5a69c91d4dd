// Package agent implements the universal agent: a per-machine daemon
// that pulls assigned targets, converges them through capability
// drivers and pushes the observed state back.
package agent

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/driver"
	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/metrics"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// Agent is one universal agent instance
type Agent struct {
	cfg     config.AgentConfig
	client  *Client
	drivers []driver.Driver
	id      uuid.UUID

	locksMu sync.Mutex
	locks   map[uuid.UUID]*resourceLock

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds the agent: loads or mints its durable identity and
// constructs the configured capability drivers.
func New(cfg config.AgentConfig) (*Agent, error) {
	id, err := loadIdentity(cfg.WorkDir)
	if err != nil {
		return nil, err
	}

	var drivers []driver.Driver
	for _, name := range cfg.CapsDrivers {
		d, err := driver.New(name, cfg.WorkDir, cfg.Drivers[name])
		if err != nil {
			for _, built := range drivers {
				built.Close()
			}
			return nil, err
		}
		drivers = append(drivers, d)
	}

	return &Agent{
		cfg:     cfg,
		client:  NewClient(cfg),
		drivers: drivers,
		id:      id,
		locks:   make(map[uuid.UUID]*resourceLock),
		stopCh:  make(chan struct{}),
	}, nil
}

// ID returns the agent's durable identity
func (a *Agent) ID() uuid.UUID {
	return a.id
}

// Capabilities returns the kinds advertised by the loaded drivers
func (a *Agent) Capabilities() types.StringList {
	var caps types.StringList
	for _, d := range a.drivers {
		for _, k := range d.Capabilities() {
			caps = append(caps, string(k))
		}
	}
	return caps
}

// Run registers the agent and reconciles until the context ends.
// Poll periods carry jitter so a fleet does not thunder in lockstep.
func (a *Agent) Run(ctx context.Context) error {
	logger := log.WithAgentID(a.id.String())

	if err := a.client.Login(ctx); err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	if err := a.client.Register(ctx, &types.UniversalAgent{
		UUID:         a.id,
		Name:         hostname,
		Capabilities: a.Capabilities(),
		Status:       types.AgentStatusActive,
	}); err != nil {
		return err
	}
	logger.Info().Strs("capabilities", a.Capabilities()).Msg("agent registered")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.stopCh:
			return nil
		case <-time.After(jittered(a.cfg.PollPeriod)):
		}

		if err := a.client.Heartbeat(ctx, a.id, a.Capabilities()); err != nil {
			logger.Warn().Err(err).Msg("heartbeat failed")
		}
		a.Cycle(ctx)
	}
}

// Stop asks Run to exit and waits for in-flight work
func (a *Agent) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	for _, d := range a.drivers {
		if err := d.Close(); err != nil {
			logger := log.WithDriver(a.id.String(), d.Name())
			logger.Warn().Err(err).Msg("driver close failed")
		}
	}
}

// Cycle runs one reconcile pass, drivers in parallel
func (a *Agent) Cycle(ctx context.Context) {
	var wg sync.WaitGroup
	for _, d := range a.drivers {
		wg.Add(1)
		go func(d driver.Driver) {
			defer wg.Done()
			logger := log.WithDriver(a.id.String(), d.Name())
			for _, kind := range d.Capabilities() {
				if err := a.reconcileKind(ctx, d, kind); err != nil {
					logger.Error().Err(err).
						Str("kind", string(kind)).
						Msg("reconcile pass failed")
				}
			}
		}(d)
	}
	wg.Wait()
}

// reconcileKind diffs the assigned targets of one kind against the
// driver's local state and pushes the resulting full actual set.
func (a *Agent) reconcileKind(ctx context.Context, d driver.Driver, kind types.Kind) error {
	targets, err := a.client.FetchTargets(ctx, a.id, kind)
	if err != nil {
		return err
	}
	locals, err := d.ListActual(ctx, kind)
	if err != nil {
		return err
	}

	known := make(map[uuid.UUID]*types.Resource, len(locals))
	for _, l := range locals {
		known[l.UUID] = l
	}
	wanted := make(map[uuid.UUID]bool, len(targets))

	report := make([]*types.Resource, 0, len(targets))
	for _, target := range targets {
		wanted[target.UUID] = true
		report = append(report, a.converge(ctx, d, target, known[target.UUID]))
	}

	// Anything local but absent from the feed was deleted upstream.
	for id, local := range known {
		if wanted[id] {
			continue
		}
		if err := a.runOp(ctx, d, "delete", id, func() error {
			return d.Delete(ctx, local)
		}); err != nil {
			logger := log.WithDriver(a.id.String(), d.Name())
			logger.Error().Err(err).
				Str("uuid", id.String()).
				Msg("teardown failed")
			report = append(report, local)
		}
	}

	return a.client.PushActuals(ctx, a.id, kind, report)
}

// converge drives one target through the driver and returns the actual
// to report. Failures surface as an ERROR actual so the orchestrator
// sees them.
func (a *Agent) converge(ctx context.Context, d driver.Driver, target, local *types.Resource) *types.Resource {
	var (
		result *types.Resource
		err    error
	)
	switch {
	case local == nil:
		err = a.runOp(ctx, d, "create", target.UUID, func() error {
			result, err = d.Create(ctx, target)
			return err
		})
	case local.TargetVersion < target.Version:
		err = a.runOp(ctx, d, "update", target.UUID, func() error {
			result, err = d.Update(ctx, target, local)
			return err
		})
	default:
		// Converged at this revision already.
		return local
	}

	if err != nil {
		observed := time.Now().UTC()
		failed := &types.Resource{
			UUID:          target.UUID,
			Kind:          target.Kind,
			ProjectID:     target.ProjectID,
			Name:          target.Name,
			Version:       target.Version,
			Status:        types.StatusError,
			StatusReason:  err.Error(),
			TargetVersion: target.Version,
			ObservedAt:    &observed,
		}
		if errdefs.IsTransient(err) && local != nil {
			// Keep the last good observation, only flag the failure.
			failed.Spec = local.Spec
		}
		return failed
	}
	return result
}

// runOp serializes operations per resource and records metrics
func (a *Agent) runOp(ctx context.Context, d driver.Driver, op string, id uuid.UUID, fn func() error) error {
	l := a.acquire(id)
	defer a.release(id, l)

	start := time.Now()
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(errdefs.KindOf(err)))
	}
	metrics.DriverOpsTotal.WithLabelValues(d.Name(), op, outcome).Inc()
	metrics.DriverOpDuration.WithLabelValues(d.Name(), op).Observe(time.Since(start).Seconds())
	return err
}

// resourceLock is one per-resource mutex with a holder count. The table
// entry is dropped when the last holder releases, so the map tracks
// only resources with work in flight.
type resourceLock struct {
	mu   sync.Mutex
	refs int
}

func (a *Agent) acquire(id uuid.UUID) *resourceLock {
	a.locksMu.Lock()
	l, ok := a.locks[id]
	if !ok {
		l = &resourceLock{}
		a.locks[id] = l
	}
	l.refs++
	a.locksMu.Unlock()

	l.mu.Lock()
	return l
}

func (a *Agent) release(id uuid.UUID, l *resourceLock) {
	l.mu.Unlock()

	a.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, id)
	}
	a.locksMu.Unlock()
}

// loadIdentity reads the durable agent identity, minting one on first run
func loadIdentity(workDir string) (uuid.UUID, error) {
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return uuid.Nil, err
	}
	path := filepath.Join(workDir, "agent_id")
	data, err := os.ReadFile(path)
	if err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return id, nil
		}
	}
	id := uuid.New()
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// jittered spreads a period by up to 20% either way
func jittered(period time.Duration) time.Duration {
	if period <= 0 {
		period = 3 * time.Second
	}
	spread := int64(period) / 5
	return period + time.Duration(rand.Int63n(2*spread+1)-spread)
}
