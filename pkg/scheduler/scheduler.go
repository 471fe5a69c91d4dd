// Package scheduler assigns targets to universal agents by capability.
// Capability labels support trailing-glob patterns like "em_core_*".
package scheduler

import (
	"context"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/metrics"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// Scheduler picks the least-loaded fresh agent able to handle a kind
type Scheduler struct {
	store      *storage.Store
	staleBound time.Duration
	labels     []string
}

// New builds a scheduler over the shared store. An optional label list
// restricts which kinds this scheduler instance places; empty means all.
func New(store *storage.Store, staleBound time.Duration, labels ...string) *Scheduler {
	if staleBound <= 0 {
		staleBound = 30 * time.Second
	}
	return &Scheduler{store: store, staleBound: staleBound, labels: labels}
}

// Handles reports whether this scheduler instance places the kind
func (s *Scheduler) Handles(kind types.Kind) bool {
	if len(s.labels) == 0 {
		return true
	}
	for _, label := range s.labels {
		if CapabilityMatches(label, kind) {
			return true
		}
	}
	return false
}

// CapabilityMatches reports whether an advertised capability label
// covers a resource kind. Labels match literally or as glob patterns.
func CapabilityMatches(label string, kind types.Kind) bool {
	if label == string(kind) {
		return true
	}
	ok, err := path.Match(label, string(kind))
	return err == nil && ok
}

// Eligible filters agents down to those advertising the kind
func Eligible(agents []*types.UniversalAgent, kind types.Kind) []*types.UniversalAgent {
	var out []*types.UniversalAgent
	for _, a := range agents {
		for _, label := range a.Capabilities {
			if CapabilityMatches(label, kind) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// Assign selects an agent for the target and returns its identifier.
// Selection is least outstanding load first; ties break on the lowest
// agent identifier so placement is deterministic. No eligible agent is
// a Transient failure, retried by the orchestrator.
func (s *Scheduler) Assign(ctx context.Context, target *types.Target) (uuid.UUID, error) {
	if !s.Handles(target.Kind) {
		metrics.SchedulingFailures.Inc()
		return uuid.Nil, errdefs.Transient("scheduler is not configured to place kind %s", target.Kind)
	}

	agents, err := s.store.ListFreshAgents(ctx, s.staleBound)
	if err != nil {
		return uuid.Nil, err
	}

	candidates := Eligible(agents, target.Kind)
	if len(candidates) == 0 {
		metrics.SchedulingFailures.Inc()
		return uuid.Nil, errdefs.Transient("no agent advertises capability for kind %s", target.Kind)
	}

	var (
		best     uuid.UUID
		bestLoad int64 = -1
	)
	for _, a := range candidates {
		load, err := s.store.CountAssignedTargets(ctx, a.UUID)
		if err != nil {
			return uuid.Nil, err
		}
		if bestLoad < 0 || load < bestLoad {
			best = a.UUID
			bestLoad = load
		}
	}

	metrics.TargetsScheduled.Inc()
	logger := log.WithComponent("scheduler")
	logger.Debug().
		Str("target", target.UUID.String()).
		Str("kind", string(target.Kind)).
		Str("agent", best.String()).
		Int64("load", bestLoad).
		Msg("target assigned")
	return best, nil
}
