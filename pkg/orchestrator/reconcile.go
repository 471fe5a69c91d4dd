package orchestrator

import (
	"context"
	"time"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/events"
	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// AgentManaged reports whether a kind is realized by universal agents.
// Every other kind is bookkeeping realized by the orchestrator itself.
func AgentManaged(kind types.Kind) bool {
	switch kind {
	case types.KindNode, types.KindServiceNode, types.KindPassword, types.KindCertificate:
		return true
	}
	return false
}

func (o *Orchestrator) processConverge(ctx context.Context, claim storage.Claim) error {
	t := claim.Target

	if t.Kind == types.KindService {
		return o.reconcileService(ctx, claim)
	}
	if AgentManaged(t.Kind) {
		return o.convergeAgentKind(ctx, claim)
	}
	return o.convergeControlPlane(ctx, claim)
}

// convergeAgentKind places the target on an agent and waits for the
// agent to report a matching actual. Convergence is judged against the
// version the target had before this claim bumped it: the agent cannot
// have observed anything newer.
func (o *Orchestrator) convergeAgentKind(ctx context.Context, claim storage.Claim) error {
	t := claim.Target

	if t.AgentUUID == nil {
		agent, err := o.sched.Assign(ctx, t)
		if err != nil {
			return err
		}
		t.AgentUUID = &agent
		return o.transition(ctx, t, types.StatusInProgress, "")
	}

	if t.Status == types.StatusNew {
		return o.transition(ctx, t, types.StatusInProgress, "")
	}

	actual, err := o.store.GetActual(ctx, t.UUID)
	if errdefs.IsNotFound(err) {
		return o.maybeReassign(ctx, t)
	}
	if err != nil {
		return err
	}

	switch {
	case actual.Status == types.StatusError:
		return errdefs.Transient("agent reported error for %s", t.UUID)
	case actual.Status == types.StatusActive && actual.TargetVersion >= claim.PrevVersion:
		if err := o.transition(ctx, t, types.StatusActive, ""); err != nil {
			return err
		}
		return o.emitCertificateIssued(ctx, t, actual)
	default:
		// Still converging toward the current revision.
		return nil
	}
}

// emitCertificateIssued announces a certificate that just converged
func (o *Orchestrator) emitCertificateIssued(ctx context.Context, t *types.Target, actual *types.Actual) error {
	if t.Kind != types.KindCertificate {
		return nil
	}
	var spec types.CertificateSpec
	if err := actual.DecodeSpec(&spec); err != nil {
		return nil
	}
	return o.store.Transaction(ctx, func(tx *storage.Store) error {
		return events.Emit(ctx, tx, events.KindCertificateIssued, &events.CertificateIssuedPayload{
			TargetUUID: t.UUID,
			CommonName: spec.CommonName,
		})
	})
}

// maybeReassign moves the target to a fresh agent when the assigned
// one stopped heartbeating
func (o *Orchestrator) maybeReassign(ctx context.Context, t *types.Target) error {
	agent, err := o.store.GetAgent(ctx, *t.AgentUUID)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if err == nil && time.Since(agent.LastHeartbeat) < o.cfg.AgentStale {
		return nil
	}

	replacement, err := o.sched.Assign(ctx, t)
	if err != nil {
		return err
	}
	if t.AgentUUID != nil && replacement == *t.AgentUUID {
		return nil
	}
	logger := log.WithResource(string(t.Kind), t.UUID.String())
	logger.Warn().
		Str("agent", replacement.String()).
		Msg("reassigning target from stale agent")
	t.AgentUUID = &replacement
	return o.store.UpdateTarget(ctx, t, t.Version)
}

// convergeControlPlane validates and realizes a bookkeeping kind. The
// orchestrator is its own agent here: it writes the actual row and
// activates the target in one step.
func (o *Orchestrator) convergeControlPlane(ctx context.Context, claim storage.Claim) error {
	t := claim.Target

	if err := o.validate(ctx, t); err != nil {
		return err
	}

	observed := time.Now().UTC()
	actual := &types.Actual{
		UUID:          t.UUID,
		Kind:          t.Kind,
		ProjectID:     t.ProjectID,
		Name:          t.Name,
		Version:       t.Version,
		Status:        types.StatusActive,
		Spec:          t.Spec,
		TargetVersion: t.Version,
		ObservedAt:    observed,
	}
	return o.store.Transaction(ctx, func(tx *storage.Store) error {
		if err := tx.UpsertActual(ctx, actual); err != nil {
			return err
		}
		t.Status = types.StatusActive
		t.StatusReason = ""
		t.Attempts = 0
		t.NextRetryAt = nil
		if err := tx.UpdateTarget(ctx, t, t.Version); err != nil {
			return err
		}
		return events.Emit(ctx, tx, events.KindTargetStatus, &events.TargetStatusPayload{
			TargetUUID: t.UUID,
			Kind:       t.Kind,
			Status:     types.StatusActive,
		})
	})
}

// processDelete drives cascade deletion children-first. The parent row
// survives until every child target is gone and the actual plane no
// longer reports the resource.
func (o *Orchestrator) processDelete(ctx context.Context, claim storage.Claim) error {
	t := claim.Target

	children, err := o.store.ChildTargets(ctx, t.UUID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		for _, child := range children {
			if child.Status == types.StatusDeleting {
				continue
			}
			if err := o.transition(ctx, child, types.StatusDeleting, "parent deletion"); err != nil {
				return err
			}
		}
		// Wait for the subtree to drain.
		return nil
	}

	if AgentManaged(t.Kind) {
		_, err := o.store.GetActual(ctx, t.UUID)
		if err == nil {
			// The agent has not torn the resource down yet.
			return nil
		}
		if !errdefs.IsNotFound(err) {
			return err
		}
	} else {
		if err := o.store.DeleteActual(ctx, t.UUID); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	}

	return o.store.Transaction(ctx, func(tx *storage.Store) error {
		if err := tx.DeleteTarget(ctx, t.UUID); err != nil {
			return err
		}
		return events.Emit(ctx, tx, events.KindTargetStatus, &events.TargetStatusPayload{
			TargetUUID: t.UUID,
			Kind:       t.Kind,
			Status:     types.StatusDeleting,
			Reason:     "deleted",
		})
	})
}

// fail records a reconciliation failure. Transient failures retry with
// exponential backoff up to the attempt bound; validation and permanent
// failures move the target to ERROR at once. Deletions never give up.
func (o *Orchestrator) fail(ctx context.Context, claim storage.Claim, ferr error) {
	t := claim.Target
	reason := ferr.Error()
	logger := log.WithResource(string(t.Kind), t.UUID.String())

	kind := errdefs.KindOf(ferr)
	retryable := kind == errdefs.KindTransient || kind == errdefs.KindConflict

	if retryable || t.Status == types.StatusDeleting {
		t.Attempts++
		if retryable && t.Status != types.StatusDeleting && t.Attempts >= o.cfg.MaxAttempts {
			logger.Error().Err(ferr).Int("attempts", t.Attempts).Msg("retry budget exhausted")
			if err := o.transition(ctx, t, types.StatusError, reason); err != nil {
				logger.Error().Err(err).Msg("failed to record error status")
			}
			return
		}
		next := time.Now().UTC().Add(events.Backoff(t.Attempts, o.cfg.RetryBase, o.cfg.RetryCap))
		t.NextRetryAt = &next
		t.StatusReason = reason
		if err := o.store.UpdateTarget(ctx, t, t.Version); err != nil {
			logger.Error().Err(err).Msg("failed to schedule retry")
		} else {
			logger.Warn().Err(ferr).Int("attempts", t.Attempts).Msg("reconciliation failed, will retry")
		}
		return
	}

	logger.Error().Err(ferr).Msg("reconciliation failed permanently")
	if err := o.transition(ctx, t, types.StatusError, reason); err != nil {
		logger.Error().Err(err).Msg("failed to record error status")
	}
}
