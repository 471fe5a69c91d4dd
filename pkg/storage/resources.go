package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// Filter narrows target and actual queries. Zero fields are ignored.
type Filter struct {
	Kind      types.Kind
	Kinds     []types.Kind
	ProjectID uuid.UUID
	Status    types.Status
	Parent    *uuid.UUID
	Agent     *uuid.UUID
	OlderThan time.Time
}

// CreateTarget inserts a new target at version 1 in status NEW
func (s *Store) CreateTarget(ctx context.Context, t *types.Target) error {
	if !t.Kind.Valid() {
		return errdefs.Validation("unknown resource kind %q", t.Kind)
	}
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	t.Version = 1
	if t.Status == "" {
		t.Status = types.StatusNew
	}
	t.CreatedAt = now()
	t.UpdatedAt = t.CreatedAt

	if t.ParentUUID != nil {
		var count int64
		s.db.WithContext(ctx).Model(&types.Target{}).
			Where("uuid = ?", *t.ParentUUID).Count(&count)
		if count == 0 {
			return errdefs.Validation("parent %s does not exist", *t.ParentUUID)
		}
	}

	err := s.db.WithContext(ctx).Create(t).Error
	return translate(err, "target "+t.UUID.String())
}

// GetTarget returns one target by identifier
func (s *Store) GetTarget(ctx context.Context, id uuid.UUID) (*types.Target, error) {
	var t types.Target
	err := s.db.WithContext(ctx).First(&t, "uuid = ?", id).Error
	if err != nil {
		return nil, translate(err, "target "+id.String())
	}
	return &t, nil
}

// ListTargets returns targets matching the filter, oldest first
func (s *Store) ListTargets(ctx context.Context, f Filter) ([]*types.Target, error) {
	q := s.db.WithContext(ctx).Model(&types.Target{})
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if len(f.Kinds) > 0 {
		q = q.Where("kind IN ?", f.Kinds)
	}
	if f.ProjectID != uuid.Nil {
		q = q.Where("project_id = ?", f.ProjectID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Parent != nil {
		q = q.Where("parent_uuid = ?", *f.Parent)
	}
	if f.Agent != nil {
		q = q.Where("agent_uuid = ?", *f.Agent)
	}
	if !f.OlderThan.IsZero() {
		q = q.Where("updated_at < ?", f.OlderThan)
	}

	var targets []*types.Target
	err := q.Order("created_at asc, uuid asc").Find(&targets).Error
	return targets, translate(err, "targets")
}

// UpdateTarget performs a compare-and-set keyed on (uuid, version).
// The stored row is only replaced when its version still equals
// expected; the new version is expected+1. A stale expected version
// fails with Conflict.
func (s *Store) UpdateTarget(ctx context.Context, t *types.Target, expected int64) error {
	t.Version = expected + 1
	t.UpdatedAt = now()

	res := s.db.WithContext(ctx).Model(&types.Target{}).
		Where("uuid = ? AND version = ?", t.UUID, expected).
		Select("*").Omit("created_at").Updates(t)
	if res.Error != nil {
		return translate(res.Error, "target "+t.UUID.String())
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetTarget(ctx, t.UUID); err != nil {
			return err
		}
		return errdefs.Conflict("target %s version %d is stale", t.UUID, expected)
	}
	return nil
}

// DeleteTarget removes the target row physically. Lifecycle deletion
// goes through status DELETING first; this is the final step.
func (s *Store) DeleteTarget(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Delete(&types.Target{}, "uuid = ?", id).Error
	return translate(err, "target "+id.String())
}

// Claim is one target claimed by an orchestrator worker together with
// the version the target had before the claim bumped it. Convergence
// is judged against PrevVersion: it is the newest version an agent
// could have reported before this claim.
type Claim struct {
	Target      *types.Target
	PrevVersion int64
}

// ClaimTargets atomically claims a batch of reconcilable targets for
// one worker. A claim bumps the version (CAS, so concurrent workers
// exclude each other) and takes a lease; leased targets are invisible
// to peers until the lease expires. Oldest targets first, identifier
// as tiebreak.
func (s *Store) ClaimTargets(ctx context.Context, kinds []types.Kind, batch int, lease time.Duration) ([]Claim, error) {
	ts := now()

	var candidates []*types.Target
	err := s.db.WithContext(ctx).Model(&types.Target{}).
		Where("kind IN ?", kinds).
		Where("status IN ?", []types.Status{types.StatusNew, types.StatusInProgress, types.StatusDeleting}).
		Where("leased_until IS NULL OR leased_until < ?", ts).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", ts).
		Order("created_at asc, uuid asc").
		Limit(batch).
		Find(&candidates).Error
	if err != nil {
		return nil, translate(err, "claim candidates")
	}

	leasedUntil := ts.Add(lease)
	var claims []Claim
	for _, t := range candidates {
		res := s.db.WithContext(ctx).Model(&types.Target{}).
			Where("uuid = ? AND version = ?", t.UUID, t.Version).
			Updates(map[string]any{
				"version":      t.Version + 1,
				"leased_until": leasedUntil,
				"updated_at":   ts,
			})
		if res.Error != nil {
			return claims, translate(res.Error, "claim "+t.UUID.String())
		}
		if res.RowsAffected == 0 {
			// Lost the race to a peer; skip.
			continue
		}
		prev := t.Version
		t.Version++
		t.LeasedUntil = &leasedUntil
		t.UpdatedAt = ts
		claims = append(claims, Claim{Target: t, PrevVersion: prev})
	}
	return claims, nil
}

// ReleaseLease clears the lease so peers can claim the target again
func (s *Store) ReleaseLease(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Model(&types.Target{}).
		Where("uuid = ?", id).
		Update("leased_until", nil).Error
	return translate(err, "release "+id.String())
}

// StatusCount is one (kind, status) population row
type StatusCount struct {
	Kind   types.Kind
	Status types.Status
	Count  int64
}

// CountTargetsByStatus returns the target population per kind and status
func (s *Store) CountTargetsByStatus(ctx context.Context, kinds []types.Kind) ([]StatusCount, error) {
	var out []StatusCount
	err := s.db.WithContext(ctx).Model(&types.Target{}).
		Select("kind, status, count(*) as count").
		Where("kind IN ?", kinds).
		Group("kind").Group("status").
		Scan(&out).Error
	return out, translate(err, "targets by status")
}

// OrphanActuals returns actuals whose target row is gone. An actual
// without a target is garbage scheduled for deletion.
func (s *Store) OrphanActuals(ctx context.Context, kinds []types.Kind) ([]*types.Actual, error) {
	var actuals []*types.Actual
	q := s.db.WithContext(ctx).Model(&types.Actual{}).
		Where("uuid NOT IN (?)", s.db.Model(&types.Target{}).Select("uuid"))
	if len(kinds) > 0 {
		q = q.Where("kind IN ?", kinds)
	}
	err := q.Find(&actuals).Error
	return actuals, translate(err, "orphan actuals")
}

// GetActual returns one actual by identifier
func (s *Store) GetActual(ctx context.Context, id uuid.UUID) (*types.Actual, error) {
	var a types.Actual
	err := s.db.WithContext(ctx).First(&a, "uuid = ?", id).Error
	if err != nil {
		return nil, translate(err, "actual "+id.String())
	}
	return &a, nil
}

// ListActuals returns actuals matching the filter
func (s *Store) ListActuals(ctx context.Context, f Filter) ([]*types.Actual, error) {
	q := s.db.WithContext(ctx).Model(&types.Actual{})
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if len(f.Kinds) > 0 {
		q = q.Where("kind IN ?", f.Kinds)
	}
	if f.ProjectID != uuid.Nil {
		q = q.Where("project_id = ?", f.ProjectID)
	}
	if f.Agent != nil {
		q = q.Where("agent_uuid = ?", *f.Agent)
	}

	var actuals []*types.Actual
	err := q.Order("created_at asc, uuid asc").Find(&actuals).Error
	return actuals, translate(err, "actuals")
}

// UpsertActual writes an observed actual, replacing any prior row
func (s *Store) UpsertActual(ctx context.Context, a *types.Actual) error {
	ts := now()
	a.UpdatedAt = ts

	var existing types.Actual
	err := s.db.WithContext(ctx).First(&existing, "uuid = ?", a.UUID).Error
	if err != nil {
		a.CreatedAt = ts
		return translate(s.db.WithContext(ctx).Create(a).Error, "actual "+a.UUID.String())
	}
	a.CreatedAt = existing.CreatedAt
	return translate(s.db.WithContext(ctx).Model(&types.Actual{}).
		Where("uuid = ?", a.UUID).
		Select("*").Omit("created_at").Updates(a).Error, "actual "+a.UUID.String())
}

// ReplaceAgentActuals replaces the full actual set of one agent for
// one kind with the given post-diff set. Actuals the agent no longer
// reports are removed.
func (s *Store) ReplaceAgentActuals(ctx context.Context, agent uuid.UUID, kind types.Kind, actuals []*types.Actual) error {
	return s.Transaction(ctx, func(tx *Store) error {
		keep := make([]uuid.UUID, 0, len(actuals))
		for _, a := range actuals {
			a.AgentUUID = &agent
			a.Kind = kind
			if err := tx.UpsertActual(ctx, a); err != nil {
				return err
			}
			keep = append(keep, a.UUID)
		}

		q := tx.db.WithContext(ctx).
			Where("agent_uuid = ? AND kind = ?", agent, kind)
		if len(keep) > 0 {
			q = q.Where("uuid NOT IN ?", keep)
		}
		return translate(q.Delete(&types.Actual{}).Error, "stale actuals")
	})
}

// DeleteActual removes one actual row
func (s *Store) DeleteActual(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Delete(&types.Actual{}, "uuid = ?", id).Error
	return translate(err, "actual "+id.String())
}

// ChildTargets returns direct children of a parent target
func (s *Store) ChildTargets(ctx context.Context, parent uuid.UUID) ([]*types.Target, error) {
	return s.ListTargets(ctx, Filter{Parent: &parent})
}
