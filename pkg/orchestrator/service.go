package orchestrator

import (
	"bytes"
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// reconcileService fans a service declaration out into per-node
// service-node targets and aggregates their status back. Monopoly
// services collapse the candidate set to a single elected node.
func (o *Orchestrator) reconcileService(ctx context.Context, claim storage.Claim) error {
	t := claim.Target

	var spec types.ServiceSpec
	if err := t.DecodeSpec(&spec); err != nil {
		return errdefs.Wrap(err, errdefs.KindValidation, "malformed service spec")
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	nodes, err := o.resolveNodes(ctx, &spec)
	if err != nil {
		return err
	}
	if spec.Type.Monopoly() {
		nodes = electOne(nodes)
	}
	if len(nodes) == 0 {
		return errdefs.Transient("service %s has no deployable node", t.UUID)
	}

	children, err := o.store.ChildTargets(ctx, t.UUID)
	if err != nil {
		return err
	}

	desired := make(map[uuid.UUID]bool, len(nodes))
	for _, n := range nodes {
		desired[n] = true
	}

	byNode := make(map[uuid.UUID]*types.Target, len(children))
	for _, child := range children {
		var childSpec types.ServiceNodeSpec
		if err := child.DecodeSpec(&childSpec); err != nil {
			return errdefs.Wrap(err, errdefs.KindPermanent, "malformed service node spec on %s", child.UUID)
		}
		byNode[childSpec.Node] = child
	}

	// Create projections for nodes that gained the service.
	for _, node := range nodes {
		if _, ok := byNode[node]; ok {
			continue
		}
		childSpec := types.ServiceNodeSpec{
			Service: t.UUID,
			Node:    node,
			Type:    spec.Type,
			Exec:    spec.Exec,
			User:    spec.User,
			Group:   spec.Group,
			Before:  spec.Before,
			After:   spec.After,
		}
		encoded, err := types.EncodeSpec(&childSpec)
		if err != nil {
			return errdefs.Wrap(err, errdefs.KindPermanent, "spec encode failed")
		}
		parent := t.UUID
		child := &types.Target{
			Kind:       types.KindServiceNode,
			ProjectID:  t.ProjectID,
			Name:       t.Name,
			Spec:       encoded,
			ParentUUID: &parent,
		}
		if err := o.store.CreateTarget(ctx, child); err != nil {
			return err
		}
	}

	// Tear down projections for nodes that lost it.
	for node, child := range byNode {
		if desired[node] || child.Status == types.StatusDeleting {
			continue
		}
		if err := o.transition(ctx, child, types.StatusDeleting, "service retargeted"); err != nil {
			return err
		}
	}

	return o.aggregateService(ctx, claim, desired)
}

// aggregateService rolls child status up to the service. The service
// is active once every desired projection is active.
func (o *Orchestrator) aggregateService(ctx context.Context, claim storage.Claim, desired map[uuid.UUID]bool) error {
	t := claim.Target

	children, err := o.store.ChildTargets(ctx, t.UUID)
	if err != nil {
		return err
	}

	activeCount := 0
	for _, child := range children {
		if child.Status == types.StatusDeleting {
			continue
		}
		switch child.Status {
		case types.StatusActive:
			activeCount++
		case types.StatusError:
			return errdefs.Transient("service projection %s failed", child.UUID)
		}
	}

	if activeCount == len(desired) && activeCount > 0 {
		if t.Status != types.StatusActive {
			return o.transition(ctx, t, types.StatusActive, "")
		}
		return nil
	}
	if t.Status == types.StatusNew {
		return o.transition(ctx, t, types.StatusInProgress, "")
	}
	return nil
}

// resolveNodes expands the service target into concrete node UUIDs
func (o *Orchestrator) resolveNodes(ctx context.Context, spec *types.ServiceSpec) ([]uuid.UUID, error) {
	if spec.Target.Node != nil {
		node, err := o.store.GetTarget(ctx, *spec.Target.Node)
		if err != nil {
			return nil, err
		}
		if node.Kind != types.KindNode {
			return nil, errdefs.Validation("service target %s is not a node", node.UUID)
		}
		return []uuid.UUID{node.UUID}, nil
	}

	set, err := o.store.GetTarget(ctx, *spec.Target.NodeSet)
	if err != nil {
		return nil, err
	}
	if set.Kind != types.KindNodeSet {
		return nil, errdefs.Validation("service target %s is not a node set", set.UUID)
	}
	var setSpec types.NodeSetSpec
	if err := set.DecodeSpec(&setSpec); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "malformed node set spec")
	}
	return setSpec.Nodes, nil
}

// electOne picks the node with the lowest identifier. Every
// orchestrator replica elects the same node without coordination.
func electOne(nodes []uuid.UUID) []uuid.UUID {
	if len(nodes) <= 1 {
		return nodes
	}
	sorted := make([]uuid.UUID, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	return sorted[:1]
}
