package orchestrator

import (
	"context"
	"net"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// validate checks a bookkeeping target against its spec and against
// sibling resources before the orchestrator realizes it
func (o *Orchestrator) validate(ctx context.Context, t *types.Target) error {
	switch t.Kind {
	case types.KindMachinePool:
		var spec types.MachinePoolSpec
		if err := t.DecodeSpec(&spec); err != nil {
			return errdefs.Wrap(err, errdefs.KindValidation, "malformed machine pool spec")
		}
		return spec.Validate()

	case types.KindNodeSet:
		var spec types.NodeSetSpec
		if err := t.DecodeSpec(&spec); err != nil {
			return errdefs.Wrap(err, errdefs.KindValidation, "malformed node set spec")
		}
		for _, node := range spec.Nodes {
			member, err := o.store.GetTarget(ctx, node)
			if err != nil {
				return err
			}
			if member.Kind != types.KindNode {
				return errdefs.Validation("node set member %s is not a node", node)
			}
		}
		return nil

	case types.KindSubnet:
		var spec types.SubnetSpec
		if err := t.DecodeSpec(&spec); err != nil {
			return errdefs.Wrap(err, errdefs.KindValidation, "malformed subnet spec")
		}
		if _, _, err := net.ParseCIDR(spec.CIDR); err != nil {
			return errdefs.Validation("invalid subnet cidr %q", spec.CIDR)
		}
		network, err := o.store.GetTarget(ctx, spec.Network)
		if err != nil {
			return err
		}
		if network.Kind != types.KindNetwork {
			return errdefs.Validation("subnet network %s is not a network", spec.Network)
		}
		return nil

	case types.KindInterface:
		return o.validateInterface(ctx, t)

	case types.KindVhost:
		return o.validateVhost(ctx, t)

	case types.KindRoute:
		return o.validateRoute(ctx, t)

	case types.KindBackendPool:
		var spec types.BackendPoolSpec
		if err := t.DecodeSpec(&spec); err != nil {
			return errdefs.Wrap(err, errdefs.KindValidation, "malformed backend pool spec")
		}
		for _, m := range spec.Members {
			if m.Address == "" || m.Port < 1 || m.Port > 65535 {
				return errdefs.Validation("invalid backend member %s:%d", m.Address, m.Port)
			}
		}
		return nil
	}
	return nil
}

// validateInterface enforces the exclusive (node, subnet) lease
func (o *Orchestrator) validateInterface(ctx context.Context, t *types.Target) error {
	var spec types.InterfaceSpec
	if err := t.DecodeSpec(&spec); err != nil {
		return errdefs.Wrap(err, errdefs.KindValidation, "malformed interface spec")
	}
	if _, err := o.store.GetTarget(ctx, spec.Node); err != nil {
		return err
	}
	if _, err := o.store.GetTarget(ctx, spec.Subnet); err != nil {
		return err
	}

	siblings, err := o.store.ListTargets(ctx, storage.Filter{Kind: types.KindInterface})
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.UUID == t.UUID || sib.Status == types.StatusDeleting {
			continue
		}
		var sibSpec types.InterfaceSpec
		if err := sib.DecodeSpec(&sibSpec); err != nil {
			continue
		}
		if sibSpec.Node == spec.Node && sibSpec.Subnet == spec.Subnet {
			return errdefs.Conflict("node %s already holds an interface on subnet %s", spec.Node, spec.Subnet)
		}
	}
	return nil
}

// validateVhost enforces (protocol, port) uniqueness per load balancer
func (o *Orchestrator) validateVhost(ctx context.Context, t *types.Target) error {
	var spec types.VhostSpec
	if err := t.DecodeSpec(&spec); err != nil {
		return errdefs.Wrap(err, errdefs.KindValidation, "malformed vhost spec")
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if t.ParentUUID == nil {
		return errdefs.Validation("vhost requires a load balancer parent")
	}
	lb, err := o.store.GetTarget(ctx, *t.ParentUUID)
	if err != nil {
		return err
	}
	if lb.Kind != types.KindLoadBalancer {
		return errdefs.Validation("vhost parent %s is not a load balancer", lb.UUID)
	}

	siblings, err := o.store.ChildTargets(ctx, lb.UUID)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.UUID == t.UUID || sib.Kind != types.KindVhost || sib.Status == types.StatusDeleting {
			continue
		}
		var sibSpec types.VhostSpec
		if err := sib.DecodeSpec(&sibSpec); err != nil {
			continue
		}
		if sibSpec.Protocol == spec.Protocol && sibSpec.Port == spec.Port {
			return errdefs.Conflict("listener %s/%d already exists on load balancer %s", spec.Protocol, spec.Port, lb.UUID)
		}
	}
	return nil
}

// validateRoute checks the condition against the parent vhost protocol
func (o *Orchestrator) validateRoute(ctx context.Context, t *types.Target) error {
	var spec types.RouteSpec
	if err := t.DecodeSpec(&spec); err != nil {
		return errdefs.Wrap(err, errdefs.KindValidation, "malformed route spec")
	}
	if t.ParentUUID == nil {
		return errdefs.Validation("route requires a vhost parent")
	}
	vhost, err := o.store.GetTarget(ctx, *t.ParentUUID)
	if err != nil {
		return err
	}
	if vhost.Kind != types.KindVhost {
		return errdefs.Validation("route parent %s is not a vhost", vhost.UUID)
	}
	var vhostSpec types.VhostSpec
	if err := vhost.DecodeSpec(&vhostSpec); err != nil {
		return errdefs.Wrap(err, errdefs.KindValidation, "malformed vhost spec on %s", vhost.UUID)
	}
	return spec.Validate(vhostSpec.Protocol)
}
