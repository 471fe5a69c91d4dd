package driver

import (
	"context"
	"time"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

func init() {
	Register("compute", NewComputeDriver)
}

// ComputeDriver realizes compute nodes. The dummy backend records the
// node in local state and reports it active; a hypervisor backend
// would boot a machine here instead.
type ComputeDriver struct {
	state   *State
	backend types.MachinePoolDriverKind
}

// NewComputeDriver builds the compute driver from its option block.
// The "backend" option selects dummy or libvirt, defaulting to dummy.
func NewComputeDriver(workDir string, opts config.JSONOpts) (Driver, error) {
	backend := types.MachinePoolDriverKind(opts["backend"])
	switch backend {
	case "":
		backend = types.MachinePoolDriverDummy
	case types.MachinePoolDriverDummy:
	case types.MachinePoolDriverLibvirt:
		return nil, errdefs.Permanent("libvirt backend is not built in this binary")
	default:
		return nil, errdefs.Validation("unknown compute backend %q", backend)
	}

	state, err := OpenState(workDir, "compute")
	if err != nil {
		return nil, err
	}
	return &ComputeDriver{state: state, backend: backend}, nil
}

func (d *ComputeDriver) Name() string { return "compute" }

func (d *ComputeDriver) Capabilities() []types.Kind {
	return []types.Kind{types.KindNode}
}

func (d *ComputeDriver) ListActual(ctx context.Context, kind types.Kind) ([]*types.Resource, error) {
	return d.state.List(kind)
}

func (d *ComputeDriver) Create(ctx context.Context, res *types.Resource) (*types.Resource, error) {
	var spec types.NodeSpec
	if err := res.DecodeSpec(&spec); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "malformed node spec")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	// Idempotent: a node already realized is returned as-is.
	if existing, err := d.state.Get(res.Kind, res.UUID); err == nil {
		existing.TargetVersion = res.Version
		if err := d.state.Put(existing); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindTransient, "state write failed")
		}
		return existing, nil
	}

	actual := observed(res)
	actual.Status = types.StatusActive
	if err := d.state.Put(actual); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "state write failed")
	}
	logger := log.WithResource(string(res.Kind), res.UUID.String())
	logger.Info().
		Int("cores", spec.Cores).
		Int64("ram", spec.RAM).
		Msg("node created")
	return actual, nil
}

func (d *ComputeDriver) Update(ctx context.Context, res *types.Resource, prior *types.Resource) (*types.Resource, error) {
	if prior == nil {
		return d.Create(ctx, res)
	}

	var spec types.NodeSpec
	if err := res.DecodeSpec(&spec); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "malformed node spec")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	actual := observed(res)
	actual.Status = types.StatusActive
	if err := d.state.Put(actual); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "state write failed")
	}
	return actual, nil
}

func (d *ComputeDriver) Delete(ctx context.Context, res *types.Resource) error {
	if err := d.state.Delete(res.Kind, res.UUID); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "state delete failed")
	}
	return nil
}

func (d *ComputeDriver) Close() error {
	return d.state.Close()
}

// observed builds the actual envelope reported back for a target
func observed(res *types.Resource) *types.Resource {
	ts := time.Now().UTC()
	return &types.Resource{
		UUID:          res.UUID,
		Kind:          res.Kind,
		ProjectID:     res.ProjectID,
		Name:          res.Name,
		Version:       res.Version,
		Spec:          res.Spec,
		TargetVersion: res.Version,
		ObservedAt:    &ts,
	}
}
