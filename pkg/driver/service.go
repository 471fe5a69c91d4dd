package driver

import (
	"context"
	"os"
	"path/filepath"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/systemd"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

func init() {
	Register("service", NewServiceDriver)
}

// ServiceDriver realizes service-node projections as systemd units.
// Unit files are written under the configured unit directory; the
// "unit_dir" option overrides the default of <workDir>/units.
type ServiceDriver struct {
	state   *State
	unitDir string
}

func NewServiceDriver(workDir string, opts config.JSONOpts) (Driver, error) {
	unitDir := opts["unit_dir"]
	if unitDir == "" {
		unitDir = filepath.Join(workDir, "units")
	}
	if err := os.MkdirAll(unitDir, 0o750); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindPermanent, "failed to create unit dir")
	}
	state, err := OpenState(workDir, "service")
	if err != nil {
		return nil, err
	}
	return &ServiceDriver{state: state, unitDir: unitDir}, nil
}

func (d *ServiceDriver) Name() string { return "service" }

func (d *ServiceDriver) Capabilities() []types.Kind {
	return []types.Kind{types.KindServiceNode}
}

func (d *ServiceDriver) ListActual(ctx context.Context, kind types.Kind) ([]*types.Resource, error) {
	return d.state.List(kind)
}

func (d *ServiceDriver) Create(ctx context.Context, res *types.Resource) (*types.Resource, error) {
	return d.converge(res)
}

func (d *ServiceDriver) Update(ctx context.Context, res *types.Resource, prior *types.Resource) (*types.Resource, error) {
	return d.converge(res)
}

// converge renders and writes the unit file. Rewriting an unchanged
// unit is a no-op, so create and update share the path.
func (d *ServiceDriver) converge(res *types.Resource) (*types.Resource, error) {
	var spec types.ServiceNodeSpec
	if err := res.DecodeSpec(&spec); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "malformed service node spec")
	}

	unit, err := systemd.Render(res.UUID, &spec)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(d.unitDir, systemd.UnitName(res.UUID))
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "unit write failed")
	}

	actual := observed(res)
	actual.Status = types.StatusActive
	if err := d.state.Put(actual); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "state write failed")
	}
	logger := log.WithResource(string(res.Kind), res.UUID.String())
	logger.Info().
		Str("unit", path).
		Msg("service unit installed")
	return actual, nil
}

func (d *ServiceDriver) Delete(ctx context.Context, res *types.Resource) error {
	path := filepath.Join(d.unitDir, systemd.UnitName(res.UUID))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errdefs.Wrap(err, errdefs.KindTransient, "unit remove failed")
	}
	if err := d.state.Delete(res.Kind, res.UUID); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "state delete failed")
	}
	return nil
}

func (d *ServiceDriver) Close() error {
	return d.state.Close()
}
