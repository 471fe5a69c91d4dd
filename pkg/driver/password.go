package driver

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

func init() {
	Register("password", NewPasswordDriver)
}

const (
	passwordAlphabet      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	defaultPasswordLength = 32
)

// PasswordDriver generates random passwords. The generated value lives
// only in the actual plane and the local state file; the target spec
// never carries it.
type PasswordDriver struct {
	state *State
}

func NewPasswordDriver(workDir string, opts config.JSONOpts) (Driver, error) {
	state, err := OpenState(workDir, "password")
	if err != nil {
		return nil, err
	}
	return &PasswordDriver{state: state}, nil
}

func (d *PasswordDriver) Name() string { return "password" }

func (d *PasswordDriver) Capabilities() []types.Kind {
	return []types.Kind{types.KindPassword}
}

func (d *PasswordDriver) ListActual(ctx context.Context, kind types.Kind) ([]*types.Resource, error) {
	return d.state.List(kind)
}

func (d *PasswordDriver) Create(ctx context.Context, res *types.Resource) (*types.Resource, error) {
	var spec types.PasswordSpec
	if err := res.DecodeSpec(&spec); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "malformed password spec")
	}

	// Idempotent: a password is generated once and then kept stable
	// across retries and updates.
	if existing, err := d.state.Get(res.Kind, res.UUID); err == nil {
		existing.TargetVersion = res.Version
		if err := d.state.Put(existing); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindTransient, "state write failed")
		}
		return existing, nil
	}

	length := spec.Length
	if length <= 0 {
		length = defaultPasswordLength
	}
	value, err := randomString(length)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "entropy source failed")
	}
	spec.Value = value

	actual := observed(res)
	actual.Status = types.StatusActive
	encoded, err := types.EncodeSpec(&spec)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindPermanent, "spec encode failed")
	}
	actual.Spec = encoded
	if err := d.state.Put(actual); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "state write failed")
	}
	return actual, nil
}

// Update keeps the generated value from the prior actual and only
// advances the tracked target version
func (d *PasswordDriver) Update(ctx context.Context, res *types.Resource, prior *types.Resource) (*types.Resource, error) {
	if prior == nil {
		return d.Create(ctx, res)
	}
	prior.TargetVersion = res.Version
	if err := d.state.Put(prior); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "state write failed")
	}
	return prior, nil
}

func (d *PasswordDriver) Delete(ctx context.Context, res *types.Resource) error {
	if err := d.state.Delete(res.Kind, res.UUID); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "state delete failed")
	}
	return nil
}

func (d *PasswordDriver) Close() error {
	return d.state.Close()
}

func randomString(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}
