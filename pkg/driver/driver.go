// Package driver defines the capability driver contract implemented by
// agent-side backends. Drivers are idempotent: creating a resource
// that already exists or deleting one that is gone succeeds.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// Driver realizes resources of one or more kinds on the local machine
type Driver interface {
	// Name is the registry name of the driver
	Name() string

	// Capabilities lists the resource kinds the driver handles
	Capabilities() []types.Kind

	// ListActual reports every resource of a kind the driver currently
	// owns on this machine
	ListActual(ctx context.Context, kind types.Kind) ([]*types.Resource, error)

	// Create realizes a resource and returns the observed actual
	Create(ctx context.Context, res *types.Resource) (*types.Resource, error)

	// Update converges an existing resource to a new target revision.
	// prior is the last observed actual, or nil when nothing has been
	// observed yet.
	Update(ctx context.Context, res *types.Resource, prior *types.Resource) (*types.Resource, error)

	// Delete tears a resource down
	Delete(ctx context.Context, res *types.Resource) error

	// Close releases local driver state
	Close() error
}

// Factory builds a driver from its option block
type Factory func(workDir string, opts config.JSONOpts) (Driver, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a driver constructor available under a name. Called
// from driver init functions.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("driver %q registered twice", name))
	}
	factories[name] = f
}

// New constructs a registered driver by name
func New(name, workDir string, opts config.JSONOpts) (Driver, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", name)
	}
	return f(workDir, opts)
}

// Names lists the registered driver names
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
