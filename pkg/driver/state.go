package driver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// State is durable per-driver local state, one bolt file per driver
// under the agent work directory. Resources are stored as JSON keyed
// by identifier inside one bucket per kind.
type State struct {
	db *bolt.DB
}

// OpenState opens or creates the state file for a driver
func OpenState(workDir, driverName string) (*State, error) {
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	path := filepath.Join(workDir, driverName+".db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open driver state %s: %w", path, err)
	}
	return &State{db: db}, nil
}

// Close closes the underlying bolt file
func (s *State) Close() error {
	return s.db.Close()
}

// Put stores a resource
func (s *State) Put(res *types.Resource) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(res.Kind))
		if err != nil {
			return err
		}
		return b.Put([]byte(res.UUID.String()), data)
	})
}

// Get loads one resource, NotFound when absent
func (s *State) Get(kind types.Kind, id uuid.UUID) (*types.Resource, error) {
	var res *types.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return errdefs.NotFound("%s %s not in local state", kind, id)
		}
		data := b.Get([]byte(id.String()))
		if data == nil {
			return errdefs.NotFound("%s %s not in local state", kind, id)
		}
		res = &types.Resource{}
		return json.Unmarshal(data, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// List loads every resource of a kind
func (s *State) List(kind types.Kind) ([]*types.Resource, error) {
	var out []*types.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			res := &types.Resource{}
			if err := json.Unmarshal(v, res); err != nil {
				return err
			}
			out = append(out, res)
			return nil
		})
	})
	return out, err
}

// Delete removes one resource; deleting an absent key succeeds
func (s *State) Delete(kind types.Kind, id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id.String()))
	})
}
