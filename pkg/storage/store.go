package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// Store is the transactional storage adapter over the relational
// schema. It is the single source of truth shared by the API, the
// orchestrator and the event dispatcher.
type Store struct {
	db *gorm.DB
}

// Open connects to the database selected by the connection URL scheme
// (sqlite:// or postgres://) and runs schema migration.
func Open(cfg config.DBConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(cfg.ConnectionURL, "sqlite://"):
		dsn := strings.TrimPrefix(cfg.ConnectionURL, "sqlite://")
		dialector = sqlite.Open(dsn)
	case strings.HasPrefix(cfg.ConnectionURL, "postgres://"), strings.HasPrefix(cfg.ConnectionURL, "postgresql://"):
		dialector = postgres.Open(cfg.ConnectionURL)
	default:
		return nil, fmt.Errorf("unsupported db connection url %q", cfg.ConnectionURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.ConnectionPoolSize > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.ConnectionPoolSize)
	}

	store := &Store{db: db}
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing gorm handle (used by tests and by
// Transaction to scope a store to one tx).
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema for every registered model
func (s *Store) Migrate() error {
	models := []any{
		&types.Target{},
		&types.Actual{},
		&types.UniversalAgent{},
		&types.User{},
		&types.Organization{},
		&types.OrganizationMember{},
		&types.Project{},
		&types.Permission{},
		&types.Role{},
		&types.PermissionBinding{},
		&types.RoleBinding{},
		&types.IamClient{},
		&types.OutboxEvent{},
	}
	if err := s.db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the raw handle for callers that compose their own queries
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside one database transaction. The store
// passed to fn is scoped to that transaction; returning an error
// rolls everything back, including outbox appends.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// translate maps gorm errors into the taxonomy
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errdefs.NotFound("%s not found", what)
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "UNIQUE constraint failed"),
		strings.Contains(err.Error(), "duplicate key"):
		return errdefs.Conflict("%s already exists", what)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errdefs.Wrap(err, errdefs.KindTransient, "%s interrupted", what)
	default:
		return errdefs.Wrap(err, errdefs.KindTransient, "database error on %s", what)
	}
}

func now() time.Time {
	return time.Now().UTC()
}
