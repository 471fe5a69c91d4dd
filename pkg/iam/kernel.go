package iam

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

const defaultMemoSize = 1024

// Kernel is the deny-by-default authorization engine. Every mutating
// request passes through AuthorizeTx inside the transaction that
// carries the guarded mutation; Authorize serves read paths and may
// answer from the memo.
type Kernel struct {
	store *storage.Store
	cfg   config.IAMConfig

	// memo caches recent decisions with a TTL and an LRU size bound.
	// Nil when memoization is disabled.
	memo *expirable.LRU[memoKey, bool]
}

type memoKey struct {
	user       uuid.UUID
	project    uuid.UUID
	permission string
}

// NewKernel builds the kernel over the shared store
func NewKernel(store *storage.Store, cfg config.IAMConfig) *Kernel {
	k := &Kernel{store: store, cfg: cfg}
	if cfg.MemoTTL > 0 {
		size := cfg.MemoSize
		if size <= 0 {
			size = defaultMemoSize
		}
		k.memo = expirable.NewLRU[memoKey, bool](size, nil, cfg.MemoTTL)
	}
	return k
}

// Authorize checks that the user holds the permission inside the
// project. It returns nil on allow and a PermissionDenied error on
// deny; any other error means the decision could not be computed.
func (k *Kernel) Authorize(ctx context.Context, user, project uuid.UUID, permission string) error {
	if !types.ValidPermissionName(permission) {
		return errdefs.Validation("malformed permission %q", permission)
	}

	key := memoKey{user: user, project: project, permission: permission}
	if k.memo != nil {
		if allowed, ok := k.memo.Get(key); ok {
			if allowed {
				return nil
			}
			return errdefs.PermissionDenied("permission %s denied", permission)
		}
	}

	allowed, err := k.decide(ctx, k.store, user, project, permission)
	if err != nil {
		return err
	}
	if k.memo != nil {
		k.memo.Add(key, allowed)
	}

	if !allowed {
		return errdefs.PermissionDenied("permission %s denied", permission)
	}
	return nil
}

// AuthorizeTx checks the permission against the bindings visible to
// the given transaction, bypassing the memo. The decision then commits
// or rolls back together with the guarded mutation, so a revocation
// racing the request cannot leave the mutation behind.
func (k *Kernel) AuthorizeTx(ctx context.Context, tx *storage.Store, user, project uuid.UUID, permission string) error {
	if !types.ValidPermissionName(permission) {
		return errdefs.Validation("malformed permission %q", permission)
	}
	allowed, err := k.decide(ctx, tx, user, project, permission)
	if err != nil {
		return err
	}
	if !allowed {
		return errdefs.PermissionDenied("permission %s denied", permission)
	}
	return nil
}

// decide computes the grant from role and permission bindings
func (k *Kernel) decide(ctx context.Context, s *storage.Store, user, project uuid.UUID, permission string) (bool, error) {
	roles, err := s.UserRoleIDs(ctx, user, project)
	if err != nil {
		return false, err
	}
	if len(roles) == 0 {
		return false, nil
	}

	granted, err := s.RolePermissionNames(ctx, roles, project)
	if err != nil {
		return false, err
	}
	for _, g := range granted {
		if PermissionMatches(g, permission) {
			return true, nil
		}
	}
	return false, nil
}

// PermissionMatches reports whether a granted permission name covers a
// required one. Each of the three dotted segments matches either
// literally or through a "*" wildcard in the grant.
func PermissionMatches(granted, required string) bool {
	if granted == types.WildcardPermission {
		return true
	}
	g := strings.Split(granted, ".")
	r := strings.Split(required, ".")
	if len(g) != 3 || len(r) != 3 {
		return false
	}
	for i := range g {
		if g[i] != "*" && g[i] != r[i] {
			return false
		}
	}
	return true
}

// Invalidate drops every memoized decision. Call it after any grant or
// revocation so the next check hits the database.
func (k *Kernel) Invalidate() {
	if k.memo != nil {
		k.memo.Purge()
	}
}

// Authenticate verifies username and password and returns the user
func (k *Kernel) Authenticate(ctx context.Context, username, password string) (*types.User, error) {
	user, err := k.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.AuthRequired("invalid credentials")
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.SecretHash), []byte(password)) != nil {
		return nil, errdefs.AuthRequired("invalid credentials")
	}
	return user, nil
}

// HashSecret derives the stored hash for a password
func HashSecret(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GrantRole binds a role to a user and invalidates memoized decisions.
// The store parameter lets the grant ride a surrounding transaction.
func (k *Kernel) GrantRole(ctx context.Context, s *storage.Store, b *types.RoleBinding) error {
	if err := s.CreateRoleBinding(ctx, b); err != nil {
		return err
	}
	k.Invalidate()
	return nil
}

// RevokeRole removes a role binding and invalidates memoized decisions
func (k *Kernel) RevokeRole(ctx context.Context, s *storage.Store, id uuid.UUID) error {
	if err := s.DeleteRoleBinding(ctx, id); err != nil {
		return err
	}
	k.Invalidate()
	return nil
}

// GrantPermission binds a permission to a role and invalidates
func (k *Kernel) GrantPermission(ctx context.Context, s *storage.Store, b *types.PermissionBinding) error {
	if err := s.CreatePermissionBinding(ctx, b); err != nil {
		return err
	}
	k.Invalidate()
	return nil
}

// RevokePermission removes a permission binding and invalidates
func (k *Kernel) RevokePermission(ctx context.Context, s *storage.Store, id uuid.UUID) error {
	if err := s.DeletePermissionBinding(ctx, id); err != nil {
		return err
	}
	k.Invalidate()
	return nil
}

// Bootstrap seeds the admin user, the admin role carrying the wildcard
// permission and the global role binding. It is idempotent: existing
// rows are reused.
func (k *Kernel) Bootstrap(ctx context.Context) error {
	logger := log.WithComponent("iam")

	if k.cfg.AdminUsername == "" || k.cfg.AdminPassword == "" {
		logger.Info().Msg("admin credentials not configured, skipping bootstrap")
		return nil
	}

	admin, err := k.store.GetUserByUsername(ctx, k.cfg.AdminUsername)
	if errdefs.IsNotFound(err) {
		hash, herr := HashSecret(k.cfg.AdminPassword)
		if herr != nil {
			return herr
		}
		admin = &types.User{
			Username:   k.cfg.AdminUsername,
			SecretHash: hash,
			Confirmed:  true,
		}
		if err = k.store.CreateUser(ctx, admin); err != nil && !errdefs.IsConflict(err) {
			return err
		}
		logger.Info().Str("username", admin.Username).Msg("seeded admin user")
	} else if err != nil {
		return err
	}

	perm, err := k.store.GetPermissionByName(ctx, types.WildcardPermission)
	if errdefs.IsNotFound(err) {
		perm = &types.Permission{Name: types.WildcardPermission, Description: "full access"}
		if err = k.store.CreatePermission(ctx, perm); err != nil && !errdefs.IsConflict(err) {
			return err
		}
	} else if err != nil {
		return err
	}

	role := &types.Role{Name: "admin", Description: "bootstrap administrator"}
	if err = k.store.CreateRole(ctx, role); err != nil {
		if !errdefs.IsConflict(err) {
			return err
		}
		var existing types.Role
		if ferr := k.store.DB().WithContext(ctx).First(&existing, "name = ?", "admin").Error; ferr != nil {
			return ferr
		}
		role = &existing
	}

	roles, err := k.store.UserRoleIDs(ctx, admin.UUID, uuid.Nil)
	if err != nil {
		return err
	}
	for _, r := range roles {
		if r == role.UUID {
			return nil
		}
	}

	if err = k.store.CreatePermissionBinding(ctx, &types.PermissionBinding{
		RoleID:       role.UUID,
		PermissionID: perm.UUID,
	}); err != nil && !errdefs.IsConflict(err) {
		return err
	}
	if err = k.store.CreateRoleBinding(ctx, &types.RoleBinding{
		UserID: admin.UUID,
		RoleID: role.UUID,
	}); err != nil && !errdefs.IsConflict(err) {
		return err
	}
	k.Invalidate()
	logger.Info().Msg("bootstrap admin grants in place")
	return nil
}
