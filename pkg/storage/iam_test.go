package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

func TestCreateUserDuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &types.User{Username: "alice"}))
	err := s.CreateUser(ctx, &types.User{Username: "alice"})
	assert.True(t, errdefs.IsConflict(err))

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
}

func TestPermissionNameValidated(t *testing.T) {
	s := newTestStore(t)
	err := s.CreatePermission(context.Background(), &types.Permission{Name: "not a permission"})
	assert.True(t, errdefs.IsValidation(err))
}

func TestRolePermissionResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	project := uuid.New()
	otherProject := uuid.New()

	user := &types.User{Username: "bob"}
	require.NoError(t, s.CreateUser(ctx, user))

	role := &types.Role{Name: "operator"}
	require.NoError(t, s.CreateRole(ctx, role))

	perm := &types.Permission{Name: "core.em_core_compute_nodes.create"}
	require.NoError(t, s.CreatePermission(ctx, perm))

	// Global role binding, project-scoped permission grant.
	require.NoError(t, s.CreateRoleBinding(ctx, &types.RoleBinding{
		UserID: user.UUID, RoleID: role.UUID,
	}))
	require.NoError(t, s.CreatePermissionBinding(ctx, &types.PermissionBinding{
		RoleID: role.UUID, PermissionID: perm.UUID, ProjectID: &project,
	}))

	roles, err := s.UserRoleIDs(ctx, user.UUID, project)
	require.NoError(t, err)
	require.Len(t, roles, 1)

	names, err := s.RolePermissionNames(ctx, roles, project)
	require.NoError(t, err)
	assert.Equal(t, []string{"core.em_core_compute_nodes.create"}, names)

	// The grant is scoped: another project resolves nothing.
	names, err = s.RolePermissionNames(ctx, roles, otherProject)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestUserRoleIDsProjectScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	project := uuid.New()

	user := &types.User{Username: "carol"}
	require.NoError(t, s.CreateUser(ctx, user))
	scoped := &types.Role{Name: "scoped"}
	require.NoError(t, s.CreateRole(ctx, scoped))

	require.NoError(t, s.CreateRoleBinding(ctx, &types.RoleBinding{
		UserID: user.UUID, RoleID: scoped.UUID, ProjectID: &project,
	}))

	roles, err := s.UserRoleIDs(ctx, user.UUID, project)
	require.NoError(t, err)
	assert.Len(t, roles, 1)

	roles, err = s.UserRoleIDs(ctx, user.UUID, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestAgentRegistryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &types.UniversalAgent{
		UUID:         uuid.New(),
		Name:         "node-1",
		Capabilities: types.StringList{"em_core_*"},
		Status:       types.AgentStatusActive,
	}
	require.NoError(t, s.UpsertAgent(ctx, agent))

	// Re-registering the same identity conflicts; callers tolerate it.
	err := s.UpsertAgent(ctx, &types.UniversalAgent{UUID: agent.UUID, Status: types.AgentStatusActive})
	assert.True(t, errdefs.IsConflict(err))

	require.NoError(t, s.AgentHeartbeat(ctx, agent.UUID, types.StringList{"em_core_*", "password"}))
	got, err := s.GetAgent(ctx, agent.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StringList{"em_core_*", "password"}, got.Capabilities)

	fresh, err := s.ListFreshAgents(ctx, time.Minute)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)

	// Heartbeats older than the bound drop the agent from the list.
	fresh, err = s.ListFreshAgents(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	err = s.AgentHeartbeat(ctx, uuid.New(), nil)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCountAssignedTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := uuid.New()

	outstanding := newNodeTarget(t, s, uuid.New())
	outstanding.AgentUUID = &agent
	require.NoError(t, s.UpdateTarget(ctx, outstanding, 1))

	settled := newNodeTarget(t, s, uuid.New())
	settled.AgentUUID = &agent
	settled.Status = types.StatusActive
	require.NoError(t, s.UpdateTarget(ctx, settled, 1))

	count, err := s.CountAssignedTargets(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestOutboxLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := &types.OutboxEvent{
		Kind:       "user.registration",
		PayloadVer: 1,
		Payload:    types.JSONMap{"username": "dave"},
	}
	require.NoError(t, s.AppendEvent(ctx, event))

	pending, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.OutboxPending, pending[0].Status)

	require.NoError(t, s.MarkEventDelivered(ctx, pending[0].ID))
	pending, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxFailureAndDeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := &types.OutboxEvent{Kind: "user.registration", PayloadVer: 1}
	require.NoError(t, s.AppendEvent(ctx, event))

	// First failure reschedules.
	require.NoError(t, s.MarkEventFailed(ctx, event, errdefs.Transient("smtp down"),
		time.Now().UTC().Add(-time.Second), 2))
	pending, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "smtp down")

	// Second failure exhausts the budget and dead-letters.
	require.NoError(t, s.MarkEventFailed(ctx, pending[0], errdefs.Transient("smtp down"),
		time.Now().UTC().Add(-time.Second), 2))
	pending, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
