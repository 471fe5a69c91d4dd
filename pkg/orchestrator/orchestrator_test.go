package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/scheduler"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

func newTestOrch(t *testing.T) (*Orchestrator, *storage.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	store := storage.NewWithDB(db)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	cfg := config.OrchConfig{
		PollPeriod:  time.Second,
		BatchSize:   50,
		LeaseWindow: time.Minute,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		RetryCap:    10 * time.Millisecond,
		AgentStale:  time.Minute,
	}
	sched := scheduler.New(store, cfg.AgentStale)
	return New(store, sched, cfg), store
}

func registerAgent(t *testing.T, store *storage.Store, caps ...string) uuid.UUID {
	t.Helper()
	agent := &types.UniversalAgent{
		UUID:         uuid.New(),
		Capabilities: caps,
		Status:       types.AgentStatusActive,
	}
	require.NoError(t, store.UpsertAgent(context.Background(), agent))
	return agent.UUID
}

func createTarget(t *testing.T, store *storage.Store, kind types.Kind, spec any, parent *uuid.UUID) *types.Target {
	t.Helper()
	encoded, err := types.EncodeSpec(spec)
	require.NoError(t, err)
	target := &types.Target{
		Kind:       kind,
		ProjectID:  types.ServiceProjectID,
		Spec:       encoded,
		ParentUUID: parent,
	}
	require.NoError(t, store.CreateTarget(context.Background(), target))
	return target
}

func TestControlPlaneKindActivates(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	target := createTarget(t, store, types.KindNetwork, &types.NetworkSpec{}, nil)
	require.NoError(t, orch.Cycle(ctx, types.FamilyNetwork))

	got, err := store.GetTarget(ctx, target.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)

	actual, err := store.GetActual(ctx, target.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, actual.Status)
	assert.Equal(t, got.Version, actual.TargetVersion)
}

func TestAgentKindScheduledThenConverges(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	agentID := registerAgent(t, store, "em_core_*")
	target := createTarget(t, store, types.KindNode, &types.NodeSpec{Cores: 2, RAM: 2048}, nil)

	// First cycle places the target and moves it to IN_PROGRESS.
	require.NoError(t, orch.Cycle(ctx, types.FamilyCompute))
	got, err := store.GetTarget(ctx, target.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, got.Status)
	require.NotNil(t, got.AgentUUID)
	assert.Equal(t, agentID, *got.AgentUUID)

	// The agent reports convergence at the version it observed.
	require.NoError(t, store.UpsertActual(ctx, &types.Actual{
		UUID:          target.UUID,
		Kind:          types.KindNode,
		ProjectID:     target.ProjectID,
		Status:        types.StatusActive,
		AgentUUID:     &agentID,
		TargetVersion: got.Version,
		ObservedAt:    time.Now().UTC(),
	}))

	require.NoError(t, orch.Cycle(ctx, types.FamilyCompute))
	got, err = store.GetTarget(ctx, target.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestStaleActualDoesNotActivate(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	agentID := registerAgent(t, store, "em_core_*")
	target := createTarget(t, store, types.KindNode, &types.NodeSpec{Cores: 2, RAM: 2048}, nil)

	require.NoError(t, orch.Cycle(ctx, types.FamilyCompute))

	// An actual from before the last spec change must not settle the
	// target.
	require.NoError(t, store.UpsertActual(ctx, &types.Actual{
		UUID:          target.UUID,
		Kind:          types.KindNode,
		ProjectID:     target.ProjectID,
		Status:        types.StatusActive,
		AgentUUID:     &agentID,
		TargetVersion: 1,
		ObservedAt:    time.Now().UTC(),
	}))

	require.NoError(t, orch.Cycle(ctx, types.FamilyCompute))
	got, err := store.GetTarget(ctx, target.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, got.Status)
}

func TestNoAgentRetriesThenErrors(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	target := createTarget(t, store, types.KindNode, &types.NodeSpec{Cores: 2, RAM: 2048}, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, orch.Cycle(ctx, types.FamilyCompute))
		time.Sleep(15 * time.Millisecond)
	}

	got, err := store.GetTarget(ctx, target.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, got.Status)
	assert.Contains(t, got.StatusReason, "no agent")
}

func TestValidationFailureErrorsImmediately(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	network := createTarget(t, store, types.KindNetwork, &types.NetworkSpec{}, nil)
	require.NoError(t, orch.Cycle(ctx, types.FamilyNetwork))

	bad := createTarget(t, store, types.KindSubnet, &types.SubnetSpec{
		Network: network.UUID,
		CIDR:    "not-a-cidr",
	}, nil)
	require.NoError(t, orch.Cycle(ctx, types.FamilyNetwork))

	got, err := store.GetTarget(ctx, bad.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestInterfaceExclusiveLease(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	registerAgent(t, store, "em_core_*")
	node := createTarget(t, store, types.KindNode, &types.NodeSpec{Cores: 1, RAM: 512}, nil)
	network := createTarget(t, store, types.KindNetwork, &types.NetworkSpec{}, nil)
	require.NoError(t, orch.Cycle(ctx, types.FamilyNetwork))

	subnet := createTarget(t, store, types.KindSubnet, &types.SubnetSpec{
		Network: network.UUID, CIDR: "10.0.0.0/24",
	}, nil)
	require.NoError(t, orch.Cycle(ctx, types.FamilyNetwork))

	first := createTarget(t, store, types.KindInterface, &types.InterfaceSpec{
		Node: node.UUID, Subnet: subnet.UUID,
	}, nil)
	require.NoError(t, orch.Cycle(ctx, types.FamilyNetwork))

	got, err := store.GetTarget(ctx, first.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)

	// A second interface on the same (node, subnet) pair conflicts and
	// keeps retrying rather than activating.
	second := createTarget(t, store, types.KindInterface, &types.InterfaceSpec{
		Node: node.UUID, Subnet: subnet.UUID,
	}, nil)
	require.NoError(t, orch.Cycle(ctx, types.FamilyNetwork))

	got, err = store.GetTarget(ctx, second.UUID)
	require.NoError(t, err)
	assert.NotEqual(t, types.StatusActive, got.Status)
	assert.Contains(t, got.StatusReason, "already holds an interface")
}

func TestCascadeDeletionChildrenFirst(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	network := createTarget(t, store, types.KindNetwork, &types.NetworkSpec{}, nil)
	subnet := createTarget(t, store, types.KindSubnet, &types.SubnetSpec{
		Network: network.UUID, CIDR: "10.0.0.0/24",
	}, &network.UUID)
	require.NoError(t, orch.Cycle(ctx, types.FamilyNetwork))

	// Flag the parent for deletion.
	parent, err := store.GetTarget(ctx, network.UUID)
	require.NoError(t, err)
	parent.Status = types.StatusDeleting
	require.NoError(t, store.UpdateTarget(ctx, parent, parent.Version))

	// First pass cascades DELETING to the child; the parent must
	// survive while the child exists.
	require.NoError(t, orch.Cycle(ctx, types.FamilyNetwork))
	_, err = store.GetTarget(ctx, network.UUID)
	require.NoError(t, err)
	child, err := store.GetTarget(ctx, subnet.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeleting, child.Status)

	// Subsequent passes remove the child, then the parent.
	for i := 0; i < 3; i++ {
		require.NoError(t, orch.Cycle(ctx, types.FamilyNetwork))
		time.Sleep(15 * time.Millisecond)
	}
	_, err = store.GetTarget(ctx, subnet.UUID)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = store.GetTarget(ctx, network.UUID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestServiceFanOut(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	nodeA := createTarget(t, store, types.KindNode, &types.NodeSpec{Cores: 1, RAM: 512}, nil)
	nodeB := createTarget(t, store, types.KindNode, &types.NodeSpec{Cores: 1, RAM: 512}, nil)
	set := createTarget(t, store, types.KindNodeSet, &types.NodeSetSpec{
		Nodes: []uuid.UUID{nodeA.UUID, nodeB.UUID},
	}, nil)

	service := createTarget(t, store, types.KindService, &types.ServiceSpec{
		Type:   types.ServiceTypeSimple,
		Target: types.ServiceTarget{NodeSet: &set.UUID},
		Exec:   "/usr/bin/app",
	}, nil)
	require.NoError(t, orch.Cycle(ctx, types.FamilyEM))

	children, err := store.ChildTargets(ctx, service.UUID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, types.KindServiceNode, child.Kind)
		var spec types.ServiceNodeSpec
		require.NoError(t, child.DecodeSpec(&spec))
		assert.Equal(t, service.UUID, spec.Service)
		assert.Equal(t, "/usr/bin/app", spec.Exec)
	}

	got, err := store.GetTarget(ctx, service.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, got.Status)

	// Once every projection is active the service aggregates to active.
	for _, child := range children {
		fresh, err := store.GetTarget(ctx, child.UUID)
		require.NoError(t, err)
		fresh.Status = types.StatusActive
		require.NoError(t, store.UpdateTarget(ctx, fresh, fresh.Version))
	}
	require.NoError(t, orch.Cycle(ctx, types.FamilyEM))

	got, err = store.GetTarget(ctx, service.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
}

func TestMonopolyElectsLowestNode(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	nodeA := createTarget(t, store, types.KindNode, &types.NodeSpec{Cores: 1, RAM: 512}, nil)
	nodeB := createTarget(t, store, types.KindNode, &types.NodeSpec{Cores: 1, RAM: 512}, nil)
	set := createTarget(t, store, types.KindNodeSet, &types.NodeSetSpec{
		Nodes: []uuid.UUID{nodeA.UUID, nodeB.UUID},
	}, nil)

	createTarget(t, store, types.KindService, &types.ServiceSpec{
		Type:   types.ServiceTypeMonopoly,
		Target: types.ServiceTarget{NodeSet: &set.UUID},
		Exec:   "/usr/bin/leader",
	}, nil)
	require.NoError(t, orch.Cycle(ctx, types.FamilyEM))

	services, err := store.ListTargets(ctx, storage.Filter{Kind: types.KindServiceNode})
	require.NoError(t, err)
	require.Len(t, services, 1, "monopoly must fan out to exactly one node")

	expected := nodeA.UUID
	if bytes.Compare(nodeB.UUID[:], nodeA.UUID[:]) < 0 {
		expected = nodeB.UUID
	}
	var spec types.ServiceNodeSpec
	require.NoError(t, services[0].DecodeSpec(&spec))
	assert.Equal(t, expected, spec.Node)
}

func TestServiceTargetingSingleNode(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	node := createTarget(t, store, types.KindNode, &types.NodeSpec{Cores: 1, RAM: 512}, nil)
	createTarget(t, store, types.KindService, &types.ServiceSpec{
		Type:   types.ServiceTypeOneshot,
		Target: types.ServiceTarget{Node: &node.UUID},
		Exec:   "/usr/bin/migrate",
	}, nil)
	require.NoError(t, orch.Cycle(ctx, types.FamilyEM))

	projections, err := store.ListTargets(ctx, storage.Filter{Kind: types.KindServiceNode})
	require.NoError(t, err)
	require.Len(t, projections, 1)

	var spec types.ServiceNodeSpec
	require.NoError(t, projections[0].DecodeSpec(&spec))
	assert.Equal(t, node.UUID, spec.Node)
	assert.Equal(t, types.ServiceTypeOneshot, spec.Type)
}

func TestCertificateConvergenceEmitsIssuedEvent(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	agentID := registerAgent(t, store, "certificate")
	target := createTarget(t, store, types.KindCertificate, &types.CertificateSpec{
		CommonName: "db.internal",
	}, nil)

	require.NoError(t, orch.Cycle(ctx, types.FamilySecret))
	got, err := store.GetTarget(ctx, target.UUID)
	require.NoError(t, err)
	require.Equal(t, types.StatusInProgress, got.Status)

	issued, err := types.EncodeSpec(&types.CertificateSpec{
		CommonName: "db.internal",
		CertPEM:    "-----BEGIN CERTIFICATE-----",
	})
	require.NoError(t, err)
	require.NoError(t, store.UpsertActual(ctx, &types.Actual{
		UUID:          target.UUID,
		Kind:          types.KindCertificate,
		ProjectID:     target.ProjectID,
		Status:        types.StatusActive,
		Spec:          issued,
		AgentUUID:     &agentID,
		TargetVersion: got.Version,
		ObservedAt:    time.Now().UTC(),
	}))
	require.NoError(t, orch.Cycle(ctx, types.FamilySecret))

	pending, err := store.PendingEvents(ctx, 100)
	require.NoError(t, err)
	var kinds []string
	for _, e := range pending {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, "certificate.issued")
}

func TestOrphanActualsSwept(t *testing.T) {
	orch, store := newTestOrch(t)
	ctx := context.Background()

	agentID := registerAgent(t, store, "em_core_*")

	// A control-plane actual without a target row is collected right
	// away.
	stray := &types.Actual{
		UUID:       uuid.New(),
		Kind:       types.KindNetwork,
		Status:     types.StatusActive,
		ObservedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertActual(ctx, stray))
	require.NoError(t, orch.Cycle(ctx, types.FamilyNetwork))
	_, err := store.GetActual(ctx, stray.UUID)
	assert.True(t, errdefs.IsNotFound(err))

	// A freshly observed agent actual is left for the feed diff to tear
	// down; only a stale observation is collected here.
	fresh := &types.Actual{
		UUID:       uuid.New(),
		Kind:       types.KindNode,
		Status:     types.StatusActive,
		AgentUUID:  &agentID,
		ObservedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertActual(ctx, fresh))
	stale := &types.Actual{
		UUID:       uuid.New(),
		Kind:       types.KindNode,
		Status:     types.StatusActive,
		AgentUUID:  &agentID,
		ObservedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, store.UpsertActual(ctx, stale))

	require.NoError(t, orch.Cycle(ctx, types.FamilyCompute))
	_, err = store.GetActual(ctx, fresh.UUID)
	require.NoError(t, err)
	_, err = store.GetActual(ctx, stale.UUID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAgentManagedSplit(t *testing.T) {
	assert.True(t, AgentManaged(types.KindNode))
	assert.True(t, AgentManaged(types.KindServiceNode))
	assert.True(t, AgentManaged(types.KindPassword))
	assert.True(t, AgentManaged(types.KindCertificate))
	assert.False(t, AgentManaged(types.KindNetwork))
	assert.False(t, AgentManaged(types.KindService))
	assert.False(t, AgentManaged(types.KindLoadBalancer))
}
