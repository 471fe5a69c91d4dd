package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/iam"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

type testEnv struct {
	server *Server
	store  *storage.Store
	kernel *iam.Kernel
	admin  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	store := storage.NewWithDB(db)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	kernel := iam.NewKernel(store, config.IAMConfig{
		TokenSecret:   "unit-test-secret",
		TokenTTL:      time.Hour,
		MemoTTL:       time.Minute,
		AdminUsername: "admin",
		AdminPassword: "changeme",
	})
	require.NoError(t, kernel.Bootstrap(context.Background()))

	env := &testEnv{
		server: NewServer(config.APIConfig{ListenAddr: "127.0.0.1:0"}, store, kernel),
		store:  store,
		kernel: kernel,
	}
	env.admin = env.login(t, "admin", "changeme")
	return env
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	w := e.request(t, http.MethodPost, "/v1/iam/login", "", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token
}

type envelope struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodPost, "/v1/iam/login", "", map[string]string{
		"username": "admin", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	e := decodeEnvelope(t, w)
	assert.Equal(t, http.StatusUnauthorized, e.Code)
	assert.Equal(t, "AuthRequiredException", e.Type)
}

func TestMissingTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	project := uuid.New()
	w := env.request(t, http.MethodGet,
		fmt.Sprintf("/v1/projects/%s/%s", project, types.KindNode), "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateTargetLifecycle(t *testing.T) {
	env := newTestEnv(t)
	project := uuid.New()
	base := fmt.Sprintf("/v1/projects/%s/%s", project, types.KindNode)

	w := env.request(t, http.MethodPost, base, env.admin, map[string]any{
		"name": "worker-1",
		"spec": map[string]any{"cores": 2, "ram": 2048},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created types.Resource
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, types.StatusNew, created.Status)

	w = env.request(t, http.MethodGet, base+"/"+created.UUID.String(), env.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, base, env.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []types.Resource
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Len(t, listed, 1)
}

func TestCreateTargetRejectsBadSpec(t *testing.T) {
	env := newTestEnv(t)
	project := uuid.New()

	w := env.request(t, http.MethodPost,
		fmt.Sprintf("/v1/projects/%s/%s", project, types.KindNode), env.admin, map[string]any{
			"spec": map[string]any{"cores": 0},
		})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationException", decodeEnvelope(t, w).Type)
}

func TestCreateTargetUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodPost,
		fmt.Sprintf("/v1/projects/%s/volumes", uuid.New()), env.admin, map[string]any{
			"spec": map[string]any{},
		})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateTargetStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	project := uuid.New()
	base := fmt.Sprintf("/v1/projects/%s/%s", project, types.KindNode)

	w := env.request(t, http.MethodPost, base, env.admin, map[string]any{
		"name": "worker-1",
		"spec": map[string]any{"cores": 2, "ram": 2048},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created types.Resource
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	path := base + "/" + created.UUID.String()
	w = env.request(t, http.MethodPut, path, env.admin, map[string]any{
		"name":    "worker-1",
		"spec":    map[string]any{"cores": 4, "ram": 4096},
		"version": 1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Replaying the same version must fail: the first write advanced it.
	w = env.request(t, http.MethodPut, path, env.admin, map[string]any{
		"name":    "worker-1",
		"spec":    map[string]any{"cores": 8, "ram": 8192},
		"version": 1,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ConflictException", decodeEnvelope(t, w).Type)
}

func TestDeleteTargetFlipsToDeleting(t *testing.T) {
	env := newTestEnv(t)
	project := uuid.New()
	base := fmt.Sprintf("/v1/projects/%s/%s", project, types.KindNode)

	w := env.request(t, http.MethodPost, base, env.admin, map[string]any{
		"spec": map[string]any{"cores": 2, "ram": 2048},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created types.Resource
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = env.request(t, http.MethodDelete, base+"/"+created.UUID.String(), env.admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	got, err := env.store.GetTarget(context.Background(), created.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeleting, got.Status)

	// Deletion is idempotent at the API edge.
	w = env.request(t, http.MethodDelete, base+"/"+created.UUID.String(), env.admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPermissionDeniedWithoutGrant(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/v1/iam/users", "", map[string]string{
		"username": "intern", "password": "pw123456",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	token := env.login(t, "intern", "pw123456")

	w = env.request(t, http.MethodPost,
		fmt.Sprintf("/v1/projects/%s/%s", uuid.New(), types.KindNode), token, map[string]any{
			"spec": map[string]any{"cores": 2, "ram": 2048},
		})
	assert.Equal(t, http.StatusForbidden, w.Code)
	e := decodeEnvelope(t, w)
	assert.Equal(t, http.StatusForbidden, e.Code)
	assert.Equal(t, "PermissionDeniedException", e.Type)
}

func TestScopedGrantAllowsOnlyItsProject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := uuid.New()

	w := env.request(t, http.MethodPost, "/v1/iam/users", "", map[string]string{
		"username": "operator", "password": "pw123456",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	user, err := env.store.GetUserByUsername(ctx, "operator")
	require.NoError(t, err)

	role := &types.Role{Name: "node-operator"}
	require.NoError(t, env.store.CreateRole(ctx, role))
	perm := &types.Permission{Name: "core.em_core_compute_nodes.*"}
	require.NoError(t, env.store.CreatePermission(ctx, perm))
	require.NoError(t, env.kernel.GrantPermission(ctx, env.store, &types.PermissionBinding{
		RoleID: role.UUID, PermissionID: perm.UUID, ProjectID: &project,
	}))
	require.NoError(t, env.kernel.GrantRole(ctx, env.store, &types.RoleBinding{
		UserID: user.UUID, RoleID: role.UUID, ProjectID: &project,
	}))

	token := env.login(t, "operator", "pw123456")
	body := map[string]any{"spec": map[string]any{"cores": 2, "ram": 2048}}

	w = env.request(t, http.MethodPost,
		fmt.Sprintf("/v1/projects/%s/%s", project, types.KindNode), token, body)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.request(t, http.MethodPost,
		fmt.Sprintf("/v1/projects/%s/%s", uuid.New(), types.KindNode), token, body)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRevokedGrantCannotCommitMutation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := uuid.New()

	w := env.request(t, http.MethodPost, "/v1/iam/users", "", map[string]string{
		"username": "contractor", "password": "pw123456",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	user, err := env.store.GetUserByUsername(ctx, "contractor")
	require.NoError(t, err)

	role := &types.Role{Name: "node-creator"}
	require.NoError(t, env.store.CreateRole(ctx, role))
	perm := &types.Permission{Name: "core.em_core_compute_nodes.create"}
	require.NoError(t, env.store.CreatePermission(ctx, perm))
	require.NoError(t, env.kernel.GrantPermission(ctx, env.store, &types.PermissionBinding{
		RoleID: role.UUID, PermissionID: perm.UUID, ProjectID: &project,
	}))
	binding := &types.RoleBinding{UserID: user.UUID, RoleID: role.UUID, ProjectID: &project}
	require.NoError(t, env.kernel.GrantRole(ctx, env.store, binding))

	token := env.login(t, "contractor", "pw123456")
	base := fmt.Sprintf("/v1/projects/%s/%s", project, types.KindNode)
	body := map[string]any{"spec": map[string]any{"cores": 2, "ram": 2048}}

	// A first write memoizes the allow with a long TTL.
	w = env.request(t, http.MethodPost, base, token, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Revoke directly in storage so the kernel keeps its stale memo.
	// The decision runs inside the mutation's transaction and reads the
	// bindings, so the write is denied and nothing commits.
	require.NoError(t, env.store.DeleteRoleBinding(ctx, binding.UUID))

	w = env.request(t, http.MethodPost, base, token, body)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	targets, err := env.store.ListTargets(ctx, storage.Filter{Kind: types.KindNode, ProjectID: project})
	require.NoError(t, err)
	assert.Len(t, targets, 1)
}

func TestUserRegistrationEmitsOutboxEvent(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/v1/iam/users", "", map[string]string{
		"username": "newbie", "password": "pw123456", "email": "n@example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	pending, err := env.store.PendingEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "user.registration", pending[0].Kind)
}

func TestAgentRegistrationAndFeed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agentID := uuid.New()

	w := env.request(t, http.MethodPost, "/v1/orch/agents", env.admin, map[string]any{
		"uuid":         agentID,
		"name":         "node-1",
		"capabilities": []string{"em_core_*"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Re-registration conflicts; the agent client tolerates that.
	w = env.request(t, http.MethodPost, "/v1/orch/agents", env.admin, map[string]any{
		"uuid": agentID,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.request(t, http.MethodPost,
		fmt.Sprintf("/v1/orch/agents/%s/heartbeat", agentID), env.admin, map[string]any{
			"capabilities": []string{"em_core_*", "password"},
		})
	assert.Equal(t, http.StatusOK, w.Code)

	// One assigned target plus one in DELETING; the feed hides the latter.
	visible := &types.Target{Kind: types.KindNode, AgentUUID: &agentID, Spec: types.JSONMap{}}
	require.NoError(t, env.store.CreateTarget(ctx, visible))
	hidden := &types.Target{Kind: types.KindNode, AgentUUID: &agentID, Spec: types.JSONMap{}}
	require.NoError(t, env.store.CreateTarget(ctx, hidden))
	hidden.Status = types.StatusDeleting
	require.NoError(t, env.store.UpdateTarget(ctx, hidden, hidden.Version))

	w = env.request(t, http.MethodGet,
		fmt.Sprintf("/v1/orch/targets?agent=%s&kind=%s", agentID, types.KindNode), env.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var feed []types.Resource
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &feed))
	require.Len(t, feed, 1)
	assert.Equal(t, visible.UUID, feed[0].UUID)
}

func TestStatusPushReplacesActuals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agentID := uuid.New()

	observed := time.Now().UTC()
	push := func(actuals []map[string]any) *httptest.ResponseRecorder {
		return env.request(t, http.MethodPost, "/v1/status/actuals", env.admin, map[string]any{
			"agent":   agentID,
			"kind":    types.KindNode,
			"actuals": actuals,
		})
	}

	first := uuid.New()
	second := uuid.New()
	w := push([]map[string]any{
		{"uuid": first, "kind": types.KindNode, "status": "ACTIVE", "target_version": 1, "observed_at": observed},
		{"uuid": second, "kind": types.KindNode, "status": "ACTIVE", "target_version": 1, "observed_at": observed},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	actuals, err := env.store.ListActuals(ctx, storage.Filter{Kind: types.KindNode})
	require.NoError(t, err)
	assert.Len(t, actuals, 2)

	w = push([]map[string]any{
		{"uuid": first, "kind": types.KindNode, "status": "ACTIVE", "target_version": 2, "observed_at": observed},
	})
	require.Equal(t, http.StatusOK, w.Code)

	actuals, err = env.store.ListActuals(ctx, storage.Filter{Kind: types.KindNode})
	require.NoError(t, err)
	require.Len(t, actuals, 1)
	assert.Equal(t, first, actuals[0].UUID)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "genesis_api_requests_total")
}
