// Package api exposes the control plane over HTTP: the user-facing
// resource API, the IAM surface and the agent-facing orch and status
// endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/iam"
	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/metrics"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
)

// Server is the HTTP front of the control plane
type Server struct {
	cfg    config.APIConfig
	store  *storage.Store
	kernel *iam.Kernel
	http   *http.Server
}

// NewServer wires routes and middleware
func NewServer(cfg config.APIConfig, store *storage.Store, kernel *iam.Kernel) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{cfg: cfg, store: store, kernel: kernel}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/iam/login", s.handleLogin)
		v1.POST("/iam/users", s.handleRegisterUser)
		v1.POST("/iam/users/reset_password", s.handleResetPassword)
	}

	authed := v1.Group("")
	authed.Use(s.authenticate())
	{
		authed.GET("/iam/users", s.handleListUsers)
		authed.POST("/iam/roles", s.handleCreateRole)
		authed.POST("/iam/permissions", s.handleCreatePermission)
		authed.POST("/iam/role_bindings", s.handleCreateRoleBinding)
		authed.DELETE("/iam/role_bindings/:uuid", s.handleDeleteRoleBinding)
		authed.POST("/iam/permission_bindings", s.handleCreatePermissionBinding)
		authed.DELETE("/iam/permission_bindings/:uuid", s.handleDeletePermissionBinding)
		authed.POST("/iam/organizations", s.handleCreateOrganization)
		authed.POST("/iam/projects", s.handleCreateProject)

		authed.POST("/projects/:project/:kind", s.handleCreateTarget)
		authed.GET("/projects/:project/:kind", s.handleListTargets)
		authed.GET("/projects/:project/:kind/:uuid", s.handleGetTarget)
		authed.PUT("/projects/:project/:kind/:uuid", s.handleUpdateTarget)
		authed.DELETE("/projects/:project/:kind/:uuid", s.handleDeleteTarget)

		authed.POST("/orch/agents", s.handleRegisterAgent)
		authed.POST("/orch/agents/:uuid/heartbeat", s.handleAgentHeartbeat)
		authed.GET("/orch/targets", s.handleOrchTargets)

		authed.POST("/status/actuals", s.handlePushActuals)
	}

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routing tree for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Stop or a listener error
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	logger := log.WithComponent("api")
	logger.Info().Msg("http server stopping")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
