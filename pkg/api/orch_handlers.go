package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var agent types.UniversalAgent
	ok := s.authorizedGlobal(c, "orch.agents.create", func(tx *storage.Store) error {
		if err := c.ShouldBindJSON(&agent); err != nil {
			return errdefs.Validation("invalid agent: %v", err)
		}
		if agent.UUID == uuid.Nil {
			return errdefs.Validation("agent uuid is required")
		}
		if agent.Status == "" {
			agent.Status = types.AgentStatusActive
		}
		return tx.UpsertAgent(c.Request.Context(), &agent)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, agent)
}

type heartbeatRequest struct {
	Capabilities types.StringList `json:"capabilities"`
}

func (s *Server) handleAgentHeartbeat(c *gin.Context) {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		abort(c, errdefs.Validation("invalid agent uuid"))
		return
	}
	ok := s.authorizedGlobal(c, "orch.agents.update", func(tx *storage.Store) error {
		var req heartbeatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return errdefs.Validation("invalid heartbeat: %v", err)
		}
		return tx.AgentHeartbeat(c.Request.Context(), id, req.Capabilities)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleOrchTargets feeds an agent its assigned targets of one kind.
// Targets in DELETING are withheld so the agent's local diff tears
// them down.
func (s *Server) handleOrchTargets(c *gin.Context) {
	if !s.authorizeGlobal(c, "orch.targets.list") {
		return
	}
	agent, err := uuid.Parse(c.Query("agent"))
	if err != nil {
		abort(c, errdefs.Validation("agent query parameter is required"))
		return
	}
	kind := types.Kind(c.Query("kind"))
	if !kind.Valid() {
		abort(c, errdefs.Validation("unknown resource kind %q", c.Query("kind")))
		return
	}

	targets, err := s.store.ListTargets(c.Request.Context(), storage.Filter{
		Kind:  kind,
		Agent: &agent,
	})
	if err != nil {
		abort(c, err)
		return
	}

	out := make([]*types.Resource, 0, len(targets))
	for _, t := range targets {
		if t.Status == types.StatusDeleting {
			continue
		}
		out = append(out, t.ToResource())
	}
	c.JSON(http.StatusOK, out)
}

type statusPushRequest struct {
	Agent   uuid.UUID         `json:"agent" binding:"required"`
	Kind    types.Kind        `json:"kind" binding:"required"`
	Actuals []*types.Resource `json:"actuals"`
}

// handlePushActuals replaces the full observed set of one agent and
// kind in a single transaction
func (s *Server) handlePushActuals(c *gin.Context) {
	var accepted int
	ok := s.authorizedGlobal(c, "status.actuals.update", func(tx *storage.Store) error {
		var req statusPushRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return errdefs.Validation("invalid status push: %v", err)
		}
		if !req.Kind.Valid() {
			return errdefs.Validation("unknown resource kind %q", req.Kind)
		}

		actuals := make([]*types.Actual, 0, len(req.Actuals))
		for _, r := range req.Actuals {
			actuals = append(actuals, r.ToActual())
		}
		accepted = len(actuals)
		return tx.ReplaceAgentActuals(c.Request.Context(), req.Agent, req.Kind, actuals)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}
