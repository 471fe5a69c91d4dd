package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// permissionFor derives the dotted permission triple of a resource
// operation, e.g. core.em_core_compute_nodes.create
func permissionFor(kind types.Kind, action string) string {
	return fmt.Sprintf("core.%s.%s", kind, action)
}

// resourceScope extracts and validates the project and kind path segments
func resourceScope(c *gin.Context) (uuid.UUID, types.Kind, bool) {
	project, err := uuid.Parse(c.Param("project"))
	if err != nil {
		abort(c, errdefs.Validation("invalid project uuid"))
		return uuid.Nil, "", false
	}
	kind := types.Kind(c.Param("kind"))
	if !kind.Valid() {
		abort(c, errdefs.Validation("unknown resource kind %q", c.Param("kind")))
		return uuid.Nil, "", false
	}
	return project, kind, true
}

// authorize checks a resource permission inside the project scope.
// Read paths only; mutations go through authorized so the check and
// the write share one transaction.
func (s *Server) authorize(c *gin.Context, project uuid.UUID, kind types.Kind, action string) bool {
	err := s.kernel.Authorize(c.Request.Context(), subject(c), project, permissionFor(kind, action))
	if err != nil {
		abort(c, err)
		return false
	}
	return true
}

// authorized runs fn inside one transaction together with the
// permission check. A grant revoked while the request is in flight
// rolls the mutation back along with the denial.
func (s *Server) authorized(c *gin.Context, project uuid.UUID, permission string, fn func(tx *storage.Store) error) bool {
	ctx := c.Request.Context()
	err := s.store.Transaction(ctx, func(tx *storage.Store) error {
		if err := s.kernel.AuthorizeTx(ctx, tx, subject(c), project, permission); err != nil {
			return err
		}
		return fn(tx)
	})
	if err != nil {
		abort(c, err)
		return false
	}
	return true
}

type createTargetRequest struct {
	UUID   *uuid.UUID    `json:"uuid,omitempty"`
	Name   string        `json:"name"`
	Spec   types.JSONMap `json:"spec" binding:"required"`
	Parent *uuid.UUID    `json:"parent,omitempty"`
}

func (s *Server) handleCreateTarget(c *gin.Context) {
	project, kind, ok := resourceScope(c)
	if !ok {
		return
	}

	var target *types.Target
	ok = s.authorized(c, project, permissionFor(kind, "create"), func(tx *storage.Store) error {
		var req createTargetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return errdefs.Validation("invalid resource: %v", err)
		}

		target = &types.Target{
			Kind:       kind,
			ProjectID:  project,
			Name:       req.Name,
			Spec:       req.Spec,
			ParentUUID: req.Parent,
		}
		if req.UUID != nil {
			target.UUID = *req.UUID
		}
		if err := validateSpec(target); err != nil {
			return err
		}
		return tx.CreateTarget(c.Request.Context(), target)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, target.ToResource())
}

func (s *Server) handleListTargets(c *gin.Context) {
	project, kind, ok := resourceScope(c)
	if !ok || !s.authorize(c, project, kind, "list") {
		return
	}

	filter := storage.Filter{Kind: kind, ProjectID: project}
	if status := c.Query("status"); status != "" {
		filter.Status = types.Status(status)
	}
	targets, err := s.store.ListTargets(c.Request.Context(), filter)
	if err != nil {
		abort(c, err)
		return
	}

	out := make([]*types.Resource, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.ToResource())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetTarget(c *gin.Context) {
	project, kind, ok := resourceScope(c)
	if !ok || !s.authorize(c, project, kind, "get") {
		return
	}
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		abort(c, errdefs.Validation("invalid resource uuid"))
		return
	}

	target, err := s.store.GetTarget(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	if target.ProjectID != project || target.Kind != kind {
		abort(c, errdefs.NotFound("target %s not found", id))
		return
	}

	resource := target.ToResource()
	if actual, err := s.store.GetActual(c.Request.Context(), id); err == nil {
		resource.TargetVersion = actual.TargetVersion
		observed := actual.ObservedAt
		resource.ObservedAt = &observed
	}
	c.JSON(http.StatusOK, resource)
}

type updateTargetRequest struct {
	Name    string        `json:"name"`
	Spec    types.JSONMap `json:"spec" binding:"required"`
	Version int64         `json:"version" binding:"required"`
}

// handleUpdateTarget replaces the spec under optimistic concurrency.
// The declared version must match the stored one; a stale write gets
// Conflict and the client re-reads.
func (s *Server) handleUpdateTarget(c *gin.Context) {
	project, kind, ok := resourceScope(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		abort(c, errdefs.Validation("invalid resource uuid"))
		return
	}

	var target *types.Target
	ok = s.authorized(c, project, permissionFor(kind, "update"), func(tx *storage.Store) error {
		var req updateTargetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return errdefs.Validation("invalid resource: %v", err)
		}

		ctx := c.Request.Context()
		t, err := tx.GetTarget(ctx, id)
		if err != nil {
			return err
		}
		if t.ProjectID != project || t.Kind != kind {
			return errdefs.NotFound("target %s not found", id)
		}
		if t.Status == types.StatusDeleting {
			return errdefs.Conflict("target %s is being deleted", id)
		}

		t.Name = req.Name
		t.Spec = req.Spec
		t.Status = types.StatusNew
		t.StatusReason = ""
		t.Attempts = 0
		t.NextRetryAt = nil
		if err := validateSpec(t); err != nil {
			return err
		}
		if err := tx.UpdateTarget(ctx, t, req.Version); err != nil {
			return err
		}
		target = t
		return nil
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, target.ToResource())
}

// handleDeleteTarget flips the target to DELETING; the orchestrator
// cascades through children and removes the row once the actual plane
// is clean.
func (s *Server) handleDeleteTarget(c *gin.Context) {
	project, kind, ok := resourceScope(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		abort(c, errdefs.Validation("invalid resource uuid"))
		return
	}

	ok = s.authorized(c, project, permissionFor(kind, "delete"), func(tx *storage.Store) error {
		ctx := c.Request.Context()
		target, err := tx.GetTarget(ctx, id)
		if err != nil {
			return err
		}
		if target.ProjectID != project || target.Kind != kind {
			return errdefs.NotFound("target %s not found", id)
		}
		if target.Status == types.StatusDeleting {
			return nil
		}
		target.Status = types.StatusDeleting
		target.StatusReason = ""
		target.NextRetryAt = nil
		return tx.UpdateTarget(ctx, target, target.Version)
	})
	if !ok {
		return
	}
	c.Status(http.StatusNoContent)
}

// validateSpec runs the typed validation of kinds that declare one.
// Cross-resource invariants are enforced again at reconcile time.
func validateSpec(t *types.Target) error {
	switch t.Kind {
	case types.KindNode:
		var spec types.NodeSpec
		if err := t.DecodeSpec(&spec); err != nil {
			return errdefs.Validation("malformed node spec: %v", err)
		}
		return spec.Validate()
	case types.KindMachinePool:
		var spec types.MachinePoolSpec
		if err := t.DecodeSpec(&spec); err != nil {
			return errdefs.Validation("malformed machine pool spec: %v", err)
		}
		return spec.Validate()
	case types.KindService:
		var spec types.ServiceSpec
		if err := t.DecodeSpec(&spec); err != nil {
			return errdefs.Validation("malformed service spec: %v", err)
		}
		return spec.Validate()
	case types.KindVhost:
		var spec types.VhostSpec
		if err := t.DecodeSpec(&spec); err != nil {
			return errdefs.Validation("malformed vhost spec: %v", err)
		}
		return spec.Validate()
	case types.KindCertificate:
		var spec types.CertificateSpec
		if err := t.DecodeSpec(&spec); err != nil {
			return errdefs.Validation("malformed certificate spec: %v", err)
		}
		return spec.Validate()
	}
	return nil
}
