package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/events"
	"github.com/genesis-cloud/genesis-core/pkg/iam"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errdefs.Validation("invalid login request: %v", err))
		return
	}
	user, err := s.kernel.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		abort(c, err)
		return
	}
	token, err := s.kernel.IssueToken(user.UUID, user.Username)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

type registerUserRequest struct {
	Username  string `json:"username" binding:"required"`
	Password  string `json:"password" binding:"required"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// handleRegisterUser creates a user and commits the registration event
// in the same transaction
func (s *Server) handleRegisterUser(c *gin.Context) {
	var req registerUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errdefs.Validation("invalid user request: %v", err))
		return
	}
	hash, err := iam.HashSecret(req.Password)
	if err != nil {
		abort(c, err)
		return
	}
	user := &types.User{
		Username:         req.Username,
		Email:            req.Email,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		SecretHash:       hash,
		ConfirmationCode: uuid.New(),
	}

	ctx := c.Request.Context()
	err = s.store.Transaction(ctx, func(tx *storage.Store) error {
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}
		return events.Emit(ctx, tx, events.KindUserRegistration, &events.UserRegistrationPayload{
			UserUUID:         user.UUID,
			Username:         user.Username,
			Email:            user.Email,
			ConfirmationCode: user.ConfirmationCode,
		})
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

type resetPasswordRequest struct {
	Username string `json:"username" binding:"required"`
}

func (s *Server) handleResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errdefs.Validation("invalid reset request: %v", err))
		return
	}

	ctx := c.Request.Context()
	user, err := s.store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		// The response does not reveal whether the user exists.
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		return
	}
	user.ConfirmationCode = uuid.New()
	err = s.store.Transaction(ctx, func(tx *storage.Store) error {
		if err := tx.DB().WithContext(ctx).Model(&types.User{}).
			Where("uuid = ?", user.UUID).
			Update("confirmation_code", user.ConfirmationCode).Error; err != nil {
			return err
		}
		return events.Emit(ctx, tx, events.KindUserResetPassword, &events.UserResetPasswordPayload{
			UserUUID:         user.UUID,
			Email:            user.Email,
			ConfirmationCode: user.ConfirmationCode,
		})
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// authorizeGlobal checks a permission outside any project scope.
// Read paths only.
func (s *Server) authorizeGlobal(c *gin.Context, permission string) bool {
	if err := s.kernel.Authorize(c.Request.Context(), subject(c), uuid.Nil, permission); err != nil {
		abort(c, err)
		return false
	}
	return true
}

// authorizedGlobal is the transactional counterpart for global
// mutations, pairing the check with the write like authorized does.
func (s *Server) authorizedGlobal(c *gin.Context, permission string, fn func(tx *storage.Store) error) bool {
	return s.authorized(c, uuid.Nil, permission, fn)
}

func (s *Server) handleListUsers(c *gin.Context) {
	if !s.authorizeGlobal(c, "iam.users.list") {
		return
	}
	users, err := s.store.ListUsers(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) handleCreateRole(c *gin.Context) {
	var role types.Role
	ok := s.authorizedGlobal(c, "iam.roles.create", func(tx *storage.Store) error {
		if err := c.ShouldBindJSON(&role); err != nil {
			return errdefs.Validation("invalid role: %v", err)
		}
		return tx.CreateRole(c.Request.Context(), &role)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, role)
}

func (s *Server) handleCreatePermission(c *gin.Context) {
	var perm types.Permission
	ok := s.authorizedGlobal(c, "iam.permissions.create", func(tx *storage.Store) error {
		if err := c.ShouldBindJSON(&perm); err != nil {
			return errdefs.Validation("invalid permission: %v", err)
		}
		if perm.Name == types.WildcardPermission {
			return errdefs.Validation("the full wildcard permission is reserved")
		}
		return tx.CreatePermission(c.Request.Context(), &perm)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, perm)
}

func (s *Server) handleCreateRoleBinding(c *gin.Context) {
	var binding types.RoleBinding
	ok := s.authorizedGlobal(c, "iam.role_bindings.create", func(tx *storage.Store) error {
		if err := c.ShouldBindJSON(&binding); err != nil {
			return errdefs.Validation("invalid role binding: %v", err)
		}
		return s.kernel.GrantRole(c.Request.Context(), tx, &binding)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, binding)
}

func (s *Server) handleDeleteRoleBinding(c *gin.Context) {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		abort(c, errdefs.Validation("invalid binding uuid"))
		return
	}
	ok := s.authorizedGlobal(c, "iam.role_bindings.delete", func(tx *storage.Store) error {
		return s.kernel.RevokeRole(c.Request.Context(), tx, id)
	})
	if !ok {
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCreatePermissionBinding(c *gin.Context) {
	var binding types.PermissionBinding
	ok := s.authorizedGlobal(c, "iam.permission_bindings.create", func(tx *storage.Store) error {
		if err := c.ShouldBindJSON(&binding); err != nil {
			return errdefs.Validation("invalid permission binding: %v", err)
		}
		return s.kernel.GrantPermission(c.Request.Context(), tx, &binding)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, binding)
}

func (s *Server) handleDeletePermissionBinding(c *gin.Context) {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		abort(c, errdefs.Validation("invalid binding uuid"))
		return
	}
	ok := s.authorizedGlobal(c, "iam.permission_bindings.delete", func(tx *storage.Store) error {
		return s.kernel.RevokePermission(c.Request.Context(), tx, id)
	})
	if !ok {
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCreateOrganization(c *gin.Context) {
	var org types.Organization
	ok := s.authorizedGlobal(c, "iam.organizations.create", func(tx *storage.Store) error {
		if err := c.ShouldBindJSON(&org); err != nil {
			return errdefs.Validation("invalid organization: %v", err)
		}
		ctx := c.Request.Context()
		if err := tx.CreateOrganization(ctx, &org); err != nil {
			return err
		}
		return tx.CreateOrganizationMember(ctx, &types.OrganizationMember{
			OrganizationID: org.UUID,
			UserID:         subject(c),
			Role:           types.OrgRoleOwner,
		})
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, org)
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var project types.Project
	ok := s.authorizedGlobal(c, "iam.projects.create", func(tx *storage.Store) error {
		if err := c.ShouldBindJSON(&project); err != nil {
			return errdefs.Validation("invalid project: %v", err)
		}
		return tx.CreateProject(c.Request.Context(), &project)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, project)
}
