package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// CreateUser inserts a new user
func (s *Store) CreateUser(ctx context.Context, u *types.User) error {
	if u.UUID == uuid.Nil {
		u.UUID = uuid.New()
	}
	u.CreatedAt = now()
	u.UpdatedAt = u.CreatedAt
	return translate(s.db.WithContext(ctx).Create(u).Error, "user "+u.Username)
}

// GetUser returns one user by identifier
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*types.User, error) {
	var u types.User
	err := s.db.WithContext(ctx).First(&u, "uuid = ?", id).Error
	if err != nil {
		return nil, translate(err, "user "+id.String())
	}
	return &u, nil
}

// GetUserByUsername returns one user by its unique username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	var u types.User
	err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error
	if err != nil {
		return nil, translate(err, "user "+username)
	}
	return &u, nil
}

// ListUsers returns every user
func (s *Store) ListUsers(ctx context.Context) ([]*types.User, error) {
	var users []*types.User
	err := s.db.WithContext(ctx).Order("created_at asc").Find(&users).Error
	return users, translate(err, "users")
}

// DeleteUser removes a user and its role bindings
func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.Delete(&types.RoleBinding{}, "user_id = ?", id).Error; err != nil {
			return translate(err, "role bindings of "+id.String())
		}
		return translate(tx.db.Delete(&types.User{}, "uuid = ?", id).Error, "user "+id.String())
	})
}

// CreatePermission registers a permission name
func (s *Store) CreatePermission(ctx context.Context, p *types.Permission) error {
	if !types.ValidPermissionName(p.Name) {
		return errdefs.Validation("invalid permission name %q", p.Name)
	}
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt
	return translate(s.db.WithContext(ctx).Create(p).Error, "permission "+p.Name)
}

// GetPermissionByName returns a permission by its unique name
func (s *Store) GetPermissionByName(ctx context.Context, name string) (*types.Permission, error) {
	var p types.Permission
	err := s.db.WithContext(ctx).First(&p, "name = ?", name).Error
	if err != nil {
		return nil, translate(err, "permission "+name)
	}
	return &p, nil
}

// CreateRole inserts a role
func (s *Store) CreateRole(ctx context.Context, r *types.Role) error {
	if r.UUID == uuid.Nil {
		r.UUID = uuid.New()
	}
	r.CreatedAt = now()
	r.UpdatedAt = r.CreatedAt
	return translate(s.db.WithContext(ctx).Create(r).Error, "role "+r.Name)
}

// CreatePermissionBinding grants a permission to a role
func (s *Store) CreatePermissionBinding(ctx context.Context, b *types.PermissionBinding) error {
	if b.UUID == uuid.Nil {
		b.UUID = uuid.New()
	}
	b.CreatedAt = now()
	b.UpdatedAt = b.CreatedAt
	return translate(s.db.WithContext(ctx).Create(b).Error, "permission binding")
}

// DeletePermissionBinding revokes a permission grant
func (s *Store) DeletePermissionBinding(ctx context.Context, id uuid.UUID) error {
	return translate(s.db.WithContext(ctx).
		Delete(&types.PermissionBinding{}, "uuid = ?", id).Error, "permission binding")
}

// CreateRoleBinding grants a role to a user
func (s *Store) CreateRoleBinding(ctx context.Context, b *types.RoleBinding) error {
	if b.UUID == uuid.Nil {
		b.UUID = uuid.New()
	}
	b.CreatedAt = now()
	b.UpdatedAt = b.CreatedAt
	return translate(s.db.WithContext(ctx).Create(b).Error, "role binding")
}

// DeleteRoleBinding revokes a role grant
func (s *Store) DeleteRoleBinding(ctx context.Context, id uuid.UUID) error {
	return translate(s.db.WithContext(ctx).
		Delete(&types.RoleBinding{}, "uuid = ?", id).Error, "role binding")
}

// UserRoleIDs resolves the role set bound to a user inside a project.
// Bindings with no project are global and always apply.
func (s *Store) UserRoleIDs(ctx context.Context, user, project uuid.UUID) ([]uuid.UUID, error) {
	var bindings []*types.RoleBinding
	err := s.db.WithContext(ctx).Model(&types.RoleBinding{}).
		Where("user_id = ?", user).
		Where("project_id IS NULL OR project_id = ?", project).
		Find(&bindings).Error
	if err != nil {
		return nil, translate(err, "role bindings")
	}
	ids := make([]uuid.UUID, 0, len(bindings))
	for _, b := range bindings {
		ids = append(ids, b.RoleID)
	}
	return ids, nil
}

// RolePermissionNames resolves the permission names granted to a role
// set inside a project, global bindings included.
func (s *Store) RolePermissionNames(ctx context.Context, roles []uuid.UUID, project uuid.UUID) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	var names []string
	err := s.db.WithContext(ctx).Model(&types.PermissionBinding{}).
		Select("permissions.name").
		Joins("JOIN permissions ON permissions.uuid = permission_bindings.permission_id").
		Where("permission_bindings.role_id IN ?", roles).
		Where("permission_bindings.project_id IS NULL OR permission_bindings.project_id = ?", project).
		Scan(&names).Error
	return names, translate(err, "permission bindings")
}

// CreateOrganization inserts an organization
func (s *Store) CreateOrganization(ctx context.Context, o *types.Organization) error {
	if o.UUID == uuid.Nil {
		o.UUID = uuid.New()
	}
	o.CreatedAt = now()
	o.UpdatedAt = o.CreatedAt
	return translate(s.db.WithContext(ctx).Create(o).Error, "organization "+o.Name)
}

// CreateOrganizationMember adds a user to an organization
func (s *Store) CreateOrganizationMember(ctx context.Context, m *types.OrganizationMember) error {
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	m.CreatedAt = now()
	m.UpdatedAt = m.CreatedAt
	return translate(s.db.WithContext(ctx).Create(m).Error, "organization member")
}

// CreateProject inserts a project owned by an organization
func (s *Store) CreateProject(ctx context.Context, p *types.Project) error {
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt

	var count int64
	s.db.WithContext(ctx).Model(&types.Organization{}).
		Where("uuid = ?", p.OrganizationID).Count(&count)
	if count == 0 {
		return errdefs.Validation("organization %s does not exist", p.OrganizationID)
	}
	return translate(s.db.WithContext(ctx).Create(p).Error, "project "+p.Name)
}

// GetProject returns one project
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*types.Project, error) {
	var p types.Project
	err := s.db.WithContext(ctx).First(&p, "uuid = ?", id).Error
	if err != nil {
		return nil, translate(err, "project "+id.String())
	}
	return &p, nil
}

// UpsertAgent registers or refreshes a universal agent
func (s *Store) UpsertAgent(ctx context.Context, a *types.UniversalAgent) error {
	ts := now()
	a.UpdatedAt = ts
	if a.LastHeartbeat.IsZero() {
		a.LastHeartbeat = ts
	}

	var existing types.UniversalAgent
	err := s.db.WithContext(ctx).First(&existing, "uuid = ?", a.UUID).Error
	if err != nil {
		a.CreatedAt = ts
		if createErr := s.db.WithContext(ctx).Create(a).Error; createErr != nil {
			return translate(createErr, "agent "+a.UUID.String())
		}
		return nil
	}
	return errdefs.Conflict("agent %s already registered", a.UUID)
}

// AgentHeartbeat refreshes the heartbeat and capability advertisement
func (s *Store) AgentHeartbeat(ctx context.Context, id uuid.UUID, caps types.StringList) error {
	res := s.db.WithContext(ctx).Model(&types.UniversalAgent{}).
		Where("uuid = ?", id).
		Updates(map[string]any{
			"capabilities":   caps,
			"last_heartbeat": now(),
			"updated_at":     now(),
		})
	if res.Error != nil {
		return translate(res.Error, "agent "+id.String())
	}
	if res.RowsAffected == 0 {
		return errdefs.NotFound("agent %s not registered", id)
	}
	return nil
}

// GetAgent returns one registered agent
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*types.UniversalAgent, error) {
	var a types.UniversalAgent
	err := s.db.WithContext(ctx).First(&a, "uuid = ?", id).Error
	if err != nil {
		return nil, translate(err, "agent "+id.String())
	}
	return &a, nil
}

// ListFreshAgents returns active agents whose heartbeat is within the
// staleness bound
func (s *Store) ListFreshAgents(ctx context.Context, staleBound time.Duration) ([]*types.UniversalAgent, error) {
	var agents []*types.UniversalAgent
	err := s.db.WithContext(ctx).Model(&types.UniversalAgent{}).
		Where("status = ?", types.AgentStatusActive).
		Where("last_heartbeat > ?", now().Add(-staleBound)).
		Order("uuid asc").
		Find(&agents).Error
	return agents, translate(err, "agents")
}

// CountAssignedTargets counts outstanding targets assigned to an agent
func (s *Store) CountAssignedTargets(ctx context.Context, agent uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.Target{}).
		Where("agent_uuid = ?", agent).
		Where("status NOT IN ?", []types.Status{types.StatusActive, types.StatusError}).
		Count(&count).Error
	return count, translate(err, "assigned targets")
}

// AppendEvent writes an outbox event; call it inside the transaction
// that mutates the resource the event describes.
func (s *Store) AppendEvent(ctx context.Context, e *types.OutboxEvent) error {
	if e.UUID == uuid.Nil {
		e.UUID = uuid.New()
	}
	e.Status = types.OutboxPending
	e.NextAttemptAt = now()
	e.CreatedAt = now()
	e.UpdatedAt = e.CreatedAt
	return translate(s.db.WithContext(ctx).Create(e).Error, "outbox event "+e.Kind)
}

// PendingEvents returns due undelivered events, oldest first
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]*types.OutboxEvent, error) {
	var events []*types.OutboxEvent
	err := s.db.WithContext(ctx).Model(&types.OutboxEvent{}).
		Where("status = ?", types.OutboxPending).
		Where("next_attempt_at <= ?", now()).
		Order("id asc").
		Limit(limit).
		Find(&events).Error
	return events, translate(err, "outbox events")
}

// MarkEventDelivered finalizes a delivered event
func (s *Store) MarkEventDelivered(ctx context.Context, id uint) error {
	return translate(s.db.WithContext(ctx).Model(&types.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     types.OutboxDelivered,
			"updated_at": now(),
		}).Error, "outbox event")
}

// MarkEventFailed records a failed delivery attempt; events past the
// attempt bound are dead-lettered.
func (s *Store) MarkEventFailed(ctx context.Context, e *types.OutboxEvent, handlerErr error, nextAttempt time.Time, maxAttempts int) error {
	e.Attempts++
	status := types.OutboxPending
	if e.Attempts >= maxAttempts {
		status = types.OutboxDead
	}
	return translate(s.db.WithContext(ctx).Model(&types.OutboxEvent{}).
		Where("id = ?", e.ID).
		Updates(map[string]any{
			"attempts":        e.Attempts,
			"status":          status,
			"next_attempt_at": nextAttempt,
			"last_error":      handlerErr.Error(),
			"updated_at":      now(),
		}).Error, "outbox event")
}
