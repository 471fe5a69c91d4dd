package types

import (
	"time"

	"github.com/google/uuid"
)

// User is an IAM subject
type User struct {
	UUID             uuid.UUID `json:"uuid" gorm:"type:uuid;primaryKey"`
	Username         string    `json:"username" gorm:"uniqueIndex;size:128"`
	Email            string    `json:"email" gorm:"size:255"`
	FirstName        string    `json:"first_name,omitempty" gorm:"size:128"`
	LastName         string    `json:"last_name,omitempty" gorm:"size:128"`
	SecretHash       string    `json:"-" gorm:"size:255"`
	ConfirmationCode uuid.UUID `json:"-" gorm:"type:uuid"`
	Confirmed        bool      `json:"confirmed"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Organization groups projects and members
type Organization struct {
	UUID      uuid.UUID `json:"uuid" gorm:"type:uuid;primaryKey"`
	Name      string    `json:"name" gorm:"size:255"`
	Info      string    `json:"info,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrgRole is the membership role inside an organization
type OrgRole string

const (
	OrgRoleOwner  OrgRole = "OWNER"
	OrgRoleMember OrgRole = "MEMBER"
)

// OrganizationMember links a user to an organization
type OrganizationMember struct {
	UUID           uuid.UUID `json:"uuid" gorm:"type:uuid;primaryKey"`
	OrganizationID uuid.UUID `json:"organization" gorm:"type:uuid;index"`
	UserID         uuid.UUID `json:"user" gorm:"type:uuid;index"`
	Role           OrgRole   `json:"role" gorm:"size:32"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Project scopes resources and permission grants
type Project struct {
	UUID           uuid.UUID `json:"uuid" gorm:"type:uuid;primaryKey"`
	Name           string    `json:"name" gorm:"size:255"`
	OrganizationID uuid.UUID `json:"organization" gorm:"type:uuid;index"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Permission is a dotted triple service.resource.action
type Permission struct {
	UUID        uuid.UUID `json:"uuid" gorm:"type:uuid;primaryKey"`
	Name        string    `json:"name" gorm:"uniqueIndex;size:255"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is a named permission set
type Role struct {
	UUID        uuid.UUID `json:"uuid" gorm:"type:uuid;primaryKey"`
	Name        string    `json:"name" gorm:"uniqueIndex;size:128"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PermissionBinding grants a permission to a role, optionally scoped
// to one project. A nil project means global.
type PermissionBinding struct {
	UUID         uuid.UUID  `json:"uuid" gorm:"type:uuid;primaryKey"`
	RoleID       uuid.UUID  `json:"role" gorm:"type:uuid;index"`
	PermissionID uuid.UUID  `json:"permission" gorm:"type:uuid;index"`
	ProjectID    *uuid.UUID `json:"project,omitempty" gorm:"type:uuid;index"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RoleBinding grants a role to a user, optionally scoped to a project
type RoleBinding struct {
	UUID      uuid.UUID  `json:"uuid" gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID  `json:"user" gorm:"type:uuid;index"`
	RoleID    uuid.UUID  `json:"role" gorm:"type:uuid;index"`
	ProjectID *uuid.UUID `json:"project,omitempty" gorm:"type:uuid;index"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IamClient is an OIDC client registration
type IamClient struct {
	UUID        uuid.UUID `json:"uuid" gorm:"type:uuid;primaryKey"`
	Name        string    `json:"name" gorm:"size:255"`
	ClientID    string    `json:"client_id" gorm:"uniqueIndex;size:255"`
	SecretHash  string    `json:"-" gorm:"size:255"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OutboxStatus is the delivery state of an outbox event
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxDelivered OutboxStatus = "DELIVERED"
	OutboxDead      OutboxStatus = "DEAD"
)

// OutboxEvent is a durable domain event committed together with the
// transaction that produced it and drained by the dispatcher.
type OutboxEvent struct {
	ID            uint         `json:"-" gorm:"primaryKey;autoIncrement"`
	UUID          uuid.UUID    `json:"uuid" gorm:"type:uuid;uniqueIndex"`
	Kind          string       `json:"kind" gorm:"index:idx_outbox_kind_status;size:128"`
	PayloadVer    int          `json:"payload_version"`
	Payload       JSONMap      `json:"payload" gorm:"type:json"`
	Status        OutboxStatus `json:"status" gorm:"index:idx_outbox_kind_status;size:32"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at" gorm:"index"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
