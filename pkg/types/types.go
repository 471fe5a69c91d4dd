package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a reconciled resource kind. The set is closed: new
// kinds are added here and in the driver registry.
type Kind string

const (
	KindNode         Kind = "em_core_compute_nodes"
	KindServiceNode  Kind = "em_core_service_nodes"
	KindMachinePool  Kind = "machine_pool"
	KindNodeSet      Kind = "node_set"
	KindNetwork      Kind = "network"
	KindSubnet       Kind = "subnet"
	KindInterface    Kind = "interface"
	KindLoadBalancer Kind = "load_balancer"
	KindVhost        Kind = "vhost"
	KindRoute        Kind = "route"
	KindBackendPool  Kind = "backend_pool"
	KindService      Kind = "service"
	KindPassword     Kind = "password"
	KindCertificate  Kind = "certificate"
)

// AllKinds lists every registered kind
var AllKinds = []Kind{
	KindNode, KindServiceNode, KindMachinePool, KindNodeSet,
	KindNetwork, KindSubnet, KindInterface,
	KindLoadBalancer, KindVhost, KindRoute, KindBackendPool,
	KindService, KindPassword, KindCertificate,
}

// Valid reports whether k is a registered kind
func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Family groups kinds for the orchestrator worker split
type Family string

const (
	FamilyCompute Family = "compute"
	FamilyNetwork Family = "network"
	FamilyLB      Family = "lb"
	FamilyEM      Family = "em"
	FamilySecret  Family = "secret"
)

// Families maps each worker family to the kinds it reconciles
var Families = map[Family][]Kind{
	FamilyCompute: {KindMachinePool, KindNodeSet, KindNode},
	FamilyNetwork: {KindNetwork, KindSubnet, KindInterface},
	FamilyLB:      {KindLoadBalancer, KindVhost, KindRoute, KindBackendPool},
	FamilyEM:      {KindService, KindServiceNode},
	FamilySecret:  {KindPassword, KindCertificate},
}

// Status is the lifecycle state of a resource
type Status string

const (
	StatusNew        Status = "NEW"
	StatusInProgress Status = "IN_PROGRESS"
	StatusActive     Status = "ACTIVE"
	StatusError      Status = "ERROR"
	StatusDeleting   Status = "DELETING"
)

// ServiceProjectID is the project that owns control plane resources
var ServiceProjectID = uuid.MustParse("00000000-0000-0000-0000-000000000000")

// JSONMap stores an arbitrary JSON object in a single column
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// StringList stores a list of strings as a JSON array column
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Target is the desired state of one resource, written by the user API
// and claimed by the orchestrator. Version is bumped on every update.
type Target struct {
	UUID         uuid.UUID  `json:"uuid" gorm:"type:uuid;primaryKey"`
	Kind         Kind       `json:"kind" gorm:"index:idx_targets_kind_status;size:64"`
	ProjectID    uuid.UUID  `json:"project_id" gorm:"type:uuid;index"`
	Name         string     `json:"name" gorm:"size:255"`
	Version      int64      `json:"version"`
	Status       Status     `json:"status" gorm:"index:idx_targets_kind_status;size:32"`
	StatusReason string     `json:"status_reason,omitempty"`
	Spec         JSONMap    `json:"spec" gorm:"type:json"`
	ParentUUID   *uuid.UUID `json:"parent,omitempty" gorm:"type:uuid;index"`
	AgentUUID    *uuid.UUID `json:"agent,omitempty" gorm:"type:uuid;index"`
	Attempts     int        `json:"-"`
	NextRetryAt  *time.Time `json:"-" gorm:"index"`
	LeasedUntil  *time.Time `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Actual is the last observed state of one resource, written by agents
// through the status API. It shares the target's UUID and project.
type Actual struct {
	UUID          uuid.UUID  `json:"uuid" gorm:"type:uuid;primaryKey"`
	Kind          Kind       `json:"kind" gorm:"index;size:64"`
	ProjectID     uuid.UUID  `json:"project_id" gorm:"type:uuid;index"`
	Name          string     `json:"name" gorm:"size:255"`
	Version       int64      `json:"version"`
	Status        Status     `json:"status" gorm:"size:32"`
	Spec          JSONMap    `json:"spec" gorm:"type:json"`
	AgentUUID     *uuid.UUID `json:"agent,omitempty" gorm:"type:uuid;index"`
	TargetVersion int64      `json:"target_version"`
	ObservedAt    time.Time  `json:"observed_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Resource is the JSON envelope spoken on the agent wire (orch and
// status endpoints) and by the user API.
type Resource struct {
	UUID          uuid.UUID  `json:"uuid"`
	Kind          Kind       `json:"kind"`
	ProjectID     uuid.UUID  `json:"project_id"`
	Name          string     `json:"name,omitempty"`
	Version       int64      `json:"version"`
	Status        Status     `json:"status"`
	StatusReason  string     `json:"status_reason,omitempty"`
	Spec          JSONMap    `json:"spec"`
	Parent        *uuid.UUID `json:"parent,omitempty"`
	Agent         *uuid.UUID `json:"agent,omitempty"`
	TargetVersion int64      `json:"target_version,omitempty"`
	ObservedAt    *time.Time `json:"observed_at,omitempty"`
}

// ToResource converts a target row to its wire envelope
func (t *Target) ToResource() *Resource {
	return &Resource{
		UUID:         t.UUID,
		Kind:         t.Kind,
		ProjectID:    t.ProjectID,
		Name:         t.Name,
		Version:      t.Version,
		Status:       t.Status,
		StatusReason: t.StatusReason,
		Spec:         t.Spec,
		Parent:       t.ParentUUID,
		Agent:        t.AgentUUID,
	}
}

// ToResource converts an actual row to its wire envelope
func (a *Actual) ToResource() *Resource {
	observed := a.ObservedAt
	return &Resource{
		UUID:          a.UUID,
		Kind:          a.Kind,
		ProjectID:     a.ProjectID,
		Name:          a.Name,
		Version:       a.Version,
		Status:        a.Status,
		Spec:          a.Spec,
		Agent:         a.AgentUUID,
		TargetVersion: a.TargetVersion,
		ObservedAt:    &observed,
	}
}

// ToActual converts a wire envelope pushed by an agent into an actual row
func (r *Resource) ToActual() *Actual {
	observed := time.Now().UTC()
	if r.ObservedAt != nil {
		observed = *r.ObservedAt
	}
	return &Actual{
		UUID:          r.UUID,
		Kind:          r.Kind,
		ProjectID:     r.ProjectID,
		Name:          r.Name,
		Version:       r.Version,
		Status:        r.Status,
		Spec:          r.Spec,
		AgentUUID:     r.Agent,
		TargetVersion: r.TargetVersion,
		ObservedAt:    observed,
	}
}

// DecodeSpec unmarshals the envelope spec into a typed spec struct
func (r *Resource) DecodeSpec(v any) error {
	data, err := json.Marshal(r.Spec)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// DecodeSpec unmarshals the target spec into a typed spec struct
func (t *Target) DecodeSpec(v any) error {
	data, err := json.Marshal(t.Spec)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// DecodeSpec unmarshals the observed spec into a typed spec struct
func (a *Actual) DecodeSpec(v any) error {
	data, err := json.Marshal(a.Spec)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// EncodeSpec marshals a typed spec struct into an envelope spec map
func EncodeSpec(v any) (JSONMap, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m JSONMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// AgentStatus represents the registration state of a universal agent
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "ACTIVE"
	AgentStatusDisabled AgentStatus = "DISABLED"
)

// UniversalAgent is a registered per-node agent and its advertised
// capability labels (globs allowed, e.g. "em_core_*").
type UniversalAgent struct {
	UUID          uuid.UUID   `json:"uuid" gorm:"type:uuid;primaryKey"`
	Name          string      `json:"name" gorm:"size:255"`
	Capabilities  StringList  `json:"capabilities" gorm:"type:json"`
	Status        AgentStatus `json:"status" gorm:"size:32"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
