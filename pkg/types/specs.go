package types

import (
	"regexp"

	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
)

// NodeSpec describes a compute node realized by a machine pool driver
type NodeSpec struct {
	Cores    int        `json:"cores"`
	RAM      int64      `json:"ram"`
	DiskSize int64      `json:"disk_size"`
	Image    string     `json:"image,omitempty"`
	Pool     *uuid.UUID `json:"pool,omitempty"`
}

func (s *NodeSpec) Validate() error {
	if s.Cores <= 0 {
		return errdefs.Validation("node cores must be positive, got %d", s.Cores)
	}
	if s.RAM <= 0 {
		return errdefs.Validation("node ram must be positive, got %d", s.RAM)
	}
	return nil
}

// MachinePoolDriverKind selects the pool backend. Immutable after creation.
type MachinePoolDriverKind string

const (
	MachinePoolDriverDummy   MachinePoolDriverKind = "dummy"
	MachinePoolDriverLibvirt MachinePoolDriverKind = "libvirt"
)

// MachinePoolSpec describes an allocatable machine group
type MachinePoolSpec struct {
	Driver   MachinePoolDriverKind `json:"driver"`
	AllCores int                   `json:"all_cores,omitempty"`
	AllRAM   int64                 `json:"all_ram,omitempty"`
}

func (s *MachinePoolSpec) Validate() error {
	switch s.Driver {
	case MachinePoolDriverDummy, MachinePoolDriverLibvirt:
		return nil
	default:
		return errdefs.Validation("unknown machine pool driver %q", s.Driver)
	}
}

// NodeSetSpec is a named group of nodes used as a service target
type NodeSetSpec struct {
	Nodes []uuid.UUID `json:"nodes"`
}

// NetworkSpec is a flat L2 network
type NetworkSpec struct {
	Driver string `json:"driver,omitempty"`
}

// SubnetSpec carves a CIDR out of a network. CIDR is immutable.
type SubnetSpec struct {
	Network uuid.UUID `json:"network"`
	CIDR    string    `json:"cidr"`
}

// InterfaceSpec attaches a node to a subnet with an exclusive lease
type InterfaceSpec struct {
	Node   uuid.UUID `json:"node"`
	Subnet uuid.UUID `json:"subnet"`
	IP     string    `json:"ip,omitempty"`
	MAC    string    `json:"mac,omitempty"`
}

// ServiceType determines fan-out semantics
type ServiceType string

const (
	ServiceTypeSimple          ServiceType = "simple"
	ServiceTypeOneshot         ServiceType = "oneshot"
	ServiceTypeMonopoly        ServiceType = "monopoly"
	ServiceTypeMonopolyOneshot ServiceType = "monopoly_oneshot"
)

// Monopoly reports whether the type allows at most one replica globally
func (t ServiceType) Monopoly() bool {
	return t == ServiceTypeMonopoly || t == ServiceTypeMonopolyOneshot
}

// Oneshot reports whether replicas terminate after first success
func (t ServiceType) Oneshot() bool {
	return t == ServiceTypeOneshot || t == ServiceTypeMonopolyOneshot
}

// HookKind tags a before/after hook entry
type HookKind string

const (
	HookShell   HookKind = "shell"
	HookService HookKind = "service"
)

// Hook is one before/after entry of a service declaration
type Hook struct {
	Kind    HookKind `json:"kind"`
	Command string   `json:"cmd,omitempty"`
	Service string   `json:"service,omitempty"`
}

// ServiceTarget is the deployment target: one node or a node set
type ServiceTarget struct {
	Node    *uuid.UUID `json:"node,omitempty"`
	NodeSet *uuid.UUID `json:"node_set,omitempty"`
}

// ServiceSpec is a systemd service declaration
type ServiceSpec struct {
	Type   ServiceType   `json:"type"`
	Target ServiceTarget `json:"target"`
	Exec   string        `json:"exec"`
	User   string        `json:"user,omitempty"`
	Group  string        `json:"group,omitempty"`
	Before []Hook        `json:"before,omitempty"`
	After  []Hook        `json:"after,omitempty"`
}

func (s *ServiceSpec) Validate() error {
	switch s.Type {
	case ServiceTypeSimple, ServiceTypeOneshot, ServiceTypeMonopoly, ServiceTypeMonopolyOneshot:
	default:
		return errdefs.Validation("unknown service type %q", s.Type)
	}
	if s.Exec == "" {
		return errdefs.Validation("service exec path is required")
	}
	if (s.Target.Node == nil) == (s.Target.NodeSet == nil) {
		return errdefs.Validation("service target must be exactly one of node or node_set")
	}
	for _, h := range append(append([]Hook{}, s.Before...), s.After...) {
		switch h.Kind {
		case HookShell:
			if h.Command == "" {
				return errdefs.Validation("shell hook requires cmd")
			}
		case HookService:
			// Service ordering semantics are not pinned down yet.
			return errdefs.Validation("service dependency hooks are not supported")
		default:
			return errdefs.Validation("unknown hook kind %q", h.Kind)
		}
	}
	return nil
}

// ServiceNodeSpec is the projection of a service onto one node,
// produced by the orchestrator and consumed by agents.
type ServiceNodeSpec struct {
	Service uuid.UUID   `json:"service"`
	Node    uuid.UUID   `json:"node"`
	Type    ServiceType `json:"type"`
	Exec    string      `json:"exec"`
	User    string      `json:"user,omitempty"`
	Group   string      `json:"group,omitempty"`
	Before  []Hook      `json:"before,omitempty"`
	After   []Hook      `json:"after,omitempty"`
}

// LBProtocol is the vhost protocol
type LBProtocol string

const (
	LBProtocolHTTP  LBProtocol = "http"
	LBProtocolHTTPS LBProtocol = "https"
	LBProtocolTCP   LBProtocol = "tcp"
	LBProtocolUDP   LBProtocol = "udp"
)

// LoadBalancerSpec is the root of the LB containment tree
type LoadBalancerSpec struct {
	Address string `json:"address,omitempty"`
}

// VhostSpec is a listener on a load balancer. (protocol, port) is
// unique per load balancer.
type VhostSpec struct {
	Protocol LBProtocol `json:"protocol"`
	Port     int        `json:"port"`
	Domain   string     `json:"domain,omitempty"`
}

func (s *VhostSpec) Validate() error {
	switch s.Protocol {
	case LBProtocolHTTP, LBProtocolHTTPS, LBProtocolTCP, LBProtocolUDP:
	default:
		return errdefs.Validation("unknown vhost protocol %q", s.Protocol)
	}
	if s.Port < 1 || s.Port > 65535 {
		return errdefs.Validation("vhost port %d out of range", s.Port)
	}
	return nil
}

// RouteConditionKind tags a route match condition
type RouteConditionKind string

const (
	RouteCondPrefix RouteConditionKind = "prefix"
	RouteCondExact  RouteConditionKind = "exact"
	RouteCondRegex  RouteConditionKind = "regex"
	RouteCondRaw    RouteConditionKind = "raw"
)

// RouteCondition is a tagged route match condition
type RouteCondition struct {
	Kind  RouteConditionKind `json:"kind"`
	Value string             `json:"value,omitempty"`
}

// RouteSpec matches requests on a vhost and sends them to a pool
type RouteSpec struct {
	Condition RouteCondition `json:"condition"`
}

// Validate checks the condition against the parent vhost protocol.
// Raw conditions are only legal on tcp and udp vhosts.
func (s *RouteSpec) Validate(protocol LBProtocol) error {
	switch s.Condition.Kind {
	case RouteCondPrefix, RouteCondExact, RouteCondRegex:
		if s.Condition.Value == "" {
			return errdefs.Validation("route condition %q requires a value", s.Condition.Kind)
		}
	case RouteCondRaw:
		if protocol != LBProtocolTCP && protocol != LBProtocolUDP {
			return errdefs.Validation("raw route condition requires tcp or udp vhost, got %q", protocol)
		}
	default:
		return errdefs.Validation("unknown route condition %q", s.Condition.Kind)
	}
	return nil
}

// BackendMember is one upstream of a backend pool
type BackendMember struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Weight  int    `json:"weight,omitempty"`
}

// BackendPoolSpec is the leaf of the LB tree
type BackendPoolSpec struct {
	Members []BackendMember `json:"members"`
}

// PasswordSpec drives the password capability driver. Value is filled
// in the actual by the driver and never stored on the target.
type PasswordSpec struct {
	Length int    `json:"length,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CertificateSpec drives the certificate capability driver
type CertificateSpec struct {
	CommonName string   `json:"common_name"`
	DNSNames   []string `json:"dns_names,omitempty"`
	Days       int      `json:"days,omitempty"`
	CertPEM    string   `json:"cert_pem,omitempty"`
	KeyPEM     string   `json:"key_pem,omitempty"`
}

func (s *CertificateSpec) Validate() error {
	if s.CommonName == "" {
		return errdefs.Validation("certificate common_name is required")
	}
	return nil
}

var permissionRe = regexp.MustCompile(`^[a-z_]+(\.[a-z_*]+){2}$`)

// WildcardPermission grants everything; reserved for bootstrap admin
const WildcardPermission = "*.*.*"

// ValidPermissionName reports whether name is a dotted triple
// service.resource.action. Wildcard segments are allowed except in
// the service position; the full wildcard is reserved for bootstrap.
func ValidPermissionName(name string) bool {
	return name == WildcardPermission || permissionRe.MatchString(name)
}
