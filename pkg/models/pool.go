package models

import "time"

// ComputePool is a named grouping of provider capacity.
type ComputePool struct {
	ID                     string     `db:"id" json:"id"`
	OrgID                  string     `db:"org_id" json:"org_id"`
	UserID                 string     `db:"user_id" json:"user_id"`
	Name                   string     `db:"name" json:"name"`
	Provider               string     `db:"provider" json:"provider"`
	AllowedGPUTypes        StringList `db:"allowed_gpu_types" json:"allowed_gpu_types"`
	MaxCostPerHour         float64    `db:"max_cost_per_hour" json:"max_cost_per_hour"`
	ProviderPoolID         string     `db:"provider_pool_id" json:"provider_pool_id"`
	ProviderCredentialName string     `db:"provider_credential_name" json:"provider_credential_name,omitempty"`
	SchedulingPolicy       string     `db:"scheduling_policy" json:"scheduling_policy,omitempty"`
	IsActive               bool       `db:"is_active" json:"is_active"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
}

// NodeState is the lifecycle state of an inventory node.
type NodeState string

// Inventory node states.
const (
	NodeOrdered      NodeState = "ordered"
	NodeProvisioning NodeState = "provisioning"
	NodeReady        NodeState = "ready"
	NodeBusy         NodeState = "busy"
	NodeUnhealthy    NodeState = "unhealthy"
	NodeTerminated   NodeState = "terminated"
	NodeOffline      NodeState = "offline"
)

// NodeClass classifies how a node was acquired.
type NodeClass string

// Node classes.
const (
	NodeClassFixed    NodeClass = "fixed"
	NodeClassDynamic  NodeClass = "dynamic"
	NodeClassOnDemand NodeClass = "on_demand"
)

// ComputeNode is one physical allocation in the inventory.
type ComputeNode struct {
	ID                 string     `db:"id" json:"id"`
	PoolID             string     `db:"pool_id" json:"pool_id"`
	Provider           string     `db:"provider" json:"provider"`
	ProviderInstanceID string     `db:"provider_instance_id" json:"provider_instance_id"`
	Hostname           string     `db:"hostname" json:"hostname"`
	GPUTotal           int        `db:"gpu_total" json:"gpu_total"`
	GPUAllocated       int        `db:"gpu_allocated" json:"gpu_allocated"`
	VCPUTotal          int        `db:"vcpu_total" json:"vcpu_total"`
	VCPUAllocated      int        `db:"vcpu_allocated" json:"vcpu_allocated"`
	RAMGBTotal         int        `db:"ram_gb_total" json:"ram_gb_total"`
	RAMGBAllocated     int        `db:"ram_gb_allocated" json:"ram_gb_allocated"`
	State              NodeState  `db:"state" json:"state"`
	NodeClass          NodeClass  `db:"node_class" json:"node_class"`
	ExposeURL          string     `db:"expose_url" json:"expose_url,omitempty"`
	HealthScore        int        `db:"health_score" json:"health_score"`
	LastHeartbeat      *time.Time `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	Metadata           JSONMap    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// Heartbeat is the payload running nodes report back to the control plane.
// Upserts are keyed by (provider, provider_instance_id).
type Heartbeat struct {
	Provider           string `json:"provider" validate:"required"`
	ProviderInstanceID string `json:"provider_instance_id" validate:"required"`
	GPUAllocated       int    `json:"gpu_allocated"`
	VCPUAllocated      int    `json:"vcpu_allocated"`
	RAMGBAllocated     int    `json:"ram_gb_allocated"`
	HealthScore        int    `json:"health_score"`
	State              string `json:"state"`
	ExposeURL          string `json:"expose_url,omitempty"`
}
