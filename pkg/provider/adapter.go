// Package provider contains the engine adapters. Request adapters shape
// OpenAI-style traffic for each serving engine; control adapters manage
// compute lifecycle on each provider.
package provider

import (
	"context"

	"github.com/infermesh/infermesh/pkg/models"
)

// AdapterType classifies providers by operational model.
type AdapterType string

// Adapter types.
const (
	TypeCloud  AdapterType = "cloud"
	TypeDePIN  AdapterType = "depin"
	TypeOnPrem AdapterType = "on_prem"
)

// PricingModel describes how a provider charges.
type PricingModel string

// Pricing models.
const (
	PricingFixed    PricingModel = "fixed"
	PricingSpot     PricingModel = "spot"
	PricingOnDemand PricingModel = "on_demand"
	PricingAuction  PricingModel = "auction"
)

// Capabilities declares what a control adapter supports so the worker
// can adjust its provisioning strategy without type switches.
type Capabilities struct {
	Type                  AdapterType
	Pricing               PricingModel
	SupportsLogStreaming  bool
	SupportsSpotInstances bool
	SupportsMultiGPU      bool
	IsEphemeral           bool
	RequiresReadinessPoll bool
	ReadinessTimeoutSec   int
	PollIntervalSec       int
	RequiresSidecar       bool
}

// Resource is one normalized provider offering, such as a Nosana market
// or a cloud instance type.
type Resource struct {
	Provider           string         `json:"provider"`
	ProviderResourceID string         `json:"provider_resource_id"`
	GPUType            string         `json:"gpu_type"`
	GPUCount           int            `json:"gpu_count"`
	GPUMemoryGB        int            `json:"gpu_memory_gb"`
	VCPU               int            `json:"vcpu"`
	RAMGB              int            `json:"ram_gb"`
	Region             string         `json:"region"`
	PricingModel       PricingModel   `json:"pricing_model"`
	PricePerHour       float64        `json:"price_per_hour"`
	Metadata           models.JSONMap `json:"metadata,omitempty"`
}

// ProvisionRequest asks a control adapter for one compute node.
// UseSpot is honored only by adapters declaring SupportsSpotInstances.
type ProvisionRequest struct {
	ProviderResourceID string
	PoolID             string
	Region             string
	UseSpot            bool
	Metadata           models.JSONMap
}

// NodeSpec is the inventory-compatible result of a provision call.
type NodeSpec struct {
	Provider           string
	ProviderInstanceID string
	Hostname           string
	GPUTotal           int
	VCPUTotal          int
	RAMGBTotal         int
	Region             string
	NodeClass          models.NodeClass
	ExposeURL          string
	Metadata           models.JSONMap
}

// LogStreamInfo carries websocket connection details for live logs.
type LogStreamInfo struct {
	WSURL        string         `json:"ws_url"`
	Provider     string         `json:"provider"`
	Subscription models.JSONMap `json:"subscription"`
}

// ControlAdapter is the provider lifecycle contract. The orchestration
// layer depends only on this interface.
type ControlAdapter interface {
	Capabilities() Capabilities
	DiscoverResources(ctx context.Context) ([]Resource, error)
	ProvisionNode(ctx context.Context, req ProvisionRequest) (*NodeSpec, error)
	// WaitForReady blocks until the workload is reachable and returns its
	// endpoint URL. Adapters poll on their capability interval and give up
	// after their readiness timeout.
	WaitForReady(ctx context.Context, providerInstanceID string) (string, error)
	DeprovisionNode(ctx context.Context, providerInstanceID string) error
	Logs(ctx context.Context, providerInstanceID string) ([]string, error)
	LogStreamingInfo(ctx context.Context, providerInstanceID string) (*LogStreamInfo, error)
}

// RequestAdapter shapes chat and embedding traffic for one engine.
// TransformRequest and TransformResponse receive the raw JSON document
// so unknown fields pass through untouched.
type RequestAdapter interface {
	ChatPath() string
	EmbeddingsPath() string
	Headers(apiKey string) map[string]string
	TransformRequest(payload map[string]any) map[string]any
	TransformResponse(raw map[string]any) map[string]any
}
