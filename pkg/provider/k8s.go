package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/infermesh/infermesh/pkg/models"
)

// K8sAdapter runs workloads on a customer Kubernetes cluster through
// the in-cluster agent. Nodes are the cluster's own GPU machines; the
// agent reports them at discovery and schedules pods on provision.
type K8sAdapter struct {
	agentURL string
	http     *http.Client
	logger   *slog.Logger
}

// NewK8sAdapter creates the adapter.
func NewK8sAdapter(agentURL string, logger *slog.Logger) *K8sAdapter {
	return &K8sAdapter{
		agentURL: strings.TrimRight(agentURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Capabilities reports the on-prem profile: non-ephemeral fixed nodes,
// quick pod scheduling.
func (a *K8sAdapter) Capabilities() Capabilities {
	return Capabilities{
		Type:                  TypeOnPrem,
		Pricing:               PricingFixed,
		SupportsLogStreaming:  true,
		SupportsMultiGPU:      true,
		RequiresReadinessPoll: true,
		ReadinessTimeoutSec:   300,
		PollIntervalSec:       10,
		RequiresSidecar:       true,
	}
}

// DiscoverResources lists the cluster's GPU nodes from the agent.
func (a *K8sAdapter) DiscoverResources(ctx context.Context) ([]Resource, error) {
	var nodes []struct {
		Name        string `json:"name"`
		GPUType     string `json:"gpu_type"`
		GPUCount    int    `json:"gpu_count"`
		GPUMemoryGB int    `json:"gpu_memory_gb"`
		VCPU        int    `json:"vcpu"`
		RAMGB       int    `json:"ram_gb"`
	}
	if err := getJSON(ctx, a.http, a.agentURL+"/nodes", &nodes); err != nil {
		return nil, fmt.Errorf("k8s node discovery: %w", err)
	}

	out := make([]Resource, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Resource{
			Provider:           "k8s",
			ProviderResourceID: n.Name,
			GPUType:            n.GPUType,
			GPUCount:           n.GPUCount,
			GPUMemoryGB:        n.GPUMemoryGB,
			VCPU:               n.VCPU,
			RAMGB:              n.RAMGB,
			Region:             "cluster",
			PricingModel:       PricingFixed,
		})
	}
	return out, nil
}

// ProvisionNode asks the agent to run the workload pod, pinned to the
// requested node when one is named.
func (a *K8sAdapter) ProvisionNode(ctx context.Context, req ProvisionRequest) (*NodeSpec, error) {
	meta := req.Metadata
	if meta == nil {
		meta = models.JSONMap{}
	}
	image := metaString(meta, "image")
	if image == "" {
		return nil, fmt.Errorf("k8s provisioning requires metadata image")
	}

	gpus := metaInt(meta, "gpu_allocated", 1)
	payload := map[string]any{
		"image":     image,
		"node_name": req.ProviderResourceID,
		"gpu_count": gpus,
		"env":       meta["env"],
		"cmd":       meta["cmd"],
		"port":      metaInt(meta, "port", 9000),
	}

	var result struct {
		PodName    string `json:"pod_name"`
		ServiceURL string `json:"service_url"`
		NodeName   string `json:"node_name"`
	}
	if err := postJSON(ctx, a.http, a.agentURL+"/workloads", payload, &result); err != nil {
		return nil, fmt.Errorf("k8s provision: %w", err)
	}

	return &NodeSpec{
		Provider:           "k8s",
		ProviderInstanceID: result.PodName,
		Hostname:           result.NodeName,
		GPUTotal:           gpus,
		VCPUTotal:          metaInt(meta, "vcpu_allocated", 8),
		RAMGBTotal:         metaInt(meta, "ram_gb_allocated", 32),
		Region:             "cluster",
		NodeClass:          models.NodeClassFixed,
		ExposeURL:          result.ServiceURL,
		Metadata:           models.JSONMap{"pod_name": result.PodName, "image": image},
	}, nil
}

// WaitForReady polls the agent until the pod is running.
func (a *K8sAdapter) WaitForReady(ctx context.Context, providerInstanceID string) (string, error) {
	caps := a.Capabilities()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(caps.ReadinessTimeoutSec)*time.Second)
	defer cancel()
	interval := time.Duration(caps.PollIntervalSec) * time.Second

	for {
		var status struct {
			Phase      string `json:"phase"`
			ServiceURL string `json:"service_url"`
		}
		url := a.agentURL + "/workloads/" + providerInstanceID + "/status"
		err := getJSON(ctx, a.http, url, &status)
		if err != nil {
			a.logger.Debug("K8s readiness poll failed", "pod", providerInstanceID, "error", err)
		} else {
			switch status.Phase {
			case "Running":
				return status.ServiceURL, nil
			case "Failed":
				return "", fmt.Errorf("k8s workload %s entered phase Failed", providerInstanceID)
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("k8s workload %s not ready before timeout: %w", providerInstanceID, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// DeprovisionNode deletes the workload pod.
func (a *K8sAdapter) DeprovisionNode(ctx context.Context, providerInstanceID string) error {
	payload := map[string]any{"pod_name": providerInstanceID}
	if err := postJSON(ctx, a.http, a.agentURL+"/workloads/delete", payload, nil); err != nil {
		return fmt.Errorf("k8s deprovision: %w", err)
	}
	return nil
}

// Logs fetches pod logs.
func (a *K8sAdapter) Logs(ctx context.Context, providerInstanceID string) ([]string, error) {
	var data struct {
		Logs []string `json:"logs"`
	}
	url := a.agentURL + "/workloads/" + providerInstanceID + "/logs"
	if err := getJSON(ctx, a.http, url, &data); err != nil {
		return nil, fmt.Errorf("k8s log fetch: %w", err)
	}
	return data.Logs, nil
}

// LogStreamingInfo returns the agent's websocket log tail.
func (a *K8sAdapter) LogStreamingInfo(_ context.Context, providerInstanceID string) (*LogStreamInfo, error) {
	wsURL := strings.Replace(a.agentURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	return &LogStreamInfo{
		WSURL:    wsURL,
		Provider: "k8s",
		Subscription: models.JSONMap{
			"type":     "subscribe_logs",
			"provider": "k8s",
			"podName":  providerInstanceID,
		},
	}, nil
}
