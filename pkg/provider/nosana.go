package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/infermesh/infermesh/pkg/models"
)

const (
	nosanaMarketsURL  = "https://dashboard.k8s.prd.nos.ci/api/markets"
	nosanaCacheTTL    = 5 * time.Minute
	nosanaHTTPTimeout = 30 * time.Second
	nosanaLogTimeout  = 10 * time.Second
)

// NosanaAdapter deploys jobs on the Nosana DePIN network via the local
// sidecar. Contract: provider_resource_id is the market slug, the pool's
// provider_pool_id is the market address, and metadata carries the
// docker image plus engine tuning.
type NosanaAdapter struct {
	sidecarURL  string
	internalKey string
	hfToken     string
	http        *http.Client
	logger      *slog.Logger

	mu            sync.Mutex
	cache         []Resource
	lastDiscovery time.Time
}

// NewNosanaAdapter creates the adapter. internalKey is the platform-wide
// key injected into every job for engine auth.
func NewNosanaAdapter(sidecarURL, internalKey, hfToken string, logger *slog.Logger) *NosanaAdapter {
	return &NosanaAdapter{
		sidecarURL:  strings.TrimRight(sidecarURL, "/"),
		internalKey: internalKey,
		hfToken:     hfToken,
		http:        &http.Client{Timeout: nosanaHTTPTimeout},
		logger:      logger,
	}
}

// Capabilities reports the DePIN operational profile.
func (a *NosanaAdapter) Capabilities() Capabilities {
	return Capabilities{
		Type:                  TypeDePIN,
		Pricing:               PricingFixed,
		SupportsLogStreaming:  true,
		SupportsMultiGPU:      false,
		IsEphemeral:           true,
		RequiresReadinessPoll: true,
		ReadinessTimeoutSec:   600,
		PollIntervalSec:       15,
		RequiresSidecar:       true,
	}
}

type nosanaMarket struct {
	Slug             string   `json:"slug"`
	Address          string   `json:"address"`
	GPUTypes         []string `json:"gpu_types"`
	USDRewardPerHour float64  `json:"usd_reward_per_hour"`
	LowestVRAM       int      `json:"lowest_vram"`
}

// DiscoverResources lists the public GPU markets. Results are cached
// for five minutes; the markets API is slow and the list barely moves.
func (a *NosanaAdapter) DiscoverResources(ctx context.Context) ([]Resource, error) {
	a.mu.Lock()
	if a.cache != nil && time.Since(a.lastDiscovery) < nosanaCacheTTL {
		cached := a.cache
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nosanaMarketsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nosana market discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nosana market discovery returned %d", resp.StatusCode)
	}

	var markets []nosanaMarket
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("decoding nosana markets: %w", err)
	}

	resources := make([]Resource, 0, len(markets))
	for _, m := range markets {
		gpuType := "unknown"
		if len(m.GPUTypes) > 0 {
			gpuType = m.GPUTypes[0]
		}
		resources = append(resources, Resource{
			Provider:           "nosana",
			ProviderResourceID: m.Slug,
			GPUType:            gpuType,
			GPUCount:           1,
			GPUMemoryGB:        m.LowestVRAM,
			VCPU:               8,
			RAMGB:              32,
			Region:             "global",
			PricingModel:       PricingFixed,
			PricePerHour:       m.USDRewardPerHour,
			Metadata:           models.JSONMap{"market_address": m.Address},
		})
	}

	a.mu.Lock()
	a.cache = resources
	a.lastDiscovery = time.Now()
	a.mu.Unlock()
	return resources, nil
}

// resolveMarketAddress maps a legacy market slug onto its on-chain
// address. Addresses are base58 and long; anything short or hyphenated
// is a slug.
func (a *NosanaAdapter) resolveMarketAddress(ctx context.Context, poolID string) string {
	if len(poolID) >= 30 && !strings.Contains(poolID, "-") {
		return poolID
	}
	a.logger.Warn("Pool ID looks like a market slug, resolving to address", "pool_id", poolID)
	resources, err := a.DiscoverResources(ctx)
	if err != nil {
		a.logger.Error("Slug resolution failed, proceeding with raw ID", "error", err)
		return poolID
	}
	for _, r := range resources {
		if r.ProviderResourceID == poolID {
			if addr, ok := r.Metadata["market_address"].(string); ok && addr != "" {
				a.logger.Info("Resolved market slug", "slug", poolID, "address", addr)
				return addr
			}
		}
	}
	a.logger.Warn("Could not resolve market slug, proceeding with raw ID", "pool_id", poolID)
	return poolID
}

func metaString(m models.JSONMap, key string) string {
	v, _ := m[key].(string)
	return v
}

func metaInt(m models.JSONMap, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// ProvisionNode posts a job to the sidecar and returns the job address
// as the provider instance ID.
func (a *NosanaAdapter) ProvisionNode(ctx context.Context, req ProvisionRequest) (*NodeSpec, error) {
	meta := req.Metadata
	if meta == nil {
		meta = models.JSONMap{}
	}
	image := metaString(meta, "image")

	gpuAllocated := metaInt(meta, "gpu_allocated", 1)
	vcpuAllocated := metaInt(meta, "vcpu_allocated", 8)
	ramAllocated := metaInt(meta, "ram_gb_allocated", 32)

	modelID := metaString(meta, "model_id")
	if modelID == "" {
		modelID = metaString(meta, "model_name")
	}
	engine := metaString(meta, "engine")
	if engine == "" {
		engine = "vllm"
	}
	hfToken := metaString(meta, "hf_token")
	if hfToken == "" {
		hfToken = a.hfToken
	}

	marketAddress := a.resolveMarketAddress(ctx, req.PoolID)

	var (
		job JobDefinition
		err error
	)
	params := JobParams{
		Engine:               engine,
		ModelID:              modelID,
		Image:                image,
		HFToken:              hfToken,
		APIKey:               a.internalKey,
		GPUUtil:              0.95,
		DType:                metaString(meta, "dtype"),
		EnforceEager:         meta["enforce_eager"] == true,
		MinVRAM:              metaInt(meta, "min_vram", 0),
		MaxModelLen:          metaInt(meta, "max_model_len", 0),
		MaxNumSeqs:           metaInt(meta, "max_num_seqs", 0),
		EnableChunkedPrefill: meta["enable_chunked_prefill"] == true,
		Quantization:         metaString(meta, "quantization"),
	}
	if gu, ok := meta["gpu_util"].(float64); ok && gu > 0 {
		params.GPUUtil = gu
	}

	if metaString(meta, "workload_type") == string(models.WorkloadTraining) {
		if image == "" {
			return nil, fmt.Errorf("nosana training jobs require metadata image")
		}
		params.TrainingScript = metaString(meta, "training_script")
		params.GitRepo = metaString(meta, "git_repo")
		params.DatasetURL = metaString(meta, "dataset_url")
		params.BaseModel = metaString(meta, "base_model")
		params.GPUCount = gpuAllocated
		if params.MinVRAM == 0 {
			params.MinVRAM = 24
		}
		job = BuildTrainingJob(params)
	} else {
		if modelID == "" {
			return nil, fmt.Errorf("nosana provisioning requires metadata model_id")
		}
		job, err = BuildJobDefinition(params)
		if err != nil {
			return nil, err
		}
	}

	payload := map[string]any{
		"jobDefinition": job,
		"marketAddress": marketAddress,
		"resources_allocated": map[string]any{
			"gpu_allocated":    gpuAllocated,
			"vcpu_allocated":   vcpuAllocated,
			"ram_gb_allocated": ramAllocated,
		},
	}

	var result struct {
		JobAddress  string `json:"jobAddress"`
		TxSignature string `json:"txSignature"`
	}
	if err := postJSON(ctx, a.http, a.sidecarURL+"/jobs/launch", payload, &result); err != nil {
		return nil, fmt.Errorf("nosana provision: %w", err)
	}

	hostSuffix := result.JobAddress
	if len(hostSuffix) > 6 {
		hostSuffix = hostSuffix[len(hostSuffix)-6:]
	}
	return &NodeSpec{
		Provider:           "nosana",
		ProviderInstanceID: result.JobAddress,
		Hostname:           "nosana-" + hostSuffix,
		GPUTotal:           gpuAllocated,
		VCPUTotal:          vcpuAllocated,
		RAMGBTotal:         ramAllocated,
		Region:             "global",
		NodeClass:          models.NodeClassFixed,
		Metadata: models.JSONMap{
			"job_address": result.JobAddress,
			"image":       image,
			"tx":          result.TxSignature,
		},
	}, nil
}

// WaitForReady polls the sidecar until the job is running, then returns
// its service URL. Jobs without an explicit service URL are addressed
// through the job gateway.
func (a *NosanaAdapter) WaitForReady(ctx context.Context, providerInstanceID string) (string, error) {
	caps := a.Capabilities()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(caps.ReadinessTimeoutSec)*time.Second)
	defer cancel()
	interval := time.Duration(caps.PollIntervalSec) * time.Second

	for {
		var job struct {
			JobState   any    `json:"jobState"`
			ServiceURL string `json:"serviceUrl"`
		}
		err := getJSON(ctx, a.http, a.sidecarURL+"/jobs/"+providerInstanceID, &job)
		if err != nil {
			a.logger.Debug("Nosana readiness poll failed", "job", providerInstanceID, "error", err)
		} else {
			running := false
			switch s := job.JobState.(type) {
			case float64:
				running = s == 1
			case string:
				running = s == "RUNNING"
			}
			if running {
				if job.ServiceURL != "" {
					return job.ServiceURL, nil
				}
				return "https://" + providerInstanceID + ".node.k8s.prd.nos.ci", nil
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("nosana job %s not ready before timeout: %w", providerInstanceID, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// DeprovisionNode stops the job.
func (a *NosanaAdapter) DeprovisionNode(ctx context.Context, providerInstanceID string) error {
	payload := map[string]any{"jobAddress": providerInstanceID}
	if err := postJSON(ctx, a.http, a.sidecarURL+"/jobs/stop", payload, nil); err != nil {
		return fmt.Errorf("nosana deprovision: %w", err)
	}
	return nil
}

// Logs fetches job logs from the sidecar. Completed jobs carry logs in
// the IPFS result, running jobs in the live buffer.
func (a *NosanaAdapter) Logs(ctx context.Context, providerInstanceID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, nosanaLogTimeout)
	defer cancel()

	var data struct {
		Status string          `json:"status"`
		Logs   []string        `json:"logs"`
		Result json.RawMessage `json:"result"`
	}
	url := a.sidecarURL + "/jobs/" + providerInstanceID + "/logs"
	if err := getJSON(ctx, a.http, url, &data); err != nil {
		return nil, fmt.Errorf("nosana log fetch: %w", err)
	}

	if data.Status == "pending" {
		if len(data.Logs) > 0 {
			return data.Logs, nil
		}
		return []string{"Job is running..."}, nil
	}

	var asList []string
	if json.Unmarshal(data.Result, &asList) == nil {
		return asList, nil
	}
	var asDoc struct {
		Logs   []string `json:"logs"`
		Stdout []string `json:"stdout"`
	}
	if json.Unmarshal(data.Result, &asDoc) == nil {
		if len(asDoc.Logs) > 0 {
			return asDoc.Logs, nil
		}
		if len(asDoc.Stdout) > 0 {
			return asDoc.Stdout, nil
		}
	}
	return []string{string(data.Result)}, nil
}

// LogStreamingInfo returns the sidecar websocket subscription for live
// log tailing.
func (a *NosanaAdapter) LogStreamingInfo(ctx context.Context, providerInstanceID string) (*LogStreamInfo, error) {
	var job struct {
		NodeAddress string `json:"nodeAddress"`
		JobState    any    `json:"jobState"`
	}
	if err := getJSON(ctx, a.http, a.sidecarURL+"/jobs/"+providerInstanceID, &job); err != nil {
		return nil, fmt.Errorf("nosana job lookup: %w", err)
	}

	finished := false
	switch s := job.JobState.(type) {
	case float64:
		finished = s == 2 || s == 3 || s == 4
	case string:
		finished = s == "COMPLETED" || s == "STOPPED"
	}
	if job.NodeAddress == "" && !finished {
		return nil, fmt.Errorf("job %s has no node assigned yet", providerInstanceID)
	}

	wsURL := strings.Replace(a.sidecarURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	nodeAddress := job.NodeAddress
	if nodeAddress == "" {
		nodeAddress = "none"
	}
	return &LogStreamInfo{
		WSURL:    wsURL,
		Provider: "nosana",
		Subscription: models.JSONMap{
			"type":        "subscribe_logs",
			"provider":    "nosana",
			"jobId":       providerInstanceID,
			"nodeAddress": nodeAddress,
		},
	}, nil
}
