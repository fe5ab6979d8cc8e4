// Package config loads platform settings from the environment with an
// optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds configuration for every gateway process. One struct is
// shared across subcommands; each process reads the sections it needs.
type Settings struct {
	// HTTP listeners
	GatewayPort       string `yaml:"gateway_port"`
	FiltrationPort    string `yaml:"filtration_port"`
	OrchestrationPort string `yaml:"orchestration_port"`

	// Service-to-service auth
	InternalAPIKey string `yaml:"internal_api_key"`

	// Internal service base URLs. Empty means the component is wired
	// in-process (monolith mode).
	FiltrationURL    string `yaml:"filtration_url"`
	OrchestrationURL string `yaml:"orchestration_url"`
	RetrievalURL     string `yaml:"retrieval_url"`

	// Upstream call behavior
	UpstreamTimeout            time.Duration `yaml:"upstream_timeout"`
	UpstreamGlobalMaxInFlight  int64         `yaml:"upstream_global_max_in_flight"`
	UpstreamPerDeploymentMax   int64         `yaml:"upstream_per_deployment_max_in_flight"`
	UpstreamSlotAcquireTimeout time.Duration `yaml:"upstream_slot_acquire_timeout"`

	// Resolved-context cache
	ContextCacheTTL  time.Duration `yaml:"context_cache_ttl"`
	ContextCacheSize int           `yaml:"context_cache_size"`

	// Quota burst cache
	QuotaCacheTTL time.Duration `yaml:"quota_cache_ttl"`

	// Provider-wide credentials and sidecar endpoints
	NosanaInternalAPIKey string `yaml:"nosana_internal_api_key"`
	NosanaSidecarURL     string `yaml:"nosana_sidecar_url"`
	AkashSidecarURL      string `yaml:"akash_sidecar_url"`
	K8sAgentURL          string `yaml:"k8s_agent_url"`
	HFToken              string `yaml:"hf_token"`

	// Redis (rate limiter, event bus). Empty disables Redis-backed paths.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	// Worker
	WorkerCount                      int           `yaml:"worker_count"`
	MaxProvisionRetries              int           `yaml:"max_provision_retries"`
	ProvisionWait                    time.Duration `yaml:"provision_wait"`
	EphemeralFailureThresholdMinutes int           `yaml:"ephemeral_failure_threshold_minutes"`
	GracefulShutdownTimeout          time.Duration `yaml:"graceful_shutdown_timeout"`
}

// Load builds Settings from the environment, then overlays the YAML file
// at path if it exists. Environment wins over defaults; file wins over
// environment, matching how deploy configs pin process settings.
func Load(path string) (*Settings, error) {
	s := &Settings{
		GatewayPort:                      getEnv("GATEWAY_PORT", "8080"),
		FiltrationPort:                   getEnv("FILTRATION_PORT", "8081"),
		OrchestrationPort:                getEnv("ORCHESTRATION_PORT", "8082"),
		InternalAPIKey:                   os.Getenv("INTERNAL_API_KEY"),
		FiltrationURL:                    os.Getenv("FILTRATION_URL"),
		OrchestrationURL:                 os.Getenv("ORCHESTRATION_URL"),
		RetrievalURL:                     os.Getenv("RETRIEVAL_URL"),
		UpstreamTimeout:                  getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second),
		UpstreamGlobalMaxInFlight:        getEnvInt64("UPSTREAM_GLOBAL_MAX_IN_FLIGHT", 0),
		UpstreamPerDeploymentMax:         getEnvInt64("UPSTREAM_PER_DEPLOYMENT_MAX_IN_FLIGHT", 64),
		UpstreamSlotAcquireTimeout:       getEnvDuration("UPSTREAM_SLOT_ACQUIRE_TIMEOUT", time.Second),
		ContextCacheTTL:                  getEnvDuration("CONTEXT_CACHE_TTL", 30*time.Second),
		ContextCacheSize:                 getEnvInt("CONTEXT_CACHE_SIZE", 1000),
		QuotaCacheTTL:                    getEnvDuration("QUOTA_CACHE_TTL", time.Second),
		NosanaInternalAPIKey:             os.Getenv("NOSANA_INTERNAL_API_KEY"),
		NosanaSidecarURL:                 getEnv("NOSANA_SIDECAR_URL", "http://localhost:3000/nosana"),
		AkashSidecarURL:                  os.Getenv("AKASH_SIDECAR_URL"),
		K8sAgentURL:                      os.Getenv("K8S_AGENT_URL"),
		HFToken:                          os.Getenv("HF_TOKEN"),
		RedisAddr:                        os.Getenv("REDIS_ADDR"),
		RedisPassword:                    os.Getenv("REDIS_PASSWORD"),
		WorkerCount:                      getEnvInt("WORKER_COUNT", 4),
		MaxProvisionRetries:              getEnvInt("MAX_PROVISION_RETRIES", 4),
		ProvisionWait:                    getEnvDuration("PROVISION_WAIT", 40*time.Second),
		EphemeralFailureThresholdMinutes: getEnvInt("EPHEMERAL_FAILURE_THRESHOLD_MINUTES", 10),
		GracefulShutdownTimeout:          getEnvDuration("GRACEFUL_SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	return s, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are seconds, matching older deploy configs.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
