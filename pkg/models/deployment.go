package models

import "time"

// DeploymentState is the lifecycle state of a deployment.
type DeploymentState string

// Deployment lifecycle states. Transitions are serialized with
// compare-and-set updates; see the deployment worker.
const (
	StatePending      DeploymentState = "PENDING"
	StateProvisioning DeploymentState = "PROVISIONING"
	StateScheduling   DeploymentState = "SCHEDULING"
	StateDeploying    DeploymentState = "DEPLOYING"
	StateRunning      DeploymentState = "RUNNING"
	StateTerminating  DeploymentState = "TERMINATING"
	StateStopped      DeploymentState = "STOPPED"
	StateTerminated   DeploymentState = "TERMINATED"
	StateFailed       DeploymentState = "FAILED"
)

// Terminal reports whether the state is an end state of the FSM.
func (s DeploymentState) Terminal() bool {
	switch s {
	case StateStopped, StateTerminated, StateFailed:
		return true
	}
	return false
}

// Engine discriminates the provider adapter used for a deployment.
type Engine string

// Supported engines.
const (
	EngineOpenAI   Engine = "openai"
	EngineVLLM     Engine = "vllm"
	EngineVLLMOmni Engine = "vllm-omni"
	EngineOllama   Engine = "ollama"
	EngineTriton   Engine = "triton"
	EngineInfinity Engine = "infinity"
	EngineTEI      Engine = "tei"
	EngineNosana   Engine = "nosana"
	EngineAkash    Engine = "akash"
	EngineK8s      Engine = "k8s"
)

// WorkloadType classifies what a deployment runs.
type WorkloadType string

// Workload types. External deployments have no compute lifecycle and
// jump straight to RUNNING.
const (
	WorkloadInference WorkloadType = "inference"
	WorkloadEmbedding WorkloadType = "embedding"
	WorkloadTraining  WorkloadType = "training"
	WorkloadExternal  WorkloadType = "external"
)

// Deployment is a model endpoint a caller may address by model name.
type Deployment struct {
	ID             string          `db:"id" json:"id"`
	OrgID          string          `db:"org_id" json:"org_id"`
	OwnerID        string          `db:"owner_id" json:"owner_id"`
	ModelName      string          `db:"model_name" json:"model_name"`
	InferenceModel string          `db:"inference_model" json:"inference_model,omitempty"`
	Engine         Engine          `db:"engine" json:"engine"`
	Endpoint       string          `db:"endpoint" json:"endpoint,omitempty"`
	Configuration  JSONMap         `db:"configuration" json:"configuration,omitempty"`
	State          DeploymentState `db:"state" json:"state"`
	PoolID         string          `db:"pool_id" json:"pool_id"`
	Replicas       int             `db:"replicas" json:"replicas"`
	GPUPerReplica  int             `db:"gpu_per_replica" json:"gpu_per_replica"`
	ModelType      string          `db:"model_type" json:"model_type"`
	Policies       JSONMap         `db:"policies" json:"policies,omitempty"`
	NodeIDs        StringList      `db:"node_ids" json:"node_ids"`
	AllocationIDs  StringList      `db:"allocation_ids" json:"allocation_ids"`
	Runtime        string          `db:"runtime" json:"runtime,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// WorkloadType resolves the workload type from the persisted configuration,
// defaulting to inference for rows written before the field existed.
func (d *Deployment) WorkloadType() WorkloadType {
	if d.Configuration != nil {
		if wt, ok := d.Configuration["workload_type"].(string); ok && wt != "" {
			return WorkloadType(wt)
		}
	}
	return WorkloadInference
}

// UpstreamModel resolves the model name to send upstream.
// Priority: inference_model > configuration.model > model_name.
func (d *Deployment) UpstreamModel() string {
	if d.InferenceModel != "" {
		return d.InferenceModel
	}
	if d.Configuration != nil {
		if m, ok := d.Configuration["model"].(string); ok && m != "" {
			return m
		}
	}
	return d.ModelName
}

// CredentialAPIKey extracts the upstream API key from the deployment
// configuration, checking the aliases the dashboard has written over time.
func (d *Deployment) CredentialAPIKey() string {
	if d.Configuration == nil {
		return ""
	}
	for _, k := range []string{"api_key", "key", "token"} {
		if v, ok := d.Configuration[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
