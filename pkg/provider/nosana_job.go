package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// JobParams collects the engine-specific knobs for a Nosana job. Zero
// values fall back to the defaults the dashboards have converged on.
type JobParams struct {
	Engine  string
	ModelID string
	Image   string
	HFToken string
	APIKey  string

	GPUUtil              float64
	DType                string
	EnforceEager         bool
	MinVRAM              int
	MaxModelLen          int
	MaxNumSeqs           int
	EnableChunkedPrefill bool
	Quantization         string

	// Training only
	TrainingScript string
	GitRepo        string
	DatasetURL     string
	BaseModel      string
	GPUCount       int
}

var requiredCUDA = []string{"12.6", "12.8", "12.9"}

// JobDefinition is the Nosana container job document posted to the
// sidecar. Built as nested maps to stay byte-compatible with the
// dashboard-authored jobs already on the network.
type JobDefinition map[string]any

func jobEnvelope(op map[string]any, meta map[string]any) JobDefinition {
	return JobDefinition{
		"version": "0.1",
		"type":    "container",
		"meta":    meta,
		"ops":     []any{op},
	}
}

func gpuMeta(minVRAM int) map[string]any {
	return map[string]any{
		"trigger": "dashboard",
		"system_requirements": map[string]any{
			"required_cuda": requiredCUDA,
			"required_vram": minVRAM,
		},
	}
}

func cpuMeta() map[string]any {
	return map[string]any{
		"trigger": "dashboard",
		"system_requirements": map[string]any{
			"required_cpu": 2,
			"required_ram": 4096,
		},
	}
}

// BuildJobDefinition builds the job document for an engine.
func BuildJobDefinition(p JobParams) (JobDefinition, error) {
	switch p.Engine {
	case "vllm":
		return buildVLLMJob(p), nil
	case "vllm-omni":
		return buildVLLMOmniJob(p), nil
	case "ollama":
		return buildOllamaJob(p), nil
	case "triton":
		return buildTritonJob(p), nil
	case "infinity":
		return buildInfinityJob(p), nil
	case "tei":
		return buildTEIJob(p), nil
	default:
		return nil, fmt.Errorf("unsupported engine for nosana jobs: %s", p.Engine)
	}
}

// healthCheckBody is a minimal valid chat request; the serving engine
// answering it proves the model is loaded, not just the HTTP listener.
func healthCheckBody(modelID string) string {
	body, _ := json.Marshal(map[string]any{
		"model": modelID,
		"messages": []map[string]string{
			{"role": "user", "content": "Respond with a single word: Ready"},
		},
		"stream": false,
	})
	return string(body)
}

func healthHeaders(apiKey string) map[string]any {
	h := map[string]any{"Content-Type": "application/json"}
	if apiKey != "" {
		h["Authorization"] = "Bearer " + apiKey
	}
	return h
}

func hfEnv(token string) map[string]any {
	env := map[string]any{}
	if token != "" {
		env["HF_TOKEN"] = token
	}
	return env
}

func buildVLLMJob(p JobParams) JobDefinition {
	gpuUtil := p.GPUUtil
	if gpuUtil == 0 {
		gpuUtil = 0.95
	}
	dtype := p.DType
	if dtype == "" {
		dtype = "auto"
	}
	maxModelLen := p.MaxModelLen
	if maxModelLen == 0 {
		maxModelLen = 8192
	}
	maxNumSeqs := p.MaxNumSeqs
	if maxNumSeqs == 0 {
		maxNumSeqs = 256
	}
	minVRAM := p.MinVRAM
	if minVRAM == 0 {
		minVRAM = 6
	}
	image := p.Image
	if image == "" {
		image = "docker.io/vllm/vllm-openai:v0.14.0"
	}

	cmd := []any{
		"--model", p.ModelID,
		"--served-model-name", p.ModelID,
		"--port", "9000",
		"--max-model-len", strconv.Itoa(maxModelLen),
		"--gpu-memory-utilization", strconv.FormatFloat(gpuUtil, 'g', -1, 64),
		"--max-num-seqs", strconv.Itoa(maxNumSeqs),
		"--dtype", dtype,
		"--trust-remote-code",
	}
	if p.Quantization != "" {
		cmd = append(cmd, "--quantization", p.Quantization)
	}
	if p.APIKey != "" {
		cmd = append(cmd, "--api-key", p.APIKey)
	}
	if p.EnforceEager {
		cmd = append(cmd, "--enforce-eager")
	}
	if p.EnableChunkedPrefill {
		cmd = append(cmd, "--enable-chunked-prefill")
	}

	op := map[string]any{
		"id":   p.ModelID,
		"type": "container/run",
		"args": map[string]any{
			"cmd":   cmd,
			"env":   hfEnv(p.HFToken),
			"gpu":   true,
			"image": image,
			"expose": []any{
				map[string]any{
					"port": 9000,
					"health_checks": []any{
						map[string]any{
							"body":            healthCheckBody(p.ModelID),
							"path":            "/v1/chat/completions",
							"type":            "http",
							"method":          "POST",
							"headers":         healthHeaders(p.APIKey),
							"continuous":      false,
							"expected_status": 200,
						},
					},
				},
			},
		},
	}
	return jobEnvelope(op, gpuMeta(minVRAM))
}

func buildVLLMOmniJob(p JobParams) JobDefinition {
	image := p.Image
	if image == "" {
		image = "docker.io/vllm/vllm-omni:v0.11.0rc1"
	}
	minVRAM := p.MinVRAM
	if minVRAM == 0 {
		minVRAM = 16
	}

	cmd := []any{
		p.ModelID,
		"--served-model-name", p.ModelID,
		"--host", "0.0.0.0",
		"--port", "9000",
		"--omni",
		"--trust-remote-code",
	}
	if p.APIKey != "" {
		cmd = append(cmd, "--api-key", p.APIKey)
	}

	op := map[string]any{
		"id":   "vllm-omni-" + strings.ReplaceAll(p.ModelID, "/", "-"),
		"type": "container/run",
		"args": map[string]any{
			"cmd":    cmd,
			"env":    hfEnv(p.HFToken),
			"gpu":    true,
			"image":  image,
			"expose": 9000,
		},
	}
	return jobEnvelope(op, gpuMeta(minVRAM))
}

// caddyAuthScript wraps an unauthenticated server with a Caddy reverse
// proxy that enforces a bearer token, used for engines with no native
// api-key support.
func caddyAuthScript(upstreamPort int, startAndWait string) string {
	caddyfile := `printf ":8080 {\n  @auth {\n    not header Authorization \"Bearer %s\"\n  }\n  respond @auth \"Unauthorized\" 401\n  reverse_proxy localhost:` +
		strconv.Itoa(upstreamPort) + ` {\n    flush_interval -1\n  }\n}" "$MY_API_KEY" > Caddyfile`
	return "apt-get update && apt-get install -y debian-keyring debian-archive-keyring apt-transport-https curl && " +
		"curl -1sLf 'https://dl.cloudsmith.io/public/caddy/stable/gpg.key' | gpg --dearmor -o /usr/share/keyrings/caddy-stable-archive-keyring.gpg && " +
		"curl -1sLf 'https://dl.cloudsmith.io/public/caddy/stable/debian.deb.txt' | tee /etc/apt/sources.list.d/caddy-stable.list && " +
		"apt-get update && apt-get install -y caddy && " +
		caddyfile + " && " +
		startAndWait + " && " +
		"caddy run --config Caddyfile"
}

func buildOllamaJob(p JobParams) JobDefinition {
	image := p.Image
	if image == "" || !strings.Contains(image, "ollama") {
		image = "docker.io/ollama/ollama:latest"
	}
	minVRAM := p.MinVRAM
	if minVRAM == 0 {
		minVRAM = 4
	}

	var cmd []any
	var expose any
	env := map[string]any{}

	if p.APIKey != "" {
		env["MY_API_KEY"] = p.APIKey
		expose = 8080
		startAndWait := "ollama serve & echo 'Waiting for Ollama...' && " +
			"while ! curl -s http://localhost:11434 > /dev/null; do sleep 2; done && " +
			"echo 'Ollama is ready!' && ollama pull " + p.ModelID
		cmd = []any{"-c", caddyAuthScript(11434, startAndWait)}
	} else {
		expose = 11434
		cmd = []any{"-c", "ollama serve & sleep 5 && ollama pull " + p.ModelID + " && tail -f /dev/null"}
	}

	op := map[string]any{
		"type": "container/run",
		"id":   "ollama-service",
		"args": map[string]any{
			"image":      image,
			"entrypoint": []any{"/bin/sh"},
			"cmd":        cmd,
			"env":        env,
			"gpu":        true,
			"expose":     expose,
		},
	}
	return jobEnvelope(op, gpuMeta(minVRAM))
}

func buildTritonJob(p JobParams) JobDefinition {
	image := p.Image
	if image == "" {
		image = "nvcr.io/nvidia/tritonserver:23.10-py3"
	}
	minVRAM := p.MinVRAM
	if minVRAM == 0 {
		minVRAM = 8
	}

	tritonCmd := "tritonserver --model-repository=" + p.ModelID +
		" --disable-auto-complete --http-port=8000 --grpc-port=8001 --metrics-port=8002"

	var cmd []any
	var expose any
	env := map[string]any{}

	if p.APIKey != "" {
		env["MY_API_KEY"] = p.APIKey
		expose = 8080
		startAndWait := tritonCmd + " & echo 'Waiting for Triton...' && " +
			"while ! curl -s http://localhost:8000/v2/health/ready > /dev/null; do sleep 2; done && " +
			"echo 'Triton is ready!'"
		cmd = []any{"-c", caddyAuthScript(8000, startAndWait)}
	} else {
		expose = 8000
		cmd = []any{"-c", tritonCmd}
	}

	op := map[string]any{
		"type": "container/run",
		"id":   "triton-service",
		"args": map[string]any{
			"image":      image,
			"entrypoint": []any{"/bin/sh"},
			"cmd":        cmd,
			"env":        env,
			"gpu":        true,
			"expose":     expose,
		},
	}
	return jobEnvelope(op, gpuMeta(minVRAM))
}

func buildInfinityJob(p JobParams) JobDefinition {
	image := p.Image
	if image == "" {
		image = "michaelf34/infinity:latest"
	}

	env := map[string]any{
		"INFINITY_MODEL_ID": p.ModelID,
		"INFINITY_PORT":     "7997",
	}
	if p.HFToken != "" {
		env["HF_TOKEN"] = p.HFToken
	}

	cmdStr := "infinity_emb v2 --model-id " + p.ModelID + " --port 7997 --batch-size 32"
	if p.APIKey != "" {
		cmdStr += " --api-key " + p.APIKey
	}
	cmdStr += " && tail -f /dev/null"

	op := map[string]any{
		"type": "container/run",
		"id":   "infinity-service",
		"args": map[string]any{
			"image":      image,
			"entrypoint": []any{"/bin/sh"},
			"cmd":        []any{"-c", cmdStr},
			"env":        env,
			"gpu":        false,
			"expose":     7997,
		},
	}
	return jobEnvelope(op, cpuMeta())
}

func buildTEIJob(p JobParams) JobDefinition {
	image := p.Image
	if image == "" {
		image = "ghcr.io/huggingface/text-embeddings-inference:latest"
	}

	env := map[string]any{}
	if p.HFToken != "" {
		env["HF_TOKEN"] = p.HFToken
	}

	cmd := []any{
		"--model-id", p.ModelID,
		"--port", "8080",
		"--max-batch-tokens", "16384",
		"--pooling", "cls",
	}
	if p.APIKey != "" {
		env["API_KEY"] = p.APIKey
		cmd = append(cmd, "--api-key", p.APIKey)
	}

	op := map[string]any{
		"type": "container/run",
		"id":   "tei-service",
		"args": map[string]any{
			"image":  image,
			"cmd":    cmd,
			"env":    env,
			"gpu":    false,
			"expose": 8080,
		},
	}
	return jobEnvelope(op, cpuMeta())
}

// BuildTrainingJob builds a one-shot training container. The command
// chain is wrapped so a failed run keeps the container alive for an
// hour of log inspection.
func BuildTrainingJob(p JobParams) JobDefinition {
	minVRAM := p.MinVRAM
	if minVRAM == 0 {
		minVRAM = 24
	}
	gpuCount := p.GPUCount
	if gpuCount == 0 {
		gpuCount = 1
	}

	env := map[string]any{}
	if p.HFToken != "" {
		env["HF_TOKEN"] = p.HFToken
	}
	if p.APIKey != "" {
		env["NOSANA_API_KEY"] = p.APIKey
	}
	if p.GitRepo != "" {
		env["GIT_REPO"] = p.GitRepo
	}
	if p.DatasetURL != "" {
		env["DATASET_URL"] = p.DatasetURL
	}
	if p.BaseModel != "" {
		env["BASE_MODEL"] = p.BaseModel
	}

	parts := []string{"apt-get update && apt-get install -y git wget"}
	if p.GitRepo != "" {
		parts = append(parts,
			"git clone "+p.GitRepo+" /workspace/repo && cd /workspace/repo",
			"if [ -f requirements.txt ]; then pip install -r requirements.txt; fi",
			"pip install transformers==4.38.2 datasets==2.18.0 tiktoken wandb",
			"if [ -f data/openwebtext/prepare.py ]; then python data/openwebtext/prepare.py; elif [ -f prepare.py ]; then python prepare.py; fi",
		)
	} else {
		parts = append(parts, "mkdir -p /workspace && cd /workspace")
	}
	if p.DatasetURL != "" {
		parts = append(parts, "wget -O dataset.tar.gz "+p.DatasetURL+" && tar -xvf dataset.tar.gz")
	}

	switch {
	case strings.HasSuffix(p.TrainingScript, ".py"):
		parts = append(parts, "python "+p.TrainingScript)
	case strings.HasSuffix(p.TrainingScript, ".sh"):
		parts = append(parts, "bash "+p.TrainingScript)
	default:
		parts = append(parts, p.TrainingScript)
	}

	script := "(set -e; " + strings.Join(parts, " && ") +
		") || { echo 'Job failed! Keeping container alive for 1 hour...'; sleep 3600; }"

	op := map[string]any{
		"id":   "training-job",
		"type": "container/run",
		"args": map[string]any{
			"cmd":    []any{"/bin/bash", "-c", script},
			"env":    env,
			"gpu":    true,
			"image":  p.Image,
			"expose": 6006,
		},
	}
	meta := map[string]any{
		"trigger": "dashboard",
		"system_requirements": map[string]any{
			"required_cuda": requiredCUDA,
			"required_vram": minVRAM,
			"required_gpu":  gpuCount,
		},
	}
	return jobEnvelope(op, meta)
}
