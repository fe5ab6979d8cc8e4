package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Registry holds the configured control adapters keyed by provider name.
type Registry struct {
	adapters map[string]ControlAdapter
}

// RegistryConfig carries the per-provider wiring.
type RegistryConfig struct {
	NosanaSidecarURL string
	NosanaAPIKey     string
	AkashSidecarURL  string
	K8sAgentURL      string
	HFToken          string
}

// NewRegistry builds the adapter set. Providers without configuration
// are still registered so errors surface at provision time with a
// useful message rather than as a missing adapter.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	return &Registry{adapters: map[string]ControlAdapter{
		"nosana": NewNosanaAdapter(cfg.NosanaSidecarURL, cfg.NosanaAPIKey, cfg.HFToken, logger),
		"akash":  NewAkashAdapter(cfg.AkashSidecarURL, logger),
		"k8s":    NewK8sAdapter(cfg.K8sAgentURL, logger),
	}}
}

// ControlFor returns the adapter for a provider name.
func (r *Registry) ControlFor(providerName string) (ControlAdapter, error) {
	a, ok := r.adapters[strings.ToLower(providerName)]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", providerName)
	}
	return a, nil
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sidecar returned %d: %s", resp.StatusCode, data)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
