package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/infermesh/infermesh/pkg/bus"
	"github.com/infermesh/infermesh/pkg/config"
	"github.com/infermesh/infermesh/pkg/deployment"
	"github.com/infermesh/infermesh/pkg/gateway"
	"github.com/infermesh/infermesh/pkg/guardrail"
	"github.com/infermesh/infermesh/pkg/httpx"
	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/prompt"
	"github.com/infermesh/infermesh/pkg/provider"
	"github.com/infermesh/infermesh/pkg/store"
)

const testInternalKey = "internal-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDeployments is an in-memory DeploymentRepo.
type fakeDeployments struct {
	mu    sync.Mutex
	items map[string]*models.Deployment
}

func newFakeDeployments(items ...*models.Deployment) *fakeDeployments {
	f := &fakeDeployments{items: map[string]*models.Deployment{}}
	for _, d := range items {
		f.items[d.ID] = d
	}
	return f
}

func (f *fakeDeployments) Create(_ context.Context, _ *sqlx.Tx, d *models.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.items[d.ID] = &cp
	return nil
}

func (f *fakeDeployments) Get(_ context.Context, id string) (*models.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, store.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDeployments) List(_ context.Context, orgID string, states []models.DeploymentState) ([]*models.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Deployment
	for _, d := range f.items {
		if d.OrgID != orgID {
			continue
		}
		if len(states) > 0 {
			match := false
			for _, s := range states {
				if d.State == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDeployments) ListByNode(_ context.Context, nodeID string) ([]*models.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Deployment
	for _, d := range f.items {
		for _, n := range d.NodeIDs {
			if n == nodeID {
				cp := *d
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (f *fakeDeployments) Update(_ context.Context, id string, upd store.DeploymentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	if !ok {
		return store.ErrNotFound
	}
	if upd.Configuration != nil {
		d.Configuration = *upd.Configuration
	}
	if upd.InferenceModel != nil {
		d.InferenceModel = *upd.InferenceModel
	}
	if upd.Endpoint != nil {
		d.Endpoint = *upd.Endpoint
	}
	if upd.Replicas != nil {
		d.Replicas = *upd.Replicas
	}
	return nil
}

func (f *fakeDeployments) UpdateState(_ context.Context, id string, next models.DeploymentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	if !ok {
		return store.ErrNotFound
	}
	d.State = next
	return nil
}

func (f *fakeDeployments) UpdateStateIf(_ context.Context, id string, expected, next models.DeploymentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	if !ok || d.State != expected {
		return store.ErrStateConflict
	}
	d.State = next
	return nil
}

func (f *fakeDeployments) UpdateStateTx(ctx context.Context, _ *sqlx.Tx, id string, expected, next models.DeploymentState) error {
	return f.UpdateStateIf(ctx, id, expected, next)
}

func (f *fakeDeployments) UpdateEndpoint(_ context.Context, id, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Endpoint = endpoint
	return nil
}

func (f *fakeDeployments) AttachRuntime(_ context.Context, id string, nodeIDs, allocationIDs []string, runtime string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	if !ok {
		return store.ErrNotFound
	}
	d.NodeIDs = nodeIDs
	d.AllocationIDs = allocationIDs
	d.Runtime = runtime
	return nil
}

// fakePools serves a static pool set.
type fakePools struct {
	pools map[string]*models.ComputePool
}

func (f *fakePools) Get(_ context.Context, id string) (*models.ComputePool, error) {
	p, ok := f.pools[id]
	if !ok {
		return nil, fmt.Errorf("compute pool %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

// fakeInventory is an in-memory InventoryRepo keyed by node ID.
type fakeInventory struct {
	mu    sync.Mutex
	nodes map[string]*models.ComputeNode
}

func newFakeInventory(nodes ...*models.ComputeNode) *fakeInventory {
	f := &fakeInventory{nodes: map[string]*models.ComputeNode{}}
	for _, n := range nodes {
		f.nodes[n.ID] = n
	}
	return f
}

func (f *fakeInventory) Register(_ context.Context, n *models.ComputeNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *n
	f.nodes[n.ID] = &cp
	return nil
}

func (f *fakeInventory) Get(_ context.Context, id string) (*models.ComputeNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeInventory) ListReadyInPool(context.Context, string, int) ([]*models.ComputeNode, error) {
	return nil, nil
}

func (f *fakeInventory) ListStale(context.Context, int) ([]*models.ComputeNode, error) {
	return nil, nil
}

func (f *fakeInventory) UpsertHeartbeat(_ context.Context, hb *models.Heartbeat) (*models.ComputeNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.nodes {
		if n.Provider == hb.Provider && n.ProviderInstanceID == hb.ProviderInstanceID {
			n.GPUAllocated = hb.GPUAllocated
			n.HealthScore = hb.HealthScore
			if hb.State != "" {
				n.State = models.NodeState(hb.State)
			}
			if hb.ExposeURL != "" {
				n.ExposeURL = hb.ExposeURL
			}
			cp := *n
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("node %s/%s: %w", hb.Provider, hb.ProviderInstanceID, store.ErrNotFound)
}

func (f *fakeInventory) Allocate(context.Context, string, int) error { return nil }
func (f *fakeInventory) Release(context.Context, string, int) error  { return nil }

func (f *fakeInventory) UpdateState(_ context.Context, nodeID string, state models.NodeState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[nodeID]; ok {
		n.State = state
	}
	return nil
}

func (f *fakeInventory) MarkTerminated(context.Context, string) error { return nil }
func (f *fakeInventory) Recycle(context.Context, string) error        { return nil }

// fakeAdapter serves canned provider logs; lifecycle calls are stubs.
type fakeAdapter struct {
	logLines []string
	logErr   error
}

func (a *fakeAdapter) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (a *fakeAdapter) DiscoverResources(context.Context) ([]provider.Resource, error) {
	return nil, nil
}

func (a *fakeAdapter) ProvisionNode(context.Context, provider.ProvisionRequest) (*provider.NodeSpec, error) {
	return nil, nil
}

func (a *fakeAdapter) WaitForReady(context.Context, string) (string, error) { return "", nil }

func (a *fakeAdapter) DeprovisionNode(context.Context, string) error { return nil }

func (a *fakeAdapter) Logs(context.Context, string) ([]string, error) {
	return a.logLines, a.logErr
}

func (a *fakeAdapter) LogStreamingInfo(context.Context, string) (*provider.LogStreamInfo, error) {
	return nil, nil
}

// fakeRegistry maps provider names to scripted adapters.
type fakeRegistry struct {
	adapters map[string]provider.ControlAdapter
}

func (r *fakeRegistry) ControlFor(name string) (provider.ControlAdapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", name)
	}
	return a, nil
}

type fakeResolver struct {
	rc          *models.ResolvedContext
	err         error
	invalidated int
}

func (f *fakeResolver) Resolve(context.Context, string, string) (*models.ResolvedContext, error) {
	return f.rc, f.err
}

func (f *fakeResolver) Invalidate() { f.invalidated++ }

type fakeScanner struct {
	result *guardrail.ScanResult
	err    error
}

func (f *fakeScanner) ScanContent(_ context.Context, req *guardrail.ScanRequest) (*guardrail.ScanResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &guardrail.ScanResult{IsValid: true, SanitizedText: req.Text}, nil
}

type fakePrompt struct {
	err error
}

func (f *fakePrompt) Process(_ context.Context, req *prompt.ProcessRequest) (*prompt.ProcessResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &prompt.ProcessResult{Messages: req.Messages}, nil
}

type fakeUsage struct {
	mu      sync.Mutex
	today   *models.Usage
	tracked []models.TokenUsage
}

func (f *fakeUsage) GetToday(_ context.Context, userID, model string) (*models.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.today != nil {
		return f.today, nil
	}
	return &models.Usage{UserID: userID, Model: model}, nil
}

func (f *fakeUsage) Track(_ context.Context, _, _ string, usage models.TokenUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, usage)
	return nil
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []*models.InferenceLog
}

func (f *fakeLogs) Create(_ context.Context, l *models.InferenceLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, l)
	return nil
}

func (f *fakeLogs) ListForDeployment(_ context.Context, deploymentID string, _ int) ([]*models.InferenceLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.InferenceLog
	for _, l := range f.entries {
		if l.DeploymentID == deploymentID {
			out = append(out, l)
		}
	}
	return out, nil
}

// fixture bundles an api server with every fake behind it.
type fixture struct {
	srv      *Server
	deps     *fakeDeployments
	inv      *fakeInventory
	adapter  *fakeAdapter
	resolver *fakeResolver
	scanner  *fakeScanner
	prompts  *fakePrompt
	usage    *fakeUsage
	logs     *fakeLogs
}

func newFixture(deps *fakeDeployments, inv *fakeInventory) *fixture {
	if deps == nil {
		deps = newFakeDeployments()
	}
	if inv == nil {
		inv = newFakeInventory()
	}
	logger := discardLogger()
	adapter := &fakeAdapter{}
	registry := &fakeRegistry{adapters: map[string]provider.ControlAdapter{"nosana": adapter}}

	controller := deployment.NewController(nil, deps,
		&fakePools{pools: map[string]*models.ComputePool{}}, bus.NewMemoryBus(), logger)
	reconciler := deployment.NewReconciler(deps, inv, registry, 0, logger)

	f := &fixture{
		deps:     deps,
		inv:      inv,
		adapter:  adapter,
		resolver: &fakeResolver{},
		scanner:  &fakeScanner{},
		prompts:  &fakePrompt{},
		usage:    &fakeUsage{},
		logs:     &fakeLogs{},
	}
	cfg := &config.Settings{InternalAPIKey: testInternalKey}
	f.srv = NewServer(cfg, nil, controller, reconciler, f.resolver,
		gateway.NewQuotaChecker(f.usage, time.Second), f.scanner, f.prompts,
		f.usage, f.logs, inv, registry, logger)
	return f
}

// doJSON drives one authenticated request through the routing tree.
func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpx.HeaderInternalKey, testInternalKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
