package deployment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/bus"
	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/provider"
	"github.com/infermesh/infermesh/pkg/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDeployments is an in-memory DeploymentRepo that records every
// state transition.
type fakeDeployments struct {
	mu             sync.Mutex
	items          map[string]*models.Deployment
	stateLog       map[string][]models.DeploymentState
	createErr      error
	updateStateTxE error
}

func newFakeDeployments(items ...*models.Deployment) *fakeDeployments {
	f := &fakeDeployments{
		items:    map[string]*models.Deployment{},
		stateLog: map[string][]models.DeploymentState{},
	}
	for _, d := range items {
		f.items[d.ID] = d
	}
	return f
}

func (f *fakeDeployments) snapshot() map[string]*models.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]*models.Deployment{}
	for k, v := range f.items {
		cp := *v
		out[k] = &cp
	}
	return out
}

func (f *fakeDeployments) restore(s map[string]*models.Deployment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = s
}

func (f *fakeDeployments) Create(_ context.Context, _ *sqlx.Tx, d *models.Deployment) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[d.ID]; ok {
		return store.ErrAlreadyExists
	}
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

func (f *fakeDeployments) setState(id string, next models.DeploymentState) {
	f.items[id].State = next
	f.stateLog[id] = append(f.stateLog[id], next)
}

func (f *fakeDeployments) UpdateState(_ context.Context, id string, next models.DeploymentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return store.ErrNotFound
	}
	f.setState(id, next)
	return nil
}

func (f *fakeDeployments) UpdateStateIf(_ context.Context, id string, expected, next models.DeploymentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	if !ok || d.State != expected {
		return fmt.Errorf("deployment %s not in state %s: %w", id, expected, store.ErrStateConflict)
	}
	f.setState(id, next)
	return nil
}

func (f *fakeDeployments) UpdateStateTx(_ context.Context, _ *sqlx.Tx, id string, expected, next models.DeploymentState) error {
	if f.updateStateTxE != nil {
		return f.updateStateTxE
	}
	return f.UpdateStateIf(context.Background(), id, expected, next)
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

func (f *fakeDeployments) states(id string) []models.DeploymentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DeploymentState{}, f.stateLog[id]...)
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

// fakeInventory records every inventory mutation.
type fakeInventory struct {
	mu         sync.Mutex
	nodes      map[string]*models.ComputeNode
	ready      []*models.ComputeNode
	stale      []*models.ComputeNode
	registered []*models.ComputeNode
	allocated  map[string]int
	released   map[string]int
	terminated []string
	recycled   []string
	states     map[string]models.NodeState
	nextID     int
}

func newFakeInventory(nodes ...*models.ComputeNode) *fakeInventory {
	f := &fakeInventory{
		nodes:     map[string]*models.ComputeNode{},
		allocated: map[string]int{},
		released:  map[string]int{},
		states:    map[string]models.NodeState{},
	}
	for _, n := range nodes {
		f.nodes[n.ID] = n
	}
	return f
}

func (f *fakeInventory) Register(_ context.Context, n *models.ComputeNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.ID == "" {
		f.nextID++
		n.ID = fmt.Sprintf("node-%d", f.nextID)
	}
	cp := *n
	f.nodes[n.ID] = &cp
	f.registered = append(f.registered, &cp)
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

func (f *fakeInventory) ListReadyInPool(_ context.Context, poolID string, gpusNeeded int) ([]*models.ComputeNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ComputeNode
	for _, n := range f.ready {
		if n.PoolID == poolID && n.GPUTotal-n.GPUAllocated >= gpusNeeded {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeInventory) ListStale(_ context.Context, _ int) ([]*models.ComputeNode, error) {
	return f.stale, nil
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

func (f *fakeInventory) Allocate(_ context.Context, nodeID string, gpus int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if ok && n.GPUTotal-n.GPUAllocated < gpus {
		return store.ErrStateConflict
	}
	if ok {
		n.GPUAllocated += gpus
	}
	f.allocated[nodeID] += gpus
	return nil
}

func (f *fakeInventory) Release(_ context.Context, nodeID string, gpus int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[nodeID] += gpus
	return nil
}

func (f *fakeInventory) UpdateState(_ context.Context, nodeID string, state models.NodeState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[nodeID]; ok {
		n.State = state
	}
	f.states[nodeID] = state
	return nil
}

func (f *fakeInventory) MarkTerminated(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, nodeID)
	return nil
}

func (f *fakeInventory) Recycle(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recycled = append(f.recycled, nodeID)
	return nil
}

// fakeAdapter is a scriptable control adapter.
type fakeAdapter struct {
	mu            sync.Mutex
	caps          provider.Capabilities
	spec          *provider.NodeSpec
	provisionErr  error
	provisionReqs []provider.ProvisionRequest
	waitURL       string
	waitErr       error
	waitCalls     int
	onWait        func()
	deprovisioned []string
}

func (a *fakeAdapter) Capabilities() provider.Capabilities { return a.caps }

func (a *fakeAdapter) DiscoverResources(context.Context) ([]provider.Resource, error) {
	return nil, nil
}

func (a *fakeAdapter) ProvisionNode(_ context.Context, req provider.ProvisionRequest) (*provider.NodeSpec, error) {
	a.mu.Lock()
	a.provisionReqs = append(a.provisionReqs, req)
	a.mu.Unlock()
	if a.provisionErr != nil {
		return nil, a.provisionErr
	}
	cp := *a.spec
	return &cp, nil
}

func (a *fakeAdapter) WaitForReady(context.Context, string) (string, error) {
	a.mu.Lock()
	a.waitCalls++
	a.mu.Unlock()
	if a.onWait != nil {
		a.onWait()
	}
	return a.waitURL, a.waitErr
}

func (a *fakeAdapter) DeprovisionNode(_ context.Context, providerInstanceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deprovisioned = append(a.deprovisioned, providerInstanceID)
	return nil
}

func (a *fakeAdapter) Logs(context.Context, string) ([]string, error) { return nil, nil }

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

// recordingBus captures published events and supports synchronous
// subscriptions, mirroring the in-memory bus.
type recordingBus struct {
	mu        sync.Mutex
	published []*bus.Event
	handlers  map[string][]bus.Handler
}

func newRecordingBus() *recordingBus {
	return &recordingBus{handlers: map[string][]bus.Handler{}}
}

func (b *recordingBus) Publish(ctx context.Context, topic string, ev *bus.Event) error {
	b.mu.Lock()
	ev.Topic = topic
	b.published = append(b.published, ev)
	handlers := append([]bus.Handler{}, b.handlers[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

func (b *recordingBus) Subscribe(_ context.Context, topic string, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.published))
	for _, ev := range b.published {
		out = append(out, ev.Topic)
	}
	return out
}

// outboxRecorder stands in for the transactional outbox.
type outboxRecorder struct {
	mu     sync.Mutex
	err    error
	events []recordedOutboxEvent
}

type recordedOutboxEvent struct {
	aggregateID string
	eventType   string
	payload     models.JSONMap
}

func (o *outboxRecorder) enqueue(_ context.Context, _ *sqlx.Tx, _, aggregateID, eventType string, payload models.JSONMap) error {
	if o.err != nil {
		return o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, recordedOutboxEvent{aggregateID, eventType, payload})
	return nil
}
