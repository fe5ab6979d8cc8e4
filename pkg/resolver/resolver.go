// Package resolver turns an (api key, model name) pair into the full
// execution context the gateway needs: deployment, merged policies, and
// caller identity.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/store"
)

// Sentinel errors the gateway maps to HTTP statuses.
var (
	// ErrUnauthorized means the api key is unknown or revoked.
	ErrUnauthorized = errors.New("invalid api key")

	// ErrModelNotFound means no live deployment serves the model for
	// the caller's organization.
	ErrModelNotFound = errors.New("model not found")

	// ErrKeyScope means the key is deployment-scoped and the requested
	// model belongs to a different deployment.
	ErrKeyScope = errors.New("api key not authorized for this model")
)

// KeyLookup finds active api keys by hash.
type KeyLookup interface {
	GetByHash(ctx context.Context, hash string) (*models.APIKey, error)
}

// DeploymentLookup finds live deployments by model name.
type DeploymentLookup interface {
	GetLiveByModel(ctx context.Context, orgID, modelName string) (*models.Deployment, error)
}

// PolicyLookup lists the policies applying to a deployment.
type PolicyLookup interface {
	ListForScope(ctx context.Context, orgID, deploymentID string) ([]*models.Policy, error)
}

// Resolver resolves and caches execution contexts. Positive results are
// cached with a short TTL; failures are never cached so a key rotation
// or new deployment is picked up immediately.
type Resolver struct {
	keys        KeyLookup
	deployments DeploymentLookup
	policies    PolicyLookup
	cache       *expirable.LRU[string, *models.ResolvedContext]
	logger      *slog.Logger
}

// New creates a resolver with a TTL-bounded LRU cache.
func New(keys KeyLookup, deployments DeploymentLookup, policies PolicyLookup,
	cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		keys:        keys,
		deployments: deployments,
		policies:    policies,
		cache:       expirable.NewLRU[string, *models.ResolvedContext](cacheSize, nil, cacheTTL),
		logger:      logger,
	}
}

// Resolve authenticates the raw api key and builds the context for the
// requested model.
func (r *Resolver) Resolve(ctx context.Context, rawKey, modelName string) (*models.ResolvedContext, error) {
	keyHash := models.HashAPIKey(rawKey)
	cacheKey := keyHash + "|" + modelName

	if rc, ok := r.cache.Get(cacheKey); ok {
		return rc, nil
	}

	apiKey, err := r.keys.GetByHash(ctx, keyHash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("resolving api key: %w", err)
	}

	dep, err := r.deployments.GetLiveByModel(ctx, apiKey.OrgID, modelName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving model %s: %w", modelName, err)
	}

	if apiKey.DeploymentID != nil && *apiKey.DeploymentID != dep.ID {
		return nil, ErrKeyScope
	}

	rows, err := r.policies.ListForScope(ctx, apiKey.OrgID, dep.ID)
	if err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}
	policies := make([]models.Policy, len(rows))
	for i, p := range rows {
		policies[i] = *p
	}
	set, err := models.MergePolicies(policies, dep.ID)
	if err != nil {
		return nil, fmt.Errorf("merging policies: %w", err)
	}

	rc := &models.ResolvedContext{
		Deployment:    dep,
		Guardrail:     set.Guardrail,
		Rag:           set.Rag,
		Template:      set.Template,
		RateLimit:     set.RateLimit,
		Quota:         set.Quota,
		UserIDContext: "apikey:" + apiKey.ID,
		OrgID:         apiKey.OrgID,
		LogPayloads:   logPayloads(dep),
	}

	r.cache.Add(cacheKey, rc)
	return rc, nil
}

// Invalidate drops every cached entry. Called when deployments or
// policies change so the next request re-resolves against the store.
func (r *Resolver) Invalidate() {
	r.cache.Purge()
}

func logPayloads(d *models.Deployment) bool {
	if d.Configuration == nil {
		return false
	}
	v, _ := d.Configuration["log_payloads"].(bool)
	return v
}
