package iam

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/oarkflow/xid"

	"github.com/oarkflow/iam/logger"
)

// ============================================================================
// AUTHORIZATION SERVICE
// ============================================================================

// default ristretto sizing for the aggregated-set cache
const (
	defaultCacheCounters = 1 << 14
	defaultCacheMaxCost  = 1 << 24
	defaultCacheBuffer   = 64
)

// Authorizer is the public face of the policy engine: it aggregates the
// policy instances reachable by a user, caches the aggregated sets briefly,
// and answers access checks over them. Evaluation itself is pure and holds
// no locks, so one Authorizer serves arbitrarily many concurrent requests.
type Authorizer struct {
	store       Store
	agg         *Aggregator
	cache       *ristretto.Cache
	cacheTTL    time.Duration
	superOrg    string
	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc
}

// Option configures an Authorizer.
type Option func(a *Authorizer) error

// WithLogger installs a structured logger for decision audit lines.
func WithLogger(l logger.Logger) Option {
	return func(a *Authorizer) error {
		a.logger = l
		return nil
	}
}

// WithTraceIDFunc installs a custom trace ID generator. It must be cheap and
// safe for concurrent calls.
func WithTraceIDFunc(f logger.TraceIDFunc) Option {
	return func(a *Authorizer) error {
		a.traceIDFunc = f
		return nil
	}
}

// WithCacheTTL sets how long aggregated policy sets stay cached. Zero
// disables the cache entirely.
func WithCacheTTL(ttl time.Duration) Option {
	return func(a *Authorizer) error {
		a.cacheTTL = ttl
		return nil
	}
}

// WithSuperOrganization overrides the reserved root organization id.
func WithSuperOrganization(id string) Option {
	return func(a *Authorizer) error {
		if id == "" {
			return fmt.Errorf("%w: super organization id cannot be empty", ErrValidation)
		}
		a.superOrg = id
		return nil
	}
}

// WithMembershipStore routes user/team membership lookups through a separate
// store (e.g. the Redis-backed one) instead of the directory itself.
func WithMembershipStore(ms MembershipStore) Option {
	return func(a *Authorizer) error {
		a.agg = NewAggregator(a.store, a.store, ms, a.superOrg)
		return nil
	}
}

// NewAuthorizer builds an Authorizer over a Store.
func NewAuthorizer(store Store, opts ...Option) (*Authorizer, error) {
	a := &Authorizer{
		store:    store,
		cacheTTL: time.Second,
		superOrg: DefaultSuperOrganization,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.logger == nil {
		a.logger = logger.NewNullLogger()
	}
	if a.traceIDFunc == nil {
		a.traceIDFunc = func() string { return xid.New().String() }
	}
	if a.agg == nil {
		a.agg = NewAggregator(a.store, a.store, nil, a.superOrg)
	} else {
		a.agg.superOrg = a.superOrg
	}
	if a.cacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: defaultCacheCounters,
			MaxCost:     defaultCacheMaxCost,
			BufferItems: defaultCacheBuffer,
		})
		if err != nil {
			return nil, fmt.Errorf("build policy cache: %w", err)
		}
		a.cache = cache
	}
	return a, nil
}

// IsAuthorized decides Allow/Deny for one resource/action pair on behalf of
// the context's user. Missing users, organizations or policies all resolve to
// a deny, never an error; only malformed input and storage failures error.
func (a *Authorizer) IsAuthorized(ctx context.Context, resource, action string, rc *RequestContext) (bool, error) {
	if err := validateRequest(resource, action, rc); err != nil {
		return false, err
	}
	policies, err := a.userPolicies(ctx, rc.UserID, rc.OrgID)
	if err != nil {
		return false, err
	}
	allowed := CheckAccess(policies, resource, action, rc)
	a.audit(rc, resource, action, allowed)
	return allowed, nil
}

// ListActions enumerates every action the user may perform on one resource.
func (a *Authorizer) ListActions(ctx context.Context, resource string, rc *RequestContext) ([]string, error) {
	if err := validateContext(rc); err != nil {
		return nil, err
	}
	if resource == "" {
		return nil, fmt.Errorf("%w: resource is required", ErrValidation)
	}
	policies, err := a.userPolicies(ctx, rc.UserID, rc.OrgID)
	if err != nil {
		return nil, err
	}
	return AllowedActions(policies, resource, rc), nil
}

// ListActionsOnResources runs ListActions over a batch of resources. Output
// order follows input order and every requested resource gets a record, even
// with an empty action list. The aggregated set is fetched once; per-resource
// evaluation shares no mutable state.
func (a *Authorizer) ListActionsOnResources(ctx context.Context, resources []string, rc *RequestContext) ([]ResourceActions, error) {
	if err := validateContext(rc); err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, fmt.Errorf("%w: at least one resource is required", ErrValidation)
	}
	policies, err := a.userPolicies(ctx, rc.UserID, rc.OrgID)
	if err != nil {
		return nil, err
	}
	out := make([]ResourceActions, len(resources))
	for i, resource := range resources {
		out[i] = ResourceActions{
			Resource: resource,
			Actions:  AllowedActions(policies, resource, rc),
		}
	}
	return out, nil
}

// ListUserPolicies exposes the aggregated, de-duplicated instance set itself.
func (a *Authorizer) ListUserPolicies(ctx context.Context, userID, orgID string) ([]*AggregatedPolicy, error) {
	if userID == "" || orgID == "" {
		return nil, fmt.Errorf("%w: user and organization are required", ErrValidation)
	}
	return a.userPolicies(ctx, userID, orgID)
}

// ReadPolicyVariables reports the ${name} tokens in a policy's resources that
// an attachment still has to bind, excluding the reserved request namespace.
func (a *Authorizer) ReadPolicyVariables(ctx context.Context, policyID string) ([]string, error) {
	if policyID == "" {
		return nil, fmt.Errorf("%w: policy id is required", ErrValidation)
	}
	p, err := a.store.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	return PolicyVariables(p), nil
}

// ListPolicyInstances enumerates every attachment of a policy id across
// user, team and organization scopes.
func (a *Authorizer) ListPolicyInstances(ctx context.Context, policyID string) ([]*PolicyInstance, error) {
	if policyID == "" {
		return nil, fmt.Errorf("%w: policy id is required", ErrValidation)
	}
	return a.store.ListInstances(ctx, policyID)
}

// ============================================================================
// POLICY AND ATTACHMENT OPERATIONS
// ============================================================================

// CreatePolicy validates and stores a policy.
func (a *Authorizer) CreatePolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := a.store.CreatePolicy(ctx, p); err != nil {
		return err
	}
	a.InvalidateCache()
	return nil
}

// UpdatePolicy validates and replaces a policy's definition.
func (a *Authorizer) UpdatePolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := a.store.UpdatePolicy(ctx, p); err != nil {
		return err
	}
	a.InvalidateCache()
	return nil
}

// DeletePolicy removes a policy; the store cascades to all attachments.
func (a *Authorizer) DeletePolicy(ctx context.Context, id string) error {
	if err := a.store.DeletePolicy(ctx, id); err != nil {
		return err
	}
	a.InvalidateCache()
	return nil
}

// AttachPolicy adds one policy instance to an entity and returns the assigned
// instance number. A duplicate (policy, entity, variables) tuple fails with
// ErrConflict.
func (a *Authorizer) AttachPolicy(ctx context.Context, inst *PolicyInstance) (int64, error) {
	if err := validateInstance(inst); err != nil {
		return 0, err
	}
	n, err := a.store.AddInstance(ctx, inst)
	if err != nil {
		return 0, err
	}
	a.InvalidateCache()
	return n, nil
}

// AmendPolicyInstances applies a batch of attachment edits on one entity:
// entries carrying an instance number update that instance's variables,
// entries without one insert new instances.
func (a *Authorizer) AmendPolicyInstances(ctx context.Context, entityType EntityType, entityID string, entries []PolicyInstance) error {
	if !entityType.Valid() || entityID == "" {
		return fmt.Errorf("%w: entity type and id are required", ErrValidation)
	}
	for i := range entries {
		if entries[i].PolicyID == "" {
			return fmt.Errorf("%w: entry %d: policy id is required", ErrValidation, i)
		}
		for name := range entries[i].Variables {
			if isReservedVariable(name) {
				return fmt.Errorf("%w: entry %d: variable %q is reserved", ErrValidation, i, name)
			}
		}
	}
	if err := a.store.AmendInstances(ctx, entityType, entityID, entries); err != nil {
		return err
	}
	a.InvalidateCache()
	return nil
}

// DetachPolicy removes instance `instance` of a policy from an entity, or
// every instance of that policy when instance is zero.
func (a *Authorizer) DetachPolicy(ctx context.Context, entityType EntityType, entityID, policyID string, instance int64) error {
	if !entityType.Valid() || entityID == "" || policyID == "" {
		return fmt.Errorf("%w: entity type, entity id and policy id are required", ErrValidation)
	}
	if err := a.store.DeleteInstances(ctx, entityType, entityID, policyID, instance); err != nil {
		return err
	}
	a.InvalidateCache()
	return nil
}

// ConfigureCache rebuilds the aggregated-set cache with explicit ristretto
// sizing. Existing cached entries are discarded.
func (a *Authorizer) ConfigureCache(numCounters, maxCost, bufferItems int64) error {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return fmt.Errorf("build policy cache: %w", err)
	}
	if a.cache != nil {
		a.cache.Close()
	}
	a.cache = cache
	return nil
}

// InvalidateCache drops every cached aggregated policy set. Called after any
// mutation that can change what a user can reach.
func (a *Authorizer) InvalidateCache() {
	if a.cache != nil {
		a.cache.Clear()
	}
}

// ============================================================================
// INTERNALS
// ============================================================================

func (a *Authorizer) userPolicies(ctx context.Context, userID, orgID string) ([]*AggregatedPolicy, error) {
	key := userID + "\x00" + orgID
	if a.cache != nil {
		if v, ok := a.cache.Get(key); ok {
			return v.([]*AggregatedPolicy), nil
		}
	}
	policies, err := a.agg.ListUserPolicies(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		a.cache.SetWithTTL(key, policies, int64(1+len(policies)), a.cacheTTL)
	}
	return policies, nil
}

func (a *Authorizer) audit(rc *RequestContext, resource, action string, allowed bool) {
	a.logger.Info("authorization decision",
		"trace_id", a.traceIDFunc(),
		"user", rc.UserID,
		"organization", rc.OrgID,
		"resource", resource,
		"action", action,
		"source", rc.Source,
		"allowed", allowed,
	)
}

func validateContext(rc *RequestContext) error {
	if rc == nil || rc.UserID == "" || rc.OrgID == "" {
		return fmt.Errorf("%w: user and organization are required", ErrValidation)
	}
	return nil
}

func validateRequest(resource, action string, rc *RequestContext) error {
	if err := validateContext(rc); err != nil {
		return err
	}
	if resource == "" {
		return fmt.Errorf("%w: resource is required", ErrValidation)
	}
	if action == "" {
		return fmt.Errorf("%w: action is required", ErrValidation)
	}
	return nil
}

func validateInstance(inst *PolicyInstance) error {
	if inst == nil || inst.PolicyID == "" {
		return fmt.Errorf("%w: policy id is required", ErrValidation)
	}
	if !inst.EntityType.Valid() {
		return fmt.Errorf("%w: entity type must be user, team or organization", ErrValidation)
	}
	if inst.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrValidation)
	}
	for name := range inst.Variables {
		if isReservedVariable(name) {
			return fmt.Errorf("%w: variable %q is reserved", ErrValidation, name)
		}
	}
	return nil
}
