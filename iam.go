package iam

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Effect is the outcome a statement contributes to the decision
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Valid reports whether the effect is one of the two recognised values.
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// Statement is one Allow/Deny rule inside a policy: an effect, a set of
// action patterns, a set of resource patterns and an optional condition block.
type Statement struct {
	Sid       string     `json:"Sid,omitempty" yaml:"sid,omitempty"`
	Effect    Effect     `json:"Effect" yaml:"effect"`
	Action    ValueSet   `json:"Action" yaml:"action"`
	Resource  ValueSet   `json:"Resource" yaml:"resource"`
	Condition *Condition `json:"Condition,omitempty" yaml:"condition,omitempty"`
}

// Validate checks the statement shape at the storage boundary.
func (s *Statement) Validate() error {
	if !s.Effect.Valid() {
		return fmt.Errorf("%w: statement effect must be Allow or Deny, got %q", ErrValidation, s.Effect)
	}
	if len(s.Action) == 0 {
		return fmt.Errorf("%w: statement must have at least one action", ErrValidation)
	}
	if len(s.Resource) == 0 {
		return fmt.Errorf("%w: statement must have at least one resource", ErrValidation)
	}
	return nil
}

// ValueSet is a set of pattern strings that accepts both a bare string and a
// list when decoded from JSON/YAML documents.
type ValueSet []string

func (v *ValueSet) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*v = ValueSet{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*v = ValueSet(many)
	return nil
}

func (v *ValueSet) UnmarshalYAML(unmarshal func(any) error) error {
	var one string
	if err := unmarshal(&one); err == nil {
		*v = ValueSet{one}
		return nil
	}
	var many []string
	if err := unmarshal(&many); err != nil {
		return err
	}
	*v = ValueSet(many)
	return nil
}

// Policy is a named, versioned bundle of statements. OrgID is empty and
// Shared true for policies visible across organizations.
type Policy struct {
	ID         string      `json:"id" yaml:"id"`
	Version    string      `json:"version" yaml:"version"`
	Name       string      `json:"name" yaml:"name"`
	OrgID      string      `json:"org_id,omitempty" yaml:"org_id,omitempty"`
	Shared     bool        `json:"shared,omitempty" yaml:"shared,omitempty"`
	Statements []Statement `json:"statements" yaml:"statements"`
	CreatedAt  time.Time   `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt  time.Time   `json:"updated_at,omitempty" yaml:"-"`
}

// Validate checks policy shape, including every statement.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: policy id is required", ErrValidation)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: policy name is required", ErrValidation)
	}
	if len(p.Statements) == 0 {
		return fmt.Errorf("%w: policy must have at least one statement", ErrValidation)
	}
	if !p.Shared && p.OrgID == "" {
		return fmt.Errorf("%w: non-shared policy must belong to an organization", ErrValidation)
	}
	for i := range p.Statements {
		if err := p.Statements[i].Validate(); err != nil {
			return fmt.Errorf("statement %d: %w", i, err)
		}
	}
	return nil
}

// EntityType identifies what a policy instance is attached to
type EntityType string

const (
	EntityUser         EntityType = "user"
	EntityTeam         EntityType = "team"
	EntityOrganization EntityType = "organization"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityUser, EntityTeam, EntityOrganization:
		return true
	}
	return false
}

// PolicyInstance is one attachment of a policy to an entity. Instance is an
// auto-incremented discriminator: the same policy can be attached to the same
// entity more than once as long as the variable bindings differ.
type PolicyInstance struct {
	PolicyID   string            `json:"policy_id" yaml:"policy_id"`
	EntityType EntityType        `json:"entity_type" yaml:"entity_type"`
	EntityID   string            `json:"entity_id" yaml:"entity_id"`
	Instance   int64             `json:"instance,omitempty" yaml:"instance,omitempty"`
	Variables  map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// VariablesKey returns the canonical fingerprint of the variable bindings,
// used to detect duplicate attachments. Keys are sorted so that two maps with
// the same content always produce the same key.
func (pi *PolicyInstance) VariablesKey() string {
	return canonicalVariables(pi.Variables)
}

func canonicalVariables(vars map[string]string) string {
	if len(vars) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(vars) // encoding/json sorts map keys
	return string(b)
}

// Organization is the top-level tenant.
type Organization struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitempty" yaml:"-"`
}

// Team is a node in an organization's team forest. Path is the materialized
// ancestor chain, dot separated, ending in the team's own id.
type Team struct {
	ID          string    `json:"id" yaml:"id"`
	OrgID       string    `json:"org_id" yaml:"org_id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	ParentID    string    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Path        string    `json:"path" yaml:"-"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"-"`
}

// User belongs to one organization and zero or more teams.
type User struct {
	ID        string            `json:"id" yaml:"id"`
	OrgID     string            `json:"org_id" yaml:"org_id"`
	Name      string            `json:"name" yaml:"name"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty" yaml:"-"`
}

// ============================================================================
// REQUEST CONTEXT
// ============================================================================

// Reserved variable namespaces available to conditions and interpolation.
// Instance variables may not shadow these.
const (
	VarUserID      = "iam:userId"
	VarOrgID       = "iam:organizationId"
	VarCurrentTime = "request:currentTime"
	VarSource      = "request:source"
	VarSourceIP    = "request:sourceIp"
	VarSourcePort  = "request:sourcePort"
)

// RequestContext is the ephemeral per-request data handed to every
// authorization call. It is never persisted.
type RequestContext struct {
	UserID      string
	OrgID       string
	RequestTime time.Time
	SourceIP    string
	SourcePort  int
	Source      string // "api" or "server"
	Extra       map[string]string
}

// NewRequestContext stamps a context with the current time and "api" source.
func NewRequestContext(userID, orgID string) *RequestContext {
	return &RequestContext{
		UserID:      userID,
		OrgID:       orgID,
		RequestTime: time.Now().UTC(),
		Source:      "api",
	}
}

// Variables flattens the context into the reserved variable namespace used by
// condition evaluation and interpolation. Extra entries never override the
// reserved names.
func (c *RequestContext) Variables() map[string]string {
	out := make(map[string]string, 6+len(c.Extra))
	for k, v := range c.Extra {
		out[k] = v
	}
	out[VarUserID] = c.UserID
	out[VarOrgID] = c.OrgID
	if !c.RequestTime.IsZero() {
		out[VarCurrentTime] = c.RequestTime.Format(time.RFC3339)
	}
	if c.Source != "" {
		out[VarSource] = c.Source
	}
	if c.SourceIP != "" {
		out[VarSourceIP] = c.SourceIP
	}
	if c.SourcePort != 0 {
		out[VarSourcePort] = strconv.Itoa(c.SourcePort)
	}
	return out
}

// AggregatedPolicy is one evaluable record produced by the aggregator: a
// reachable policy instance with its statements and variable bindings.
// Two instances of the same policy with different variables stay distinct.
type AggregatedPolicy struct {
	PolicyID   string            `json:"policy_id"`
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	Instance   int64             `json:"instance"`
	Statements []Statement       `json:"statements"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// ResourceActions pairs one requested resource with the actions allowed on it.
type ResourceActions struct {
	Resource string   `json:"resource"`
	Actions  []string `json:"actions"`
}

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// PolicyStore manages policy persistence. Deleting a policy cascades to all
// of its attachments.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context, orgID string) ([]*Policy, error)
}

// AttachmentStore manages policy instances.
type AttachmentStore interface {
	// AddInstance attaches a policy to an entity and returns the assigned
	// instance number. Attaching the same (policy, entity, variables) tuple
	// twice fails with ErrConflict.
	AddInstance(ctx context.Context, inst *PolicyInstance) (int64, error)
	// AmendInstances applies a batch: entries with Instance > 0 update that
	// instance's variables in place, entries without one always insert.
	AmendInstances(ctx context.Context, entityType EntityType, entityID string, entries []PolicyInstance) error
	// DeleteInstances removes one instance when instance > 0, or every
	// instance of the policy on the entity when instance == 0.
	DeleteInstances(ctx context.Context, entityType EntityType, entityID, policyID string, instance int64) error
	// ListInstances enumerates every attachment of a policy across all scopes.
	ListInstances(ctx context.Context, policyID string) ([]*PolicyInstance, error)
}

// MembershipStore resolves user/team membership. The SQL and memory directory
// stores implement it directly; a Redis-backed drop-in is available in stores/.
type MembershipStore interface {
	AddMember(ctx context.Context, userID, teamID string) error
	RemoveMember(ctx context.Context, userID, teamID string) error
	UserTeamIDs(ctx context.Context, userID string) ([]string, error)
}

// DirectoryStore persists organizations, teams and users.
type DirectoryStore interface {
	MembershipStore

	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	DeleteOrganization(ctx context.Context, id string) error
	ListOrganizations(ctx context.Context) ([]*Organization, error)

	CreateTeam(ctx context.Context, team *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	UpdateTeam(ctx context.Context, team *Team) error
	DeleteTeam(ctx context.Context, id string) error
	ListTeams(ctx context.Context, orgID string) ([]*Team, error)
	// MoveTeam re-parents a team and rewrites the paths of the team and all
	// of its descendants atomically. newParentID == "" moves it to the root.
	MoveTeam(ctx context.Context, teamID, newParentID string) error

	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context, orgID string) ([]*User, error)
}

// InstanceSource is the read side consumed by the aggregator. Each call
// returns fully expanded policy instance rows for one scope.
type InstanceSource interface {
	UserPolicyInstances(ctx context.Context, userID, orgID string) ([]*AggregatedPolicy, error)
	TeamPolicyInstances(ctx context.Context, teamIDs []string, orgID string) ([]*AggregatedPolicy, error)
	OrganizationPolicyInstances(ctx context.Context, orgID string) ([]*AggregatedPolicy, error)
	SharedPolicyInstances(ctx context.Context, scopeIDs []string) ([]*AggregatedPolicy, error)
}

// Store is the full persistence contract the service is built on.
type Store interface {
	PolicyStore
	AttachmentStore
	DirectoryStore
	InstanceSource
}

// TeamPath builds a child path from its parent's path.
func TeamPath(parentPath, teamID string) string {
	if parentPath == "" {
		return teamID
	}
	return parentPath + "." + teamID
}

// PathContains reports whether ancestorPath is equal to, or a dot-delimited
// prefix of, path.
func PathContains(ancestorPath, path string) bool {
	if ancestorPath == path {
		return true
	}
	return len(path) > len(ancestorPath) &&
		path[:len(ancestorPath)] == ancestorPath &&
		path[len(ancestorPath)] == '.'
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return in
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
