package iam_test

import (
	"context"
	"testing"

	iam "github.com/oarkflow/iam"
	"github.com/oarkflow/iam/stores"
)

const seedYAML = `
organizations:
  - id: org-1
    name: Acme
teams:
  - id: eng
    org_id: org-1
    name: Engineering
  - id: backend
    org_id: org-1
    name: Backend
    parent_id: eng
users:
  - id: u-1
    org_id: org-1
    name: Dev One
memberships:
  - user_id: u-1
    team_id: backend
policies:
  - id: p-wiki
    version: "1"
    name: wiki access
    org_id: org-1
    statements:
      - effect: Allow
        action: read
        resource: "wiki:*"
attachments:
  - policy_id: p-wiki
    entity_type: team
    entity_id: eng
engine:
  policy_cache_ttl_ms: 250
`

func TestConfigLoadYAMLAndApply(t *testing.T) {
	loader := iam.NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(seedYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	store := stores.NewMemoryStore()
	a, err := iam.NewAuthorizer(store, iam.WithCacheTTL(0))
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	dir := iam.NewDirectory(store)

	ctx := context.Background()
	if err := a.ApplyConfig(ctx, dir, cfg); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	// applying the same snapshot again must be a no-op
	if err := a.ApplyConfig(ctx, dir, cfg); err != nil {
		t.Fatalf("re-apply config: %v", err)
	}

	// u-1 in backend inherits the eng attachment through the ancestor chain
	ok, err := a.IsAuthorized(ctx, "wiki:home", "read", iam.NewRequestContext("u-1", "org-1"))
	if err != nil {
		t.Fatalf("isAuthorized: %v", err)
	}
	if !ok {
		t.Fatalf("seeded state should grant wiki:home read")
	}

	backend, err := store.GetTeam(ctx, "backend")
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if backend.Path != "eng.backend" {
		t.Fatalf("seeded team path = %q", backend.Path)
	}
}

func TestConfigValidateRejectsDanglingReferences(t *testing.T) {
	loader := iam.NewConfigLoader()

	cases := []string{
		// team references an unknown organization
		`teams: [{id: t, org_id: ghost, name: T}]`,
		// user references an unknown organization
		`users: [{id: u, org_id: ghost, name: U}]`,
		// membership references an unknown team
		`organizations: [{id: o, name: O}]
users: [{id: u, org_id: o, name: U}]
memberships: [{user_id: u, team_id: ghost}]`,
		// attachment references an unknown policy
		`attachments: [{policy_id: ghost, entity_type: user, entity_id: u}]`,
	}
	for i, src := range cases {
		cfg, err := loader.LoadYAML([]byte(src))
		if err != nil {
			t.Fatalf("case %d: load: %v", i, err)
		}
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation failure", i)
		}
	}
}

func TestConfigStringOrListStatementFields(t *testing.T) {
	loader := iam.NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(`
policies:
  - id: p-1
    version: "1"
    name: mixed forms
    statements:
      - effect: Allow
        action: read
        resource: ["db:a", "db:b"]
`))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	st := cfg.Policies[0].Statements[0]
	if len(st.Action) != 1 || st.Action[0] != "read" {
		t.Fatalf("scalar action form: %v", st.Action)
	}
	if len(st.Resource) != 2 {
		t.Fatalf("list resource form: %v", st.Resource)
	}
}

func TestConfigJSONRoundtrip(t *testing.T) {
	loader := iam.NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(seedYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	back, err := loader.LoadJSON(data)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if back.Stats() != cfg.Stats() {
		t.Fatalf("stats changed across the roundtrip: %+v vs %+v", back.Stats(), cfg.Stats())
	}
}

func TestConfigStats(t *testing.T) {
	loader := iam.NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(seedYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	s := cfg.Stats()
	if s.Organizations != 1 || s.Teams != 2 || s.Users != 1 || s.Policies != 1 || s.Statements != 1 || s.Attachments != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}
