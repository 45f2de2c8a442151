package iam_test

import (
	"context"
	"testing"

	iam "github.com/oarkflow/iam"
	"github.com/oarkflow/iam/stores"
)

func newTestAggregator(t *testing.T) (*iam.Aggregator, *iam.Directory, *stores.MemoryStore) {
	t.Helper()
	store := stores.NewMemoryStore()
	return iam.NewAggregator(store, store, nil, ""), iam.NewDirectory(store), store
}

func TestAggregateUnknownUserEmpty(t *testing.T) {
	agg, dir, _ := newTestAggregator(t)
	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}

	got, err := agg.ListUserPolicies(ctx, "ghost", "org-1")
	if err != nil {
		t.Fatalf("unknown user must not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unknown user yields an empty set, got %d", len(got))
	}
}

func TestAggregateWrongOrganizationEmpty(t *testing.T) {
	agg, dir, store := newTestAggregator(t)
	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if err := dir.CreateUser(ctx, &iam.User{ID: "u-1", OrgID: "org-1", Name: "user"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	p := &iam.Policy{ID: "p-1", Version: "1", Name: "p", OrgID: "org-1",
		Statements: []iam.Statement{{Effect: iam.EffectAllow, Action: iam.ValueSet{"read"}, Resource: iam.ValueSet{"*"}}}}
	if err := store.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	if _, err := store.AddInstance(ctx, &iam.PolicyInstance{PolicyID: "p-1", EntityType: iam.EntityUser, EntityID: "u-1"}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	got, err := agg.ListUserPolicies(ctx, "u-1", "org-2")
	if err != nil {
		t.Fatalf("cross-organization lookup must not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("user outside the requested organization yields an empty set, got %d", len(got))
	}
}

func TestAggregateDeduplicatesAcrossScopes(t *testing.T) {
	agg, dir, store := newTestAggregator(t)
	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if err := dir.CreateUser(ctx, &iam.User{ID: "u-1", OrgID: "org-1", Name: "user"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := dir.CreateTeam(ctx, &iam.Team{ID: "eng", OrgID: "org-1", Name: "Engineering"}); err != nil {
		t.Fatalf("create team: %v", err)
	}
	if err := dir.AddTeamMember(ctx, "u-1", "eng"); err != nil {
		t.Fatalf("add member: %v", err)
	}

	shared := &iam.Policy{ID: "p-shared", Version: "1", Name: "shared", Shared: true,
		Statements: []iam.Statement{{Effect: iam.EffectAllow, Action: iam.ValueSet{"read"}, Resource: iam.ValueSet{"*"}}}}
	if err := store.CreatePolicy(ctx, shared); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	// the same shared policy reaches the user twice, once per scope
	if _, err := store.AddInstance(ctx, &iam.PolicyInstance{PolicyID: "p-shared", EntityType: iam.EntityUser, EntityID: "u-1"}); err != nil {
		t.Fatalf("attach to user: %v", err)
	}
	if _, err := store.AddInstance(ctx, &iam.PolicyInstance{PolicyID: "p-shared", EntityType: iam.EntityTeam, EntityID: "eng"}); err != nil {
		t.Fatalf("attach to team: %v", err)
	}

	got, err := agg.ListUserPolicies(ctx, "u-1", "org-1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	// two distinct instances of one policy, not four records
	if len(got) != 2 {
		t.Fatalf("expected 2 distinct instances, got %d", len(got))
	}
	if got[0].Instance >= got[1].Instance {
		t.Fatalf("output must be sorted by (policy, instance): %+v", got)
	}
}

func TestAggregateDistinctInstancesSurvive(t *testing.T) {
	agg, dir, store := newTestAggregator(t)
	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if err := dir.CreateUser(ctx, &iam.User{ID: "u-1", OrgID: "org-1", Name: "user"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	p := &iam.Policy{ID: "p-db", Version: "1", Name: "db", OrgID: "org-1",
		Statements: []iam.Statement{{Effect: iam.EffectAllow, Action: iam.ValueSet{"read"}, Resource: iam.ValueSet{"res:${db}:*"}}}}
	if err := store.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	for _, db := range []string{"orders", "payments"} {
		if _, err := store.AddInstance(ctx, &iam.PolicyInstance{
			PolicyID: "p-db", EntityType: iam.EntityUser, EntityID: "u-1",
			Variables: map[string]string{"db": db},
		}); err != nil {
			t.Fatalf("attach %s: %v", db, err)
		}
	}

	got, err := agg.ListUserPolicies(ctx, "u-1", "org-1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("both variable bindings must survive, got %d", len(got))
	}
	if got[0].Variables["db"] == got[1].Variables["db"] {
		t.Fatalf("instances lost their distinct bindings: %+v", got)
	}
}

func TestAggregateDanglingMembershipTolerated(t *testing.T) {
	store := stores.NewMemoryStore()
	// membership held in a separate store can reference a team the directory
	// no longer knows about
	members := stores.NewMemoryStore()
	agg := iam.NewAggregator(store, store, members, "")
	dir := iam.NewDirectory(store)

	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if err := dir.CreateUser(ctx, &iam.User{ID: "u-1", OrgID: "org-1", Name: "user"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := members.AddMember(ctx, "u-1", "ghost-team"); err != nil {
		t.Fatalf("add member: %v", err)
	}

	if _, err := agg.ListUserPolicies(ctx, "u-1", "org-1"); err != nil {
		t.Fatalf("dangling membership must not error: %v", err)
	}
}
