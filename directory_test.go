package iam_test

import (
	"context"
	"errors"
	"testing"

	iam "github.com/oarkflow/iam"
	"github.com/oarkflow/iam/stores"
)

func newTestDirectory(t *testing.T) (*iam.Directory, *stores.MemoryStore) {
	t.Helper()
	store := stores.NewMemoryStore()
	return iam.NewDirectory(store), store
}

func TestCreateOrganizationInstallsAdminPolicy(t *testing.T) {
	dir, store := newTestDirectory(t)
	ctx := context.Background()

	admin, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"})
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if admin == nil || admin.OrgID != "org-1" {
		t.Fatalf("expected the default admin policy back, got %+v", admin)
	}
	if _, err := store.GetPolicy(ctx, admin.ID); err != nil {
		t.Fatalf("admin policy should be persisted: %v", err)
	}
}

func TestCreateTeamDerivesPath(t *testing.T) {
	dir, store := newTestDirectory(t)
	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if err := dir.CreateTeam(ctx, &iam.Team{ID: "eng", OrgID: "org-1", Name: "Engineering"}); err != nil {
		t.Fatalf("create root team: %v", err)
	}
	if err := dir.CreateTeam(ctx, &iam.Team{ID: "backend", OrgID: "org-1", Name: "Backend", ParentID: "eng"}); err != nil {
		t.Fatalf("create child team: %v", err)
	}

	team, err := store.GetTeam(ctx, "backend")
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if team.Path != "eng.backend" {
		t.Fatalf("path = %q, want %q", team.Path, "eng.backend")
	}
}

func TestCreateTeamParentMustExistAndShareOrg(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-2", Name: "Globex"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if err := dir.CreateTeam(ctx, &iam.Team{ID: "other", OrgID: "org-2", Name: "Other"}); err != nil {
		t.Fatalf("create team: %v", err)
	}

	err := dir.CreateTeam(ctx, &iam.Team{ID: "x", OrgID: "org-1", Name: "X", ParentID: "ghost"})
	if !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("missing parent: expected ErrNotFound, got %v", err)
	}
	err = dir.CreateTeam(ctx, &iam.Team{ID: "y", OrgID: "org-1", Name: "Y", ParentID: "other"})
	if !errors.Is(err, iam.ErrValidation) {
		t.Fatalf("cross-organization parent: expected ErrValidation, got %v", err)
	}
}

func TestMoveTeamRewritesSubtreePaths(t *testing.T) {
	dir, store := newTestDirectory(t)
	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	for _, team := range []*iam.Team{
		{ID: "a", OrgID: "org-1", Name: "A"},
		{ID: "b", OrgID: "org-1", Name: "B", ParentID: "a"},
		{ID: "c", OrgID: "org-1", Name: "C", ParentID: "b"},
		{ID: "d", OrgID: "org-1", Name: "D"},
	} {
		if err := dir.CreateTeam(ctx, team); err != nil {
			t.Fatalf("create team %s: %v", team.ID, err)
		}
	}

	// b (with descendant c) moves from under a to under d
	if err := dir.MoveTeam(ctx, "b", "d"); err != nil {
		t.Fatalf("move team: %v", err)
	}

	b, _ := store.GetTeam(ctx, "b")
	if b.Path != "d.b" || b.ParentID != "d" {
		t.Fatalf("moved team path = %q parent = %q", b.Path, b.ParentID)
	}
	c, _ := store.GetTeam(ctx, "c")
	if c.Path != "d.b.c" {
		t.Fatalf("descendant path not rewritten: %q", c.Path)
	}
	a, _ := store.GetTeam(ctx, "a")
	if a.Path != "a" {
		t.Fatalf("unrelated team path changed: %q", a.Path)
	}
}

func TestMoveTeamToRoot(t *testing.T) {
	dir, store := newTestDirectory(t)
	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if err := dir.CreateTeam(ctx, &iam.Team{ID: "a", OrgID: "org-1", Name: "A"}); err != nil {
		t.Fatalf("create team: %v", err)
	}
	if err := dir.CreateTeam(ctx, &iam.Team{ID: "b", OrgID: "org-1", Name: "B", ParentID: "a"}); err != nil {
		t.Fatalf("create team: %v", err)
	}

	if err := dir.MoveTeam(ctx, "b", ""); err != nil {
		t.Fatalf("move to root: %v", err)
	}
	b, _ := store.GetTeam(ctx, "b")
	if b.Path != "b" || b.ParentID != "" {
		t.Fatalf("root move: path = %q parent = %q", b.Path, b.ParentID)
	}
}

func TestMoveTeamUnderDescendantRejected(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if err := dir.CreateTeam(ctx, &iam.Team{ID: "a", OrgID: "org-1", Name: "A"}); err != nil {
		t.Fatalf("create team: %v", err)
	}
	if err := dir.CreateTeam(ctx, &iam.Team{ID: "b", OrgID: "org-1", Name: "B", ParentID: "a"}); err != nil {
		t.Fatalf("create team: %v", err)
	}

	err := dir.MoveTeam(ctx, "a", "b")
	if !errors.Is(err, iam.ErrValidation) {
		t.Fatalf("cycle move: expected ErrValidation, got %v", err)
	}
	err = dir.MoveTeam(ctx, "a", "a")
	if !errors.Is(err, iam.ErrValidation) {
		t.Fatalf("self move: expected ErrValidation, got %v", err)
	}
}

func TestAddTeamMemberValidation(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-2", Name: "Globex"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if err := dir.CreateTeam(ctx, &iam.Team{ID: "eng", OrgID: "org-1", Name: "Engineering"}); err != nil {
		t.Fatalf("create team: %v", err)
	}
	if err := dir.CreateUser(ctx, &iam.User{ID: "u-2", OrgID: "org-2", Name: "outsider"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	err := dir.AddTeamMember(ctx, "u-2", "eng")
	if !errors.Is(err, iam.ErrValidation) {
		t.Fatalf("cross-organization membership: expected ErrValidation, got %v", err)
	}
	err = dir.AddTeamMember(ctx, "ghost", "eng")
	if !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("unknown user: expected ErrNotFound, got %v", err)
	}
}

func TestCreateUserRequiresOrganization(t *testing.T) {
	dir, _ := newTestDirectory(t)
	err := dir.CreateUser(context.Background(), &iam.User{ID: "u-1", OrgID: "nowhere", Name: "lost"})
	if !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown organization, got %v", err)
	}
}

func TestDeleteOrganizationCascades(t *testing.T) {
	dir, store := newTestDirectory(t)
	ctx := context.Background()
	if _, err := dir.CreateOrganization(ctx, &iam.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if err := dir.CreateTeam(ctx, &iam.Team{ID: "eng", OrgID: "org-1", Name: "Engineering"}); err != nil {
		t.Fatalf("create team: %v", err)
	}
	if err := dir.CreateUser(ctx, &iam.User{ID: "u-1", OrgID: "org-1", Name: "user"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if err := dir.DeleteOrganization(ctx, "org-1"); err != nil {
		t.Fatalf("delete organization: %v", err)
	}
	if _, err := store.GetTeam(ctx, "eng"); !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("team should be gone, got %v", err)
	}
	if _, err := store.GetUser(ctx, "u-1"); !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("user should be gone, got %v", err)
	}
	policies, err := store.ListPolicies(ctx, "org-1")
	if err != nil {
		t.Fatalf("list policies: %v", err)
	}
	if len(policies) != 0 {
		t.Fatalf("organization policies should be gone, found %d", len(policies))
	}
}

func TestEnsureSuperOrganizationIdempotent(t *testing.T) {
	dir, store := newTestDirectory(t)
	ctx := context.Background()
	if err := dir.EnsureSuperOrganization(ctx, ""); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := dir.EnsureSuperOrganization(ctx, ""); err != nil {
		t.Fatalf("second ensure must be a no-op: %v", err)
	}
	if _, err := store.GetOrganization(ctx, iam.DefaultSuperOrganization); err != nil {
		t.Fatalf("super organization should exist: %v", err)
	}
}
