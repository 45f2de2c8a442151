package iam

import (
	"context"
	"fmt"

	"github.com/oarkflow/xid"

	"github.com/oarkflow/iam/logger"
)

// ============================================================================
// DIRECTORY OPERATIONS
// ============================================================================

// Directory is the management surface for organizations, teams and users.
// Mutations that can change policy reachability notify the invalidator so
// the Authorizer drops its cached aggregations.
type Directory struct {
	store      Store
	members    MembershipStore
	logger     logger.Logger
	invalidate func()
}

// DirectoryOption configures a Directory.
type DirectoryOption func(d *Directory)

// WithDirectoryLogger installs a structured logger.
func WithDirectoryLogger(l logger.Logger) DirectoryOption {
	return func(d *Directory) { d.logger = l }
}

// WithInvalidator registers a callback fired after membership or hierarchy
// mutations, typically (*Authorizer).InvalidateCache.
func WithInvalidator(f func()) DirectoryOption {
	return func(d *Directory) { d.invalidate = f }
}

// WithDirectoryMembershipStore routes membership writes through a separate
// store (e.g. Redis) instead of the directory tables.
func WithDirectoryMembershipStore(ms MembershipStore) DirectoryOption {
	return func(d *Directory) { d.members = ms }
}

// NewDirectory builds a Directory over a Store.
func NewDirectory(store Store, opts ...DirectoryOption) *Directory {
	d := &Directory{store: store, members: store, invalidate: func() {}}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.NewNullLogger()
	}
	return d
}

// CreateOrganization stores the organization and installs its default admin
// policy: full authorization rights over the organization's own teams, users
// and policies.
func (d *Directory) CreateOrganization(ctx context.Context, org *Organization) (*Policy, error) {
	if org == nil || org.ID == "" || org.Name == "" {
		return nil, fmt.Errorf("%w: organization id and name are required", ErrValidation)
	}
	if err := d.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	admin := DefaultAdminPolicy(org.ID)
	if err := d.store.CreatePolicy(ctx, admin); err != nil {
		return nil, fmt.Errorf("install admin policy for %s: %w", org.ID, err)
	}
	d.logger.Info("organization created", "organization", org.ID, "admin_policy", admin.ID)
	d.invalidate()
	return admin, nil
}

// DeleteOrganization removes the organization, its teams, users and policies.
func (d *Directory) DeleteOrganization(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	policies, err := d.store.ListPolicies(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := d.store.DeletePolicy(ctx, p.ID); err != nil {
			return err
		}
	}
	if err := d.store.DeleteOrganization(ctx, id); err != nil {
		return err
	}
	d.invalidate()
	return nil
}

// EnsureSuperOrganization creates the reserved root organization and its
// allow-all policy if they do not exist yet. Idempotent.
func (d *Directory) EnsureSuperOrganization(ctx context.Context, id string) error {
	if id == "" {
		id = DefaultSuperOrganization
	}
	if _, err := d.store.GetOrganization(ctx, id); err == nil {
		return nil
	}
	if err := d.store.CreateOrganization(ctx, &Organization{ID: id, Name: "Super organization"}); err != nil {
		return err
	}
	root := &Policy{
		ID:      "policy-" + xid.New().String(),
		Version: "0.1",
		Name:    "Root policy",
		OrgID:   id,
		Statements: []Statement{{
			Sid:      "root",
			Effect:   EffectAllow,
			Action:   ValueSet{"*"},
			Resource: ValueSet{"*"},
		}},
	}
	if err := d.store.CreatePolicy(ctx, root); err != nil {
		return err
	}
	d.logger.Info("super organization created", "organization", id, "policy", root.ID)
	return nil
}

// CreateTeam stores a team. The parent, when set, must exist and belong to
// the same organization; the store derives the materialized path from it.
func (d *Directory) CreateTeam(ctx context.Context, team *Team) error {
	if team == nil || team.ID == "" || team.OrgID == "" || team.Name == "" {
		return fmt.Errorf("%w: team id, organization and name are required", ErrValidation)
	}
	if team.ParentID != "" {
		parent, err := d.store.GetTeam(ctx, team.ParentID)
		if err != nil {
			return err
		}
		if parent.OrgID != team.OrgID {
			return fmt.Errorf("%w: parent team belongs to another organization", ErrValidation)
		}
	}
	if err := d.store.CreateTeam(ctx, team); err != nil {
		return err
	}
	d.invalidate()
	return nil
}

// MoveTeam re-parents a team. Moving a team under itself or one of its
// descendants is rejected; the store rewrites every descendant path in the
// same transaction so ancestor containment never observes a partial move.
func (d *Directory) MoveTeam(ctx context.Context, teamID, newParentID string) error {
	if teamID == "" {
		return fmt.Errorf("%w: team id is required", ErrValidation)
	}
	team, err := d.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if newParentID != "" {
		parent, err := d.store.GetTeam(ctx, newParentID)
		if err != nil {
			return err
		}
		if parent.OrgID != team.OrgID {
			return fmt.Errorf("%w: cannot move team across organizations", ErrValidation)
		}
		if PathContains(team.Path, parent.Path) {
			return fmt.Errorf("%w: cannot move team under its own descendant", ErrValidation)
		}
	}
	if err := d.store.MoveTeam(ctx, teamID, newParentID); err != nil {
		return err
	}
	d.invalidate()
	return nil
}

// DeleteTeam removes the team and its policy attachments.
func (d *Directory) DeleteTeam(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: team id is required", ErrValidation)
	}
	if err := d.store.DeleteTeam(ctx, id); err != nil {
		return err
	}
	d.invalidate()
	return nil
}

// CreateUser stores a user in an existing organization.
func (d *Directory) CreateUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.OrgID == "" || user.Name == "" {
		return fmt.Errorf("%w: user id, organization and name are required", ErrValidation)
	}
	if _, err := d.store.GetOrganization(ctx, user.OrgID); err != nil {
		return err
	}
	return d.store.CreateUser(ctx, user)
}

// DeleteUser removes the user, their memberships and policy attachments.
func (d *Directory) DeleteUser(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if err := d.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	d.invalidate()
	return nil
}

// AddTeamMember puts a user in a team. Both must exist and share an
// organization.
func (d *Directory) AddTeamMember(ctx context.Context, userID, teamID string) error {
	user, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	team, err := d.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if user.OrgID != team.OrgID {
		return fmt.Errorf("%w: user and team belong to different organizations", ErrValidation)
	}
	if err := d.members.AddMember(ctx, userID, teamID); err != nil {
		return err
	}
	d.invalidate()
	return nil
}

// RemoveTeamMember takes a user out of a team.
func (d *Directory) RemoveTeamMember(ctx context.Context, userID, teamID string) error {
	if err := d.members.RemoveMember(ctx, userID, teamID); err != nil {
		return err
	}
	d.invalidate()
	return nil
}

// DefaultAdminPolicy is the policy installed at organization creation: full
// authorization rights scoped to the organization's own resources.
func DefaultAdminPolicy(orgID string) *Policy {
	return &Policy{
		ID:      "policy-" + xid.New().String(),
		Version: "0.1",
		Name:    orgID + " admin",
		OrgID:   orgID,
		Statements: []Statement{{
			Sid:    "org-admin",
			Effect: EffectAllow,
			Action: ValueSet{"authorization:*"},
			Resource: ValueSet{
				"authorization/organization/" + orgID,
				"authorization/team/" + orgID + "/*",
				"authorization/user/" + orgID + "/*",
				"authorization/policy/" + orgID + "/*",
			},
		}},
	}
}
