package iam

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ============================================================================
// POLICY AGGREGATION
// ============================================================================

// DefaultSuperOrganization is the reserved organization whose members are
// root identities: their own policy attachments apply no matter which
// organization they are operating on.
const DefaultSuperOrganization = "root"

// Aggregator computes the full set of policy instances reachable by a user:
// direct attachments, attachments of every ancestor team, the organization's
// attachments and shared policies attached to any of those scopes.
type Aggregator struct {
	directory DirectoryStore
	members   MembershipStore
	source    InstanceSource
	superOrg  string
}

// NewAggregator builds an aggregator over a directory and an instance source.
// members may be nil, in which case the directory resolves membership itself.
func NewAggregator(directory DirectoryStore, source InstanceSource, members MembershipStore, superOrg string) *Aggregator {
	if members == nil {
		members = directory
	}
	if superOrg == "" {
		superOrg = DefaultSuperOrganization
	}
	return &Aggregator{directory: directory, members: members, source: source, superOrg: superOrg}
}

// ListUserPolicies returns every distinct policy instance reachable by the
// user within the organization, one record per instance. An unknown user or
// organization yields an empty list: authorization fails closed on missing
// identity rather than erroring.
func (a *Aggregator) ListUserPolicies(ctx context.Context, userID, orgID string) ([]*AggregatedPolicy, error) {
	user, err := a.directory.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("aggregate: resolve user %s: %w", userID, err)
	}

	// Root identities keep their own attachments wherever they operate;
	// everyone else only counts inside their own organization.
	userScopeOrg := orgID
	if user.OrgID == a.superOrg {
		userScopeOrg = a.superOrg
	} else if user.OrgID != orgID {
		return nil, nil
	}

	direct, err := a.source.UserPolicyInstances(ctx, userID, userScopeOrg)
	if err != nil {
		return nil, fmt.Errorf("aggregate: user instances: %w", err)
	}

	teamIDs, err := a.ancestorTeamIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	var team []*AggregatedPolicy
	if len(teamIDs) > 0 {
		team, err = a.source.TeamPolicyInstances(ctx, teamIDs, orgID)
		if err != nil {
			return nil, fmt.Errorf("aggregate: team instances: %w", err)
		}
	}

	org, err := a.source.OrganizationPolicyInstances(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("aggregate: organization instances: %w", err)
	}

	scopes := make([]string, 0, len(teamIDs)+2)
	scopes = append(scopes, userID)
	scopes = append(scopes, teamIDs...)
	scopes = append(scopes, orgID)
	shared, err := a.source.SharedPolicyInstances(ctx, scopes)
	if err != nil {
		return nil, fmt.Errorf("aggregate: shared instances: %w", err)
	}

	return dedupeInstances(direct, team, org, shared), nil
}

// ancestorTeamIDs resolves the user's team memberships and walks parent
// pointers upward, collecting every team on each ancestor chain. The walk is
// explicit so it works identically for any store implementation.
func (a *Aggregator) ancestorTeamIDs(ctx context.Context, userID string) ([]string, error) {
	memberOf, err := a.members.UserTeamIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("aggregate: user teams: %w", err)
	}
	seen := make(map[string]bool, len(memberOf))
	out := make([]string, 0, len(memberOf))
	for _, id := range memberOf {
		for id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
			team, err := a.directory.GetTeam(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					break
				}
				return nil, fmt.Errorf("aggregate: resolve team %s: %w", id, err)
			}
			id = team.ParentID
		}
	}
	return out, nil
}

type instanceKey struct {
	policyID string
	instance int64
}

// dedupeInstances unions the scope results, keyed on (policy id, instance).
// The same instance can reach a user through several scopes; distinct
// instances of one policy with different variables always survive.
func dedupeInstances(groups ...[]*AggregatedPolicy) []*AggregatedPolicy {
	seen := make(map[instanceKey]bool)
	out := make([]*AggregatedPolicy, 0)
	for _, group := range groups {
		for _, p := range group {
			k := instanceKey{policyID: p.PolicyID, instance: p.Instance}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PolicyID != out[j].PolicyID {
			return out[i].PolicyID < out[j].PolicyID
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}
