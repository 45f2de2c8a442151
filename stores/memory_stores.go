package stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/iam"
)

// MemoryStore implements the full iam.Store contract in memory. It backs the
// unit tests and small single-process deployments; the SQL stores are the
// production path.
type MemoryStore struct {
	mu           sync.RWMutex
	orgs         map[string]*iam.Organization
	teams        map[string]*iam.Team
	users        map[string]*iam.User
	policies     map[string]*iam.Policy
	attachments  []*iam.PolicyInstance
	members      map[string]map[string]bool // userID -> teamID set
	nextInstance int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:     make(map[string]*iam.Organization),
		teams:    make(map[string]*iam.Team),
		users:    make(map[string]*iam.User),
		policies: make(map[string]*iam.Policy),
		members:  make(map[string]map[string]bool),
	}
}

// ============================================================================
// POLICIES
// ============================================================================

func (s *MemoryStore) CreatePolicy(ctx context.Context, p *iam.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; ok {
		return fmt.Errorf("%w: policy %s", iam.ErrConflict, p.ID)
	}
	cp := clonePolicy(p)
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.policies[p.ID] = cp
	return nil
}

func (s *MemoryStore) UpdatePolicy(ctx context.Context, p *iam.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[p.ID]
	if !ok {
		return fmt.Errorf("%w: policy %s", iam.ErrNotFound, p.ID)
	}
	cp := clonePolicy(p)
	cp.CreatedAt = old.CreatedAt
	cp.UpdatedAt = time.Now()
	s.policies[p.ID] = cp
	return nil
}

func (s *MemoryStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return fmt.Errorf("%w: policy %s", iam.ErrNotFound, id)
	}
	delete(s.policies, id)
	// cascade to every attachment of the policy
	kept := s.attachments[:0]
	for _, a := range s.attachments {
		if a.PolicyID != id {
			kept = append(kept, a)
		}
	}
	s.attachments = kept
	return nil
}

func (s *MemoryStore) GetPolicy(ctx context.Context, id string) (*iam.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: policy %s", iam.ErrNotFound, id)
	}
	return clonePolicy(p), nil
}

func (s *MemoryStore) ListPolicies(ctx context.Context, orgID string) ([]*iam.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*iam.Policy, 0)
	for _, p := range s.policies {
		if p.OrgID == orgID || (orgID == "" && p.Shared) {
			out = append(out, clonePolicy(p))
		}
	}
	return out, nil
}

// ============================================================================
// ATTACHMENTS
// ============================================================================

func (s *MemoryStore) AddInstance(ctx context.Context, inst *iam.PolicyInstance) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addInstanceLocked(inst)
}

func (s *MemoryStore) addInstanceLocked(inst *iam.PolicyInstance) (int64, error) {
	if _, ok := s.policies[inst.PolicyID]; !ok {
		return 0, fmt.Errorf("%w: policy %s", iam.ErrNotFound, inst.PolicyID)
	}
	if conflictsWith(s.attachments, nil, inst, inst.VariablesKey()) {
		return 0, fmt.Errorf("%w: policy %s already attached to %s %s with the same variables",
			iam.ErrConflict, inst.PolicyID, inst.EntityType, inst.EntityID)
	}
	s.nextInstance++
	cp := cloneInstance(inst)
	cp.Instance = s.nextInstance
	s.attachments = append(s.attachments, cp)
	return cp.Instance, nil
}

// AmendInstances applies the whole batch or none of it: entries are staged on
// a copy of the attachment list and the copy replaces the live list only once
// every entry succeeded.
func (s *MemoryStore) AmendInstances(ctx context.Context, entityType iam.EntityType, entityID string, entries []iam.PolicyInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := make([]*iam.PolicyInstance, len(s.attachments))
	for i, a := range s.attachments {
		staged[i] = cloneInstance(a)
	}
	next := s.nextInstance
	for i := range entries {
		e := entries[i]
		e.EntityType = entityType
		e.EntityID = entityID
		key := e.VariablesKey()
		if e.Instance == 0 {
			if _, ok := s.policies[e.PolicyID]; !ok {
				return fmt.Errorf("%w: policy %s", iam.ErrNotFound, e.PolicyID)
			}
			if conflictsWith(staged, nil, &e, key) {
				return fmt.Errorf("%w: policy %s already attached to %s %s with the same variables",
					iam.ErrConflict, e.PolicyID, entityType, entityID)
			}
			next++
			cp := cloneInstance(&e)
			cp.Instance = next
			staged = append(staged, cp)
			continue
		}
		target := findInstance(staged, entityType, entityID, e.PolicyID, e.Instance)
		if target == nil {
			return fmt.Errorf("%w: instance %d of policy %s on %s %s",
				iam.ErrNotFound, e.Instance, e.PolicyID, entityType, entityID)
		}
		if conflictsWith(staged, target, &e, key) {
			return fmt.Errorf("%w: policy %s already attached to %s %s with the same variables",
				iam.ErrConflict, e.PolicyID, entityType, entityID)
		}
		target.Variables = cloneStringMap(e.Variables)
	}
	s.attachments = staged
	s.nextInstance = next
	return nil
}

func conflictsWith(list []*iam.PolicyInstance, skip, inst *iam.PolicyInstance, key string) bool {
	for _, a := range list {
		if a != skip && a.PolicyID == inst.PolicyID && a.EntityType == inst.EntityType &&
			a.EntityID == inst.EntityID && a.VariablesKey() == key {
			return true
		}
	}
	return false
}

func (s *MemoryStore) DeleteInstances(ctx context.Context, entityType iam.EntityType, entityID, policyID string, instance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.attachments[:0]
	for _, a := range s.attachments {
		match := a.EntityType == entityType && a.EntityID == entityID && a.PolicyID == policyID &&
			(instance == 0 || a.Instance == instance)
		if !match {
			kept = append(kept, a)
		}
	}
	s.attachments = kept
	return nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, policyID string) ([]*iam.PolicyInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*iam.PolicyInstance, 0)
	for _, a := range s.attachments {
		if a.PolicyID == policyID {
			out = append(out, cloneInstance(a))
		}
	}
	return out, nil
}

func findInstance(list []*iam.PolicyInstance, entityType iam.EntityType, entityID, policyID string, instance int64) *iam.PolicyInstance {
	for _, a := range list {
		if a.EntityType == entityType && a.EntityID == entityID &&
			a.PolicyID == policyID && a.Instance == instance {
			return a
		}
	}
	return nil
}

// ============================================================================
// INSTANCE SOURCE
// ============================================================================

func (s *MemoryStore) UserPolicyInstances(ctx context.Context, userID, orgID string) ([]*iam.AggregatedPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(a *iam.PolicyInstance, p *iam.Policy) bool {
		return a.EntityType == iam.EntityUser && a.EntityID == userID && !p.Shared && p.OrgID == orgID
	}), nil
}

func (s *MemoryStore) TeamPolicyInstances(ctx context.Context, teamIDs []string, orgID string) ([]*iam.AggregatedPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idSet := make(map[string]bool, len(teamIDs))
	for _, id := range teamIDs {
		idSet[id] = true
	}
	return s.collectLocked(func(a *iam.PolicyInstance, p *iam.Policy) bool {
		return a.EntityType == iam.EntityTeam && idSet[a.EntityID] && !p.Shared && p.OrgID == orgID
	}), nil
}

func (s *MemoryStore) OrganizationPolicyInstances(ctx context.Context, orgID string) ([]*iam.AggregatedPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(a *iam.PolicyInstance, p *iam.Policy) bool {
		return a.EntityType == iam.EntityOrganization && a.EntityID == orgID && !p.Shared && p.OrgID == orgID
	}), nil
}

func (s *MemoryStore) SharedPolicyInstances(ctx context.Context, scopeIDs []string) ([]*iam.AggregatedPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idSet := make(map[string]bool, len(scopeIDs))
	for _, id := range scopeIDs {
		idSet[id] = true
	}
	return s.collectLocked(func(a *iam.PolicyInstance, p *iam.Policy) bool {
		return p.Shared && idSet[a.EntityID]
	}), nil
}

func (s *MemoryStore) collectLocked(match func(*iam.PolicyInstance, *iam.Policy) bool) []*iam.AggregatedPolicy {
	out := make([]*iam.AggregatedPolicy, 0)
	for _, a := range s.attachments {
		p, ok := s.policies[a.PolicyID]
		if !ok || !match(a, p) {
			continue
		}
		out = append(out, &iam.AggregatedPolicy{
			PolicyID:   p.ID,
			Name:       p.Name,
			Version:    p.Version,
			Instance:   a.Instance,
			Statements: clonePolicy(p).Statements,
			Variables:  cloneStringMap(a.Variables),
		})
	}
	return out
}

// ============================================================================
// DIRECTORY
// ============================================================================

func (s *MemoryStore) CreateOrganization(ctx context.Context, org *iam.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; ok {
		return fmt.Errorf("%w: organization %s", iam.ErrConflict, org.ID)
	}
	cp := *org
	cp.CreatedAt = time.Now()
	s.orgs[org.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id string) (*iam.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, fmt.Errorf("%w: organization %s", iam.ErrNotFound, id)
	}
	cp := *org
	return &cp, nil
}

func (s *MemoryStore) DeleteOrganization(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return fmt.Errorf("%w: organization %s", iam.ErrNotFound, id)
	}
	delete(s.orgs, id)
	for tid, t := range s.teams {
		if t.OrgID == id {
			s.deleteTeamLocked(tid)
		}
	}
	for uid, u := range s.users {
		if u.OrgID == id {
			s.deleteUserLocked(uid)
		}
	}
	s.dropAttachmentsLocked(iam.EntityOrganization, id)
	return nil
}

func (s *MemoryStore) ListOrganizations(ctx context.Context) ([]*iam.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*iam.Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		cp := *org
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CreateTeam(ctx context.Context, team *iam.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[team.ID]; ok {
		return fmt.Errorf("%w: team %s", iam.ErrConflict, team.ID)
	}
	if _, ok := s.orgs[team.OrgID]; !ok {
		return fmt.Errorf("%w: organization %s", iam.ErrNotFound, team.OrgID)
	}
	parentPath := ""
	if team.ParentID != "" {
		parent, ok := s.teams[team.ParentID]
		if !ok {
			return fmt.Errorf("%w: team %s", iam.ErrNotFound, team.ParentID)
		}
		parentPath = parent.Path
	}
	cp := *team
	cp.Path = iam.TeamPath(parentPath, team.ID)
	cp.CreatedAt = time.Now()
	s.teams[team.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTeam(ctx context.Context, id string) (*iam.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, fmt.Errorf("%w: team %s", iam.ErrNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTeam(ctx context.Context, team *iam.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.teams[team.ID]
	if !ok {
		return fmt.Errorf("%w: team %s", iam.ErrNotFound, team.ID)
	}
	old.Name = team.Name
	old.Description = team.Description
	return nil
}

func (s *MemoryStore) DeleteTeam(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[id]; !ok {
		return fmt.Errorf("%w: team %s", iam.ErrNotFound, id)
	}
	s.deleteTeamLocked(id)
	return nil
}

// deleteTeamLocked removes a team, its descendants, their memberships and
// policy attachments.
func (s *MemoryStore) deleteTeamLocked(id string) {
	root, ok := s.teams[id]
	if !ok {
		return
	}
	for tid, t := range s.teams {
		if iam.PathContains(root.Path, t.Path) {
			delete(s.teams, tid)
			s.dropAttachmentsLocked(iam.EntityTeam, tid)
			for _, set := range s.members {
				delete(set, tid)
			}
		}
	}
}

func (s *MemoryStore) ListTeams(ctx context.Context, orgID string) ([]*iam.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*iam.Team, 0)
	for _, t := range s.teams {
		if t.OrgID == orgID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) MoveTeam(ctx context.Context, teamID, newParentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, ok := s.teams[teamID]
	if !ok {
		return fmt.Errorf("%w: team %s", iam.ErrNotFound, teamID)
	}
	parentPath := ""
	if newParentID != "" {
		parent, ok := s.teams[newParentID]
		if !ok {
			return fmt.Errorf("%w: team %s", iam.ErrNotFound, newParentID)
		}
		if iam.PathContains(team.Path, parent.Path) {
			return fmt.Errorf("%w: team %s is a descendant of %s", iam.ErrValidation, newParentID, teamID)
		}
		parentPath = parent.Path
	}
	oldPath := team.Path
	newPath := iam.TeamPath(parentPath, teamID)
	// single mutex section: the subtree rewrite is atomic
	for _, t := range s.teams {
		if iam.PathContains(oldPath, t.Path) {
			t.Path = newPath + t.Path[len(oldPath):]
		}
	}
	team.ParentID = newParentID
	return nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *iam.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("%w: user %s", iam.ErrConflict, user.ID)
	}
	if _, ok := s.orgs[user.OrgID]; !ok {
		return fmt.Errorf("%w: organization %s", iam.ErrNotFound, user.OrgID)
	}
	cp := *user
	cp.Metadata = cloneStringMap(user.Metadata)
	cp.CreatedAt = time.Now()
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*iam.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", iam.ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("%w: user %s", iam.ErrNotFound, id)
	}
	s.deleteUserLocked(id)
	return nil
}

func (s *MemoryStore) deleteUserLocked(id string) {
	delete(s.users, id)
	delete(s.members, id)
	s.dropAttachmentsLocked(iam.EntityUser, id)
}

func (s *MemoryStore) ListUsers(ctx context.Context, orgID string) ([]*iam.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*iam.User, 0)
	for _, u := range s.users {
		if u.OrgID == orgID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ============================================================================
// MEMBERSHIP
// ============================================================================

func (s *MemoryStore) AddMember(ctx context.Context, userID, teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[userID]
	if !ok {
		set = make(map[string]bool)
		s.members[userID] = set
	}
	set[teamID] = true
	return nil
}

func (s *MemoryStore) RemoveMember(ctx context.Context, userID, teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[userID], teamID)
	return nil
}

func (s *MemoryStore) UserTeamIDs(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members[userID]))
	for id := range s.members[userID] {
		out = append(out, id)
	}
	return out, nil
}

func (s *MemoryStore) dropAttachmentsLocked(entityType iam.EntityType, entityID string) {
	kept := s.attachments[:0]
	for _, a := range s.attachments {
		if a.EntityType != entityType || a.EntityID != entityID {
			kept = append(kept, a)
		}
	}
	s.attachments = kept
}

// ============================================================================
// HELPERS
// ============================================================================

func clonePolicy(p *iam.Policy) *iam.Policy {
	cp := *p
	cp.Statements = make([]iam.Statement, len(p.Statements))
	copy(cp.Statements, p.Statements)
	return &cp
}

func cloneInstance(a *iam.PolicyInstance) *iam.PolicyInstance {
	cp := *a
	cp.Variables = cloneStringMap(a.Variables)
	return &cp
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
