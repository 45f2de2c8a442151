package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/iam"
	"github.com/oarkflow/squealx"
)

// SQLDirectoryStore persists organizations, teams, users and team membership
// in SQL (squealx).
type SQLDirectoryStore struct {
	db *squealx.DB
}

func NewSQLDirectoryStore(db *squealx.DB) *SQLDirectoryStore {
	return &SQLDirectoryStore{db: db}
}

// ============================================================================
// ORGANIZATIONS
// ============================================================================

func (s *SQLDirectoryStore) CreateOrganization(ctx context.Context, org *iam.Organization) error {
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now()
	}
	metadata, _ := json.Marshal(org.Metadata)
	q := `INSERT INTO organizations(id, name, description, metadata_json, created_at) VALUES(:id, :name, :description, :metadata_json, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            org.ID,
		"name":          org.Name,
		"description":   org.Description,
		"metadata_json": string(metadata),
		"created_at":    org.CreatedAt,
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: organization %s", iam.ErrConflict, org.ID)
	}
	return err
}

func (s *SQLDirectoryStore) GetOrganization(ctx context.Context, id string) (*iam.Organization, error) {
	q := `SELECT id, name, description, metadata_json, created_at FROM organizations WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: organization %s", iam.ErrNotFound, id)
	}
	var idv, name string
	var desc, metadataJSON sql.NullString
	var createdRaw interface{}
	if err := r.Scan(&idv, &name, &desc, &metadataJSON, &createdRaw); err != nil {
		return nil, err
	}
	org := &iam.Organization{
		ID:          idv,
		Name:        name,
		Description: stringOrEmpty(desc),
		CreatedAt:   scanTime(createdRaw),
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &org.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of organization %s: %w", idv, err)
		}
	}
	return org, nil
}

func (s *SQLDirectoryStore) DeleteOrganization(ctx context.Context, id string) error {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM organizations WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: organization %s", iam.ErrNotFound, id)
	}
	// cascade: teams and their memberships, users and their memberships,
	// every attachment scoped to the organization's entities
	steps := []string{
		`DELETE FROM team_members WHERE team_id IN (SELECT id FROM teams WHERE org_id = :id)`,
		`DELETE FROM policy_instances WHERE entity_type = 'team' AND entity_id IN (SELECT id FROM teams WHERE org_id = :id)`,
		`DELETE FROM teams WHERE org_id = :id`,
		`DELETE FROM team_members WHERE user_id IN (SELECT id FROM users WHERE org_id = :id)`,
		`DELETE FROM policy_instances WHERE entity_type = 'user' AND entity_id IN (SELECT id FROM users WHERE org_id = :id)`,
		`DELETE FROM users WHERE org_id = :id`,
		`DELETE FROM policy_instances WHERE entity_type = 'organization' AND entity_id = :id`,
	}
	for _, q := range steps {
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id}); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLDirectoryStore) ListOrganizations(ctx context.Context) ([]*iam.Organization, error) {
	q := `SELECT id FROM organizations ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for r.Next() {
		var id string
		if err := r.Scan(&id); err != nil {
			r.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	r.Close()
	out := make([]*iam.Organization, 0, len(ids))
	for _, id := range ids {
		org, err := s.GetOrganization(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, nil
}

// ============================================================================
// TEAMS
// ============================================================================

func (s *SQLDirectoryStore) CreateTeam(ctx context.Context, team *iam.Team) error {
	if _, err := s.GetOrganization(ctx, team.OrgID); err != nil {
		return err
	}
	parentPath := ""
	if team.ParentID != "" {
		parent, err := s.GetTeam(ctx, team.ParentID)
		if err != nil {
			return err
		}
		parentPath = parent.Path
	}
	if team.CreatedAt.IsZero() {
		team.CreatedAt = time.Now()
	}
	team.Path = iam.TeamPath(parentPath, team.ID)
	q := `INSERT INTO teams(id, org_id, parent_id, name, description, path, created_at) VALUES(:id, :org_id, :parent_id, :name, :description, :path, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          team.ID,
		"org_id":      team.OrgID,
		"parent_id":   nullableString(team.ParentID),
		"name":        team.Name,
		"description": team.Description,
		"path":        team.Path,
		"created_at":  team.CreatedAt,
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: team %s", iam.ErrConflict, team.ID)
	}
	return err
}

func (s *SQLDirectoryStore) GetTeam(ctx context.Context, id string) (*iam.Team, error) {
	q := `SELECT id, org_id, parent_id, name, description, path, created_at FROM teams WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: team %s", iam.ErrNotFound, id)
	}
	return scanTeam(r)
}

func scanTeam(r rowScanner) (*iam.Team, error) {
	var id, orgID, name, path string
	var parentID, desc sql.NullString
	var createdRaw interface{}
	if err := r.Scan(&id, &orgID, &parentID, &name, &desc, &path, &createdRaw); err != nil {
		return nil, err
	}
	return &iam.Team{
		ID:          id,
		OrgID:       orgID,
		ParentID:    stringOrEmpty(parentID),
		Name:        name,
		Description: stringOrEmpty(desc),
		Path:        path,
		CreatedAt:   scanTime(createdRaw),
	}, nil
}

func (s *SQLDirectoryStore) UpdateTeam(ctx context.Context, team *iam.Team) error {
	q := `UPDATE teams SET name = :name, description = :description WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          team.ID,
		"name":        team.Name,
		"description": team.Description,
	})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: team %s", iam.ErrNotFound, team.ID)
	}
	return nil
}

func (s *SQLDirectoryStore) DeleteTeam(ctx context.Context, id string) error {
	team, err := s.GetTeam(ctx, id)
	if err != nil {
		return err
	}
	// the whole subtree goes, with memberships and attachments
	steps := []string{
		`DELETE FROM team_members WHERE team_id IN (SELECT id FROM teams WHERE path = :path OR path LIKE :path || '.%')`,
		`DELETE FROM policy_instances WHERE entity_type = 'team' AND entity_id IN (SELECT id FROM teams WHERE path = :path OR path LIKE :path || '.%')`,
		`DELETE FROM teams WHERE path = :path OR path LIKE :path || '.%'`,
	}
	for _, q := range steps {
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"path": team.Path}); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLDirectoryStore) ListTeams(ctx context.Context, orgID string) ([]*iam.Team, error) {
	q := `SELECT id, org_id, parent_id, name, description, path, created_at FROM teams WHERE org_id = :org_id ORDER BY path`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"org_id": orgID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*iam.Team, 0)
	for r.Next() {
		t, err := scanTeam(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLDirectoryStore) MoveTeam(ctx context.Context, teamID, newParentID string) error {
	team, err := s.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	parentPath := ""
	if newParentID != "" {
		parent, err := s.GetTeam(ctx, newParentID)
		if err != nil {
			return err
		}
		if iam.PathContains(team.Path, parent.Path) {
			return fmt.Errorf("%w: team %s is a descendant of %s", iam.ErrValidation, newParentID, teamID)
		}
		parentPath = parent.Path
	}
	newPath := iam.TeamPath(parentPath, teamID)
	// one statement rewrites the subtree and re-parents the root, so the
	// move is atomic
	q := `UPDATE teams
SET path = :new_path || substr(path, :old_len + 1),
    parent_id = CASE WHEN id = :team_id THEN :new_parent ELSE parent_id END
WHERE path = :old_path OR path LIKE :old_path || '.%'`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"new_path":   newPath,
		"old_len":    len(team.Path),
		"team_id":    teamID,
		"new_parent": nullableString(newParentID),
		"old_path":   team.Path,
	})
	return err
}

// ============================================================================
// USERS
// ============================================================================

func (s *SQLDirectoryStore) CreateUser(ctx context.Context, user *iam.User) error {
	if _, err := s.GetOrganization(ctx, user.OrgID); err != nil {
		return err
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	metadata, _ := json.Marshal(user.Metadata)
	q := `INSERT INTO users(id, org_id, name, metadata_json, created_at) VALUES(:id, :org_id, :name, :metadata_json, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            user.ID,
		"org_id":        user.OrgID,
		"name":          user.Name,
		"metadata_json": string(metadata),
		"created_at":    user.CreatedAt,
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s", iam.ErrConflict, user.ID)
	}
	return err
}

func (s *SQLDirectoryStore) GetUser(ctx context.Context, id string) (*iam.User, error) {
	q := `SELECT id, org_id, name, metadata_json, created_at FROM users WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: user %s", iam.ErrNotFound, id)
	}
	var idv, orgID, name string
	var metadataJSON sql.NullString
	var createdRaw interface{}
	if err := r.Scan(&idv, &orgID, &name, &metadataJSON, &createdRaw); err != nil {
		return nil, err
	}
	user := &iam.User{
		ID:        idv,
		OrgID:     orgID,
		Name:      name,
		CreatedAt: scanTime(createdRaw),
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &user.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of user %s: %w", idv, err)
		}
	}
	return user, nil
}

func (s *SQLDirectoryStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM users WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", iam.ErrNotFound, id)
	}
	steps := []string{
		`DELETE FROM team_members WHERE user_id = :id`,
		`DELETE FROM policy_instances WHERE entity_type = 'user' AND entity_id = :id`,
	}
	for _, q := range steps {
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id}); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLDirectoryStore) ListUsers(ctx context.Context, orgID string) ([]*iam.User, error) {
	q := `SELECT id FROM users WHERE org_id = :org_id ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"org_id": orgID})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for r.Next() {
		var id string
		if err := r.Scan(&id); err != nil {
			r.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	r.Close()
	out := make([]*iam.User, 0, len(ids))
	for _, id := range ids {
		user, err := s.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, nil
}

// ============================================================================
// MEMBERSHIP
// ============================================================================

func (s *SQLDirectoryStore) AddMember(ctx context.Context, userID, teamID string) error {
	q := `INSERT INTO team_members(user_id, team_id) VALUES(:user_id, :team_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "team_id": teamID})
	if isUniqueViolation(err) {
		return nil // already a member
	}
	return err
}

func (s *SQLDirectoryStore) RemoveMember(ctx context.Context, userID, teamID string) error {
	q := `DELETE FROM team_members WHERE user_id = :user_id AND team_id = :team_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "team_id": teamID})
	return err
}

func (s *SQLDirectoryStore) UserTeamIDs(ctx context.Context, userID string) ([]string, error) {
	q := `SELECT team_id FROM team_members WHERE user_id = :user_id ORDER BY team_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]string, 0)
	for r.Next() {
		var teamID string
		if err := r.Scan(&teamID); err != nil {
			return nil, err
		}
		out = append(out, teamID)
	}
	return out, nil
}
