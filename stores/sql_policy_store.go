package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/iam"
	"github.com/oarkflow/squealx"
)

// SQLPolicyStore persists policies and policy instances in SQL (squealx).
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

func (s *SQLPolicyStore) CreatePolicy(ctx context.Context, p *iam.Policy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	statements, _ := json.Marshal(p.Statements)
	q := `INSERT INTO policies(id, version, name, org_id, shared, statements_json, created_at, updated_at) VALUES(:id, :version, :name, :org_id, :shared, :statements_json, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              p.ID,
		"version":         p.Version,
		"name":            p.Name,
		"org_id":          p.OrgID,
		"shared":          boolToInt(p.Shared),
		"statements_json": string(statements),
		"created_at":      p.CreatedAt,
		"updated_at":      p.UpdatedAt,
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: policy %s", iam.ErrConflict, p.ID)
	}
	return err
}

func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *iam.Policy) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	statements, _ := json.Marshal(p.Statements)
	q := `UPDATE policies SET version=:version, name=:name, org_id=:org_id, shared=:shared, statements_json=:statements_json, updated_at=:updated_at WHERE id=:id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              p.ID,
		"version":         p.Version,
		"name":            p.Name,
		"org_id":          p.OrgID,
		"shared":          boolToInt(p.Shared),
		"statements_json": string(statements),
		"updated_at":      p.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: policy %s", iam.ErrNotFound, p.ID)
	}
	return nil
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM policies WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: policy %s", iam.ErrNotFound, id)
	}
	// cascade to every attachment of the policy
	_, err = s.db.NamedExecContext(ctx, `DELETE FROM policy_instances WHERE policy_id = :id`, map[string]any{"id": id})
	return err
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*iam.Policy, error) {
	q := `SELECT id, version, name, org_id, shared, statements_json, created_at, updated_at FROM policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: policy %s", iam.ErrNotFound, id)
	}
	return scanPolicy(r)
}

func (s *SQLPolicyStore) ListPolicies(ctx context.Context, orgID string) ([]*iam.Policy, error) {
	q := `SELECT id, version, name, org_id, shared, statements_json, created_at, updated_at FROM policies WHERE org_id = :org_id OR (:org_id = '' AND shared = 1)`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"org_id": orgID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*iam.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(r rowScanner) (*iam.Policy, error) {
	var id, version, name, orgID, statementsJSON string
	var sharedInt int
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &version, &name, &orgID, &sharedInt, &statementsJSON, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p := &iam.Policy{
		ID:        id,
		Version:   version,
		Name:      name,
		OrgID:     orgID,
		Shared:    sharedInt != 0,
		CreatedAt: scanTime(createdRaw),
		UpdatedAt: scanTime(updatedRaw),
	}
	if err := json.Unmarshal([]byte(statementsJSON), &p.Statements); err != nil {
		return nil, fmt.Errorf("decode statements of policy %s: %w", id, err)
	}
	return p, nil
}

// ============================================================================
// ATTACHMENTS
// ============================================================================

func (s *SQLPolicyStore) AddInstance(ctx context.Context, inst *iam.PolicyInstance) (int64, error) {
	if _, err := s.GetPolicy(ctx, inst.PolicyID); err != nil {
		return 0, err
	}
	q := `INSERT INTO policy_instances(policy_id, entity_type, entity_id, variables_json) VALUES(:policy_id, :entity_type, :entity_id, :variables_json)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"policy_id":      inst.PolicyID,
		"entity_type":    string(inst.EntityType),
		"entity_id":      inst.EntityID,
		"variables_json": inst.VariablesKey(),
	})
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%w: policy %s already attached to %s %s with the same variables",
			iam.ErrConflict, inst.PolicyID, inst.EntityType, inst.EntityID)
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AmendInstances applies the whole batch inside one transaction, so a failed
// entry rolls back every earlier insert and update.
func (s *SQLPolicyStore) AmendInstances(ctx context.Context, entityType iam.EntityType, entityID string, entries []iam.PolicyInstance) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i := range entries {
		e := entries[i]
		e.EntityType = entityType
		e.EntityID = entityID
		if e.Instance == 0 {
			if err := insertInstanceTx(ctx, tx, &e); err != nil {
				return err
			}
			continue
		}
		q := `UPDATE policy_instances SET variables_json = :variables_json WHERE instance = :instance AND policy_id = :policy_id AND entity_type = :entity_type AND entity_id = :entity_id`
		res, err := tx.NamedExecContext(ctx, q, map[string]any{
			"variables_json": e.VariablesKey(),
			"instance":       e.Instance,
			"policy_id":      e.PolicyID,
			"entity_type":    string(entityType),
			"entity_id":      entityID,
		})
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: policy %s already attached to %s %s with the same variables",
				iam.ErrConflict, e.PolicyID, entityType, entityID)
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: instance %d of policy %s on %s %s",
				iam.ErrNotFound, e.Instance, e.PolicyID, entityType, entityID)
		}
	}
	return tx.Commit()
}

func insertInstanceTx(ctx context.Context, tx *squealx.Tx, inst *iam.PolicyInstance) error {
	r, err := tx.NamedQueryContext(ctx, `SELECT id FROM policies WHERE id = :id`, map[string]any{"id": inst.PolicyID})
	if err != nil {
		return err
	}
	found := r.Next()
	r.Close()
	if !found {
		return fmt.Errorf("%w: policy %s", iam.ErrNotFound, inst.PolicyID)
	}
	q := `INSERT INTO policy_instances(policy_id, entity_type, entity_id, variables_json) VALUES(:policy_id, :entity_type, :entity_id, :variables_json)`
	_, err = tx.NamedExecContext(ctx, q, map[string]any{
		"policy_id":      inst.PolicyID,
		"entity_type":    string(inst.EntityType),
		"entity_id":      inst.EntityID,
		"variables_json": inst.VariablesKey(),
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: policy %s already attached to %s %s with the same variables",
			iam.ErrConflict, inst.PolicyID, inst.EntityType, inst.EntityID)
	}
	return err
}

func (s *SQLPolicyStore) DeleteInstances(ctx context.Context, entityType iam.EntityType, entityID, policyID string, instance int64) error {
	args := map[string]any{
		"entity_type": string(entityType),
		"entity_id":   entityID,
		"policy_id":   policyID,
	}
	q := `DELETE FROM policy_instances WHERE entity_type = :entity_type AND entity_id = :entity_id AND policy_id = :policy_id`
	if instance > 0 {
		q += ` AND instance = :instance`
		args["instance"] = instance
	}
	_, err := s.db.NamedExecContext(ctx, q, args)
	return err
}

func (s *SQLPolicyStore) ListInstances(ctx context.Context, policyID string) ([]*iam.PolicyInstance, error) {
	q := `SELECT instance, policy_id, entity_type, entity_id, variables_json FROM policy_instances WHERE policy_id = :policy_id ORDER BY instance`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": policyID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*iam.PolicyInstance, 0)
	for r.Next() {
		var instance int64
		var pid, etype, eid, varsJSON string
		if err := r.Scan(&instance, &pid, &etype, &eid, &varsJSON); err != nil {
			return nil, err
		}
		inst := &iam.PolicyInstance{
			PolicyID:   pid,
			EntityType: iam.EntityType(etype),
			EntityID:   eid,
			Instance:   instance,
		}
		if err := json.Unmarshal([]byte(varsJSON), &inst.Variables); err != nil {
			return nil, fmt.Errorf("decode variables of instance %d: %w", instance, err)
		}
		out = append(out, inst)
	}
	return out, nil
}

// ============================================================================
// INSTANCE SOURCE
// ============================================================================

const aggregatedQuery = `SELECT p.id, p.name, p.version, i.instance, p.statements_json, i.variables_json
FROM policy_instances i JOIN policies p ON p.id = i.policy_id`

func (s *SQLPolicyStore) UserPolicyInstances(ctx context.Context, userID, orgID string) ([]*iam.AggregatedPolicy, error) {
	q := aggregatedQuery + ` WHERE i.entity_type = 'user' AND i.entity_id = :entity_id AND p.shared = 0 AND p.org_id = :org_id`
	return s.queryAggregated(ctx, q, map[string]any{"entity_id": userID, "org_id": orgID})
}

func (s *SQLPolicyStore) TeamPolicyInstances(ctx context.Context, teamIDs []string, orgID string) ([]*iam.AggregatedPolicy, error) {
	out := make([]*iam.AggregatedPolicy, 0)
	q := aggregatedQuery + ` WHERE i.entity_type = 'team' AND i.entity_id = :entity_id AND p.shared = 0 AND p.org_id = :org_id`
	for _, teamID := range teamIDs {
		rows, err := s.queryAggregated(ctx, q, map[string]any{"entity_id": teamID, "org_id": orgID})
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *SQLPolicyStore) OrganizationPolicyInstances(ctx context.Context, orgID string) ([]*iam.AggregatedPolicy, error) {
	q := aggregatedQuery + ` WHERE i.entity_type = 'organization' AND i.entity_id = :org_id AND p.shared = 0 AND p.org_id = :org_id`
	return s.queryAggregated(ctx, q, map[string]any{"org_id": orgID})
}

func (s *SQLPolicyStore) SharedPolicyInstances(ctx context.Context, scopeIDs []string) ([]*iam.AggregatedPolicy, error) {
	out := make([]*iam.AggregatedPolicy, 0)
	q := aggregatedQuery + ` WHERE p.shared = 1 AND i.entity_id = :entity_id`
	for _, scopeID := range scopeIDs {
		rows, err := s.queryAggregated(ctx, q, map[string]any{"entity_id": scopeID})
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *SQLPolicyStore) queryAggregated(ctx context.Context, q string, args map[string]any) ([]*iam.AggregatedPolicy, error) {
	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*iam.AggregatedPolicy, 0)
	for r.Next() {
		var id, name, version, statementsJSON, varsJSON string
		var instance int64
		if err := r.Scan(&id, &name, &version, &instance, &statementsJSON, &varsJSON); err != nil {
			return nil, err
		}
		ap := &iam.AggregatedPolicy{
			PolicyID: id,
			Name:     name,
			Version:  version,
			Instance: instance,
		}
		if err := json.Unmarshal([]byte(statementsJSON), &ap.Statements); err != nil {
			return nil, fmt.Errorf("decode statements of policy %s: %w", id, err)
		}
		if err := json.Unmarshal([]byte(varsJSON), &ap.Variables); err != nil {
			return nil, fmt.Errorf("decode variables of policy %s: %w", id, err)
		}
		out = append(out, ap)
	}
	return out, nil
}
