package iam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config is a declarative snapshot of directory and policy state plus engine
// tuning, loadable from YAML or JSON and applied idempotently.
type Config struct {
	Organizations []*Organization  `json:"organizations,omitempty" yaml:"organizations,omitempty"`
	Teams         []*Team          `json:"teams,omitempty" yaml:"teams,omitempty"`
	Users         []*User          `json:"users,omitempty" yaml:"users,omitempty"`
	Memberships   []TeamMembership `json:"memberships,omitempty" yaml:"memberships,omitempty"`
	Policies      []*Policy        `json:"policies,omitempty" yaml:"policies,omitempty"`
	Attachments   []PolicyInstance `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Engine        EngineConfig     `json:"engine,omitempty" yaml:"engine,omitempty"`
}

type TeamMembership struct {
	UserID string `json:"user_id" yaml:"user_id"`
	TeamID string `json:"team_id" yaml:"team_id"`
}

type EngineConfig struct {
	SuperOrganization   string `json:"super_organization,omitempty" yaml:"super_organization,omitempty"`
	PolicyCacheTTL      int64  `json:"policy_cache_ttl_ms,omitempty" yaml:"policy_cache_ttl_ms,omitempty"`
	RistrettoNumCounter int64  `json:"ristretto_num_counter,omitempty" yaml:"ristretto_num_counter,omitempty"`
	RistrettoMaxCost    int64  `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty"`
	RistrettoBuffer     int64  `json:"ristretto_buffer,omitempty" yaml:"ristretto_buffer,omitempty"`
}

// ConfigLoader loads configuration from various formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports config to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks internal consistency without touching any store: ids are
// present, references resolve within the config, policies are well formed.
func (c *Config) Validate() error {
	orgs := make(map[string]bool, len(c.Organizations))
	for _, org := range c.Organizations {
		if org.ID == "" {
			return fmt.Errorf("%w: organization id is required", ErrValidation)
		}
		orgs[org.ID] = true
	}
	teams := make(map[string]bool, len(c.Teams))
	for _, t := range c.Teams {
		if t.ID == "" || t.OrgID == "" {
			return fmt.Errorf("%w: team id and org_id are required", ErrValidation)
		}
		if !orgs[t.OrgID] {
			return fmt.Errorf("%w: team %s references unknown organization %s", ErrValidation, t.ID, t.OrgID)
		}
		teams[t.ID] = true
	}
	for _, t := range c.Teams {
		if t.ParentID != "" && !teams[t.ParentID] {
			return fmt.Errorf("%w: team %s references unknown parent %s", ErrValidation, t.ID, t.ParentID)
		}
	}
	users := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.ID == "" || u.OrgID == "" {
			return fmt.Errorf("%w: user id and org_id are required", ErrValidation)
		}
		if !orgs[u.OrgID] {
			return fmt.Errorf("%w: user %s references unknown organization %s", ErrValidation, u.ID, u.OrgID)
		}
		users[u.ID] = true
	}
	for _, m := range c.Memberships {
		if !users[m.UserID] || !teams[m.TeamID] {
			return fmt.Errorf("%w: membership %s -> %s references unknown user or team", ErrValidation, m.UserID, m.TeamID)
		}
	}
	policies := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if err := p.Validate(); err != nil {
			return err
		}
		policies[p.ID] = true
	}
	for _, att := range c.Attachments {
		if !policies[att.PolicyID] {
			return fmt.Errorf("%w: attachment references unknown policy %s", ErrValidation, att.PolicyID)
		}
		if !att.EntityType.Valid() || att.EntityID == "" {
			return fmt.Errorf("%w: attachment of %s needs a valid entity", ErrValidation, att.PolicyID)
		}
	}
	return nil
}

// ApplyConfig seeds the directory and policy state and applies engine tuning.
// Entities that already exist are left in place; policies are upserted;
// duplicate attachments are skipped.
func (a *Authorizer) ApplyConfig(ctx context.Context, dir *Directory, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Engine.SuperOrganization != "" {
		a.superOrg = cfg.Engine.SuperOrganization
		a.agg.superOrg = cfg.Engine.SuperOrganization
	}
	if cfg.Engine.PolicyCacheTTL > 0 {
		a.cacheTTL = time.Duration(cfg.Engine.PolicyCacheTTL) * time.Millisecond
	}
	if cfg.Engine.RistrettoNumCounter > 0 {
		if err := a.ConfigureCache(cfg.Engine.RistrettoNumCounter, cfg.Engine.RistrettoMaxCost, cfg.Engine.RistrettoBuffer); err != nil {
			return err
		}
	} else if a.cache == nil && a.cacheTTL > 0 {
		// a TTL without explicit sizing still needs a cache to act on
		if err := a.ConfigureCache(defaultCacheCounters, defaultCacheMaxCost, defaultCacheBuffer); err != nil {
			return err
		}
	}

	for _, org := range cfg.Organizations {
		if _, err := dir.CreateOrganization(ctx, org); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("create organization %s: %w", org.ID, err)
		}
	}
	// parents before children so path derivation always finds the parent
	for _, t := range orderTeamsByDepth(cfg.Teams) {
		if err := dir.CreateTeam(ctx, t); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("create team %s: %w", t.ID, err)
		}
	}
	for _, u := range cfg.Users {
		if err := dir.CreateUser(ctx, u); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("create user %s: %w", u.ID, err)
		}
	}
	for _, m := range cfg.Memberships {
		if err := dir.AddTeamMember(ctx, m.UserID, m.TeamID); err != nil {
			return fmt.Errorf("add member %s to %s: %w", m.UserID, m.TeamID, err)
		}
	}
	for _, p := range cfg.Policies {
		if _, err := a.store.GetPolicy(ctx, p.ID); err != nil {
			if err := a.CreatePolicy(ctx, p); err != nil {
				return fmt.Errorf("create policy %s: %w", p.ID, err)
			}
		} else {
			if err := a.UpdatePolicy(ctx, p); err != nil {
				return fmt.Errorf("update policy %s: %w", p.ID, err)
			}
		}
	}
	for i := range cfg.Attachments {
		att := cfg.Attachments[i]
		att.Instance = 0
		if _, err := a.AttachPolicy(ctx, &att); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("attach policy %s to %s %s: %w", att.PolicyID, att.EntityType, att.EntityID, err)
		}
	}
	return nil
}

// orderTeamsByDepth sorts teams so every parent precedes its children.
func orderTeamsByDepth(teams []*Team) []*Team {
	byID := make(map[string]*Team, len(teams))
	for _, t := range teams {
		byID[t.ID] = t
	}
	depth := func(t *Team) int {
		d := 0
		for t.ParentID != "" {
			parent, ok := byID[t.ParentID]
			if !ok || d > len(teams) {
				break
			}
			t = parent
			d++
		}
		return d
	}
	out := make([]*Team, len(teams))
	copy(out, teams)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && depth(out[j]) < depth(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Stats summarizes a config for tooling.
type ConfigStats struct {
	Organizations int `json:"organizations"`
	Teams         int `json:"teams"`
	Users         int `json:"users"`
	Memberships   int `json:"memberships"`
	Policies      int `json:"policies"`
	Statements    int `json:"statements"`
	Attachments   int `json:"attachments"`
}

func (c *Config) Stats() ConfigStats {
	s := ConfigStats{
		Organizations: len(c.Organizations),
		Teams:         len(c.Teams),
		Users:         len(c.Users),
		Memberships:   len(c.Memberships),
		Policies:      len(c.Policies),
		Attachments:   len(c.Attachments),
	}
	for _, p := range c.Policies {
		s.Statements += len(p.Statements)
	}
	return s
}
