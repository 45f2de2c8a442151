package iam

import (
	"github.com/oarkflow/iam/utils"
)

// ============================================================================
// DECISION EVALUATION
// ============================================================================

// CheckAccess decides Allow/Deny for one resource/action pair against an
// aggregated policy set. Evaluation order never matters: any matching Deny
// statement forces a deny, a matching Allow grants only in the absence of a
// deny, and an empty or non-matching set denies by default. The function is
// pure; it is safe to call concurrently over shared inputs.
func CheckAccess(policies []*AggregatedPolicy, resource, action string, rc *RequestContext) bool {
	ctxVars := rc.Variables()
	hasAllow := false
	for _, p := range policies {
		vars := MergeVariables(p.Variables, ctxVars)
		for i := range p.Statements {
			s := &p.Statements[i]
			if !statementMatches(s, resource, action, vars) {
				continue
			}
			if s.Effect == EffectDeny {
				return false
			}
			hasAllow = true
		}
	}
	return hasAllow
}

// AllowedActions collects every action granted on the resource: the action
// entries of matching Allow statements, kept only when a full CheckAccess on
// that entry still holds so denies elsewhere suppress them. The result is
// sorted and de-duplicated; no match yields an empty list, never an error.
func AllowedActions(policies []*AggregatedPolicy, resource string, rc *RequestContext) []string {
	ctxVars := rc.Variables()
	candidates := make([]string, 0)
	for _, p := range policies {
		vars := MergeVariables(p.Variables, ctxVars)
		for i := range p.Statements {
			s := &p.Statements[i]
			if s.Effect != EffectAllow {
				continue
			}
			if !resourceMatches(s, resource, vars) {
				continue
			}
			if !s.Condition.Satisfied(vars) {
				continue
			}
			candidates = append(candidates, s.Action...)
		}
	}
	candidates = sortedUnique(candidates)

	out := candidates[:0]
	for _, action := range candidates {
		if CheckAccess(policies, resource, action, rc) {
			out = append(out, action)
		}
	}
	return out
}

// statementMatches reports whether the statement applies to the request:
// at least one interpolated resource pattern matches, at least one action
// pattern matches, and the condition block is satisfied.
func statementMatches(s *Statement, resource, action string, vars map[string]string) bool {
	if !resourceMatches(s, resource, vars) {
		return false
	}
	if !utils.MatchAny(s.Action, action) {
		return false
	}
	return s.Condition.Satisfied(vars)
}

func resourceMatches(s *Statement, resource string, vars map[string]string) bool {
	for _, pattern := range s.Resource {
		if utils.Match(Interpolate(pattern, vars), resource) {
			return true
		}
	}
	return false
}
