package iam

import (
	"regexp"
	"strings"
)

// ============================================================================
// VARIABLE INTERPOLATION
// ============================================================================

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// InterpolateStatements substitutes ${name} placeholders in every statement's
// resource patterns from vars. Placeholders without a binding stay verbatim:
// the pattern can still match a literal ${name} token, and introspection uses
// the leftovers to report which variables a policy still needs. The input
// statements are not mutated.
func InterpolateStatements(statements []Statement, vars map[string]string) []Statement {
	out := make([]Statement, len(statements))
	for i, s := range statements {
		out[i] = s
		out[i].Resource = interpolateSet(s.Resource, vars)
	}
	return out
}

func interpolateSet(patterns ValueSet, vars map[string]string) ValueSet {
	out := make(ValueSet, len(patterns))
	for i, p := range patterns {
		out[i] = Interpolate(p, vars)
	}
	return out
}

// Interpolate substitutes ${name} tokens in a single pattern string.
func Interpolate(pattern string, vars map[string]string) string {
	if !strings.Contains(pattern, "${") {
		return pattern
	}
	return placeholderRe.ReplaceAllStringFunc(pattern, func(tok string) string {
		name := tok[2 : len(tok)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return tok
	})
}

// MergeVariables layers instance variables over the reserved request-context
// variables. Context entries win on collision so instance bindings can never
// spoof the reserved namespace.
func MergeVariables(instance, context map[string]string) map[string]string {
	out := make(map[string]string, len(instance)+len(context))
	for k, v := range instance {
		out[k] = v
	}
	for k, v := range context {
		out[k] = v
	}
	return out
}

// PolicyVariables scans a policy's resource patterns and returns the sorted,
// distinct ${name} tokens that cannot be satisfied from the reserved request
// context, i.e. the variables an attachment still has to bind.
func PolicyVariables(p *Policy) []string {
	names := make([]string, 0, 4)
	for _, s := range p.Statements {
		for _, r := range s.Resource {
			for _, m := range placeholderRe.FindAllStringSubmatch(r, -1) {
				name := m[1]
				if isReservedVariable(name) {
					continue
				}
				names = append(names, name)
			}
		}
	}
	return sortedUnique(names)
}

func isReservedVariable(name string) bool {
	return strings.HasPrefix(name, "iam:") || strings.HasPrefix(name, "request:")
}
