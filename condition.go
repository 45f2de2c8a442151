package iam

import (
	"time"

	"github.com/oarkflow/date"

	"github.com/oarkflow/iam/utils"
)

// ============================================================================
// CONDITION EVALUATION
// ============================================================================

// Condition is a statement's optional condition block: comparator name to
// context-variable name to one or more expected values. All entries must hold
// for the statement to apply.
type Condition map[string]map[string]ValueSet

// Comparators understood by Satisfied. Unknown comparator names fail closed.
const (
	CondStringEquals    = "StringEquals"
	CondStringNotEquals = "StringNotEquals"
	CondStringLike      = "StringLike"
	CondDateGreaterThan = "DateGreaterThan"
	CondDateLessThan    = "DateLessThan"
)

// Satisfied evaluates the condition against the flattened request variables.
// A nil condition is unconditionally satisfied. A referenced variable missing
// from the context fails closed, as does an unparseable timestamp.
func (c *Condition) Satisfied(vars map[string]string) bool {
	if c == nil || len(*c) == 0 {
		return true
	}
	for comparator, entries := range *c {
		for name, expected := range entries {
			actual, ok := vars[name]
			if !ok {
				return false
			}
			if !compareValues(comparator, actual, expected) {
				return false
			}
		}
	}
	return true
}

// compareValues applies one comparator. For the string comparators a single
// match against any of the expected values is enough; StringNotEquals requires
// the actual value to differ from all of them.
func compareValues(comparator, actual string, expected ValueSet) bool {
	switch comparator {
	case CondStringEquals:
		for _, want := range expected {
			if actual == want {
				return true
			}
		}
		return false
	case CondStringNotEquals:
		for _, want := range expected {
			if actual == want {
				return false
			}
		}
		return true
	case CondStringLike:
		for _, pattern := range expected {
			if utils.Match(pattern, actual) {
				return true
			}
		}
		return false
	case CondDateGreaterThan:
		return compareDates(actual, expected, time.Time.After)
	case CondDateLessThan:
		return compareDates(actual, expected, time.Time.Before)
	}
	return false
}

func compareDates(actual string, expected ValueSet, cmp func(a, b time.Time) bool) bool {
	at, err := date.Parse(actual)
	if err != nil {
		return false
	}
	for _, want := range expected {
		wt, err := date.Parse(want)
		if err != nil {
			return false
		}
		if cmp(at, wt) {
			return true
		}
	}
	return false
}
