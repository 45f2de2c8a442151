package iam

import "errors"

// Error kinds surfaced by the service. Callers classify with errors.Is;
// anything not wrapping one of these is an infrastructure failure from the
// storage layer and must not be collapsed into a deny.
var (
	// ErrValidation marks malformed input to a public operation.
	ErrValidation = errors.New("invalid input")
	// ErrNotFound marks a missing organization, team, user or policy where
	// the operation requires it to exist. The aggregator deliberately does
	// not use it: an unknown user yields an empty policy set instead.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an attachment whose (policy, entity, variables)
	// tuple already exists, or creation of an entity with a taken id.
	ErrConflict = errors.New("already exists")
)
