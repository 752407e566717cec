package repo

import "errors"

var (
	// ErrConflictingWrites indicates a write batch names the same
	// collection/rkey more than once.
	ErrConflictingWrites = errors.New("repo: batch contains conflicting writes for the same key")

	// ErrValidationFailed indicates the registered RecordValidator
	// rejected a record.
	ErrValidationFailed = errors.New("repo: record failed validation")

	// ErrMalformedOp indicates an Op is missing a field its action
	// requires (a record for create/update, an rkey for delete).
	ErrMalformedOp = errors.New("repo: malformed op")

	// ErrRepoInactive indicates a mutation was attempted against a
	// repo whose status is not active.
	ErrRepoInactive = errors.New("repo: repo is not active")
)
