package mst

import "errors"

// Sentinel errors for MST mutation and lookup preconditions. Wrap with
// fmt.Errorf("...: %w", ErrX) to attach the offending key.
var (
	// ErrKeyNotFound is returned by Get, Update, and Delete when the key
	// is absent from the tree.
	ErrKeyNotFound = errors.New("mst: key not found")

	// ErrKeyExists is returned by Add when the key is already present.
	ErrKeyExists = errors.New("mst: key already exists")

	// ErrInvalidKey is returned when a key fails the MST key-validity
	// check: at most 256 bytes, exactly one '/' separating two non-empty
	// segments, each segment drawn from [a-zA-Z0-9_.:-].
	ErrInvalidKey = errors.New("mst: invalid key")

	// ErrBlockNotFound is returned when a node's subtree or value CID
	// cannot be resolved through the configured BlockStore. It indicates
	// storage corruption or a truncated copy.
	ErrBlockNotFound = errors.New("mst: block not found")
)
