package storage

import "errors"

var (
	// ErrBlockNotFound indicates a referenced CID is absent from storage;
	// fatal, since it means a commit or MST node pointed at a block that
	// was never written or was lost.
	ErrBlockNotFound = errors.New("storage: block not found")

	// ErrRepoNotFound indicates no repo is registered under the given
	// DID or handle.
	ErrRepoNotFound = errors.New("storage: repo not found")

	// ErrInactiveRepo indicates an operation was attempted against a
	// repo whose status forbids it: any mutation on a deactivated or
	// tombstoned repo, or a load of a tombstoned repo without explicitly
	// allowing inactive repos.
	ErrInactiveRepo = errors.New("storage: repo is not active")

	// ErrFutureCursor indicates a firehose cursor requests a sequence
	// number that has not been allocated yet.
	ErrFutureCursor = errors.New("storage: cursor is ahead of last_seq")

	// ErrOutdatedCursor indicates a firehose cursor is older than the
	// configured rollback window; the caller must resync via CAR export.
	ErrOutdatedCursor = errors.New("storage: cursor is outside the rollback window")
)
