// Package storage defines the abstract block/event/repo persistence
// contract the repo and firehose packages run against, plus the sentinel
// errors and event shapes every back-end must agree on. Concrete
// back-ends live in storage/memory, storage/sqlite, and storage/s3.
package storage

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/wrenfeed/pds/atdata"
)

// Status is a repo's lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
	StatusTombstoned  Status = "tombstoned"
)

// Repo is the storage-level record of one repository. SigningKey and
// RotationKey are did:key-style public key identifiers; the private
// signing key itself is never persisted here — it's held by whatever
// holds the repo.Repo engine instance, per spec.md's scoping of key
// management to an external collaborator.
type Repo struct {
	DID         string
	Head        cid.Cid
	SigningKey  string
	RotationKey string
	Handle      string
	Status      Status
	CreatedAt   time.Time
}

// EventKind is the kind of a firehose event.
type EventKind string

const (
	EventCommit    EventKind = "commit"
	EventIdentity  EventKind = "identity"
	EventAccount   EventKind = "account"
	EventTombstone EventKind = "tombstone"
	EventHandle    EventKind = "handle"
)

// Event is one persisted, append-only entry in the event log. Payload is
// the canonical CBOR encoding of the kind-specific frame (see the
// firehose package for the frame types themselves).
type Event struct {
	Seq     uint64
	RepoDID string
	Time    time.Time
	Kind    EventKind
	Payload []byte
}

// ReadManyResult is the result of a batch block read: the blocks that
// were found, plus the CIDs that weren't.
type ReadManyResult struct {
	Blocks  map[cid.Cid]atdata.Block
	Missing []cid.Cid
}

// CommitWrite bundles everything ApplyCommit needs to atomically persist
// one commit: the new blocks it introduces, the commit's own block, the
// new head, and the event record describing it. Seq is allocated by
// ApplyCommit itself and returned to the caller.
type CommitWrite struct {
	RepoDID   string
	Blocks    []atdata.Block
	CommitCID cid.Cid
	Rev       string
	Event     Event
}

// BlockSeqEntry pairs a block with the sequence number it was first
// written under.
type BlockSeqEntry struct {
	Block atdata.Block
	Seq   uint64
}

// BlockSeqIterator yields blocks in ascending sequence order. Callers
// must call Close when done, even after an error or early exit.
type BlockSeqIterator interface {
	Next(ctx context.Context) (BlockSeqEntry, bool, error)
	Close() error
}

// EventIterator yields events in ascending sequence order. Callers must
// call Close when done, even after an error or early exit.
type EventIterator interface {
	Next(ctx context.Context) (Event, bool, error)
	Close() error
}

// Store is the storage contract every back-end implements: content
// addressed block CRUD, atomic commit application, sequence-ordered
// iteration, and repo lifecycle management.
type Store interface {
	Read(ctx context.Context, c cid.Cid) (atdata.Block, error)
	ReadMany(ctx context.Context, cids []cid.Cid) (ReadManyResult, error)

	Write(ctx context.Context, repoDID string, block atdata.Block) (created bool, err error)
	WriteBlocks(ctx context.Context, repoDID string, blocks []atdata.Block) (created, existing []cid.Cid, err error)

	ApplyCommit(ctx context.Context, w CommitWrite) (seq uint64, err error)

	// PublishEvent persists a standalone event not tied to a repo
	// commit: identity, account, tombstone, or handle. If seq is zero, a
	// fresh sequence number is allocated. A nonzero seq fulfills an
	// earlier AllocateSeq reservation, letting a writer that reserved a
	// slot ahead of time (to do slow work before publishing) land its
	// event in that exact slot even if other events have since been
	// appended around it.
	PublishEvent(ctx context.Context, ev Event, seq uint64) (uint64, error)

	ReadBlocksBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (BlockSeqIterator, error)
	ReadEventsBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (EventIterator, error)

	LoadRepo(ctx context.Context, didOrHandle string, allowInactive bool) (Repo, error)
	CreateRepo(ctx context.Context, repo Repo) error
	DeactivateRepo(ctx context.Context, did string) error
	ActivateRepo(ctx context.Context, did string) error
	TombstoneRepo(ctx context.Context, did string) error

	AllocateSeq(ctx context.Context) (uint64, error)
	LastSeq(ctx context.Context) (uint64, error)
}
