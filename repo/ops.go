package repo

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Action is the kind of mutation an Op performs.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Op is one record mutation within a write batch. Rkey is optional for
// Create: a fresh TID is minted for it if empty. Record is the
// CBOR-encodable record value; required for Create and Update, ignored
// for Delete. CID, if set, is the expected current value CID for
// Update/Delete — currently advisory; ApplyWrites does not yet enforce
// optimistic-concurrency checks against it.
type Op struct {
	Action     Action
	Collection string
	Rkey       string
	Record     interface{}
	CID        *cid.Cid
}

func (o Op) dataKey(rkey string) string {
	return o.Collection + "/" + rkey
}

func (o Op) validate() error {
	if o.Collection == "" {
		return fmt.Errorf("%w: missing collection", ErrMalformedOp)
	}
	switch o.Action {
	case ActionCreate:
		if o.Record == nil {
			return fmt.Errorf("%w: create without a record", ErrMalformedOp)
		}
	case ActionUpdate:
		if o.Rkey == "" {
			return fmt.Errorf("%w: update without an rkey", ErrMalformedOp)
		}
		if o.Record == nil {
			return fmt.Errorf("%w: update without a record", ErrMalformedOp)
		}
	case ActionDelete:
		if o.Rkey == "" {
			return fmt.Errorf("%w: delete without an rkey", ErrMalformedOp)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformedOp, o.Action)
	}
	return nil
}

// RecordValidator is the pluggable external record validator referenced
// in apply_writes step 4. The core never interprets Lexicon schemas
// itself; this interface is its only contact with that concern.
type RecordValidator interface {
	Validate(ctx context.Context, collection string, record interface{}) error
}

// AllowAllValidator accepts every record. Useful for tests and for
// embedding contexts that validate records upstream of this package.
type AllowAllValidator struct{}

func (AllowAllValidator) Validate(context.Context, string, interface{}) error { return nil }

// OpResult records the resolved path and value CID of one applied op,
// in the firehose event's `ops` list shape.
type OpResult struct {
	Action Action
	Path   string
	CID    *cid.Cid // nil for delete
}
