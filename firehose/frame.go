package firehose

import (
	"fmt"
	"time"

	"github.com/wrenfeed/pds/atdata"
	"github.com/wrenfeed/pds/repo"
	"github.com/wrenfeed/pds/storage"
)

// Header is the small outer envelope every firehose frame is wrapped
// in, matching the op/t discriminator atproto's subscribeRepos uses:
// op=1 for a regular message, t names the message's lexicon type.
type Header struct {
	Op int    `cbor:"op"`
	T  string `cbor:"t"`
}

const (
	typeCommit    = "#commit"
	typeIdentity  = "#identity"
	typeAccount   = "#account"
	typeTombstone = "#tombstone"
	typeHandle    = "#handle" // legacy, superseded by #identity; kept for older subscribers
	typeGap       = "#gap"
)

// Frame is one encoded (header, body) pair ready to write to a
// subscriber's wire connection.
type Frame struct {
	Header Header
	Body   []byte
}

func encodeFrame(t string, body interface{}) (Frame, error) {
	b, err := atdata.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("firehose: encoding %s frame: %w", t, err)
	}
	return Frame{Header: Header{Op: 1, T: t}, Body: b}, nil
}

// IdentityPayload mirrors spec.md's Identity frame: `{ seq, did, time,
// handle? }`.
type IdentityPayload struct {
	Seq    uint64 `cbor:"seq"`
	DID    string `cbor:"did"`
	Time   time.Time `cbor:"time"`
	Handle string `cbor:"handle,omitempty"`
}

// AccountStatus is the optional status value on an AccountPayload.
type AccountStatus string

const (
	AccountDeactivated AccountStatus = "deactivated"
	AccountSuspended   AccountStatus = "suspended"
	AccountTakendown   AccountStatus = "takendown"
	AccountDeleted     AccountStatus = "deleted"
)

// AccountPayload mirrors spec.md's Account frame: `{ seq, did, time,
// active, status? }`.
type AccountPayload struct {
	Seq    uint64        `cbor:"seq"`
	DID    string        `cbor:"did"`
	Time   time.Time     `cbor:"time"`
	Active bool          `cbor:"active"`
	Status AccountStatus `cbor:"status,omitempty"`
}

// TombstonePayload mirrors spec.md's (legacy) Tombstone frame: `{ seq,
// did, time }`.
type TombstonePayload struct {
	Seq  uint64    `cbor:"seq"`
	DID  string    `cbor:"did"`
	Time time.Time `cbor:"time"`
}

// HandlePayload is the legacy #handle frame, superseded by #identity in
// the real protocol but still emitted here for subscribers that predate
// it, following the same "legacy compatibility" treatment spec.md gives
// #tombstone.
type HandlePayload struct {
	Seq    uint64    `cbor:"seq"`
	DID    string    `cbor:"did"`
	Handle string    `cbor:"handle"`
	Time   time.Time `cbor:"time"`
}

// GapPayload is the synthetic marker the pump emits when a sequence gap
// outlasts the gap timeout: it names the range of sequence numbers it
// gave up waiting for.
type GapPayload struct {
	Seq  uint64 `cbor:"seq"`
	From uint64 `cbor:"from"`
	To   uint64 `cbor:"to"`
}

// encodeEvent turns a persisted storage.Event into its wire Frame.
func encodeEvent(ev storage.Event) (Frame, error) {
	switch ev.Kind {
	case storage.EventCommit:
		payload, err := repo.DecodeCommitEvent(ev)
		if err != nil {
			return Frame{}, err
		}
		return encodeFrame(typeCommit, payload)

	case storage.EventIdentity:
		var payload IdentityPayload
		if err := atdata.Unmarshal(ev.Payload, &payload); err != nil {
			return Frame{}, fmt.Errorf("firehose: decoding identity event: %w", err)
		}
		payload.Seq = ev.Seq
		return encodeFrame(typeIdentity, payload)

	case storage.EventAccount:
		var payload AccountPayload
		if err := atdata.Unmarshal(ev.Payload, &payload); err != nil {
			return Frame{}, fmt.Errorf("firehose: decoding account event: %w", err)
		}
		payload.Seq = ev.Seq
		return encodeFrame(typeAccount, payload)

	case storage.EventTombstone:
		var payload TombstonePayload
		if err := atdata.Unmarshal(ev.Payload, &payload); err != nil {
			return Frame{}, fmt.Errorf("firehose: decoding tombstone event: %w", err)
		}
		payload.Seq = ev.Seq
		return encodeFrame(typeTombstone, payload)

	case storage.EventHandle:
		var payload HandlePayload
		if err := atdata.Unmarshal(ev.Payload, &payload); err != nil {
			return Frame{}, fmt.Errorf("firehose: decoding handle event: %w", err)
		}
		payload.Seq = ev.Seq
		return encodeFrame(typeHandle, payload)

	default:
		return Frame{}, fmt.Errorf("firehose: unknown event kind %q", ev.Kind)
	}
}

func gapFrame(from, to uint64) (Frame, error) {
	return encodeFrame(typeGap, GapPayload{Seq: to, From: from, To: to})
}
