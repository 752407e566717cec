package repo

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/wrenfeed/pds/atdata"
	"github.com/wrenfeed/pds/car"
	"github.com/wrenfeed/pds/storage"
)

// CommitEventOp is one entry in a commit event's ops list: the firehose
// wire shape, not the request-side Op (no Record, no validator input).
type CommitEventOp struct {
	Action Action   `cbor:"action"`
	Path   string   `cbor:"path"`
	CID    *cid.Cid `cbor:"cid"`
}

// CommitEventPayload is the decoded form of a storage.Event with
// Kind == storage.EventCommit, matching the commit frame in spec.md §6.
// Rebase is always false and Blobs always empty: rebase support and
// blob references are out of this module's scope.
type CommitEventPayload struct {
	Seq    uint64          `cbor:"seq"`
	Rebase bool            `cbor:"rebase"`
	TooBig bool            `cbor:"tooBig"`
	Repo   string          `cbor:"repo"`
	Commit cid.Cid         `cbor:"commit"`
	Rev    string          `cbor:"rev"`
	Since  *string         `cbor:"since"`
	Blocks []byte          `cbor:"blocks"`
	Ops    []CommitEventOp `cbor:"ops"`
	Time   time.Time       `cbor:"time"`
	Prev   *cid.Cid        `cbor:"prev"`
	Blobs  []cid.Cid       `cbor:"blobs"`
}

func encodeCommitEvent(did string, commitCID cid.Cid, commit Commit, prev *cid.Cid, ops []OpResult, blocks []atdata.Block) (storage.Event, error) {
	var buf bytes.Buffer
	if err := car.Write(&buf, commitCID, blocks); err != nil {
		return storage.Event{}, fmt.Errorf("repo: writing commit event car: %w", err)
	}

	evOps := make([]CommitEventOp, len(ops))
	for i, op := range ops {
		evOps[i] = CommitEventOp{Action: op.Action, Path: op.Path, CID: op.CID}
	}

	now := time.Now().UTC()
	payload := CommitEventPayload{
		Repo:   did,
		Commit: commitCID,
		Rev:    commit.Rev,
		Blocks: buf.Bytes(),
		Ops:    evOps,
		Time:   now,
		Prev:   prev,
	}
	data, err := atdata.Marshal(payload)
	if err != nil {
		return storage.Event{}, fmt.Errorf("repo: encoding commit event: %w", err)
	}

	return storage.Event{
		RepoDID: did,
		Time:    now,
		Kind:    storage.EventCommit,
		Payload: data,
	}, nil
}

// DecodeCommitEvent decodes a persisted commit event's payload back
// into its structured form. The pump and subscribers use this to
// re-derive the wire frame without re-deriving seq (already on Event).
func DecodeCommitEvent(ev storage.Event) (CommitEventPayload, error) {
	var payload CommitEventPayload
	if err := atdata.Unmarshal(ev.Payload, &payload); err != nil {
		return CommitEventPayload{}, fmt.Errorf("repo: decoding commit event: %w", err)
	}
	payload.Seq = ev.Seq
	return payload, nil
}
