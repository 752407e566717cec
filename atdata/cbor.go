// Package atdata provides canonical DAG-CBOR-shaped encoding and
// content-addressing helpers shared by the MST, repo, and firehose
// packages.
package atdata

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions() // bytewise-sorted map keys, no indefinite lengths
	opts.Time = cbor.TimeRFC3339
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("atdata: building cbor encode mode: %v", err))
	}
}

// Marshal encodes v using the module's canonical, deterministic CBOR
// settings. Two calls with equal v produce identical bytes, which is the
// property the MST's content addressing depends on.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR-encoded bytes into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// CIDOf returns the content identifier for the canonical CBOR encoding of
// v: a CIDv1, dag-cbor codec, sha2-256 multihash.
func CIDOf(v interface{}) (cid.Cid, error) {
	enc, err := Marshal(v)
	if err != nil {
		return cid.Undef, fmt.Errorf("marshal: %w", err)
	}
	return CIDOfBytes(enc)
}

// CIDOfBytes returns the CID for already-encoded canonical CBOR bytes.
func CIDOfBytes(enc []byte) (cid.Cid, error) {
	digest, err := mh.Sum(enc, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, digest), nil
}
