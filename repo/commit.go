package repo

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/wrenfeed/pds/atcrypto"
	"github.com/wrenfeed/pds/atdata"
)

// commitVersion is the AT Protocol repo format version this module
// produces. Canonical CBOR sorts map keys bytewise regardless of struct
// field order, so the "fields in this order for stability" language in
// the commit block's wire description is about the logical shape, not
// Go struct layout.
const commitVersion = 3

type unsignedCommit struct {
	DID     string   `cbor:"did"`
	Version int      `cbor:"version"`
	Data    cid.Cid  `cbor:"data"`
	Rev     string   `cbor:"rev"`
	Prev    *cid.Cid `cbor:"prev"`
}

// Commit is a signed repo commit block.
type Commit struct {
	DID     string   `cbor:"did"`
	Version int      `cbor:"version"`
	Data    cid.Cid  `cbor:"data"`
	Rev     string   `cbor:"rev"`
	Prev    *cid.Cid `cbor:"prev"`
	Sig     []byte   `cbor:"sig"`
}

func (c Commit) unsigned() unsignedCommit {
	return unsignedCommit{DID: c.DID, Version: c.Version, Data: c.Data, Rev: c.Rev, Prev: c.Prev}
}

func signCommit(did string, data cid.Cid, rev string, prev *cid.Cid, key *ecdsa.PrivateKey) (Commit, error) {
	unsigned := unsignedCommit{DID: did, Version: commitVersion, Data: data, Rev: rev, Prev: prev}
	sig, err := atcrypto.Sign(unsigned, key)
	if err != nil {
		return Commit{}, fmt.Errorf("repo: signing commit: %w", err)
	}
	return Commit{DID: did, Version: commitVersion, Data: data, Rev: rev, Prev: prev, Sig: sig}, nil
}

// VerifyCommit reports whether c's signature is valid under pub.
func VerifyCommit(c Commit, pub *ecdsa.PublicKey) bool {
	return atcrypto.Verify(c.unsigned(), c.Sig, pub)
}

func commitBlock(c Commit) (atdata.Block, error) {
	return atdata.NewBlock(c)
}
