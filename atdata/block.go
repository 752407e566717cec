package atdata

import "github.com/ipfs/go-cid"

// Block is the immutable tuple (CID, canonical CBOR bytes) that backs
// every MST node, record, and commit in a repository. Seq is the event
// sequence number the block was first written under; it is zero until a
// storage layer stamps it.
type Block struct {
	CID   cid.Cid
	Bytes []byte
	Seq   uint64
}

// NewBlock encodes v and wraps it in a Block with a freshly-computed CID.
func NewBlock(v interface{}) (Block, error) {
	enc, err := Marshal(v)
	if err != nil {
		return Block{}, err
	}
	c, err := CIDOfBytes(enc)
	if err != nil {
		return Block{}, err
	}
	return Block{CID: c, Bytes: enc}, nil
}
