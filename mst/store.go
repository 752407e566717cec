package mst

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"

	"github.com/wrenfeed/pds/atdata"
)

// BlockStore is the minimal persistence seam the MST needs: a
// content-addressed get/put of the canonical CBOR node blocks. A
// storage.Store does not implement it directly; the repo package wraps
// one in an adapter. Tests typically use NewMemoryBlockStore.
type BlockStore interface {
	GetBlock(ctx context.Context, c cid.Cid) ([]byte, error)
	PutBlock(ctx context.Context, c cid.Cid, data []byte) error
}

// NodeCache caches deserialized nodes by CID so repeatedly walking a
// subtree that hangs off of an unchanged commit doesn't re-decode it from
// the BlockStore every time. One cache may be shared by any number of
// trees drawing from the same BlockStore.
type NodeCache interface {
	Add(key, value interface{})
	Get(key interface{}) (value interface{}, ok bool)
}

// NewNodeCache builds an ARC-backed (adaptive replacement) NodeCache of
// the given size.
func NewNodeCache(size int) NodeCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return cache
}

type memoryBlockStore struct {
	blocks map[cid.Cid][]byte
}

// NewMemoryBlockStore returns a BlockStore backed by an in-process map,
// for tests and standalone tree construction that doesn't go through the
// storage package.
func NewMemoryBlockStore() BlockStore {
	return &memoryBlockStore{blocks: map[cid.Cid][]byte{}}
}

func (m *memoryBlockStore) GetBlock(_ context.Context, c cid.Cid) ([]byte, error) {
	data, ok := m.blocks[c]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return data, nil
}

func (m *memoryBlockStore) PutBlock(_ context.Context, c cid.Cid, data []byte) error {
	m.blocks[c] = data
	return nil
}

// putNode canonically encodes n, stores it, and returns its block and CID.
func putNode(ctx context.Context, bs BlockStore, n *nodeData) (atdata.Block, error) {
	block, err := atdata.NewBlock(n)
	if err != nil {
		return atdata.Block{}, err
	}
	if err := bs.PutBlock(ctx, block.CID, block.Bytes); err != nil {
		return atdata.Block{}, err
	}
	return block, nil
}
