package repo

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/wrenfeed/pds/atdata"
	"github.com/wrenfeed/pds/storage"
)

// stagingStore is an mst.BlockStore that holds newly written blocks in
// memory until a commit is ready to persist, falling through to the
// durable storage.Store for reads. It is the Go-shaped equivalent of
// arroba's BlockMap/get_unstored_blocks staging area: mst mutations
// write through it freely, and once a batch of ops is done, the caller
// reads back exactly the new blocks and flushes them atomically via
// storage.Store.ApplyCommit.
type stagingStore struct {
	mu         sync.Mutex
	underlying storage.Store
	staged     map[cid.Cid]atdata.Block
}

func newStagingStore(underlying storage.Store) *stagingStore {
	return &stagingStore{underlying: underlying, staged: map[cid.Cid]atdata.Block{}}
}

func (s *stagingStore) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	s.mu.Lock()
	if b, ok := s.staged[c]; ok {
		s.mu.Unlock()
		return b.Bytes, nil
	}
	s.mu.Unlock()

	block, err := s.underlying.Read(ctx, c)
	if err != nil {
		return nil, err
	}
	return block.Bytes, nil
}

func (s *stagingStore) PutBlock(_ context.Context, c cid.Cid, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[c] = atdata.Block{CID: c, Bytes: data}
	return nil
}

func (s *stagingStore) put(block atdata.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[block.CID] = block
}

func (s *stagingStore) has(c cid.Cid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.staged[c]
	return ok
}

func (s *stagingStore) blocks() []atdata.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]atdata.Block, 0, len(s.staged))
	for _, b := range s.staged {
		out = append(out, b)
	}
	return out
}

// storeAdapter is a read-only mst.BlockStore over a storage.Store, used
// by a loaded Repo's MST mirror between commits. Writes never happen
// through it directly: mutation always goes through a stagingStore that
// is discarded or flushed atomically.
type storeAdapter struct {
	underlying storage.Store
}

func (a storeAdapter) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	block, err := a.underlying.Read(ctx, c)
	if err != nil {
		return nil, err
	}
	return block.Bytes, nil
}

func (a storeAdapter) PutBlock(context.Context, cid.Cid, []byte) error {
	return nil
}
