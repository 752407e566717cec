// Package memory is the in-memory reference storage.Store
// implementation: the test oracle every other back-end is checked
// against, grounded on arroba.storage.MemoryStorage and jrhy-mast's
// in_memory_store.go.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/wrenfeed/pds/atdata"
	"github.com/wrenfeed/pds/storage"
)

type blockRecord struct {
	block atdata.Block
	seq   uint64
	repo  string
}

// Store is a sync.Mutex-guarded, process-local storage.Store.
type Store struct {
	mu      sync.Mutex
	blocks  map[cid.Cid]blockRecord
	repos   map[string]storage.Repo
	handles map[string]string // handle -> did
	events  []storage.Event
	seq     uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		blocks:  map[cid.Cid]blockRecord{},
		repos:   map[string]storage.Repo{},
		handles: map[string]string{},
	}
}

func (s *Store) Read(_ context.Context, c cid.Cid) (atdata.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.blocks[c]
	if !ok {
		return atdata.Block{}, fmt.Errorf("%w: %s", storage.ErrBlockNotFound, c)
	}
	return rec.block, nil
}

func (s *Store) ReadMany(_ context.Context, cids []cid.Cid) (storage.ReadManyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := storage.ReadManyResult{Blocks: map[cid.Cid]atdata.Block{}}
	for _, c := range cids {
		if rec, ok := s.blocks[c]; ok {
			result.Blocks[c] = rec.block
		} else {
			result.Missing = append(result.Missing, c)
		}
	}
	return result, nil
}

func (s *Store) Write(_ context.Context, repoDID string, block atdata.Block) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(repoDID, block), nil
}

func (s *Store) writeLocked(repoDID string, block atdata.Block) bool {
	if _, exists := s.blocks[block.CID]; exists {
		return false
	}
	s.seq++
	block.Seq = s.seq
	s.blocks[block.CID] = blockRecord{block: block, seq: s.seq, repo: repoDID}
	return true
}

func (s *Store) WriteBlocks(_ context.Context, repoDID string, blocks []atdata.Block) (created, existing []cid.Cid, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		if s.writeLocked(repoDID, b) {
			created = append(created, b.CID)
		} else {
			existing = append(existing, b.CID)
		}
	}
	return created, existing, nil
}

func (s *Store) ApplyCommit(_ context.Context, w storage.CommitWrite) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[w.RepoDID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrRepoNotFound, w.RepoDID)
	}
	if repo.Status != storage.StatusActive {
		return 0, fmt.Errorf("%w: %s", storage.ErrInactiveRepo, w.RepoDID)
	}

	s.seq++
	seq := s.seq
	for _, b := range w.Blocks {
		if _, exists := s.blocks[b.CID]; exists {
			continue
		}
		b.Seq = seq
		s.blocks[b.CID] = blockRecord{block: b, seq: seq, repo: w.RepoDID}
	}
	repo.Head = w.CommitCID
	s.repos[w.RepoDID] = repo

	ev := w.Event
	ev.Seq = seq
	s.events = append(s.events, ev)
	return seq, nil
}

func (s *Store) PublishEvent(_ context.Context, ev storage.Event, seq uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq == 0 {
		s.seq++
		seq = s.seq
	} else if seq > s.seq {
		s.seq = seq
	}
	ev.Seq = seq
	s.events = append(s.events, ev)
	sort.Slice(s.events, func(i, j int) bool { return s.events[i].Seq < s.events[j].Seq })
	return seq, nil
}

func (s *Store) ReadBlocksBySeq(_ context.Context, sinceSeq uint64, repoDID string) (storage.BlockSeqIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []storage.BlockSeqEntry
	for _, rec := range s.blocks {
		if rec.seq < sinceSeq {
			continue
		}
		if repoDID != "" && rec.repo != repoDID {
			continue
		}
		entries = append(entries, storage.BlockSeqEntry{Block: rec.block, Seq: rec.seq})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return &blockSeqIterator{entries: entries}, nil
}

func (s *Store) ReadEventsBySeq(_ context.Context, sinceSeq uint64, repoDID string) (storage.EventIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Event
	for _, ev := range s.events {
		if ev.Seq < sinceSeq {
			continue
		}
		if repoDID != "" && ev.RepoDID != repoDID {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return &eventIterator{events: out}, nil
}

func (s *Store) LoadRepo(_ context.Context, didOrHandle string, allowInactive bool) (storage.Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	did := didOrHandle
	if resolved, ok := s.handles[didOrHandle]; ok {
		did = resolved
	}
	repo, ok := s.repos[did]
	if !ok {
		return storage.Repo{}, fmt.Errorf("%w: %s", storage.ErrRepoNotFound, didOrHandle)
	}
	if repo.Status == storage.StatusTombstoned && !allowInactive {
		return storage.Repo{}, fmt.Errorf("%w: %s", storage.ErrInactiveRepo, did)
	}
	return repo, nil
}

func (s *Store) CreateRepo(_ context.Context, repo storage.Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if repo.Status == "" {
		repo.Status = storage.StatusActive
	}
	s.repos[repo.DID] = repo
	if repo.Handle != "" {
		s.handles[repo.Handle] = repo.DID
	}
	return nil
}

func (s *Store) setStatus(did string, status storage.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[did]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrRepoNotFound, did)
	}
	repo.Status = status
	s.repos[did] = repo
	return nil
}

func (s *Store) DeactivateRepo(_ context.Context, did string) error {
	return s.setStatus(did, storage.StatusDeactivated)
}

func (s *Store) ActivateRepo(_ context.Context, did string) error {
	return s.setStatus(did, storage.StatusActive)
}

func (s *Store) TombstoneRepo(_ context.Context, did string) error {
	return s.setStatus(did, storage.StatusTombstoned)
}

func (s *Store) AllocateSeq(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *Store) LastSeq(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

type blockSeqIterator struct {
	entries []storage.BlockSeqEntry
	i       int
}

func (it *blockSeqIterator) Next(context.Context) (storage.BlockSeqEntry, bool, error) {
	if it.i >= len(it.entries) {
		return storage.BlockSeqEntry{}, false, nil
	}
	e := it.entries[it.i]
	it.i++
	return e, true, nil
}

func (it *blockSeqIterator) Close() error { return nil }

type eventIterator struct {
	events []storage.Event
	i      int
}

func (it *eventIterator) Next(context.Context) (storage.Event, bool, error) {
	if it.i >= len(it.events) {
		return storage.Event{}, false, nil
	}
	e := it.events[it.i]
	it.i++
	return e, true, nil
}

func (it *eventIterator) Close() error { return nil }

var _ storage.Store = (*Store)(nil)
