// Package s3 is a storage.Store backed by an S3-compatible object store.
// Every block, repo record, and event is one object; a process-local,
// mutex-guarded index is rebuilt from object listings at construction
// time and kept current on every write. This leans on spec.md's
// single-writer-per-repo invariant (see DESIGN.md) rather than on any
// cross-process conditional-write scheme: within one process, all
// sequence allocation goes through the same mutex the memory store uses.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"github.com/wrenfeed/pds/atdata"
	"github.com/wrenfeed/pds/storage"
)

// Interface is the subset of the AWS S3 client this package depends on,
// grounded on jrhy-mast's persist/s3.S3Interface so the same
// gofakes3-backed fake client used there works here too.
type Interface interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
	ListObjectsV2WithContext(ctx aws.Context, input *s3.ListObjectsV2Input, opts ...request.Option) (*s3.ListObjectsV2Output, error)
}

const (
	blockPrefix  = "blocks/"
	repoPrefix   = "repos/"
	handlePrefix = "handles/"
	eventPrefix  = "seq/events/"
	blockSeqFile = "seq/blocks/"
)

type blockIndexEntry struct {
	seq  uint64
	repo string
	cid  cid.Cid
}

// Store is an S3-backed storage.Store.
type Store struct {
	client Interface
	bucket string
	prefix string

	mu          sync.Mutex
	seq         uint64
	blockIndex  []blockIndexEntry
	eventIndex  []uint64
}

// New opens a Store against the given bucket, rebuilding its in-memory
// sequence index from the objects already present under prefix.
func New(ctx context.Context, client Interface, bucket, prefix string) (*Store, error) {
	s := &Store{client: client, bucket: bucket, prefix: prefix}
	if err := s.rebuildIndex(ctx); err != nil {
		return nil, fmt.Errorf("s3: rebuilding index: %w", err)
	}
	return s, nil
}

func (s *Store) key(parts ...string) string {
	return s.prefix + strings.Join(parts, "")
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// rebuildIndex scans the event and block-seq prefixes concurrently,
// since they're independent listings against the same bucket and the
// full rebuild is on the hot path of opening a Store against a large
// existing repo.
func (s *Store) rebuildIndex(ctx context.Context) error {
	var eventMax, blockMax uint64

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return s.listAll(egCtx, s.key(eventPrefix), func(key string) error {
			seqStr := strings.TrimPrefix(key, s.key(eventPrefix))
			seq, err := strconv.ParseUint(seqStr, 10, 64)
			if err != nil {
				return nil // not one of ours; skip
			}
			s.eventIndex = append(s.eventIndex, seq)
			if seq > eventMax {
				eventMax = seq
			}
			return nil
		})
	})

	eg.Go(func() error {
		return s.listAll(egCtx, s.key(blockSeqFile), func(key string) error {
			rest := strings.TrimPrefix(key, s.key(blockSeqFile))
			parts := strings.SplitN(rest, "/", 3)
			if len(parts) != 3 {
				return nil
			}
			seq, err := strconv.ParseUint(parts[0], 10, 64)
			if err != nil {
				return nil
			}
			c, err := cid.Decode(parts[2])
			if err != nil {
				return nil
			}
			s.blockIndex = append(s.blockIndex, blockIndexEntry{seq: seq, repo: parts[1], cid: c})
			if seq > blockMax {
				blockMax = seq
			}
			return nil
		})
	})

	if err := eg.Wait(); err != nil {
		return err
	}

	maxSeq := eventMax
	if blockMax > maxSeq {
		maxSeq = blockMax
	}

	sort.Slice(s.eventIndex, func(i, j int) bool { return s.eventIndex[i] < s.eventIndex[j] })
	sort.Slice(s.blockIndex, func(i, j int) bool { return s.blockIndex[i].seq < s.blockIndex[j].seq })
	s.seq = maxSeq
	return nil
}

func (s *Store) listAll(ctx context.Context, prefix string, fn func(key string) error) error {
	var token *string
	for {
		out, err := s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			if err := fn(aws.StringValue(obj.Key)); err != nil {
				return err
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer out.Body.Close()
	b, err := ioutil.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}

func (s *Store) Read(ctx context.Context, c cid.Cid) (atdata.Block, error) {
	data, ok, err := s.getObject(ctx, s.key(blockPrefix, c.String()))
	if err != nil {
		return atdata.Block{}, fmt.Errorf("s3: reading block %s: %w", c, err)
	}
	if !ok {
		return atdata.Block{}, fmt.Errorf("%w: %s", storage.ErrBlockNotFound, c)
	}
	return atdata.Block{CID: c, Bytes: data}, nil
}

func (s *Store) ReadMany(ctx context.Context, cids []cid.Cid) (storage.ReadManyResult, error) {
	result := storage.ReadManyResult{Blocks: map[cid.Cid]atdata.Block{}}
	for _, c := range cids {
		b, err := s.Read(ctx, c)
		if err != nil {
			result.Missing = append(result.Missing, c)
			continue
		}
		result.Blocks[c] = b
	}
	return result, nil
}

func (s *Store) Write(ctx context.Context, repoDID string, block atdata.Block) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := s.writeBlockLocked(ctx, repoDID, block, 0)
	return created, err
}

// writeBlockLocked stores block if it is new, stamped with seq; a seq of 0
// allocates a fresh one.
func (s *Store) writeBlockLocked(ctx context.Context, repoDID string, block atdata.Block, seq uint64) (bool, error) {
	_, exists, err := s.getObject(ctx, s.key(blockPrefix, block.CID.String()))
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := s.putObject(ctx, s.key(blockPrefix, block.CID.String()), block.Bytes); err != nil {
		return false, err
	}
	if seq == 0 {
		s.seq++
		seq = s.seq
	}
	if err := s.putObject(ctx, s.key(blockSeqFile, seqKey(seq), "/", repoDID, "/", block.CID.String()), nil); err != nil {
		return false, err
	}
	s.blockIndex = append(s.blockIndex, blockIndexEntry{seq: seq, repo: repoDID, cid: block.CID})
	return true, nil
}

func (s *Store) WriteBlocks(ctx context.Context, repoDID string, blocks []atdata.Block) (created, existing []cid.Cid, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		ok, werr := s.writeBlockLocked(ctx, repoDID, b, 0)
		if werr != nil {
			return created, existing, werr
		}
		if ok {
			created = append(created, b.CID)
		} else {
			existing = append(existing, b.CID)
		}
	}
	return created, existing, nil
}

func (s *Store) ApplyCommit(ctx context.Context, w storage.CommitWrite) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.loadRepoLocked(ctx, w.RepoDID, true)
	if err != nil {
		return 0, err
	}
	if repo.Status != storage.StatusActive {
		return 0, fmt.Errorf("%w: %s", storage.ErrInactiveRepo, w.RepoDID)
	}

	s.seq++
	seq := s.seq

	for _, b := range w.Blocks {
		if _, err := s.writeBlockLocked(ctx, w.RepoDID, b, seq); err != nil {
			return 0, fmt.Errorf("s3: writing commit blocks: %w", err)
		}
	}

	ev := w.Event
	ev.Seq = seq
	evBytes, err := atdata.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("s3: encoding event: %w", err)
	}
	if err := s.putObject(ctx, s.key(eventPrefix, seqKey(seq)), evBytes); err != nil {
		return 0, fmt.Errorf("s3: writing event: %w", err)
	}
	s.eventIndex = append(s.eventIndex, seq)

	repo.Head = w.CommitCID
	if err := s.storeRepoLocked(ctx, repo); err != nil {
		return 0, fmt.Errorf("s3: updating repo head: %w", err)
	}
	return seq, nil
}

func (s *Store) PublishEvent(ctx context.Context, ev storage.Event, seq uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq == 0 {
		s.seq++
		seq = s.seq
	} else if seq > s.seq {
		s.seq = seq
	}
	ev.Seq = seq
	evBytes, err := atdata.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("s3: encoding event: %w", err)
	}
	if err := s.putObject(ctx, s.key(eventPrefix, seqKey(seq)), evBytes); err != nil {
		return 0, fmt.Errorf("s3: writing event: %w", err)
	}
	s.eventIndex = append(s.eventIndex, seq)
	sort.Slice(s.eventIndex, func(i, j int) bool { return s.eventIndex[i] < s.eventIndex[j] })
	return seq, nil
}

func (s *Store) ReadBlocksBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (storage.BlockSeqIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []storage.BlockSeqEntry
	for _, e := range s.blockIndex {
		if e.seq < sinceSeq {
			continue
		}
		if repoDID != "" && e.repo != repoDID {
			continue
		}
		block, err := s.Read(ctx, e.cid)
		if err != nil {
			return nil, err
		}
		entries = append(entries, storage.BlockSeqEntry{Block: block, Seq: e.seq})
	}
	return &blockSeqIterator{entries: entries}, nil
}

func (s *Store) ReadEventsBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (storage.EventIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Event
	for _, seq := range s.eventIndex {
		if seq < sinceSeq {
			continue
		}
		data, ok, err := s.getObject(ctx, s.key(eventPrefix, seqKey(seq)))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var ev storage.Event
		if err := atdata.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("s3: decoding event %d: %w", seq, err)
		}
		if repoDID != "" && ev.RepoDID != repoDID {
			continue
		}
		out = append(out, ev)
	}
	return &eventIterator{events: out}, nil
}

func (s *Store) loadRepoLocked(ctx context.Context, didOrHandle string, allowInactive bool) (storage.Repo, error) {
	did := didOrHandle
	if data, ok, err := s.getObject(ctx, s.key(handlePrefix, didOrHandle)); err != nil {
		return storage.Repo{}, err
	} else if ok {
		did = string(data)
	}

	data, ok, err := s.getObject(ctx, s.key(repoPrefix, did))
	if err != nil {
		return storage.Repo{}, err
	}
	if !ok {
		return storage.Repo{}, fmt.Errorf("%w: %s", storage.ErrRepoNotFound, didOrHandle)
	}
	var repo storage.Repo
	if err := atdata.Unmarshal(data, &repo); err != nil {
		return storage.Repo{}, fmt.Errorf("s3: decoding repo %s: %w", did, err)
	}
	if repo.Status == storage.StatusTombstoned && !allowInactive {
		return storage.Repo{}, fmt.Errorf("%w: %s", storage.ErrInactiveRepo, did)
	}
	return repo, nil
}

func (s *Store) storeRepoLocked(ctx context.Context, repo storage.Repo) error {
	data, err := atdata.Marshal(repo)
	if err != nil {
		return err
	}
	if err := s.putObject(ctx, s.key(repoPrefix, repo.DID), data); err != nil {
		return err
	}
	if repo.Handle != "" {
		return s.putObject(ctx, s.key(handlePrefix, repo.Handle), []byte(repo.DID))
	}
	return nil
}

func (s *Store) LoadRepo(ctx context.Context, didOrHandle string, allowInactive bool) (storage.Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRepoLocked(ctx, didOrHandle, allowInactive)
}

func (s *Store) CreateRepo(ctx context.Context, repo storage.Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if repo.Status == "" {
		repo.Status = storage.StatusActive
	}
	return s.storeRepoLocked(ctx, repo)
}

func (s *Store) setStatus(ctx context.Context, did string, status storage.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, err := s.loadRepoLocked(ctx, did, true)
	if err != nil {
		return err
	}
	repo.Status = status
	return s.storeRepoLocked(ctx, repo)
}

func (s *Store) DeactivateRepo(ctx context.Context, did string) error {
	return s.setStatus(ctx, did, storage.StatusDeactivated)
}

func (s *Store) ActivateRepo(ctx context.Context, did string) error {
	return s.setStatus(ctx, did, storage.StatusActive)
}

func (s *Store) TombstoneRepo(ctx context.Context, did string) error {
	return s.setStatus(ctx, did, storage.StatusTombstoned)
}

func (s *Store) AllocateSeq(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *Store) LastSeq(context.Context) (uint64, error) {
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
