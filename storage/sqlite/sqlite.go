// Package sqlite is a storage.Store backed by a single-file, WAL-mode
// SQLite database: one table each for blocks, repos, and events, plus a
// one-row counter table kept atomic with commit application by updating
// it inside the same transaction. Grounded on bobg/bs/store/sqlite3's
// schema-as-a-constant, ON CONFLICT DO NOTHING, QueryRowContext style.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ipfs/go-cid"

	"github.com/wrenfeed/pds/atdata"
	"github.com/wrenfeed/pds/storage"
)

// Schema is the SQL Open executes to create the database, if it does not
// already exist.
const Schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS blocks (
  cid      TEXT PRIMARY KEY NOT NULL,
  data     BLOB NOT NULL,
  repo_did TEXT NOT NULL,
  seq      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS blocks_seq_idx ON blocks (seq, repo_did);

CREATE TABLE IF NOT EXISTS repos (
  did          TEXT PRIMARY KEY NOT NULL,
  head         TEXT NOT NULL,
  signing_key  TEXT NOT NULL,
  rotation_key TEXT NOT NULL,
  handle       TEXT UNIQUE,
  status       TEXT NOT NULL,
  created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
  seq      INTEGER PRIMARY KEY,
  repo_did TEXT NOT NULL,
  time     TEXT NOT NULL,
  kind     TEXT NOT NULL,
  payload  BLOB
);

CREATE TABLE IF NOT EXISTS seq_counter (
  id  INTEGER PRIMARY KEY CHECK (id = 0),
  seq INTEGER NOT NULL
);
INSERT OR IGNORE INTO seq_counter (id, seq) VALUES (0, 0);
`

// Store is a SQLite-backed storage.Store.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens a Store at path, a DSN passed
// straight to database/sql's sqlite3 driver (e.g. "file:pds.db").
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // one writer; WAL readers don't need this but keeps semantics simple
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("sqlite: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Read(ctx context.Context, c cid.Cid) (atdata.Block, error) {
	const q = `SELECT data FROM blocks WHERE cid = ?`
	var data []byte
	err := s.db.QueryRowContext(ctx, q, c.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return atdata.Block{}, fmt.Errorf("%w: %s", storage.ErrBlockNotFound, c)
	}
	if err != nil {
		return atdata.Block{}, fmt.Errorf("sqlite: reading block %s: %w", c, err)
	}
	return atdata.Block{CID: c, Bytes: data}, nil
}

func (s *Store) ReadMany(ctx context.Context, cids []cid.Cid) (storage.ReadManyResult, error) {
	result := storage.ReadManyResult{Blocks: map[cid.Cid]atdata.Block{}}
	for _, c := range cids {
		b, err := s.Read(ctx, c)
		if errors.Is(err, storage.ErrBlockNotFound) {
			result.Missing = append(result.Missing, c)
			continue
		}
		if err != nil {
			return storage.ReadManyResult{}, err
		}
		result.Blocks[c] = b
	}
	return result, nil
}

func writeBlockTx(ctx context.Context, tx *sql.Tx, repoDID string, block atdata.Block, seq uint64) (bool, error) {
	const q = `INSERT INTO blocks (cid, data, repo_did, seq) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`
	res, err := tx.ExecContext(ctx, q, block.CID.String(), block.Bytes, repoDID, seq)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nextSeqTx(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var seq uint64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM seq_counter WHERE id = 0`).Scan(&seq); err != nil {
		return 0, err
	}
	seq++
	if _, err := tx.ExecContext(ctx, `UPDATE seq_counter SET seq = ? WHERE id = 0`, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) Write(ctx context.Context, repoDID string, block atdata.Block) (created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeqTx(ctx, tx)
	if err != nil {
		return false, fmt.Errorf("sqlite: allocating seq: %w", err)
	}
	created, err = writeBlockTx(ctx, tx, repoDID, block, seq)
	if err != nil {
		return false, fmt.Errorf("sqlite: writing block: %w", err)
	}
	if !created {
		return false, tx.Rollback()
	}
	return true, tx.Commit()
}

func (s *Store) WriteBlocks(ctx context.Context, repoDID string, blocks []atdata.Block) (created, existing []cid.Cid, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	for _, b := range blocks {
		seq, err := nextSeqTx(ctx, tx)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: allocating seq: %w", err)
		}
		ok, err := writeBlockTx(ctx, tx, repoDID, b, seq)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: writing block %s: %w", b.CID, err)
		}
		if ok {
			created = append(created, b.CID)
		} else {
			existing = append(existing, b.CID)
		}
	}
	return created, existing, tx.Commit()
}

func (s *Store) ApplyCommit(ctx context.Context, w storage.CommitWrite) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM repos WHERE did = ?`, w.RepoDID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", storage.ErrRepoNotFound, w.RepoDID)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: loading repo %s: %w", w.RepoDID, err)
	}
	if storage.Status(status) != storage.StatusActive {
		return 0, fmt.Errorf("%w: %s", storage.ErrInactiveRepo, w.RepoDID)
	}

	seq, err := nextSeqTx(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("sqlite: allocating seq: %w", err)
	}
	for _, b := range w.Blocks {
		if _, err := writeBlockTx(ctx, tx, w.RepoDID, b, seq); err != nil {
			return 0, fmt.Errorf("sqlite: writing commit block %s: %w", b.CID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE repos SET head = ? WHERE did = ?`, w.CommitCID.String(), w.RepoDID); err != nil {
		return 0, fmt.Errorf("sqlite: updating head: %w", err)
	}

	const q = `INSERT INTO events (seq, repo_did, time, kind, payload) VALUES (?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q, seq, w.RepoDID, w.Event.Time.UTC().Format(time.RFC3339Nano), string(w.Event.Kind), w.Event.Payload)
	if err != nil {
		return 0, fmt.Errorf("sqlite: inserting event: %w", err)
	}

	return seq, tx.Commit()
}

func (s *Store) PublishEvent(ctx context.Context, ev storage.Event, seq uint64) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if seq == 0 {
		seq, err = nextSeqTx(ctx, tx)
		if err != nil {
			return 0, fmt.Errorf("sqlite: allocating seq: %w", err)
		}
	} else {
		var cur uint64
		if err := tx.QueryRowContext(ctx, `SELECT seq FROM seq_counter WHERE id = 0`).Scan(&cur); err != nil {
			return 0, fmt.Errorf("sqlite: reading seq counter: %w", err)
		}
		if seq > cur {
			if _, err := tx.ExecContext(ctx, `UPDATE seq_counter SET seq = ? WHERE id = 0`, seq); err != nil {
				return 0, fmt.Errorf("sqlite: bumping seq counter: %w", err)
			}
		}
	}

	const q = `INSERT INTO events (seq, repo_did, time, kind, payload) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, seq, ev.RepoDID, ev.Time.UTC().Format(time.RFC3339Nano), string(ev.Kind), ev.Payload); err != nil {
		return 0, fmt.Errorf("sqlite: inserting event: %w", err)
	}
	return seq, tx.Commit()
}

func (s *Store) ReadBlocksBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (storage.BlockSeqIterator, error) {
	q := `SELECT cid, data, seq FROM blocks WHERE seq >= ?`
	args := []interface{}{sinceSeq}
	if repoDID != "" {
		q += ` AND repo_did = ?`
		args = append(args, repoDID)
	}
	q += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying blocks: %w", err)
	}
	return &blockRows{rows: rows}, nil
}

type blockRows struct {
	rows *sql.Rows
}

func (b *blockRows) Next(context.Context) (storage.BlockSeqEntry, bool, error) {
	if !b.rows.Next() {
		return storage.BlockSeqEntry{}, false, b.rows.Err()
	}
	var cidStr string
	var data []byte
	var seq uint64
	if err := b.rows.Scan(&cidStr, &data, &seq); err != nil {
		return storage.BlockSeqEntry{}, false, err
	}
	c, err := cid.Decode(cidStr)
	if err != nil {
		return storage.BlockSeqEntry{}, false, fmt.Errorf("sqlite: decoding cid %s: %w", cidStr, err)
	}
	return storage.BlockSeqEntry{Block: atdata.Block{CID: c, Bytes: data, Seq: seq}, Seq: seq}, true, nil
}

func (b *blockRows) Close() error { return b.rows.Close() }

func (s *Store) ReadEventsBySeq(ctx context.Context, sinceSeq uint64, repoDID string) (storage.EventIterator, error) {
	q := `SELECT seq, repo_did, time, kind, payload FROM events WHERE seq >= ?`
	args := []interface{}{sinceSeq}
	if repoDID != "" {
		q += ` AND repo_did = ?`
		args = append(args, repoDID)
	}
	q += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying events: %w", err)
	}
	return &eventRows{rows: rows}, nil
}

type eventRows struct {
	rows *sql.Rows
}

func (e *eventRows) Next(context.Context) (storage.Event, bool, error) {
	if !e.rows.Next() {
		return storage.Event{}, false, e.rows.Err()
	}
	var ev storage.Event
	var timeStr, kind string
	if err := e.rows.Scan(&ev.Seq, &ev.RepoDID, &timeStr, &kind, &ev.Payload); err != nil {
		return storage.Event{}, false, err
	}
	ev.Kind = storage.EventKind(kind)
	t, err := time.Parse(time.RFC3339Nano, timeStr)
	if err != nil {
		return storage.Event{}, false, fmt.Errorf("sqlite: parsing event time: %w", err)
	}
	ev.Time = t
	return ev, true, nil
}

func (e *eventRows) Close() error { return e.rows.Close() }

func (s *Store) LoadRepo(ctx context.Context, didOrHandle string, allowInactive bool) (storage.Repo, error) {
	const q = `SELECT did, head, signing_key, rotation_key, handle, status, created_at
		FROM repos WHERE did = ? OR handle = ?`
	var (
		repo         storage.Repo
		head         string
		handle       sql.NullString
		status       string
		createdAtStr string
	)
	err := s.db.QueryRowContext(ctx, q, didOrHandle, didOrHandle).Scan(
		&repo.DID, &head, &repo.SigningKey, &repo.RotationKey, &handle, &status, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Repo{}, fmt.Errorf("%w: %s", storage.ErrRepoNotFound, didOrHandle)
	}
	if err != nil {
		return storage.Repo{}, fmt.Errorf("sqlite: loading repo %s: %w", didOrHandle, err)
	}
	if head != "" {
		c, err := cid.Decode(head)
		if err != nil {
			return storage.Repo{}, fmt.Errorf("sqlite: decoding head cid: %w", err)
		}
		repo.Head = c
	}
	repo.Handle = handle.String
	repo.Status = storage.Status(status)
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return storage.Repo{}, fmt.Errorf("sqlite: parsing created_at: %w", err)
	}
	repo.CreatedAt = createdAt

	if repo.Status == storage.StatusTombstoned && !allowInactive {
		return storage.Repo{}, fmt.Errorf("%w: %s", storage.ErrInactiveRepo, repo.DID)
	}
	return repo, nil
}

func (s *Store) CreateRepo(ctx context.Context, repo storage.Repo) error {
	if repo.Status == "" {
		repo.Status = storage.StatusActive
	}
	var handle interface{}
	if repo.Handle != "" {
		handle = repo.Handle
	}
	var head string
	if repo.Head != cid.Undef {
		head = repo.Head.String()
	}
	const q = `INSERT INTO repos (did, head, signing_key, rotation_key, handle, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, repo.DID, head, repo.SigningKey, repo.RotationKey,
		handle, string(repo.Status), repo.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: creating repo %s: %w", repo.DID, err)
	}
	return nil
}

func (s *Store) setStatus(ctx context.Context, did string, status storage.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE repos SET status = ? WHERE did = ?`, string(status), did)
	if err != nil {
		return fmt.Errorf("sqlite: updating repo status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrRepoNotFound, did)
	}
	return nil
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

func (s *Store) AllocateSeq(ctx context.Context) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	seq, err := nextSeqTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

func (s *Store) LastSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM seq_counter WHERE id = 0`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlite: reading seq counter: %w", err)
	}
	return seq, nil
}

var _ storage.Store = (*Store)(nil)
