package memory_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/wrenfeed/pds/atdata"
	"github.com/wrenfeed/pds/storage"
	"github.com/wrenfeed/pds/storage/memory"
)

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	block, err := atdata.NewBlock(map[string]interface{}{"hello": "world"})
	require.NoError(t, err)

	created, err := st.Write(ctx, "did:example:alice", block)
	require.NoError(t, err)
	require.True(t, created)

	created, err = st.Write(ctx, "did:example:alice", block)
	require.NoError(t, err)
	require.False(t, created)

	got, err := st.Read(ctx, block.CID)
	require.NoError(t, err)
	require.Equal(t, block.Bytes, got.Bytes)
}

func TestReadMissingBlock(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	block, err := atdata.NewBlock("nonexistent")
	require.NoError(t, err)

	_, err = st.Read(ctx, block.CID)
	require.ErrorIs(t, err, storage.ErrBlockNotFound)
}

func TestReadManyReportsMissing(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	a, err := atdata.NewBlock("a")
	require.NoError(t, err)
	b, err := atdata.NewBlock("b")
	require.NoError(t, err)
	_, err = st.Write(ctx, "did:example:alice", a)
	require.NoError(t, err)

	result, err := st.ReadMany(ctx, []cid.Cid{a.CID, b.CID})
	require.NoError(t, err)
	require.Contains(t, result.Blocks, a.CID)
	require.Equal(t, []cid.Cid{b.CID}, result.Missing)
}

func TestRepoLifecycleAndHandleResolution(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	require.NoError(t, st.CreateRepo(ctx, storage.Repo{DID: "did:example:alice", Handle: "alice.test"}))

	got, err := st.LoadRepo(ctx, "alice.test", false)
	require.NoError(t, err)
	require.Equal(t, "did:example:alice", got.DID)
	require.Equal(t, storage.StatusActive, got.Status)

	require.NoError(t, st.DeactivateRepo(ctx, "did:example:alice"))
	got, err = st.LoadRepo(ctx, "did:example:alice", false)
	require.NoError(t, err)
	require.Equal(t, storage.StatusDeactivated, got.Status)

	require.NoError(t, st.ActivateRepo(ctx, "did:example:alice"))
	require.NoError(t, st.TombstoneRepo(ctx, "did:example:alice"))

	_, err = st.LoadRepo(ctx, "did:example:alice", false)
	require.ErrorIs(t, err, storage.ErrInactiveRepo)

	got, err = st.LoadRepo(ctx, "did:example:alice", true)
	require.NoError(t, err)
	require.Equal(t, storage.StatusTombstoned, got.Status)
}

func TestApplyCommitRejectsUnknownOrInactiveRepo(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	_, err := st.ApplyCommit(ctx, storage.CommitWrite{RepoDID: "did:example:ghost"})
	require.ErrorIs(t, err, storage.ErrRepoNotFound)

	require.NoError(t, st.CreateRepo(ctx, storage.Repo{DID: "did:example:alice"}))
	require.NoError(t, st.TombstoneRepo(ctx, "did:example:alice"))
	_, err = st.ApplyCommit(ctx, storage.CommitWrite{RepoDID: "did:example:alice"})
	require.ErrorIs(t, err, storage.ErrInactiveRepo)
}

func TestApplyCommitAssignsIncreasingSeq(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.CreateRepo(ctx, storage.Repo{DID: "did:example:alice"}))

	block, err := atdata.NewBlock("commit-1")
	require.NoError(t, err)
	seq1, err := st.ApplyCommit(ctx, storage.CommitWrite{
		RepoDID: "did:example:alice", Blocks: []atdata.Block{block}, CommitCID: block.CID,
		Event: storage.Event{RepoDID: "did:example:alice", Kind: storage.EventCommit},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	block2, err := atdata.NewBlock("commit-2")
	require.NoError(t, err)
	seq2, err := st.ApplyCommit(ctx, storage.CommitWrite{
		RepoDID: "did:example:alice", Blocks: []atdata.Block{block2}, CommitCID: block2.CID,
		Event: storage.Event{RepoDID: "did:example:alice", Kind: storage.EventCommit},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq2)

	repo, err := st.LoadRepo(ctx, "did:example:alice", false)
	require.NoError(t, err)
	require.Equal(t, block2.CID, repo.Head)
}

func TestPublishEventFulfillsReservation(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	reserved, err := st.AllocateSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), reserved)

	// a second event publishes into an unreserved seq first.
	seq, err := st.PublishEvent(ctx, storage.Event{RepoDID: "did:example:bob", Kind: storage.EventIdentity}, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)

	// now the original reservation is fulfilled, landing before seq 2
	// even though it was written after it.
	filled, err := st.PublishEvent(ctx, storage.Event{RepoDID: "did:example:alice", Kind: storage.EventIdentity}, reserved)
	require.NoError(t, err)
	require.Equal(t, reserved, filled)

	it, err := st.ReadEventsBySeq(ctx, 1, "")
	require.NoError(t, err)
	defer it.Close()
	ev, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), ev.Seq)
	require.Equal(t, "did:example:alice", ev.RepoDID)
}

func TestReadEventsBySeqIsInclusiveAndFilteredByRepo(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	_, err := st.PublishEvent(ctx, storage.Event{RepoDID: "did:example:alice"}, 0)
	require.NoError(t, err)
	_, err = st.PublishEvent(ctx, storage.Event{RepoDID: "did:example:bob"}, 0)
	require.NoError(t, err)

	it, err := st.ReadEventsBySeq(ctx, 2, "")
	require.NoError(t, err)
	defer it.Close()
	ev, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), ev.Seq, "sinceSeq=2 must include seq 2 itself")

	it2, err := st.ReadEventsBySeq(ctx, 1, "did:example:bob")
	require.NoError(t, err)
	defer it2.Close()
	ev2, ok, err := it2.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "did:example:bob", ev2.RepoDID)
	_, ok, err = it2.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLastSeqReflectsReservationsAndCommits(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	last, err := st.LastSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)

	_, err = st.AllocateSeq(ctx)
	require.NoError(t, err)
	last, err = st.LastSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)

	require.NoError(t, st.CreateRepo(ctx, storage.Repo{DID: "did:example:alice"}))
	_, err = st.ApplyCommit(ctx, storage.CommitWrite{
		RepoDID: "did:example:alice",
		Event:   storage.Event{RepoDID: "did:example:alice", Kind: storage.EventCommit},
	})
	require.NoError(t, err)
	last, err = st.LastSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
}
