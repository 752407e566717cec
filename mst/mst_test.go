package mst_test

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/wrenfeed/pds/atdata"
	"github.com/wrenfeed/pds/mst"
)

func newTree(t *testing.T) *mst.MST {
	t.Helper()
	return mst.New(mst.NewMemoryBlockStore(), mst.NewNodeCache(64))
}

// valCID returns a deterministic, distinct CID for i, standing in for a
// record block a real repo would have written separately.
func valCID(t *testing.T, i int) cid.Cid {
	t.Helper()
	block, err := atdata.NewBlock(fmt.Sprintf("value-%d", i))
	require.NoError(t, err)
	return block.CID
}

func key(collection string, rkey string) string {
	return collection + "/" + rkey
}

func TestAddGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)

	v := valCID(t, 1)
	m2, err := m.Add(ctx, key("app.bsky.feed.post", "a"), v)
	require.NoError(t, err)

	got, err := m2.Get(ctx, key("app.bsky.feed.post", "a"))
	require.NoError(t, err)
	require.Equal(t, v, got)

	// the receiver is untouched
	_, err = m.Get(ctx, key("app.bsky.feed.post", "a"))
	require.ErrorIs(t, err, mst.ErrKeyNotFound)
}

func TestAddExistingKeyFails(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)
	m, err := m.Add(ctx, key("a", "1"), valCID(t, 1))
	require.NoError(t, err)

	_, err = m.Add(ctx, key("a", "1"), valCID(t, 2))
	require.ErrorIs(t, err, mst.ErrKeyExists)
}

func TestUpdateMissingKeyFails(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)
	_, err := m.Update(ctx, key("a", "1"), valCID(t, 1))
	require.ErrorIs(t, err, mst.ErrKeyNotFound)
}

func TestUpdateReplacesValue(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)
	m, err := m.Add(ctx, key("a", "1"), valCID(t, 1))
	require.NoError(t, err)

	m, err = m.Update(ctx, key("a", "1"), valCID(t, 2))
	require.NoError(t, err)

	got, err := m.Get(ctx, key("a", "1"))
	require.NoError(t, err)
	require.Equal(t, valCID(t, 2), got)
}

func TestDeleteMissingKeyFails(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)
	_, err := m.Delete(ctx, key("a", "1"))
	require.ErrorIs(t, err, mst.ErrKeyNotFound)
}

func TestDeleteEmptiesTree(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)
	m, err := m.Add(ctx, key("a", "1"), valCID(t, 1))
	require.NoError(t, err)

	m, err = m.Delete(ctx, key("a", "1"))
	require.NoError(t, err)
	require.Equal(t, cid.Undef, m.RootCID())
}

func TestInvalidKeyRejected(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)

	cases := []string{"", "noslash", "a/b/c", "/rkey", "collection/", "a b/rkey", string(make([]byte, 300))}
	for _, k := range cases {
		_, err := m.Add(ctx, k, valCID(t, 1))
		require.ErrorIsf(t, err, mst.ErrInvalidKey, "key %q should be rejected", k)
	}
}

func TestWalkAscendingOrder(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)
	keys := []string{"b/3", "a/1", "c/9", "a/2", "b/1"}
	for i, k := range keys {
		var err error
		m, err = m.Add(ctx, k, valCID(t, i))
		require.NoError(t, err)
	}

	var seen []string
	require.NoError(t, m.Walk(ctx, func(e mst.Entry) (bool, error) {
		seen = append(seen, e.Key)
		return true, nil
	}))

	want := append([]string(nil), keys...)
	sort.Strings(want)
	require.Equal(t, want, seen)
}

func TestListPrefixAndStart(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)
	for i, k := range []string{"app.bsky.feed.post/1", "app.bsky.feed.post/2", "app.bsky.feed.post/3", "app.bsky.graph.follow/1"} {
		var err error
		m, err = m.Add(ctx, k, valCID(t, i))
		require.NoError(t, err)
	}

	entries, err := m.List(ctx, "app.bsky.feed.post/", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	entries, err = m.List(ctx, "app.bsky.feed.post/", "app.bsky.feed.post/1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "app.bsky.feed.post/2", entries[0].Key)

	entries, err = m.List(ctx, "app.bsky.feed.post/", "", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// TestRootCIDOrderIndependent exercises the tree's defining invariant:
// the same key/value mapping produces the same root CID regardless of
// the order records were inserted in, since height is derived from each
// key's hash rather than insertion order.
func TestRootCIDOrderIndependent(t *testing.T) {
	ctx := context.Background()
	keys := []string{"a/1", "a/2", "a/3", "b/1", "b/2", "c/9", "d/4", "e/3"}

	build := func(order []int) cid.Cid {
		m := newTree(t)
		var err error
		for _, i := range order {
			m, err = m.Add(ctx, keys[i], valCID(t, i))
			require.NoError(t, err)
		}
		return m.RootCID()
	}

	forward := make([]int, len(keys))
	for i := range forward {
		forward[i] = i
	}
	reverse := make([]int, len(keys))
	for i := range reverse {
		reverse[i] = len(keys) - 1 - i
	}
	shuffled := []int{3, 0, 5, 1, 7, 2, 6, 4}

	root1 := build(forward)
	root2 := build(reverse)
	root3 := build(shuffled)
	require.Equal(t, root1, root2)
	require.Equal(t, root1, root3)
}

func TestDiffCreatesUpdatesDeletes(t *testing.T) {
	ctx := context.Background()
	bs := mst.NewMemoryBlockStore()
	cache := mst.NewNodeCache(64)

	old := mst.New(bs, cache)
	var err error
	old, err = old.Add(ctx, "a/1", valCID(t, 1))
	require.NoError(t, err)
	old, err = old.Add(ctx, "a/2", valCID(t, 2))
	require.NoError(t, err)
	old, err = old.Add(ctx, "a/3", valCID(t, 3))
	require.NoError(t, err)

	next := old
	next, err = next.Delete(ctx, "a/1")
	require.NoError(t, err)
	next, err = next.Update(ctx, "a/2", valCID(t, 20))
	require.NoError(t, err)
	next, err = next.Add(ctx, "a/4", valCID(t, 4))
	require.NoError(t, err)

	diff, err := next.Diff(ctx, old)
	require.NoError(t, err)

	require.Equal(t, []mst.Entry{{Key: "a/4", Val: valCID(t, 4)}}, diff.Creates)
	require.Equal(t, []mst.Entry{{Key: "a/1", Val: valCID(t, 1)}}, diff.Deletes)
	require.Equal(t, []mst.Update{{Key: "a/2", Prev: valCID(t, 2), New: valCID(t, 20)}}, diff.Updates)
	require.NotEmpty(t, diff.NewCIDs)
}

func TestDiffIdenticalTreesIsEmpty(t *testing.T) {
	ctx := context.Background()
	bs := mst.NewMemoryBlockStore()
	cache := mst.NewNodeCache(64)
	m := mst.New(bs, cache)
	var err error
	m, err = m.Add(ctx, "a/1", valCID(t, 1))
	require.NoError(t, err)

	diff, err := m.Diff(ctx, m)
	require.NoError(t, err)
	require.Empty(t, diff.Creates)
	require.Empty(t, diff.Updates)
	require.Empty(t, diff.Deletes)
	require.Empty(t, diff.NewCIDs)
}

func TestLoadResumesPersistedTree(t *testing.T) {
	ctx := context.Background()
	bs := mst.NewMemoryBlockStore()
	cache := mst.NewNodeCache(64)

	m := mst.New(bs, cache)
	m, err := m.Add(ctx, "a/1", valCID(t, 1))
	require.NoError(t, err)
	root := m.RootCID()

	reloaded := mst.Load(bs, mst.NewNodeCache(64), root)
	got, err := reloaded.Get(ctx, "a/1")
	require.NoError(t, err)
	require.Equal(t, valCID(t, 1), got)
}
