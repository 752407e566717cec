// Package mst implements the ordered, content-addressed Merkle Search
// Tree that indexes an AT Protocol repository's records by key.
//
// A key is "<collection NSID>/<record key>". A node's height is derived
// from the leading zero bits of the SHA-256 hash of its keys, which
// deterministically partitions the keyspace into layers independent of
// insertion order: building the same key/value mapping by any sequence of
// Add/Update/Delete calls yields the same RootCID.
//
// Every mutator returns a new *MST; the receiver is left untouched and
// shares every subtree the mutation didn't touch with the result,
// following jrhy-mast's copy-on-write discipline.
package mst

import (
	"context"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
)

// Entry is one key/value pair yielded by Walk and List.
type Entry struct {
	Key string
	Val cid.Cid
}

// MST is an immutable handle onto one tree state: a root CID (or the
// empty-tree sentinel cid.Undef) plus the store and cache it reads
// through.
type MST struct {
	root  cid.Cid
	bs    BlockStore
	cache NodeCache
}

// New returns the empty tree backed by bs.
func New(bs BlockStore, cache NodeCache) *MST {
	return &MST{bs: bs, cache: cache}
}

// Load returns a handle onto the tree already persisted at root.
func Load(bs BlockStore, cache NodeCache, root cid.Cid) *MST {
	return &MST{root: root, bs: bs, cache: cache}
}

// RootCID returns the tree's root CID, or cid.Undef for the empty tree.
func (m *MST) RootCID() cid.Cid { return m.root }

func (m *MST) clone(root cid.Cid) *MST {
	return &MST{root: root, bs: m.bs, cache: m.cache}
}

func (m *MST) resolveRoot(ctx context.Context) (*node, error) {
	if m.root == cid.Undef {
		return &node{}, nil
	}
	return loadNode(ctx, m.bs, m.cache, m.root)
}

// Get returns the value CID stored at key.
func (m *MST) Get(ctx context.Context, key string) (cid.Cid, error) {
	if err := validateKey(key); err != nil {
		return cid.Undef, err
	}
	root, err := m.resolveRoot(ctx)
	if err != nil {
		return cid.Undef, err
	}
	if root.isEmpty() {
		return cid.Undef, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return getFromNode(ctx, m.bs, m.cache, root, key)
}

// Add inserts a new key/value pair, failing with ErrKeyExists if key is
// already present.
func (m *MST) Add(ctx context.Context, key string, val cid.Cid) (*MST, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	root, err := m.resolveRoot(ctx)
	if err != nil {
		return nil, err
	}
	newRoot, err := addToNode(ctx, m.bs, m.cache, root, key, val, heightForKey(key))
	if err != nil {
		return nil, err
	}
	c, err := newRoot.store(ctx, m.bs, m.cache)
	if err != nil {
		return nil, err
	}
	return m.clone(c), nil
}

// Update replaces the value at an existing key, failing with
// ErrKeyNotFound if key is absent.
func (m *MST) Update(ctx context.Context, key string, val cid.Cid) (*MST, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	root, err := m.resolveRoot(ctx)
	if err != nil {
		return nil, err
	}
	if root.isEmpty() {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	newRoot, err := updateInNode(ctx, m.bs, m.cache, root, key, val)
	if err != nil {
		return nil, err
	}
	c, err := newRoot.store(ctx, m.bs, m.cache)
	if err != nil {
		return nil, err
	}
	return m.clone(c), nil
}

// Delete removes key, failing with ErrKeyNotFound if it is absent.
func (m *MST) Delete(ctx context.Context, key string) (*MST, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	root, err := m.resolveRoot(ctx)
	if err != nil {
		return nil, err
	}
	if root.isEmpty() {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	newRoot, err := deleteFromNode(ctx, m.bs, m.cache, root, key)
	if err != nil {
		return nil, err
	}
	newRoot, err = trimTop(ctx, m.bs, m.cache, newRoot)
	if err != nil {
		return nil, err
	}
	if newRoot.isEmpty() {
		return m.clone(cid.Undef), nil
	}
	c, err := newRoot.store(ctx, m.bs, m.cache)
	if err != nil {
		return nil, err
	}
	return m.clone(c), nil
}

// Walk visits every key/value pair in ascending key order, stopping early
// if fn returns false or an error.
func (m *MST) Walk(ctx context.Context, fn func(Entry) (bool, error)) error {
	if m.root == cid.Undef {
		return nil
	}
	root, err := loadNode(ctx, m.bs, m.cache, m.root)
	if err != nil {
		return err
	}
	_, err = walkNode(ctx, m.bs, m.cache, root, fn)
	return err
}

// List returns up to limit keys lexicographically matching prefix,
// starting strictly after start (if non-empty), in ascending order. A
// limit <= 0 means unbounded.
func (m *MST) List(ctx context.Context, prefix, start string, limit int) ([]Entry, error) {
	var out []Entry
	err := m.Walk(ctx, func(e Entry) (bool, error) {
		if prefix != "" && !strings.HasPrefix(e.Key, prefix) {
			if e.Key > prefix {
				return false, nil // past every key that could still match
			}
			return true, nil
		}
		if start != "" && e.Key <= start {
			return true, nil
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			return false, nil
		}
		return true, nil
	})
	return out, err
}

// AllCIDs returns every MST node CID reachable from the root, in no
// particular order. Diff uses this to compute new_cids.
func (m *MST) AllCIDs(ctx context.Context) ([]cid.Cid, error) {
	if m.root == cid.Undef {
		return nil, nil
	}
	var out []cid.Cid
	var walk func(c cid.Cid) error
	walk = func(c cid.Cid) error {
		out = append(out, c)
		n, err := loadNode(ctx, m.bs, m.cache, c)
		if err != nil {
			return err
		}
		for _, it := range n.items {
			if !it.leaf {
				if err := walk(it.sub); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(m.root); err != nil {
		return nil, err
	}
	return out, nil
}

func getFromNode(ctx context.Context, bs BlockStore, cache NodeCache, n *node, key string) (cid.Cid, error) {
	idx := n.findGEIndex(key)
	if found, ok := n.at(idx); ok && found.leaf && found.key == key {
		return found.val, nil
	}
	prev, ok := n.at(idx - 1)
	if ok && !prev.leaf {
		subNode, err := loadNode(ctx, bs, cache, prev.sub)
		if err != nil {
			return cid.Undef, err
		}
		return getFromNode(ctx, bs, cache, subNode, key)
	}
	return cid.Undef, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

func walkNode(ctx context.Context, bs BlockStore, cache NodeCache, n *node, fn func(Entry) (bool, error)) (bool, error) {
	for _, it := range n.items {
		if it.leaf {
			cont, err := fn(Entry{Key: it.key, Val: it.val})
			if err != nil || !cont {
				return false, err
			}
			continue
		}
		sub, err := loadNode(ctx, bs, cache, it.sub)
		if err != nil {
			return false, err
		}
		cont, err := walkNode(ctx, bs, cache, sub, fn)
		if err != nil || !cont {
			return false, err
		}
	}
	return true, nil
}

func addToNode(ctx context.Context, bs BlockStore, cache NodeCache, n *node, key string, val cid.Cid, keyHeight int) (*node, error) {
	switch {
	case keyHeight == n.height:
		idx := n.findGEIndex(key)
		if found, ok := n.at(idx); ok && found.leaf && found.key == key {
			return nil, fmt.Errorf("%w: %s", ErrKeyExists, key)
		}
		prev, ok := n.at(idx - 1)
		if !ok || prev.leaf {
			return n.withItems(spliceIn(n.items, idx, leafItem(key, val))), nil
		}
		subNode, err := loadNode(ctx, bs, cache, prev.sub)
		if err != nil {
			return nil, err
		}
		left, right, err := splitAround(ctx, bs, cache, subNode, key)
		if err != nil {
			return nil, err
		}
		items, err := replaceWithSplit(ctx, bs, cache, n.items, idx-1, left, leafItem(key, val), right)
		if err != nil {
			return nil, err
		}
		return n.withItems(items), nil

	case keyHeight < n.height:
		idx := n.findGEIndex(key)
		prev, ok := n.at(idx - 1)
		if ok && !prev.leaf {
			subNode, err := loadNode(ctx, bs, cache, prev.sub)
			if err != nil {
				return nil, err
			}
			newSub, err := addToNode(ctx, bs, cache, subNode, key, val, keyHeight)
			if err != nil {
				return nil, err
			}
			c, err := newSub.store(ctx, bs, cache)
			if err != nil {
				return nil, err
			}
			return n.withItems(updateEntryAt(n.items, idx-1, subItem(c))), nil
		}
		child := &node{height: keyHeight}
		newChild, err := addToNode(ctx, bs, cache, child, key, val, keyHeight)
		if err != nil {
			return nil, err
		}
		c, err := newChild.store(ctx, bs, cache)
		if err != nil {
			return nil, err
		}
		return n.withItems(spliceIn(n.items, idx, subItem(c))), nil

	default: // keyHeight > n.height
		left, right, err := splitAround(ctx, bs, cache, n, key)
		if err != nil {
			return nil, err
		}
		var items []item
		if left != nil {
			c, err := left.store(ctx, bs, cache)
			if err != nil {
				return nil, err
			}
			items = append(items, subItem(c))
		}
		items = append(items, leafItem(key, val))
		if right != nil {
			c, err := right.store(ctx, bs, cache)
			if err != nil {
				return nil, err
			}
			items = append(items, subItem(c))
		}
		return &node{height: keyHeight, items: items}, nil
	}
}

func updateInNode(ctx context.Context, bs BlockStore, cache NodeCache, n *node, key string, val cid.Cid) (*node, error) {
	idx := n.findGEIndex(key)
	if found, ok := n.at(idx); ok && found.leaf && found.key == key {
		return n.withItems(updateEntryAt(n.items, idx, leafItem(key, val))), nil
	}
	prev, ok := n.at(idx - 1)
	if ok && !prev.leaf {
		subNode, err := loadNode(ctx, bs, cache, prev.sub)
		if err != nil {
			return nil, err
		}
		newSub, err := updateInNode(ctx, bs, cache, subNode, key, val)
		if err != nil {
			return nil, err
		}
		c, err := newSub.store(ctx, bs, cache)
		if err != nil {
			return nil, err
		}
		return n.withItems(updateEntryAt(n.items, idx-1, subItem(c))), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

func deleteFromNode(ctx context.Context, bs BlockStore, cache NodeCache, n *node, key string) (*node, error) {
	idx := n.findGEIndex(key)
	if found, ok := n.at(idx); ok && found.leaf && found.key == key {
		prev, prevOK := n.at(idx - 1)
		next, nextOK := n.at(idx + 1)
		if prevOK && !prev.leaf && nextOK && !next.leaf {
			prevNode, err := loadNode(ctx, bs, cache, prev.sub)
			if err != nil {
				return nil, err
			}
			nextNode, err := loadNode(ctx, bs, cache, next.sub)
			if err != nil {
				return nil, err
			}
			merged, err := appendMerge(ctx, bs, cache, prevNode, nextNode)
			if err != nil {
				return nil, err
			}
			c, err := merged.store(ctx, bs, cache)
			if err != nil {
				return nil, err
			}
			items := append(append([]item(nil), n.items[:idx-1]...), subItem(c))
			items = append(items, n.items[idx+2:]...)
			return n.withItems(items), nil
		}
		return n.withItems(removeAt(n.items, idx)), nil
	}

	prev, ok := n.at(idx - 1)
	if ok && !prev.leaf {
		subNode, err := loadNode(ctx, bs, cache, prev.sub)
		if err != nil {
			return nil, err
		}
		newSub, err := deleteFromNode(ctx, bs, cache, subNode, key)
		if err != nil {
			return nil, err
		}
		if len(newSub.items) == 0 {
			return n.withItems(removeAt(n.items, idx-1)), nil
		}
		c, err := newSub.store(ctx, bs, cache)
		if err != nil {
			return nil, err
		}
		return n.withItems(updateEntryAt(n.items, idx-1, subItem(c))), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

// appendMerge concatenates left and right, which must hold the same
// height, merging their adjacent subtrees if both sides end/start with
// one. Used by delete to rejoin the two subtrees left behind when a key
// straddled by two subtrees is removed.
func appendMerge(ctx context.Context, bs BlockStore, cache NodeCache, left, right *node) (*node, error) {
	if left.height != right.height {
		return nil, fmt.Errorf("mst: cannot merge subtrees at different heights (%d, %d)", left.height, right.height)
	}
	lastLeft := left.items[len(left.items)-1]
	firstRight := right.items[0]
	if !lastLeft.leaf && !firstRight.leaf {
		lNode, err := loadNode(ctx, bs, cache, lastLeft.sub)
		if err != nil {
			return nil, err
		}
		rNode, err := loadNode(ctx, bs, cache, firstRight.sub)
		if err != nil {
			return nil, err
		}
		merged, err := appendMerge(ctx, bs, cache, lNode, rNode)
		if err != nil {
			return nil, err
		}
		c, err := merged.store(ctx, bs, cache)
		if err != nil {
			return nil, err
		}
		items := append(append([]item(nil), left.items[:len(left.items)-1]...), subItem(c))
		items = append(items, right.items[1:]...)
		return left.withItems(items), nil
	}
	items := append(append([]item(nil), left.items...), right.items...)
	return left.withItems(items), nil
}

// trimTop collapses a chain of nodes that each hold only a single subtree
// pointer, down to the first node that actually carries entries.
func trimTop(ctx context.Context, bs BlockStore, cache NodeCache, n *node) (*node, error) {
	for len(n.items) == 1 && !n.items[0].leaf {
		child, err := loadNode(ctx, bs, cache, n.items[0].sub)
		if err != nil {
			return nil, err
		}
		n = child
	}
	return n, nil
}

// splitAround recursively partitions n's items into everything strictly
// before key (left) and everything strictly after it (right). Exactly one
// of the subtrees adjacent to key's insertion point straddles it and is
// split further; every other item is passed through untouched.
func splitAround(ctx context.Context, bs BlockStore, cache NodeCache, n *node, key string) (left, right *node, err error) {
	if n.isEmpty() {
		return nil, nil, nil
	}
	idx := n.findGEIndex(key)
	leftItems := append([]item(nil), n.items[:idx]...)
	rightItems := append([]item(nil), n.items[idx:]...)

	if idx > 0 && !n.items[idx-1].leaf {
		boundary := leftItems[len(leftItems)-1]
		leftItems = leftItems[:len(leftItems)-1]
		subNode, err := loadNode(ctx, bs, cache, boundary.sub)
		if err != nil {
			return nil, nil, err
		}
		l2, r2, err := splitAround(ctx, bs, cache, subNode, key)
		if err != nil {
			return nil, nil, err
		}
		if l2 != nil {
			c, err := l2.store(ctx, bs, cache)
			if err != nil {
				return nil, nil, err
			}
			leftItems = append(leftItems, subItem(c))
		}
		if r2 != nil {
			c, err := r2.store(ctx, bs, cache)
			if err != nil {
				return nil, nil, err
			}
			rightItems = append([]item{subItem(c)}, rightItems...)
		}
	}

	if len(leftItems) > 0 {
		left = n.withItems(leftItems)
	}
	if len(rightItems) > 0 {
		right = n.withItems(rightItems)
	}
	return left, right, nil
}

// replaceWithSplit replaces the subtree item at idx with whichever of
// left, leaf, right are present, flattened in place.
func replaceWithSplit(ctx context.Context, bs BlockStore, cache NodeCache, items []item, idx int, left *node, leaf item, right *node) ([]item, error) {
	out := append([]item(nil), items[:idx]...)
	if left != nil {
		c, err := left.store(ctx, bs, cache)
		if err != nil {
			return nil, err
		}
		out = append(out, subItem(c))
	}
	out = append(out, leaf)
	if right != nil {
		c, err := right.store(ctx, bs, cache)
		if err != nil {
			return nil, err
		}
		out = append(out, subItem(c))
	}
	out = append(out, items[idx+1:]...)
	return out, nil
}

func spliceIn(items []item, idx int, it item) []item {
	out := append([]item(nil), items[:idx]...)
	out = append(out, it)
	out = append(out, items[idx:]...)
	return out
}

func updateEntryAt(items []item, idx int, it item) []item {
	out := append([]item(nil), items...)
	out[idx] = it
	return out
}

func removeAt(items []item, idx int) []item {
	out := append([]item(nil), items[:idx]...)
	out = append(out, items[idx+1:]...)
	return out
}
