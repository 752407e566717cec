package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/wrenfeed/pds/atdata"
)

// entryData and nodeData are the canonical DAG-CBOR-shaped wire encoding of
// an MST node: { l: CID|null, e: [ {p: uint, k: bytes, v: CID, t: CID|null}, ... ] }.
// cid.Cid round-trips through cbor as a byte string via its
// MarshalBinary/UnmarshalBinary methods.
type entryData struct {
	P uint64   `cbor:"p"`
	K []byte   `cbor:"k"`
	V cid.Cid  `cbor:"v"`
	T *cid.Cid `cbor:"t"`
}

type nodeData struct {
	L *cid.Cid    `cbor:"l"`
	E []entryData `cbor:"e"`
}

// item is one element of a node's flattened, ordered item list: either a
// leaf (key/value) or a reference to a subtree wedged strictly between the
// keys on either side of it. Subtree items never sit next to each other;
// a node's list always alternates at most one subtree, one leaf, one
// subtree, one leaf, ...
type item struct {
	leaf bool
	key  string  // valid iff leaf
	val  cid.Cid // valid iff leaf
	sub  cid.Cid // valid iff !leaf
}

func leafItem(key string, val cid.Cid) item { return item{leaf: true, key: key, val: val} }
func subItem(c cid.Cid) item                { return item{leaf: false, sub: c} }

// node is an immutable, in-memory MST node. Every leaf directly held by a
// node shares the node's height; every subtree item holds only keys of
// strictly lower height. Nodes are never mutated in place — every MST
// operation builds new nodes and returns a new root, leaving subtrees it
// didn't touch shared, by CID, with the original tree.
type node struct {
	height int
	items  []item
}

// findGEIndex returns the index of the first leaf item with key >= target,
// or len(items) if there is none.
func (n *node) findGEIndex(target string) int {
	for i, it := range n.items {
		if it.leaf && it.key >= target {
			return i
		}
	}
	return len(n.items)
}

// at returns the item at i and whether i is in range.
func (n *node) at(i int) (item, bool) {
	if i < 0 || i >= len(n.items) {
		return item{}, false
	}
	return n.items[i], true
}

func (n *node) isEmpty() bool { return n == nil || len(n.items) == 0 }

// withItems returns a copy of n with a replaced item list; height carries
// over unchanged.
func (n *node) withItems(items []item) *node {
	return &node{height: n.height, items: items}
}

// loadNode resolves c through bs (consulting cache first) and decodes it
// into a node, reconstructing full keys from the prefix-compressed wire
// entries.
func loadNode(ctx context.Context, bs BlockStore, cache NodeCache, c cid.Cid) (*node, error) {
	if cache != nil {
		if v, ok := cache.Get(c); ok {
			return v.(*node), nil
		}
	}
	raw, err := bs.GetBlock(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("loading mst node %s: %w", c, err)
	}
	var data nodeData
	if err := atdata.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding mst node %s: %w", c, err)
	}
	n, err := nodeFromData(&data)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Add(c, n)
	}
	return n, nil
}

func nodeFromData(data *nodeData) (*node, error) {
	n := &node{}
	if data.L != nil {
		n.items = append(n.items, subItem(*data.L))
	}
	last := ""
	for _, e := range data.E {
		key := last[:e.P] + string(e.K)
		if err := validateKey(key); err != nil {
			return nil, err
		}
		n.items = append(n.items, leafItem(key, e.V))
		last = key
		if e.T != nil {
			n.items = append(n.items, subItem(*e.T))
		}
	}
	n.height = heightForKey(firstLeafKey(n))
	return n, nil
}

func firstLeafKey(n *node) string {
	for _, it := range n.items {
		if it.leaf {
			return it.key
		}
	}
	return ""
}

// toData converts n to its prefix-compressed wire form.
func (n *node) toData() *nodeData {
	data := &nodeData{}
	i := 0
	if len(n.items) > 0 && !n.items[0].leaf {
		c := n.items[0].sub
		data.L = &c
		i = 1
	}
	last := ""
	for i < len(n.items) {
		leaf := n.items[i]
		i++
		var t *cid.Cid
		if i < len(n.items) && !n.items[i].leaf {
			c := n.items[i].sub
			t = &c
			i++
		}
		p := commonPrefixLen(last, leaf.key)
		data.E = append(data.E, entryData{
			P: uint64(p),
			K: []byte(leaf.key[p:]),
			V: leaf.val,
			T: t,
		})
		last = leaf.key
	}
	return data
}

// store persists n, empty or not, and returns its CID. Storing is
// idempotent and content-addressed: storing the same node twice (even
// across different *node values with identical contents) yields the same
// CID and the second call is a harmless overwrite.
func (n *node) store(ctx context.Context, bs BlockStore, cache NodeCache) (cid.Cid, error) {
	block, err := putNode(ctx, bs, n.toData())
	if err != nil {
		return cid.Undef, err
	}
	if cache != nil {
		cache.Add(block.CID, n)
	}
	return block.CID, nil
}
