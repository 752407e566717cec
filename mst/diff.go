package mst

import (
	"context"

	"github.com/ipfs/go-cid"
)

// Update describes a key whose value CID changed between two tree states.
type Update struct {
	Key  string
	Prev cid.Cid
	New  cid.Cid
}

// DiffResult is the output of co-walking two tree states, as described by
// the MST's diff contract: disjoint creates/updates/deletes plus the set
// of node CIDs reachable from the new tree but not the old one.
type DiffResult struct {
	Creates []Entry
	Updates []Update
	Deletes []Entry
	NewCIDs []cid.Cid
}

// coItem is one pending unit of work in the dual-stack co-walk below:
// either an unexpanded subtree reference or an already-resolved leaf.
type coItem struct {
	leaf bool
	key  string
	val  cid.Cid
	sub  cid.Cid
}

// Diff co-walks m (the "new" tree) against old, short-circuiting any pair
// of subtrees whose CIDs are equal, and returns the keys that were added,
// removed, or changed, plus every node CID reachable from m but not old.
// Traversal proceeds in ascending key order; the result is stable for a
// given pair of trees regardless of how either was built.
func (m *MST) Diff(ctx context.Context, old *MST) (*DiffResult, error) {
	result := &DiffResult{}
	newCIDs := map[cid.Cid]bool{}

	var oldStack, newStack []coItem
	if old.root != cid.Undef {
		oldStack = append(oldStack, coItem{sub: old.root})
	}
	if m.root != cid.Undef {
		newStack = append(newStack, coItem{sub: m.root})
	}

	pop := func(stack *[]coItem) (coItem, bool) {
		if len(*stack) == 0 {
			return coItem{}, false
		}
		n := len(*stack) - 1
		it := (*stack)[n]
		*stack = (*stack)[:n]
		return it, true
	}
	pushNode := func(stack *[]coItem, n *node) {
		for i := len(n.items) - 1; i >= 0; i-- {
			it := n.items[i]
			if it.leaf {
				*stack = append(*stack, coItem{leaf: true, key: it.key, val: it.val})
			} else {
				*stack = append(*stack, coItem{sub: it.sub})
			}
		}
	}

	for {
		o, hasO := pop(&oldStack)
		n, hasN := pop(&newStack)
		switch {
		case !hasO && !hasN:
			// a new subtree expanded above may still be one old already
			// holds (e.g. after a delete trims the root), so drop those.
			if len(newCIDs) > 0 && old.root != cid.Undef {
				oldCIDs, err := old.AllCIDs(ctx)
				if err != nil {
					return nil, err
				}
				for _, c := range oldCIDs {
					delete(newCIDs, c)
				}
			}
			result.NewCIDs = setToSlice(newCIDs)
			return result, nil

		case !hasO:
			if !n.leaf {
				newCIDs[n.sub] = true
				nd, err := loadNode(ctx, m.bs, m.cache, n.sub)
				if err != nil {
					return nil, err
				}
				pushNode(&newStack, nd)
			} else {
				result.Creates = append(result.Creates, Entry{Key: n.key, Val: n.val})
			}

		case !hasN:
			if !o.leaf {
				od, err := loadNode(ctx, old.bs, old.cache, o.sub)
				if err != nil {
					return nil, err
				}
				pushNode(&oldStack, od)
			} else {
				result.Deletes = append(result.Deletes, Entry{Key: o.key, Val: o.val})
			}

		case !o.leaf && !n.leaf:
			if o.sub == n.sub {
				continue // identical subtree: short-circuit
			}
			newCIDs[n.sub] = true
			od, err := loadNode(ctx, old.bs, old.cache, o.sub)
			if err != nil {
				return nil, err
			}
			nd, err := loadNode(ctx, m.bs, m.cache, n.sub)
			if err != nil {
				return nil, err
			}
			pushNode(&oldStack, od)
			pushNode(&newStack, nd)

		case !o.leaf && n.leaf:
			od, err := loadNode(ctx, old.bs, old.cache, o.sub)
			if err != nil {
				return nil, err
			}
			pushNode(&oldStack, od)
			newStack = append(newStack, n)

		case o.leaf && !n.leaf:
			newCIDs[n.sub] = true
			nd, err := loadNode(ctx, m.bs, m.cache, n.sub)
			if err != nil {
				return nil, err
			}
			oldStack = append(oldStack, o)
			pushNode(&newStack, nd)

		default: // both leaves
			switch {
			case o.key < n.key:
				result.Deletes = append(result.Deletes, Entry{Key: o.key, Val: o.val})
				newStack = append(newStack, n)
			case o.key > n.key:
				result.Creates = append(result.Creates, Entry{Key: n.key, Val: n.val})
				oldStack = append(oldStack, o)
			default:
				if o.val != n.val {
					result.Updates = append(result.Updates, Update{Key: o.key, Prev: o.val, New: n.val})
				}
			}
		}
	}
}

func setToSlice(set map[cid.Cid]bool) []cid.Cid {
	if len(set) == 0 {
		return nil
	}
	out := make([]cid.Cid, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
