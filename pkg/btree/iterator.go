package btree

import (
	"github.com/nainya/treekv/pkg/errs"
	"github.com/nainya/treekv/pkg/page"
)

// Entry is one (key, value) pair yielded by RangeScan.
type Entry struct {
	Key   []byte
	Value []byte
}

// RangeScan returns every visible (key, value) pair with lo <= key < hi, in
// ascending key order: search for lo's leaf, then walk the nextLeaf chain
// emitting entries until a key >= hi is seen (spec.md §4.3).
func (t *Tree) RangeScan(lo, hi []byte) ([]Entry, error) {
	if compareKeys(lo, hi) >= 0 {
		return nil, errs.New(errs.InvalidArgument, component, "rangeScan requires lo < hi")
	}

	leafID, err := t.findLeafFor(lo)
	if err != nil {
		return nil, err
	}
	if leafID == page.Invalid {
		return nil, nil
	}

	var out []Entry
	for leafID != page.Invalid {
		h, err := t.pool.Fetch(leafID)
		if err != nil {
			return nil, err
		}
		n := newNode(h.Page())
		keys, values, present := leafEntries(n)
		next := n.nextLeaf()
		h.Unpin(false)

		done := false
		for i, k := range keys {
			if compareKeys(k, lo) < 0 {
				continue
			}
			if compareKeys(k, hi) >= 0 {
				done = true
				break
			}
			if present[i] {
				out = append(out, Entry{Key: k, Value: values[i]})
			}
		}
		if done {
			break
		}
		leafID = next
	}

	if t.met != nil {
		t.met.BtreeScanYielded.Add(float64(len(out)))
	}
	return out, nil
}

// LeafFor exposes the target leaf pageId for key without leaving it pinned,
// for callers (pkg/txn) that log a WAL record's pageId before mutating the
// tree. Returns page.Invalid if the tree is empty.
func (t *Tree) LeafFor(key []byte) (int32, error) {
	return t.findLeafFor(key)
}

// LeafPageLSN returns the pageLSN of the leaf that currently holds (or
// would hold) key, or -1 if the tree is empty. Used by pkg/recovery to
// decide whether a WAL record has already been applied before replaying it.
func (t *Tree) LeafPageLSN(key []byte) (int64, error) {
	leafID, err := t.findLeafFor(key)
	if err != nil {
		return 0, err
	}
	if leafID == page.Invalid {
		return -1, nil
	}

	h, err := t.pool.Fetch(leafID)
	if err != nil {
		return 0, err
	}
	defer h.Unpin(false)
	return h.Page().PageLSN(), nil
}

// findLeafFor walks from the root down to the leaf that would contain key.
// Returns page.Invalid if the tree is empty.
func (t *Tree) findLeafFor(key []byte) (int32, error) {
	root, err := t.rootPageID()
	if err != nil {
		return 0, err
	}
	if root == page.Invalid {
		return page.Invalid, nil
	}

	pageID := root
	for {
		h, err := t.pool.Fetch(pageID)
		if err != nil {
			return 0, err
		}
		n := newNode(h.Page())
		if n.isLeaf {
			h.Unpin(false)
			return pageID, nil
		}
		child := n.ptr(n.lookupLE(key))
		h.Unpin(false)
		pageID = child
	}
}
