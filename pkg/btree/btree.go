package btree

import (
	"bytes"
	"sync"

	"github.com/nainya/treekv/internal/logger"
	"github.com/nainya/treekv/internal/metrics"
	"github.com/nainya/treekv/pkg/buffer"
	"github.com/nainya/treekv/pkg/disk"
	"github.com/nainya/treekv/pkg/page"
)

// Options configures a Tree.
type Options struct {
	// Order bounds the fanout of a single node: at most Order children per
	// internal node, at most Order entries per leaf (spec.md §6's
	// open(path, order), glossary "Fanout / tree order"). Order <= 0 leaves
	// capacity governed purely by a page's byte budget, the teacher's
	// original behavior. The caller (pkg/engine) validates Order >= 3 when
	// set, per spec.md's InvalidArgument contract for open.
	Order int

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Tree is the on-disk B+ tree index: page-resident nodes fetched through a
// buffer.Pool, with the current root id tracked in the database's
// HeaderPage. Structural modifications (splits, root growth) are
// serialized, per spec.md §5 ("writes are serialized").
type Tree struct {
	mu    sync.Mutex
	pool  *buffer.Pool
	disk  *disk.Manager
	order int

	log *logger.Logger
	met *metrics.Metrics
}

// Open wires a Tree over pool/disk. The root pageId is not cached here; each
// operation reads it out of the HeaderPage.
func Open(pool *buffer.Pool, d *disk.Manager, opts Options) (*Tree, error) {
	return &Tree{pool: pool, disk: d, order: opts.Order, log: opts.Logger, met: opts.Metrics}, nil
}

func (t *Tree) rootPageID() (int32, error) {
	h, err := t.pool.Fetch(page.HeaderPageID)
	if err != nil {
		return 0, err
	}
	defer h.Unpin(false)
	_, root, _ := page.ReadHeaderPage(h.Page())
	return root, nil
}

func (t *Tree) setRootPageID(root int32, lsn int64) error {
	h, err := t.pool.Fetch(page.HeaderPageID)
	if err != nil {
		return err
	}
	defer h.Unpin(true)
	version, _, next := page.ReadHeaderPage(h.Page())
	page.WriteHeaderPage(h.Page(), version, root, next)
	h.Page().SetPageLSN(lsn)
	return nil
}

// Search returns the value for key and true, or (nil, false) if key is
// absent or has been tombstoned by a delete.
func (t *Tree) Search(key []byte) ([]byte, bool, error) {
	if t.met != nil {
		t.met.BtreeSearchesTotal.Inc()
	}

	leafID, err := t.findLeafFor(key)
	if err != nil {
		return nil, false, err
	}
	if leafID == page.Invalid {
		return nil, false, nil
	}

	h, err := t.pool.Fetch(leafID)
	if err != nil {
		return nil, false, err
	}
	defer h.Unpin(false)

	n := newNode(h.Page())
	idx, found := n.search(key)
	if !found {
		return nil, false, nil
	}
	v, present := n.value(idx)
	if !present {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// leafPath walks from root to the leaf that would contain key, returning
// the path of pageIds from root to leaf (inclusive) for split propagation.
func (t *Tree) leafPath(key []byte) ([]int32, error) {
	root, err := t.rootPageID()
	if err != nil {
		return nil, err
	}
	if root == page.Invalid {
		return nil, nil
	}

	path := []int32{root}
	pageID := root
	for {
		h, err := t.pool.Fetch(pageID)
		if err != nil {
			return nil, err
		}
		n := newNode(h.Page())
		if n.isLeaf {
			h.Unpin(false)
			return path, nil
		}
		child := n.ptr(n.lookupLE(key))
		h.Unpin(false)
		path = append(path, child)
		pageID = child
	}
}

// Upsert inserts or overwrites key with value, stamping lsn on every page
// it touches. The caller (pkg/txn) is responsible for having already
// appended the WAL record describing this change with the same lsn,
// per spec.md §4 control flow: log first, then mutate the page.
func (t *Tree) Upsert(key, value []byte, lsn int64) error {
	return t.write(key, value, true, lsn)
}

// Delete tombstones key (leaf-only deletion; no merge/rebalance, per
// spec.md §4.3).
func (t *Tree) Delete(key []byte, lsn int64) error {
	return t.write(key, nil, false, lsn)
}

func (t *Tree) write(key, value []byte, present bool, lsn int64) error {
	if err := checkFits(entrySize(true, key, value, present)); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	root, err := t.rootPageID()
	if err != nil {
		return err
	}

	if root == page.Invalid {
		return t.createFirstRoot(key, value, present, lsn)
	}

	path, err := t.leafPath(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]

	h, err := t.pool.Fetch(leafID)
	if err != nil {
		return err
	}
	n := newNode(h.Page())
	keys, values, presents := leafEntries(n)

	idx, found := n.search(key)
	if found {
		values[idx] = value
		presents[idx] = present
	} else {
		keys = insertAt(keys, int(idx), append([]byte(nil), key...))
		values = insertAt(values, int(idx), value)
		presents = insertBoolAt(presents, int(idx), present)
	}

	if fitsLeaf(keys, values, presents, t.order) {
		buildLeaf(h.Page().Payload(), keys, values, presents, n.nextLeaf())
		h.Page().SetPageLSN(lsn)
		h.Unpin(true)
		if t.met != nil && !found {
			t.met.BtreeInsertsTotal.Inc()
		}
		return nil
	}

	// Split: upper half, including any tie-break extra entry, goes right.
	mid := len(keys) / 2
	leftKeys, rightKeys := keys[:mid], keys[mid:]
	leftVals, rightVals := values[:mid], values[mid:]
	leftPres, rightPres := presents[:mid], presents[mid:]

	rightHandle, err := t.pool.NewPage()
	if err != nil {
		h.Unpin(false)
		return err
	}
	rightHandle.Page().SetKind(page.KindLeaf)
	rightID := rightHandle.Page().PageID()

	buildLeaf(rightHandle.Page().Payload(), rightKeys, rightVals, rightPres, n.nextLeaf())
	rightHandle.Page().SetPageLSN(lsn)
	rightHandle.Unpin(true)

	buildLeaf(h.Page().Payload(), leftKeys, leftVals, leftPres, rightID)
	h.Page().SetPageLSN(lsn)
	h.Unpin(true)

	if t.met != nil {
		t.met.BtreeSplitsTotal.Inc()
		if !found {
			t.met.BtreeInsertsTotal.Inc()
		}
	}

	return t.promote(path[:len(path)-1], leafID, rightKeys[0], rightID, lsn)
}

// promote threads a new (separator, childId) pair up the path from the
// originally-split node's parent, splitting internal nodes in turn and, if
// the root itself splits, growing the tree's height by one.
func (t *Tree) promote(ancestors []int32, splitChildID int32, separator []byte, newChildID int32, lsn int64) error {
	if len(ancestors) == 0 {
		return t.growRoot(splitChildID, separator, newChildID, lsn)
	}

	parentID := ancestors[len(ancestors)-1]
	h, err := t.pool.Fetch(parentID)
	if err != nil {
		return err
	}
	n := newNode(h.Page())
	keys, ptrs := internalEntries(n)

	pos := indexOfPtr(ptrs, splitChildID)
	keys = insertAt(keys, pos+1, append([]byte(nil), separator...))
	ptrs = insertInt32At(ptrs, pos+1, newChildID)

	if fitsInternal(keys, t.order) {
		buildInternal(h.Page().Payload(), keys, ptrs)
		h.Page().SetPageLSN(lsn)
		h.Unpin(true)
		return nil
	}

	mid := len(keys) / 2
	promotedKey := append([]byte(nil), keys[mid]...)

	// One ptr per key: the right node keeps keys[mid] as its leading
	// (-infinity) key, so ptrs[mid] stays reachable.
	leftKeys, rightKeys := keys[:mid], keys[mid:]
	leftPtrs, rightPtrs := ptrs[:mid], ptrs[mid:]

	rightHandle, err := t.pool.NewPage()
	if err != nil {
		h.Unpin(false)
		return err
	}
	rightHandle.Page().SetKind(page.KindInternal)
	rightID := rightHandle.Page().PageID()
	buildInternal(rightHandle.Page().Payload(), rightKeys, rightPtrs)
	rightHandle.Page().SetPageLSN(lsn)
	rightHandle.Unpin(true)

	buildInternal(h.Page().Payload(), leftKeys, leftPtrs)
	h.Page().SetPageLSN(lsn)
	h.Unpin(true)

	if t.met != nil {
		t.met.BtreeSplitsTotal.Inc()
	}

	return t.promote(ancestors[:len(ancestors)-1], parentID, promotedKey, rightID, lsn)
}

// growRoot builds a brand-new internal root with two children, increasing
// tree height by one.
func (t *Tree) growRoot(leftChildID int32, separator []byte, rightChildID int32, lsn int64) error {
	h, err := t.pool.NewPage()
	if err != nil {
		return err
	}
	h.Page().SetKind(page.KindInternal)
	keys := [][]byte{{}, append([]byte(nil), separator...)}
	ptrs := []int32{leftChildID, rightChildID}
	buildInternal(h.Page().Payload(), keys, ptrs)
	h.Page().SetPageLSN(lsn)
	newRootID := h.Page().PageID()
	h.Unpin(true)

	return t.setRootPageID(newRootID, lsn)
}

// createFirstRoot builds the tree's very first page: a single leaf holding
// one entry, becoming the root.
func (t *Tree) createFirstRoot(key, value []byte, present bool, lsn int64) error {
	h, err := t.pool.NewPage()
	if err != nil {
		return err
	}
	h.Page().SetKind(page.KindLeaf)
	buildLeaf(h.Page().Payload(), [][]byte{key}, [][]byte{value}, []bool{present}, page.Invalid)
	h.Page().SetPageLSN(lsn)
	rootID := h.Page().PageID()
	h.Unpin(true)

	if t.met != nil {
		t.met.BtreeInsertsTotal.Inc()
	}
	return t.setRootPageID(rootID, lsn)
}

func indexOfPtr(ptrs []int32, id int32) int {
	for i, p := range ptrs {
		if p == id {
			return i
		}
	}
	return len(ptrs) - 1
}

// fitsLeaf reports whether keys/values/present pack within a single page's
// byte budget and, when order > 0, within order entries (spec.md §6's tree
// fanout, enforced symmetrically across leaves and internal nodes).
func fitsLeaf(keys, values [][]byte, present []bool, order int) bool {
	if order > 0 && len(keys) > order {
		return false
	}
	size := miniHeaderSize + 2*len(keys)
	for i := range keys {
		size += entrySize(true, keys[i], values[i], present[i])
	}
	return size <= page.PayloadSize
}

// fitsInternal reports whether keys (and their one ptr per key, including
// the leading -infinity sentinel) pack within a page and, when order > 0,
// within order children.
func fitsInternal(keys [][]byte, order int) bool {
	if order > 0 && len(keys) > order {
		return false
	}
	size := miniHeaderSize + 4*len(keys) + 2*len(keys)
	for _, k := range keys {
		size += entrySize(false, k, nil, true)
	}
	return size <= page.PayloadSize
}

func insertAt(s [][]byte, idx int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func insertBoolAt(s []bool, idx int, v bool) []bool {
	s = append(s, false)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func insertInt32At(s []int32, idx int, v int32) []int32 {
	s = append(s, 0)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

// compareKeys is the package's key ordering, used by the range-scan
// boundary checks.
func compareKeys(a, b []byte) int { return bytes.Compare(a, b) }
