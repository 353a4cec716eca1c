// Package txn implements the transaction manager and its in-memory MVCC
// version chains: begin/insert/search/rangeScan/commit/abort, snapshot
// isolation between concurrent transactions, and force-log-at-commit
// durability (spec.md §4.5).
package txn

import (
	"bytes"
	"sort"
	"sync"

	"github.com/nainya/treekv/internal/logger"
	"github.com/nainya/treekv/internal/metrics"
	"github.com/nainya/treekv/pkg/btree"
	"github.com/nainya/treekv/pkg/errs"
	"github.com/nainya/treekv/pkg/wal"
)

const component = "txn"

// State is a transaction's position in its one-shot state machine:
// Running -> Committed or Running -> Aborted. Neither terminal state is
// re-enterable.
type State int

const (
	Running State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Txn is a transaction handle. Fields are only ever mutated by Manager,
// which serializes access through its own mutex.
type Txn struct {
	ID       int32
	State    State
	StartLSN int64
	LastLSN  int64
}

// Manager is the TxnManager of spec.md §4.5: it allocates transaction
// identities, drives the Insert/Search/RangeScan/Commit/Abort control flow
// against the WAL and B+ tree, and owns the in-memory MVCC version chains.
type Manager struct {
	mu        sync.Mutex
	nextTxnID int32
	txns      map[int32]*Txn
	versions  *versionStore

	log  *wal.LogManager
	tree *btree.Tree

	logger *logger.Logger
	met    *metrics.Metrics
}

// Options configures a Manager.
type Options struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Open wires a Manager over an already-open LogManager and Tree.
func Open(log *wal.LogManager, tree *btree.Tree, opts Options) *Manager {
	return &Manager{
		txns:     make(map[int32]*Txn),
		versions: newVersionStore(),
		log:      log,
		tree:     tree,
		logger:   opts.Logger,
		met:      opts.Metrics,
	}
}

// Begin allocates a new transaction: a monotonic txnId, a Begin WAL record,
// and a startLSN fixing its snapshot (spec.md §4.5 — "records startLSN =
// current LSN", taken here as the Begin record's own LSN).
func (m *Manager) Begin() (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTxnID++
	id := m.nextTxnID

	lsn := m.log.NextLSN()
	rec := &wal.Record{LSN: lsn, TxnID: id, PrevLSN: wal.NoLSN, Kind: wal.KindBegin, PageID: wal.NoPageID}
	if err := m.log.Append(rec, false); err != nil {
		return nil, err
	}

	t := &Txn{ID: id, State: Running, StartLSN: lsn, LastLSN: lsn}
	m.txns[id] = t

	if m.met != nil {
		m.met.TxnBeginsTotal.Inc()
		m.met.TxnActive.Set(float64(len(m.txns)))
	}
	if m.logger != nil {
		m.logger.LogTxnTransition(uint64(id), "none", Running.String())
	}
	return t, nil
}

func (m *Manager) requireRunning(t *Txn) error {
	if t.State != Running {
		return errs.New(errs.Closed, component, "transaction is not running").WithLSN(t.LastLSN)
	}
	return nil
}

// read returns the value visible to t for key: t's own uncommitted write if
// any, else the newest version committed before t's snapshot, else absent
// if the key's chain holds only commits newer than t's snapshot, else the
// persisted B+ tree.
func (m *Manager) read(t *Txn, key []byte) ([]byte, bool, error) {
	if v, present, found := m.versions.visible(key, t.ID, t.StartLSN); found {
		return v, present, nil
	}
	return m.tree.Search(key)
}

// Insert writes key=value under t: it logs an Insert or Update record
// (Update if a prior value is visible to t), appends the new version to t's
// in-memory chain, and advances t.LastLSN. The write is not visible to the
// persisted index until Commit (spec.md §4.5 control flow).
func (m *Manager) Insert(t *Txn, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunning(t); err != nil {
		return err
	}
	if len(key) == 0 {
		return errs.New(errs.InvalidArgument, component, "key must not be empty")
	}

	oldValue, oldPresent, err := m.read(t, key)
	if err != nil {
		return err
	}

	leafID, err := m.tree.LeafFor(key)
	if err != nil {
		return err
	}

	kind := wal.KindInsert
	if oldPresent {
		kind = wal.KindUpdate
	}

	lsn := m.log.NextLSN()
	rec := &wal.Record{
		LSN:      lsn,
		TxnID:    t.ID,
		PrevLSN:  t.LastLSN,
		Kind:     kind,
		PageID:   leafID,
		Key:      key,
		OldBytes: encodeVersion(oldValue, oldPresent),
		NewBytes: encodeVersion(value, true),
	}
	if err := m.log.Append(rec, false); err != nil {
		return err
	}
	t.LastLSN = lsn

	m.versions.write(key, t.ID, value, true, lsn)
	return nil
}

// Delete tombstones key under t, following the same log-then-chain flow as
// Insert.
func (m *Manager) Delete(t *Txn, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunning(t); err != nil {
		return err
	}
	if len(key) == 0 {
		return errs.New(errs.InvalidArgument, component, "key must not be empty")
	}

	oldValue, oldPresent, err := m.read(t, key)
	if err != nil {
		return err
	}

	leafID, err := m.tree.LeafFor(key)
	if err != nil {
		return err
	}

	lsn := m.log.NextLSN()
	rec := &wal.Record{
		LSN:      lsn,
		TxnID:    t.ID,
		PrevLSN:  t.LastLSN,
		Kind:     wal.KindDelete,
		PageID:   leafID,
		Key:      key,
		OldBytes: encodeVersion(oldValue, oldPresent),
		NewBytes: encodeVersion(nil, false),
	}
	if err := m.log.Append(rec, false); err != nil {
		return err
	}
	t.LastLSN = lsn

	m.versions.write(key, t.ID, nil, false, lsn)
	return nil
}

// Search returns key's value as visible to t, or (nil, false) if absent or
// tombstoned.
func (m *Manager) Search(t *Txn, key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunning(t); err != nil {
		return nil, false, err
	}
	return m.read(t, key)
}

// RangeScan returns every (key, value) pair with lo <= key < hi visible to
// t. Each candidate key — whether found in the persisted tree's range or
// only in the version store (t's own uncommitted writes, or another txn's
// commit t's snapshot predates or postdates) — is resolved through the same
// m.versions.visible rule read() uses, falling back to the tree's value
// only when the version store has no entry that decides the key for t (no
// chain, or only other transactions' uncommitted writes). A raw
// tree scan overlaid with only t's own pending writes would leak any other
// transaction's commit landing in [lo, hi) after t.StartLSN but before this
// call, since Commit persists straight into the tree (spec.md §4.5).
func (m *Manager) RangeScan(t *Txn, lo, hi []byte) ([]btree.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunning(t); err != nil {
		return nil, err
	}

	entries, err := m.tree.RangeScan(lo, hi)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(entries))
	byKey := make(map[string][]byte, len(entries))
	resolve := func(key, treeValue []byte, inTree bool) {
		k := string(key)
		if seen[k] {
			return
		}
		seen[k] = true

		if value, present, found := m.versions.visible(key, t.ID, t.StartLSN); found {
			if present {
				byKey[k] = value
			}
			return
		}
		if inTree {
			byKey[k] = treeValue
		}
	}

	for _, e := range entries {
		resolve(e.Key, e.Value, true)
	}
	for _, key := range m.versions.keysInRange(lo, hi) {
		resolve(key, nil, false)
	}

	out := make([]btree.Entry, 0, len(byKey))
	for k, v := range byKey {
		out = append(out, btree.Entry{Key: []byte(k), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// Commit persists t's winning versions into the B+ tree (one Upsert/Delete
// per written key, each stamped with the LSN of the record that produced
// it), appends a force-flushed Commit record, and marks t Committed
// (spec.md §5's force-log-at-commit rule).
func (m *Manager) Commit(t *Txn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunning(t); err != nil {
		return err
	}

	for _, w := range m.versions.pendingWrites(t.ID) {
		if w.present {
			if err := m.tree.Upsert(w.key, w.value, w.lsn); err != nil {
				return err
			}
		} else {
			if err := m.tree.Delete(w.key, w.lsn); err != nil {
				return err
			}
		}
	}

	lsn := m.log.NextLSN()
	rec := &wal.Record{LSN: lsn, TxnID: t.ID, PrevLSN: t.LastLSN, Kind: wal.KindCommit, PageID: wal.NoPageID}
	if err := m.log.Append(rec, true); err != nil {
		return err
	}
	t.LastLSN = lsn
	t.State = Committed

	m.versions.commit(t.ID, lsn)
	delete(m.txns, t.ID)

	if m.met != nil {
		m.met.TxnCommitsTotal.Inc()
		m.met.TxnActive.Set(float64(len(m.txns)))
	}
	if m.logger != nil {
		m.logger.LogTxnTransition(uint64(t.ID), Running.String(), Committed.String())
	}
	return nil
}

// Abort discards t's in-memory writes (no page Undo is needed unless a
// page was already flushed, in which case recovery's Undo phase handles
// it), appends a force-flushed Abort record, and marks t Aborted.
func (m *Manager) Abort(t *Txn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunning(t); err != nil {
		return err
	}

	lsn := m.log.NextLSN()
	rec := &wal.Record{LSN: lsn, TxnID: t.ID, PrevLSN: t.LastLSN, Kind: wal.KindAbort, PageID: wal.NoPageID}
	if err := m.log.Append(rec, true); err != nil {
		return err
	}
	t.LastLSN = lsn
	t.State = Aborted

	m.versions.abort(t.ID)
	delete(m.txns, t.ID)

	if m.met != nil {
		m.met.TxnAbortsTotal.Inc()
		m.met.TxnActive.Set(float64(len(m.txns)))
	}
	if m.logger != nil {
		m.logger.LogTxnTransition(uint64(t.ID), Running.String(), Aborted.String())
	}
	return nil
}
