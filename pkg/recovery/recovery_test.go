package recovery

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/nainya/treekv/pkg/btree"
	"github.com/nainya/treekv/pkg/buffer"
	"github.com/nainya/treekv/pkg/disk"
	"github.com/nainya/treekv/pkg/txn"
	"github.com/nainya/treekv/pkg/wal"
)

type testRig struct {
	dbPath  string
	walDir  string
	disk    *disk.Manager
	log     *wal.LogManager
	pool    *buffer.Pool
	tree    *btree.Tree
	manager *txn.Manager
}

func openRig(t *testing.T, dbPath, walDir string) *testRig {
	t.Helper()

	d, err := disk.Open(dbPath, disk.Options{})
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	lm, err := wal.Open(walDir, wal.Options{})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	pool := buffer.New(d, lm, 32, buffer.Options{})
	tree, err := btree.Open(pool, d, btree.Options{})
	if err != nil {
		t.Fatalf("btree.Open: %v", err)
	}
	m := txn.Open(lm, tree, txn.Options{})

	return &testRig{dbPath: dbPath, walDir: walDir, disk: d, log: lm, pool: pool, tree: tree, manager: m}
}

func (r *testRig) closeWithoutFlush(t *testing.T) {
	t.Helper()
	if err := r.log.Close(); err != nil {
		t.Fatalf("log.Close: %v", err)
	}
	if err := r.disk.Close(); err != nil {
		t.Fatalf("disk.Close: %v", err)
	}
}

// TestRecoverAppliesCommittedWriteLostOnCrash simulates a crash after a
// transaction committed (its Commit record reached the WAL) but before the
// buffer pool's dirty leaf page was flushed to disk. Recovery, run against
// a fresh pool/tree over the same database file, must logically replay the
// committed write so the key becomes visible again.
func TestRecoverAppliesCommittedWriteLostOnCrash(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data.db")
	walDir := filepath.Join(dir, "wal")

	rig := openRig(t, dbPath, walDir)
	tx, err := rig.manager.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := rig.manager.Insert(tx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := rig.manager.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// No FlushAll: the dirtied leaf (and possibly header) page never
	// reaches disk, so the reopened tree below starts out empty.
	rig.closeWithoutFlush(t)

	fresh := openRig(t, dbPath, walDir)
	defer fresh.log.Close()
	defer fresh.disk.Close()

	if _, found, err := fresh.tree.Search([]byte("k")); err != nil {
		t.Fatalf("Search before recovery: %v", err)
	} else if found {
		t.Fatalf("expected key to be absent before recovery (simulated crash before flush)")
	}

	coord := Open(fresh.log, fresh.tree, Options{})
	result, err := coord.Recover(walDir)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.RedoApplied == 0 {
		t.Fatalf("expected at least one redo application, got 0")
	}

	v, found, err := fresh.tree.Search([]byte("k"))
	if err != nil {
		t.Fatalf("Search after recovery: %v", err)
	}
	if !found || !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("Search(k) after recovery = (%q, %v), want (v1, true)", v, found)
	}

	// A second recovery run over the same (now-quiescent) WAL must be a
	// no-op: the committed write's target page already carries a pageLSN
	// at or beyond the record's LSN.
	result2, err := coord.Recover(walDir)
	if err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	if result2.RedoApplied != 0 {
		t.Fatalf("expected second recovery run to apply 0 redo records, got %d", result2.RedoApplied)
	}
}

// TestRecoverUndoesLoserTransaction simulates a crash while a transaction
// was still Running (it began and wrote, but never committed or aborted).
// Recovery must classify it as a loser, and its write must never be
// observable afterward (it was never persisted into the tree to begin
// with, since this engine defers persistence to Commit).
func TestRecoverUndoesLoserTransaction(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data.db")
	walDir := filepath.Join(dir, "wal")

	rig := openRig(t, dbPath, walDir)
	tx, err := rig.manager.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := rig.manager.Insert(tx, []byte("loser-key"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Simulated crash: no Commit, no Abort.
	rig.closeWithoutFlush(t)

	fresh := openRig(t, dbPath, walDir)
	defer fresh.log.Close()
	defer fresh.disk.Close()

	coord := Open(fresh.log, fresh.tree, Options{})
	result, err := coord.Recover(walDir)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(result.Losers) != 1 || result.Losers[0] != tx.ID {
		t.Fatalf("Losers = %v, want [%d]", result.Losers, tx.ID)
	}
	if result.UndoApplied == 0 {
		t.Fatalf("expected at least one undo CLR to be emitted")
	}

	if _, found, err := fresh.tree.Search([]byte("loser-key")); err != nil {
		t.Fatalf("Search: %v", err)
	} else if found {
		t.Fatalf("expected loser transaction's write to never be observable")
	}

	// A second recovery run must find the transaction already resolved
	// (the first run appended an Abort record for it) and treat it as no
	// longer a loser.
	result2, err := coord.Recover(walDir)
	if err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	if len(result2.Losers) != 0 {
		t.Fatalf("expected second recovery run to find 0 losers, got %v", result2.Losers)
	}
	if result2.UndoApplied != 0 {
		t.Fatalf("expected second recovery run to apply 0 undo records, got %d", result2.UndoApplied)
	}
}

// TestRecoverOnEmptyDatabaseIsNoOp exercises the boundary case of a
// database that was closed cleanly (or never written to): recovery should
// find nothing to redo or undo.
func TestRecoverOnEmptyDatabaseIsNoOp(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data.db")
	walDir := filepath.Join(dir, "wal")

	rig := openRig(t, dbPath, walDir)
	rig.closeWithoutFlush(t)

	fresh := openRig(t, dbPath, walDir)
	defer fresh.log.Close()
	defer fresh.disk.Close()

	coord := Open(fresh.log, fresh.tree, Options{})
	result, err := coord.Recover(walDir)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.RedoApplied != 0 || result.UndoApplied != 0 || len(result.Losers) != 0 {
		t.Fatalf("expected no-op recovery on an empty database, got %+v", result)
	}
}
