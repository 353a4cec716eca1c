package txn

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/nainya/treekv/pkg/btree"
	"github.com/nainya/treekv/pkg/buffer"
	"github.com/nainya/treekv/pkg/disk"
	"github.com/nainya/treekv/pkg/wal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()

	d, err := disk.Open(filepath.Join(dir, "data.db"), disk.Options{})
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	lm, err := wal.Open(filepath.Join(dir, "wal"), wal.Options{})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { lm.Close() })

	pool := buffer.New(d, lm, 32, buffer.Options{})
	tree, err := btree.Open(pool, d, btree.Options{})
	if err != nil {
		t.Fatalf("btree.Open: %v", err)
	}

	return Open(lm, tree, Options{})
}

func TestInsertVisibleWithinOwnTransaction(t *testing.T) {
	m := newTestManager(t)

	tx, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Insert(tx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	v, found, err := m.Search(tx, []byte("k"))
	if err != nil || !found || !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("Search(k) = (%q, %v, %v), want (v1, true, nil)", v, found, err)
	}
}

func TestUncommittedWriteNotVisibleToOtherTransaction(t *testing.T) {
	m := newTestManager(t)

	writer, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin writer: %v", err)
	}
	reader, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin reader: %v", err)
	}

	if err := m.Insert(writer, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	_, found, err := m.Search(reader, []byte("k"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if found {
		t.Fatalf("expected reader's snapshot to not see writer's uncommitted insert")
	}
}

func TestCommitMakesWriteVisibleToLaterTransactions(t *testing.T) {
	m := newTestManager(t)

	writer, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin writer: %v", err)
	}
	if err := m.Insert(writer, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Commit(writer); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin reader: %v", err)
	}
	v, found, err := m.Search(reader, []byte("k"))
	if err != nil || !found || !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("Search(k) after commit = (%q, %v, %v), want (v1, true, nil)", v, found, err)
	}
}

func TestSnapshotStableAcrossConcurrentCommit(t *testing.T) {
	m := newTestManager(t)

	reader, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin reader: %v", err)
	}

	writer, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin writer: %v", err)
	}
	if err := m.Insert(writer, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Commit(writer); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	_, found, err := m.Search(reader, []byte("k"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if found {
		t.Fatalf("expected reader's snapshot (predating writer's begin) to not see the later commit")
	}
}

func TestAbortDiscardsWrites(t *testing.T) {
	m := newTestManager(t)

	tx, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Insert(tx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Abort(tx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	other, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin other: %v", err)
	}
	_, found, err := m.Search(other, []byte("k"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if found {
		t.Fatalf("expected aborted transaction's write to be discarded")
	}
}

func TestDeleteTombstonesAcrossCommit(t *testing.T) {
	m := newTestManager(t)

	tx, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Insert(tx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Delete(tx2, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Commit(tx2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx3, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, found, err := m.Search(tx3, []byte("k"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if found {
		t.Fatalf("expected deleted key to be absent after delete's commit")
	}
}

func TestOperationsOnFinishedTransactionFail(t *testing.T) {
	m := newTestManager(t)

	tx, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := m.Insert(tx, []byte("k"), []byte("v")); err == nil {
		t.Fatalf("expected Insert on a committed transaction to fail")
	}
	if err := m.Commit(tx); err == nil {
		t.Fatalf("expected double Commit to fail")
	}
}

func TestRangeScanStableAcrossConcurrentCommit(t *testing.T) {
	m := newTestManager(t)

	seed, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin seed: %v", err)
	}
	if err := m.Insert(seed, []byte("a"), []byte("a1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Commit(seed); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin reader: %v", err)
	}

	writer, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin writer: %v", err)
	}
	if err := m.Insert(writer, []byte("b"), []byte("b1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Delete(writer, []byte("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Commit(writer); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	entries, err := m.RangeScan(reader, []byte("a"), []byte("z"))
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = string(e.Key)
	}
	want := []string{"a"}
	if len(got) != len(want) || got[0] != want[0] {
		t.Fatalf("RangeScan keys = %v, want %v (reader's snapshot predates writer's commit: should still see a, not see b or a's delete)", got, want)
	}
	if string(entries[0].Value) != "a1" {
		t.Fatalf("RangeScan value for a = %q, want a1 (pre-commit value, not the writer's tombstone)", entries[0].Value)
	}
}

func TestRangeScanOverlaysOwnUncommittedWrites(t *testing.T) {
	m := newTestManager(t)

	seed, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for _, k := range []string{"a", "c", "e"} {
		if err := m.Insert(seed, []byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := m.Commit(seed); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Insert(tx, []byte("b"), []byte("b")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Delete(tx, []byte("c")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	entries, err := m.RangeScan(tx, []byte("a"), []byte("z"))
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = string(e.Key)
	}
	want := []string{"a", "b", "e"}
	if len(got) != len(want) {
		t.Fatalf("RangeScan keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RangeScan keys = %v, want %v", got, want)
		}
	}
}
