package disk

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/nainya/treekv/pkg/errs"
	"github.com/nainya/treekv/pkg/page"
)

func TestOpenInitializesHeaderPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")

	m, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	if got := m.NumPages(); got != 1 {
		t.Fatalf("NumPages = %d, want 1", got)
	}
}

func TestWritePageThenReadPageRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	m, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	id := m.Allocate()
	p := page.New()
	p.SetPageID(id)
	p.SetKind(page.KindLeaf)
	p.SetPageLSN(7)
	copy(p.Payload(), []byte("hello"))

	if err := m.WritePage(id, p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := m.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if got.PageID() != id || got.KindOf() != page.KindLeaf || got.PageLSN() != 7 {
		t.Fatalf("ReadPage = {id:%d kind:%v lsn:%d}, want {%d %v 7}", got.PageID(), got.KindOf(), got.PageLSN(), id, page.KindLeaf)
	}
	if !bytes.Equal(got.Payload()[:5], []byte("hello")) {
		t.Fatalf("Payload = %q, want hello", got.Payload()[:5])
	}
}

func TestReadPageOutOfRangeIsInvalidArgument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	m, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	if _, err := m.ReadPage(99); !errs.IsKind(err, errs.InvalidArgument) {
		t.Fatalf("ReadPage(99) err = %v, want InvalidArgument", err)
	}
}

func TestWritePageExtendsNumPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	m, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	id := m.Allocate()
	p := page.New()
	p.SetPageID(id)
	if err := m.WritePage(id, p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if got := m.NumPages(); got != int64(id)+1 {
		t.Fatalf("NumPages = %d, want %d", got, id+1)
	}
}

func TestReopenPreservesPageCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	m, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := m.Allocate()
	p := page.New()
	p.SetPageID(id)
	if err := m.WritePage(id, p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got := reopened.NumPages(); got != int64(id)+1 {
		t.Fatalf("NumPages after reopen = %d, want %d", got, id+1)
	}
}
