package page

import "testing"

func TestResetSemantics(t *testing.T) {
	p := New()
	p.SetPageID(5)
	p.SetKind(KindLeaf)
	p.SetPageLSN(42)
	p.Payload()[0] = 0xFF

	p.Reset()

	if p.PageID() != Invalid {
		t.Fatalf("pageId after reset = %d, want %d", p.PageID(), Invalid)
	}
	if p.PageLSN() != -1 {
		t.Fatalf("pageLSN after reset = %d, want -1", p.PageLSN())
	}
	if p.KindOf() != KindInvalid {
		t.Fatalf("kind after reset = %v, want Invalid", p.KindOf())
	}
	if p.Payload()[0] != 0 {
		t.Fatalf("payload not cleared after reset")
	}
}

func TestHeaderPageRoundTrip(t *testing.T) {
	hp := NewHeaderPage()
	version, root, next := ReadHeaderPage(hp)
	if version != FormatVersion {
		t.Fatalf("version = %d, want %d", version, FormatVersion)
	}
	if root != Invalid {
		t.Fatalf("root = %d, want Invalid (empty tree)", root)
	}
	if next != 1 {
		t.Fatalf("next = %d, want 1", next)
	}

	WriteHeaderPage(hp, FormatVersion, 3, 7)
	version, root, next = ReadHeaderPage(hp)
	if root != 3 || next != 7 {
		t.Fatalf("round trip: got root=%d next=%d, want 3,7", root, next)
	}
}

func TestLoadBytesRejectsWrongSize(t *testing.T) {
	p := New()
	if err := p.LoadBytes(make([]byte, Size-1)); err == nil {
		t.Fatal("expected error loading undersized buffer")
	}
}
