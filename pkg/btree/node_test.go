package btree

import (
	"bytes"
	"testing"

	"github.com/nainya/treekv/pkg/page"
)

func TestLeafEncodeDecodeRoundTrip(t *testing.T) {
	p := page.New()
	p.SetKind(page.KindLeaf)

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	values := [][]byte{[]byte("1"), nil, []byte("")}
	present := []bool{true, false, true}

	buildLeaf(p.Payload(), keys, values, present, 42)

	n := newNode(p)
	if n.nkeys() != 3 {
		t.Fatalf("nkeys = %d, want 3", n.nkeys())
	}
	if n.nextLeaf() != 42 {
		t.Fatalf("nextLeaf = %d, want 42", n.nextLeaf())
	}

	gotKeys, gotValues, gotPresent := leafEntries(n)
	for i := range keys {
		if !bytes.Equal(gotKeys[i], keys[i]) {
			t.Fatalf("key %d = %q, want %q", i, gotKeys[i], keys[i])
		}
		if gotPresent[i] != present[i] {
			t.Fatalf("present %d = %v, want %v", i, gotPresent[i], present[i])
		}
		if present[i] && !bytes.Equal(gotValues[i], values[i]) {
			t.Fatalf("value %d = %q, want %q", i, gotValues[i], values[i])
		}
	}
}

func TestInternalEncodeDecodeRoundTrip(t *testing.T) {
	p := page.New()
	p.SetKind(page.KindInternal)

	keys := [][]byte{{}, []byte("m"), []byte("z")}
	ptrs := []int32{1, 2, 3}
	buildInternal(p.Payload(), keys, ptrs)

	n := newNode(p)
	gotKeys, gotPtrs := internalEntries(n)
	for i := range keys {
		if !bytes.Equal(gotKeys[i], keys[i]) {
			t.Fatalf("key %d = %q, want %q", i, gotKeys[i], keys[i])
		}
		if gotPtrs[i] != ptrs[i] {
			t.Fatalf("ptr %d = %d, want %d", i, gotPtrs[i], ptrs[i])
		}
	}
}

func TestLookupLETreatsFirstKeyAsMinusInfinity(t *testing.T) {
	p := page.New()
	p.SetKind(page.KindInternal)
	keys := [][]byte{{}, []byte("d"), []byte("m")}
	ptrs := []int32{10, 20, 30}
	buildInternal(p.Payload(), keys, ptrs)

	n := newNode(p)
	if got := n.lookupLE([]byte("a")); got != 0 {
		t.Fatalf("lookupLE(a) = %d, want 0", got)
	}
	if got := n.lookupLE([]byte("d")); got != 1 {
		t.Fatalf("lookupLE(d) = %d, want 1", got)
	}
	if got := n.lookupLE([]byte("z")); got != 2 {
		t.Fatalf("lookupLE(z) = %d, want 2", got)
	}
}

func TestSearchBinarySearch(t *testing.T) {
	p := page.New()
	p.SetKind(page.KindLeaf)
	keys := [][]byte{[]byte("a"), []byte("c"), []byte("e"), []byte("g")}
	values := [][]byte{[]byte("1"), []byte("2"), []byte("3"), []byte("4")}
	present := []bool{true, true, true, true}
	buildLeaf(p.Payload(), keys, values, present, page.Invalid)

	n := newNode(p)
	if idx, found := n.search([]byte("e")); !found || idx != 2 {
		t.Fatalf("search(e) = (%d, %v), want (2, true)", idx, found)
	}
	if idx, found := n.search([]byte("d")); found || idx != 2 {
		t.Fatalf("search(d) = (%d, %v), want (2, false)", idx, found)
	}
	if idx, found := n.search([]byte("z")); found || idx != 4 {
		t.Fatalf("search(z) = (%d, %v), want (4, false)", idx, found)
	}
}
