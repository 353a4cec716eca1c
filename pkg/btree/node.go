// Package btree implements the on-disk B+ tree index: page-resident leaf
// and internal nodes, split/promote on insert, and leaf-only delete
// (spec.md §4.3).
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/nainya/treekv/pkg/errs"
	"github.com/nainya/treekv/pkg/page"
)

const component = "btree"

// tombstoneValueLen is the sentinel valueLen marking a deleted key. A real
// zero-length value is encoded as valueLen = 0, per the absent/empty
// distinction resolved in SPEC_FULL.md §5.
const tombstoneValueLen uint32 = 0xFFFFFFFF

// miniHeaderSize is the small fixed region after the page header, before
// the offset table: nkeys(2) + nextLeaf-or-reserved(4).
const miniHeaderSize = 6

// node is a thin view over a page's payload bytes. Internal nodes store one
// child pointer per key (ptr[i] is the subtree for keys >= key[i]); leaf
// nodes store a value (or tombstone) per key plus a forward link to the
// next leaf for range scans.
type node struct {
	buf    []byte // page.Payload()
	isLeaf bool
}

func newNode(p *page.Page) node {
	return node{buf: p.Payload(), isLeaf: p.KindOf() == page.KindLeaf}
}

func (n node) nkeys() uint16 {
	return binary.LittleEndian.Uint16(n.buf[0:2])
}

func (n node) setNkeys(k uint16) {
	binary.LittleEndian.PutUint16(n.buf[0:2], k)
}

func (n node) nextLeaf() int32 {
	return int32(binary.LittleEndian.Uint32(n.buf[2:6]))
}

func (n node) setNextLeaf(id int32) {
	binary.LittleEndian.PutUint32(n.buf[2:6], uint32(id))
}

func (n node) ptr(i uint16) int32 {
	off := miniHeaderSize + 4*int(i)
	return int32(binary.LittleEndian.Uint32(n.buf[off:]))
}

func (n node) setPtr(i uint16, id int32) {
	off := miniHeaderSize + 4*int(i)
	binary.LittleEndian.PutUint32(n.buf[off:], uint32(id))
}

// ptrAreaSize is the size in bytes of the per-key fixed area following the
// mini-header: a 4-byte child pointer for internal nodes, nothing for leaves.
func (n node) ptrAreaSize() int {
	if n.isLeaf {
		return 0
	}
	return 4 * int(n.nkeys())
}

func (n node) offsetTableStart() int {
	return miniHeaderSize + n.ptrAreaSize()
}

func (n node) dataStart() int {
	return n.offsetTableStart() + 2*int(n.nkeys())
}

func (n node) offset(i uint16) uint16 {
	if i == 0 {
		return 0
	}
	pos := n.offsetTableStart() + 2*(int(i)-1)
	return binary.LittleEndian.Uint16(n.buf[pos:])
}

func (n node) setOffset(i uint16, off uint16) {
	pos := n.offsetTableStart() + 2*(int(i)-1)
	binary.LittleEndian.PutUint16(n.buf[pos:], off)
}

func (n node) entryPos(i uint16) int {
	return n.dataStart() + int(n.offset(i))
}

// nbytes is the total size this node currently occupies in the payload.
func (n node) nbytes() int {
	return n.entryPos(n.nkeys())
}

func (n node) key(i uint16) []byte {
	pos := n.entryPos(i)
	klen := binary.LittleEndian.Uint16(n.buf[pos:])
	if n.isLeaf {
		return n.buf[pos+6:][:klen]
	}
	return n.buf[pos+2:][:klen]
}

// value returns the value at i and whether it is present (false => tombstone).
func (n node) value(i uint16) ([]byte, bool) {
	pos := n.entryPos(i)
	klen := binary.LittleEndian.Uint16(n.buf[pos:])
	vlen := binary.LittleEndian.Uint32(n.buf[pos+2:])
	if vlen == tombstoneValueLen {
		return nil, false
	}
	return n.buf[pos+6+int(klen):][:vlen], true
}

// entrySize returns the encoded byte size of a leaf (key, value-or-tombstone)
// pair, or an internal (key) entry.
func entrySize(isLeaf bool, key, value []byte, present bool) int {
	if !isLeaf {
		return 2 + len(key)
	}
	if !present {
		return 6 + len(key)
	}
	return 6 + len(key) + len(value)
}

// lookupLE returns the largest index i such that key(i) <= search, or 0 if
// every key exceeds search (mirrors the teacher's nodeLookupLE: the first
// key is always treated as -infinity for internal nodes).
func (n node) lookupLE(search []byte) uint16 {
	nk := n.nkeys()
	found := uint16(0)
	for i := uint16(1); i < nk; i++ {
		if bytes.Compare(n.key(i), search) <= 0 {
			found = i
		} else {
			break
		}
	}
	return found
}

// search returns the index of the exact key match and true, or the
// insertion point and false.
func (n node) search(key []byte) (uint16, bool) {
	nk := n.nkeys()
	lo, hi := uint16(0), nk
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(n.key(mid), key)
		switch {
		case cmp == 0:
			return mid, true
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// buildLeaf writes a full leaf payload from scratch out of the given
// parallel key/value/present slices and next-leaf pointer.
func buildLeaf(buf []byte, keys [][]byte, values [][]byte, present []bool, next int32) {
	n := node{buf: buf, isLeaf: true}
	nk := uint16(len(keys))
	n.setNkeys(nk)
	n.setNextLeaf(next)

	cursor := uint16(0)
	for i := range keys {
		klen := uint16(len(keys[i]))
		vlen := uint32(0)
		if !present[i] {
			vlen = tombstoneValueLen
		} else {
			vlen = uint32(len(values[i]))
		}
		pos := n.dataStart() + int(cursor)
		binary.LittleEndian.PutUint16(buf[pos:], klen)
		binary.LittleEndian.PutUint32(buf[pos+2:], vlen)
		copy(buf[pos+6:], keys[i])
		if present[i] {
			copy(buf[pos+6+int(klen):], values[i])
		}
		cursor += uint16(entrySize(true, keys[i], values[i], present[i]))
		n.setOffset(uint16(i+1), cursor)
	}
}

// buildInternal writes a full internal node payload from parallel key/ptr slices.
func buildInternal(buf []byte, keys [][]byte, ptrs []int32) {
	n := node{buf: buf, isLeaf: false}
	nk := uint16(len(keys))
	n.setNkeys(nk)

	for i, p := range ptrs {
		n.setPtr(uint16(i), p)
	}

	cursor := uint16(0)
	for i := range keys {
		klen := uint16(len(keys[i]))
		pos := n.dataStart() + int(cursor)
		binary.LittleEndian.PutUint16(buf[pos:], klen)
		copy(buf[pos+2:], keys[i])
		cursor += uint16(entrySize(false, keys[i], nil, true))
		n.setOffset(uint16(i+1), cursor)
	}
}

// leafEntries decodes every (key, value, present) triple out of a leaf node.
func leafEntries(n node) (keys [][]byte, values [][]byte, present []bool) {
	nk := n.nkeys()
	keys = make([][]byte, nk)
	values = make([][]byte, nk)
	present = make([]bool, nk)
	for i := uint16(0); i < nk; i++ {
		k := append([]byte(nil), n.key(i)...)
		v, ok := n.value(i)
		keys[i] = k
		present[i] = ok
		if ok {
			values[i] = append([]byte(nil), v...)
		}
	}
	return
}

// internalEntries decodes every (key, ptr) pair out of an internal node.
func internalEntries(n node) (keys [][]byte, ptrs []int32) {
	nk := n.nkeys()
	keys = make([][]byte, nk)
	ptrs = make([]int32, nk)
	for i := uint16(0); i < nk; i++ {
		keys[i] = append([]byte(nil), n.key(i)...)
		ptrs[i] = n.ptr(i)
	}
	return
}

func checkFits(size int) error {
	if size > page.PayloadSize {
		return errs.New(errs.InvalidArgument, component, "entry too large to fit in a single page")
	}
	return nil
}
