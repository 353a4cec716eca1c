// Package page defines the fixed-size page container and header-page
// payload shared by every on-disk structure in the engine.
package page

import (
	"encoding/binary"

	"github.com/nainya/treekv/pkg/errs"
)

// Size is the fixed page size in bytes (spec.md §3: "Fixed 4096 bytes").
const Size = 4096

// HeaderSize is the fixed 16-byte page header: pageId(4) + pageKind(1) +
// reserved(3) + pageLSN(8).
const HeaderSize = 16

// PayloadSize is the usable payload after the header.
const PayloadSize = Size - HeaderSize

// Kind is the page's node-kind tag.
type Kind byte

const (
	KindInvalid Kind = iota
	KindHeader
	KindInternal
	KindLeaf
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "Header"
	case KindInternal:
		return "Internal"
	case KindLeaf:
		return "Leaf"
	default:
		return "Invalid"
	}
}

// Invalid is the sentinel pageId meaning "no page" (e.g. an empty tree's root).
const Invalid int32 = -1

// Page is the fixed 4096-byte in-memory image of one on-disk page: a 16-byte
// header followed by a 4080-byte payload. The byte image is authoritative;
// any struct fields decoded from it are a view, not a separate source of truth.
type Page struct {
	buf [Size]byte
}

// New returns a freshly Reset page.
func New() *Page {
	p := &Page{}
	p.Reset()
	return p
}

// Bytes returns the full 4096-byte image, for disk I/O.
func (p *Page) Bytes() []byte { return p.buf[:] }

// Payload returns the 4080-byte payload slice.
func (p *Page) Payload() []byte { return p.buf[HeaderSize:] }

// LoadBytes overwrites the page image with exactly Size bytes.
func (p *Page) LoadBytes(b []byte) error {
	if len(b) != Size {
		return errs.New(errs.Corrupted, "page", "page size mismatch").WithPageID(p.PageID())
	}
	copy(p.buf[:], b)
	return nil
}

// PageID returns the page's own id from its header.
func (p *Page) PageID() int32 {
	return int32(binary.LittleEndian.Uint32(p.buf[0:4]))
}

// SetPageID sets the page's id in its header.
func (p *Page) SetPageID(id int32) {
	binary.LittleEndian.PutUint32(p.buf[0:4], uint32(id))
}

// KindOf returns the page's kind tag.
func (p *Page) KindOf() Kind { return Kind(p.buf[4]) }

// SetKind sets the page's kind tag.
func (p *Page) SetKind(k Kind) { p.buf[4] = byte(k) }

// PageLSN returns the LSN of the most recent log record applied to this page.
func (p *Page) PageLSN() int64 {
	return int64(binary.LittleEndian.Uint64(p.buf[8:16]))
}

// SetPageLSN sets the page's pageLSN.
func (p *Page) SetPageLSN(lsn int64) {
	binary.LittleEndian.PutUint64(p.buf[8:16], uint64(lsn))
}

// Reset clears the page to its Invalid state: pageId -1, pageLSN -1, payload
// zeroed. Per spec.md §9's resolution of the ambiguous reset semantics.
func (p *Page) Reset() {
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.SetPageID(Invalid)
	p.SetKind(KindInvalid)
	p.SetPageLSN(-1)
}

// --- HeaderPage (pageId = 0) ---

// HeaderPageID is the fixed page id of the one HeaderPage per database file.
const HeaderPageID int32 = 0

const (
	hdrOffVersion  = 0
	hdrOffRoot     = 4
	hdrOffNextPage = 8
	// FormatVersion is the current on-disk format version written into new files.
	FormatVersion uint32 = 1
)

// ReadHeaderPage decodes the HeaderPage payload fields.
func ReadHeaderPage(p *Page) (version uint32, rootPageID int32, nextPageID int32) {
	payload := p.Payload()
	version = binary.LittleEndian.Uint32(payload[hdrOffVersion:])
	rootPageID = int32(binary.LittleEndian.Uint32(payload[hdrOffRoot:]))
	nextPageID = int32(binary.LittleEndian.Uint32(payload[hdrOffNextPage:]))
	return
}

// WriteHeaderPage encodes the HeaderPage payload fields into p, which must
// already be tagged KindHeader / pageId 0 by the caller.
func WriteHeaderPage(p *Page, version uint32, rootPageID int32, nextPageID int32) {
	payload := p.Payload()
	binary.LittleEndian.PutUint32(payload[hdrOffVersion:], version)
	binary.LittleEndian.PutUint32(payload[hdrOffRoot:], uint32(rootPageID))
	binary.LittleEndian.PutUint32(payload[hdrOffNextPage:], uint32(nextPageID))
}

// NewHeaderPage builds a fresh, empty HeaderPage image (empty tree, next
// allocatable page is 1).
func NewHeaderPage() *Page {
	p := New()
	p.SetPageID(HeaderPageID)
	p.SetKind(KindHeader)
	p.SetPageLSN(0)
	WriteHeaderPage(p, FormatVersion, Invalid, 1)
	return p
}
