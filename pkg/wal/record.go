package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nainya/treekv/pkg/errs"
)

const component = "wal"

// Kind is a LogRecord's record kind (spec.md §3).
type Kind byte

const (
	KindBegin Kind = iota + 1
	KindCommit
	KindAbort
	KindInsert
	KindUpdate
	KindDelete
	KindCheckpoint
	KindCLR
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "Begin"
	case KindCommit:
		return "Commit"
	case KindAbort:
		return "Abort"
	case KindInsert:
		return "Insert"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	case KindCheckpoint:
		return "Checkpoint"
	case KindCLR:
		return "CLR"
	default:
		return "Unknown"
	}
}

// fixedHeaderSize is the size of the fields spec.md enumerates before the
// variable-length old/new byte strings: lsn(8) + txnId(4) + prevLSN(8) +
// kind(1) + pageId(4) = 25 bytes. (spec.md §3 names this the "37-byte
// header" but enumerates only these five fixed fields; 25 is what the
// enumerated fields sum to, and is what this implementation treats as
// normative — see DESIGN.md Open Questions.)
const fixedHeaderSize = 25

// NoLSN is the sentinel prevLSN value meaning "no earlier record of this
// transaction".
const NoLSN int64 = -1

// NoPageID is the sentinel pageId value for control records (Begin/Commit/
// Abort/Checkpoint).
const NoPageID int32 = -1

// Record is a single WAL log record.
type Record struct {
	LSN      int64
	TxnID    int32
	PrevLSN  int64
	Kind     Kind
	PageID   int32
	Key      []byte
	OldBytes []byte
	NewBytes []byte
	// UndoneLSN is set on CLR records: the LSN of the record this CLR
	// compensates for, so Undo can skip re-undoing it (spec.md §4.6).
	UndoneLSN int64
}

// Encode serializes r to bytes: fixed header, keyLen||key, oldLen||oldBytes,
// newLen||newBytes, undoneLSN(8), checksum. The checksum covers every
// preceding byte.
func (r *Record) Encode() []byte {
	buf := make([]byte, r.Size())

	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.LSN))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.TxnID))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.PrevLSN))
	off += 8
	buf[off] = byte(r.Kind)
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.PageID))
	off += 4

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Key)))
	off += 4
	copy(buf[off:], r.Key)
	off += len(r.Key)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.OldBytes)))
	off += 4
	copy(buf[off:], r.OldBytes)
	off += len(r.OldBytes)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.NewBytes)))
	off += 4
	copy(buf[off:], r.NewBytes)
	off += len(r.NewBytes)

	binary.LittleEndian.PutUint64(buf[off:], uint64(r.UndoneLSN))
	off += 8

	checksum := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], checksum)

	return buf
}

// Size returns the encoded size of r.
func (r *Record) Size() int {
	return fixedHeaderSize + 4 + len(r.Key) + 4 + len(r.OldBytes) + 4 + len(r.NewBytes) + 8 + 4
}

// DecodeRecord deserializes a record from bytes, verifying its checksum.
// Returns a Corrupted error on checksum mismatch or on a buffer too short
// for the lengths it declares.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) < fixedHeaderSize+4+4+4+8+4 {
		return nil, errs.New(errs.Corrupted, component, "record shorter than minimum framing")
	}

	off := 0
	lsn := int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	txnID := int32(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	prevLSN := int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	kind := Kind(data[off])
	off++
	pageID := int32(binary.LittleEndian.Uint32(data[off:]))
	off += 4

	if off+4 > len(data) {
		return nil, errs.New(errs.Corrupted, component, "truncated before keyLen")
	}
	keyLen := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if off+int(keyLen) > len(data) {
		return nil, errs.New(errs.Corrupted, component, "key length exceeds record")
	}
	key := append([]byte(nil), data[off:off+int(keyLen)]...)
	off += int(keyLen)

	if off+4 > len(data) {
		return nil, errs.New(errs.Corrupted, component, "truncated before oldLen")
	}
	oldLen := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if off+int(oldLen) > len(data) {
		return nil, errs.New(errs.Corrupted, component, "oldBytes length exceeds record")
	}
	oldBytes := append([]byte(nil), data[off:off+int(oldLen)]...)
	off += int(oldLen)

	if off+4 > len(data) {
		return nil, errs.New(errs.Corrupted, component, "truncated before newLen")
	}
	newLen := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if off+int(newLen) > len(data) {
		return nil, errs.New(errs.Corrupted, component, "newBytes length exceeds record")
	}
	newBytes := append([]byte(nil), data[off:off+int(newLen)]...)
	off += int(newLen)

	if off+8+4 > len(data) {
		return nil, errs.New(errs.Corrupted, component, "truncated before checksum")
	}
	undoneLSN := int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8

	storedChecksum := binary.LittleEndian.Uint32(data[off:])
	computed := crc32.ChecksumIEEE(data[:off])
	if storedChecksum != computed {
		return nil, errs.New(errs.Corrupted, component, "checksum mismatch").WithLSN(lsn)
	}

	return &Record{
		LSN:       lsn,
		TxnID:     txnID,
		PrevLSN:   prevLSN,
		Kind:      kind,
		PageID:    pageID,
		Key:       key,
		OldBytes:  oldBytes,
		NewBytes:  newBytes,
		UndoneLSN: undoneLSN,
	}, nil
}

// IsDataModifying reports whether k is Insert/Update/Delete — the record
// kinds that carry a target pageId and participate in Redo/Undo.
func (k Kind) IsDataModifying() bool {
	return k == KindInsert || k == KindUpdate || k == KindDelete
}
