package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nainya/treekv/pkg/errs"
)

// segmentHeaderSize is the fixed size of a segment file's leading header
// (spec.md §4.4): magic(4) + version(4) + startLSN(8) + reserved(48) = 64.
const segmentHeaderSize = 64

const segmentMagic uint32 = 0x544b574c // "TKWL"
const segmentVersion uint32 = 1

// segmentExt is the file extension for WAL segment files.
const segmentExt = ".log"

// segmentName formats startLSN as a 24-digit zero-padded decimal filename,
// so lexical directory order matches LSN order.
func segmentName(startLSN int64) string {
	return fmt.Sprintf("%024d%s", startLSN, segmentExt)
}

// segmentStartLSN parses the startLSN back out of a segment filename. ok is
// false if name does not look like a segment file.
func segmentStartLSN(name string) (int64, bool) {
	if !strings.HasSuffix(name, segmentExt) {
		return 0, false
	}
	base := strings.TrimSuffix(name, segmentExt)
	if len(base) != 24 {
		return 0, false
	}
	n, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// listSegments returns the full paths of every WAL segment in dir, sorted
// by ascending startLSN.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Io, component, "reading WAL directory", err)
	}

	type seg struct {
		lsn  int64
		path string
	}
	var segs []seg
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if lsn, ok := segmentStartLSN(e.Name()); ok {
			segs = append(segs, seg{lsn: lsn, path: filepath.Join(dir, e.Name())})
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].lsn < segs[j].lsn })

	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.path
	}
	return paths, nil
}

// writeSegmentHeader writes the 64-byte segment header to f.
func writeSegmentHeader(f *os.File, startLSN int64) error {
	buf := make([]byte, segmentHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], segmentMagic)
	binary.LittleEndian.PutUint32(buf[4:], segmentVersion)
	binary.LittleEndian.PutUint64(buf[8:], uint64(startLSN))
	if _, err := f.Write(buf); err != nil {
		return errs.Wrap(errs.Io, component, "writing segment header", err)
	}
	return nil
}

// readSegmentHeader reads and validates the 64-byte segment header.
func readSegmentHeader(f *os.File) (startLSN int64, err error) {
	buf := make([]byte, segmentHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, errs.Wrap(errs.Io, component, "reading segment header", err)
	}
	magic := binary.LittleEndian.Uint32(buf[0:])
	if magic != segmentMagic {
		return 0, errs.New(errs.Corrupted, component, "bad segment magic")
	}
	return int64(binary.LittleEndian.Uint64(buf[8:])), nil
}
