// Package wal implements the write-ahead log: segmented append-only record
// storage, LSN issuance, and crash replay (spec.md §4.4).
package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nainya/treekv/internal/logger"
	"github.com/nainya/treekv/internal/metrics"
	"github.com/nainya/treekv/pkg/errs"
)

// defaultSegmentSize is the threshold a segment is rotated before exceeding.
const defaultSegmentSize = 16 << 20

// LogManager owns the active WAL segment, issuing LSNs and appending
// records with force-log-at-commit durability (spec.md §4.4, §5).
type LogManager struct {
	mu  sync.Mutex
	dir string

	file            *os.File
	segmentStartLSN int64
	segmentSize     int64
	maxSegmentSize  int64

	lsnGen      *LSNGenerator
	flushedLSN  int64 // atomic
	lastWritten int64

	closed bool

	log *logger.Logger
	met *metrics.Metrics
}

// Options configures a LogManager.
type Options struct {
	Logger         *logger.Logger
	Metrics        *metrics.Metrics
	MaxSegmentSize int64
}

// Open opens (or creates) the WAL directory at dir, resuming LSN issuance
// after the highest LSN found in any existing segment.
func Open(dir string, opts Options) (*LogManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.Io, component, "creating WAL directory", err)
	}

	maxSize := opts.MaxSegmentSize
	if maxSize <= 0 {
		maxSize = defaultSegmentSize
	}

	lm := &LogManager{
		dir:            dir,
		maxSegmentSize: maxSize,
		lsnGen:         &LSNGenerator{},
		log:            opts.Logger,
		met:            opts.Metrics,
	}

	paths, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	replay, err := Replay(dir)
	if err != nil {
		return nil, err
	}
	if replay.MaxLSN > 0 {
		lm.lsnGen.Bump(replay.MaxLSN)
		lm.lastWritten = replay.MaxLSN
		atomic.StoreInt64(&lm.flushedLSN, replay.MaxLSN)
	}

	if len(paths) == 0 {
		if err := lm.openNewSegmentLocked(1); err != nil {
			return nil, err
		}
		return lm, nil
	}

	last := paths[len(paths)-1]
	f, err := os.OpenFile(last, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.Io, component, "reopening last WAL segment", err)
	}
	startLSN, err := readSegmentHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.Io, component, "statting last WAL segment", err)
	}

	lm.file = f
	lm.segmentStartLSN = startLSN
	lm.segmentSize = stat.Size()
	return lm, nil
}

// openNewSegmentLocked creates and activates a new segment file starting at
// startLSN. Caller holds mu.
func (lm *LogManager) openNewSegmentLocked(startLSN int64) error {
	path := filepath.Join(lm.dir, segmentName(startLSN))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errs.Wrap(errs.Io, component, "creating WAL segment", err)
	}
	if err := writeSegmentHeader(f, startLSN); err != nil {
		f.Close()
		return err
	}
	lm.file = f
	lm.segmentStartLSN = startLSN
	lm.segmentSize = segmentHeaderSize
	return nil
}

// NextLSN issues the next Log Sequence Number.
func (lm *LogManager) NextLSN() int64 {
	return lm.lsnGen.Next()
}

// CurrentLSN peeks at the highest LSN issued so far without allocating a
// new one (spec.md §4.5: a transaction's startLSN is the LSN counter's
// value at begin()).
func (lm *LogManager) CurrentLSN() int64 {
	return lm.lsnGen.Current()
}

// Append writes rec to the active segment, rotating to a new segment first
// if it would not fit. When force is true (required for Commit and Abort
// records, spec.md §5), the segment is fsynced before Append returns and
// FlushedLSN advances to rec.LSN.
func (lm *LogManager) Append(rec *Record, force bool) error {
	start := time.Now()
	defer func() {
		if lm.met != nil {
			lm.met.WalAppendDuration.Observe(time.Since(start).Seconds())
		}
	}()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.closed {
		return ErrClosed
	}

	data := rec.Encode()
	frame := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if lm.segmentSize+int64(len(frame)) > lm.maxSegmentSize {
		if err := lm.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := lm.file.Write(frame)
	if err != nil {
		return errs.Wrap(errs.Io, component, "appending WAL record", err)
	}
	lm.segmentSize += int64(n)
	lm.lastWritten = rec.LSN

	if lm.met != nil {
		lm.met.WalAppendsTotal.WithLabelValues(rec.Kind.String()).Inc()
	}

	if force {
		if err := lm.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

// rotateLocked fsyncs and closes the active segment and opens the next one.
// Caller holds mu.
func (lm *LogManager) rotateLocked() error {
	if err := lm.file.Sync(); err != nil {
		return errs.Wrap(errs.Io, component, "syncing WAL segment before rotation", err)
	}
	oldStart := lm.segmentStartLSN
	if err := lm.file.Close(); err != nil {
		return errs.Wrap(errs.Io, component, "closing WAL segment", err)
	}

	nextStart := lm.lsnGen.Current() + 1
	if err := lm.openNewSegmentLocked(nextStart); err != nil {
		return err
	}
	if lm.log != nil {
		lm.log.LogWalRotation(uint64(oldStart), uint64(nextStart))
	}
	if lm.met != nil {
		lm.met.WalRotationsTotal.Inc()
	}
	return nil
}

// Flush fsyncs the active segment and advances FlushedLSN to the highest
// LSN appended so far. Satisfies buffer.FlushedLSNSource.
func (lm *LogManager) Flush() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushLocked()
}

func (lm *LogManager) flushLocked() error {
	if lm.closed {
		return ErrClosed
	}
	if err := lm.file.Sync(); err != nil {
		return errs.Wrap(errs.Io, component, "syncing WAL segment", err)
	}
	atomic.StoreInt64(&lm.flushedLSN, lm.lastWritten)
	if lm.met != nil {
		lm.met.WalFlushesTotal.Inc()
		lm.met.WalFlushedLSN.Set(float64(lm.lastWritten))
	}
	return nil
}

// FlushedLSN returns the highest LSN guaranteed durable on stable storage.
// Satisfies buffer.FlushedLSNSource.
func (lm *LogManager) FlushedLSN() int64 {
	return atomic.LoadInt64(&lm.flushedLSN)
}

// Close fsyncs and closes the active segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	err := lm.file.Sync()
	if cerr := lm.file.Close(); err == nil {
		err = cerr
	}
	lm.closed = true
	if err != nil {
		return errs.Wrap(errs.Io, component, "closing WAL", err)
	}
	return nil
}
