// Package engine wires DiskManager, BufferPool, BPlusTree, LogManager,
// TxnManager and RecoveryCoordinator into the public operation set of
// spec.md §6: open/begin/insert/search/rangeScan/commit/abort/close.
package engine

import (
	"os"
	"strings"

	"github.com/nainya/treekv/internal/logger"
	"github.com/nainya/treekv/internal/metrics"
	"github.com/nainya/treekv/pkg/btree"
	"github.com/nainya/treekv/pkg/buffer"
	"github.com/nainya/treekv/pkg/disk"
	"github.com/nainya/treekv/pkg/errs"
	"github.com/nainya/treekv/pkg/recovery"
	"github.com/nainya/treekv/pkg/txn"
	"github.com/nainya/treekv/pkg/wal"
)

const component = "engine"

// Options configures Open. Tunables default per spec.md §6 when zero.
type Options struct {
	BufferPoolFrames int
	WalSegmentSize   int64

	// TreeOrder is the B+ tree fanout: at most TreeOrder children per
	// internal node, at most TreeOrder entries per leaf (spec.md §6
	// open(path, order); glossary "Fanout / tree order"). Zero selects
	// defaultTreeOrder; a nonzero value below 3 is InvalidArgument, per
	// spec.md:176's "fanout >= 3".
	TreeOrder int

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

const defaultBufferPoolFrames = 1000
const defaultTreeOrder = 128
const minTreeOrder = 3

// DB is an open database handle: the only entry point external
// collaborators (CLI, benchmarks, tests) depend on.
type DB struct {
	disk *disk.Manager
	log  *wal.LogManager
	pool *buffer.Pool
	tree *btree.Tree
	txns *txn.Manager

	closed bool
}

// Txn is a transaction handle obtained from DB.Begin.
type Txn = txn.Txn

// Entry is one (key, value) pair returned by RangeScan.
type Entry = btree.Entry

// Open opens (creating if absent) the database file at dbPath and the WAL
// directory at walDir. If walDir already contains any segment file,
// recovery runs before the handle is returned, per spec.md §6.
func Open(dbPath, walDir string, opts Options) (*DB, error) {
	if dbPath == "" || walDir == "" {
		return nil, errs.New(errs.InvalidArgument, component, "dbPath and walDir must not be empty")
	}
	treeOrder := opts.TreeOrder
	if treeOrder == 0 {
		treeOrder = defaultTreeOrder
	} else if treeOrder < minTreeOrder {
		return nil, errs.New(errs.InvalidArgument, component, "tree order must be >= 3")
	}

	hadSegments, err := hasWalSegments(walDir)
	if err != nil {
		return nil, err
	}

	d, err := disk.Open(dbPath, disk.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	if err != nil {
		return nil, err
	}

	lm, err := wal.Open(walDir, wal.Options{
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
		MaxSegmentSize: opts.WalSegmentSize,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	frames := opts.BufferPoolFrames
	if frames <= 0 {
		frames = defaultBufferPoolFrames
	}
	pool := buffer.New(d, lm, frames, buffer.Options{Logger: opts.Logger, Metrics: opts.Metrics})

	tree, err := btree.Open(pool, d, btree.Options{Order: treeOrder, Logger: opts.Logger, Metrics: opts.Metrics})
	if err != nil {
		lm.Close()
		d.Close()
		return nil, err
	}

	if hadSegments {
		coord := recovery.Open(lm, tree, recovery.Options{Logger: opts.Logger, Metrics: opts.Metrics})
		if _, err := coord.Recover(walDir); err != nil {
			lm.Close()
			d.Close()
			return nil, err
		}
	}

	txns := txn.Open(lm, tree, txn.Options{Logger: opts.Logger, Metrics: opts.Metrics})

	return &DB{disk: d, log: lm, pool: pool, tree: tree, txns: txns}, nil
}

// hasWalSegments reports whether dir already contains at least one *.log
// segment file, without creating the directory (unlike wal.Open).
func hasWalSegments(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.Io, component, "reading WAL directory", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			return true, nil
		}
	}
	return false, nil
}

func (db *DB) requireOpen() error {
	if db.closed {
		return errs.New(errs.Closed, component, "database handle is closed")
	}
	return nil
}

// Begin starts a new transaction.
func (db *DB) Begin() (*Txn, error) {
	if err := db.requireOpen(); err != nil {
		return nil, err
	}
	return db.txns.Begin()
}

// Insert writes key=value under t.
func (db *DB) Insert(t *Txn, key, value []byte) error {
	if err := db.requireOpen(); err != nil {
		return err
	}
	return db.txns.Insert(t, key, value)
}

// Search returns key's value as visible to t.
func (db *DB) Search(t *Txn, key []byte) ([]byte, bool, error) {
	if err := db.requireOpen(); err != nil {
		return nil, false, err
	}
	return db.txns.Search(t, key)
}

// RangeScan returns every (key, value) pair with lo <= key < hi visible to t.
func (db *DB) RangeScan(t *Txn, lo, hi []byte) ([]Entry, error) {
	if err := db.requireOpen(); err != nil {
		return nil, err
	}
	return db.txns.RangeScan(t, lo, hi)
}

// Commit persists t's writes and marks it Committed.
func (db *DB) Commit(t *Txn) error {
	if err := db.requireOpen(); err != nil {
		return err
	}
	return db.txns.Commit(t)
}

// Abort discards t's writes and marks it Aborted.
func (db *DB) Abort(t *Txn) error {
	if err := db.requireOpen(); err != nil {
		return err
	}
	return db.txns.Abort(t)
}

// Close flushes the buffer pool and the WAL, then closes the underlying
// disk file. The handle must not be used afterward.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true

	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	if err := db.log.Close(); err != nil {
		return err
	}
	return db.disk.Close()
}
