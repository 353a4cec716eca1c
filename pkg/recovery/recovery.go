// Package recovery implements the ARIES-style three-phase crash recovery
// pipeline run once at startup: Analysis builds the transaction table and
// dirty page table, Redo replays committed changes forward, and Undo rolls
// back transactions that were still Running at crash time (spec.md §4.6).
package recovery

import (
	"sort"

	"github.com/nainya/treekv/internal/logger"
	"github.com/nainya/treekv/internal/metrics"
	"github.com/nainya/treekv/pkg/btree"
	"github.com/nainya/treekv/pkg/wal"
)

const component = "recovery"

// TxState is a transaction's state as reconstructed during Analysis.
type TxState int

const (
	Active TxState = iota
	Committed
	Aborted
)

func (s TxState) String() string {
	switch s {
	case Active:
		return "Active"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// txInfo is one transaction's entry in the Analysis-phase transaction table.
type txInfo struct {
	TxnID    int32
	State    TxState
	FirstLSN int64
	LastLSN  int64
}

// Coordinator runs recovery against an already-open LogManager and Tree.
type Coordinator struct {
	log  *wal.LogManager
	tree *btree.Tree

	logger *logger.Logger
	met    *metrics.Metrics
}

// Options configures a Coordinator.
type Options struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Open wires a Coordinator over log and tree.
func Open(log *wal.LogManager, tree *btree.Tree, opts Options) *Coordinator {
	return &Coordinator{log: log, tree: tree, logger: opts.Logger, met: opts.Metrics}
}

// Result summarizes one Recover run, for logging and tests.
type Result struct {
	RecordsScanned int
	FirstRedoLSN   int64
	RedoApplied    int
	Losers         []int32
	UndoApplied    int
}

// Recover runs Analysis, Redo, and Undo in order over every record in the
// WAL directory at dir. It is idempotent: a second run against the same
// (now-repaired) WAL observes every loser transaction already resolved by
// the Abort records the first run appended, and every record's target page
// already at or beyond its LSN, so both Redo and Undo become no-ops.
func (c *Coordinator) Recover(dir string) (*Result, error) {
	if c.logger != nil {
		c.logger.LogRecoveryPhase("start", dir, 0)
	}
	if c.met != nil {
		c.met.RecoveryRunsTotal.Inc()
	}

	replay, err := wal.Replay(dir)
	if err != nil {
		return nil, err
	}
	records := replay.Records

	tt, dpt, firstRedoLSN := c.analysis(records)
	if c.logger != nil {
		c.logger.LogRecoveryPhase("analysis", "firstRedoLSN", firstRedoLSN)
	}

	redoApplied, err := c.redo(records, tt, firstRedoLSN)
	if err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.LogRecoveryPhase("redo", "applied", int64(redoApplied))
	}
	if c.met != nil {
		c.met.RecoveryRedoApplied.Add(float64(redoApplied))
	}

	losers, undoApplied, err := c.undo(records, tt)
	if err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.LogRecoveryPhase("undo", "applied", int64(undoApplied))
	}
	if c.met != nil {
		c.met.RecoveryUndoApplied.Add(float64(undoApplied))
	}

	_ = dpt // retained on Result only via firstRedoLSN; the table itself is Analysis-local.
	return &Result{
		RecordsScanned: len(records),
		FirstRedoLSN:   firstRedoLSN,
		RedoApplied:    redoApplied,
		Losers:         losers,
		UndoApplied:    undoApplied,
	}, nil
}

// analysis scans records once, building the transaction table (TT) and
// dirty page table (DPT), and computing firstRedoLSN as the smallest LSN in
// the DPT (0 — "no redo" — if the DPT is empty), per spec.md §4.6 Phase 1.
func (c *Coordinator) analysis(records []*wal.Record) (map[int32]*txInfo, map[int32]int64, int64) {
	tt := make(map[int32]*txInfo)
	dpt := make(map[int32]int64)

	for _, r := range records {
		switch r.Kind {
		case wal.KindBegin:
			tt[r.TxnID] = &txInfo{TxnID: r.TxnID, State: Active, FirstLSN: r.LSN, LastLSN: r.LSN}
		case wal.KindCommit:
			if info, ok := tt[r.TxnID]; ok {
				info.State = Committed
				info.LastLSN = r.LSN
			}
		case wal.KindAbort:
			if info, ok := tt[r.TxnID]; ok {
				info.State = Aborted
				info.LastLSN = r.LSN
			}
		case wal.KindCLR:
			if info, ok := tt[r.TxnID]; ok {
				info.LastLSN = r.LSN
			}
		default:
			if r.Kind.IsDataModifying() {
				if info, ok := tt[r.TxnID]; ok {
					info.LastLSN = r.LSN
				}
				// r.PageID may be page.Invalid (-1) when the record's key
				// had no leaf yet (the tree was empty at log time); it is
				// still tracked here so firstRedoLSN accounts for it —
				// Redo itself finds the key's current leaf fresh via
				// Tree.LeafPageLSN rather than trusting this stored id.
				if _, exists := dpt[r.PageID]; !exists {
					dpt[r.PageID] = r.LSN
				}
			}
		}
	}

	var firstRedoLSN int64
	for _, lsn := range dpt {
		if firstRedoLSN == 0 || lsn < firstRedoLSN {
			firstRedoLSN = lsn
		}
	}
	return tt, dpt, firstRedoLSN
}

// redo replays every Insert/Update/Delete record of a committed transaction
// from firstRedoLSN onward, skipping any record whose target leaf already
// carries a pageLSN at or beyond the record's own LSN (spec.md §4.6 Phase
// 2). Because this engine persists a transaction's writes into the B+ tree
// only at Commit (spec.md §4.5), redo is logical rather than a raw page
// byte-copy: it reapplies the recorded key/value through the same
// Tree.Upsert/Delete path the forward write path uses, gated by the
// pageLSN check for idempotency.
func (c *Coordinator) redo(records []*wal.Record, tt map[int32]*txInfo, firstRedoLSN int64) (int, error) {
	if firstRedoLSN == 0 {
		return 0, nil
	}

	applied := 0
	for _, r := range records {
		if r.LSN < firstRedoLSN || !r.Kind.IsDataModifying() {
			continue
		}
		info, ok := tt[r.TxnID]
		if !ok || info.State != Committed {
			continue
		}

		existingLSN, err := c.tree.LeafPageLSN(r.Key)
		if err != nil {
			return applied, err
		}
		if existingLSN >= r.LSN {
			continue
		}

		value, present := decodeVersion(r.NewBytes)
		if present {
			if err := c.tree.Upsert(r.Key, value, r.LSN); err != nil {
				return applied, err
			}
		} else {
			if err := c.tree.Delete(r.Key, r.LSN); err != nil {
				return applied, err
			}
		}
		applied++
	}
	return applied, nil
}

// undo walks each loser transaction's chain backward via prevLSN, emitting
// a CLR for every Insert/Update/Delete it passes (spec.md §4.6 Phase 3). In
// this engine a loser's writes were never persisted into the tree (Commit
// is the only persist point, and losers never committed), so there is no
// page to physically revert; the CLR chain exists for ARIES-standard
// idempotency bookkeeping, and a trailing Abort record resolves the
// transaction so a second Recover run no longer sees it as a loser.
func (c *Coordinator) undo(records []*wal.Record, tt map[int32]*txInfo) ([]int32, int, error) {
	byLSN := make(map[int64]*wal.Record, len(records))
	for _, r := range records {
		byLSN[r.LSN] = r
	}

	var losers []int32
	for id, info := range tt {
		if info.State == Active {
			losers = append(losers, id)
		}
	}
	sort.Slice(losers, func(i, j int) bool { return losers[i] < losers[j] })

	undoApplied := 0
	for _, id := range losers {
		info := tt[id]
		cursor := info.LastLSN
		lastSeenLSN := info.LastLSN

		for cursor != wal.NoLSN {
			rec, ok := byLSN[cursor]
			if !ok || rec.Kind == wal.KindBegin {
				break
			}
			if rec.Kind == wal.KindCLR {
				cursor = rec.PrevLSN
				continue
			}
			if rec.Kind.IsDataModifying() {
				clrLSN := c.log.NextLSN()
				clr := &wal.Record{
					LSN:       clrLSN,
					TxnID:     id,
					PrevLSN:   rec.PrevLSN,
					Kind:      wal.KindCLR,
					PageID:    wal.NoPageID,
					UndoneLSN: rec.LSN,
				}
				if err := c.log.Append(clr, false); err != nil {
					return losers, undoApplied, err
				}
				lastSeenLSN = clrLSN
				undoApplied++
			}
			cursor = rec.PrevLSN
		}

		abortLSN := c.log.NextLSN()
		abortRec := &wal.Record{LSN: abortLSN, TxnID: id, PrevLSN: lastSeenLSN, Kind: wal.KindAbort, PageID: wal.NoPageID}
		if err := c.log.Append(abortRec, true); err != nil {
			return losers, undoApplied, err
		}
	}

	return losers, undoApplied, nil
}

// decodeVersion mirrors pkg/txn's record value encoding: a presence byte
// followed by the raw value. Duplicated rather than imported to keep
// pkg/recovery from depending on pkg/txn for a single helper.
func decodeVersion(b []byte) (value []byte, present bool) {
	if len(b) == 0 {
		return nil, false
	}
	return b[1:], b[0] == 1
}
