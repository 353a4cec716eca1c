package txn

import (
	"bytes"
	"sort"
	"sync"
)

// version is one in-memory entry in a key's MVCC chain. It mirrors the
// shape of a written-but-not-yet-persisted value: the txn that produced it,
// whether that txn has since committed, and the commit's LSN.
type version struct {
	txnID     int32
	value     []byte
	present   bool // false == tombstone (deleted)
	lsn       int64
	committed bool
	commitLSN int64
}

// versionStore holds one append-only chain per key, newest entry last.
// Entries are purely in-memory: once a transaction commits, its winning
// value is persisted into the B+ tree and the chain exists only so that
// transactions whose snapshot predates the commit keep seeing the old
// value until they finish (spec.md §4.5).
type versionStore struct {
	mu     sync.Mutex
	chains map[string][]*version
}

func newVersionStore() *versionStore {
	return &versionStore{chains: make(map[string][]*version)}
}

// write appends a new version for key written by txnID, replacing any
// earlier uncommitted entry by the same txn (a transaction overwriting its
// own prior write needn't keep both).
func (s *versionStore) write(key []byte, txnID int32, value []byte, present bool, lsn int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	chain := s.chains[k]
	for i, v := range chain {
		if v.txnID == txnID && !v.committed {
			chain[i] = &version{txnID: txnID, value: value, present: present, lsn: lsn}
			return
		}
	}
	s.chains[k] = append(chain, &version{txnID: txnID, value: value, present: present, lsn: lsn})
}

// visible scans key's chain newest-to-oldest for the version txn T should
// see: T's own writes, or the newest version committed strictly before
// T.startLSN (spec.md §4.5's snapshot-isolation read rule). If the chain
// holds only commits at or after T.startLSN, the persisted tree already
// carries one of them, so the key reports as absent (found=true,
// present=false); the value the tree held before the chain's first commit
// is not kept. found=false means the tree's current value is T's answer.
func (s *versionStore) visible(key []byte, txnID int32, startLSN int64) (value []byte, present bool, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[string(key)]
	committedLater := false
	for i := len(chain) - 1; i >= 0; i-- {
		v := chain[i]
		if v.txnID == txnID {
			return v.value, v.present, true
		}
		if v.committed {
			if v.commitLSN < startLSN {
				return v.value, v.present, true
			}
			committedLater = true
		}
	}
	if committedLater {
		return nil, false, true
	}
	return nil, false, false
}

// commit marks every uncommitted entry written by txnID as committed at
// commitLSN. No entries are dropped: each chain keeps every committed
// version plus any still-Running txn's writes, so chains grow with every
// commit.
func (s *versionStore) commit(txnID int32, commitLSN int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, chain := range s.chains {
		kept := chain[:0]
		for _, v := range chain {
			if v.txnID == txnID && !v.committed {
				v.committed = true
				v.commitLSN = commitLSN
			}
			kept = append(kept, v)
		}
		s.chains[k] = kept
	}
}

// abort discards every entry written by txnID, committed or not — aborted
// writes never become visible to anyone.
func (s *versionStore) abort(txnID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, chain := range s.chains {
		kept := chain[:0]
		for _, v := range chain {
			if v.txnID != txnID {
				kept = append(kept, v)
			}
		}
		s.chains[k] = kept
	}
}

// pendingWrites returns every version still attributed to txnID, in the
// order they were written, for Commit to persist into the B+ tree.
func (s *versionStore) pendingWrites(txnID int32) []pendingWrite {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pendingWrite
	for k, chain := range s.chains {
		for _, v := range chain {
			if v.txnID == txnID {
				out = append(out, pendingWrite{key: []byte(k), value: v.value, present: v.present, lsn: v.lsn})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].lsn < out[j].lsn })
	return out
}

// keysInRange returns every key with lo <= key < hi that carries at least
// one chain entry, from any transaction, committed or running. RangeScan
// unions this against the persisted tree's own range so a key that a
// commit has written but Commit hasn't yet (or ever will, for a reader
// whose snapshot predates it) persisted into the tree is still considered.
func (s *versionStore) keysInRange(lo, hi []byte) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]byte
	for k := range s.chains {
		key := []byte(k)
		if bytes.Compare(key, lo) >= 0 && bytes.Compare(key, hi) < 0 {
			out = append(out, key)
		}
	}
	return out
}

type pendingWrite struct {
	key     []byte
	value   []byte
	present bool
	lsn     int64
}
