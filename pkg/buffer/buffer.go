// Package buffer implements the LRU page cache with pin counts, dirty
// tracking, eviction and write-back (spec.md §4.2).
package buffer

import (
	"sync"
	"time"

	"github.com/nainya/treekv/internal/logger"
	"github.com/nainya/treekv/internal/metrics"
	"github.com/nainya/treekv/pkg/disk"
	"github.com/nainya/treekv/pkg/errs"
	"github.com/nainya/treekv/pkg/page"
)

const component = "buffer"

// FlushedLSNSource reports the highest LSN guaranteed durable, so the pool
// can enforce the WAL-before-page write-back invariant (spec.md §4.2, §5).
type FlushedLSNSource interface {
	FlushedLSN() int64
	Flush() error
}

type frame struct {
	page           *page.Page
	pageID         int32
	dirty          bool
	pinCount       int
	lastAccessNano int64
	valid          bool
}

// Pool is a fixed-capacity set of frames caching page images from a disk.Manager.
type Pool struct {
	mu     sync.Mutex
	disk   *disk.Manager
	wal    FlushedLSNSource
	frames []frame
	index  map[int32]int // pageId -> frame slot

	log *logger.Logger
	met *metrics.Metrics
}

// Options configures a Pool.
type Options struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// New creates a buffer pool of capacity frames over d, consulting wal for
// the flushed-LSN write-back invariant.
func New(d *disk.Manager, wal FlushedLSNSource, capacity int, opts Options) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		disk:   d,
		wal:    wal,
		frames: make([]frame, capacity),
		index:  make(map[int32]int, capacity),
		log:    opts.Logger,
		met:    opts.Metrics,
	}
}

// Handle is a pinned frame returned by Fetch. Callers must Unpin it exactly
// once on every exit path.
type Handle struct {
	pool   *Pool
	slot   int
	pageID int32
}

// Page returns the pinned page image. A caller that mutates it must set its
// pageLSN and release it with Unpin(true) so the frame is marked dirty.
func (h *Handle) Page() *page.Page {
	return h.pool.frames[h.slot].page
}

// Unpin releases the pin, ORing dirtied into the frame's dirty flag.
func (h *Handle) Unpin(dirtied bool) {
	h.pool.unpin(h.pageID, dirtied)
}

// Fetch returns a pinned handle on pageId's image, loading it from disk on
// a cache miss.
func (p *Pool) Fetch(pageID int32) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot, ok := p.index[pageID]; ok {
		f := &p.frames[slot]
		f.pinCount++
		f.lastAccessNano = time.Now().UnixNano()
		if p.met != nil {
			p.met.BufferHitsTotal.Inc()
			p.met.BufferPinnedFrames.Set(float64(p.pinnedCountLocked()))
		}
		return &Handle{pool: p, slot: slot, pageID: pageID}, nil
	}

	if p.met != nil {
		p.met.BufferMissesTotal.Inc()
	}

	slot, err := p.acquireFrameLocked()
	if err != nil {
		return nil, err
	}

	pg, err := p.disk.ReadPage(pageID)
	if err != nil {
		return nil, err
	}

	p.frames[slot] = frame{
		page:           pg,
		pageID:         pageID,
		dirty:          false,
		pinCount:       1,
		lastAccessNano: time.Now().UnixNano(),
		valid:          true,
	}
	p.index[pageID] = slot

	if p.met != nil {
		p.met.BufferPinnedFrames.Set(float64(p.pinnedCountLocked()))
	}
	return &Handle{pool: p, slot: slot, pageID: pageID}, nil
}

// NewPage allocates a fresh page on disk, pins it in a frame, and returns
// the handle. The caller is responsible for setting kind/pageLSN/payload
// before unpinning dirty.
func (p *Pool) NewPage() (*Handle, error) {
	id := p.disk.Allocate()
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, err := p.acquireFrameLocked()
	if err != nil {
		return nil, err
	}

	pg := page.New()
	pg.SetPageID(id)

	p.frames[slot] = frame{
		page:           pg,
		pageID:         id,
		dirty:          true,
		pinCount:       1,
		lastAccessNano: time.Now().UnixNano(),
		valid:          true,
	}
	p.index[id] = slot

	return &Handle{pool: p, slot: slot, pageID: id}, nil
}

func (p *Pool) unpin(pageID int32, dirtied bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.index[pageID]
	if !ok {
		return
	}
	f := &p.frames[slot]
	if f.pinCount > 0 {
		f.pinCount--
	}
	f.dirty = f.dirty || dirtied

	if p.met != nil {
		p.met.BufferPinnedFrames.Set(float64(p.pinnedCountLocked()))
	}
}

// acquireFrameLocked returns a free or evicted frame slot. Caller holds mu.
func (p *Pool) acquireFrameLocked() (int, error) {
	for i := range p.frames {
		if !p.frames[i].valid {
			return i, nil
		}
	}

	victim := -1
	var oldest int64
	for i := range p.frames {
		if p.frames[i].pinCount > 0 {
			continue
		}
		if victim == -1 || p.frames[i].lastAccessNano < oldest {
			victim = i
			oldest = p.frames[i].lastAccessNano
		}
	}
	if victim == -1 {
		return 0, errs.New(errs.Fatal, component, "all frames are pinned; no eviction target available")
	}

	if err := p.evictLocked(victim); err != nil {
		return 0, err
	}
	return victim, nil
}

// evictLocked writes back a dirty victim (forcing the WAL first if needed)
// and removes it from the index. Caller holds mu.
func (p *Pool) evictLocked(slot int) error {
	f := &p.frames[slot]
	if f.dirty {
		if p.wal != nil && f.page.PageLSN() > p.wal.FlushedLSN() {
			if err := p.wal.Flush(); err != nil {
				return err
			}
		}
		if err := p.disk.WritePage(f.pageID, f.page); err != nil {
			return err
		}
	}
	if p.log != nil {
		p.log.LogBufferEviction(f.pageID, f.dirty)
	}
	if p.met != nil {
		p.met.BufferEvictionsTotal.Inc()
	}
	delete(p.index, f.pageID)
	*f = frame{}
	return nil
}

func (p *Pool) pinnedCountLocked() int {
	n := 0
	for i := range p.frames {
		if p.frames[i].valid && p.frames[i].pinCount > 0 {
			n++
		}
	}
	return n
}

// FlushAll writes every dirty frame through the disk manager and clears its
// dirty flag.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.frames {
		f := &p.frames[i]
		if !f.valid || !f.dirty {
			continue
		}
		if p.wal != nil && f.page.PageLSN() > p.wal.FlushedLSN() {
			if err := p.wal.Flush(); err != nil {
				return err
			}
		}
		if err := p.disk.WritePage(f.pageID, f.page); err != nil {
			return err
		}
		f.dirty = false
	}
	return nil
}
