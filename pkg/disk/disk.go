// Package disk implements the paged disk manager: fixed-size page I/O,
// allocation and fsync semantics over a single database file (spec.md §4.1).
package disk

import (
	"os"
	"sync"

	"github.com/nainya/treekv/internal/logger"
	"github.com/nainya/treekv/internal/metrics"
	"github.com/nainya/treekv/pkg/errs"
	"github.com/nainya/treekv/pkg/page"
)

const component = "disk"

// Manager owns the single underlying database file. Individual page reads
// and writes are serialized with mu, per spec.md §5.
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	numPages int64
	unsafe   bool // set after a fatal I/O error; the manager must be reopened

	log *logger.Logger
	met *metrics.Metrics
}

// Options configures a Manager.
type Options struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Open opens or creates path. A brand-new file is initialized with a single
// HeaderPage at offset 0, per spec.md §4.1.
func Open(path string, opts Options) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.Io, component, "open database file", err)
	}

	m := &Manager{
		file: f,
		path: path,
		log:  opts.Logger,
		met:  opts.Metrics,
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.Io, component, "stat database file", err)
	}

	if fi.Size() == 0 {
		hp := page.NewHeaderPage()
		if _, err := f.WriteAt(hp.Bytes(), 0); err != nil {
			f.Close()
			return nil, errs.Wrap(errs.Io, component, "write initial header page", err)
		}
		m.numPages = 1
	} else {
		if fi.Size()%page.Size != 0 {
			f.Close()
			return nil, errs.New(errs.Corrupted, component, "database file size is not a multiple of the page size")
		}
		m.numPages = fi.Size() / page.Size
	}

	m.logEvent("open", m.numPages)
	return m, nil
}

func (m *Manager) logEvent(event string, numPages int64) {
	if m.log != nil {
		m.log.Debug("disk manager event").Str("event", event).Str("path", m.path).Int64("num_pages", numPages).Send()
	}
}

// NumPages returns the current number of pages in the file.
func (m *Manager) NumPages() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numPages
}

// ReadPage returns the 4096-byte image at offset id*4096.
func (m *Manager) ReadPage(id int32) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unsafe {
		return nil, errs.New(errs.Fatal, component, "manager is unsafe to use after a prior fatal I/O error")
	}
	if id < 0 || int64(id) >= m.numPages {
		return nil, errs.New(errs.InvalidArgument, component, "page id out of range").WithPageID(id)
	}

	buf := make([]byte, page.Size)
	n, err := m.file.ReadAt(buf, int64(id)*page.Size)
	if err != nil {
		m.unsafe = true
		return nil, errs.Wrap(errs.Io, component, "read page", err).WithPageID(id)
	}
	if n != page.Size {
		m.unsafe = true
		return nil, errs.New(errs.Io, component, "short read").WithPageID(id)
	}

	p := page.New()
	if err := p.LoadBytes(buf); err != nil {
		return nil, err
	}
	if m.met != nil {
		m.met.DiskPageReadsTotal.Inc()
	}
	return p, nil
}

// WritePage writes p's image at offset id*4096, extending the file if needed.
func (m *Manager) WritePage(id int32, p *page.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unsafe {
		return errs.New(errs.Fatal, component, "manager is unsafe to use after a prior fatal I/O error")
	}
	if id < 0 {
		return errs.New(errs.InvalidArgument, component, "negative page id").WithPageID(id)
	}

	n, err := m.file.WriteAt(p.Bytes(), int64(id)*page.Size)
	if err != nil {
		m.unsafe = true
		return errs.Wrap(errs.Io, component, "write page", err).WithPageID(id)
	}
	if n != page.Size {
		m.unsafe = true
		return errs.New(errs.Io, component, "short write").WithPageID(id)
	}

	if int64(id) >= m.numPages {
		m.numPages = int64(id) + 1
	}
	if m.met != nil {
		m.met.DiskPageWritesTotal.Inc()
	}
	return nil
}

// Allocate returns the next unused page id and post-increments the counter.
// It does not itself write a page image; the caller is expected to
// WritePage the new page, which will extend the file.
func (m *Manager) Allocate() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int32(m.numPages)
	m.numPages++
	return id
}

// Flush forces the file's data and metadata to stable storage.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unsafe {
		return errs.New(errs.Fatal, component, "manager is unsafe to use after a prior fatal I/O error")
	}
	if err := m.file.Sync(); err != nil {
		m.unsafe = true
		return errs.Wrap(errs.Io, component, "fsync database file", err)
	}
	if m.met != nil {
		m.met.DiskFlushesTotal.Inc()
	}
	return nil
}

// Close flushes then releases the file handle.
func (m *Manager) Close() error {
	if err := m.Flush(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Close(); err != nil {
		return errs.Wrap(errs.Io, component, "close database file", err)
	}
	m.logEvent("close", m.numPages)
	return nil
}
