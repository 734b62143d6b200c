package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// MemoryManagement selects how a PageManager backs its pages, per spec §4.1.
type MemoryManagement int

const (
	// SharedMemory backs pages with a memory-mapped file, shared with the
	// OS page cache. Durable; the kernel may flush dirty pages on its own.
	SharedMemory MemoryManagement = iota
	// PrivateMemory backs pages with private anonymous buffers behind a
	// bounded page cache, explicitly flushed to disk on demand.
	PrivateMemory
)

// PageHandle is a live reference to one resident page. Bytes is valid only
// until the next call that might evict or remap the page; callers must copy
// out anything they need to keep.
type PageHandle interface {
	Index() uint32
	Bytes() []byte
}

// PageManager owns the on-disk page files backing an AddressSpace: it grows
// the space on demand, hands out resident PageHandles, and flushes or drops
// ranges of pages, per spec §4.1.
type PageManager interface {
	// GetOrAdd returns the page at index, allocating (and zero-filling) it
	// if it does not yet exist. Only that page is created; pages between
	// the previous highest index and index are not.
	GetOrAdd(index uint32) (PageHandle, error)
	// TryGet returns the page at index, or (nil, nil) if index is beyond
	// the currently allocated range.
	TryGet(index uint32) (PageHandle, error)
	// DeletePagesBelow reclaims every page with index < upperExclusive,
	// returning the count actually reclaimed. Used by compaction (spec §6).
	DeletePagesBelow(upperExclusive uint32) (int, error)
	// Flush forces pages in [startPage:startOffset, endPage:endOffset)
	// durable.
	Flush(startPage uint32, startOffset int, endPage uint32, endOffset int) error
	// TotalPages reports the current size of the managed space in pages.
	TotalPages() uint32
	// Truncate shrinks the managed space to exactly totalPages, discarding
	// any pages at or above that bound. Used when dropping an uncommitted
	// suffix without reusing its address space.
	Truncate(totalPages uint32) error
	// Close releases all resources. Further use of handles obtained
	// before Close is undefined.
	Close() error
}

// NewPageManager opens (creating if necessary) the page store rooted at
// root, using the given page size and memory management mode.
func NewPageManager(root string, pageSize int, mode MemoryManagement) (PageManager, error) {
	pageSize = NewPageSize(pageSize)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating page root %q: %w", root, err)
	}
	switch mode {
	case SharedMemory:
		return newMmapPageManager(root, pageSize)
	case PrivateMemory:
		return newAnonPageManager(root, pageSize)
	default:
		return nil, fmt.Errorf("storage: unknown memory management mode %d", mode)
	}
}

// pageFilePath names the on-disk file backing one page, per spec §3's
// "Persisted as a file named by its decimal index under the log directory."
func pageFilePath(root string, index uint32) string {
	return filepath.Join(root, strconv.FormatUint(uint64(index), 10))
}

// scanPageFiles recovers (total, minPage) from the page files present
// under root across a restart. Page files are named by their decimal
// index; total is one past the highest index present. DeletePagesBelow
// always reclaims a contiguous prefix, so the lowest surviving index
// (found by walking up from 0 until a file is present) recovers minPage.
func scanPageFiles(root string) (total uint32, minPage uint32, err error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	present := make(map[uint32]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		idx := uint32(n)
		present[idx] = true
		if idx+1 > total {
			total = idx + 1
		}
	}
	for minPage < total && !present[minPage] {
		minPage++
	}
	return total, minPage, nil
}

// --- shared-memory (mmap) variant -----------------------------------------

// mmapPage is one resident, individually memory-mapped page file.
type mmapPage struct {
	file *os.File
	data []byte
}

// mmapPageManager maps each page to its own file under root, per spec §3:
// "Identified by a non-negative 32-bit page index. Persisted as a file
// named by its decimal index under the log directory."
type mmapPageManager struct {
	mu       sync.Mutex
	root     string
	pageSize int
	pages    map[uint32]*mmapPage
	total    uint32 // one past the highest page index ever allocated
	minPage  uint32 // pages below this have been reclaimed by compaction
	closed   bool
}

func newMmapPageManager(root string, pageSize int) (*mmapPageManager, error) {
	total, minPage, err := scanPageFiles(root)
	if err != nil {
		return nil, fmt.Errorf("storage: scanning page root %q: %w", root, err)
	}
	return &mmapPageManager{
		root:     root,
		pageSize: pageSize,
		pages:    make(map[uint32]*mmapPage),
		total:    total,
		minPage:  minPage,
	}, nil
}

// openPage opens and maps the file for index, creating it (zero-filled to
// pageSize) if create is true. Returns (nil, nil) if the file does not
// exist and create is false. Called with mu held.
func (m *mmapPageManager) openPage(index uint32, create bool) (*mmapPage, error) {
	path := pageFilePath(m.root, index)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if !create && os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioErrorf(path, 0, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErrorf(path, 0, err)
	}
	if info.Size() != int64(m.pageSize) {
		if err := f.Truncate(int64(m.pageSize)); err != nil {
			f.Close()
			return nil, ioErrorf(path, 0, err)
		}
	}
	data, err := mapPageFile(f, m.pageSize)
	if err != nil {
		f.Close()
		return nil, ioErrorf(path, 0, err)
	}
	return &mmapPage{file: f, data: data}, nil
}

func (m *mmapPageManager) closePage(pg *mmapPage) error {
	var err error
	if len(pg.data) > 0 {
		err = unmapPageFile(pg.data)
	}
	if cerr := pg.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (m *mmapPageManager) GetOrAdd(index uint32) (PageHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if index < m.minPage {
		return nil, fmt.Errorf("storage: page %d: %w (reclaimed by compaction)", index, ErrOutOfRange)
	}
	if pg, ok := m.pages[index]; ok {
		return NewPage(index, pg.data), nil
	}
	pg, err := m.openPage(index, true)
	if err != nil {
		return nil, err
	}
	m.pages[index] = pg
	if index+1 > m.total {
		m.total = index + 1
	}
	return NewPage(index, pg.data), nil
}

func (m *mmapPageManager) TryGet(index uint32) (PageHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if index < m.minPage || index >= m.total {
		return nil, nil
	}
	if pg, ok := m.pages[index]; ok {
		return NewPage(index, pg.data), nil
	}
	pg, err := m.openPage(index, false)
	if err != nil {
		return nil, err
	}
	if pg == nil {
		return nil, nil
	}
	m.pages[index] = pg
	return NewPage(index, pg.data), nil
}

func (m *mmapPageManager) DeletePagesBelow(upperExclusive uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if upperExclusive > m.total {
		upperExclusive = m.total
	}
	n := 0
	for idx := m.minPage; idx < upperExclusive; idx++ {
		if pg, ok := m.pages[idx]; ok {
			if err := m.closePage(pg); err != nil {
				return n, err
			}
			delete(m.pages, idx)
		}
		path := pageFilePath(m.root, idx)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return n, ioErrorf(path, 0, err)
		}
		n++
	}
	if upperExclusive > m.minPage {
		m.minPage = upperExclusive
	}
	return n, nil
}

func (m *mmapPageManager) Flush(startPage uint32, startOffset int, endPage uint32, endOffset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for idx := startPage; idx <= endPage; idx++ {
		pg, ok := m.pages[idx]
		if !ok {
			continue
		}
		lo, hi := 0, m.pageSize
		if idx == startPage {
			lo = startOffset
		}
		if idx == endPage {
			hi = endOffset
		}
		if lo >= hi {
			continue
		}
		if err := syncPageFile(pg.file, pg.data, lo, hi-lo); err != nil {
			return ioErrorf(pg.file.Name(), int64(lo), err)
		}
	}
	return nil
}

func (m *mmapPageManager) TotalPages() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *mmapPageManager) Truncate(totalPages uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if totalPages >= m.total {
		return nil
	}
	for idx := totalPages; idx < m.total; idx++ {
		if pg, ok := m.pages[idx]; ok {
			if err := m.closePage(pg); err != nil {
				return err
			}
			delete(m.pages, idx)
		}
		path := pageFilePath(m.root, idx)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return ioErrorf(path, 0, err)
		}
	}
	m.total = totalPages
	if m.minPage > m.total {
		m.minPage = m.total
	}
	return nil
}

func (m *mmapPageManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var first error
	for idx, pg := range m.pages {
		if err := m.closePage(pg); err != nil && first == nil {
			first = err
		}
		delete(m.pages, idx)
	}
	return first
}

// --- private-memory (anonymous) variant -----------------------------------

// pageFileOpener opens (or creates) the StorageFile backing one page file.
// Returns (nil, nil) if the file does not exist and create is false.
// Abstracted so tests can inject an in-memory StorageFile (MemFile)
// instead of a real os.File.
type pageFileOpener func(index uint32, create bool) (StorageFile, error)

func osPageFileOpener(root string) pageFileOpener {
	return func(index uint32, create bool) (StorageFile, error) {
		path := pageFilePath(root, index)
		flags := os.O_RDWR
		if create {
			flags |= os.O_CREATE
		}
		f, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			if !create && os.IsNotExist(err) {
				return nil, nil
			}
			return nil, ioErrorf(path, 0, err)
		}
		return f, nil
	}
}

// anonPageManager backs each page with a private anonymous buffer drawn
// from a bounded pageCache, spilling the authoritative copy to that page's
// own backing file on eviction/flush and reading it back on a cache miss,
// per spec §4.1's private-memory variant. The backing store is reached
// only through the StorageFile interface, so it can be swapped for an
// in-memory MemFile in tests.
type anonPageManager struct {
	mu       sync.Mutex
	root     string
	pageSize int
	open     pageFileOpener
	total    uint32
	minPage  uint32
	cache    *pageCache
	buffers  map[uint32][]byte      // pageIdx -> anon buffer, only while cached
	files    map[uint32]StorageFile // pageIdx -> open backing file, only while cached
	closed   bool
}

func newAnonPageManager(root string, pageSize int) (*anonPageManager, error) {
	return newAnonPageManagerWithOpener(root, pageSize, osPageFileOpener(root))
}

// newAnonPageManagerWithOpener is the injectable constructor used by tests
// to exercise the anonymous variant against an in-memory StorageFile.
func newAnonPageManagerWithOpener(root string, pageSize int, open pageFileOpener) (*anonPageManager, error) {
	total, minPage, err := scanPageFiles(root)
	if err != nil {
		return nil, fmt.Errorf("storage: scanning page root %q: %w", root, err)
	}
	return &anonPageManager{
		root:     root,
		pageSize: pageSize,
		open:     open,
		total:    total,
		minPage:  minPage,
		cache:    newPageCache(),
		buffers:  make(map[uint32][]byte),
		files:    make(map[uint32]StorageFile),
	}, nil
}

// resident returns the cached buffer for index, loading (and evicting as
// necessary) or creating its backing file as needed. Called with mu held.
// If create is false and the backing file does not exist, returns
// (nil, nil).
func (m *anonPageManager) resident(index uint32, create bool) ([]byte, error) {
	if buf, ok := m.buffers[index]; ok {
		m.cache.touch(index)
		return buf, nil
	}

	evicted, had := m.cache.touch(index)
	if had {
		if err := m.evict(evicted); err != nil {
			return nil, err
		}
	}

	file, err := m.open(index, create)
	if err != nil {
		m.cache.drop(index)
		return nil, err
	}
	if file == nil {
		m.cache.drop(index)
		return nil, nil
	}

	buf, err := allocAnonPage(m.pageSize)
	if err != nil {
		file.Close()
		m.cache.drop(index)
		return nil, err
	}
	adviseHugePage(buf, m.pageSize)
	if _, err := file.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		file.Close()
		freeAnonPage(buf)
		m.cache.drop(index)
		return nil, err
	}

	m.buffers[index] = buf
	m.files[index] = file
	return buf, nil
}

// evict spills and fsyncs, then releases the cached buffer/file for
// index. Called with mu held.
func (m *anonPageManager) evict(index uint32) error {
	if err := m.spill(index); err != nil {
		return err
	}
	if f, ok := m.files[index]; ok {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	if buf, ok := m.buffers[index]; ok {
		freeAnonPage(buf)
		delete(m.buffers, index)
	}
	if f, ok := m.files[index]; ok {
		f.Close()
		delete(m.files, index)
	}
	return nil
}

// spill writes a cached page's buffer back to its backing file. Called
// with mu held.
func (m *anonPageManager) spill(index uint32) error {
	buf, ok := m.buffers[index]
	if !ok {
		return nil
	}
	file, ok := m.files[index]
	if !ok {
		return nil
	}
	if _, err := file.WriteAt(buf, 0); err != nil {
		return err
	}
	return nil
}

func (m *anonPageManager) GetOrAdd(index uint32) (PageHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if index < m.minPage {
		return nil, fmt.Errorf("storage: page %d: %w (reclaimed by compaction)", index, ErrOutOfRange)
	}
	if index+1 > m.total {
		m.total = index + 1
	}
	buf, err := m.resident(index, true)
	if err != nil {
		return nil, err
	}
	return NewPage(index, buf), nil
}

func (m *anonPageManager) TryGet(index uint32) (PageHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if index < m.minPage || index >= m.total {
		return nil, nil
	}
	buf, err := m.resident(index, false)
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, nil
	}
	return NewPage(index, buf), nil
}

func (m *anonPageManager) DeletePagesBelow(upperExclusive uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if upperExclusive > m.total {
		upperExclusive = m.total
	}
	n := 0
	for idx := m.minPage; idx < upperExclusive; idx++ {
		if _, ok := m.buffers[idx]; ok {
			freeAnonPage(m.buffers[idx])
			delete(m.buffers, idx)
			if f, ok := m.files[idx]; ok {
				f.Close()
				delete(m.files, idx)
			}
			m.cache.drop(idx)
		}
		if m.root != "" {
			path := pageFilePath(m.root, idx)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return n, ioErrorf(path, 0, err)
			}
		}
		n++
	}
	if upperExclusive > m.minPage {
		m.minPage = upperExclusive
	}
	return n, nil
}

func (m *anonPageManager) Flush(startPage uint32, startOffset int, endPage uint32, endOffset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for idx := startPage; idx <= endPage; idx++ {
		if _, ok := m.buffers[idx]; !ok {
			continue
		}
		if err := m.spill(idx); err != nil {
			return err
		}
		if err := m.files[idx].Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (m *anonPageManager) TotalPages() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *anonPageManager) Truncate(totalPages uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if totalPages >= m.total {
		return nil
	}
	for idx := totalPages; idx < m.total; idx++ {
		if _, ok := m.buffers[idx]; ok {
			freeAnonPage(m.buffers[idx])
			delete(m.buffers, idx)
			if f, ok := m.files[idx]; ok {
				f.Close()
				delete(m.files, idx)
			}
			m.cache.drop(idx)
		}
		if m.root != "" {
			path := pageFilePath(m.root, idx)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return ioErrorf(path, 0, err)
			}
		}
	}
	m.total = totalPages
	if m.minPage > m.total {
		m.minPage = m.total
	}
	return nil
}

func (m *anonPageManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var first error
	for idx := range m.buffers {
		if err := m.spill(idx); err != nil && first == nil {
			first = err
		}
		freeAnonPage(m.buffers[idx])
		if f, ok := m.files[idx]; ok {
			f.Close()
		}
	}
	m.buffers = nil
	m.files = nil
	m.cache.clear()
	return first
}
