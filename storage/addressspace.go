package storage

import (
	"fmt"
	"math/bits"
)

// AddressSpace converts logical byte offsets into the concatenated page
// space into (page, offset) pairs and exposes range reads as a lazy,
// finite sequence of MemoryChunk views, per spec §4.2.
type AddressSpace struct {
	pageSize  int
	pageShift uint
	pageMask  uint64
	pages     PageManager
}

// NewAddressSpace builds an AddressSpace over pages of the given size.
// pageSize must be a power of two (NewPageManager and Open size pages
// with NewPageSize, which returns one).
func NewAddressSpace(pages PageManager, pageSize int) (*AddressSpace, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("storage: page size %d is not a power of two", pageSize)
	}
	shift := uint(bits.TrailingZeros(uint(pageSize)))
	return &AddressSpace{
		pageSize:  pageSize,
		pageShift: shift,
		pageMask:  uint64(pageSize - 1),
		pages:     pages,
	}, nil
}

// PageSize returns the configured page size in bytes.
func (a *AddressSpace) PageSize() int { return a.pageSize }

// Split decomposes a logical address into its page index and in-page
// offset: page = address >> log2(pageSize); offset = address & (pageSize-1).
func (a *AddressSpace) Split(address uint64) (page uint32, offset int) {
	return uint32(address >> a.pageShift), int(address & a.pageMask)
}

// Join reassembles a logical address from a page index and in-page offset.
func (a *AddressSpace) Join(page uint32, offset int) uint64 {
	return uint64(page)<<a.pageShift | uint64(offset)
}

// MemoryChunk is one step of a range read: a view into a single page
// covering [Offset, Offset+len(Data)).
type MemoryChunk struct {
	Page   uint32
	Offset int
	Data   []byte
}

// ChunkIterator produces the sequence of MemoryChunks covering
// [start, start+length). It is non-restartable: callers must consume it
// in one pass, as spec §4.2 requires.
type ChunkIterator struct {
	as        *AddressSpace
	address   uint64
	remaining int
	err       error
}

// Range returns a non-restartable iterator over [start, start+length).
func (a *AddressSpace) Range(start uint64, length int) *ChunkIterator {
	return &ChunkIterator{as: a, address: start, remaining: length}
}

// Err returns the first error encountered during iteration, if any.
func (it *ChunkIterator) Err() error { return it.err }

// Next advances the iterator and returns the next chunk, or (nil, false)
// once the range is exhausted or an error occurred (check Err).
func (it *ChunkIterator) Next() (*MemoryChunk, bool) {
	if it.err != nil || it.remaining <= 0 {
		return nil, false
	}
	pageIdx, offset := it.as.Split(it.address)
	step := it.as.pageSize - offset
	if step > it.remaining {
		step = it.remaining
	}

	handle, err := it.as.pages.TryGet(pageIdx)
	if err != nil {
		it.err = err
		return nil, false
	}
	if handle == nil {
		it.err = fmt.Errorf("storage: %w: page %d not resident", ErrOutOfRange, pageIdx)
		return nil, false
	}

	chunk := &MemoryChunk{Page: pageIdx, Offset: offset, Data: handle.Bytes()[offset : offset+step]}
	it.address += uint64(step)
	it.remaining -= step
	return chunk, true
}

// ReadAll materializes the full range as a single contiguous byte slice.
// Provided for decoders that need random access rather than streaming.
func (a *AddressSpace) ReadAll(start uint64, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	it := a.Range(start, length)
	for {
		chunk, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, chunk.Data...)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return out, nil
}

// WriteAll writes data into the address space starting at start,
// allocating pages via the manager as needed. Only the tail page of the
// current append may legally be mutated this way (enforced by the
// caller holding the write lock), per spec §5.
func (a *AddressSpace) WriteAll(start uint64, data []byte) error {
	offset := start
	remaining := data
	for len(remaining) > 0 {
		pageIdx, pageOffset := a.Split(offset)
		handle, err := a.pages.GetOrAdd(pageIdx)
		if err != nil {
			return err
		}
		n := copy(handle.Bytes()[pageOffset:], remaining)
		remaining = remaining[n:]
		offset += uint64(n)
	}
	return nil
}
