package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

const (
	entryIndexMagic   = uint32(0x45_49_44_58) // "EIDX"
	entryIndexVersion = uint32(1)
	entryIndexHeader  = 8 // magic + version, both uint32 LE
	recordSize        = 32
)

// IndexRecord is the fixed-width record backing one entry: its address in
// the page address space, its length, the term it carries, its append
// timestamp, and a small flags word (spec §3/§6).
type IndexRecord struct {
	Address   uint64
	Length    uint32
	Term      uint64
	Timestamp int64
	Flags     uint32
}

// EntryIndex is a dense, fixed-width array of IndexRecord stored in a
// single append-only-by-construction file: record i lives at
// entryIndexHeader + (i-1)*recordSize, i 1-based. Grounded on the
// teacher's WAL record framing (magic header, encoding/binary.LittleEndian
// fields) generalized from a variable-length CRC-checked log into a
// fixed-width, randomly addressable array.
type EntryIndex struct {
	mu         sync.RWMutex
	file       *os.File
	path       string
	lastEntry  uint64
	firstEntry uint64 // logical prefix bound; records below this are gone
}

// OpenEntryIndex opens or creates the index file at path.
func OpenEntryIndex(path string) (*EntryIndex, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, ioErrorf(path, 0, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErrorf(path, 0, err)
	}

	ei := &EntryIndex{file: f, path: path, firstEntry: 1}
	if info.Size() == 0 {
		if err := ei.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return ei, nil
	}
	if err := ei.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if (info.Size()-entryIndexHeader)%recordSize != 0 {
		f.Close()
		return nil, &IntegrityError{What: "entry index length", Err: fmt.Errorf("size %d not header+N*%d", info.Size(), recordSize)}
	}
	ei.lastEntry = uint64((info.Size() - entryIndexHeader) / recordSize)
	return ei, nil
}

func (ei *EntryIndex) writeHeader() error {
	var buf [entryIndexHeader]byte
	binary.LittleEndian.PutUint32(buf[0:4], entryIndexMagic)
	binary.LittleEndian.PutUint32(buf[4:8], entryIndexVersion)
	if _, err := ei.file.WriteAt(buf[:], 0); err != nil {
		return ioErrorf(ei.path, 0, err)
	}
	return nil
}

func (ei *EntryIndex) readHeader() error {
	var buf [entryIndexHeader]byte
	if _, err := ei.file.ReadAt(buf[:], 0); err != nil {
		return ioErrorf(ei.path, 0, err)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	version := binary.LittleEndian.Uint32(buf[4:8])
	if magic != entryIndexMagic {
		return &IntegrityError{What: "entry index header", Err: fmt.Errorf("bad magic %x", magic)}
	}
	if version != entryIndexVersion {
		return &IntegrityError{What: "entry index header", Err: fmt.Errorf("unsupported version %d", version)}
	}
	return nil
}

func recordOffset(index uint64) int64 {
	return entryIndexHeader + int64(index-1)*recordSize
}

func encodeRecord(r IndexRecord) []byte {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], r.Address)
	binary.LittleEndian.PutUint32(buf[8:12], r.Length)
	binary.LittleEndian.PutUint64(buf[12:20], r.Term)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(r.Timestamp))
	binary.LittleEndian.PutUint32(buf[28:32], r.Flags)
	return buf[:]
}

func decodeRecord(buf []byte) IndexRecord {
	return IndexRecord{
		Address:   binary.LittleEndian.Uint64(buf[0:8]),
		Length:    binary.LittleEndian.Uint32(buf[8:12]),
		Term:      binary.LittleEndian.Uint64(buf[12:20]),
		Timestamp: int64(binary.LittleEndian.Uint64(buf[20:28])),
		Flags:     binary.LittleEndian.Uint32(buf[28:32]),
	}
}

// Append assigns the next sequential index to record and persists it,
// returning that index.
func (ei *EntryIndex) Append(record IndexRecord) (uint64, error) {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	index := ei.lastEntry + 1
	off := recordOffset(index)
	if _, err := ei.file.WriteAt(encodeRecord(record), off); err != nil {
		return 0, ioErrorf(ei.path, off, err)
	}
	ei.lastEntry = index
	return index, nil
}

// Lookup returns the record at index, or (zero, false) if index falls
// outside [firstEntry, lastEntry].
func (ei *EntryIndex) Lookup(index uint64) (IndexRecord, bool, error) {
	ei.mu.RLock()
	defer ei.mu.RUnlock()
	if index == 0 || index < ei.firstEntry || index > ei.lastEntry {
		return IndexRecord{}, false, nil
	}
	var buf [recordSize]byte
	off := recordOffset(index)
	if _, err := ei.file.ReadAt(buf[:], off); err != nil {
		return IndexRecord{}, false, ioErrorf(ei.path, off, err)
	}
	return decodeRecord(buf[:]), true, nil
}

// LastEntry returns the highest currently indexed entry.
func (ei *EntryIndex) LastEntry() uint64 {
	ei.mu.RLock()
	defer ei.mu.RUnlock()
	return ei.lastEntry
}

// FirstEntry returns the lowest currently indexed entry (the prefix
// bound left by the last truncate_prefix).
func (ei *EntryIndex) FirstEntry() uint64 {
	ei.mu.RLock()
	defer ei.mu.RUnlock()
	return ei.firstEntry
}

// RecordIterator is a lazy, finite, non-restartable sequence of records
// over [from, to], mirroring storage.ChunkIterator's shape.
type RecordIterator struct {
	ei   *EntryIndex
	next uint64
	to   uint64
	err  error
}

// Range returns a lazy iterator over records in [from, to].
func (ei *EntryIndex) Range(from, to uint64) *RecordIterator {
	return &RecordIterator{ei: ei, next: from, to: to}
}

// Err returns the first error encountered during iteration, if any.
func (it *RecordIterator) Err() error { return it.err }

// Next returns the next (index, record) pair, or (0, zero, false) once
// the range is exhausted or an error occurred (check Err).
func (it *RecordIterator) Next() (uint64, IndexRecord, bool) {
	if it.err != nil || it.next > it.to {
		return 0, IndexRecord{}, false
	}
	idx := it.next
	rec, ok, err := it.ei.Lookup(idx)
	if err != nil {
		it.err = err
		return 0, IndexRecord{}, false
	}
	if !ok {
		it.err = fmt.Errorf("wal: %w: index %d", ErrOutOfRange, idx)
		return 0, IndexRecord{}, false
	}
	it.next++
	return idx, rec, true
}

// TruncateSuffix drops records at and above fromIndexInclusive. Callers
// must ensure no index >= fromIndexInclusive is committed before calling
// this (spec §4.3/§4.4).
func (ei *EntryIndex) TruncateSuffix(fromIndexInclusive uint64) error {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	if fromIndexInclusive > ei.lastEntry+1 {
		return nil
	}
	newLast := fromIndexInclusive - 1
	if newLast < ei.firstEntry-1 {
		newLast = ei.firstEntry - 1
	}
	if err := ei.file.Truncate(recordOffset(newLast + 1)); err != nil {
		return ioErrorf(ei.path, 0, err)
	}
	ei.lastEntry = newLast
	return nil
}

// TruncatePrefix logically drops the applied prefix below
// belowIndexExclusive. The index file's dense addressing means this does
// not reclaim bytes; a full index compaction (out of scope here) would
// rewrite the file with a shifted base offset.
func (ei *EntryIndex) TruncatePrefix(belowIndexExclusive uint64) error {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	if belowIndexExclusive > ei.firstEntry {
		ei.firstEntry = belowIndexExclusive
	}
	return nil
}

// Close releases the underlying file.
func (ei *EntryIndex) Close() error {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	return ei.file.Close()
}

// Sync forces the index file durable.
func (ei *EntryIndex) Sync() error {
	ei.mu.RLock()
	defer ei.mu.RUnlock()
	return ei.file.Sync()
}
