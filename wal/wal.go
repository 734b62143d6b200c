package wal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Felmond13/raftwal/concurrency"
	"github.com/Felmond13/raftwal/storage"
)

// ReadResult is the outcome of a Read call: the entries in the
// requested range, plus the snapshot boundary in effect at the time of
// the read (spec §4.4's "first element may be a synthetic snapshot
// entry").
type ReadResult struct {
	Entries       []Entry
	SnapshotIndex uint64
	SnapshotTerm  uint64
}

// WriteAheadLog is the orchestrator: append, read, overwrite, commit,
// apply, flush, drop, over a PageManager + AddressSpace + EntryIndex +
// MetadataStore, coordinated by a LockManager. Grounded on the teacher's
// Pager orchestration (acquire OS lock, open-or-create, recover, serve;
// flush-then-truncate on clean close) and its WAL's fsync-is-durability
// framing, now applied to MetadataStore.Persist instead of a raw file
// sync.
type WriteAheadLog struct {
	root string
	opts Options

	rootLock *storage.RootLock
	pages    storage.PageManager
	addr     *storage.AddressSpace
	index    *EntryIndex
	meta     *MetadataStore
	locks    *concurrency.LockManager

	mu            sync.Mutex
	tailAddress   uint64
	lastEntry     uint64
	lastCommitted uint64
	lastApplied   uint64
	snapshotIndex uint64
	snapshotTerm  uint64
	contexts      map[uint64]any
	poisoned      bool
	poisonErr     error
	closed        bool
	applyCond     *sync.Cond

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Open opens (creating if necessary) the log rooted at root.
func Open(root string, opts Options) (*WriteAheadLog, error) {
	opts = opts.withDefaults()

	rootLock, err := storage.LockRoot(root)
	if err != nil {
		return nil, err
	}

	pageSize := storage.NewPageSize(opts.ChunkSize)
	pages, err := storage.NewPageManager(filepath.Join(root, "pages"), pageSize, opts.MemoryManagement)
	if err != nil {
		rootLock.Close()
		return nil, err
	}
	addr, err := storage.NewAddressSpace(pages, pageSize)
	if err != nil {
		pages.Close()
		rootLock.Close()
		return nil, err
	}
	index, err := OpenEntryIndex(filepath.Join(root, "index"))
	if err != nil {
		pages.Close()
		rootLock.Close()
		return nil, err
	}
	meta, err := OpenMetadataStore(filepath.Join(root, "metadata"))
	if err != nil {
		index.Close()
		pages.Close()
		rootLock.Close()
		return nil, err
	}

	w := &WriteAheadLog{
		root:     root,
		opts:     opts,
		rootLock: rootLock,
		pages:    pages,
		addr:     addr,
		index:    index,
		meta:     meta,
		locks:    concurrency.NewLockManager(),
		contexts: make(map[uint64]any),
	}
	w.applyCond = sync.NewCond(&w.mu)

	m := meta.Current()
	w.lastEntry = index.LastEntry()
	w.lastCommitted = m.LastCommittedIndex
	w.lastApplied = m.LastAppliedIndex

	if w.lastEntry > 0 {
		rec, ok, err := index.Lookup(w.lastEntry)
		if err != nil {
			w.Close()
			return nil, err
		}
		if ok {
			w.tailAddress = rec.Address + uint64(rec.Length)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.group, ctx = errgroup.WithContext(ctx)
	if opts.FlushPolicy == FlushInterval && opts.FlushEvery > 0 {
		w.group.Go(func() error { return w.backgroundFlush(ctx) })
	}

	return w, nil
}

// LastEntry returns the highest currently assigned index.
func (w *WriteAheadLog) LastEntry() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastEntry
}

// LastCommitted returns the highest index known to be committed.
func (w *WriteAheadLog) LastCommitted() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCommitted
}

// LastApplied returns the highest index delivered to the state machine.
func (w *WriteAheadLog) LastApplied() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastApplied
}

// Err returns the error that poisoned the log, if any.
func (w *WriteAheadLog) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.poisonErr
}

func (w *WriteAheadLog) checkUsable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrDisposed
	}
	if w.poisoned {
		return ErrPoisoned
	}
	return nil
}

func (w *WriteAheadLog) poison(err error) {
	w.mu.Lock()
	if !w.poisoned {
		w.poisoned = true
		w.poisonErr = err
		log.Printf("wal: poisoned: %v", err)
	}
	w.applyCond.Broadcast()
	w.mu.Unlock()
}

func translateAcquireErr(err error) error {
	if errors.Is(err, concurrency.ErrCancelled) {
		return ErrCancelled
	}
	return err
}

// waitWithContext blocks on c until done() is true or ctx is cancelled.
// c.L must already be held by the caller.
func waitWithContext(ctx context.Context, c *sync.Cond, done func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		c.L.Lock()
		c.Broadcast()
		c.L.Unlock()
	})
	defer stop()
	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Wait()
	}
	return nil
}

// Append assigns the next sequential index to entry, writes its payload
// into the tail pages, and records it in the entry index (spec §4.4).
func (w *WriteAheadLog) Append(ctx context.Context, entry Entry) (uint64, error) {
	if err := w.checkUsable(); err != nil {
		return 0, err
	}
	release, err := w.locks.Acquire(ctx, concurrency.Write)
	if err != nil {
		return 0, translateAcquireErr(err)
	}
	defer release()
	return w.appendLocked(entry)
}

// appendLocked requires the caller to already hold the Write lock.
func (w *WriteAheadLog) appendLocked(entry Entry) (uint64, error) {
	w.mu.Lock()
	if w.poisoned {
		w.mu.Unlock()
		return 0, ErrPoisoned
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = w.opts.Clock.Now()
	}
	tail := w.tailAddress
	w.mu.Unlock()

	if err := w.addr.WriteAll(tail, entry.Payload); err != nil {
		w.poison(err)
		return 0, err
	}
	rec := IndexRecord{
		Address:   tail,
		Length:    uint32(len(entry.Payload)),
		Term:      entry.Term,
		Timestamp: entry.Timestamp.UnixNano(),
		Flags:     flagsFor(entry),
	}
	idx, err := w.index.Append(rec)
	if err != nil {
		w.poison(err)
		return 0, err
	}

	w.mu.Lock()
	w.lastEntry = idx
	w.tailAddress = tail + uint64(len(entry.Payload))
	if entry.Context != nil {
		w.contexts[idx] = entry.Context
	}
	w.mu.Unlock()
	return idx, nil
}

// AppendRange appends entries starting at startIndex, truncating any
// uncommitted suffix first if startIndex falls within the current log
// (spec §4.4).
func (w *WriteAheadLog) AppendRange(ctx context.Context, entries []Entry, startIndex uint64) (uint64, error) {
	if err := w.checkUsable(); err != nil {
		return 0, err
	}
	release, err := w.locks.Acquire(ctx, concurrency.Write)
	if err != nil {
		return 0, translateAcquireErr(err)
	}
	defer release()

	w.mu.Lock()
	lastCommitted := w.lastCommitted
	lastEntry := w.lastEntry
	w.mu.Unlock()

	if startIndex <= lastCommitted {
		return 0, ErrOverwriteCommitted
	}
	if startIndex <= lastEntry {
		if err := w.truncateSuffixLocked(startIndex); err != nil {
			return 0, err
		}
	} else if startIndex != lastEntry+1 {
		return 0, fmt.Errorf("wal: append_range start %d does not follow last entry %d: %w", startIndex, lastEntry, ErrOutOfRange)
	}

	var last uint64
	for _, e := range entries {
		idx, err := w.appendLocked(e)
		if err != nil {
			return last, err
		}
		last = idx
	}
	return last, nil
}

// truncateSuffixLocked requires the caller to hold the Write or
// Exclusive lock.
func (w *WriteAheadLog) truncateSuffixLocked(fromIndexInclusive uint64) error {
	if err := w.index.TruncateSuffix(fromIndexInclusive); err != nil {
		return err
	}
	newLast := fromIndexInclusive - 1
	var newTail uint64
	if newLast > 0 {
		rec, ok, err := w.index.Lookup(newLast)
		if err != nil {
			return err
		}
		if ok {
			newTail = rec.Address + uint64(rec.Length)
		}
	}

	w.mu.Lock()
	w.lastEntry = newLast
	w.tailAddress = newTail
	for idx := range w.contexts {
		if idx >= fromIndexInclusive {
			delete(w.contexts, idx)
		}
	}
	w.mu.Unlock()
	return nil
}

// Read produces the entries in [from, to] as observed at acquisition
// time: a concurrent append after Read starts does not change the
// result (spec §4.4).
func (w *WriteAheadLog) Read(ctx context.Context, from, to uint64) (ReadResult, error) {
	return w.read(ctx, from, to, concurrency.WeakRead)
}

// ReadConsistent is like Read but uses StrongRead, guaranteeing the
// observed prefix is consistent with commit boundaries (spec §4.6).
func (w *WriteAheadLog) ReadConsistent(ctx context.Context, from, to uint64) (ReadResult, error) {
	return w.read(ctx, from, to, concurrency.StrongRead)
}

func (w *WriteAheadLog) read(ctx context.Context, from, to uint64, mode concurrency.Mode) (ReadResult, error) {
	if err := w.checkUsable(); err != nil {
		return ReadResult{}, err
	}
	release, err := w.locks.Acquire(ctx, mode)
	if err != nil {
		return ReadResult{}, translateAcquireErr(err)
	}
	defer release()

	w.mu.Lock()
	snapshotLast := w.lastEntry
	snapIdx := w.snapshotIndex
	snapTerm := w.snapshotTerm
	w.mu.Unlock()

	if to > snapshotLast {
		return ReadResult{}, fmt.Errorf("wal: %w: to %d exceeds last entry %d", ErrOutOfRange, to, snapshotLast)
	}
	if from == 0 {
		from = 1
	}

	result := ReadResult{SnapshotIndex: snapIdx, SnapshotTerm: snapTerm}
	if from <= snapIdx {
		result.Entries = append(result.Entries, Entry{Index: snapIdx, Term: snapTerm, IsSnapshot: true})
		from = snapIdx + 1
	}
	for idx := from; idx <= to; idx++ {
		entry, err := w.loadEntry(idx)
		if err != nil {
			return result, err
		}
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}

func (w *WriteAheadLog) loadEntry(idx uint64) (Entry, error) {
	rec, ok, err := w.index.Lookup(idx)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("wal: %w: index %d", ErrOutOfRange, idx)
	}
	payload, err := w.addr.ReadAll(rec.Address, int(rec.Length))
	if err != nil {
		return Entry{}, err
	}
	w.mu.Lock()
	ctxVal := w.contexts[idx]
	w.mu.Unlock()
	return Entry{
		Index:      idx,
		Term:       rec.Term,
		Timestamp:  time.Unix(0, rec.Timestamp),
		Payload:    payload,
		IsSnapshot: entryIsSnapshot(rec.Flags),
		Context:    ctxVal,
	}, nil
}

// InstallSnapshot records that the log's prefix up to index (inclusive)
// has been compacted into a snapshot at the given term, used both by
// Read (to synthesize the leading snapshot entry) and by compaction's
// lower bound.
func (w *WriteAheadLog) InstallSnapshot(ctx context.Context, index, term uint64) error {
	if err := w.checkUsable(); err != nil {
		return err
	}
	release, err := w.locks.Acquire(ctx, concurrency.Write)
	if err != nil {
		return translateAcquireErr(err)
	}
	defer release()

	w.mu.Lock()
	defer w.mu.Unlock()
	if index > w.snapshotIndex {
		w.snapshotIndex = index
		w.snapshotTerm = term
	}
	return nil
}

// SetVoterState persists the current term and candidate voted-for
// identifier, the other half of the metadata record alongside the
// commit/apply watermarks (spec §1/§3).
func (w *WriteAheadLog) SetVoterState(ctx context.Context, term uint64, votedFor uuid.UUID) error {
	if err := w.checkUsable(); err != nil {
		return err
	}
	release, err := w.locks.Acquire(ctx, concurrency.Write)
	if err != nil {
		return translateAcquireErr(err)
	}
	defer release()

	w.mu.Lock()
	m := w.meta.Current()
	w.mu.Unlock()
	m.Term = term
	m.VotedFor = votedFor
	if err := w.meta.Persist(m); err != nil {
		w.poison(err)
		return err
	}
	return nil
}

// VoterState returns the currently persisted term and voted-for.
func (w *WriteAheadLog) VoterState() (term uint64, votedFor uuid.UUID) {
	m := w.meta.Current()
	return m.Term, m.VotedFor
}

// flushUpTo forces durable every page touched by entries [1, index],
// then the entry index file.
func (w *WriteAheadLog) flushUpTo(index uint64) error {
	if index == 0 {
		return nil
	}
	rec, ok, err := w.index.Lookup(index)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	end := rec.Address + uint64(rec.Length)
	endPage, endOffset := w.addr.Split(end)
	if err := w.pages.Flush(0, 0, endPage, endOffset); err != nil {
		return err
	}
	return w.index.Sync()
}

// Commit monotonically advances last_committed to min(upToIndex,
// last_entry), persisting metadata only after the committed entries are
// durable (spec §4.4's write-ahead ordering: payload -> flush ->
// metadata -> fsync).
func (w *WriteAheadLog) Commit(ctx context.Context, upToIndex uint64) (uint64, error) {
	if err := w.checkUsable(); err != nil {
		return 0, err
	}
	release, err := w.locks.Acquire(ctx, concurrency.Write)
	if err != nil {
		return 0, translateAcquireErr(err)
	}
	defer release()

	w.mu.Lock()
	target := upToIndex
	if target > w.lastEntry {
		target = w.lastEntry
	}
	if target < w.lastCommitted {
		w.mu.Unlock()
		return 0, fmt.Errorf("wal: commit target %d is below current committed %d", target, w.lastCommitted)
	}
	if target == w.lastCommitted {
		w.mu.Unlock()
		return 0, nil
	}
	newlyCommitted := target - w.lastCommitted
	m := w.meta.Current()
	w.mu.Unlock()

	if err := w.flushUpTo(target); err != nil {
		w.poison(err)
		return 0, err
	}

	m.LastCommittedIndex = target
	if err := w.meta.Persist(m); err != nil {
		w.poison(err)
		return 0, err
	}

	w.mu.Lock()
	w.lastCommitted = target
	w.applyCond.Broadcast()
	w.mu.Unlock()
	return newlyCommitted, nil
}

// WaitForApply blocks until last_applied >= index, the log closes, is
// poisoned, or ctx is cancelled.
func (w *WriteAheadLog) WaitForApply(ctx context.Context, index uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := waitWithContext(ctx, w.applyCond, func() bool {
		return w.lastApplied >= index || w.poisoned || w.closed
	}); err != nil {
		return ErrCancelled
	}
	if w.closed {
		return ErrDisposed
	}
	if w.poisoned {
		return ErrPoisoned
	}
	return nil
}

// Compact drops the applied prefix of the log and reclaims the pages it
// occupied. The truncation bound is min(last_applied, snapshot_index):
// entries not yet applied are never discarded, and entries the state
// machine has not yet captured in a durable snapshot are never
// discarded either, so before any InstallSnapshot call this is a no-op
// regardless of how much has been applied (spec §1's "compaction ...
// bounded by committed and applied positions", §2's "truncation
// eligibility → compaction → PageManager page deletion", §6's
// snapshot_index as "compaction lower bound"). Requires the Compaction
// lock, which excludes other compactions and StrongRead but admits
// WeakRead and Write (spec §4.6), so readers already in flight and the
// appender are unaffected.
func (w *WriteAheadLog) Compact(ctx context.Context) (int, error) {
	if err := w.checkUsable(); err != nil {
		return 0, err
	}
	release, err := w.locks.Acquire(ctx, concurrency.Compaction)
	if err != nil {
		return 0, translateAcquireErr(err)
	}
	defer release()

	w.mu.Lock()
	bound := w.lastApplied
	if w.snapshotIndex < bound {
		bound = w.snapshotIndex
	}
	w.mu.Unlock()

	firstEntry := w.index.FirstEntry()
	if bound == 0 || bound < firstEntry {
		return 0, nil
	}

	rec, ok, err := w.index.Lookup(bound)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	if err := w.index.TruncatePrefix(bound + 1); err != nil {
		w.poison(err)
		return 0, err
	}

	boundaryPage, _ := w.addr.Split(rec.Address + uint64(rec.Length))
	n, err := w.pages.DeletePagesBelow(boundaryPage)
	if err != nil {
		w.poison(err)
		return n, err
	}
	return n, nil
}

// Flush forces page and metadata durability. Safe to call concurrently
// with readers; serialized against other flushes and appends via the
// Write lock.
func (w *WriteAheadLog) Flush(ctx context.Context) error {
	if err := w.checkUsable(); err != nil {
		return err
	}
	release, err := w.locks.Acquire(ctx, concurrency.Write)
	if err != nil {
		return translateAcquireErr(err)
	}
	defer release()

	w.mu.Lock()
	last := w.lastEntry
	m := w.meta.Current()
	w.mu.Unlock()

	if err := w.flushUpTo(last); err != nil {
		w.poison(err)
		return err
	}
	if err := w.meta.Persist(m); err != nil {
		w.poison(err)
		return err
	}
	return nil
}

// Drop truncates the uncommitted suffix from fromIndex (or empties the
// log if fromIndex is 0 or 1), requiring exclusive access. If
// reuseSpace is false, pages above the new tail are reclaimed.
func (w *WriteAheadLog) Drop(ctx context.Context, fromIndex uint64, reuseSpace bool) (int, error) {
	if err := w.checkUsable(); err != nil {
		return 0, err
	}
	release, err := w.locks.Acquire(ctx, concurrency.Exclusive)
	if err != nil {
		return 0, translateAcquireErr(err)
	}
	defer release()

	w.mu.Lock()
	lastEntry := w.lastEntry
	lastCommitted := w.lastCommitted
	w.mu.Unlock()

	if fromIndex == 0 {
		fromIndex = 1
	}
	if fromIndex <= lastCommitted {
		return 0, ErrOverwriteCommitted
	}
	if fromIndex > lastEntry {
		return 0, nil
	}
	dropped := int(lastEntry-fromIndex) + 1

	if err := w.truncateSuffixLocked(fromIndex); err != nil {
		return 0, err
	}
	if !reuseSpace {
		w.mu.Lock()
		tail := w.tailAddress
		w.mu.Unlock()
		page, offset := w.addr.Split(tail)
		upper := page
		if offset > 0 {
			upper++
		}
		if err := w.pages.Truncate(upper); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// Close releases every resource the log owns. Further use of the log
// after Close returns is undefined.
func (w *WriteAheadLog) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.applyCond.Broadcast()
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	if w.group != nil {
		w.group.Wait()
	}

	var first error
	if w.index != nil {
		if err := w.index.Close(); err != nil && first == nil {
			first = err
		}
	}
	if w.pages != nil {
		if err := w.pages.Close(); err != nil && first == nil {
			first = err
		}
	}
	if w.rootLock != nil {
		if err := w.rootLock.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// backgroundFlush drives the FlushInterval policy.
func (w *WriteAheadLog) backgroundFlush(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.FlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil && !errors.Is(err, ErrDisposed) && !errors.Is(err, ErrPoisoned) {
				log.Printf("wal: background flush failed: %v", err)
			}
		}
	}
}
