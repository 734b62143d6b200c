package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Felmond13/raftwal/storage"
)

type sumStateMachine struct {
	mu            sync.Mutex
	sum           int64
	applied       []Entry
	snapshotIndex uint64
}

func (s *sumStateMachine) Apply(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(e.Payload) == 8 {
		s.sum += int64(binary.LittleEndian.Uint64(e.Payload))
	}
	s.applied = append(s.applied, e)
	return nil
}

func (s *sumStateMachine) SnapshotIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotIndex
}

func (s *sumStateMachine) Sum() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

func openTestLog(t *testing.T) *WriteAheadLog {
	t.Helper()
	opts := DefaultOptions()
	opts.ChunkSize = 512
	w, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestFreshAppendCommitApply(t *testing.T) {
	w := openTestLog(t)
	ctx := context.Background()

	idx, err := w.Append(ctx, Entry{Term: 42, Payload: []byte("SET X=0")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if idx != 1 {
		t.Fatalf("first append index = %d, want 1", idx)
	}

	if _, err := w.Commit(ctx, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	sm := &sumStateMachine{}
	w.StartApplyLoop(ctx, sm)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := w.WaitForApply(waitCtx, 1); err != nil {
		t.Fatalf("WaitForApply: %v", err)
	}

	if w.LastEntry() != 1 || w.LastCommitted() != 1 {
		t.Fatalf("last_entry=%d last_committed=%d, want both 1", w.LastEntry(), w.LastCommitted())
	}
	if len(sm.applied) != 1 || string(sm.applied[0].Payload) != "SET X=0" {
		t.Fatalf("state machine observed %+v, want one apply of SET X=0", sm.applied)
	}
}

func TestOverwriteUncommittedSuffix(t *testing.T) {
	w := openTestLog(t)
	ctx := context.Background()

	for term := uint64(42); term <= 46; term++ {
		if _, err := w.Append(ctx, Entry{Term: term, Payload: []byte("x")}); err != nil {
			t.Fatalf("Append term %d: %v", term, err)
		}
	}

	if _, err := w.AppendRange(ctx, []Entry{{Term: 99, Payload: []byte("y")}}, 1); err != nil {
		t.Fatalf("AppendRange overwrite: %v", err)
	}

	if got := w.LastEntry(); got != 1 {
		t.Fatalf("last_entry = %d, want 1", got)
	}
	res, err := w.Read(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Read(1): %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Term != 99 {
		t.Fatalf("read(1) = %+v, want term 99", res.Entries)
	}

	res2, err := w.Read(ctx, 2, 2)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Read(2) past last_entry: got %v, want ErrOutOfRange", err)
	}
	if len(res2.Entries) != 0 {
		t.Fatalf("read(2) past last_entry = %+v, want empty", res2.Entries)
	}
}

func TestRejectOverwriteOfCommitted(t *testing.T) {
	w := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := w.Append(ctx, Entry{Term: 1, Payload: []byte("x")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := w.Commit(ctx, 3); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := w.AppendRange(ctx, []Entry{{Term: 2, Payload: []byte("z")}}, 2); err != ErrOverwriteCommitted {
		t.Fatalf("AppendRange at committed index 2 = %v, want ErrOverwriteCommitted", err)
	}
	if got := w.LastEntry(); got != 5 {
		t.Fatalf("state changed after rejected overwrite: last_entry = %d, want 5", got)
	}
}

func TestRestartAfterCommitSumsReplay(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.ChunkSize = 4096
	ctx := context.Background()

	w, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const n = 1000
	for i := 0; i < n; i++ {
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, uint64(i))
		if _, err := w.Append(ctx, Entry{Term: 1, Payload: payload}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if _, err := w.Commit(ctx, n); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	sm := &sumStateMachine{}
	w2.StartApplyLoop(ctx, sm)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w2.WaitForApply(waitCtx, n); err != nil {
		t.Fatalf("WaitForApply: %v", err)
	}
	if want := int64(n * (n - 1) / 2); sm.Sum() != want {
		t.Fatalf("sum = %d, want %d", sm.Sum(), want)
	}
}

func TestLargeEntrySpansPages(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 4096
	ctx := context.Background()
	w, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	payload := make([]byte, 9000)
	for i := range payload {
		payload[i] = byte(i)
	}
	idx, err := w.Append(ctx, Entry{Term: 1, Payload: payload})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.Commit(ctx, idx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	res, err := w.Read(ctx, idx, idx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Entries) != 1 || string(res.Entries[0].Payload) != string(payload) {
		t.Fatal("spanning-page payload did not round trip bit-identical")
	}
}

func TestReadPrefixThenAppendThenFollowUpRead(t *testing.T) {
	w := openTestLog(t)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		if _, err := w.Append(ctx, Entry{Term: 1, Payload: []byte("x")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	res, err := w.Read(ctx, 1, n)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Entries) != n {
		t.Fatalf("reader observed %d entries, want %d", len(res.Entries), n)
	}

	if _, err := w.Read(ctx, 1, n+5); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Read past last entry: got %v, want ErrOutOfRange", err)
	}

	if _, err := w.Append(ctx, Entry{Term: 1, Payload: []byte("y")}); err != nil {
		t.Fatalf("Append n+1: %v", err)
	}

	res2, err := w.Read(ctx, 1, n+1)
	if err != nil {
		t.Fatalf("Read after append: %v", err)
	}
	if len(res2.Entries) != n+1 {
		t.Fatalf("follow-up read observed %d entries, want %d", len(res2.Entries), n+1)
	}
}

func TestDropEmptiesLog(t *testing.T) {
	w := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := w.Append(ctx, Entry{Term: 1, Payload: []byte("x")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	dropped, err := w.Drop(ctx, 1, true)
	if err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if dropped != 5 {
		t.Fatalf("dropped %d, want 5", dropped)
	}
	if got := w.LastEntry(); got != 0 {
		t.Fatalf("last_entry after drop = %d, want 0", got)
	}
}

func TestOverwriteExactlyAtCommittedRejectedNextAccepted(t *testing.T) {
	w := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := w.Append(ctx, Entry{Term: 1, Payload: []byte("x")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := w.Commit(ctx, 3); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := w.AppendRange(ctx, []Entry{{Term: 2, Payload: []byte("z")}}, 3); err != ErrOverwriteCommitted {
		t.Fatalf("overwrite at last_committed = %v, want ErrOverwriteCommitted", err)
	}
	if _, err := w.AppendRange(ctx, []Entry{{Term: 2, Payload: []byte("z")}}, 4); err != nil {
		t.Fatalf("overwrite at last_committed+1 should be accepted: %v", err)
	}
}

func TestAppendRangeRejectsNonContiguousStart(t *testing.T) {
	w := openTestLog(t)
	ctx := context.Background()

	if _, err := w.AppendRange(ctx, []Entry{{Term: 1, Payload: []byte("x")}}, 5); err == nil {
		t.Fatal("expected rejection of append_range at start_index > last_entry+1")
	}
}

func TestStorageSharedPrivateBothUsable(t *testing.T) {
	for _, mm := range []storage.MemoryManagement{storage.SharedMemory, storage.PrivateMemory} {
		opts := DefaultOptions()
		opts.ChunkSize = 512
		opts.MemoryManagement = mm
		w, err := Open(t.TempDir(), opts)
		if err != nil {
			t.Fatalf("Open(%v): %v", mm, err)
		}
		if _, err := w.Append(context.Background(), Entry{Term: 1, Payload: []byte("x")}); err != nil {
			t.Fatalf("Append(%v): %v", mm, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close(%v): %v", mm, err)
		}
	}
}

func TestCompactReclaimsAppliedPrefixPages(t *testing.T) {
	w := openTestLog(t)
	ctx := context.Background()

	payload := make([]byte, 5000)
	var lastIdx uint64
	for i := 0; i < 3; i++ {
		idx, err := w.Append(ctx, Entry{Term: 1, Payload: payload})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		lastIdx = idx
	}
	if _, err := w.Commit(ctx, lastIdx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	sm := &sumStateMachine{}
	w.StartApplyLoop(ctx, sm)
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := w.WaitForApply(waitCtx, lastIdx); err != nil {
		t.Fatalf("WaitForApply: %v", err)
	}
	if err := w.InstallSnapshot(ctx, lastIdx, 1); err != nil {
		t.Fatalf("InstallSnapshot: %v", err)
	}

	n, err := w.Compact(ctx)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if n == 0 {
		t.Fatal("Compact reclaimed 0 pages, want at least the pages wholly below the applied prefix")
	}
	if got := w.index.FirstEntry(); got != lastIdx+1 {
		t.Fatalf("FirstEntry after Compact = %d, want %d", got, lastIdx+1)
	}

	if _, err := w.pages.GetOrAdd(0); !errors.Is(err, storage.ErrOutOfRange) {
		t.Fatalf("GetOrAdd(0) after Compact: got %v, want storage.ErrOutOfRange", err)
	}
	res, err := w.Read(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Read of compacted entry: %v", err)
	}
	if len(res.Entries) != 1 || !res.Entries[0].IsSnapshot || res.Entries[0].Index != lastIdx {
		t.Fatalf("Read of compacted entry = %+v, want one synthetic snapshot entry at %d", res.Entries, lastIdx)
	}
}

func TestCompactIsNoOpBeforeAnythingApplied(t *testing.T) {
	w := openTestLog(t)
	ctx := context.Background()

	if _, err := w.Append(ctx, Entry{Term: 1, Payload: []byte("x")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	n, err := w.Compact(ctx)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if n != 0 {
		t.Fatalf("Compact reclaimed %d pages before anything was applied, want 0", n)
	}
	if got := w.index.FirstEntry(); got != 1 {
		t.Fatalf("FirstEntry after no-op Compact = %d, want 1", got)
	}
}

func TestMetadataRootPath(t *testing.T) {
	w := openTestLog(t)
	if got, want := w.meta.path, filepath.Join(w.root, "metadata"); got != want {
		t.Fatalf("metadata path = %q, want %q", got, want)
	}
}
