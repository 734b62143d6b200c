package wal

import (
	"time"

	"github.com/Felmond13/raftwal/storage"
)

// FlushPolicy selects whether a background timer flushes the log, per
// spec §6. Commit flushes the pages of the entries it commits before
// persisting metadata under every policy, so FlushNever and
// FlushOnCommit behave alike.
type FlushPolicy int

const (
	// FlushNever starts no background flush; beyond Commit's own flush,
	// Flush runs only when called explicitly.
	FlushNever FlushPolicy = iota
	// FlushOnCommit flushes synchronously on every successful Commit.
	FlushOnCommit
	// FlushInterval flushes on a fixed-period background timer.
	FlushInterval
)

// Options configures a WriteAheadLog. Open fills in ChunkSize,
// ConcurrencyLevel and Clock when they are zero; a zero FlushPolicy is
// FlushNever and a zero MemoryManagement is SharedMemory. DefaultOptions
// returns the usual settings to override as needed.
type Options struct {
	// ChunkSize is the page size; rounded up to the OS page size.
	ChunkSize int
	// ConcurrencyLevel hints at the expected number of concurrent
	// readers. It is kept in the options; no internal table is sized
	// from it.
	ConcurrencyLevel int
	// FlushPolicy selects manual, per-commit, or interval-driven flush.
	FlushPolicy FlushPolicy
	// FlushEvery is the interval used when FlushPolicy == FlushInterval.
	FlushEvery time.Duration
	// MemoryManagement selects the PageManager variant.
	MemoryManagement storage.MemoryManagement
	// Clock supplies entry timestamps; defaults to SystemClock.
	Clock Clock
}

// DefaultOptions returns sensible defaults: OS page size chunks, shared
// memory mapping, flush on every commit.
func DefaultOptions() Options {
	return Options{
		ChunkSize:        storage.DefaultPageSize,
		ConcurrencyLevel: 8,
		FlushPolicy:      FlushOnCommit,
		MemoryManagement: storage.SharedMemory,
		Clock:            SystemClock{},
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = storage.DefaultPageSize
	}
	if o.ConcurrencyLevel <= 0 {
		o.ConcurrencyLevel = 8
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	return o
}
