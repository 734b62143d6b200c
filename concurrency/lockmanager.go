// Package concurrency provides the multi-mode lock and lock-free index
// pool shared across the storage and log layers.
package concurrency

import (
	"context"
	"errors"
	"sync"
)

// Mode identifies one of the lock manager's acquisition modes, per the
// compatibility matrix in spec §4.6.
type Mode int

const (
	// WeakRead allows many concurrent readers and is compatible with one
	// concurrent writer; readers observe the log prefix as of acquisition.
	WeakRead Mode = iota
	// StrongRead blocks writers; used when a read must be consistent with
	// commit boundaries.
	StrongRead
	// Write is exclusive among writers but compatible with WeakRead.
	Write
	// Compaction excludes other Compaction holders and StrongRead, and is
	// compatible with WeakRead and Write.
	Compaction
	// Exclusive excludes every other mode; used by drop and dispose.
	Exclusive
	// ReadBarrier is a pseudo-acquisition that completes once every
	// currently held read lock has drained, without itself holding
	// anything.
	ReadBarrier
)

func (m Mode) String() string {
	switch m {
	case WeakRead:
		return "WeakRead"
	case StrongRead:
		return "StrongRead"
	case Write:
		return "Write"
	case Compaction:
		return "Compaction"
	case Exclusive:
		return "Exclusive"
	case ReadBarrier:
		return "ReadBarrier"
	default:
		return "Unknown"
	}
}

// ErrCancelled is returned when an acquisition's context is cancelled
// before the lock could be granted.
var ErrCancelled = errors.New("concurrency: lock acquisition cancelled")

// compat[held][requested] reports whether requested may be granted while
// held is already held by at least one holder. Rows/columns follow the
// table in spec §4.6; ReadBarrier is handled separately since it never
// itself holds.
var compat = [Exclusive + 1][Exclusive + 1]bool{
	WeakRead:   {WeakRead: true, StrongRead: true, Write: true, Compaction: true, Exclusive: false},
	StrongRead: {WeakRead: true, StrongRead: true, Write: false, Compaction: false, Exclusive: false},
	Write:      {WeakRead: true, StrongRead: false, Write: false, Compaction: true, Exclusive: false},
	Compaction: {WeakRead: true, StrongRead: false, Write: true, Compaction: false, Exclusive: false},
	Exclusive:  {WeakRead: false, StrongRead: false, Write: false, Compaction: false, Exclusive: false},
}

type waiter struct {
	mode  Mode
	ready chan struct{}
	done  bool // true once granted or cancelled; guarded by LockManager.mu
}

// LockManager implements the compatibility matrix of spec §4.6 as a
// single mutex guarding a held-mode tally and an ordered wait queue. On
// release it wakes the longest prefix of the queue whose modes are all
// mutually compatible with what remains held, per §9's design note.
type LockManager struct {
	mu    sync.Mutex
	held  [Exclusive + 1]int
	queue []*waiter
}

// NewLockManager creates an unheld lock manager.
func NewLockManager() *LockManager {
	return &LockManager{}
}

// Release is returned by Acquire and must be called exactly once to give
// the mode back up.
type Release func()

// Acquire blocks until mode can be granted or ctx is cancelled.
// ReadBarrier requests never return a meaningful
// Release; call Barrier instead for that mode.
func (lm *LockManager) Acquire(ctx context.Context, mode Mode) (Release, error) {
	if mode == ReadBarrier {
		return nil, lm.Barrier(ctx)
	}

	lm.mu.Lock()
	if len(lm.queue) == 0 && lm.admits(mode) {
		lm.held[mode]++
		lm.mu.Unlock()
		return lm.releaseFunc(mode), nil
	}

	w := &waiter{mode: mode, ready: make(chan struct{})}
	lm.queue = append(lm.queue, w)
	lm.mu.Unlock()

	select {
	case <-w.ready:
		return lm.releaseFunc(mode), nil
	case <-ctx.Done():
		if lm.cancel(w) {
			return nil, ErrCancelled
		}
		// Granted concurrently with the cancellation; honor the grant
		// rather than leak the held slot.
		return lm.releaseFunc(mode), nil
	}
}

// Barrier waits until no WeakRead or StrongRead lock is currently held,
// honoring FIFO order against other waiters (spec §4.6/§9). It does not
// itself hold anything and requires no Release.
func (lm *LockManager) Barrier(ctx context.Context) error {
	lm.mu.Lock()
	if len(lm.queue) == 0 && lm.held[WeakRead] == 0 && lm.held[StrongRead] == 0 {
		lm.mu.Unlock()
		return nil
	}
	w := &waiter{mode: ReadBarrier, ready: make(chan struct{})}
	lm.queue = append(lm.queue, w)
	lm.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		if lm.cancel(w) {
			return ErrCancelled
		}
		return nil
	}
}

// admits reports whether mode may be granted immediately given currently
// held modes, per the compatibility matrix. Called with mu held.
func (lm *LockManager) admits(mode Mode) bool {
	for held := WeakRead; held <= Exclusive; held++ {
		if lm.held[held] == 0 {
			continue
		}
		if !compat[held][mode] {
			return false
		}
	}
	return true
}

func (lm *LockManager) releaseFunc(mode Mode) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			lm.held[mode]--
			lm.promote()
			lm.mu.Unlock()
		})
	}
}

// promote wakes the longest prefix of the wait queue that can be granted
// together: ReadBarrier waiters complete as soon as reader counts reach
// zero; ordinary waiters are granted in order as long as each remains
// compatible with both the held tally and every mode provisionally
// granted earlier in this same pass. Called with mu held.
func (lm *LockManager) promote() {
	provisional := lm.held // copy
	i := 0
	for ; i < len(lm.queue); i++ {
		w := lm.queue[i]
		if w.mode == ReadBarrier {
			if provisional[WeakRead] != 0 || provisional[StrongRead] != 0 {
				break
			}
			w.done = true
			close(w.ready)
			continue
		}
		if !admitsAgainst(provisional, w.mode) {
			break
		}
		provisional[w.mode]++
		w.done = true
		close(w.ready)
	}
	if i > 0 {
		lm.queue = lm.queue[i:]
		lm.held = provisional
	}
}

func admitsAgainst(tally [Exclusive + 1]int, mode Mode) bool {
	for held := WeakRead; held <= Exclusive; held++ {
		if tally[held] == 0 {
			continue
		}
		if !compat[held][mode] {
			return false
		}
	}
	return true
}

// cancel removes w from the queue if it hasn't already been granted,
// reporting whether the cancellation actually took effect. If w was
// granted concurrently (done is already true) it returns false and
// leaves the grant intact so the caller can honor it instead of leaking
// the held slot.
func (lm *LockManager) cancel(w *waiter) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if w.done {
		return false
	}
	for i, q := range lm.queue {
		if q == w {
			lm.queue = append(lm.queue[:i], lm.queue[i+1:]...)
			break
		}
	}
	w.done = true
	return true
}
