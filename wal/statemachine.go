package wal

import (
	"context"
	"time"
)

// StateMachine is the external collaborator the ApplyLoop drives: the
// thing committed entries are ultimately applied to (spec §6). Grounded
// on the divtxt-raft-consensus LogAndStateMachine contract, narrowed to
// the single apply callback this log needs.
type StateMachine interface {
	// Apply delivers entry to the state machine in strict index order.
	// A non-nil error poisons the log and stops the ApplyLoop.
	Apply(ctx context.Context, entry Entry) error
	// SnapshotIndex reports the index below which the state machine has
	// already absorbed a snapshot. The log does not call it: Compact takes
	// its snapshot bound from InstallSnapshot instead.
	SnapshotIndex() uint64
}

// Clock supplies the wall-clock time stamped on appended entries, so
// tests can substitute a deterministic clock. Timeouts do not use it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
