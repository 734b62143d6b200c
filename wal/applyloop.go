package wal

import (
	"context"
	"fmt"
	"log"
)

// ApplyLoop is the single, long-running, cooperative consumer that
// feeds committed entries to a StateMachine in strict index order and
// advances last_applied, per spec §4.5. Grounded on the
// divtxt-raft-consensus LogAndStateMachine.CommitIndexChanged contract
// (commit-index change drives asynchronous, ordered apply; an apply
// error shuts the consumer down) combined with the teacher's
// condition-variable wait-for-work pattern.
type ApplyLoop struct {
	wal *WriteAheadLog
	sm  StateMachine
}

// StartApplyLoop launches an ApplyLoop as a supervised goroutine. Its
// lifetime is tied to the log: it stops when the log is closed,
// poisoned, or its context is cancelled.
func (w *WriteAheadLog) StartApplyLoop(ctx context.Context, sm StateMachine) {
	loop := &ApplyLoop{wal: w, sm: sm}
	w.group.Go(func() error { return loop.run(ctx) })
}

func (l *ApplyLoop) run(ctx context.Context) error {
	w := l.wal
	for {
		w.mu.Lock()
		err := waitWithContext(ctx, w.applyCond, func() bool {
			return w.lastCommitted > w.lastApplied || w.poisoned || w.closed
		})
		if err != nil {
			w.mu.Unlock()
			return nil
		}
		if w.poisoned || w.closed {
			w.mu.Unlock()
			return nil
		}
		from := w.lastApplied + 1
		to := w.lastCommitted
		w.mu.Unlock()

		for idx := from; idx <= to; idx++ {
			if err := l.applyOne(ctx, idx); err != nil {
				return err
			}
		}
	}
}

func (l *ApplyLoop) applyOne(ctx context.Context, idx uint64) error {
	w := l.wal
	entry, err := w.loadEntry(idx)
	if err != nil {
		w.poison(err)
		return err
	}
	if err := l.sm.Apply(ctx, entry); err != nil {
		wrapped := fmt.Errorf("wal: apply failed at index %d: %w", idx, err)
		log.Printf("%v", wrapped)
		w.poison(wrapped)
		return wrapped
	}

	w.mu.Lock()
	w.lastApplied = idx
	delete(w.contexts, idx)
	w.applyCond.Broadcast()
	m := w.meta.Current()
	w.mu.Unlock()

	m.LastAppliedIndex = idx
	if err := w.meta.Persist(m); err != nil {
		w.poison(err)
		return err
	}
	return nil
}
