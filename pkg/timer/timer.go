/*
Package timer provides single-shot, restartable tasks driven by an injectable
scheduler.

# Tasks

A Task owns one pending callback at most. Arm replaces whatever was pending,
Cancel removes it. The callback runs while the task lock is held, so once Arm or
Cancel returns no stale callback can still fire.

A callback must therefore never call Arm or Cancel on its own task.

# Schedulers

System runs callbacks on the runtime timer goroutines. Fake runs them
synchronously from Advance, which lets tests walk through timeouts without
waiting on the wall clock.
*/
package timer

import (
	"sync"
	"time"
)

// Stopper cancels a scheduled callback.
type Stopper interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay and blocks callers for a duration.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Stopper
	Sleep(d time.Duration)
}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

func (systemScheduler) Sleep(d time.Duration) {
	time.Sleep(d)
}

// System returns the scheduler backed by the runtime timers.
func System() Scheduler {
	return systemScheduler{}
}

// Task is a single-shot, restartable timer.
type Task struct {
	mu    sync.Mutex
	sched Scheduler
	fn    func()

	gen     uint64
	pending Stopper
}

// NewTask returns an idle task that will run fn when it expires.
// A nil scheduler selects System.
func NewTask(s Scheduler, fn func()) *Task {
	if s == nil {
		s = System()
	}
	return &Task{sched: s, fn: fn}
}

// Arm schedules the callback after d, replacing any pending one.
func (t *Task) Arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	gen := t.gen
	t.pending = t.sched.AfterFunc(d, func() { t.fire(gen) })
}

// Cancel removes the pending callback, if any.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Armed reports whether a callback is pending.
func (t *Task) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Task) stopLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.gen++
}

func (t *Task) fire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.pending == nil {
		return
	}
	t.pending = nil
	t.gen++
	t.fn()
}
