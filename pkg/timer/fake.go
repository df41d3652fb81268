package timer

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manual scheduler for tests. Time only moves through Advance and Sleep.
type Fake struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*fakeTimer
	slept  []time.Duration
}

type fakeTimer struct {
	owner   *Fake
	when    time.Duration
	seq     int
	fn      func()
	stopped bool
}

// NewFake returns a scheduler whose clock starts at zero.
func NewFake() *Fake {
	return &Fake{}
}

// AfterFunc registers fn to run once the clock has moved d forward.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Stopper {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	t := &fakeTimer{owner: f, when: f.now + d, seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Sleep records the duration and advances the clock by it.
func (f *Fake) Sleep(d time.Duration) {
	f.mu.Lock()
	f.slept = append(f.slept, d)
	f.mu.Unlock()

	f.Advance(d)
}

// Advance moves the clock forward and runs every callback that became due,
// in deadline order, on the calling goroutine.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now + d
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = next.when
		next.stopped = true
		f.removeLocked(next)
		f.mu.Unlock()

		next.fn()
	}
}

// Elapsed returns the current fake time.
func (f *Fake) Elapsed() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Pending returns the number of callbacks still scheduled.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Slept returns every duration passed to Sleep.
func (f *Fake) Slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.slept...)
}

func (f *Fake) nextDueLocked(target time.Duration) *fakeTimer {
	due := make([]*fakeTimer, 0, len(f.timers))
	for _, t := range f.timers {
		if t.when <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].when != due[j].when {
			return due[i].when < due[j].when
		}
		return due[i].seq < due[j].seq
	})
	return due[0]
}

func (f *Fake) removeLocked(t *fakeTimer) {
	for i, c := range f.timers {
		if c == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return
		}
	}
}

func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true
	t.owner.removeLocked(t)
	return true
}
