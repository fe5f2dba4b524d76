package rt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ThreadState mirrors the managed thread lifecycle. Blocked/Waiting states
// double as suspend points: a thread in one of them is guaranteed not to be
// touching the heap and counts as suspended for stop-the-world purposes.
type ThreadState int32

const (
	ThreadNew ThreadState = iota
	ThreadRunnable
	ThreadBlocked
	ThreadWaiting
	ThreadTimedWaiting
	ThreadSleeping
	ThreadTerminated
)

func (s ThreadState) String() string {
	switch s {
	case ThreadNew:
		return "new"
	case ThreadRunnable:
		return "runnable"
	case ThreadBlocked:
		return "blocked"
	case ThreadWaiting:
		return "waiting"
	case ThreadTimedWaiting:
		return "timed-waiting"
	case ThreadSleeping:
		return "sleeping"
	case ThreadTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("ThreadState(%d)", int32(s))
	}
}

// Thread is a runtime-registered mutator thread. Managed code runs on an OS
// thread (goroutine) that has attached a Thread; the thin-lock id is dense so
// it fits the lock word's 16-bit owner field.
type Thread struct {
	rt   *Runtime
	id   uint32
	name string

	state atomic.Int32

	// Parking support for monitor wait and sleep. waitMu guards the flags;
	// parkCh is the wakeup token channel (capacity 1).
	waitMu      sync.Mutex
	parkCh      chan struct{}
	interrupted bool
	notified    bool
	waitMonitor *Monitor

	// Link in a monitor's wait or wake set. Guarded by that monitor's lock.
	waitNext *Thread

	// Monitor this thread is currently blocked entering, for diagnostics.
	contended atomic.Pointer[Monitor]

	// Objects whose monitors this thread holds, acquisition order. Only the
	// thread itself mutates this; diagnostics read it under heldMu.
	heldMu sync.Mutex
	held   []*Object

	// Suspension bookkeeping, guarded by rt.suspendMu.
	suspendCount int
	atSafepoint  bool

	// Pending managed exception, set by the transaction abort path for the
	// class-initialization driver to inspect. Only the thread itself
	// touches this.
	pendingErr error
}

// ID returns the thread's dense thin-lock id.
func (t *Thread) ID() uint32 {
	return t.id
}

// Name returns the thread's name.
func (t *Thread) Name() string {
	return t.name
}

// State returns the thread's current state. Racy by design; callers must
// tolerate stale values.
func (t *Thread) State() ThreadState {
	return ThreadState(t.state.Load())
}

// PendingError returns the thread's pending managed exception, if any.
func (t *Thread) PendingError() error {
	return t.pendingErr
}

// ClearPendingError removes and returns the pending exception.
func (t *Thread) ClearPendingError() error {
	err := t.pendingErr
	t.pendingErr = nil
	return err
}

// ---------------------------------------------------------------------------
// Parking
// ---------------------------------------------------------------------------

// park blocks the calling thread until unparked or, for timeout >= 0, until
// the timeout elapses. Returns true if the timeout fired. The caller must
// have entered a suspendable state first.
func (t *Thread) park(timeout time.Duration) bool {
	if timeout < 0 {
		<-t.parkCh
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.parkCh:
		return false
	case <-timer.C:
		return true
	}
}

// unpark delivers a wakeup token. Multiple unparks collapse into one; the
// flags guarded by waitMu say why the thread was woken.
func (t *Thread) unpark() {
	select {
	case t.parkCh <- struct{}{}:
	default:
	}
}

// drainPark discards a stale wakeup token left by an unpark that arrived
// after the previous wait already returned.
func (t *Thread) drainPark() {
	select {
	case <-t.parkCh:
	default:
	}
}

// Interrupt sets the thread's interrupted flag and wakes it if it is parked
// in a monitor wait or sleep.
func (t *Thread) Interrupt() {
	t.waitMu.Lock()
	t.interrupted = true
	t.waitMu.Unlock()
	t.unpark()
}

// IsInterrupted returns the interrupted flag without clearing it.
func (t *Thread) IsInterrupted() bool {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()
	return t.interrupted
}

// ClearInterrupted atomically tests and clears the interrupted flag.
func (t *Thread) ClearInterrupted() bool {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()
	was := t.interrupted
	t.interrupted = false
	return was
}

// ---------------------------------------------------------------------------
// Held-lock tracking (diagnostics)
// ---------------------------------------------------------------------------

func (t *Thread) pushHeldLock(obj *Object) {
	t.heldMu.Lock()
	t.held = append(t.held, obj)
	t.heldMu.Unlock()
}

func (t *Thread) popHeldLock(obj *Object) {
	t.heldMu.Lock()
	for i := len(t.held) - 1; i >= 0; i-- {
		if t.held[i] == obj {
			t.held = append(t.held[:i], t.held[i+1:]...)
			break
		}
	}
	t.heldMu.Unlock()
}

// HeldLocks returns a snapshot of the objects whose monitors this thread
// holds, in acquisition order.
func (t *Thread) HeldLocks() []*Object {
	t.heldMu.Lock()
	defer t.heldMu.Unlock()
	out := make([]*Object, len(t.held))
	copy(out, t.held)
	return out
}

// ---------------------------------------------------------------------------
// Suspension (cooperative safepoints)
// ---------------------------------------------------------------------------

// CheckSafepoint parks the thread if a suspension has been requested. Mutator
// loops must call this periodically; the monitor contention path calls it
// between spins.
func (t *Thread) CheckSafepoint() {
	rt := t.rt
	rt.suspendMu.Lock()
	if t.suspendCount > 0 {
		t.atSafepoint = true
		rt.suspendCond.Broadcast()
		for t.suspendCount > 0 {
			rt.suspendCond.Wait()
		}
		t.atSafepoint = false
		rt.suspendCond.Broadcast()
	}
	rt.suspendMu.Unlock()
}

// beginSuspendable moves the thread into a blocked/waiting state in which it
// counts as suspended. Returns the previous state.
func (t *Thread) beginSuspendable(st ThreadState) ThreadState {
	old := ThreadState(t.state.Swap(int32(st)))
	rt := t.rt
	rt.suspendMu.Lock()
	t.atSafepoint = true
	rt.suspendCond.Broadcast()
	rt.suspendMu.Unlock()
	return old
}

// endSuspendable leaves a blocked/waiting state. If a suspension request
// arrived while the thread was parked, it stays at the safepoint until
// resumed, so it can never re-enter runnable code during a pause.
func (t *Thread) endSuspendable(st ThreadState) {
	rt := t.rt
	rt.suspendMu.Lock()
	for t.suspendCount > 0 {
		rt.suspendCond.Wait()
	}
	t.atSafepoint = false
	rt.suspendCond.Broadcast()
	rt.suspendMu.Unlock()
	t.state.Store(int32(st))
}

// requestSuspend asks target to stop at its next safepoint and blocks until
// it has. The caller must not hold any monitor lock the target might need to
// reach a safepoint. Asymmetric: self keeps running, but counts as being at a
// safepoint for the duration of the request so that two threads suspending
// each other's lock owners cannot deadlock; the only mutation self performs
// while flagged is an install CAS, which concurrent suspenders revalidate.
func (rt *Runtime) requestSuspend(self, target *Thread) {
	rt.suspendMu.Lock()
	target.suspendCount++
	if self != nil {
		self.atSafepoint = true
		rt.suspendCond.Broadcast()
	}
	for !target.atSafepoint {
		rt.suspendCond.Wait()
	}
	rt.suspendMu.Unlock()
}

// resume releases one suspension request on target and takes self off its
// nominal safepoint, honoring any suspension that arrived meanwhile.
func (rt *Runtime) resume(self, target *Thread) {
	rt.suspendMu.Lock()
	if target.suspendCount <= 0 {
		rt.suspendMu.Unlock()
		panic("Runtime.resume: thread not suspended")
	}
	target.suspendCount--
	rt.suspendCond.Broadcast()
	if self != nil {
		for self.suspendCount > 0 {
			rt.suspendCond.Wait()
		}
		self.atSafepoint = false
		rt.suspendCond.Broadcast()
	}
	rt.suspendMu.Unlock()
}

// SuspendAll stops every registered thread except self at a safepoint.
// Used by the GC and by bulk monitor deflation.
func (rt *Runtime) SuspendAll(self *Thread) {
	rt.threadsMu.Lock()
	targets := make([]*Thread, 0, len(rt.threads))
	for _, t := range rt.threads {
		if t != self {
			targets = append(targets, t)
		}
	}
	rt.threadsMu.Unlock()

	rt.suspendMu.Lock()
	for _, t := range targets {
		t.suspendCount++
	}
	for _, t := range targets {
		for !t.atSafepoint {
			rt.suspendCond.Wait()
		}
	}
	rt.suspendMu.Unlock()
}

// ResumeAll releases a SuspendAll pause.
func (rt *Runtime) ResumeAll(self *Thread) {
	rt.threadsMu.Lock()
	targets := make([]*Thread, 0, len(rt.threads))
	for _, t := range rt.threads {
		if t != self {
			targets = append(targets, t)
		}
	}
	rt.threadsMu.Unlock()

	rt.suspendMu.Lock()
	for _, t := range targets {
		if t.suspendCount > 0 {
			t.suspendCount--
		}
	}
	rt.suspendCond.Broadcast()
	rt.suspendMu.Unlock()
}

// ---------------------------------------------------------------------------
// Thread registry
// ---------------------------------------------------------------------------

// AttachThread registers the calling goroutine as a mutator thread and
// allocates its thin-lock id. Fatal if the dense id space is exhausted,
// since an unlockable thread would violate monitor invariants.
func (rt *Runtime) AttachThread(name string) *Thread {
	rt.threadsMu.Lock()
	defer rt.threadsMu.Unlock()

	id := rt.allocThreadIDLocked()
	t := &Thread{
		rt:     rt,
		id:     id,
		name:   name,
		parkCh: make(chan struct{}, 1),
	}
	t.state.Store(int32(ThreadRunnable))
	rt.threads[id] = t
	return t
}

// DetachThread unregisters a thread and recycles its thin-lock id. The
// thread must not hold any monitors.
func (rt *Runtime) DetachThread(t *Thread) {
	t.heldMu.Lock()
	heldCount := len(t.held)
	t.heldMu.Unlock()
	if heldCount != 0 {
		panic("Runtime.DetachThread: thread still holds monitors")
	}

	rt.threadsMu.Lock()
	defer rt.threadsMu.Unlock()
	t.state.Store(int32(ThreadTerminated))
	delete(rt.threads, t.id)
	rt.freeThreadIDLocked(t.id)
}

// ThreadByID resolves a thin-lock id to its thread, nil if none.
func (rt *Runtime) ThreadByID(id uint32) *Thread {
	rt.threadsMu.Lock()
	defer rt.threadsMu.Unlock()
	return rt.threads[id]
}

// Threads returns a snapshot of all registered threads.
func (rt *Runtime) Threads() []*Thread {
	rt.threadsMu.Lock()
	defer rt.threadsMu.Unlock()
	out := make([]*Thread, 0, len(rt.threads))
	for _, t := range rt.threads {
		out = append(out, t)
	}
	return out
}

// allocThreadIDLocked hands out the smallest free id so ids stay dense.
func (rt *Runtime) allocThreadIDLocked() uint32 {
	for word := 0; ; word++ {
		if word >= len(rt.threadIDBitmap) {
			rt.threadIDBitmap = append(rt.threadIDBitmap, 0)
		}
		bits := rt.threadIDBitmap[word]
		if bits == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			if bits&(1<<bit) == 0 {
				id := uint32(word*64+bit) + 1
				if int(id) > MaxThinLockOwner {
					log.Critical("thread id space exhausted")
					panic("Runtime.AttachThread: out of thin lock thread ids")
				}
				rt.threadIDBitmap[word] |= 1 << bit
				return id
			}
		}
	}
}

func (rt *Runtime) freeThreadIDLocked(id uint32) {
	idx := id - 1
	rt.threadIDBitmap[idx/64] &^= 1 << (idx % 64)
}
