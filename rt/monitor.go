package rt

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// LockReason says why a thread is acquiring a monitor's internal lock:
// a plain monitor-enter, or the re-acquisition at the end of a wait. The
// distinction only affects the thread state reported while blocked.
type LockReason int

const (
	LockForLock LockReason = iota
	LockForWait
)

// Monitor is the inflated ("fat") representation of an object lock. A monitor
// comes into being when a thin lock sees contention, a wait, a saturated
// recursion count, or a hash/lock collision, and may be deflated back during a
// stop-the-world pause once it is quiescent.
//
// The wait set holds threads parked in Wait; Notify moves them to the wake
// set, and the next unlock unparks the wake set head. Splitting the two sets
// keeps Notify cheap: the notifier never hands off or wakes anything itself.
type Monitor struct {
	rt *Runtime
	id MonitorID

	// mu orders all monitor state transitions; contenders is its condition,
	// waited on by threads blocked entering the monitor.
	mu         sync.Mutex
	contenders *sync.Cond

	// owner and lockCount are guarded by mu for writes. owner is additionally
	// read racily by diagnostics.
	owner     atomic.Pointer[Thread]
	lockCount int

	// numWaiters counts threads in Wait plus threads blocked in lock. A
	// contender stays counted from its first block until it owns the monitor,
	// including the window where it has been signalled but not yet retried.
	// A monitor with waiters is never deflated.
	numWaiters int

	// The object this monitor guards. Cleared by the sweep when the object
	// dies, repointed when it moves.
	obj atomic.Pointer[Object]

	// Lazily assigned identity hash, 0 until requested. Survives deflation by
	// being written back into the lock word.
	hash atomic.Uint32

	waitSet *Thread
	wakeSet *Thread
}

// newMonitor is only called by MonitorPool.createMonitor, which assigns id.
func newMonitor(rt *Runtime, owner *Thread, obj *Object, hash uint32, id MonitorID) *Monitor {
	m := &Monitor{rt: rt, id: id}
	m.contenders = sync.NewCond(&m.mu)
	m.owner.Store(owner)
	m.obj.Store(obj)
	m.hash.Store(hash)
	return m
}

// ID returns the monitor's pool id.
func (m *Monitor) ID() MonitorID {
	return m.id
}

// Object returns the object this monitor guards, nil after the object died.
func (m *Monitor) Object() *Object {
	return m.obj.Load()
}

// SetObject repoints the monitor at a moved object. Sweep-time only.
func (m *Monitor) SetObject(obj *Object) {
	m.obj.Store(obj)
}

// OwnerThreadID returns the owning thread's id, 0 if unowned. Racy.
func (m *Monitor) OwnerThreadID() uint32 {
	if owner := m.owner.Load(); owner != nil {
		return owner.id
	}
	return 0
}

// HasHashCode reports whether an identity hash has been assigned.
func (m *Monitor) HasHashCode() bool {
	return m.hash.Load() != 0
}

// HashCode returns the monitor's identity hash, assigning one on first use.
func (m *Monitor) HashCode() uint32 {
	for {
		if h := m.hash.Load(); h != 0 {
			return h
		}
		m.hash.CompareAndSwap(0, generateIdentityHash())
	}
}

// ---------------------------------------------------------------------------
// Install
// ---------------------------------------------------------------------------

// install publishes the monitor into its object's lock word. Fails if the
// lock word changed since the inflating thread read it, in which case the
// caller releases the monitor and retries from the new lock word.
func (m *Monitor) install(self *Thread) bool {
	obj := m.obj.Load()
	owner := m.owner.Load()
	lw := obj.LockWord()

	switch lw.State() {
	case StateThinLocked:
		// The owner must still be the thread the monitor was created for,
		// otherwise the thin lock changed hands and the snapshot is stale.
		if owner == nil || lw.ThinOwner() != owner.id {
			return false
		}
		m.lockCount = lw.ThinCount()
	case StateHash:
		if m.hash.Load() != lw.Hash() {
			return false
		}
	case StateUnlocked:
		if owner != nil {
			return false
		}
	default:
		// Already fat, or forwarded away. Someone else won.
		return false
	}

	// A collection may have marked the object since lw was read; the fat word
	// must inherit the GC bits or a live object gets swept.
	if !obj.CasLockWord(lw, FatLockWord(m.id).WithGCBitsFrom(lw)) {
		return false
	}
	m.rt.monitors.Add(self, m)
	return true
}

// inflate builds a monitor for obj on behalf of owner (nil for an unowned
// hash inflation) and installs it. Losing the install race is normal; the
// monitor is handed back and the caller re-reads the lock word.
func (rt *Runtime) inflate(self, owner *Thread, obj *Object, hash uint32) {
	m := rt.monitorPool.createMonitor(rt, self, owner, obj, hash)
	if m.install(self) {
		log.Debugf("inflated monitor %d for object (owner tid %d)", m.id, m.OwnerThreadID())
		return
	}
	rt.monitorPool.release(m)
}

// inflateThinLocked inflates a thin-locked object. If self owns the thin lock
// this is immediate; otherwise the owner is suspended so its lock word can be
// rewritten out from under it safely.
func (rt *Runtime) inflateThinLocked(self *Thread, obj *Object, lw LockWord, hash uint32) {
	ownerID := lw.ThinOwner()
	if ownerID == self.id {
		rt.inflate(self, self, obj, hash)
		return
	}

	owner := rt.ThreadByID(ownerID)
	if owner == nil {
		// Owner detached; the lock word cannot still be thin-held by it.
		// The caller re-reads and retries.
		return
	}
	rt.requestSuspend(self, owner)
	// Re-validate: the owner may have released or another thread may have
	// inflated while we were suspending it.
	lw2 := obj.LockWord()
	if lw2.State() == StateThinLocked && lw2.ThinOwner() == ownerID {
		rt.inflate(self, owner, obj, hash)
	}
	rt.resume(self, owner)
}

// ---------------------------------------------------------------------------
// Fat lock / unlock
// ---------------------------------------------------------------------------

// tryLockLocked attempts acquisition with mu held.
func (m *Monitor) tryLockLocked(self *Thread) bool {
	switch owner := m.owner.Load(); {
	case owner == nil:
		m.owner.Store(self)
		m.lockCount = 0
		return true
	case owner == self:
		m.lockCount++
		return true
	default:
		return false
	}
}

// tryLock attempts acquisition without blocking.
func (m *Monitor) tryLock(self *Thread) bool {
	m.mu.Lock()
	ok := m.tryLockLocked(self)
	m.mu.Unlock()
	return ok
}

// lock blocks until self owns the monitor. Threads parked here count as
// suspended, so a stop-the-world pause never waits on monitor contention.
func (m *Monitor) lock(self *Thread, reason LockReason) {
	blockedState := ThreadBlocked
	if reason == LockForWait {
		blockedState = ThreadWaiting
	}
	threshold := m.rt.opts.LockProfilingThreshold

	m.mu.Lock()
	if m.tryLockLocked(self) {
		m.mu.Unlock()
		self.contended.Store(nil)
		return
	}

	// Counted in numWaiters from here until the acquisition succeeds. A woken
	// contender is parked in endSuspendable between its wakeup and the retry,
	// where it counts as suspended; staying counted keeps a stop-the-world
	// deflation from freeing the monitor out from under it.
	m.numWaiters++
	self.contended.Store(m)
	for {
		ownerAtBlock := m.owner.Load()
		prev := self.beginSuspendable(blockedState)
		var blockedSince time.Time
		if threshold > 0 {
			blockedSince = time.Now()
		}

		m.contenders.Wait()
		m.mu.Unlock()
		self.endSuspendable(prev)

		if threshold > 0 {
			blocked := time.Since(blockedSince)
			if blocked >= threshold {
				m.logContention(self, ownerAtBlock, blocked)
			}
		}
		m.mu.Lock()
		if m.tryLockLocked(self) {
			m.numWaiters--
			m.mu.Unlock()
			self.contended.Store(nil)
			return
		}
	}
}

// logContention reports a long contention event. Above the stack-dump
// threshold the report includes the holder's held-lock chain, the closest
// thing to a stack this layer has.
func (m *Monitor) logContention(self, owner *Thread, blocked time.Duration) {
	ownerName, ownerID := "<exited>", uint32(0)
	if owner != nil {
		ownerName, ownerID = owner.name, owner.id
	}
	if dump := m.rt.opts.StackDumpLockProfilingThreshold; dump > 0 && blocked >= dump && owner != nil {
		log.Infof("long monitor contention: thread %q (tid %d) blocked %v on monitor %d held by %q (tid %d) holding %d lock(s)",
			self.name, self.id, blocked, m.id, ownerName, ownerID, len(owner.HeldLocks()))
		return
	}
	log.Infof("long monitor contention: thread %q (tid %d) blocked %v on monitor %d held by %q (tid %d)",
		self.name, self.id, blocked, m.id, ownerName, ownerID)
}

// unlock releases one recursion level, fully releasing the monitor when the
// count reaches zero.
func (m *Monitor) unlock(self *Thread) error {
	m.mu.Lock()
	owner := m.owner.Load()
	if owner != self {
		m.mu.Unlock()
		return m.failedUnlock(self, owner)
	}
	if m.lockCount > 0 {
		m.lockCount--
		m.mu.Unlock()
		return nil
	}
	m.owner.Store(nil)
	m.signalContendersAndReleaseMonitorLock()
	return nil
}

func (m *Monitor) failedUnlock(self, owner *Thread) error {
	if owner == nil {
		return &IllegalMonitorStateError{
			Msg: fmt.Sprintf("unlock of unowned monitor on thread %q (tid %d)", self.name, self.id),
		}
	}
	return &IllegalMonitorStateError{
		Msg: fmt.Sprintf("unlock of monitor owned by %q (tid %d) on thread %q (tid %d)",
			owner.name, owner.id, self.name, self.id),
	}
}

// signalContendersAndReleaseMonitorLock passes the unlock on: the wake set
// head gets unparked if one is still waiting, otherwise one blocked contender
// is signalled. Called with mu held; releases it.
func (m *Monitor) signalContendersAndReleaseMonitorLock() {
	woke := false
	for m.wakeSet != nil {
		t := m.wakeSet
		m.wakeSet = t.waitNext
		t.waitNext = nil

		t.waitMu.Lock()
		stillWaiting := t.waitMonitor == m
		if stillWaiting {
			t.notified = true
		}
		t.waitMu.Unlock()
		if stillWaiting {
			t.unpark()
			woke = true
			break
		}
		// Timed out or interrupted already; try the next one.
	}
	if !woke {
		m.contenders.Signal()
	}
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Wait sets
// ---------------------------------------------------------------------------

// appendToWaitSet queues self at the tail. Wakeups are FIFO in wait order.
func (m *Monitor) appendToWaitSet(t *Thread) {
	t.waitNext = nil
	if m.waitSet == nil {
		m.waitSet = t
		return
	}
	tail := m.waitSet
	for tail.waitNext != nil {
		tail = tail.waitNext
	}
	tail.waitNext = t
}

// removeFromWaitSet unlinks t from whichever of the two sets it is on. A
// thread that timed out after being notified is on the wake set.
func (m *Monitor) removeFromWaitSet(t *Thread) {
	for _, head := range []**Thread{&m.waitSet, &m.wakeSet} {
		for p := head; *p != nil; p = &(*p).waitNext {
			if *p == t {
				*p = t.waitNext
				t.waitNext = nil
				return
			}
		}
	}
}

// notifyLocked moves the wait set head (or, for all, every waiter) to the
// wake set. The actual unpark happens when the notifier unlocks.
func (m *Monitor) notifyLocked(all bool) {
	for m.waitSet != nil {
		t := m.waitSet
		m.waitSet = t.waitNext
		t.waitNext = nil
		if m.wakeSet == nil {
			m.wakeSet = t
		} else {
			tail := m.wakeSet
			for tail.waitNext != nil {
				tail = tail.waitNext
			}
			tail.waitNext = t
		}
		if !all {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Wait
// ---------------------------------------------------------------------------

// maxWaitMillis clamps oversized timeouts so the deadline arithmetic cannot
// overflow a time.Duration. ~292 years; indistinguishable from forever.
const maxWaitMillis = int64(1<<63-1) / int64(time.Millisecond)

// doWait releases the monitor, parks until notified, timed out or
// interrupted, then re-acquires it at the saved recursion depth.
func (m *Monitor) doWait(self *Thread, ms int64, ns int32, interruptShouldThrow bool, why ThreadState) error {
	m.mu.Lock()
	if m.owner.Load() != self {
		m.mu.Unlock()
		return &IllegalMonitorStateError{Msg: "object not locked by thread before wait()"}
	}
	if ms < 0 || ns < 0 || ns > 999999 {
		m.mu.Unlock()
		return &IllegalArgumentError{Msg: fmt.Sprintf("timeout malformed: %d ms, %d ns", ms, ns)}
	}

	savedCount := m.lockCount
	m.lockCount = 0
	m.owner.Store(nil)
	m.appendToWaitSet(self)
	m.numWaiters++

	self.waitMu.Lock()
	self.waitMonitor = m
	self.notified = false
	self.waitMu.Unlock()
	self.drainPark()

	prev := self.beginSuspendable(why)
	m.signalContendersAndReleaseMonitorLock()

	timed := ms > 0 || ns > 0
	var deadline time.Time
	if timed {
		if ms > maxWaitMillis {
			ms = maxWaitMillis
		}
		deadline = time.Now().Add(time.Duration(ms)*time.Millisecond + time.Duration(ns))
	}
	for {
		self.waitMu.Lock()
		done := self.notified || self.interrupted
		self.waitMu.Unlock()
		if done {
			break
		}
		if timed {
			remain := time.Until(deadline)
			if remain <= 0 {
				break
			}
			self.park(remain)
		} else {
			self.park(-1)
		}
	}

	self.waitMu.Lock()
	self.waitMonitor = nil
	self.waitMu.Unlock()
	self.endSuspendable(prev)

	m.lock(self, LockForWait)
	m.mu.Lock()
	m.removeFromWaitSet(self)
	m.numWaiters--
	m.lockCount = savedCount
	m.mu.Unlock()

	if interruptShouldThrow && self.ClearInterrupted() {
		return &InterruptedError{}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Deflation
// ---------------------------------------------------------------------------

// deflate shrinks the monitor back into its object's lock word: thin if
// owned, hash-only if hashed, unlocked otherwise. Fails when the monitor has
// waiters or contenders, when both an owner and a hash exist (the lock word
// holds one or the other), or when the recursion count does not fit. Callers
// must have all threads suspended; on success the monitor must be removed
// from the list and released back to the pool.
func (m *Monitor) deflate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.numWaiters > 0 || m.waitSet != nil || m.wakeSet != nil {
		return false
	}
	obj := m.obj.Load()
	if obj == nil {
		return false
	}
	owner := m.owner.Load()
	hash := m.hash.Load()

	var lw LockWord
	switch {
	case owner != nil && hash != 0:
		return false
	case owner != nil:
		if m.lockCount > MaxThinLockCount || int(owner.id) > MaxThinLockOwner {
			return false
		}
		lw = ThinLockWord(owner.id, m.lockCount)
	case hash != 0:
		lw = HashLockWord(hash)
	default:
		lw = UnlockedLockWord()
	}
	obj.SetLockWord(lw)
	log.Debugf("deflated monitor %d", m.id)
	return true
}

// Deflate deflates the monitor backing obj, if any, removing it from the
// monitor list and releasing its id. All threads must be suspended. Returns
// true if obj no longer has a fat lock afterwards.
func (rt *Runtime) Deflate(obj *Object) bool {
	lw := obj.LockWord()
	if lw.State() != StateFatLocked {
		return true
	}
	m := rt.monitorPool.Get(lw.MonitorID())
	if m == nil || !m.deflate() {
		return false
	}
	rt.monitors.remove(m)
	rt.monitorPool.release(m)
	return true
}

// ---------------------------------------------------------------------------
// Object-level operations
// ---------------------------------------------------------------------------

// MonitorEnter acquires obj's monitor, blocking through contention. Returns
// the object, which may differ from the argument if the object moved while
// the caller was blocked.
func (rt *Runtime) MonitorEnter(self *Thread, obj *Object) *Object {
	got, _ := rt.monitorEnter(self, obj, false)
	return got
}

// TryMonitorEnter acquires obj's monitor only if that cannot block. The bool
// reports success; the object is returned as from MonitorEnter.
func (rt *Runtime) TryMonitorEnter(self *Thread, obj *Object) (*Object, bool) {
	return rt.monitorEnter(self, obj, true)
}

func (rt *Runtime) monitorEnter(self *Thread, obj *Object, trylock bool) (*Object, bool) {
	if self == nil || obj == nil {
		panic("monitorEnter: nil thread or object")
	}
	tid := self.id
	contention := 0
	for {
		obj = rt.heap.canonical(obj)
		lw := obj.LockWord()
		switch lw.State() {
		case StateUnlocked:
			if obj.CasLockWord(lw, ThinLockWord(tid, 0)) {
				self.pushHeldLock(obj)
				return obj, true
			}

		case StateThinLocked:
			if lw.ThinOwner() == tid {
				if lw.ThinCount() == MaxThinLockCount {
					// Recursion count saturated; move to a fat lock, which
					// counts in an int.
					rt.inflate(self, self, obj, 0)
					continue
				}
				if obj.CasLockWord(lw, ThinLockWord(tid, lw.ThinCount()+1)) {
					self.pushHeldLock(obj)
					return obj, true
				}
				continue
			}
			if trylock {
				return obj, false
			}
			contention++
			if contention <= rt.opts.MaxSpinsBeforeThinLockInflation {
				// Brief contention is cheaper to sit out than to inflate.
				self.CheckSafepoint()
				runtime.Gosched()
			} else {
				rt.inflateThinLocked(self, obj, lw, 0)
				contention = 0
			}

		case StateFatLocked:
			m := rt.monitorPool.Get(lw.MonitorID())
			if m == nil || m.obj.Load() != obj {
				// Deflated or recycled between the lock word read and the
				// pool lookup; the lock word has changed.
				continue
			}
			if trylock {
				if m.tryLock(self) {
					self.pushHeldLock(obj)
					return obj, true
				}
				return obj, false
			}
			m.lock(self, LockForLock)
			// The object may have moved while we were blocked, and a stale
			// monitor must never be mistaken for ownership of obj: confirm
			// the lock word still names this monitor before reporting success.
			cur := m.obj.Load()
			if cur == nil {
				m.unlock(self)
				continue
			}
			if got := cur.LockWord(); got.State() != StateFatLocked || got.MonitorID() != m.id {
				m.unlock(self)
				continue
			}
			self.pushHeldLock(cur)
			return cur, true

		case StateHash:
			// Locking a hashed object always needs a fat lock; the lock word
			// cannot hold both.
			rt.inflate(self, nil, obj, lw.Hash())

		case StateForwarding:
			// canonical follows forwarding at the top of the loop.
		}
	}
}

// MonitorExit releases one level of obj's monitor.
func (rt *Runtime) MonitorExit(self *Thread, obj *Object) error {
	if self == nil || obj == nil {
		panic("MonitorExit: nil thread or object")
	}
	tid := self.id
	for {
		obj = rt.heap.canonical(obj)
		lw := obj.LockWord()
		switch lw.State() {
		case StateUnlocked, StateHash:
			return &IllegalMonitorStateError{
				Msg: fmt.Sprintf("unlock of unowned monitor on thread %q (tid %d)", self.name, tid),
			}

		case StateThinLocked:
			if lw.ThinOwner() != tid {
				owner := rt.ThreadByID(lw.ThinOwner())
				if owner != nil {
					return &IllegalMonitorStateError{
						Msg: fmt.Sprintf("unlock of monitor owned by %q (tid %d) on thread %q (tid %d)",
							owner.name, owner.id, self.name, tid),
					}
				}
				return &IllegalMonitorStateError{
					Msg: fmt.Sprintf("unlock of unowned monitor on thread %q (tid %d)", self.name, tid),
				}
			}
			var next LockWord
			if lw.ThinCount() == 0 {
				next = UnlockedLockWord()
			} else {
				next = ThinLockWord(tid, lw.ThinCount()-1)
			}
			if obj.CasLockWord(lw, next) {
				self.popHeldLock(obj)
				return nil
			}
			// Another thread inflated our thin lock; retry on the fat path.

		case StateFatLocked:
			m := rt.monitorPool.Get(lw.MonitorID())
			if m == nil || m.obj.Load() != obj {
				continue
			}
			if err := m.unlock(self); err != nil {
				return err
			}
			self.popHeldLock(obj)
			return nil

		case StateForwarding:
		}
	}
}

// Wait implements Object.wait: why selects the reported thread state
// (waiting, timed-waiting or sleeping), interruptShouldThrow selects between
// throwing InterruptedError and leaving the interrupt flag set.
func (rt *Runtime) Wait(self *Thread, obj *Object, ms int64, ns int32, interruptShouldThrow bool, why ThreadState) error {
	if self == nil || obj == nil {
		panic("Wait: nil thread or object")
	}
	if why != ThreadWaiting && why != ThreadTimedWaiting && why != ThreadSleeping {
		panic("Wait: bad thread state " + why.String())
	}
	for {
		obj = rt.heap.canonical(obj)
		lw := obj.LockWord()
		switch lw.State() {
		case StateUnlocked, StateHash:
			return &IllegalMonitorStateError{Msg: "object not locked by thread before wait()"}

		case StateThinLocked:
			if lw.ThinOwner() != self.id {
				return &IllegalMonitorStateError{Msg: "object not locked by thread before wait()"}
			}
			// Waiting needs the wait set, which only a fat lock has.
			rt.inflate(self, self, obj, 0)

		case StateFatLocked:
			m := rt.monitorPool.Get(lw.MonitorID())
			if m == nil || m.obj.Load() != obj {
				continue
			}
			return m.doWait(self, ms, ns, interruptShouldThrow, why)

		case StateForwarding:
		}
	}
}

// Notify wakes one thread waiting on obj's monitor.
func (rt *Runtime) Notify(self *Thread, obj *Object) error {
	return rt.doNotify(self, obj, false)
}

// NotifyAll wakes every thread waiting on obj's monitor.
func (rt *Runtime) NotifyAll(self *Thread, obj *Object) error {
	return rt.doNotify(self, obj, true)
}

func (rt *Runtime) doNotify(self *Thread, obj *Object, all bool) error {
	if self == nil || obj == nil {
		panic("doNotify: nil thread or object")
	}
	for {
		obj = rt.heap.canonical(obj)
		lw := obj.LockWord()
		switch lw.State() {
		case StateUnlocked, StateHash:
			return &IllegalMonitorStateError{Msg: "object not locked by thread before notify()"}

		case StateThinLocked:
			if lw.ThinOwner() != self.id {
				return &IllegalMonitorStateError{Msg: "object not locked by thread before notify()"}
			}
			// Thin-locked means nobody can be waiting. No-op, no inflation.
			return nil

		case StateFatLocked:
			m := rt.monitorPool.Get(lw.MonitorID())
			if m == nil || m.obj.Load() != obj {
				continue
			}
			m.mu.Lock()
			if m.owner.Load() != self {
				m.mu.Unlock()
				return &IllegalMonitorStateError{Msg: "object not locked by thread before notify()"}
			}
			m.notifyLocked(all)
			m.mu.Unlock()
			return nil

		case StateForwarding:
		}
	}
}

// IdentityHashCode returns obj's stable identity hash, assigning one on first
// use. For a thin-locked object this inflates, since the lock word cannot
// hold a hash and a thin lock at once.
func (rt *Runtime) IdentityHashCode(self *Thread, obj *Object) uint32 {
	if obj == nil {
		return 0
	}
	for {
		obj = rt.heap.canonical(obj)
		lw := obj.LockWord()
		switch lw.State() {
		case StateUnlocked:
			h := generateIdentityHash()
			if obj.CasLockWord(lw, HashLockWord(h)) {
				return h
			}

		case StateHash:
			return lw.Hash()

		case StateThinLocked:
			rt.inflateThinLocked(self, obj, lw, 0)

		case StateFatLocked:
			m := rt.monitorPool.Get(lw.MonitorID())
			if m == nil || m.obj.Load() != obj {
				continue
			}
			return m.HashCode()

		case StateForwarding:
		}
	}
}

// GetLockOwnerThreadID returns the thin-lock id of the thread holding obj's
// monitor, 0 if unheld. Racy; diagnostics only.
func (rt *Runtime) GetLockOwnerThreadID(obj *Object) uint32 {
	if obj == nil {
		return 0
	}
	for {
		obj = rt.heap.canonical(obj)
		lw := obj.LockWord()
		switch lw.State() {
		case StateThinLocked:
			return lw.ThinOwner()
		case StateFatLocked:
			m := rt.monitorPool.Get(lw.MonitorID())
			if m == nil {
				continue
			}
			return m.OwnerThreadID()
		case StateForwarding:
		default:
			return 0
		}
	}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// FetchState samples a thread's state together with the object it is waiting
// on or blocked entering, and the owner's thread id for the blocked case.
// Everything is racy; callers get a best-effort snapshot.
func (rt *Runtime) FetchState(t *Thread) (ThreadState, *Object, uint32) {
	state := t.State()
	switch state {
	case ThreadWaiting, ThreadTimedWaiting, ThreadSleeping:
		t.waitMu.Lock()
		m := t.waitMonitor
		t.waitMu.Unlock()
		if m != nil {
			return state, m.Object(), 0
		}
		// Waiting state with no wait monitor: blocked re-acquiring.
		if c := t.contended.Load(); c != nil {
			return state, c.Object(), c.OwnerThreadID()
		}
	case ThreadBlocked:
		if c := t.contended.Load(); c != nil {
			return state, c.Object(), c.OwnerThreadID()
		}
	}
	return state, nil, 0
}

// GetContendedMonitor returns the object whose monitor t is blocked entering
// or waiting on, nil if t is runnable.
func (rt *Runtime) GetContendedMonitor(t *Thread) *Object {
	_, obj, _ := rt.FetchState(t)
	return obj
}

// VisitLocks calls visit for every object whose monitor t currently holds.
// With abortOnFailure a stale entry is fatal; otherwise it is logged and
// skipped, which the racy sampling callers need.
func (rt *Runtime) VisitLocks(t *Thread, visit func(*Object), abortOnFailure bool) {
	for _, obj := range t.HeldLocks() {
		lw := obj.LockWord()
		owned := false
		switch lw.State() {
		case StateThinLocked:
			owned = lw.ThinOwner() == t.id
		case StateFatLocked:
			if m := rt.monitorPool.Get(lw.MonitorID()); m != nil {
				owned = m.OwnerThreadID() == t.id
			}
		}
		if !owned {
			if abortOnFailure {
				log.Criticalf("held-lock list of thread %q (tid %d) has entry it does not own", t.name, t.id)
				panic("VisitLocks: inconsistent held-lock list")
			}
			log.Debugf("skipping stale held-lock entry on thread %q (tid %d)", t.name, t.id)
			continue
		}
		visit(obj)
	}
}

// MonitorInfo is a point-in-time description of one object's monitor.
type MonitorInfo struct {
	Owner      *Thread
	EntryCount int // recursion depth, 1 for a singly-held lock
	Waiters    []*Thread
}

// NewMonitorInfo samples obj's monitor. All threads must be suspended for the
// result to be consistent.
func (rt *Runtime) NewMonitorInfo(obj *Object) MonitorInfo {
	obj = rt.heap.canonical(obj)
	lw := obj.LockWord()
	switch lw.State() {
	case StateThinLocked:
		return MonitorInfo{Owner: rt.ThreadByID(lw.ThinOwner()), EntryCount: lw.ThinCount() + 1}
	case StateFatLocked:
		m := rt.monitorPool.Get(lw.MonitorID())
		if m == nil {
			return MonitorInfo{}
		}
		info := MonitorInfo{EntryCount: m.lockCount + 1}
		info.Owner = m.owner.Load()
		if info.Owner == nil {
			info.EntryCount = 0
		}
		for t := m.waitSet; t != nil; t = t.waitNext {
			info.Waiters = append(info.Waiters, t)
		}
		for t := m.wakeSet; t != nil; t = t.waitNext {
			info.Waiters = append(info.Waiters, t)
		}
		return info
	default:
		return MonitorInfo{}
	}
}
