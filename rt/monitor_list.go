package rt

import "sync"

// IsMarkedVisitor answers liveness questions during a sweep: nil means the
// object is dead, a different pointer means it moved.
type IsMarkedVisitor interface {
	IsMarked(obj *Object) *Object
}

// MonitorList tracks every installed monitor so the GC can sweep monitors
// whose objects died and the heap trimmer can deflate idle ones. Registration
// is gated: the GC closes the gate around a sweep so no monitor can be
// installed against a stale liveness verdict.
type MonitorList struct {
	mu       sync.Mutex
	cond     *sync.Cond
	allowNew bool
	list     []*Monitor
}

func newMonitorList() *MonitorList {
	l := &MonitorList{allowNew: true}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// DisallowNewMonitors closes the registration gate. Threads inflating a lock
// block in Add until the gate reopens.
func (l *MonitorList) DisallowNewMonitors() {
	l.mu.Lock()
	l.allowNew = false
	l.mu.Unlock()
}

// AllowNewMonitors reopens the registration gate.
func (l *MonitorList) AllowNewMonitors() {
	l.mu.Lock()
	l.allowNew = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Add registers a freshly installed monitor, blocking while registration is
// disallowed. The installing thread counts as suspended while it waits so a
// pause cannot deadlock against it.
func (l *MonitorList) Add(self *Thread, m *Monitor) {
	l.mu.Lock()
	for !l.allowNew {
		var prev ThreadState
		if self != nil {
			prev = self.beginSuspendable(ThreadBlocked)
		}
		l.cond.Wait()
		if self != nil {
			l.mu.Unlock()
			self.endSuspendable(prev)
			l.mu.Lock()
		}
	}
	l.list = append(l.list, m)
	l.mu.Unlock()
}

// remove unregisters a deflated monitor.
func (l *MonitorList) remove(m *Monitor) {
	l.mu.Lock()
	for i, cur := range l.list {
		if cur == m {
			l.list = append(l.list[:i], l.list[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}

// Size returns the number of registered monitors.
func (l *MonitorList) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.list)
}

// Monitors returns a snapshot of the registered monitors.
func (l *MonitorList) Monitors() []*Monitor {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Monitor, len(l.list))
	copy(out, l.list)
	return out
}

// Sweep drops monitors whose objects died and repoints monitors whose
// objects moved. Runs inside the GC pause with registration disallowed; dead
// monitors go back to the pool.
func (l *MonitorList) Sweep(pool *MonitorPool, visitor IsMarkedVisitor) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.list[:0]
	for _, m := range l.list {
		obj := m.Object()
		if obj == nil {
			pool.release(m)
			continue
		}
		switch marked := visitor.IsMarked(obj); {
		case marked == nil:
			log.Debugf("sweeping dead monitor %d", m.ID())
			m.SetObject(nil)
			pool.release(m)
		case marked != obj:
			m.SetObject(marked)
			kept = append(kept, m)
		default:
			kept = append(kept, m)
		}
	}
	// Clear the tail so released monitors are not retained.
	for i := len(kept); i < len(l.list); i++ {
		l.list[i] = nil
	}
	l.list = kept
}

// DeflateMonitors deflates every quiescent monitor, returning the count
// deflated. All threads must be suspended; called from heap trimming.
func (l *MonitorList) DeflateMonitors(pool *MonitorPool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	deflated := 0
	kept := l.list[:0]
	for _, m := range l.list {
		if m.deflate() {
			pool.release(m)
			deflated++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(l.list); i++ {
		l.list[i] = nil
	}
	l.list = kept
	return deflated
}
