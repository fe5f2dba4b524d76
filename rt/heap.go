package rt

import "sync"

// Heap is the allocation and liveness bookkeeping for managed objects. Go's
// collector owns the memory; what the runtime tracks is the managed object
// graph: which objects exist, which belong to the sealed boot image, where
// moved objects forwarded to, and a stop-the-world mark/sweep that drives the
// weak structures (monitors, weak interns) and exercises the lock word's GC
// bits.
type Heap struct {
	rt *Runtime

	mu      sync.Mutex
	objects map[*Object]struct{}

	// Boot image membership. Sealed objects are immutable to non-strict
	// transactions.
	bootMu sync.Mutex
	boot   map[*Object]struct{}

	// Forwarding table: slot index in a forwarding lock word -> new location.
	fwdMu      sync.RWMutex
	forwarding []*Object
}

func newHeap(rt *Runtime) *Heap {
	return &Heap{
		rt:      rt,
		objects: make(map[*Object]struct{}),
		boot:    make(map[*Object]struct{}),
	}
}

// track registers an object with the heap.
func (h *Heap) track(obj *Object) {
	if obj == nil {
		return
	}
	h.mu.Lock()
	h.objects[obj] = struct{}{}
	h.mu.Unlock()
}

// untrack removes an object, the rollback path for transactional allocation.
func (h *Heap) untrack(obj *Object) {
	h.mu.Lock()
	delete(h.objects, obj)
	h.mu.Unlock()
}

// NumObjects returns the number of tracked objects.
func (h *Heap) NumObjects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}

// ---------------------------------------------------------------------------
// Boot image
// ---------------------------------------------------------------------------

// SealBootImage declares every currently tracked object part of the boot
// image. Later allocations are mutable heap objects.
func (h *Heap) SealBootImage() {
	h.mu.Lock()
	objs := make([]*Object, 0, len(h.objects))
	for obj := range h.objects {
		objs = append(objs, obj)
	}
	h.mu.Unlock()

	h.bootMu.Lock()
	for _, obj := range objs {
		h.boot[obj] = struct{}{}
	}
	h.bootMu.Unlock()
	log.Infof("sealed boot image: %d objects", len(objs))
}

// AddToBootImage declares a single object part of the boot image.
func (h *Heap) AddToBootImage(obj *Object) {
	h.bootMu.Lock()
	h.boot[obj] = struct{}{}
	h.bootMu.Unlock()
}

// InBootImage reports whether obj belongs to the sealed boot image.
func (h *Heap) InBootImage(obj *Object) bool {
	if obj == nil {
		return false
	}
	h.bootMu.Lock()
	_, ok := h.boot[obj]
	h.bootMu.Unlock()
	return ok
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// AllocObject allocates an instance of class. Under an active transaction
// the allocation constraint is checked (finalizable classes abort) and the
// new object is journaled so rollback discards it.
func (h *Heap) AllocObject(self *Thread, class *Class) (*Object, error) {
	if err := h.checkAllocation(self, class); err != nil {
		return nil, err
	}
	obj := NewObject(class)
	h.finishAllocation(obj)
	return obj, nil
}

// AllocArray allocates a primitive array.
func (h *Heap) AllocArray(self *Thread, class *Class, kind FieldKind, length int) (*Object, error) {
	if err := h.checkAllocation(self, class); err != nil {
		return nil, err
	}
	obj := NewArray(class, kind, length)
	h.finishAllocation(obj)
	return obj, nil
}

// AllocString allocates a string object.
func (h *Heap) AllocString(self *Thread, class *Class, contents string) (*Object, error) {
	if err := h.checkAllocation(self, class); err != nil {
		return nil, err
	}
	obj := NewString(class, contents)
	h.finishAllocation(obj)
	return obj, nil
}

func (h *Heap) checkAllocation(self *Thread, class *Class) error {
	if h.rt.IsActiveTransaction() && h.rt.linker.TransactionAllocationConstraint(self, class) {
		return self.ClearPendingError()
	}
	return nil
}

func (h *Heap) finishAllocation(obj *Object) {
	h.track(obj)
	if h.rt.IsActiveTransaction() {
		if t := h.rt.linker.currentTransaction(); t != nil {
			t.RecordNewObject(obj)
		}
	}
}

// ---------------------------------------------------------------------------
// Forwarding
// ---------------------------------------------------------------------------

// canonical chases forwarding lock words to an object's current location.
func (h *Heap) canonical(obj *Object) *Object {
	for {
		lw := obj.LockWord()
		if lw.State() != StateForwarding {
			return obj
		}
		h.fwdMu.RLock()
		obj = h.forwarding[lw.ForwardingSlot()]
		h.fwdMu.RUnlock()
	}
}

// MoveObject relocates obj, leaving a forwarding lock word at the old
// location. All threads must be suspended. The new location inherits the old
// lock word, and a backing monitor is repointed.
func (h *Heap) MoveObject(obj *Object) *Object {
	lw := obj.LockWord()
	if lw.State() == StateForwarding {
		panic("Heap.MoveObject: object already moved")
	}
	clone := &Object{
		class:    obj.class,
		fields:   obj.fields,
		elems:    obj.elems,
		elemKind: obj.elemKind,
		str:      obj.str,
		mirrorOf: obj.mirrorOf,
	}
	clone.SetLockWord(lw.WithoutGCBits())

	h.fwdMu.Lock()
	slot := len(h.forwarding)
	if slot > MaxForwardingSlot {
		log.Critical("forwarding table exhausted")
		panic("Heap.MoveObject: out of forwarding slots")
	}
	h.forwarding = append(h.forwarding, clone)
	h.fwdMu.Unlock()

	obj.SetLockWord(ForwardingLockWord(slot))
	if lw.State() == StateFatLocked {
		if m := h.rt.monitorPool.Get(lw.MonitorID()); m != nil && m.Object() == obj {
			m.SetObject(clone)
		}
	}

	h.untrack(obj)
	h.track(clone)
	if h.InBootImage(obj) {
		h.AddToBootImage(clone)
	}
	return clone
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// heapMarkVisitor answers IsMarked from the mark pass: forwarded objects
// resolve to their new location, marked objects to themselves, everything
// else is dead.
type heapMarkVisitor struct {
	h *Heap
}

func (v heapMarkVisitor) IsMarked(obj *Object) *Object {
	lw := obj.LockWord()
	if lw.State() == StateForwarding {
		moved := v.h.canonical(obj)
		if moved.LockWord().MarkBit() {
			return moved
		}
		return nil
	}
	if lw.MarkBit() {
		return obj
	}
	return nil
}

// Collect runs a stop-the-world mark/sweep over the managed graph. Roots are
// class mirrors, strong interns, every thread's held locks, and the open
// transaction stack. Returns the number of objects swept.
func (h *Heap) Collect(self *Thread) int {
	h.rt.SuspendAll(self)
	defer h.rt.ResumeAll(self)

	h.rt.monitors.DisallowNewMonitors()
	defer h.rt.monitors.AllowNewMonitors()

	var marked []*Object
	var mark func(obj *Object)
	mark = func(obj *Object) {
		if obj == nil {
			return
		}
		obj = h.canonical(obj)
		// CAS loop: a thread pinned mid-inflation can still CAS a fat word
		// into the object while everyone else is paused, so a blind store
		// here could resurrect the stale word.
		for {
			lw := obj.LockWord()
			if lw.MarkBit() {
				return
			}
			if obj.CasLockWord(lw, lw.WithMarkBit(true)) {
				break
			}
		}
		marked = append(marked, obj)

		if c := obj.AsClass(); c != nil {
			if c.Super != nil {
				mark(c.Super.Mirror())
			}
		} else if c := obj.Class(); c != nil {
			mark(c.Mirror())
		}
		for i := 0; i < obj.NumFields(); i++ {
			mark(obj.GetFieldReference(FieldOffset(i)))
		}
	}

	for _, c := range h.rt.Classes() {
		mark(c.Mirror())
	}
	h.rt.interns.mu.Lock()
	strongRoots := make([]*Object, 0, len(h.rt.interns.strong))
	for _, s := range h.rt.interns.strong {
		strongRoots = append(strongRoots, s)
	}
	h.rt.interns.mu.Unlock()
	for _, s := range strongRoots {
		mark(s)
	}
	for _, t := range h.rt.Threads() {
		for _, obj := range t.HeldLocks() {
			mark(obj)
		}
	}
	h.rt.linker.VisitTransactionRoots(func(obj *Object) *Object {
		mark(obj)
		return h.canonical(obj)
	})

	visitor := heapMarkVisitor{h: h}
	h.rt.monitors.Sweep(h.rt.monitorPool, visitor)
	h.rt.interns.SweepWeakInterns(visitor)

	h.mu.Lock()
	swept := 0
	for obj := range h.objects {
		if !obj.LockWord().MarkBit() {
			delete(h.objects, obj)
			swept++
		}
	}
	h.mu.Unlock()

	for _, obj := range marked {
		for {
			lw := obj.LockWord()
			if obj.CasLockWord(lw, lw.WithMarkBit(false)) {
				break
			}
		}
	}
	log.Debugf("collected heap: %d swept, %d live", swept, len(marked))
	return swept
}

// Trim deflates every quiescent monitor under a stop-the-world pause,
// returning lock words to their compact form.
func (h *Heap) Trim(self *Thread) int {
	h.rt.SuspendAll(self)
	defer h.rt.ResumeAll(self)
	deflated := h.rt.monitors.DeflateMonitors(h.rt.monitorPool)
	if deflated > 0 {
		log.Debugf("heap trim deflated %d monitor(s)", deflated)
	}
	return deflated
}
