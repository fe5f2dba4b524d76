package rt

import (
	"fmt"
	"sync"
)

// AotClassLinker drives class initialization during ahead-of-time
// compilation. Every initializer runs inside a transaction so that a failed
// or constraint-violating initialization can be rolled back without leaving
// half-initialized state in the image. Strict transactions cover boot-image
// re-initialization and nest: resolving another class inside an initializer
// pushes a fresh transaction onto the stack.
type AotClassLinker struct {
	rt *Runtime

	// txns is the open transaction stack, innermost last. Guarded by mu for
	// the benefit of GC root visiting; the compiler driver itself is single
	// threaded through here.
	mu   sync.Mutex
	txns []*Transaction
}

func newAotClassLinker(rt *Runtime) *AotClassLinker {
	return &AotClassLinker{rt: rt}
}

// IsActiveTransaction reports whether any transaction is open.
func (l *AotClassLinker) IsActiveTransaction() bool {
	return l.rt.IsActiveTransaction()
}

// IsActiveStrictTransactionMode reports whether the innermost open
// transaction is strict.
func (l *AotClassLinker) IsActiveStrictTransactionMode() bool {
	if !l.IsActiveTransaction() {
		return false
	}
	return l.GetTransaction().IsStrict()
}

// GetTransaction returns the innermost open transaction, panicking if none.
func (l *AotClassLinker) GetTransaction() *Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.txns) == 0 {
		panic("AotClassLinker.GetTransaction: no open transaction")
	}
	return l.txns[len(l.txns)-1]
}

// currentTransaction is GetTransaction without the panic, nil if none.
func (l *AotClassLinker) currentTransaction() *Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.txns) == 0 {
		return nil
	}
	return l.txns[len(l.txns)-1]
}

// TransactionDepth returns the number of open transactions.
func (l *AotClassLinker) TransactionDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.txns)
}

// ---------------------------------------------------------------------------
// Transaction mode
// ---------------------------------------------------------------------------

// EnterTransactionMode opens a transaction rooted at root. A nested
// transaction shares the outer one's record arena; a top-level one first
// makes initialized classes visibly initialized, since doing that inside the
// transaction and then rolling back would strand them.
func (l *AotClassLinker) EnterTransactionMode(self *Thread, strict bool, root *Class) {
	l.mu.Lock()
	var arena *txArena
	if n := len(l.txns); n > 0 {
		arena = l.txns[n-1].arena
	}
	topLevel := arena == nil
	l.mu.Unlock()

	if topLevel {
		l.MakeInitializedClassesVisiblyInitialized(self)
	}

	t := newTransaction(l.rt, strict, root, arena)
	l.mu.Lock()
	l.txns = append(l.txns, t)
	l.mu.Unlock()
	l.rt.setActiveTransaction()
	log.Debugf("entered transaction mode (strict=%v, root=%s, depth=%d)", strict, root.Name, l.TransactionDepth())
}

// ExitTransactionMode commits the innermost transaction: its records are
// simply discarded, the mutations stand.
func (l *AotClassLinker) ExitTransactionMode() {
	l.mu.Lock()
	if len(l.txns) == 0 {
		l.mu.Unlock()
		panic("AotClassLinker.ExitTransactionMode: no open transaction")
	}
	l.txns = l.txns[:len(l.txns)-1]
	empty := len(l.txns) == 0
	l.mu.Unlock()
	if empty {
		l.rt.clearActiveTransaction()
	}
}

// RollbackAndExitTransactionMode undoes and closes the innermost
// transaction. The active flag is dropped around the replay so the undo
// writes are not themselves journaled.
func (l *AotClassLinker) RollbackAndExitTransactionMode() {
	l.mu.Lock()
	if len(l.txns) == 0 {
		l.mu.Unlock()
		panic("AotClassLinker.RollbackAndExitTransactionMode: no open transaction")
	}
	t := l.txns[len(l.txns)-1]
	l.txns = l.txns[:len(l.txns)-1]
	remaining := len(l.txns)
	l.mu.Unlock()

	l.rt.clearActiveTransaction()
	t.Rollback()
	if remaining > 0 {
		l.rt.setActiveTransaction()
	}
}

// RollbackAllTransactions unwinds the whole stack. After an aborted
// initialization the failed transactions are all still open; this is the
// compiler driver's cleanup once it has captured the diagnostics.
func (l *AotClassLinker) RollbackAllTransactions() {
	for l.IsActiveTransaction() {
		l.RollbackAndExitTransactionMode()
	}
}

// VisitTransactionRoots presents every reference held by any open
// transaction's journal to the visitor. The GC must see the whole stack:
// outer transactions hold old values that rollback may still need.
func (l *AotClassLinker) VisitTransactionRoots(visit func(*Object) *Object) {
	l.mu.Lock()
	txns := make([]*Transaction, len(l.txns))
	copy(txns, l.txns)
	l.mu.Unlock()
	for _, t := range txns {
		t.VisitRoots(visit)
	}
}

// ---------------------------------------------------------------------------
// Abort
// ---------------------------------------------------------------------------

// AbortTransactionF aborts the innermost transaction with a formatted
// diagnostic and installs the abort error on self.
func (l *AotClassLinker) AbortTransactionF(self *Thread, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t := l.GetTransaction()
	t.Abort(msg)
	t.ThrowAbortError(self, &msg)
	log.Debugf("transaction aborted: %s", msg)
}

// ThrowTransactionAbortError re-installs the stored abort error on self,
// for callers that swallowed the original.
func (l *AotClassLinker) ThrowTransactionAbortError(self *Thread) {
	l.GetTransaction().ThrowAbortError(self, nil)
}

// IsTransactionAborted reports whether the innermost open transaction has
// been aborted. False when no transaction is open.
func (l *AotClassLinker) IsTransactionAborted() bool {
	t := l.currentTransaction()
	return t != nil && t.IsAborted()
}

// ---------------------------------------------------------------------------
// Constraint wrappers
// ---------------------------------------------------------------------------

func describeObject(obj *Object) string {
	if c := obj.AsClass(); c != nil {
		return "class " + c.Name
	}
	if c := obj.Class(); c != nil {
		return "instance of " + c.Name
	}
	return "object"
}

// TransactionWriteConstraint aborts if writing a field of obj is forbidden,
// returning true when blocked.
func (l *AotClassLinker) TransactionWriteConstraint(self *Thread, obj *Object) bool {
	if !l.GetTransaction().WriteConstraint(obj) {
		return false
	}
	extra := ""
	if l.rt.heap.InBootImage(obj) {
		extra = "boot image "
	}
	l.AbortTransactionF(self, "Can't set fields of %s%s", extra, describeObject(obj))
	return true
}

// TransactionWriteValueConstraint aborts if storing value into a reference
// field is forbidden.
func (l *AotClassLinker) TransactionWriteValueConstraint(self *Thread, value *Object) bool {
	if !l.GetTransaction().WriteValueConstraint(value) {
		return false
	}
	name := "object"
	if c := value.AsClass(); c != nil {
		name = "class " + c.Name
	} else if c := value.Class(); c != nil {
		name = "instance of " + c.Name
	}
	l.AbortTransactionF(self, "Can't store reference to %s", name)
	return true
}

// TransactionReadConstraint aborts if reading a static field of obj is
// forbidden.
func (l *AotClassLinker) TransactionReadConstraint(self *Thread, obj *Object) bool {
	if !l.GetTransaction().ReadConstraint(obj) {
		return false
	}
	l.AbortTransactionF(self, "Can't read static fields of %s since it does not belong to clinit's class.", describeObject(obj))
	return true
}

// TransactionAllocationConstraint aborts if class may not be instantiated
// inside a transaction.
func (l *AotClassLinker) TransactionAllocationConstraint(self *Thread, class *Class) bool {
	if class == nil || !class.Finalizable {
		return false
	}
	l.AbortTransactionF(self, "Allocating finalizable object in transaction: %s", class.Name)
	return true
}

// CanAllocClass reports whether a new class may be created right now.
// Class creation has no undo record, so inside a transaction it aborts.
func (l *AotClassLinker) CanAllocClass(self *Thread) bool {
	if l.IsActiveTransaction() {
		l.AbortTransactionF(self, "Can't resolve type within transaction.")
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Transactional mutation
// ---------------------------------------------------------------------------

// WriteFieldRaw performs a primitive field write, journaling it and checking
// constraints when a transaction is active. The returned error is the
// installed abort error when the write was blocked.
func (l *AotClassLinker) WriteFieldRaw(self *Thread, obj *Object, off FieldOffset, v uint64, volatile bool) error {
	if l.IsActiveTransaction() {
		if l.TransactionWriteConstraint(self, obj) {
			return self.ClearPendingError()
		}
		l.GetTransaction().RecordWriteFieldRaw(obj, off, volatile)
	}
	obj.SetFieldRaw(off, v, volatile)
	return nil
}

// WriteFieldReference performs a reference field write under the write and
// write-value constraints.
func (l *AotClassLinker) WriteFieldReference(self *Thread, obj *Object, off FieldOffset, value *Object) error {
	if l.IsActiveTransaction() {
		if l.TransactionWriteConstraint(self, obj) {
			return self.ClearPendingError()
		}
		if l.TransactionWriteValueConstraint(self, value) {
			return self.ClearPendingError()
		}
		l.GetTransaction().RecordWriteFieldReference(obj, off, false)
	}
	obj.SetFieldReference(off, value)
	return nil
}

// WriteStaticFieldRaw writes a static primitive field of c.
func (l *AotClassLinker) WriteStaticFieldRaw(self *Thread, c *Class, name string, v uint64) error {
	off := c.StaticFieldOffset(name)
	return l.WriteFieldRaw(self, c.Mirror(), off, v, c.StaticFields()[off].Volatile)
}

// WriteStaticFieldReference writes a static reference field of c.
func (l *AotClassLinker) WriteStaticFieldReference(self *Thread, c *Class, name string, value *Object) error {
	return l.WriteFieldReference(self, c.Mirror(), c.StaticFieldOffset(name), value)
}

// ReadStaticFieldRaw reads a static primitive field of c. In strict mode
// reading another class's statics aborts: its values may be rolled back
// after this initializer commits.
func (l *AotClassLinker) ReadStaticFieldRaw(self *Thread, c *Class, name string) (uint64, error) {
	if l.IsActiveStrictTransactionMode() && l.TransactionReadConstraint(self, c.Mirror()) {
		return 0, self.ClearPendingError()
	}
	off := c.StaticFieldOffset(name)
	return c.Mirror().GetFieldRaw(off, c.StaticFields()[off].Volatile), nil
}

// ReadStaticFieldReference reads a static reference field of c under the
// strict-mode read constraint.
func (l *AotClassLinker) ReadStaticFieldReference(self *Thread, c *Class, name string) (*Object, error) {
	if l.IsActiveStrictTransactionMode() && l.TransactionReadConstraint(self, c.Mirror()) {
		return nil, self.ClearPendingError()
	}
	return c.Mirror().GetFieldReference(c.StaticFieldOffset(name)), nil
}

// WriteArrayElement performs a primitive array store under the write
// constraint.
func (l *AotClassLinker) WriteArrayElement(self *Thread, arr *Object, idx int, v uint64) error {
	if l.IsActiveTransaction() {
		if l.TransactionWriteConstraint(self, arr) {
			return self.ClearPendingError()
		}
		l.GetTransaction().RecordWriteArray(arr, idx)
	}
	arr.SetElement(idx, v)
	return nil
}

// ResolveString resolves a string constant through cache slot idx, interning
// the result. Transactional: rollback clears the slot and unwinds the
// interning.
func (l *AotClassLinker) ResolveString(self *Thread, cache *ResolveCache, idx int, contents string, stringClass *Class) (*Object, error) {
	if s := cache.GetString(idx); s != nil {
		return s, nil
	}
	s, err := l.rt.heap.AllocString(self, stringClass, contents)
	if err != nil {
		return nil, err
	}
	s = l.rt.interns.InternStrong(s)
	if l.IsActiveTransaction() {
		l.GetTransaction().RecordResolveString(cache, idx)
	}
	cache.PutString(idx, s)
	return s, nil
}

// ResolveMethodType fills a method-type cache slot transactionally.
func (l *AotClassLinker) ResolveMethodType(self *Thread, cache *ResolveCache, idx int, mt *Object) *Object {
	if cur := cache.GetMethodType(idx); cur != nil {
		return cur
	}
	if l.IsActiveTransaction() {
		l.GetTransaction().RecordResolveMethodType(cache, idx)
	}
	cache.PutMethodType(idx, mt)
	return mt
}

// recordClassStatus journals a class status change into the innermost open
// transaction.
func (l *AotClassLinker) recordClassStatus(c *Class, old ClassStatus) {
	if t := l.currentTransaction(); t != nil {
		t.recordClassStatus(c, old)
	}
}

// ---------------------------------------------------------------------------
// Class initialization
// ---------------------------------------------------------------------------

// MakeInitializedClassesVisiblyInitialized promotes every initialized class
// to visibly initialized. Must run outside any transaction: the promotion is
// not undoable bookkeeping.
func (l *AotClassLinker) MakeInitializedClassesVisiblyInitialized(self *Thread) {
	if l.IsActiveTransaction() {
		panic("MakeInitializedClassesVisiblyInitialized: transaction active")
	}
	n := 0
	for _, c := range l.rt.Classes() {
		if c.Status() == StatusInitialized {
			c.setStatus(self, StatusVisiblyInitialized)
			n++
		}
	}
	if n > 0 {
		log.Debugf("made %d class(es) visibly initialized", n)
	}
}

// PreinitializeClass is the compiler driver entry point: it runs c's
// initialization under a fresh top-level transaction, committing on success
// and rolling everything back on failure. The abort diagnostic is captured
// before the rollback destroys it.
func (l *AotClassLinker) PreinitializeClass(self *Thread, c *Class, strict bool) error {
	l.EnterTransactionMode(self, strict, c)
	err := l.InitializeClass(self, c)
	if err == nil {
		l.ExitTransactionMode()
		return nil
	}
	if l.IsActiveTransaction() {
		if msg := l.GetTransaction().AbortMessage(); msg != "" {
			log.Infof("preinitialization of %s failed: %s", c.Name, msg)
		}
	}
	l.RollbackAllTransactions()
	return err
}

// InitializeClass wraps the base initialization protocol with the strict
// transaction rules: refuse boot-image classes, refuse uninitialized
// bootstrap classes in strict mode, refuse a subclass whose superclass is
// still mid-initialization (a later superclass abort would invalidate the
// subclass's committed state), and run the initializer under a nested strict
// transaction. On failure the nested transaction is intentionally left open
// so the caller can read the abort message before rolling back.
func (l *AotClassLinker) InitializeClass(self *Thread, c *Class) error {
	strictMode := l.IsActiveStrictTransactionMode()

	if c.IsInitialized() || c.IsInitializing() {
		return l.initializeClass(self, c)
	}

	if !strictMode && l.rt.heap.InBootImage(c.Mirror()) {
		if l.IsActiveTransaction() {
			l.AbortTransactionF(self, "Can't initialize %s because it is defined in a boot image dex file.", c.Name)
			return self.ClearPendingError()
		}
		// Only throwable classes may be initialized outside a transaction
		// once the boot image is sealed; anything else is a driver bug.
		if !c.Throwable {
			panic("InitializeClass: sealed boot image class is not throwable: " + c.Name)
		}
	}

	if strictMode && c.Bootstrap {
		l.AbortTransactionF(self, "Can't resolve %s because it is an uninitialized boot class.", c.Name)
		return self.ClearPendingError()
	}

	if strictMode && !c.Interface && c.Super != nil && c.Super.Status() == StatusInitializing {
		l.AbortTransactionF(self, "Can't resolve %s because it's superclass is not initialized.", c.Name)
		return self.ClearPendingError()
	}

	if strictMode {
		l.EnterTransactionMode(self, true, c)
	}
	err := l.initializeClass(self, c)
	if strictMode && err == nil {
		l.ExitTransactionMode()
	}
	return err
}

// initializeClass is the base initialization protocol: the class's own
// monitor serializes initializers, waiters park on it until the running
// initializer publishes a terminal status.
func (l *AotClassLinker) initializeClass(self *Thread, c *Class) error {
	rt := l.rt
	obj := rt.MonitorEnter(self, c.Mirror())

	for {
		switch st := c.Status(); {
		case st == StatusInitialized || st == StatusVisiblyInitialized:
			if err := rt.MonitorExit(self, obj); err != nil {
				return err
			}
			return nil

		case st == StatusErroneous:
			cause := c.initErr
			if err := rt.MonitorExit(self, obj); err != nil {
				return err
			}
			return &ClassInitError{Class: c.Name, Cause: cause}

		case st == StatusInitializing:
			if c.InitializingThread() == self {
				// Reentrant reference from our own initializer.
				if err := rt.MonitorExit(self, obj); err != nil {
					return err
				}
				return nil
			}
			if err := rt.Wait(self, obj, 0, 0, false, ThreadWaiting); err != nil {
				rt.MonitorExit(self, obj)
				return err
			}
			continue
		}
		break
	}

	if c.Status() == StatusResolved {
		c.setStatus(self, StatusVerified)
	}
	c.setStatus(self, StatusInitializing)
	c.initThread.Store(self)
	if err := rt.MonitorExit(self, obj); err != nil {
		return err
	}

	var initErr error

	// Superclasses initialize first; a failure there fails the subclass.
	if !c.Interface && c.Super != nil && !c.Super.IsInitialized() {
		initErr = l.InitializeClass(self, c.Super)
	}

	if initErr == nil && c.Initializer != nil {
		initErr = c.Initializer(self, c)
	}
	// A silently-aborted transaction fails the class even if the
	// initializer returned cleanly.
	if initErr == nil && l.IsTransactionAborted() {
		l.ThrowTransactionAbortError(self)
		initErr = self.ClearPendingError()
	}

	rt.MonitorEnter(self, obj)
	c.initThread.Store(nil)
	if initErr != nil {
		c.initErr = initErr
		c.setStatus(self, StatusErroneous)
		rt.NotifyAll(self, obj)
		rt.MonitorExit(self, obj)
		return &ClassInitError{Class: c.Name, Cause: initErr}
	}
	c.setStatus(self, StatusInitialized)
	rt.NotifyAll(self, obj)
	if err := rt.MonitorExit(self, obj); err != nil {
		return err
	}
	log.Debugf("initialized class %s", c.Name)
	return nil
}

// EnsureInitialized is the mutator-facing entry: initialize c if needed,
// reporting the recorded failure for erroneous classes.
func (l *AotClassLinker) EnsureInitialized(self *Thread, c *Class) error {
	if c.IsInitialized() {
		return nil
	}
	return l.InitializeClass(self, c)
}
