package rt

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPreinitializeClassCommits(t *testing.T) {
	f := newTxFixture(t)
	f.alpha.Initializer = func(self *Thread, c *Class) error {
		return f.linker.WriteStaticFieldRaw(self, c, "value", 123)
	}

	if err := f.linker.PreinitializeClass(f.self, f.alpha, false); err != nil {
		t.Fatal(err)
	}
	if got := f.alpha.Status(); got != StatusInitialized {
		t.Errorf("status %v, want %v", got, StatusInitialized)
	}
	if got := f.alpha.Mirror().GetFieldRaw(f.alpha.StaticFieldOffset("value"), false); got != 123 {
		t.Errorf("static value %d, want 123", got)
	}
	if f.linker.TransactionDepth() != 0 {
		t.Errorf("transaction depth %d after commit", f.linker.TransactionDepth())
	}
}

func TestPreinitializeRollsBackFailedInitializer(t *testing.T) {
	f := newTxFixture(t)
	boom := errors.New("boom")
	f.alpha.Initializer = func(self *Thread, c *Class) error {
		if err := f.linker.WriteStaticFieldRaw(self, c, "value", 55); err != nil {
			return err
		}
		return boom
	}

	err := f.linker.PreinitializeClass(f.self, f.alpha, false)
	var cie *ClassInitError
	if !errors.As(err, &cie) || !errors.Is(err, boom) {
		t.Fatalf("expected ClassInitError wrapping boom, got %v", err)
	}
	if got := f.alpha.Status(); got != StatusResolved {
		t.Errorf("status %v after rollback, want %v", got, StatusResolved)
	}
	if got := f.alpha.Mirror().GetFieldRaw(f.alpha.StaticFieldOffset("value"), false); got != 0 {
		t.Errorf("static value %d after rollback, want 0", got)
	}
	if f.linker.TransactionDepth() != 0 {
		t.Errorf("transaction depth %d after rollback", f.linker.TransactionDepth())
	}
}

func TestStrictPreinitializeBlocksForeignStaticWrite(t *testing.T) {
	f := newTxFixture(t)
	meddler := NewClass("test.Meddler", nil, nil, nil)
	meddler.Initializer = func(self *Thread, c *Class) error {
		return f.linker.WriteStaticFieldRaw(self, f.beta, "count", 99)
	}
	f.rt.RegisterClass(meddler)

	err := f.linker.PreinitializeClass(f.self, meddler, true)
	if err == nil {
		t.Fatal("strict preinitialization of the meddler succeeded")
	}
	var abort *TransactionAbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected abort in the chain, got %v", err)
	}
	if abort.Msg != "Can't set fields of class test.Beta" {
		t.Errorf("abort message %q", abort.Msg)
	}
	if got := meddler.Status(); got != StatusResolved {
		t.Errorf("meddler status %v after rollback", got)
	}
	if got := f.beta.Mirror().GetFieldRaw(f.beta.StaticFieldOffset("count"), false); got != 0 {
		t.Errorf("victim static %d, want 0", got)
	}
}

func TestFailedStrictInitLeavesTransactionOpen(t *testing.T) {
	f := newTxFixture(t)
	failing := NewClass("test.Failing", nil, nil, nil)
	failing.Initializer = func(self *Thread, c *Class) error {
		return f.linker.WriteStaticFieldRaw(self, f.beta, "count", 1)
	}
	f.rt.RegisterClass(failing)

	f.linker.EnterTransactionMode(f.self, true, failing)
	err := f.linker.InitializeClass(f.self, failing)
	if err == nil {
		t.Fatal("initialization succeeded")
	}
	// The nested transaction stays open so its diagnostic survives until the
	// driver has read it.
	if d := f.linker.TransactionDepth(); d != 2 {
		t.Fatalf("transaction depth %d after failure, want 2", d)
	}
	if msg := f.linker.GetTransaction().AbortMessage(); msg == "" {
		t.Error("abort message lost")
	}
	f.linker.RollbackAllTransactions()
	if f.linker.TransactionDepth() != 0 {
		t.Error("transactions left open after RollbackAllTransactions")
	}
}

func TestBootImageClassRefusedInTransaction(t *testing.T) {
	f := newTxFixture(t)
	f.rt.Heap().SealBootImage()

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	err := f.linker.InitializeClass(f.self, f.beta)
	mustAbort(t, err, "Can't initialize test.Beta because it is defined in a boot image dex file.")
	f.linker.RollbackAllTransactions()
}

func TestBootImageThrowableInitializesOutsideTransaction(t *testing.T) {
	f := newTxFixture(t)
	throwable := NewClass("test.Oops", nil, nil, nil)
	throwable.Throwable = true
	f.rt.RegisterClass(throwable)
	f.rt.Heap().SealBootImage()

	if err := f.linker.InitializeClass(f.self, throwable); err != nil {
		t.Fatal(err)
	}
	if !throwable.IsInitialized() {
		t.Error("throwable class not initialized")
	}
}

func TestBootImageNonThrowablePanicsOutsideTransaction(t *testing.T) {
	f := newTxFixture(t)
	f.rt.Heap().SealBootImage()

	defer func() {
		if recover() == nil {
			t.Error("initializing a sealed non-throwable class did not panic")
		}
	}()
	f.linker.InitializeClass(f.self, f.beta)
}

func TestStrictRefusesBootstrapClass(t *testing.T) {
	f := newTxFixture(t)
	boot := NewClass("test.Boot", nil, nil, nil)
	boot.Bootstrap = true
	f.rt.RegisterClass(boot)

	f.linker.EnterTransactionMode(f.self, true, f.alpha)
	err := f.linker.InitializeClass(f.self, boot)
	mustAbort(t, err, "Can't resolve test.Boot because it is an uninitialized boot class.")
	f.linker.RollbackAllTransactions()
}

func TestStrictRefusesInitializingSuperclass(t *testing.T) {
	f := newTxFixture(t)
	sub := NewClass("test.Sub", f.beta, nil, nil)
	f.rt.RegisterClass(sub)
	f.beta.setStatus(f.self, StatusInitializing)

	f.linker.EnterTransactionMode(f.self, true, f.alpha)
	err := f.linker.InitializeClass(f.self, sub)
	mustAbort(t, err, "Can't resolve test.Sub because it's superclass is not initialized.")
	f.linker.RollbackAllTransactions()
}

func TestSuperclassInitializesFirst(t *testing.T) {
	f := newTxFixture(t)
	var order []string
	f.alpha.Initializer = func(self *Thread, c *Class) error {
		order = append(order, c.Name)
		return nil
	}
	sub := NewClass("test.Sub", f.alpha, nil, nil)
	sub.Initializer = func(self *Thread, c *Class) error {
		order = append(order, c.Name)
		return nil
	}
	f.rt.RegisterClass(sub)

	if err := f.linker.EnsureInitialized(f.self, sub); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "test.Alpha" || order[1] != "test.Sub" {
		t.Errorf("initialization order %v", order)
	}
	if !f.alpha.IsInitialized() || !sub.IsInitialized() {
		t.Error("classes not initialized")
	}
}

func TestErroneousClassReplaysFailure(t *testing.T) {
	f := newTxFixture(t)
	runs := 0
	f.alpha.Initializer = func(self *Thread, c *Class) error {
		runs++
		return fmt.Errorf("attempt %d", runs)
	}

	err1 := f.linker.EnsureInitialized(f.self, f.alpha)
	if err1 == nil {
		t.Fatal("first initialization succeeded")
	}
	if !f.alpha.IsErroneous() {
		t.Fatalf("status %v, want erroneous", f.alpha.Status())
	}

	err2 := f.linker.EnsureInitialized(f.self, f.alpha)
	if err2 == nil {
		t.Fatal("second initialization succeeded")
	}
	if runs != 1 {
		t.Errorf("initializer ran %d times", runs)
	}
	var cie *ClassInitError
	if !errors.As(err2, &cie) || cie.Cause == nil || cie.Cause.Error() != "attempt 1" {
		t.Errorf("replayed failure %v", err2)
	}
}

func TestReentrantInitialization(t *testing.T) {
	f := newTxFixture(t)
	f.alpha.Initializer = func(self *Thread, c *Class) error {
		// A static block touching its own class must not deadlock.
		return f.linker.EnsureInitialized(self, c)
	}
	if err := f.linker.EnsureInitialized(f.self, f.alpha); err != nil {
		t.Fatal(err)
	}
	if !f.alpha.IsInitialized() {
		t.Error("class not initialized")
	}
}

func TestMakeInitializedClassesVisiblyInitialized(t *testing.T) {
	f := newTxFixture(t)
	if err := f.linker.EnsureInitialized(f.self, f.alpha); err != nil {
		t.Fatal(err)
	}
	if f.alpha.Status() != StatusInitialized {
		t.Fatalf("status %v before promotion", f.alpha.Status())
	}
	f.linker.MakeInitializedClassesVisiblyInitialized(f.self)
	if f.alpha.Status() != StatusVisiblyInitialized {
		t.Errorf("status %v after promotion", f.alpha.Status())
	}
	// Untouched classes keep their status.
	if f.beta.Status() != StatusResolved {
		t.Errorf("beta status %v", f.beta.Status())
	}
}

func TestSilentAbortFailsInitialization(t *testing.T) {
	f := newTxFixture(t)
	f.alpha.Initializer = func(self *Thread, c *Class) error {
		f.linker.AbortTransactionF(self, "quietly poisoned")
		self.ClearPendingError()
		return nil
	}

	err := f.linker.PreinitializeClass(f.self, f.alpha, false)
	if err == nil {
		t.Fatal("silently aborted initialization reported success")
	}
	var abort *TransactionAbortError
	if !errors.As(err, &abort) || abort.Msg != "quietly poisoned" {
		t.Errorf("error %v", err)
	}
	if got := f.alpha.Status(); got != StatusResolved {
		t.Errorf("status %v after rollback", got)
	}
}

func TestConcurrentInitializationWaits(t *testing.T) {
	f := newTxFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.alpha.Initializer = func(self *Thread, c *Class) error {
		close(started)
		<-release
		return f.linker.WriteStaticFieldRaw(self, c, "value", 7)
	}

	initDone := make(chan error, 1)
	go func() {
		worker := f.rt.AttachThread("init-worker")
		defer f.rt.DetachThread(worker)
		initDone <- f.linker.EnsureInitialized(worker, f.alpha)
	}()
	<-started

	waiterDone := make(chan error, 1)
	go func() {
		waiter := f.rt.AttachThread("init-waiter")
		defer f.rt.DetachThread(waiter)
		waiterDone <- f.linker.EnsureInitialized(waiter, f.alpha)
	}()

	// The waiter must block until the initializer publishes a status.
	select {
	case err := <-waiterDone:
		t.Fatalf("waiter returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	for _, ch := range []chan error{initDone, waiterDone} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("initialization did not complete")
		}
	}
	if !f.alpha.IsInitialized() {
		t.Error("class not initialized")
	}
	if got := f.alpha.Mirror().GetFieldRaw(f.alpha.StaticFieldOffset("value"), false); got != 7 {
		t.Errorf("static value %d", got)
	}
}
