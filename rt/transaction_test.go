package rt

import (
	"errors"
	"testing"
)

// txFixture wires up a runtime with two classes carrying statics, attached to
// a main thread, ready for transactional mutation.
type txFixture struct {
	rt     *Runtime
	self   *Thread
	linker *AotClassLinker
	alpha  *Class
	beta   *Class
}

func newTxFixture(t *testing.T) *txFixture {
	t.Helper()
	runtime := newTestRuntime()
	f := &txFixture{
		rt:     runtime,
		self:   runtime.AttachThread("main"),
		linker: runtime.Linker(),
	}
	f.alpha = NewClass("test.Alpha", nil, nil, []FieldDesc{
		{Name: "value", Kind: KindInt64},
		{Name: "ref", Kind: KindReference},
	})
	f.beta = NewClass("test.Beta", nil, []FieldDesc{
		{Name: "x", Kind: KindInt32},
	}, []FieldDesc{
		{Name: "count", Kind: KindInt32},
	})
	runtime.RegisterClass(f.alpha)
	runtime.RegisterClass(f.beta)
	return f
}

func mustAbort(t *testing.T, err error, want string) {
	t.Helper()
	var abort *TransactionAbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected transaction abort, got %v", err)
	}
	if abort.Msg != want {
		t.Errorf("abort message %q, want %q", abort.Msg, want)
	}
}

func TestTransactionRollbackRestoresRawField(t *testing.T) {
	f := newTxFixture(t)
	if err := f.linker.WriteStaticFieldRaw(f.self, f.alpha, "value", 7); err != nil {
		t.Fatal(err)
	}

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	for _, v := range []uint64{10, 20, 30} {
		if err := f.linker.WriteStaticFieldRaw(f.self, f.alpha, "value", v); err != nil {
			t.Fatal(err)
		}
	}
	off := f.alpha.StaticFieldOffset("value")
	if got := f.alpha.Mirror().GetFieldRaw(off, false); got != 30 {
		t.Fatalf("value %d before rollback, want 30", got)
	}
	f.linker.RollbackAndExitTransactionMode()

	// The earliest journaled value is restored last.
	if got := f.alpha.Mirror().GetFieldRaw(off, false); got != 7 {
		t.Errorf("value %d after rollback, want 7", got)
	}
	if f.rt.IsActiveTransaction() {
		t.Error("transaction still marked active after rollback")
	}
}

func TestTransactionRollbackRestoresReferenceField(t *testing.T) {
	f := newTxFixture(t)
	old, err := f.rt.Heap().AllocObject(f.self, f.beta)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.linker.WriteStaticFieldReference(f.self, f.alpha, "ref", old); err != nil {
		t.Fatal(err)
	}

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	if err := f.linker.WriteStaticFieldReference(f.self, f.alpha, "ref", nil); err != nil {
		t.Fatal(err)
	}
	f.linker.RollbackAndExitTransactionMode()

	if got := f.alpha.Mirror().GetFieldReference(f.alpha.StaticFieldOffset("ref")); got != old {
		t.Error("reference field not restored by rollback")
	}
}

func TestTransactionRollbackRestoresArrayElement(t *testing.T) {
	f := newTxFixture(t)
	arr, err := f.rt.Heap().AllocArray(f.self, nil, KindInt32, 4)
	if err != nil {
		t.Fatal(err)
	}
	arr.SetElement(2, 11)

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	if err := f.linker.WriteArrayElement(f.self, arr, 2, 99); err != nil {
		t.Fatal(err)
	}
	f.linker.RollbackAndExitTransactionMode()

	if got := arr.GetElement(2); got != 11 {
		t.Errorf("element %d after rollback, want 11", got)
	}
}

func TestTransactionCommitKeepsWrites(t *testing.T) {
	f := newTxFixture(t)
	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	if err := f.linker.WriteStaticFieldRaw(f.self, f.alpha, "value", 42); err != nil {
		t.Fatal(err)
	}
	f.linker.ExitTransactionMode()

	if got := f.alpha.Mirror().GetFieldRaw(f.alpha.StaticFieldOffset("value"), false); got != 42 {
		t.Errorf("value %d after commit, want 42", got)
	}
}

func TestTransactionNewObjectsDiscardedOnRollback(t *testing.T) {
	f := newTxFixture(t)
	before := f.rt.Heap().NumObjects()

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	obj, err := f.rt.Heap().AllocObject(f.self, f.beta)
	if err != nil {
		t.Fatal(err)
	}
	// Writes to transaction-born objects need no undo records.
	tx := f.linker.GetTransaction()
	n := tx.NumRecords()
	if err := f.linker.WriteFieldRaw(f.self, obj, 0, 5, false); err != nil {
		t.Fatal(err)
	}
	if tx.NumRecords() != n {
		t.Error("write to new object was journaled")
	}
	f.linker.RollbackAndExitTransactionMode()

	if got := f.rt.Heap().NumObjects(); got != before {
		t.Errorf("%d objects after rollback, want %d", got, before)
	}
}

func TestTransactionAbortFirstMessageWins(t *testing.T) {
	f := newTxFixture(t)
	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	tx := f.linker.GetTransaction()
	tx.Abort("first failure")
	tx.Abort("second failure")
	if tx.AbortMessage() != "first failure" {
		t.Errorf("abort message %q", tx.AbortMessage())
	}
	if !f.linker.IsTransactionAborted() {
		t.Error("transaction not reported aborted")
	}
	f.linker.RollbackAndExitTransactionMode()
}

func TestTransactionBootImageWriteConstraint(t *testing.T) {
	f := newTxFixture(t)
	f.rt.Heap().SealBootImage()

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	err := f.linker.WriteStaticFieldRaw(f.self, f.beta, "count", 1)
	mustAbort(t, err, "Can't set fields of boot image class test.Beta")
	f.linker.RollbackAndExitTransactionMode()
}

func TestStrictTransactionWriteConstraint(t *testing.T) {
	f := newTxFixture(t)
	f.linker.EnterTransactionMode(f.self, true, f.alpha)

	// The root's own statics are fair game.
	if err := f.linker.WriteStaticFieldRaw(f.self, f.alpha, "value", 1); err != nil {
		t.Fatalf("write to root statics blocked: %v", err)
	}

	err := f.linker.WriteStaticFieldRaw(f.self, f.beta, "count", 1)
	mustAbort(t, err, "Can't set fields of class test.Beta")
	f.linker.RollbackAndExitTransactionMode()
}

func TestStrictTransactionReadConstraint(t *testing.T) {
	f := newTxFixture(t)
	f.linker.EnterTransactionMode(f.self, true, f.alpha)

	if _, err := f.linker.ReadStaticFieldRaw(f.self, f.alpha, "value"); err != nil {
		t.Fatalf("read of root statics blocked: %v", err)
	}

	_, err := f.linker.ReadStaticFieldRaw(f.self, f.beta, "count")
	mustAbort(t, err, "Can't read static fields of class test.Beta since it does not belong to clinit's class.")
	f.linker.RollbackAndExitTransactionMode()
}

func TestTransactionWriteValueConstraint(t *testing.T) {
	f := newTxFixture(t)
	// Nothing is sealed, so beta instances are not boot-image references.
	victim, err := f.rt.Heap().AllocObject(f.self, f.beta)
	if err != nil {
		t.Fatal(err)
	}

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	werr := f.linker.WriteStaticFieldReference(f.self, f.alpha, "ref", victim)
	mustAbort(t, werr, "Can't store reference to instance of test.Beta")
	f.linker.RollbackAndExitTransactionMode()
}

func TestTransactionAllocationConstraint(t *testing.T) {
	f := newTxFixture(t)
	finalizable := NewClass("test.Resource", nil, nil, nil)
	finalizable.Finalizable = true
	f.rt.RegisterClass(finalizable)

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	_, err := f.rt.Heap().AllocObject(f.self, finalizable)
	mustAbort(t, err, "Allocating finalizable object in transaction: test.Resource")
	f.linker.RollbackAndExitTransactionMode()

	// Outside a transaction the same allocation is fine.
	if _, err := f.rt.Heap().AllocObject(f.self, finalizable); err != nil {
		t.Fatalf("allocation outside transaction failed: %v", err)
	}
}

func TestCanAllocClass(t *testing.T) {
	f := newTxFixture(t)
	if !f.linker.CanAllocClass(f.self) {
		t.Error("class creation blocked outside transaction")
	}

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	if f.linker.CanAllocClass(f.self) {
		t.Error("class creation allowed inside transaction")
	}
	mustAbort(t, f.self.ClearPendingError(), "Can't resolve type within transaction.")
	f.linker.RollbackAndExitTransactionMode()
}

func TestInternRollback(t *testing.T) {
	f := newTxFixture(t)
	interns := f.rt.Interns()

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	s, err := f.rt.Heap().AllocString(f.self, nil, "greetings")
	if err != nil {
		t.Fatal(err)
	}
	interns.InternStrong(s)
	if interns.Lookup("greetings") != s {
		t.Fatal("intern not visible inside transaction")
	}
	f.linker.RollbackAndExitTransactionMode()

	if interns.Lookup("greetings") != nil {
		t.Error("strong intern survived rollback")
	}
}

func TestInternRollbackRestoresWeakPromotion(t *testing.T) {
	f := newTxFixture(t)
	interns := f.rt.Interns()
	s, err := f.rt.Heap().AllocString(f.self, nil, "promoted")
	if err != nil {
		t.Fatal(err)
	}
	interns.InternWeak(s)

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	if got := interns.InternStrong(s); got != s {
		t.Fatal("promotion returned a different object")
	}
	f.linker.RollbackAndExitTransactionMode()

	interns.mu.Lock()
	_, inStrong := interns.strong["promoted"]
	weak := interns.weak["promoted"]
	interns.mu.Unlock()
	if inStrong {
		t.Error("string still strongly interned after rollback")
	}
	if weak != s {
		t.Error("weak intern not restored by rollback")
	}
}

func TestResolveStringRollback(t *testing.T) {
	f := newTxFixture(t)
	cache := NewResolveCache()

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	s, err := f.linker.ResolveString(f.self, cache, 3, "const", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cache.GetString(3) != s {
		t.Fatal("cache slot not filled")
	}
	// A second resolve hits the cache.
	again, err := f.linker.ResolveString(f.self, cache, 3, "const", nil)
	if err != nil || again != s {
		t.Fatalf("re-resolve returned %v, %v", again, err)
	}
	f.linker.RollbackAndExitTransactionMode()

	if cache.GetString(3) != nil {
		t.Error("cache slot survived rollback")
	}
	if f.rt.Interns().Lookup("const") != nil {
		t.Error("interned constant survived rollback")
	}
}

func TestResolveMethodTypeRollback(t *testing.T) {
	f := newTxFixture(t)
	cache := NewResolveCache()
	mt, err := f.rt.Heap().AllocObject(f.self, f.beta)
	if err != nil {
		t.Fatal(err)
	}

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	if got := f.linker.ResolveMethodType(f.self, cache, 1, mt); got != mt {
		t.Fatal("resolve did not return the method type")
	}
	f.linker.RollbackAndExitTransactionMode()

	if cache.GetMethodType(1) != nil {
		t.Error("method-type slot survived rollback")
	}
}

func TestClassStatusRollback(t *testing.T) {
	f := newTxFixture(t)
	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	f.beta.setStatus(f.self, StatusVerified)
	f.beta.setStatus(f.self, StatusInitializing)
	f.linker.RollbackAndExitTransactionMode()

	if got := f.beta.Status(); got != StatusResolved {
		t.Errorf("status %v after rollback, want %v", got, StatusResolved)
	}
}

func TestNestedTransactionsShareArena(t *testing.T) {
	f := newTxFixture(t)
	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	outer := f.linker.GetTransaction()
	f.linker.EnterTransactionMode(f.self, true, f.beta)
	inner := f.linker.GetTransaction()

	if f.linker.TransactionDepth() != 2 {
		t.Fatalf("depth %d, want 2", f.linker.TransactionDepth())
	}
	if inner.arena != outer.arena {
		t.Error("nested transaction does not share the outer arena")
	}
	if !inner.IsStrict() || outer.IsStrict() {
		t.Error("strictness not tracked per transaction")
	}

	f.linker.RollbackAndExitTransactionMode()
	if !f.rt.IsActiveTransaction() {
		t.Error("outer transaction no longer active after inner rollback")
	}
	f.linker.RollbackAndExitTransactionMode()
	if f.rt.IsActiveTransaction() {
		t.Error("transaction flag stuck after full unwind")
	}
}

func TestInnerRollbackLeavesOuterRecords(t *testing.T) {
	f := newTxFixture(t)
	valueOff := f.alpha.StaticFieldOffset("value")
	countOff := f.beta.StaticFieldOffset("count")
	if err := f.linker.WriteStaticFieldRaw(f.self, f.alpha, "value", 7); err != nil {
		t.Fatal(err)
	}
	if err := f.linker.WriteStaticFieldRaw(f.self, f.beta, "count", 1); err != nil {
		t.Fatal(err)
	}

	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	if err := f.linker.WriteStaticFieldRaw(f.self, f.alpha, "value", 10); err != nil {
		t.Fatal(err)
	}
	outer := f.linker.GetTransaction()
	outerRecords := outer.NumRecords()

	f.linker.EnterTransactionMode(f.self, false, f.beta)
	if err := f.linker.WriteStaticFieldRaw(f.self, f.alpha, "value", 20); err != nil {
		t.Fatal(err)
	}
	if err := f.linker.WriteStaticFieldRaw(f.self, f.beta, "count", 5); err != nil {
		t.Fatal(err)
	}
	f.linker.RollbackAndExitTransactionMode()

	// Rolling back the inner transaction undoes only the inner journal:
	// alpha.value returns to the outer transaction's write, beta.count to
	// its pre-transaction value, and the outer journal is untouched.
	if got := f.alpha.Mirror().GetFieldRaw(valueOff, false); got != 10 {
		t.Errorf("value %d after inner rollback, want 10", got)
	}
	if got := f.beta.Mirror().GetFieldRaw(countOff, false); got != 1 {
		t.Errorf("count %d after inner rollback, want 1", got)
	}
	if got := outer.NumRecords(); got != outerRecords {
		t.Errorf("inner rollback changed the outer journal: %d records, want %d", got, outerRecords)
	}

	f.linker.RollbackAndExitTransactionMode()
	if got := f.alpha.Mirror().GetFieldRaw(valueOff, false); got != 7 {
		t.Errorf("value %d after outer rollback, want 7", got)
	}
	if got := f.beta.Mirror().GetFieldRaw(countOff, false); got != 1 {
		t.Errorf("count %d after outer rollback, want 1", got)
	}
	if f.rt.IsActiveTransaction() {
		t.Error("transaction flag stuck after full unwind")
	}
}

func TestRollbackPanicsWhileActive(t *testing.T) {
	f := newTxFixture(t)
	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	tx := f.linker.GetTransaction()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("Rollback of the active transaction did not panic")
			}
		}()
		tx.Rollback()
	}()
	f.linker.RollbackAndExitTransactionMode()
}

func TestAssertNoNewRecordsPanics(t *testing.T) {
	f := newTxFixture(t)
	f.linker.EnterTransactionMode(f.self, false, f.alpha)
	tx := f.linker.GetTransaction()

	release := tx.assertNoNewRecords("sweeping")
	func() {
		defer func() {
			if recover() == nil {
				t.Error("journaling while frozen did not panic")
			}
		}()
		tx.RecordWriteFieldRaw(f.alpha.Mirror(), 0, false)
	}()
	release()
	tx.RecordWriteFieldRaw(f.alpha.Mirror(), 0, false)
	f.linker.RollbackAndExitTransactionMode()
}

func TestTxArenaChunking(t *testing.T) {
	arena := newTxArena()
	var records []*txRecord
	for i := 0; i < txArenaChunk*2+5; i++ {
		r := arena.alloc()
		r.idx = i
		records = append(records, r)
	}
	if len(arena.chunks) != 3 {
		t.Fatalf("%d chunks for %d records", len(arena.chunks), len(records))
	}
	// Growth must never move records already handed out.
	for i, r := range records {
		if r.idx != i {
			t.Fatalf("record %d corrupted after arena growth", i)
		}
	}
}
