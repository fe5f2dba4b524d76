package rt

// Transaction journals every mutation a class initializer performs so the
// whole initialization can be undone if it aborts: field and array writes,
// string-table insertions and removals, resolve-cache fills, allocations and
// class status changes. Records are appended in program order and undone in
// reverse, so the earliest recorded value for a location is the last one
// restored.
//
// Only one thread runs a given initializer, so the journal itself needs no
// lock; the class-initialization protocol serializes access.
type Transaction struct {
	rt     *Runtime
	strict bool
	root   *Class

	aborted  bool
	abortMsg string

	// Suppresses journaling while the journal itself is being replayed.
	rollingBack bool

	arena   *txArena
	records []*txRecord

	// Objects allocated inside this transaction. Writes to them need no
	// undo record; rollback discards the whole object.
	newObjects map[*Object]struct{}

	// Non-empty while a caller asserts the record set is frozen.
	noNewRecordsReason string
}

// txArena is the slab allocator behind transaction records. Nested
// transactions share their parent's arena so the whole stack releases its
// memory at once when the outermost transaction finishes.
type txArena struct {
	chunks [][]txRecord
}

const txArenaChunk = 64

func newTxArena() *txArena {
	return &txArena{}
}

func (a *txArena) alloc() *txRecord {
	n := len(a.chunks)
	if n == 0 || len(a.chunks[n-1]) == cap(a.chunks[n-1]) {
		a.chunks = append(a.chunks, make([]txRecord, 0, txArenaChunk))
		n++
	}
	a.chunks[n-1] = append(a.chunks[n-1], txRecord{})
	chunk := a.chunks[n-1]
	return &chunk[len(chunk)-1]
}

type recordKind uint8

const (
	recFieldRaw recordKind = iota
	recFieldRef
	recArrayElem
	recInternString
	recResolveString
	recResolveMethodType
	recClassStatus
	recNewObject
)

type txRecord struct {
	kind recordKind

	obj      *Object
	off      FieldOffset
	volatile bool
	oldRaw   uint64
	oldRef   *Object

	idx int // array element or resolve-cache slot

	// Intern record state.
	str    *Object
	strong bool
	insert bool

	cache *ResolveCache

	class     *Class
	oldStatus ClassStatus
}

func newTransaction(rt *Runtime, strict bool, root *Class, arena *txArena) *Transaction {
	if arena == nil {
		arena = newTxArena()
	}
	return &Transaction{
		rt:         rt,
		strict:     strict,
		root:       root,
		arena:      arena,
		newObjects: make(map[*Object]struct{}),
	}
}

// IsStrict reports whether this is a strict (boot-image re-initialization)
// transaction.
func (t *Transaction) IsStrict() bool {
	return t.strict
}

// Root returns the class whose initializer this transaction covers.
func (t *Transaction) Root() *Class {
	return t.root
}

// NumRecords returns the journal length.
func (t *Transaction) NumRecords() int {
	return len(t.records)
}

// ---------------------------------------------------------------------------
// Abort
// ---------------------------------------------------------------------------

// Abort marks the transaction aborted. Idempotent: the first message wins, so
// the diagnostic names the original violation rather than a knock-on one.
func (t *Transaction) Abort(msg string) {
	if !t.aborted {
		t.aborted = true
		t.abortMsg = msg
	}
}

// IsAborted reports whether the transaction has been aborted.
func (t *Transaction) IsAborted() bool {
	return t.aborted
}

// AbortMessage returns the first abort diagnostic, "" if not aborted.
func (t *Transaction) AbortMessage() string {
	return t.abortMsg
}

// ThrowAbortError installs a TransactionAbortError as self's pending error.
// A nil msg rethrows with the transaction's stored abort message.
func (t *Transaction) ThrowAbortError(self *Thread, msg *string) {
	if t.IsRollingBack() {
		log.Errorf("transaction abort error thrown during rollback: %s", t.abortMsg)
	}
	text := t.abortMsg
	if msg != nil {
		text = *msg
	}
	self.pendingErr = &TransactionAbortError{Msg: text}
}

// IsRollingBack reports whether the journal is currently being replayed.
func (t *Transaction) IsRollingBack() bool {
	return t.rollingBack
}

// ---------------------------------------------------------------------------
// Constraints
// ---------------------------------------------------------------------------

// WriteConstraint reports whether writing a field of obj is forbidden.
// Non-strict transactions protect the sealed boot image; strict transactions
// additionally forbid touching statics of any class other than the root.
func (t *Transaction) WriteConstraint(obj *Object) bool {
	if !t.strict {
		return t.rt.heap.InBootImage(obj)
	}
	return obj.IsClassMirror() && obj.AsClass() != t.root
}

// ReadConstraint reports whether reading a static field of obj is forbidden.
// Only strict transactions constrain reads, and only of class mirrors.
func (t *Transaction) ReadConstraint(obj *Object) bool {
	if !t.strict || !obj.IsClassMirror() {
		return false
	}
	return obj.AsClass() != t.root
}

// WriteValueConstraint reports whether storing value into a reference field
// is forbidden: a committed initializer must not capture references that the
// sealed boot image cannot contain.
func (t *Transaction) WriteValueConstraint(value *Object) bool {
	if value == nil || t.strict {
		return false
	}
	if value.IsClassMirror() {
		return !t.rt.heap.InBootImage(value)
	}
	if c := value.Class(); c != nil {
		return !t.rt.heap.InBootImage(c.Mirror())
	}
	return false
}

// ---------------------------------------------------------------------------
// Recording
// ---------------------------------------------------------------------------

// assertNoNewRecords freezes the journal until the returned release func
// runs. Used around operations that must not silently journal.
func (t *Transaction) assertNoNewRecords(reason string) func() {
	prev := t.noNewRecordsReason
	t.noNewRecordsReason = reason
	return func() { t.noNewRecordsReason = prev }
}

func (t *Transaction) append() *txRecord {
	if t.noNewRecordsReason != "" {
		panic("Transaction: new record while frozen: " + t.noNewRecordsReason)
	}
	r := t.arena.alloc()
	t.records = append(t.records, r)
	return r
}

// skipRecording reports whether a mutation of obj needs no journal entry:
// during rollback the replay's own writes must not re-journal, and objects
// born inside the transaction vanish wholesale on rollback.
func (t *Transaction) skipRecording(obj *Object) bool {
	if t.rollingBack {
		return true
	}
	_, isNew := t.newObjects[obj]
	return isNew
}

// RecordNewObject registers an object allocated inside the transaction.
func (t *Transaction) RecordNewObject(obj *Object) {
	if t.rollingBack {
		return
	}
	t.newObjects[obj] = struct{}{}
	r := t.append()
	r.kind = recNewObject
	r.obj = obj
}

// RecordWriteFieldRaw journals the current primitive value of obj's field
// before it is overwritten.
func (t *Transaction) RecordWriteFieldRaw(obj *Object, off FieldOffset, volatile bool) {
	if t.skipRecording(obj) {
		return
	}
	r := t.append()
	r.kind = recFieldRaw
	r.obj = obj
	r.off = off
	r.volatile = volatile
	r.oldRaw = obj.GetFieldRaw(off, volatile)
}

// RecordWriteFieldReference journals the current reference value of obj's
// field before it is overwritten.
func (t *Transaction) RecordWriteFieldReference(obj *Object, off FieldOffset, volatile bool) {
	if t.skipRecording(obj) {
		return
	}
	r := t.append()
	r.kind = recFieldRef
	r.obj = obj
	r.off = off
	r.volatile = volatile
	r.oldRef = obj.GetFieldReference(off)
}

// RecordWriteArray journals the current value of one array element.
func (t *Transaction) RecordWriteArray(arr *Object, idx int) {
	if t.skipRecording(arr) {
		return
	}
	r := t.append()
	r.kind = recArrayElem
	r.obj = arr
	r.idx = idx
	r.oldRaw = arr.GetElement(idx)
}

func (t *Transaction) recordIntern(s *Object, strong, insert bool) {
	if t.rollingBack {
		return
	}
	r := t.append()
	r.kind = recInternString
	r.str = s
	r.strong = strong
	r.insert = insert
}

// RecordStrongStringInsertion journals an insertion into the strong intern
// table.
func (t *Transaction) RecordStrongStringInsertion(s *Object) {
	t.recordIntern(s, true, true)
}

// RecordStrongStringRemoval journals a removal from the strong intern table.
func (t *Transaction) RecordStrongStringRemoval(s *Object) {
	t.recordIntern(s, true, false)
}

// RecordWeakStringInsertion journals an insertion into the weak intern table.
func (t *Transaction) RecordWeakStringInsertion(s *Object) {
	t.recordIntern(s, false, true)
}

// RecordWeakStringRemoval journals a removal from the weak intern table.
func (t *Transaction) RecordWeakStringRemoval(s *Object) {
	t.recordIntern(s, false, false)
}

// RecordResolveString journals a string resolve-cache fill so rollback can
// clear the slot.
func (t *Transaction) RecordResolveString(cache *ResolveCache, idx int) {
	if t.rollingBack {
		return
	}
	r := t.append()
	r.kind = recResolveString
	r.cache = cache
	r.idx = idx
}

// RecordResolveMethodType journals a method-type resolve-cache fill.
func (t *Transaction) RecordResolveMethodType(cache *ResolveCache, idx int) {
	if t.rollingBack {
		return
	}
	r := t.append()
	r.kind = recResolveMethodType
	r.cache = cache
	r.idx = idx
}

// recordClassStatus journals a class status change.
func (t *Transaction) recordClassStatus(c *Class, old ClassStatus) {
	if t.rollingBack {
		return
	}
	r := t.append()
	r.kind = recClassStatus
	r.class = c
	r.oldStatus = old
}

// ---------------------------------------------------------------------------
// Rollback
// ---------------------------------------------------------------------------

// Rollback undoes every journaled mutation in reverse order and discards the
// journal. The transaction must no longer be the runtime's active one.
func (t *Transaction) Rollback() {
	if t.rt.IsActiveTransaction() && t.rt.linker.currentTransaction() == t {
		panic("Transaction.Rollback: transaction still active")
	}
	t.rollingBack = true
	for i := len(t.records) - 1; i >= 0; i-- {
		t.undo(t.records[i])
	}
	t.rollingBack = false
	t.records = nil
	t.newObjects = nil
}

func (t *Transaction) undo(r *txRecord) {
	switch r.kind {
	case recFieldRaw:
		r.obj.SetFieldRaw(r.off, r.oldRaw, r.volatile)
	case recFieldRef:
		r.obj.SetFieldReference(r.off, r.oldRef)
	case recArrayElem:
		r.obj.SetElement(r.idx, r.oldRaw)
	case recInternString:
		t.rt.interns.undoRecord(r.str, r.strong, r.insert)
	case recResolveString:
		r.cache.clearString(r.idx)
	case recResolveMethodType:
		r.cache.clearMethodType(r.idx)
	case recClassStatus:
		r.class.restoreStatus(r.oldStatus)
	case recNewObject:
		t.rt.heap.untrack(r.obj)
	default:
		panic("Transaction.undo: unknown record kind")
	}
}

// ---------------------------------------------------------------------------
// GC roots
// ---------------------------------------------------------------------------

// VisitRoots presents every object reference held by the journal to the
// visitor and stores back its (possibly moved) result. Old reference values
// in the journal would otherwise be invisible to the collector and could be
// swept or left stale while still needed for rollback.
func (t *Transaction) VisitRoots(visit func(*Object) *Object) {
	fix := func(p **Object) {
		if *p != nil {
			*p = visit(*p)
		}
	}
	for _, r := range t.records {
		fix(&r.obj)
		fix(&r.oldRef)
		fix(&r.str)
	}
	remapped := make(map[*Object]struct{}, len(t.newObjects))
	for obj := range t.newObjects {
		remapped[visit(obj)] = struct{}{}
	}
	t.newObjects = remapped
}

// ---------------------------------------------------------------------------
// Resolve cache
// ---------------------------------------------------------------------------

// ResolveCache memoizes constant-pool resolutions of strings and method
// types, the managed analogue of a dex cache. Fills that happen inside a
// transaction are journaled and cleared again on rollback.
type ResolveCache struct {
	strings     map[int]*Object
	methodTypes map[int]*Object
}

// NewResolveCache creates an empty resolve cache.
func NewResolveCache() *ResolveCache {
	return &ResolveCache{
		strings:     make(map[int]*Object),
		methodTypes: make(map[int]*Object),
	}
}

// GetString returns the cached resolution for a string slot, nil if empty.
func (rc *ResolveCache) GetString(idx int) *Object {
	return rc.strings[idx]
}

// PutString fills a string slot.
func (rc *ResolveCache) PutString(idx int, s *Object) {
	rc.strings[idx] = s
}

// GetMethodType returns the cached resolution for a method-type slot.
func (rc *ResolveCache) GetMethodType(idx int) *Object {
	return rc.methodTypes[idx]
}

// PutMethodType fills a method-type slot.
func (rc *ResolveCache) PutMethodType(idx int, mt *Object) {
	rc.methodTypes[idx] = mt
}

func (rc *ResolveCache) clearString(idx int)     { delete(rc.strings, idx) }
func (rc *ResolveCache) clearMethodType(idx int) { delete(rc.methodTypes, idx) }
