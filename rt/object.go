package rt

import (
	"sync/atomic"
)

// FieldKind is the width/representation of one object field.
type FieldKind uint8

const (
	KindBoolean FieldKind = iota
	KindByte
	KindChar
	KindShort
	KindInt32
	KindInt64
	KindReference
)

// FieldOffset addresses one field slot within an object. Offsets are dense
// slot indexes, assigned by the class layout, not byte offsets.
type FieldOffset uint32

// FieldDesc describes one field in a class layout.
type FieldDesc struct {
	Name     string
	Kind     FieldKind
	Volatile bool
}

// fieldSlot is the storage for one field. Primitive kinds use raw (the value
// zero-extended to 64 bits); KindReference uses ref.
type fieldSlot struct {
	raw uint64
	ref *Object
}

// Object is a heap-allocated managed object. The lock word lives inline in
// the header, exactly one word, and is only ever accessed atomically.
type Object struct {
	class *Class
	lock  atomic.Uint32

	fields []fieldSlot

	// Array storage. Only set for array objects; elements are primitive
	// values of elemKind. Reference arrays store through fields instead.
	elems    []uint64
	elemKind FieldKind

	// String payload. Only set for string objects.
	str string

	// Set when this object is the mirror of a class; the mirror's field
	// slots are the class's statics.
	mirrorOf *Class
}

// IsClassMirror reports whether the object is a class mirror.
func (o *Object) IsClassMirror() bool {
	return o.mirrorOf != nil
}

// AsClass returns the class this object mirrors, nil for plain objects.
func (o *Object) AsClass() *Class {
	return o.mirrorOf
}

// NewObject allocates an object laid out per the class's instance fields.
// Allocation through Heap.AllocObject additionally records the allocation in
// the active transaction; this constructor is the raw form.
func NewObject(class *Class) *Object {
	n := 0
	if class != nil {
		n = len(class.instanceFields)
	}
	return &Object{class: class, fields: make([]fieldSlot, n)}
}

// NewArray allocates a primitive array object of the given kind and length.
func NewArray(class *Class, kind FieldKind, length int) *Object {
	if kind == KindReference {
		panic("NewArray: reference arrays store through fields")
	}
	return &Object{class: class, elems: make([]uint64, length), elemKind: kind}
}

// NewString allocates a string object with the given contents.
func NewString(class *Class, s string) *Object {
	return &Object{class: class, str: s}
}

// Class returns the object's class, nil for raw test objects.
func (o *Object) Class() *Class {
	return o.class
}

// IsArray reports whether the object is a primitive array.
func (o *Object) IsArray() bool {
	return o.elems != nil
}

// ArrayLength returns the element count of an array object.
func (o *Object) ArrayLength() int {
	return len(o.elems)
}

// StringValue returns the payload of a string object.
func (o *Object) StringValue() string {
	return o.str
}

// ---------------------------------------------------------------------------
// Lock word access
// ---------------------------------------------------------------------------

// LockWord reads the object's lock word with acquire semantics.
func (o *Object) LockWord() LockWord {
	return LockWord(o.lock.Load())
}

// SetLockWord stores the lock word unconditionally. Only safe when the caller
// has exclusive access to the object (all threads suspended).
func (o *Object) SetLockWord(lw LockWord) {
	o.lock.Store(uint32(lw))
}

// CasLockWord atomically replaces old with new, returning true on success.
// All lock state transitions performed concurrently with mutators go through
// this.
func (o *Object) CasLockWord(old, new LockWord) bool {
	return o.lock.CompareAndSwap(uint32(old), uint32(new))
}

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

// GetFieldRaw returns the primitive value of a field, zero-extended to 64
// bits. Volatile reads use an atomic load.
func (o *Object) GetFieldRaw(off FieldOffset, volatile bool) uint64 {
	if volatile {
		return atomic.LoadUint64(&o.fields[off].raw)
	}
	return o.fields[off].raw
}

// SetFieldRaw stores a primitive field value.
func (o *Object) SetFieldRaw(off FieldOffset, v uint64, volatile bool) {
	if volatile {
		atomic.StoreUint64(&o.fields[off].raw, v)
		return
	}
	o.fields[off].raw = v
}

// GetFieldReference returns the object referenced by a reference field.
func (o *Object) GetFieldReference(off FieldOffset) *Object {
	return o.fields[off].ref
}

// SetFieldReference stores a reference field.
func (o *Object) SetFieldReference(off FieldOffset, v *Object) {
	o.fields[off].ref = v
}

// NumFields returns the number of field slots.
func (o *Object) NumFields() int {
	return len(o.fields)
}

// GetElement returns one primitive array element.
func (o *Object) GetElement(i int) uint64 {
	return o.elems[i]
}

// SetElement stores one primitive array element.
func (o *Object) SetElement(i int, v uint64) {
	o.elems[i] = v
}

// ---------------------------------------------------------------------------
// Identity hash
// ---------------------------------------------------------------------------

// hashSeed is the linear congruential state for identity hash generation.
// Seeded non-zero so the first hash is never zero.
var hashSeed atomic.Uint32

func init() {
	hashSeed.Store(0x9e3779b9)
}

// generateIdentityHash returns a new non-zero hash that fits the lock word's
// inline hash field.
func generateIdentityHash() uint32 {
	for {
		old := hashSeed.Load()
		next := old*1103515245 + 12345
		if !hashSeed.CompareAndSwap(old, next) {
			continue
		}
		h := next & payloadMask
		if h != 0 {
			return h
		}
	}
}
