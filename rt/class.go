package rt

import (
	"fmt"
	"sync/atomic"
)

// ClassStatus is the linkage/initialization progress of a class. Statuses
// only move forward, except that a rolled-back transaction restores the
// recorded earlier status.
type ClassStatus int32

const (
	StatusNotReady ClassStatus = iota
	StatusResolved
	StatusVerified
	StatusInitializing
	StatusInitialized
	StatusVisiblyInitialized
	StatusErroneous
)

func (s ClassStatus) String() string {
	switch s {
	case StatusNotReady:
		return "not-ready"
	case StatusResolved:
		return "resolved"
	case StatusVerified:
		return "verified"
	case StatusInitializing:
		return "initializing"
	case StatusInitialized:
		return "initialized"
	case StatusVisiblyInitialized:
		return "visibly-initialized"
	case StatusErroneous:
		return "erroneous"
	default:
		return fmt.Sprintf("ClassStatus(%d)", int32(s))
	}
}

// Class describes one managed class: identity, layout, initializer and
// initialization progress. The class's statics live in the field slots of its
// mirror object, and class-level locking (the initialization protocol) uses
// the mirror's monitor.
type Class struct {
	Name  string
	Super *Class

	// Interface classes skip the superclass ordering rules.
	Interface bool

	// Finalizable classes cannot be allocated inside a transaction.
	Finalizable bool

	// Throwable marks error/exception classes, which are exempt from the
	// refusal to initialize boot-image classes outside a transaction.
	Throwable bool

	// Bootstrap marks classes on the bootstrap class path. In strict mode an
	// uninitialized bootstrap class may not be initialized at all.
	Bootstrap bool

	// Initializer is the class's <clinit> body. Nil means trivial
	// initialization. It runs with the transaction machinery active; any
	// mutation it performs must go through the Record/constraint API.
	Initializer func(self *Thread, c *Class) error

	rt     *Runtime
	mirror *Object
	object *Object // alias of mirror, the object the class's lock word lives in

	instanceFields []FieldDesc
	staticFields   []FieldDesc
	staticIndex    map[string]FieldOffset

	status     atomic.Int32
	initThread atomic.Pointer[Thread]

	// First initialization failure, replayed on later attempts.
	initErr error
}

// NewClass builds an unregistered class. Register it with
// Runtime.RegisterClass before use.
func NewClass(name string, super *Class, instanceFields, staticFields []FieldDesc) *Class {
	c := &Class{
		Name:           name,
		Super:          super,
		instanceFields: instanceFields,
		staticFields:   staticFields,
		staticIndex:    make(map[string]FieldOffset, len(staticFields)),
	}
	for i, f := range staticFields {
		c.staticIndex[f.Name] = FieldOffset(i)
	}
	c.mirror = &Object{mirrorOf: c, fields: make([]fieldSlot, len(staticFields))}
	c.object = c.mirror
	c.status.Store(int32(StatusResolved))
	return c
}

// Mirror returns the class's mirror object, which carries the class lock and
// the static field storage.
func (c *Class) Mirror() *Object {
	return c.mirror
}

// Status returns the class's current status.
func (c *Class) Status() ClassStatus {
	return ClassStatus(c.status.Load())
}

// IsInitialized reports whether initialization has completed successfully.
func (c *Class) IsInitialized() bool {
	st := c.Status()
	return st == StatusInitialized || st == StatusVisiblyInitialized
}

// IsInitializing reports whether an initializer is running.
func (c *Class) IsInitializing() bool {
	return c.Status() == StatusInitializing
}

// IsErroneous reports whether a previous initialization attempt failed.
func (c *Class) IsErroneous() bool {
	return c.Status() == StatusErroneous
}

// InitializingThread returns the thread running the initializer, nil outside
// initialization.
func (c *Class) InitializingThread() *Thread {
	return c.initThread.Load()
}

// StaticFieldOffset resolves a static field name to its slot, panicking on an
// unknown name since layouts are fixed at class creation.
func (c *Class) StaticFieldOffset(name string) FieldOffset {
	off, ok := c.staticIndex[name]
	if !ok {
		panic("Class.StaticFieldOffset: no static field " + c.Name + "." + name)
	}
	return off
}

// StaticFields returns the class's static field layout.
func (c *Class) StaticFields() []FieldDesc {
	return c.staticFields
}

// InstanceFields returns the class's instance field layout.
func (c *Class) InstanceFields() []FieldDesc {
	return c.instanceFields
}

// setStatus moves the class to a new status, journaling the old one in the
// active transaction so a rollback restores it.
func (c *Class) setStatus(self *Thread, st ClassStatus) {
	old := c.Status()
	if c.rt != nil && c.rt.IsActiveTransaction() {
		c.rt.linker.recordClassStatus(c, old)
	}
	c.status.Store(int32(st))
	log.Debugf("class %s: %v -> %v", c.Name, old, st)
}

// restoreStatus is the rollback path; it bypasses journaling.
func (c *Class) restoreStatus(st ClassStatus) {
	c.status.Store(int32(st))
}
