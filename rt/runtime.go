package rt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("vesper.rt")

// DefaultMaxSpinsBeforeThinLockInflation is the number of yields a contender
// performs on a thin lock before suspending the owner to inflate it.
const DefaultMaxSpinsBeforeThinLockInflation = 50

// Options tunes a Runtime. The zero value is usable; NewRuntime fills in
// defaults. Loaded from vesper.toml by the config package.
type Options struct {
	// MaxSpinsBeforeThinLockInflation bounds the contention spin loop.
	MaxSpinsBeforeThinLockInflation int

	// LockProfilingThreshold is the block duration above which a contender
	// logs the contention event. Zero disables profiling.
	LockProfilingThreshold time.Duration

	// StackDumpLockProfilingThreshold is the block duration above which the
	// contention log includes the holder's held-lock chain.
	StackDumpLockProfilingThreshold time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxSpinsBeforeThinLockInflation <= 0 {
		o.MaxSpinsBeforeThinLockInflation = DefaultMaxSpinsBeforeThinLockInflation
	}
}

// Runtime owns every global registry of the monitor and transaction
// subsystems: the thread list, monitor list and pool, intern table, heap
// bookkeeping and the AOT class linker. There are no package-level mutable
// registries, so tests can run several independent runtimes in one process.
type Runtime struct {
	opts Options

	// Thread registry.
	threadsMu      sync.Mutex
	threads        map[uint32]*Thread
	threadIDBitmap []uint64

	// Suspension. suspendMu guards every thread's suspendCount/atSafepoint.
	suspendMu   sync.Mutex
	suspendCond *sync.Cond

	monitors    *MonitorList
	monitorPool *MonitorPool

	heap    *Heap
	interns *InternTable

	classesMu sync.Mutex
	classes   map[string]*Class

	linker *AotClassLinker

	// Whether a preinitialization transaction is active. Checked on the
	// interpreter fast path, hence a plain atomic rather than a lock.
	activeTransaction atomic.Bool
}

// NewRuntime creates an isolated runtime context.
func NewRuntime(opts Options) *Runtime {
	opts.applyDefaults()
	rt := &Runtime{
		opts:    opts,
		threads: make(map[uint32]*Thread),
		classes: make(map[string]*Class),
	}
	rt.suspendCond = sync.NewCond(&rt.suspendMu)
	rt.monitors = newMonitorList()
	rt.monitorPool = newMonitorPool()
	rt.heap = newHeap(rt)
	rt.interns = newInternTable(rt)
	rt.linker = newAotClassLinker(rt)
	return rt
}

// Options returns the runtime's effective options.
func (rt *Runtime) Options() Options {
	return rt.opts
}

// MonitorList returns the registry of inflated monitors.
func (rt *Runtime) MonitorList() *MonitorList {
	return rt.monitors
}

// MonitorPool returns the monitor id allocator.
func (rt *Runtime) MonitorPool() *MonitorPool {
	return rt.monitorPool
}

// Heap returns the heap bookkeeping.
func (rt *Runtime) Heap() *Heap {
	return rt.heap
}

// Interns returns the string intern table.
func (rt *Runtime) Interns() *InternTable {
	return rt.interns
}

// Linker returns the AOT class linker.
func (rt *Runtime) Linker() *AotClassLinker {
	return rt.linker
}

// IsActiveTransaction reports whether a preinitialization transaction is
// active. Fast path for interpreter write barriers.
func (rt *Runtime) IsActiveTransaction() bool {
	return rt.activeTransaction.Load()
}

func (rt *Runtime) setActiveTransaction()   { rt.activeTransaction.Store(true) }
func (rt *Runtime) clearActiveTransaction() { rt.activeTransaction.Store(false) }

// ---------------------------------------------------------------------------
// Class registry
// ---------------------------------------------------------------------------

// RegisterClass adds a class to the runtime. Registration is not
// transactional; classes exist before any initializer runs.
func (rt *Runtime) RegisterClass(c *Class) {
	rt.classesMu.Lock()
	defer rt.classesMu.Unlock()
	if _, dup := rt.classes[c.Name]; dup {
		panic("Runtime.RegisterClass: duplicate class " + c.Name)
	}
	c.rt = rt
	rt.classes[c.Name] = c
	rt.heap.track(c.object)
}

// LookupClass resolves a class by name, nil if unknown.
func (rt *Runtime) LookupClass(name string) *Class {
	rt.classesMu.Lock()
	defer rt.classesMu.Unlock()
	return rt.classes[name]
}

// Classes returns a snapshot of all registered classes.
func (rt *Runtime) Classes() []*Class {
	rt.classesMu.Lock()
	defer rt.classesMu.Unlock()
	out := make([]*Class, 0, len(rt.classes))
	for _, c := range rt.classes {
		out = append(out, c)
	}
	return out
}
