package rt

import (
	"math/bits"
	"sync"
)

// MonitorID is the dense handle stored in a fat lock word in place of a
// pointer. Id 0 is invalid; valid ids fit the lock word's 28-bit payload.
type MonitorID uint32

// initialChunkCapacity is the capacity of chunk row 0. Each subsequent row
// doubles, so the index reaches MaxMonitorID in ~23 rows while a runtime
// that never inflates more than a handful of monitors pays for one small row.
const initialChunkCapacity = 32

// MonitorPool allocates MonitorIDs and resolves them back to monitors
// through a two-level index: a list of rows where row r holds
// initialChunkCapacity<<r slots. Recycled ids from deflated monitors are
// reused before the index grows, bounding index memory to roughly twice the
// historical peak of concurrently live monitors.
type MonitorPool struct {
	mu sync.Mutex

	chunks   [][]*Monitor
	freeList []MonitorID
	next     MonitorID // next never-used id, 1-based
	live     int
}

func newMonitorPool() *MonitorPool {
	return &MonitorPool{next: 1}
}

// rowFor maps a 0-based slot index to its (row, offset) coordinates.
func rowFor(idx uint32) (int, int) {
	// Row r covers indexes [base*(2^r - 1), base*(2^(r+1) - 1)).
	r := bits.Len64(uint64(idx)/initialChunkCapacity+1) - 1
	offset := int(idx) - initialChunkCapacity*((1<<r)-1)
	return r, offset
}

// allocID hands out an id, preferring the free list.
func (p *MonitorPool) allocID() MonitorID {
	if n := len(p.freeList); n > 0 {
		id := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return id
	}
	id := p.next
	if id > MaxMonitorID {
		// Continuing with an un-lockable object would break memory safety
		// invariants elsewhere, so this is fatal.
		log.Critical("monitor id space exhausted")
		panic("MonitorPool: out of monitor ids")
	}
	p.next++
	row, _ := rowFor(uint32(id - 1))
	for row >= len(p.chunks) {
		p.chunks = append(p.chunks, make([]*Monitor, initialChunkCapacity<<len(p.chunks)))
	}
	return id
}

// createMonitor allocates a monitor for obj with the given owner and hash.
// The monitor is not yet installed in obj's lock word; Install does that and
// losers of the install race hand the monitor back via release.
func (p *MonitorPool) createMonitor(rt *Runtime, self, owner *Thread, obj *Object, hash uint32) *Monitor {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.allocID()
	m := newMonitor(rt, owner, obj, hash, id)
	row, offset := rowFor(uint32(id - 1))
	p.chunks[row][offset] = m
	p.live++
	return m
}

// release recycles a monitor's id. The monitor must already be out of the
// MonitorList and out of any lock word.
func (p *MonitorPool) release(m *Monitor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row, offset := rowFor(uint32(m.id - 1))
	if p.chunks[row][offset] != m {
		panic("MonitorPool.release: double free of monitor id")
	}
	p.chunks[row][offset] = nil
	p.freeList = append(p.freeList, m.id)
	p.live--
}

// Get resolves an id to its monitor, nil if the id is stale. A stale id can
// be observed by racy diagnostics reading lock words without suspension.
func (p *MonitorPool) Get(id MonitorID) *Monitor {
	if id == 0 || id > MaxMonitorID {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	row, offset := rowFor(uint32(id - 1))
	if row >= len(p.chunks) || offset >= len(p.chunks[row]) {
		return nil
	}
	return p.chunks[row][offset]
}

// Live returns the number of live monitors in the pool.
func (p *MonitorPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// rows returns the number of allocated index rows. Test hook.
func (p *MonitorPool) rows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}
