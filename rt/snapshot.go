package rt

import (
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Snapshots are the export format for diagnostics: an ANR-style dump of
// every thread, monitor and class, serialized as canonical CBOR so repeated
// dumps of identical state are byte-identical.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("rt: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ThreadSnapshot describes one thread at sample time.
type ThreadSnapshot struct {
	ID          uint32 `cbor:"id"`
	Name        string `cbor:"name"`
	State       string `cbor:"state"`
	HeldLocks   int    `cbor:"held_locks"`
	ContendedOn uint32 `cbor:"contended_on,omitempty"` // owner tid when blocked
	Interrupted bool   `cbor:"interrupted,omitempty"`
}

// MonitorSnapshot describes one inflated monitor.
type MonitorSnapshot struct {
	ID         uint32 `cbor:"id"`
	OwnerID    uint32 `cbor:"owner_id,omitempty"`
	EntryCount int    `cbor:"entry_count,omitempty"`
	Waiters    int    `cbor:"waiters,omitempty"`
	HasHash    bool   `cbor:"has_hash,omitempty"`
}

// ClassSnapshot describes one class's initialization progress.
type ClassSnapshot struct {
	Name   string `cbor:"name"`
	Status string `cbor:"status"`
	Error  string `cbor:"error,omitempty"`
}

// RuntimeSnapshot is a whole-runtime diagnostic dump.
type RuntimeSnapshot struct {
	TakenAt      time.Time         `cbor:"taken_at"`
	Threads      []ThreadSnapshot  `cbor:"threads"`
	Monitors     []MonitorSnapshot `cbor:"monitors"`
	Classes      []ClassSnapshot   `cbor:"classes"`
	LiveMonitors int               `cbor:"live_monitors"`
	HeapObjects  int               `cbor:"heap_objects"`
	Interns      int               `cbor:"interns"`
	TxDepth      int               `cbor:"tx_depth,omitempty"`
}

// Snapshot samples the runtime. Best effort: the sample is racy unless the
// caller has suspended all threads first.
func (rt *Runtime) Snapshot() *RuntimeSnapshot {
	snap := &RuntimeSnapshot{
		TakenAt:      time.Now().UTC(),
		LiveMonitors: rt.monitorPool.Live(),
		HeapObjects:  rt.heap.NumObjects(),
		Interns:      rt.interns.Size(),
		TxDepth:      rt.linker.TransactionDepth(),
	}

	for _, t := range rt.Threads() {
		ts := ThreadSnapshot{
			ID:          t.ID(),
			Name:        t.Name(),
			HeldLocks:   len(t.HeldLocks()),
			Interrupted: t.IsInterrupted(),
		}
		state, _, ownerID := rt.FetchState(t)
		ts.State = state.String()
		ts.ContendedOn = ownerID
		snap.Threads = append(snap.Threads, ts)
	}

	for _, m := range rt.monitors.Monitors() {
		ms := MonitorSnapshot{
			ID:      uint32(m.ID()),
			OwnerID: m.OwnerThreadID(),
			HasHash: m.HasHashCode(),
		}
		if obj := m.Object(); obj != nil {
			info := rt.NewMonitorInfo(obj)
			ms.EntryCount = info.EntryCount
			ms.Waiters = len(info.Waiters)
		}
		snap.Monitors = append(snap.Monitors, ms)
	}

	for _, c := range rt.Classes() {
		cs := ClassSnapshot{Name: c.Name, Status: c.Status().String()}
		if c.initErr != nil {
			cs.Error = c.initErr.Error()
		}
		snap.Classes = append(snap.Classes, cs)
	}

	sort.Slice(snap.Threads, func(i, j int) bool { return snap.Threads[i].ID < snap.Threads[j].ID })
	sort.Slice(snap.Monitors, func(i, j int) bool { return snap.Monitors[i].ID < snap.Monitors[j].ID })
	sort.Slice(snap.Classes, func(i, j int) bool { return snap.Classes[i].Name < snap.Classes[j].Name })
	return snap
}

// MarshalSnapshot serializes a RuntimeSnapshot to canonical CBOR bytes.
func MarshalSnapshot(s *RuntimeSnapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a RuntimeSnapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*RuntimeSnapshot, error) {
	var s RuntimeSnapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("rt: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
