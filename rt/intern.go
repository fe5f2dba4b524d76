package rt

import "sync"

// InternTable canonicalizes string objects. Strong interns pin their string;
// weak interns are cleared by the sweep when the string object dies.
// Insertions and removals performed while a transaction is active are
// journaled so rollback restores the exact table contents.
type InternTable struct {
	rt *Runtime

	mu     sync.Mutex
	strong map[string]*Object
	weak   map[string]*Object
}

func newInternTable(rt *Runtime) *InternTable {
	return &InternTable{
		rt:     rt,
		strong: make(map[string]*Object),
		weak:   make(map[string]*Object),
	}
}

// InternStrong returns the canonical strong intern for s's contents,
// promoting an existing weak intern or inserting s.
func (it *InternTable) InternStrong(s *Object) *Object {
	it.mu.Lock()
	defer it.mu.Unlock()

	key := s.StringValue()
	if cur, ok := it.strong[key]; ok {
		return cur
	}
	if cur, ok := it.weak[key]; ok {
		delete(it.weak, key)
		it.strong[key] = cur
		it.record(func(t *Transaction) {
			t.RecordWeakStringRemoval(cur)
			t.RecordStrongStringInsertion(cur)
		})
		return cur
	}
	it.strong[key] = s
	it.record(func(t *Transaction) { t.RecordStrongStringInsertion(s) })
	return s
}

// InternWeak returns the canonical intern for s's contents, inserting s
// weakly if it has none.
func (it *InternTable) InternWeak(s *Object) *Object {
	it.mu.Lock()
	defer it.mu.Unlock()

	key := s.StringValue()
	if cur, ok := it.strong[key]; ok {
		return cur
	}
	if cur, ok := it.weak[key]; ok {
		return cur
	}
	it.weak[key] = s
	it.record(func(t *Transaction) { t.RecordWeakStringInsertion(s) })
	return s
}

// Lookup returns the canonical intern for the given contents, nil if none.
func (it *InternTable) Lookup(contents string) *Object {
	it.mu.Lock()
	defer it.mu.Unlock()
	if cur, ok := it.strong[contents]; ok {
		return cur
	}
	return it.weak[contents]
}

// Remove drops s from whichever table holds it.
func (it *InternTable) Remove(s *Object) {
	it.mu.Lock()
	defer it.mu.Unlock()

	key := s.StringValue()
	if it.strong[key] == s {
		delete(it.strong, key)
		it.record(func(t *Transaction) { t.RecordStrongStringRemoval(s) })
	}
	if it.weak[key] == s {
		delete(it.weak, key)
		it.record(func(t *Transaction) { t.RecordWeakStringRemoval(s) })
	}
}

// Size returns the combined entry count.
func (it *InternTable) Size() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.strong) + len(it.weak)
}

// record journals an intern mutation into the active transaction.
func (it *InternTable) record(f func(*Transaction)) {
	if !it.rt.IsActiveTransaction() {
		return
	}
	if t := it.rt.linker.currentTransaction(); t != nil {
		f(t)
	}
}

// undoRecord is the rollback path: it inverts one journaled intern mutation
// without re-journaling.
func (it *InternTable) undoRecord(s *Object, strong, insert bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	key := s.StringValue()
	table := it.weak
	if strong {
		table = it.strong
	}
	if insert {
		if table[key] == s {
			delete(table, key)
		}
		return
	}
	table[key] = s
}

// SweepWeakInterns drops weak interns whose strings died and repoints ones
// whose strings moved. GC pause only.
func (it *InternTable) SweepWeakInterns(visitor IsMarkedVisitor) {
	it.mu.Lock()
	defer it.mu.Unlock()

	for key, s := range it.weak {
		switch marked := visitor.IsMarked(s); {
		case marked == nil:
			delete(it.weak, key)
		case marked != s:
			it.weak[key] = marked
		}
	}
}
