package rt

// LockWord is the 32-bit word stored inline in every object header. It is a
// tagged union: the two high bits select the state and the remaining bits are
// interpreted per state.
//
// Encoding scheme:
//   - ThinOrUnlocked: owner thread id + recursion count; owner 0 means unlocked
//   - Fat:            MonitorID of the out-of-line Monitor
//   - Hash:           identity hash code of an otherwise unlocked object
//   - Forwarding:     to-space slot of an object moved by a copying collection
//
// Layout:
//
//	|33|2|2|222222222211|1111110000000000|
//	|10|9|8|109876543210|6543210987654321|
//	|00|m|r| count      | thread id      |  thin lock / unlocked (id == 0)
//	|01|m|r| monitor id                  |  fat lock
//	|10|m|r| hash code                   |  unlocked with hash
//	|11| forwarding slot                 |  forwarding address
//
// where m is the GC mark bit and r the read barrier bit. The forwarding state
// overlays both, which is safe because forwarded objects are only touched by
// the collector that installed the forwarding word.
type LockWord uint32

// LockState identifies which interpretation of a LockWord is active.
type LockState int

const (
	// StateUnlocked is a thin/unlocked word with owner id 0 and no hash.
	StateUnlocked LockState = iota
	// StateThinLocked is a thin/unlocked word with a non-zero owner id.
	StateThinLocked
	// StateFatLocked holds a MonitorID.
	StateFatLocked
	// StateHash holds an identity hash code, no owner.
	StateHash
	// StateForwarding redirects to the to-space copy's location.
	StateForwarding
)

// Bit layout constants.
const (
	lockStateSize         = 2
	lockStateShift        = 32 - lockStateSize
	lockStateMask  uint32 = ((1 << lockStateSize) - 1) << lockStateShift

	markBitShift = lockStateShift - 1
	markBit      uint32 = 1 << markBitShift

	readBarrierBitShift = markBitShift - 1
	readBarrierBit      uint32 = 1 << readBarrierBitShift

	gcStateMask = markBit | readBarrierBit

	// Thin lock: 16-bit owner id, 12-bit recursion count.
	thinLockOwnerSize  = 16
	thinLockCountSize  = 12
	thinLockOwnerMask  uint32 = (1 << thinLockOwnerSize) - 1
	thinLockCountShift = thinLockOwnerSize
	thinLockCountMask  uint32 = ((1 << thinLockCountSize) - 1) << thinLockCountShift

	// Hash and monitor id share the 28 bits below the GC bits.
	payloadSize = 32 - lockStateSize - 2
	payloadMask uint32 = (1 << payloadSize) - 1

	// Forwarding addresses reuse the GC bits, giving 30 bits of slot.
	forwardingSlotSize = 32 - lockStateSize
	forwardingSlotMask uint32 = (1 << forwardingSlotSize) - 1

	stateThinOrUnlocked uint32 = 0
	stateFat            uint32 = 1
	stateHash           uint32 = 2
	stateForwarding     uint32 = 3
)

// Derived limits.
const (
	// MaxThinLockOwner is the largest thread id representable in a thin lock.
	MaxThinLockOwner = int(thinLockOwnerMask)

	// MaxThinLockCount is the saturation point of the thin-lock recursion
	// count. Count 0 means "locked once"; reaching the maximum forces
	// inflation instead of overflowing into the state bits.
	MaxThinLockCount = (1 << thinLockCountSize) - 1

	// MaxHashCode is the largest identity hash storable inline.
	MaxHashCode = int(payloadMask)

	// MaxMonitorID is the largest monitor id storable in a fat lock word.
	MaxMonitorID = MonitorID(payloadMask)

	// MaxForwardingSlot is the largest forwarding slot index.
	MaxForwardingSlot = int(forwardingSlotMask)
)

// UnlockedLockWord returns the word for a freshly allocated object.
func UnlockedLockWord() LockWord {
	return 0
}

// ThinLockWord builds a thin-locked word. ownerID must be a registered
// thread's thin-lock id and count the extra recursion depth (0 = locked once).
// Panics if either is out of range.
func ThinLockWord(ownerID uint32, count int) LockWord {
	if ownerID == 0 || ownerID > thinLockOwnerMask {
		panic("ThinLockWord: owner id out of range")
	}
	if count < 0 || count > MaxThinLockCount {
		panic("ThinLockWord: count out of range")
	}
	return LockWord(stateThinOrUnlocked<<lockStateShift |
		uint32(count)<<thinLockCountShift |
		ownerID)
}

// FatLockWord builds a fat-locked word holding a monitor id.
func FatLockWord(id MonitorID) LockWord {
	if id == 0 || id > MaxMonitorID {
		panic("FatLockWord: monitor id out of range")
	}
	return LockWord(stateFat<<lockStateShift | uint32(id))
}

// HashLockWord builds an unlocked word carrying an identity hash code.
func HashLockWord(hash uint32) LockWord {
	if hash == 0 || hash > payloadMask {
		panic("HashLockWord: hash out of range")
	}
	return LockWord(stateHash<<lockStateShift | hash)
}

// ForwardingLockWord builds a forwarding word pointing at a to-space slot.
func ForwardingLockWord(slot int) LockWord {
	if slot < 0 || slot > MaxForwardingSlot {
		panic("ForwardingLockWord: slot out of range")
	}
	return LockWord(stateForwarding<<lockStateShift | uint32(slot))
}

// State decodes the active interpretation of the word.
func (lw LockWord) State() LockState {
	switch (uint32(lw) & lockStateMask) >> lockStateShift {
	case stateFat:
		return StateFatLocked
	case stateHash:
		return StateHash
	case stateForwarding:
		return StateForwarding
	default:
		if uint32(lw)&thinLockOwnerMask != 0 {
			return StateThinLocked
		}
		return StateUnlocked
	}
}

// ThinOwner returns the owner thread id of a thin-locked word.
func (lw LockWord) ThinOwner() uint32 {
	if lw.State() != StateThinLocked {
		panic("LockWord.ThinOwner: not thin locked")
	}
	return uint32(lw) & thinLockOwnerMask
}

// ThinCount returns the extra recursion depth of a thin-locked word
// (0 means the owner holds the lock exactly once).
func (lw LockWord) ThinCount() int {
	if lw.State() != StateThinLocked {
		panic("LockWord.ThinCount: not thin locked")
	}
	return int((uint32(lw) & thinLockCountMask) >> thinLockCountShift)
}

// MonitorID returns the monitor id of a fat-locked word.
func (lw LockWord) MonitorID() MonitorID {
	if lw.State() != StateFatLocked {
		panic("LockWord.MonitorID: not fat locked")
	}
	return MonitorID(uint32(lw) & payloadMask)
}

// Hash returns the inline identity hash of a hash-state word.
func (lw LockWord) Hash() uint32 {
	if lw.State() != StateHash {
		panic("LockWord.Hash: no hash code stored")
	}
	return uint32(lw) & payloadMask
}

// ForwardingSlot returns the to-space slot of a forwarding word.
func (lw LockWord) ForwardingSlot() int {
	if lw.State() != StateForwarding {
		panic("LockWord.ForwardingSlot: not a forwarding address")
	}
	return int(uint32(lw) & forwardingSlotMask)
}

// ---------------------------------------------------------------------------
// GC bits
// ---------------------------------------------------------------------------

// MarkBit reports whether the GC mark bit is set. Meaningless for
// forwarding words, which overlay the bit.
func (lw LockWord) MarkBit() bool {
	return lw.State() != StateForwarding && uint32(lw)&markBit != 0
}

// WithMarkBit returns a copy of the word with the mark bit set or cleared.
func (lw LockWord) WithMarkBit(set bool) LockWord {
	if lw.State() == StateForwarding {
		panic("LockWord.WithMarkBit: forwarding words carry no mark bit")
	}
	if set {
		return LockWord(uint32(lw) | markBit)
	}
	return LockWord(uint32(lw) &^ markBit)
}

// WithoutGCBits strips the mark and read barrier bits, yielding the word as
// lock-state comparisons want to see it.
func (lw LockWord) WithoutGCBits() LockWord {
	if lw.State() == StateForwarding {
		return lw
	}
	return LockWord(uint32(lw) &^ gcStateMask)
}

// WithGCBitsFrom returns a copy of the word carrying from's mark and read
// barrier bits. Lock-state transitions that replace the whole word must go
// through this so a concurrent collection's mark is not dropped.
func (lw LockWord) WithGCBitsFrom(from LockWord) LockWord {
	if lw.State() == StateForwarding || from.State() == StateForwarding {
		return lw
	}
	return LockWord(uint32(lw)&^gcStateMask | uint32(from)&gcStateMask)
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// IsValidLockWord performs the consistency checks that can be done on the
// word alone: a fat word must hold a non-zero id, a hash word a non-zero
// hash, a thin word an in-range owner. Used by diagnostics before chasing a
// possibly-corrupt monitor id.
func IsValidLockWord(lw LockWord) bool {
	switch lw.State() {
	case StateFatLocked:
		return uint32(lw)&payloadMask != 0
	case StateHash:
		return uint32(lw)&payloadMask != 0
	case StateThinLocked, StateUnlocked, StateForwarding:
		return true
	default:
		return false
	}
}
