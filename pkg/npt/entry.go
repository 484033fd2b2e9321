package npt

// Entry is a single nested page-table entry. All four live NPT levels
// (PML4E, PDPTE, PDE, PTE) and their "huge"/"large" leaf variants share this
// bit layout modulo the width and shift of the physical base field, so a
// single bit-masked uint64 plays the role of the teacher's per-level C
// bitfield unions (orig:svm_core/svm_npt.h).
type Entry uint64

const (
	bitPresent  = 0
	bitWrite    = 1
	bitUser     = 2
	bitPWT      = 3
	bitPCD      = 4
	bitAccessed = 5
	bitDirty    = 6  // leaf entries only
	bitLeaf     = 7  // huge_pdpte / large_pde "this is a leaf" bit
	bitGlobal   = 8  // leaf entries only
	bitPAT      = 12 // leaf entries only
	bitNX       = 63
)

func (e Entry) bit(n uint) bool    { return e&(1<<n) != 0 }
func (e Entry) withBit(n uint, v bool) Entry {
	if v {
		return e | (1 << n)
	}
	return e &^ (1 << n)
}

func (e Entry) Present() bool { return e.bit(bitPresent) }
func (e Entry) Write() bool   { return e.bit(bitWrite) }
func (e Entry) User() bool    { return e.bit(bitUser) }
func (e Entry) Leaf() bool    { return e.bit(bitLeaf) }
func (e Entry) Global() bool  { return e.bit(bitGlobal) }
func (e Entry) PAT() bool     { return e.bit(bitPAT) }
func (e Entry) NX() bool      { return e.bit(bitNX) }
func (e Entry) PCD() bool     { return e.bit(bitPCD) }
func (e Entry) PWT() bool     { return e.bit(bitPWT) }

// bitVarMTRRCovered is a software-only marker (spec.md §4.2 invariant 2:
// "the var_mtrr_covered bit is set on every entry so overlaid") placed in a
// bit position reserved on every real level so it never collides with an
// architectural field.
const bitVarMTRRCovered = 10

func (e Entry) VarMTRRCovered() bool        { return e.bit(bitVarMTRRCovered) }
func (e Entry) WithVarMTRRCovered(v bool) Entry { return e.withBit(bitVarMTRRCovered, v) }

// MemoryType reads back the type folded into PAT/PCD/PWT by WithMemoryType.
func (e Entry) MemoryType() MemoryType {
	var t MemoryType
	if e.PAT() {
		t |= 4
	}
	if e.PCD() {
		t |= 2
	}
	if e.PWT() {
		t |= 1
	}
	return t
}

func (e Entry) WithPresent(v bool) Entry { return e.withBit(bitPresent, v) }
func (e Entry) WithWrite(v bool) Entry   { return e.withBit(bitWrite, v) }
func (e Entry) WithUser(v bool) Entry    { return e.withBit(bitUser, v) }
func (e Entry) WithLeaf(v bool) Entry    { return e.withBit(bitLeaf, v) }
func (e Entry) WithGlobal(v bool) Entry  { return e.withBit(bitGlobal, v) }
func (e Entry) WithPAT(v bool) Entry     { return e.withBit(bitPAT, v) }
func (e Entry) WithNX(v bool) Entry      { return e.withBit(bitNX, v) }

// WithPermissions sets the present/write/execute(no-NX)/user bits in one
// step, matching how update_pte/update_pde/update_pdpte (§4.2) recompute an
// entry's RWX from an RMT row.
func (e Entry) WithPermissions(r, w, x bool) Entry {
	e = e.WithPresent(r).WithWrite(w).WithNX(!x)
	return e.WithUser(true)
}

// base field layouts per level, (shift, bits).
const (
	tableBaseShift = 12
	tableBaseBits  = 40
	hugeBaseShift  = 30
	hugeBaseBits   = 22
	largeBaseShift = 21
	largeBaseBits  = 31
	leafBaseShift  = 12
	leafBaseBits   = 40
)

func getBase(e Entry, shift uint, bits uint) uint64 {
	mask := uint64(1)<<bits - 1
	return (uint64(e) >> shift & mask) << shift
}

func setBase(e Entry, addr uint64, shift uint, bits uint) Entry {
	mask := uint64(1)<<bits - 1
	field := (addr >> shift) & mask
	clearMask := mask << shift
	return Entry((uint64(e) &^ clearMask) | (field << shift))
}

// TableBase/WithTableBase address the next-level table pointer field
// (PML4E->PDPTE table, non-huge PDPTE->PDE table, non-large PDE->PTE table).
func (e Entry) TableBase() uint64            { return getBase(e, tableBaseShift, tableBaseBits) }
func (e Entry) WithTableBase(a uint64) Entry { return setBase(e, a, tableBaseShift, tableBaseBits) }

// HugeBase/WithHugeBase address a 1GiB huge-PDPTE leaf's page frame.
func (e Entry) HugeBase() uint64            { return getBase(e, hugeBaseShift, hugeBaseBits) }
func (e Entry) WithHugeBase(a uint64) Entry { return setBase(e, a, hugeBaseShift, hugeBaseBits) }

// LargeBase/WithLargeBase address a 2MiB large-PDE leaf's page frame.
func (e Entry) LargeBase() uint64            { return getBase(e, largeBaseShift, largeBaseBits) }
func (e Entry) WithLargeBase(a uint64) Entry { return setBase(e, a, largeBaseShift, largeBaseBits) }

// LeafBase/WithLeafBase address a 4KiB PTE leaf's page frame.
func (e Entry) LeafBase() uint64            { return getBase(e, leafBaseShift, leafBaseBits) }
func (e Entry) WithLeafBase(a uint64) Entry { return setBase(e, a, leafBaseShift, leafBaseBits) }

// MemoryType is an MTRR-encoded memory type. This port keeps it only in
// each leaf entry's PAT/PCD/PWT bits: WithMemoryType writes it there and
// Entry.MemoryType reads it back. The manager stores no separate per-entry
// type.
type MemoryType uint8

const (
	MemTypeUC  MemoryType = 0
	MemTypeWC  MemoryType = 1
	MemTypeWT  MemoryType = 4
	MemTypeWP  MemoryType = 5
	MemTypeWB  MemoryType = 6
	MemTypeUCMinus MemoryType = 7
)

// WithMemoryType writes bits 2, 1 and 0 of t into PAT, PCD and PWT, so
// Entry.MemoryType returns t unchanged. No PAT MSR is programmed or
// modelled: the three bits carry the MTRR encoding directly, not a PAT
// index.
func (e Entry) WithMemoryType(t MemoryType) Entry {
	pat := (t>>2)&1 != 0
	pcd := (t>>1)&1 != 0
	pwt := t&1 != 0
	e = e.withBit(bitPWT, pwt)
	e = e.withBit(bitPCD, pcd)
	e = e.WithPAT(pat)
	return e
}
