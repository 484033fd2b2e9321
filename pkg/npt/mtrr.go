package npt

import "math/bits"

// VariableMTRR mirrors one IA32_MTRR_PHYSBASE/PHYSMASK pair: a base-aligned
// range of the given type, active only while Valid is set.
type VariableMTRR struct {
	Base  uint64
	Mask  uint64 // already includes the valid bit stripped out by the caller
	Type  MemoryType
	Valid bool
	// Force mirrors a small set of NoirVisor overrides (e.g. the
	// hypervisor's own decoy/claimed pages) that must win a merge
	// regardless of numeric type ordering (spec.md §4.2).
	Force bool
}

// FixedMTRRByte is one of the 88 bytes describing the first 1MiB at 4KiB
// (actually sub-4KiB historically, but this port follows spec.md's "Fixed
// MTRRs override the first 1 MiB at 4 KiB granularity" simplification) ranges.
type FixedMTRRByte struct {
	GPA  uint64
	Type MemoryType
}

// Length returns the range length implied by mask, per spec.md §4.2:
// "length = 1 << ctz(mask * 4KiB)".
func (v VariableMTRR) Length() uint64 {
	m := v.Mask * PageSize
	if m == 0 {
		return 0
	}
	return 1 << uint(bits.TrailingZeros64(m))
}

// mergeType applies spec.md §4.2's merge rule: the numerically smaller type
// wins when both sides are "variable" (this is why UC=0 precedes WC=1
// precedes WT=4 precedes WB=6); a Force-flagged new type always wins outright.
func mergeType(existing MemoryType, incoming MemoryType, force bool) MemoryType {
	if force {
		return incoming
	}
	if incoming < existing {
		return incoming
	}
	return existing
}

// splitGranularity picks the largest of {1GiB, 2MiB, 4KiB} at which gpa is
// aligned and that still fits within length, so a typing pass walks the
// fewest possible entries.
func splitGranularity(gpa, length uint64) uint64 {
	const (
		gib = 1 << 30
		mib2 = 1 << 21
		kib4 = 1 << 12
	)
	switch {
	case gpa%gib == 0 && length >= gib:
		return gib
	case gpa%mib2 == 0 && length >= mib2:
		return mib2
	default:
		return kib4
	}
}
