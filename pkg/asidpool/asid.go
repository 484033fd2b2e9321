// Package asidpool implements the CVM core's ASID allocator: a bitmap of
// address-space identifiers guarded by a reader/exclusive lock, with ASID 1
// permanently reserved for the subverted host and an optional nested-
// virtualization reservation ahead of the CVM range.
//
// Grounded on spec.md §3/§4.1.
package asidpool

import (
	"math/bits"
	"sync"
)

// None is the sentinel returned when the pool is exhausted.
const None uint32 = 0xFFFFFFFF

// subvertedHostASID is always reserved and never handed out.
const subvertedHostASID uint32 = 1

// Pool is a bitmap-backed ASID allocator. Bit i (0-based, within the CVM
// range) set means "allocated".
type Pool struct {
	mu    sync.RWMutex
	bits  []uint64
	start uint32 // first ASID available to CVMs
	limit uint32 // number of ASIDs available to CVMs
}

// New creates a pool whose CVM-assignable range is [start, start+limit).
// ASIDs [2, start) are implicitly reserved for nested virtualization when
// the caller sizes start > 2; ASID 1 is always the subverted host and ASID
// 0 is never returned by this allocator.
func New(start, limit uint32) *Pool {
	words := (int(limit) + 63) / 64
	if words == 0 {
		words = 1
	}
	return &Pool{
		bits:  make([]uint64, words),
		start: start,
		limit: limit,
	}
}

// Alloc scans for the first clear bit in the CVM range, sets it, and returns
// the corresponding ASID, or None if the range is exhausted.
func (p *Pool) Alloc() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for w := range p.bits {
		word := p.bits[w]
		if word == ^uint64(0) {
			continue
		}
		idx := bits.TrailingZeros64(^word)
		bitIndex := uint32(w*64 + idx)
		if bitIndex >= p.limit {
			continue
		}
		p.bits[w] |= 1 << uint(idx)
		return p.start + bitIndex
	}
	return None
}

// Free clears the bit backing id. Freeing an ASID outside the CVM range or
// the sentinel is a no-op; this mirrors the original's behaviour of only
// ever being called with IDs this pool itself produced.
func (p *Pool) Free(id uint32) {
	if id == None || id < p.start || id >= p.start+p.limit {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	bitIndex := id - p.start
	p.bits[bitIndex/64] &^= 1 << uint(bitIndex%64)
}

// SubvertedHostASID returns the reserved ASID of the subverted host, for
// callers that need to assert a vCPU's ASID never collides with it
// (testable property, spec.md §8: "ASID(vmcb) != host_asid").
func SubvertedHostASID() uint32 { return subvertedHostASID }

// InUse reports the number of ASIDs currently allocated, for diagnostics.
func (p *Pool) InUse() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, w := range p.bits {
		n += bits.OnesCount64(w)
	}
	return n
}
