// Package pagealloc provides the page-granular backing-store allocator that
// stands in for the host-kernel memory collaborator the CVM core spec treats
// as out-of-scope. It hands out zeroed, page-aligned buffers and reports a
// stable "host physical address" for each one so the rest of the core can
// reason about NPT/RMT indices the way it would against real frame numbers.
package pagealloc

import (
	"fmt"
	"sync"
)

// PageSize is the architectural page size this allocator deals in.
const PageSize = 4096

// Page is one allocated, page-aligned block of backing store plus the
// synthetic host-physical address assigned to it.
type Page struct {
	HPA   uint64
	Bytes []byte
}

// Allocator hands out zeroed pages and tracks the HPA->bytes mapping so
// callers can look a page back up by address (e.g. the blank decoy page, or
// an RMT-governed frame).
type Allocator struct {
	mu    sync.Mutex
	next  uint64
	pages map[uint64]*Page
}

// New creates an allocator whose synthetic HPA space starts at base,
// page-aligned up.
func New(base uint64) *Allocator {
	return &Allocator{
		next:  alignUp(base, PageSize),
		pages: make(map[uint64]*Page),
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AllocContiguous allocates n physically-contiguous pages and returns the
// Page covering the whole span; Bytes is len(n)*PageSize and zeroed.
func (a *Allocator) AllocContiguous(n int) (*Page, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pagealloc: invalid page count %d", n)
	}
	buf, err := allocBacking(n * PageSize)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p := &Page{HPA: a.next, Bytes: buf}
	a.pages[p.HPA] = p
	a.next += uint64(n * PageSize)
	return p, nil
}

// Alloc is AllocContiguous(1).
func (a *Allocator) Alloc() (*Page, error) {
	return a.AllocContiguous(1)
}

// Lookup returns the page covering hpa, or nil if hpa is not backed by this
// allocator (e.g. it belongs to guest memory supplied externally).
func (a *Allocator) Lookup(hpa uint64) *Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Pages can span multiple frames; find the containing page.
	for base, p := range a.pages {
		if hpa >= base && hpa < base+uint64(len(p.Bytes)) {
			return p
		}
	}
	return nil
}

// Free releases a page's backing store. Double-free is a no-op.
func (a *Allocator) Free(p *Page) error {
	if p == nil {
		return nil
	}
	a.mu.Lock()
	_, live := a.pages[p.HPA]
	delete(a.pages, p.HPA)
	a.mu.Unlock()
	if !live {
		return nil
	}
	return freeBacking(p.Bytes)
}
