// Package npt implements the per-ASID nested page table manager: identity
// mapping, on-demand PDPTE/PDE/PTE splitting, MTRR-derived memory typing,
// and redirection of hypervisor-private pages to a blank decoy page.
//
// Grounded on spec.md §3/§4.2 and
// original_source/src/svm_core/svm_npt.{c,h}. The original's manual
// pdpte/pde/pte descriptor linked lists are reshaped here into maps keyed by
// each split region's aligned GPA base (spec.md §9's redesign note: "stable
// indexing of split sub-tables with cheap range-search" — an aligned-key map
// gives O(1) instead of the original's linear list walk, which the spec
// calls out as a correctness-not-performance artifact of the original).
package npt

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/noirvisor/cvm-core/internal/pagealloc"
)

var log = logrus.WithField("source", "cvm/pkg/npt")

const (
	PageSize = 4096
	sizeGiB  = 1 << 30
	sizeMiB2 = 1 << 21

	pml4Entries = 512
	pdptEntries = 512
)

// pdeDescriptor is the split-table materialized the first time a 1GiB
// region needs finer-than-1GiB typing or permissions.
type pdeDescriptor struct {
	table    [pdptEntries]Entry
	phys     uint64
	gpaStart uint64 // 1GiB aligned
}

// pteDescriptor is the split-table materialized the first time a 2MiB
// region needs finer-than-2MiB typing or permissions.
type pteDescriptor struct {
	table    [pdptEntries]Entry
	phys     uint64
	gpaStart uint64 // 2MiB aligned
}

// Manager is one VM mapping's nested page table: a four-level identity-
// mapped address space plus whatever splits have been materialized on top
// of it.
type Manager struct {
	mu sync.RWMutex

	alloc *pagealloc.Allocator

	ncr3Phys uint64
	pml4     [pml4Entries]Entry

	pdptPhys uint64
	// flattened 512x512 huge-PDPTE identity map; table i occupies
	// pdpt[i*pdptEntries : (i+1)*pdptEntries].
	pdpt []Entry

	pdeByRegion map[uint64]*pdeDescriptor
	pteByRegion map[uint64]*pteDescriptor

	defaultType MemoryType
	built       bool
}

// NewManager allocates the NCR3 root and the contiguous PDPTE block but does
// not yet fill the identity map; call BuildIdentityMap to do that.
func NewManager(alloc *pagealloc.Allocator) (*Manager, error) {
	root, err := alloc.Alloc()
	if err != nil {
		return nil, errors.Wrap(err, "npt: failed to allocate NCR3 page")
	}
	// 512 PDPTE tables of 512 entries * 8 bytes = 2MiB, one contiguous block.
	pdptBlock, err := alloc.AllocContiguous(pml4Entries)
	if err != nil {
		return nil, errors.Wrap(err, "npt: failed to allocate PDPTE block")
	}
	return &Manager{
		alloc:       alloc,
		ncr3Phys:    root.HPA,
		pdptPhys:    pdptBlock.HPA,
		pdpt:        make([]Entry, pml4Entries*pdptEntries),
		pdeByRegion: make(map[uint64]*pdeDescriptor),
		pteByRegion: make(map[uint64]*pteDescriptor),
	}, nil
}

// NCR3 returns the physical address to program into the VMCB's npt_cr3
// field.
func (m *Manager) NCR3() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ncr3Phys
}

// BuildIdentityMap fills every PML4E and every PDPTE entry to identity-map
// HPA==GPA at 1GiB granularity with RWX permissions and the given default
// memory type (spec.md §4.2).
func (m *Manager) BuildIdentityMap(defaultType MemoryType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultType = defaultType

	for i := 0; i < pml4Entries; i++ {
		tableHPA := m.pdptPhys + uint64(i)*PageSize
		m.pml4[i] = Entry(0).WithPresent(true).WithWrite(true).WithUser(true).WithTableBase(tableHPA)

		base := i * pdptEntries
		for j := 0; j < pdptEntries; j++ {
			gpa := (uint64(i)*pdptEntries + uint64(j)) * sizeGiB
			e := Entry(0).WithPresent(true).WithWrite(true).WithUser(true).WithLeaf(true).WithHugeBase(gpa)
			e = e.WithMemoryType(defaultType)
			m.pdpt[base+j] = e
		}
	}
	m.built = true
	log.WithField("default_type", defaultType).Info("npt: built identity map")
	return nil
}

func pdpteIndex(gpa uint64) uint64 { return gpa / sizeGiB }

// pdpteEntryRef returns a pointer to the flattened PDPTE slot for gpa.
func (m *Manager) pdpteEntryRef(gpa uint64) *Entry {
	return &m.pdpt[pdpteIndex(gpa)]
}

// SplitPDPTE locates or creates the PDE descriptor whose range contains
// gpa. Idempotent: calling it twice for the same gpa returns the same
// descriptor (spec.md §8 round-trip property).
func (m *Manager) SplitPDPTE(gpa uint64) (*pdeDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.splitPDPTELocked(gpa)
}

func (m *Manager) splitPDPTELocked(gpa uint64) (*pdeDescriptor, error) {
	regionStart := gpa &^ (sizeGiB - 1)
	if d, ok := m.pdeByRegion[regionStart]; ok {
		return d, nil
	}

	parent := m.pdpteEntryRef(regionStart)
	if parent.Leaf() && !parent.Present() {
		return nil, fmt.Errorf("npt: cannot split non-present PDPTE at gpa 0x%x", gpa)
	}
	parentType := parent.MemoryType()
	parentCovered := parent.VarMTRRCovered()

	page, err := m.alloc.Alloc()
	if err != nil {
		return nil, errors.Wrap(err, "npt: failed to allocate PDE table")
	}
	d := &pdeDescriptor{phys: page.HPA, gpaStart: regionStart}
	for i := 0; i < pdptEntries; i++ {
		childGPA := regionStart + uint64(i)*sizeMiB2
		e := Entry(0).WithPresent(true).WithWrite(true).WithUser(true).WithLeaf(true).WithLargeBase(childGPA)
		e = e.WithMemoryType(parentType).WithVarMTRRCovered(parentCovered)
		d.table[i] = e
	}
	m.pdeByRegion[regionStart] = d

	// Upper level now points at the most-split child (spec.md §3 invariant 1).
	*parent = parent.WithLeaf(false).WithTableBase(d.phys)
	return d, nil
}

// SplitPDE is the PDE-level sibling of SplitPDPTE: locates or creates the
// PTE descriptor whose range contains gpa, splitting the owning PDPTE first
// if necessary.
func (m *Manager) SplitPDE(gpa uint64) (*pteDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.splitPDELocked(gpa)
}

func (m *Manager) splitPDELocked(gpa uint64) (*pteDescriptor, error) {
	regionStart := gpa &^ (sizeMiB2 - 1)
	if d, ok := m.pteByRegion[regionStart]; ok {
		return d, nil
	}

	pdeDesc, err := m.splitPDPTELocked(gpa)
	if err != nil {
		return nil, err
	}
	idx := (regionStart % sizeGiB) / sizeMiB2
	parent := &pdeDesc.table[idx]
	parentType := parent.MemoryType()
	parentCovered := parent.VarMTRRCovered()

	page, err := m.alloc.Alloc()
	if err != nil {
		return nil, errors.Wrap(err, "npt: failed to allocate PTE table")
	}
	d := &pteDescriptor{phys: page.HPA, gpaStart: regionStart}
	for i := 0; i < pdptEntries; i++ {
		childGPA := regionStart + uint64(i)*PageSize
		e := Entry(0).WithPresent(true).WithWrite(true).WithUser(true).WithLeafBase(childGPA)
		e = e.WithMemoryType(parentType).WithVarMTRRCovered(parentCovered)
		d.table[i] = e
	}
	m.pteByRegion[regionStart] = d

	*parent = parent.WithLeaf(false).WithTableBase(d.phys)
	return d, nil
}

// entryAt returns a pointer to the most-split live entry covering gpa,
// splitting down to 4KiB granularity when alloc is true and a finer entry
// doesn't exist yet. This realizes update_pte / update_pde / update_pdpte
// (§4.2): callers always end up editing exactly one live leaf entry.
func (m *Manager) entryAt(gpa uint64, alloc bool) (*Entry, error) {
	pdptRef := m.pdpteEntryRef(gpa)
	if pdptRef.Leaf() {
		if !alloc {
			return pdptRef, nil
		}
		pdeDesc, err := m.splitPDPTELocked(gpa)
		if err != nil {
			return nil, err
		}
		idx := (gpa % sizeGiB) / sizeMiB2
		return &pdeDesc.table[idx], nil
	}
	regionStart := gpa &^ (sizeGiB - 1)
	pdeDesc := m.pdeByRegion[regionStart]
	idx := (gpa % sizeGiB) / sizeMiB2
	pdeRef := &pdeDesc.table[idx]
	if pdeRef.Leaf() {
		if !alloc {
			return pdeRef, nil
		}
		pteDesc, err := m.splitPDELocked(gpa)
		if err != nil {
			return nil, err
		}
		pteIdx := (gpa % sizeMiB2) / PageSize
		return &pteDesc.table[pteIdx], nil
	}
	pteRegionStart := gpa &^ (sizeMiB2 - 1)
	pteDesc := m.pteByRegion[pteRegionStart]
	pteIdx := (gpa % sizeMiB2) / PageSize
	return &pteDesc.table[pteIdx], nil
}

// UpdatePTE updates the single live leaf entry targeting gpa: its frame
// (hpa), permission bits, and optionally its memory type, auto-splitting
// upper levels to 4KiB granularity first.
func (m *Manager) UpdatePTE(hpa, gpa uint64, r, w, x bool, mt *MemoryType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Force split all the way to 4KiB: a PTE-level update must not leave a
	// coarser sibling translation live for the same GPA (invariant 1).
	if _, err := m.splitPDELocked(gpa); err != nil {
		return err
	}
	regionStart := gpa &^ (sizeMiB2 - 1)
	pteDesc := m.pteByRegion[regionStart]
	idx := (gpa % sizeMiB2) / PageSize
	e := pteDesc.table[idx]
	e = e.WithPermissions(r, w, x).WithLeafBase(hpa)
	if mt != nil {
		e = e.WithMemoryType(*mt)
	}
	pteDesc.table[idx] = e
	return nil
}

// LookupLeaf returns the live leaf entry and the granularity (in bytes) it
// covers for diagnostics/tests.
func (m *Manager) LookupLeaf(gpa uint64) (Entry, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, gran, err := m.lookupLeafLocked(gpa)
	return e, gran, err
}

func (m *Manager) lookupLeafLocked(gpa uint64) (Entry, uint64, error) {
	pdptRef := m.pdpteEntryRef(gpa)
	if pdptRef.Leaf() {
		return *pdptRef, sizeGiB, nil
	}
	regionStart := gpa &^ (sizeGiB - 1)
	pdeDesc, ok := m.pdeByRegion[regionStart]
	if !ok {
		return 0, 0, fmt.Errorf("npt: PDPTE marked split but no descriptor for gpa 0x%x", gpa)
	}
	idx := (gpa % sizeGiB) / sizeMiB2
	pdeRef := pdeDesc.table[idx]
	if pdeRef.Leaf() {
		return pdeRef, sizeMiB2, nil
	}
	pteRegionStart := gpa &^ (sizeMiB2 - 1)
	pteDesc, ok := m.pteByRegion[pteRegionStart]
	if !ok {
		return 0, 0, fmt.Errorf("npt: PDE marked split but no descriptor for gpa 0x%x", gpa)
	}
	pteIdx := (gpa % sizeMiB2) / PageSize
	return pteDesc.table[pteIdx], PageSize, nil
}

// ApplyVariableMTRR overrides typing across v's range with the merge rule
// from spec.md §4.2.
func (m *Manager) ApplyVariableMTRR(v VariableMTRR) error {
	if !v.Valid {
		return nil
	}
	length := v.Length()
	if length == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overrideRangeLocked(v.Base, length, v.Type, v.Force)
}

// ApplyFixedMTRR overrides the first 1MiB at 4KiB granularity (spec.md
// §4.2).
func (m *Manager) ApplyFixedMTRR(entries []FixedMTRRByte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fe := range entries {
		if err := m.overrideRangeLocked(fe.GPA, PageSize, fe.Type, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) overrideRangeLocked(gpaStart, length uint64, t MemoryType, force bool) error {
	end := gpaStart + length
	for gpa := gpaStart; gpa < end; {
		gran := splitGranularity(gpa, end-gpa)
		switch gran {
		case sizeGiB:
			ref := m.pdpteEntryRef(gpa)
			merged := mergeType(ref.MemoryType(), t, force)
			*ref = ref.WithMemoryType(merged).WithVarMTRRCovered(true)
		case sizeMiB2:
			pdeDesc, err := m.splitPDPTELocked(gpa)
			if err != nil {
				return err
			}
			idx := (gpa % sizeGiB) / sizeMiB2
			ref := &pdeDesc.table[idx]
			if ref.Leaf() {
				merged := mergeType(ref.MemoryType(), t, force)
				*ref = ref.WithMemoryType(merged).WithVarMTRRCovered(true)
			}
		default: // 4KiB
			pteDesc, err := m.splitPDELocked(gpa)
			if err != nil {
				return err
			}
			idx := (gpa % sizeMiB2) / PageSize
			ref := &pteDesc.table[idx]
			merged := mergeType(ref.MemoryType(), t, force)
			*ref = ref.WithMemoryType(merged).WithVarMTRRCovered(true)
		}
		gpa += gran
	}
	return nil
}

// ProtectHypervisor redirects every hpa in private (VMCB, host-save,
// bitmaps, every live NPT/RMT table) to blankHPA: the NPT's identity-mapped
// leaf entry for that address is retargeted so accesses land on the blank
// decoy page rather than on the real hypervisor-private memory (spec.md §3
// invariant 3, §4.2). Must be called before first vCPU dispatch.
func (m *Manager) ProtectHypervisor(blankHPA uint64, private []uint64) error {
	for _, hpa := range private {
		if err := m.UpdatePTE(blankHPA, hpa, true, true, false, nil); err != nil {
			return errors.Wrapf(err, "npt: failed to protect hpa 0x%x", hpa)
		}
	}
	log.WithField("count", len(private)).Info("npt: protected hypervisor-private pages")
	return nil
}

// Remap recomputes the permission bits of the identity-mapped leaf entry
// for each hpa using permFor, the RMT-derived policy function (spec.md
// §4.2 step 3 of reassign_page_ownership). Because this port's NPT is
// identity-mapped, the GPA to update equals the HPA.
func (m *Manager) Remap(hpas []uint64, permFor func(hpa uint64) (r, w, x bool)) error {
	for _, hpa := range hpas {
		r, w, x := permFor(hpa)
		if err := m.UpdatePTE(hpa, hpa, r, w, x, nil); err != nil {
			return errors.Wrapf(err, "npt: failed to remap hpa 0x%x", hpa)
		}
	}
	return nil
}

// AllOwnTables returns every HPA belonging to this manager's own tables
// (PDPTE block plus every split PDE/PTE table), so the caller can assert
// they're all recorded in the RMT as NoirVisor-owned (spec.md §3 invariant
// 4).
func (m *Manager) AllOwnTables() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tables := []uint64{m.ncr3Phys}
	for i := 0; i < pml4Entries; i++ {
		tables = append(tables, m.pdptPhys+uint64(i)*PageSize)
	}
	for _, d := range m.pdeByRegion {
		tables = append(tables, d.phys)
	}
	for _, d := range m.pteByRegion {
		tables = append(tables, d.phys)
	}
	return tables
}
