package cvm

import (
	"sync"

	"github.com/noirvisor/cvm-core/internal/pagealloc"
	"github.com/noirvisor/cvm-core/pkg/asidpool"
	"github.com/noirvisor/cvm-core/pkg/npt"
	"github.com/noirvisor/cvm-core/pkg/rmt"
)

// defaultNPTMemoryType is the default memory type a fresh mapping's
// identity map is built with, absent any MTRR override (spec.md §4.2).
const defaultNPTMemoryType = npt.MemTypeWB

// MaxVCPUSlots bounds a VM's vCPU slot array (spec.md §3: "up to 255").
const MaxVCPUSlots = 255

// ioPermissionBitmapBits is the IOPM's fixed size (spec.md §3: "24 Kbit").
const ioPermissionBitmapBits = 24 * 1024

// Mapping pairs one NPT manager with the ASID it is addressed under; a VM
// holds one per "mapping identifier" (spec.md §3 NPT-manager array).
type Mapping struct {
	NPT  *npt.Manager
	ASID uint32
}

// VM is a CVM-layer virtual machine: the vCPU slot array and its owning
// lock, the per-mapping NPT managers, the shared I/O and MSR permission
// bitmaps, optional virtual-APIC pages, and the nsv_guest property
// (spec.md §3).
type VM struct {
	mu sync.RWMutex

	vcpus    [MaxVCPUSlots]*CustomVCPU
	mappings []Mapping

	IOPM        []byte // 24 Kbit, i.e. 3 KiB
	MSRPMMinimal []byte
	MSRPMFull    []byte

	VAPICLogical  *pagealloc.Page
	VAPICPhysical *pagealloc.Page

	NSVGuest bool
	NSVKey   [16]byte

	asid  *asidpool.Pool
	rmt   *rmt.Table
	pgs   *pagealloc.Allocator // hypervisor-private pages: VMCB, NPT tables
	guest *pagealloc.Allocator // guest RAM, a disjoint address space
}

// VMConfig carries the parameters CREATE_VM needs beyond what can be
// derived from the shared ASID pool / RMT / allocator.
type VMConfig struct {
	TotalMappings int
	NSVGuest      bool
}

// CreateVM builds a VM with config.TotalMappings NPT managers, one per
// mapping id, sharing the process-wide allocator, ASID pool, and RMT
// (spec.md §3 Lifetime: "created by CREATE_VM"). alloc backs hypervisor-
// private pages (VMCB, NPT tables); guestAlloc backs guest RAM. The two
// must draw from disjoint address spaces: the NPT's identity map treats
// GPA==HPA (pkg/npt's BuildIdentityMap), so if guest RAM aliased a
// hypervisor-private page's HPA, a guest access at that GPA would read or
// corrupt NoirVisor's own VMCB/page-table state instead of guest memory.
func CreateVM(config VMConfig, alloc, guestAlloc *pagealloc.Allocator, asid *asidpool.Pool, table *rmt.Table) (*VM, error) {
	if config.TotalMappings <= 0 {
		return nil, NewError(InvalidParameter, "zero total-ASID on VM create")
	}
	vm := &VM{
		mappings:     make([]Mapping, config.TotalMappings),
		IOPM:         make([]byte, ioPermissionBitmapBits/8),
		MSRPMMinimal: make([]byte, pagealloc.PageSize),
		MSRPMFull:    make([]byte, 2*pagealloc.PageSize),
		NSVGuest:     config.NSVGuest,
		asid:         asid,
		rmt:          table,
		pgs:          alloc,
		guest:        guestAlloc,
	}
	for i := 0; i < config.TotalMappings; i++ {
		mgr, err := npt.NewManager(alloc)
		if err != nil {
			return nil, NewError(InsufficientResources, "mapping %d: %v", i, err)
		}
		if err := mgr.BuildIdentityMap(defaultNPTMemoryType); err != nil {
			return nil, NewError(InsufficientResources, "mapping %d: build identity map: %v", i, err)
		}
		id := asid.Alloc()
		if id == asidpool.None {
			return nil, NewError(InsufficientResources, "asid pool exhausted")
		}
		vm.mappings[i] = Mapping{NPT: mgr, ASID: id}
	}
	vmLog.WithField("mappings", config.TotalMappings).Debug("created VM")
	return vm, nil
}

// ReleaseVM drains every live vCPU then frees the VM's ASIDs, per
// spec.md §3 ("destroyed by RELEASE_VM which first drains all vCPUs").
func (vm *VM) ReleaseVM() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for i := range vm.vcpus {
		if vm.vcpus[i] != nil {
			vm.pgs.Free(vm.vcpus[i].vmcbPage)
		}
		vm.vcpus[i] = nil
	}
	for _, m := range vm.mappings {
		vm.asid.Free(m.ASID)
	}
	vmLog.Debug("released VM")
}

// CreateVCPU allocates slot and wires a CustomVCPU selecting mapping 0 by
// default (spec.md §3, §4.7 INIT_CUSTOM_VMCB: "ASID and NCR3 from the
// VM's first mapping").
func (vm *VM) CreateVCPU(slot int) (*CustomVCPU, error) {
	if slot < 0 || slot >= MaxVCPUSlots {
		return nil, NewError(InvalidParameter, "vcpu slot %d out of range", slot)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.vcpus[slot] != nil {
		return nil, NewError(VCPUAlreadyCreated, "slot %d", slot)
	}
	cvcpu, err := newCustomVCPU(vm)
	if err != nil {
		return nil, err
	}
	if len(vm.mappings) > 0 {
		cvcpu.SelectedMapping = 0
	}
	vm.vcpus[slot] = cvcpu
	return cvcpu, nil
}

// ReleaseVCPU clears slot, making it available for reuse.
func (vm *VM) ReleaseVCPU(slot int) error {
	if slot < 0 || slot >= MaxVCPUSlots {
		return NewError(InvalidParameter, "vcpu slot %d out of range", slot)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if cvcpu := vm.vcpus[slot]; cvcpu != nil {
		vm.pgs.Free(cvcpu.vmcbPage)
	}
	vm.vcpus[slot] = nil
	return nil
}

// VCPU returns the vCPU in slot, or nil if unoccupied.
func (vm *VM) VCPU(slot int) *CustomVCPU {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if slot < 0 || slot >= MaxVCPUSlots {
		return nil
	}
	return vm.vcpus[slot]
}

// AllocGuestPage hands out one page of guest RAM from the address space
// reserved for it, disjoint from the hypervisor-private pages the NPT
// managers and VMCBs draw from (spec.md §8: GPA 0 must resolve to real
// guest memory under the identity map, not alias NCR3/VMCB storage).
func (vm *VM) AllocGuestPage() (*pagealloc.Page, error) {
	return vm.guest.Alloc()
}

// FootprintBytes reports the fixed-size shared structures' total byte
// count: the IOPM and both MSR permission bitmaps (spec.md §3
// Statistics).
func (vm *VM) FootprintBytes() uint64 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return uint64(len(vm.IOPM) + len(vm.MSRPMMinimal) + len(vm.MSRPMFull))
}

// MappingCount returns how many NPT mappings this VM has.
func (vm *VM) MappingCount() int {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return len(vm.mappings)
}

// MappingASID returns the ASID bound to mappingID, or asidpool.None if
// out of range.
func (vm *VM) MappingASID(mappingID uint32) uint32 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if int(mappingID) >= len(vm.mappings) {
		return asidpool.None
	}
	return vm.mappings[mappingID].ASID
}

// MappingByID returns the NPT manager and ASID for mappingID.
func (vm *VM) MappingByID(mappingID uint32) (Mapping, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if int(mappingID) >= len(vm.mappings) {
		return Mapping{}, NewError(InvalidParameter, "mapping id %d out of range", mappingID)
	}
	return vm.mappings[mappingID], nil
}
