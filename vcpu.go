package cvm

import (
	"sync"
	"time"

	"github.com/noirvisor/cvm-core/internal/pagealloc"
	"github.com/pkg/errors"
)

// NoProcessor is proc_id's "never run" sentinel (spec.md §3).
const NoProcessor = 0xFFFFFFFF

// CustomVCPU is one CVM-layer virtual CPU: the hardware VMCB, the logical
// guest view the layered hypervisor programs, the state-cache contract
// between them, and everything the exit dispatcher and scheduler facade
// need to run it (spec.md §3).
type CustomVCPU struct {
	mu sync.Mutex

	vm *VM

	vmcb     VMCB
	vmcbPage *pagealloc.Page
	cache    stateCache

	Logical GuestState

	ProcID          uint32
	SelectedMapping uint32

	Shadowed ShadowedBits
	Special  SpecialState

	Options          VCPUOptions
	ExceptionBitmap  uint32
	MSRRefinement    MSRInterceptions

	pendingEvent *EventInjection

	// NSV fields, populated only when vm.NSVGuest.
	vmsa *VMSAHolder

	Stats VCPUStats

	RuntimeStart time.Time
}

// VMSAHolder pairs a confidential-guest VMSA with the anti-tamper check
// values the core verifies on every switch (spec.md §4.8).
type VMSAHolder struct {
	State nsvVMSAChecker
}

// nsvVMSAChecker is satisfied by pkg/nsv.VMSA; kept as a narrow interface
// here so the root package doesn't force every vCPU to import pkg/nsv.
type nsvVMSAChecker interface {
	VerifyIdentity(vcpuIdentity, vmcbVirtual, vmcbPhysical uint64) error
}

// VCPUStats counts exits per intercept class and records the class of the
// latest one as the billing selector (spec.md §3); no cycle times are
// accumulated here.
type VCPUStats struct {
	mu       sync.Mutex
	Counters map[InterceptCode]uint64
	Selector InterceptCode
}

func newVCPUStats() VCPUStats {
	return VCPUStats{Counters: make(map[InterceptCode]uint64)}
}

// Bill increments the counter for code and records it as the active
// selector, mirroring the original's per-handler accumulated counters
// (spec.md §3, §4.5).
func (s *VCPUStats) Bill(code InterceptCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Counters[code]++
	s.Selector = code
}

// newCustomVCPU constructs a vCPU in its create-time state: state cache
// fully invalid, proc_id unset, no mapping selected, and a freshly
// allocated physically-contiguous VMCB page (spec.md §3).
func newCustomVCPU(vm *VM) (*CustomVCPU, error) {
	page, err := vm.pgs.Alloc()
	if err != nil {
		return nil, NewError(InsufficientResources, "vmcb page: %v", err)
	}
	c := &CustomVCPU{
		vm:              vm,
		cache:           newStateCache(),
		ProcID:          NoProcessor,
		SelectedMapping: NoMapping,
		Stats:           newVCPUStats(),
		vmcbPage:        page,
	}
	c.vmcb.Phys = page.HPA
	return c, nil
}

// NoMapping marks a vCPU that has never had a mapping selected; its NPT
// manager lookup and ASID are both undefined until SetMapping is called.
const NoMapping = 0xFFFFFFFF

// SetMapping selects which of the VM's NPT managers this vCPU runs
// against, invalidating the ASID state-cache flag (spec.md §4.3).
func (c *CustomVCPU) SetMapping(mappingID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(mappingID) >= len(c.vm.mappings) {
		return NewError(InvalidParameter, "mapping id %d out of range", mappingID)
	}
	c.SelectedMapping = mappingID
	c.cache.invalidateMapping()
	return nil
}

// PendingEvent reports the event queued for the next switch_to_guest, if
// any.
func (c *CustomVCPU) PendingEvent() (EventInjection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingEvent == nil {
		return EventInjection{}, false
	}
	return *c.pendingEvent, true
}

// QueueEvent stages inj for delivery on the vCPU's next entry, respecting
// interrupt-priority-vs-TPR gating for external interrupts (spec.md §4.6).
func (c *CustomVCPU) QueueEvent(inj EventInjection, priority uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inj.Type == EventExternalInterrupt {
		tpr := uint8(c.Logical.CRs.CR8 & 0xF)
		if priority <= tpr {
			vcpuLog.WithField("priority", priority).WithField("tpr", tpr).Trace("external interrupt withheld")
			return errors.New("cvm: interrupt priority at or below current TPR, left pending")
		}
	}
	ev := inj
	c.pendingEvent = &ev
	return nil
}

// clearPendingEvent consumes the pending event, returning it if present.
func (c *CustomVCPU) clearPendingEvent() (EventInjection, bool) {
	if c.pendingEvent == nil {
		return EventInjection{}, false
	}
	ev := *c.pendingEvent
	c.pendingEvent = nil
	return ev, true
}
