package cvm

import (
	"sync/atomic"
	"time"

	"github.com/noirvisor/cvm-core/pkg/nsv"
	"github.com/noirvisor/cvm-core/pkg/rmt"
)

// HypercallFunction enumerates the VMMCALL function selectors carried in
// rcx (spec.md §4.7).
type HypercallFunction uint32

const (
	HcCallExit HypercallFunction = iota
	HcInitCustomVMCB
	HcRunVCPU
	HcDumpVCPUVMCB
	HcSetVCPUOptions
	HcFlushTLB
	HcNSVReassignRMT
	HcNSVRemapByRMT
	HcNSVCryptoForRMT
)

// Engine orchestrates the hypercall ABI against a single VM's collaborators
// (NPT managers, RMT, ASID pool, NSV engine). Every hypercall validates
// that the caller's instruction pointer lies inside the layered
// hypervisor's image range before honoring the request (spec.md §4.7).
type Engine struct {
	vm       *VM
	rmtTable *rmt.Table
	hw       HardwareAdapter
	loader   *loaderStack
	tlb      *tlbRequest

	imageStart uint64
	imageEnd   uint64

	transitioning atomic.Bool
}

// NewEngine builds a hypercall engine bound to vm, with callers required
// to originate from [imageStart, imageEnd).
func NewEngine(vm *VM, table *rmt.Table, hw HardwareAdapter, imageStart, imageEnd uint64) *Engine {
	return &Engine{
		vm:         vm,
		rmtTable:   table,
		hw:         hw,
		loader:     newLoaderStack(),
		tlb:        newTLBRequest(),
		imageStart: imageStart,
		imageEnd:   imageEnd,
	}
}

// verifyCaller implements the "validates that the instruction pointer
// lies inside the layered-hypervisor image range" gate common to every
// hypercall; a failure here stands in for "inject #UD to deter tampering"
// (spec.md §4.7) since this port has no modeled subverted-host vCPU to
// inject the exception into (dispatchExit's host-vCPU table is the same
// out-of-scope boundary) — the caller gets a typed error instead.
func (e *Engine) verifyCaller(callerRIP uint64) error {
	if callerRIP < e.imageStart || callerRIP >= e.imageEnd {
		return NewError(InvalidParameter, "caller rip %#x outside layered-hypervisor image range [%#x, %#x)", callerRIP, e.imageStart, e.imageEnd)
	}
	return nil
}

// CallExit implements CALLEXIT (spec.md §4.7): verify the caller's
// instruction pointer lies in the NoirVisor image range, then mark this
// pCPU's status transitioning so the layered hypervisor can be handed
// back control outside guest mode. Restoring the pre-subversion host
// CR3/CR4/IDTR/GDTR/LSTAR and the saved-GPR-state trampoline are
// subverted-host mechanics this core never models (the same boundary
// dispatchExit's host-vCPU table sits outside of).
func (e *Engine) CallExit(callerRIP uint64, cvcpu *CustomVCPU) error {
	if err := e.verifyCaller(callerRIP); err != nil {
		return err
	}
	e.transitioning.Store(true)
	hypercallLog.Debug("CALL_EXIT: marked pCPU transitioning")
	return nil
}

// Transitioning reports whether CallExit has been honored on this engine.
func (e *Engine) Transitioning() bool {
	return e.transitioning.Load()
}

// ReassignmentContext is the NSV_REASSIGN_RMT context (spec.md §4.2,
// §4.7).
type ReassignmentContext struct {
	HPAs, GPAs []uint64
	ASID       uint32
	Shared     bool
	Ownership  rmt.Ownership
}

// RemapContext is the NSV_REMAP_BY_RMT context.
type RemapContext struct {
	HPAs []uint64
}

// CryptoContext is the NSV_CRYPTO_FOR_RMT context.
type CryptoContext struct {
	HPAs []uint64
	Pages [][]byte
	Key  [16]byte
}

// InitCustomVMCB implements INIT_CUSTOM_VMCB (spec.md §4.7): program the
// fixed set of intercepts, take ASID/NCR3 from the VM's first mapping,
// enable NPT, and mask virtual interrupts.
func (e *Engine) InitCustomVMCB(callerRIP uint64, cvcpu *CustomVCPU) error {
	if err := e.verifyCaller(callerRIP); err != nil {
		return err
	}
	cvcpu.mu.Lock()
	defer cvcpu.mu.Unlock()

	cvcpu.vmcb.InterceptCR = CRIntercept{Read: 0xFFFF, Write: 0xFFFF}
	cvcpu.vmcb.InterceptExceptions = 1<<ExceptionMC | 1<<securityException
	cvcpu.vmcb.InterceptVector1 = interceptBitINTR | interceptBitNMI | interceptBitSMI | interceptBitVMRUN
	cvcpu.vmcb.InterceptVector2 = 0xFFFF
	cvcpu.vmcb.InterceptVector3 = 1<<uint(exitShutdown-0x60) | 1

	if len(e.vm.mappings) == 0 {
		return NewError(InvalidParameter, "vm has no mappings")
	}
	m := e.vm.mappings[0]
	cvcpu.vmcb.GuestASID = m.ASID
	cvcpu.vmcb.NPTCR3 = m.NPT.NCR3()
	cvcpu.vmcb.NPTControl = 1
	cvcpu.SelectedMapping = 0
	cvcpu.vmcb.AVICControl |= 1 << 0 // virtual-interrupt masking on

	hypercallLog.WithField("vcpu_asid", m.ASID).Debug("INIT_CUSTOM_VMCB")
	return nil
}

// runVCPUOnce implements the RUN_VCPU hypercall itself: stamps the
// runtime-start timestamp and invokes switch_to_guest for exactly one
// entry/exit cycle (spec.md §4.7). The scheduler facade's RunVCPU loops
// this while exits classify as cv_scheduler_exit (spec.md §4.9).
func (e *Engine) runVCPUOnce(cvcpu *CustomVCPU) (ExitContext, error) {
	cvcpu.RuntimeStart = time.Now()
	if err := switchToGuest(cvcpu, e.hw, e.loader, e.tlb); err != nil {
		return ExitContext{}, err
	}
	if err := e.tlb.flush(e.hw); err != nil {
		return ExitContext{}, err
	}
	code, err := e.hw.VMRun(&cvcpu.vmcb, cvcpu)
	if err != nil {
		return ExitContext{}, err
	}
	cvcpu.vmcb.ExitCode = code
	switchToHost(cvcpu, e.loader)
	return dispatchExit(cvcpu), nil
}

// ReadAt implements GuestMemory trivially against the vCPU's own NPT
// identity map for a SoftwareAdapter driving tests; production guest
// memory access is out of scope (Non-goal: no x86 emulator). The backing
// byte data comes from the VM's guest-RAM allocator, not the hypervisor-
// private one the NPT tables and VMCB pages themselves live in.
func (c *CustomVCPU) ReadAt(gpa uint64, buf []byte) error {
	mapping, err := c.vm.MappingByID(c.SelectedMapping)
	if err != nil {
		return err
	}
	_, _, err = mapping.NPT.LookupLeaf(gpa)
	if err != nil {
		return err
	}
	page := c.vm.guest.Lookup(gpa)
	if page == nil {
		return NewError(GuestPageAbsent, "gpa %#x", gpa)
	}
	offset := gpa - page.HPA
	if int(offset)+len(buf) > len(page.Bytes) {
		return NewError(BufferTooSmall, "gpa %#x", gpa)
	}
	copy(buf, page.Bytes[offset:])
	return nil
}

// DumpVCPUVMCB implements DUMP_VCPU_VMCB: pulls the VMCB into the logical
// view per the state-cache contract (spec.md §4.3, §4.7).
func (e *Engine) DumpVCPUVMCB(callerRIP uint64, cvcpu *CustomVCPU) error {
	if err := e.verifyCaller(callerRIP); err != nil {
		return err
	}
	cvcpu.mu.Lock()
	defer cvcpu.mu.Unlock()
	cvcpu.cache.dumpGuest(&cvcpu.vmcb, &cvcpu.Logical)
	return nil
}

// SetVCPUOptions implements SET_VCPU_OPTIONS: recompute intercept vectors
// from vcpu_options and the exception bitmap, always intercepting #MC and
// #SX (spec.md §4.7). The MSRPM is not swapped here: with InterceptMSR set
// the VMCB's MSRPM address is zeroed, and with it clear the address is
// left unchanged.
func (e *Engine) SetVCPUOptions(callerRIP uint64, cvcpu *CustomVCPU, opts VCPUOptions, exceptionBitmap uint32, refinement MSRInterceptions) error {
	if err := e.verifyCaller(callerRIP); err != nil {
		return err
	}
	cvcpu.mu.Lock()
	defer cvcpu.mu.Unlock()

	cvcpu.Options = opts
	cvcpu.ExceptionBitmap = exceptionBitmap | 1<<ExceptionMC | 1<<securityException
	cvcpu.MSRRefinement = refinement
	cvcpu.vmcb.InterceptExceptions = cvcpu.ExceptionBitmap

	if opts.InterceptMSR {
		cvcpu.vmcb.MSRPMPhysicalAddress = 0 // caller wires the full bitmap's physical address separately
	}
	cvcpu.vmcb.ClearClean(CleanInterception | CleanIOMSRPM)
	return nil
}

// FlushTLB implements FLUSH_TLB: sets the current VMCB's TLB-control to
// "flush guest" (spec.md §4.7).
func (e *Engine) FlushTLB(callerRIP uint64, cvcpu *CustomVCPU, asid uint32) error {
	if err := e.verifyCaller(callerRIP); err != nil {
		return err
	}
	cvcpu.mu.Lock()
	defer cvcpu.mu.Unlock()
	cvcpu.vmcb.TLBControl = TLBControlFlushGuest
	return nil
}

// NSVReassignRMT implements stage 2 of reassign_page_ownership (spec.md
// §4.2, §4.7): update the RMT entries under exclusive lock.
func (e *Engine) NSVReassignRMT(callerRIP uint64, ctx ReassignmentContext) error {
	if err := e.verifyCaller(callerRIP); err != nil {
		return err
	}
	return e.rmtTable.Reassign(ctx.HPAs, ctx.GPAs, ctx.ASID, ctx.Shared, ctx.Ownership)
}

// NSVRemapByRMT implements stage 3 of reassign_page_ownership: recompute
// NPT PTE permissions for every HPA from its RMT row, then request a TLB
// flush on every mapping's ASID (spec.md §4.2, §4.7).
func (e *Engine) NSVRemapByRMT(callerRIP uint64, ctx RemapContext) error {
	if err := e.verifyCaller(callerRIP); err != nil {
		return err
	}
	for _, m := range e.vm.mappings {
		if err := m.NPT.Remap(ctx.HPAs, e.rmtTable.PermissionsFor); err != nil {
			return err
		}
		e.tlb.request(m.ASID)
	}
	return e.tlb.flush(e.hw)
}

// NSVCryptoForRMT implements NSV_CRYPTO_FOR_RMT: for each HPA, decrypt if
// its RMT ownership is secure-guest, else encrypt (spec.md §4.7).
func (e *Engine) NSVCryptoForRMT(callerRIP uint64, ctx CryptoContext) error {
	if err := e.verifyCaller(callerRIP); err != nil {
		return err
	}
	for i, hpa := range ctx.HPAs {
		entry := e.rmtTable.Lookup(hpa)
		secure := entry.Ownership == rmt.SecureGuest
		if err := nsv.CryptoForRMT(ctx.Key, ctx.Pages[i], secure); err != nil {
			return err
		}
	}
	return nil
}
