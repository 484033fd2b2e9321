package cvm

import (
	"context"
	"sync"
)

// hostSavedState has room for the host GPRs/XSAVE/DRs/cr2 around a world
// switch (spec.md §4.4 step 2). switchToGuest fills only a local copy of
// it, with the DR and CR2 values from the VMCB's guest area, and
// switchToHost restores nothing from it.
type hostSavedState struct {
	GPR    [16]uint64
	XSave  []byte
	DRs    DebugRegisters
	CR2    uint64
}

// loaderStack is the process-wide per-CPU pointer the dispatcher consults
// to decide whether an exit belongs to the subverted host or a CVM guest
// (spec.md §3 "Idle vCPU", §4.4 step 6).
type loaderStack struct {
	mu          sync.Mutex
	customVCPU  map[uint32]*CustomVCPU // keyed by processor index
	guestVMCBPA map[uint32]uint64
}

func newLoaderStack() *loaderStack {
	return &loaderStack{
		customVCPU:  make(map[uint32]*CustomVCPU),
		guestVMCBPA: make(map[uint32]uint64),
	}
}

func (l *loaderStack) setActive(proc uint32, cvcpu *CustomVCPU, vmcbPA uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.customVCPU[proc] = cvcpu
	l.guestVMCBPA[proc] = vmcbPA
}

func (l *loaderStack) setIdle(proc uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.customVCPU, proc)
	delete(l.guestVMCBPA, proc)
}

func (l *loaderStack) active(proc uint32) (*CustomVCPU, uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cvcpu, ok := l.customVCPU[proc]
	if !ok {
		return nil, 0, false
	}
	return cvcpu, l.guestVMCBPA[proc], true
}

// switchToGuest implements spec.md §4.4's switch_to_guest: migration
// handling, a local DR/CR2 snapshot (no host state is kept), state-cache
// load, event-injection
// programming, ASID/NPT-CR3 sync, and loader-stack publication.
func switchToGuest(cvcpu *CustomVCPU, hw HardwareAdapter, ls *loaderStack, tlb *tlbRequest) error {
	_, span := tracer.Start(context.Background(), "cvm.switch_to_guest")
	defer span.End()

	cvcpu.mu.Lock()
	defer cvcpu.mu.Unlock()

	proc := hw.CurrentProcessorIndex()
	if cvcpu.ProcID != proc {
		onMigration(&cvcpu.vmcb, &cvcpu.cache)
		cvcpu.ProcID = proc
	}

	var saved hostSavedState
	saved.DRs = cvcpu.vmcb.Guest.DRs
	saved.CR2 = cvcpu.vmcb.Guest.CRs.CR2

	cvcpu.cache.loadGuest(&cvcpu.vmcb, &cvcpu.Logical)

	programEventInjection(cvcpu)

	mapping, err := cvcpu.vm.MappingByID(cvcpu.SelectedMapping)
	if err != nil {
		return err
	}
	if cvcpu.vmcb.NPTCR3 != mapping.NPT.NCR3() || cvcpu.vmcb.GuestASID != mapping.ASID {
		cvcpu.vmcb.NPTCR3 = mapping.NPT.NCR3()
		cvcpu.vmcb.GuestASID = mapping.ASID
		cvcpu.vmcb.ClearClean(CleanASID | CleanNPT)
		tlb.request(mapping.ASID)
	}

	ls.setActive(proc, cvcpu, cvcpu.vmcb.Phys)
	switchLog.WithField("vcpu_mapping", cvcpu.SelectedMapping).Trace("switch_to_guest")
	return nil
}

// switchToHost implements spec.md §4.4's switch_to_host mirror: reads
// back any hardware-cleared event injection, reconstructs a pending
// virtual-IRQ, and idles the loader stack.
func switchToHost(cvcpu *CustomVCPU, ls *loaderStack) {
	_, span := tracer.Start(context.Background(), "cvm.switch_to_host")
	defer span.End()

	cvcpu.mu.Lock()
	defer cvcpu.mu.Unlock()

	raw := cvcpu.vmcb.EventInjection.Encode()
	inj := DecodeEventInjection(raw)
	if !inj.Valid {
		if ev, ok := cvcpu.clearPendingEvent(); ok && ev.Type == EventExternalInterrupt {
			cvcpu.pendingEvent = &ev
		}
	}

	ls.setIdle(cvcpu.ProcID)
}

// programEventInjection implements spec.md §4.4 step 4 and §4.6: writes
// the pending event into the VMCB, special-casing NMI (enable the iret
// intercept for the NMI window and mark prev_nmi).
func programEventInjection(cvcpu *CustomVCPU) {
	ev, ok := cvcpu.clearPendingEvent()
	if !ok {
		return
	}
	if ev.Type == EventNMI {
		cvcpu.Special.PrevNMI = true
		cvcpu.vmcb.InterceptVector1 |= interceptBitIRET
	}
	cvcpu.vmcb.EventInjection = ev
	cvcpu.vmcb.ClearClean(CleanControlReg)
}

// tlbRequest accumulates ASIDs that need a flush before or after a batch
// of world switches, mirroring "request TLB flush if either was changed"
// (spec.md §4.4 step 5).
type tlbRequest struct {
	mu    sync.Mutex
	asids map[uint32]struct{}
}

func newTLBRequest() *tlbRequest {
	return &tlbRequest{asids: make(map[uint32]struct{})}
}

func (t *tlbRequest) request(asid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.asids[asid] = struct{}{}
}

// flush issues FlushTLBBroadcast for every requested ASID and clears the
// request set.
func (t *tlbRequest) flush(hw HardwareAdapter) error {
	t.mu.Lock()
	pending := t.asids
	t.asids = make(map[uint32]struct{})
	t.mu.Unlock()
	for asid := range pending {
		if err := hw.FlushTLBBroadcast(asid); err != nil {
			return err
		}
	}
	return nil
}
