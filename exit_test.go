package cvm

import "testing"

func newTestCVCPU(t *testing.T) (*VM, *CustomVCPU) {
	t.Helper()
	vm := newTestVM(t, 1)
	cvcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	return vm, cvcpu
}

func TestDispatchCRAccessEmulatesCR4MCEInPlace(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitCR + 0x10 + 4 // CR4 write
	cvcpu.vmcb.ExitInfo1 = RegRAX
	cvcpu.vmcb.Guest.GPR[RegRAX] = 1 << 6 // MCE bit set

	ec := dispatchExit(cvcpu)
	if ec.Code != CvSchedulerExit {
		t.Fatalf("expected CR4 write handled in-place, got %s", ec.Code)
	}
	if !cvcpu.Shadowed.MCE {
		t.Fatal("expected CR4.MCE shadowed as set")
	}
	if cvcpu.vmcb.Guest.CRs.CR4&(1<<6) != 0 {
		t.Fatal("expected true CR4 register to never carry MCE")
	}
}

func TestDispatchCRAccessSurfacesNonCR4(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitCR + 0 // CR0 read
	cvcpu.vmcb.ExitInfo1 = RegRCX

	ec := dispatchExit(cvcpu)
	if ec.Code != CvCRAccess || ec.CRAccess == nil || ec.CRAccess.CRIndex != 0 {
		t.Fatalf("expected cr_access surfaced, got %+v", ec)
	}
}

func TestDispatchDRAccessAlwaysSurfaces(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitDR + 0x10 + 3 // DR3 write
	cvcpu.vmcb.ExitInfo1 = RegRBX

	ec := dispatchExit(cvcpu)
	if ec.Code != CvDRAccess || !ec.DRAccess.Write || ec.DRAccess.DRIndex != 3 {
		t.Fatalf("expected dr_access surfaced, got %+v", ec)
	}
}

func TestDispatchPageFaultRecordsFaultAddress(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitException + ExceptionPF
	cvcpu.vmcb.ExitInfo1 = 0x2
	cvcpu.vmcb.ExitInfo2 = 0xDEAD000

	ec := dispatchExit(cvcpu)
	if ec.Code != CvException || ec.Exception.FaultAddress != 0xDEAD000 {
		t.Fatalf("expected #PF to record fault address, got %+v", ec)
	}
}

func TestDispatchMachineCheckAlwaysSurfacesSchedulerExit(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitException + ExceptionMC
	ec := dispatchExit(cvcpu)
	if ec.Code != CvSchedulerExit {
		t.Fatalf("expected #MC to surface scheduler_exit, got %s", ec.Code)
	}
}

func TestDispatchSecurityExceptionInitRedirectionEmulatesInit(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.Guest.CRs.CR0 = 0xFFFFFFFF
	cvcpu.vmcb.ExitCode = exitException + securityException
	cvcpu.vmcb.ExitInfo1 = initRedirectionErrorCode

	ec := dispatchExit(cvcpu)
	if ec.Code != CvSchedulerExit || !ec.TaskSwitch.InitRedirection {
		t.Fatalf("expected scheduler_exit carrying init redirection, got %+v", ec)
	}
	if cvcpu.vmcb.Guest.RIP != 0xFFF0 {
		t.Fatalf("expected rip=0xfff0 after INIT emulation, got %#x", cvcpu.vmcb.Guest.RIP)
	}
	if cvcpu.vmcb.Guest.Seg.CS.Base != 0xFFFF0000 {
		t.Fatalf("expected cs.base=0xffff0000, got %#x", cvcpu.vmcb.Guest.Seg.CS.Base)
	}
	if cvcpu.vmcb.Guest.MSR.EFER != 1<<12 {
		t.Fatalf("expected EFER=SVME only, got %#x", cvcpu.vmcb.Guest.MSR.EFER)
	}
}

func TestDeliverSIPIAppliesVector(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	deliverSIPI(cvcpu, 2)
	if cvcpu.vmcb.Guest.Seg.CS.Selector != 2<<8 || cvcpu.vmcb.Guest.Seg.CS.Base != 2<<12 || cvcpu.vmcb.Guest.RIP != 0 {
		t.Fatalf("unexpected SIPI state: %+v", cvcpu.vmcb.Guest.Seg.CS)
	}
}

func TestDispatchShutdownSurfaces(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitShutdown
	ec := dispatchExit(cvcpu)
	if ec.Code != CvShutdownCondition {
		t.Fatalf("expected shutdown_condition, got %s", ec.Code)
	}
}

func TestDispatchNPFSurfacesMemoryAccess(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitNPF
	cvcpu.vmcb.ExitInfo1 = npfBitWrite | npfBitPresent
	cvcpu.vmcb.ExitInfo2 = 0x3000

	ec := dispatchExit(cvcpu)
	if ec.Code != CvMemoryAccess || !ec.MemoryAccess.Write || ec.MemoryAccess.GPA != 0x3000 {
		t.Fatalf("expected memory_access surfaced, got %+v", ec)
	}
}

func TestDispatchIOSurfacesPortAndDirection(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitIO
	cvcpu.vmcb.ExitInfo1 = (0x3F8 << ioPortShift) | ioBitIn | ioBitSz16

	ec := dispatchExit(cvcpu)
	if ec.Code != CvIOInstruction || ec.IOAccess.Port != 0x3F8 || !ec.IOAccess.In || ec.IOAccess.Width != 2 {
		t.Fatalf("expected io surfaced, got %+v", ec)
	}
}

func TestDispatchPrivilegedInstructionInjectsUDAndResumes(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitVMRUN

	ec := dispatchExit(cvcpu)
	if ec.Code != CvSchedulerExit {
		t.Fatalf("unexpected context: %+v", ec)
	}
	ev, ok := cvcpu.PendingEvent()
	if !ok || ev.Vector != ExceptionUD {
		t.Fatal("expected #UD queued for privileged instruction")
	}
}

func TestDispatchInvalidStateReportsReason(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = -1
	cvcpu.vmcb.Guest.CRs.CR4 = 1 << 19 // an MBZ bit

	ec := dispatchExit(cvcpu)
	if ec.Code != CvInvalidState || ec.InvalidState.Reason != "cr4_mbz" {
		t.Fatalf("expected invalid_state/cr4_mbz, got %+v", ec)
	}
}

func TestDispatchCPUIDEmulatesHypervisorLeaf(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitCPUID
	cvcpu.Options.InterceptCPUID = false
	cvcpu.vmcb.Guest.GPR[RegRAX] = cpuidHvVendor0

	ec := dispatchExit(cvcpu)
	if ec.Code != CvSchedulerExit {
		t.Fatalf("expected emulated CPUID to resume, got %s", ec.Code)
	}
	if cvcpu.vmcb.Guest.GPR[RegRAX] != cpuidHvLeaf1 {
		t.Fatalf("expected max supported leaf in eax, got %#x", cvcpu.vmcb.Guest.GPR[RegRAX])
	}
}

func TestDispatchCPUIDSurfacesWhenIntercepted(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitCPUID
	cvcpu.Options.InterceptCPUID = true
	cvcpu.vmcb.Guest.GPR[RegRAX] = 1
	cvcpu.vmcb.Guest.GPR[RegRCX] = 0

	ec := dispatchExit(cvcpu)
	if ec.Code != CvCPUIDLeaf || ec.CPUID.Leaf != 1 {
		t.Fatalf("expected cpuid_leaf surfaced, got %+v", ec)
	}
}

func TestDispatchStandardLeafSetsHypervisorPresentBit(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitCPUID
	cvcpu.vmcb.Guest.GPR[RegRAX] = 1

	dispatchExit(cvcpu)
	if cvcpu.vmcb.Guest.GPR[RegRCX]&(1<<31) == 0 {
		t.Fatal("expected hypervisor-present bit set on standard leaf 1")
	}
}

func TestDispatchExtendedLeafClearsSVMBit(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	hostCPUID = func(leaf, subleaf uint32) CPUIDResult {
		return CPUIDResult{ECX: 1 << 2}
	}
	defer func() { hostCPUID = func(leaf, subleaf uint32) CPUIDResult { return CPUIDResult{} } }()

	cvcpu.vmcb.ExitCode = exitCPUID
	cvcpu.vmcb.Guest.GPR[RegRAX] = 0x80000001

	dispatchExit(cvcpu)
	if cvcpu.vmcb.Guest.GPR[RegRCX]&(1<<2) != 0 {
		t.Fatal("expected SVM feature bit cleared on extended leaf")
	}
}

func TestDispatchIRETDeliversPendingNMI(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.Special.PrevNMI = true
	cvcpu.vmcb.ExitCode = exitIRET

	ec := dispatchExit(cvcpu)
	if ec.Code != CvSchedulerExit {
		t.Fatalf("unexpected context: %+v", ec)
	}
	if cvcpu.Special.PrevNMI {
		t.Fatal("expected prev_nmi cleared after redelivery")
	}
	ev, ok := cvcpu.PendingEvent()
	if !ok || ev.Type != EventNMI {
		t.Fatal("expected NMI re-queued for delivery")
	}
}

func TestDispatchIRETSurfacesInterruptWindowWhenRequested(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.InterceptVector1 |= interceptBitIRET
	cvcpu.vmcb.ExitCode = exitIRET

	ec := dispatchExit(cvcpu)
	if ec.Code != CvInterruptWindow {
		t.Fatalf("expected interrupt_window, got %s", ec.Code)
	}
	if cvcpu.vmcb.InterceptVector1&interceptBitIRET != 0 {
		t.Fatal("expected iret intercept disabled after surfacing the window")
	}
}

func TestDispatchMSRWhitelistWriteThenReadRoundTrips(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)

	cvcpu.vmcb.ExitCode = exitMSR
	cvcpu.vmcb.ExitInfo1 = 1 // write
	cvcpu.vmcb.Guest.GPR[RegRCX] = msrSTAR
	cvcpu.vmcb.Guest.GPR[RegRAX] = 0xAAAA
	cvcpu.vmcb.Guest.GPR[RegRDX] = 0x1111
	ec := dispatchExit(cvcpu)
	if ec.Code != CvSchedulerExit {
		t.Fatalf("unexpected write context: %+v", ec)
	}

	cvcpu.vmcb.ExitInfo1 = 0 // read
	cvcpu.vmcb.Guest.GPR[RegRAX], cvcpu.vmcb.Guest.GPR[RegRDX] = 0, 0
	ec = dispatchExit(cvcpu)
	if ec.Code != CvSchedulerExit {
		t.Fatalf("unexpected read context: %+v", ec)
	}
	got := edxEaxPair(cvcpu)
	if got != 0x1111AAAA {
		t.Fatalf("expected write-then-read round trip, got %#x", got)
	}
}

func TestDispatchMSRRefinedAccessSurfaces(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.MSRRefinement = MSRInterceptions{Valid: true, APIC: true}
	cvcpu.vmcb.ExitCode = exitMSR
	cvcpu.vmcb.ExitInfo1 = 0
	cvcpu.vmcb.Guest.GPR[RegRCX] = msrAPICBase

	ec := dispatchExit(cvcpu)
	if ec.Code != CvRDMSRInstruction {
		t.Fatalf("expected rdmsr_instruction surfaced, got %s", ec.Code)
	}
}

func TestDispatchMSRUnlistedInjectsGP(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.ExitCode = exitMSR
	cvcpu.vmcb.ExitInfo1 = 0
	cvcpu.vmcb.Guest.GPR[RegRCX] = 0x12345

	ec := dispatchExit(cvcpu)
	if ec.Code != CvSchedulerExit {
		t.Fatalf("unexpected context: %+v", ec)
	}
	ev, ok := cvcpu.PendingEvent()
	if !ok || ev.Vector != ExceptionGP {
		t.Fatal("expected #GP injected for unlisted MSR")
	}
}

func TestDispatchEFERReadMasksSVMEThroughShadow(t *testing.T) {
	_, cvcpu := newTestCVCPU(t)
	cvcpu.vmcb.Guest.MSR.EFER = 1 << 12
	cvcpu.Shadowed.SVME = false

	cvcpu.vmcb.ExitCode = exitMSR
	cvcpu.vmcb.ExitInfo1 = 0
	cvcpu.vmcb.Guest.GPR[RegRCX] = msrEFER

	dispatchExit(cvcpu)
	if edxEaxPair(cvcpu)&(1<<12) != 0 {
		t.Fatal("expected EFER.SVME masked off when shadow is false")
	}
}
