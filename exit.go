package cvm

import "time"

// exitHandler classifies one VM-exit and fills ctx, returning true when it
// completed the exit in place (emulation or event injection) and false
// when it surfaces the exit. dispatchExit discards the flag: RunVCPU
// decides whether to re-enter the guest from ec.Code alone. Grounded on
// the per-exit-code handler table in the original's svm_cvexit.c.
type exitHandler func(cvcpu *CustomVCPU, ec *ExitContext) (resume bool)

// exitCode groups mirror the AMD APM's exit-code numbering the dispatch
// table is keyed by the top bits of (spec.md §4.5).
const (
	exitCR        = 0x00 // 0x00..0x1F
	exitDR        = 0x20 // 0x20..0x3F
	exitException = 0x40 // 0x40..0x5F
	exitEXTINT    = 0x60
	exitNMI       = 0x61
	exitSMI       = 0x62
	exitCPUID     = 0x72
	exitHLT       = 0x78
	exitIRET      = 0x74
	exitIO        = 0x7B
	exitMSR       = 0x7C
	exitShutdown  = 0x7F
	exitVMRUN     = 0x80
	exitVMMCALL   = 0x81
	exitVMLOAD    = 0x82
	exitVMSAVE    = 0x83
	exitSTGI      = 0x84
	exitCLGI      = 0x85
	exitSKINIT    = 0x86
	exitINVLPGA   = 0x87
	exitNPF       = 0x400
)

// dispatchExit implements spec.md §4.5's entry contract: read the exit
// code, identify which VMCB it belongs to, and classify it through the
// CVM table. The host-vCPU table and the "unrecognised VMCB" panic branch
// belong to the subverted-host side of NoirVisor, out of scope for this
// core; dispatchExit only ever sees a custom vCPU's own VMCB.
func dispatchExit(cvcpu *CustomVCPU) ExitContext {
	started := time.Now()
	ec := ExitContext{
		State: VCPUSnapshot{
			InstructionLength: cvcpu.vmcb.NumberOfBytesFetched,
			CPL:               uint8(cvcpu.vmcb.Guest.Seg.SS.Attrib & 0x3),
			PE:                cvcpu.vmcb.Guest.CRs.CR0&1 != 0,
			LM:                cvcpu.vmcb.Guest.MSR.EFER&(1<<10) != 0,
			Loaded:            true,
		},
		CS:     cvcpu.vmcb.Guest.Seg.CS,
		RFLAGS: cvcpu.vmcb.Guest.RFLAGS,
		RIP:    cvcpu.vmcb.Guest.RIP,
	}

	code := cvcpu.vmcb.ExitCode
	handler, class := classify(code)
	handler(cvcpu, &ec)
	cvcpu.Stats.Bill(ec.Code)
	recordExit(class, started)
	exitLog.WithField("exit_code", code).WithField("class", class).Trace("dispatched exit")
	return ec
}

// classify picks the handler and billing-class name for code, per the
// per-exit contracts in spec.md §4.5.
func classify(code int64) (exitHandler, string) {
	switch {
	case code == -1:
		return handleInvalidState, "invalid_state"
	case code >= exitCR && code <= exitCR+0x1F:
		return handleCRAccess, "cr_access"
	case code >= exitDR && code <= exitDR+0x1F:
		return handleDRAccess, "dr_access"
	case code >= exitException && code <= exitException+0x1F:
		return handleException, "exception"
	case code == exitEXTINT || code == exitNMI || code == exitSMI:
		return handleSchedulerExit, "scheduler_exit"
	case code == exitCPUID:
		return handleCPUID, "cpuid"
	case code == exitHLT:
		return handleHLT, "hlt"
	case code == exitIRET:
		return handleIRET, "iret"
	case code == exitIO:
		return handleIO, "io"
	case code == exitMSR:
		return handleMSR, "msr"
	case code == exitShutdown:
		return handleShutdown, "shutdown"
	case code == exitNPF:
		return handleNPF, "npf"
	case code >= exitVMRUN && code <= exitINVLPGA:
		return handlePrivilegedInstruction, "privileged_instruction"
	default:
		return handleUnexpected, "unexpected"
	}
}

// handleUnexpected surfaces anything this core's dispatch table doesn't
// recognise as a scheduler exit rather than crashing the layered
// hypervisor; the original panics here because it additionally serves a
// host table this core never models (spec.md §4.5 step 4 is host-only).
func handleUnexpected(cvcpu *CustomVCPU, ec *ExitContext) bool {
	ec.Code = CvSchedulerExit
	return false
}

// handleSchedulerExit implements the NMI/EXTINT/SMI contract: control
// returns to the host so the physical event is retaken under host GIF
// (spec.md §4.5).
func handleSchedulerExit(cvcpu *CustomVCPU, ec *ExitContext) bool {
	ec.Code = CvSchedulerExit
	return false
}

// handleHLT surfaces cv_hlt_instruction, grounded on
// nvc_svm_hlt_exit_handler (svm_exit.c): the guest always stops at HLT
// until the layered hypervisor decides whether to keep scheduling it.
func handleHLT(cvcpu *CustomVCPU, ec *ExitContext) bool {
	ec.Code = CvHLTInstruction
	return false
}

// handleShutdown surfaces cv_shutdown_condition (spec.md §4.5).
func handleShutdown(cvcpu *CustomVCPU, ec *ExitContext) bool {
	ec.Code = CvShutdownCondition
	return false
}

// handlePrivilegedInstruction injects #UD for VMRUN/VMMCALL/VMLOAD/VMSAVE/
// STGI/CLGI/SKINIT/INVLPGA executed by the guest (spec.md §4.5).
func handlePrivilegedInstruction(cvcpu *CustomVCPU, ec *ExitContext) bool {
	inj := InjectException(ExceptionUD, 0)
	cvcpu.pendingEvent = &inj
	ec.Code = CvSchedulerExit
	return true
}
