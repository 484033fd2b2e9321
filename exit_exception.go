package cvm

// initRedirectionErrorCode is the #SX error code AMD defines for an
// intercepted INIT signal (orig: amd64_sx_init_redirection).
const initRedirectionErrorCode = 0

// Exception vectors that carry a hardware error code.
var errorCodeVectors = map[uint8]bool{
	ExceptionDF: true,
	ExceptionTS: true,
	ExceptionNP: true,
	ExceptionSS: true,
	ExceptionGP: true,
	ExceptionPF: true,
}

// securityException is #SX, the vector the original reserves for the
// INIT-redirection and general security-exception contract.
const securityException = 30

// handleException implements spec.md §4.5's exception contract: #PF
// records the fault address and error code (the fetched instruction bytes
// are not copied into the payload); #SX with the INIT
// redirection error code emulates an INIT signal in-place and surfaces a
// scheduler exit; #MC always surfaces a scheduler exit; everything else
// surfaces cv_exception. Grounded on nvc_svm_pf_exception_handler,
// nvc_svm_sx_exception_handler, nvc_svm_mc_exception_handler, and
// nvc_svm_exception_handler (svm_exit.c).
func handleException(cvcpu *CustomVCPU, ec *ExitContext) bool {
	vector := uint8(cvcpu.vmcb.ExitCode - exitException)

	switch vector {
	case ExceptionPF:
		ec.Code = CvException
		ec.Exception = &ExceptionPayload{
			Vector:         vector,
			ErrorCodeValid: true,
			ErrorCode:      uint32(cvcpu.vmcb.ExitInfo1),
			FaultAddress:   cvcpu.vmcb.ExitInfo2,
		}
		return false

	case securityException:
		errorCode := uint32(cvcpu.vmcb.ExitInfo1)
		if errorCode == initRedirectionErrorCode {
			emulateInitSignal(cvcpu)
			ec.Code = CvSchedulerExit
			ec.TaskSwitch = &TaskSwitchPayload{InitRedirection: true}
			return false
		}
		ec.Code = CvException
		ec.Exception = &ExceptionPayload{Vector: vector, ErrorCodeValid: true, ErrorCode: errorCode}
		return false

	case ExceptionMC:
		ec.Code = CvSchedulerExit
		return false

	default:
		ec.Code = CvException
		ec.Exception = &ExceptionPayload{
			Vector:         vector,
			ErrorCodeValid: errorCodeVectors[vector],
			ErrorCode:      uint32(cvcpu.vmcb.ExitInfo1),
		}
		return false
	}
}

// emulateInitSignal resets the guest's architectural state to the
// power-on/INIT profile (spec.md §8 scenario 5), grounded on
// nvc_svm_emulate_init_signal.
func emulateInitSignal(cvcpu *CustomVCPU) {
	g := &cvcpu.vmcb.Guest
	g.CRs.CR0 = (g.CRs.CR0 & 0x60000000) | 0x10
	g.CRs.CR2, g.CRs.CR3, g.CRs.CR4 = 0, 0, 0
	g.MSR.EFER = 1 << 12 // SVME only

	g.DRs = DebugRegisters{DR6: 0xFFFF0FF0, DR7: 0x400}

	g.Seg.CS = SegmentRegister{Selector: 0xF000, Attrib: 0x9B, Limit: 0xFFFF, Base: 0xFFFF0000}
	g.Seg.DS = SegmentRegister{Attrib: 0x93, Limit: 0xFFFF}
	g.Seg.ES = SegmentRegister{Attrib: 0x93, Limit: 0xFFFF}
	g.Seg.FS = SegmentRegister{Attrib: 0x93, Limit: 0xFFFF}
	g.Seg.GS = SegmentRegister{Attrib: 0x93, Limit: 0xFFFF}
	g.Seg.SS = SegmentRegister{Attrib: 0x93, Limit: 0xFFFF}
	g.Seg.GDTR = SegmentRegister{Limit: 0xFFFF}
	g.Seg.IDTR = SegmentRegister{Limit: 0xFFFF}
	g.Seg.LDTR = SegmentRegister{Attrib: 0x82, Limit: 0xFFFF}
	g.Seg.TR = SegmentRegister{Attrib: 0x8B, Limit: 0xFFFF}

	g.GPR = [16]uint64{}
	g.RIP = 0xFFF0
	g.RFLAGS = 2

	cvcpu.vmcb.TLBControl = TLBControlFlushGuest
	cvcpu.vmcb.ClearClean(CleanControlReg | CleanDebugReg | CleanIDTGDT | CleanSegmentReg | CleanCR2)
}

// deliverSIPI applies a startup-IPI vector after an emulated INIT,
// matching the original's wait-for-SIPI resolution (spec.md §8 scenario
// 5: "Subsequent SIPI with vector V").
func deliverSIPI(cvcpu *CustomVCPU, vector uint8) {
	g := &cvcpu.vmcb.Guest
	g.Seg.CS.Selector = uint16(vector) << 8
	g.Seg.CS.Base = uint64(vector) << 12
	g.RIP = 0
	cvcpu.vmcb.ClearClean(CleanSegmentReg)
}
