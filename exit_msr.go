package cvm

// handleMSR implements spec.md §4.5's MSR contract: classify the access
// against the refinement mask; if it matches, surface it; otherwise
// emulate a fixed whitelist against the VMCB (shadowing EFER.SVME),
// injecting #GP(0) for anything outside the whitelist.
func handleMSR(cvcpu *CustomVCPU, ec *ExitContext) bool {
	write := cvcpu.vmcb.ExitInfo1 != 0
	index := uint32(cvcpu.vmcb.Guest.GPR[RegRCX])

	if cvcpu.MSRRefinement.Refine(index) {
		ec.MSRAccess = &MSRAccessPayload{Index: index}
		if write {
			ec.Code = CvWRMSRInstruction
			ec.MSRAccess.Value = edxEaxPair(cvcpu)
		} else {
			ec.Code = CvRDMSRInstruction
		}
		return false
	}

	if write {
		return emulateMSRWrite(cvcpu, ec, index)
	}
	return emulateMSRRead(cvcpu, ec, index)
}

func edxEaxPair(cvcpu *CustomVCPU) uint64 {
	eax := cvcpu.vmcb.Guest.GPR[RegRAX] & 0xFFFFFFFF
	edx := cvcpu.vmcb.Guest.GPR[RegRDX] & 0xFFFFFFFF
	return edx<<32 | eax
}

func setEdxEaxPair(cvcpu *CustomVCPU, value uint64) {
	cvcpu.vmcb.Guest.GPR[RegRAX] = value & 0xFFFFFFFF
	cvcpu.vmcb.Guest.GPR[RegRDX] = value >> 32
}

// emulateMSRWrite writes value to the fixed whitelist, injecting #GP(0)
// for anything else (spec.md §4.5).
func emulateMSRWrite(cvcpu *CustomVCPU, ec *ExitContext, index uint32) bool {
	value := edxEaxPair(cvcpu)
	g := &cvcpu.vmcb.Guest
	switch index {
	case msrSysenterCS:
		g.MSR.SysenterCS = value
	case msrSysenterESP:
		g.MSR.SysenterESP = value
	case msrSysenterEIP:
		g.MSR.SysenterEIP = value
	case msrSTAR:
		g.MSR.STAR = value
	case msrLSTAR:
		g.MSR.LSTAR = value
	case msrCSTAR:
		g.MSR.CSTAR = value
	case msrSFMASK:
		g.MSR.SFMASK = value
	case msrKernelGS:
		g.MSR.KernelGSBase = value
	case msrPAT:
		g.MSR.PAT = value
	case msrEFER:
		cvcpu.Shadowed.SVME = value&(1<<12) != 0
		g.MSR.EFER = value | (1 << 12)
	default:
		return injectGP(cvcpu, ec)
	}
	ec.Code = CvSchedulerExit
	return true
}

// emulateMSRRead reads the fixed whitelist, masking EFER.SVME through
// ShadowedBits (spec.md §4.5, §8 "modulo EFER.SVME").
func emulateMSRRead(cvcpu *CustomVCPU, ec *ExitContext, index uint32) bool {
	g := &cvcpu.vmcb.Guest
	var value uint64
	switch index {
	case msrSysenterCS:
		value = g.MSR.SysenterCS
	case msrSysenterESP:
		value = g.MSR.SysenterESP
	case msrSysenterEIP:
		value = g.MSR.SysenterEIP
	case msrSTAR:
		value = g.MSR.STAR
	case msrLSTAR:
		value = g.MSR.LSTAR
	case msrCSTAR:
		value = g.MSR.CSTAR
	case msrSFMASK:
		value = g.MSR.SFMASK
	case msrKernelGS:
		value = g.MSR.KernelGSBase
	case msrPAT:
		value = g.MSR.PAT
	case msrEFER:
		value = g.MSR.EFER
		if !cvcpu.Shadowed.SVME {
			value &^= 1 << 12
		}
	default:
		return injectGP(cvcpu, ec)
	}
	setEdxEaxPair(cvcpu, value)
	ec.Code = CvSchedulerExit
	return true
}

// injectGP queues #GP(0), or surfaces it as an exception instead if the
// layered hypervisor asked to intercept exceptions (spec.md §4.5).
func injectGP(cvcpu *CustomVCPU, ec *ExitContext) bool {
	if cvcpu.ExceptionBitmap&(1<<ExceptionGP) != 0 {
		ec.Code = CvException
		ec.Exception = &ExceptionPayload{Vector: ExceptionGP, ErrorCodeValid: true}
		return false
	}
	inj := InjectException(ExceptionGP, 0)
	cvcpu.pendingEvent = &inj
	ec.Code = CvSchedulerExit
	return true
}
