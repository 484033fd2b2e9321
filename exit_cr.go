package cvm

// handleCRAccess implements spec.md §4.5's CR-access contract: CR4 is
// emulated in-place to shadow CR4.MCE; every other CR access surfaces the
// index, GPR, direction, and mov/non-mov flag. Grounded on
// nvc_svm_cr4_write_handler and the generic CR-exit path in svm_cvexit.c.
func handleCRAccess(cvcpu *CustomVCPU, ec *ExitContext) bool {
	code := cvcpu.vmcb.ExitCode
	write := code >= exitCR+0x10 // writes are offset +0x10 from reads in this group
	crIndex := uint8(code - exitCR)
	if write {
		crIndex = uint8(code - exitCR - 0x10)
	}
	gprIndex := uint8(cvcpu.vmcb.ExitInfo1 & 0xF)

	if crIndex == 4 {
		if write {
			requested := cvcpu.vmcb.Guest.GPR[gprIndex]
			cvcpu.Shadowed.MCE = requested&(1<<6) != 0
			cvcpu.Logical.CRs.CR4 = requested &^ (1 << 6)
			cvcpu.vmcb.Guest.CRs.CR4 = cvcpu.Logical.CRs.CR4
			cvcpu.vmcb.ClearClean(CleanControlReg)
		} else {
			visible := cvcpu.vmcb.Guest.CRs.CR4
			if cvcpu.Shadowed.MCE {
				visible |= 1 << 6
			}
			cvcpu.vmcb.Guest.GPR[gprIndex] = visible
		}
		ec.Code = CvSchedulerExit
		return true
	}

	ec.Code = CvCRAccess
	ec.CRAccess = &CRAccessPayload{
		CRIndex:  crIndex,
		GPRIndex: gprIndex,
		Write:    write,
		IsMov:    true,
	}
	return false
}
