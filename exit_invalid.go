package cvm

// handleInvalidState implements the hardware "invalid guest state"
// negative exit code: it replays the VMCB consistency checks and reports
// the first one that failed, grounded on
// nvc_svm_invalid_state_cvexit_handler (svm_cvexit.c).
func handleInvalidState(cvcpu *CustomVCPU, ec *ExitContext) bool {
	g := &cvcpu.vmcb.Guest
	reason := "unknown_failure"

	switch {
	case g.CRs.CR0&(1<<30) == 0 && g.CRs.CR0&(1<<29) != 0:
		reason = "cr0_cd0_nw1"
	case g.CRs.CR4&0xFFFFFFFFFF08F000 != 0:
		reason = "cr4_mbz"
	case !canonical(g.Seg.CS.Base) || !canonical(g.Seg.SS.Base) || !canonical(g.Seg.DS.Base) || !canonical(g.Seg.ES.Base):
		reason = "segment_base_non_canonical"
	case g.MSR.EFER&(1<<8) != 0 && g.CRs.CR0&(1<<31) == 0:
		reason = "efer_lme_without_paging"
	case g.MSR.EFER&(1<<8) != 0 && g.CRs.CR4&(1<<5) == 0:
		reason = "efer_lme_without_pae"
	}

	ec.Code = CvInvalidState
	ec.InvalidState = &InvalidStatePayload{Reason: reason}
	return false
}

// canonical reports whether addr is a canonical 64-bit virtual/base
// address (bits 63..47 all equal).
func canonical(addr uint64) bool {
	top := addr >> 47
	return top == 0 || top == 0x1FFFF
}
