package cvm

// handleIRET implements spec.md §4.5's IRET contract: if prev_nmi was
// set, inject the pending NMI now and leave the iret intercept enabled;
// otherwise, if the layered hypervisor asked for NMI-window interception,
// surface cv_interrupt_window and disable the iret intercept.
func handleIRET(cvcpu *CustomVCPU, ec *ExitContext) bool {
	if cvcpu.Special.PrevNMI {
		cvcpu.Special.PrevNMI = false
		inj := InjectNMI()
		cvcpu.pendingEvent = &inj
		ec.Code = CvSchedulerExit
		return true
	}

	if nmiWindowRequested(cvcpu) {
		cvcpu.vmcb.InterceptVector1 &^= interceptBitIRET
		ec.Code = CvInterruptWindow
		ec.InterruptWindow = &InterruptWindowPayload{NMI: true}
		return false
	}

	ec.Code = CvSchedulerExit
	return true
}

// nmiWindowRequested reports whether the layered hypervisor asked to be
// notified once the guest becomes able to accept another NMI.
func nmiWindowRequested(cvcpu *CustomVCPU) bool {
	return cvcpu.vmcb.InterceptVector1&interceptBitIRET != 0
}
