package cvm

// asidNone is the NPT-manager ASID value that marks a mapping as
// unusable; run_vcpu rejects a vCPU whose selected mapping carries it
// (spec.md §4.9).
const asidNone = 0xFFFFFFFF

// RunVCPU implements spec.md §4.9's run_vcpu facade: check rescission,
// validate the selected mapping's ASID, then loop issuing RUN_VCPU
// hypercalls while the dispatcher reports a scheduler exit — unless
// kernel-priority scheduling was requested, in which case issue exactly
// one. callerRIP is checked once, at the facade boundary, against the
// layered-hypervisor image range (spec.md §4.7); the internal
// scheduler-exit loop re-enters the guest without re-issuing that check,
// since it's still servicing the same VMMCALL.
func (e *Engine) RunVCPU(callerRIP uint64, cvcpu *CustomVCPU) (ExitContext, *Error) {
	if err := e.verifyCaller(callerRIP); err != nil {
		return ExitContext{}, err.(*Error)
	}

	e.vm.mu.RLock()
	defer e.vm.mu.RUnlock()

	cvcpu.mu.Lock()
	if cvcpu.Special.ClearRescind() {
		cvcpu.mu.Unlock()
		schedLog.Debug("run_vcpu: rescission")
		return ExitContext{Code: CvRescission}, nil
	}
	mappingID := cvcpu.SelectedMapping
	kernelPriority := cvcpu.Options.KernelPriority
	cvcpu.mu.Unlock()

	if int(mappingID) >= len(e.vm.mappings) || e.vm.mappings[mappingID].ASID == asidNone {
		return ExitContext{}, NewError(InvalidParameter, "vcpu has no valid mapping")
	}

	for {
		ec, err := e.runVCPUOnce(cvcpu)
		if err != nil {
			return ExitContext{}, NewError(Unsuccessful, "%v", err)
		}
		if kernelPriority || ec.Code != CvSchedulerExit {
			return ec, nil
		}
	}
}

// RescindVCPU implements spec.md §4.9's rescind_vcpu: atomically test-
// and-set the rescission bit, reporting already_rescinded if it was
// already set.
func (e *Engine) RescindVCPU(cvcpu *CustomVCPU) *Error {
	e.vm.mu.RLock()
	defer e.vm.mu.RUnlock()

	cvcpu.mu.Lock()
	defer cvcpu.mu.Unlock()
	if cvcpu.Special.TestAndSetRescind() {
		return NewError(AlreadyRescinded, "vcpu already rescinded")
	}
	return nil
}
