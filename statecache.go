package cvm

// stateCache tracks which logical-view fields are authoritative against
// the VMCB, per spec.md §4.3. A flag "valid" means the logical view has
// already been pushed to the VMCB and can be trusted without re-reading;
// "invalid" means the layered hypervisor wrote the logical view and it
// must be pushed on the next entry.
type stateCache struct {
	gpr, dr, cr, cr2       bool
	tpr, sr, fg            bool
	lt, dt, ef             bool
	pa, se, sc, as, tl     bool
	synchronized           bool
}

// newStateCache returns a cache with every flag invalid, matching a
// freshly created vCPU whose logical view has never been pushed.
func newStateCache() stateCache {
	return stateCache{}
}

// invalidateAll clears every flag, forcing a full reload on the next
// switch_to_guest. Used on cross-processor migration (spec.md §4.3).
func (s *stateCache) invalidateAll() {
	*s = stateCache{}
}

// invalidateMapping clears only the ASID-dependent flag, used when
// selected_mapping changes (spec.md §4.3).
func (s *stateCache) invalidateMapping() {
	s.as = false
}

// loadGuest pushes every invalid logical field into vmcb, clearing the
// matching VMCB-clean bit so hardware reloads its own cache, then marks
// the flag valid. Grounded on the original's noir_svm_load_guest_state
// (svm_custom.c): one "if invalid, push and clear-clean" branch per
// field group.
func (s *stateCache) loadGuest(vmcb *VMCB, logical *GuestState) {
	if !s.gpr {
		vmcb.Guest.GPR = logical.GPR
		s.gpr = true
	}
	if !s.dr {
		vmcb.Guest.DRs = logical.DRs
		vmcb.ClearClean(CleanDebugReg)
		s.dr = true
	}
	if !s.cr {
		vmcb.Guest.CRs.CR0 = logical.CRs.CR0
		vmcb.Guest.CRs.CR3 = logical.CRs.CR3
		vmcb.Guest.CRs.CR4 = logical.CRs.CR4
		vmcb.ClearClean(CleanControlReg)
		s.cr = true
	}
	if !s.cr2 {
		vmcb.Guest.CRs.CR2 = logical.CRs.CR2
		vmcb.ClearClean(CleanCR2)
		s.cr2 = true
	}
	if !s.tpr {
		vmcb.Guest.CRs.CR8 = logical.CRs.CR8
		vmcb.ClearClean(CleanTPR)
		s.tpr = true
	}
	if !s.sr {
		vmcb.Guest.Seg.CS, vmcb.Guest.Seg.DS, vmcb.Guest.Seg.ES = logical.Seg.CS, logical.Seg.DS, logical.Seg.ES
		vmcb.Guest.Seg.SS, vmcb.Guest.Seg.FS, vmcb.Guest.Seg.GS = logical.Seg.SS, logical.Seg.FS, logical.Seg.GS
		vmcb.ClearClean(CleanSegmentReg)
		s.sr = true
	}
	if !s.lt {
		vmcb.Guest.Seg.LDTR = logical.Seg.LDTR
		s.lt = true
	}
	if !s.dt {
		vmcb.Guest.Seg.GDTR, vmcb.Guest.Seg.IDTR = logical.Seg.GDTR, logical.Seg.IDTR
		vmcb.ClearClean(CleanIDTGDT)
		s.dt = true
	}
	if !s.ef {
		vmcb.Guest.RFLAGS = logical.RFLAGS
		vmcb.Guest.RIP = logical.RIP
		s.ef = true
	}
	if !s.se {
		vmcb.Guest.MSR = logical.MSR
		s.se = true
	}
	if !s.sc {
		vmcb.ClearClean(CleanControlReg)
		s.sc = true
	}
}

// dumpGuest pulls the VMCB back into logical, marking synchronized=true
// (spec.md §4.3 dump_guest_vcpu_state).
func (s *stateCache) dumpGuest(vmcb *VMCB, logical *GuestState) {
	*logical = vmcb.Guest
	s.synchronized = true
}

// onMigration invalidates all VMCB hardware-caching bits when the vCPU
// resumes on a different physical CPU than last time (spec.md §4.3).
func onMigration(vmcb *VMCB, cache *stateCache) {
	vmcb.VMCBCleanBits = 0
	cache.invalidateAll()
	stateLog.Trace("state cache invalidated on processor migration")
}
