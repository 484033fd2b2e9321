package cvm

// handleDRAccess implements spec.md §4.5's DR-access contract: DRs are
// only intercepted when the layered hypervisor asked, so every DR exit
// always surfaces (no in-place emulation).
func handleDRAccess(cvcpu *CustomVCPU, ec *ExitContext) bool {
	code := cvcpu.vmcb.ExitCode
	write := code >= exitDR+0x10
	drIndex := uint8(code - exitDR)
	if write {
		drIndex = uint8(code - exitDR - 0x10)
	}
	gprIndex := uint8(cvcpu.vmcb.ExitInfo1 & 0xF)

	ec.Code = CvDRAccess
	ec.DRAccess = &DRAccessPayload{
		DRIndex:  drIndex,
		GPRIndex: gprIndex,
		Write:    write,
	}
	return false
}
