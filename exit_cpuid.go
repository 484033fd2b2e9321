package cvm

// Hypervisor CPUID leaf range and NoirVisor's synthetic vendor/interface
// signature, grounded on nvc_svm_cpuid_instruction_handler (svm_exit.c,
// svm_cpuid.c).
const (
	cpuidHvBase    = 0x40000000
	cpuidHvMax     = 0x4000000F
	cpuidHvVendor0 = 0x40000000
	cpuidHvLeaf1   = 0x40000001
)

// hvVendorString is the 12-byte vendor signature CPUID leaf
// cpuidHvVendor0 returns in ebx:ecx:edx, matching the original's "NoirVisor ZT".
const hvVendorString = "NoirVisor ZT"

// hvInterfaceSignature is leaf cpuidHvLeaf1's eax value: the Hyper-V-style
// interface-identification signature "Hv#0" (spec.md Open Question:
// kept as-is for layered-hypervisor compatibility).
const hvInterfaceSignature = 0x30237648 // "Hv#0" little-endian

// CPUIDResult is a {eax,ebx,ecx,edx} tuple, the shape both the emulated
// hypervisor leaves and a host-CPUID query return.
type CPUIDResult struct {
	EAX, EBX, ECX, EDX uint32
}

// hostCPUID is overridable so tests can supply a deterministic host leaf
// table without touching real hardware (this module never executes the
// CPUID instruction itself, per HardwareAdapter's scope).
var hostCPUID = func(leaf, subleaf uint32) CPUIDResult {
	return CPUIDResult{}
}

// handleCPUID implements spec.md §4.5's CPUID contract. When
// intercept_cpuid is set it always surfaces the leaf/subleaf; otherwise
// it emulates: hypervisor leaves return the NoirVisor signature, standard
// leaves get the hypervisor-present bit set, extended leaves have the SVM
// feature bit cleared, and the memory-encryption / SVM-features leaves
// are zeroed.
func handleCPUID(cvcpu *CustomVCPU, ec *ExitContext) bool {
	leaf := uint32(cvcpu.vmcb.Guest.GPR[RegRAX])
	subleaf := uint32(cvcpu.vmcb.Guest.GPR[RegRCX])

	if cvcpu.Options.InterceptCPUID {
		ec.Code = CvCPUIDLeaf
		ec.CPUID = &CPUIDPayload{Leaf: leaf, SubLeaf: subleaf}
		return false
	}

	result := emulateCPUID(leaf, subleaf)
	cvcpu.vmcb.Guest.GPR[RegRAX] = uint64(result.EAX)
	cvcpu.vmcb.Guest.GPR[RegRBX] = uint64(result.EBX)
	cvcpu.vmcb.Guest.GPR[RegRCX] = uint64(result.ECX)
	cvcpu.vmcb.Guest.GPR[RegRDX] = uint64(result.EDX)
	ec.Code = CvSchedulerExit
	return true
}

func emulateCPUID(leaf, subleaf uint32) CPUIDResult {
	if leaf >= cpuidHvBase && leaf <= cpuidHvMax {
		switch leaf {
		case cpuidHvVendor0:
			return CPUIDResult{
				EAX: cpuidHvLeaf1, // max supported leaf, not the top of the reserved range
				EBX: uint32(hvVendorString[0]) | uint32(hvVendorString[1])<<8 | uint32(hvVendorString[2])<<16 | uint32(hvVendorString[3])<<24,
				ECX: uint32(hvVendorString[4]) | uint32(hvVendorString[5])<<8 | uint32(hvVendorString[6])<<16 | uint32(hvVendorString[7])<<24,
				EDX: uint32(hvVendorString[8]) | uint32(hvVendorString[9])<<8 | uint32(hvVendorString[10])<<16 | uint32(hvVendorString[11])<<24,
			}
		case cpuidHvLeaf1:
			return CPUIDResult{EAX: hvInterfaceSignature}
		default:
			return CPUIDResult{}
		}
	}

	result := hostCPUID(leaf, subleaf)
	switch leaf {
	case 0x00000001:
		result.ECX |= 1 << 31 // hypervisor-present bit
	case 0x80000001:
		result.ECX &^= 1 << 2 // clear SVM feature bit on extended leaves
	case 0x8000001F:
		result = CPUIDResult{} // memory-encryption leaf, zeroed
	case 0x8000000A:
		result = CPUIDResult{} // SVM-features leaf, zeroed
	}
	return result
}
