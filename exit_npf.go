package cvm

// #NPF error-code bits (AMD APM Table 15-26), the fault-code decode
// nvc_svm_npf_exit_handler performs (svm_exit.c).
const (
	npfBitPresent = 1 << 0
	npfBitWrite   = 1 << 1
	npfBitUser    = 1 << 2
	npfBitExecute = 1 << 4
)

// handleNPF implements spec.md §4.5's #NPF contract: surface the faulting
// GPA, access classes decoded from the fault code, and the fetched
// instruction bytes.
func handleNPF(cvcpu *CustomVCPU, ec *ExitContext) bool {
	faultCode := cvcpu.vmcb.ExitInfo1
	gpa := cvcpu.vmcb.ExitInfo2

	ec.Code = CvMemoryAccess
	ec.MemoryAccess = &MemoryAccessPayload{
		GPA:              gpa,
		Present:          faultCode&npfBitPresent != 0,
		Write:            faultCode&npfBitWrite != 0,
		Read:             faultCode&(npfBitWrite|npfBitExecute) == 0,
		Exec:             faultCode&npfBitExecute != 0,
		InstructionBytes: append([]byte(nil), cvcpu.vmcb.GuestInstructionBytes[:]...),
		BytesFetched:     cvcpu.vmcb.NumberOfBytesFetched,
	}
	return false
}
