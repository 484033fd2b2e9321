package cvm

// VMCB models one vCPU's hardware virtual machine control block: a single
// 4KiB page, physically contiguous, whose field order and naming follow
// original_source/src/svm_core/svm_vmcb.h. Unlike the C source, which reads
// and writes fields by raw byte offset into an opaque page, this struct
// names every field directly — the idiomatic Go equivalent once the
// decoder/offset layer isn't needed to stay binary-compatible with real
// hardware microcode (a software model doesn't execute VMRUN itself; see
// HardwareAdapter).
type VMCB struct {
	Phys uint64 // cached physical address (orig: vmcb.phys)

	// Control area.
	InterceptCR        CRIntercept
	InterceptDR        DRIntercept
	InterceptExceptions uint32 // one bit per vector 0-31
	InterceptVector1    uint32
	InterceptVector2    uint16
	InterceptVector3    uint32

	IOPMPhysicalAddress  uint64
	MSRPMPhysicalAddress uint64

	GuestASID   uint32
	TLBControl  uint8
	AVICControl uint64

	ExitCode  int64
	ExitInfo1 uint64
	ExitInfo2 uint64

	ExitInterruptInfo uint64

	NPTControl uint64
	NPTCR3     uint64

	EventInjection EventInjection

	VMCBCleanBits uint32

	NextRIP               uint64
	NumberOfBytesFetched  uint8
	GuestInstructionBytes [15]byte

	VMSAPointer uint64

	// Guest state-save area.
	Guest GuestState
}

// CRIntercept mirrors nvc_svm_cra_intercept: independent read/write bitmaps
// over CR0..CR15.
type CRIntercept struct {
	Read, Write uint16
}

// DRIntercept mirrors nvc_svm_dra_intercept.
type DRIntercept struct {
	Read, Write uint16
}

// VMCB clean bits (orig: noir_svm_clean_*) — hardware uses these to skip
// reloading fields it has already cached; the state cache clears the
// matching bit whenever it pushes a field group to the VMCB (spec.md §4.3).
const (
	CleanInterception = 1 << 0
	CleanIOMSRPM      = 1 << 1
	CleanASID         = 1 << 2
	CleanTPR          = 1 << 3
	CleanNPT          = 1 << 4
	CleanControlReg   = 1 << 5
	CleanDebugReg     = 1 << 6
	CleanIDTGDT       = 1 << 7
	CleanSegmentReg   = 1 << 8
	CleanCR2          = 1 << 9
	CleanLBR          = 1 << 10
	CleanAVIC         = 1 << 11
	CleanCET          = 1 << 12
)

// ClearClean clears bits in VMCBCleanBits, marking the corresponding
// hardware cache stale so the next VMRUN reloads it from the state-save
// area.
func (v *VMCB) ClearClean(bits uint32) { v.VMCBCleanBits &^= bits }

// Bits within InterceptVector1 (orig: intercept_instruction1) this core
// toggles directly; values follow the AMD APM's general intercept-vector-1
// layout.
const (
	interceptBitINTR  = 1 << 0
	interceptBitNMI   = 1 << 1
	interceptBitSMI   = 1 << 2
	interceptBitVINTR = 1 << 4
	interceptBitIRET  = 1 << 19
	interceptBitVMRUN = 1 << 31
)

// TLB control values (orig: nvc_svm_tlb_control_*).
const (
	TLBControlDoNothing     = 0
	TLBControlFlushEntire   = 1
	TLBControlFlushGuest    = 3
	TLBControlFlushNonGlobal = 7
)

// SegmentRegister mirrors one of the VMCB's segment descriptors.
type SegmentRegister struct {
	Selector uint16
	Attrib   uint16 // SVM-packed attribute word (svm_attrib)
	Limit    uint32
	Base     uint64
}

// Segments groups every segment/table register the logical view and VMCB
// state-save area carry.
type Segments struct {
	CS, DS, ES, SS, FS, GS SegmentRegister
	GDTR, IDTR             SegmentRegister
	TR, LDTR               SegmentRegister
}

// ControlRegisters groups CR0..CR4, CR8 (shadowed as TPR), and CR2.
type ControlRegisters struct {
	CR0, CR2, CR3, CR4, CR8 uint64
}

// DebugRegisters groups DR0..DR7.
type DebugRegisters struct {
	DR0, DR1, DR2, DR3, DR6, DR7 uint64
}

// MSRs groups the fixed whitelist of MSRs the exit dispatcher's MSR
// handler emulates directly (spec.md §3, §4.5).
type MSRs struct {
	EFER uint64
	PAT  uint64

	SysenterCS, SysenterESP, SysenterEIP uint64
	STAR, LSTAR, CSTAR, SFMASK           uint64
	KernelGSBase                        uint64
}

// GuestState is the subset of the VMCB's guest state-save area this core
// reads/writes directly (everything spec.md §3 names).
type GuestState struct {
	GPR    [16]uint64 // rax..r15, index by the GPR encoding
	RIP    uint64
	RFLAGS uint64

	CRs ControlRegisters
	DRs DebugRegisters
	Seg Segments
	MSR MSRs
}

// GPR register indices, matching the x86-64 ModRM/REX.B encoding order used
// throughout the exit-context payloads.
const (
	RegRAX = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)
