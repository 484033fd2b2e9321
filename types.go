package cvm

// VCPUOptions is the vcpu-options word the layered hypervisor programs via
// SET_VCPU_OPTIONS (spec.md §4.7, §6).
type VCPUOptions struct {
	InterceptCPUID  bool
	InterceptMSR    bool
	InterceptRDTSC  bool
	KernelPriority  bool // run_vcpu issues exactly one RUN_VCPU hypercall per call
}

// MSRInterceptions is the refinement mask classifying which MSR accesses
// surface to the layered hypervisor instead of being emulated in-place
// (spec.md §4.5 MSR, §4.7 SET_VCPU_OPTIONS).
type MSRInterceptions struct {
	Valid         bool
	APIC          bool
	MTRR          bool
	Sysenter      bool
	CET           bool
	Syscall       bool
	SMM           bool
	X2APICRange   bool
}

// Refine classifies index against the refinement mask, reporting whether
// the access should surface to the layered hypervisor rather than being
// emulated against the fixed whitelist.
func (m MSRInterceptions) Refine(index uint32) bool {
	if !m.Valid {
		return false
	}
	switch {
	case m.APIC && index == msrAPICBase:
		return true
	case m.MTRR && index >= msrMTRRBase && index <= msrMTRREnd:
		return true
	case m.Sysenter && (index == msrSysenterCS || index == msrSysenterESP || index == msrSysenterEIP):
		return true
	case m.Syscall && (index == msrSTAR || index == msrLSTAR || index == msrCSTAR || index == msrSFMASK):
		return true
	case m.X2APICRange && index >= msrX2APICBase && index <= msrX2APICEnd:
		return true
	case m.CET, m.SMM:
		return true
	}
	return false
}

// Architectural MSR indices the whitelist emulator and refinement mask
// name (spec.md §4.5).
const (
	msrAPICBase    = 0x1B
	msrMTRRBase    = 0x200
	msrMTRREnd     = 0x2FF
	msrSysenterCS  = 0x174
	msrSysenterESP = 0x175
	msrSysenterEIP = 0x176
	msrSTAR        = 0xC0000081
	msrLSTAR       = 0xC0000082
	msrCSTAR       = 0xC0000083
	msrSFMASK      = 0xC0000084
	msrFSBase      = 0xC0000100
	msrGSBase      = 0xC0000101
	msrKernelGS    = 0xC0000102
	msrEFER        = 0xC0000080
	msrPAT         = 0x277
	msrX2APICBase  = 0x800
	msrX2APICEnd   = 0x8FF
)

// ShadowedBits holds guest-visible flags the core fabricates rather than
// exposes true hardware state for (spec.md §3).
type ShadowedBits struct {
	SVME bool // guest-visible EFER.SVME; emulated EFER writes keep the real bit set
	MCE  bool // CR4.MCE
}

// SpecialState holds prev_nmi, prev_virq, and the rescission flag (bit 63
// of the original's packed word) as separate fields (spec.md §3, §4.9).
type SpecialState struct {
	PrevNMI  bool
	PrevVirq bool
	rescind  bool // bit 63; flipped only via TestAndSetRescind/ClearRescind
}

// TestAndSetRescind atomically (within the caller's already-held vCPU
// lock) reports whether rescission was already requested, then sets it.
func (s *SpecialState) TestAndSetRescind() (already bool) {
	already = s.rescind
	s.rescind = true
	return already
}

// ClearRescind clears the rescission bit and reports whether it had been
// set, mirroring run_vcpu's "clear and return cv_rescission" step.
func (s *SpecialState) ClearRescind() (was bool) {
	was = s.rescind
	s.rescind = false
	return was
}

// InterceptCode enumerates the cv_* exit classifications surfaced to the
// layered hypervisor (spec.md §4.5, §6).
type InterceptCode int

const (
	CvSchedulerExit InterceptCode = iota
	CvHLTInstruction
	CvCPUIDLeaf
	CvCRAccess
	CvDRAccess
	CvException
	CvIOInstruction
	CvRDMSRInstruction
	CvWRMSRInstruction
	CvMemoryAccess
	CvInterruptWindow
	CvInvalidState
	CvTaskSwitch
	CvNSVActivation
	CvShutdownCondition
	CvRescission
	CvInvalidStateError // distinct from CvInvalidState: scheduler/hypercall-level error
)

func (c InterceptCode) String() string {
	switch c {
	case CvSchedulerExit:
		return "scheduler_exit"
	case CvHLTInstruction:
		return "hlt_instruction"
	case CvCPUIDLeaf:
		return "cpuid_leaf"
	case CvCRAccess:
		return "cr_access"
	case CvDRAccess:
		return "dr_access"
	case CvException:
		return "exception"
	case CvIOInstruction:
		return "io_instruction"
	case CvRDMSRInstruction:
		return "rdmsr_instruction"
	case CvWRMSRInstruction:
		return "wrmsr_instruction"
	case CvMemoryAccess:
		return "memory_access"
	case CvInterruptWindow:
		return "interrupt_window"
	case CvInvalidState:
		return "invalid_state"
	case CvTaskSwitch:
		return "task_switch"
	case CvNSVActivation:
		return "nsv_activate"
	case CvShutdownCondition:
		return "shutdown_condition"
	case CvRescission:
		return "rescission"
	default:
		return "invalid_state_error"
	}
}

// VCPUSnapshot is the vcpu_state payload every ExitContext carries
// (spec.md §6).
type VCPUSnapshot struct {
	InstructionLength uint8
	InterruptShadow   bool
	PE, LM            bool
	CPL               uint8
	Loaded            bool
}

// CPUIDPayload is the discriminated-variant payload for CvCPUIDLeaf.
type CPUIDPayload struct {
	Leaf, SubLeaf uint32
}

// CRAccessPayload is the payload for CvCRAccess.
type CRAccessPayload struct {
	CRIndex  uint8
	GPRIndex uint8
	Write    bool
	IsMov    bool
}

// DRAccessPayload is the payload for CvDRAccess.
type DRAccessPayload struct {
	DRIndex  uint8
	GPRIndex uint8
	Write    bool
}

// IOAccessPayload is the payload for CvIOInstruction.
type IOAccessPayload struct {
	Port      uint16
	Width     uint8 // 1, 2, or 4 bytes
	In        bool
	String    bool
	Repeat    bool
	Segment   uint8
	RAX, RCX  uint64
	RSI, RDI  uint64
}

// MSRAccessPayload is the payload for CvRDMSRInstruction / CvWRMSRInstruction.
type MSRAccessPayload struct {
	Index uint32
	Value uint64 // valid for writes; populated by the host for reads
}

// ExceptionPayload is the payload for CvException.
type ExceptionPayload struct {
	Vector         uint8
	ErrorCodeValid bool
	ErrorCode      uint32
	FaultAddress   uint64 // valid for #PF only
}

// MemoryAccessPayload is the payload for CvMemoryAccess (#NPF).
type MemoryAccessPayload struct {
	GPA               uint64
	Read, Write, Exec bool
	Present           bool
	InstructionBytes  []byte
	BytesFetched      uint8
}

// InterruptWindowPayload is the payload for CvInterruptWindow.
type InterruptWindowPayload struct {
	NMI bool
}

// InvalidStatePayload is the payload for CvInvalidState.
type InvalidStatePayload struct {
	Reason string
}

// TaskSwitchPayload is the payload for CvTaskSwitch (INIT/SIPI redirection,
// spec.md §8 scenario 5). handleException also attaches one, with
// InitRedirection set, to the scheduler exit it raises after emulating an
// INIT.
type TaskSwitchPayload struct {
	InitRedirection bool
	SIPIVector      uint8
}

// NSVActivationPayload is the payload for CvNSVActivation.
type NSVActivationPayload struct {
	Activated bool
}

// ExitContext is the in-memory record surfaced to the layered hypervisor
// on every return from switch_to_guest (spec.md §6). At most one variant
// payload field is populated, selected by Code (the scheduler exit raised
// after an emulated INIT carries TaskSwitch); everything else is nil or
// its zero value.
type ExitContext struct {
	Code InterceptCode

	CPUID           *CPUIDPayload
	CRAccess        *CRAccessPayload
	DRAccess        *DRAccessPayload
	IOAccess        *IOAccessPayload
	MSRAccess       *MSRAccessPayload
	Exception       *ExceptionPayload
	MemoryAccess    *MemoryAccessPayload
	InterruptWindow *InterruptWindowPayload
	InvalidState    *InvalidStatePayload
	TaskSwitch      *TaskSwitchPayload
	NSVActivation   *NSVActivationPayload

	State  VCPUSnapshot
	CS     SegmentRegister
	RFLAGS uint64
	RIP    uint64
}
