package cvm

import "github.com/pkg/errors"

// HardwareAdapter is the seam between this package's vCPU/world-switch
// logic and whatever actually executes VMRUN. A production build would
// back it with a kernel-mode driver; this module never speaks to real
// silicon (out of scope per spec.md Non-goals), so the only adapter
// shipped here is SoftwareAdapter, a decoder good enough to drive the
// end-to-end scenarios in spec.md §8.
type HardwareAdapter interface {
	// CurrentProcessorIndex reports which logical processor the calling
	// goroutine is pinned to, mirroring the original's per-processor
	// dispatch (spec.md §3 "proc_id").
	CurrentProcessorIndex() uint32

	// FlushTLBBroadcast requests that every processor currently caching
	// translations under asid discard them, the software analogue of an
	// IPI-driven TLB shootdown (spec.md §4.7 FLUSH_TLB).
	FlushTLBBroadcast(asid uint32) error

	// VMRun executes one guest entry and returns the exit reason the
	// dispatcher should classify. A real adapter would issue VMRUN and
	// read back vmcb.ExitCode; SoftwareAdapter decodes the handful of
	// instructions spec.md's scenarios require and synthesizes the same
	// exit codes real hardware would raise.
	VMRun(vmcb *VMCB, mem GuestMemory) (exitCode int64, err error)
}

// GuestMemory is the minimal guest-physical-address space view the
// software decoder needs to fetch instruction bytes at RIP. NPT-backed
// VMs satisfy it via their pagealloc-backed identity map; a test can
// satisfy it with a flat byte slice.
type GuestMemory interface {
	ReadAt(gpa uint64, buf []byte) error
}

// ErrDecodeUnsupported is returned by SoftwareAdapter when it encounters
// an opcode outside the narrow set it emulates.
var ErrDecodeUnsupported = errors.New("cvm: instruction not supported by software decoder")

// SoftwareAdapter is a HardwareAdapter that never touches real hardware:
// it fetches bytes at Guest.RIP through GuestMemory and decodes only HLT
// (0xF4) and CPUID (0x0F 0xA2), the two instructions spec.md §8's
// end-to-end scenarios exercise without a full x86 emulator (explicitly
// out of scope). It exists purely so cvmctl and this package's tests can
// run without a kernel driver. cvmctl uses it unconditionally; nothing in
// this module reads cvmconfig.Options.SoftwareDecoder.
type SoftwareAdapter struct {
	procIndex uint32
}

// NewSoftwareAdapter returns a SoftwareAdapter pinned to logical
// processor procIndex.
func NewSoftwareAdapter(procIndex uint32) *SoftwareAdapter {
	return &SoftwareAdapter{procIndex: procIndex}
}

func (s *SoftwareAdapter) CurrentProcessorIndex() uint32 { return s.procIndex }

func (s *SoftwareAdapter) FlushTLBBroadcast(asid uint32) error { return nil }

// Exit codes this adapter synthesizes, matching the subset of
// nvc_svm_exit_code this module's dispatcher names (spec.md §4.5).
const (
	ExitCPUID     int64 = 0x72
	ExitHLT       int64 = 0x78
	ExitMSR       int64 = 0x7C
	ExitVMMCALL   int64 = 0x81
	ExitNPF       int64 = 0x400
	ExitInvalid   int64 = -1
	ExitShutdown  int64 = 0x7F
)

// VMRun decodes the single instruction at Guest.RIP and advances state
// exactly as SVM microcode would on the matching real exit, then reports
// the exit code the dispatcher should classify.
func (s *SoftwareAdapter) VMRun(vmcb *VMCB, mem GuestMemory) (int64, error) {
	var op [2]byte
	if err := mem.ReadAt(vmcb.Guest.RIP, op[:1]); err != nil {
		return ExitInvalid, errors.Wrap(err, "cvm: fetch opcode")
	}

	switch op[0] {
	case 0xF4: // HLT
		vmcb.Guest.RIP++
		return ExitHLT, nil
	case 0x0F:
		if err := mem.ReadAt(vmcb.Guest.RIP+1, op[1:2]); err != nil {
			return ExitInvalid, errors.Wrap(err, "cvm: fetch opcode byte 2")
		}
		if op[1] == 0xA2 { // CPUID
			vmcb.Guest.RIP += 2
			return ExitCPUID, nil
		}
	}
	return ExitInvalid, ErrDecodeUnsupported
}
