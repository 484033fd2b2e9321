package cvm

// I/O exit-info bit layout (AMD APM Table 15-20), mirrored by
// nvc_svm_io_exit_handler's field decomposition (svm_exit.c).
const (
	ioBitIn     = 1 << 0
	ioBitString = 1 << 2
	ioBitRep    = 1 << 3
	ioBitSz8    = 1 << 4
	ioBitSz16   = 1 << 5
	ioBitSz32   = 1 << 6
	ioPortShift = 16
)

// handleIO implements spec.md §4.5's I/O contract: surface port, width,
// direction, repeat/string flags, effective segment, and the full
// {RAX,RCX,RSI,RDI}.
func handleIO(cvcpu *CustomVCPU, ec *ExitContext) bool {
	info := cvcpu.vmcb.ExitInfo1

	width := uint8(1)
	switch {
	case info&ioBitSz16 != 0:
		width = 2
	case info&ioBitSz32 != 0:
		width = 4
	}

	ec.Code = CvIOInstruction
	ec.IOAccess = &IOAccessPayload{
		Port:    uint16(info >> ioPortShift),
		Width:   width,
		In:      info&ioBitIn != 0,
		String:  info&ioBitString != 0,
		Repeat:  info&ioBitRep != 0,
		Segment: uint8((info >> 10) & 0x7),
		RAX:     cvcpu.vmcb.Guest.GPR[RegRAX],
		RCX:     cvcpu.vmcb.Guest.GPR[RegRCX],
		RSI:     cvcpu.vmcb.Guest.GPR[RegRSI],
		RDI:     cvcpu.vmcb.Guest.GPR[RegRDI],
	}
	return false
}
