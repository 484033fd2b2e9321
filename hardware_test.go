package cvm

import "testing"

type flatGuestMemory []byte

func (m flatGuestMemory) ReadAt(gpa uint64, buf []byte) error {
	copy(buf, m[gpa:])
	return nil
}

func TestSoftwareAdapterDecodesHLT(t *testing.T) {
	mem := flatGuestMemory{0xF4, 0x00, 0x00, 0x00}
	var vmcb VMCB
	adapter := NewSoftwareAdapter(1)

	code, err := adapter.VMRun(&vmcb, mem)
	if err != nil {
		t.Fatalf("VMRun: %v", err)
	}
	if code != ExitHLT {
		t.Fatalf("expected ExitHLT, got %#x", code)
	}
	if vmcb.Guest.RIP != 1 {
		t.Fatalf("expected rip advanced by 1, got %d", vmcb.Guest.RIP)
	}
}

func TestSoftwareAdapterDecodesCPUID(t *testing.T) {
	mem := flatGuestMemory{0x0F, 0xA2, 0x00, 0x00}
	var vmcb VMCB
	adapter := NewSoftwareAdapter(1)

	code, err := adapter.VMRun(&vmcb, mem)
	if err != nil {
		t.Fatalf("VMRun: %v", err)
	}
	if code != ExitCPUID {
		t.Fatalf("expected ExitCPUID, got %#x", code)
	}
	if vmcb.Guest.RIP != 2 {
		t.Fatalf("expected rip advanced by 2, got %d", vmcb.Guest.RIP)
	}
}

func TestSoftwareAdapterRejectsUnsupportedOpcode(t *testing.T) {
	mem := flatGuestMemory{0x90, 0x00}
	var vmcb VMCB
	adapter := NewSoftwareAdapter(1)

	_, err := adapter.VMRun(&vmcb, mem)
	if err == nil {
		t.Fatal("expected error for unsupported opcode")
	}
}

func TestSoftwareAdapterCurrentProcessorIndex(t *testing.T) {
	adapter := NewSoftwareAdapter(4)
	if adapter.CurrentProcessorIndex() != 4 {
		t.Fatalf("expected proc index 4, got %d", adapter.CurrentProcessorIndex())
	}
}
