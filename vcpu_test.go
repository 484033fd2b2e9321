package cvm

import "testing"

func TestSetMappingInvalidatesASIDFlag(t *testing.T) {
	vm := newTestVM(t, 2)
	cvcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	cvcpu.cache.as = true
	if err := cvcpu.SetMapping(1); err != nil {
		t.Fatalf("SetMapping: %v", err)
	}
	if cvcpu.cache.as {
		t.Fatal("expected ASID flag invalidated after mapping change")
	}
	if cvcpu.SelectedMapping != 1 {
		t.Fatalf("expected mapping 1 selected, got %d", cvcpu.SelectedMapping)
	}
}

func TestSetMappingRejectsOutOfRange(t *testing.T) {
	vm := newTestVM(t, 1)
	cvcpu, _ := vm.CreateVCPU(0)
	if err := cvcpu.SetMapping(9); KindOf(err) != InvalidParameter {
		t.Fatalf("expected invalid_parameter, got %v", err)
	}
}

func TestQueueEventWithholdsLowPriorityInterrupt(t *testing.T) {
	vm := newTestVM(t, 1)
	cvcpu, _ := vm.CreateVCPU(0)
	cvcpu.Logical.CRs.CR8 = 5 // TPR=5

	if err := cvcpu.QueueEvent(InjectInterrupt(0x30), 3); err == nil {
		t.Fatal("expected interrupt at priority <= TPR to be withheld")
	}
	if _, ok := cvcpu.PendingEvent(); ok {
		t.Fatal("withheld interrupt must not be queued")
	}

	if err := cvcpu.QueueEvent(InjectInterrupt(0x30), 9); err != nil {
		t.Fatalf("expected high-priority interrupt accepted: %v", err)
	}
	if _, ok := cvcpu.PendingEvent(); !ok {
		t.Fatal("expected interrupt queued")
	}
}

func TestVMCBPageAllocatedOnVCPUCreate(t *testing.T) {
	vm := newTestVM(t, 1)
	cvcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	if cvcpu.vmcb.Phys == 0 {
		t.Fatal("expected non-zero VMCB physical address")
	}
}
