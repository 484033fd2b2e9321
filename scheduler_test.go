package cvm

import "testing"

func TestRunVCPUShortCircuitsOnRescission(t *testing.T) {
	vm, _, _, eng := newTestEngine(t, 1)
	cvcpu, _ := vm.CreateVCPU(0)
	if err := eng.InitCustomVMCB(testCallerRIP, cvcpu); err != nil {
		t.Fatalf("InitCustomVMCB: %v", err)
	}
	if err := eng.RescindVCPU(cvcpu); err != nil {
		t.Fatalf("RescindVCPU: %v", err)
	}

	ec, herr := eng.RunVCPU(testCallerRIP, cvcpu)
	if herr != nil {
		t.Fatalf("RunVCPU: %v", herr)
	}
	if ec.Code != CvRescission {
		t.Fatalf("expected rescission, got %s", ec.Code)
	}
}

func TestRescindVCPURejectsDoubleRescind(t *testing.T) {
	vm, _, _, eng := newTestEngine(t, 1)
	cvcpu, _ := vm.CreateVCPU(0)

	if err := eng.RescindVCPU(cvcpu); err != nil {
		t.Fatalf("first rescind: %v", err)
	}
	if err := eng.RescindVCPU(cvcpu); KindOf(err) != AlreadyRescinded {
		t.Fatalf("expected already_rescinded, got %v", err)
	}
}

func TestRunVCPURejectsInvalidMappingASID(t *testing.T) {
	vm, _, _, eng := newTestEngine(t, 1)
	cvcpu, _ := vm.CreateVCPU(0)
	if err := eng.InitCustomVMCB(testCallerRIP, cvcpu); err != nil {
		t.Fatalf("InitCustomVMCB: %v", err)
	}
	cvcpu.SelectedMapping = 99

	_, herr := eng.RunVCPU(testCallerRIP, cvcpu)
	if herr == nil || KindOf(herr) != InvalidParameter {
		t.Fatalf("expected invalid_parameter, got %v", herr)
	}
}

func TestRunVCPULoopsThroughSchedulerExitsUnlessKernelPriority(t *testing.T) {
	vm, guest, _, eng := newTestEngine(t, 1)
	cvcpu, _ := vm.CreateVCPU(0)
	if err := eng.InitCustomVMCB(testCallerRIP, cvcpu); err != nil {
		t.Fatalf("InitCustomVMCB: %v", err)
	}

	page, err := guest.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	page.Bytes[0] = 0x0F
	page.Bytes[1] = 0xA2 // CPUID at rip 0, then HLT at rip 2
	page.Bytes[2] = 0xF4

	ec, herr := eng.RunVCPU(testCallerRIP, cvcpu)
	if herr != nil {
		t.Fatalf("RunVCPU: %v", herr)
	}
	if ec.Code != CvHLTInstruction {
		t.Fatalf("expected the scheduler-exit-free loop to run through to hlt_instruction, got %s", ec.Code)
	}
	if ec.RIP != 3 {
		t.Fatalf("expected rip=3 after cpuid(2)+hlt(1), got %#x", ec.RIP)
	}
}

func TestRunVCPUKernelPriorityIsSingleShot(t *testing.T) {
	vm, guest, _, eng := newTestEngine(t, 1)
	cvcpu, _ := vm.CreateVCPU(0)
	if err := eng.InitCustomVMCB(testCallerRIP, cvcpu); err != nil {
		t.Fatalf("InitCustomVMCB: %v", err)
	}
	cvcpu.Options.KernelPriority = true

	page, err := guest.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	page.Bytes[0] = 0x0F
	page.Bytes[1] = 0xA2 // CPUID, which resumes (scheduler_exit) rather than surfacing

	ec, herr := eng.RunVCPU(testCallerRIP, cvcpu)
	if herr != nil {
		t.Fatalf("RunVCPU: %v", herr)
	}
	if ec.Code != CvSchedulerExit {
		t.Fatalf("expected kernel-priority single shot to stop at scheduler_exit, got %s", ec.Code)
	}
	if ec.RIP != 2 {
		t.Fatalf("expected rip=2 after one emulated cpuid, got %#x", ec.RIP)
	}
}
