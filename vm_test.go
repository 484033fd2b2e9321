package cvm

import (
	"testing"

	"github.com/noirvisor/cvm-core/internal/pagealloc"
	"github.com/noirvisor/cvm-core/pkg/asidpool"
	"github.com/noirvisor/cvm-core/pkg/rmt"
)

func newTestVM(t *testing.T, mappings int) *VM {
	t.Helper()
	alloc := pagealloc.New(1 << 40)
	guest := pagealloc.New(0)
	asid := asidpool.New(16, 256)
	table := rmt.New()
	vm, err := CreateVM(VMConfig{TotalMappings: mappings}, alloc, guest, asid, table)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	return vm
}

func TestCreateVMRejectsZeroMappings(t *testing.T) {
	alloc := pagealloc.New(1 << 40)
	guest := pagealloc.New(0)
	asid := asidpool.New(16, 256)
	table := rmt.New()
	if _, err := CreateVM(VMConfig{TotalMappings: 0}, alloc, guest, asid, table); KindOf(err) != InvalidParameter {
		t.Fatalf("expected invalid_parameter, got %v", err)
	}
}

func TestCreateVMAllocatesOneASIDPerMapping(t *testing.T) {
	vm := newTestVM(t, 3)
	seen := map[uint32]bool{}
	for i := 0; i < 3; i++ {
		m, err := vm.MappingByID(uint32(i))
		if err != nil {
			t.Fatalf("MappingByID(%d): %v", i, err)
		}
		if seen[m.ASID] {
			t.Fatalf("ASID %d reused across mappings", m.ASID)
		}
		seen[m.ASID] = true
	}
}

func TestCreateAndReleaseVCPURoundTrip(t *testing.T) {
	vm := newTestVM(t, 1)
	cvcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	if cvcpu.SelectedMapping != 0 {
		t.Fatalf("expected mapping 0 selected by default, got %d", cvcpu.SelectedMapping)
	}
	if _, err := vm.CreateVCPU(0); KindOf(err) != VCPUAlreadyCreated {
		t.Fatalf("expected vcpu_already_created, got %v", err)
	}
	if err := vm.ReleaseVCPU(0); err != nil {
		t.Fatalf("ReleaseVCPU: %v", err)
	}
	if vm.VCPU(0) != nil {
		t.Fatal("expected slot 0 to be empty after release")
	}
	if _, err := vm.CreateVCPU(0); err != nil {
		t.Fatalf("recreate after release: %v", err)
	}
}

func TestMappingByIDRejectsOutOfRange(t *testing.T) {
	vm := newTestVM(t, 1)
	if _, err := vm.MappingByID(5); KindOf(err) != InvalidParameter {
		t.Fatalf("expected invalid_parameter, got %v", err)
	}
}
