package cvm

import "testing"

func TestLoadGuestPushesOnlyInvalidFields(t *testing.T) {
	var vmcb VMCB
	logical := GuestState{RIP: 0x1000, RFLAGS: 2}
	cache := newStateCache()

	cache.loadGuest(&vmcb, &logical)
	if vmcb.Guest.RIP != 0x1000 {
		t.Fatalf("expected RIP pushed, got %#x", vmcb.Guest.RIP)
	}
	if !cache.ef {
		t.Fatal("expected ef flag valid after push")
	}

	// Once valid, a further logical change must not be pushed until
	// invalidated again.
	logical.RIP = 0x2000
	cache.loadGuest(&vmcb, &logical)
	if vmcb.Guest.RIP != 0x1000 {
		t.Fatalf("expected stale push to be skipped while flag valid, got %#x", vmcb.Guest.RIP)
	}
}

func TestDumpGuestMarksSynchronized(t *testing.T) {
	var vmcb VMCB
	vmcb.Guest.RIP = 0x4000
	var logical GuestState
	cache := newStateCache()

	cache.dumpGuest(&vmcb, &logical)
	if !cache.synchronized {
		t.Fatal("expected synchronized=true after dump")
	}
	if logical.RIP != 0x4000 {
		t.Fatalf("expected logical view pulled from VMCB, got %#x", logical.RIP)
	}
}

func TestMigrationInvalidatesAllFlags(t *testing.T) {
	var vmcb VMCB
	vmcb.VMCBCleanBits = 0xFFFF
	cache := stateCache{gpr: true, dr: true, cr: true, ef: true}

	onMigration(&vmcb, &cache)
	if vmcb.VMCBCleanBits != 0 {
		t.Fatal("expected VMCB clean bits cleared on migration")
	}
	if cache.gpr || cache.dr || cache.cr || cache.ef {
		t.Fatal("expected all cache flags invalidated on migration")
	}
}
