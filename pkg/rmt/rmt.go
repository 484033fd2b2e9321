// Package rmt implements the reverse-mapping table: the CVM core's sidecar
// directory of who owns every host-physical page NoirVisor knows about.
//
// Grounded on spec.md §3/§4.2 and original_source/src/svm_core/svm_npt.c's
// RMT update call sites (nvc_svm_reassign_page_ownership's hypercall-2
// stage).
package rmt

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("source", "cvm/pkg/rmt")

// Ownership is the set of parties a host-physical page can belong to.
type Ownership uint8

const (
	// NoirVisor pages: hypervisor-private (VMCB, bitmaps, NPT/RMT tables).
	NoirVisor Ownership = iota
	// SubvertedHost: memory belonging to the layered hypervisor's own host.
	SubvertedHost
	// InsecureGuest: ordinary (non-confidential) CVM guest memory.
	InsecureGuest
	// SecureGuest: confidential (NSV) guest memory.
	SecureGuest
)

func (o Ownership) String() string {
	switch o {
	case NoirVisor:
		return "noirvisor"
	case SubvertedHost:
		return "subverted-host"
	case InsecureGuest:
		return "insecure-guest"
	case SecureGuest:
		return "secure-guest"
	default:
		return fmt.Sprintf("ownership(%d)", uint8(o))
	}
}

// Entry is one 16-byte-equivalent RMT row.
type Entry struct {
	Ownership Ownership
	ASID      uint32 // 0 for host-owned pages
	Shared    bool
	GPFN      uint64 // guest page-frame number
}

// pageSize is the architectural page size frame numbers are derived from.
const pageSize = 4096

// Table is a single contiguous reverse-mapping table indexed by host
// physical frame number, guarded by a reader/exclusive pushlock equivalent.
type Table struct {
	mu      sync.RWMutex
	entries map[uint64]Entry // keyed by frame number (hpa >> 12)
}

// New creates an empty RMT. Entries are created lazily on first touch so
// that only RMT rows for RAM actually present get populated, per spec.md §3's
// "directory of contiguous sub-tables" note — this Go port keeps the public
// contract (frame -> Entry) but backs it with a sparse map instead of a
// directory-of-subtables, since Go maps already give O(1) sparse lookup
// without the original's manual sub-table bookkeeping.
func New() *Table {
	return &Table{entries: make(map[uint64]Entry)}
}

func frame(hpa uint64) uint64 { return hpa / pageSize }

// Lookup returns the entry for hpa. Untouched frames default to
// {NoirVisor, ASID 0}, matching the original's convention that unclaimed
// physical memory is implicitly hypervisor/host territory.
func (t *Table) Lookup(hpa uint64) Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[frame(hpa)]; ok {
		return e
	}
	return Entry{Ownership: NoirVisor}
}

// Set installs the entry for hpa under the exclusive lock, so a reader
// never observes a half-updated row. Reassign is the batch path used by
// reassign_page_ownership (§4.2); it writes its rows directly under the
// same lock rather than through Set.
func (t *Table) Set(hpa uint64, e Entry) {
	t.mu.Lock()
	t.entries[frame(hpa)] = e
	t.mu.Unlock()
}

// Reassign is the RMT half of reassign_page_ownership (§4.2 step 2): for
// each hpa/gpa pair, atomically install the new ownership row. Callers must
// already hold the NPT manager's lock (NPT-before-RMT ordering, §4.2/§5).
func (t *Table) Reassign(hpas []uint64, gpas []uint64, asid uint32, shared bool, own Ownership) error {
	if len(hpas) != len(gpas) {
		return errors.New("rmt: hpa/gpa slice length mismatch")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, hpa := range hpas {
		t.entries[frame(hpa)] = Entry{
			Ownership: own,
			ASID:      asid,
			Shared:    shared,
			GPFN:      gpas[i] / pageSize,
		}
	}
	log.WithField("count", len(hpas)).WithField("ownership", own.String()).Debug("rmt: reassigned ownership")
	return nil
}

// PermissionsFor computes the NPT read/write/execute bits a PTE targeting
// hpa should carry, purely as a function of the current RMT row — this is
// the policy exercised by reassign_page_ownership's hypercall-3 "remap"
// stage (§4.2 step 3).
func (t *Table) PermissionsFor(hpa uint64) (r, w, x bool) {
	e := t.Lookup(hpa)
	switch e.Ownership {
	case NoirVisor:
		return true, false, false
	case SecureGuest:
		return false, false, false
	case InsecureGuest, SubvertedHost:
		return true, true, true
	default:
		return false, false, false
	}
}
