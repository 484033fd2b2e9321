// Package nsv implements the confidential-guest ("NSV") engine: an opaque
// VMSA shadow, a GHCB-like synthetic MSR window, the page-claim protocol,
// and AES-128 page encryption on ownership transitions.
//
// Grounded on spec.md §4.8 and original_source/src/svm_core/svm_cvnsv.c in
// full (MSR index ranges, the VMSA anti-tampering double-check, and the
// ACTIVATION bulk-transfer protocol).
package nsv

import (
	"crypto/aes"

	"github.com/pkg/errors"
)

// Synthetic MSR indices in the reserved range this engine defines
// (orig:svm_cvnsv.c). The exact numeric base is a NoirVisor-private
// convention; this port keeps it in the same "hypervisor synthetic MSR"
// band CPUID leaf 0x40000000 advertises.
const (
	MSRGhcb uint32 = 0x40001000 + iota
	MSRVCHandlerCS
	MSRVCHandlerRSP
	MSRVCHandlerRIP
	MSRVCReturnCS
	MSRVCReturnRSP
	MSRVCReturnRIP
	MSRVCReturnRFLAGS
	MSRVCNextRIP
	MSRVCErrorCode
	MSRVCInfo1
	MSRVCInfo2
	MSRActivation
	MSRClaimGPACmd
	MSRClaimGPAStart
	MSRClaimGPAEnd
)

// IsSyntheticMSR reports whether index falls in this engine's reserved MSR
// window. The root package's MSR exit handler does not call it.
func IsSyntheticMSR(index uint32) bool {
	return index >= MSRGhcb && index <= MSRClaimGPAEnd
}

// GPRState is the minimal general-purpose/debug/extended-control register
// snapshot the ACTIVATION bulk transfer moves between the CVM's cached view
// and the VMSA (spec.md §4.8).
type GPRState struct {
	GPR   [16]uint64
	DR    [8]uint64
	XCR0  uint64
	XSave []byte
}

// VMSA is the confidential-guest's virtual-machine-save-area shadow. Its
// first word is a self-pointer that must equal the owning vCPU's identity,
// and it caches the VMCB's identity, so every entry/exit can detect
// tampering or a swapped VMCB (spec.md §3, §4.8).
type VMSA struct {
	SelfPointer  uint64 // must equal the owning vCPU's identity
	VMCBVirtual  uint64
	VMCBPhysical uint64

	State GPRState

	// GHCB is the guest-supplied communication-block address.
	GHCB uint64

	VCHandlerCS, VCHandlerRSP, VCHandlerRIP       uint64
	VCReturnCS, VCReturnRSP, VCReturnRIP, VCReturnRFLAGS uint64
	VCNextRIP, VCErrorCode, VCInfo1, VCInfo2       uint64

	activation bool

	ClaimGPAStart, ClaimGPAEnd uint64

	// Key is the VM's AES-128 page encryption key (NSV_CRYPTO_FOR_RMT,
	// §4.7); 16 bytes.
	Key [16]byte
}

// VerifyIdentity is the per-switch anti-tampering check (spec.md §4.8): the
// VMSA's embedded back-pointer must equal the owning vCPU's identity, and
// its recorded VMCB virtual/physical must equal the current VMCB's. A
// mismatch aborts the world switch.
func (v *VMSA) VerifyIdentity(vcpuIdentity, vmcbVirtual, vmcbPhysical uint64) error {
	if v.SelfPointer != vcpuIdentity {
		return errors.New("nsv: VMSA self-pointer does not match owning vCPU")
	}
	if v.VMCBVirtual != vmcbVirtual || v.VMCBPhysical != vmcbPhysical {
		return errors.New("nsv: VMSA VMCB identity mismatch (possible VMCB swap)")
	}
	return nil
}

// activationReservedMask covers every bit of ACTIVATION besides bit 0
// (the "activation" toggle itself); a write with any of these bits set is
// rejected (spec.md §4.8: "reserved fields that must be zero").
const activationReservedMask = ^uint64(1)

// ErrReservedBitsSet is returned (and should surface as #GP to the guest,
// spec.md §4.8) when a synthetic MSR write sets a reserved bit.
var ErrReservedBitsSet = errors.New("nsv: reserved bits set in synthetic MSR write")

// ErrClaimWindowInvalid is returned when a claim window is out of range or
// malformed (spec.md §4.8: "out-of-range or reserved-bits-set yields #GP").
var ErrClaimWindowInvalid = errors.New("nsv: claim window invalid")

// WriteActivation handles a write to the ACTIVATION synthetic MSR: it
// validates reserved bits, performs the GPR/DR/XCR0/XSTATE bulk transfer in
// the direction the activation bit implies, and flips the mode.
//
// direction true means "guest->VMSA" (entering NSV mode, cache->VMSA);
// false means "VMSA->guest" (leaving NSV mode, VMSA->cache). cached is the
// CVM's software-visible register cache; it is mutated in place.
func (v *VMSA) WriteActivation(value uint64, cached *GPRState) error {
	if value&activationReservedMask != 0 {
		return ErrReservedBitsSet
	}
	direction := value&1 != 0
	if direction {
		v.State = *cached
	} else {
		*cached = v.State
	}
	v.activation = direction
	return nil
}

// Activation reports the current toggle state.
func (v *VMSA) Activation() bool { return v.activation }

// SetClaimWindow validates and installs a CLAIM_GPA window (spec.md §4.8).
// cmd carries only a single "commit" bit; any other bit set is rejected.
func (v *VMSA) SetClaimWindow(cmd, start, end uint64) error {
	if cmd&^uint64(1) != 0 {
		return ErrReservedBitsSet
	}
	if end <= start || start%4096 != 0 || end%4096 != 0 {
		return ErrClaimWindowInvalid
	}
	v.ClaimGPAStart, v.ClaimGPAEnd = start, end
	return nil
}

// InClaimWindow reports whether gpa falls within the currently claimed
// window.
func (v *VMSA) InClaimWindow(gpa uint64) bool {
	return gpa >= v.ClaimGPAStart && gpa < v.ClaimGPAEnd
}

// CryptoForRMT implements the NSV_CRYPTO_FOR_RMT hypercall stage (§4.7):
// for each page, AES-128 decrypt it with key if secureGuest, else encrypt
// it. NoirVisor uses this transiently around ownership transitions, not as
// an at-rest guarantee for pages already resident in their steady-state
// owner, so a simple ECB-per-page-block transform (no chaining across
// pages) matches the original's page-granular, key-per-VM design.
func CryptoForRMT(key [16]byte, page []byte, secureGuest bool) error {
	if len(page)%aes.BlockSize != 0 {
		return errors.New("nsv: page size must be a multiple of the AES block size")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return errors.Wrap(err, "nsv: failed to initialize AES cipher")
	}
	for off := 0; off < len(page); off += aes.BlockSize {
		chunk := page[off : off+aes.BlockSize]
		if secureGuest {
			block.Decrypt(chunk, chunk)
		} else {
			block.Encrypt(chunk, chunk)
		}
	}
	return nil
}
