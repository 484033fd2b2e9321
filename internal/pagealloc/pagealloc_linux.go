//go:build linux

package pagealloc

import "golang.org/x/sys/unix"

// allocBacking maps an anonymous, zero-filled, non-swappable region so that
// pages handed to the NPT/RMT layers behave like real locked host memory
// rather than ordinary GC-managed heap that the runtime could move or page
// out from under a "physical" address.
func allocBacking(size int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	// Locking is best-effort: insufficient RLIMIT_MEMLOCK must not abort
	// the core, only forgo the swap-proofing guarantee.
	_ = unix.Mlock(buf)
	return buf, nil
}

func freeBacking(buf []byte) error {
	if buf == nil {
		return nil
	}
	_ = unix.Munlock(buf)
	return unix.Munmap(buf)
}
