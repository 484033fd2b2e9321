// Package cvmconfig holds the process-wide option set that spec.md §6 calls
// "hvm_p". It lives in a package-level variable guarded by a RWMutex: Load
// and Set replace it, and Get returns a copy.
package cvmconfig

import (
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Options is the recognised configuration surface for the CVM core.
type Options struct {
	NestedVirtualization bool `toml:"nested_virtualization"`
	StealthMSRHook       bool `toml:"stealth_msr_hook"`
	StealthInlineHook    bool `toml:"stealth_inline_hook"`
	KVAShadowPresence    bool `toml:"kva_shadow_presence"`
	CPUIDHvPresence      bool `toml:"cpuid_hv_presence"`
	TLFSPassthrough      bool `toml:"tlfs_passthrough"`
	HideFromPT           bool `toml:"hide_from_pt"`
	SoftwareDecoder      bool `toml:"software_decoder"`
}

// Default returns the zero-value option set, matching NoirVisor's defaults
// of every optional behaviour starting disabled.
func Default() Options {
	return Options{}
}

var (
	mu      sync.RWMutex
	current = Default()
)

// Load parses a TOML file into the process-wide option set and installs it.
func Load(path string) (Options, error) {
	var opts Options
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return Options{}, errors.Wrapf(err, "cvmconfig: failed to load %s", path)
	}
	Set(opts)
	return opts, nil
}

// Set installs opts as the process-wide option set.
func Set(opts Options) {
	mu.Lock()
	current = opts
	mu.Unlock()
}

// Get returns the current process-wide option set.
func Get() Options {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
