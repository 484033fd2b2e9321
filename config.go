package cvm

import "github.com/noirvisor/cvm-core/internal/cvmconfig"

// Options is the process-wide configuration surface (spec.md §6).
type Options = cvmconfig.Options

// LoadOptions loads and installs process-wide options from a TOML file.
func LoadOptions(path string) (Options, error) { return cvmconfig.Load(path) }

// SetOptions installs opts as the process-wide option set.
func SetOptions(opts Options) { cvmconfig.Set(opts) }

// CurrentOptions returns the current process-wide option set.
func CurrentOptions() Options { return cvmconfig.Get() }
