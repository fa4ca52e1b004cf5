// Package parallax configuration constants and tuning
package parallax

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Coherence tracking parameters
const (
	// CoherenceBlockSize is the granularity at which residency state is
	// tracked, in bytes. Finer blocks reduce unnecessary copies at the cost
	// of metadata; 4 KiB matches the host page size on common platforms.
	// Every component agrees on this constant.
	CoherenceBlockSize = 4 * 1024

	// Memory alignment for host allocations
	MemoryAlignment = 64

	// Minimum allocation size to prevent fragmentation
	MinAllocationSize = 64
)

// Dispatch parameters
const (
	// DefaultWorkgroupSize is the number of work-items the device executes
	// per workgroup
	DefaultWorkgroupSize = 256

	// DefaultReduceGroupElements is the number of elements folded into one
	// partial result by a reduction workgroup
	DefaultReduceGroupElements = 256

	// DefaultHostFallbackElements is the crossover point below which a
	// device-preferred call runs on the host even when a kernel is cached:
	// per-dispatch device overhead exceeds host compute time for small
	// ranges
	DefaultHostFallbackElements = 2048

	// DefaultDispatchTimeout bounds a single device dispatch. A dispatch
	// exceeding it is fatal, never retried.
	DefaultDispatchTimeout = 30 * time.Second
)

// Element sizes
const (
	// Float32Size is the byte size of the wired element type
	Float32Size = 4
)

// defaultSystemMemory is the assumed total memory when the platform probe is
// unavailable
const defaultSystemMemory = 16 * 1024 * 1024 * 1024

// Tuning holds the runtime parameters that may be overridden per Runtime.
// Zero fields take the package defaults.
type Tuning struct {
	// HostFallbackElements is the device/host crossover in elements
	HostFallbackElements int `yaml:"host_fallback_elements"`

	// WorkgroupSize is the device workgroup width
	WorkgroupSize int `yaml:"workgroup_size"`

	// ReduceGroupElements is the per-group reduction chunk
	ReduceGroupElements int `yaml:"reduce_group_elements"`

	// Workers is the host-side worker count; 0 means GOMAXPROCS
	Workers int `yaml:"workers"`

	// DispatchTimeout is the device watchdog deadline
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	// DeviceMemoryLimit caps simulated device memory in bytes; 0 means a
	// quarter of system memory
	DeviceMemoryLimit int64 `yaml:"device_memory_limit"`
}

// DefaultTuning returns the documented default parameters
func DefaultTuning() Tuning {
	return Tuning{
		HostFallbackElements: DefaultHostFallbackElements,
		WorkgroupSize:        DefaultWorkgroupSize,
		ReduceGroupElements:  DefaultReduceGroupElements,
		Workers:              0,
		DispatchTimeout:      DefaultDispatchTimeout,
	}
}

// normalize fills zero fields with defaults
func (t Tuning) normalize() Tuning {
	d := DefaultTuning()
	if t.HostFallbackElements <= 0 {
		t.HostFallbackElements = d.HostFallbackElements
	}
	if t.WorkgroupSize <= 0 {
		t.WorkgroupSize = d.WorkgroupSize
	}
	if t.ReduceGroupElements <= 0 {
		t.ReduceGroupElements = d.ReduceGroupElements
	}
	if t.DispatchTimeout <= 0 {
		t.DispatchTimeout = d.DispatchTimeout
	}
	return t
}

// LoadTuning reads a YAML tuning file and merges it over the defaults.
//
// Example file:
//
//	host_fallback_elements: 4096
//	workgroup_size: 128
//	dispatch_timeout: 10s
func LoadTuning(path string) (Tuning, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning file: %w", err)
	}
	var t Tuning
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	return t.normalize(), nil
}
