package parallax

import (
	"sync"
)

// Runtime is the explicit context every component hangs off: the backend
// device, the unified memory manager, the kernel compiler and cache, the
// launcher, and the host worker pool. A Runtime must be created before any
// operation and closed when no longer needed; independent Runtimes are fully
// isolated, which is how tests construct private caches and devices.
type Runtime struct {
	backend  Backend
	mem      *MemoryManager
	compiler *Compiler
	launcher *Launcher
	pool     *hostPool
	tuning   Tuning

	mu     sync.Mutex
	closed bool
}

// Option configures a Runtime at creation
type Option func(*runtimeOptions)

type runtimeOptions struct {
	tuning  Tuning
	backend Backend
}

// WithTuning overrides the default tuning parameters
func WithTuning(t Tuning) Option {
	return func(o *runtimeOptions) { o.tuning = t }
}

// WithBackend substitutes the compute backend. The default is the simulated
// device.
func WithBackend(b Backend) Option {
	return func(o *runtimeOptions) { o.backend = b }
}

// NewRuntime creates a runtime with its own device, memory manager, and
// kernel cache.
//
// Example:
//
//	rt, err := parallax.NewRuntime()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close()
func NewRuntime(opts ...Option) (*Runtime, error) {
	o := runtimeOptions{tuning: DefaultTuning()}
	for _, opt := range opts {
		opt(&o)
	}
	o.tuning = o.tuning.normalize()

	backend := o.backend
	if backend == nil {
		backend = newSimDevice(o.tuning)
	}

	return &Runtime{
		backend:  backend,
		mem:      NewMemoryManager(backend),
		compiler: NewCompiler(),
		launcher: NewLauncher(backend),
		pool:     newHostPool(o.tuning.Workers),
		tuning:   o.tuning,
	}, nil
}

// Close shuts the runtime down and releases backend resources. Operations
// on a closed runtime's handles fail with InvalidHandle once their
// allocations are gone.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.backend.Close()
}

// Alloc creates a unified allocation of byteLen bytes
func (r *Runtime) Alloc(byteLen int) (*Buffer, error) {
	return r.mem.Alloc(byteLen)
}

// AllocFloat32 creates a unified allocation of n float32 elements
func (r *Runtime) AllocFloat32(n int) (*Buffer, error) {
	return r.mem.Alloc(n * Float32Size)
}

// Free releases a unified allocation
func (r *Runtime) Free(buf *Buffer) error {
	return r.mem.Free(buf)
}

// Memory returns the unified memory manager
func (r *Runtime) Memory() *MemoryManager {
	return r.mem
}

// Compiler returns the kernel compiler and cache
func (r *Runtime) Compiler() *Compiler {
	return r.compiler
}

// Launcher returns the kernel launcher
func (r *Runtime) Launcher() *Launcher {
	return r.launcher
}

// DeviceInfo reports the backing device's properties
func (r *Runtime) DeviceInfo() DeviceInfo {
	return r.backend.Info()
}

// Tuning returns the runtime's effective tuning parameters
func (r *Runtime) Tuning() Tuning {
	return r.tuning
}

// Default runtime state. Package-level calls share one lazily created
// runtime, mirroring the usual single-device process; code that needs
// isolation creates its own Runtime.
var (
	defaultRuntime *Runtime
	defaultOnce    sync.Once
)

// Default returns the shared package-level runtime, creating it on first use
func Default() *Runtime {
	defaultOnce.Do(func() {
		defaultRuntime, _ = NewRuntime()
	})
	return defaultRuntime
}

// Alloc allocates from the default runtime
func Alloc(byteLen int) (*Buffer, error) {
	return Default().Alloc(byteLen)
}

// AllocFloat32 allocates n float32 elements from the default runtime
func AllocFloat32(n int) (*Buffer, error) {
	return Default().AllocFloat32(n)
}

// Free releases a default-runtime allocation
func Free(buf *Buffer) error {
	return Default().Free(buf)
}

// ForEach runs an in-place apply on the default runtime
func ForEach(policy Policy, buf *Buffer, n int, op *Expr, captures ...float32) error {
	return Default().ForEach(policy, buf, n, op, captures...)
}

// Transform runs an out-of-place transform on the default runtime
func Transform(policy Policy, in, out *Buffer, n int, op *Expr, captures ...float32) error {
	return Default().Transform(policy, in, out, n, op, captures...)
}

// Reduce runs a fold on the default runtime
func Reduce(policy Policy, buf *Buffer, n int, identity float32, combiner *Expr, captures ...float32) (float32, error) {
	return Default().Reduce(policy, buf, n, identity, combiner, captures...)
}

// GetDeviceInfo reports the default runtime's device
func GetDeviceInfo() DeviceInfo {
	return Default().DeviceInfo()
}
