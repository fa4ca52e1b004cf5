package parallax

import (
	"fmt"
	"sync"
)

// Launcher binds compiled kernels to device buffers and dispatches them on
// the backend. Dispatches are synchronous: Launch returns only after the
// device signals completion, which is what keeps the coherence rules above
// it tractable.
type Launcher struct {
	mu      sync.Mutex
	backend Backend
	loaded  map[string]uint64 // kernel name -> module fingerprint
}

// NewLauncher creates a launcher over a backend
func NewLauncher(backend Backend) *Launcher {
	return &Launcher{
		backend: backend,
		loaded:  make(map[string]uint64),
	}
}

// LoadKernel registers a compiled kernel with the backend. Idempotent for
// the same name and module; a recompiled module under an existing name
// replaces the registration. Backend resource exhaustion surfaces as a
// dispatch error.
func (l *Launcher) LoadKernel(k *CompiledKernel) error {
	fp := moduleFingerprint(k.Module)
	l.mu.Lock()
	if prev, ok := l.loaded[k.Name]; ok && prev == fp {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.backend.LoadKernel(k.Name, k.Module); err != nil {
		return NewDispatchError("LoadKernel",
			fmt.Sprintf("backend rejected kernel %s", k.Name), err)
	}

	l.mu.Lock()
	l.loaded[k.Name] = fp
	l.mu.Unlock()
	return nil
}

// Launch dispatches a loaded kernel over n elements and blocks until the
// device completes. Buffer count must match the kernel's dispatch shape and
// every buffer must be large enough for its role; violations fail without
// touching the device.
func (l *Launcher) Launch(k *CompiledKernel, bufs []BackendBuffer, scalars []float32, n int) error {
	l.mu.Lock()
	_, ok := l.loaded[k.Name]
	l.mu.Unlock()
	if !ok {
		return NewDispatchError("Launch",
			fmt.Sprintf("kernel %s is not loaded", k.Name), nil)
	}
	if want := k.Kind.bufferArity(); len(bufs) != want {
		return NewDispatchError("Launch",
			fmt.Sprintf("kernel %s binds %d buffers, got %d", k.Name, want, len(bufs)), nil)
	}
	if len(scalars) < k.ScalarCount {
		return NewDispatchError("Launch",
			fmt.Sprintf("kernel %s expects %d scalar args, got %d",
				k.Name, k.ScalarCount, len(scalars)), nil)
	}
	if n < 0 {
		return NewDispatchError("Launch", fmt.Sprintf("negative element count %d", n), nil)
	}
	if n == 0 {
		return nil
	}

	if err := l.backend.Dispatch(k.Name, bufs, scalars, n); err != nil {
		if IsTimeout(err) {
			return err
		}
		return NewDispatchError("Launch",
			fmt.Sprintf("kernel %s failed on device", k.Name), err)
	}
	return nil
}

// Loaded reports whether a kernel name is registered
func (l *Launcher) Loaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[name]
	return ok
}
