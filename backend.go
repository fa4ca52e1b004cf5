package parallax

// BackendBuffer is an opaque handle to device-side storage
type BackendBuffer uint64

// DeviceInfo describes the compute device behind a backend
type DeviceInfo struct {
	Name         string   // Human-readable device name
	TotalMem     uint64   // Device memory budget in bytes
	NumCores     int      // Parallel execution units
	MaxWorkgroup int      // Maximum work-items per workgroup
	Features     []string // Instruction-set features, informational
}

// Backend is the opaque device collaborator beneath the launcher: buffer
// storage, kernel registration, and synchronous compute submission. Device
// discovery and API object lifetimes live behind this interface and are not
// part of the runtime core.
//
// Dispatch blocks until the device signals completion. Asynchrony, if ever
// wanted, is layered above the backend, not inside it.
type Backend interface {
	// Name identifies the backend implementation
	Name() string

	// Info reports the device properties
	Info() DeviceInfo

	// CreateBuffer allocates byteLen bytes of device storage
	CreateBuffer(byteLen int) (BackendBuffer, error)

	// ReleaseBuffer frees device storage
	ReleaseBuffer(buf BackendBuffer) error

	// Upload copies host bytes into a device buffer at offset
	Upload(dst BackendBuffer, offset int, src []byte) error

	// Download copies device bytes at offset into host memory
	Download(src BackendBuffer, offset int, dst []byte) error

	// LoadKernel registers a portable kernel module under name, creating
	// whatever pipeline state the device needs. Loading the same module
	// under the same name again is a no-op.
	LoadKernel(name string, module []uint32) error

	// Dispatch executes a loaded kernel over n elements against the bound
	// buffers, passing scalars as kernel arguments, and waits for
	// completion
	Dispatch(name string, bufs []BackendBuffer, scalars []float32, n int) error

	// Close releases all backend resources
	Close() error
}
