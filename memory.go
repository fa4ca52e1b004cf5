package parallax

import (
	"fmt"
	"sync"
	"unsafe"
)

// Target names a side of the host/device pair for coherence operations
type Target int

const (
	// TargetHost selects the host side
	TargetHost Target = iota
	// TargetDevice selects the device side
	TargetDevice
)

// String returns the target name
func (t Target) String() string {
	if t == TargetDevice {
		return "device"
	}
	return "host"
}

// residency is the per-block coherence state. At most one state holds per
// block at any instant; resShared means both sides observe identical bytes.
type residency uint8

const (
	resHostOwned residency = iota
	resDeviceOwned
	resShared
)

// UnifiedAllocation tracks one allocation's storage and block-granular
// residency. All fields are guarded by the owning manager's mutex.
type UnifiedAllocation struct {
	id      uint64
	host    []byte
	dev     BackendBuffer
	blocks  []residency
	refs    int
	byteLen int
}

// Buffer is the handle callers hold to a unified allocation. One handle is
// valid for both host access (through the accessor methods, which apply the
// coherence read barrier) and device dispatch.
type Buffer struct {
	mgr *MemoryManager
	id  uint64
}

// MemoryManager owns every unified allocation: host storage, the mirrored
// device buffer, and the block residency state machine. EnsureResident is
// the single synchronization primitive every other component uses; state
// transitions happen only there, at MarkDirty, and at Free, never
// concurrently with unsynchronized access.
type MemoryManager struct {
	mu         sync.Mutex
	backend    Backend
	blockSize  int
	allocs     map[uint64]*UnifiedAllocation
	nextID     uint64
	totalAlloc int64
	peakAlloc  int64
}

// NewMemoryManager creates a manager tracking residency at
// CoherenceBlockSize granularity
func NewMemoryManager(backend Backend) *MemoryManager {
	return &MemoryManager{
		backend:   backend,
		blockSize: CoherenceBlockSize,
		allocs:    make(map[uint64]*UnifiedAllocation),
	}
}

// Alloc creates a unified allocation of byteLen bytes, zero-initialized,
// with every block host-owned. Fails with an OutOfMemory error when the
// host or the backing device cannot satisfy the request.
//
// Example:
//
//	buf, err := mem.Alloc(1024 * 4) // 1024 float32s
//	if err != nil {
//	    return err
//	}
//	defer mem.Free(buf)
func (m *MemoryManager) Alloc(byteLen int) (*Buffer, error) {
	if byteLen <= 0 {
		return nil, ErrInvalidSize
	}
	dev, err := m.backend.CreateBuffer(byteLen)
	if err != nil {
		return nil, NewOutOfMemoryError("Alloc",
			fmt.Sprintf("device cannot back %d bytes", byteLen), err)
	}

	nblocks := (byteLen + m.blockSize - 1) / m.blockSize
	a := &UnifiedAllocation{
		host:    make([]byte, byteLen),
		dev:     dev,
		blocks:  make([]residency, nblocks),
		byteLen: byteLen,
	}

	m.mu.Lock()
	m.nextID++
	a.id = m.nextID
	m.allocs[a.id] = a
	m.totalAlloc += int64(byteLen)
	if m.totalAlloc > m.peakAlloc {
		m.peakAlloc = m.totalAlloc
	}
	m.mu.Unlock()

	return &Buffer{mgr: m, id: a.id}, nil
}

// Free releases an allocation's host and device storage. Fails with
// InvalidHandle when the handle is unknown or already freed, and refuses to
// free while the reference count is nonzero. Freed data is discardable: no
// pending device state is flushed. Callers must not free while a dispatch
// against the handle is in flight; dispatches are synchronous, so returning
// from the algorithm call is the synchronization point.
func (m *MemoryManager) Free(b *Buffer) error {
	m.mu.Lock()
	a, err := m.locked(b)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if a.refs > 0 {
		m.mu.Unlock()
		return ErrBufferInUse
	}
	delete(m.allocs, b.id)
	m.totalAlloc -= int64(a.byteLen)
	m.mu.Unlock()

	return m.backend.ReleaseBuffer(a.dev)
}

// EnsureResident makes [offset, offset+length) correct for target: every
// overlapping block whose state conflicts with target is copied so it ends
// shared-clean. Blocks already satisfying the target are untouched. This
// never infers intent beyond "make these bytes correct for this target";
// recording a write is MarkDirty's job.
func (m *MemoryManager) EnsureResident(b *Buffer, offset, length int, target Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.locked(b)
	if err != nil {
		return err
	}
	first, last, err := m.blockSpan(a, offset, length)
	if err != nil {
		return err
	}

	for blk := first; blk <= last; blk++ {
		var conflict residency
		if target == TargetHost {
			conflict = resDeviceOwned
		} else {
			conflict = resHostOwned
		}
		if a.blocks[blk] != conflict {
			continue
		}
		lo := blk * m.blockSize
		hi := lo + m.blockSize
		if hi > a.byteLen {
			hi = a.byteLen
		}
		if target == TargetHost {
			if err := m.backend.Download(a.dev, lo, a.host[lo:hi]); err != nil {
				return NewDispatchError("EnsureResident",
					fmt.Sprintf("download block %d", blk), err)
			}
		} else {
			if err := m.backend.Upload(a.dev, lo, a.host[lo:hi]); err != nil {
				return NewDispatchError("EnsureResident",
					fmt.Sprintf("upload block %d", blk), err)
			}
		}
		a.blocks[blk] = resShared
	}
	return nil
}

// MarkDirty records that owner holds the authoritative copy of
// [offset, offset+length) going forward. The other side is invalidated
// lazily: no bytes move until someone calls EnsureResident for it.
func (m *MemoryManager) MarkDirty(b *Buffer, offset, length int, owner Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.locked(b)
	if err != nil {
		return err
	}
	first, last, err := m.blockSpan(a, offset, length)
	if err != nil {
		return err
	}
	state := resHostOwned
	if owner == TargetDevice {
		state = resDeviceOwned
	}
	for blk := first; blk <= last; blk++ {
		a.blocks[blk] = state
	}
	return nil
}

// Retain increments the allocation's reference count
func (m *MemoryManager) Retain(b *Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.locked(b)
	if err != nil {
		return err
	}
	a.refs++
	return nil
}

// Release decrements the allocation's reference count
func (m *MemoryManager) Release(b *Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.locked(b)
	if err != nil {
		return err
	}
	if a.refs == 0 {
		return NewInvalidHandleError("Release", "reference count already zero")
	}
	a.refs--
	return nil
}

// TotalAllocated returns the live unified allocation bytes
func (m *MemoryManager) TotalAllocated() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalAlloc
}

// PeakAllocated returns the high-water mark of allocation bytes
func (m *MemoryManager) PeakAllocated() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakAlloc
}

// locked resolves a handle under m.mu
func (m *MemoryManager) locked(b *Buffer) (*UnifiedAllocation, error) {
	if b == nil || b.mgr != m {
		return nil, NewInvalidHandleError("lookup", "handle does not belong to this manager")
	}
	a, ok := m.allocs[b.id]
	if !ok {
		return nil, NewInvalidHandleError("lookup",
			fmt.Sprintf("unknown or freed handle %d", b.id))
	}
	return a, nil
}

// blockSpan converts a byte range into inclusive block indices
func (m *MemoryManager) blockSpan(a *UnifiedAllocation, offset, length int) (int, int, error) {
	if offset < 0 || length < 0 || offset+length > a.byteLen {
		return 0, 0, NewInvalidHandleError("blockSpan",
			fmt.Sprintf("range [%d, %d) outside allocation of %d bytes",
				offset, offset+length, a.byteLen))
	}
	if length == 0 {
		return 0, -1, nil
	}
	return offset / m.blockSize, (offset + length - 1) / m.blockSize, nil
}

// deviceBuffer returns the backend buffer backing a handle
func (m *MemoryManager) deviceBuffer(b *Buffer) (BackendBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.locked(b)
	if err != nil {
		return 0, err
	}
	return a.dev, nil
}

// hostBytes returns the host storage without any barrier; callers must have
// called EnsureResident(TargetHost) on the range they read
func (m *MemoryManager) hostBytes(b *Buffer) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.locked(b)
	if err != nil {
		return nil, err
	}
	return a.host, nil
}

// Buffer handle methods

// Len returns the allocation's byte length
func (b *Buffer) Len() (int, error) {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()
	a, err := b.mgr.locked(b)
	if err != nil {
		return 0, err
	}
	return a.byteLen, nil
}

// Elems returns the allocation's float32 element count
func (b *Buffer) Elems() (int, error) {
	n, err := b.Len()
	return n / Float32Size, err
}

// Float32 returns a host view of the elements after applying the read
// barrier: any device-owned block in the allocation is migrated back first,
// so a host read after a device dispatch transparently observes the
// device's result.
//
// The view is read-correct. Callers intending to write through it use
// MutableFloat32 so the write is recorded.
//
// Example:
//
//	buf, _ := rt.Alloc(n * 4)
//	rt.ForEach(parallax.PolicyParallelDevice, buf, n, parallax.X().Mul(parallax.Lit(2)))
//	data, _ := buf.Float32() // migrated back automatically
func (b *Buffer) Float32() ([]float32, error) {
	byteLen, err := b.Len()
	if err != nil {
		return nil, err
	}
	if err := b.mgr.EnsureResident(b, 0, byteLen, TargetHost); err != nil {
		return nil, err
	}
	raw, err := b.mgr.hostBytes(b)
	if err != nil {
		return nil, err
	}
	return floatView(raw), nil
}

// MutableFloat32 returns a writable host view: the read barrier plus a
// host-dirty mark for the whole allocation
func (b *Buffer) MutableFloat32() ([]float32, error) {
	v, err := b.Float32()
	if err != nil {
		return nil, err
	}
	byteLen, _ := b.Len()
	if err := b.mgr.MarkDirty(b, 0, byteLen, TargetHost); err != nil {
		return nil, err
	}
	return v, nil
}

// Fill sets every element to v. A full overwrite needs no read barrier;
// the host becomes the owner of every block.
func (b *Buffer) Fill(v float32) error {
	byteLen, err := b.Len()
	if err != nil {
		return err
	}
	raw, err := b.mgr.hostBytes(b)
	if err != nil {
		return err
	}
	data := floatView(raw)
	for i := range data {
		data[i] = v
	}
	return b.mgr.MarkDirty(b, 0, byteLen, TargetHost)
}

// Retain increments the handle's reference count
func (b *Buffer) Retain() error { return b.mgr.Retain(b) }

// Release decrements the handle's reference count
func (b *Buffer) Release() error { return b.mgr.Release(b) }

// floatView reinterprets host bytes as float32 elements
func floatView(raw []byte) []float32 {
	if len(raw) < Float32Size {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), len(raw)/Float32Size)
}
