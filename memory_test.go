package parallax

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := NewRuntime(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestAllocFree(t *testing.T) {
	rt := newTestRuntime(t)

	t.Run("allocates and frees across sizes", func(t *testing.T) {
		for _, elems := range []int{1, 100, 10000, 1000000} {
			buf, err := rt.AllocFloat32(elems)
			require.NoError(t, err, "alloc %d elements", elems)

			n, err := buf.Elems()
			require.NoError(t, err)
			assert.Equal(t, elems, n)

			data, err := buf.Float32()
			require.NoError(t, err)
			require.Len(t, data, elems)
			for i := 0; i < min(100, elems); i++ {
				assert.Zero(t, data[i], "fresh allocation must be zeroed")
			}

			require.NoError(t, rt.Free(buf))
		}
	})

	t.Run("rejects non-positive sizes", func(t *testing.T) {
		_, err := rt.Alloc(0)
		assert.ErrorIs(t, err, ErrInvalidSize)
		_, err = rt.Alloc(-4)
		assert.ErrorIs(t, err, ErrInvalidSize)
	})

	t.Run("free of freed handle is InvalidHandle", func(t *testing.T) {
		buf, err := rt.AllocFloat32(16)
		require.NoError(t, err)
		require.NoError(t, rt.Free(buf))

		err = rt.Free(buf)
		assert.True(t, IsInvalidHandle(err), "double free: got %v", err)
	})

	t.Run("operations on freed handle are InvalidHandle", func(t *testing.T) {
		buf, err := rt.AllocFloat32(16)
		require.NoError(t, err)
		require.NoError(t, rt.Free(buf))

		_, err = buf.Float32()
		assert.True(t, IsInvalidHandle(err))

		err = rt.Memory().EnsureResident(buf, 0, 16, TargetHost)
		assert.True(t, IsInvalidHandle(err))

		err = rt.ForEach(PolicySequential, buf, 4, X())
		assert.True(t, IsInvalidHandle(err))
	})
}

func TestReferenceCounting(t *testing.T) {
	rt := newTestRuntime(t)

	buf, err := rt.AllocFloat32(64)
	require.NoError(t, err)

	require.NoError(t, buf.Retain())
	err = rt.Free(buf)
	assert.ErrorIs(t, err, ErrBufferInUse, "free with live references must fail")

	require.NoError(t, buf.Release())
	assert.Error(t, buf.Release(), "release below zero must fail")
	require.NoError(t, rt.Free(buf))
}

func TestAllocationAccounting(t *testing.T) {
	rt := newTestRuntime(t)
	mem := rt.Memory()

	base := mem.TotalAllocated()
	buf, err := rt.Alloc(8192)
	require.NoError(t, err)
	assert.Equal(t, base+8192, mem.TotalAllocated())
	assert.GreaterOrEqual(t, mem.PeakAllocated(), base+8192)

	require.NoError(t, rt.Free(buf))
	assert.Equal(t, base, mem.TotalAllocated())
}

func TestCoherenceStateMachine(t *testing.T) {
	rt := newTestRuntime(t)
	mem := rt.Memory()

	// Three coherence blocks worth of elements.
	elems := 3 * CoherenceBlockSize / Float32Size
	buf, err := rt.AllocFloat32(elems)
	require.NoError(t, err)
	defer rt.Free(buf)

	require.NoError(t, buf.Fill(7))

	t.Run("upload makes blocks shared", func(t *testing.T) {
		require.NoError(t, mem.EnsureResident(buf, 0, elems*Float32Size, TargetDevice))

		// Device now observes the host's fill.
		dev, err := mem.deviceBuffer(buf)
		require.NoError(t, err)
		raw := make([]byte, elems*Float32Size)
		require.NoError(t, rt.backend.Download(dev, 0, raw))
		got := floatView(raw)
		assert.Equal(t, float32(7), got[0])
		assert.Equal(t, float32(7), got[elems-1])
	})

	t.Run("device-dirty blocks migrate back on host read", func(t *testing.T) {
		dev, err := mem.deviceBuffer(buf)
		require.NoError(t, err)

		// Simulate a device write to the middle block only.
		blockElems := CoherenceBlockSize / Float32Size
		patch := make([]float32, blockElems)
		for i := range patch {
			patch[i] = 42
		}
		require.NoError(t, rt.backend.Upload(dev, CoherenceBlockSize, f32bytes(patch)))
		require.NoError(t, mem.MarkDirty(buf, CoherenceBlockSize, CoherenceBlockSize, TargetDevice))

		data, err := buf.Float32()
		require.NoError(t, err)
		assert.Equal(t, float32(7), data[0], "untouched block keeps host data")
		assert.Equal(t, float32(42), data[blockElems], "dirty block migrated back")
		assert.Equal(t, float32(7), data[2*blockElems], "untouched block keeps host data")
	})

	t.Run("ensure_resident is a no-op for satisfying blocks", func(t *testing.T) {
		// Already host-resident; a second barrier must not disturb data.
		before, err := buf.Float32()
		require.NoError(t, err)
		first := before[0]
		require.NoError(t, mem.EnsureResident(buf, 0, elems*Float32Size, TargetHost))
		after, err := buf.Float32()
		require.NoError(t, err)
		assert.Equal(t, first, after[0])
	})

	t.Run("range validation", func(t *testing.T) {
		err := mem.EnsureResident(buf, 0, elems*Float32Size+1, TargetHost)
		assert.True(t, IsInvalidHandle(err))
		err = mem.MarkDirty(buf, -4, 8, TargetHost)
		assert.True(t, IsInvalidHandle(err))
	})
}

// f32bytes copies a float32 slice into its byte representation
func f32bytes(data []float32) []byte {
	raw := make([]byte, len(data)*Float32Size)
	copy(floatView(raw), data)
	return raw
}
