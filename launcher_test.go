package parallax

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBackend wraps the simulated device and counts backend calls, so
// launcher idempotence is observable.
type countingBackend struct {
	Backend
	loads      int
	dispatches int
	loadErr    error
}

func (c *countingBackend) LoadKernel(name string, module []uint32) error {
	c.loads++
	if c.loadErr != nil {
		return c.loadErr
	}
	return c.Backend.LoadKernel(name, module)
}

func (c *countingBackend) Dispatch(name string, bufs []BackendBuffer, scalars []float32, n int) error {
	c.dispatches++
	return c.Backend.Dispatch(name, bufs, scalars, n)
}

func TestLauncherLoadIdempotence(t *testing.T) {
	backend := &countingBackend{Backend: newSimDevice(DefaultTuning())}
	defer backend.Close()
	l := NewLauncher(backend)
	k := compileFor(t, X().Mul(Lit(2)), OpApply)

	require.NoError(t, l.LoadKernel(k))
	require.NoError(t, l.LoadKernel(k))
	require.NoError(t, l.LoadKernel(k))
	assert.Equal(t, 1, backend.loads, "same name+module loads once")
	assert.True(t, l.Loaded(k.Name))

	// A different module under a different name loads separately.
	k2 := compileFor(t, X().Add(Lit(1)), OpApply)
	require.NoError(t, l.LoadKernel(k2))
	assert.Equal(t, 2, backend.loads)
}

func TestLauncherLoadFailure(t *testing.T) {
	backend := &countingBackend{
		Backend: newSimDevice(DefaultTuning()),
		loadErr: errors.New("pipeline pool exhausted"),
	}
	defer backend.Close()
	l := NewLauncher(backend)
	k := compileFor(t, X().Mul(Lit(2)), OpApply)

	err := l.LoadKernel(k)
	require.Error(t, err)
	assert.True(t, IsDispatchFailure(err))
	assert.False(t, l.Loaded(k.Name), "failed load is not recorded")
}

func TestLauncherLaunchValidation(t *testing.T) {
	backend := newSimDevice(DefaultTuning())
	defer backend.Close()
	l := NewLauncher(backend)
	k := compileFor(t, X().Mul(Lit(2)), OpApply)

	buf, err := backend.CreateBuffer(1000 * Float32Size)
	require.NoError(t, err)

	t.Run("unloaded kernel fails", func(t *testing.T) {
		err := l.Launch(k, []BackendBuffer{buf}, nil, 1000)
		require.Error(t, err)
		assert.True(t, IsDispatchFailure(err))
	})

	require.NoError(t, l.LoadKernel(k))

	t.Run("arity mismatch fails", func(t *testing.T) {
		err := l.Launch(k, []BackendBuffer{buf, buf}, nil, 1000)
		require.Error(t, err)
		assert.True(t, IsDispatchFailure(err))
	})

	t.Run("missing scalars fail", func(t *testing.T) {
		withCapture := compileFor(t, X().Mul(Scalar(0)), OpApply)
		require.NoError(t, l.LoadKernel(withCapture))
		err := l.Launch(withCapture, []BackendBuffer{buf}, nil, 1000)
		require.Error(t, err)
		assert.True(t, IsDispatchFailure(err))
	})

	t.Run("negative count fails, zero is a no-op", func(t *testing.T) {
		assert.Error(t, l.Launch(k, []BackendBuffer{buf}, nil, -1))
		assert.NoError(t, l.Launch(k, []BackendBuffer{buf}, nil, 0))
	})

	t.Run("successful launch is synchronous", func(t *testing.T) {
		data := make([]float32, 1000)
		for i := range data {
			data[i] = 5
		}
		require.NoError(t, backend.Upload(buf, 0, f32bytes(data)))
		require.NoError(t, l.Launch(k, []BackendBuffer{buf}, nil, 1000))

		// Results are visible immediately after return.
		raw := make([]byte, 1000*Float32Size)
		require.NoError(t, backend.Download(buf, 0, raw))
		assert.Equal(t, float32(10), floatView(raw)[0])
		assert.Equal(t, float32(10), floatView(raw)[999])
	})
}
