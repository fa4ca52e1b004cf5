package parallax

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Concurrency stress: many goroutines sharing one runtime, each owning its
// allocations. The compiler cache, launcher table, and device are the shared
// state under contention.

func TestConcurrentAlgorithms(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	rt := newTestRuntime(t)

	const (
		goroutines = 16
		iterations = 20
		n          = 8192
	)

	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for it := 0; it < iterations; it++ {
				buf, err := rt.AllocFloat32(n)
				if err != nil {
					errs <- err
					return
				}
				base := float32(g*iterations + it + 1)
				if err := buf.Fill(base); err != nil {
					errs <- err
					return
				}
				if err := rt.ForEach(PolicyParallelDevice, buf, n, X().Mul(Lit(2))); err != nil {
					errs <- err
					return
				}
				data, err := buf.Float32()
				if err != nil {
					errs <- err
					return
				}
				for i := 0; i < n; i += n / 8 {
					if data[i] != base*2 {
						errs <- NewDispatchError("stress",
							"concurrent apply produced wrong value", nil)
						rt.Free(buf)
						return
					}
				}
				if err := rt.Free(buf); err != nil {
					errs <- err
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), rt.Compiler().CompileCount(),
		"all goroutines share one compiled kernel")
	assert.Zero(t, rt.Memory().TotalAllocated(), "all allocations released")
}

func TestConcurrentMixedOperations(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	rt := newTestRuntime(t)
	const n = 16384

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			buf, err := rt.AllocFloat32(n)
			require.NoError(t, err)
			require.NoError(t, buf.Fill(1))
			require.NoError(t, rt.ForEach(PolicyParallelDevice, buf, n, X().Add(Lit(1))))
			require.NoError(t, rt.Free(buf))
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			in, err := rt.AllocFloat32(n)
			require.NoError(t, err)
			out, err := rt.AllocFloat32(n)
			require.NoError(t, err)
			require.NoError(t, in.Fill(2))
			require.NoError(t, rt.Transform(PolicyParallelDevice, in, out, n, X().Mul(Lit(3))))
			data, err := out.Float32()
			require.NoError(t, err)
			require.Equal(t, float32(6), data[n-1])
			require.NoError(t, rt.Free(in))
			require.NoError(t, rt.Free(out))
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			buf, err := rt.AllocFloat32(n)
			require.NoError(t, err)
			require.NoError(t, buf.Fill(1))
			sum, err := rt.Reduce(PolicyParallelDevice, buf, n, 0, X().Add(Y()))
			require.NoError(t, err)
			require.InDelta(t, float64(n), float64(sum), 0.01)
			require.NoError(t, rt.Free(buf))
		}
	}()

	wg.Wait()
	assert.Zero(t, rt.Memory().TotalAllocated())
}
