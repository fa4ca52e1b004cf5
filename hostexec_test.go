package parallax

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelFor(t *testing.T) {
	pool := newHostPool(4)

	t.Run("spans cover range exactly once", func(t *testing.T) {
		const n = 1003
		touched := make([]int32, n)
		pool.parallelFor(n, func(start, end int) {
			for i := start; i < end; i++ {
				touched[i]++
			}
		})
		for i, c := range touched {
			require.Equal(t, int32(1), c, "element %d", i)
		}
	})

	t.Run("empty range runs nothing", func(t *testing.T) {
		called := false
		pool.parallelFor(0, func(start, end int) { called = true })
		assert.False(t, called)
	})

	t.Run("fewer elements than workers", func(t *testing.T) {
		touched := make([]int32, 2)
		pool.parallelFor(2, func(start, end int) {
			for i := start; i < end; i++ {
				touched[i]++
			}
		})
		assert.Equal(t, []int32{1, 1}, touched)
	})
}

func TestHostApply(t *testing.T) {
	pool := newHostPool(4)
	op := X().Mul(Lit(2)).Add(Lit(1))

	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			data := make([]float32, 1000)
			for i := range data {
				data[i] = float32(i)
			}
			pool.hostApply(data, op, nil, parallel)
			for i, v := range data {
				require.Equal(t, float32(i)*2+1, v, "element %d", i)
			}
		})
	}
}

func TestHostTransform(t *testing.T) {
	pool := newHostPool(4)
	in := make([]float32, 500)
	out := make([]float32, 500)
	for i := range in {
		in[i] = float32(i)
	}

	pool.hostTransform(in, out, X().Neg(), nil, true)

	for i := range out {
		require.Equal(t, -float32(i), out[i])
	}
	assert.Equal(t, float32(3), in[3], "input untouched")
}

func TestHostReduce(t *testing.T) {
	pool := newHostPool(4)

	t.Run("sequential sum", func(t *testing.T) {
		data := []float32{1, 2, 3, 4, 5}
		got := pool.hostReduce(data, 0, X().Add(Y()), nil, false)
		assert.Equal(t, float32(15), got)
	})

	t.Run("parallel matches sequential for integral data", func(t *testing.T) {
		data := make([]float32, 100000)
		for i := range data {
			data[i] = float32(i % 10)
		}
		seq := pool.hostReduce(data, 0, X().Add(Y()), nil, false)
		par := pool.hostReduce(data, 0, X().Add(Y()), nil, true)
		assert.Equal(t, seq, par, "sums of small integers are exact in float32")
	})

	t.Run("max reduction", func(t *testing.T) {
		data := make([]float32, 10000)
		for i := range data {
			data[i] = float32(i)
		}
		data[7777] = 1e6
		got := pool.hostReduce(data, 0, X().Max(Y()), nil, true)
		assert.Equal(t, float32(1e6), got)
	})

	t.Run("captured scalars visible to combiner", func(t *testing.T) {
		data := []float32{1, 1, 1, 1}
		// acc + y, but clamped against captures[0]
		got := pool.hostReduce(data, 0, X().Add(Y()).Min(Scalar(0)), []float32{3}, false)
		assert.Equal(t, float32(3), got)
	})

	t.Run("empty data yields identity", func(t *testing.T) {
		got := pool.hostReduce(nil, 9, X().Add(Y()), nil, true)
		assert.Equal(t, float32(9), got)
	})
}

func TestHostPoolSizing(t *testing.T) {
	assert.Equal(t, 2, newHostPool(2).workers)
	assert.Greater(t, newHostPool(0).workers, 0, "defaults to GOMAXPROCS")
	assert.Greater(t, newHostPool(-5).workers, 0)
}
