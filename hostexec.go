package parallax

import (
	"runtime"
	"sync"
)

// Host-side execution paths. The parallel path is the fallback taken when a
// device-preferred call cannot or should not offload: data-parallel chunking
// over disjoint element ranges, so work items never race and no locking is
// needed between them.

// hostPool sizes host-parallel execution
type hostPool struct {
	workers int
}

func newHostPool(workers int) *hostPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &hostPool{workers: workers}
}

// parallelFor runs body over contiguous disjoint spans covering [0, n).
// Each worker processes one span; body must not touch elements outside its
// span.
func (p *hostPool) parallelFor(n int, body func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := p.workers
	if n < workers {
		workers = n
	}
	if workers == 1 {
		body(0, n)
		return
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		go func(start, end int) {
			defer wg.Done()
			if start < end {
				body(start, end)
			}
		}(start, end)
	}
	wg.Wait()
}

// hostApply runs op element-wise in place
func (p *hostPool) hostApply(data []float32, op *Expr, scalars []float32, parallel bool) {
	if !parallel {
		for i := range data {
			data[i] = op.Eval(data[i], 0, scalars)
		}
		return
	}
	p.parallelFor(len(data), func(start, end int) {
		for i := start; i < end; i++ {
			data[i] = op.Eval(data[i], 0, scalars)
		}
	})
}

// hostTransform runs op element-wise from in to out
func (p *hostPool) hostTransform(in, out []float32, op *Expr, scalars []float32, parallel bool) {
	if !parallel {
		for i := range in {
			out[i] = op.Eval(in[i], 0, scalars)
		}
		return
	}
	p.parallelFor(len(in), func(start, end int) {
		for i := start; i < end; i++ {
			out[i] = op.Eval(in[i], 0, scalars)
		}
	})
}

// hostReduce folds data with combiner. The parallel path folds disjoint
// chunks to partials, then combines the partials in order once the workers
// have joined; identical associativity assumptions to the device path.
func (p *hostPool) hostReduce(data []float32, identity float32, combiner *Expr, scalars []float32, parallel bool) float32 {
	if !parallel || len(data) < 2*p.workers {
		acc := identity
		for _, v := range data {
			acc = combiner.Eval(acc, v, scalars)
		}
		return acc
	}

	workers := p.workers
	if len(data) < workers {
		workers = len(data)
	}
	chunk := (len(data) + workers - 1) / workers
	spans := (len(data) + chunk - 1) / chunk
	partials := make([]float32, spans)

	var wg sync.WaitGroup
	wg.Add(spans)
	for w := 0; w < spans; w++ {
		start := w * chunk
		end := start + chunk
		if end > len(data) {
			end = len(data)
		}
		go func(slot, start, end int) {
			defer wg.Done()
			acc := identity
			for i := start; i < end; i++ {
				acc = combiner.Eval(acc, data[i], scalars)
			}
			partials[slot] = acc
		}(w, start, end)
	}
	wg.Wait()

	acc := identity
	for _, part := range partials {
		acc = combiner.Eval(acc, part, scalars)
	}
	return acc
}
