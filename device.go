package parallax

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// simDevice is the reference backend: a simulated compute device with its
// own buffer space, executing portable kernels over workgroups on a
// goroutine pool. Because device memory is genuinely separate from host
// memory, the coherence machinery above it does real uploads and downloads.
type simDevice struct {
	mu      sync.Mutex
	info    DeviceInfo
	bufs    map[BackendBuffer][]byte
	nextID  BackendBuffer
	kernels map[string]*loadedKernel
	used    int64
	limit   int64

	workgroup   int
	reduceGroup int
	timeout     time.Duration
}

type loadedKernel struct {
	prog        *program
	fingerprint uint64
}

// newSimDevice creates the simulated device with the given tuning
func newSimDevice(t Tuning) *simDevice {
	limit := t.DeviceMemoryLimit
	if limit <= 0 {
		limit = int64(systemMemory() / 4)
	}
	return &simDevice{
		info: DeviceInfo{
			Name:         "Parallax Simulated Compute Device",
			TotalMem:     uint64(limit),
			NumCores:     runtime.NumCPU(),
			MaxWorkgroup: t.WorkgroupSize,
			Features:     detectFeatures(),
		},
		bufs:        make(map[BackendBuffer][]byte),
		kernels:     make(map[string]*loadedKernel),
		limit:       limit,
		workgroup:   t.WorkgroupSize,
		reduceGroup: t.ReduceGroupElements,
		timeout:     t.DispatchTimeout,
	}
}

// detectFeatures reports host SIMD capability the simulated device inherits
func detectFeatures() []string {
	var f []string
	if cpu.X86.HasAVX512F {
		f = append(f, "avx512f")
	}
	if cpu.X86.HasAVX2 {
		f = append(f, "avx2")
	}
	if cpu.X86.HasFMA {
		f = append(f, "fma")
	}
	if cpu.X86.HasSSE42 {
		f = append(f, "sse4.2")
	}
	if cpu.ARM64.HasASIMD {
		f = append(f, "asimd")
	}
	return f
}

func (d *simDevice) Name() string { return "simulated" }

func (d *simDevice) Info() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := d.info
	return info
}

func (d *simDevice) CreateBuffer(byteLen int) (BackendBuffer, error) {
	if byteLen <= 0 {
		return 0, fmt.Errorf("buffer size must be positive, got %d", byteLen)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used+int64(byteLen) > d.limit {
		return 0, fmt.Errorf("device memory exhausted: %d in use, %d requested, %d limit",
			d.used, byteLen, d.limit)
	}
	d.nextID++
	id := d.nextID
	d.bufs[id] = make([]byte, byteLen)
	d.used += int64(byteLen)
	return id, nil
}

func (d *simDevice) ReleaseBuffer(buf BackendBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bufs[buf]
	if !ok {
		return fmt.Errorf("unknown device buffer %d", buf)
	}
	d.used -= int64(len(b))
	delete(d.bufs, buf)
	return nil
}

func (d *simDevice) Upload(dst BackendBuffer, offset int, src []byte) error {
	d.mu.Lock()
	b, ok := d.bufs[dst]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown device buffer %d", dst)
	}
	if offset < 0 || offset+len(src) > len(b) {
		return fmt.Errorf("upload range [%d, %d) outside buffer of %d bytes",
			offset, offset+len(src), len(b))
	}
	copy(b[offset:], src)
	return nil
}

func (d *simDevice) Download(src BackendBuffer, offset int, dst []byte) error {
	d.mu.Lock()
	b, ok := d.bufs[src]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown device buffer %d", src)
	}
	if offset < 0 || offset+len(dst) > len(b) {
		return fmt.Errorf("download range [%d, %d) outside buffer of %d bytes",
			offset, offset+len(dst), len(b))
	}
	copy(dst, b[offset:])
	return nil
}

func (d *simDevice) LoadKernel(name string, module []uint32) error {
	fp := moduleFingerprint(module)
	d.mu.Lock()
	if k, ok := d.kernels[name]; ok && k.fingerprint == fp {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	prog, err := decodeProgram(module)
	if err != nil {
		return fmt.Errorf("load kernel %s: %w", name, err)
	}

	d.mu.Lock()
	d.kernels[name] = &loadedKernel{prog: prog, fingerprint: fp}
	d.mu.Unlock()
	return nil
}

// Dispatch executes a loaded kernel and blocks until the device completes or
// the watchdog fires. A watchdog expiry is fatal: the dispatch is never
// resubmitted because partial writes may have landed.
func (d *simDevice) Dispatch(name string, bufs []BackendBuffer, scalars []float32, n int) error {
	d.mu.Lock()
	k, ok := d.kernels[name]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("kernel %s is not loaded", name)
	}
	views := make([][]byte, len(bufs))
	for i, id := range bufs {
		b, ok := d.bufs[id]
		if !ok {
			d.mu.Unlock()
			return fmt.Errorf("unknown device buffer %d", id)
		}
		views[i] = b
	}
	d.mu.Unlock()

	if n <= 0 {
		return nil
	}
	if len(bufs) != k.prog.kind.bufferArity() {
		return fmt.Errorf("kernel %s expects %d buffers, got %d",
			name, k.prog.kind.bufferArity(), len(bufs))
	}
	if len(scalars) < k.prog.scalars {
		return fmt.Errorf("kernel %s expects %d scalar args, got %d",
			name, k.prog.scalars, len(scalars))
	}

	done := make(chan error, 1)
	go func() {
		done <- d.execute(k.prog, views, scalars, n)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(d.timeout):
		return NewTimeoutError("Dispatch",
			fmt.Sprintf("kernel %s exceeded %s watchdog", name, d.timeout))
	}
}

// execute runs the decoded program across workgroups. Workgroups are
// distributed over worker goroutines in contiguous spans so each worker
// touches a disjoint element range; within a workgroup items run
// sequentially, which maximizes cache reuse on the simulating CPU.
func (d *simDevice) execute(p *program, views [][]byte, scalars []float32, n int) error {
	switch p.kind {
	case OpApply:
		data, err := f32view(views[0], n)
		if err != nil {
			return err
		}
		d.parallelItems(p, n, func(stack []float32, i int) {
			data[i] = p.run(stack, data[i], 0, scalars)
		})
	case OpTransform:
		in, err := f32view(views[0], n)
		if err != nil {
			return err
		}
		out, err := f32view(views[1], n)
		if err != nil {
			return err
		}
		d.parallelItems(p, n, func(stack []float32, i int) {
			out[i] = p.run(stack, in[i], 0, scalars)
		})
	case OpReduce:
		in, err := f32view(views[0], n)
		if err != nil {
			return err
		}
		groups := (n + d.reduceGroup - 1) / d.reduceGroup
		partials, err := f32view(views[1], groups)
		if err != nil {
			return err
		}
		// Reduce dispatches append the identity after the capture slots
		identity := float32(0)
		if len(scalars) > p.scalars {
			identity = scalars[p.scalars]
		}
		d.parallelItems(p, groups, func(stack []float32, g int) {
			lo := g * d.reduceGroup
			hi := lo + d.reduceGroup
			if hi > n {
				hi = n
			}
			acc := identity
			for i := lo; i < hi; i++ {
				acc = p.run(stack, acc, in[i], scalars)
			}
			partials[g] = acc
		})
	default:
		return fmt.Errorf("unknown dispatch kind %d", p.kind)
	}
	return nil
}

// parallelItems runs fn for every item index in [0, items), workgroup by
// workgroup across min(NumCores, groups) workers. Each worker owns one stack
// scratch buffer for the whole span.
func (d *simDevice) parallelItems(p *program, items int, fn func(stack []float32, i int)) {
	groups := (items + d.workgroup - 1) / d.workgroup
	workers := d.info.NumCores
	if groups < workers {
		workers = groups
	}
	groupsPerWorker := (groups + workers - 1) / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		startGroup := w * groupsPerWorker
		endGroup := startGroup + groupsPerWorker
		if endGroup > groups {
			endGroup = groups
		}
		go func(startGroup, endGroup int) {
			defer wg.Done()
			stack := make([]float32, p.maxStack)
			for g := startGroup; g < endGroup; g++ {
				lo := g * d.workgroup
				hi := lo + d.workgroup
				if hi > items {
					hi = items
				}
				for i := lo; i < hi; i++ {
					fn(stack, i)
				}
			}
		}(startGroup, endGroup)
	}
	wg.Wait()
}

func (d *simDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bufs = make(map[BackendBuffer][]byte)
	d.kernels = make(map[string]*loadedKernel)
	d.used = 0
	return nil
}

// f32view reinterprets device bytes as at least n float32 elements
func f32view(b []byte, n int) ([]float32, error) {
	if len(b) < n*Float32Size {
		return nil, fmt.Errorf("buffer of %d bytes too small for %d float32 elements", len(b), n)
	}
	if len(b) == 0 {
		return nil, nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/Float32Size), nil
}
