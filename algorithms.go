package parallax

import "fmt"

// Parallel algorithms over unified allocations. These are the only surface
// ordinary callers use for compute: each call names a policy, a handle and
// element range, an operation tree, and the capture values its Scalar slots
// bind to.
//
// Under PolicyParallelDevice the runtime compiles (or reuses) a kernel for
// the operation shape, makes the range device-resident, dispatches, and
// marks the written range device-owned; the next host read through the
// handle's accessors migrates the result back. Unsupported operations and
// sub-threshold ranges run on the host with identical semantics.

// ForEach applies op to every element of buf's first n elements in place.
//
// Example:
//
//	// data[i] *= 2 for all i, on the device when profitable
//	err := rt.ForEach(parallax.PolicyParallelDevice, buf, n,
//	    parallax.X().Mul(parallax.Lit(2)))
func (r *Runtime) ForEach(policy Policy, buf *Buffer, n int, op *Expr, captures ...float32) error {
	if err := r.checkRange(buf, n, "ForEach"); err != nil {
		return err
	}
	decision, kernel := r.decide(policy, n, op, OpApply)
	if decision == ExecuteDevice {
		return r.deviceApply(kernel, buf, n, captures)
	}
	return r.hostApply(policy, buf, n, op, captures)
}

// Transform applies op to every element of in's first n elements, writing
// results to out. Input and output must be distinct allocations; the kernel
// assumes no aliasing.
//
// Example:
//
//	// out[i] = in[i]*2 + 1
//	err := rt.Transform(parallax.PolicyParallelDevice, in, out, n,
//	    parallax.X().Mul(parallax.Lit(2)).Add(parallax.Lit(1)))
func (r *Runtime) Transform(policy Policy, in, out *Buffer, n int, op *Expr, captures ...float32) error {
	if err := r.checkRange(in, n, "Transform"); err != nil {
		return err
	}
	if err := r.checkRange(out, n, "Transform"); err != nil {
		return err
	}
	if in.mgr == out.mgr && in.id == out.id {
		return NewInvalidHandleError("Transform", "input and output alias the same allocation")
	}
	decision, kernel := r.decide(policy, n, op, OpTransform)
	if decision == ExecuteDevice {
		return r.deviceTransform(kernel, in, out, n, captures)
	}
	return r.hostTransform(policy, in, out, n, op, captures)
}

// Reduce folds the first n elements of buf with an associative combiner,
// starting from identity. The device path folds group-sized chunks into
// partials and combines them in a second pass; the result is within
// floating-point round-off of the sequential left fold, not bit-identical
// to it.
//
// Example:
//
//	sum, err := rt.Reduce(parallax.PolicyParallelDevice, buf, n, 0,
//	    parallax.X().Add(parallax.Y()))
func (r *Runtime) Reduce(policy Policy, buf *Buffer, n int, identity float32, combiner *Expr, captures ...float32) (float32, error) {
	if err := r.checkRange(buf, n, "Reduce"); err != nil {
		return 0, err
	}
	if n == 0 {
		return identity, nil
	}
	decision, kernel := r.decide(policy, n, combiner, OpReduce)
	if decision == ExecuteDevice {
		return r.deviceReduce(kernel, buf, n, identity, combiner, captures)
	}
	return r.hostReduce(policy, buf, n, identity, combiner, captures)
}

// checkRange validates the handle and that n elements fit the allocation
func (r *Runtime) checkRange(buf *Buffer, n int, op string) error {
	elems, err := buf.Elems()
	if err != nil {
		return err
	}
	if n < 0 || n > elems {
		return NewInvalidHandleError(op,
			fmt.Sprintf("range of %d elements exceeds allocation of %d", n, elems))
	}
	return nil
}

// Host paths. Every host access goes through the coherence barrier: ensure
// host residency before touching bytes, mark the written range host-owned
// after.

func (r *Runtime) hostApply(policy Policy, buf *Buffer, n int, op *Expr, captures []float32) error {
	data, err := r.hostRange(buf, n)
	if err != nil {
		return err
	}
	r.pool.hostApply(data, op, captures, policy != PolicySequential)
	return r.mem.MarkDirty(buf, 0, n*Float32Size, TargetHost)
}

func (r *Runtime) hostTransform(policy Policy, in, out *Buffer, n int, op *Expr, captures []float32) error {
	src, err := r.hostRange(in, n)
	if err != nil {
		return err
	}
	dst, err := r.hostRange(out, n)
	if err != nil {
		return err
	}
	r.pool.hostTransform(src, dst, op, captures, policy != PolicySequential)
	return r.mem.MarkDirty(out, 0, n*Float32Size, TargetHost)
}

func (r *Runtime) hostReduce(policy Policy, buf *Buffer, n int, identity float32, combiner *Expr, captures []float32) (float32, error) {
	data, err := r.hostRange(buf, n)
	if err != nil {
		return 0, err
	}
	return r.pool.hostReduce(data, identity, combiner, captures, policy != PolicySequential), nil
}

// hostRange returns a host-resident view of the first n elements
func (r *Runtime) hostRange(buf *Buffer, n int) ([]float32, error) {
	if err := r.mem.EnsureResident(buf, 0, n*Float32Size, TargetHost); err != nil {
		return nil, err
	}
	raw, err := r.mem.hostBytes(buf)
	if err != nil {
		return nil, err
	}
	return floatView(raw)[:n], nil
}

// Device paths. The sequence is always: upload stale blocks, dispatch
// synchronously, record the device as owner of what it wrote. Dispatch
// failures propagate to the caller; once a partial device write may exist
// there is no safe fallback.

func (r *Runtime) deviceApply(k *CompiledKernel, buf *Buffer, n int, captures []float32) error {
	if err := r.launcher.LoadKernel(k); err != nil {
		return err
	}
	byteRange := n * Float32Size
	if err := r.mem.EnsureResident(buf, 0, byteRange, TargetDevice); err != nil {
		return err
	}
	dev, err := r.mem.deviceBuffer(buf)
	if err != nil {
		return err
	}
	if err := r.launcher.Launch(k, []BackendBuffer{dev}, captures, n); err != nil {
		return err
	}
	return r.mem.MarkDirty(buf, 0, byteRange, TargetDevice)
}

func (r *Runtime) deviceTransform(k *CompiledKernel, in, out *Buffer, n int, captures []float32) error {
	if err := r.launcher.LoadKernel(k); err != nil {
		return err
	}
	byteRange := n * Float32Size
	if err := r.mem.EnsureResident(in, 0, byteRange, TargetDevice); err != nil {
		return err
	}
	// The output is made device-resident too: the dispatch overwrites
	// exactly [0, n) and the tail of a partially covered block must stay
	// coherent when the whole block flips to device-owned.
	if err := r.mem.EnsureResident(out, 0, byteRange, TargetDevice); err != nil {
		return err
	}
	inDev, err := r.mem.deviceBuffer(in)
	if err != nil {
		return err
	}
	outDev, err := r.mem.deviceBuffer(out)
	if err != nil {
		return err
	}
	if err := r.launcher.Launch(k, []BackendBuffer{inDev, outDev}, captures, n); err != nil {
		return err
	}
	return r.mem.MarkDirty(out, 0, byteRange, TargetDevice)
}

func (r *Runtime) deviceReduce(k *CompiledKernel, buf *Buffer, n int, identity float32, combiner *Expr, captures []float32) (float32, error) {
	if err := r.launcher.LoadKernel(k); err != nil {
		return 0, err
	}
	if err := r.mem.EnsureResident(buf, 0, n*Float32Size, TargetDevice); err != nil {
		return 0, err
	}
	dev, err := r.mem.deviceBuffer(buf)
	if err != nil {
		return 0, err
	}

	groups := (n + r.tuning.ReduceGroupElements - 1) / r.tuning.ReduceGroupElements
	partialsDev, err := r.backend.CreateBuffer(groups * Float32Size)
	if err != nil {
		return 0, NewOutOfMemoryError("Reduce",
			fmt.Sprintf("device cannot back %d reduction partials", groups), err)
	}
	defer r.backend.ReleaseBuffer(partialsDev)

	if len(captures) < k.ScalarCount {
		return 0, NewDispatchError("Reduce",
			fmt.Sprintf("combiner expects %d captures, got %d", k.ScalarCount, len(captures)), nil)
	}
	// The identity rides in the slot after the combiner's captures; see the
	// PXK1 dispatch convention in kernel.go.
	scalars := make([]float32, 0, k.ScalarCount+1)
	scalars = append(scalars, captures[:k.ScalarCount]...)
	scalars = append(scalars, identity)

	if err := r.launcher.Launch(k, []BackendBuffer{dev, partialsDev}, scalars, n); err != nil {
		return 0, err
	}

	raw := make([]byte, groups*Float32Size)
	if err := r.backend.Download(partialsDev, 0, raw); err != nil {
		return 0, NewDispatchError("Reduce", "download reduction partials", err)
	}
	partials := floatView(raw)

	acc := identity
	for _, part := range partials {
		acc = combiner.Eval(acc, part, captures)
	}
	return acc, nil
}
