package parallax

// Policy is the execution hint attached to an algorithm call. It is
// advisory: the runtime may substitute host execution when offload is
// unsupported or unprofitable, and the caller always gets correct results.
type Policy int

const (
	// PolicySequential runs on the calling goroutine, in element order
	PolicySequential Policy = iota
	// PolicyParallelHost runs data-parallel on the host worker pool
	PolicyParallelHost
	// PolicyParallelDevice prefers device offload, falling back to host
	// parallel execution when the callable cannot be compiled or the range
	// is too small to amortize dispatch overhead
	PolicyParallelDevice
)

// String returns the policy name
func (p Policy) String() string {
	switch p {
	case PolicySequential:
		return "sequential"
	case PolicyParallelHost:
		return "parallel-host"
	case PolicyParallelDevice:
		return "parallel-device"
	default:
		return "unknown"
	}
}

// DispatchDecision is the per-call outcome of the offload decision
type DispatchDecision int

const (
	// ExecuteHost runs the call on the host
	ExecuteHost DispatchDecision = iota
	// ExecuteDevice dispatches a compiled kernel on the device
	ExecuteDevice
)

// String returns the decision name
func (d DispatchDecision) String() string {
	if d == ExecuteDevice {
		return "device"
	}
	return "host"
}

// decide resolves a policy, range size, and compile outcome into a dispatch
// decision. Only PolicyParallelDevice ever chooses the device; below the
// tuned crossover the host wins even with a cached kernel, because
// per-dispatch overhead exceeds host compute time for small ranges.
// Compilation failures downgrade silently: offload is an optimization,
// never a correctness dependency.
func (r *Runtime) decide(policy Policy, n int, op *Expr, kind OpKind) (DispatchDecision, *CompiledKernel) {
	if policy != PolicyParallelDevice {
		return ExecuteHost, nil
	}
	if n < r.tuning.HostFallbackElements {
		return ExecuteHost, nil
	}
	k, err := r.compiler.Compile(op, kind)
	if err != nil {
		return ExecuteHost, nil
	}
	return ExecuteDevice, k
}
