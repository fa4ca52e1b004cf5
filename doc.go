// Package parallax is a transparent GPU-offload runtime for parallel
// algorithms over in-memory sequences. Callers allocate through the runtime,
// invoke ForEach, Transform, or Reduce with a parallel policy hint, and the
// runtime decides, compiles, and dispatches a portable compute kernel that
// reproduces the exact semantics of the supplied operation, or runs the
// same operation on the host when offload is unsupported or unprofitable.
//
// The offload pipeline has four parts: a unified memory manager giving
// single-handle access from host and device with block-granular coherence,
// an expression-to-kernel compiler with a process-wide signature-keyed
// cache, an execution-policy dispatcher choosing host or device per call,
// and a kernel launcher over an opaque backend.
//
// Example usage:
//
//	rt, _ := parallax.NewRuntime()
//	defer rt.Close()
//
//	buf, _ := rt.AllocFloat32(10000)
//	buf.Fill(5.0)
//
//	// Offloaded when profitable; always correct.
//	rt.ForEach(parallax.PolicyParallelDevice, buf, 10000,
//	    parallax.X().Mul(parallax.Lit(2)))
//
//	data, _ := buf.Float32() // results migrate back transparently
package parallax
