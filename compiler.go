package parallax

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Compiler lowers operation trees into portable kernel modules and owns the
// process-wide kernel cache. Cache hits are determined purely by signature
// equality: callables differing only in capture values share one kernel,
// because captures compile to dispatch arguments rather than into the module.
//
// Concurrent compiles of the same uncached signature are de-duplicated:
// lowering runs at most once per signature and late arrivals block on the
// first compile's result.
type Compiler struct {
	mu       sync.Mutex
	cache    map[cacheKey]*CompiledKernel
	inflight map[cacheKey]*compileCall
	lowered  atomic.Int64
}

type cacheKey struct {
	sig  Signature
	kind OpKind
}

type compileCall struct {
	done   chan struct{}
	kernel *CompiledKernel
	err    error
}

// NewCompiler creates an empty compiler and cache
func NewCompiler() *Compiler {
	return &Compiler{
		cache:    make(map[cacheKey]*CompiledKernel),
		inflight: make(map[cacheKey]*compileCall),
	}
}

// Compile returns the compiled kernel for op under the given dispatch kind,
// reusing the cached artifact when the operation shape was seen before.
// Unsupported constructs fail with an UnsupportedOperation error before any
// lowering runs; lowering failures surface as CompilationError. Neither is
// ever downgraded to a wrong kernel.
func (c *Compiler) Compile(op *Expr, kind OpKind) (*CompiledKernel, error) {
	sig, err := SignatureOf(op)
	if err != nil {
		return nil, err
	}
	key := cacheKey{sig: sig, kind: kind}

	c.mu.Lock()
	if k, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return k, nil
	}
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-call.done
		return call.kernel, call.err
	}
	call := &compileCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	call.kernel, call.err = c.lower(op, sig, kind)

	c.mu.Lock()
	delete(c.inflight, key)
	if call.err == nil {
		c.cache[key] = call.kernel
	}
	c.mu.Unlock()
	close(call.done)
	return call.kernel, call.err
}

// SignatureOf exposes signature computation on the compiler for symmetry
// with Compile
func (c *Compiler) SignatureOf(op *Expr) (Signature, error) {
	return SignatureOf(op)
}

// CompileCount reports how many times lowering actually ran. A cached
// signature compiled N times leaves this at 1.
func (c *Compiler) CompileCount() int64 {
	return c.lowered.Load()
}

// CachedKernels reports the number of distinct compiled operation shapes
func (c *Compiler) CachedKernels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// lower translates the tree into a PXK1 module
func (c *Compiler) lower(op *Expr, sig Signature, kind OpKind) (*CompiledKernel, error) {
	c.lowered.Add(1)

	arity := 1
	if kind == OpReduce {
		arity = 2
	} else if op.usesY() {
		return nil, NewCompilationError("Compile",
			fmt.Sprintf("%s callable references the second parameter", kind), nil)
	}

	code, maxStack, err := emit(op)
	if err != nil {
		return nil, err
	}

	scalars := op.scalarCount()
	module := make([]uint32, 0, moduleHeader+len(code))
	module = append(module,
		moduleMagic,
		moduleVersion,
		uint32(kind),
		uint32(arity),
		uint32(scalars),
		uint32(ElemFloat32),
		uint32(maxStack),
		uint32(len(code)),
	)
	module = append(module, code...)

	name := fmt.Sprintf("pk_%s_%08x", kind.shortName(), uint32(sig.hash))
	return &CompiledKernel{
		Name:        name,
		Kind:        kind,
		Arity:       arity,
		ScalarCount: scalars,
		Elem:        ElemFloat32,
		Module:      module,
	}, nil
}

// emit generates postorder stack code and tracks the depth high-water mark
func emit(op *Expr) (code []uint32, maxStack int, err error) {
	depth := 0
	push := func(words ...uint32) {
		code = append(code, words...)
		depth++
		if depth > maxStack {
			maxStack = depth
		}
	}
	var walk func(e *Expr) error
	walk = func(e *Expr) error {
		for _, child := range e.children() {
			if err := walk(child); err != nil {
				return err
			}
		}
		switch e.kind {
		case exprX:
			push(opLoadX)
		case exprY:
			push(opLoadY)
		case exprLit:
			push(opLoadLit, math.Float32bits(e.lit))
		case exprScalar:
			push(opLoadScalar, uint32(e.idx))
		case exprAdd:
			code = append(code, opAdd)
			depth--
		case exprSub:
			code = append(code, opSub)
			depth--
		case exprMul:
			code = append(code, opMul)
			depth--
		case exprDiv:
			code = append(code, opDiv)
			depth--
		case exprNeg:
			code = append(code, opNeg)
		case exprFMA:
			code = append(code, opFMA)
			depth -= 2
		case exprMin:
			code = append(code, opMin)
			depth--
		case exprMax:
			code = append(code, opMax)
			depth--
		case exprCmpLT:
			code = append(code, opCmpLT)
			depth--
		case exprCmpLE:
			code = append(code, opCmpLE)
			depth--
		case exprCmpGT:
			code = append(code, opCmpGT)
			depth--
		case exprCmpGE:
			code = append(code, opCmpGE)
			depth--
		case exprCmpEQ:
			code = append(code, opCmpEQ)
			depth--
		case exprCmpNE:
			code = append(code, opCmpNE)
			depth--
		default:
			// SignatureOf rejects Select and Func before lowering; anything
			// else reaching here is a new node kind the lowerer does not
			// handle yet.
			return NewCompilationError("Compile",
				fmt.Sprintf("no lowering for node kind %d", e.kind), nil)
		}
		return nil
	}
	if err := walk(op); err != nil {
		return nil, 0, err
	}
	if depth != 1 {
		return nil, 0, NewCompilationError("Compile",
			fmt.Sprintf("unbalanced expression: final stack depth %d", depth), nil)
	}
	return code, maxStack, nil
}
