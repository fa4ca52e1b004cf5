package parallax

import "math"

// Expr is a tagged operation tree describing the body of a callable. It is
// the unit the compiler fingerprints and lowers: a small expression over the
// element parameter(s), literal constants, and captured runtime scalars.
//
// Trees are built with the constructor functions and chained methods:
//
//	op := X().Mul(Lit(2))          // x * 2
//	op := X().Mul(Lit(2)).Add(Lit(1)) // x*2 + 1
//	sum := X().Add(Y())            // reduction combiner
//
// Captured values that vary between calls use Scalar, which compiles to a
// kernel argument rather than into the kernel body, so callables that differ
// only in capture values share one compiled kernel:
//
//	op := X().Mul(Scalar(0)) // x * captures[0]
//
// An Expr is immutable once built and safe to share between goroutines.
type Expr struct {
	kind exprKind
	a    *Expr
	b    *Expr
	c    *Expr
	lit  float32
	idx  int
	fn   func(float32) float32
}

type exprKind uint8

const (
	exprX exprKind = iota
	exprY
	exprLit
	exprScalar
	exprAdd
	exprSub
	exprMul
	exprDiv
	exprNeg
	exprFMA
	exprMin
	exprMax
	exprCmpLT
	exprCmpLE
	exprCmpGT
	exprCmpGE
	exprCmpEQ
	exprCmpNE
	// The kinds below are outside the offloadable primitive set. They
	// evaluate fine on the host; signature computation rejects them so the
	// dispatcher downgrades to host execution.
	exprSelect
	exprFunc
)

// X returns the first element parameter: the element itself for apply and
// transform, the accumulator for a reduction combiner.
func X() *Expr { return &Expr{kind: exprX} }

// Y returns the second element parameter, valid only in reduction combiners.
func Y() *Expr { return &Expr{kind: exprY} }

// Lit returns a literal constant. Literals are part of the operation's
// structural signature and are baked into the compiled kernel.
func Lit(v float32) *Expr { return &Expr{kind: exprLit, lit: v} }

// Scalar returns a reference to the capture slot i. Capture values are
// supplied per call and passed to the kernel as invocation arguments, so
// they do not participate in the signature.
func Scalar(i int) *Expr { return &Expr{kind: exprScalar, idx: i} }

// Add returns e + o
func (e *Expr) Add(o *Expr) *Expr { return &Expr{kind: exprAdd, a: e, b: o} }

// Sub returns e - o
func (e *Expr) Sub(o *Expr) *Expr { return &Expr{kind: exprSub, a: e, b: o} }

// Mul returns e * o
func (e *Expr) Mul(o *Expr) *Expr { return &Expr{kind: exprMul, a: e, b: o} }

// Div returns e / o
func (e *Expr) Div(o *Expr) *Expr { return &Expr{kind: exprDiv, a: e, b: o} }

// Neg returns -e
func (e *Expr) Neg() *Expr { return &Expr{kind: exprNeg, a: e} }

// MulAdd returns fused e*m + a, evaluated with a single rounding
func (e *Expr) MulAdd(m, a *Expr) *Expr { return &Expr{kind: exprFMA, a: e, b: m, c: a} }

// Min returns the smaller of e and o
func (e *Expr) Min(o *Expr) *Expr { return &Expr{kind: exprMin, a: e, b: o} }

// Max returns the larger of e and o
func (e *Expr) Max(o *Expr) *Expr { return &Expr{kind: exprMax, a: e, b: o} }

// Lt returns 1 if e < o, else 0
func (e *Expr) Lt(o *Expr) *Expr { return &Expr{kind: exprCmpLT, a: e, b: o} }

// Le returns 1 if e <= o, else 0
func (e *Expr) Le(o *Expr) *Expr { return &Expr{kind: exprCmpLE, a: e, b: o} }

// Gt returns 1 if e > o, else 0
func (e *Expr) Gt(o *Expr) *Expr { return &Expr{kind: exprCmpGT, a: e, b: o} }

// Ge returns 1 if e >= o, else 0
func (e *Expr) Ge(o *Expr) *Expr { return &Expr{kind: exprCmpGE, a: e, b: o} }

// Eq returns 1 if e == o, else 0
func (e *Expr) Eq(o *Expr) *Expr { return &Expr{kind: exprCmpEQ, a: e, b: o} }

// Ne returns 1 if e != o, else 0
func (e *Expr) Ne(o *Expr) *Expr { return &Expr{kind: exprCmpNE, a: e, b: o} }

// Select returns t when cond is nonzero, otherwise f. Branching is outside
// the offloadable primitive set: a callable containing Select always runs on
// the host.
func Select(cond, t, f *Expr) *Expr { return &Expr{kind: exprSelect, a: cond, b: t, c: f} }

// Func wraps an arbitrary host function of one argument. It is never
// offloadable; it exists so host-only callables keep the same call surface.
func Func(fn func(float32) float32, arg *Expr) *Expr {
	return &Expr{kind: exprFunc, a: arg, fn: fn}
}

// Eval evaluates the tree on the host. x and y bind the element
// parameter(s); scalars binds capture slots. Eval is total over all node
// kinds, including the non-offloadable ones.
func (e *Expr) Eval(x, y float32, scalars []float32) float32 {
	switch e.kind {
	case exprX:
		return x
	case exprY:
		return y
	case exprLit:
		return e.lit
	case exprScalar:
		if e.idx < len(scalars) {
			return scalars[e.idx]
		}
		return 0
	case exprAdd:
		return e.a.Eval(x, y, scalars) + e.b.Eval(x, y, scalars)
	case exprSub:
		return e.a.Eval(x, y, scalars) - e.b.Eval(x, y, scalars)
	case exprMul:
		return e.a.Eval(x, y, scalars) * e.b.Eval(x, y, scalars)
	case exprDiv:
		return e.a.Eval(x, y, scalars) / e.b.Eval(x, y, scalars)
	case exprNeg:
		return -e.a.Eval(x, y, scalars)
	case exprFMA:
		return float32(math.FMA(
			float64(e.a.Eval(x, y, scalars)),
			float64(e.b.Eval(x, y, scalars)),
			float64(e.c.Eval(x, y, scalars))))
	case exprMin:
		return float32(math.Min(float64(e.a.Eval(x, y, scalars)), float64(e.b.Eval(x, y, scalars))))
	case exprMax:
		return float32(math.Max(float64(e.a.Eval(x, y, scalars)), float64(e.b.Eval(x, y, scalars))))
	case exprCmpLT:
		return b2f(e.a.Eval(x, y, scalars) < e.b.Eval(x, y, scalars))
	case exprCmpLE:
		return b2f(e.a.Eval(x, y, scalars) <= e.b.Eval(x, y, scalars))
	case exprCmpGT:
		return b2f(e.a.Eval(x, y, scalars) > e.b.Eval(x, y, scalars))
	case exprCmpGE:
		return b2f(e.a.Eval(x, y, scalars) >= e.b.Eval(x, y, scalars))
	case exprCmpEQ:
		return b2f(e.a.Eval(x, y, scalars) == e.b.Eval(x, y, scalars))
	case exprCmpNE:
		return b2f(e.a.Eval(x, y, scalars) != e.b.Eval(x, y, scalars))
	case exprSelect:
		if e.a.Eval(x, y, scalars) != 0 {
			return e.b.Eval(x, y, scalars)
		}
		return e.c.Eval(x, y, scalars)
	case exprFunc:
		return e.fn(e.a.Eval(x, y, scalars))
	default:
		return 0
	}
}

func b2f(v bool) float32 {
	if v {
		return 1
	}
	return 0
}

// children returns the non-nil operands in evaluation order
func (e *Expr) children() []*Expr {
	out := make([]*Expr, 0, 3)
	for _, c := range []*Expr{e.a, e.b, e.c} {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// usesY reports whether the tree references the second element parameter
func (e *Expr) usesY() bool {
	if e.kind == exprY {
		return true
	}
	for _, c := range e.children() {
		if c.usesY() {
			return true
		}
	}
	return false
}

// scalarCount returns one past the highest referenced capture slot
func (e *Expr) scalarCount() int {
	n := 0
	if e.kind == exprScalar && e.idx+1 > n {
		n = e.idx + 1
	}
	for _, c := range e.children() {
		if m := c.scalarCount(); m > n {
			n = m
		}
	}
	return n
}
