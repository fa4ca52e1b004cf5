package parallax

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Signature is a structural fingerprint of a callable's operation body: the
// postorder sequence of operations and literal operands, independent of
// capture values. Two callables with the same operation shape compare equal
// and therefore share one compiled kernel.
type Signature struct {
	hash uint64
}

// String returns the fingerprint in hexadecimal
func (s Signature) String() string {
	return fmt.Sprintf("%016x", s.hash)
}

// SignatureOf computes the structural fingerprint of op. It fails with an
// UnsupportedOperation error when the tree contains constructs outside the
// offloadable primitive set (branches, arbitrary host functions); it never
// produces a wrong signature for an unsupported tree.
func SignatureOf(op *Expr) (Signature, error) {
	enc, err := canonicalEncoding(op)
	if err != nil {
		return Signature{}, err
	}
	return Signature{hash: xxhash.Sum64(enc)}, nil
}

// canonicalEncoding serializes the tree in postorder. One byte per node
// kind; literals append their exact bit pattern, scalar references their
// slot index. Deterministic and total over the supported subset.
func canonicalEncoding(op *Expr) ([]byte, error) {
	buf := make([]byte, 0, 32)
	var walk func(e *Expr) error
	walk = func(e *Expr) error {
		switch e.kind {
		case exprSelect:
			return NewUnsupportedError("SignatureOf", "branch (Select) is not offloadable")
		case exprFunc:
			return NewUnsupportedError("SignatureOf", "host function call is not offloadable")
		}
		for _, c := range e.children() {
			if err := walk(c); err != nil {
				return err
			}
		}
		buf = append(buf, byte(e.kind))
		switch e.kind {
		case exprLit:
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(e.lit))
		case exprScalar:
			buf = append(buf, byte(e.idx))
		}
		return nil
	}
	if err := walk(op); err != nil {
		return nil, err
	}
	return buf, nil
}

// KernelName derives a stable, human-readable kernel identifier from the
// operation shape. Diagnostics and backend registration keys only; equality
// of names is implied by, not a substitute for, signature equality.
func KernelName(op *Expr, kind OpKind) (string, error) {
	sig, err := SignatureOf(op)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pk_%s_%08x", kind.shortName(), uint32(sig.hash)), nil
}
