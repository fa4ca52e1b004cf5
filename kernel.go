package parallax

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// OpKind tags the dispatch shape of a compiled kernel
type OpKind int

const (
	// OpApply mutates a single buffer in place, one work-item per element
	OpApply OpKind = iota
	// OpTransform reads an input buffer and writes a distinct output
	// buffer, one work-item per element; no aliasing is assumed
	OpTransform
	// OpReduce folds a buffer with an associative combiner into per-group
	// partials, combined in a second pass
	OpReduce
)

// String returns the kind name
func (k OpKind) String() string {
	switch k {
	case OpApply:
		return "Apply"
	case OpTransform:
		return "Transform"
	case OpReduce:
		return "Reduce"
	default:
		return "Unknown"
	}
}

func (k OpKind) shortName() string {
	switch k {
	case OpApply:
		return "apply"
	case OpTransform:
		return "xform"
	case OpReduce:
		return "reduce"
	default:
		return "unk"
	}
}

// bufferArity is the number of device buffers a dispatch of this kind binds
func (k OpKind) bufferArity() int {
	switch k {
	case OpApply:
		return 1
	case OpTransform:
		return 2
	case OpReduce:
		return 2 // input + partials
	default:
		return 0
	}
}

// ElemType identifies the element type a kernel operates on
type ElemType uint32

const (
	// ElemFloat32 is the wired element type
	ElemFloat32 ElemType = 1
)

// Portable kernel module format (PXK1). A module is a little-endian word
// stream: an eight-word header followed by stack-machine code. Literals are
// baked into the code; captured scalars are referenced by argument slot and
// bound at dispatch time. Reduce dispatches pass one extra trailing scalar,
// the fold identity, in the slot after the capture arguments.
const (
	moduleMagic   = 0x50584B31 // "PXK1"
	moduleVersion = 1
	moduleHeader  = 8
)

// Stack-machine opcodes
const (
	opLoadX      = 0x01 // push element parameter
	opLoadY      = 0x02 // push accumulator/second parameter
	opLoadLit    = 0x03 // push immediate (next word: float bits)
	opLoadScalar = 0x04 // push dispatch argument (next word: slot)
	opAdd        = 0x10
	opSub        = 0x11
	opMul        = 0x12
	opDiv        = 0x13
	opNeg        = 0x14
	opFMA        = 0x15 // pops addend, multiplier, multiplicand
	opMin        = 0x16
	opMax        = 0x17
	opCmpLT      = 0x20 // comparisons push 1.0 or 0.0
	opCmpLE      = 0x21
	opCmpGT      = 0x22
	opCmpGE      = 0x23
	opCmpEQ      = 0x24
	opCmpNE      = 0x25
)

// CompiledKernel is an immutable portable kernel module plus the metadata a
// launcher needs to bind and dispatch it. Instances are owned by the kernel
// cache; callers must not mutate the module words.
type CompiledKernel struct {
	// Name is the stable diagnostic identifier derived from the signature
	Name string

	// Kind is the dispatch shape
	Kind OpKind

	// Arity is the element-parameter count (1 for apply/transform, 2 for a
	// reduction combiner)
	Arity int

	// ScalarCount is the number of capture arguments the kernel expects at
	// dispatch
	ScalarCount int

	// Elem is the element type
	Elem ElemType

	// Module is the portable binary kernel, PXK1 word stream
	Module []uint32
}

// Size returns the module byte size. Informational only.
func (k *CompiledKernel) Size() int {
	return len(k.Module) * 4
}

// Bytes serializes the module little-endian, the on-the-wire form a real
// backend would consume
func (k *CompiledKernel) Bytes() []byte {
	out := make([]byte, 0, len(k.Module)*4)
	for _, w := range k.Module {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

// moduleFingerprint distinguishes modules for load idempotence checks
func moduleFingerprint(module []uint32) uint64 {
	var d xxhash.Digest
	d.Reset()
	var w [4]byte
	for _, word := range module {
		binary.LittleEndian.PutUint32(w[:], word)
		d.Write(w[:])
	}
	return d.Sum64()
}

// validateModule checks the header invariants shared by encoder and decoder
func validateModule(module []uint32) error {
	if len(module) < moduleHeader {
		return fmt.Errorf("module truncated: %d words", len(module))
	}
	if module[0] != moduleMagic {
		return fmt.Errorf("bad module magic %#x", module[0])
	}
	if module[1] != moduleVersion {
		return fmt.Errorf("unsupported module version %d", module[1])
	}
	if int(module[7]) != len(module)-moduleHeader {
		return fmt.Errorf("module code length %d does not match stream %d",
			module[7], len(module)-moduleHeader)
	}
	return nil
}
