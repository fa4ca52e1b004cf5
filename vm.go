package parallax

import (
	"fmt"
	"math"
)

// program is a decoded PXK1 module ready for execution. The device keeps one
// per loaded kernel; decode validates everything once so the per-element
// inner loop can run unchecked.
type program struct {
	kind     OpKind
	arity    int
	scalars  int
	elem     ElemType
	maxStack int
	code     []uint32
}

// decodeProgram validates a module stream and prepares it for execution
func decodeProgram(module []uint32) (*program, error) {
	if err := validateModule(module); err != nil {
		return nil, err
	}
	p := &program{
		kind:     OpKind(module[2]),
		arity:    int(module[3]),
		scalars:  int(module[4]),
		elem:     ElemType(module[5]),
		maxStack: int(module[6]),
		code:     module[moduleHeader:],
	}
	if p.elem != ElemFloat32 {
		return nil, fmt.Errorf("unsupported element type %d", p.elem)
	}
	if p.maxStack <= 0 {
		return nil, fmt.Errorf("invalid stack depth %d", p.maxStack)
	}
	// Verify the code stream statically: operand words present, stack never
	// underflows, exactly one result remains.
	depth := 0
	for pc := 0; pc < len(p.code); pc++ {
		switch p.code[pc] {
		case opLoadX, opLoadY:
			depth++
		case opLoadLit, opLoadScalar:
			pc++
			if pc >= len(p.code) {
				return nil, fmt.Errorf("truncated operand at word %d", pc-1)
			}
			if p.code[pc-1] == opLoadScalar && int(p.code[pc]) >= p.scalars {
				return nil, fmt.Errorf("scalar slot %d out of range", p.code[pc])
			}
			depth++
		case opNeg:
			if depth < 1 {
				return nil, fmt.Errorf("stack underflow at word %d", pc)
			}
		case opAdd, opSub, opMul, opDiv, opMin, opMax,
			opCmpLT, opCmpLE, opCmpGT, opCmpGE, opCmpEQ, opCmpNE:
			if depth < 2 {
				return nil, fmt.Errorf("stack underflow at word %d", pc)
			}
			depth--
		case opFMA:
			if depth < 3 {
				return nil, fmt.Errorf("stack underflow at word %d", pc)
			}
			depth -= 2
		default:
			return nil, fmt.Errorf("unknown opcode %#x at word %d", p.code[pc], pc)
		}
		if depth > p.maxStack {
			return nil, fmt.Errorf("stack depth %d exceeds declared %d", depth, p.maxStack)
		}
	}
	if depth != 1 {
		return nil, fmt.Errorf("code leaves %d values on the stack", depth)
	}
	return p, nil
}

// run executes the program for one work-item. stack is caller-provided
// scratch of at least maxStack entries, reused across elements within a
// worker to keep the inner loop allocation-free.
func (p *program) run(stack []float32, x, y float32, scalars []float32) float32 {
	sp := 0
	code := p.code
	for pc := 0; pc < len(code); pc++ {
		switch code[pc] {
		case opLoadX:
			stack[sp] = x
			sp++
		case opLoadY:
			stack[sp] = y
			sp++
		case opLoadLit:
			pc++
			stack[sp] = math.Float32frombits(code[pc])
			sp++
		case opLoadScalar:
			pc++
			stack[sp] = scalars[code[pc]]
			sp++
		case opAdd:
			stack[sp-2] += stack[sp-1]
			sp--
		case opSub:
			stack[sp-2] -= stack[sp-1]
			sp--
		case opMul:
			stack[sp-2] *= stack[sp-1]
			sp--
		case opDiv:
			stack[sp-2] /= stack[sp-1]
			sp--
		case opNeg:
			stack[sp-1] = -stack[sp-1]
		case opFMA:
			stack[sp-3] = float32(math.FMA(
				float64(stack[sp-3]), float64(stack[sp-2]), float64(stack[sp-1])))
			sp -= 2
		case opMin:
			stack[sp-2] = float32(math.Min(float64(stack[sp-2]), float64(stack[sp-1])))
			sp--
		case opMax:
			stack[sp-2] = float32(math.Max(float64(stack[sp-2]), float64(stack[sp-1])))
			sp--
		case opCmpLT:
			stack[sp-2] = b2f(stack[sp-2] < stack[sp-1])
			sp--
		case opCmpLE:
			stack[sp-2] = b2f(stack[sp-2] <= stack[sp-1])
			sp--
		case opCmpGT:
			stack[sp-2] = b2f(stack[sp-2] > stack[sp-1])
			sp--
		case opCmpGE:
			stack[sp-2] = b2f(stack[sp-2] >= stack[sp-1])
			sp--
		case opCmpEQ:
			stack[sp-2] = b2f(stack[sp-2] == stack[sp-1])
			sp--
		case opCmpNE:
			stack[sp-2] = b2f(stack[sp-2] != stack[sp-1])
			sp--
		}
	}
	return stack[0]
}
