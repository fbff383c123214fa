package vm

import (
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultMaxDepth is the reentrancy ceiling: the number of instance
// executions that may be nested through SEND_MESSAGE.
const DefaultMaxDepth = 59

// execResult tells the tree walk how an instance's execution ended.
type execResult int

const (
	execDone   execResult = iota // ran to completion (or RETURN)
	execYield                    // a hyper-call is pending; end the tick
	execDenied                   // refused by the reentrancy guard
)

// ---------------------------------------------------------------------------
// Interpreter: runs one instance's code
// ---------------------------------------------------------------------------

// Interpreter executes instance bytecode for one project. It is not safe
// for concurrent use; the project lock serializes access.
type Interpreter struct {
	prj      *Project
	MaxDepth int

	level  int    // current nesting depth
	denied uint64 // executions refused by canExecute
}

func newInterpreter(p *Project, maxDepth int) *Interpreter {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Interpreter{prj: p, MaxDepth: maxDepth}
}

// canExecute reports whether one more nested execution is allowed.
func (it *Interpreter) canExecute() bool {
	return it.level < it.MaxDepth
}

// Denied returns how many executions the reentrancy guard refused.
func (it *Interpreter) Denied() uint64 {
	return it.denied
}

// Execute runs the code of one instance to completion. Faults raised by the
// loop are recovered here and returned as a *VMError; a refused execution
// returns execDenied with no error.
func (it *Interpreter) Execute(id InstanceID) (res execResult, err error) {
	if !it.canExecute() {
		it.denied++
		log.Debugf("reentrancy limit reached at depth %d", it.level)
		return execDenied, nil
	}

	inst := it.prj.tree.Instance(id)
	ctx := &execContext{
		prj:   it.prj,
		it:    it,
		inst:  inst,
		code:  inst.Proto.Code,
		stack: make([]Value, 0, 16),
	}

	it.level++
	defer func() {
		it.level--
		if r := recover(); r != nil {
			f, ok := r.(*vmFault)
			if !ok {
				panic(r)
			}
			var vmErr *VMError
			if errors.As(f.err, &vmErr) {
				err = f.err // raised by a nested execution, already located
			} else {
				err = &VMError{Class: inst.Proto.Name, Offset: ctx.op, Err: f.err}
			}
			res = execDone
		}
	}()

	if ctx.code.Empty() {
		return execDone, nil
	}
	return ctx.run(), nil
}

// ---------------------------------------------------------------------------
// Execution context: per invocation operand stack
// ---------------------------------------------------------------------------

type execContext struct {
	prj   *Project
	it    *Interpreter
	inst  *Instance
	code  *Code
	stack []Value
	pc    int // next byte to decode
	op    int // offset of the instruction being executed
}

func (c *execContext) push(v Value) {
	c.stack = append(c.stack, v)
}

func (c *execContext) pop() Value {
	n := len(c.stack)
	if n == 0 {
		faultf(ErrStackUnderflow, "%s at %d", Opcode(c.code.Bytecode[c.op]), c.op)
	}
	v := c.stack[n-1]
	c.stack = c.stack[:n-1]
	return v
}

func (c *execContext) popKind(k Kind) Value {
	v := c.pop()
	if v.kind != k {
		faultf(ErrStackTypeMismatch, "%s at %d: want %s, got %s", Opcode(c.code.Bytecode[c.op]), c.op, k, v.kind)
	}
	return v
}

func (c *execContext) popFloat() float64 {
	return c.popKind(KindFloat).f
}

func (c *execContext) popInt() int32 {
	return c.popKind(KindInt).i
}

func (c *execContext) popString() string {
	return c.popKind(KindString).s
}

func (c *execContext) top() Value {
	if len(c.stack) == 0 {
		faultf(ErrStackUnderflow, "%s at %d", Opcode(c.code.Bytecode[c.op]), c.op)
	}
	return c.stack[len(c.stack)-1]
}

// operand returns the next n operand bytes and advances past them.
func (c *execContext) operand(n int) []byte {
	bc := c.code.Bytecode
	if c.pc+n > len(bc) {
		faultf(ErrBadOperand, "%s at %d: truncated", Opcode(bc[c.op]), c.op)
	}
	b := bc[c.pc : c.pc+n]
	c.pc += n
	return b
}

func (c *execContext) u16() uint16 {
	return binary.LittleEndian.Uint16(c.operand(2))
}

// slot resolves a class variable operand.
func (c *execContext) slot() slot {
	idx := int(c.u16())
	if idx >= len(c.inst.slots) {
		faultf(ErrBadOperand, "variable %d out of range (%d)", idx, len(c.inst.slots))
	}
	return c.inst.slots[idx]
}

// jump moves pc by a signed offset relative to the end of the operand.
func (c *execContext) jump(offset int16) {
	target := c.pc + int(offset)
	if target < 0 || target > len(c.code.Bytecode) {
		faultf(ErrBadOperand, "jump target %d outside code", target)
	}
	c.pc = target
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

func (c *execContext) run() execResult {
	p := c.prj
	mem := p.mem
	bc := c.code.Bytecode

	for c.pc < len(bc) {
		c.op = c.pc
		op := Opcode(bc[c.pc])
		c.pc++

		switch op {
		// --- Stack operations ---
		case OpNOP:

		case OpPOP:
			c.pop()

		case OpDUP:
			c.push(c.top())

		// --- Push constants ---
		case OpPushFloat:
			c.push(FloatValue(math.Float64frombits(binary.LittleEndian.Uint64(c.operand(8)))))

		case OpPushInt:
			c.push(IntValue(int32(binary.LittleEndian.Uint32(c.operand(4)))))

		case OpPushString:
			idx := int(c.u16())
			if idx >= len(c.code.Strings) {
				faultf(ErrBadOperand, "string literal %d out of range (%d)", idx, len(c.code.Strings))
			}
			c.push(StringValue(c.code.Strings[idx]))

		// --- Variables ---
		case OpPushVar:
			s := c.slot()
			c.push(mem.Read(s.kind, s.index))

		case OpPushOld:
			s := c.slot()
			c.push(mem.ReadOld(s.kind, s.index))

		case OpPushDefault:
			s := c.slot()
			c.push(mem.Default(s.kind, s.index))

		case OpStoreVar:
			s := c.slot()
			mem.Write(s.kind, s.index, c.popKind(s.kind))

		// --- Float arithmetic ---
		case OpAdd:
			b, a := c.popFloat(), c.popFloat()
			c.push(FloatValue(a + b))

		case OpSub:
			b, a := c.popFloat(), c.popFloat()
			c.push(FloatValue(a - b))

		case OpMul:
			b, a := c.popFloat(), c.popFloat()
			c.push(FloatValue(a * b))

		case OpDiv:
			b, a := c.popFloat(), c.popFloat()
			if b == 0 {
				c.push(FloatValue(0))
			} else {
				c.push(FloatValue(a / b))
			}

		case OpMod:
			b, a := c.popFloat(), c.popFloat()
			if b == 0 {
				c.push(FloatValue(0))
			} else {
				c.push(FloatValue(math.Mod(a, b)))
			}

		case OpNeg:
			c.push(FloatValue(-c.popFloat()))

		// --- Float comparison ---
		case OpEQ:
			b, a := c.popFloat(), c.popFloat()
			c.push(BoolValue(a == b))

		case OpNE:
			b, a := c.popFloat(), c.popFloat()
			c.push(BoolValue(a != b))

		case OpLT:
			b, a := c.popFloat(), c.popFloat()
			c.push(BoolValue(a < b))

		case OpGT:
			b, a := c.popFloat(), c.popFloat()
			c.push(BoolValue(a > b))

		case OpLE:
			b, a := c.popFloat(), c.popFloat()
			c.push(BoolValue(a <= b))

		case OpGE:
			b, a := c.popFloat(), c.popFloat()
			c.push(BoolValue(a >= b))

		// --- Integer / handle ---
		case OpIAdd:
			b, a := c.popInt(), c.popInt()
			c.push(IntValue(a + b))

		case OpISub:
			b, a := c.popInt(), c.popInt()
			c.push(IntValue(a - b))

		case OpIAnd:
			b, a := c.popInt(), c.popInt()
			c.push(IntValue(a & b))

		case OpIOr:
			b, a := c.popInt(), c.popInt()
			c.push(IntValue(a | b))

		case OpIEQ:
			b, a := c.popInt(), c.popInt()
			c.push(BoolValue(a == b))

		case OpINE:
			b, a := c.popInt(), c.popInt()
			c.push(BoolValue(a != b))

		// --- Logic ---
		case OpNot:
			c.push(BoolValue(c.popFloat() == 0))

		case OpAnd:
			b, a := c.popFloat(), c.popFloat()
			c.push(BoolValue(a != 0 && b != 0))

		case OpOr:
			b, a := c.popFloat(), c.popFloat()
			c.push(BoolValue(a != 0 || b != 0))

		// --- Conversions ---
		case OpFloatToInt:
			c.push(IntValue(int32(c.popFloat())))

		case OpIntToFloat:
			c.push(FloatValue(float64(c.popInt())))

		case OpFloatToString:
			c.push(StringValue(strconv.FormatFloat(c.popFloat(), 'g', -1, 64)))

		case OpStringToFloat:
			f, err := strconv.ParseFloat(strings.TrimSpace(c.popString()), 64)
			if err != nil {
				f = 0
			}
			c.push(FloatValue(f))

		// --- Strings ---
		case OpConcat:
			b, a := c.popString(), c.popString()
			c.push(StringValue(a + b))

		case OpStrEQ:
			b, a := c.popString(), c.popString()
			c.push(BoolValue(a == b))

		case OpStrLen:
			c.push(FloatValue(float64(utf8.RuneCountInString(c.popString()))))

		// --- Control flow ---
		case OpJump:
			c.jump(int16(c.u16()))

		case OpJumpIfFalse:
			off := int16(c.u16())
			if c.popFloat() == 0 {
				c.jump(off)
			}

		case OpJumpIfTrue:
			off := int16(c.u16())
			if c.popFloat() != 0 {
				c.jump(off)
			}

		case OpReturn:
			return execDone

		// --- System ---
		case OpCloseAll:
			p.closing = true

		case OpGetAsyncKeyState:
			c.push(FloatValue(float64(p.keys.State(int(c.popFloat())))))

		case OpSystem:
			argc := int(c.operand(1)[0])
			for i := 0; i < argc; i++ {
				c.pop()
			}
			c.push(FloatValue(p.systemCommand(int(c.popFloat()))))

		case OpGetClassDir:
			name := c.popString()
			dir := ""
			if proto, ok := p.classes.Prototype(name); ok {
				dir = proto.Dir
			}
			c.push(StringValue(dir))

		case OpAddSlash:
			path := c.popString()
			if !strings.HasSuffix(path, `\`) {
				path += `\`
			}
			c.push(StringValue(path))

		case OpGetProjectDir:
			c.push(StringValue(p.dir))

		case OpSendMessage:
			for _, target := range p.tree.InstancesOf(c.popString()) {
				res, err := c.it.Execute(target)
				if err != nil {
					fault(err)
				}
				if res == execYield {
					return execYield
				}
			}

		// --- Hyper-calls ---
		case OpGetScreenWidth, OpGetScreenHeight, OpOpenSchemeWindow, OpLoadSpaceWindow,
			OpCreateWindowEx, OpCreateDir, OpFileExist, OpCreateStream, OpCloseWindow:
			sig := hyperSignatures[op]
			args := make([]Value, len(sig.args))
			for i := len(sig.args) - 1; i >= 0; i-- {
				args[i] = c.popKind(sig.args[i])
			}
			v, yield := p.hyperCall(callSite{inst: c.inst.ID, offset: c.op}, sig, args)
			if yield {
				return execYield
			}
			c.push(v)

		default:
			fault(&UnknownOpcodeError{Code: byte(op)})
		}
	}
	return execDone
}
