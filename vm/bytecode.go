package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushFloat  Opcode = 0x10 // push inline float64 (8 bytes)
	OpPushInt    Opcode = 0x11 // push inline int32 handle (4 bytes)
	OpPushString Opcode = 0x12 // push string literal (16-bit index)
)

// Variable Operations (16-bit index into the class variable list)
const (
	OpPushVar     Opcode = 0x20 // push new value of a variable
	OpPushOld     Opcode = 0x21 // push committed (old) value of a variable
	OpStoreVar    Opcode = 0x22 // pop and write the new value of a variable
	OpPushDefault Opcode = 0x23 // push declared default of a variable
)

// Float Arithmetic and Comparison
const (
	OpAdd Opcode = 0x30
	OpSub Opcode = 0x31
	OpMul Opcode = 0x32
	OpDiv Opcode = 0x33 // division by zero yields 0
	OpMod Opcode = 0x34 // modulo by zero yields 0
	OpNeg Opcode = 0x35
	OpEQ  Opcode = 0x36 // comparisons push 1 or 0
	OpNE  Opcode = 0x37
	OpLT  Opcode = 0x38
	OpGT  Opcode = 0x39
	OpLE  Opcode = 0x3A
	OpGE  Opcode = 0x3B
)

// Integer / Handle Operations
const (
	OpIAdd Opcode = 0x40
	OpISub Opcode = 0x41
	OpIAnd Opcode = 0x42
	OpIOr  Opcode = 0x43
	OpIEQ  Opcode = 0x44 // push float 1 or 0
	OpINE  Opcode = 0x45
)

// Logic (floats: zero is false)
const (
	OpNot Opcode = 0x48
	OpAnd Opcode = 0x49
	OpOr  Opcode = 0x4A
)

// Conversions. These are the only instructions that coerce between kinds.
const (
	OpFloatToInt    Opcode = 0x50
	OpIntToFloat    Opcode = 0x51
	OpFloatToString Opcode = 0x52
	OpStringToFloat Opcode = 0x53
)

// String Operations
const (
	OpConcat Opcode = 0x58
	OpStrEQ  Opcode = 0x59 // push float 1 or 0
	OpStrLen Opcode = 0x5A // push float length
)

// Control Flow
const (
	OpJump        Opcode = 0x60 // unconditional jump (16-bit offset)
	OpJumpIfFalse Opcode = 0x61 // pop float, jump if zero (16-bit offset)
	OpJumpIfTrue  Opcode = 0x62 // pop float, jump if not zero (16-bit offset)
	OpReturn      Opcode = 0x68 // end execution of this instance
)

// System Operations (handled inside the engine)
const (
	OpCloseAll         Opcode = 0x70 // request project close after the tick
	OpGetAsyncKeyState Opcode = 0x71 // pop float key, push key state
	OpSystem           Opcode = 0x72 // 8-bit parameter count; pop params and command, push float
	OpGetClassDir      Opcode = 0x73 // pop class name, push its directory
	OpAddSlash         Opcode = 0x74 // pop path, push it with a trailing backslash
	OpGetProjectDir    Opcode = 0x75 // push the project directory
	OpSendMessage      Opcode = 0x76 // pop class name, run every instance of it now
)

// Hyper-calls (delegated to the host; may suspend the project)
const (
	OpGetScreenWidth   Opcode = 0x80
	OpGetScreenHeight  Opcode = 0x81
	OpOpenSchemeWindow Opcode = 0x82 // wname, className, attrib -> handle
	OpLoadSpaceWindow  Opcode = 0x83 // wname, fileName, attrib -> handle
	OpCreateWindowEx   Opcode = 0x84 // wname, parent, source, x, y, w, h, attrib -> handle
	OpCreateDir        Opcode = 0x85 // name -> float
	OpFileExist        Opcode = 0x86 // name -> float
	OpCreateStream     Opcode = 0x87 // type, name, flags -> handle
	OpCloseWindow      Opcode = 0x88 // wname -> float
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind describes the inline operand that follows an opcode.
type OperandKind uint8

const (
	OperandNone    OperandKind = iota
	OperandFloat64             // 8 bytes
	OperandInt32               // 4 bytes
	OperandString              // 2 bytes, string literal index
	OperandVar                 // 2 bytes, class variable index
	OperandJump                // 2 bytes, signed offset from the end of the operand
	OperandByte                // 1 byte
)

var operandSizes = [...]int{
	OperandNone:    0,
	OperandFloat64: 8,
	OperandInt32:   4,
	OperandString:  2,
	OperandVar:     2,
	OperandJump:    2,
	OperandByte:    1,
}

// Size returns the number of bytes the operand occupies.
func (k OperandKind) Size() int {
	return operandSizes[k]
}

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string      // human-readable name
	Operand     OperandKind // inline operand layout
	StackEffect int         // net effect on stack (-99 = variable)
}

// OperandBytes returns the number of operand bytes.
func (info OpcodeInfo) OperandBytes() int {
	return info.Operand.Size()
}

const variableEffect = -99

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP: {"NOP", OperandNone, 0},
	OpPOP: {"POP", OperandNone, -1},
	OpDUP: {"DUP", OperandNone, 1},

	OpPushFloat:  {"PUSH_FLOAT", OperandFloat64, 1},
	OpPushInt:    {"PUSH_INT", OperandInt32, 1},
	OpPushString: {"PUSH_STRING", OperandString, 1},

	OpPushVar:     {"PUSH_VAR", OperandVar, 1},
	OpPushOld:     {"PUSH_OLD", OperandVar, 1},
	OpStoreVar:    {"STORE_VAR", OperandVar, -1},
	OpPushDefault: {"PUSH_DEFAULT", OperandVar, 1},

	OpAdd: {"ADD", OperandNone, -1},
	OpSub: {"SUB", OperandNone, -1},
	OpMul: {"MUL", OperandNone, -1},
	OpDiv: {"DIV", OperandNone, -1},
	OpMod: {"MOD", OperandNone, -1},
	OpNeg: {"NEG", OperandNone, 0},
	OpEQ:  {"EQ", OperandNone, -1},
	OpNE:  {"NE", OperandNone, -1},
	OpLT:  {"LT", OperandNone, -1},
	OpGT:  {"GT", OperandNone, -1},
	OpLE:  {"LE", OperandNone, -1},
	OpGE:  {"GE", OperandNone, -1},

	OpIAdd: {"IADD", OperandNone, -1},
	OpISub: {"ISUB", OperandNone, -1},
	OpIAnd: {"IAND", OperandNone, -1},
	OpIOr:  {"IOR", OperandNone, -1},
	OpIEQ:  {"IEQ", OperandNone, -1},
	OpINE:  {"INE", OperandNone, -1},

	OpNot: {"NOT", OperandNone, 0},
	OpAnd: {"AND", OperandNone, -1},
	OpOr:  {"OR", OperandNone, -1},

	OpFloatToInt:    {"FLOAT_TO_INT", OperandNone, 0},
	OpIntToFloat:    {"INT_TO_FLOAT", OperandNone, 0},
	OpFloatToString: {"FLOAT_TO_STRING", OperandNone, 0},
	OpStringToFloat: {"STRING_TO_FLOAT", OperandNone, 0},

	OpConcat: {"CONCAT", OperandNone, -1},
	OpStrEQ:  {"STR_EQ", OperandNone, -1},
	OpStrLen: {"STR_LEN", OperandNone, 0},

	OpJump:        {"JUMP", OperandJump, 0},
	OpJumpIfFalse: {"JUMP_IF_FALSE", OperandJump, -1},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", OperandJump, -1},
	OpReturn:      {"RETURN", OperandNone, 0},

	OpCloseAll:         {"CLOSE_ALL", OperandNone, 0},
	OpGetAsyncKeyState: {"GET_ASYNC_KEY_STATE", OperandNone, 0},
	OpSystem:           {"SYSTEM", OperandByte, variableEffect},
	OpGetClassDir:      {"GET_CLASS_DIR", OperandNone, 0},
	OpAddSlash:         {"ADD_SLASH", OperandNone, 0},
	OpGetProjectDir:    {"GET_PROJECT_DIR", OperandNone, 1},
	OpSendMessage:      {"SEND_MESSAGE", OperandNone, -1},

	OpGetScreenWidth:   {"GET_SCREEN_WIDTH", OperandNone, 1},
	OpGetScreenHeight:  {"GET_SCREEN_HEIGHT", OperandNone, 1},
	OpOpenSchemeWindow: {"OPEN_SCHEME_WINDOW", OperandNone, -2},
	OpLoadSpaceWindow:  {"LOAD_SPACE_WINDOW", OperandNone, -2},
	OpCreateWindowEx:   {"CREATE_WINDOW_EX", OperandNone, -7},
	OpCreateDir:        {"CREATE_DIR", OperandNone, 0},
	OpFileExist:        {"FILE_EXIST", OperandNone, 0},
	OpCreateStream:     {"CREATE_STREAM", OperandNone, -2},
	OpCloseWindow:      {"CLOSE_WINDOW", OperandNone, 0},
}

// opcodesByName is the reverse of opcodeTable, used by assemblers.
var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	return m
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Known reports whether the interpreter implements op.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// LookupOpcode finds an opcode by its mnemonic (case-insensitive).
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[strings.ToUpper(name)]
	return op, ok
}

// ---------------------------------------------------------------------------
// Code: compiled class code
// ---------------------------------------------------------------------------

// Code is the compiled code of one class: instructions plus the string
// literal pool referenced by PUSH_STRING.
type Code struct {
	Bytecode []byte
	Strings  []string
}

// Empty reports whether there is nothing to execute.
func (c *Code) Empty() bool {
	return c == nil || len(c.Bytecode) == 0
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes    []byte
	strings  []string
	interned map[string]uint16
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes:    make([]byte, 0, 64),
		interned: make(map[string]uint16),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Build returns the finished code.
func (b *BytecodeBuilder) Build() *Code {
	return &Code{Bytecode: b.bytes, Strings: b.strings}
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitRaw appends a raw byte to the bytecode.
func (b *BytecodeBuilder) EmitRaw(data byte) {
	b.bytes = append(b.bytes, data)
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(operand))
	b.bytes = append(b.bytes, buf[:]...)
}

// EmitFloat64 appends an opcode with a 64-bit float operand.
func (b *BytecodeBuilder) EmitFloat64(op Opcode, operand float64) {
	b.bytes = append(b.bytes, byte(op))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(operand))
	b.bytes = append(b.bytes, buf[:]...)
}

// PushFloat appends PUSH_FLOAT.
func (b *BytecodeBuilder) PushFloat(f float64) {
	b.EmitFloat64(OpPushFloat, f)
}

// PushInt appends PUSH_INT.
func (b *BytecodeBuilder) PushInt(i int32) {
	b.EmitInt32(OpPushInt, i)
}

// PushString interns s in the literal pool and appends PUSH_STRING.
func (b *BytecodeBuilder) PushString(s string) {
	b.EmitUint16(OpPushString, b.Intern(s))
}

// Intern adds s to the literal pool (once) and returns its index.
func (b *BytecodeBuilder) Intern(s string) uint16 {
	if idx, ok := b.interned[s]; ok {
		return idx
	}
	idx := uint16(len(b.strings))
	b.strings = append(b.strings, s)
	b.interned[s] = idx
	return idx
}

// PushVar appends PUSH_VAR for the class variable at index.
func (b *BytecodeBuilder) PushVar(index int) {
	b.EmitUint16(OpPushVar, uint16(index))
}

// StoreVar appends STORE_VAR for the class variable at index.
func (b *BytecodeBuilder) StoreVar(index int) {
	b.EmitUint16(OpStoreVar, uint16(index))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int   // position to patch (if unresolved) or target (if resolved)
	refs     []int // positions that reference this label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{resolved: false, refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits a jump instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly and code scanning
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction.
type Instruction struct {
	Offset  int
	Op      Opcode
	Operand []byte
}

// Float64 decodes an OperandFloat64.
func (in Instruction) Float64() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(in.Operand))
}

// Int32 decodes an OperandInt32.
func (in Instruction) Int32() int32 {
	return int32(binary.LittleEndian.Uint32(in.Operand))
}

// Uint16 decodes a two-byte operand.
func (in Instruction) Uint16() uint16 {
	return binary.LittleEndian.Uint16(in.Operand)
}

// Target returns the absolute destination of a jump.
func (in Instruction) Target() int {
	return in.Offset + 3 + int(int16(in.Uint16()))
}

// Decode walks bytecode and calls fn for each instruction. It stops at the
// first unknown opcode (its operand size cannot be known) and returns that
// opcode's offset, or -1 when the whole stream decoded.
func Decode(bc []byte, fn func(Instruction) bool) (int, error) {
	pos := 0
	for pos < len(bc) {
		op := Opcode(bc[pos])
		info, ok := opcodeTable[op]
		if !ok {
			return pos, nil
		}
		n := info.OperandBytes()
		if pos+1+n > len(bc) {
			return pos, fmt.Errorf("%s at %d: truncated operand", info.Name, pos)
		}
		if !fn(Instruction{Offset: pos, Op: op, Operand: bc[pos+1 : pos+1+n]}) {
			return -1, nil
		}
		pos += 1 + n
	}
	return -1, nil
}

// Disassemble renders code as a text listing, one instruction per line.
func Disassemble(code *Code) string {
	if code.Empty() {
		return ""
	}
	var sb strings.Builder
	bad, err := Decode(code.Bytecode, func(in Instruction) bool {
		fmt.Fprintf(&sb, "%04d  %s", in.Offset, in.Op.Name())
		switch in.Op.Info().Operand {
		case OperandFloat64:
			fmt.Fprintf(&sb, " %g", in.Float64())
		case OperandInt32:
			fmt.Fprintf(&sb, " %d", in.Int32())
		case OperandString:
			idx := int(in.Uint16())
			if idx < len(code.Strings) {
				fmt.Fprintf(&sb, " %q", code.Strings[idx])
			} else {
				fmt.Fprintf(&sb, " #%d", idx)
			}
		case OperandVar:
			fmt.Fprintf(&sb, " %d", in.Uint16())
		case OperandJump:
			fmt.Fprintf(&sb, " @%d", in.Target())
		case OperandByte:
			fmt.Fprintf(&sb, " %d", in.Operand[0])
		}
		sb.WriteByte('\n')
		return true
	})
	if err != nil {
		fmt.Fprintf(&sb, "; %v\n", err)
	} else if bad >= 0 {
		fmt.Fprintf(&sb, "%04d  %s\n", bad, Opcode(code.Bytecode[bad]).Name())
	}
	return sb.String()
}
