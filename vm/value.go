package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the storage class of a value. Every variable, stack slot and
// hyper-call result is exactly one kind.
type Kind uint8

const (
	KindFloat  Kind = iota // double precision number
	KindInt                // 32-bit integer / handle / color reference
	KindString             // string
)

var kindNames = [...]string{
	KindFloat:  "float",
	KindInt:    "handle",
	KindString: "string",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a tagged value held on the operand stack or in variable memory.
// The zero Value is the float 0.
type Value struct {
	kind Kind
	f    float64
	i    int32
	s    string
}

// FloatValue returns a number value.
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }

// IntValue returns a handle/integer value.
func IntValue(i int32) Value { return Value{kind: KindInt, i: i} }

// StringValue returns a string value.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// BoolValue returns the float 1 or 0, the way the bytecode represents truth.
func BoolValue(b bool) Value {
	if b {
		return FloatValue(1)
	}
	return FloatValue(0)
}

// Zero returns the neutral value of a kind. It is also the failure sentinel
// returned by hyper-calls that could not be performed.
func Zero(k Kind) Value {
	return Value{kind: k}
}

// Kind returns the value's storage class.
func (v Value) Kind() Kind { return v.kind }

// Float returns the number payload. Only meaningful for KindFloat.
func (v Value) Float() float64 { return v.f }

// Int returns the integer payload. Only meaningful for KindInt.
func (v Value) Int() int32 { return v.i }

// Str returns the string payload. Only meaningful for KindString.
func (v Value) Str() string { return v.s }

// IsZero reports whether v is the neutral value of its kind.
func (v Value) IsZero() bool {
	switch v.kind {
	case KindFloat:
		return v.f == 0
	case KindInt:
		return v.i == 0
	default:
		return v.s == ""
	}
}

// Format renders the payload without a kind prefix. It is the inverse of
// ParseValue and is used for variable-set snapshots.
func (v Value) Format() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindInt:
		return strconv.FormatInt(int64(v.i), 10)
	default:
		return v.s
	}
}

// String implements the Stringer interface.
func (v Value) String() string {
	if v.kind == KindString {
		return strconv.Quote(v.s)
	}
	return v.Format()
}

// ParseValue converts the textual form used by variable declarations and
// variable sets into a value of kind k. Numbers accept a trailing
// fractional part for handles, which is truncated.
func ParseValue(k Kind, s string) (Value, error) {
	switch k {
	case KindFloat:
		t := strings.TrimSpace(s)
		if t == "" {
			return Zero(KindFloat), nil
		}
		f, err := strconv.ParseFloat(strings.Replace(t, ",", ".", 1), 64)
		if err != nil {
			return Zero(KindFloat), fmt.Errorf("parse float %q: %w", s, err)
		}
		return FloatValue(f), nil
	case KindInt:
		t := strings.TrimSpace(s)
		if t == "" {
			return Zero(KindInt), nil
		}
		if n, err := strconv.ParseInt(t, 0, 64); err == nil {
			return IntValue(int32(n)), nil
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return Zero(KindInt), fmt.Errorf("parse handle %q: %w", s, err)
		}
		return IntValue(int32(f)), nil
	case KindString:
		return StringValue(s), nil
	}
	return Value{}, fmt.Errorf("parse %q: unknown kind %d", s, k)
}

// ---------------------------------------------------------------------------
// Variable types
// ---------------------------------------------------------------------------

// VarType is the declared type of a class variable. Several declared types
// share one storage kind.
type VarType uint8

const (
	TypeFloat VarType = iota
	TypeHandle
	TypeColorRef
	TypeString
)

var varTypeNames = [...]string{
	TypeFloat:    "FLOAT",
	TypeHandle:   "HANDLE",
	TypeColorRef: "COLORREF",
	TypeString:   "STRING",
}

// Kind returns the storage kind for the declared type.
func (t VarType) Kind() Kind {
	switch t {
	case TypeHandle, TypeColorRef:
		return KindInt
	case TypeString:
		return KindString
	default:
		return KindFloat
	}
}

func (t VarType) String() string {
	if int(t) < len(varTypeNames) {
		return varTypeNames[t]
	}
	return fmt.Sprintf("VarType(%d)", uint8(t))
}

// ParseVarType accepts the type names used in class declarations.
func ParseVarType(s string) (VarType, error) {
	for t, name := range varTypeNames {
		if strings.EqualFold(s, name) {
			return VarType(t), nil
		}
	}
	return TypeFloat, fmt.Errorf("unknown variable type %q", s)
}
