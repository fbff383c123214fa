package vm

import "fmt"

// ---------------------------------------------------------------------------
// Memory: double-buffered variable storage shared by all instances
// ---------------------------------------------------------------------------

// bank holds one kind's old/new/default arrays. The three slices always
// have the same length and index space.
type bank[T comparable] struct {
	old []T
	new []T
	def []T
}

func (b *bank[T]) allocate(count int) int {
	base := len(b.new)
	var zero T
	for i := 0; i < count; i++ {
		b.old = append(b.old, zero)
		b.new = append(b.new, zero)
		b.def = append(b.def, zero)
	}
	return base
}

func (b *bank[T]) commit() {
	copy(b.old, b.new)
}

func (b *bank[T]) applyDefaults() {
	copy(b.new, b.def)
	copy(b.old, b.def)
}

func (b *bank[T]) inSync() bool {
	for i := range b.new {
		if b.old[i] != b.new[i] {
			return false
		}
	}
	return true
}

// forward copies new[src] into new[dst] when they differ.
func (b *bank[T]) forward(src, dst int) bool {
	if b.new[dst] == b.new[src] {
		return false
	}
	b.new[dst] = b.new[src]
	return true
}

// Memory is the variable memory of one project. Variables are addressed by
// kind and a flat index; instances only hold the indices of their slots.
//
// The "old" buffer is the committed state as of the start of the current
// tick. Reads made by executing code see the "new" buffer, so instances
// that run later in a tick observe writes made earlier in the same tick.
type Memory struct {
	floats  bank[float64]
	ints    bank[int32]
	strings bank[string]
}

// NewMemory creates an empty memory.
func NewMemory() *Memory {
	return &Memory{}
}

// Allocate reserves count consecutive slots of kind k and returns the base
// index. Indices are never reused during the memory's lifetime.
func (m *Memory) Allocate(k Kind, count int) int {
	switch k {
	case KindFloat:
		return m.floats.allocate(count)
	case KindInt:
		return m.ints.allocate(count)
	case KindString:
		return m.strings.allocate(count)
	}
	panic(fmt.Sprintf("Memory.Allocate: unknown kind %d", k))
}

// Len returns the number of slots of kind k.
func (m *Memory) Len(k Kind) int {
	switch k {
	case KindFloat:
		return len(m.floats.new)
	case KindInt:
		return len(m.ints.new)
	case KindString:
		return len(m.strings.new)
	}
	return 0
}

// Read returns the new value of a slot.
func (m *Memory) Read(k Kind, index int) Value {
	switch k {
	case KindFloat:
		return FloatValue(m.floats.new[index])
	case KindInt:
		return IntValue(m.ints.new[index])
	default:
		return StringValue(m.strings.new[index])
	}
}

// ReadOld returns the committed value of a slot.
func (m *Memory) ReadOld(k Kind, index int) Value {
	switch k {
	case KindFloat:
		return FloatValue(m.floats.old[index])
	case KindInt:
		return IntValue(m.ints.old[index])
	default:
		return StringValue(m.strings.old[index])
	}
}

// Default returns the declared default of a slot.
func (m *Memory) Default(k Kind, index int) Value {
	switch k {
	case KindFloat:
		return FloatValue(m.floats.def[index])
	case KindInt:
		return IntValue(m.ints.def[index])
	default:
		return StringValue(m.strings.def[index])
	}
}

// Write updates the new value of a slot. v must be of kind k.
func (m *Memory) Write(k Kind, index int, v Value) {
	if v.kind != k {
		panic(fmt.Sprintf("Memory.Write: %s value into %s slot", v.kind, k))
	}
	switch k {
	case KindFloat:
		m.floats.new[index] = v.f
	case KindInt:
		m.ints.new[index] = v.i
	default:
		m.strings.new[index] = v.s
	}
}

// WriteBoth sets old and new together. Used only while a project is being
// set up, before the first tick.
func (m *Memory) WriteBoth(k Kind, index int, v Value) {
	m.Write(k, index, v)
	switch k {
	case KindFloat:
		m.floats.old[index] = v.f
	case KindInt:
		m.ints.old[index] = v.i
	default:
		m.strings.old[index] = v.s
	}
}

// SetDefault records the declared default of a slot.
func (m *Memory) SetDefault(k Kind, index int, v Value) {
	if v.kind != k {
		panic(fmt.Sprintf("Memory.SetDefault: %s value into %s slot", v.kind, k))
	}
	switch k {
	case KindFloat:
		m.floats.def[index] = v.f
	case KindInt:
		m.ints.def[index] = v.i
	default:
		m.strings.def[index] = v.s
	}
}

// ApplyDefaults sets new = old = default for every slot.
func (m *Memory) ApplyDefaults() {
	m.floats.applyDefaults()
	m.ints.applyDefaults()
	m.strings.applyDefaults()
}

// Forward copies the new value of src into the new value of dst when they
// differ and reports whether anything changed.
func (m *Memory) Forward(k Kind, src, dst int) bool {
	switch k {
	case KindFloat:
		return m.floats.forward(src, dst)
	case KindInt:
		return m.ints.forward(src, dst)
	default:
		return m.strings.forward(src, dst)
	}
}

// Commit copies new into old for every slot. Called once per tick, after
// link propagation.
func (m *Memory) Commit() {
	m.floats.commit()
	m.ints.commit()
	m.strings.commit()
}

// InSync reports whether old and new are identical for every slot.
func (m *Memory) InSync() bool {
	return m.floats.inSync() && m.ints.inSync() && m.strings.inSync()
}
