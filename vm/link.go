package vm

// propagate runs every resolved link once, in declaration order, copying
// the source's new value into the target's new value where they differ.
// Chains and cycles are not iterated to a fixed point: a value travels one
// link per tick unless the links happen to be declared in chain order.
// It returns the number of targets that changed.
func (t *Tree) propagate(mem *Memory) int {
	changed := 0
	for _, l := range t.links {
		if mem.Forward(l.kind, l.src, l.dst) {
			changed++
		}
	}
	return changed
}
