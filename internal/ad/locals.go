package ad

import (
	"sort"

	"github.com/floretta/floretta/internal/wasm"
)

// typeCounts holds one counter per numeric type. It serves both as a stack
// height broken down by type and as a per-type multiplier table.
type typeCounts struct {
	i32, i64, f32, f64 uint32
}

func (c *typeCounts) counter(t wasm.ValueType) *uint32 {
	switch t {
	case wasm.ValueTypeI32:
		return &c.i32
	case wasm.ValueTypeI64:
		return &c.i64
	case wasm.ValueTypeF32:
		return &c.f32
	default:
		return &c.f64
	}
}

func (c *typeCounts) push(t wasm.ValueType) {
	*c.counter(t)++
}

func (c *typeCounts) pop(t wasm.ValueType) {
	*c.counter(t)--
}

func (c typeCounts) get(t wasm.ValueType) uint32 {
	return *c.counter(t)
}

func (c typeCounts) sum() uint32 {
	return c.i32 + c.i64 + c.f32 + c.f64
}

func (c *typeCounts) takeMax(o typeCounts) {
	if o.i32 > c.i32 {
		c.i32 = o.i32
	}
	if o.i64 > c.i64 {
		c.i64 = o.i64
	}
	if o.f32 > c.f32 {
		c.f32 = o.f32
	}
	if o.f64 > c.f64 {
		c.f64 = o.f64
	}
}

func (c typeCounts) minus(o typeCounts) typeCounts {
	return typeCounts{
		i32: c.i32 - o.i32,
		i64: c.i64 - o.i64,
		f32: c.f32 - o.f32,
		f64: c.f64 - o.f64,
	}
}

// localEntry is a run of locals sharing one type, as the binary format
// declares them.
type localEntry struct {
	count uint32
	typ   wasm.ValueType
}

// localMap maps local indices in a source function to local indices in a
// transformed function, where each source local of a given type expands to a
// constant number of locals (its multiplier). A multiplier of zero means
// locals of that type have no counterpart, as integer locals have no shadow.
type localMap struct {
	mult typeCounts

	// ends holds, per declared entry, the first index past that entry in the
	// source and in the transformed function.
	ends [][2]uint32

	types []wasm.ValueType
}

func newLocalMap(mult typeCounts) *localMap {
	return &localMap{mult: mult}
}

func (m *localMap) push(count uint32, t wasm.ValueType) {
	var k, v uint32
	if n := len(m.ends); n > 0 {
		k, v = m.ends[n-1][0], m.ends[n-1][1]
	}
	m.ends = append(m.ends, [2]uint32{k + count, v + m.mult.get(t)*count})
	m.types = append(m.types, t)
}

// sourceCount returns the number of locals in the source function.
func (m *localMap) sourceCount() uint32 {
	if n := len(m.ends); n > 0 {
		return m.ends[n-1][0]
	}
	return 0
}

// mappedCount returns the number of locals in the transformed function.
func (m *localMap) mappedCount() uint32 {
	if n := len(m.ends); n > 0 {
		return m.ends[n-1][1]
	}
	return 0
}

// get returns the type of the source local at index, and its first mapped
// index when its type has a nonzero multiplier.
func (m *localMap) get(index uint32) (wasm.ValueType, uint32, bool) {
	i := sort.Search(len(m.ends), func(i int) bool { return m.ends[i][0] > index })
	t := m.types[i]
	var k, v uint32
	if i > 0 {
		k, v = m.ends[i-1][0], m.ends[i-1][1]
	}
	mult := m.mult.get(t)
	if mult == 0 {
		return t, 0, false
	}
	return t, v + mult*(index-k), true
}

// sourceEntries returns the declared entries of the source side.
func (m *localMap) sourceEntries() (entries []localEntry) {
	var start uint32
	for i, end := range m.ends {
		entries = append(entries, localEntry{count: end[0] - start, typ: m.types[i]})
		start = end[0]
	}
	return
}

// mappedEntries returns the declared entries of the transformed side.
func (m *localMap) mappedEntries() (entries []localEntry) {
	var start uint32
	for i, end := range m.ends {
		entries = append(entries, localEntry{count: end[1] - start, typ: m.types[i]})
		start = end[1]
	}
	return
}

// localDecls accumulates local declarations for a synthesized function whose
// parameter count is already fixed.
type localDecls struct {
	params  uint32
	count   uint32
	entries []localEntry
}

func newLocalDecls(params uint32) *localDecls {
	return &localDecls{params: params, count: params}
}

func (l *localDecls) push(count uint32, t wasm.ValueType) {
	if count == 0 {
		return
	}
	l.entries = append(l.entries, localEntry{count: count, typ: t})
	l.count += count
}

// one declares a single local and returns its index.
func (l *localDecls) one(t wasm.ValueType) uint32 {
	i := l.count
	l.push(1, t)
	return i
}

// flatten expands the declared entries to one type per local, the shape
// wasm.Code wants.
func flatten(entries []localEntry) (types []wasm.ValueType) {
	for _, e := range entries {
		for i := uint32(0); i < e.count; i++ {
			types = append(types, e.typ)
		}
	}
	return
}
