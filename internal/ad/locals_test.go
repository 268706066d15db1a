package ad

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floretta/floretta/internal/wasm"
)

func TestLocalMap_ShadowMultipliers(t *testing.T) {
	locals := newLocalMap(shadowMult())
	locals.push(1, wasm.ValueTypeI32)
	locals.push(1, wasm.ValueTypeF64)

	ty, _, ok := locals.get(0)
	require.Equal(t, wasm.ValueTypeI32, ty)
	require.False(t, ok)

	ty, mapped, ok := locals.get(1)
	require.Equal(t, wasm.ValueTypeF64, ty)
	require.True(t, ok)
	require.Equal(t, uint32(0), mapped)

	require.Equal(t, uint32(2), locals.sourceCount())
	require.Equal(t, uint32(1), locals.mappedCount())
}

func TestLocalMap_EmptyEntries(t *testing.T) {
	locals := newLocalMap(typeCounts{i32: 1, i64: 1, f32: 1, f64: 1})
	locals.push(1, wasm.ValueTypeI32)
	locals.push(0, wasm.ValueTypeI64)
	locals.push(0, wasm.ValueTypeF32)
	locals.push(1, wasm.ValueTypeF64)

	ty, mapped, ok := locals.get(0)
	require.Equal(t, wasm.ValueTypeI32, ty)
	require.True(t, ok)
	require.Equal(t, uint32(0), mapped)

	ty, mapped, ok = locals.get(1)
	require.Equal(t, wasm.ValueTypeF64, ty)
	require.True(t, ok)
	require.Equal(t, uint32(1), mapped)
}

func TestLocalMap_MultipleSlots(t *testing.T) {
	mult := typeCounts{i32: 2, i64: 1, f32: 1, f64: 1}
	locals := newLocalMap(mult)
	locals.push(3, wasm.ValueTypeF64)
	locals.push(5, wasm.ValueTypeI32)

	for i, expected := range []uint32{0, 1, 2} {
		_, mapped, ok := locals.get(uint32(i))
		require.True(t, ok)
		require.Equal(t, expected, mapped)
	}
	for i, expected := range []uint32{3, 5, 7, 9, 11} {
		_, mapped, ok := locals.get(uint32(3 + i))
		require.True(t, ok)
		require.Equal(t, expected, mapped)
	}
}

func TestLocalMap_DualMultipliers(t *testing.T) {
	locals := newLocalMap(typeCounts{i32: 1, i64: 1, f32: 2, f64: 2})
	locals.push(1, wasm.ValueTypeI32)
	locals.push(2, wasm.ValueTypeF64)
	locals.push(1, wasm.ValueTypeI64)

	_, mapped, _ := locals.get(1)
	require.Equal(t, uint32(1), mapped)
	_, mapped, _ = locals.get(2)
	require.Equal(t, uint32(3), mapped)
	_, mapped, _ = locals.get(3)
	require.Equal(t, uint32(5), mapped)

	require.Equal(t, []localEntry{
		{count: 1, typ: wasm.ValueTypeI32},
		{count: 4, typ: wasm.ValueTypeF64},
		{count: 1, typ: wasm.ValueTypeI64},
	}, locals.mappedEntries())
}

func TestTypeCounts(t *testing.T) {
	var c typeCounts
	c.push(wasm.ValueTypeF64)
	c.push(wasm.ValueTypeF64)
	c.push(wasm.ValueTypeI32)
	require.Equal(t, uint32(3), c.sum())
	c.pop(wasm.ValueTypeF64)
	require.Equal(t, uint32(1), c.get(wasm.ValueTypeF64))

	max := typeCounts{f32: 5}
	max.takeMax(c)
	require.Equal(t, typeCounts{i32: 1, f32: 5, f64: 1}, max)

	require.Equal(t, typeCounts{f32: 5}, max.minus(c))
}

func TestLocalDecls(t *testing.T) {
	d := newLocalDecls(2)
	require.Equal(t, uint32(2), d.one(wasm.ValueTypeF64))
	d.push(0, wasm.ValueTypeF32)
	require.Equal(t, uint32(3), d.one(wasm.ValueTypeI32))
	require.Equal(t, []wasm.ValueType{wasm.ValueTypeF64, wasm.ValueTypeI32}, flatten(d.entries))
}
