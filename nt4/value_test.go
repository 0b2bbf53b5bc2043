package nt4

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCompareAndSetMonotonic(t *testing.T) {
	store := &ValueStore{}

	_, ok := store.Get()
	assert.Equal(t, false, ok)

	assert.Equal(t, true, store.CompareAndSet(DoubleValue(1.0, 100)))
	value, ok := store.Get()
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(100), value.Timestamp)
	assert.Equal(t, 1.0, value.Double)

	// equal timestamp is stale
	assert.Equal(t, false, store.CompareAndSet(DoubleValue(2.0, 100)))
	// older timestamp is stale
	assert.Equal(t, false, store.CompareAndSet(DoubleValue(2.0, 50)))

	value, _ = store.Get()
	assert.Equal(t, 1.0, value.Double)
	assert.Equal(t, int64(100), value.Timestamp)
	assert.Equal(t, int64(2), store.StaleCount())

	assert.Equal(t, true, store.CompareAndSet(DoubleValue(3.0, 101)))
	value, _ = store.Get()
	assert.Equal(t, 3.0, value.Double)
}

func TestCompareAndSetOutOfOrder(t *testing.T) {
	// frames arriving 200 then 150 keep the 200 value
	store := &ValueStore{}
	assert.Equal(t, true, store.CompareAndSet(IntValue(20, 200)))
	assert.Equal(t, false, store.CompareAndSet(IntValue(15, 150)))
	value, _ := store.Get()
	assert.Equal(t, int64(20), value.Int)
	assert.Equal(t, int64(200), value.Timestamp)
}

func TestValueTypeNames(t *testing.T) {
	for _, valueType := range []ValueType{
		ValueTypeBoolean,
		ValueTypeDouble,
		ValueTypeInt,
		ValueTypeFloat,
		ValueTypeString,
		ValueTypeRaw,
		ValueTypeBooleanArray,
		ValueTypeDoubleArray,
		ValueTypeIntArray,
		ValueTypeFloatArray,
		ValueTypeStringArray,
	} {
		parsed, err := ParseValueType(valueType.String())
		assert.Equal(t, nil, err)
		assert.Equal(t, valueType, parsed)
	}

	_, err := ParseValueType("quaternion")
	assert.NotEqual(t, nil, err)
}

func TestPayloadEqual(t *testing.T) {
	assert.Equal(t, true, BooleanValue(true, 1).PayloadEqual(BooleanValue(true, 2)))
	assert.Equal(t, false, BooleanValue(true, 1).PayloadEqual(BooleanValue(false, 1)))
	assert.Equal(t, false, BooleanValue(true, 1).PayloadEqual(IntValue(1, 1)))
	assert.Equal(t, true, StringArrayValue([]string{"a", "b"}, 0).
		PayloadEqual(StringArrayValue([]string{"a", "b"}, 9)))
	assert.Equal(t, true, RawValue([]byte{}, 0).PayloadEqual(RawValue(nil, 0)))
	assert.Equal(t, true, FloatValue(1.5, 0).PayloadEqual(FloatValue(1.5, 0)))
}
