package nt4

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// wire type tags for binary value frames
type ValueType int

const (
	ValueTypeBoolean      ValueType = 0
	ValueTypeDouble       ValueType = 1
	ValueTypeInt          ValueType = 2
	ValueTypeFloat        ValueType = 3
	ValueTypeString       ValueType = 4
	ValueTypeRaw          ValueType = 5
	ValueTypeBooleanArray ValueType = 16
	ValueTypeDoubleArray  ValueType = 17
	ValueTypeIntArray     ValueType = 18
	ValueTypeFloatArray   ValueType = 19
	ValueTypeStringArray  ValueType = 20
)

var valueTypeNames = map[ValueType]string{
	ValueTypeBoolean:      "boolean",
	ValueTypeDouble:       "double",
	ValueTypeInt:          "int",
	ValueTypeFloat:        "float",
	ValueTypeString:       "string",
	ValueTypeRaw:          "raw",
	ValueTypeBooleanArray: "boolean[]",
	ValueTypeDoubleArray:  "double[]",
	ValueTypeIntArray:     "int[]",
	ValueTypeFloatArray:   "float[]",
	ValueTypeStringArray:  "string[]",
}

var valueTypesByName = func() map[string]ValueType {
	byName := map[string]ValueType{}
	for valueType, name := range valueTypeNames {
		byName[name] = valueType
	}
	return byName
}()

func (self ValueType) String() string {
	if name, ok := valueTypeNames[self]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(self))
}

func ParseValueType(name string) (ValueType, error) {
	if valueType, ok := valueTypesByName[name]; ok {
		return valueType, nil
	}
	return 0, fmt.Errorf("Unknown value type: %s", name)
}

// a closed union over the supported payload kinds.
// exactly one payload field is meaningful, selected by `Type`.
// `Timestamp` is microseconds of the sender's server-adjusted clock.
type Value struct {
	Type      ValueType
	Timestamp int64

	Bool    bool
	Double  float64
	Int     int64
	Str     string
	Raw     []byte
	Bools   []bool
	Doubles []float64
	Ints    []int64
	Strs    []string
}

func BooleanValue(v bool, timestamp int64) Value {
	return Value{Type: ValueTypeBoolean, Timestamp: timestamp, Bool: v}
}

func DoubleValue(v float64, timestamp int64) Value {
	return Value{Type: ValueTypeDouble, Timestamp: timestamp, Double: v}
}

func IntValue(v int64, timestamp int64) Value {
	return Value{Type: ValueTypeInt, Timestamp: timestamp, Int: v}
}

// stored at float32 precision so that the wire round trip is exact
func FloatValue(v float32, timestamp int64) Value {
	return Value{Type: ValueTypeFloat, Timestamp: timestamp, Double: float64(v)}
}

func StringValue(v string, timestamp int64) Value {
	return Value{Type: ValueTypeString, Timestamp: timestamp, Str: v}
}

func RawValue(v []byte, timestamp int64) Value {
	return Value{Type: ValueTypeRaw, Timestamp: timestamp, Raw: v}
}

func BooleanArrayValue(v []bool, timestamp int64) Value {
	return Value{Type: ValueTypeBooleanArray, Timestamp: timestamp, Bools: v}
}

func DoubleArrayValue(v []float64, timestamp int64) Value {
	return Value{Type: ValueTypeDoubleArray, Timestamp: timestamp, Doubles: v}
}

func IntArrayValue(v []int64, timestamp int64) Value {
	return Value{Type: ValueTypeIntArray, Timestamp: timestamp, Ints: v}
}

func FloatArrayValue(v []float32, timestamp int64) Value {
	doubles := make([]float64, len(v))
	for i, f := range v {
		doubles[i] = float64(f)
	}
	return Value{Type: ValueTypeFloatArray, Timestamp: timestamp, Doubles: doubles}
}

func StringArrayValue(v []string, timestamp int64) Value {
	return Value{Type: ValueTypeStringArray, Timestamp: timestamp, Strs: v}
}

func (self Value) PayloadEqual(other Value) bool {
	if self.Type != other.Type {
		return false
	}
	switch self.Type {
	case ValueTypeBoolean:
		return self.Bool == other.Bool
	case ValueTypeDouble, ValueTypeFloat:
		return self.Double == other.Double
	case ValueTypeInt:
		return self.Int == other.Int
	case ValueTypeString:
		return self.Str == other.Str
	case ValueTypeRaw:
		return slices.Equal(self.Raw, other.Raw)
	case ValueTypeBooleanArray:
		return slices.Equal(self.Bools, other.Bools)
	case ValueTypeDoubleArray, ValueTypeFloatArray:
		return slices.Equal(self.Doubles, other.Doubles)
	case ValueTypeIntArray:
		return slices.Equal(self.Ints, other.Ints)
	case ValueTypeStringArray:
		return slices.Equal(self.Strs, other.Strs)
	default:
		return false
	}
}

// the single site that enforces last-write-wins by timestamp.
// not safe for concurrent use. callers synchronize.
type ValueStore struct {
	value Value
	set   bool

	// stale updates are dropped, not errors. counted for diagnostics.
	staleCount int64
}

// rejects any update whose timestamp is not strictly newer than the stored one
func (self *ValueStore) CompareAndSet(value Value) bool {
	if self.set && value.Timestamp <= self.value.Timestamp {
		self.staleCount += 1
		return false
	}
	self.value = value
	self.set = true
	return true
}

func (self *ValueStore) Get() (Value, bool) {
	return self.value, self.set
}

func (self *ValueStore) StaleCount() int64 {
	return self.staleCount
}
