package mapping

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gopcua/opcua/ua"
)

// ValueType is the built-in address space type of a mapped node.
type ValueType byte

const (
	ValueTypeNone ValueType = iota
	ValueTypeBoolean
	ValueTypeSByte
	ValueTypeByte
	ValueTypeInt16
	ValueTypeUInt16
	ValueTypeInt32
	ValueTypeUInt32
	ValueTypeInt64
	ValueTypeUInt64
	ValueTypeFloat
	ValueTypeDouble
	ValueTypeString
	ValueTypeDateTime
)

var valueTypes = [...]struct {
	name   string
	typeID ua.TypeID
	bits   int
	zero   any
}{
	ValueTypeNone:     {"none", ua.TypeIDNull, 0, nil},
	ValueTypeBoolean:  {"boolean", ua.TypeIDBoolean, 0, false},
	ValueTypeSByte:    {"sbyte", ua.TypeIDSByte, 8, int8(0)},
	ValueTypeByte:     {"byte", ua.TypeIDByte, 8, uint8(0)},
	ValueTypeInt16:    {"int16", ua.TypeIDInt16, 16, int16(0)},
	ValueTypeUInt16:   {"uint16", ua.TypeIDUint16, 16, uint16(0)},
	ValueTypeInt32:    {"int32", ua.TypeIDInt32, 32, int32(0)},
	ValueTypeUInt32:   {"uint32", ua.TypeIDUint32, 32, uint32(0)},
	ValueTypeInt64:    {"int64", ua.TypeIDInt64, 64, int64(0)},
	ValueTypeUInt64:   {"uint64", ua.TypeIDUint64, 64, uint64(0)},
	ValueTypeFloat:    {"float", ua.TypeIDFloat, 0, float32(0)},
	ValueTypeDouble:   {"double", ua.TypeIDDouble, 0, float64(0)},
	ValueTypeString:   {"string", ua.TypeIDString, 0, ""},
	ValueTypeDateTime: {"datetime", ua.TypeIDDateTime, 0, time.Time{}},
}

var valueTypeAliases = map[string]ValueType{
	"bool":      ValueTypeBoolean,
	"int8":      ValueTypeSByte,
	"uint8":     ValueTypeByte,
	"float32":   ValueTypeFloat,
	"float64":   ValueTypeDouble,
	"date_time": ValueTypeDateTime,
}

func (t ValueType) valid() bool {
	return int(t) < len(valueTypes)
}

func (t ValueType) String() string {
	if !t.valid() {
		return fmt.Sprintf("type(%d)", byte(t))
	}
	return valueTypes[t].name
}

// TypeID is the OPC UA built-in type id of the node.
func (t ValueType) TypeID() ua.TypeID {
	if !t.valid() {
		return ua.TypeIDNull
	}
	return valueTypes[t].typeID
}

// ValueTypeFor is the inverse of TypeID, unknown ids give ValueTypeNone.
func ValueTypeFor(id ua.TypeID) ValueType {
	for i, v := range valueTypes {
		if v.typeID == id {
			return ValueType(i)
		}
	}
	return ValueTypeNone
}

func (t ValueType) signed() bool {
	switch t {
	case ValueTypeSByte, ValueTypeInt16, ValueTypeInt32, ValueTypeInt64:
		return true
	}
	return false
}

func (t ValueType) unsigned() bool {
	switch t {
	case ValueTypeByte, ValueTypeUInt16, ValueTypeUInt32, ValueTypeUInt64:
		return true
	}
	return false
}

// ParseValueType accepts the type names case-insensitively, empty is ValueTypeNone.
func ParseValueType(s string) (ValueType, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	if n == "" {
		return ValueTypeNone, nil
	}
	if t, ok := valueTypeAliases[n]; ok {
		return t, nil
	}
	for i, v := range valueTypes {
		if i != int(ValueTypeNone) && v.name == n {
			return ValueType(i), nil
		}
	}
	return ValueTypeNone, fmt.Errorf("unknown value type %q", s)
}

func (t ValueType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ValueType) UnmarshalText(b []byte) error {
	v, err := ParseValueType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// DefaultValue is the value a node of type t starts with when nothing was configured.
func DefaultValue(t ValueType) any {
	if !t.valid() {
		return nil
	}
	return valueTypes[t].zero
}

// Coerce converts v into the go representation of t: bool, int8..uint64,
// float32, float64, string or time.Time.
func Coerce(v any, t ValueType) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("no value to convert to %v", t)
	}
	if n, ok := v.(json.Number); ok {
		v = n.String()
	}
	switch {
	case t == ValueTypeNone:
		return v, nil
	case t == ValueTypeBoolean:
		return tobool(v)
	case t == ValueTypeString:
		return tostring(v)
	case t == ValueTypeDateTime:
		return totime(v)
	case t == ValueTypeFloat:
		f, err := tofloat(v)
		if err != nil {
			return nil, err
		}
		if math.Abs(f) > math.MaxFloat32 && !math.IsInf(f, 0) {
			return nil, fmt.Errorf("%v out of float range", f)
		}
		return float32(f), nil
	case t == ValueTypeDouble:
		return tofloat(v)
	case t.signed():
		i, err := toint(v, valueTypes[t].bits)
		if err != nil {
			return nil, err
		}
		switch t {
		case ValueTypeSByte:
			return int8(i), nil
		case ValueTypeInt16:
			return int16(i), nil
		case ValueTypeInt32:
			return int32(i), nil
		}
		return i, nil
	case t.unsigned():
		u, err := touint(v, valueTypes[t].bits)
		if err != nil {
			return nil, err
		}
		switch t {
		case ValueTypeByte:
			return uint8(u), nil
		case ValueTypeUInt16:
			return uint16(u), nil
		case ValueTypeUInt32:
			return uint32(u), nil
		}
		return u, nil
	}
	return nil, fmt.Errorf("unsupported value type %v", t)
}

func tobool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt():
		return rv.Int() != 0, nil
	case rv.CanUint():
		return rv.Uint() != 0, nil
	case rv.CanFloat():
		return rv.Float() != 0, nil
	}
	return false, fmt.Errorf("cannot convert %T to boolean", v)
}

func tostring(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	}
	return fmt.Sprint(v), nil
}

func totime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to datetime", v)
}

func tofloat(v any) (float64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanFloat():
		return rv.Float(), nil
	case rv.CanInt():
		return float64(rv.Int()), nil
	case rv.CanUint():
		return float64(rv.Uint()), nil
	}
	return 0, fmt.Errorf("cannot convert %T to a number", v)
}

func toint(v any, bits int) (int64, error) {
	var i int64
	switch x := v.(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, bits)
		if err != nil {
			return 0, err
		}
		return n, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt():
		i = rv.Int()
	case rv.CanUint():
		if rv.Uint() > math.MaxInt64 {
			return 0, fmt.Errorf("%d out of int%d range", rv.Uint(), bits)
		}
		i = int64(rv.Uint())
	case rv.CanFloat():
		f := rv.Float()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, fmt.Errorf("%v is not an int%d", f, bits)
		}
		i = int64(f)
	default:
		return 0, fmt.Errorf("cannot convert %T to int%d", v, bits)
	}
	if bits < 64 {
		lim := int64(1) << (bits - 1)
		if i < -lim || i >= lim {
			return 0, fmt.Errorf("%d out of int%d range", i, bits)
		}
	}
	return i, nil
}

func touint(v any, bits int) (uint64, error) {
	var u uint64
	switch x := v.(type) {
	case string:
		return strconv.ParseUint(strings.TrimSpace(x), 10, bits)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanUint():
		u = rv.Uint()
	case rv.CanInt():
		if rv.Int() < 0 {
			return 0, fmt.Errorf("%d out of uint%d range", rv.Int(), bits)
		}
		u = uint64(rv.Int())
	case rv.CanFloat():
		f := rv.Float()
		if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
			return 0, fmt.Errorf("%v is not a uint%d", f, bits)
		}
		u = uint64(f)
	default:
		return 0, fmt.Errorf("cannot convert %T to uint%d", v, bits)
	}
	if bits < 64 && u >= uint64(1)<<bits {
		return 0, fmt.Errorf("%d out of uint%d range", u, bits)
	}
	return u, nil
}
