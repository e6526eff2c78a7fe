package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// KeySeparator defines the delimiter used between key segments in the
// human readable form of a Key.
const KeySeparator = "::"

// segmentEncoder reduces arbitrary values to key segments.
// Primitive values keep their type (normalised to int64/uint64/float64/string/bool/nil)
// so structural equality works; composite values are flattened into a
// deterministic string form.
type segmentEncoder struct{}

var encoder segmentEncoder

// normalize returns the comparable representation of v used as a key segment.
func (s segmentEncoder) normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case bool:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return s.fromUint(uint64(t))
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return s.fromUint(t)
	case float32:
		return s.fromFloat(float64(t))
	case float64:
		return s.fromFloat(t)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return s.normalize(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return s.fromUint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return s.fromFloat(rv.Float())
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}

	// decimal.Decimal, time.Time and friends carry their identity in String()
	if str, ok := v.(fmt.Stringer); ok {
		return str.String()
	}

	return s.encode(v)
}

func (s segmentEncoder) fromUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

func (s segmentEncoder) fromFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 0):
		return fmt.Sprintf("%v", f)
	case f == math.Trunc(f) && math.Abs(f) < 1<<63:
		return int64(f)
	}
	return f
}

// format renders an already normalised segment for display.
func (s segmentEncoder) format(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%v", v)
}

// encode handles composite values: pointers, slices, arrays, maps and structs.
func (s segmentEncoder) encode(v any) string {
	if v == nil {
		return "nil"
	}

	rv := reflect.ValueOf(v)
	rt := rv.Type()

	switch rt.Kind() {
	case reflect.Func:
		return fmt.Sprintf("func:%p", v)
	case reflect.Chan:
		return fmt.Sprintf("chan:%p", v)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return s.encode(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil"
		}
		return "slice" + s.encodeList(rv)
	case reflect.Array:
		return "array" + s.encodeList(rv)
	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return s.encodeMap(rv)
	case reflect.Struct:
		return s.encodeStruct(rv, rt)
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return s.format(s.normalize(v))
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "fallback:" + rt.String()
	}
	return "json:" + string(data)
}

func (s segmentEncoder) encodeList(rv reflect.Value) string {
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = s.encode(rv.Index(i).Interface())
	}
	return fmt.Sprintf("[%d]:{%s}", len(parts), strings.Join(parts, ","))
}

// encodeMap sorts entries by their encoded key so map iteration order never
// leaks into the key.
func (s segmentEncoder) encodeMap(rv reflect.Value) string {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, s.encode(iter.Key().Interface())+"="+s.encode(iter.Value().Interface()))
	}
	sort.Strings(pairs)
	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ","))
}

func (s segmentEncoder) encodeStruct(rv reflect.Value, rt reflect.Type) string {
	parts := make([]string, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		parts = append(parts, field.Name+":"+s.encode(rv.Field(i).Interface()))
	}
	return fmt.Sprintf("struct:{%s}", strings.Join(parts, ","))
}
