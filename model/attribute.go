package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// AttributeKind tags the variant held by an AttributeValue.
type AttributeKind int

// Attribute kinds.
const (
	AttrString AttributeKind = iota + 1
	AttrBool
	AttrNumber
	AttrList
	AttrMap
)

func (k AttributeKind) String() string {
	switch k {
	case AttrString:
		return "string"
	case AttrBool:
		return "bool"
	case AttrNumber:
		return "number"
	case AttrList:
		return "list"
	case AttrMap:
		return "map"
	default:
		return "invalid"
	}
}

// AttributeValue is a tagged union of the value shapes the policy service
// accepts. The zero value is invalid and is never produced by the
// constructors.
type AttributeValue struct {
	kind AttributeKind
	str  string
	b    bool
	num  float64
	list []AttributeValue
	m    Attributes
}

// Attributes is a named bag of attribute values.
type Attributes map[string]AttributeValue

// StringValue returns a string attribute.
func StringValue(s string) AttributeValue { return AttributeValue{kind: AttrString, str: s} }

// BoolValue returns a bool attribute.
func BoolValue(b bool) AttributeValue { return AttributeValue{kind: AttrBool, b: b} }

// NumberValue returns a numeric attribute.
func NumberValue(n float64) AttributeValue { return AttributeValue{kind: AttrNumber, num: n} }

// ListValue returns a list attribute.
func ListValue(items ...AttributeValue) AttributeValue {
	if items == nil {
		items = []AttributeValue{}
	}
	return AttributeValue{kind: AttrList, list: items}
}

// MapValue returns a map attribute.
func MapValue(m Attributes) AttributeValue {
	if m == nil {
		m = Attributes{}
	}
	return AttributeValue{kind: AttrMap, m: m}
}

// Kind returns the variant tag.
func (v AttributeValue) Kind() AttributeKind { return v.kind }

// Valid reports whether v was built by a constructor.
func (v AttributeValue) Valid() bool { return v.kind != 0 }

// Str returns the string payload and whether v is a string.
func (v AttributeValue) Str() (string, bool) { return v.str, v.kind == AttrString }

// Bool returns the bool payload and whether v is a bool.
func (v AttributeValue) Bool() (bool, bool) { return v.b, v.kind == AttrBool }

// Number returns the numeric payload and whether v is a number.
func (v AttributeValue) Number() (float64, bool) { return v.num, v.kind == AttrNumber }

// List returns the list payload and whether v is a list.
func (v AttributeValue) List() ([]AttributeValue, bool) { return v.list, v.kind == AttrList }

// Map returns the map payload and whether v is a map.
func (v AttributeValue) Map() (Attributes, bool) { return v.m, v.kind == AttrMap }

// Interface converts v back into plain Go values (string, bool, float64,
// []any, map[string]any).
func (v AttributeValue) Interface() any {
	switch v.kind {
	case AttrString:
		return v.str
	case AttrBool:
		return v.b
	case AttrNumber:
		return v.num
	case AttrList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case AttrMap:
		return v.m.Interface()
	default:
		return nil
	}
}

// MarshalJSON encodes v as its natural JSON value.
func (v AttributeValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case AttrString:
		return json.Marshal(v.str)
	case AttrBool:
		return json.Marshal(v.b)
	case AttrNumber:
		return json.Marshal(v.num)
	case AttrList:
		return json.Marshal(v.list)
	case AttrMap:
		return json.Marshal(map[string]AttributeValue(v.m))
	default:
		return nil, fmt.Errorf("marshal attribute: invalid value")
	}
}

// Interface converts the bag into a plain map.
func (a Attributes) Interface() map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v.Interface()
	}
	return out
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AttributeFromAny converts a plain Go value into an AttributeValue. Nil
// values report false and must be omitted by the caller. Lists drop nil
// items. Values of unsupported types are rendered with fmt.
func AttributeFromAny(v any) (AttributeValue, bool) {
	switch x := v.(type) {
	case nil:
		return AttributeValue{}, false
	case AttributeValue:
		return x, x.Valid()
	case string:
		return StringValue(x), true
	case bool:
		return BoolValue(x), true
	case float64:
		return NumberValue(x), true
	case float32:
		return NumberValue(float64(x)), true
	case int:
		return NumberValue(float64(x)), true
	case int8:
		return NumberValue(float64(x)), true
	case int16:
		return NumberValue(float64(x)), true
	case int32:
		return NumberValue(float64(x)), true
	case int64:
		return NumberValue(float64(x)), true
	case uint:
		return NumberValue(float64(x)), true
	case uint8:
		return NumberValue(float64(x)), true
	case uint16:
		return NumberValue(float64(x)), true
	case uint32:
		return NumberValue(float64(x)), true
	case uint64:
		return NumberValue(float64(x)), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return StringValue(x.String()), true
		}
		return NumberValue(f), true
	case time.Time:
		return StringValue(x.UTC().Format(time.RFC3339Nano)), true
	case *time.Time:
		if x == nil {
			return AttributeValue{}, false
		}
		return StringValue(x.UTC().Format(time.RFC3339Nano)), true
	case []any:
		items := make([]AttributeValue, 0, len(x))
		for _, item := range x {
			if av, ok := AttributeFromAny(item); ok {
				items = append(items, av)
			}
		}
		return ListValue(items...), true
	case []string:
		items := make([]AttributeValue, len(x))
		for i, s := range x {
			items[i] = StringValue(s)
		}
		return ListValue(items...), true
	case map[string]any:
		return MapValue(AttributesFromMap(x)), true
	case Attributes:
		return MapValue(x), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return AttributeValue{}, false
		}
		return AttributeFromAny(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		items := make([]AttributeValue, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if av, ok := AttributeFromAny(rv.Index(i).Interface()); ok {
				items = append(items, av)
			}
		}
		return ListValue(items...), true
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(Attributes, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			if av, ok := AttributeFromAny(iter.Value().Interface()); ok {
				m[iter.Key().String()] = av
			}
		}
		return MapValue(m), true
	}
	return StringValue(fmt.Sprint(v)), true
}

// AttributesFromMap converts a plain map into an attribute bag, dropping nil
// values.
func AttributesFromMap(m map[string]any) Attributes {
	out := make(Attributes, len(m))
	for k, v := range m {
		if av, ok := AttributeFromAny(v); ok {
			out[k] = av
		}
	}
	return out
}
