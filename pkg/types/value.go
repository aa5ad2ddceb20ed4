package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// ValueKind identifies which variant a Value holds.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindTime
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Value is a typed attribute value. The zero Value is null.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	t    time.Time
}

func Null() Value                { return Value{} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Number(f float64) Value     { return Value{kind: KindNumber, num: f} }
func Int(i int64) Value          { return Value{kind: KindNumber, num: float64(i)} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Time(t time.Time) Value     { return Value{kind: KindTime, t: t.UTC()} }
func (v Value) Kind() ValueKind  { return v.kind }
func (v Value) IsNull() bool     { return v.kind == KindNull }
func (v Value) Str() string      { return v.str }
func (v Value) Num() float64     { return v.num }
func (v Value) Bool() bool       { return v.b }
func (v Value) Time() time.Time  { return v.t }

// Equal compares kind and payload. Null equals only null.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindTime:
		return v.t.Equal(other.t)
	}
	return false
}

// Interface returns the plain Go value, as used for SQL arguments.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if v.num == math.Trunc(v.num) && math.Abs(v.num) < 1<<53 {
			return int64(v.num)
		}
		return v.num
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return "null"
	}
}

// MarshalJSON encodes times in StorageTimeLayout, the text form journal
// columns are compared in. Strings holding an RFC 3339 instant decode as
// times, so they are encoded the same way.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		if t := stringOrTime(v.str); t.kind == KindTime {
			return json.Marshal(FormatStorageTime(t.t))
		}
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindTime:
		return json.Marshal(FormatStorageTime(v.t))
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes scalars. Objects and arrays are kept as their JSON text.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := decodeJSONValue(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// ValueOf converts a Go value produced by database/sql or encoding/json.
func ValueOf(x interface{}) Value {
	switch val := x.(type) {
	case nil:
		return Null()
	case Value:
		return val
	case string:
		return stringOrTime(val)
	case []byte:
		return stringOrTime(string(val))
	case bool:
		return Bool(val)
	case int:
		return Int(int64(val))
	case int64:
		return Int(val)
	case float64:
		return Number(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return String(val.String())
		}
		return Number(f)
	case time.Time:
		return Time(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return String(fmt.Sprint(val))
		}
		return String(string(raw))
	}
}

func stringOrTime(s string) Value {
	// Only full RFC 3339 instants are promoted; dates stay strings.
	if len(s) >= 20 && s[4] == '-' && s[10] == 'T' {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return Time(t)
		}
	}
	return String(s)
}

func decodeJSONValue(data []byte) (Value, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return String(string(trimmed)), nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var x interface{}
	if err := dec.Decode(&x); err != nil {
		return Value{}, err
	}
	return ValueOf(x), nil
}

// Attributes is an attribute bag. A missing key means the attribute is
// absent, which is distinct from a key holding Null().
type Attributes map[string]Value

// Get returns the value and whether the key is present.
func (a Attributes) Get(name string) (Value, bool) {
	v, ok := a[name]
	return v, ok
}

// Clone returns a shallow copy; values are immutable.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
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

// Without returns the attributes whose value differs from the one in other.
// Attributes missing from other are kept.
func (a Attributes) Without(other Attributes) Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		if cur, ok := other[k]; ok && cur.Equal(v) {
			continue
		}
		out[k] = v
	}
	return out
}

// DecodeAttributes parses a JSON object document.
func DecodeAttributes(doc []byte) (Attributes, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return Attributes{}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	out := make(Attributes, len(raw))
	for k, msg := range raw {
		v, err := decodeJSONValue(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %q: %v", ErrInvalidDocument, k, err)
		}
		out[k] = v
	}
	return out, nil
}

// EncodeAttributes renders the attributes as a JSON object document.
func EncodeAttributes(a Attributes) ([]byte, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]Value(a))
}
