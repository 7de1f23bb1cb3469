package model

import (
	"encoding/json"
	"fmt"
)

// PlcKind identifies the concrete kind of a PlcValue.
type PlcKind string

const (
	KindNull   PlcKind = "null"
	KindBool   PlcKind = "bool"
	KindInt32  PlcKind = "int32"
	KindInt64  PlcKind = "int64"
	KindFloat  PlcKind = "float"
	KindDouble PlcKind = "double"
	KindString PlcKind = "string"
	KindBytes  PlcKind = "bytes"
	KindArray  PlcKind = "array"
	KindStruct PlcKind = "struct"
)

// PlcValue is a tagged union over the value kinds a PLC tag read can
// produce. It serializes as {"k":kind,"v":value}; array elements and
// struct members are PlcValues themselves.
type PlcValue struct {
	Kind   PlcKind
	Bool   bool
	Int    int64
	Real   float64
	Str    string
	Bytes  []byte
	Elems  []PlcValue
	Fields map[string]PlcValue
}

// Constructors for each kind.

func PlcNull() PlcValue                        { return PlcValue{Kind: KindNull} }
func PlcBool(v bool) PlcValue                  { return PlcValue{Kind: KindBool, Bool: v} }
func PlcInt32(v int32) PlcValue                { return PlcValue{Kind: KindInt32, Int: int64(v)} }
func PlcInt64(v int64) PlcValue                { return PlcValue{Kind: KindInt64, Int: v} }
func PlcFloat(v float32) PlcValue              { return PlcValue{Kind: KindFloat, Real: float64(v)} }
func PlcDouble(v float64) PlcValue             { return PlcValue{Kind: KindDouble, Real: v} }
func PlcString(v string) PlcValue              { return PlcValue{Kind: KindString, Str: v} }
func PlcBytes(v []byte) PlcValue               { return PlcValue{Kind: KindBytes, Bytes: v} }
func PlcArray(elems ...PlcValue) PlcValue      { return PlcValue{Kind: KindArray, Elems: elems} }
func PlcStruct(f map[string]PlcValue) PlcValue { return PlcValue{Kind: KindStruct, Fields: f} }

type plcValueJSON struct {
	K PlcKind         `json:"k"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v PlcValue) MarshalJSON() ([]byte, error) {
	var inner any
	switch v.Kind {
	case KindNull, "":
		return json.Marshal(plcValueJSON{K: KindNull})
	case KindBool:
		inner = v.Bool
	case KindInt32, KindInt64:
		inner = v.Int
	case KindFloat, KindDouble:
		inner = v.Real
	case KindString:
		inner = v.Str
	case KindBytes:
		inner = v.Bytes
	case KindArray:
		if v.Elems == nil {
			inner = []PlcValue{}
		} else {
			inner = v.Elems
		}
	case KindStruct:
		if v.Fields == nil {
			inner = map[string]PlcValue{}
		} else {
			inner = v.Fields
		}
	default:
		return nil, fmt.Errorf("model: unknown plc value kind %q", v.Kind)
	}
	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(plcValueJSON{K: v.Kind, V: raw})
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *PlcValue) UnmarshalJSON(b []byte) error {
	var env plcValueJSON
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	*v = PlcValue{Kind: env.K}
	if env.K == KindNull || env.K == "" {
		v.Kind = KindNull
		return nil
	}
	switch env.K {
	case KindBool:
		return json.Unmarshal(env.V, &v.Bool)
	case KindInt32, KindInt64:
		return json.Unmarshal(env.V, &v.Int)
	case KindFloat, KindDouble:
		return json.Unmarshal(env.V, &v.Real)
	case KindString:
		return json.Unmarshal(env.V, &v.Str)
	case KindBytes:
		return json.Unmarshal(env.V, &v.Bytes)
	case KindArray:
		return json.Unmarshal(env.V, &v.Elems)
	case KindStruct:
		return json.Unmarshal(env.V, &v.Fields)
	default:
		return fmt.Errorf("model: unknown plc value kind %q", env.K)
	}
}

// Equal reports whether two values have the same kind and payload.
func (v PlcValue) Equal(o PlcValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull, "":
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt32, KindInt64:
		return v.Int == o.Int
	case KindFloat, KindDouble:
		return v.Real == o.Real
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return string(v.Bytes) == string(o.Bytes)
	case KindArray:
		if len(v.Elems) != len(o.Elems) {
			return false
		}
		for i := range v.Elems {
			if !v.Elems[i].Equal(o.Elems[i]) {
				return false
			}
		}
		return true
	case KindStruct:
		if len(v.Fields) != len(o.Fields) {
			return false
		}
		for k, fv := range v.Fields {
			ov, ok := o.Fields[k]
			if !ok || !fv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}
