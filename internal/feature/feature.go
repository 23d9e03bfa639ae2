package feature

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/paulmach/orb"
)

// Version identifies the state of a dataset or style document. Two values are
// equal iff the underlying source has not changed.
type Version string

// Kind is the type of an attribute value or a declared schema field.
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

// ParseKind converts the textual kind used in layer catalogs.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "number", "double", "float", "int", "integer":
		return KindNumber, nil
	case "string", "text":
		return KindString, nil
	case "bool", "boolean":
		return KindBool, nil
	default:
		return KindNull, fmt.Errorf("unknown field type: %s", s)
	}
}

// Value is a typed attribute value.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
}

func Number(v float64) Value { return Value{kind: KindNumber, num: v} }
func String(v string) Value  { return Value{kind: KindString, str: v} }
func Bool(v bool) Value      { return Value{kind: KindBool, b: v} }
func Null() Value            { return Value{} }

// FromAny converts a decoded JSON-like value into a Value.
func FromAny(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case bool:
		return Bool(t)
	case string:
		return String(t)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

func (v Value) Kind() Kind        { return v.kind }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) Bool() bool        { return v.kind == KindBool && v.b }
func (v Value) RawString() string { return v.str }

// Float returns the numeric interpretation of v. Strings holding a number are
// converted.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		f, err := strconv.ParseFloat(v.str, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// String formats v for labels and text encoders.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindString:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Interface returns the Go value used by JSON encoders.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Feature is one geometry with its attributes. Features are produced by a data
// source and only live for one render pass.
type Feature struct {
	ID         string
	Geometry   orb.Geometry
	Attributes map[string]Value
}

// Attr returns the named attribute, or a null value.
func (f Feature) Attr(name string) (Value, bool) {
	v, ok := f.Attributes[name]
	return v, ok
}

// SortByID orders features by ID so that every tile draws them in the same order.
func SortByID(features []Feature) {
	sort.SliceStable(features, func(i, j int) bool {
		return features[i].ID < features[j].ID
	})
}

// Field is a declared attribute of a layer.
type Field struct {
	Name string
	Kind Kind
}

// Schema is the ordered set of fields a layer declares.
type Schema struct {
	Fields []Field
}

// Has reports whether name is a declared field. An empty schema declares
// nothing and accepts nothing.
func (s Schema) Has(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Names returns the declared field names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Project returns a copy of f whose attributes are limited to the declared
// fields. Missing fields are reported as null.
func (s Schema) Project(f Feature) Feature {
	attrs := make(map[string]Value, len(s.Fields))
	for _, field := range s.Fields {
		if v, ok := f.Attributes[field.Name]; ok {
			attrs[field.Name] = v
		} else {
			attrs[field.Name] = Null()
		}
	}
	return Feature{ID: f.ID, Geometry: f.Geometry, Attributes: attrs}
}
