package schema

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Type tags mirror the search engine's field types. Object and Nested
// carry sub-properties; everything else is a scalar as far as extraction
// is concerned.
type Type string

const (
	TypeString      Type = "string"
	TypeStringArray Type = "string[]"
	TypeInt32       Type = "int32"
	TypeInt64       Type = "int64"
	TypeFloat       Type = "float"
	TypeFloatArray  Type = "float[]"
	TypeBool        Type = "bool"
	TypeGeopoint    Type = "geopoint"
	TypeObject      Type = "object"
	TypeNested      Type = "object[]"
)

// Field describes how one document field is extracted from a record and
// what type it maps to in the index schema.
//
// Extraction picks the first that applies:
//  1. Prepare, when set. Its return value is used as-is.
//  2. Attr, a dot-separated path resolved against the record.
//  3. Name, as a single-segment path.
type Field struct {
	Name string
	Type Type

	// Attr is the lookup path on the record, defaulting to Name.
	// Each segment is resolved by attribute, then mapping key, then
	// sequence index. A segment that resolves to a niladic function
	// is called and resolution continues on its result.
	Attr string

	// Prepare computes the value directly from the record, bypassing
	// path resolution. Used for values that need joining or shaping.
	Prepare func(record any) (any, error)

	// Properties are the sub-fields of an object or object[] field.
	Properties []Field

	// Index schema hints, passed through to the backend mapping.
	Facet    bool
	Sort     bool
	Optional bool
}

// FieldError reports a record whose value could not be extracted. It is
// caught at the per-record boundary so one bad record never aborts a batch.
type FieldError struct {
	Field   string
	Path    string
	Segment string
	Reason  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: cannot resolve %q at %q: %s", e.Field, e.Path, e.Segment, e.Reason)
}

// Extract produces the serialized value of f for the given record.
func (f Field) Extract(record any) (any, error) {
	if f.Prepare != nil {
		return f.Prepare(record)
	}

	path := f.Attr
	if path == "" {
		path = f.Name
	}

	value, err := Resolve(record, path)
	if err != nil {
		fe, ok := err.(*FieldError)
		if ok && f.Optional {
			return nil, nil
		}
		if ok {
			fe.Field = f.Name
		}
		return nil, err
	}

	switch f.Type {
	case TypeObject:
		if value == nil {
			if f.Optional {
				return nil, nil
			}
			return nil, &FieldError{Field: f.Name, Path: path, Segment: path, Reason: "nil object"}
		}
		return f.extractProperties(value)
	case TypeNested:
		return f.extractNested(path, value)
	default:
		return value, nil
	}
}

func (f Field) extractProperties(value any) (map[string]any, error) {
	out := make(map[string]any, len(f.Properties))
	for _, sub := range f.Properties {
		v, err := sub.Extract(value)
		if err != nil {
			return nil, err
		}
		out[sub.Name] = v
	}
	return out, nil
}

func (f Field) extractNested(path string, value any) ([]map[string]any, error) {
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, &FieldError{Field: f.Name, Path: path, Segment: path, Reason: "value is not iterable"}
	}
	out := make([]map[string]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		m, err := f.extractProperties(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Resolve walks a dot-separated path against a record. Lookup order per
// segment: struct field or method, then map key, then slice/array index.
func Resolve(record any, path string) (any, error) {
	current := record
	for _, segment := range strings.Split(path, ".") {
		var err error
		current, err = callIfFunc(current)
		if err != nil {
			return nil, &FieldError{Path: path, Segment: segment, Reason: err.Error()}
		}
		current, err = resolveSegment(current, segment)
		if err != nil {
			return nil, &FieldError{Path: path, Segment: segment, Reason: err.Error()}
		}
	}
	return callIfFunc(current)
}

func resolveSegment(value any, segment string) (any, error) {
	if value == nil {
		return nil, fmt.Errorf("cannot descend into nil")
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("cannot descend into nil")
		}
		rv = rv.Elem()
	}

	// Attribute lookup: exported field, exact then case-insensitive,
	// falling back to a niladic method on the original value.
	if rv.Kind() == reflect.Struct {
		if fv := rv.FieldByName(segment); fv.IsValid() {
			return fv.Interface(), nil
		}
		if fv := rv.FieldByNameFunc(func(n string) bool { return strings.EqualFold(n, segment) }); fv.IsValid() {
			return fv.Interface(), nil
		}
		if m := methodByFoldedName(reflect.ValueOf(value), segment); m.IsValid() {
			return m.Interface(), nil
		}
		return nil, fmt.Errorf("no such attribute")
	}

	// Mapping-key lookup.
	if rv.Kind() == reflect.Map {
		kv := rv.MapIndex(reflect.ValueOf(segment))
		if !kv.IsValid() {
			return nil, fmt.Errorf("no such key")
		}
		return kv.Interface(), nil
	}

	// Sequence-index lookup.
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		i, err := strconv.Atoi(segment)
		if err != nil {
			return nil, fmt.Errorf("segment is not an index")
		}
		if i < 0 || i >= rv.Len() {
			return nil, fmt.Errorf("index out of range")
		}
		return rv.Index(i).Interface(), nil
	}

	return nil, fmt.Errorf("cannot descend into %s", rv.Kind())
}

func methodByFoldedName(rv reflect.Value, name string) reflect.Value {
	if m := rv.MethodByName(name); m.IsValid() {
		return m
	}
	t := rv.Type()
	for i := 0; i < t.NumMethod(); i++ {
		if strings.EqualFold(t.Method(i).Name, name) {
			return rv.Method(i)
		}
	}
	return reflect.Value{}
}

func callIfFunc(value any) (any, error) {
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || rv.Kind() != reflect.Func {
		return value, nil
	}
	if rv.Type().NumIn() != 0 {
		return nil, fmt.Errorf("callable segment takes arguments")
	}
	results := rv.Call(nil)
	switch len(results) {
	case 1:
		return results[0].Interface(), nil
	case 2:
		if err, ok := results[1].Interface().(error); ok && err != nil {
			return nil, err
		}
		return results[0].Interface(), nil
	default:
		return nil, fmt.Errorf("callable segment must return one value")
	}
}
