package hashed

import (
	"reflect"
	"sort"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/merrors"
)

// FutureHandle is implemented by future.Future so this package can embed a
// live future as a FutureRef leaf without importing the future package
// (which itself embeds hashed.Value results, so the dependency must run one
// way only).
type FutureHandle interface {
	Fingerprint() fingerprint.Hash
}

// From converts an arbitrary Go value into a hashed Value, the way
// TaskComposite.ensure_hashed does in original_source/mona/tasks.py: scalars
// and byte slices become leaves, slices/arrays become Sequences, maps with
// string keys become Mappings, values already satisfying Value or
// CustomHashed or FutureHandle pass through (wrapped) unchanged, and
// anything else is walked by reflection. Cyclic structures and
// unsupported kinds (channels, funcs, unexported-only structs) return
// merrors.CycleInValue / merrors.UnsupportedValue.
func From(obj interface{}) (Value, error) {
	return fromValue(obj, map[uintptr]bool{})
}

func fromValue(obj interface{}, seen map[uintptr]bool) (Value, error) {
	if obj == nil {
		return Null, nil
	}
	if v, ok := obj.(Value); ok {
		return v, nil
	}
	if fh, ok := obj.(FutureHandle); ok {
		return FutureRef{FP: fh.Fingerprint()}, nil
	}
	if ch, ok := obj.(CustomHashed); ok {
		return FromCustom(ch), nil
	}
	if b, ok := obj.([]byte); ok {
		return Bytes(b), nil
	}

	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if !rv.IsNil() {
			ptr := rv.Pointer()
			if seen[ptr] {
				return nil, merrors.Errorf(merrors.CycleInValue, "value contains itself: %T", obj)
			}
			seen = withSeen(seen, ptr)
		}
	}

	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Int(int64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Ptr:
		if rv.IsNil() {
			return Null, nil
		}
		return fromValue(rv.Elem().Interface(), seen)
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		seq := make(Sequence, n)
		for i := 0; i < n; i++ {
			v, err := fromValue(rv.Index(i).Interface(), seen)
			if err != nil {
				return nil, err
			}
			seq[i] = v
		}
		return seq, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, merrors.Errorf(merrors.UnsupportedValue, "map keys must be strings, got %s", rv.Type())
		}
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		mp := make(Mapping, len(keys))
		for _, k := range keys {
			v, err := fromValue(rv.MapIndex(k).Interface(), seen)
			if err != nil {
				return nil, err
			}
			mp[k.String()] = v
		}
		return mp, nil
	case reflect.Struct:
		return structToObject(rv, seen)
	case reflect.Interface:
		if rv.IsNil() {
			return Null, nil
		}
		return fromValue(rv.Elem().Interface(), seen)
	default:
		return nil, merrors.Errorf(merrors.UnsupportedValue, "cannot canonicalise value of kind %s (%T)", rv.Kind(), obj)
	}
}

func withSeen(seen map[uintptr]bool, ptr uintptr) map[uintptr]bool {
	out := make(map[uintptr]bool, len(seen)+1)
	for k := range seen {
		out[k] = true
	}
	out[ptr] = true
	return out
}

// structToObject reflects over a plain struct's exported fields, in
// declaration order, tagging the composite with the struct's package-
// qualified type name.
func structToObject(rv reflect.Value, seen map[uintptr]bool) (Value, error) {
	t := rv.Type()
	fields := make([]Value, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue // unexported
		}
		v, err := fromValue(rv.Field(i).Interface(), seen)
		if err != nil {
			return nil, err
		}
		fields = append(fields, v)
	}
	if len(fields) == 0 && t.NumField() > 0 {
		return nil, merrors.Errorf(merrors.UnsupportedValue, "struct %s has no exported fields", t)
	}
	return objectValue{tag: t.PkgPath() + "." + t.Name(), fields: fields}, nil
}
