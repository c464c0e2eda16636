// Package hashed implements the hashed-object model of spec §3-§4.2:
// tagged values (scalars, sequences, mappings, user objects) that may embed
// futures as atomic leaves, plus canonicalisation and substitution over
// them.
//
// The canonical form of a composite embeds the *fingerprints* of its
// children rather than a full recursive expansion of their bytes (spec
// §4.1 Rationale) — this is what lets a task's fingerprint be computed
// before any of its dependencies have run. refmt/cbor is used elsewhere in
// this module (fingerprint.Combine's envelope) for its atlas-driven struct
// marshalling, but the tagged-union encoding here is hand-rolled: refmt's
// generic map/interface{} encoding does not guarantee the sorted-key,
// length-prefixed byte form spec §4.1 mandates for Go's inherently
// unordered map type, so sorting and length-prefixing is done directly
// against a bytes.Buffer instead of fighting the library into it.
package hashed

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"strconv"

	"github.com/jhrmnn/mona/fingerprint"
)

// Kind discriminates the tagged union of a Value.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindSequence
	KindMapping
	KindFuture
	KindObject
)

// tag bytes used as the type-tag prefix in canonical encodings, so that
// distinct kinds with coincidentally identical payload bytes never collide
// (spec §4.1, "User objects" paragraph).
const (
	tagNull byte = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagBytes
	tagSequence
	tagMapping
	tagFuture
	tagObject
)

// Value is any hashed object: a scalar leaf, a future reference, or a
// composite (sequence, mapping, object) of further Values.
type Value interface {
	Kind() Kind
	// CanonicalBytes returns this value's canonical encoding. For a
	// composite, this embeds the fingerprints of its immediate children,
	// not their full canonical bytes.
	CanonicalBytes() ([]byte, error)
}

// Composite is a Value built from child Values.
type Composite interface {
	Value
	// Children returns the immediate children in a stable, deterministic
	// order (declaration order for sequences and objects, key-sorted order
	// for mappings).
	Children() []Value
	// Substitute returns a new Value with every embedded future replaced
	// by resolved[future's fingerprint], recursing into composite
	// replacements (shallow-to-deep, spec §4.2).
	Substitute(resolved map[fingerprint.Hash]Value) (Value, error)
}

func lenPrefix(buf *bytes.Buffer, b []byte) {
	var lenbuf [8]byte
	binary.BigEndian.PutUint64(lenbuf[:], uint64(len(b)))
	buf.Write(lenbuf[:])
	buf.Write(b)
}

func childFingerprint(v Value) ([]byte, error) {
	fp, err := fingerprint.Of(v)
	if err != nil {
		return nil, err
	}
	return []byte(fp), nil
}

// --- scalars -----------------------------------------------------------

type nullValue struct{}

// Null is the singleton hashed representation of an absent value.
var Null Value = nullValue{}

func (nullValue) Kind() Kind                      { return KindNull }
func (nullValue) CanonicalBytes() ([]byte, error) { return []byte{tagNull}, nil }

type boolValue bool

// Bool wraps a boolean scalar.
func Bool(b bool) Value { return boolValue(b) }

func (b boolValue) Kind() Kind { return KindBool }
func (b boolValue) CanonicalBytes() ([]byte, error) {
	if b {
		return []byte{tagBool, 1}, nil
	}
	return []byte{tagBool, 0}, nil
}

// AsBool reads back a Bool leaf's underlying value.
func AsBool(v Value) (bool, bool) {
	b, ok := v.(boolValue)
	return bool(b), ok
}

type intValue int64

// Int wraps a signed integer scalar, canonicalised as signed decimal text
// (spec §4.1: "integers as signed decimal").
func Int(i int64) Value { return intValue(i) }

func (i intValue) Kind() Kind { return KindInt }
func (i intValue) CanonicalBytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tagInt)
	buf.WriteString(strconv.FormatInt(int64(i), 10))
	return buf.Bytes(), nil
}

// AsInt reads back an Int leaf's underlying value.
func AsInt(v Value) (int64, bool) {
	i, ok := v.(intValue)
	return int64(i), ok
}

type floatValue float64

// Float wraps a floating point scalar, canonicalised as the shortest
// round-trip decimal with nan/inf spelled out and -0.0 normalised to 0.0
// (spec §4.1).
func Float(f float64) Value { return floatValue(f) }

func (f floatValue) Kind() Kind { return KindFloat }
func (f floatValue) CanonicalBytes() ([]byte, error) {
	v := float64(f)
	var buf bytes.Buffer
	buf.WriteByte(tagFloat)
	switch {
	case math.IsNaN(v):
		buf.WriteString("nan")
	case math.IsInf(v, 1):
		buf.WriteString("inf")
	case math.IsInf(v, -1):
		buf.WriteString("-inf")
	default:
		if v == 0 {
			v = 0 // normalises -0.0
		}
		buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return buf.Bytes(), nil
}

// AsFloat reads back a Float leaf's underlying value.
func AsFloat(v Value) (float64, bool) {
	f, ok := v.(floatValue)
	return float64(f), ok
}

type stringValue string

// String wraps a UTF-8 string scalar, length-prefixed in its canonical form.
func String(s string) Value { return stringValue(s) }

func (s stringValue) Kind() Kind { return KindString }
func (s stringValue) CanonicalBytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tagString)
	lenPrefix(&buf, []byte(s))
	return buf.Bytes(), nil
}

// AsString reads back a String leaf's underlying value.
func AsString(v Value) (string, bool) {
	s, ok := v.(stringValue)
	return string(s), ok
}

type bytesValue struct{ b []byte }

// Bytes wraps a raw byte-string scalar, length-prefixed in its canonical form.
func Bytes(b []byte) Value { return bytesValue{append([]byte(nil), b...)} }

func (b bytesValue) Kind() Kind { return KindBytes }
func (b bytesValue) CanonicalBytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tagBytes)
	lenPrefix(&buf, b.b)
	return buf.Bytes(), nil
}

func (b bytesValue) Raw() []byte { return b.b }

// AsBytes reads back a Bytes leaf's underlying value.
func AsBytes(v Value) ([]byte, bool) {
	b, ok := v.(bytesValue)
	if !ok {
		return nil, false
	}
	return b.Raw(), true
}

// --- future reference ----------------------------------------------------

// FutureRef is an atomic leaf standing in for a not-yet-resolved future: its
// canonical bytes are a tag followed by the referenced future's fingerprint,
// never the future's (possibly nonexistent) value (spec §4.1).
type FutureRef struct {
	FP fingerprint.Hash
}

func (f FutureRef) Kind() Kind { return KindFuture }
func (f FutureRef) CanonicalBytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tagFuture)
	buf.WriteString(string(f.FP))
	return buf.Bytes(), nil
}

// --- sequence -------------------------------------------------------------

// Sequence is an ordered composite; its canonical form is length-prefixed,
// children in order (spec §4.1).
type Sequence []Value

func (s Sequence) Kind() Kind { return KindSequence }

func (s Sequence) CanonicalBytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tagSequence)
	var lenbuf [8]byte
	binary.BigEndian.PutUint64(lenbuf[:], uint64(len(s)))
	buf.Write(lenbuf[:])
	for _, child := range s {
		fp, err := childFingerprint(child)
		if err != nil {
			return nil, err
		}
		buf.Write(fp)
	}
	return buf.Bytes(), nil
}

func (s Sequence) Children() []Value { return []Value(s) }

func (s Sequence) Substitute(resolved map[fingerprint.Hash]Value) (Value, error) {
	out := make(Sequence, len(s))
	for i, child := range s {
		v, err := substituteOne(child, resolved)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// --- mapping ---------------------------------------------------------------

// Mapping is an unordered key-value composite with stringable keys; its
// canonical form sorts entries by the byte order of the key's canonical
// form (spec §4.1).
type Mapping map[string]Value

func (m Mapping) Kind() Kind { return KindMapping }

type mapEntry struct {
	key      string
	keyBytes []byte
	val      Value
}

func (m Mapping) sortedEntries() ([]mapEntry, error) {
	entries := make([]mapEntry, 0, len(m))
	for k, v := range m {
		kb, err := stringValue(k).CanonicalBytes()
		if err != nil {
			return nil, err
		}
		entries = append(entries, mapEntry{k, kb, v})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].keyBytes, entries[j].keyBytes) < 0
	})
	return entries, nil
}

func (m Mapping) CanonicalBytes() ([]byte, error) {
	entries, err := m.sortedEntries()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(tagMapping)
	var lenbuf [8]byte
	binary.BigEndian.PutUint64(lenbuf[:], uint64(len(entries)))
	buf.Write(lenbuf[:])
	for _, e := range entries {
		lenPrefix(&buf, e.keyBytes)
		fp, err := childFingerprint(e.val)
		if err != nil {
			return nil, err
		}
		buf.Write(fp)
	}
	return buf.Bytes(), nil
}

func (m Mapping) Children() []Value {
	entries, err := m.sortedEntries()
	if err != nil {
		return nil
	}
	out := make([]Value, len(entries))
	for i, e := range entries {
		out[i] = e.val
	}
	return out
}

func (m Mapping) Substitute(resolved map[fingerprint.Hash]Value) (Value, error) {
	out := make(Mapping, len(m))
	for k, v := range m {
		sv, err := substituteOne(v, resolved)
		if err != nil {
			return nil, err
		}
		out[k] = sv
	}
	return out, nil
}

func substituteOne(v Value, resolved map[fingerprint.Hash]Value) (Value, error) {
	if ref, ok := v.(FutureRef); ok {
		sub, ok := resolved[ref.FP]
		if !ok {
			return v, nil
		}
		if c, ok := sub.(Composite); ok {
			return c.Substitute(resolved)
		}
		return sub, nil
	}
	if c, ok := v.(Composite); ok {
		return c.Substitute(resolved)
	}
	return v, nil
}

// Substitute replaces every embedded future in v with resolved[future's
// fingerprint], recursing into composite replacements. v may itself be a
// bare FutureRef, which Composite.Substitute alone cannot express.
func Substitute(v Value, resolved map[fingerprint.Hash]Value) (Value, error) {
	return substituteOne(v, resolved)
}

// CollectFutures walks v and its composite children, returning the
// fingerprint of every embedded FutureRef, deduplicated.
func CollectFutures(v Value) []fingerprint.Hash {
	seen := map[fingerprint.Hash]bool{}
	var order []fingerprint.Hash
	var walk func(Value)
	walk = func(v Value) {
		switch x := v.(type) {
		case FutureRef:
			if !seen[x.FP] {
				seen[x.FP] = true
				order = append(order, x.FP)
			}
		case Composite:
			for _, child := range x.Children() {
				walk(child)
			}
		}
	}
	walk(v)
	return order
}
