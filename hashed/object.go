package hashed

import (
	"bytes"
	"encoding/binary"

	"github.com/jhrmnn/mona/fingerprint"
)

// CustomHashed lets a user type declare its own canonical form instead of
// going through reflection-based conversion (spec §3, "user objects that
// declare their own canonical form").
type CustomHashed interface {
	// HashedTypeTag identifies the concrete type so structurally identical
	// values of two different types never collide once wrapped.
	HashedTypeTag() string
	// HashedFields returns the value's children in a stable order.
	HashedFields() []Value
}

type objectValue struct {
	tag    string
	fields []Value
}

// FromCustom wraps a CustomHashed value as a composite Value, tagging its
// canonical form with the declared type tag (spec §4.1, "User objects").
func FromCustom(v CustomHashed) Value {
	return objectValue{tag: v.HashedTypeTag(), fields: v.HashedFields()}
}

func (o objectValue) Kind() Kind { return KindObject }

func (o objectValue) CanonicalBytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tagObject)
	lenPrefix(&buf, []byte(o.tag))
	var lenbuf [8]byte
	binary.BigEndian.PutUint64(lenbuf[:], uint64(len(o.fields)))
	buf.Write(lenbuf[:])
	for _, f := range o.fields {
		fp, err := childFingerprint(f)
		if err != nil {
			return nil, err
		}
		buf.Write(fp)
	}
	return buf.Bytes(), nil
}

func (o objectValue) Children() []Value { return o.fields }

func (o objectValue) Substitute(resolved map[fingerprint.Hash]Value) (Value, error) {
	out := make([]Value, len(o.fields))
	for i, f := range o.fields {
		v, err := substituteOne(f, resolved)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return objectValue{tag: o.tag, fields: out}, nil
}
