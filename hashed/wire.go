package hashed

import (
	"encoding/json"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/merrors"
)

// wireFormatVersion is bumped whenever the shape of wireValue changes
// incompatibly. Persisted cache rows carry it so a future engine version
// can detect and refuse (or migrate) rows written by an older one, per
// spec §6: "a self-describing, versioned binary encoding".
const wireFormatVersion = 1

// wireValue is the JSON-serialisable mirror of Value used for the
// persistent cache's human-inspectable value column (spec §6). Unlike
// CanonicalBytes, which embeds only a composite's *children's
// fingerprints*, wireValue is a full, reversible serialisation of the tree
// — a FutureRef is the only node kind that stops the recursion, since a
// future embedded in a stored result may not exist in the reader's graph
// at all (it is resolved by fingerprint against the cache instead, or left
// as a reference if the reader only wants the shape).
type wireValue struct {
	V         int                  `json:"v"`
	K         string               `json:"k"`
	Bool      bool                 `json:"bool,omitempty"`
	Int       int64                `json:"int,omitempty"`
	Float     float64              `json:"float,omitempty"`
	Str       string               `json:"str,omitempty"`
	Bytes     []byte               `json:"bytes,omitempty"`
	Seq       []wireValue          `json:"seq,omitempty"`
	Map       map[string]wireValue `json:"map,omitempty"`
	FutureFP  string               `json:"future_fp,omitempty"`
	ObjTag    string               `json:"obj_tag,omitempty"`
	ObjFields []wireValue          `json:"obj_fields,omitempty"`
}

const (
	kNull   = "null"
	kBool   = "bool"
	kInt    = "int"
	kFloat  = "float"
	kString = "string"
	kBytes  = "bytes"
	kSeq    = "seq"
	kMap    = "map"
	kFuture = "future"
	kObject = "object"
)

func toWire(v Value) (wireValue, error) {
	switch x := v.(type) {
	case nullValue:
		return wireValue{V: wireFormatVersion, K: kNull}, nil
	case boolValue:
		return wireValue{V: wireFormatVersion, K: kBool, Bool: bool(x)}, nil
	case intValue:
		return wireValue{V: wireFormatVersion, K: kInt, Int: int64(x)}, nil
	case floatValue:
		return wireValue{V: wireFormatVersion, K: kFloat, Float: float64(x)}, nil
	case stringValue:
		return wireValue{V: wireFormatVersion, K: kString, Str: string(x)}, nil
	case bytesValue:
		return wireValue{V: wireFormatVersion, K: kBytes, Bytes: x.b}, nil
	case FutureRef:
		return wireValue{V: wireFormatVersion, K: kFuture, FutureFP: string(x.FP)}, nil
	case Sequence:
		items := make([]wireValue, len(x))
		for i, c := range x {
			w, err := toWire(c)
			if err != nil {
				return wireValue{}, err
			}
			items[i] = w
		}
		return wireValue{V: wireFormatVersion, K: kSeq, Seq: items}, nil
	case Mapping:
		m := make(map[string]wireValue, len(x))
		for k, c := range x {
			w, err := toWire(c)
			if err != nil {
				return wireValue{}, err
			}
			m[k] = w
		}
		return wireValue{V: wireFormatVersion, K: kMap, Map: m}, nil
	case objectValue:
		fields := make([]wireValue, len(x.fields))
		for i, c := range x.fields {
			w, err := toWire(c)
			if err != nil {
				return wireValue{}, err
			}
			fields[i] = w
		}
		return wireValue{V: wireFormatVersion, K: kObject, ObjTag: x.tag, ObjFields: fields}, nil
	default:
		return wireValue{}, merrors.Errorf(merrors.UnsupportedValue, "cannot serialise value of type %T", v)
	}
}

func fromWire(w wireValue) (Value, error) {
	if w.V != wireFormatVersion {
		return nil, merrors.Errorf(merrors.UnsupportedValue, "unsupported cache value format version %d", w.V)
	}
	switch w.K {
	case kNull:
		return Null, nil
	case kBool:
		return Bool(w.Bool), nil
	case kInt:
		return Int(w.Int), nil
	case kFloat:
		return Float(w.Float), nil
	case kString:
		return String(w.Str), nil
	case kBytes:
		return Bytes(w.Bytes), nil
	case kFuture:
		return FutureRef{FP: fingerprint.Hash(w.FutureFP)}, nil
	case kSeq:
		seq := make(Sequence, len(w.Seq))
		for i, c := range w.Seq {
			v, err := fromWire(c)
			if err != nil {
				return nil, err
			}
			seq[i] = v
		}
		return seq, nil
	case kMap:
		mp := make(Mapping, len(w.Map))
		for k, c := range w.Map {
			v, err := fromWire(c)
			if err != nil {
				return nil, err
			}
			mp[k] = v
		}
		return mp, nil
	case kObject:
		fields := make([]Value, len(w.ObjFields))
		for i, c := range w.ObjFields {
			v, err := fromWire(c)
			if err != nil {
				return nil, err
			}
			fields[i] = v
		}
		return objectValue{tag: w.ObjTag, fields: fields}, nil
	default:
		return nil, merrors.Errorf(merrors.UnsupportedValue, "unknown cache value kind %q", w.K)
	}
}

// Marshal serialises v to its persistent, self-describing wire form.
func Marshal(v Value) ([]byte, error) {
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Unmarshal reverses Marshal.
func Unmarshal(b []byte) (Value, error) {
	var w wireValue
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, merrors.Wrap(merrors.UnsupportedValue, err)
	}
	return fromWire(w)
}
