package fingerprint

import (
	"github.com/polydawn/refmt/obj/atlas"
)

// Hash_AtlasEntry marshals a Hash as its bare string form, the way
// api/rdef.WareID_AtlasEntry marshals a two-field struct as a colon-joined
// string: a Transform entry rather than a StructMap, since the wire form is
// scalar, not structural.
var Hash_AtlasEntry = atlas.BuildEntry(Hash("")).Transform().
	TransformMarshal(atlas.MakeMarshalTransformFunc(
		func(h Hash) (string, error) {
			return string(h), nil
		})).
	TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
		func(s string) (Hash, error) {
			return Hash(s), nil
		})).
	Complete()

var combineEnvelope_AtlasEntry = atlas.BuildEntry(combineEnvelope{}).StructMap().Autogenerate().Complete()

// Atlas is the refmt atlas covering every type this package encodes to CBOR
// directly. It is the only atlas in the module: hashed encodes values by
// hand, and cache stores rows through plain database/sql.
var Atlas = atlas.MustBuild(
	Hash_AtlasEntry,
	combineEnvelope_AtlasEntry,
)
