// Package fingerprint computes stable content hashes over canonicalised
// values. A fingerprint never depends on a value's runtime identity, only on
// its canonical byte form, so two processes hashing structurally equal
// values always agree (spec §8, property 1).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/polydawn/refmt"
	"github.com/polydawn/refmt/cbor"

	"github.com/jhrmnn/mona/merrors"
)

// Hash is an opaque, fixed-width content identifier. Two values with the
// same canonical serialisation hash equal, in this process or any other.
type Hash string

// Nil is the zero Hash; no fingerprint ever equals it.
const Nil Hash = ""

// String renders the hash as its full hex digest.
func (h Hash) String() string { return string(h) }

// Short returns a prefix of the hash suitable for log lines, mirroring the
// truncated hash tags repeatr and mona both use for human-readable labels.
func (h Hash) Short() string {
	if len(h) <= 8 {
		return string(h)
	}
	return string(h[:8])
}

// Canonical is anything with a canonical byte encoding. hashed.Value
// (composites, scalars, future references) all implement it; the fingerprint
// package does not know about hashed.Value itself to keep the dependency
// direction one-way (hashed depends on fingerprint, not vice versa).
type Canonical interface {
	CanonicalBytes() ([]byte, error)
}

// Of computes the fingerprint of a canonical value's byte form.
func Of(v Canonical) (Hash, error) {
	b, err := v.CanonicalBytes()
	if err != nil {
		return Nil, err
	}
	return OfBytes(b), nil
}

// OfBytes hashes an already-canonicalised byte string directly. Used by the
// fingerprint engine's atlas-driven encoders once they've produced CBOR, and
// by callers combining several fingerprints (e.g. rule identity + input
// composite fingerprint) into one.
func OfBytes(b []byte) Hash {
	sum := sha256.Sum256(b)
	return Hash(hex.EncodeToString(sum[:]))
}

// Combine derives a single fingerprint from an ordered list of already
// computed fingerprints and a discriminator (e.g. a rule's identity
// string). Used by task.ComputeFingerprint to fold a rule identity into the fingerprint
// of its canonicalised argument composite (spec §4.4 step 2).
func Combine(discriminator string, parts ...Hash) Hash {
	enc, err := refmt.MarshalAtlased(cbor.EncodeOptions{}, combineEnvelope{
		Discriminator: discriminator,
		Parts:         parts,
	}, Atlas)
	if err != nil {
		// combineEnvelope is a plain struct of a string and a []Hash; the
		// only failure mode is a refmt internal bug, not a bad input.
		panic(merrors.Wrap(merrors.UnsupportedValue, err))
	}
	return OfBytes(enc)
}

type combineEnvelope struct {
	Discriminator string
	Parts         []Hash
}
