package task

import (
	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/hashed"
)

// ComputeFingerprint folds a rule's identity into the fingerprint of its
// canonicalised argument composite (spec §4.4 step 2: F = hash(rule.identity,
// fingerprint(H))). It also returns the standalone input-composite
// fingerprint H, stored alongside F in the persistent cache as input_hash
// (spec §6) so a `cache-conflict` can be detected if a future version ever
// observes the same F with a divergent H.
func ComputeFingerprint(rule Rule, args []hashed.Value) (fp, inputHash fingerprint.Hash, err error) {
	inputHash, err = fingerprint.Of(hashed.Sequence(args))
	if err != nil {
		return fingerprint.Nil, fingerprint.Nil, err
	}
	fp = fingerprint.Combine(rule.ID, inputHash)
	return fp, inputHash, nil
}
