// Package digest computes the canonical preimage and digest bound into a
// timestamp token. These functions are the only inputs to the RFC3161
// messageImprint for protocol version 1: no wall clock, no configuration,
// no randomness may enter them, so that the digest is reproducible from a
// checked-out commit alone at any future time.
package digest

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"fmt"
)

// Preimage returns the literal UTF-8 text "parent:<parent>,tree:<tree>"
// where parent and tree are lowercase hex digests. It performs no
// normalization beyond that concatenation: callers must already hold
// lowercase hex.
func Preimage(parentHex, treeHex string) string {
	return fmt.Sprintf("parent:%s,tree:%s", parentHex, treeHex)
}

// Digest returns H(Preimage(parentHex, treeHex)) for the given repository
// hash algorithm.
func Digest(alg crypto.Hash, parentHex, treeHex string) []byte {
	h := alg.New()
	h.Write([]byte(Preimage(parentHex, treeHex)))
	return h.Sum(nil)
}
