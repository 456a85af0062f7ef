// Package proof builds verifiable commitments over plan step outputs.
//
// The only scheme today is merkle-sha256: a Merkle tree over the SHA-256
// hashes of each step output's canonical JSON. Anyone holding the same
// ordered outputs can recompute the root and check it against an artifact's
// recorded proof.
package proof
