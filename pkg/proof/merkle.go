package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/intentd/intentd/pkg/engine"
)

// SchemeMerkleSHA256 is the proof scheme the Merkle prover produces.
const SchemeMerkleSHA256 = "merkle-sha256"

// MerkleProver builds a Merkle commitment over ordered step outputs. It
// implements engine.Prover.
//
// Each leaf is the SHA-256 hash of the step output's canonical JSON (object
// keys sorted at every level, no insignificant whitespace), so two provers
// given the same outputs always agree on the root. Interior nodes hash the
// concatenation of their children's digests; an odd node is carried up
// unchanged rather than duplicated.
type MerkleProver struct{}

// NewMerkleProver creates a Merkle prover.
func NewMerkleProver() *MerkleProver {
	return &MerkleProver{}
}

// Prove returns a proof over the ordered step outputs. An empty output set
// yields a proof whose root is the hash of the empty string.
func (p *MerkleProver) Prove(outputs []map[string]interface{}) (*engine.Proof, error) {
	leaves := make([][]byte, len(outputs))
	hexLeaves := make([]string, len(outputs))
	for i, out := range outputs {
		canonical, err := canonicalJSON(out)
		if err != nil {
			return nil, engine.NewPermanentError("canonicalizing step output", err).
				WithCode(engine.ErrCodeInternal).WithStep(i)
		}
		digest := sha256.Sum256(canonical)
		leaves[i] = digest[:]
		hexLeaves[i] = hex.EncodeToString(digest[:])
	}

	return &engine.Proof{
		Scheme: SchemeMerkleSHA256,
		Root:   hex.EncodeToString(merkleRoot(leaves)),
		Leaves: hexLeaves,
	}, nil
}

// Verify recomputes the root from a proof's leaves and checks it against the
// recorded root and scheme.
func Verify(p *engine.Proof) error {
	if p == nil {
		return fmt.Errorf("no proof to verify")
	}
	if p.Scheme != SchemeMerkleSHA256 {
		return fmt.Errorf("unsupported proof scheme %q", p.Scheme)
	}
	leaves := make([][]byte, len(p.Leaves))
	for i, l := range p.Leaves {
		b, err := hex.DecodeString(l)
		if err != nil {
			return fmt.Errorf("leaf %d is not hex: %w", i, err)
		}
		leaves[i] = b
	}
	root := hex.EncodeToString(merkleRoot(leaves))
	if root != p.Root {
		return fmt.Errorf("root mismatch: computed %s, recorded %s", root, p.Root)
	}
	return nil
}

// merkleRoot folds the leaf level up to a single digest. With no leaves the
// root is the hash of the empty string.
func merkleRoot(level [][]byte) []byte {
	if len(level) == 0 {
		digest := sha256.Sum256(nil)
		return digest[:]
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			digest := sha256.Sum256(append(append([]byte{}, level[i]...), level[i+1]...))
			next = append(next, digest[:])
		}
		level = next
	}
	return level[0]
}

// canonicalJSON renders a value as JSON with object keys sorted at every
// nesting level.
func canonicalJSON(v interface{}) ([]byte, error) {
	// Round-trip through encoding/json first so structs, typed maps, and
	// json.RawMessage all normalize to the same generic shape.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalCanonical(generic)
}

func marshalCanonical(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []interface{}:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}
