package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestProveDeterministic(t *testing.T) {
	p := NewMerkleProver()
	outputs := []map[string]interface{}{
		{"node_ids": []string{"n1", "n2"}, "count": 2},
		{"vlan": 42},
	}

	first, err := p.Prove(outputs)
	if err != nil {
		t.Fatalf("prove failed: %v", err)
	}
	second, err := p.Prove(outputs)
	if err != nil {
		t.Fatalf("prove failed: %v", err)
	}
	if first.Root != second.Root {
		t.Errorf("roots differ across runs: %s vs %s", first.Root, second.Root)
	}
	if first.Scheme != SchemeMerkleSHA256 {
		t.Errorf("expected scheme %s, got %s", SchemeMerkleSHA256, first.Scheme)
	}
	if len(first.Leaves) != 2 {
		t.Errorf("expected 2 leaves, got %d", len(first.Leaves))
	}
}

func TestProveKeyOrderIrrelevant(t *testing.T) {
	p := NewMerkleProver()
	// Same logical output, different map construction order.
	a, err := p.Prove([]map[string]interface{}{{"x": 1, "y": 2, "z": 3}})
	if err != nil {
		t.Fatalf("prove failed: %v", err)
	}
	b, err := p.Prove([]map[string]interface{}{{"z": 3, "y": 2, "x": 1}})
	if err != nil {
		t.Fatalf("prove failed: %v", err)
	}
	if a.Root != b.Root {
		t.Errorf("key order changed the root: %s vs %s", a.Root, b.Root)
	}
}

func TestProveOrderSensitive(t *testing.T) {
	p := NewMerkleProver()
	a, _ := p.Prove([]map[string]interface{}{{"step": 1}, {"step": 2}})
	b, _ := p.Prove([]map[string]interface{}{{"step": 2}, {"step": 1}})
	if a.Root == b.Root {
		t.Error("swapping step order should change the root")
	}
}

func TestProveEmptyOutputs(t *testing.T) {
	p := NewMerkleProver()
	got, err := p.Prove(nil)
	if err != nil {
		t.Fatalf("prove failed: %v", err)
	}
	empty := sha256.Sum256(nil)
	if got.Root != hex.EncodeToString(empty[:]) {
		t.Errorf("expected the empty hash, got %s", got.Root)
	}
	if len(got.Leaves) != 0 {
		t.Errorf("expected no leaves, got %d", len(got.Leaves))
	}
}

func TestProveSingleLeafIsRoot(t *testing.T) {
	p := NewMerkleProver()
	got, err := p.Prove([]map[string]interface{}{{"only": true}})
	if err != nil {
		t.Fatalf("prove failed: %v", err)
	}
	if got.Root != got.Leaves[0] {
		t.Errorf("single leaf should be the root: root %s, leaf %s", got.Root, got.Leaves[0])
	}
}

func TestVerify(t *testing.T) {
	p := NewMerkleProver()
	outputs := []map[string]interface{}{
		{"a": 1}, {"b": 2}, {"c": 3},
	}
	pr, err := p.Prove(outputs)
	if err != nil {
		t.Fatalf("prove failed: %v", err)
	}
	if err := Verify(pr); err != nil {
		t.Errorf("verify rejected a valid proof: %v", err)
	}

	tampered := *pr
	tampered.Leaves = append([]string{}, pr.Leaves...)
	tampered.Leaves[1], tampered.Leaves[2] = tampered.Leaves[2], tampered.Leaves[1]
	if err := Verify(&tampered); err == nil {
		t.Error("verify accepted reordered leaves")
	}

	wrongScheme := *pr
	wrongScheme.Scheme = "merkle-md5"
	if err := Verify(&wrongScheme); err == nil {
		t.Error("verify accepted an unknown scheme")
	}

	if err := Verify(nil); err == nil {
		t.Error("verify accepted a nil proof")
	}
}

func TestProveNilOutputLeaf(t *testing.T) {
	p := NewMerkleProver()
	pr, err := p.Prove([]map[string]interface{}{nil, {"x": 1}})
	if err != nil {
		t.Fatalf("prove failed: %v", err)
	}
	if len(pr.Leaves) != 2 {
		t.Fatalf("expected 2 leaves, got %d", len(pr.Leaves))
	}
	if err := Verify(pr); err != nil {
		t.Errorf("verify rejected the proof: %v", err)
	}
}
