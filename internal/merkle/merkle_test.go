package merkle_test

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/sovereign-ledger/sovereign/internal/merkle"
)

func hashes(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		sum := sha256.Sum256([]byte(fmt.Sprintf("entry-%d", i)))
		out[i] = sum[:]
	}
	return out
}

func TestRoot_deterministic(t *testing.T) {
	members := hashes(7)
	first := merkle.Root(members)
	for i := 0; i < 10; i++ {
		if got := merkle.Root(members); string(got) != string(first) {
			t.Fatal("root changed across repeated computations")
		}
	}
}

func TestRoot_orderSensitive(t *testing.T) {
	members := hashes(4)
	base := merkle.Root(members)

	swapped := hashes(4)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	if string(merkle.Root(swapped)) == string(base) {
		t.Error("reordering members did not change the root")
	}

	mutated := hashes(4)
	mutated[2][0] ^= 0x01
	if string(merkle.Root(mutated)) == string(base) {
		t.Error("mutating a member did not change the root")
	}
}

func TestRoot_oddCountDuplicatesLast(t *testing.T) {
	members := hashes(3)
	withDup := append(hashes(3), members[2])
	if string(merkle.Root(members)) != string(merkle.Root(withDup)) {
		t.Error("odd level should behave as if the last node were duplicated")
	}
}

func TestRoot_singleLeaf(t *testing.T) {
	members := hashes(1)
	if string(merkle.Root(members)) != string(members[0]) {
		t.Error("single-leaf root should be the leaf itself")
	}
}

func TestRoot_empty(t *testing.T) {
	if merkle.Root(nil) != nil {
		t.Error("empty input should produce nil root")
	}
}

func TestBatcher_emitsAtBatchSize(t *testing.T) {
	b, err := merkle.NewBatcher(4)
	if err != nil {
		t.Fatal(err)
	}

	members := hashes(4)
	for i := 0; i < 3; i++ {
		if anchor := b.Add(members[i]); anchor != nil {
			t.Fatalf("anchor emitted early at entry %d", i)
		}
	}
	anchor := b.Add(members[3])
	if anchor == nil {
		t.Fatal("no anchor emitted at batch size")
	}
	if anchor.BatchSize != 4 || len(anchor.EntryHashes) != 4 {
		t.Errorf("anchor batch size wrong: %d members=%d", anchor.BatchSize, len(anchor.EntryHashes))
	}
	if b.Pending() != 0 {
		t.Errorf("accumulator not reset, pending=%d", b.Pending())
	}

	recomputed, err := merkle.RootHex(anchor.EntryHashes)
	if err != nil {
		t.Fatal(err)
	}
	if recomputed != anchor.MerkleRoot {
		t.Errorf("anchor root not recomputable: %s != %s", recomputed, anchor.MerkleRoot)
	}
}

func TestBatcher_restore(t *testing.T) {
	b, err := merkle.NewBatcher(3)
	if err != nil {
		t.Fatal(err)
	}
	b.Restore(hashes(2))
	if b.Pending() != 2 {
		t.Fatalf("pending=%d after restore", b.Pending())
	}
	if anchor := b.Add(hashes(1)[0]); anchor == nil {
		t.Error("restored batch did not complete")
	}
}
