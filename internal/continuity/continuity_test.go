package continuity_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/sovereign-ledger/sovereign/internal/continuity"
)

func newKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub
}

func TestPinGenesis_firstPinAndNoOpRepin(t *testing.T) {
	guard, err := continuity.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	pub := newKey(t)

	if err := guard.PinGenesis("GENESIS-AAAA", pub, ""); err != nil {
		t.Fatal(err)
	}
	if err := guard.PinGenesis("GENESIS-AAAA", pub, ""); err != nil {
		t.Errorf("re-pin with same key should be a no-op, got %v", err)
	}
	if guard.Frozen() {
		t.Error("guard frozen without a violation")
	}
	if ids := guard.PinnedIDs(); len(ids) != 1 || ids[0] != "GENESIS-AAAA" {
		t.Errorf("pinned ids = %v", ids)
	}
}

func TestPinGenesis_keyReplacementFreezes(t *testing.T) {
	dir := t.TempDir()
	guard, err := continuity.Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := guard.PinGenesis("GENESIS-AAAA", newKey(t), ""); err != nil {
		t.Fatal(err)
	}

	err = guard.PinGenesis("GENESIS-AAAA", newKey(t), "")
	var repl *continuity.ReplacementError
	if !errors.As(err, &repl) {
		t.Fatalf("expected ReplacementError, got %v", err)
	}
	if !guard.Frozen() {
		t.Error("guard not frozen after replacement")
	}

	violations, err := guard.Violations()
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 1 || violations[0].Kind != "replacement" {
		t.Errorf("violations = %+v", violations)
	}

	// Frozen state survives a restart.
	reopened, err := continuity.Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Frozen() {
		t.Error("frozen state lost across restart")
	}
}

func TestVerifyContinuity(t *testing.T) {
	guard, err := continuity.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	pub := newKey(t)
	if err := guard.PinGenesis("GENESIS-AAAA", pub, ""); err != nil {
		t.Fatal(err)
	}

	if err := guard.VerifyContinuity("GENESIS-AAAA", pub); err != nil {
		t.Errorf("matching identity rejected: %v", err)
	}

	var repl *continuity.ReplacementError
	if err := guard.VerifyContinuity("GENESIS-AAAA", newKey(t)); !errors.As(err, &repl) {
		t.Errorf("expected ReplacementError for swapped key, got %v", err)
	}
}

func TestCheckDiscontinuity(t *testing.T) {
	dir := t.TempDir()
	guard, err := continuity.Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	// First-ever initialization: no pins, nothing to contradict.
	if err := guard.CheckDiscontinuity("GENESIS-FRESH"); err != nil {
		t.Errorf("first init flagged as discontinuity: %v", err)
	}

	if err := guard.PinGenesis("GENESIS-ORIGINAL", newKey(t), ""); err != nil {
		t.Fatal(err)
	}
	if err := guard.CheckDiscontinuity("GENESIS-ORIGINAL"); err != nil {
		t.Errorf("pinned identity flagged: %v", err)
	}

	// A different identity where a pin already exists means the original
	// keys were destroyed and regenerated.
	err = guard.CheckDiscontinuity("GENESIS-USURPER")
	var disc *continuity.DiscontinuityError
	if !errors.As(err, &disc) {
		t.Fatalf("expected DiscontinuityError, got %v", err)
	}
	if disc.ActualID != "GENESIS-USURPER" {
		t.Errorf("error names %s", disc.ActualID)
	}
	if !guard.Frozen() {
		t.Error("guard not frozen after discontinuity")
	}
}
