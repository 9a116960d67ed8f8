package integrity_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/continuity"
	"github.com/sovereign-ledger/sovereign/internal/genesis"
	"github.com/sovereign-ledger/sovereign/internal/hmackeys"
	"github.com/sovereign-ledger/sovereign/internal/integrity"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
	"github.com/sovereign-ledger/sovereign/internal/merkle"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

var ctx = context.Background()

type stack struct {
	dir     string
	ident   *genesis.Identity
	rotator *hmackeys.Rotator
	ledger  *ledger.Ledger
	store   *anchor.Store
	chain   *tsa.Chain
	guard   *continuity.Guard
	checker *integrity.Checker
	auth    *tsa.LocalAuthority
}

// newStack builds the full trail by hand: every closed batch is pinned and
// timestamped, the genesis identity is pinned in the guard.
func newStack(t *testing.T, batchSize, events int) *stack {
	t.Helper()
	dir := t.TempDir()

	ident, err := genesis.GenerateOrLoad(dir+"/keys", nil)
	if err != nil {
		t.Fatal(err)
	}
	rotator, err := hmackeys.New(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	batcher, err := merkle.NewBatcher(batchSize)
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Open(ledger.Config{Dir: dir + "/data"}, ident, rotator, batcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	fs, err := anchor.NewFS(dir+"/anchors", nil)
	if err != nil {
		t.Fatal(err)
	}
	store := anchor.NewStore(nil, time.Second, fs)

	auth, err := tsa.NewLocal()
	if err != nil {
		t.Fatal(err)
	}
	chain, err := tsa.OpenChain(dir+"/tsa", auth, ident, nil)
	if err != nil {
		t.Fatal(err)
	}

	guard, err := continuity.Open(dir+"/continuity", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := guard.PinGenesis(ident.ID(), ident.PublicKey(), ""); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < events; i++ {
		_, batches, err := l.Append(ctx, ledger.Input{
			Type: "workload.event", Data: map[string]any{"i": i}, Actor: "worker",
		})
		if err != nil {
			t.Fatal(err)
		}
		for _, batch := range batches {
			if _, err := store.PinRoot(ctx, ident.ID(), batch); err != nil {
				t.Fatal(err)
			}
			if _, err := chain.CreateAnchor(ctx, batch.MerkleRoot); err != nil {
				t.Fatal(err)
			}
		}
	}

	return &stack{
		dir:   dir,
		ident: ident, rotator: rotator, ledger: l,
		store: store, chain: chain, guard: guard, auth: auth,
		checker: integrity.NewChecker(l, ident, rotator, store, chain, guard, nil),
	}
}

func TestCheck_healthyTrail(t *testing.T) {
	s := newStack(t, 3, 7)

	report := s.checker.Check(ctx)
	if !report.OK {
		t.Fatalf("healthy trail failed: %+v", report.Issues)
	}
	if report.Events != 7 {
		t.Errorf("checked %d events, want 7", report.Events)
	}
	if report.Anchors != 2 {
		t.Errorf("checked %d anchors, want 2", report.Anchors)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("unexpected warnings: %+v", report.Warnings)
	}
}

func TestCheck_detectsFlippedByte(t *testing.T) {
	s := newStack(t, 3, 4)

	raw, err := os.ReadFile(s.ledger.Path())
	if err != nil {
		t.Fatal(err)
	}
	mutated := bytes.Replace(raw, []byte(`"i":2`), []byte(`"i":7`), 1)
	if bytes.Equal(mutated, raw) {
		t.Fatal("mutation did not apply")
	}
	if err := os.WriteFile(s.ledger.Path(), mutated, 0o600); err != nil {
		t.Fatal(err)
	}

	report := s.checker.Check(ctx)
	if report.OK {
		t.Fatal("tampered trail passed")
	}
	var checks []string
	for _, issue := range report.Issues {
		checks = append(checks, issue.Check)
	}
	if !contains(checks, "hash_chain") {
		t.Errorf("hash chain break not reported: %v", checks)
	}
	if !contains(checks, "signature") {
		t.Errorf("signature break not reported: %v", checks)
	}
}

func TestCheck_unknownHMACKeyIsWarning(t *testing.T) {
	s := newStack(t, 100, 3)

	// A verifier process with a fresh rotator cannot know the writer's
	// keys: historical tags become unverifiable, not invalid.
	fresh, err := hmackeys.New(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	checker := integrity.NewChecker(s.ledger, s.ident, fresh, s.store, s.chain, s.guard, nil)

	report := checker.Check(ctx)
	if !report.OK {
		t.Fatalf("unknown hmac keys must not fail the check: %+v", report.Issues)
	}
	if len(report.Warnings) != 3 {
		t.Errorf("got %d warnings, want 3", len(report.Warnings))
	}
}

func TestCheck_unpinnedRootIsIssue(t *testing.T) {
	s := newStack(t, 2, 2)

	// Remove the pinned records: the batch root loses its external anchor.
	anchorDir := filepath.Join(s.dir, "anchors")
	files, err := os.ReadDir(anchorDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		full := filepath.Join(anchorDir, f.Name())
		if err := os.Chmod(full, 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Remove(full); err != nil {
			t.Fatal(err)
		}
	}

	report := s.checker.Check(ctx)
	if report.OK {
		t.Fatal("missing external pin not detected")
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Check == "merkle" {
			found = true
		}
	}
	if !found {
		t.Errorf("no merkle issue in %+v", report.Issues)
	}
}

func TestProofBundle_offlineVerification(t *testing.T) {
	s := newStack(t, 2, 4)

	events, err := s.ledger.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	target := events[1] // inside the first closed batch

	bundle, err := s.checker.ProofBundle(target.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if bundle.MerkleAnchorID == "" || bundle.TSAAnchor == nil {
		t.Fatalf("bundle missing anchors: %+v", bundle)
	}
	if bundle.ChainIndex != 1 {
		t.Errorf("chain index %d, want 1", bundle.ChainIndex)
	}

	// Round-trip through JSON: the bundle is what a verifier receives.
	wire, err := json.Marshal(bundle)
	if err != nil {
		t.Fatal(err)
	}
	var received integrity.Bundle
	if err := json.Unmarshal(wire, &received); err != nil {
		t.Fatal(err)
	}

	if err := integrity.VerifyBundle(&received, s.auth); err != nil {
		t.Errorf("valid bundle rejected: %v", err)
	}
	if err := integrity.VerifyBundle(&received, nil); err != nil {
		t.Errorf("valid bundle rejected without authority: %v", err)
	}

	// Tampering with the event inside the bundle must be detected.
	received.Event.Description = "rewritten"
	if err := integrity.VerifyBundle(&received, nil); err == nil {
		t.Error("tampered bundle accepted")
	}
}

func TestProofBundle_openBatchHasNoMerkleSection(t *testing.T) {
	s := newStack(t, 10, 3) // batch never closes

	events, err := s.ledger.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := s.checker.ProofBundle(events[0].EventID)
	if err != nil {
		t.Fatal(err)
	}
	if bundle.MerkleAnchorID != "" || bundle.TSAAnchor != nil {
		t.Errorf("open batch produced anchor sections: %+v", bundle)
	}
	if err := integrity.VerifyBundle(bundle, nil); err != nil {
		t.Errorf("bundle without merkle section rejected: %v", err)
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
