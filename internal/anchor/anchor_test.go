package anchor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/merkle"
)

var ctx = context.Background()

func testBatch(t *testing.T) *merkle.Anchor {
	t.Helper()
	b, err := merkle.NewBatcher(2)
	if err != nil {
		t.Fatal(err)
	}
	b.Add([]byte("entry-one-hash-entry-one-hash-32"))
	a := b.Add([]byte("entry-two-hash-entry-two-hash-32"))
	if a == nil {
		t.Fatal("batch did not complete")
	}
	return a
}

// failBackend always errors; usable to simulate an unreachable target.
type failBackend struct{ name string }

func (f *failBackend) Name() string { return f.name }
func (f *failBackend) Pin(context.Context, *anchor.Record) (*anchor.Confirmation, error) {
	return nil, errors.New("connection refused")
}
func (f *failBackend) Find(context.Context, string, string) (*anchor.Record, error) {
	return nil, errors.New("connection refused")
}

func TestFSBackend_pinAndFind(t *testing.T) {
	fs, err := anchor.NewFS(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	batch := testBatch(t)
	store := anchor.NewStore(nil, time.Second, fs)

	results, err := store.PinRoot(ctx, "GENESIS-AAAA0000BBBB1111", batch)
	if err != nil {
		t.Fatal(err)
	}
	res := results["filesystem"]
	if res.Err != nil || res.Confirmation == nil {
		t.Fatalf("filesystem pin failed: %+v", res)
	}

	// The record file must be readable and read-only.
	info, err := os.Stat(res.Confirmation.Location)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Errorf("record mode %v, want 0444", info.Mode().Perm())
	}
	if filepath.Base(res.Confirmation.Location) != "merkle_anchor_"+batch.AnchorID+".json" {
		t.Errorf("unexpected record name %s", res.Confirmation.Location)
	}

	rec, err := store.VerifyRoot(ctx, batch.MerkleRoot, "GENESIS-AAAA0000BBBB1111")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AnchorID != batch.AnchorID || rec.BatchSize != 2 {
		t.Errorf("recovered record mismatch: %+v", rec)
	}
}

func TestFSBackend_rejectsDuplicateAnchorID(t *testing.T) {
	fs, err := anchor.NewFS(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &anchor.Record{AnchorID: "dupe", MerkleRoot: "aa", GenesisID: "GENESIS-X", PinnedAt: time.Now()}
	if _, err := fs.Pin(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Pin(ctx, rec); err == nil {
		t.Error("second pin of same anchor id succeeded; records must be immutable")
	}
}

func TestVerifyRoot_genesisMismatchIsNotFound(t *testing.T) {
	fs, err := anchor.NewFS(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	batch := testBatch(t)
	store := anchor.NewStore(nil, time.Second, fs)

	if _, err := store.PinRoot(ctx, "GENESIS-ORIGINAL00000000", batch); err != nil {
		t.Fatal(err)
	}

	// Same root requested under a different identity must not verify.
	_, err = store.VerifyRoot(ctx, batch.MerkleRoot, "GENESIS-IMPOSTOR00000000")
	if !errors.Is(err, anchor.ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign genesis id, got %v", err)
	}
}

func TestPinRoot_partialFailureIsNotFatal(t *testing.T) {
	fs, err := anchor.NewFS(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	store := anchor.NewStore(nil, time.Second, fs, &failBackend{name: "s3"})

	results, err := store.PinRoot(ctx, "GENESIS-AAAA0000BBBB1111", testBatch(t))
	if err != nil {
		t.Fatalf("pin failed despite one healthy backend: %v", err)
	}
	if results["filesystem"].Err != nil {
		t.Error("filesystem backend should have succeeded")
	}
	if results["s3"].Err == nil {
		t.Error("s3 backend failure not reported")
	}
}

func TestPinRoot_allBackendsFailing(t *testing.T) {
	store := anchor.NewStore(nil, time.Second,
		&failBackend{name: "s3"}, &failBackend{name: "postgres"})

	batch := testBatch(t)
	_, err := store.PinRoot(ctx, "GENESIS-AAAA0000BBBB1111", batch)
	var pinErr *anchor.PinningError
	if !errors.As(err, &pinErr) {
		t.Fatalf("expected PinningError, got %v", err)
	}
	if pinErr.AnchorID != batch.AnchorID {
		t.Errorf("error names anchor %s, want %s", pinErr.AnchorID, batch.AnchorID)
	}
	if len(pinErr.Failures) != 2 {
		t.Errorf("expected 2 recorded failures, got %d", len(pinErr.Failures))
	}
}

func TestFSBackend_listFiltersByGenesis(t *testing.T) {
	fs, err := anchor.NewFS(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, gid := range []string{"GENESIS-A", "GENESIS-A", "GENESIS-B"} {
		rec := &anchor.Record{
			AnchorID:   string(rune('a' + i)),
			MerkleRoot: "root",
			GenesisID:  gid,
			PinnedAt:   time.Now(),
		}
		if _, err := fs.Pin(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	records, err := fs.List("GENESIS-A")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records for GENESIS-A, want 2", len(records))
	}
	all, err := fs.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d records unfiltered, want 3", len(all))
	}
}
