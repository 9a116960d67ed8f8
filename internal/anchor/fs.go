package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FSBackend pins anchor records as read-only JSON files. It is the mandatory
// baseline backend: always configured, no network dependency.
type FSBackend struct {
	dir    string
	logger *zap.Logger
}

// NewFS creates the anchor directory if needed.
func NewFS(dir string, logger *zap.Logger) (*FSBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("anchor: create dir %s: %w", dir, err)
	}
	return &FSBackend{dir: dir, logger: logger}, nil
}

func (b *FSBackend) Name() string { return "filesystem" }

// Pin writes the record as merkle_anchor_<id>.json with mode 0444. The file
// is created exclusively: an anchor id can never be silently overwritten.
func (b *FSBackend) Pin(_ context.Context, rec *Record) (*Confirmation, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("anchor: marshal record: %w", err)
	}
	path := filepath.Join(b.dir, fmt.Sprintf("merkle_anchor_%s.json", rec.AnchorID))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		return nil, fmt.Errorf("anchor: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("anchor: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("anchor: close %s: %w", path, err)
	}
	return &Confirmation{Backend: b.Name(), Location: path}, nil
}

// Find scans the anchor directory for a record matching both the Merkle root
// and the genesis id. Unreadable files are logged and skipped.
func (b *FSBackend) Find(_ context.Context, merkleRoot, genesisID string) (*Record, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, "merkle_anchor_*.json"))
	if err != nil {
		return nil, fmt.Errorf("anchor: scan %s: %w", b.dir, err)
	}
	for _, path := range matches {
		rec, err := readRecord(path)
		if err != nil {
			b.logger.Warn("skipping unreadable anchor file", zap.String("path", path), zap.Error(err))
			continue
		}
		if rec.MerkleRoot == merkleRoot && rec.GenesisID == genesisID {
			return rec, nil
		}
	}
	return nil, nil
}

// List returns every record pinned under the given genesis id, or all
// records when genesisID is empty.
func (b *FSBackend) List(genesisID string) ([]Record, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, "merkle_anchor_*.json"))
	if err != nil {
		return nil, fmt.Errorf("anchor: scan %s: %w", b.dir, err)
	}
	var records []Record
	for _, path := range matches {
		rec, err := readRecord(path)
		if err != nil {
			b.logger.Warn("skipping unreadable anchor file", zap.String("path", path), zap.Error(err))
			continue
		}
		if genesisID != "" && rec.GenesisID != genesisID {
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
