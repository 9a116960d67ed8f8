package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresBackend pins anchor records to a merkle_anchors table. The primary
// key on anchor_id makes re-pinning the same anchor an error rather than an
// overwrite.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres builds a backend over an existing connection pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *PostgresBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresBackend{pool: pool, logger: logger}
}

// EnsureSchema creates the merkle_anchors table if it does not exist.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS merkle_anchors (
			anchor_id    TEXT PRIMARY KEY,
			merkle_root  TEXT NOT NULL,
			genesis_id   TEXT NOT NULL,
			batch_size   INT NOT NULL,
			entry_hashes JSONB NOT NULL,
			pinned_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS merkle_anchors_root_genesis_idx
			ON merkle_anchors (merkle_root, genesis_id);
	`)
	if err != nil {
		return fmt.Errorf("anchor: ensure schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Name() string { return "postgres" }

// Pin inserts the record. A duplicate anchor id fails on the primary key.
func (b *PostgresBackend) Pin(ctx context.Context, rec *Record) (*Confirmation, error) {
	hashes, err := json.Marshal(rec.EntryHashes)
	if err != nil {
		return nil, fmt.Errorf("anchor: marshal entry hashes: %w", err)
	}
	if _, err := b.pool.Exec(ctx,
		`INSERT INTO merkle_anchors (anchor_id, merkle_root, genesis_id, batch_size, entry_hashes, pinned_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.AnchorID, rec.MerkleRoot, rec.GenesisID, rec.BatchSize, hashes, rec.PinnedAt,
	); err != nil {
		return nil, fmt.Errorf("anchor: insert %s: %w", rec.AnchorID, err)
	}
	return &Confirmation{
		Backend:  b.Name(),
		Location: fmt.Sprintf("postgres:merkle_anchors/%s", rec.AnchorID),
	}, nil
}

// Find returns the oldest pinned record matching the Merkle root under the
// genesis id, or (nil, nil) when none exists.
func (b *PostgresBackend) Find(ctx context.Context, merkleRoot, genesisID string) (*Record, error) {
	rec := &Record{}
	var hashes []byte
	err := b.pool.QueryRow(ctx,
		`SELECT anchor_id, merkle_root, genesis_id, batch_size, entry_hashes, pinned_at
		 FROM merkle_anchors
		 WHERE merkle_root = $1 AND genesis_id = $2
		 ORDER BY pinned_at ASC LIMIT 1`,
		merkleRoot, genesisID,
	).Scan(&rec.AnchorID, &rec.MerkleRoot, &rec.GenesisID, &rec.BatchSize, &hashes, &rec.PinnedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("anchor: query merkle_anchors: %w", err)
	}
	if err := json.Unmarshal(hashes, &rec.EntryHashes); err != nil {
		return nil, fmt.Errorf("anchor: decode entry hashes: %w", err)
	}
	return rec, nil
}
