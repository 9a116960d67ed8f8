package anchor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/merkle"
)

const defaultBackendTimeout = 10 * time.Second

// Store fans pin and lookup requests out across the configured backends.
type Store struct {
	backends []Backend
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore builds a store over the given backends, tried in order. timeout
// bounds each individual backend call; zero means the default.
func NewStore(logger *zap.Logger, timeout time.Duration, backends ...Backend) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	return &Store{backends: backends, timeout: timeout, logger: logger, now: time.Now}
}

// Backends lists the configured backend names in pin order.
func (s *Store) Backends() []string {
	names := make([]string, len(s.backends))
	for i, b := range s.backends {
		names[i] = b.Name()
	}
	return names
}

// PinRoot pins a completed Merkle batch under the given genesis identity.
// Every backend is attempted; the pin succeeds when at least one confirms.
// The per-backend results are always returned so callers can record partial
// degradation. A *PinningError is returned only when every backend fails.
func (s *Store) PinRoot(ctx context.Context, genesisID string, batch *merkle.Anchor) (map[string]PinResult, error) {
	rec := &Record{
		AnchorID:    batch.AnchorID,
		MerkleRoot:  batch.MerkleRoot,
		GenesisID:   genesisID,
		BatchSize:   batch.BatchSize,
		EntryHashes: append([]string(nil), batch.EntryHashes...),
		PinnedAt:    s.now().UTC(),
	}

	results := make(map[string]PinResult, len(s.backends))
	failures := make(map[string]error)
	for _, b := range s.backends {
		bctx, cancel := context.WithTimeout(ctx, s.timeout)
		conf, err := b.Pin(bctx, rec)
		cancel()
		if err != nil {
			failures[b.Name()] = err
			results[b.Name()] = PinResult{Err: err}
			s.logger.Warn("anchor pin failed",
				zap.String("backend", b.Name()),
				zap.String("anchor_id", rec.AnchorID),
				zap.Error(err),
			)
			continue
		}
		results[b.Name()] = PinResult{Confirmation: conf}
		s.logger.Info("merkle root pinned",
			zap.String("backend", b.Name()),
			zap.String("anchor_id", rec.AnchorID),
			zap.String("merkle_root", rec.MerkleRoot[:16]),
		)
	}

	if len(failures) == len(s.backends) {
		return results, &PinningError{AnchorID: rec.AnchorID, Failures: failures}
	}
	return results, nil
}

// VerifyRoot returns the first pinned record matching the Merkle root under
// the given genesis id. Backend errors are logged and skipped so one
// unreachable backend cannot mask a record held by another. ErrNotFound is
// returned when no backend holds a match.
func (s *Store) VerifyRoot(ctx context.Context, merkleRoot, genesisID string) (*Record, error) {
	for _, b := range s.backends {
		bctx, cancel := context.WithTimeout(ctx, s.timeout)
		rec, err := b.Find(bctx, merkleRoot, genesisID)
		cancel()
		if err != nil {
			s.logger.Warn("anchor lookup failed",
				zap.String("backend", b.Name()),
				zap.Error(err),
			)
			continue
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}
