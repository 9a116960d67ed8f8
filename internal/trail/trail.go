// Package trail wires the audit layers into one write path: the genesis
// identity signs, the ledger chains, batches anchor to external storage and
// the timestamp authority, and the continuity guard arbitrates startup.
package trail

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/continuity"
	"github.com/sovereign-ledger/sovereign/internal/genesis"
	"github.com/sovereign-ledger/sovereign/internal/hmackeys"
	"github.com/sovereign-ledger/sovereign/internal/integrity"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
	"github.com/sovereign-ledger/sovereign/internal/merkle"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

const (
	defaultBatchSize    = 100
	defaultHMACInterval = 24 * time.Hour
	defaultPinTimeout   = 10 * time.Second
)

// Config assembles a trail under BaseDir. Subdirectories: keys, data,
// anchors, tsa, continuity.
type Config struct {
	BaseDir      string
	BatchSize    int           // Merkle batch size, default 100
	RotateBytes  int64         // ledger rotation threshold, 0 for default
	HMACInterval time.Duration // key rotation interval, default 24h
	// HMACSeed switches the HMAC layer to a deterministic HKDF schedule.
	// Replayed deployments with the same seed reproduce key ids and tags.
	HMACSeed []byte
	// Authority issues timestamp tokens. Nil selects a local Ed25519
	// notary; production deployments configure tsa.NewHTTP.
	Authority tsa.Authority
	// Backends are pinning targets beyond the mandatory filesystem one.
	Backends   []anchor.Backend
	PinTimeout time.Duration
}

// Trail is the audit log facade. All writes go through LogEvent.
type Trail struct {
	logger  *zap.Logger
	ident   *genesis.Identity
	guard   *continuity.Guard
	rotator *hmackeys.Rotator
	ledger  *ledger.Ledger
	store   *anchor.Store
	chain   *tsa.Chain
	checker *integrity.Checker

	pinTimeout time.Duration

	mu       sync.Mutex
	degraded bool
}

// New assembles and starts a trail. Continuity violations at startup — a
// replaced key or a vanished identity — are fatal: the caller gets the
// typed error and no trail.
func New(cfg Config, logger *zap.Logger) (*Trail, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("trail: base dir is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.HMACInterval <= 0 {
		cfg.HMACInterval = defaultHMACInterval
	}
	if cfg.PinTimeout <= 0 {
		cfg.PinTimeout = defaultPinTimeout
	}

	guard, err := continuity.Open(filepath.Join(cfg.BaseDir, "continuity"), logger)
	if err != nil {
		return nil, err
	}

	ident, err := genesis.GenerateOrLoad(filepath.Join(cfg.BaseDir, "keys"), logger)
	if err != nil {
		return nil, err
	}

	// A key directory that regenerated behind the guard's back is the
	// constitutional break this whole package exists to catch.
	if err := guard.CheckDiscontinuity(ident.ID()); err != nil {
		continuityViolationsTotal.Inc()
		return nil, err
	}
	if err := guard.PinGenesis(ident.ID(), ident.PublicKey(), ""); err != nil {
		continuityViolationsTotal.Inc()
		return nil, err
	}
	if err := guard.VerifyContinuity(ident.ID(), ident.PublicKey()); err != nil {
		continuityViolationsTotal.Inc()
		return nil, err
	}

	var rotatorOpts []hmackeys.Option
	if len(cfg.HMACSeed) > 0 {
		rotatorOpts = append(rotatorOpts, hmackeys.WithSeed(cfg.HMACSeed))
	}
	rotator, err := hmackeys.New(cfg.HMACInterval, rotatorOpts...)
	if err != nil {
		return nil, err
	}

	batcher, err := merkle.NewBatcher(cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	l, err := ledger.Open(ledger.Config{
		Dir:      filepath.Join(cfg.BaseDir, "data"),
		MaxBytes: cfg.RotateBytes,
	}, ident, rotator, batcher, logger)
	if err != nil {
		return nil, err
	}

	fs, err := anchor.NewFS(filepath.Join(cfg.BaseDir, "anchors"), logger)
	if err != nil {
		l.Close()
		return nil, err
	}
	store := anchor.NewStore(logger, cfg.PinTimeout, append([]anchor.Backend{fs}, cfg.Backends...)...)

	authority := cfg.Authority
	if authority == nil {
		// The notary key lives next to the anchor chain so earlier
		// anchors stay verifiable after a restart.
		authority, err = tsa.LoadOrCreateLocal(filepath.Join(cfg.BaseDir, "tsa"))
		if err != nil {
			l.Close()
			return nil, err
		}
		logger.Info("no timestamp authority configured; using local notary")
	}
	chain, err := tsa.OpenChain(filepath.Join(cfg.BaseDir, "tsa"), authority, ident, logger)
	if err != nil {
		l.Close()
		return nil, err
	}

	t := &Trail{
		logger:     logger,
		ident:      ident,
		guard:      guard,
		rotator:    rotator,
		ledger:     l,
		store:      store,
		chain:      chain,
		checker:    integrity.NewChecker(l, ident, rotator, store, chain, guard, logger),
		pinTimeout: cfg.PinTimeout,
	}

	logger.Info("audit trail started",
		zap.String("genesis_id", ident.ID()),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int64("events", l.Total()),
		zap.Bool("frozen", guard.Frozen()),
	)
	return t, nil
}

// LogEvent appends one audited event. It is the only write entry point.
// When the completed batch's timestamp anchor reveals a rollback the event
// is still durably stored, the trail freezes, and the violation is returned.
func (t *Trail) LogEvent(ctx context.Context, in ledger.Input) (*ledger.Event, error) {
	if t.guard.Frozen() {
		return nil, continuity.ErrFrozen
	}

	e, batches, err := t.ledger.Append(ctx, in)
	if err != nil {
		return nil, err
	}
	eventsTotal.Inc()

	// A rotation-triggered marker event can close a second batch in the
	// same call; every emitted anchor gets pinned and timestamped.
	for _, batch := range batches {
		if err := t.anchorBatch(ctx, batch); err != nil {
			return e, err
		}
	}
	return e, nil
}

// anchorBatch pins a completed batch externally and extends the timestamp
// anchor chain. Runs outside the ledger lock; backend trouble degrades, a
// timestamp rollback freezes.
func (t *Trail) anchorBatch(ctx context.Context, batch *merkle.Anchor) error {
	anchorsTotal.Inc()

	pinCtx, cancel := context.WithTimeout(ctx, t.pinTimeout)
	results, pinErr := t.store.PinRoot(pinCtx, t.ident.ID(), batch)
	cancel()
	for backend, res := range results {
		status := "success"
		if res.Err != nil {
			status = "error"
		}
		externalPinsTotal.WithLabelValues(backend, status).Inc()
	}
	var pinning *anchor.PinningError
	if errors.As(pinErr, &pinning) {
		t.logger.Error("merkle root not pinned anywhere", zap.Error(pinErr),
			zap.String("anchor_id", batch.AnchorID))
	}

	tsaCtx, cancel := context.WithTimeout(ctx, t.pinTimeout)
	_, err := t.chain.CreateAnchor(tsaCtx, batch.MerkleRoot)
	cancel()
	switch {
	case err == nil:
		tsaRequestsTotal.WithLabelValues("success").Inc()
		t.clearDegraded(ctx)
		return nil
	case isMonotonicViolation(err):
		tsaRequestsTotal.WithLabelValues("rollback").Inc()
		continuityViolationsTotal.Inc()
		t.guard.RecordViolation("rollback", t.ident.ID(), err.Error())
		return err
	case isUnavailable(err):
		tsaRequestsTotal.WithLabelValues("unavailable").Inc()
		t.enterDegraded(ctx, err)
		return nil
	default:
		tsaRequestsTotal.WithLabelValues("error").Inc()
		t.logger.Error("tsa anchor creation failed", zap.Error(err))
		return nil
	}
}

func isMonotonicViolation(err error) bool {
	var mono *tsa.MonotonicViolationError
	return errors.As(err, &mono)
}

func isUnavailable(err error) bool {
	var unavail *tsa.UnavailableError
	return errors.As(err, &unavail)
}

// enterDegraded records the transition into hash-chain-only operation as an
// audited event, once per outage.
func (t *Trail) enterDegraded(ctx context.Context, cause error) {
	t.mu.Lock()
	already := t.degraded
	t.degraded = true
	t.mu.Unlock()
	if already {
		return
	}
	t.logger.Warn("timestamp authority unreachable; continuing on hash chain only",
		zap.Error(cause))
	_, batches, err := t.ledger.Append(ctx, ledger.Input{
		Type:        "tsa.degraded",
		Actor:       "trail",
		Description: "timestamp authority unreachable; hash-chain-only mode",
		Severity:    ledger.SeverityWarning,
		Data:        map[string]any{"error": cause.Error()},
	})
	if err != nil {
		t.logger.Error("record degraded-mode event", zap.Error(err))
		return
	}
	t.anchorSideBatches(ctx, batches)
}

func (t *Trail) clearDegraded(ctx context.Context) {
	t.mu.Lock()
	was := t.degraded
	t.degraded = false
	t.mu.Unlock()
	if !was {
		return
	}
	t.logger.Info("timestamp authority reachable again")
	_, batches, err := t.ledger.Append(ctx, ledger.Input{
		Type:        "tsa.recovered",
		Actor:       "trail",
		Description: "timestamp authority reachable again",
		Severity:    ledger.SeverityInfo,
	})
	if err != nil {
		t.logger.Error("record recovery event", zap.Error(err))
		return
	}
	t.anchorSideBatches(ctx, batches)
}

// anchorSideBatches pins batches closed by the trail's own bookkeeping
// events. The degraded flag is already settled when these run, so the
// recursion through anchorBatch terminates after one mode-change event.
func (t *Trail) anchorSideBatches(ctx context.Context, batches []*merkle.Anchor) {
	for _, b := range batches {
		if err := t.anchorBatch(ctx, b); err != nil {
			t.logger.Error("anchor batch closed by bookkeeping event", zap.Error(err))
		}
	}
}

// Degraded reports whether the trail is in hash-chain-only mode.
func (t *Trail) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

// VerifyIntegrity runs the full layered check.
func (t *Trail) VerifyIntegrity(ctx context.Context) integrity.Report {
	return t.checker.Check(ctx)
}

// ProofBundle builds a standalone proof for one event.
func (t *Trail) ProofBundle(eventID string) (*integrity.Bundle, error) {
	return t.checker.ProofBundle(eventID)
}

// Ledger exposes the underlying event store for read paths.
func (t *Trail) Ledger() *ledger.Ledger { return t.ledger }

// Chain exposes the timestamp anchor chain.
func (t *Trail) Chain() *tsa.Chain { return t.chain }

// Guard exposes the continuity guard.
func (t *Trail) Guard() *continuity.Guard { return t.guard }

// Identity exposes the genesis identity.
func (t *Trail) Identity() *genesis.Identity { return t.ident }

// AnchorStore exposes the external pin store.
func (t *Trail) AnchorStore() *anchor.Store { return t.store }

// Close releases the ledger file handle.
func (t *Trail) Close() error {
	return t.ledger.Close()
}
