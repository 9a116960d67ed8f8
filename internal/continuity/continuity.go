// Package continuity pins the genesis identity outside the audit data
// directory and refuses to operate when the identity changes. Deleting the
// genesis keys and minting a fresh identity must never look like a clean
// first boot.
package continuity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/genesis"
)

const (
	pinsFileName       = "genesis_pins.json"
	violationsFileName = "continuity_violations.jsonl"
)

// ErrFrozen is returned once a continuity violation has been recorded. A
// frozen trail refuses audited appends until an operator intervenes; there
// is deliberately no automatic recovery.
var ErrFrozen = errors.New("continuity: trail frozen after violation")

// Pin is the permanent record binding a genesis id to its public key hash.
type Pin struct {
	GenesisID         string    `json:"genesis_id"`
	PublicKeyHash     string    `json:"public_key_hash"`
	PinnedAt          time.Time `json:"pinned_at"`
	InitialMerkleRoot string    `json:"initial_merkle_root,omitempty"`
}

// Violation is one recorded continuity break.
type Violation struct {
	Kind       string    `json:"kind"` // "replacement" or "discontinuity"
	GenesisID  string    `json:"genesis_id"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ReplacementError reports a genesis id re-pinned with a different key.
type ReplacementError struct {
	GenesisID     string
	PinnedHash    string
	PresentedHash string
}

func (e *ReplacementError) Error() string {
	return fmt.Sprintf("continuity: genesis %s public key replaced: pinned %s, presented %s",
		e.GenesisID, e.PinnedHash[:16], e.PresentedHash[:16])
}

// DiscontinuityError reports a genesis id that does not match any pin even
// though pins exist: the original identity vanished.
type DiscontinuityError struct {
	ActualID  string
	PinnedIDs []string
}

func (e *DiscontinuityError) Error() string {
	return fmt.Sprintf("continuity: genesis %s matches no pinned identity (pinned: %v)",
		e.ActualID, e.PinnedIDs)
}

// Guard owns the pin store and the violations log.
type Guard struct {
	logger *zap.Logger

	mu             sync.Mutex
	pinsPath       string
	violationsPath string
	pins           []Pin
	frozen         bool
}

// Open loads the guard state from dir. The guard starts frozen when the
// violations log is non-empty: a past violation survives restarts.
func Open(dir string, logger *zap.Logger) (*Guard, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("continuity: create dir %s: %w", dir, err)
	}
	g := &Guard{
		logger:         logger,
		pinsPath:       filepath.Join(dir, pinsFileName),
		violationsPath: filepath.Join(dir, violationsFileName),
	}

	data, err := os.ReadFile(g.pinsPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("continuity: read pins: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &g.pins); err != nil {
			return nil, fmt.Errorf("continuity: decode pins: %w", err)
		}
	}

	info, err := os.Stat(g.violationsPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("continuity: stat violations log: %w", err)
	}
	if err == nil && info.Size() > 0 {
		g.frozen = true
		logger.Error("continuity violations on record; trail frozen",
			zap.String("violations", g.violationsPath))
	}
	return g, nil
}

// Frozen reports whether a violation has been recorded.
func (g *Guard) Frozen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frozen
}

// PinnedIDs lists all pinned genesis ids in pin order.
func (g *Guard) PinnedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, len(g.pins))
	for i, p := range g.pins {
		ids[i] = p.GenesisID
	}
	return ids
}

// Violations returns the recorded violations.
func (g *Guard) Violations() ([]Violation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, err := os.ReadFile(g.violationsPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("continuity: read violations: %w", err)
	}
	var out []Violation
	for _, line := range splitLines(data) {
		var v Violation
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("continuity: decode violation: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// PinGenesis pins a genesis identity. Pinning the same id with the same key
// hash again is a no-op; a differing hash records a replacement violation,
// freezes the guard, and returns *ReplacementError. The existing pin is
// never rewritten.
func (g *Guard) PinGenesis(genesisID string, pub ed25519.PublicKey, initialMerkleRoot string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	hash := genesis.PublicKeyHash(pub)
	for _, p := range g.pins {
		if p.GenesisID != genesisID {
			continue
		}
		if p.PublicKeyHash == hash {
			return nil
		}
		err := &ReplacementError{GenesisID: genesisID, PinnedHash: p.PublicKeyHash, PresentedHash: hash}
		g.recordViolationLocked("replacement", genesisID, err.Error())
		return err
	}

	g.pins = append(g.pins, Pin{
		GenesisID:         genesisID,
		PublicKeyHash:     hash,
		PinnedAt:          time.Now().UTC(),
		InitialMerkleRoot: initialMerkleRoot,
	})
	if err := g.savePinsLocked(); err != nil {
		g.pins = g.pins[:len(g.pins)-1]
		return err
	}
	g.logger.Info("genesis identity pinned",
		zap.String("genesis_id", genesisID),
		zap.String("public_key_hash", hash[:16]),
	)
	return nil
}

// VerifyContinuity checks a presented identity against its pin.
func (g *Guard) VerifyContinuity(genesisID string, pub ed25519.PublicKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	hash := genesis.PublicKeyHash(pub)
	for _, p := range g.pins {
		if p.GenesisID != genesisID {
			continue
		}
		if p.PublicKeyHash == hash {
			return nil
		}
		err := &ReplacementError{GenesisID: genesisID, PinnedHash: p.PublicKeyHash, PresentedHash: hash}
		g.recordViolationLocked("replacement", genesisID, err.Error())
		return err
	}
	// Unpinned id: nothing to compare against here. CheckDiscontinuity
	// decides whether an unpinned id is legitimate.
	return nil
}

// CheckDiscontinuity detects a vanished identity: pins exist but none
// matches the presented genesis id. The very first initialization, before
// any pin exists, is exempt.
func (g *Guard) CheckDiscontinuity(actualID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pins) == 0 {
		return nil
	}
	ids := make([]string, len(g.pins))
	for i, p := range g.pins {
		ids[i] = p.GenesisID
		if p.GenesisID == actualID {
			return nil
		}
	}
	err := &DiscontinuityError{ActualID: actualID, PinnedIDs: ids}
	g.recordViolationLocked("discontinuity", actualID, err.Error())
	return err
}

// RecordViolation freezes the guard over a violation detected elsewhere,
// such as a timestamp rollback in the anchor chain.
func (g *Guard) RecordViolation(kind, genesisID, detail string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recordViolationLocked(kind, genesisID, detail)
}

func (g *Guard) savePinsLocked() error {
	data, err := json.MarshalIndent(g.pins, "", "  ")
	if err != nil {
		return fmt.Errorf("continuity: encode pins: %w", err)
	}
	tmp := g.pinsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("continuity: write pins: %w", err)
	}
	if err := os.Rename(tmp, g.pinsPath); err != nil {
		return fmt.Errorf("continuity: replace pins: %w", err)
	}
	return nil
}

// recordViolationLocked appends to the violations log and freezes the
// guard. The log is append-only; a failed write still freezes.
func (g *Guard) recordViolationLocked(kind, genesisID, detail string) {
	g.frozen = true
	v := Violation{Kind: kind, GenesisID: genesisID, Detail: detail, RecordedAt: time.Now().UTC()}
	line, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("encode continuity violation", zap.Error(err))
		return
	}
	f, err := os.OpenFile(g.violationsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		g.logger.Error("open continuity violations log", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		g.logger.Error("append continuity violation", zap.Error(err))
	}
	g.logger.Error("continuity violation recorded",
		zap.String("kind", kind),
		zap.String("genesis_id", genesisID),
		zap.String("detail", detail),
	)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
