// Package anchor pins Merkle batch roots to external, independently
// survivable storage. A root pinned outside the audit data directory is
// evidence an attacker with filesystem access to the ledger cannot rewrite.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound reports that no backend holds a record for the requested
// Merkle root and genesis id.
var ErrNotFound = errors.New("anchor: record not found")

// Record is the unit of external pinning. It binds a Merkle root to the
// genesis identity that produced it so a record pinned by one identity can
// never satisfy verification for another.
type Record struct {
	AnchorID    string    `json:"anchor_id"`
	MerkleRoot  string    `json:"merkle_root"`
	GenesisID   string    `json:"genesis_id"`
	BatchSize   int       `json:"batch_size"`
	EntryHashes []string  `json:"entry_hashes"`
	PinnedAt    time.Time `json:"pinned_at"`
}

// Confirmation is a backend's durable receipt for a pinned record.
type Confirmation struct {
	Backend   string `json:"backend"`
	Location  string `json:"location"`
	VersionID string `json:"version_id,omitempty"`
}

// PinResult holds one backend's outcome for a pin fan-out.
type PinResult struct {
	Confirmation *Confirmation
	Err          error
}

// Backend is one external pinning target. Find returns (nil, nil) when the
// backend is reachable but holds no matching record; a record whose genesis
// id differs from the requested one is not a match.
type Backend interface {
	Name() string
	Pin(ctx context.Context, rec *Record) (*Confirmation, error)
	Find(ctx context.Context, merkleRoot, genesisID string) (*Record, error)
}

// PinningError reports that every configured backend failed to pin a record.
// Partial failure is degradation, not an error; total failure is.
type PinningError struct {
	AnchorID string
	Failures map[string]error
}

func (e *PinningError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return fmt.Sprintf("anchor %s: all backends failed to pin: %s",
		e.AnchorID, strings.Join(parts, "; "))
}
