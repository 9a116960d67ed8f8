// Package merkle batches event content hashes into binary Merkle trees.
//
// Every batchSize events the batcher emits an immutable Anchor carrying the
// tree root and the ordered member hashes. The root is order-sensitive and
// fully deterministic: the same member sequence always yields the same root,
// and any reorder or single-member change yields a different one.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Anchor is the immutable record emitted when a batch completes.
type Anchor struct {
	AnchorID    string    `json:"anchor_id"`
	MerkleRoot  string    `json:"merkle_root"`
	BatchSize   int       `json:"batch_size"`
	EntryHashes []string  `json:"entry_hashes"`
	CreatedAt   time.Time `json:"created_at"`
}

// Root computes the binary Merkle root of the given hashes. Adjacent nodes
// are paired with SHA-256(left || right); a level with an odd count
// duplicates its last node before pairing. Returns nil for an empty input.
func Root(hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return nil
	}
	level := make([][]byte, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return level[0]
}

// RootHex computes the Merkle root of hex-encoded member hashes, as stored in
// anchor records. An undecodable member is an error, never a silent skip.
func RootHex(hexHashes []string) (string, error) {
	raw := make([][]byte, 0, len(hexHashes))
	for i, h := range hexHashes {
		b, err := hex.DecodeString(h)
		if err != nil {
			return "", fmt.Errorf("merkle: decode member %d: %w", i, err)
		}
		raw = append(raw, b)
	}
	root := Root(raw)
	if root == nil {
		return "", fmt.Errorf("merkle: no members")
	}
	return hex.EncodeToString(root), nil
}

// Batcher accumulates content hashes and emits an Anchor per full batch.
type Batcher struct {
	mu        sync.Mutex
	batchSize int
	pending   [][]byte
	now       func() time.Time
}

// NewBatcher creates a Batcher that anchors every batchSize entries.
func NewBatcher(batchSize int) (*Batcher, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("merkle: batch size must be positive, got %d", batchSize)
	}
	return &Batcher{batchSize: batchSize, now: time.Now}, nil
}

// Add appends a content hash to the current batch. When the batch reaches
// batchSize it returns the completed Anchor and resets the accumulator;
// otherwise it returns nil.
func (b *Batcher) Add(contentHash []byte) *Anchor {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := make([]byte, len(contentHash))
	copy(h, contentHash)
	b.pending = append(b.pending, h)

	if len(b.pending) < b.batchSize {
		return nil
	}

	members := make([]string, len(b.pending))
	for i, m := range b.pending {
		members[i] = hex.EncodeToString(m)
	}
	u := uuid.New()
	anchor := &Anchor{
		AnchorID:    hex.EncodeToString(u[:]),
		MerkleRoot:  hex.EncodeToString(Root(b.pending)),
		BatchSize:   len(b.pending),
		EntryHashes: members,
		CreatedAt:   b.now().UTC(),
	}
	b.pending = nil
	return anchor
}

// Pending returns the number of hashes accumulated toward the next anchor.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Restore reloads a partially-filled batch, used when reopening a ledger
// whose tail events were appended after the last completed anchor.
func (b *Batcher) Restore(hashes [][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	for _, h := range hashes {
		c := make([]byte, len(h))
		copy(c, h)
		b.pending = append(b.pending, c)
	}
}

// BatchSize returns the configured anchor interval.
func (b *Batcher) BatchSize() int { return b.batchSize }
