package tsa

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/genesis"
)

// SentinelAnchorHash links the first anchor in a chain.
const SentinelAnchorHash = "0000000000000000000000000000000000000000000000000000000000000000"

const chainFileName = "tsa_anchors.json"

// Anchor binds one Merkle root to an index, the previous anchor, a genesis
// signature, and a timestamp token. The payload hash commits to all chain
// position fields, so moving or reordering an anchor breaks its signature.
type Anchor struct {
	Index              int       `json:"index"`
	MerkleRoot         string    `json:"merkle_root"`
	GenesisID          string    `json:"genesis_id"`
	PayloadHash        string    `json:"payload_hash"`
	TSATime            time.Time `json:"tsa_time"`
	Token              *Token    `json:"tsa_token"`
	PreviousAnchorHash string    `json:"previous_anchor_hash"`
	GenesisSignature   []byte    `json:"genesis_signature"`
}

// ChainError reports a structural break in the anchor chain.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("tsa: anchor chain broken at index %d: %s", e.Index, e.Reason)
}

// MonotonicViolationError reports a timestamp that regressed relative to the
// preceding anchor. This is the rollback signature: it freezes the trail.
type MonotonicViolationError struct {
	Index    int
	Previous time.Time
	Current  time.Time
}

func (e *MonotonicViolationError) Error() string {
	return fmt.Sprintf("tsa: non-monotonic timestamp at index %d: previous=%s, current=%s",
		e.Index, e.Previous.Format(time.RFC3339Nano), e.Current.Format(time.RFC3339Nano))
}

// Report is the outcome of an anchor chain verification.
type Report struct {
	OK          bool
	Anchors     int
	FailedIndex int
	Detail      string
	Err         error
}

// Chain manages the persisted anchor sequence.
type Chain struct {
	authority Authority
	ident     *genesis.Identity
	logger    *zap.Logger

	mu      sync.Mutex
	path    string
	anchors []Anchor
}

// OpenChain loads (or initializes) the anchor chain stored under dir.
func OpenChain(dir string, authority Authority, ident *genesis.Identity, logger *zap.Logger) (*Chain, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tsa: create dir %s: %w", dir, err)
	}
	c := &Chain{
		authority: authority,
		ident:     ident,
		logger:    logger,
		path:      filepath.Join(dir, chainFileName),
	}
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tsa: read chain file: %w", err)
	}
	if err := json.Unmarshal(data, &c.anchors); err != nil {
		return nil, fmt.Errorf("tsa: decode chain file: %w", err)
	}
	logger.Info("tsa anchor chain loaded",
		zap.String("path", c.path),
		zap.Int("anchors", len(c.anchors)),
	)
	return c, nil
}

func payloadHash(merkleRoot, genesisID string, index int, prevHash string) [32]byte {
	payload := fmt.Sprintf("%s|%s|%d|%s", merkleRoot, genesisID, index, prevHash)
	return sha256.Sum256([]byte(payload))
}

// PayloadBytes returns the digest an anchor at the given chain position
// signs and timestamps. Exposed for standalone proof verification.
func PayloadBytes(merkleRoot, genesisID string, index int, prevHash string) []byte {
	sum := payloadHash(merkleRoot, genesisID, index, prevHash)
	return sum[:]
}

// CreateAnchor timestamps and signs a new anchor for the Merkle root and
// appends it to the chain. An authority failure surfaces unchanged so the
// caller can degrade explicitly; nothing is persisted in that case.
func (c *Chain) CreateAnchor(ctx context.Context, merkleRoot string) (*Anchor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	index := len(c.anchors)
	prevHash := SentinelAnchorHash
	if index > 0 {
		prevHash = c.anchors[index-1].PayloadHash
	}

	genesisID := c.ident.ID()
	payload := payloadHash(merkleRoot, genesisID, index, prevHash)

	tok, err := c.authority.Timestamp(ctx, payload[:])
	if err != nil {
		return nil, err
	}
	// A token stamped before the previous anchor means the authority's (or
	// our) clock went backwards. Refuse the anchor; the caller freezes.
	if index > 0 && !tok.Time.After(c.anchors[index-1].TSATime) {
		return nil, &MonotonicViolationError{
			Index:    index,
			Previous: c.anchors[index-1].TSATime,
			Current:  tok.Time,
		}
	}

	anchor := Anchor{
		Index:              index,
		MerkleRoot:         merkleRoot,
		GenesisID:          genesisID,
		PayloadHash:        hex.EncodeToString(payload[:]),
		TSATime:            tok.Time,
		Token:              tok,
		PreviousAnchorHash: prevHash,
		GenesisSignature:   c.ident.Sign(payload[:]),
	}

	c.anchors = append(c.anchors, anchor)
	if err := c.saveLocked(); err != nil {
		c.anchors = c.anchors[:index]
		return nil, err
	}

	c.logger.Info("tsa anchor created",
		zap.Int("index", index),
		zap.String("merkle_root", merkleRoot[:16]),
		zap.Time("tsa_time", tok.Time),
	)
	return &anchor, nil
}

// saveLocked rewrites the chain file atomically.
func (c *Chain) saveLocked() error {
	data, err := json.MarshalIndent(c.anchors, "", "  ")
	if err != nil {
		return fmt.Errorf("tsa: encode chain: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("tsa: write chain file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("tsa: replace chain file: %w", err)
	}
	return nil
}

// Verify checks the whole anchor chain: sequential indexes, recomputed
// payload hashes, genesis signatures, timestamp tokens, unbroken prev-hash
// links, and strictly increasing timestamps. It stops at the first failure.
func (c *Chain) Verify(pub ed25519.PublicKey) Report {
	c.mu.Lock()
	anchors := append([]Anchor(nil), c.anchors...)
	c.mu.Unlock()

	var prevTime time.Time
	prevHash := SentinelAnchorHash

	for i, a := range anchors {
		fail := func(err error, detail string) Report {
			return Report{Anchors: len(anchors), FailedIndex: i, Detail: detail, Err: err}
		}

		if a.Index != i {
			return fail(&ChainError{Index: i, Reason: fmt.Sprintf("index mismatch: got %d", a.Index)},
				"anchor index out of sequence")
		}
		if a.PreviousAnchorHash != prevHash {
			return fail(&ChainError{Index: i, Reason: "previous anchor hash does not match"},
				"anchor chain link broken")
		}

		expected := payloadHash(a.MerkleRoot, a.GenesisID, a.Index, a.PreviousAnchorHash)
		if hex.EncodeToString(expected[:]) != strings.ToLower(a.PayloadHash) {
			return fail(&ChainError{Index: i, Reason: "payload hash does not match anchor fields"},
				"anchor payload tampered")
		}
		if !ed25519.Verify(pub, expected[:], a.GenesisSignature) {
			return fail(&ChainError{Index: i, Reason: "genesis signature invalid"},
				"anchor not signed by genesis identity")
		}
		if a.Token == nil {
			return fail(&ChainError{Index: i, Reason: "missing timestamp token"},
				"anchor has no timestamp token")
		}
		if err := c.authority.Verify(a.Token, expected[:]); err != nil {
			return fail(&ChainError{Index: i, Reason: err.Error()},
				"timestamp token verification failed")
		}
		if i > 0 && !a.Token.Time.After(prevTime) {
			return fail(&MonotonicViolationError{Index: i, Previous: prevTime, Current: a.Token.Time},
				"timestamp regressed; possible rollback")
		}

		prevTime = a.Token.Time
		prevHash = a.PayloadHash
	}

	return Report{OK: true, Anchors: len(anchors), Detail: fmt.Sprintf("all %d anchors verified", len(anchors))}
}

// Latest returns the most recent anchor, or nil for an empty chain.
func (c *Chain) Latest() *Anchor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.anchors) == 0 {
		return nil
	}
	a := c.anchors[len(c.anchors)-1]
	return &a
}

// Count returns the number of anchors in the chain.
func (c *Chain) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.anchors)
}

// AnchorAt returns the anchor at index, or nil when out of range.
func (c *Chain) AnchorAt(index int) *Anchor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.anchors) {
		return nil
	}
	a := c.anchors[index]
	return &a
}

// FindByRoot returns the first anchor covering the Merkle root, or nil.
func (c *Chain) FindByRoot(merkleRoot string) *Anchor {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.anchors {
		if a.MerkleRoot == merkleRoot {
			anchor := a
			return &anchor
		}
	}
	return nil
}

// Snapshot returns a copy of all anchors in order.
func (c *Chain) Snapshot() []Anchor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Anchor(nil), c.anchors...)
}
