package integrity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sovereign-ledger/sovereign/internal/ledger"
	"github.com/sovereign-ledger/sovereign/internal/merkle"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

// Bundle is a self-contained cryptographic proof for one event. A verifier
// holding only the bundle can confirm the event's integrity without access
// to the ledger, the key directory, or the anchor backends.
type Bundle struct {
	Event            ledger.Event `json:"event"`
	CanonicalBytes   []byte       `json:"canonical_bytes"`
	ChainIndex       int          `json:"chain_index"`
	GenesisID        string       `json:"genesis_id"`
	GenesisPublicKey []byte       `json:"genesis_public_key"`
	MerkleAnchorID   string       `json:"merkle_anchor_id,omitempty"`
	MerkleRoot       string       `json:"merkle_root,omitempty"`
	BatchHashes      []string     `json:"batch_hashes,omitempty"`
	TSAAnchor        *tsa.Anchor  `json:"tsa_anchor,omitempty"`
	GeneratedAt      time.Time    `json:"generated_at"`
}

// ProofBundle assembles a proof for the event with the given id. The Merkle
// section is present only when the event's batch has closed; the TSA section
// only when the batch root was anchored.
func (c *Checker) ProofBundle(eventID string) (*Bundle, error) {
	events, err := c.ledger.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("integrity: read events: %w", err)
	}

	index := -1
	for i := range events {
		if events[i].EventID == eventID {
			index = i
			break
		}
	}
	if index == -1 {
		return nil, fmt.Errorf("integrity: event %s not found", eventID)
	}
	event := events[index]

	canonical, err := ledger.CanonicalBytes(&event)
	if err != nil {
		return nil, fmt.Errorf("integrity: canonicalize event: %w", err)
	}

	bundle := &Bundle{
		Event:            event,
		CanonicalBytes:   canonical,
		ChainIndex:       index,
		GenesisID:        c.ident.ID(),
		GenesisPublicKey: c.ident.PublicKey(),
		GeneratedAt:      time.Now().UTC(),
	}

	for _, b := range closedBatches(events) {
		if !containsHash(b.hashes, event.ContentHash) {
			continue
		}
		root, err := merkle.RootHex(b.hashes)
		if err != nil {
			return nil, fmt.Errorf("integrity: recompute batch root: %w", err)
		}
		bundle.MerkleAnchorID = b.anchorID
		bundle.MerkleRoot = root
		bundle.BatchHashes = append([]string(nil), b.hashes...)
		if c.chain != nil {
			bundle.TSAAnchor = c.chain.FindByRoot(root)
		}
		break
	}

	return bundle, nil
}

// VerifyBundle checks a proof bundle in isolation. authority verifies the
// embedded timestamp token when non-nil; pass nil to skip token
// verification (the structural TSA checks still run).
func VerifyBundle(b *Bundle, authority tsa.Authority) error {
	// The canonical bytes must be what the event's fields produce.
	canonical, err := ledger.CanonicalBytes(&b.Event)
	if err != nil {
		return fmt.Errorf("integrity: canonicalize event: %w", err)
	}
	if !bytes.Equal(canonical, b.CanonicalBytes) {
		return fmt.Errorf("integrity: bundle canonical bytes do not match event fields")
	}

	hash, err := contentHashHex(&b.Event)
	if err != nil {
		return err
	}
	if hash != b.Event.ContentHash {
		return fmt.Errorf("integrity: event content hash does not match canonical bytes")
	}

	sig, err := base64.StdEncoding.DecodeString(b.Event.Signature)
	if err != nil {
		return fmt.Errorf("integrity: decode signature: %w", err)
	}
	if len(b.GenesisPublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("integrity: bundle public key has wrong size")
	}
	if !ed25519.Verify(ed25519.PublicKey(b.GenesisPublicKey), canonical, sig) {
		return fmt.Errorf("integrity: genesis signature invalid")
	}

	if b.MerkleRoot != "" {
		if !containsHash(b.BatchHashes, b.Event.ContentHash) {
			return fmt.Errorf("integrity: event hash not a member of the bundled batch")
		}
		root, err := merkle.RootHex(b.BatchHashes)
		if err != nil {
			return fmt.Errorf("integrity: recompute batch root: %w", err)
		}
		if root != b.MerkleRoot {
			return fmt.Errorf("integrity: batch hashes do not produce the bundled root")
		}
	}

	if b.TSAAnchor != nil {
		a := b.TSAAnchor
		if a.MerkleRoot != b.MerkleRoot {
			return fmt.Errorf("integrity: timestamp anchor covers a different root")
		}
		payload := tsa.PayloadBytes(a.MerkleRoot, a.GenesisID, a.Index, a.PreviousAnchorHash)
		if hex.EncodeToString(payload) != a.PayloadHash {
			return fmt.Errorf("integrity: timestamp anchor payload hash mismatch")
		}
		if !ed25519.Verify(ed25519.PublicKey(b.GenesisPublicKey), payload, a.GenesisSignature) {
			return fmt.Errorf("integrity: timestamp anchor signature invalid")
		}
		if authority != nil {
			if a.Token == nil {
				return fmt.Errorf("integrity: timestamp anchor has no token")
			}
			if err := authority.Verify(a.Token, payload); err != nil {
				return fmt.Errorf("integrity: timestamp token: %w", err)
			}
		}
	}

	return nil
}

func containsHash(hashes []string, h string) bool {
	for _, x := range hashes {
		if x == h {
			return true
		}
	}
	return false
}
