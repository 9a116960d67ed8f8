package ledger

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/sovereign-ledger/sovereign/internal/canon"
)

// SentinelHash is the previous-hash value of the first event in a chain
// segment. The chain anchors to this constant rather than a computed value.
const SentinelHash = "GENESIS"

// Severity classifies an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates and normalizes a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("ledger: invalid severity %q", s)
}

// Event is a single tamper-evident record in the audit log. Immutable once
// appended.
type Event struct {
	EventID        string         `json:"event_id"`
	Timestamp      time.Time      `json:"timestamp"`
	EventType      string         `json:"event_type"`
	Actor          string         `json:"actor"`
	Description    string         `json:"description"`
	Severity       Severity       `json:"severity"`
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	PreviousHash   string         `json:"previous_hash"`
	ContentHash    string         `json:"content_hash"`
	Signature      string         `json:"ed25519_signature"`
	HMAC           string         `json:"hmac"`
	HMACKeyID      string         `json:"hmac_key_id"`
	MerkleAnchorID string         `json:"merkle_anchor_id,omitempty"`
}

// Input carries the caller-supplied fields of a new event.
type Input struct {
	Type        string
	Data        map[string]any
	Actor       string
	Description string
	Severity    Severity
	Metadata    map[string]any

	// Timestamp, when non-zero, overrides the wall clock. Used for
	// deterministic replay of the hashing pipeline.
	Timestamp time.Time
}

// CanonicalBytes returns the deterministic serialization of the event's
// signed fields. The hash, signature, and HMAC fields are excluded: they are
// functions of these bytes, not part of them.
func CanonicalBytes(e *Event) ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return canon.Marshal(map[string]any{
		"event_id":    e.EventID,
		"event_type":  e.EventType,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor":       e.Actor,
		"description": e.Description,
		"severity":    string(e.Severity),
		"data":        data,
		"metadata":    metadata,
	})
}

// ContentHash computes the canonical SHA-256 digest of an event.
func ContentHash(e *Event) ([]byte, error) {
	b, err := CanonicalBytes(e)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}
