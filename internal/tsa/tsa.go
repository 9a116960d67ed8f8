// Package tsa binds Merkle roots to external proof of time. An RFC 3161
// timestamp authority (or a local notary) countersigns each anchor payload,
// and the anchors form their own hash chain with strictly monotonic
// timestamps so history can never be rolled back or truncated.
package tsa

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Token is a timestamp authority's countersignature over an anchor payload.
// Raw holds the authority's encoded token (DER for RFC 3161 authorities) and
// is sufficient for offline re-verification.
type Token struct {
	SerialNumber string    `json:"serial_number"`
	Time         time.Time `json:"time"`
	Raw          []byte    `json:"raw"`
}

// Authority issues and verifies timestamp tokens.
type Authority interface {
	// Timestamp requests a token binding the current time to the payload.
	Timestamp(ctx context.Context, payload []byte) (*Token, error)
	// Verify checks that the token genuinely covers the payload. It must
	// work offline: no network round trip.
	Verify(tok *Token, payload []byte) error
}

// UnavailableError reports that every configured endpoint failed. Callers
// degrade to hash-chain-only operation; they must never treat this as
// success.
type UnavailableError struct {
	Errors map[string]error
}

func (e *UnavailableError) Error() string {
	urls := make([]string, 0, len(e.Errors))
	for u := range e.Errors {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	parts := make([]string, 0, len(urls))
	for _, u := range urls {
		parts = append(parts, fmt.Sprintf("%s: %v", u, e.Errors[u]))
	}
	return "tsa: all endpoints failed: " + strings.Join(parts, "; ")
}

// ClockSkewError reports a token whose time differs from the local clock by
// more than the allowed skew at issuance.
type ClockSkewError struct {
	Skew    time.Duration
	MaxSkew time.Duration
	TSATime time.Time
}

func (e *ClockSkewError) Error() string {
	return fmt.Sprintf("tsa: token time %s outside allowed clock skew (skew=%s, max=%s)",
		e.TSATime.Format(time.RFC3339), e.Skew, e.MaxSkew)
}
