// Package integrity cross-checks every layer of the audit trail: the hash
// chain, per-event signatures and HMACs, Merkle batch roots against their
// external pins, the TSA anchor chain, and genesis continuity. It also
// builds self-contained proof bundles for individual events.
package integrity

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/continuity"
	"github.com/sovereign-ledger/sovereign/internal/genesis"
	"github.com/sovereign-ledger/sovereign/internal/hmackeys"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
	"github.com/sovereign-ledger/sovereign/internal/merkle"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

// Issue is one finding from an integrity check. EventIndex is zero-based
// within the active segment; -1 when the finding is not tied to an event.
type Issue struct {
	Check      string `json:"check"`
	EventIndex int    `json:"event_index"`
	EventID    string `json:"event_id,omitempty"`
	AnchorID   string `json:"anchor_id,omitempty"`
	Detail     string `json:"detail"`
}

// Report is the outcome of a full integrity check. Warnings do not fail the
// check; Issues do.
type Report struct {
	OK        bool      `json:"ok"`
	Events    int       `json:"events"`
	Anchors   int       `json:"anchors"`
	Issues    []Issue   `json:"issues,omitempty"`
	Warnings  []Issue   `json:"warnings,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker composes the layer verifications. The anchor store and TSA chain
// are optional; a nil guard skips continuity confirmation.
type Checker struct {
	ledger  *ledger.Ledger
	ident   *genesis.Identity
	rotator *hmackeys.Rotator
	store   *anchor.Store
	chain   *tsa.Chain
	guard   *continuity.Guard
	logger  *zap.Logger
}

// NewChecker wires a checker over the trail's collaborators.
func NewChecker(l *ledger.Ledger, ident *genesis.Identity, rotator *hmackeys.Rotator,
	store *anchor.Store, chain *tsa.Chain, guard *continuity.Guard, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		ledger: l, ident: ident, rotator: rotator,
		store: store, chain: chain, guard: guard, logger: logger,
	}
}

// Check runs every verification layer and itemises the findings.
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{CheckedAt: time.Now().UTC()}

	// Layer 1: hash chain replay from disk.
	chainReport := c.ledger.VerifyChain()
	report.Events = chainReport.Events
	if !chainReport.OK {
		report.Issues = append(report.Issues, Issue{
			Check:      "hash_chain",
			EventIndex: chainReport.FailedIndex,
			Detail:     chainReport.Detail,
		})
	}

	// Layer 2: per-event signature and HMAC, across every segment.
	events, err := c.ledger.ReadAll()
	if err != nil {
		report.Issues = append(report.Issues, Issue{
			Check: "hash_chain", EventIndex: -1,
			Detail: fmt.Sprintf("read events: %v", err),
		})
		return finish(report)
	}
	report.Events = len(events)
	for i := range events {
		e := &events[i]
		canonical, err := ledger.CanonicalBytes(e)
		if err != nil {
			report.Issues = append(report.Issues, Issue{
				Check: "signature", EventIndex: i, EventID: e.EventID,
				Detail: fmt.Sprintf("canonicalize: %v", err),
			})
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(e.Signature)
		if err != nil || !c.ident.Verify(sig, canonical) {
			report.Issues = append(report.Issues, Issue{
				Check: "signature", EventIndex: i, EventID: e.EventID,
				Detail: "genesis signature invalid",
			})
		}
		if err := c.verifyHMAC(e, canonical); err != nil {
			issue := Issue{
				Check: "hmac", EventIndex: i, EventID: e.EventID,
				Detail: err.Error(),
			}
			// A key retired before this process started cannot be
			// rechecked; that is degradation, not proof of tampering.
			if errors.Is(err, hmackeys.ErrUnknownKey) {
				report.Warnings = append(report.Warnings, issue)
			} else {
				report.Issues = append(report.Issues, issue)
			}
		}
	}

	// Layer 3: Merkle batches against external pins and the TSA chain.
	for _, b := range closedBatches(events) {
		report.Anchors++
		root, err := merkle.RootHex(b.hashes)
		if err != nil {
			report.Issues = append(report.Issues, Issue{
				Check: "merkle", AnchorID: b.anchorID,
				EventIndex: -1, Detail: fmt.Sprintf("recompute root: %v", err),
			})
			continue
		}
		if c.store != nil {
			rec, err := c.store.VerifyRoot(ctx, root, c.ident.ID())
			if errors.Is(err, anchor.ErrNotFound) {
				report.Issues = append(report.Issues, Issue{
					Check: "merkle", AnchorID: b.anchorID, EventIndex: -1,
					Detail: "recomputed root has no external pin",
				})
			} else if err == nil && rec.AnchorID != b.anchorID {
				report.Warnings = append(report.Warnings, Issue{
					Check: "merkle", AnchorID: b.anchorID, EventIndex: -1,
					Detail: fmt.Sprintf("root pinned under different anchor id %s", rec.AnchorID),
				})
			}
		}
		if c.chain != nil && c.chain.FindByRoot(root) == nil {
			// TSA may have been degraded when the batch closed.
			report.Warnings = append(report.Warnings, Issue{
				Check: "tsa", AnchorID: b.anchorID, EventIndex: -1,
				Detail: "batch root has no timestamp anchor",
			})
		}
	}

	// Layer 4: TSA anchor chain.
	if c.chain != nil {
		tsaReport := c.chain.Verify(c.ident.PublicKey())
		if !tsaReport.OK {
			report.Issues = append(report.Issues, Issue{
				Check: "tsa", EventIndex: -1,
				Detail: fmt.Sprintf("anchor %d: %s", tsaReport.FailedIndex, tsaReport.Detail),
			})
		}
	}

	// Layer 5: genesis continuity.
	if c.guard != nil {
		if err := c.guard.VerifyContinuity(c.ident.ID(), c.ident.PublicKey()); err != nil {
			report.Issues = append(report.Issues, Issue{
				Check: "continuity", EventIndex: -1, Detail: err.Error(),
			})
		}
		if c.guard.Frozen() {
			report.Issues = append(report.Issues, Issue{
				Check: "continuity", EventIndex: -1,
				Detail: "violations on record; trail frozen",
			})
		}
	}

	return finish(report)
}

func (c *Checker) verifyHMAC(e *ledger.Event, canonical []byte) error {
	tag, err := base64.StdEncoding.DecodeString(e.HMAC)
	if err != nil {
		return fmt.Errorf("decode hmac: %w", err)
	}
	return c.rotator.Verify(canonical, tag, e.HMACKeyID)
}

func finish(r Report) Report {
	r.OK = len(r.Issues) == 0
	return r
}

// batch is a closed Merkle batch reconstructed from the event stream.
type batch struct {
	anchorID string
	hashes   []string
}

// closedBatches splits the event sequence at every anchor boundary. Hashes
// after the last boundary belong to the still-open batch and are excluded.
func closedBatches(events []ledger.Event) []batch {
	var out []batch
	var current []string
	for i := range events {
		e := &events[i]
		current = append(current, e.ContentHash)
		if e.MerkleAnchorID != "" {
			out = append(out, batch{anchorID: e.MerkleAnchorID, hashes: current})
			current = nil
		}
	}
	return out
}

// contentHashHex recomputes an event's content hash.
func contentHashHex(e *ledger.Event) (string, error) {
	sum, err := ledger.ContentHash(e)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}
