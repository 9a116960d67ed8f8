// Package ledger implements the append-only, hash-chained audit event store.
//
// Each entry links to the previous entry's content hash, is signed with the
// Genesis key, and carries a rotating-key HMAC. A single mutex guards the
// append path: counter increment, last-hash read-then-write, on-disk append,
// and Merkle-batch mutation. Nothing inside the critical section performs
// network I/O; anchor pinning and timestamping happen in the caller after the
// lock is released.
package ledger

import (
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/genesis"
	"github.com/sovereign-ledger/sovereign/internal/hmackeys"
	"github.com/sovereign-ledger/sovereign/internal/merkle"
)

const (
	defaultFileName = "sovereign_audit.jsonl"
	defaultMaxBytes = 64 << 20
)

// Config controls ledger storage.
type Config struct {
	Dir      string
	FileName string // default sovereign_audit.jsonl
	MaxBytes int64  // rotation threshold, default 64 MiB
}

// Ledger is the hash-chained audit event store.
type Ledger struct {
	logger  *zap.Logger
	ident   *genesis.Identity
	rotator *hmackeys.Rotator
	batcher *merkle.Batcher

	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	lastHash string
	rotating bool
	events   []Event // active segment, in append order
	total    int64   // across all segments, archived included
	now      func() time.Time
}

// Open loads or creates the ledger file and replays it to recover the chain
// tip and the partially-filled Merkle batch.
func Open(cfg Config, ident *genesis.Identity, rotator *hmackeys.Rotator, batcher *merkle.Batcher, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FileName == "" {
		cfg.FileName = defaultFileName
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("ledger: create data dir %q: %w", cfg.Dir, err)
	}

	l := &Ledger{
		logger:   logger,
		ident:    ident,
		rotator:  rotator,
		batcher:  batcher,
		path:     filepath.Join(cfg.Dir, cfg.FileName),
		maxBytes: cfg.MaxBytes,
		lastHash: SentinelHash,
		now:      time.Now,
	}

	events, err := readEvents(l.path)
	if err != nil {
		return nil, err
	}
	l.events = events
	if n := len(events); n > 0 {
		l.lastHash = events[n-1].ContentHash
	}

	// Events appended after the last completed anchor belong to the
	// in-flight Merkle batch. A batch can span a rotation boundary, so the
	// replay covers archived segments too, not just the active file.
	archived, err := readArchivedEvents(l.path)
	if err != nil {
		return nil, err
	}
	all := append(append([]Event(nil), archived...), events...)
	l.total = int64(len(all))
	var pending [][]byte
	for _, e := range all {
		h, err := hex.DecodeString(e.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("ledger: corrupt content hash in %s: %w", l.path, err)
		}
		pending = append(pending, h)
		if e.MerkleAnchorID != "" {
			pending = nil
		}
	}
	batcher.Restore(pending)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", l.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ledger: stat %s: %w", l.path, err)
	}
	l.file = f
	l.size = info.Size()

	logger.Info("ledger opened",
		zap.String("path", l.path),
		zap.Int("events", len(events)),
		zap.String("tip", l.lastHash),
	)
	return l, nil
}

// Append builds, signs, and persists a new event. It returns the stored
// event and every Merkle anchor the call emitted: one when the event itself
// completes a batch, and possibly another when the append trips a rotation
// whose marker event closes the next batch. The call is atomic: a failed
// append leaves no partial record observable.
func (l *Ledger) Append(ctx context.Context, in Input) (*Event, []*merkle.Anchor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if in.Type == "" {
		return nil, nil, fmt.Errorf("ledger: event type is required")
	}
	if in.Severity == "" {
		in.Severity = SeverityInfo
	}
	if _, err := ParseSeverity(string(in.Severity)); err != nil {
		return nil, nil, err
	}
	if in.Actor == "" {
		in.Actor = "system"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(in)
}

func (l *Ledger) appendLocked(in Input) (*Event, []*merkle.Anchor, error) {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	u := uuid.New()

	e := Event{
		EventID:      hex.EncodeToString(u[:]),
		Timestamp:    ts.UTC(),
		EventType:    in.Type,
		Actor:        in.Actor,
		Description:  in.Description,
		Severity:     in.Severity,
		Data:         in.Data,
		Metadata:     in.Metadata,
		PreviousHash: l.lastHash,
	}

	canonical, err := CanonicalBytes(&e)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: canonicalize event: %w", err)
	}
	hash, err := ContentHash(&e)
	if err != nil {
		return nil, nil, err
	}
	e.ContentHash = hex.EncodeToString(hash)
	e.Signature = base64.StdEncoding.EncodeToString(l.ident.Sign(canonical))

	tag, keyID, err := l.rotator.Sum(canonical)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: compute hmac: %w", err)
	}
	e.HMAC = base64.StdEncoding.EncodeToString(tag)
	e.HMACKeyID = keyID

	var anchors []*merkle.Anchor
	if anchor := l.batcher.Add(hash); anchor != nil {
		e.MerkleAnchorID = anchor.AnchorID
		anchors = append(anchors, anchor)
	}

	if err := l.writeLocked(&e); err != nil {
		return nil, nil, err
	}

	l.lastHash = e.ContentHash
	l.events = append(l.events, e)
	l.total++

	if l.size >= l.maxBytes && !l.rotating {
		rotated, err := l.rotateLocked()
		if err != nil {
			// The event itself is durably stored; rotation failure is
			// reported but does not un-append it.
			l.logger.Error("ledger rotation failed", zap.Error(err))
		}
		// The marker event may have closed a batch of its own.
		anchors = append(anchors, rotated...)
	}
	return &e, anchors, nil
}

// writeLocked appends one JSONL record and syncs. On a short write it
// truncates back so partial records are never observable.
func (l *Ledger) writeLocked(e *Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ledger: marshal event: %w", err)
	}
	line = append(line, '\n')

	n, err := l.file.Write(line)
	if err != nil {
		if n > 0 {
			_ = l.file.Truncate(l.size)
		}
		return fmt.Errorf("ledger: append event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("ledger: sync: %w", err)
	}
	l.size += int64(n)
	return nil
}

// rotateLocked archives the active file (gzip) and starts a fresh segment
// whose chain re-anchors at the sentinel. A ledger.rotated event preserves
// the pre-rotation tip so auditors can tie segments together; cross-rotation
// continuity is otherwise carried by the Merkle and TSA anchors. Any anchor
// the marker event emits is returned to the caller for pinning.
func (l *Ledger) rotateLocked() ([]*merkle.Anchor, error) {
	l.rotating = true
	defer func() { l.rotating = false }()

	tip := l.lastHash

	if err := l.file.Close(); err != nil {
		return nil, fmt.Errorf("ledger: close active file: %w", err)
	}

	// Nanosecond precision: rotations in the same second must not collide,
	// and the fixed width keeps lexical archive order chronological.
	archive := fmt.Sprintf("%s.%s.gz", l.path, l.now().UTC().Format("20060102T150405.000000000Z"))
	if err := gzipFile(l.path, archive); err != nil {
		return nil, err
	}
	if err := os.Remove(l.path); err != nil {
		return nil, fmt.Errorf("ledger: remove rotated file: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open new segment: %w", err)
	}
	l.file = f
	l.size = 0
	l.lastHash = SentinelHash
	l.events = nil

	l.logger.Info("ledger rotated", zap.String("archive", archive), zap.String("previous_tip", tip))

	_, anchors, err := l.appendLocked(Input{
		Type:        "ledger.rotated",
		Actor:       "ledger",
		Description: "ledger segment archived; chain re-anchored at sentinel",
		Severity:    SeverityInfo,
		Data: map[string]any{
			"previous_tip": tip,
			"archive":      filepath.Base(archive),
		},
	})
	return anchors, err
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		return fmt.Errorf("ledger: create archive %s: %w", dst, err)
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		out.Close()
		return fmt.Errorf("ledger: compress archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return fmt.Errorf("ledger: finalize archive: %w", err)
	}
	return out.Close()
}

// Rotate forces a rotation regardless of size. Anchors emitted by the
// marker event are returned for pinning, as with Append.
func (l *Ledger) Rotate() ([]*merkle.Anchor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

// Snapshot returns a copy of the active segment's events. The copy is a
// consistent prefix: verification may run on it concurrently with writers.
func (l *Ledger) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// TipHash returns the content hash of the most recent event, or the sentinel
// for an empty segment.
func (l *Ledger) TipHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Count returns the number of events in the active segment.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Total returns the number of events across all segments, archived included.
func (l *Ledger) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Path returns the active ledger file path.
func (l *Ledger) Path() string { return l.path }

// Close releases the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
