package ledger

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ChainIntegrityError reports the first broken link found while replaying the
// chain. The offending zero-based index is never auto-repaired.
type ChainIntegrityError struct {
	Index  int
	Reason string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("ledger: chain integrity broken at index %d: %s", e.Index, e.Reason)
}

// Report summarizes a chain verification pass.
type Report struct {
	OK          bool   `json:"ok"`
	Events      int    `json:"events"`
	FailedIndex int    `json:"failed_index"` // -1 when OK
	Detail      string `json:"detail,omitempty"`
	Err         error  `json:"-"`
}

// VerifyChain replays the active segment from the sentinel and fails fast at
// the first broken link, reporting the offending index. It reads the
// persisted records, not the in-memory state, so on-disk tampering is
// detected. Writers may append concurrently; verification covers the fixed
// prefix present when the pass started.
func (l *Ledger) VerifyChain() Report {
	l.mu.Lock()
	limit := len(l.events)
	path := l.path
	l.mu.Unlock()

	// Records up to limit were fully written and synced before the lock
	// was released; anything past that is a concurrent writer's business.
	events, err := readEventsPrefix(path, limit)
	if err != nil {
		return Report{FailedIndex: -1, Detail: err.Error(), Err: err}
	}
	if len(events) < limit {
		limit = len(events)
	}
	events = events[:limit]

	prev := SentinelHash
	for i := range events {
		e := &events[i]
		if e.PreviousHash != prev {
			err := &ChainIntegrityError{Index: i, Reason: fmt.Sprintf(
				"previous_hash %q does not match prior content hash %q", e.PreviousHash, prev)}
			return Report{Events: i, FailedIndex: i, Detail: err.Reason, Err: err}
		}
		computed, cerr := ContentHash(e)
		if cerr != nil {
			err := &ChainIntegrityError{Index: i, Reason: fmt.Sprintf("canonicalize: %v", cerr)}
			return Report{Events: i, FailedIndex: i, Detail: err.Reason, Err: err}
		}
		if got := fmt.Sprintf("%x", computed); got != e.ContentHash {
			err := &ChainIntegrityError{Index: i, Reason: fmt.Sprintf(
				"stored content hash %q does not match recomputed %q", e.ContentHash, got)}
			return Report{Events: i, FailedIndex: i, Detail: err.Reason, Err: err}
		}
		prev = e.ContentHash
	}
	return Report{OK: true, Events: len(events), FailedIndex: -1}
}

// ReadAll returns the persisted events of every segment, archived first and
// active last, as stored on disk. Used by the integrity checker, which must
// not trust in-memory state, and keeps batches intact across rotations.
func (l *Ledger) ReadAll() ([]Event, error) {
	archived, err := readArchivedEvents(l.path)
	if err != nil {
		return nil, err
	}
	active, err := readEvents(l.path)
	if err != nil {
		return nil, err
	}
	return append(archived, active...), nil
}

func readEvents(path string) ([]Event, error) {
	return readEventsPrefix(path, -1)
}

// readEventsPrefix scans JSONL records from path. A non-negative limit stops
// after limit records and tolerates a torn final line, which a concurrent
// appender can legitimately leave behind the reader's open file offset.
// A negative limit reads everything and treats any bad line as corruption.
func readEventsPrefix(path string, limit int) ([]Event, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer f.Close()
	return decodeEvents(f, path, limit)
}

func decodeEvents(r io.Reader, name string, limit int) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		if limit >= 0 && len(events) >= limit {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			if limit >= 0 && !scanner.Scan() {
				break // torn final line from an in-flight append
			}
			return nil, fmt.Errorf("ledger: decode record %d in %s: %w", len(events), name, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan %s: %w", name, err)
	}
	return events, nil
}

// readArchivedEvents replays rotated segments oldest first. Archive names
// embed a UTC timestamp, so lexical order is chronological.
func readArchivedEvents(path string) ([]Event, error) {
	matches, err := filepath.Glob(path + ".*.gz")
	if err != nil {
		return nil, fmt.Errorf("ledger: list archives: %w", err)
	}
	sort.Strings(matches)

	var events []Event
	for _, m := range matches {
		segment, err := readArchive(m)
		if err != nil {
			return nil, err
		}
		events = append(events, segment...)
	}
	return events, nil
}

func readArchive(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open archive %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("ledger: read archive %s: %w", path, err)
	}
	defer gz.Close()
	return decodeEvents(gz, path, -1)
}
