// Package hmackeys provides the rotating keyed-hash layer of the audit
// pipeline. Every event carries an HMAC-SHA256 tag in addition to its Ed25519
// signature; the HMAC key rotates on a fixed interval and each tag records the
// key identifier it was produced with, so historical tags remain verifiable
// after rotation.
package hmackeys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize = 32

	// maxDerivedKeys bounds how far Key will expand a deterministic
	// schedule when searching for a historical key id.
	maxDerivedKeys = 4096
)

// ErrUnknownKey is returned when a tag references a key id this rotator
// cannot reproduce. For randomly-keyed rotators this is expected after a
// process restart; deterministic (seeded) rotators can always re-derive.
var ErrUnknownKey = errors.New("hmackeys: unknown key id")

// ErrMismatch is returned when a tag does not match the recomputed HMAC.
var ErrMismatch = errors.New("hmackeys: tag mismatch")

// Option configures a Rotator.
type Option func(*Rotator)

// WithSeed switches the rotator to a deterministic key schedule derived from
// seed via HKDF-SHA256. Two rotators built from the same seed produce the
// same keys in the same order, which supports byte-identical replay of the
// hashing pipeline.
func WithSeed(seed []byte) Option {
	return func(r *Rotator) {
		r.source = hkdf.New(sha256.New, seed, []byte("sovereign-hmac-rotation"), nil)
		r.deterministic = true
	}
}

// WithClock overrides the time source, for rotation tests.
func WithClock(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

// Rotator derives, rotates, and retains HMAC keys.
type Rotator struct {
	mu            sync.Mutex
	interval      time.Duration
	source        io.Reader
	deterministic bool
	now           func() time.Time

	current   []byte
	currentID string
	rotatedAt time.Time
	keys      map[string][]byte // key id -> key, including retired keys
	derived   int
}

// New creates a Rotator that rotates its key every interval. Without options
// keys come from crypto/rand.
func New(interval time.Duration, opts ...Option) (*Rotator, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("hmackeys: rotation interval must be positive, got %v", interval)
	}
	r := &Rotator{
		interval: interval,
		source:   rand.Reader,
		now:      time.Now,
		keys:     make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.rotateLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// Sum computes the HMAC-SHA256 tag for data with the current key, rotating
// first if the interval has elapsed. It returns the tag and the id of the key
// that produced it.
func (r *Rotator) Sum(data []byte) (tag []byte, keyID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.now().Sub(r.rotatedAt) > r.interval {
		if err := r.rotateLocked(); err != nil {
			return nil, "", err
		}
	}

	mac := hmac.New(sha256.New, r.current)
	mac.Write(data)
	return mac.Sum(nil), r.currentID, nil
}

// Verify recomputes the tag for data under the key identified by keyID.
// It returns ErrUnknownKey when the key cannot be reproduced and ErrMismatch
// when the tag is wrong.
func (r *Rotator) Verify(data, tag []byte, keyID string) error {
	key, ok := r.lookup(keyID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return fmt.Errorf("%w: key %s", ErrMismatch, keyID)
	}
	return nil
}

// CurrentKeyID returns the id of the active key.
func (r *Rotator) CurrentKeyID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentID
}

func (r *Rotator) lookup(keyID string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.keys[keyID]; ok {
		return key, true
	}
	if !r.deterministic {
		return nil, false
	}
	// Deterministic schedules can expand forward until the id appears.
	for r.derived < maxDerivedKeys {
		key, id, err := r.deriveLocked()
		if err != nil {
			return nil, false
		}
		r.keys[id] = key
		if id == keyID {
			return key, true
		}
	}
	return nil, false
}

func (r *Rotator) rotateLocked() error {
	key, id, err := r.deriveLocked()
	if err != nil {
		return err
	}
	r.current = key
	r.currentID = id
	r.rotatedAt = r.now()
	r.keys[id] = key
	return nil
}

func (r *Rotator) deriveLocked() (key []byte, id string, err error) {
	key = make([]byte, keySize)
	if _, err := io.ReadFull(r.source, key); err != nil {
		return nil, "", fmt.Errorf("hmackeys: derive key: %w", err)
	}
	r.derived++
	sum := sha256.Sum256(key)
	return key, hex.EncodeToString(sum[:4]), nil
}
