package tsa

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const notaryKeyFile = "notary.key"

// LocalAuthority notarizes payloads with its own Ed25519 key. It serves
// air-gapped deployments and deterministic replay, where no network
// authority is reachable. Its tokens prove ordering under the notary key,
// not wall-clock time attested by a third party.
type LocalAuthority struct {
	key ed25519.PrivateKey
	pub ed25519.PublicKey

	mu     sync.Mutex
	serial uint64
	now    func() time.Time
}

// LocalOption adjusts a LocalAuthority.
type LocalOption func(*LocalAuthority)

// WithLocalClock overrides the notary clock. Used in tests.
func WithLocalClock(now func() time.Time) LocalOption {
	return func(a *LocalAuthority) { a.now = now }
}

// NewLocal generates a fresh, unpersisted notary key. Tokens it issues
// cannot be verified by another instance; long-lived deployments use
// LoadOrCreateLocal.
func NewLocal(opts ...LocalOption) (*LocalAuthority, error) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tsa: generate notary key: %w", err)
	}
	a := &LocalAuthority{key: key, pub: pub, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// LoadOrCreateLocal loads the notary key from dir, generating and persisting
// one when none exists. The key must survive restarts: tokens in the anchor
// chain are verified against it on every integrity pass.
func LoadOrCreateLocal(dir string, opts ...LocalOption) (*LocalAuthority, error) {
	path := filepath.Join(dir, notaryKeyFile)
	pemBytes, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := decodeNotaryKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("tsa: decode notary key %s: %w", path, err)
		}
		a := &LocalAuthority{key: key, pub: key.Public().(ed25519.PublicKey), now: time.Now}
		for _, opt := range opts {
			opt(a)
		}
		return a, nil
	case os.IsNotExist(err):
		a, err := NewLocal(opts...)
		if err != nil {
			return nil, err
		}
		der, err := x509.MarshalPKCS8PrivateKey(a.key)
		if err != nil {
			return nil, fmt.Errorf("tsa: marshal notary key: %w", err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("tsa: create notary dir %q: %w", dir, err)
		}
		block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		if err := os.WriteFile(path, block, 0o400); err != nil {
			return nil, fmt.Errorf("tsa: write notary key: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("tsa: read notary key %s: %w", path, err)
	}
}

func decodeNotaryKey(pemBytes []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("no PRIVATE KEY block")
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 private key")
	}
	return priv, nil
}

// PublicKey returns the notary's verification key.
func (a *LocalAuthority) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), a.pub...)
}

type localToken struct {
	SerialNumber string    `json:"serial_number"`
	Time         time.Time `json:"time"`
	Imprint      string    `json:"imprint"`
	Signature    string    `json:"signature"`
}

func localSigningBytes(serial string, at time.Time, imprint string) []byte {
	return []byte(serial + "|" + at.UTC().Format(time.RFC3339Nano) + "|" + imprint)
}

// Timestamp issues a signed token over the payload digest.
func (a *LocalAuthority) Timestamp(_ context.Context, payload []byte) (*Token, error) {
	a.mu.Lock()
	a.serial++
	serial := fmt.Sprintf("%d", a.serial)
	at := a.now().UTC()
	a.mu.Unlock()

	digest := sha256.Sum256(payload)
	imprint := hex.EncodeToString(digest[:])
	sig := ed25519.Sign(a.key, localSigningBytes(serial, at, imprint))

	raw, err := json.Marshal(localToken{
		SerialNumber: serial,
		Time:         at,
		Imprint:      imprint,
		Signature:    base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		return nil, fmt.Errorf("tsa: encode token: %w", err)
	}
	return &Token{SerialNumber: serial, Time: at, Raw: raw}, nil
}

// Verify checks the notary signature and that the token covers the payload.
func (a *LocalAuthority) Verify(tok *Token, payload []byte) error {
	var lt localToken
	if err := json.Unmarshal(tok.Raw, &lt); err != nil {
		return fmt.Errorf("tsa: decode stored token: %w", err)
	}
	digest := sha256.Sum256(payload)
	if lt.Imprint != hex.EncodeToString(digest[:]) {
		return fmt.Errorf("tsa: token does not cover payload")
	}
	sig, err := base64.StdEncoding.DecodeString(lt.Signature)
	if err != nil {
		return fmt.Errorf("tsa: decode token signature: %w", err)
	}
	if !ed25519.Verify(a.pub, localSigningBytes(lt.SerialNumber, lt.Time, lt.Imprint), sig) {
		return fmt.Errorf("tsa: notary signature invalid")
	}
	return nil
}
