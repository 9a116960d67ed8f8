// Package genesis manages the ledger's root Ed25519 identity.
//
// The Genesis key pair is the cryptographic root of trust for the audit
// system. It is generated exactly once, persisted to disk, and loaded
// unchanged on every subsequent start. The key files are never regenerated
// silently: partial or corrupt key material is a fatal KeyLoadError, and
// replacement or regeneration of the identity is detected by the continuity
// guard against its external pin.
package genesis

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	privateKeyFile = "genesis_audit.key"
	publicKeyFile  = "genesis_audit.pub"
	idFile         = "genesis_id.txt"
)

// KeyLoadError indicates that Genesis key material on disk is partially
// present, unreadable, or corrupt. This state is ambiguous and must never be
// resolved by regenerating keys.
type KeyLoadError struct {
	Dir    string
	Reason string
	Err    error
}

func (e *KeyLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("genesis: load keys from %s: %s: %v", e.Dir, e.Reason, e.Err)
	}
	return fmt.Sprintf("genesis: load keys from %s: %s", e.Dir, e.Reason)
}

func (e *KeyLoadError) Unwrap() error { return e.Err }

// Identity is the Genesis root key pair plus its stable identifier.
type Identity struct {
	dir  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   string
}

// GenerateOrLoad loads the Genesis identity from dir, generating a fresh one
// only when no key material exists at all. A mix of present and missing files
// returns a *KeyLoadError.
func GenerateOrLoad(dir string, logger *zap.Logger) (*Identity, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)
	idPath := filepath.Join(dir, idFile)

	present := 0
	for _, p := range []string{privPath, pubPath, idPath} {
		if _, err := os.Stat(p); err == nil {
			present++
		}
	}

	switch present {
	case 0:
		return generate(dir, logger)
	case 3:
		return load(dir, logger)
	default:
		return nil, &KeyLoadError{
			Dir:    dir,
			Reason: fmt.Sprintf("partial key material (%d of 3 files present)", present),
		}
	}
}

func generate(dir string, logger *zap.Logger) (*Identity, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("genesis: create key dir %q: %w", dir, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("genesis: generate key pair: %w", err)
	}

	u := uuid.New()
	id := "GENESIS-" + strings.ToUpper(hex.EncodeToString(u[:8]))

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("genesis: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("genesis: marshal public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	// Private key is owner read-only; public key and ID are world-readable.
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0o400); err != nil {
		return nil, fmt.Errorf("genesis: write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("genesis: write public key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, idFile), []byte(id+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("genesis: write genesis id: %w", err)
	}

	logger.Info("genesis key pair generated", zap.String("genesis_id", id), zap.String("dir", dir))
	return &Identity{dir: dir, priv: priv, pub: pub, id: id}, nil
}

func load(dir string, logger *zap.Logger) (*Identity, error) {
	privPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, &KeyLoadError{Dir: dir, Reason: "read private key", Err: err}
	}
	pubPEM, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, &KeyLoadError{Dir: dir, Reason: "read public key", Err: err}
	}
	idBytes, err := os.ReadFile(filepath.Join(dir, idFile))
	if err != nil {
		return nil, &KeyLoadError{Dir: dir, Reason: "read genesis id", Err: err}
	}

	priv, err := decodePrivateKey(privPEM)
	if err != nil {
		return nil, &KeyLoadError{Dir: dir, Reason: "decode private key", Err: err}
	}
	pub, err := decodePublicKey(pubPEM)
	if err != nil {
		return nil, &KeyLoadError{Dir: dir, Reason: "decode public key", Err: err}
	}

	// The persisted pair must actually belong together.
	if !priv.Public().(ed25519.PublicKey).Equal(pub) {
		return nil, &KeyLoadError{Dir: dir, Reason: "public key does not match private key"}
	}

	id := strings.TrimSpace(string(idBytes))
	if id == "" {
		return nil, &KeyLoadError{Dir: dir, Reason: "empty genesis id file"}
	}

	logger.Info("genesis key pair loaded", zap.String("genesis_id", id))
	return &Identity{dir: dir, priv: priv, pub: pub, id: id}, nil
}

func decodePrivateKey(pemBytes []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("no PRIVATE KEY block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 private key")
	}
	return priv, nil
}

func decodePublicKey(pemBytes []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("no PUBLIC KEY block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 public key")
	}
	return pub, nil
}

// ID returns the stable Genesis identifier.
func (i *Identity) ID() string { return i.id }

// Sign signs data with the Genesis private key.
func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.priv, data)
}

// Verify reports whether sig is a valid Genesis signature over data.
func (i *Identity) Verify(sig, data []byte) bool {
	return ed25519.Verify(i.pub, data, sig)
}

// PublicKey returns the Genesis public key.
func (i *Identity) PublicKey() ed25519.PublicKey { return i.pub }

// PublicKeyHash returns the hex SHA-256 digest of the raw 32-byte public key.
// This is the value pinned externally by the continuity guard.
func (i *Identity) PublicKeyHash() string {
	return PublicKeyHash(i.pub)
}

// PublicKeyHash computes the pinnable hash for any Ed25519 public key.
func PublicKeyHash(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}
