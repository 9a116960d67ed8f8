package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMaxSkew        = 5 * time.Minute
	// responses larger than this are not plausible timestamp tokens
	maxResponseBytes = 1 << 20
)

// HTTPConfig configures an RFC 3161 authority client.
type HTTPConfig struct {
	URL            string        // primary endpoint, required
	FallbackURLs   []string      // tried in order after the primary
	RequestTimeout time.Duration // per-endpoint, default 10s
	MaxClockSkew   time.Duration // default 5m
	// RequestsPerSecond throttles outbound requests; public authorities
	// rate-limit aggressively. Zero means 1 req/s.
	RequestsPerSecond float64
}

// HTTPAuthority speaks RFC 3161 over HTTP, with fallback endpoints and
// client-side rate limiting.
type HTTPAuthority struct {
	urls    []string
	client  *http.Client
	limiter *rate.Limiter
	maxSkew time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewHTTP builds an authority client from the config.
func NewHTTP(cfg HTTPConfig, logger *zap.Logger) (*HTTPAuthority, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("tsa: primary URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	maxSkew := cfg.MaxClockSkew
	if maxSkew <= 0 {
		maxSkew = defaultMaxSkew
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &HTTPAuthority{
		urls:    append([]string{cfg.URL}, cfg.FallbackURLs...),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		maxSkew: maxSkew,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Timestamp requests a token for the payload, trying each endpoint in order.
// A token whose time disagrees with the local clock beyond the allowed skew
// is rejected and the next endpoint tried. When every endpoint fails the
// returned error is an *UnavailableError.
func (a *HTTPAuthority) Timestamp(ctx context.Context, payload []byte) (*Token, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("tsa: rate limit wait: %w", err)
	}

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("tsa: generate nonce: %w", err)
	}
	reqDER, err := timestamp.CreateRequest(bytes.NewReader(payload), &timestamp.RequestOptions{
		Hash:         crypto.SHA256,
		Nonce:        nonce,
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("tsa: build request: %w", err)
	}

	failures := make(map[string]error, len(a.urls))
	for _, url := range a.urls {
		tok, err := a.requestFrom(ctx, url, reqDER, payload, nonce)
		if err != nil {
			failures[url] = err
			a.logger.Warn("tsa endpoint failed", zap.String("url", url), zap.Error(err))
			continue
		}
		a.logger.Info("tsa timestamp obtained",
			zap.String("url", url),
			zap.String("serial", tok.SerialNumber),
			zap.Time("tsa_time", tok.Time),
		)
		return tok, nil
	}
	return nil, &UnavailableError{Errors: failures}
}

func (a *HTTPAuthority) requestFrom(ctx context.Context, url string, reqDER, payload []byte, nonce *big.Int) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqDER))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/timestamp-query")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	digest := sha256.Sum256(payload)
	if !bytes.Equal(ts.HashedMessage, digest[:]) {
		return nil, fmt.Errorf("message imprint mismatch")
	}
	if ts.Nonce != nil && ts.Nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("nonce mismatch")
	}

	skew := a.now().UTC().Sub(ts.Time.UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return nil, &ClockSkewError{Skew: skew, MaxSkew: a.maxSkew, TSATime: ts.Time}
	}

	return &Token{
		SerialNumber: ts.SerialNumber.String(),
		Time:         ts.Time.UTC(),
		Raw:          body,
	}, nil
}

// Verify re-parses the stored token and checks that its message imprint
// covers the payload. Clock skew is an issuance-time check only; historical
// tokens are necessarily old.
func (a *HTTPAuthority) Verify(tok *Token, payload []byte) error {
	ts, err := timestamp.ParseResponse(tok.Raw)
	if err != nil {
		return fmt.Errorf("tsa: parse stored token: %w", err)
	}
	digest := sha256.Sum256(payload)
	if !bytes.Equal(ts.HashedMessage, digest[:]) {
		return fmt.Errorf("tsa: token does not cover payload")
	}
	if !ts.Time.UTC().Equal(tok.Time.UTC()) {
		return fmt.Errorf("tsa: recorded time disagrees with token")
	}
	return nil
}
