package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/authbridge/mailmcp/internal/instrumentation"
	"github.com/authbridge/mailmcp/internal/logging"
)

const (
	// DefaultKeyCacheTTL is the freshness window for a fetched key set.
	DefaultKeyCacheTTL = 15 * time.Minute

	// maxJWKSResponseSize limits the JWKS response body to 1 MB.
	maxJWKSResponseSize = 1 << 20
)

// keySet is an immutable snapshot of the provider's published keys.
// Snapshots are wholesale-replaced on refresh, never mutated in place.
type keySet struct {
	keys      map[string]any // kid -> *rsa.PublicKey or *ecdsa.PublicKey
	fetchedAt time.Time
}

// KeyCache fetches and caches the identity provider's public signing keys.
// A request for an unknown key id, or a stale cache, triggers a refetch;
// concurrent refetches are coalesced into a single outbound call.
//
// KeyCache is safe for concurrent use by multiple goroutines.
type KeyCache struct {
	url     string
	ttl     time.Duration
	client  *http.Client
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	mu      sync.RWMutex
	current *keySet

	group singleflight.Group
}

// KeyCacheOption configures a KeyCache.
type KeyCacheOption func(*KeyCache)

// WithKeyCacheTTL overrides the default cache freshness TTL.
func WithKeyCacheTTL(ttl time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithKeyCacheHTTPClient overrides the HTTP client used to fetch the key set.
func WithKeyCacheHTTPClient(client *http.Client) KeyCacheOption {
	return func(c *KeyCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithKeyCacheLogger overrides the logger.
func WithKeyCacheLogger(logger *slog.Logger) KeyCacheOption {
	return func(c *KeyCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithKeyCacheMetrics wires key-set refresh metrics. The zero-value Metrics
// is a no-op, so caches without this option record nothing.
func WithKeyCacheMetrics(m *instrumentation.Metrics) KeyCacheOption {
	return func(c *KeyCache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewKeyCache creates a KeyCache for the given JWKS endpoint URL.
// The cache starts empty; the first verification triggers a fetch.
func NewKeyCache(jwksURL string, opts ...KeyCacheOption) *KeyCache {
	c := &KeyCache{
		url:     jwksURL,
		ttl:     DefaultKeyCacheTTL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
		metrics: &instrumentation.Metrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithComponent(c.logger, "keycache")
	return c
}

// Key returns the public key for the given key id.
//
// A fresh cached set is consulted first. On a stale cache or a key id miss
// the set is refetched; callers racing on the same refetch share one
// outbound request. If the refetch fails and a previous good set exists,
// that set is served and the failure is only logged. A key id that is
// absent after a successful refetch is a hard ErrKeyNotFound.
func (c *KeyCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.RLock()
	set := c.current
	c.mu.RUnlock()

	if set != nil && time.Since(set.fetchedAt) < c.ttl {
		if key, ok := set.keys[kid]; ok {
			return key, nil
		}
		// Kid not in a fresh set: possible key rotation, refetch.
	}

	set, err := c.refresh(ctx)
	if err != nil {
		return nil, err
	}

	key, ok := set.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

// refresh refetches the key set, coalescing concurrent callers onto a
// single outbound request. On fetch failure the last good set is returned
// if one exists; the staleness is signalled via logs only.
func (c *KeyCache) refresh(ctx context.Context) (*keySet, error) {
	v, err, _ := c.group.Do("jwks", func() (any, error) {
		keys, fetchErr := c.fetch(ctx)
		if fetchErr != nil {
			c.mu.RLock()
			last := c.current
			c.mu.RUnlock()
			if last != nil {
				c.metrics.RecordJWKSRefresh(ctx, "stale_served")
				c.logger.Warn("key set refetch failed, serving last good set",
					logging.Err(fetchErr),
					slog.Time("fetched_at", last.fetchedAt))
				return last, nil
			}
			c.metrics.RecordJWKSRefresh(ctx, "failure")
			return nil, fmt.Errorf("fetching signing keys: %w", fetchErr)
		}

		c.metrics.RecordJWKSRefresh(ctx, "success")
		set := &keySet{keys: keys, fetchedAt: time.Now()}
		c.mu.Lock()
		c.current = set
		c.mu.Unlock()

		c.logger.Debug("refreshed signing key set", slog.Int("keys", len(keys)))
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySet), nil
}

// jwksResponse is the JSON structure of a JWKS endpoint response.
type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

// jwkKey is a single key in a JWKS response. Only the fields needed for
// RSA and EC key reconstruction are included.
type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	// RSA fields
	N string `json:"n"`
	E string `json:"e"`
	// EC fields
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// fetch retrieves and parses the JWKS endpoint, returning a kid -> public
// key map. Malformed individual keys are skipped.
func (c *KeyCache) fetch(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating JWKS request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("JWKS request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading JWKS response: %w", err)
	}

	var jwks jwksResponse
	if err := json.Unmarshal(body, &jwks); err != nil {
		return nil, fmt.Errorf("parsing JWKS JSON: %w", err)
	}

	keys := make(map[string]any, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kid == "" {
			continue
		}
		switch k.Kty {
		case "RSA":
			pub, err := parseRSAPublicKey(k.N, k.E)
			if err != nil {
				continue
			}
			keys[k.Kid] = pub
		case "EC":
			pub, err := parseECPublicKey(k.Crv, k.X, k.Y)
			if err != nil {
				continue
			}
			keys[k.Kid] = pub
		}
	}
	return keys, nil
}

// parseRSAPublicKey constructs an *rsa.PublicKey from base64url-encoded
// modulus (n) and exponent (e) values.
func parseRSAPublicKey(nBase64, eBase64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding RSA exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{
		N: n,
		E: int(e.Int64()),
	}, nil
}

// parseECPublicKey constructs an *ecdsa.PublicKey from a curve name and
// base64url-encoded x and y coordinates.
func parseECPublicKey(crv, xBase64, yBase64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported EC curve %q", crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(xBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding EC x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding EC y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
