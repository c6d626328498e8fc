package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestKey generates an RSA key pair for signing test tokens.
func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return key
}

// jwksJSON renders a JWKS document containing the given kid -> public key pairs.
func jwksJSON(t *testing.T, keys map[string]*rsa.PublicKey) []byte {
	t.Helper()
	doc := map[string]any{"keys": []any{}}
	list := []any{}
	for kid, pub := range keys {
		list = append(list, map[string]string{
			"kty": "RSA",
			"kid": kid,
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	doc["keys"] = list
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshaling JWKS: %v", err)
	}
	return b
}

// jwksServer serves a mutable JWKS document and counts fetches.
type jwksServer struct {
	mu      sync.Mutex
	body    []byte
	fail    bool
	fetches atomic.Int64
	srv     *httptest.Server
}

func newJWKSServer(t *testing.T, keys map[string]*rsa.PublicKey) *jwksServer {
	t.Helper()
	s := &jwksServer{body: jwksJSON(t, keys)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		s.mu.Lock()
		fail, body := s.fail, s.body
		s.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *jwksServer) setKeys(t *testing.T, keys map[string]*rsa.PublicKey) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = jwksJSON(t, keys)
}

func (s *jwksServer) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func TestKeyCacheFetchesOnFirstUse(t *testing.T) {
	key := newTestKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})
	cache := NewKeyCache(srv.srv.URL)

	got, err := cache.Key(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	pub, ok := got.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("Key() returned %T, want *rsa.PublicKey", got)
	}
	if pub.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("Key() returned a different key than published")
	}
	if n := srv.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestKeyCacheServesFreshSetWithoutRefetch(t *testing.T) {
	key := newTestKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})
	cache := NewKeyCache(srv.srv.URL)

	for i := 0; i < 5; i++ {
		if _, err := cache.Key(context.Background(), "k1"); err != nil {
			t.Fatalf("Key() error = %v", err)
		}
	}
	if n := srv.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1 (fresh cache must not refetch)", n)
	}
}

func TestKeyCacheRefetchesOnRotation(t *testing.T) {
	old := newTestKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"old": &old.PublicKey})
	cache := NewKeyCache(srv.srv.URL)

	if _, err := cache.Key(context.Background(), "old"); err != nil {
		t.Fatalf("Key(old) error = %v", err)
	}

	// Provider rotates to a new key the cache has never seen.
	rotated := newTestKey(t)
	srv.setKeys(t, map[string]*rsa.PublicKey{"rotated": &rotated.PublicKey})

	if _, err := cache.Key(context.Background(), "rotated"); err != nil {
		t.Fatalf("Key(rotated) error = %v, want success after one refetch", err)
	}
	if n := srv.fetches.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2 (exactly one refetch)", n)
	}
}

func TestKeyCacheHardMissAfterSuccessfulRefetch(t *testing.T) {
	key := newTestKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})
	cache := NewKeyCache(srv.srv.URL)

	_, err := cache.Key(context.Background(), "nonexistent")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Key(nonexistent) error = %v, want ErrKeyNotFound", err)
	}

	// The miss is permanent: every lookup refetches and misses again.
	_, err = cache.Key(context.Background(), "nonexistent")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("second Key(nonexistent) error = %v, want ErrKeyNotFound", err)
	}
}

func TestKeyCacheServesStaleSetOnFetchFailure(t *testing.T) {
	key := newTestKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})
	cache := NewKeyCache(srv.srv.URL, WithKeyCacheTTL(time.Nanosecond))

	if _, err := cache.Key(context.Background(), "k1"); err != nil {
		t.Fatalf("Key() error = %v", err)
	}

	// TTL has elapsed and the provider is down; the last good set serves.
	time.Sleep(time.Millisecond)
	srv.setFail(true)

	if _, err := cache.Key(context.Background(), "k1"); err != nil {
		t.Errorf("Key() with failed refetch = %v, want stale set served", err)
	}
}

func TestKeyCacheErrorWhenNoSetAndFetchFails(t *testing.T) {
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{})
	srv.setFail(true)
	cache := NewKeyCache(srv.srv.URL)

	if _, err := cache.Key(context.Background(), "k1"); err == nil {
		t.Error("Key() with no cache and failed fetch should error")
	}
}

func TestKeyCacheCoalescesConcurrentRefetches(t *testing.T) {
	key := newTestKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})
	cache := NewKeyCache(srv.srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.Key(context.Background(), "k1")
		}()
	}
	wg.Wait()

	// Concurrent cold-cache lookups must share a single outbound fetch.
	// Allow a small amount of slack for goroutines that arrive after the
	// first flight completes and find a fresh cache.
	if n := srv.fetches.Load(); n > 2 {
		t.Errorf("fetches = %d, want coalesced (<= 2)", n)
	}
}

func TestParseRSAPublicKeyRejectsBadEncoding(t *testing.T) {
	if _, err := parseRSAPublicKey("!!not-base64!!", "AQAB"); err == nil {
		t.Error("parseRSAPublicKey() with invalid modulus should error")
	}
}
