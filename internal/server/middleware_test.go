package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/authbridge/mailmcp/internal/auth"
	"github.com/authbridge/mailmcp/internal/instrumentation"
)

const (
	testIssuer   = "https://tenant.example.auth0.com/"
	testAudience = "https://mcp.example.com"
)

// newTestVerifier spins up a JWKS endpoint for a fresh RSA key and returns
// a verifier plus a signer producing tokens that verifier accepts.
func newTestVerifier(t *testing.T) (*auth.Verifier, func(subject string) string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	jwks := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "test-key",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)

	verifier := auth.NewVerifier(auth.NewKeyCache(srv.URL), testIssuer, testAudience)

	sign := func(subject string) string {
		claims := jwt.MapClaims{
			"iss": testIssuer,
			"aud": testAudience,
			"sub": subject,
			"exp": time.Now().Add(time.Hour).Unix(),
			"iat": time.Now().Unix(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "test-key"
		signed, err := token.SignedString(key)
		if err != nil {
			t.Fatalf("signing token: %v", err)
		}
		return signed
	}

	return verifier, sign
}

func TestBearerAuthMissingHeader(t *testing.T) {
	verifier, _ := newTestVerifier(t)

	var reached bool
	handler := BearerAuth(verifier, &instrumentation.Metrics{}, nil)(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { reached = true }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got == "" {
		t.Error("WWW-Authenticate header missing")
	}
	if reached {
		t.Error("handler reached without credentials")
	}
}

func TestBearerAuthMalformedHeader(t *testing.T) {
	verifier, _ := newTestVerifier(t)
	handler := BearerAuth(verifier, &instrumentation.Metrics{}, nil)(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Error("handler reached with malformed header")
		}))

	for _, header := range []string{"Basic dXNlcjpwYXNz", "Bearer", "Bearer ", "bearer-token"} {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestBearerAuthInvalidToken(t *testing.T) {
	verifier, _ := newTestVerifier(t)
	handler := BearerAuth(verifier, &instrumentation.Metrics{}, nil)(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Error("handler reached with invalid token")
		}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("401 body is not JSON: %v", err)
	}
	if body["error"] != "invalid_token" {
		t.Errorf("error = %q, want %q", body["error"], "invalid_token")
	}
}

func TestBearerAuthValidToken(t *testing.T) {
	verifier, sign := newTestVerifier(t)
	token := sign("auth0|alice")

	var gotIdentity auth.Identity
	var gotRaw string
	handler := BearerAuth(verifier, &instrumentation.Metrics{}, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				t.Error("identity missing from request context")
			}
			gotIdentity = id
			raw, ok := RawTokenFromContext(r.Context())
			if !ok {
				t.Error("raw token missing from request context")
			}
			gotRaw = raw
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotIdentity.Subject != "auth0|alice" {
		t.Errorf("subject = %q, want %q", gotIdentity.Subject, "auth0|alice")
	}
	if gotRaw != token {
		t.Error("raw token in context does not match the presented token")
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 1, 2)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Errorf("burst requests = %v, want first two 200", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", statuses[2])
	}

	// A different client IP has its own budget.
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("fresh client = %d, want 200", rec.Code)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mk("outer"), mk("inner"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	want := fmt.Sprintf("%v", []string{"outer", "inner", "handler"})
	if got := fmt.Sprintf("%v", order); got != want {
		t.Errorf("order = %v, want %v", got, want)
	}
}

// activeSessionCount reads the current value of the active_sessions gauge.
func activeSessionCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "active_sessions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				return 0
			}
			return sum.DataPoints[0].Value
		}
	}
	return 0
}

func TestHTTPMetricsTracksInFlightRequests(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics, err := instrumentation.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	var during int64
	handler := HTTPMetrics(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = activeSessionCount(t, reader)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	if during != 1 {
		t.Errorf("active sessions during request = %d, want 1", during)
	}
	if after := activeSessionCount(t, reader); after != 0 {
		t.Errorf("active sessions after request = %d, want 0", after)
	}
}
