package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUserInfoLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer raw-token" {
			t.Errorf("Authorization header = %q, want Bearer raw-token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"auth0|alice","name":"Alice Example","email":"alice@example.com","email_verified":true}`))
	}))
	defer srv.Close()

	info, err := NewUserInfoClient(srv.URL).Lookup(context.Background(), "raw-token")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if info.Sub != "auth0|alice" {
		t.Errorf("Sub = %q, want auth0|alice", info.Sub)
	}
	if info.DisplayName() != "Alice Example" {
		t.Errorf("DisplayName() = %q, want Alice Example", info.DisplayName())
	}
}

func TestUserInfoLookupNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := NewUserInfoClient(srv.URL).Lookup(context.Background(), "bad"); err == nil {
		t.Error("Lookup() with 401 response should error")
	}
}

func TestUserInfoDisplayNameFallbacks(t *testing.T) {
	tests := []struct {
		name string
		info UserInfo
		want string
	}{
		{"name", UserInfo{Sub: "s", Name: "N", Nickname: "nick", Email: "e@x"}, "N"},
		{"nickname", UserInfo{Sub: "s", Nickname: "nick", Email: "e@x"}, "nick"},
		{"email", UserInfo{Sub: "s", Email: "e@x"}, "e@x"},
		{"subject", UserInfo{Sub: "s"}, "s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}
