package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// UserInfo holds the profile claims returned by the identity provider's
// userinfo endpoint.
type UserInfo struct {
	Sub           string `json:"sub"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Nickname      string `json:"nickname"`
	Picture       string `json:"picture"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	UpdatedAt     string `json:"updated_at"`
}

// DisplayName returns the best available human-readable name.
func (u *UserInfo) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Nickname != "":
		return u.Nickname
	case u.Email != "":
		return u.Email
	default:
		return u.Sub
	}
}

// UserInfoClient fetches profile claims from the provider's userinfo
// endpoint using the caller's own bearer token. The token must already
// have been verified; this call only enriches the identity with profile
// data for display purposes.
type UserInfoClient struct {
	url    string
	client *http.Client
}

// NewUserInfoClient creates a client for the given userinfo endpoint URL.
func NewUserInfoClient(userinfoURL string) *UserInfoClient {
	return &UserInfoClient{
		url:    userinfoURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Lookup fetches the profile for the presented bearer token.
func (c *UserInfoClient) Lookup(ctx context.Context, rawToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+rawToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading userinfo response: %w", err)
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parsing userinfo response: %w", err)
	}
	return &info, nil
}
