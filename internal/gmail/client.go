package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/authbridge/mailmcp/internal/logging"
)

const (
	// DefaultMaxResults is used when the caller does not ask for a count.
	DefaultMaxResults = 10
	// MaxResultsCeiling caps any requested count.
	MaxResultsCeiling = 20

	// metadataHeaders are the only headers fetched per message.
	headerSubject = "Subject"
	headerFrom    = "From"
	headerDate    = "Date"
)

// Client lists inbox messages on behalf of individual subjects. A fresh
// Gmail service is built per call around the caller's access token, so one
// Client serves every subject.
type Client struct {
	logger *slog.Logger
	opts   []option.ClientOption
}

// NewClient creates a Client. Extra client options are mainly for tests,
// which point the service at a local endpoint.
func NewClient(logger *slog.Logger, opts ...option.ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger: logging.WithComponent(logger, "gmail"),
		opts:   opts,
	}
}

// ClampMaxResults normalizes a requested message count: non-positive
// becomes the default, anything above the ceiling is lowered to it.
func ClampMaxResults(n int) int {
	if n <= 0 {
		return DefaultMaxResults
	}
	if n > MaxResultsCeiling {
		return MaxResultsCeiling
	}
	return n
}

// ListRecent returns metadata for the subject's most recent inbox messages,
// newest first. maxResults is clamped via ClampMaxResults. Failures are
// returned as *APIError so callers can branch on the kind.
func (c *Client) ListRecent(ctx context.Context, accessToken string, maxResults int) ([]Message, error) {
	if accessToken == "" {
		return nil, &APIError{Kind: KindAuthExpired, err: fmt.Errorf("empty access token")}
	}
	maxResults = ClampMaxResults(maxResults)

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	opts := append([]option.ClientOption{option.WithTokenSource(src)}, c.opts...)
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, &APIError{Kind: KindUnknown, err: fmt.Errorf("creating gmail service: %w", err)}
	}

	list, err := svc.Users.Messages.List("me").
		LabelIds("INBOX").
		MaxResults(int64(maxResults)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(err)
	}

	messages := make([]Message, 0, len(list.Messages))
	for _, ref := range list.Messages {
		full, err := svc.Users.Messages.Get("me", ref.Id).
			Format("metadata").
			MetadataHeaders(headerSubject, headerFrom, headerDate).
			Context(ctx).
			Do()
		if err != nil {
			return nil, classify(err)
		}
		messages = append(messages, Message{
			ID:       full.Id,
			ThreadID: full.ThreadId,
			Subject:  headerValue(full, headerSubject),
			From:     headerValue(full, headerFrom),
			Date:     headerValue(full, headerDate),
			Snippet:  full.Snippet,
		})
	}

	c.logger.Debug("listed recent messages",
		slog.Int("requested", maxResults), slog.Int("returned", len(messages)))
	return messages, nil
}

// headerValue returns the named metadata header of a message, or "".
func headerValue(m *gmailapi.Message, name string) string {
	if m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// classify maps a Gmail API error onto the package's error taxonomy.
func classify(err error) *APIError {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return &APIError{Kind: KindAuthExpired, err: err}
		case gerr.Code == http.StatusForbidden:
			return &APIError{Kind: KindForbidden, err: err}
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return &APIError{Kind: KindTransient, err: err}
		}
	}
	return &APIError{Kind: KindUnknown, err: err}
}
