package gmail

import "fmt"

// Message is the metadata summary of a single inbox message.
type Message struct {
	ID       string
	ThreadID string
	Subject  string
	From     string
	Date     string
	Snippet  string
}

// ErrorKind classifies Gmail API failures so callers can decide between
// retrying with a fresh token, reporting a permission problem, or backing
// off.
type ErrorKind int

const (
	// KindUnknown covers failures that fit no other category.
	KindUnknown ErrorKind = iota
	// KindAuthExpired means the access token was rejected. A fresh
	// exchange may fix it.
	KindAuthExpired
	// KindForbidden means the token is valid but lacks permission.
	KindForbidden
	// KindTransient covers rate limiting and provider-side errors.
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// APIError wraps a Gmail API failure with its classification.
type APIError struct {
	Kind ErrorKind
	err  error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gmail api: %s: %v", e.Kind, e.err)
}

func (e *APIError) Unwrap() error {
	return e.err
}
