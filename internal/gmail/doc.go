// Package gmail is a thin read-only client over the Gmail API. Every call
// is made with a per-subject access token supplied by the caller; the
// package holds no credentials of its own.
package gmail
