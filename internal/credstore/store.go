package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/authbridge/mailmcp/internal/logging"
)

// ErrNotLinked indicates the subject has no stored credentials.
var ErrNotLinked = errors.New("subject not linked")

// Record is the stored credential set for one subject.
type Record struct {
	// Subject is the record key. Not serialized; the store file is a JSON
	// object keyed by subject.
	Subject string `json:"-"`

	// RefreshToken is the long-lived provider-issued secret. Set only by
	// Link, never by a failed exchange.
	RefreshToken string `json:"refresh_token"`

	// AccessToken is the cached short-lived secret, if any. Always set or
	// cleared together with AccessTokenExpiry.
	AccessToken string `json:"access_token,omitzero"`

	// AccessTokenExpiry is the instant the cached access token expires.
	AccessTokenExpiry time.Time `json:"access_token_expiry,omitzero"`
}

// HasCachedAccess reports whether the record carries a cached access token.
func (r Record) HasCachedAccess() bool {
	return r.AccessToken != "" && !r.AccessTokenExpiry.IsZero()
}

// FileStore is a durable credential store backed by a JSON file.
// All mutations are atomic per subject: a concurrent reader sees either
// the old record or the new one, never a partial write. The file itself
// is replaced with a tmp-file + rename so a crash cannot corrupt it.
//
// FileStore is safe for concurrent use by multiple goroutines.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]Record
}

// NewFileStore opens (or initializes) the store at path. A missing file is
// treated as an empty store; a corrupt file is an error so credentials are
// never silently dropped.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{
		path:    path,
		logger:  logging.WithComponent(logger, "credstore"),
		records: make(map[string]Record),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading credential store %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parsing credential store %s: %w", path, err)
	}

	s.logger.Debug("loaded credential store",
		slog.String("path", path), slog.Int("subjects", len(s.records)))
	return s, nil
}

// Link stores a refresh token for the subject. An existing record is fully
// replaced: the refresh token is overwritten and any cached access token is
// cleared, since it may belong to a different underlying grant.
func (s *FileStore) Link(subject, refreshToken string) error {
	if subject == "" {
		return fmt.Errorf("subject cannot be empty")
	}
	if refreshToken == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[subject] = Record{RefreshToken: refreshToken}
	if err := s.persistLocked(); err != nil {
		return err
	}

	s.logger.Info("linked subject", logging.SubjectHash(subject))
	return nil
}

// Get returns a copy of the subject's record, or ErrNotLinked.
func (s *FileStore) Get(subject string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[subject]
	if !ok {
		return Record{}, ErrNotLinked
	}
	rec.Subject = subject
	return rec, nil
}

// UpdateCache stores a freshly exchanged access token and its expiry for
// the subject. Only the cached fields are touched. Returns ErrNotLinked if
// the subject was concurrently unlinked. An update whose expiry is not
// later than the currently cached one is discarded: it came from an older
// exchange and must not overwrite a newer result.
func (s *FileStore) UpdateCache(subject, accessToken string, expiry time.Time) error {
	if accessToken == "" || expiry.IsZero() {
		return fmt.Errorf("access token and expiry must both be set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[subject]
	if !ok {
		return ErrNotLinked
	}
	if !rec.AccessTokenExpiry.IsZero() && !expiry.After(rec.AccessTokenExpiry) {
		s.logger.Debug("discarding stale cache update",
			logging.SubjectHash(subject),
			slog.Time("cached_expiry", rec.AccessTokenExpiry),
			slog.Time("offered_expiry", expiry))
		return nil
	}

	rec.AccessToken = accessToken
	rec.AccessTokenExpiry = expiry
	s.records[subject] = rec
	return s.persistLocked()
}

// Unlink removes the subject's record entirely. Returns ErrNotLinked when
// there is nothing to remove.
func (s *FileStore) Unlink(subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[subject]; !ok {
		return ErrNotLinked
	}
	delete(s.records, subject)
	if err := s.persistLocked(); err != nil {
		return err
	}

	s.logger.Info("unlinked subject", logging.SubjectHash(subject))
	return nil
}

// Len returns the number of linked subjects.
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// persistLocked writes the store file. Caller must hold the write lock.
func (s *FileStore) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating credential store directory: %w", err)
	}

	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing credential store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing credential store: %w", err)
	}
	return nil
}
