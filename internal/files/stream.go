// Package files implements the read-only migration:// scheme used to address
// source files (data dumps, uploads) relative to a configured root.
package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Scheme is the URI prefix handled by Stream.
const Scheme = "migration://"

var (
	// ErrReadOnly is returned by every write operation.
	ErrReadOnly = errors.New("migration files are read-only")
	// ErrNoExternalURL is returned by ExternalURL.
	ErrNoExternalURL = errors.New("migration file URLs are not meant to be public")
)

// Stream resolves migration:// URIs below a base directory.
type Stream struct {
	base string
}

// NewStream creates a stream rooted at base.
func NewStream(base string) (*Stream, error) {
	if base == "" {
		return nil, fmt.Errorf("migration source path is not configured")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migration source path: %w", err)
	}
	return &Stream{base: abs}, nil
}

// BasePath returns the root directory.
func (s *Stream) BasePath() string {
	return s.base
}

// Resolve maps a migration:// URI to a local path. Paths that would leave the
// base directory are rejected.
func (s *Stream) Resolve(uri string) (string, error) {
	if !strings.HasPrefix(uri, Scheme) {
		return "", fmt.Errorf("unsupported uri %q: expected %s scheme", uri, Scheme)
	}
	rel := filepath.FromSlash(strings.TrimPrefix(uri, Scheme))
	full := filepath.Join(s.base, rel)
	if full != s.base && !strings.HasPrefix(full, s.base+string(filepath.Separator)) {
		return "", fmt.Errorf("uri %q escapes the migration source path", uri)
	}
	return full, nil
}

// Open opens a file for reading.
func (s *Stream) Open(uri string) (io.ReadCloser, error) {
	path, err := s.Resolve(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", uri, err)
	}
	return f, nil
}

// ReadFile reads a whole file.
func (s *Stream) ReadFile(uri string) ([]byte, error) {
	path, err := s.Resolve(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return data, nil
}

// Stat returns file info for a URI.
func (s *Stream) Stat(uri string) (os.FileInfo, error) {
	path, err := s.Resolve(uri)
	if err != nil {
		return nil, err
	}
	return os.Stat(path)
}

// Create always fails.
func (s *Stream) Create(uri string) (io.WriteCloser, error) {
	return nil, fmt.Errorf("%s: %w", uri, ErrReadOnly)
}

// Remove always fails.
func (s *Stream) Remove(uri string) error {
	return fmt.Errorf("%s: %w", uri, ErrReadOnly)
}

// ExternalURL always fails: these files are never served.
func (s *Stream) ExternalURL(uri string) (string, error) {
	return "", ErrNoExternalURL
}
