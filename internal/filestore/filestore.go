// Package filestore downloads remote files, such as generated images,
// into a local directory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/chatbridge/internal/httpkit"
)

// DefaultTimeout is the HTTP request timeout for downloads.
const DefaultTimeout = 60 * time.Second

// DefaultMaxBytes is the maximum accepted file size (20 MB).
const DefaultMaxBytes int64 = 20 * 1024 * 1024

// ErrTooLarge is returned when a download exceeds the size limit.
var ErrTooLarge = errors.New("filestore: file exceeds size limit")

// Store saves remote files under a single directory.
type Store struct {
	dir      string
	client   *http.Client
	maxBytes int64
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient replaces the download client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithMaxBytes sets the size limit.
func WithMaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// New creates a Store rooted at dir. An empty dir uses a "chatbridge"
// directory under os.TempDir(). The directory is created if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "chatbridge")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create file store directory: %w", err)
	}
	s := &Store{
		dir: dir,
		client: httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
			httpkit.WithRetry(2, time.Second),
		),
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory files are saved into.
func (s *Store) Dir() string { return s.dir }

// SaveRemoteFile downloads rawURL and writes it to name inside the
// store directory, returning the absolute path. The file appears
// atomically: a partial download never sits at the final path.
func (s *Store) SaveRemoteFile(ctx context.Context, rawURL, name string) (string, error) {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("filestore: invalid file name %q", name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("filestore: invalid url: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("filestore: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("filestore: download status %d: %s", resp.StatusCode, body)
	}

	tmp, err := os.CreateTemp(s.dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("filestore: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, s.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("filestore: write %s: %w", name, err)
	}
	if n > s.maxBytes {
		return "", ErrTooLarge
	}

	dest, err := filepath.Abs(filepath.Join(s.dir, name))
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("filestore: move into place: %w", err)
	}
	return dest, nil
}
