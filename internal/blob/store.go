// Package blob implements the artifact store for formation tarballs:
// immutable blobs keyed by formation and version, with no-overwrite
// uploads, time-limited signed download URLs, and idempotent deletes.
//
// Blobs live on the local filesystem under a single root directory.
// The store is deliberately thin; upload failures are retried or
// compensated by the publish orchestrator, never swallowed here.
package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SignedURLTTL is the default lifetime of a signed download URL.
const SignedURLTTL = 300 * time.Second

var (
	// ErrPathExists is returned when an upload targets a path that
	// already holds content. The store never overwrites: a collision
	// signals a logic error upstream.
	ErrPathExists = errors.New("blob path already has content")

	// ErrNotFound is returned when signing or opening a path with no
	// content.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidPath is returned for paths that escape the store root.
	ErrInvalidPath = errors.New("invalid blob path")
)

// Store is a filesystem-backed tarball store.
type Store struct {
	root    string
	secret  []byte
	baseURL string

	now func() time.Time
}

// NewStore creates a Store rooted at dir. baseURL is the public prefix
// signed URLs point at (e.g. "https://registry.example.com/blobs");
// secret signs them. The root directory is created if absent.
func NewStore(dir, baseURL string, secret []byte) (*Store, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", dir, err)
	}
	return &Store{
		root:    dir,
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// Path returns the deterministic storage key for a formation version.
// The key is derived from formation and version, not from the content
// hash: re-publishing a failed version at the same number (after the
// sweeper reaps the debris) reuses the same path.
func Path(formationID, version string) string {
	return fmt.Sprintf("formations/%s/%s.tar.gz", formationID, version)
}

// Upload writes data at the given path. Fails with ErrPathExists when
// the path already has content; the store enforces no-overwrite.
// contentType is recorded for the caller's benefit only; the
// filesystem backend serves every blob as its stored bytes.
func (s *Store) Upload(blobPath string, data []byte, contentType string) error {
	full, err := s.resolve(blobPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrPathExists, blobPath)
		}
		return fmt.Errorf("failed to create blob %s: %w", blobPath, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(full)
		return fmt.Errorf("failed to write blob %s: %w", blobPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(full)
		return fmt.Errorf("failed to flush blob %s: %w", blobPath, err)
	}
	return nil
}

// SignURL produces a time-limited read-only URL for the blob. Fails
// with ErrNotFound if the path has no content.
func (s *Store) SignURL(blobPath string, ttl time.Duration) (string, error) {
	full, err := s.resolve(blobPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, blobPath)
		}
		return "", fmt.Errorf("failed to stat blob %s: %w", blobPath, err)
	}

	exp := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", s.signature(blobPath, exp))
	return fmt.Sprintf("%s/%s?%s", s.baseURL, blobPath, q.Encode()), nil
}

// Verify checks a signed-URL signature and expiry for a path. Used by
// the HTTP layer before serving blob bytes.
func (s *Store) Verify(blobPath string, exp int64, sig string) bool {
	if s.now().Unix() > exp {
		return false
	}
	expected := s.signature(blobPath, exp)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Open returns a reader over the blob's bytes and its size. Fails with
// ErrNotFound if the path has no content.
func (s *Store) Open(blobPath string) (io.ReadCloser, int64, error) {
	full, err := s.resolve(blobPath)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, blobPath)
		}
		return nil, 0, fmt.Errorf("failed to open blob %s: %w", blobPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat blob %s: %w", blobPath, err)
	}
	return f, info.Size(), nil
}

// Delete removes the blob at path. Deleting an absent path is not an
// error: callers treat delete as best-effort cleanup and must be able
// to retry it safely.
func (s *Store) Delete(blobPath string) error {
	full, err := s.resolve(blobPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", blobPath, err)
	}
	return nil
}

// signature computes the HMAC-SHA256 over path and expiry.
func (s *Store) signature(blobPath string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", blobPath, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// resolve maps a blob path onto the filesystem, rejecting anything
// that would escape the store root.
func (s *Store) resolve(blobPath string) (string, error) {
	cleaned := path.Clean("/" + blobPath)[1:]
	if cleaned == "" || cleaned != blobPath {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, blobPath)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}
