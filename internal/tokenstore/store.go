// Package tokenstore persists OAuth token and lock records per remote-server
// identity under a configurable root directory, with the atomic
// write-then-rename discipline spec.md §4.2 and §8 (P5) require.
package tokenstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultRoot is the default per-user root directory (spec.md §4.2).
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcp-auth"
	}
	return filepath.Join(home, ".mcp-auth")
}

// Store is the durable token/lock persistence layer for one root directory.
// A Store is safe for concurrent use by multiple goroutines; cross-process
// safety for lock records comes from atomic file creation (O_EXCL), and for
// token records from write-then-rename (readers never observe a torn file).
type Store struct {
	root      string
	encryptor *Encryptor // nil: token records are stored as plaintext JSON
}

// Busy is returned by AcquireLock when a live lock already exists.
type Busy struct {
	OwnerPort int
}

func (b *Busy) Error() string {
	return fmt.Sprintf("oauth flow already in progress on port %d", b.OwnerPort)
}

// New creates a Store rooted at dir, creating it (mode 0700 where supported)
// if it does not exist. An Encryptor is optional; pass nil for plaintext
// token files.
func New(dir string, enc *Encryptor) (*Store, error) {
	if dir == "" {
		dir = DefaultRoot()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token store root %s: %w", dir, err)
	}
	return &Store{root: dir, encryptor: enc}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// keyFor hashes the normalized endpoint URL to a stable lowercase hex id
// (spec.md §4.2: "Files are named by the lowercase hex of a cryptographic
// hash of the normalized endpoint URL").
func keyFor(endpoint string) string {
	sum := sha256.Sum256([]byte(normalizeEndpoint(endpoint)))
	return hex.EncodeToString(sum[:])
}

func normalizeEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return strings.ToLower(strings.TrimRight(endpoint, "/"))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.Fragment = ""
	return u.String()
}

func (s *Store) tokenPath(endpoint string) string {
	return filepath.Join(s.root, keyFor(endpoint)+".json")
}

func (s *Store) lockPath(endpoint string) string {
	return filepath.Join(s.root, keyFor(endpoint)+".lock.json")
}

// Load returns the TokenRecord for endpoint, or (nil, nil) if it does not
// exist, is corrupt, or fails schema validation — per spec.md §4.2, corrupt
// files are also deleted so a later Store call can't collide with debris.
func (s *Store) Load(endpoint string) (*TokenRecord, error) {
	path := s.tokenPath(endpoint)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}

	plaintext, err := s.decode(data)
	if err != nil {
		slog.Warn("discarding corrupt token file", "path", path, "error", err)
		_ = os.Remove(path)
		return nil, nil
	}

	var rec TokenRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		slog.Warn("discarding schema-mismatched token file", "path", path, "error", err)
		_ = os.Remove(path)
		return nil, nil
	}
	if rec.AccessToken == "" {
		slog.Warn("discarding token file missing access_token", "path", path)
		_ = os.Remove(path)
		return nil, nil
	}
	return &rec, nil
}

// Store durably writes rec for endpoint via a sibling-temp-file-then-rename,
// so a concurrent reader never observes a partially written file (spec.md
// §8, P5).
func (s *Store) Store(endpoint string, rec *TokenRecord) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	data, err := s.encode(plaintext)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.tokenPath(endpoint), data, 0o600)
}

func (s *Store) encode(plaintext []byte) ([]byte, error) {
	if s.encryptor == nil {
		return plaintext, nil
	}
	return s.encryptor.Encrypt(plaintext)
}

func (s *Store) decode(data []byte) ([]byte, error) {
	if s.encryptor == nil {
		return data, nil
	}
	return s.encryptor.Decrypt(data)
}

// LockHandle is returned by a successful AcquireLock and must be released
// via its Release method when the flow completes or fails.
type LockHandle struct {
	store    *Store
	endpoint string
	path     string
}

// AcquireLock creates the on-disk lock record for endpoint, or returns
// *Busy if a live lock already exists. A lock is stale (and is reaped
// rather than honored) when its owning pid is dead or its age exceeds
// authTimeout (spec.md §4.2, §4.5 "Multi-instance coordination").
func (s *Store) AcquireLock(endpoint string, callbackPort int, authTimeout time.Duration) (*LockHandle, error) {
	path := s.lockPath(endpoint)

	rec := LockRecord{Pid: os.Getpid(), CallbackPort: callbackPort, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal lock record: %w", err)
	}

	if err := createExclusive(path, data); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		// A lock already exists: reap it if stale, otherwise fail fast.
		existing, readErr := s.readLock(path)
		if readErr != nil || s.isStale(existing, authTimeout) {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("reap stale lock: %w", rmErr)
			}
			if err := createExclusive(path, data); err != nil {
				return nil, fmt.Errorf("create lock file after reap: %w", err)
			}
		} else {
			return nil, &Busy{OwnerPort: existing.CallbackPort}
		}
	}
	return &LockHandle{store: s, endpoint: endpoint, path: path}, nil
}

// PollForFreshToken waits for another instance to finish an interactive
// OAuth flow and publish a fresh token, polling every interval up to
// authTimeout (spec.md §4.5, "Multi-instance coordination"). It returns the
// fresh token, or nil if none appeared before the timeout.
func (s *Store) PollForFreshToken(endpoint string, since time.Time, interval, authTimeout time.Duration) (*TokenRecord, error) {
	deadline := time.Now().Add(authTimeout)
	for time.Now().Before(deadline) {
		rec, err := s.Load(endpoint)
		if err == nil && rec != nil {
			info, statErr := os.Stat(s.tokenPath(endpoint))
			if statErr == nil && info.ModTime().After(since) {
				return rec, nil
			}
		}
		time.Sleep(interval)
	}
	return nil, nil
}

// LockInfo reports whether a live lock currently exists for endpoint and,
// if so, the port its owner is using for the OAuth callback.
func (s *Store) LockInfo(endpoint string, authTimeout time.Duration) (live bool, ownerPort int) {
	rec, err := s.readLock(s.lockPath(endpoint))
	if err != nil {
		return false, 0
	}
	if s.isStale(rec, authTimeout) {
		return false, 0
	}
	return true, rec.CallbackPort
}

func (s *Store) readLock(path string) (*LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) isStale(rec *LockRecord, authTimeout time.Duration) bool {
	if rec == nil {
		return true
	}
	if !processAlive(rec.Pid) {
		return true
	}
	return time.Since(rec.CreatedAt) > authTimeout
}

// Release removes the lock file. Idempotent: removing an already-removed
// lock is not an error (spec.md §4.2).
func (h *LockHandle) Release() error {
	err := os.Remove(h.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// writeFileAtomic writes data to a sibling temp file in the same directory
// and renames it into place, so readers never see a torn write.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
