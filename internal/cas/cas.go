// Package cas implements a content-addressed store on the local filesystem.
//
// Artifacts are stored under a path derived from the cryptographic digest of
// their content: the first depth byte-pairs of the hex digest become nested
// directories, and the filename is the full digest plus a logical suffix.
// Two invocations with identical bytes always resolve to the identical path,
// and the store is append-only: existing artifacts are never rewritten.
package cas

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Status reports the outcome of an Add call.
type Status string

const (
	// StatusNew means the artifact was written for the first time.
	StatusNew Status = "NEW"
	// StatusExists means an artifact with the same digest was already present.
	StatusExists Status = "EXISTS"
	// StatusCollision means the digest matched an existing artifact of a
	// different size and the content was written to the collision area.
	StatusCollision Status = "COLLISION"
)

const (
	defaultDepth     = 2
	defaultSuffix    = ".eml"
	defaultBlockSize = 16 * 1024

	collisionsDirName = "collisions"
)

// WriteError wraps an I/O failure while persisting an artifact. The partial
// temp file has already been cleaned up; the caller can continue with the
// next item.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing artifact %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// AddResult describes where an artifact ended up.
type AddResult struct {
	Status Status
	Digest string
	Path   string
	Size   int64
}

// Store is a content-addressed store rooted at a single directory.
// It holds no in-process lock: concurrent writers targeting the same digest
// are safe because the final write step is an atomic rename. The invariant is
// "the final file, once present, is complete", not "at most one writer runs".
type Store struct {
	root          string
	collisionsDir string
	suffix        string
	depth         int
	newHash       func() hash.Hash
	blockSize     int
}

// Option configures a Store.
type Option func(*Store)

// WithSuffix sets the logical filename suffix (a leading dot is added if
// missing). The default is ".eml".
func WithSuffix(suffix string) Option {
	return func(s *Store) {
		suffix = strings.TrimSpace(suffix)
		if suffix == "" {
			suffix = defaultSuffix
		}
		if !strings.HasPrefix(suffix, ".") {
			suffix = "." + suffix
		}
		s.suffix = suffix
	}
}

// WithDepth sets the directory fan-out depth in digest byte-pairs.
// Negative values fall back to the default of 2. A depth that exceeds the
// digest length is only detected when a digest is computed.
func WithDepth(depth int) Option {
	return func(s *Store) {
		if depth < 0 {
			depth = defaultDepth
		}
		s.depth = depth
	}
}

// WithHash sets the digest algorithm. The default is SHA-384.
func WithHash(newHash func() hash.Hash) Option {
	return func(s *Store) {
		if newHash != nil {
			s.newHash = newHash
		}
	}
}

// New creates (or reuses) a store rooted at root.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:          root,
		collisionsDir: filepath.Join(root, collisionsDirName),
		suffix:        defaultSuffix,
		depth:         defaultDepth,
		newHash:       sha512.New384,
		blockSize:     defaultBlockSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Suffix returns the normalized artifact suffix, including the leading dot.
func (s *Store) Suffix() string { return s.suffix }

// subdirs splits the digest into the fan-out path elements.
func (s *Store) subdirs(digest string) ([]string, error) {
	if len(digest) < s.depth*2 {
		return nil, fmt.Errorf("digest %q too short, %d characters required for depth %d", digest, s.depth*2, s.depth)
	}
	dirs := make([]string, 0, s.depth)
	for i := 0; i < s.depth*2; i += 2 {
		dirs = append(dirs, digest[i:i+2])
	}
	return dirs, nil
}

// destination resolves the final directory and filename for a digest.
func (s *Store) destination(digest string) (dir, filename string, err error) {
	dirs, err := s.subdirs(digest)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(append([]string{s.root}, dirs...)...), digest + s.suffix, nil
}

// digestReader streams r through the hash in fixed-size blocks while spooling
// the bytes to a temp file in the store root, so the payload is never held in
// memory. Returns the hex digest, the spool path and the byte count.
// The caller owns the spool file and must remove it unless it gets renamed.
func (s *Store) digestReader(r io.Reader) (digest, spoolPath string, size int64, err error) {
	spool, err := os.CreateTemp(s.root, ".spool-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("creating spool file: %w", err)
	}
	spoolPath = spool.Name()

	h := s.newHash()
	buf := make([]byte, s.blockSize)
	size, err = io.CopyBuffer(io.MultiWriter(h, spool), r, buf)
	if cerr := spool.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(spoolPath)
		return "", "", 0, &WriteError{Path: spoolPath, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), spoolPath, size, nil
}

// Add stores the content read from r, deduplicating by digest.
// It returns StatusNew on first write and StatusExists when an artifact of
// the same digest and size is already present. A digest match with a size
// mismatch is written to the collision area and reported as StatusCollision
// so callers can log it.
func (s *Store) Add(r io.Reader) (AddResult, error) {
	digest, spoolPath, size, err := s.digestReader(r)
	if err != nil {
		return AddResult{}, err
	}

	keepSpool := false
	defer func() {
		if !keepSpool {
			os.Remove(spoolPath)
		}
	}()

	dir, filename, err := s.destination(digest)
	if err != nil {
		return AddResult{}, err
	}
	dest := filepath.Join(dir, filename)

	status := StatusNew
	if info, err := os.Stat(dest); err == nil {
		if info.Size() == size {
			return AddResult{Status: StatusExists, Digest: digest, Path: dest, Size: size}, nil
		}
		// Same digest, different size. A second collision at that location
		// is treated as already handled; no further distinguishing is
		// attempted (a known limitation).
		status = StatusCollision
		dir = s.collisionsDir
		dest = filepath.Join(dir, filename)
		if _, err := os.Stat(dest); err == nil {
			return AddResult{Status: StatusExists, Digest: digest, Path: dest, Size: size}, nil
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return AddResult{}, &WriteError{Path: dest, Err: err}
	}
	if err := os.Rename(spoolPath, dest); err != nil {
		return AddResult{}, &WriteError{Path: dest, Err: err}
	}
	keepSpool = true

	return AddResult{Status: status, Digest: digest, Path: dest, Size: size}, nil
}

// AddBytes stores an in-memory payload. See Add.
func (s *Store) AddBytes(b []byte) (AddResult, error) {
	return s.Add(bytes.NewReader(b))
}

// Digest computes the store's digest of the content read from r without
// writing anything.
func (s *Store) Digest(r io.Reader) (string, error) {
	h := s.newHash()
	buf := make([]byte, s.blockSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Locate computes the would-be path of a digest without touching the
// filesystem.
func (s *Store) Locate(digest string) (string, error) {
	dir, filename, err := s.destination(digest)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filename), nil
}

// LocateExisting resolves the path of a digest and reports whether the
// artifact is actually present.
func (s *Store) LocateExisting(digest string) (string, bool, error) {
	path, err := s.Locate(digest)
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return path, false, nil
		}
		return path, false, fmt.Errorf("checking artifact: %w", err)
	}
	return path, true, nil
}

// Walk calls fn for every artifact path matching the store's suffix.
// The filesystem is re-scanned on each call; order is undefined.
func (s *Store) Walk(fn func(path string) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), s.suffix) {
			return nil
		}
		return fn(path)
	})
}
