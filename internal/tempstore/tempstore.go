// Package tempstore allocates the temporary directories of a scan session.
//
// Every directory is registered only after it exists, so a purge always removes
// everything the store handed out.
package tempstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Hunter/internal/log"

	"github.com/hashicorp/go-safetemp"
)

const logger = log.Origin("tempstore")

var ErrClosed = errors.New("temporary store closed")

type allocation struct {
	dir    string
	closer io.Closer
}

// Store maps purpose tags to temporary directories. It is safe for concurrent use.
type Store struct {
	base  string
	purge atomic.Bool

	mx     sync.Mutex
	closed bool
	dirs   map[string]allocation
}

// New returns a store allocating below base, an empty base means os.TempDir.
func New(base string, purgeOnClose bool) *Store {
	s := &Store{
		base: base,
		dirs: make(map[string]allocation),
	}
	s.purge.Store(purgeOnClose)
	return s
}

// Dir returns the directory of purpose, creating it on first use.
func (s *Store) Dir(purpose string) (string, error) {
	if purpose == "" || !filepath.IsLocal(purpose) || strings.ContainsRune(purpose, filepath.Separator) {
		return "", fmt.Errorf("invalid purpose %q", purpose)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if a, ok := s.dirs[purpose]; ok {
		return a.dir, nil
	}

	dir, closer, err := safetemp.Dir(s.base, "hunter-"+purpose+"-")
	if err != nil {
		return "", fmt.Errorf("allocate %s directory: %w", purpose, err)
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		_ = closer.Close()
		return "", fmt.Errorf("create %s directory: %w", purpose, err)
	}
	s.dirs[purpose] = allocation{dir: dir, closer: closer}
	return dir, nil
}

// Destination returns a deterministic path for an entry of container:
// <purpose dir>/<container base name>/<segments...>. Segments escaping the
// directory are rejected.
func (s *Store) Destination(purpose, container string, segments ...string) (string, error) {
	dir, err := s.Dir(purpose)
	if err != nil {
		return "", err
	}
	name := filepath.Base(filepath.FromSlash(container))
	if name == "." || name == string(filepath.Separator) || !filepath.IsLocal(name) {
		return "", fmt.Errorf("invalid container name %q", container)
	}
	parts := make([]string, 0, len(segments)+2)
	parts = append(parts, dir, name)
	for _, seg := range segments {
		seg = filepath.FromSlash(seg)
		if !filepath.IsLocal(seg) {
			return "", fmt.Errorf("path segment %q escapes the temporary directory", seg)
		}
		parts = append(parts, seg)
	}
	if len(parts) == 2 {
		return "", errors.New("no path segments")
	}
	return filepath.Join(parts...), nil
}

// Claim atomically creates an empty dest. Only the first caller gets true, so exactly
// one party fills the file.
func (s *Store) Claim(dest string) (bool, error) {
	if !s.Owns(dest) {
		return false, fmt.Errorf("%s is not in a temporary directory", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return false, err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, f.Close()
}

// Owns reports whether path lies in one of the allocated directories.
func (s *Store) Owns(path string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, a := range s.dirs {
		rel, err := filepath.Rel(a.dir, path)
		if err == nil && filepath.IsLocal(rel) {
			return true
		}
	}
	return false
}

// Paths returns the allocated directories, sorted.
func (s *Store) Paths() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	paths := make([]string, 0, len(s.dirs))
	for _, a := range s.dirs {
		paths = append(paths, a.dir)
	}
	slices.Sort(paths)
	return paths
}

func (s *Store) SetPurgeOnClose(purge bool) {
	s.purge.Store(purge)
}

func (s *Store) PurgeOnClose() bool {
	return s.purge.Load()
}

// Purge removes all allocated directories. The store can allocate again afterwards.
func (s *Store) Purge() error {
	s.mx.Lock()
	dirs := s.dirs
	s.dirs = make(map[string]allocation)
	s.mx.Unlock()

	var errs []error
	for purpose, a := range dirs {
		if err := a.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("purge %s directory: %w", purpose, err))
			continue
		}
		logger.Debug(context.Background(), "temporary directory purged", "purpose", purpose, "dir", a.dir)
	}
	return errors.Join(errs...)
}

// Close purges the directories when purge on close is set and rejects further
// allocations. Kept directories stay on disk.
func (s *Store) Close() error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	s.mx.Unlock()
	if !s.purge.Load() {
		return nil
	}
	return s.Purge()
}
