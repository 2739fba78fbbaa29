// Package cache memoizes matches per scanned path.
package cache

import (
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/Hunter/internal/model"

	"github.com/puzpuzpuz/xsync/v3"
)

// Cache maps a normalized path to the matches found there. Entries are replaced as a
// whole and never modified in place, so readers always see a complete snapshot.
type Cache struct {
	m *xsync.MapOf[string, []model.Match]
}

func New() *Cache {
	return &Cache{m: xsync.NewMapOf[string, []model.Match]()}
}

// Key normalizes a path. Image references are kept verbatim.
func Key(path string) string {
	if strings.Contains(path, ":") && !filepath.IsAbs(path) {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// Load returns a copy of the matches of path. An empty, but present entry is a hit.
func (c *Cache) Load(path string) ([]model.Match, bool) {
	matches, ok := c.m.Load(Key(path))
	if !ok {
		return nil, false
	}
	return clone(matches), true
}

// Store replaces the entry of path with a copy of matches.
func (c *Cache) Store(path string, matches []model.Match) {
	c.m.Store(Key(path), clone(matches))
}

func (c *Cache) Delete(path string) {
	c.m.Delete(Key(path))
}

func (c *Cache) Len() int {
	return c.m.Size()
}

func (c *Cache) Clear() {
	c.m.Clear()
}

// Range calls fn for every entry until fn returns false. fn gets copies.
func (c *Cache) Range(fn func(path string, matches []model.Match) bool) {
	c.m.Range(func(key string, matches []model.Match) bool {
		return fn(key, clone(matches))
	})
}

func clone(matches []model.Match) []model.Match {
	ret := make([]model.Match, len(matches))
	for i, m := range matches {
		ret[i] = m.Clone()
	}
	return ret
}
