package model

import (
	"context"
	"maps"
	"path"
	"strings"
)

// Item describes a scanned entry.
//
// Entries found directly on a filesystem have Path set and an empty Containers chain.
// Entries found inside archives keep the chain of enclosing containers, outermost
// first, and their internal path in Name.
type Item struct {
	Root        string   `json:"root"`
	Path        string   `json:"path,omitempty"`
	Containers  []string `json:"containers,omitempty"`
	Name        string   `json:"name"`
	Size        int64    `json:"size"`
	Digest      string   `json:"digest"`
	MediaType   string   `json:"media_type"`
	IsContainer bool     `json:"is_container,omitempty"`

	// Content is set only while the item is tested and is never cached.
	Content []byte `json:"-"`
}

// Addressable reports whether the item can be opened directly from the filesystem.
func (i Item) Addressable() bool {
	return len(i.Containers) == 0 && i.Path != ""
}

// Container returns the innermost enclosing container or an empty string.
func (i Item) Container() string {
	if len(i.Containers) == 0 {
		return ""
	}
	return i.Containers[len(i.Containers)-1]
}

// Location is a human readable unique location, e.g. /lib/a.jar!/x/y.txt
func (i Item) Location() string {
	if i.Addressable() {
		return i.Path
	}
	parts := make([]string, 0, len(i.Containers)+1)
	parts = append(parts, i.Containers...)
	parts = append(parts, i.Name)
	return strings.Join(parts, "!/")
}

// SymbolName derives a dotted symbolic name from the internal path: org/x/Foo.class
// becomes org.x.Foo.
func (i Item) SymbolName() string {
	name := strings.TrimPrefix(path.Clean("/"+i.Name), "/")
	name = strings.TrimSuffix(name, path.Ext(name))
	return strings.ReplaceAll(name, "/", ".")
}

// Clone returns a copy without content.
func (i Item) Clone() Item {
	i.Containers = append([]string(nil), i.Containers...)
	i.Content = nil
	return i
}

// Symbol is the resolved identity of a matched item.
type Symbol struct {
	Name   string `json:"name"`
	Kind   string `json:"kind,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// Match is a matched item together with the location its bytes can be read from.
// Bindings are the values bound by the criteria, e.g. named regexp groups.
type Match struct {
	Item     Item              `json:"item"`
	Symbol   Symbol            `json:"symbol"`
	Origin   string            `json:"origin"`
	Bindings map[string]string `json:"bindings,omitempty"`
}

// Clone returns a deep copy.
func (m Match) Clone() Match {
	m.Item = m.Item.Clone()
	m.Bindings = maps.Clone(m.Bindings)
	return m
}

// TestResult is an outcome of Criteria.Test. Context carries values bound by predicates,
// e.g. the regexp groups of a content match.
type TestResult struct {
	Matched bool
	Context map[string]string
}

// Criteria decides whether an item matches.
type Criteria interface {
	Test(ctx context.Context, item Item) TestResult
	// HasNoPredicate is true for criteria accepting everything. Scans may stop at the
	// first satisfying entry then.
	HasNoPredicate() bool
	// Copy returns a deep, independent copy.
	Copy() Criteria
	Close() error
}
