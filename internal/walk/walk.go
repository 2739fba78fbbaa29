// Package walk enumerates regular files of scan roots: directories, archives and OCI images.
//
// A root is a path to a directory, a path to an archive or an image reference prefixed by
// ImagePrefix. Entries of nested archives are yielded as well when the walk mode is
// AllLevels. Every Entry carries a model.Item describing where it lives.
package walk

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/Hunter/internal/log"
	"github.com/CZERTAINLY/Hunter/internal/model"

	"github.com/mattn/go-zglob"
)

const logger = log.Origin("walk")

// ImagePrefix marks roots loaded by stereoscope, e.g. image:docker-archive:/tmp/img.tar
const ImagePrefix = "image:"

// DefaultMaxSize bounds archive members read into memory.
const DefaultMaxSize = 10 * 1024 * 1024

// Entry is a regular file found by a walk.
type Entry interface {
	// Path returns the location, members of archives use ! as a separator: /a.jar!/x/y.txt
	Path() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
	// Item describes the entry. Size and location are set, content and digest are not.
	Item() model.Item
}

type Mode int

const (
	// Shallow yields direct children of a directory root or the members of an archive root.
	Shallow Mode = iota
	// Recursive walks the directory tree. Archives found in the tree are not opened.
	Recursive
	// AllLevels walks the tree and descends into all archives, nested ones included.
	AllLevels
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case model.TraversalShallow:
		return Shallow, nil
	case model.TraversalRecursive:
		return Recursive, nil
	case model.TraversalAllLevels, "":
		return AllLevels, nil
	default:
		return 0, fmt.Errorf("unsupported traversal mode %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case Shallow:
		return model.TraversalShallow
	case Recursive:
		return model.TraversalRecursive
	case AllLevels:
		return model.TraversalAllLevels
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

type Options struct {
	Mode Mode
	// Exclude are zglob patterns matched against both the location and the internal
	// name of entries. Matching directories are not entered.
	Exclude []string
	// MaxSize bounds archive members read into memory. Zero means DefaultMaxSize.
	MaxSize int64
}

func (o Options) maxSize() int64 {
	if o.MaxSize <= 0 {
		return DefaultMaxSize
	}
	return o.MaxSize
}

// Excluded reports whether item matches an exclusion pattern.
func (o Options) Excluded(item model.Item) bool {
	for _, pattern := range o.Exclude {
		for _, s := range []string{item.Location(), item.Name} {
			if ok, err := zglob.Match(pattern, s); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// Path walks a single root. Failures are yielded together with an Entry describing the
// failed location and wrap model.ErrUnreadableEntry, so callers can log and go on.
func Path(ctx context.Context, root string, opts Options) iter.Seq2[Entry, error] {
	if src, ok := strings.CutPrefix(root, ImagePrefix); ok {
		return imageRoot(ctx, root, src, opts)
	}

	return func(yield func(Entry, error) bool) {
		w := walker{ctx: ctx, opts: opts, yield: yield, nested: opts.Mode == AllLevels}
		info, err := os.Stat(root)
		if err != nil {
			item := model.Item{Root: root, Path: root, Name: filepath.Base(root)}
			yield(errEntry{item: item}, unreadable(root, err))
			return
		}
		if info.IsDir() {
			for entry, err := range FS(ctx, os.DirFS(root), root, opts) {
				if !yield(entry, err) {
					return
				}
				if err != nil || opts.Mode != AllLevels {
					continue
				}
				if fe, ok := entry.(fsEntry); ok && !w.file(fe) {
					return
				}
			}
			return
		}

		entry := fsEntry{
			root:     os.DirFS(filepath.Dir(root)),
			rootName: root,
			abspath:  root,
			path:     filepath.Base(root),
			info:     info,
		}
		if !yield(entry, nil) {
			return
		}
		// members of an archive root are its children in every mode
		w.file(entry)
	}
}

// Roots walks several roots one after another.
func Roots(ctx context.Context, opts Options, roots ...string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, root := range roots {
			for entry, err := range Path(ctx, root, opts) {
				if !yield(entry, err) {
					return
				}
			}
		}
	}
}

func unreadable(location string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrUnreadableEntry, location, err)
}

// errEntry stands for a location which could not be read.
type errEntry struct {
	item model.Item
}

func (e errEntry) Path() string {
	return e.item.Location()
}

func (e errEntry) Open() (io.ReadCloser, error) {
	return nil, fmt.Errorf("%s: %w", e.Path(), model.ErrUnreadableEntry)
}

func (e errEntry) Stat() (fs.FileInfo, error) {
	return nil, fmt.Errorf("%s: %w", e.Path(), model.ErrUnreadableEntry)
}

func (e errEntry) Item() model.Item {
	return e.item.Clone()
}
