package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"path/filepath"

	"github.com/CZERTAINLY/Hunter/internal/model"
)

// FS walks the filesystem rooted at root and return a handle for every regular file found.
// Or an error if file information retrieval fails.
// Each Entry's Path() is prefixed with name of a filesystem. In most cases it'll be an absolute
// path to the file. It does not follow symlinks and never opens archives.
// In Shallow mode only the files directly in root are returned.
func FS(ctx context.Context, root fs.FS, name string, opts Options) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			var entry = fsEntry{
				root:     root,
				rootName: name,
				abspath:  filepath.Join(name, path),
				path:     path,
			}
			if err == nil && d.IsDir() {
				switch {
				case path == ".":
					return nil
				case opts.Mode == Shallow, opts.Excluded(entry.Item()):
					return fs.SkipDir
				default:
					return nil
				}
			}

			var yieldErr error
			if err != nil {
				entry.infoErr = err
				yieldErr = unreadable(entry.abspath, err)
			} else {
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
					yieldErr = unreadable(entry.abspath, err)
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
				}
			}
			if yieldErr == nil && opts.Excluded(entry.Item()) {
				return nil
			}

			if !yield(entry, yieldErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

// fsEntry implements Entry for a filesystem
// it uses root.Open to open the file
type fsEntry struct {
	root     fs.FS
	rootName string
	abspath  string
	path     string
	info     fs.FileInfo
	infoErr  error
}

// returns the absolute path to the file
func (e fsEntry) Path() string {
	return e.abspath
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}

func (e fsEntry) Item() model.Item {
	item := model.Item{
		Root: e.rootName,
		Path: e.abspath,
		Name: filepath.ToSlash(e.path),
	}
	if e.info != nil {
		item.Size = e.info.Size()
	}
	return item
}
