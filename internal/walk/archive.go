package walk

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/CZERTAINLY/Hunter/internal/model"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Kind is a container format recognized by Detect.
type Kind int

const (
	KindNone Kind = iota
	KindZip
	KindTar
	KindGzip
	KindXz
	KindZstd
)

// headSize is enough for mimetype to recognize all supported formats.
const headSize = 3072

// Detect recognizes the container format from the leading bytes of a file. Jar, war and
// other zip based formats are reported as KindZip. Compressed streams are reported as
// such, whether they hold a tar is known only once they are opened.
func Detect(head []byte) Kind {
	if len(head) > headSize {
		head = head[:headSize]
	}
	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		switch {
		case m.Is("application/zip"):
			return KindZip
		case m.Is("application/x-tar"):
			return KindTar
		case m.Is("application/gzip"):
			return KindGzip
		case m.Is("application/x-xz"):
			return KindXz
		case m.Is("application/zstd"):
			return KindZstd
		}
	}
	return KindNone
}

// IsContainer reports whether content looks like a supported archive.
func IsContainer(content []byte) bool {
	return Detect(content) != KindNone
}

type walker struct {
	ctx    context.Context
	opts   Options
	yield  func(Entry, error) bool
	nested bool // descend into archives found inside archives
}

// file descends into an archive on a filesystem. It returns false when the consumer
// stopped the iteration.
func (w *walker) file(e fsEntry) bool {
	f, err := e.Open()
	if err != nil {
		return w.yield(e, unreadable(e.Path(), err))
	}
	defer func() {
		_ = f.Close()
	}()
	ra, ok := f.(io.ReaderAt)
	if !ok {
		content, err := readAll(f, e.info.Size(), w.opts.maxSize())
		if err != nil {
			return w.yield(e, unreadable(e.Path(), err))
		}
		ra = bytes.NewReader(content)
	}
	return w.archive(ra, e.info.Size(), e.Item())
}

func (w *walker) archive(ra io.ReaderAt, size int64, parent model.Item) bool {
	if w.ctx.Err() != nil {
		return false
	}
	head := make([]byte, min(size, headSize))
	n, err := ra.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return w.yield(errEntry{item: parent}, unreadable(parent.Location(), err))
	}

	kind := Detect(head[:n])
	switch kind {
	case KindNone:
		return true
	case KindZip:
		return w.zip(ra, size, parent)
	case KindTar:
		return w.tar(io.NewSectionReader(ra, 0, size), parent, false)
	}

	r, err := decompress(kind, io.NewSectionReader(ra, 0, size))
	if err != nil {
		return w.yield(errEntry{item: parent}, unreadable(parent.Location(), err))
	}
	defer func() {
		_ = r.Close()
	}()
	return w.tar(r, parent, true)
}

func decompress(kind Kind, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case KindGzip:
		return gzip.NewReader(r)
	case KindXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case KindZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported compression %d", kind)
	}
}

func (w *walker) zip(ra io.ReaderAt, size int64, parent model.Item) bool {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return w.yield(errEntry{item: parent}, unreadable(parent.Location(), err))
	}
	for _, f := range zr.File {
		if w.ctx.Err() != nil {
			return false
		}
		info := f.FileInfo()
		if !info.Mode().IsRegular() {
			continue
		}
		item := child(parent, f.Name, int64(f.UncompressedSize64))
		if w.opts.Excluded(item) {
			continue
		}
		e := memberEntry{item: item, info: info, open: f.Open}
		if !w.yield(e, nil) {
			return false
		}
		if w.nested && !w.member(e, nil) {
			return false
		}
	}
	return true
}

// tar streams a tar archive. A compressed stream which does not hold a tar is not
// a container and is ignored silently.
func (w *walker) tar(r io.Reader, parent model.Item, compressed bool) bool {
	tr := tar.NewReader(r)
	for i := 0; ; i++ {
		if w.ctx.Err() != nil {
			return false
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			if i == 0 && compressed {
				return true
			}
			return w.yield(errEntry{item: parent}, unreadable(parent.Location(), err))
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		item := child(parent, hdr.Name, hdr.Size)
		if w.opts.Excluded(item) {
			continue
		}
		content, err := readAll(tr, hdr.Size, w.opts.maxSize())
		if err != nil {
			if !w.yield(errEntry{item: item}, unreadable(item.Location(), err)) {
				return false
			}
			continue
		}
		e := memberEntry{item: item, info: hdr.FileInfo(), open: bytesOpener(content)}
		if !w.yield(e, nil) {
			return false
		}
		if w.nested && !w.member(e, content) {
			return false
		}
	}
}

// member descends into an archive member which is an archive itself.
func (w *walker) member(e memberEntry, content []byte) bool {
	if content == nil {
		if !w.sniff(e) {
			return true
		}
		if e.item.Size > w.opts.maxSize() {
			return w.yield(errEntry{item: e.item}, unreadable(e.Path(), fmt.Errorf("nested archive (%d bytes): %w", e.item.Size, model.ErrTooBig)))
		}
		rc, err := e.Open()
		if err != nil {
			return w.yield(errEntry{item: e.item}, unreadable(e.Path(), err))
		}
		content, err = readAll(rc, e.item.Size, w.opts.maxSize())
		_ = rc.Close()
		if err != nil {
			return w.yield(errEntry{item: e.item}, unreadable(e.Path(), err))
		}
	}
	if !IsContainer(content) {
		return true
	}
	return w.archive(bytes.NewReader(content), int64(len(content)), e.item)
}

// sniff reads the head of a member to avoid loading plain files in full.
func (w *walker) sniff(e memberEntry) bool {
	rc, err := e.Open()
	if err != nil {
		return false
	}
	defer func() {
		_ = rc.Close()
	}()
	head := make([]byte, headSize)
	n, _ := io.ReadFull(rc, head)
	return IsContainer(head[:n])
}

func readAll(r io.Reader, size, limit int64) ([]byte, error) {
	if size > limit {
		return nil, fmt.Errorf("entry too big (%d bytes): %w", size, model.ErrTooBig)
	}
	buf := bytes.NewBuffer(make([]byte, 0, max(size, 0)))
	n, err := io.Copy(buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("entry too big (more than %d bytes): %w", limit, model.ErrTooBig)
	}
	return buf.Bytes(), nil
}

func bytesOpener(b []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

// child describes a member of the parent container.
func child(parent model.Item, name string, size int64) model.Item {
	containerKey := parent.Name
	if parent.Addressable() {
		containerKey = parent.Path
	}
	containers := make([]string, 0, len(parent.Containers)+1)
	containers = append(containers, parent.Containers...)
	containers = append(containers, containerKey)
	return model.Item{
		Root:       parent.Root,
		Containers: containers,
		Name:       path.Clean(name),
		Size:       size,
	}
}

// memberEntry implements Entry for archive members. It is valid only while the walk
// yields it, the archive is closed afterwards.
type memberEntry struct {
	item model.Item
	info fs.FileInfo
	open func() (io.ReadCloser, error)
}

func (e memberEntry) Path() string {
	return e.item.Location()
}

func (e memberEntry) Open() (io.ReadCloser, error) {
	return e.open()
}

func (e memberEntry) Stat() (fs.FileInfo, error) {
	return e.info, nil
}

func (e memberEntry) Item() model.Item {
	return e.item.Clone()
}
