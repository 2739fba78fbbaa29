package walk

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"strings"

	"github.com/CZERTAINLY/Hunter/internal/model"

	"github.com/anchore/stereoscope"
	"github.com/anchore/stereoscope/pkg/file"
	"github.com/anchore/stereoscope/pkg/filetree"
	"github.com/anchore/stereoscope/pkg/filetree/filenode"
	"github.com/anchore/stereoscope/pkg/image"
)

// imageRoot loads an image by stereoscope and walks its squashed tree. The image is
// cleaned up once the walk ends.
func imageRoot(ctx context.Context, root, src string, opts Options) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		img, err := stereoscope.GetImage(ctx, src)
		if err != nil {
			item := model.Item{Root: root, Containers: []string{root}}
			yield(errEntry{item: item}, unreadable(root, fmt.Errorf("load image: %w", err)))
			return
		}
		defer func() {
			if err := img.Cleanup(); err != nil {
				logger.Warn(ctx, "image cleanup", err, "image", src)
			}
		}()

		w := walker{ctx: ctx, opts: opts, yield: yield, nested: opts.Mode == AllLevels}
		for entry, err := range Image(ctx, img, root, opts) {
			if !yield(entry, err) {
				return
			}
			if err == nil && w.nested {
				if me, ok := entry.(memberEntry); ok && !w.member(me, nil) {
					return
				}
			}
		}
	}
}

// Image walks the squashed layers of an OCI image.
// Each Entry's Item() has the image as its only container and the real path of a file
// inside as a name. In Shallow mode only files of the top directory are returned.
func Image(ctx context.Context, img *image.Image, root string, opts Options) iter.Seq2[Entry, error] {
	if img == nil {
		panic("image is nil")
	}

	return func(yield func(Entry, error) bool) {
		done := make(chan struct{})
		stopped := false
		fn := func(path file.Path, node filenode.FileNode) error {
			if stopped || node.FileType != file.TypeRegular || node.Reference == nil {
				return nil
			}
			name := strings.TrimPrefix(string(node.RealPath), "/")
			if opts.Mode == Shallow && strings.Contains(name, "/") {
				return nil
			}
			e := imageEntry(img, root, name, *node.Reference)
			if opts.Excluded(e.item) {
				return nil
			}
			if !yield(e, nil) {
				stopped = true
				close(done)
			}
			return nil
		}
		cond := filetree.WalkConditions{
			ShouldTerminate: func(_ file.Path, _ filenode.FileNode) bool {
				select {
				case <-ctx.Done():
					return true
				case <-done:
					return true
				default:
					return false
				}
			},
			ShouldVisit: func(_ file.Path, node filenode.FileNode) bool {
				return !node.IsLink()
			},
			ShouldContinueBranch: func(_ file.Path, node filenode.FileNode) bool {
				return !node.IsLink()
			},
			LinkOptions: nil,
		}
		if err := img.SquashedTree().Walk(fn, &cond); err != nil && !stopped && ctx.Err() == nil {
			yield(errEntry{item: model.Item{Root: root, Containers: []string{root}}}, unreadable(root, err))
		}
	}
}

// imageEntry is a memberEntry backed by stereoscope's file catalog, so it can be
// descended into like any other archive member.
func imageEntry(img *image.Image, root, name string, ref file.Reference) memberEntry {
	item := model.Item{
		Root:       root,
		Containers: []string{root},
		Name:       name,
	}
	var info fs.FileInfo
	if entry, err := img.FileCatalog.Get(ref); err == nil {
		info = entry.FileInfo
		if info != nil {
			item.Size = info.Size()
		}
	}
	return memberEntry{
		item: item,
		info: info,
		open: func() (io.ReadCloser, error) {
			return img.OpenReference(ref)
		},
	}
}
