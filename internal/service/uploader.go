package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/Hunter/internal/model"
)

// Uploader ships a finished BOM.
type Uploader interface {
	Upload(ctx context.Context, raw []byte) error
}

// UploadCloser is closed by the supervisor on exit.
type UploadCloser interface {
	Uploader
	Close() error
}

// uploaders builds the uploaders configured for the service. Without any, the BOM is
// written to stdout.
func uploaders(_ context.Context, cfg model.Service) ([]Uploader, error) {
	repo := cfg.Repository != nil && cfg.Repository.Enabled
	if cfg.Dir == "" && !repo {
		return []Uploader{NewWriteUploader(os.Stdout)}, nil
	}
	var ret []Uploader
	if cfg.Dir != "" {
		u, err := NewOSRootUploader(cfg.Dir)
		if err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	if repo {
		u, err := NewRepositoryUploader(cfg.Repository.URL)
		if err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	return ret, nil
}

// WriteUploader writes each BOM to w.
type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, raw []byte) error {
	w := u.w
	if w == nil {
		w = os.Stdout
	}
	_, err := w.Write(raw)
	return err
}

// OSRootUploader stores each BOM as a new file of a directory.
type OSRootUploader struct {
	root *os.Root
	now  func() time.Time
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root, now: time.Now}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, raw []byte) error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}

	path := "hunter-" + u.now().Format("2006-01-02-15-04-05.000") + ".json"
	f, err := u.root.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating hunter results: %w", err)
	}
	if _, err = f.Write(raw); err != nil {
		_ = f.Close()
		return fmt.Errorf("saving hunter results: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing hunter results: %w", err)
	}
	slog.InfoContext(ctx, "bom saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
