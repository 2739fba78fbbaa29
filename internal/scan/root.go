package scan

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/CZERTAINLY/Hunter/internal/log"
	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/CZERTAINLY/Hunter/internal/walk"

	"github.com/gabriel-vasile/mimetype"
)

// scanRoot answers root from the cache or walks it.
func (s *Session) scanRoot(ctx context.Context, root string) (struct{}, error) {
	ctx = log.ContextAttrs(ctx, slog.String("root", root))
	if s.executorClosed(ctx) {
		return struct{}{}, model.ErrScanAborted
	}
	if s.replay(ctx, root) {
		s.cacheHits.Add(1)
		return struct{}{}, nil
	}
	return struct{}{}, s.walk(ctx, root)
}

// replay re-tests the cached matches of root against the current criteria and records
// the first one passing. It returns false for a cache miss. A cached match whose origin
// is gone, e.g. purged with its session, turns the whole root into a miss.
func (s *Session) replay(ctx context.Context, root string) bool {
	if s.cfg.Rescan(root) {
		logger.Debug(ctx, "rescan forced")
		return false
	}
	cached, ok := s.scanner.cache.Load(root)
	if !ok {
		return false
	}
	for _, m := range cached {
		if _, err := os.Stat(m.Origin); err != nil {
			logger.Debug(ctx, "cached origin is gone", "origin", m.Origin)
			return false
		}
	}

	logger.Debug(ctx, "replaying cached matches", "matches", len(cached))
	for _, m := range cached {
		if ctx.Err() != nil {
			return true
		}
		matched, err := s.retest(ctx, &m)
		if err != nil {
			s.unreadable(ctx, fmt.Errorf("%w: %s: %w", model.ErrUnreadableEntry, m.Origin, err))
			continue
		}
		if !matched {
			continue
		}
		if err := s.AddItemFound(root, m); err != nil {
			logger.Warn(ctx, "cached match dropped", err)
		}
		break
	}
	return true
}

func (s *Session) retest(ctx context.Context, m *model.Match) (bool, error) {
	f, err := os.Open(m.Origin)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = f.Close()
	}()

	buf := s.scanner.getBuffer()
	content, err := s.readInto(buf, f)
	if err != nil {
		s.scanner.putBuffer(buf, true)
		return false, err
	}
	defer s.scanner.putBuffer(buf, false)

	item := m.Item.Clone()
	item.Content = content
	res := s.cfg.criteria.Test(ctx, item)
	if res.Matched {
		m.Bindings = res.Context
	}
	return res.Matched, nil
}

// walk scans root live and replaces its cache entry when the walk completed.
func (s *Session) walk(ctx context.Context, root string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var found []model.Match
	for entry, err := range walk.Path(ctx, root, s.cfg.walkOptions()) {
		if s.executorClosed(ctx) {
			return model.ErrScanAborted
		}
		if err != nil {
			s.unreadable(ctx, err)
			continue
		}
		item := entry.Item()
		if !s.cfg.Admit(item) {
			continue
		}
		m, ok, err := s.inspect(ctx, entry, item)
		if err != nil {
			if errors.Is(err, model.ErrScanAborted) {
				return err
			}
			s.recordErr(err)
			logger.Warn(ctx, "entry skipped", err, "location", item.Location())
			continue
		}
		if !ok {
			continue
		}
		found = append(found, m)
		if err := s.AddItemFound(root, m); err != nil {
			return err
		}
		if s.cfg.criteria.HasNoPredicate() {
			break
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.aborted.Load() || s.executorClosed(ctx) {
		return model.ErrScanAborted
	}
	s.scanner.cache.Store(root, found)
	logger.Debug(ctx, "root scanned", "matches", len(found))
	return nil
}

// inspect reads the entry, tests it and resolves its symbol. A match nested in an
// archive gets an extracted copy as its origin.
func (s *Session) inspect(ctx context.Context, entry walk.Entry, item model.Item) (model.Match, bool, error) {
	if item.Size > s.cfg.maxFileSize {
		logger.Debug(ctx, "entry skipped, too big", "location", item.Location(), "size", item.Size)
		return model.Match{}, false, nil
	}
	rc, err := entry.Open()
	if err != nil {
		return model.Match{}, false, fmt.Errorf("%w: %s: %w", model.ErrUnreadableEntry, item.Location(), err)
	}
	defer func() {
		_ = rc.Close()
	}()

	buf := s.scanner.getBuffer()
	content, err := s.readInto(buf, rc)
	if errors.Is(err, model.ErrTooBig) {
		s.scanner.putBuffer(buf, true)
		logger.Debug(ctx, "entry skipped, too big", "location", item.Location())
		return model.Match{}, false, nil
	}
	if err != nil {
		s.scanner.putBuffer(buf, true)
		return model.Match{}, false, fmt.Errorf("%w: %s: %w", model.ErrUnreadableEntry, item.Location(), err)
	}
	defer s.scanner.putBuffer(buf, false)

	sum := sha256.Sum256(content)
	item.Size = int64(len(content))
	item.Digest = "sha256:" + hex.EncodeToString(sum[:])
	item.MediaType = mimetype.Detect(content).String()
	item.IsContainer = walk.IsContainer(content)
	item.Content = content

	res := s.cfg.criteria.Test(ctx, item)
	if !res.Matched {
		return model.Match{}, false, nil
	}

	sym, err := s.scanner.resolver.Resolve(ctx, item.SymbolName())
	if err != nil {
		return model.Match{}, false, fmt.Errorf("resolve %s: %w", item.Location(), err)
	}
	if sym.Digest == "" {
		sym.Digest = item.Digest
	}

	m := model.Match{
		Item:     item.Clone(),
		Symbol:   sym,
		Bindings: res.Context,
	}
	if item.Addressable() {
		m.Origin = item.Path
		return m, true, nil
	}
	m.Origin, err = s.extract(ctx, item, content)
	if err != nil {
		return model.Match{}, false, err
	}
	return m, true, nil
}

// extract claims the destination of item and enqueues the copy job. A destination claimed
// before, in this or another root, is reused without a second job.
func (s *Session) extract(ctx context.Context, item model.Item, content []byte) (string, error) {
	purpose := PurposeUnit
	if item.IsContainer {
		purpose = PurposeContainer
	}
	segments := strings.Split(strings.TrimPrefix(item.Name, "/"), "/")
	dest, err := s.store.Destination(purpose, item.Container(), segments...)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", model.ErrExtractionFailed, item.Location(), err)
	}
	claimed, err := s.store.Claim(dest)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", model.ErrExtractionFailed, item.Location(), err)
	}
	if !claimed {
		s.reused.Add(1)
		return dest, nil
	}

	data := bytes.Clone(content)
	location := item.Location()
	write := s.scanner.writeFile
	err = s.group.AddTask(ctx, func(context.Context) error {
		if err := write(dest, data, 0o600); err != nil {
			return fmt.Errorf("%w: %s: %w", model.ErrExtractionFailed, location, err)
		}
		return nil
	})
	if err != nil {
		_ = os.Remove(dest)
		if errors.Is(err, model.ErrExecutorClosed) {
			s.abort(ctx, err)
			return "", fmt.Errorf("%w: %w", model.ErrScanAborted, err)
		}
		return "", fmt.Errorf("%w: %s: %w", model.ErrExtractionFailed, location, err)
	}
	s.extracted.Add(1)
	logger.Debug(ctx, "extraction enqueued", "location", location, "dest", dest)
	return dest, nil
}

// executorClosed aborts the session once its executor was shut down.
func (s *Session) executorClosed(ctx context.Context) bool {
	if !s.scanner.exec.Closed() {
		return false
	}
	s.abort(ctx, model.ErrExecutorClosed)
	return true
}

func (s *Session) unreadable(ctx context.Context, err error) {
	if errors.Is(err, model.ErrTooBig) {
		logger.Debug(ctx, "entry skipped, too big", "error", err)
		return
	}
	logger.Warn(ctx, "unreadable entry skipped", err)
	s.recordErr(err)
}

// readInto reads r into buf up to the size limit. The returned slice aliases buf.
func (s *Session) readInto(buf *bytes.Buffer, r io.Reader) ([]byte, error) {
	limit := s.cfg.maxFileSize
	n, err := buf.ReadFrom(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("more than %d bytes: %w", limit, model.ErrTooBig)
	}
	return buf.Bytes(), nil
}
