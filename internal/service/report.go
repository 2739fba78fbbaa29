package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/Hunter/internal/bom"
	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/CZERTAINLY/Hunter/internal/scan"
)

// Report runs one scan session and renders its matches as a CycloneDX BOM in JSON.
//
// The matches are taken before the session is closed, so entries extracted into the
// temporary area are reported too. When their extracted copy is purged on close, the
// origin property is left out of the component.
func Report(ctx context.Context, scanner *scan.Scanner, cfg model.Scan) ([]byte, error) {
	c, err := scan.FromModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("scan configuration: %w", err)
	}
	defer func() {
		_ = c.Close()
	}()

	sess, err := scanner.Scan(ctx, c)
	if sess == nil {
		return nil, err
	}
	if err == nil && !c.Wait() {
		err = sess.Wait(ctx)
	}
	found := sess.Results()
	closeErr := sess.Close(context.WithoutCancel(ctx))
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrScanAborted, context.Cause(ctx))
	}
	if err := errors.Join(err, closeErr); errors.Is(err, model.ErrScanAborted) {
		return nil, err
	} else if err != nil {
		slog.WarnContext(ctx, "scan finished with errors", "error", err)
	}
	if errs := sess.Errors(); len(errs) > 0 {
		slog.DebugContext(ctx, "entries skipped", "count", len(errs), "error", errors.Join(errs...))
	}
	stats := sess.Stats()
	slog.InfoContext(ctx, "scan finished",
		"matches", found.Len(),
		"extracted", stats.Extracted,
		"reused", stats.Reused,
		"cache_hits", stats.CacheHits,
	)

	kept := sess.Results()
	b := bom.NewBuilder()
	for _, root := range found.Roots() {
		matches := found[root]
		for i := range matches {
			if !contains(kept[root], matches[i]) {
				matches[i].Origin = ""
			}
		}
		b.AppendMatches(root, matches...)
	}

	var buf bytes.Buffer
	if err := b.AsJSON(&buf); err != nil {
		return nil, fmt.Errorf("formatting BOM as JSON: %w", err)
	}
	return buf.Bytes(), nil
}

func contains(matches []model.Match, m model.Match) bool {
	for _, k := range matches {
		if k.Item.Location() == m.Item.Location() && k.Origin == m.Origin {
			return true
		}
	}
	return false
}
