// Package scan finds items matching criteria below scan roots.
//
// A Scanner owns the match cache shared by its sessions. Every Session walks the roots
// of its Config, replays cached matches where it can and extracts matches nested in
// archives into its own temporary store.
package scan

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Hunter/internal/cache"
	"github.com/CZERTAINLY/Hunter/internal/executor"
	"github.com/CZERTAINLY/Hunter/internal/log"
	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/CZERTAINLY/Hunter/internal/parallel"
	"github.com/CZERTAINLY/Hunter/internal/resolve"
)

const logger = log.Origin("scan")

// Purpose tags of the extraction directories.
const (
	PurposeUnit      = "extracted-unit"
	PurposeContainer = "extracted-container"
)

type Scanner struct {
	exec     *executor.Executor
	cache    *cache.Cache
	resolver resolve.Resolver
	// writeFile stores extracted entries
	writeFile func(name string, data []byte, perm os.FileMode) error

	pool              sync.Pool
	poolNewCounter    atomic.Int32
	poolPutCounter    atomic.Int32
	poolPutErrCounter atomic.Int32
}

type Stats struct {
	PoolNewCounter    int
	PoolPutCounter    int
	PoolPutErrCounter int
}

type Option func(*Scanner)

// WithCache shares c between scanners. Each scanner has its own cache by default.
func WithCache(c *cache.Cache) Option {
	return func(s *Scanner) {
		s.cache = c
	}
}

// WithResolver sets the resolver of symbolic names, resolve.Names by default.
func WithResolver(r resolve.Resolver) Option {
	return func(s *Scanner) {
		s.resolver = r
	}
}

// New returns a Scanner running extraction jobs on exec.
func New(exec *executor.Executor, opts ...Option) *Scanner {
	s := &Scanner{
		exec:      exec,
		cache:     cache.New(),
		resolver:  resolve.Names{},
		writeFile: os.WriteFile,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = sync.Pool{
		New: func() any {
			s.poolNewCounter.Add(1)
			return new(bytes.Buffer)
		},
	}
	return s
}

func (s *Scanner) Cache() *cache.Cache {
	return s.cache
}

// Scan opens a session and starts walking the roots of cfg. The session owns a copy of
// cfg, so the caller may close its own. With cfg.Wait() set, Scan returns once all roots
// were walked, otherwise the walk continues in the background. Use Session.Close to join
// the extraction jobs and release the temporary files.
func (s *Scanner) Scan(ctx context.Context, cfg Config) (*Session, error) {
	if s.exec.Closed() {
		return nil, fmt.Errorf("%w: %w", model.ErrScanAborted, model.ErrExecutorClosed)
	}
	cfg = cfg.Copy()
	group, err := parallel.NewGroup(s.exec, cfg.maxParallelExtractions)
	if err != nil {
		_ = cfg.Close()
		return nil, err
	}

	sess := newSession(s, cfg, group)
	sess.start(ctx)
	if cfg.wait {
		// an aborted session is returned as well, the caller has to close it
		if err := sess.Wait(ctx); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

func (s *Scanner) Stats() Stats {
	return Stats{
		PoolNewCounter:    int(s.poolNewCounter.Load()),
		PoolPutCounter:    int(s.poolPutCounter.Load()),
		PoolPutErrCounter: int(s.poolPutErrCounter.Load()),
	}
}

func (s *Scanner) getBuffer() *bytes.Buffer {
	buf := s.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func (s *Scanner) putBuffer(buf *bytes.Buffer, failed bool) {
	if failed {
		s.poolPutErrCounter.Add(1)
	} else {
		s.poolPutCounter.Add(1)
	}
	s.pool.Put(buf)
}
