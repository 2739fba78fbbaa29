package scan

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/CZERTAINLY/Hunter/internal/parallel"
	"github.com/CZERTAINLY/Hunter/internal/tempstore"
)

// ErrSessionState is returned for operations which are not valid in the current state
// of a session.
var ErrSessionState = errors.New("invalid session state")

type State int

const (
	StateOpen State = iota
	StateScanning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateScanning:
		return "SCANNING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ResultSet maps a scan root to the matches found below it.
type ResultSet map[string][]model.Match

// Roots returns the roots with at least one match, sorted.
func (r ResultSet) Roots() []string {
	roots := make([]string, 0, len(r))
	for root, matches := range r {
		if len(matches) > 0 {
			roots = append(roots, root)
		}
	}
	slices.Sort(roots)
	return roots
}

// Len returns the number of matches of all roots.
func (r ResultSet) Len() int {
	n := 0
	for _, matches := range r {
		n += len(matches)
	}
	return n
}

// All iterates the matches ordered by root.
func (r ResultSet) All() iter.Seq2[string, model.Match] {
	return func(yield func(string, model.Match) bool) {
		for _, root := range r.Roots() {
			for _, m := range r[root] {
				if !yield(root, m) {
					return
				}
			}
		}
	}
}

func (r ResultSet) clone() ResultSet {
	ret := make(ResultSet, len(r))
	for root, matches := range r {
		c := make([]model.Match, len(matches))
		for i, m := range matches {
			c[i] = m.Clone()
		}
		ret[root] = c
	}
	return ret
}

// SessionStats counts the extraction work of a session.
type SessionStats struct {
	// Extracted is the number of copy jobs enqueued.
	Extracted int
	// Reused is the number of matches whose destination was claimed already.
	Reused int
	// CacheHits is the number of roots answered from the cache.
	CacheHits int
}

// Session is one scan from Scanner.Scan until Close. It owns its config copy, its
// temporary store and its result set.
type Session struct {
	scanner *Scanner
	cfg     Config
	store   *tempstore.Store
	group   *parallel.Group

	cancel  context.CancelFunc
	walked  chan struct{}
	aborted atomic.Bool

	extracted atomic.Int32
	reused    atomic.Int32
	cacheHits atomic.Int32

	mx      sync.Mutex
	state   State
	results ResultSet
	errs    []error

	closeOnce sync.Once
	closeErr  error
}

func newSession(s *Scanner, cfg Config, group *parallel.Group) *Session {
	return &Session{
		scanner: s,
		cfg:     cfg,
		store:   tempstore.New(cfg.tempDir, cfg.purgeOnClose),
		group:   group,
		cancel:  func() {},
		walked:  make(chan struct{}),
		state:   StateOpen,
		results: make(ResultSet),
	}
}

// start walks the roots in the background. Roots are scanned concurrently on plain
// goroutines, the executor runs the extraction jobs only, so a saturated executor can't
// block the walk which feeds it.
func (s *Session) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mx.Lock()
	s.cancel = cancel
	s.state = StateScanning
	s.mx.Unlock()

	go func() {
		defer close(s.walked)
		roots := func(yield func(string, error) bool) {
			for _, root := range s.cfg.paths {
				if !yield(root, nil) {
					return
				}
			}
		}
		pmap := parallel.NewMap(ctx, s.cfg.maxParallelRoots, s.scanRoot)
		for _, err := range pmap.Iter(roots) {
			if err != nil && !errors.Is(err, model.ErrScanAborted) && !errors.Is(err, context.Canceled) {
				s.recordErr(err)
			}
		}
	}()
}

// Wait blocks until all roots were walked. It returns model.ErrScanAborted when the
// executor went away during the scan.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.walked:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.aborted.Load() {
		return model.ErrScanAborted
	}
	return nil
}

// AddItemFound records a match of root. It is valid only while the session is scanning.
func (s *Session) AddItemFound(root string, m model.Match) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != StateScanning {
		return fmt.Errorf("add item to %s session: %w", s.state, ErrSessionState)
	}
	s.results[root] = append(s.results[root], m.Clone())
	return nil
}

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Results returns a copy of the matches found so far. After Close the set is final.
func (s *Session) Results() ResultSet {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.results.clone()
}

// Errors returns the per entry failures recorded so far.
func (s *Session) Errors() []error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return slices.Clone(s.errs)
}

// TempDirs returns the temporary directories allocated by the session.
func (s *Session) TempDirs() []string {
	return s.store.Paths()
}

func (s *Session) Stats() SessionStats {
	return SessionStats{
		Extracted: int(s.extracted.Load()),
		Reused:    int(s.reused.Load()),
		CacheHits: int(s.cacheHits.Load()),
	}
}

// Aborted reports whether the executor was closed during the scan.
func (s *Session) Aborted() bool {
	return s.aborted.Load()
}

func (s *Session) recordErr(err error) {
	s.mx.Lock()
	s.errs = append(s.errs, err)
	s.mx.Unlock()
}

func (s *Session) abort(ctx context.Context, cause error) {
	if s.aborted.CompareAndSwap(false, true) {
		logger.Error(ctx, "scan aborted", cause)
		s.cancel()
	}
}

// Close waits for the walk, joins the extraction jobs and freezes the result set. With
// purge on close, matches pointing into the temporary store are dropped and the store is
// removed. Extraction failures are returned wrapping model.ErrExtractionFailed, an
// aborted session returns model.ErrScanAborted. Close is idempotent.
//
// When ctx ends before the jobs are joined, the error wraps parallel.ErrNotJoined and
// the temporary store is left on disk, see TempDirs.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close(ctx)
	})
	return s.closeErr
}

func (s *Session) close(ctx context.Context) error {
	var errs []error

	select {
	case <-s.walked:
	case <-ctx.Done():
		s.cancel()
		<-s.walked
		errs = append(errs, fmt.Errorf("wait for scan: %w", ctx.Err()))
	}

	if err := s.group.Close(ctx); err != nil {
		errs = append(errs, err)
		if errors.Is(err, parallel.ErrNotJoined) {
			// copy jobs may still write into the store
			logger.Warn(ctx, "extraction jobs not joined, temporary files kept", err, "dirs", s.store.Paths())
			s.store.SetPurgeOnClose(false)
		}
	}

	s.mx.Lock()
	s.state = StateClosed
	if s.store.PurgeOnClose() {
		for root, matches := range s.results {
			s.results[root] = slices.DeleteFunc(matches, func(m model.Match) bool {
				return s.store.Owns(m.Origin)
			})
		}
		maps.DeleteFunc(s.results, func(_ string, matches []model.Match) bool {
			return len(matches) == 0
		})
	}
	s.mx.Unlock()

	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.cfg.Close(); err != nil {
		errs = append(errs, err)
	}
	s.cancel()
	if s.aborted.Load() {
		errs = append(errs, model.ErrScanAborted)
	}
	return errors.Join(errs...)
}
