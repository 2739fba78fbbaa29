package scan

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/CZERTAINLY/Hunter/internal/criteria"
	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/CZERTAINLY/Hunter/internal/walk"

	"github.com/mattn/go-zglob"
)

const (
	defaultMaxParallelExtractions = 8
	defaultMaxParallelRoots       = 4
)

// Config of a scan session. It is immutable, use NewConfig to build one.
type Config struct {
	paths                  []string
	traversal              walk.Mode
	exclude                []string
	admit                  func(model.Item) bool
	criteria               model.Criteria
	rescan                 func(path string) bool
	purgeOnClose           bool
	wait                   bool
	maxParallelExtractions int
	maxParallelRoots       int
	maxFileSize            int64
	tempDir                string
}

func (c Config) Paths() []string { return slices.Clone(c.paths) }
func (c Config) Traversal() walk.Mode { return c.traversal }
func (c Config) Exclude() []string { return slices.Clone(c.exclude) }
func (c Config) Criteria() model.Criteria { return c.criteria }
func (c Config) PurgeOnClose() bool { return c.purgeOnClose }
func (c Config) Wait() bool { return c.wait }
func (c Config) MaxParallelExtractions() int { return c.maxParallelExtractions }
func (c Config) MaxParallelRoots() int { return c.maxParallelRoots }
func (c Config) MaxFileSize() int64 { return c.maxFileSize }
func (c Config) TempDir() string { return c.tempDir }

// Admit reports whether an item passes the file admission predicate.
func (c Config) Admit(item model.Item) bool {
	return c.admit == nil || c.admit(item)
}

// Rescan reports whether the cache must be bypassed for path.
func (c Config) Rescan(path string) bool {
	return c.rescan != nil && c.rescan(path)
}

// Copy returns an independent copy, the criteria are copied too.
func (c Config) Copy() Config {
	c.paths = slices.Clone(c.paths)
	c.exclude = slices.Clone(c.exclude)
	if c.criteria != nil {
		c.criteria = c.criteria.Copy()
	}
	return c
}

// Close releases the criteria.
func (c Config) Close() error {
	if c.criteria == nil {
		return nil
	}
	return c.criteria.Close()
}

func (c Config) walkOptions() walk.Options {
	return walk.Options{
		Mode:    c.traversal,
		Exclude: c.exclude,
		MaxSize: c.maxFileSize,
	}
}

// ConfigBuilder builds a Config. Errors are collected and reported by Build.
type ConfigBuilder struct {
	cfg  Config
	errs []error
}

// NewConfig starts a configuration of roots. Duplicated roots are scanned once.
func NewConfig(paths ...string) *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{
		paths:                  slices.Clone(paths),
		traversal:              walk.AllLevels,
		purgeOnClose:           true,
		wait:                   true,
		maxParallelExtractions: defaultMaxParallelExtractions,
		maxParallelRoots:       defaultMaxParallelRoots,
		maxFileSize:            walk.DefaultMaxSize,
	}}
}

func (b *ConfigBuilder) Paths(paths ...string) *ConfigBuilder {
	b.cfg.paths = append(b.cfg.paths, paths...)
	return b
}

func (b *ConfigBuilder) Traversal(mode walk.Mode) *ConfigBuilder {
	b.cfg.traversal = mode
	return b
}

// Exclude adds zglob patterns of locations never scanned.
func (b *ConfigBuilder) Exclude(patterns ...string) *ConfigBuilder {
	for _, p := range patterns {
		if _, err := zglob.Match(p, "probe"); err != nil {
			b.errs = append(b.errs, fmt.Errorf("invalid exclude pattern %q: %w", p, err))
			continue
		}
		b.cfg.exclude = append(b.cfg.exclude, p)
	}
	return b
}

// Admit sets the file admission predicate. It sees item metadata only, before the
// content is read.
func (b *ConfigBuilder) Admit(fn func(model.Item) bool) *ConfigBuilder {
	b.cfg.admit = fn
	return b
}

func (b *ConfigBuilder) Criteria(c model.Criteria) *ConfigBuilder {
	b.cfg.criteria = c
	return b
}

// Rescan sets the cache invalidation predicate. By default cached paths are never
// rescanned.
func (b *ConfigBuilder) Rescan(fn func(path string) bool) *ConfigBuilder {
	b.cfg.rescan = fn
	return b
}

func (b *ConfigBuilder) PurgeOnClose(purge bool) *ConfigBuilder {
	b.cfg.purgeOnClose = purge
	return b
}

// Wait makes Scanner.Scan return only after all roots were walked.
func (b *ConfigBuilder) Wait(wait bool) *ConfigBuilder {
	b.cfg.wait = wait
	return b
}

func (b *ConfigBuilder) MaxParallelExtractions(n int) *ConfigBuilder {
	b.cfg.maxParallelExtractions = n
	return b
}

func (b *ConfigBuilder) MaxParallelRoots(n int) *ConfigBuilder {
	b.cfg.maxParallelRoots = n
	return b
}

func (b *ConfigBuilder) MaxFileSize(n int64) *ConfigBuilder {
	b.cfg.maxFileSize = n
	return b
}

// TempDir sets the base of extraction directories, os.TempDir by default.
func (b *ConfigBuilder) TempDir(dir string) *ConfigBuilder {
	b.cfg.tempDir = dir
	return b
}

func (b *ConfigBuilder) Build() (Config, error) {
	errs := slices.Clone(b.errs)
	cfg := b.cfg
	cfg.paths = dedup(cfg.paths)
	cfg.exclude = slices.Clone(cfg.exclude)
	if len(cfg.paths) == 0 {
		errs = append(errs, errors.New("no paths to scan"))
	}
	if cfg.maxParallelExtractions < 1 {
		errs = append(errs, fmt.Errorf("max parallel extractions must be positive, got %d", cfg.maxParallelExtractions))
	}
	if cfg.maxParallelRoots < 1 {
		errs = append(errs, fmt.Errorf("max parallel roots must be positive, got %d", cfg.maxParallelRoots))
	}
	if cfg.maxFileSize < 1 {
		errs = append(errs, fmt.Errorf("max file size must be positive, got %d", cfg.maxFileSize))
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if cfg.criteria == nil {
		cfg.criteria = criteria.New()
	}
	return cfg, nil
}

func dedup(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	ret := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		ret = append(ret, p)
	}
	return ret
}

// FromModel converts the scan section of the configuration file. Include globs become
// the admission predicate and rescan globs the invalidation predicate. No paths means
// the current working directory.
func FromModel(m model.Scan) (Config, error) {
	mode, err := walk.ParseMode(m.Traversal)
	if err != nil {
		return Config{}, err
	}
	c, err := criteria.FromModel(m.Match)
	if err != nil {
		return Config{}, err
	}

	paths := m.Paths
	if len(paths) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return Config{}, err
		}
		paths = []string{cwd}
	}

	b := NewConfig(paths...).
		Traversal(mode).
		Exclude(m.Exclude...).
		Criteria(c).
		PurgeOnClose(m.PurgeOnClose).
		Wait(m.Wait).
		TempDir(m.TempDir)
	if m.MaxParallelExtractions > 0 {
		b.MaxParallelExtractions(m.MaxParallelExtractions)
	}
	if m.MaxParallelRoots > 0 {
		b.MaxParallelRoots(m.MaxParallelRoots)
	}
	if m.MaxFileSize > 0 {
		b.MaxFileSize(m.MaxFileSize)
	}
	if len(m.Include) > 0 {
		include := slices.Clone(m.Include)
		b.Admit(func(item model.Item) bool {
			return anyMatch(include, item.Name, item.Location())
		})
	}
	if len(m.Rescan) > 0 {
		rescan := slices.Clone(m.Rescan)
		b.Rescan(func(path string) bool {
			return anyMatch(rescan, path)
		})
	}
	return b.Build()
}

func anyMatch(patterns []string, values ...string) bool {
	for _, p := range patterns {
		for _, v := range values {
			if ok, err := zglob.Match(p, v); err == nil && ok {
				return true
			}
		}
	}
	return false
}
