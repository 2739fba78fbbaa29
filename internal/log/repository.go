package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Sink names the handler a Repository emits to.
type Sink string

const (
	// SinkDefault delegates to slog.Default. It is picked only when the process installed
	// a ContextHandler as the default handler.
	SinkDefault Sink = "default"
	SinkJSON    Sink = "json"
	SinkText    Sink = "text"
	SinkDiscard Sink = "discard"
)

// EnvSink overrides the sink selection of the process-wide Repository.
const EnvSink = "HUNTER_LOG_SINK"

// Repository emits leveled messages per origin. Each origin can be switched off
// independently.
type Repository struct {
	sink     Sink
	logger   *slog.Logger
	disabled *xsync.MapOf[string, struct{}]
}

var defaultRepository = sync.OnceValue(func() *Repository {
	return NewRepository(resolveSink(os.Getenv(EnvSink)), os.Stderr)
})

// Default returns the process-wide Repository. The sink is resolved on first use and never
// changes afterwards.
func Default() *Repository {
	return defaultRepository()
}

// resolveSink walks the fallback chain: explicit name, an application installed
// ContextHandler, the minimal text handler.
func resolveSink(name string) Sink {
	switch Sink(name) {
	case SinkJSON, SinkText, SinkDiscard:
		return Sink(name)
	}
	if _, ok := slog.Default().Handler().(ContextHandler); ok {
		return SinkDefault
	}
	return SinkText
}

// NewRepository returns a Repository emitting into w using sink.
func NewRepository(sink Sink, w io.Writer) *Repository {
	var logger *slog.Logger
	switch sink {
	case SinkDefault:
		logger = slog.Default()
	case SinkJSON:
		logger = slog.New(NewContextHandler(jsonHandler(w, false)))
	case SinkDiscard:
		logger = slog.New(slog.DiscardHandler)
	default:
		sink = SinkText
		logger = slog.New(NewContextHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}
	return &Repository{
		sink:     sink,
		logger:   logger,
		disabled: xsync.NewMapOf[string, struct{}](),
	}
}

func (r *Repository) Sink() Sink {
	return r.sink
}

func (r *Repository) Enable(origin string) {
	r.disabled.Delete(origin)
}

func (r *Repository) Disable(origin string) {
	r.disabled.Store(origin, struct{}{})
}

func (r *Repository) Enabled(origin string) bool {
	_, off := r.disabled.Load(origin)
	return !off
}

// Log emits msg on behalf of origin. A non nil cause is attached as the error attribute.
func (r *Repository) Log(ctx context.Context, level slog.Level, origin, msg string, cause error, args ...any) {
	if !r.Enabled(origin) {
		return
	}
	if !r.logger.Enabled(ctx, level) {
		return
	}
	attrs := make([]any, 0, len(args)+4)
	attrs = append(attrs, slog.String("origin", origin))
	if cause != nil {
		attrs = append(attrs, slog.Any("error", cause))
	}
	attrs = append(attrs, args...)
	r.logger.Log(ctx, level, msg, attrs...)
}

// Origin is a named logical source of log messages backed by the default Repository.
type Origin string

func (o Origin) Error(ctx context.Context, msg string, cause error, args ...any) {
	Default().Log(ctx, slog.LevelError, string(o), msg, cause, args...)
}

func (o Origin) Warn(ctx context.Context, msg string, cause error, args ...any) {
	Default().Log(ctx, slog.LevelWarn, string(o), msg, cause, args...)
}

func (o Origin) Info(ctx context.Context, msg string, args ...any) {
	Default().Log(ctx, slog.LevelInfo, string(o), msg, nil, args...)
}

func (o Origin) Debug(ctx context.Context, msg string, args ...any) {
	Default().Log(ctx, slog.LevelDebug, string(o), msg, nil, args...)
}

func Enable(origin Origin) {
	Default().Enable(string(origin))
}

func Disable(origin Origin) {
	Default().Disable(string(origin))
}
