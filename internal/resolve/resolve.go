// Package resolve turns symbolic names of matched items into symbols.
package resolve

import (
	"context"
	"fmt"

	"github.com/CZERTAINLY/Hunter/internal/model"

	"github.com/puzpuzpuz/xsync/v3"
)

// Resolver resolves a symbolic name. Unknown names fail with model.ErrUnresolvedSymbol.
type Resolver interface {
	Resolve(ctx context.Context, name string) (model.Symbol, error)
}

// Func adapts a function to a Resolver.
type Func func(ctx context.Context, name string) (model.Symbol, error)

func (f Func) Resolve(ctx context.Context, name string) (model.Symbol, error) {
	return f(ctx, name)
}

// Names resolves every non-empty name to a symbol of the same name.
type Names struct{}

func (Names) Resolve(_ context.Context, name string) (model.Symbol, error) {
	if name == "" {
		return model.Symbol{}, fmt.Errorf("empty name: %w", model.ErrUnresolvedSymbol)
	}
	return model.Symbol{Name: name}, nil
}

// Registry resolves names registered upfront. It is safe for concurrent use.
type Registry struct {
	symbols *xsync.MapOf[string, model.Symbol]
}

func NewRegistry() *Registry {
	return &Registry{symbols: xsync.NewMapOf[string, model.Symbol]()}
}

// Register adds symbols, replacing those of the same name.
func (r *Registry) Register(symbols ...model.Symbol) *Registry {
	for _, s := range symbols {
		r.symbols.Store(s.Name, s)
	}
	return r
}

func (r *Registry) Resolve(ctx context.Context, name string) (model.Symbol, error) {
	if err := ctx.Err(); err != nil {
		return model.Symbol{}, err
	}
	s, ok := r.symbols.Load(name)
	if !ok {
		return model.Symbol{}, fmt.Errorf("%s: %w", name, model.ErrUnresolvedSymbol)
	}
	return s, nil
}

func (r *Registry) Len() int {
	return r.symbols.Size()
}
