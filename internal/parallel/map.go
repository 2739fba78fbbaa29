// Package parallel provides bounded fan-out helpers: Map over iterators and Group on
// top of an executor.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type outcome[D any] struct {
	val D
	err error
}

// Map applies fn to the elements of an iterator with at most limit calls in flight.
// Results come out in completion order:
//
//	for d, err := range parallel.NewMap(ctx, 4, fn).Iter(input) {}
//
// Errors of the input sequence are passed through. Canceling ctx or breaking out of the
// loop stops feeding new elements. A Map is good for one Iter call.
type Map[E, D any] struct {
	ctx   context.Context
	stop  context.CancelFunc
	group *errgroup.Group
	gctx  context.Context
	out   chan outcome[D]
	fn    func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, fn func(context.Context, E) (D, error)) *Map[E, D] {
	limit = max(limit, 1)
	ctx, stop := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	// the feeder holds a slot of its own
	group.SetLimit(limit + 1)
	return &Map[E, D]{
		ctx:   ctx,
		stop:  stop,
		group: group,
		gctx:  gctx,
		out:   make(chan outcome[D], limit),
		fn:    fn,
	}
}

func (m *Map[E, D]) emit(o outcome[D]) error {
	select {
	case m.out <- o:
		return nil
	case <-m.gctx.Done():
		return m.gctx.Err()
	}
}

func (m *Map[E, D]) feed(seq iter.Seq2[E, error]) error {
	for elem, err := range seq {
		if err != nil {
			if err := m.emit(outcome[D]{err: err}); err != nil {
				return err
			}
			continue
		}
		if err := m.gctx.Err(); err != nil {
			return err
		}
		m.group.Go(func() error {
			val, err := m.fn(m.gctx, elem)
			return m.emit(outcome[D]{val: val, err: err})
		})
	}
	return nil
}

func (m *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		defer m.stop()
		m.group.Go(func() error { return m.feed(seq) })
		go func() {
			_ = m.group.Wait()
			close(m.out)
		}()

		for o := range m.out {
			if m.ctx.Err() != nil || !yield(o.val, o.err) {
				return
			}
		}
	}
}
