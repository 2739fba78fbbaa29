package parallel_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Hunter/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context, d time.Duration) (int, error) {
		select {
		case <-time.After(d):
			return int(d), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	type given struct {
		limit int
		ctx   func(t *testing.T) context.Context
	}
	type then struct {
		values  []int
		elapsed time.Duration
	}
	tCtx := func(t *testing.T) context.Context {
		t.Helper()
		return t.Context()
	}
	tmout1500ms := func(t *testing.T) context.Context {
		t.Helper()
		ctx, cancel := context.WithTimeout(t.Context(), 1500*time.Millisecond)
		t.Cleanup(cancel)
		return ctx
	}

	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{"limit 1", given{1, tCtx}, then{expected, 18 * time.Second}},
		{"limit 10", given{10, tCtx}, then{expected, 10 * time.Second}},
		{"limit 10, cancel 1.5s", given{10, tmout1500ms}, then{expected[:1], 1500 * time.Millisecond}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				m1 := parallel.NewMap(tt.given.ctx(t), tt.given.limit, f).Iter(all(input))
				require.ElementsMatch(t, tt.then.values, values(m1))
				require.Equal(t, tt.then.elapsed, time.Since(start))
			})
		})
	}
}

func TestMapInputErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	input := func(yield func(int, error) bool) {
		if !yield(1, nil) {
			return
		}
		if !yield(0, boom) {
			return
		}
		yield(3, nil)
	}
	double := func(_ context.Context, i int) (int, error) {
		return 2 * i, nil
	}

	var got []int
	var errs []error
	for d, err := range parallel.NewMap(t.Context(), 2, double).Iter(input) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got = append(got, d)
	}
	require.ElementsMatch(t, []int{2, 6}, got)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], boom)
}

func TestMapBreak(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		slow := func(ctx context.Context, i int) (int, error) {
			select {
			case <-time.After(time.Duration(i) * time.Second):
				return i, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		for d, err := range parallel.NewMap(t.Context(), 4, slow).Iter(all([]int{1, 100, 100, 100})) {
			require.NoError(t, err)
			require.Equal(t, 1, d)
			break
		}
		// the bubble returns only when all workers ended
	})
}

func all[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}

func values[T any](i iter.Seq2[T, error]) []T {
	var ret []T
	for k, err := range i {
		if err != nil {
			continue
		}
		ret = append(ret, k)
	}
	return ret
}
