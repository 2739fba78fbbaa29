package tempstore_test

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/CZERTAINLY/Hunter/internal/tempstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDir(t *testing.T) {
	base := t.TempDir()
	s := tempstore.New(base, true)

	var wg sync.WaitGroup
	dirs := make([]string, 16)
	for i := range dirs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dir, err := s.Dir("extracted-unit")
			if err == nil {
				dirs[i] = dir
			}
		}()
	}
	wg.Wait()
	for _, dir := range dirs {
		require.Equal(t, dirs[0], dir)
	}
	info, err := os.Stat(dirs[0])
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.True(t, s.Owns(filepath.Join(dirs[0], "x", "y")))
	require.False(t, s.Owns(base))

	other, err := s.Dir("extracted-container")
	require.NoError(t, err)
	require.NotEqual(t, dirs[0], other)
	require.Len(t, s.Paths(), 2)

	_, err = s.Dir("../escape")
	require.Error(t, err)
	_, err = s.Dir("")
	require.Error(t, err)

	require.NoError(t, s.Close())
	for _, dir := range []string{dirs[0], other} {
		_, err := os.Stat(dir)
		require.ErrorIs(t, err, os.ErrNotExist)
	}
	_, err = s.Dir("extracted-unit")
	require.ErrorIs(t, err, tempstore.ErrClosed)
}

func TestDestination(t *testing.T) {
	s := tempstore.New(t.TempDir(), true)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	dest, err := s.Destination("extracted-unit", "/opt/lib/app.jar", "org/example/App.class")
	require.NoError(t, err)
	again, err := s.Destination("extracted-unit", "/other/app.jar", "org/example/App.class")
	require.NoError(t, err)
	require.Equal(t, dest, again)

	dir, err := s.Dir("extracted-unit")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "app.jar", "org", "example", "App.class"), dest)

	var testCases = []struct {
		scenario  string
		container string
		segments  []string
	}{
		{"dot dot", "app.jar", []string{"../../etc/passwd"}},
		{"absolute", "app.jar", []string{"/etc/passwd"}},
		{"no segments", "app.jar", nil},
		{"empty container", "", []string{"a"}},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := s.Destination("extracted-unit", tt.container, tt.segments...)
			require.Error(t, err)
		})
	}
}

func TestClaim(t *testing.T) {
	s := tempstore.New(t.TempDir(), false)
	dest, err := s.Destination("extracted-unit", "app.jar", "a/b.txt")
	require.NoError(t, err)

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(dest)
			if err == nil && ok {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, claimed.Load())
	require.FileExists(t, dest)

	_, err = s.Claim(filepath.Join(t.TempDir(), "foreign"))
	require.Error(t, err)

	// purge on close is off, the files stay
	require.False(t, s.PurgeOnClose())
	require.NoError(t, s.Close())
	require.FileExists(t, dest)

	s.SetPurgeOnClose(true)
	require.NoError(t, s.Purge())
	require.NoFileExists(t, dest)
	require.Empty(t, s.Paths())
}
