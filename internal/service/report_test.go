package service_test

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Hunter/internal/bom"
	"github.com/CZERTAINLY/Hunter/internal/executor"
	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/CZERTAINLY/Hunter/internal/scan"
	"github.com/CZERTAINLY/Hunter/internal/service"
	"github.com/CZERTAINLY/Hunter/internal/walk/walktest"
)

// tree creates root/readme.txt and root/outer.zip!/lib/inner.zip!/x.txt
func tree(t *testing.T, root string) {
	t.Helper()
	inner := walktest.Zip(t, walktest.File{Name: "x.txt", Content: []byte("the item")})
	outer := walktest.Zip(t, walktest.File{Name: "lib/inner.zip", Content: inner})
	walktest.Tree(t, root,
		walktest.File{Name: "outer.zip", Content: outer},
		walktest.File{Name: "readme.txt", Content: []byte("readme")},
	)
}

func scanConfig(paths ...string) model.Scan {
	cfg := model.DefaultConfig().Scan
	cfg.Paths = paths
	cfg.Match.Names = []string{"x.txt", "readme.txt"}
	return cfg
}

func properties(c cdx.Component) map[string]string {
	ret := make(map[string]string)
	if c.Properties == nil {
		return ret
	}
	for _, p := range *c.Properties {
		ret[p.Name] = p.Value
	}
	return ret
}

func TestReport(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	tree(t, root)

	e := executor.New(executor.WithMaxWorkers(2))
	t.Cleanup(func() { _ = e.Shutdown(t.Context()) })
	scanner := scan.New(e)

	raw, err := service.Report(t.Context(), scanner, scanConfig(root))
	require.NoError(t, err)

	v, err := bom.NewValidator(cdx.SpecVersion1_6)
	require.NoError(t, err)
	require.NoError(t, v.ValidateBytes(t.Context(), raw))

	var doc cdx.BOM
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.NotNil(t, doc.Components)

	byLocation := make(map[string]map[string]string)
	for _, c := range *doc.Components {
		if c.Type != cdx.ComponentTypeFile {
			require.Equal(t, bom.RootRef(root), c.BOMRef)
			continue
		}
		props := properties(c)
		byLocation[props[bom.PropertyLocation]] = props
	}
	require.Len(t, byLocation, 2)

	readme, ok := byLocation[filepath.Join(root, "readme.txt")]
	require.True(t, ok)
	require.Equal(t, filepath.Join(root, "readme.txt"), readme[bom.PropertyOrigin])
	require.Equal(t, root, readme[bom.PropertyRoot])

	for location, props := range byLocation {
		if !strings.HasSuffix(location, "inner.zip!/x.txt") {
			continue
		}
		_, hasOrigin := props[bom.PropertyOrigin]
		require.False(t, hasOrigin, "purged extraction must not be reported as origin")
		return
	}
	t.Fatalf("nested match not reported: %v", byLocation)
}

func TestReportInvalidConfig(t *testing.T) {
	t.Parallel()
	e := executor.New()
	t.Cleanup(func() { _ = e.Shutdown(t.Context()) })

	cfg := scanConfig(t.TempDir())
	cfg.Traversal = "sideways"
	_, err := service.Report(t.Context(), scan.New(e), cfg)
	require.Error(t, err)
}

func TestReportAborted(t *testing.T) {
	t.Parallel()
	e := executor.New()
	require.NoError(t, e.Shutdown(t.Context()))

	_, err := service.Report(t.Context(), scan.New(e), scanConfig(t.TempDir()))
	require.ErrorIs(t, err, model.ErrScanAborted)
}
