package model_test

import (
	"strings"
	"testing"

	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
scan:
  paths:
    - /opt/app
  traversal: recursive
  exclude:
    - "**/.git/**"
  match:
    names:
      - "**/*.class"
    pem:
      - certificate
  purge_on_close: false
  max_parallel_extractions: 2
executor:
  max_workers: 3
service:
  mode: timer
  log: stderr
  schedule:
    duration: PT1H
  repository:
    enabled: true
    url: http://localhost:8080
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, []string{"/opt/app"}, cfg.Scan.Paths)
	require.Equal(t, model.TraversalRecursive, cfg.Scan.Traversal)
	require.Equal(t, []string{"**/.git/**"}, cfg.Scan.Exclude)
	require.Equal(t, []string{"**/*.class"}, cfg.Scan.Match.Names)
	require.False(t, cfg.Scan.PurgeOnClose)
	require.True(t, cfg.Scan.Wait)
	require.Equal(t, 2, cfg.Scan.MaxParallelExtractions)
	require.Equal(t, 4, cfg.Scan.MaxParallelRoots)
	require.Equal(t, 3, cfg.Executor.MaxWorkers)
	require.Equal(t, model.ServiceModeTimer, cfg.Service.Mode)
	require.Equal(t, model.LogStderr, cfg.Service.Log)
	require.NotNil(t, cfg.Service.Schedule)
	require.Equal(t, "PT1H", cfg.Service.Schedule.Duration)
	require.Equal(t, []string{"certificate"}, cfg.Scan.Match.PEM)
	require.Equal(t, &model.Repository{Enabled: true, URL: "http://localhost:8080"}, cfg.Service.Repository)
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig()
	require.Equal(t, 0, cfg.Version)
	require.Equal(t, model.TraversalAllLevels, cfg.Scan.Traversal)
	require.True(t, cfg.Scan.PurgeOnClose)
	require.True(t, cfg.Scan.Wait)
	require.Equal(t, 8, cfg.Scan.MaxParallelExtractions)
	require.Equal(t, int64(10*1024*1024), cfg.Scan.MaxFileSize)
	require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
	require.Empty(t, cfg.Scan.Paths)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		yml      string
		path     string
	}{
		{
			scenario: "unknown field",
			yml:      "version: 0\nscan:\n  depth: 3\n",
			path:     "scan.depth",
		},
		{
			scenario: "bad traversal",
			yml:      "version: 0\nscan:\n  traversal: deep\n",
			path:     "scan.traversal",
		},
		{
			scenario: "zero parallelism",
			yml:      "version: 0\nscan:\n  max_parallel_extractions: 0\n",
			path:     "scan.max_parallel_extractions",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tt.yml))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.path)
		})
	}
}

func TestConfigIssues(t *testing.T) {
	var testCases = []struct {
		scenario string
		yml      string
		path     string
		codes    []model.IssueCode
		message  string
	}{
		{
			scenario: "unknown field",
			yml:      "version: 0\nscan:\n  depth: 3\n",
			path:     "scan.depth",
			codes:    []model.IssueCode{model.IssueUnknownField},
			message:  "depth is not a known field",
		},
		{
			scenario: "bad traversal",
			yml:      "version: 0\nscan:\n  traversal: deep\n",
			path:     "scan.traversal",
			codes:    []model.IssueCode{model.IssueInvalidValue, model.IssueConflict},
			message:  "traversal",
		},
		{
			scenario: "zero parallelism",
			yml:      "version: 0\nscan:\n  max_parallel_roots: 0\n",
			path:     "scan.max_parallel_roots",
			codes:    []model.IssueCode{model.IssueOutOfRange, model.IssueConflict},
			message:  "max_parallel_roots must be at least 1",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tt.yml))
			require.Error(t, err)

			issues := model.ConfigIssues(err)
			var found *model.ConfigIssue
			for i := range issues {
				if issues[i].Path == tt.path {
					found = &issues[i]
				}
			}
			require.NotNil(t, found, "no issue for %s in %v", tt.path, issues)
			require.Contains(t, tt.codes, found.Code)
			require.Contains(t, found.Message, tt.message)
			require.Contains(t, found.String(), tt.path)
		})
	}

	require.Nil(t, model.ConfigIssues(nil))
}
