package model

import (
	"io"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	TraversalShallow   = "shallow"
	TraversalRecursive = "recursive"
	TraversalAllLevels = "all-levels"

	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int      `json:"version" yaml:"version"` // fixed 0 for now
	Scan     Scan     `json:"scan" yaml:"scan"`
	Executor Executor `json:"executor" yaml:"executor"`
	Service  Service  `json:"service" yaml:"service"`
}

// Scan describes one scan session.
type Scan struct {
	Paths                  []string   `json:"paths,omitempty" yaml:"paths,omitempty"` // nil/empty => use CWD
	Traversal              string     `json:"traversal" yaml:"traversal"`             // shallow | recursive | all-levels
	Exclude                []string   `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Include                []string   `json:"include,omitempty" yaml:"include,omitempty"` // file admission globs
	Match                  MatchRules `json:"match" yaml:"match"`
	Rescan                 []string   `json:"rescan,omitempty" yaml:"rescan,omitempty"` // globs of roots which bypass the cache
	PurgeOnClose           bool       `json:"purge_on_close" yaml:"purge_on_close"`
	Wait                   bool       `json:"wait" yaml:"wait"`
	MaxParallelExtractions int        `json:"max_parallel_extractions" yaml:"max_parallel_extractions"`
	MaxParallelRoots       int        `json:"max_parallel_roots" yaml:"max_parallel_roots"`
	MaxFileSize            int64      `json:"max_file_size" yaml:"max_file_size"`
	TempDir                string     `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty"`
}

// MatchRules lists content criteria. Values of one field are OR-ed, fields are AND-ed.
type MatchRules struct {
	Names      []string `json:"names,omitempty" yaml:"names,omitempty"`
	Contains   []string `json:"contains,omitempty" yaml:"contains,omitempty"`
	Regexps    []string `json:"regexps,omitempty" yaml:"regexps,omitempty"`
	MediaTypes []string `json:"media_types,omitempty" yaml:"media_types,omitempty"`
	PEM        []string `json:"pem,omitempty" yaml:"pem,omitempty"` // PEM block types, "*" for any
}

type Executor struct {
	MaxWorkers int `json:"max_workers" yaml:"max_workers"` // 0 => runtime.NumCPU
}

type Service struct {
	Mode       string         `json:"mode" yaml:"mode"`
	Verbose    bool           `json:"verbose" yaml:"verbose"`
	Log        string         `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Dir        string         `json:"dir,omitempty" yaml:"dir,omitempty"`
	Schedule   *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Repository *Repository    `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// Repository is a BOM repository the results are uploaded to.
type Repository struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
}

type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig returns the configuration with all schema defaults applied.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return *cfg
}
