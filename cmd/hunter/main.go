package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/Hunter/internal/log"
	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/CZERTAINLY/Hunter/internal/service"
)

const configName = "hunter.yaml"

var (
	userConfigPath string // /default/config/path/hunter on given OS
	configPath     string // actual config file used
	config         model.Config
	logCloser      io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "hunter")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initHunter
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("hunter failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "hunter",
	Short:        "Tool finding resources in directories and archives and providing BOM",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run reads the configuration and runs the scan once or on a schedule",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of a hunter",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if configPath != "" {
			_, _ = fmt.Fprintf(out, "config: %s\n", configPath)
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			_, _ = fmt.Fprintln(out, "hunter: version info not available")
			return
		}
		_, _ = fmt.Fprintf(out, "hunter: %s\n", info.Main.Version)
		_, _ = fmt.Fprintf(out, "go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				_, _ = fmt.Fprintf(out, "commit: %s\n", s.Value)
			case "vcs.time":
				_, _ = fmt.Fprintf(out, "date:   %s\n", s.Value)
			case "vcs.modified":
				_, _ = fmt.Fprintf(out, "dirty:  %s\n", s.Value)
			}
		}
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("hunter",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	supervisor, err := service.NewSupervisor(ctx, config)
	if err != nil {
		return err
	}
	if err := supervisor.AddJob(ctx, "default", config.Scan); err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

func initHunter(cmd *cobra.Command, _ []string) error {
	var err error
	config, configPath, err = loadConfig(flagConfigFilePath, userConfigPath)
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	w, closer, err := logWriter(config.Service.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logCloser = closer
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("hunter run", "configPath", configPath)
	slog.Debug("hunter run", "config", config)
	return nil
}

// loadConfig finds the configuration: HUNTERCONFIG, then the --config flag, then
// hunter.yaml in userDir or the current directory. When there is none, the default
// configuration is stored in userDir.
func loadConfig(flagPath, userDir string) (model.Config, string, error) {
	var path string
	if envConfig, ok := os.LookupEnv("HUNTERCONFIG"); ok {
		path = envConfig
	} else if flagPath != "" {
		path = flagPath
	} else {
		for _, d := range []string{userDir, "."} {
			if p := filepath.Join(d, configName); exists(p) {
				path = p
				break
			}
		}
	}

	if path == "" {
		cfg := model.DefaultConfig()
		path = filepath.Join(userDir, configName)
		if err := storeConfig(path, cfg); err != nil {
			return model.Config{}, "", err
		}
		return cfg, path, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, "", fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, issue := range model.ConfigIssues(err) {
			slog.Error("invalid configuration", issue.Attr("issue"))
		}
		return model.Config{}, "", fmt.Errorf("parsing config %s: %w", path, err)
	}
	return *cfg, path, nil
}

func storeConfig(path string, cfg model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		_ = f.Close()
		return fmt.Errorf("storing configuration: %w", err)
	}
	return errors.Join(enc.Close(), f.Close())
}

// logWriter maps service.log to a writer: stderr, stdout, discard or a file path.
func logWriter(dest string, stderr io.Writer) (io.Writer, io.Closer, error) {
	switch dest {
	case "", "stderr":
		return stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "discard":
		return io.Discard, nil, nil
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, f, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
