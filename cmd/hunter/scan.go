package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Hunter/internal/executor"
	"github.com/CZERTAINLY/Hunter/internal/log"
	"github.com/CZERTAINLY/Hunter/internal/scan"
	"github.com/CZERTAINLY/Hunter/internal/service"
)

var (
	flagTraversal string
	flagNames     []string
	flagContains  []string
	flagOutput    string
)

func init() {
	scanCmd.Flags().StringVar(&flagTraversal, "traversal", "", "shallow, recursive or all-levels, overrides scan.traversal")
	scanCmd.Flags().StringSliceVar(&flagNames, "name", nil, "name glob to match, can be repeated")
	scanCmd.Flags().StringSliceVar(&flagContains, "contains", nil, "content substring to match, can be repeated")
	scanCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "write the BOM into a file instead of stdout")
}

var scanCmd = &cobra.Command{
	Use:   "scan [path...]",
	Short: "scan runs a single scan of the given paths and prints the BOM",
	RunE:  doScan,
}

func doScan(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("hunter",
		slog.String("cmd", "scan"),
		slog.Int("pid", os.Getpid()),
	))

	cfg := config.Scan
	if len(args) > 0 {
		cfg.Paths = args
	}
	if flagTraversal != "" {
		cfg.Traversal = flagTraversal
	}
	cfg.Match.Names = append(cfg.Match.Names, flagNames...)
	cfg.Match.Contains = append(cfg.Match.Contains, flagContains...)

	e := executor.New(executor.WithName("hunter-scan"), executor.WithMaxWorkers(config.Executor.MaxWorkers))
	defer func() {
		if err := e.Shutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "shutting down executor", "error", err)
		}
	}()

	raw, err := service.Report(ctx, scan.New(e), cfg)
	if err != nil {
		return err
	}

	if flagOutput == "" {
		return service.NewWriteUploader(cmd.OutOrStdout()).Upload(ctx, raw)
	}
	return os.WriteFile(flagOutput, raw, 0o644)
}
