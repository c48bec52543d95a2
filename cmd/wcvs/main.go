package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rafabd1/wcvs/internal/config"
	"github.com/rafabd1/wcvs/internal/core"
	"github.com/rafabd1/wcvs/internal/input"
	"github.com/rafabd1/wcvs/internal/metrics"
	"github.com/rafabd1/wcvs/internal/output"
	"github.com/rafabd1/wcvs/internal/report"
	"github.com/rafabd1/wcvs/internal/utils"
)

// Process exit codes.
const (
	exitClean    = 0
	exitFindings = 1
	exitFailure  = 2
	exitCanceled = 130
)

// exitCodeError carries the process exit code out of a command. err may be
// nil when the code alone is the message, as for a scan with findings.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return exitClean
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		if ec.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ec.err)
		}
		return ec.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFailure
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wcvs",
		Short: "Web cache vulnerability scanner",
		Long: `wcvs crawls a site and tests every candidate URL for web cache
poisoning, web cache deception, cache key manipulation, timing side channels,
cached sensitive paths and parameter cloaking.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Config file (default ./wcvs.yaml or ~/.config/wcvs/wcvs.yaml)")
	addConfigFlags(root.PersistentFlags())

	root.AddCommand(newScanCmd(), newValidateCmd(), newConfigCmd())
	return root
}

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [url...]",
		Short: "Scan one or more targets",
		Example: `  wcvs scan https://example.com
  wcvs scan -u https://example.com --passive --probes timing,key-manipulation
  wcvs scan -l targets.txt -o report.json
  cat targets.txt | wcvs scan -l - --format text`,
		RunE: runScan,
	}
	cmd.Flags().StringSliceP("url", "u", nil, "Target URL (repeatable)")
	cmd.Flags().StringP("list", "l", "", `File with target URLs, one per line ("-" for stdin)`)
	cmd.Flags().Bool("no-progress", false, "Disable the progress bar")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without scanning",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return &exitCodeError{code: exitFailure, err: err}
			}
			if err := config.ValidateConfiguration(cfg); err != nil {
				printConfigErrors(cmd.ErrOrStderr(), err)
				return &exitCodeError{code: exitFailure}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (probes: %s)\n", strings.Join(cfg.EnabledProbes(), ", "))
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	initCmd := &cobra.Command{
		Use:     "init [path]",
		Short:   "Write a configuration file with every default",
		Example: "  wcvs config init\n  wcvs config init ~/.config/wcvs/wcvs.yaml --force",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "wcvs.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			force, _ := cmd.Flags().GetBool("force")
			if err := writeSampleConfig(path, force); err != nil {
				return &exitCodeError{code: exitFailure, err: fmt.Errorf("writing %s: %w", path, err)}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return &exitCodeError{code: exitFailure, err: err}
	}
	errOut := cmd.ErrOrStderr()
	logger := utils.NewWriterLogger(errOut, errOut, utils.StringToLogLevel(cfg.Verbosity), cfg.NoColor, cfg.Silent)

	if err := config.ValidateConfiguration(cfg); err != nil {
		printConfigErrors(errOut, err)
		return &exitCodeError{code: exitFailure}
	}
	logger.Debugf("Configuration: %s", cfg)

	seeds, err := collectSeeds(cmd, args, logger)
	if err != nil {
		return &exitCodeError{code: exitFailure, err: err}
	}
	if len(seeds) == 0 {
		return &exitCodeError{code: exitFailure, err: errors.New("no target URLs provided (use -u, -l or positional URLs)")}
	}
	logger.Infof("Loaded %d target URLs.", len(seeds))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []core.ScanOption
	if cfg.MetricsAddr != "" {
		recorder := metrics.NewRecorder()
		if err := recorder.Serve(cfg.MetricsAddr); err != nil {
			return &exitCodeError{code: exitFailure, err: err}
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := recorder.Close(shutdownCtx); err != nil {
				logger.Warnf("Error stopping metrics server: %v", err)
			}
		}()
		logger.Infof("Serving metrics on %s/metrics", cfg.MetricsAddr)
		opts = append(opts, core.WithMetrics(recorder))
	}

	noProgress, _ := cmd.Flags().GetBool("no-progress")
	var pb *output.ProgressBar
	if !noProgress && !cfg.Silent {
		pb = output.NewStderrProgressBar(0)
		pb.SetPrefix("Probing ")
		pb.Attach(logger)
		pb.Start()
		opts = append(opts, core.WithProgress(pb.Update))
	}

	result, scanErr := core.RunScan(ctx, cfg.NewTarget(seeds...), cfg, logger, opts...)
	if pb != nil {
		pb.Stop()
	}
	if result == nil {
		return &exitCodeError{code: exitFailure, err: scanErr}
	}

	if err := report.NewWriter(cfg.OutputFormat, logger).WriteFile(result, cfg.OutputFile); err != nil {
		return &exitCodeError{code: exitFailure, err: err}
	}

	counts := result.CountByConfidence()
	logger.Infof("Scan %s finished in %s: %d candidates, %d confirmed, %d likely, %d informational, %d soft failures.",
		result.State, result.Duration().Round(time.Millisecond), len(result.Candidates),
		counts[report.ConfidenceConfirmed], counts[report.ConfidenceLikely], counts[report.ConfidenceInformational],
		len(result.Failures))

	switch {
	case errors.Is(scanErr, core.ErrScanCanceled):
		logger.Warnf("Scan canceled, the report is partial.")
		return &exitCodeError{code: exitCanceled}
	case scanErr != nil:
		return &exitCodeError{code: exitFailure, err: scanErr}
	case counts[report.ConfidenceConfirmed]+counts[report.ConfidenceLikely] > 0:
		return &exitCodeError{code: exitFindings}
	}
	return nil
}

// collectSeeds gathers targets from -u, -l and positional arguments. Every
// source goes through the same normalisation and deduplication.
func collectSeeds(cmd *cobra.Command, args []string, logger utils.Logger) ([]string, error) {
	reader := input.NewReader(logger)

	direct, _ := cmd.Flags().GetStringSlice("url")
	direct = append(direct, args...)

	var lines []string
	if len(direct) > 0 {
		urls, err := reader.ReadURLs(strings.NewReader(strings.Join(direct, "\n")))
		if err != nil {
			return nil, err
		}
		lines = append(lines, urls...)
	}

	if list, _ := cmd.Flags().GetString("list"); list != "" {
		urls, err := reader.ReadURLsFromFile(list)
		if err != nil {
			return nil, fmt.Errorf("reading targets from %s: %w", list, err)
		}
		lines = append(lines, urls...)
	}

	if len(lines) == 0 {
		return nil, nil
	}
	return reader.ReadURLs(strings.NewReader(strings.Join(lines, "\n")))
}

func printConfigErrors(w io.Writer, err error) {
	var errs config.ConfigErrors
	if errors.As(err, &errs) {
		fmt.Fprintf(w, "Invalid configuration (%d errors):\n", len(errs))
		for _, e := range errs {
			fmt.Fprintf(w, "  - %s\n", e)
		}
		return
	}
	fmt.Fprintf(w, "Invalid configuration: %v\n", err)
}
