package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	fernctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/report"
)

const (
	commandResolve = "resolve"
	commandInfer   = "infer"
	commandRun     = "run"
)

var batchShort = map[string]string{
	commandResolve: "Resolve source records into canonical entities",
	commandInfer:   "Evaluate inference rules against the graph",
	commandRun:     "Resolve, then infer",
}

type batchOptions struct {
	source string
	output string
	apply  bool
}

func (c *CLI) batchCommand(name string) *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   name,
		Short: batchShort[name],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name != commandInfer && opts.source == "" {
				return errors.New("--source is required")
			}
			code, err := c.runBatch(cmd.Context(), name, opts)
			c.exitCode = code
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.output, "out", "out", "output directory")
	flags.BoolVar(&opts.apply, "apply", false, "write results to the graph instead of a dry run")
	flags.String("status-addr", "", "serve health, run status and metrics on this address")
	flags.Bool("kafka", false, "publish change events to Kafka")
	flags.Bool("telemetry", false, "export traces")
	if name != commandInfer {
		flags.StringVar(&opts.source, "source", "", "source directory of record files")
		flags.Bool("incremental", false, "skip files whose fingerprint is unchanged")
		flags.Bool("no-fallback", false, "leave records without identifiers unresolved")
		flags.String("store", "postgres", "mapping store: postgres or memory")
		flags.Bool("migrate", true, "apply database migrations before resolving")
		flags.Bool("enrichment", false, "look up cross references with the enrichment services")
		flags.String("cache", "badger", "enrichment cache: badger, redis or none")
	}
	if name != commandResolve {
		flags.StringSlice("rules", nil, "rules to evaluate (default all enabled)")
		flags.String("rules-file", "", "rule file (default built-in rules)")
		flags.Float64("threshold", 0.5, "minimum confidence of an inferred relationship")
		flags.Int("rule-limit", 10000, "maximum matches per rule")
	}
	return cmd
}

// runBatch runs one batch command and returns its exit status. A returned
// error is always fatal.
func (c *CLI) runBatch(ctx context.Context, command string, opts *batchOptions) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	ctx = fernctx.SetRunID(ctx, runID)
	ctx = fernctx.SetCommand(ctx, command)
	logger := c.logger

	summary := report.New(runID, command, time.Now().UTC())
	summary.Source = opts.source
	summary.Output = opts.output
	summary.Apply = opts.apply

	n := needs{
		store: command != commandInfer,
		graph: command == commandInfer || opts.apply,
	}
	a := newApp(c.cfg, n, summary, logger)

	logger.WithContext(ctx).WithFields(map[string]any{
		"source": opts.source,
		"out":    opts.output,
		"apply":  opts.apply,
	}).Infof("starting %s", command)

	err := a.start(ctx)
	if err == nil {
		p := pipeline.New(c.cfg, a.store, a.graphStore(), a.enricher, a.emitter(runID), logger)
		popts := pipeline.Options{Source: opts.source, Output: opts.output, Apply: opts.apply}
		switch command {
		case commandResolve:
			err = p.Resolve(ctx, popts, summary)
		case commandInfer:
			err = p.Infer(ctx, popts, summary)
		default:
			err = p.Run(ctx, popts, summary)
		}
	}

	summary.Finish(time.Now().UTC(), err)
	metrics.RecordRun(command, time.Since(summary.StartedAt).Seconds())

	// dependencies stop even after an interrupt
	if stopErr := a.stop(context.WithoutCancel(ctx)); stopErr != nil {
		logger.WithContext(ctx).WithError(stopErr).Error("failed to stop dependencies")
	}

	if writeErr := writeOutputs(opts.output, summary); writeErr != nil {
		logger.WithContext(ctx).WithError(writeErr).Error("failed to write run summary")
		if err == nil {
			err = writeErr
		}
	}

	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("%s failed", command)
		return report.ExitFatal, err
	}

	code := summary.ExitCode()
	logger.WithContext(ctx).WithFields(map[string]any{
		"exit_code":   code,
		"errors":      len(summary.Errors),
		"duration_ms": summary.DurationMS,
	}).Infof("%s finished", command)
	return code, nil
}

func writeOutputs(dir string, summary *report.Summary) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := summary.Write(dir); err != nil {
		return err
	}
	return metrics.WriteTextfile(dir)
}
