package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/trialflow/trialflow/pkg/checkpoint"
	"github.com/trialflow/trialflow/pkg/defaults/metrics"
	"github.com/trialflow/trialflow/pkg/engine"
	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/export"
	"github.com/trialflow/trialflow/pkg/kernel"
	"github.com/trialflow/trialflow/pkg/kernel/builtin"
	"github.com/trialflow/trialflow/pkg/trial"
	"github.com/trialflow/trialflow/pkg/trialdef"
	"github.com/trialflow/trialflow/pkg/tui"
	"github.com/trialflow/trialflow/pkg/writer"
)

// Run flags
var (
	inputFile   string
	trialDefXLS string
	outputDir   string
	kernelName  string
	parallel    bool
	workers     int
	toiFlag     []float64
	nperseg     int
	noverlap    int
	order       int
	threshold   float64
	average     bool
	trialsFlag  []int
	channelFlag []int
	timeFlag    string
	timeAxis    int
	datasetName string
	compression string
	cpBackend   string
	resumeID    string
	dryRun      bool
	noProgress  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Apply a kernel to every trial of a recording",
	Long: `Apply a builtin kernel to every selected trial of a recording written by
"trialflow synth" (or any parquet recording with a trial definition) and
assemble the results into an output container.

Examples:
  trialflow run -i data.parquet -k identity -o out
  trialflow run -i data.parquet -k pick --toi -0.1,0,0.1,0.2 -o out
  trialflow run -i data.parquet -k window --nperseg 64 --noverlap 32 --parallel -o out
  trialflow run -i data.parquet -k detrend --order 1 --average -o out
  trialflow run -i data.parquet -k peaks --trials 0,2,4 --channels 0 -o out`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&inputFile, "input", "i", "", "Input recording (parquet, required)")
	f.StringVar(&trialDefXLS, "trialdef", "", "Read the trial definition from an xlsx sheet instead of the recording")
	f.StringVarP(&outputDir, "output", "o", "", "Output container directory (default: storage.output_dir)")
	f.StringVarP(&kernelName, "kernel", "k", "identity", "Kernel: "+strings.Join(builtin.Names(), ", "))
	f.BoolVar(&parallel, "parallel", false, "Run trials concurrently")
	f.IntVar(&workers, "workers", 0, "Worker count for --parallel (default: engine.workers or one per CPU)")
	f.Float64SliceVar(&toiFlag, "toi", nil, "Time points of interest in seconds (pick)")
	f.IntVar(&nperseg, "nperseg", 0, "Window length in samples (window)")
	f.IntVar(&noverlap, "noverlap", 0, "Window overlap in samples (window)")
	f.IntVar(&order, "order", 0, "Detrend order, 0 or 1 (detrend)")
	f.Float64Var(&threshold, "threshold", 0, "Minimum peak height (peaks)")
	f.BoolVar(&average, "average", false, "Average the trials instead of keeping them")
	f.IntSliceVar(&trialsFlag, "trials", nil, "Select trials by index")
	f.IntSliceVar(&channelFlag, "channels", nil, "Select channels by index")
	f.StringVar(&timeFlag, "time", "", "Select samples start:stop within every trial")
	f.IntVar(&timeAxis, "time-axis", 0, "Present trials as time x channel (0) or channel x time (1)")
	f.StringVar(&datasetName, "dataset", "", "Dataset name (default: storage.dataset)")
	f.StringVar(&compression, "compression", "", "Parquet compression (none, snappy, gzip, zstd, lz4)")
	f.StringVar(&cpBackend, "checkpoint", "", "Checkpoint backend: none, local, redis, s3 (default: checkpoint.backend)")
	f.StringVar(&resumeID, "resume", "", "Resume the job with this checkpoint ID")
	f.BoolVar(&dryRun, "dry-run", false, "Plan only and print the output layout")
	f.BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")

	runCmd.MarkFlagRequired("input")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, done := commandContext()
	defer done()
	log := slog.Default()

	if _, err := os.Stat(inputFile); err != nil {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}
	k, err := builtin.Lookup(kernelName)
	if err != nil {
		return err
	}

	table, err := loadTrialDefinition(trialDefXLS)
	if err != nil {
		return err
	}
	sel, err := selection(table)
	if err != nil {
		return err
	}
	provider, err := trial.OpenParquetWith(inputFile, table, sel, timeAxis)
	if err != nil {
		return err
	}
	defer provider.Close()

	params := kernelParams(provider)
	policy, err := builtin.Policy(kernelName, params)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidParams, "invalid kernel parameters").
			WithContext("kernel", kernelName)
	}
	policy.KeepTrials = !average

	opts := engineOptions(log)
	if cfg.Telemetry.Enabled {
		shutdownTracing, err := initTelemetry(ctx)
		if err != nil {
			log.Warn("tracing disabled", "error", err)
		} else {
			onShutdown("tracing", shutdownTracing)
		}
	}
	if verbose {
		lm := metrics.NewLogMetrics(metrics.WithLogger(log))
		onShutdown("metrics", func(context.Context) error { return lm.Close() })
		opts.Metrics = lm
	}

	job := &engine.Job{
		ID:        resumeID,
		Input:     absPath(inputFile),
		Provider:  provider,
		Kernel:    k,
		Params:    params,
		Policy:    policy,
		OutputDir: absPath(firstNonEmpty(outputDir, cfg.Storage.OutputDir)),
		Dataset:   firstNonEmpty(datasetName, cfg.Storage.Dataset),
		Writer:    writerConfig(),
	}

	if dryRun {
		plan, err := engine.New(opts).Plan(ctx, job)
		if err != nil {
			return err
		}
		printPlan(plan)
		return nil
	}

	backend, locker, closeBackend, err := checkpointBackend(ctx, firstNonEmpty(cpBackend, cfg.Checkpoint.Backend))
	if err != nil {
		return err
	}
	onShutdown("checkpoints", func(context.Context) error { closeBackend(); return nil })
	if backend != nil {
		unlock, err := lockOutput(ctx, locker, job.OutputDir)
		if err != nil {
			return err
		}
		onShutdown("output lock", func(context.Context) error { unlock(); return nil })
		if resumeID != "" {
			if err := checkResume(ctx, backend, resumeID, job.OutputDir); err != nil {
				return err
			}
		}
		opts.Checkpoints = backend
	}

	var bar *progressbar.ProgressBar
	if !noProgress {
		bar, opts.Progress = tui.TrialProgress(provider.NumTrials(), kernelName)
	}

	res, runErr := engine.New(opts).Run(ctx, job)
	if bar != nil {
		bar.Finish()
	}
	if res == nil {
		return runErr
	}

	report := &tui.RunReport{
		JobID:     res.JobID,
		Kernel:    kernelName,
		Output:    job.OutputDir,
		Shape:     res.Container.Shape(),
		Trials:    res.Plan.Trials,
		Succeeded: res.Succeeded.Len(),
		Failed:    res.Failed.Len(),
		Skipped:   res.Skipped.Len(),
		Averaged:  !policy.KeepTrials,
		Duration:  res.Duration,
		Warnings:  res.Warnings,
		Errors:    make(map[int]string),
	}
	for k, err := range res.Errors {
		report.Errors[k] = err.Error()
	}
	tui.PrintRunReport(os.Stdout, report)

	if runErr != nil && errors.IsCode(runErr, errors.CodeJobFailed) {
		// Partial results were written; report through the exit status only.
		return fmt.Errorf("%d of %d trials failed", res.Failed.Len(), res.Plan.Trials)
	}
	return runErr
}

func engineOptions(log *slog.Logger) engine.Options {
	opts := engine.DefaultOptions()
	opts.Logger = log
	opts.Parallel = parallel || cfg.Engine.Parallel
	if w := firstPositive(workers, cfg.Engine.Workers); w > 0 {
		opts.Workers = w
	}
	opts.QuorumTimeout = cfg.Engine.QuorumTimeout
	opts.QuorumExponent = cfg.Engine.QuorumExponent
	opts.CheckpointInterval = cfg.Checkpoint.Interval
	opts.Rounding = trialdef.Rounding{
		Disabled: cfg.Reconcile.DisableRounding,
		Digits:   cfg.Reconcile.SamplerateDigits,
	}
	return opts
}

func writerConfig() writer.Config {
	wc := writer.DefaultConfig()
	wc.Compression = writer.ParseCompression(firstNonEmpty(compression, cfg.Storage.Compression))
	wc.CreatedBy = "trialflow " + version
	return wc
}

func kernelParams(p trial.Provider) kernel.Params {
	params := kernel.Params{builtin.ParamSampleRate: p.SampleRate()}
	switch kernelName {
	case "pick":
		params[builtin.ParamTOI] = toiFlag
		trl := p.TrialDefinition()
		offsets := make([]float64, trl.Len())
		for k := range offsets {
			offsets[k] = float64(trl.Offset(k))
		}
		params[builtin.ParamOffsets] = offsets
	case "window":
		params[builtin.ParamNPerSeg] = nperseg
		params[builtin.ParamNOverlap] = noverlap
	case "detrend":
		params[builtin.ParamOrder] = order
	case "peaks":
		if threshold != 0 {
			params[builtin.ParamThreshold] = threshold
		}
	}
	return params
}

// selection builds the trial, time and channel selection from flags.
func selection(table *trialdef.Table) (*trial.Selection, error) {
	if trialsFlag == nil && channelFlag == nil && timeFlag == "" {
		return nil, nil
	}
	sel := &trial.Selection{Trials: trialsFlag}
	if channelFlag != nil {
		sel.Channel = trial.List(channelFlag...)
	}
	if timeFlag != "" {
		ix, err := parseSlice(timeFlag)
		if err != nil {
			return nil, err
		}
		n := len(trialsFlag)
		if n == 0 && table != nil {
			n = table.Len()
		}
		if n == 0 {
			// Count the trials of the whole recording.
			p, err := trial.OpenParquet(inputFile, nil, timeAxis)
			if err != nil {
				return nil, err
			}
			n = p.NumTrials()
			p.Close()
		}
		sel.Time = make([]*trial.Index, n)
		for i := range sel.Time {
			sel.Time[i] = ix
		}
	}
	return sel, nil
}

// loadTrialDefinition reads an xlsx trial definition; an empty path means
// the recording's own definition is used.
func loadTrialDefinition(path string) (*trialdef.Table, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trial definition: %w", err)
	}
	defer f.Close()
	return export.ReadTrialDefinition(f)
}

// parseSlice parses "start:stop" or "start:stop:step".
func parseSlice(s string) (*trial.Index, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("invalid slice %q, want start:stop[:step]", s)
	}
	vals := []int{0, math.MaxInt, 1}
	for i, p := range parts {
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid slice %q: %w", s, err)
		}
		vals[i] = v
	}
	return trial.Slice(vals[0], vals[1], vals[2]), nil
}

func printPlan(plan *engine.Plan) {
	fmt.Printf("Kernel:  %s\n", plan.Kernel)
	fmt.Printf("Trials:  %d (%s)\n", plan.Trials, plan.Combine)
	fmt.Printf("DType:   %s\n", plan.DType)
	fmt.Printf("Shape:   %s\n", plan.ResultShape())
	fmt.Printf("Dimord:  %s\n", strings.Join(plan.Dimord(), ", "))
	for k, slab := range plan.Slabs {
		fmt.Printf("  trial %4d  rows [%d, %d)  %s\n", k, slab.Start, slab.Stop, plan.Shapes[k])
	}
}

func checkResume(ctx context.Context, b checkpoint.Backend, id, output string) error {
	cp, err := b.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", id, err)
	}
	if cp.Output != output {
		return fmt.Errorf("checkpoint %s belongs to output %s, not %s", id, cp.Output, output)
	}
	return nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
