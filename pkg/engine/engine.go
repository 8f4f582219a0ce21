package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/trialflow/trialflow/internal/pool"
	"github.com/trialflow/trialflow/pkg/checkpoint"
	"github.com/trialflow/trialflow/pkg/container"
	"github.com/trialflow/trialflow/pkg/defaults/metrics"
	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/interfaces"
	"github.com/trialflow/trialflow/pkg/kernel"
	"github.com/trialflow/trialflow/pkg/telemetry"
	"github.com/trialflow/trialflow/pkg/trial"
	"github.com/trialflow/trialflow/pkg/trialdef"
	"github.com/trialflow/trialflow/pkg/writer"
)

// Options configure an Engine.
type Options struct {
	Logger *slog.Logger

	Parallel bool
	Workers  int

	// Cluster overrides the worker availability used for the quorum check.
	// By default the executor's own pool is used.
	Cluster        pool.Cluster
	QuorumTimeout  time.Duration
	QuorumExponent float64

	Metrics interfaces.MetricsExporter
	Tracer  trace.Tracer

	// Checkpoints enables resuming interrupted jobs.
	Checkpoints        checkpoint.Backend
	CheckpointInterval time.Duration

	// Rounding applies to the reconciled sampling rate.
	Rounding trialdef.Rounding

	Progress func(done, total int)
}

// DefaultOptions returns sequential execution with default rounding.
func DefaultOptions() Options {
	return Options{
		Logger:             slog.Default(),
		Workers:            runtime.NumCPU(),
		QuorumTimeout:      30 * time.Second,
		QuorumExponent:     pool.DefaultQuorumExponent,
		Metrics:            metrics.NewNoopMetrics(),
		CheckpointInterval: 5 * time.Second,
		Rounding:           trialdef.DefaultRounding(),
	}
}

// Job is one kernel applied to every selected trial of one input.
type Job struct {
	// ID names the job. A new ID is generated if empty.
	ID string
	// Input identifies the source for checkpoint matching.
	Input    string
	Provider trial.Provider
	Kernel   kernel.Kernel
	Params   kernel.Params
	// Policy tells the reconciler how the kernel maps samples to rows.
	// Policy.KeepTrials false averages the trials.
	Policy    trialdef.Policy
	OutputDir string
	Dataset   string
	Writer    writer.Config
}

func (j *Job) validate() error {
	switch {
	case j.Provider == nil:
		return errors.New(errors.CodeInvalidParams, "job has no trial provider")
	case j.Kernel == nil:
		return errors.New(errors.CodeInvalidParams, "job has no kernel")
	case j.OutputDir == "":
		return errors.New(errors.CodeInvalidParams, "job has no output directory")
	}
	return nil
}

func (j *Job) combine() Combine {
	if j.Policy.KeepTrials {
		return CombineConcat
	}
	return CombineAverage
}

// Engine runs jobs.
type Engine struct {
	opts Options
	log  *slog.Logger
}

// New creates an engine. Zero option fields take their defaults.
func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QuorumTimeout <= 0 {
		opts.QuorumTimeout = def.QuorumTimeout
	}
	if opts.QuorumExponent <= 0 {
		opts.QuorumExponent = def.QuorumExponent
	}
	if opts.Metrics == nil {
		opts.Metrics = def.Metrics
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = def.CheckpointInterval
	}
	if opts.Rounding == (trialdef.Rounding{}) {
		opts.Rounding = def.Rounding
	}
	return &Engine{opts: opts, log: opts.Logger}
}

// Plan performs the dry run of job without touching the output.
func (e *Engine) Plan(ctx context.Context, job *Job) (*Plan, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := telemetry.Start(ctx, e.opts.Tracer, "trialflow.plan",
		telemetry.AttrKernel.String(job.Kernel.Name()),
		telemetry.AttrTrials.Int(job.Provider.NumTrials()),
	)
	plan, err := DryRun(ctx, job.Provider, job.Kernel, job.Params, job.combine())
	telemetry.End(span, err)
	e.opts.Metrics.Timer(interfaces.MetricPlanDuration, time.Since(start), map[string]string{
		interfaces.TagKernel: job.Kernel.Name(),
	})
	return plan, err
}

// Run plans, executes and finalizes job. Configuration and I/O errors
// abort the job before or after execution. If some trials fail, the
// container is still finalized with the others and the returned error is
// a CodeJobFailed error; the Result is returned in both cases.
func (e *Engine) Run(ctx context.Context, job *Job) (*Result, error) {
	started := time.Now()
	if err := job.validate(); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	tags := map[string]string{
		interfaces.TagJobID:  job.ID,
		interfaces.TagKernel: job.Kernel.Name(),
		interfaces.TagMode:   e.mode(),
	}
	log := e.log.With("job", job.ID, "kernel", job.Kernel.Name())

	ctx, span := telemetry.Start(ctx, e.opts.Tracer, "trialflow.job",
		telemetry.AttrJob.String(job.ID),
		telemetry.AttrKernel.String(job.Kernel.Name()),
		telemetry.AttrMode.String(e.mode()),
	)
	res, err := e.run(ctx, job, log, tags)
	telemetry.End(span, err)

	if res != nil {
		res.Duration = time.Since(started)
	}
	e.opts.Metrics.Timer(interfaces.MetricJobDuration, time.Since(started), tags)
	if err != nil {
		e.opts.Metrics.Counter(interfaces.MetricJobsFailed, 1, tags)
		log.Error("job failed", "phase", "done", "error", err, "dur", time.Since(started))
	} else {
		e.opts.Metrics.Counter(interfaces.MetricJobsCompleted, 1, tags)
		log.Info("job complete", "phase", "done", "rows", res.Plan.Rows(), "dur", time.Since(started))
	}
	_ = e.opts.Metrics.Flush()
	return res, err
}

func (e *Engine) mode() string {
	if e.opts.Parallel {
		return "parallel"
	}
	return "sequential"
}

func (e *Engine) run(ctx context.Context, job *Job, log *slog.Logger, tags map[string]string) (*Result, error) {
	e.opts.Metrics.Counter(interfaces.MetricJobsStarted, 1, tags)

	log.Info("planning", "phase", "plan", "trials", job.Provider.NumTrials())
	plan, err := e.Plan(ctx, job)
	if err != nil {
		return nil, err
	}

	cp, err := e.checkpoint(ctx, job, plan, log)
	if err != nil {
		return nil, err
	}

	out, err := container.Create(job.OutputDir, container.Layout{
		Dataset: job.Dataset,
		DType:   plan.DType,
		Shape:   plan.Shape,
		Slabs:   plan.Slabs,
		Dimord:  plan.Dimord(),
		Kernel:  plan.Kernel,
		Writer:  job.Writer,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		JobID:     job.ID,
		Plan:      plan,
		Container: out,
	}

	exec := NewExecutor(plan, job.Provider, job.Kernel, job.Params, out, ExecOptions{
		Parallel:   e.opts.Parallel,
		Workers:    e.opts.Workers,
		Logger:     log,
		Tracer:     e.opts.Tracer,
		Metrics:    e.opts.Metrics,
		Tags:       tags,
		Checkpoint: cp,
		Progress:   e.opts.Progress,
	})

	if e.opts.Parallel {
		if w := e.quorum(ctx, exec, log); w != "" {
			res.Warnings = append(res.Warnings, w)
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.ContextCanceled("wait for workers")
		}
	}

	var stopAutoSave func() error
	if cp != nil {
		cp.SetPhase(checkpoint.PhaseExecuting)
		stopAutoSave = checkpoint.StartAutoSave(ctx, e.opts.Checkpoints, cp, e.opts.CheckpointInterval)
	}

	log.Info("executing", "phase", "execute", "rows", plan.Rows(), "trials", plan.Trials)
	execCtx, execSpan := telemetry.Start(ctx, e.opts.Tracer, "trialflow.execute",
		telemetry.AttrTrials.Int(plan.Trials),
		telemetry.AttrWorkers.Int(e.opts.Workers),
	)
	outcome, execErr := exec.Execute(execCtx)
	telemetry.End(execSpan, execErr)

	res.Succeeded = outcome.Succeeded
	res.Failed = outcome.Failed
	res.Skipped = outcome.Skipped
	res.Errors = outcome.Errors

	if cp != nil {
		if outcome.Failed.Len() > 0 {
			cp.SetPhase(checkpoint.PhaseFailed)
		}
		if err := stopAutoSave(); err != nil {
			log.Warn("checkpoint save failed", "error", err)
		}
	}
	if execErr != nil {
		if err := out.Save(); err != nil {
			log.Warn("manifest save failed", "error", err)
		}
		return res, execErr
	}

	if err := e.finalize(ctx, job, plan, out, res, log); err != nil {
		return res, err
	}

	if cp != nil && outcome.Failed.Len() == 0 {
		cp.SetPhase(checkpoint.PhaseComplete)
		if err := e.opts.Checkpoints.Save(context.WithoutCancel(ctx), cp); err != nil {
			log.Warn("checkpoint save failed", "error", err)
		}
	}
	e.opts.Metrics.Gauge(interfaces.MetricContainerRows, float64(res.Container.Shape()[0]), tags)
	return res, res.Err()
}

// checkpoint resumes a matching incomplete checkpoint for the output
// directory or starts a new one. It returns nil when checkpoints are off.
func (e *Engine) checkpoint(ctx context.Context, job *Job, plan *Plan, log *slog.Logger) (*checkpoint.Checkpoint, error) {
	b := e.opts.Checkpoints
	if b == nil {
		return nil, nil
	}
	fp, err := fingerprint(job, plan)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidParams, "fingerprint job")
	}
	prev, err := b.FindByOutput(ctx, job.OutputDir)
	switch {
	case err == nil && prev.Matches(job.Input, plan.Kernel, fp, plan.Trials):
		log.Info("resuming job", "phase", "plan", "from", prev.ID, "done", prev.Completed.Len())
		job.ID = prev.ID
		return prev, nil
	case err == nil:
		log.Warn("ignoring checkpoint for a different job", "phase", "plan", "checkpoint", prev.ID)
	case !stderrors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to look up checkpoint: %w", err)
	}

	cp := checkpoint.New(job.ID, job.Input, job.OutputDir, plan.Kernel, fp, plan.Trials)
	if err := b.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return cp, nil
}

// fingerprint digests what decides the content of each extent apart from
// the input itself: kernel parameters, the trial, channel and time
// selection, the reconciliation policy and the planned layout.
func fingerprint(job *Job, plan *Plan) (string, error) {
	p := job.Provider
	times := make([]*trial.Index, plan.Trials)
	var channels *trial.Index
	for k := range times {
		ph, err := p.Preview(k)
		if err != nil {
			return "", err
		}
		times[k] = ph.Time
		channels = ph.Channel
	}
	policy := job.Policy
	policy.Rounding = trialdef.Rounding{}

	return checkpoint.Fingerprint(
		job.Params,
		p.Selected(),
		times,
		channels,
		p.Channels(),
		p.TrialDefinition().Rows(),
		p.SampleRate(),
		p.TimeAxis(),
		policy,
		job.Dataset,
		plan.DType.String(),
		plan.Shapes,
		plan.Slabs,
	)
}

// quorum waits for enough workers and returns a warning on shortfall.
func (e *Engine) quorum(ctx context.Context, exec *Executor, log *slog.Logger) string {
	cluster := e.opts.Cluster
	if cluster == nil {
		cluster = exec.Cluster()
	}
	alive, err := pool.WaitForQuorum(ctx, cluster, pool.QuorumOptions{
		Exponent: e.opts.QuorumExponent,
		Timeout:  e.opts.QuorumTimeout,
		OnWait: func(alive, need, requested int) {
			log.Info("waiting for workers", "phase", "execute", "alive", alive, "need", need, "requested", requested)
		},
	})
	e.opts.Metrics.Gauge(interfaces.MetricWorkersAlive, float64(alive), nil)
	if err != nil && errors.IsCode(err, errors.CodeQuorumShortfall) {
		msg := fmt.Sprintf("only %d of %d requested workers available", alive, cluster.Requested())
		log.Warn(msg, "phase", "execute")
		return msg
	}
	return ""
}

// finalize reconciles the trial definition, merges metadata, averages if
// requested and writes the manifest.
func (e *Engine) finalize(ctx context.Context, job *Job, plan *Plan, out *container.Container, res *Result, log *slog.Logger) error {
	policy := job.Policy
	policy.Rounding = e.opts.Rounding
	rec, err := trialdef.Reconcile(job.Provider.TrialDefinition(), policy, job.Provider.SampleRate())
	if err != nil {
		return err
	}
	res.TrialDefinition = rec.Table
	res.SampleRate = rec.SampleRate
	res.Warnings = append(res.Warnings, rec.Warnings...)
	if w := coverage(rec.Table, plan); w != "" {
		res.Warnings = append(res.Warnings, w)
	}
	for _, w := range rec.Warnings {
		log.Warn(w, "phase", "finalize")
	}

	merged, err := out.Metadata(ctx)
	if err != nil {
		return err
	}

	if plan.Combine == CombineAverage && res.Succeeded.Len() > 0 {
		if err := out.Average(ctx); err != nil {
			return err
		}
	}

	return out.Finalize(container.Finalization{
		TrialDefinition: rec.Table.Rows(),
		SampleRate:      rec.SampleRate,
		Labels:          labels(job),
		Warnings:        res.Warnings,
		Failed:          res.Failed.Slice(),
		Metadata:        merged,
	})
}

// coverage reports when the reconciled table does not describe the rows
// the kernel produced.
func coverage(t *trialdef.Table, plan *Plan) string {
	var rows int
	for _, n := range t.Lengths() {
		rows += n
	}
	want := plan.ResultShape()[0]
	if rows == want {
		return ""
	}
	return fmt.Sprintf("reconciled trial definition covers %d rows but the output has %d", rows, want)
}

// labels collects dimension labels: channel names from the provider and
// whatever the kernel reports.
func labels(job *Job) map[string][]string {
	out := map[string][]string{
		"channel": job.Provider.Channels(),
	}
	if l, ok := job.Kernel.(kernel.Labeler); ok {
		for dim, names := range l.DimLabels(job.Params) {
			out[dim] = names
		}
	}
	return out
}
