package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/trialflow/trialflow/internal/pool"
	"github.com/trialflow/trialflow/pkg/checkpoint"
	"github.com/trialflow/trialflow/pkg/container"
	"github.com/trialflow/trialflow/pkg/defaults/metrics"
	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/interfaces"
	"github.com/trialflow/trialflow/pkg/kernel"
	"github.com/trialflow/trialflow/pkg/metadata"
	"github.com/trialflow/trialflow/pkg/telemetry"
	"github.com/trialflow/trialflow/pkg/trial"
)

// ExecOptions configure an Executor.
type ExecOptions struct {
	// Parallel runs one task per trial on a pool of Workers goroutines.
	Parallel bool
	Workers  int

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics interfaces.MetricsExporter
	// Tags are attached to every metric.
	Tags map[string]string

	// Checkpoint, if set, lists trials finished by an earlier run. Their
	// extents are adopted instead of recomputed when the checksum matches,
	// and newly written trials are recorded in it.
	Checkpoint *checkpoint.Checkpoint

	// Progress is called after every trial settles.
	Progress func(done, total int)
}

// Executor computes every planned trial and writes it into the container.
// A failing trial never stops the others.
type Executor struct {
	plan     *Plan
	provider trial.Provider
	kernel   kernel.Kernel
	params   kernel.Params
	out      *container.Container
	opts     ExecOptions
	pool     *pool.Pool

	mu      sync.Mutex
	outcome *Outcome
}

// NewExecutor creates an executor for plan. out must have been created
// with plan's layout.
func NewExecutor(plan *Plan, p trial.Provider, k kernel.Kernel, params kernel.Params, out *container.Container, opts ExecOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopMetrics()
	}
	e := &Executor{
		plan:     plan,
		provider: p,
		kernel:   k,
		params:   params,
		out:      out,
		opts:     opts,
		outcome:  newOutcome(),
	}
	if opts.Parallel {
		e.pool = pool.New(opts.Workers)
	}
	return e
}

// Cluster returns the worker pool of a parallel executor, or nil.
func (e *Executor) Cluster() pool.Cluster {
	if e.pool == nil {
		return nil
	}
	return e.pool
}

// Execute runs all pending trials and blocks until every one has settled.
// The returned error is only set when ctx ended early; trial failures are
// reported in the Outcome.
func (e *Executor) Execute(ctx context.Context) (*Outcome, error) {
	pending := e.adopt()

	if e.pool == nil {
		for _, k := range pending {
			if ctx.Err() != nil {
				break
			}
			e.settle(k, e.runTrial(ctx, k))
		}
	} else {
		for _, k := range pending {
			if err := e.pool.Submit(ctx, func(ctx context.Context) {
				e.settle(k, e.runTrial(ctx, k))
			}); err != nil {
				break
			}
		}
		e.pool.Wait()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return e.outcome, errors.ContextCanceled("execute").
			WithContext("settled", e.outcome.Settled()).
			WithContext("trials", e.plan.Trials)
	}
	return e.outcome, nil
}

// adopt settles trials already written by an earlier run and returns the
// rest in trial order.
func (e *Executor) adopt() []int {
	var pending []int
	for k := 0; k < e.plan.Trials; k++ {
		if cp := e.opts.Checkpoint; cp != nil {
			if sum, ok := cp.Done(k); ok && e.out.Adopt(k, sum) {
				e.mu.Lock()
				e.outcome.Succeeded.Add(k)
				e.outcome.Skipped.Add(k)
				e.mu.Unlock()
				e.opts.Metrics.Counter(interfaces.MetricTrialsSkipped, 1, e.opts.Tags)
				e.opts.Logger.Debug("trial adopted from checkpoint", "trial", k)
				continue
			}
		}
		// Whatever an earlier run left for k is not trusted.
		e.out.Reset(k)
		pending = append(pending, k)
	}
	return pending
}

func (e *Executor) settle(k int, err error) {
	e.mu.Lock()
	if err == nil {
		e.outcome.Succeeded.Add(k)
	} else {
		e.outcome.Failed.Add(k)
		e.outcome.Errors[k] = err
	}
	done := e.outcome.Settled()
	e.mu.Unlock()

	if err == nil {
		e.opts.Metrics.Counter(interfaces.MetricTrialsSucceeded, 1, e.opts.Tags)
		if cp := e.opts.Checkpoint; cp != nil {
			if ext, xerr := e.out.Extent(k); xerr == nil {
				cp.MarkDone(k, ext.Checksum)
			}
		}
	} else {
		e.out.MarkFailed(k, err)
		e.opts.Metrics.Counter(interfaces.MetricTrialsFailed, 1, withTag(e.opts.Tags, interfaces.TagCode, string(errors.GetCode(err))))
		e.opts.Logger.Warn("trial failed", "trial", k, "kernel", e.kernel.Name(), "error", err)
	}
	if e.opts.Progress != nil {
		e.opts.Progress(done, e.plan.Trials)
	}
}

// runTrial reads, computes and writes trial k. Kernel panics are turned
// into errors for that trial.
func (e *Executor) runTrial(ctx context.Context, k int) (err error) {
	start := time.Now()
	ctx, span := telemetry.Start(ctx, e.opts.Tracer, "trialflow.trial",
		telemetry.AttrTrial.Int(k),
		telemetry.AttrKernel.String(e.kernel.Name()),
	)
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.CodePanic, "kernel panicked: %v", r).
				WithContext("trial", k).
				WithContext("kernel", e.kernel.Name())
		}
		telemetry.End(span, err)
		e.opts.Metrics.Timer(interfaces.MetricTrialDuration, time.Since(start), e.opts.Tags)
	}()

	data, err := e.provider.Trial(ctx, k)
	if err != nil {
		return err
	}

	out, err := e.kernel.Compute(ctx, kernel.Call{
		Trial:      k,
		Input:      data,
		TimeAxis:   e.plan.TimeAxis,
		ChunkShape: e.plan.Shape.Clone(),
		Params:     e.params,
	})
	if err != nil {
		return errors.TrialFailed(k, err)
	}
	if out.Data == nil {
		return errors.New(errors.CodeKernelFailed, "kernel returned no data").
			WithContext("trial", k)
	}

	want := e.plan.Shapes[k]
	if got := out.Data.Shape(); !got.Equal(want) {
		return errors.New(errors.CodeShapeViolation, "result shape differs from plan").
			WithContext("trial", k).
			WithContext("want", want.String()).
			WithContext("got", got.String())
	}
	if out.Data.DType() != e.plan.DType {
		return errors.New(errors.CodeShapeViolation, "result element type differs from plan").
			WithContext("trial", k).
			WithContext("want", e.plan.DType.String()).
			WithContext("got", out.Data.DType().String())
	}

	md, err := metadata.Stage(out.Metadata, k, 0)
	if err != nil {
		return err
	}
	if err := e.out.WriteSlab(ctx, k, out.Data, md); err != nil {
		return err
	}

	rows := out.Data.Len()
	span.SetAttributes(telemetry.AttrRows.Int(rows))
	e.opts.Metrics.Histogram(interfaces.MetricTrialRows, float64(rows), e.opts.Tags)
	e.opts.Logger.Debug("trial written", "trial", k, "rows", rows, "dur", time.Since(start))
	return nil
}

func withTag(tags map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for tk, tv := range tags {
		out[tk] = tv
	}
	out[k] = v
	return out
}
