// Package pipelines composes Queue, Registry, Safety, Adapter, and Watcher
// primitives into named, pre-validated multi-step workflows, each step
// recorded independently so a caller can see exactly where a run
// stopped, generalized from original_source/kiln/src/kiln/pipelines.py's
// step-by-step PipelineResult shape.
package pipelines

import (
	"context"
	"time"

	"github.com/kilnfleet/kiln/internal/eventbus"
	"github.com/kilnfleet/kiln/internal/logging"
	"github.com/kilnfleet/kiln/internal/printer"
	"github.com/kilnfleet/kiln/internal/queue"
	"github.com/kilnfleet/kiln/internal/registry"
	"github.com/kilnfleet/kiln/internal/safety"
	"github.com/kilnfleet/kiln/internal/watcher"
)

// Step is the outcome of one pipeline step.
type Step struct {
	Name             string
	Success          bool
	Message          string
	Data             map[string]any
	DurationSeconds  float64
}

// Result is a full pipeline run's outcome.
type Result struct {
	Pipeline              string
	Success               bool
	Message               string
	Steps                 []Step
	JobID                 string
	TotalDurationSeconds  float64
}

func (r *Result) appendStep(name string, success bool, message string, data map[string]any, start time.Time) Step {
	s := Step{Name: name, Success: success, Message: message, Data: data, DurationSeconds: time.Since(start).Seconds()}
	r.Steps = append(r.Steps, s)
	return s
}

func failAt(r *Result, start time.Time, message string) *Result {
	r.Success = false
	r.Message = message
	r.TotalDurationSeconds = time.Since(start).Seconds()
	return r
}

// Runner bundles the collaborators every pipeline composes from —
// constructed once at startup, no hidden initialization order (spec §9's
// "central Service struct" design note).
type Runner struct {
	Queue      *queue.Queue
	Registry   *registry.Registry
	Safety     *safety.Coordinator
	Watchers   *watcher.Registry
	Bus        *eventbus.Bus
	Log        *logging.Logger
}

// QuickPrintParams configures the quick_print pipeline.
type QuickPrintParams struct {
	FileName           string
	PrinterName        string
	SubmittedBy        string
	Priority           int
	Material           string
	TargetHotendC      *float64
	TargetBedC         *float64
	TemperatureToleranceC float64
	SkipIfPrinting     bool
}

// QuickPrint chains resolve-printer -> preflight -> upload -> submit ->
// start-print -> watch into one call, the pipeline a typical CLI/agent caller wants
// instead of driving each primitive by hand.
func (r *Runner) QuickPrint(ctx context.Context, p QuickPrintParams) *Result {
	start := time.Now()
	res := &Result{Pipeline: "quick_print", Success: true}

	adapter, err := r.Registry.Get(p.PrinterName)
	if err != nil {
		res.appendStep("resolve_printer", false, err.Error(), nil, start)
		return failAt(res, start, "pipeline failed resolving printer: "+err.Error())
	}
	res.appendStep("resolve_printer", true, "printer resolved", map[string]any{"printer": p.PrinterName}, start)

	preflightStart := time.Now()
	state, err := adapter.GetState(ctx)
	if err == nil && p.SkipIfPrinting && state.Status == printer.StatusPrinting {
		res.appendStep("preflight", true, "printer already printing; skip-if-printing honored", nil, preflightStart)
		return failAt(res, start, "skipped: printer already printing")
	}
	if pfErr := r.Safety.Preflight(ctx, p.PrinterName, adapter, safety.PreflightInput{
		Material: nonEmptyPtr(p.Material), TargetHotendC: p.TargetHotendC, TargetBedC: p.TargetBedC,
		ToleranceC: p.TemperatureToleranceC,
	}); pfErr != nil {
		res.appendStep("preflight", false, pfErr.Error(), nil, preflightStart)
		return failAt(res, start, "pipeline failed at preflight: "+pfErr.Error())
	}
	res.appendStep("preflight", true, "preflight passed", nil, preflightStart)

	uploadStart := time.Now()
	uploadResult, err := adapter.UploadFile(ctx, p.FileName)
	if err != nil {
		res.appendStep("upload", false, "upload failed: "+err.Error(), nil, uploadStart)
		return failAt(res, start, "pipeline failed at upload: "+err.Error())
	}
	res.appendStep("upload", true, "file uploaded", map[string]any{"remote_name": uploadResult.RemoteName}, uploadStart)

	submitStart := time.Now()
	job, err := r.Queue.Submit(ctx, p.FileName, &p.PrinterName, p.Priority, p.SubmittedBy, map[string]any{"material": p.Material})
	if err != nil {
		res.appendStep("submit", false, err.Error(), nil, submitStart)
		return failAt(res, start, "pipeline failed at submit: "+err.Error())
	}
	res.JobID = job.ID
	res.appendStep("submit", true, "job queued", map[string]any{"job_id": job.ID}, submitStart)

	printStart := time.Now()
	if _, err := r.Queue.MarkStarting(ctx, job.ID, p.PrinterName); err != nil {
		res.appendStep("start_print", false, err.Error(), nil, printStart)
		return failAt(res, start, "pipeline failed marking job starting: "+err.Error())
	}
	if err := adapter.StartPrint(ctx, uploadResult.RemoteName); err != nil {
		_, _ = r.Queue.MarkFailed(ctx, job.ID, err.Error())
		res.appendStep("start_print", false, err.Error(), nil, printStart)
		return failAt(res, start, "pipeline failed starting print: "+err.Error())
	}
	if _, err := r.Queue.MarkPrinting(ctx, job.ID); err != nil {
		res.appendStep("start_print", false, err.Error(), nil, printStart)
		return failAt(res, start, "pipeline failed marking job printing: "+err.Error())
	}
	res.appendStep("start_print", true, "print started", nil, printStart)

	watchStart := time.Now()
	if r.Watchers != nil && r.Bus != nil {
		r.Watchers.Start(ctx, job.ID, p.PrinterName, adapter, 5*time.Second, 24*time.Hour, r.Bus, r.Log)
		res.appendStep("watch", true, "watcher started", map[string]any{"watch_id": job.ID}, watchStart)
	}

	res.TotalDurationSeconds = time.Since(start).Seconds()
	return res
}

// CalibrateParams configures the calibrate pipeline.
type CalibrateParams struct {
	PrinterName string
	BedMeshProbe bool
}

// Calibrate runs home -> (optional) bed mesh -> report, the routine
// fleet-health check operators run between jobs.
func (r *Runner) Calibrate(ctx context.Context, p CalibrateParams) *Result {
	start := time.Now()
	res := &Result{Pipeline: "calibrate", Success: true}

	adapter, err := r.Registry.Get(p.PrinterName)
	if err != nil {
		res.appendStep("resolve_printer", false, err.Error(), nil, start)
		return failAt(res, start, "pipeline failed resolving printer: "+err.Error())
	}

	homeStart := time.Now()
	if ok, err := adapter.SendGcode(ctx, []string{"G28"}); err != nil || !ok {
		msg := "home failed"
		if err != nil {
			msg = err.Error()
		}
		res.appendStep("home", false, msg, nil, homeStart)
		return failAt(res, start, "pipeline failed homing: "+msg)
	}
	res.appendStep("home", true, "homed all axes", nil, homeStart)

	if p.BedMeshProbe {
		meshStart := time.Now()
		mesh, err := adapter.GetBedMesh(ctx)
		if err != nil {
			res.appendStep("bed_mesh", false, "bed mesh probe failed: "+err.Error(), nil, meshStart)
		} else {
			res.appendStep("bed_mesh", true, "bed mesh captured", map[string]any{"points": len(mesh.Points)}, meshStart)
		}
	}

	res.TotalDurationSeconds = time.Since(start).Seconds()
	return res
}

// BenchmarkParams configures the benchmark pipeline.
type BenchmarkParams struct {
	PrinterName   string
	BenchmarkFile string
	SubmittedBy   string
}

// Benchmark prints a fixed benchmark model end-to-end and reports
// timing, the routine new-printer-onboarding check.
func (r *Runner) Benchmark(ctx context.Context, p BenchmarkParams) *Result {
	quick := r.QuickPrint(ctx, QuickPrintParams{
		FileName: p.BenchmarkFile, PrinterName: p.PrinterName, SubmittedBy: p.SubmittedBy, Priority: 0,
	})
	quick.Pipeline = "benchmark"
	return quick
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
