// Package engine executes a branch's agent assignments inside its session
// tree, either sequentially or as a bounded parallel fan-out. Failures are
// isolated: one assignment failing never cancels its siblings, and every
// outcome is reported so the branch can decide what the whole run means.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"braid.dev/braid/internal/models"
)

const (
	// DefaultTimeout bounds a single assignment's run.
	DefaultTimeout = 300 * time.Second

	// DefaultMaxConcurrent is the parallel fan-out width when none is set.
	DefaultMaxConcurrent = 4

	// MaxConcurrent caps the parallel fan-out width.
	MaxConcurrent = 8
)

// Runner executes one assignment inside the session working tree and returns
// its output.
type Runner interface {
	Run(ctx context.Context, assignment *models.AgentAssignment, sessionPath string) (string, error)
}

// UpdateFunc observes assignment mutations (running, then terminal). It is
// called synchronously from worker goroutines; it may be nil.
type UpdateFunc func(assignment *models.AgentAssignment)

// Result holds the outcome of a single assignment after execution.
type Result struct {
	Assignment *models.AgentAssignment
	Output     string
	Err        error
	Duration   time.Duration
}

// Engine runs assignments through a Runner.
type Engine struct {
	runner  Runner
	timeout time.Duration
}

// Options configures an Engine.
type Options struct {
	// Timeout bounds each assignment; zero means DefaultTimeout.
	Timeout time.Duration
}

// New creates an Engine backed by runner.
func New(runner Runner, opts Options) *Engine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{runner: runner, timeout: timeout}
}

// Execute runs every assignment inside one shared session tree and collects
// their results in input order. Sequential strategy runs one at a time in
// order; parallel fans out up to maxConcurrent workers (clamped to
// MaxConcurrent). All results are returned regardless of individual failures.
func (e *Engine) Execute(ctx context.Context, strategy models.ExecutionStrategy, maxConcurrent int, assignments []*models.AgentAssignment, sessionPath string, onUpdate UpdateFunc) []Result {
	paths := make([]string, len(assignments))
	for i := range paths {
		paths[i] = sessionPath
	}
	return e.ExecuteIn(ctx, strategy, maxConcurrent, assignments, paths, onUpdate)
}

// ExecuteIn is Execute with one working tree per assignment; paths[i] is
// where assignments[i] runs. Used for branches whose agents each get their
// own session.
func (e *Engine) ExecuteIn(ctx context.Context, strategy models.ExecutionStrategy, maxConcurrent int, assignments []*models.AgentAssignment, paths []string, onUpdate UpdateFunc) []Result {
	limit := maxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	if limit > MaxConcurrent {
		limit = MaxConcurrent
	}
	if strategy != models.ExecutionParallel {
		limit = 1
	}

	results := make([]Result, len(assignments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, a := range assignments {
		g.Go(func() error {
			results[i] = e.runOne(gctx, a, paths[i], onUpdate)
			return nil // failures stay in the result; siblings keep running
		})
	}

	_ = g.Wait()
	return results
}

// runOne drives a single assignment through running to a terminal status,
// emitting an update at each step.
func (e *Engine) runOne(ctx context.Context, a *models.AgentAssignment, sessionPath string, onUpdate UpdateFunc) Result {
	if ctx.Err() != nil {
		a.Status = models.AssignmentCancelled
		a.Error = ctx.Err().Error()
		emit(onUpdate, a)
		return Result{Assignment: a, Err: ctx.Err()}
	}

	started := time.Now().UTC()
	a.Status = models.AssignmentRunning
	a.StartedAt = &started
	emit(onUpdate, a)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	output, err := e.runner.Run(runCtx, a, sessionPath)

	finished := time.Now().UTC()
	a.CompletedAt = &finished

	switch {
	case err == nil:
		a.Status = models.AssignmentCompleted
		a.Output = output
	case errors.Is(err, context.Canceled):
		a.Status = models.AssignmentCancelled
		a.Error = err.Error()
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("assignment %s timed out after %s: %w", a.ID, e.timeout, err)
		}
		a.Status = models.AssignmentFailed
		a.Error = err.Error()
	}
	emit(onUpdate, a)

	return Result{Assignment: a, Output: output, Err: err, Duration: finished.Sub(started)}
}

func emit(onUpdate UpdateFunc, a *models.AgentAssignment) {
	if onUpdate != nil {
		onUpdate(a)
	}
}

// ToAgentResults converts execution results into the per-agent outcomes
// embedded in a branch result.
func ToAgentResults(results []Result) []models.AgentResult {
	out := make([]models.AgentResult, 0, len(results))
	for _, r := range results {
		ar := models.AgentResult{
			AgentID:    r.Assignment.AgentID,
			TaskID:     r.Assignment.TaskID,
			Status:     r.Assignment.Status,
			Output:     r.Output,
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			ar.Error = r.Err.Error()
		}
		out = append(out, ar)
	}
	return out
}
