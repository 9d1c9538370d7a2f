// Package macro runs user-authored automation scripts inside an isolated
// Starlark interpreter. Each run gets a fresh interpreter instance and a
// fixed, versioned binding table back into the managing process; the script
// has no ambient access to anything else.
package macro

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/wardenhq/warden/pkg/instance"
	"github.com/wardenhq/warden/pkg/tasks"
)

// CapabilityInstanceControl gates the bindings that reach the process
// supervisor (send_command, start_instance, stop_instance). A macro must
// declare it to use them.
const CapabilityInstanceControl = "instance_control"

var (
	// ErrCancelled reports a run stopped by a cancellation request rather
	// than a script fault.
	ErrCancelled = errors.New("macro cancelled")

	// ErrBudgetExceeded reports a run stopped by the wall-clock or
	// execution-step budget.
	ErrBudgetExceeded = errors.New("macro budget exceeded")
)

// Options tune the bridge. Zero values fall back to the listed defaults.
type Options struct {
	// Timeout is the wall-clock budget per run. Default 5m.
	Timeout time.Duration

	// MaxSteps is the interpreter step budget per run. Default 10M.
	MaxSteps uint64

	// CancelGracePeriod bounds how long a cancelled script may keep running
	// before the bridge abandons it and reports the run failed. Default 2s.
	CancelGracePeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.MaxSteps == 0 {
		o.MaxSteps = 10_000_000
	}
	if o.CancelGracePeriod <= 0 {
		o.CancelGracePeriod = 2 * time.Second
	}
	return o
}

// Bridge executes macros. It is safe for concurrent use; runs never share
// interpreter state.
type Bridge struct {
	version    string
	supervisor instance.Supervisor
	opts       Options
	logger     zerolog.Logger
}

// NewBridge creates a bridge. version is what product_version() reports to
// scripts; supervisor backs the instance-control bindings and may be nil if
// no macro will declare that capability.
func NewBridge(version string, supervisor instance.Supervisor, opts Options, logger zerolog.Logger) *Bridge {
	return &Bridge{
		version:    version,
		supervisor: supervisor,
		opts:       opts.withDefaults(),
		logger:     logger.With().Str("component", "macro-bridge").Logger(),
	}
}

// Run is one macro execution bound to exactly one task.
type Run struct {
	TaskID       tasks.ID
	MacroName    string
	Source       string
	Args         []string
	Capabilities []string

	// Instance is the owning instance's snapshot, nil for unbound macros.
	Instance *instance.Instance

	// ReportProgress is invoked by the report_progress binding. May be nil.
	ReportProgress func(completed, total uint64)
}

// Execute compiles and runs the script. A script fault (compile error,
// uncaught error, bad binding arguments, budget overrun) comes back as an
// error; cancellation comes back as ErrCancelled. Interpreter teardown is
// unconditional on every path.
func (b *Bridge) Execute(ctx context.Context, run Run) error {
	runCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "macro-" + run.TaskID.String(),
		Print: func(_ *starlark.Thread, msg string) {
			b.logger.Debug().
				Uint64("task_id", uint64(run.TaskID)).
				Str("macro", run.MacroName).
				Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(b.opts.MaxSteps)

	done := make(chan error, 1)
	go func() {
		_, err := starlark.ExecFile(thread, run.MacroName+".star", run.Source, b.bindings(runCtx, run))
		done <- err
	}()

	select {
	case err := <-done:
		return b.classify(ctx, runCtx, err)

	case <-runCtx.Done():
		// Interrupt the interpreter at its next safepoint and give the
		// script a bounded grace period to unwind.
		thread.Cancel("cancelled")

		select {
		case <-done:
		case <-time.After(b.opts.CancelGracePeriod):
			b.logger.Error().
				Uint64("task_id", uint64(run.TaskID)).
				Str("macro", run.MacroName).
				Dur("grace_period", b.opts.CancelGracePeriod).
				Msg("Macro did not stop within grace period, abandoning")
		}
		return b.classify(ctx, runCtx, runCtx.Err())
	}
}

// CheckSource compiles a script without executing it, reporting syntax
// errors. No binding resolution happens, so it is safe on untrusted input.
func CheckSource(name, source string) error {
	_, _, err := starlark.SourceProgram(name, source, func(string) bool { return false })
	if err != nil {
		return fmt.Errorf("macro %s does not compile: %w", name, err)
	}
	return nil
}

// Check compiles the script without executing it, reporting syntax errors.
func (b *Bridge) Check(name, source string) error {
	return CheckSource(name+".star", source)
}

// classify maps an interpreter result onto the bridge's error taxonomy:
// caller cancellation wins, then the run budget, then script faults.
func (b *Bridge) classify(ctx, runCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: wall clock limit %s", ErrBudgetExceeded, b.opts.Timeout)
	}
	if err == nil {
		return nil
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Errorf("macro error: %s", evalErr.Backtrace())
	}
	return fmt.Errorf("macro error: %w", err)
}
