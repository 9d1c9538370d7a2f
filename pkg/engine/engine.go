package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wardenhq/warden/pkg/instance"
	"github.com/wardenhq/warden/pkg/macro"
	"github.com/wardenhq/warden/pkg/notify"
	"github.com/wardenhq/warden/pkg/policy"
	"github.com/wardenhq/warden/pkg/tasks"
	"github.com/wardenhq/warden/pkg/telemetry"
)

// Options tune the engine.
type Options struct {
	// MaxLiveTasks bounds the registry; zero means unbounded.
	MaxLiveTasks int

	// RetentionWindow is how long terminal tasks stay readable before
	// eviction.
	RetentionWindow time.Duration

	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration

	// SubscriberBuffer is the default per-subscriber notification buffer.
	SubscriberBuffer int
}

func (o Options) withDefaults() Options {
	if o.RetentionWindow <= 0 {
		o.RetentionWindow = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = notify.DefaultSubscriberBuffer
	}
	return o
}

// Engine owns the task registry, dispatches operations onto their own
// goroutines and publishes their lifecycle to the notification bus. One
// engine instance lives for the lifetime of the hosting process.
type Engine struct {
	registry   *tasks.Registry
	bus        *notify.Bus
	bridge     *macro.Bridge
	policies   *policy.Engine
	supervisor instance.Supervisor
	macros     *macro.Store

	opts    Options
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  zerolog.Logger

	mu      sync.Mutex
	cancels map[tasks.ID]context.CancelFunc
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps are the collaborators an engine is wired with. Supervisor is
// required; Macros and Policies may be nil when macro support is disabled.
type Deps struct {
	Supervisor instance.Supervisor
	Bridge     *macro.Bridge
	Macros     *macro.Store
	Policies   *policy.Engine
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
	Logger     zerolog.Logger
}

// New creates an engine and starts its eviction sweep.
func New(opts Options, deps Deps) (*Engine, error) {
	if deps.Supervisor == nil {
		return nil, fmt.Errorf("engine requires a supervisor")
	}
	opts = opts.withDefaults()

	logger := deps.Logger.With().Str("component", "engine").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		registry:   tasks.NewRegistry(opts.MaxLiveTasks, deps.Logger),
		bus:        notify.NewBus(deps.Logger),
		bridge:     deps.Bridge,
		policies:   deps.Policies,
		supervisor: deps.Supervisor,
		macros:     deps.Macros,
		opts:       opts,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		logger:     logger,
		cancels:    make(map[tasks.ID]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}
	if e.metrics == nil {
		e.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	if e.tracer == nil {
		e.tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "warden", "dev", "test")
	}

	e.wg.Add(1)
	go e.sweepLoop()
	return e, nil
}

// SubmitTask accepts an operation, allocates its identity and starts it on
// its own goroutine. Macro submissions are resolved against the macro store
// and checked against capability policy before any script runs.
func (e *Engine) SubmitTask(ctx context.Context, kind tasks.Kind, owningInstance string) (tasks.ID, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, newError(ErrorClassRejected, "engine is shut down", nil)
	}

	var inst *instance.Instance

	if owningInstance != "" {
		snapshot, err := e.supervisor.Lookup(ctx, owningInstance)
		if err != nil {
			if errors.Is(err, instance.ErrNotFound) {
				return 0, newError(ErrorClassNotFound, fmt.Sprintf("instance %s", owningInstance), err)
			}
			return 0, newError(ErrorClassSupervisor, "instance lookup failed", err)
		}
		inst = &snapshot
	}

	switch kind.Type {
	case tasks.KindMacro:
		if kind.Macro == nil {
			return 0, newError(ErrorClassRejected, "macro kind without macro payload", nil)
		}
		if kind.Macro.Source == "" {
			if e.macros == nil {
				return 0, newError(ErrorClassRejected, "no macro store configured", nil)
			}
			src, ok := e.macros.Get(kind.Macro.Name)
			if !ok {
				return 0, newError(ErrorClassNotFound, fmt.Sprintf("macro %q", kind.Macro.Name), nil)
			}
			kind.Macro.Source = src
		}
		if err := e.checkMacroPolicy(ctx, kind, owningInstance); err != nil {
			return 0, err
		}

	case tasks.KindNative:
		if kind.Native == nil {
			return 0, newError(ErrorClassRejected, "native kind without operation payload", nil)
		}

	default:
		return 0, newError(ErrorClassRejected, fmt.Sprintf("unknown task kind %q", kind.Type), nil)
	}

	id, err := e.registry.Allocate(kind, owningInstance)
	if err != nil {
		return 0, newError(ErrorClassExhausted, "task allocation failed", err)
	}

	e.publish(notify.Notification{
		ID:         id.String(),
		Level:      notify.LevelInfo,
		State:      notify.StateOngoing,
		StartValue: startValue(kind, owningInstance),
		Message:    fmt.Sprintf("%s accepted", kind.Name()),
	})

	e.wg.Add(1)
	go e.run(id, kind, inst)
	return id, nil
}

// Cancel requests cooperative cancellation of a running task and reports
// whether the request had effect.
func (e *Engine) Cancel(id tasks.ID) bool {
	if !e.registry.RequestCancel(id) {
		return false
	}

	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return true
}

// GetTask returns a snapshot of one task.
func (e *Engine) GetTask(id tasks.ID) (tasks.Task, error) {
	t, err := e.registry.Get(id)
	if err != nil {
		return tasks.Task{}, newError(ErrorClassNotFound, fmt.Sprintf("task %d", id), err)
	}
	return t, nil
}

// ListTasks returns snapshots of all live tasks.
func (e *Engine) ListTasks() []tasks.Task {
	return e.registry.List()
}

// Subscribe attaches a notification subscriber.
func (e *Engine) Subscribe() *notify.Subscription {
	e.metrics.SubscriberAttached(1)
	return e.bus.Subscribe(notify.SubscribeOptions{
		Buffer:  e.opts.SubscriberBuffer,
		OnClose: func() { e.metrics.SubscriberAttached(-1) },
		OnLag:   e.metrics.SubscriberLagged,
	})
}

// Close cancels all running tasks, waits for them to settle and shuts the
// bus down.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.bus.Close()
}

// run executes one task to its terminal state. Exactly one terminal
// notification is published per task on every path.
func (e *Engine) run(id tasks.ID, kind tasks.Kind, inst *instance.Instance) {
	defer e.wg.Done()

	taskCtx, cancelTask := context.WithCancel(e.ctx)
	e.mu.Lock()
	e.cancels[id] = cancelTask
	e.mu.Unlock()
	defer func() {
		cancelTask()
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
	}()

	if err := e.registry.MarkRunning(id); err != nil {
		e.logger.Error().Err(err).Uint64("task_id", uint64(id)).Msg("Failed to start task")
		return
	}
	e.metrics.TaskStarted(string(kind.Type))
	started := time.Now()

	spanCtx, span := e.tracer.Start(taskCtx, "task.run",
		attribute.Int64("task.id", int64(id)),
		attribute.String("task.kind", string(kind.Type)),
		attribute.String("task.name", kind.Name()),
	)
	defer span.End()

	err := e.dispatch(spanCtx, id, kind, inst)
	duration := time.Since(started)

	switch {
	case err == nil:
		if markErr := e.registry.MarkDone(id); markErr != nil {
			e.logger.Error().Err(markErr).Uint64("task_id", uint64(id)).Msg("Failed to complete task")
		}
		e.metrics.TaskCompleted(string(kind.Type), "done", duration)

	case errors.Is(err, macro.ErrCancelled) || errors.Is(err, context.Canceled):
		e.failTask(id, kind, "cancelled", notify.LevelWarning)
		e.metrics.TaskCompleted(string(kind.Type), "cancelled", duration)

	default:
		e.failTask(id, kind, err.Error(), notify.LevelError)
		e.metrics.TaskCompleted(string(kind.Type), "failed", duration)
	}
}

// dispatch routes a task to its execution strategy. Both arms share the
// task and notification contract; only the body differs.
func (e *Engine) dispatch(ctx context.Context, id tasks.ID, kind tasks.Kind, inst *instance.Instance) error {
	switch kind.Type {
	case tasks.KindMacro:
		return e.runMacro(ctx, id, kind, inst)
	case tasks.KindNative:
		return e.runNative(ctx, id, kind, inst)
	default:
		return newError(ErrorClassRejected, fmt.Sprintf("unknown task kind %q", kind.Type), nil)
	}
}

func (e *Engine) runMacro(ctx context.Context, id tasks.ID, kind tasks.Kind, inst *instance.Instance) error {
	if e.bridge == nil {
		return newError(ErrorClassRejected, "no macro bridge configured", nil)
	}

	m := kind.Macro
	sv := startValue(kind, owningUUID(inst))
	started := time.Now()

	err := e.bridge.Execute(ctx, macro.Run{
		TaskID:       id,
		MacroName:    m.Name,
		Source:       m.Source,
		Args:         m.Args,
		Capabilities: m.Capabilities,
		Instance:     inst,
		ReportProgress: func(completed, total uint64) {
			if markErr := e.registry.MarkProgress(id, completed, total); markErr != nil {
				return
			}
			e.publish(notify.Notification{
				ID:         id.String(),
				Level:      notify.LevelInfo,
				State:      notify.StateOngoing,
				StartValue: sv,
				Progress:   completed,
				Total:      total,
			})
		},
	})

	switch {
	case err == nil:
		e.metrics.SandboxRun("done", time.Since(started))
		e.publish(notify.Notification{
			ID:         id.String(),
			Level:      notify.LevelInfo,
			State:      notify.StateDone,
			StartValue: sv,
			Message:    fmt.Sprintf("macro %s finished", m.Name),
		})
		return nil

	case errors.Is(err, macro.ErrCancelled):
		e.metrics.SandboxRun("cancelled", time.Since(started))
		return err

	default:
		e.metrics.SandboxRun("failed", time.Since(started))
		return newError(ErrorClassSandbox, fmt.Sprintf("macro %s failed", m.Name), err)
	}
}

// failTask moves a task to Failed and publishes its terminal notification.
func (e *Engine) failTask(id tasks.ID, kind tasks.Kind, reason string, level notify.Level) {
	if err := e.registry.MarkFailed(id, reason); err != nil {
		e.logger.Error().Err(err).Uint64("task_id", uint64(id)).Msg("Failed to fail task")
		return
	}

	t, err := e.registry.Get(id)
	owner := ""
	if err == nil {
		owner = t.OwningInstance
	}
	e.publish(notify.Notification{
		ID:         id.String(),
		Level:      level,
		State:      notify.StateDone,
		StartValue: startValue(kind, owner),
		Message:    reason,
	})
}

func (e *Engine) checkMacroPolicy(ctx context.Context, kind tasks.Kind, owningInstance string) error {
	if e.policies == nil {
		return nil
	}

	result, err := e.policies.Evaluate(ctx, policy.MacroFacts{
		Name:         kind.Macro.Name,
		Capabilities: kind.Macro.Capabilities,
		InstanceUUID: owningInstance,
		SourceBytes:  len(kind.Macro.Source),
	})
	if err != nil {
		return newError(ErrorClassRejected, "policy evaluation failed", err)
	}

	for _, v := range result.Violations {
		e.logger.Warn().
			Str("policy", v.Policy).
			Str("severity", string(v.Severity)).
			Str("macro", kind.Macro.Name).
			Msg(v.Message)
	}
	if !result.Allowed {
		return newError(ErrorClassRejected, fmt.Sprintf("macro %s denied by policy", kind.Macro.Name), nil)
	}
	return nil
}

// publish forwards to the bus and counts the publish.
func (e *Engine) publish(n notify.Notification) {
	e.metrics.NotificationPublished(string(n.Level))
	e.bus.Publish(n)
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.opts.RetentionWindow)
			for _, id := range e.registry.EvictTerminalBefore(cutoff) {
				e.bus.Forget(id.String())
				e.logger.Debug().Uint64("task_id", uint64(id)).Msg("Evicted terminal task")
			}
			e.metrics.SetTasksLive(e.registry.Len())
		}
	}
}

// startValue derives the notification start value for a task kind.
func startValue(kind tasks.Kind, owner string) notify.StartValue {
	switch kind.Type {
	case tasks.KindMacro:
		return notify.StartValue{
			Kind: notify.StartMacroRun,
			MacroRun: &notify.MacroRun{
				MacroName:    kind.Macro.Name,
				InstanceUUID: owner,
			},
		}

	case tasks.KindNative:
		switch kind.Native.Name {
		case OpCreateInstance:
			sv := notify.StartValue{
				Kind:             notify.StartInstanceCreation,
				InstanceCreation: &notify.InstanceCreation{InstanceUUID: owner},
			}
			var params instance.CreateParams
			if decodeParams(kind.Native.Params, &params) == nil {
				sv.InstanceCreation.InstanceName = params.Name
				sv.InstanceCreation.Port = params.Port
				sv.InstanceCreation.Flavour = string(params.Flavour)
				sv.InstanceCreation.GameType = params.GameType
			}
			return sv

		case OpRemoveInstance:
			return notify.StartValue{
				Kind:             notify.StartInstanceDeletion,
				InstanceDeletion: &notify.InstanceDeletion{InstanceUUID: owner},
			}
		}

		return notify.StartValue{
			Kind: notify.StartNativeOp,
			NativeOp: &notify.NativeOp{
				Name:         kind.Native.Name,
				InstanceUUID: owner,
			},
		}
	}
	return notify.StartValue{Kind: notify.StartNativeOp, NativeOp: &notify.NativeOp{}}
}

func owningUUID(inst *instance.Instance) string {
	if inst == nil {
		return ""
	}
	return inst.UUID
}

// decodeParams converts the loosely-typed parameter map of a native kind
// into its typed form.
func decodeParams(params map[string]any, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
