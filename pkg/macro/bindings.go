package macro

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// bindings builds the predeclared environment for one run. The table is
// immutable for the lifetime of the execution; adding bindings must not
// change existing call signatures.
func (b *Bridge) bindings(ctx context.Context, run Run) starlark.StringDict {
	args := make([]starlark.Value, len(run.Args))
	for i, a := range run.Args {
		args[i] = starlark.String(a)
	}

	dict := starlark.StringDict{
		"args":                  starlark.NewList(args),
		"current_task_id":       starlark.NewBuiltin("current_task_id", currentTaskID(run)),
		"current_instance_uuid": starlark.NewBuiltin("current_instance_uuid", currentInstanceUUID(run)),
		"product_version":       starlark.NewBuiltin("product_version", productVersion(b.version)),
		"instance_info":         starlark.NewBuiltin("instance_info", instanceInfo(run)),
		"report_progress":       starlark.NewBuiltin("report_progress", reportProgress(run)),
		"delay_ms":              starlark.NewBuiltin("delay_ms", delayMillis(ctx)),
	}

	if hasCapability(run.Capabilities, CapabilityInstanceControl) {
		dict["send_command"] = starlark.NewBuiltin("send_command", b.sendCommand(ctx, run))
		dict["start_instance"] = starlark.NewBuiltin("start_instance", b.startInstance(ctx, run))
		dict["stop_instance"] = starlark.NewBuiltin("stop_instance", b.stopInstance(ctx, run))
	}

	return dict
}

type builtinFn = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func currentTaskID(run Run) builtinFn {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
			return nil, err
		}
		return starlark.String(run.TaskID.String()), nil
	}
}

func currentInstanceUUID(run Run) builtinFn {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
			return nil, err
		}
		if run.Instance == nil {
			return starlark.None, nil
		}
		return starlark.String(run.Instance.UUID), nil
	}
}

func productVersion(version string) builtinFn {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
			return nil, err
		}
		return starlark.String(version), nil
	}
}

func instanceInfo(run Run) builtinFn {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
			return nil, err
		}
		if run.Instance == nil {
			return starlark.None, nil
		}
		return toStarlarkValue(map[string]any{
			"uuid":      run.Instance.UUID,
			"name":      run.Instance.Name,
			"port":      int64(run.Instance.Port),
			"flavour":   string(run.Instance.Flavour),
			"game_type": run.Instance.GameType,
			"state":     string(run.Instance.State),
		})
	}
}

func reportProgress(run Run) builtinFn {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var completed, total int64
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "completed", &completed, "total", &total); err != nil {
			return nil, err
		}
		if completed < 0 || total < 0 {
			return nil, fmt.Errorf("%s: negative progress", fn.Name())
		}
		if run.ReportProgress != nil {
			run.ReportProgress(uint64(completed), uint64(total))
		}
		return starlark.None, nil
	}
}

func delayMillis(ctx context.Context) builtinFn {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var millis int64
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "millis", &millis); err != nil {
			return nil, err
		}
		if millis < 0 {
			return nil, fmt.Errorf("%s: negative duration", fn.Name())
		}

		select {
		case <-time.After(time.Duration(millis) * time.Millisecond):
			return starlark.None, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Bridge) sendCommand(ctx context.Context, run Run) builtinFn {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var line string
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "line", &line); err != nil {
			return nil, err
		}
		uuid, err := b.controlTarget(run)
		if err != nil {
			return nil, err
		}
		if err := b.supervisor.SendCommand(ctx, uuid, line); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		return starlark.None, nil
	}
}

func (b *Bridge) startInstance(ctx context.Context, run Run) builtinFn {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
			return nil, err
		}
		uuid, err := b.controlTarget(run)
		if err != nil {
			return nil, err
		}
		if err := b.supervisor.Start(ctx, uuid); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		return starlark.None, nil
	}
}

func (b *Bridge) stopInstance(ctx context.Context, run Run) builtinFn {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
			return nil, err
		}
		uuid, err := b.controlTarget(run)
		if err != nil {
			return nil, err
		}
		if err := b.supervisor.Stop(ctx, uuid); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		return starlark.None, nil
	}
}

func (b *Bridge) controlTarget(run Run) (string, error) {
	if run.Instance == nil {
		return "", fmt.Errorf("macro is not bound to an instance")
	}
	if b.supervisor == nil {
		return "", fmt.Errorf("no supervisor configured")
	}
	return run.Instance.UUID, nil
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}
