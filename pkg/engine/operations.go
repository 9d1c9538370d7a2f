package engine

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/wardenhq/warden/pkg/instance"
	"github.com/wardenhq/warden/pkg/notify"
	"github.com/wardenhq/warden/pkg/tasks"
)

// Native operation names.
const (
	OpCreateInstance = "create_instance"
	OpRemoveInstance = "remove_instance"
	OpStartInstance  = "start_instance"
	OpStopInstance   = "stop_instance"
	OpSendCommand    = "send_command"
)

// creationSteps are the staged phases of instance creation, reported as
// determinate progress while the operation runs.
var creationSteps = []string{
	"Resolving version manifest",
	"Fetching server runtime",
	"Unpacking server archive",
	"Writing instance configuration",
}

var validate = validator.New()

// NewCreateInstanceKind builds the task kind for instance creation.
func NewCreateInstanceKind(params instance.CreateParams) tasks.Kind {
	return nativeKind(OpCreateInstance, map[string]any{
		"name":       params.Name,
		"port":       params.Port,
		"flavour":    string(params.Flavour),
		"game_type":  params.GameType,
		"version":    params.Version,
		"min_ram_mb": params.MinRAMMB,
		"max_ram_mb": params.MaxRAMMB,
	})
}

// NewRemoveInstanceKind builds the task kind for instance removal.
func NewRemoveInstanceKind() tasks.Kind {
	return nativeKind(OpRemoveInstance, nil)
}

// NewStartInstanceKind builds the task kind for starting an instance.
func NewStartInstanceKind() tasks.Kind {
	return nativeKind(OpStartInstance, nil)
}

// NewStopInstanceKind builds the task kind for stopping an instance.
func NewStopInstanceKind() tasks.Kind {
	return nativeKind(OpStopInstance, nil)
}

// NewSendCommandKind builds the task kind for a console command.
func NewSendCommandKind(command string) tasks.Kind {
	return nativeKind(OpSendCommand, map[string]any{"command": command})
}

func nativeKind(name string, params map[string]any) tasks.Kind {
	return tasks.Kind{
		Type:   tasks.KindNative,
		Native: &tasks.NativeKind{Name: name, Params: params},
	}
}

// runNative executes a built-in operation to completion. The caller handles
// state finalization and the terminal notification on failure paths, so each
// operation only publishes its own progress and success.
func (e *Engine) runNative(ctx context.Context, id tasks.ID, kind tasks.Kind, inst *instance.Instance) error {
	op := kind.Native

	switch op.Name {
	case OpCreateInstance:
		return e.createInstance(ctx, id, op)

	case OpRemoveInstance:
		if inst == nil {
			return newError(ErrorClassRejected, "remove_instance requires an owning instance", nil)
		}
		return e.removeInstance(ctx, id, inst)

	case OpStartInstance, OpStopInstance, OpSendCommand:
		if inst == nil {
			return newError(ErrorClassRejected, fmt.Sprintf("%s requires an owning instance", op.Name), nil)
		}
		return e.controlInstance(ctx, id, op, inst)

	default:
		return newError(ErrorClassRejected, fmt.Sprintf("unknown native operation %q", op.Name), nil)
	}
}

// createInstance provisions a new instance through the supervisor. Progress
// is reported per staged phase; the terminal notification carries the full
// identity of the created instance.
func (e *Engine) createInstance(ctx context.Context, id tasks.ID, op *tasks.NativeKind) error {
	var params instance.CreateParams
	if err := decodeParams(op.Params, &params); err != nil {
		return newError(ErrorClassRejected, "malformed creation parameters", err)
	}
	if err := validate.Struct(params); err != nil {
		return newError(ErrorClassRejected, "invalid creation parameters", err)
	}

	sv := notify.StartValue{
		Kind: notify.StartInstanceCreation,
		InstanceCreation: &notify.InstanceCreation{
			InstanceName: params.Name,
			Port:         params.Port,
			Flavour:      string(params.Flavour),
			GameType:     params.GameType,
		},
	}

	total := uint64(len(creationSteps))
	for i, step := range creationSteps {
		if err := ctx.Err(); err != nil {
			return err
		}

		completed := uint64(i)
		if err := e.registry.MarkProgress(id, completed, total); err != nil {
			return err
		}
		e.publish(notify.Notification{
			ID:         id.String(),
			Level:      notify.LevelInfo,
			State:      notify.StateOngoing,
			StartValue: sv,
			Progress:   completed,
			Total:      total,
			Message:    step,
		})
	}

	created, err := e.supervisor.Create(ctx, params)
	if err != nil {
		return newError(ErrorClassSupervisor, "instance creation failed", err)
	}

	if err := e.registry.SetOwningInstance(id, created.UUID); err != nil {
		e.logger.Warn().Err(err).Uint64("task_id", uint64(id)).Msg("Could not bind created instance to task")
	}
	if err := e.registry.MarkProgress(id, total, total); err != nil {
		return err
	}

	sv.InstanceCreation.InstanceUUID = created.UUID
	e.publish(notify.Notification{
		ID:         id.String(),
		Level:      notify.LevelInfo,
		State:      notify.StateDone,
		StartValue: sv,
		Progress:   total,
		Total:      total,
		Message:    fmt.Sprintf("instance %s created", created.Name),
	})
	return nil
}

func (e *Engine) removeInstance(ctx context.Context, id tasks.ID, inst *instance.Instance) error {
	sv := notify.StartValue{
		Kind:             notify.StartInstanceDeletion,
		InstanceDeletion: &notify.InstanceDeletion{InstanceUUID: inst.UUID},
	}

	if err := e.supervisor.Remove(ctx, inst.UUID); err != nil {
		return newError(ErrorClassSupervisor, "instance removal failed", err)
	}

	e.publish(notify.Notification{
		ID:         id.String(),
		Level:      notify.LevelInfo,
		State:      notify.StateDone,
		StartValue: sv,
		Message:    fmt.Sprintf("instance %s removed", inst.Name),
	})
	return nil
}

// controlInstance handles the short-lived control operations that share a
// shape: one supervisor call, one terminal notification.
func (e *Engine) controlInstance(ctx context.Context, id tasks.ID, op *tasks.NativeKind, inst *instance.Instance) error {
	var err error
	var message string

	switch op.Name {
	case OpStartInstance:
		err = e.supervisor.Start(ctx, inst.UUID)
		message = fmt.Sprintf("instance %s started", inst.Name)

	case OpStopInstance:
		err = e.supervisor.Stop(ctx, inst.UUID)
		message = fmt.Sprintf("instance %s stopped", inst.Name)

	case OpSendCommand:
		command, _ := op.Params["command"].(string)
		if command == "" {
			return newError(ErrorClassRejected, "send_command requires a command", nil)
		}
		err = e.supervisor.SendCommand(ctx, inst.UUID, command)
		message = fmt.Sprintf("command sent to %s", inst.Name)
	}

	if err != nil {
		return newError(ErrorClassSupervisor, fmt.Sprintf("%s failed", op.Name), err)
	}

	e.publish(notify.Notification{
		ID:         id.String(),
		Level:      notify.LevelInfo,
		State:      notify.StateDone,
		StartValue: notify.StartValue{
			Kind: notify.StartNativeOp,
			NativeOp: &notify.NativeOp{
				Name:         op.Name,
				InstanceUUID: inst.UUID,
			},
		},
		Message: message,
	})
	return nil
}
