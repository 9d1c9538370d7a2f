// Package notify implements the engine's notification bus: an ordered,
// leveled stream of progress and completion events keyed by task identity,
// fanned out to any number of variable-lifetime subscribers.
package notify

import (
	"time"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// State marks whether the operation a notification reports on is still
// in flight. Once a Done notification has been published for an id, no
// further Ongoing notification may be published for the same id.
type State string

const (
	StateOngoing State = "ongoing"
	StateDone    State = "done"
)

// StartKind discriminates the StartValue union.
type StartKind string

const (
	StartInstanceCreation StartKind = "instance_creation"
	StartInstanceDeletion StartKind = "instance_deletion"
	StartMacroRun         StartKind = "macro_run"
	StartNativeOp         StartKind = "native_op"
)

// InstanceCreation describes a provisioning operation. The identity fields
// are filled in once the instance exists; a first Ongoing notification may
// carry only the requested name and port.
type InstanceCreation struct {
	InstanceUUID string `json:"instance_uuid,omitempty"`
	InstanceName string `json:"instance_name"`
	Port         uint32 `json:"port"`
	Flavour      string `json:"flavour"`
	GameType     string `json:"game_type"`
}

// InstanceDeletion describes a deletion operation.
type InstanceDeletion struct {
	InstanceUUID string `json:"instance_uuid"`
}

// MacroRun describes a sandboxed macro execution.
type MacroRun struct {
	MacroName    string `json:"macro_name"`
	InstanceUUID string `json:"instance_uuid,omitempty"`
}

// NativeOp describes any other built-in operation (start, stop, console
// command) by name.
type NativeOp struct {
	Name         string `json:"name"`
	InstanceUUID string `json:"instance_uuid,omitempty"`
}

// StartValue is a tagged description of what a notification is about.
// Exactly the field matching Kind is set.
type StartValue struct {
	Kind             StartKind         `json:"kind"`
	InstanceCreation *InstanceCreation `json:"instance_creation,omitempty"`
	InstanceDeletion *InstanceDeletion `json:"instance_deletion,omitempty"`
	MacroRun         *MacroRun         `json:"macro_run,omitempty"`
	NativeOp         *NativeOp         `json:"native_op,omitempty"`
}

// Notification is one event on the bus. ID mirrors the task id the event
// reports on, or is an independent identifier for instantaneous events.
type Notification struct {
	ID         string     `json:"id"`
	Level      Level      `json:"level"`
	State      State      `json:"state"`
	StartValue StartValue `json:"start_value"`

	// Progress and Total describe fractional completion as Progress/Total.
	// A zero Total means progress is indeterminate.
	Progress uint64 `json:"progress"`
	Total    uint64 `json:"total,omitempty"`

	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Fraction returns completion in [0,1] and whether it is determinate.
func (n Notification) Fraction() (float64, bool) {
	if n.Total == 0 {
		return 0, false
	}
	return float64(n.Progress) / float64(n.Total), true
}
