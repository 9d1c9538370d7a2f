// Package tasks implements the task registry: process-unique identity
// allocation and the live state of every long-running operation the engine
// tracks. The registry is the single source of truth consulted for listing,
// cancelling and completing tasks.
package tasks

import (
	"strconv"
	"time"
)

// ID is a process-unique, monotonically allocated task identifier. IDs are
// never reused while the process is alive.
type ID uint64

// String renders the id the way it appears on the notification wire.
func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// State is the lifecycle state of a task. Transitions are monotonic along
// Queued -> Running -> {Cancelling -> Done|Failed, Done, Failed}.
type State string

const (
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// KindType discriminates the Kind union.
type KindType string

const (
	KindNative KindType = "native"
	KindMacro  KindType = "macro"
)

// NativeKind describes a built-in operation by name plus its parameters.
type NativeKind struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// MacroKind describes a sandboxed macro execution: the script source, the
// capabilities the macro declares, and its positional arguments.
type MacroKind struct {
	Name         string   `json:"name"`
	Source       string   `json:"-"`
	Capabilities []string `json:"capabilities,omitempty"`
	Args         []string `json:"args,omitempty"`
}

// Kind is the tagged operation variant. Exactly the field matching Type
// is set.
type Kind struct {
	Type   KindType    `json:"type"`
	Native *NativeKind `json:"native,omitempty"`
	Macro  *MacroKind  `json:"macro,omitempty"`
}

// Name returns the operation name of either variant.
func (k Kind) Name() string {
	switch k.Type {
	case KindNative:
		if k.Native != nil {
			return k.Native.Name
		}
	case KindMacro:
		if k.Macro != nil {
			return k.Macro.Name
		}
	}
	return ""
}

// Progress is a determinate completion count. Absence on a Task means
// progress is indeterminate.
type Progress struct {
	Completed uint64 `json:"completed"`
	Total     uint64 `json:"total"`
}

// Task is a snapshot of one tracked operation. Registry accessors return
// copies; mutating a snapshot has no effect on registry state.
type Task struct {
	ID             ID        `json:"id"`
	Kind           Kind      `json:"kind"`
	OwningInstance string    `json:"owning_instance,omitempty"`
	State          State     `json:"state"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	Progress       *Progress `json:"progress,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
