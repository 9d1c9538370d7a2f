package instance

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups for unknown instance uuids.
var ErrNotFound = errors.New("instance not found")

// ContextProvider is the read-only lookup the engine consults when it needs
// instance metadata, e.g. to seed a macro sandbox. Implementations are
// side-effect free from the engine's perspective.
type ContextProvider interface {
	// Lookup returns a snapshot for the given uuid, or ErrNotFound.
	Lookup(ctx context.Context, uuid string) (Instance, error)
}

// CreateParams describes a new instance to provision.
type CreateParams struct {
	Name     string  `json:"name" validate:"required,min=1,max=64"`
	Port     uint32  `json:"port" validate:"required,min=1,max=65535"`
	Flavour  Flavour `json:"flavour" validate:"required,oneof=vanilla fabric paper spigot"`
	GameType string  `json:"game_type" validate:"required"`
	Version  string  `json:"version,omitempty"`
	MinRAMMB uint32  `json:"min_ram_mb,omitempty" validate:"omitempty,min=256"`
	MaxRAMMB uint32  `json:"max_ram_mb,omitempty" validate:"omitempty,gtefield=MinRAMMB"`
}

// Supervisor is the control contract of the external process supervisor.
// The engine only ever calls these entry points; it never spawns or monitors
// server binaries itself.
type Supervisor interface {
	ContextProvider

	// Create provisions a new instance and returns its snapshot.
	Create(ctx context.Context, params CreateParams) (Instance, error)

	// Remove deletes an instance. The instance must be stopped.
	Remove(ctx context.Context, uuid string) error

	// Start brings an instance up.
	Start(ctx context.Context, uuid string) error

	// Stop shuts an instance down.
	Stop(ctx context.Context, uuid string) error

	// SendCommand writes a console command to a running instance.
	SendCommand(ctx context.Context, uuid string, command string) error
}
