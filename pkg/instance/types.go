// Package instance defines the read-only view the engine holds over managed
// game-server instances, and the contract of the process supervisor that owns
// them. The supervisor itself lives outside the engine; everything here is
// either a snapshot type or an interface.
package instance

import (
	"fmt"
)

// Flavour identifies the server distribution an instance runs.
type Flavour string

const (
	FlavourVanilla Flavour = "vanilla"
	FlavourFabric  Flavour = "fabric"
	FlavourPaper   Flavour = "paper"
	FlavourSpigot  Flavour = "spigot"
)

// ParseFlavour converts a string into a Flavour, rejecting unknown values.
func ParseFlavour(s string) (Flavour, error) {
	switch Flavour(s) {
	case FlavourVanilla, FlavourFabric, FlavourPaper, FlavourSpigot:
		return Flavour(s), nil
	default:
		return "", fmt.Errorf("unknown flavour: %q", s)
	}
}

// State is the lifecycle state of an instance as last reported by the
// supervisor. Snapshots may be stale; callers must not assume freshness
// stronger than "accurate as of last lookup".
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Instance is a point-in-time snapshot of a managed game-server process.
type Instance struct {
	// UUID uniquely identifies the instance across the fleet.
	UUID string `json:"uuid"`

	// Name is the human-readable instance name.
	Name string `json:"name"`

	// Port is the network port the server listens on.
	Port uint32 `json:"port"`

	// Flavour is the server distribution (vanilla, fabric, paper, spigot).
	Flavour Flavour `json:"flavour"`

	// GameType identifies the game the instance hosts (e.g. "minecraft").
	GameType string `json:"game_type"`

	// State is the lifecycle state at snapshot time.
	State State `json:"state"`
}
