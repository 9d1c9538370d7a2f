package instance

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LocalSupervisor is an in-memory Supervisor used for local development and
// tests. It tracks instance records and flips lifecycle states synchronously;
// no real server process is spawned.
type LocalSupervisor struct {
	mu        sync.RWMutex
	instances map[string]Instance
	commands  map[string][]string
	logger    zerolog.Logger
}

// NewLocalSupervisor creates an empty local supervisor.
func NewLocalSupervisor(logger zerolog.Logger) *LocalSupervisor {
	return &LocalSupervisor{
		instances: make(map[string]Instance),
		commands:  make(map[string][]string),
		logger:    logger.With().Str("component", "local-supervisor").Logger(),
	}
}

// Lookup implements ContextProvider.
func (s *LocalSupervisor) Lookup(_ context.Context, id string) (Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst, nil
}

// Create implements Supervisor.
func (s *LocalSupervisor) Create(_ context.Context, params CreateParams) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.instances {
		if existing.Port == params.Port {
			return Instance{}, fmt.Errorf("port %d already in use by instance %s", params.Port, existing.UUID)
		}
	}

	inst := Instance{
		UUID:     uuid.New().String(),
		Name:     params.Name,
		Port:     params.Port,
		Flavour:  params.Flavour,
		GameType: params.GameType,
		State:    StateStopped,
	}
	s.instances[inst.UUID] = inst

	s.logger.Info().
		Str("uuid", inst.UUID).
		Str("name", inst.Name).
		Uint32("port", inst.Port).
		Msg("Instance created")

	return inst, nil
}

// Remove implements Supervisor.
func (s *LocalSupervisor) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.State != StateStopped && inst.State != StateError {
		return fmt.Errorf("cannot remove instance %s in state %s", id, inst.State)
	}

	delete(s.instances, id)
	delete(s.commands, id)
	return nil
}

// Start implements Supervisor.
func (s *LocalSupervisor) Start(_ context.Context, id string) error {
	return s.transition(id, StateRunning, StateStopped, StateError)
}

// Stop implements Supervisor.
func (s *LocalSupervisor) Stop(_ context.Context, id string) error {
	return s.transition(id, StateStopped, StateRunning, StateStarting)
}

// SendCommand implements Supervisor. Commands are recorded so tests can
// observe what a macro wrote to the console.
func (s *LocalSupervisor) SendCommand(_ context.Context, id string, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.State != StateRunning {
		return fmt.Errorf("cannot send command to instance %s in state %s", id, inst.State)
	}

	s.commands[id] = append(s.commands[id], command)
	return nil
}

// SentCommands returns the console commands recorded for an instance.
func (s *LocalSupervisor) SentCommands(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.commands[id]))
	copy(out, s.commands[id])
	return out
}

func (s *LocalSupervisor) transition(id string, to State, from ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}

	permitted := false
	for _, f := range from {
		if inst.State == f {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("instance %s is %s", id, inst.State)
	}

	inst.State = to
	s.instances[id] = inst
	return nil
}
