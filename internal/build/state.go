package build

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Position of a run in the pipeline.
type State int

const (
	Init State = iota
	RecipeGenerated
	DependenciesCached
	Compiled
	Assembled
	Done
	Failed
)

var stateNames = [...]string{
	Init:               "Init",
	RecipeGenerated:    "RecipeGenerated",
	DependenciesCached: "DependenciesCached",
	Compiled:           "Compiled",
	Assembled:          "Assembled",
	Done:               "Done",
	Failed:             "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	i := slices.Index(stateNames[:], string(text))
	if i < 0 {
		return errors.Errorf("unknown state %q", text)
	}
	*s = State(i)
	return nil
}

// Reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == Done || s == Failed
}

// Notified of every state change of a run.
type Observer interface {
	OnTransition(from, to State)
}

// Adapts a function to [Observer].
type ObserverFunc func(from, to State)

func (f ObserverFunc) OnTransition(from, to State) {
	f(from, to)
}

// Failure of a pipeline stage.
//
// State is the state the run was in when the stage failed, so a compile
// failure reports [DependenciesCached]. Both Kind and Err match with
// errors.Is.
type StageError struct {
	State State
	Kind  error // One of ErrRecipe, ErrDependencyBuild, ErrCompile, ErrAssembly.
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%v (in state %s): %v", e.Kind, e.State, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Strictly linear run state machine.
type machine struct {
	state    State
	visited  []State
	observer Observer
}

func newMachine(observer Observer) *machine {
	return &machine{state: Init, visited: []State{Init}, observer: observer}
}

// Moves to the next state. Only the immediate successor of the current
// state is accepted.
func (m *machine) advance(to State) error {
	if m.state.IsTerminal() || to != m.state+1 || to == Failed {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", m.state, to)
	}
	m.set(to)
	return nil
}

// Moves to Failed and returns the stage error for the current state.
func (m *machine) fail(kind, err error) *StageError {
	serr := &StageError{State: m.state, Kind: kind, Err: err}
	if !m.state.IsTerminal() {
		m.set(Failed)
	}
	return serr
}

func (m *machine) set(to State) {
	from := m.state
	m.state = to
	m.visited = append(m.visited, to)
	if m.observer != nil {
		m.observer.OnTransition(from, to)
	}
}
