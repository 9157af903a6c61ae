package build

import (
	"maps"
	"slices"
)

// Working directory and environment shared by the commands run in one
// sandbox.
type stepState struct {
	workdir string
	env     map[string]string
}

// Creates a [stepState] rooted at workdir.
func newStepState(workdir string, env map[string]string) *stepState {
	s := &stepState{workdir: workdir, env: make(map[string]string, len(env))}
	maps.Copy(s.env, env)
	return s
}

// Returns a copy of the state with env overlaid. The receiver is not
// modified.
func (s *stepState) with(env map[string]string) *stepState {
	resolved := newStepState(s.workdir, s.env)
	maps.Copy(resolved.env, env)
	return resolved
}

// Formats the environment as sorted "key=value" strings.
func (s *stepState) environ() []string {
	env := make([]string, 0, len(s.env))
	for _, k := range slices.Sorted(maps.Keys(s.env)) {
		env = append(env, k+"="+s.env[k])
	}
	return env
}
