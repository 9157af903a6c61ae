package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Names the operation an envelope carries.
type Command string

const (
	CmdBuild    Command = "build"
	CmdRecipe   Command = "recipe"
	CmdStatus   Command = "status"
	CmdShutdown Command = "shutdown"

	CmdOK    Command = "ok"
	CmdError Command = "error"
)

// Top-level message on the wire.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Requests a build of the source tree at Context. Paths are resolved by
// the daemon, so they must be absolute.
type BuildRequest struct {
	Context   string   `json:"context"`
	File      string   `json:"file,omitempty"` // Build description. Defaults to kiln.toml in Context.
	Output    string   `json:"output"`
	Push      string   `json:"push,omitempty"`
	Platforms []string `json:"platforms,omitempty"`
}

// Outcome of a successful build.
type BuildResult struct {
	RunID        string   `json:"run_id"`
	States       []string `json:"states"`
	RecipeDigest string   `json:"recipe_digest"`
	CacheHit     bool     `json:"cache_hit"`
	Images       []string `json:"images"`
	Pushed       string   `json:"pushed,omitempty"`
}

// Requests the dependency recipe of the source tree at Context.
type RecipeRequest struct {
	Context   string `json:"context"`
	Ecosystem string `json:"ecosystem,omitempty"`
}

type RecipeResult struct {
	Digest string          `json:"digest"`
	Recipe json.RawMessage `json:"recipe"`
}

type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Builds  int    `json:"builds"`
}

// Payload of an error response. State is set when a build failed, and
// names the state the run was in.
type ErrorResult struct {
	Message string `json:"message"`
	State   string `json:"state,omitempty"`
}

func (e *ErrorResult) Error() string {
	if e.State != "" {
		return e.Message + " (in state " + e.State + ")"
	}
	return e.Message
}

func (e *ErrorResult) Is(target error) bool {
	return target == ErrRemote
}

// Encodes an envelope. A nil payload is omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "encoding payload")
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decodes an envelope and returns it with its raw payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, errors.Wrapf(ErrMalformed, "%v", err)
	}
	if env.Command == "" {
		return nil, nil, errors.Wrap(ErrMalformed, "command missing")
	}
	return &env, env.Payload, nil
}

// Decodes a payload into a T. An empty payload yields the zero T.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "payload: %v", err)
	}
	return &v, nil
}
