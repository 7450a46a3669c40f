// Package signal defines the two outcomes that end an agent loop from inside a
// tool call: a validated patch was found, or the agent has to stop.
//
// Both are carried as error values so they unwind through ordinary Go returns.
// Neither is a failure; callers detect them with IsPatchFound / IsAgentStop and
// must not treat them as tool errors.
package signal

import (
	"errors"
	"fmt"

	"github.com/OnslaughtSnail/patchproxy/kernel/execenv"
)

const (
	// ResultPatchFound is the call record result stored for a PatchFound signal.
	ResultPatchFound = "patch found"
	// ResultAgentStop is the call record result stored for an AgentStop signal.
	ResultAgentStop = "agent stop"
)

// PatchFoundError reports that a patch passed validation.
type PatchFoundError struct {
	Patch string
}

func (e *PatchFoundError) Error() string {
	if e == nil {
		return "signal: patch found"
	}
	return fmt.Sprintf("signal: patch found (%d bytes)", len(e.Patch))
}

func (e *PatchFoundError) Code() execenv.ErrorCode {
	return execenv.ErrorCodePatchFound
}

// AgentStopError reports that the agent loop must halt without a patch.
type AgentStopError struct {
	Reason string
}

func (e *AgentStopError) Error() string {
	if e == nil || e.Reason == "" {
		return "signal: agent stop"
	}
	return "signal: agent stop: " + e.Reason
}

func (e *AgentStopError) Code() execenv.ErrorCode {
	return execenv.ErrorCodeAgentStop
}

// PatchFound builds a PatchFound signal.
func PatchFound(patch string) error {
	return &PatchFoundError{Patch: patch}
}

// AgentStop builds an AgentStop signal.
func AgentStop(reason string) error {
	return &AgentStopError{Reason: reason}
}

// IsPatchFound reports whether err is or wraps a PatchFound signal.
func IsPatchFound(err error) bool {
	var target *PatchFoundError
	return errors.As(err, &target)
}

// PatchOf extracts the patch carried by a PatchFound signal.
func PatchOf(err error) (string, bool) {
	var target *PatchFoundError
	if !errors.As(err, &target) || target == nil {
		return "", false
	}
	return target.Patch, true
}

// IsAgentStop reports whether err is or wraps an AgentStop signal.
func IsAgentStop(err error) bool {
	var target *AgentStopError
	return errors.As(err, &target)
}

// IsSignal reports whether err carries either distinguished signal.
func IsSignal(err error) bool {
	return IsPatchFound(err) || IsAgentStop(err)
}
