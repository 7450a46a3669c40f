package signal

import "errors"

// Kind tags an Outcome.
type Kind string

const (
	KindNormal     Kind = "normal"
	KindPatchFound Kind = "patch_found"
	KindAgentStop  Kind = "agent_stop"
)

// Outcome is the variant form of a tool call result, for loop drivers that
// switch on a tag instead of inspecting errors.
type Outcome struct {
	Kind   Kind
	Text   string
	Patch  string
	Reason string
}

// Terminal reports whether the outcome ends the agent loop.
func (o Outcome) Terminal() bool {
	return o.Kind == KindPatchFound || o.Kind == KindAgentStop
}

// Classify folds a tool's (text, error) pair into an Outcome. Errors that are
// not signals are returned unchanged.
func Classify(text string, err error) (Outcome, error) {
	if err == nil {
		return Outcome{Kind: KindNormal, Text: text}, nil
	}
	var found *PatchFoundError
	if errors.As(err, &found) {
		return Outcome{Kind: KindPatchFound, Patch: found.Patch}, nil
	}
	var stop *AgentStopError
	if errors.As(err, &stop) {
		return Outcome{Kind: KindAgentStop, Reason: stop.Reason}, nil
	}
	return Outcome{}, err
}
