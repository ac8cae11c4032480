// Package fault classifies the failures that can end a request or degrade a feature.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	// Configuration covers missing or invalid settings. Fatal to the operation that needed them.
	Configuration Kind = "configuration"
	// UnsupportedAgentType is returned when no creator is registered for an agent type.
	UnsupportedAgentType Kind = "unsupported_agent_type"
	// UnknownPlanAgent is returned when a plan names an agent the session has no binding for.
	UnknownPlanAgent Kind = "unknown_plan_agent"
	// PlanParse marks a planner response that could not be turned into a plan.
	PlanParse Kind = "plan_parse"
	// ToolBridgeDegraded is a warning: the feature runs without its tools.
	ToolBridgeDegraded Kind = "tool_bridge_degraded"
	// UpstreamInvocation covers network or platform failures while calling an agent.
	UpstreamInvocation Kind = "upstream_invocation"
	// TaskDecode marks a queue payload that cannot be attributed to a session.
	TaskDecode Kind = "task_decode"
	// NotInitialized is returned when a component is used before its one-time setup.
	NotInitialized Kind = "not_initialized"
	// Prerequisite marks a missing external runtime detected before any side effect.
	Prerequisite Kind = "prerequisite"
	// Unknown is the kind of errors that carry no classification.
	Unknown Kind = "unknown"
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether any *Error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}
