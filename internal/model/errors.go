package model

import (
	"errors"
	"fmt"
	"strings"
)

// API error codes returned in ErrorResponse payloads.
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeAgentUnavailable = "AGENT_UNAVAILABLE"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// PlannerFailure classifies why a plan could not be used.
type PlannerFailure string

const (
	// PlanUnparseable means the planner output could not be decoded into the
	// plan shape (or violated a structural invariant other than acyclicity).
	PlanUnparseable PlannerFailure = "unparseable"
	// PlanCyclicDependency means the emitted dependency graph is not a DAG.
	PlanCyclicDependency PlannerFailure = "cyclic_dependency"
	// PlanEmpty means the planner emitted zero parts, a contract violation.
	PlanEmpty PlannerFailure = "empty"
)

// PlannerError is a structural planning failure. Always fatal: retrying a
// non-deterministic model call without new information rarely helps.
type PlannerError struct {
	Reason PlannerFailure
	Detail string
}

func (e *PlannerError) Error() string {
	return fmt.Sprintf("planner: %s: %s", e.Reason, e.Detail)
}

// AgentError is a failed invocation of a remote agent role: network, model or
// response-parse failure.
type AgentError struct {
	Role string
	Err  error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.Role, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// WorkerError is a per-part generation failure, recoverable via single retry.
type WorkerError struct {
	PartID string
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker for part %q: %v", e.PartID, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// AssemblerError reports that assembly was impossible. The assembler never
// emits a partial artifact.
type AssemblerError struct {
	MissingParts []string
}

func (e *AssemblerError) Error() string {
	return fmt.Sprintf("assembler: missing successful results for parts [%s]",
		strings.Join(e.MissingParts, ", "))
}

// RenderError is a rendering tool failure. Compile failures become syntax
// findings; tool failures demote inspection to the logical strategy for the
// iteration instead of aborting the loop.
type RenderError struct {
	// Compile is true when the tool ran but rejected the source.
	Compile bool
	Output  string
	Err     error
}

func (e *RenderError) Error() string {
	if e.Compile {
		return fmt.Sprintf("render: source did not compile: %v", e.Err)
	}
	return fmt.Sprintf("render: tool failure: %v", e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// ErrCancelled is the reason attached to a Fatal result when the caller's
// cancellation signal ended the loop between stages.
var ErrCancelled = errors.New("generation cancelled")

// OrchestrationError is the terminal failure of a generation run. It carries
// the full finding history so callers can explain why generation stopped,
// never just a generic failure string.
type OrchestrationError struct {
	Status   RunStatus
	Reason   string
	Findings []Finding
	Err      error
}

func (e *OrchestrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orchestration %s: %s: %v", e.Status, e.Reason, e.Err)
	}
	return fmt.Sprintf("orchestration %s: %s", e.Status, e.Reason)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }
