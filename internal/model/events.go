package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a progress event emitted by the generation loop.
type EventType string

const (
	EventPlanningStarted   EventType = "planning_started"
	EventWaveCompleted     EventType = "wave_completed"
	EventInspectionResult  EventType = "inspection_result"
	EventIterationFinished EventType = "iteration_finished"
	EventTerminal          EventType = "terminal"
)

// ProgressEvent is one entry in the presentation feed. The core is agnostic to
// how consumers display these.
type ProgressEvent struct {
	SessionID  uuid.UUID `json:"session_id"`
	Type       EventType `json:"type"`
	Iteration  int       `json:"iteration,omitempty"`
	Wave       int       `json:"wave,omitempty"`
	TotalWaves int       `json:"total_waves,omitempty"`
	Verdict    *Verdict  `json:"verdict,omitempty"`
	Status     RunStatus `json:"status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
