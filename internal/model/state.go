package model

// RunStatus is the terminal disposition of a generation loop.
type RunStatus string

const (
	// StatusPending means the loop is still iterating.
	StatusPending RunStatus = "pending"
	// StatusAccepted means the inspector accepted an artifact.
	StatusAccepted RunStatus = "accepted"
	// StatusExhausted means the retry budget ran out without acceptance.
	StatusExhausted RunStatus = "exhausted"
	// StatusFatal means a stage failed in a way findings cannot express.
	StatusFatal RunStatus = "fatal"
)

// Terminal reports whether the status ends the loop.
func (s RunStatus) Terminal() bool {
	return s != StatusPending
}

// LoopState is the orchestrator's working state, owned exclusively by the
// orchestrator and snapshotted to the session store at iteration boundaries.
// Findings accumulate across all iterations so later plans cannot forget
// earlier rejected approaches.
type LoopState struct {
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations"`
	Findings      []Finding `json:"findings,omitempty"`
	Plan          *Plan     `json:"plan,omitempty"`
	Artifact      *Artifact `json:"artifact,omitempty"`
	Status        RunStatus `json:"status"`
}
