package model

import "time"

// Status is the lifecycle state of a run.
type Status string

// Run statuses. A run moves pending -> running -> completed|failed.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorInfo is the structured {kind, message} pair reported for engine errors.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunState is the mutable record of one execution.
// Only the engine's step loop for the run mutates it; everyone else sees copies.
type RunState struct {
	RunID       string         `json:"run_id"`
	GraphID     string         `json:"graph_id"`
	Status      Status         `json:"status"`
	State       map[string]any `json:"state"`
	CurrentNode string         `json:"current_node"`
	Iteration   int            `json:"iteration"`
	Message     string         `json:"message,omitempty"`
	Error       *ErrorInfo     `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the run record.
func (r *RunState) Clone() *RunState {
	if r == nil {
		return nil
	}
	c := *r
	c.State = CloneState(r.State)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// ExecutionStep records one node invocation.
// InputState and OutputState are snapshots taken before and after the tool
// ran; they are never mutated once the step is recorded.
type ExecutionStep struct {
	RunID       string         `json:"run_id"`
	NodeID      string         `json:"node_id"`
	Sequence    int            `json:"sequence_index"`
	Timestamp   time.Time      `json:"timestamp"`
	DurationMs  float64        `json:"duration_ms"`
	InputState  map[string]any `json:"input_state"`
	OutputState map[string]any `json:"output_state"`
	Error       string         `json:"error,omitempty"`
}

// Clone returns a deep copy of the step.
func (s ExecutionStep) Clone() ExecutionStep {
	s.InputState = CloneState(s.InputState)
	s.OutputState = CloneState(s.OutputState)
	return s
}

// CloneSteps deep-copies a slice of steps.
func CloneSteps(steps []ExecutionStep) []ExecutionStep {
	if steps == nil {
		return nil
	}
	out := make([]ExecutionStep, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}
