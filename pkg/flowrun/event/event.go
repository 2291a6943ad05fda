package event

import (
	"time"

	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
)

// Type identifies what an Event carries.
type Type string

// Event types.
const (
	// TypeStatus reports a run status change.
	TypeStatus Type = "status"
	// TypeLog carries one recorded execution step.
	TypeLog Type = "log"
	// TypeKeepAlive is sent to idle subscribers so intermediaries keep the
	// connection open.
	TypeKeepAlive Type = "keepalive"
)

// Event is a notification about a run.
// Events are values; the step and error they reference are copies owned by
// the event.
type Event struct {
	Type      Type                 `json:"type"`
	RunID     string               `json:"run_id"`
	NodeID    string               `json:"node_id,omitempty"`
	Status    model.Status         `json:"status,omitempty"`
	Message   string               `json:"message,omitempty"`
	Step      *model.ExecutionStep `json:"data,omitempty"`
	Error     *model.ErrorInfo     `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Status builds a status event from a run record.
func Status(run *model.RunState) Event {
	evt := Event{
		Type:      TypeStatus,
		RunID:     run.RunID,
		NodeID:    run.CurrentNode,
		Status:    run.Status,
		Message:   run.Message,
		Timestamp: time.Now().UTC(),
	}
	if run.Error != nil {
		e := *run.Error
		evt.Error = &e
	}
	return evt
}

// Log builds a log event carrying a copy of step.
func Log(step model.ExecutionStep) Event {
	s := step.Clone()
	return Event{
		Type:      TypeLog,
		RunID:     step.RunID,
		NodeID:    step.NodeID,
		Message:   step.Error,
		Step:      &s,
		Timestamp: time.Now().UTC(),
	}
}

// KeepAlive builds a keep-alive event.
func KeepAlive(runID string) Event {
	return Event{Type: TypeKeepAlive, RunID: runID, Timestamp: time.Now().UTC()}
}

// Sequence returns the step sequence of a log event.
func (e Event) Sequence() (int, bool) {
	if e.Type != TypeLog || e.Step == nil {
		return 0, false
	}
	return e.Step.Sequence, true
}

// IsTerminal reports whether e is the final status event of a run.
func (e Event) IsTerminal() bool {
	return e.Type == TypeStatus && e.Status.IsTerminal()
}
