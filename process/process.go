package process

import (
	"context"
	"time"
)

const (
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
	StateKilled  = "killed"
)

// Process is one in-flight workflow run.
type Process struct {
	UUID        string    `json:"uuid"`
	WorkflowID  string    `json:"workflow_id"`
	EventID     string    `json:"event_id,omitempty"`
	State       string    `json:"state"`
	CurrentNode string    `json:"current_node,omitempty"`
	Steps       int       `json:"steps"`
	StartedAt   time.Time `json:"started_at"`
	Killeable   bool      `json:"killeable"`

	cancel context.CancelFunc
}

// Kill cancels the run's context. Nodes already running observe it through
// their connector timeout context.
func (p *Process) Kill() bool {
	if p.cancel == nil || !p.Killeable {
		return false
	}
	p.cancel()
	return true
}

// Update is streamed to live subscribers for every visited node and every
// state change of a run.
type Update struct {
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id,omitempty"`
	PathIndex  int       `json:"path_index"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
