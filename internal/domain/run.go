package domain

import "time"

// RunStatus tracks one invocation of the pipeline.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunFailed   RunStatus = "failed"
)

// Run is the ledger row for one pipeline invocation.
type Run struct {
	ID        string    `json:"id"`
	Status    RunStatus `json:"status"`
	Backend   string    `json:"backend"`
	Model     string    `json:"model"`
	Format    string    `json:"format"`
	OutputDir string    `json:"output_dir"`
	Sources   []string  `json:"sources"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Duration returns the wall time of a finished run, or 0 while running.
func (r *Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
