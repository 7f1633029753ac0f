package types

import "time"

// SourceFile is one resolved input file for a run. Ingestion (zip extraction,
// URL download, tree listing) happens upstream; the pipeline only ever sees
// this flattened form.
type SourceFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// StageStatus is the per-stage lifecycle. Transitions are monotonic:
// pending -> running -> {success, warn, error}.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageWarn    StageStatus = "warn"
	StageError   StageStatus = "error"
)

// Terminal reports whether the status is a per-stage terminal state.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageSuccess, StageWarn, StageError:
		return true
	default:
		return false
	}
}

// RunStatus is the derived whole-run lifecycle.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished, successfully or not.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// StageState is the externally visible state of one pipeline stage.
type StageState struct {
	Key     string      `json:"key"`
	Label   string      `json:"label"`
	Status  StageStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// RunSnapshot is an immutable projection of a run, safe to hand to
// concurrent readers while the orchestrator keeps mutating the live state.
type RunSnapshot struct {
	RunID       string            `json:"runId"`
	Status      RunStatus         `json:"status"`
	InputFiles  []SourceFile      `json:"inputFiles,omitempty"`
	Stages      []StageState      `json:"stages"`
	Results     map[string]string `json:"results,omitempty"`
	Errors      []string          `json:"errors,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Result returns the artifact produced by the given stage, or ok=false when
// the stage has not produced one (not reached, or errored).
func (s RunSnapshot) Result(stageKey string) (string, bool) {
	v, ok := s.Results[stageKey]
	return v, ok
}

// ResultOr returns the stage artifact or the supplied placeholder.
func (s RunSnapshot) ResultOr(stageKey, placeholder string) string {
	if v, ok := s.Results[stageKey]; ok {
		return v
	}
	return placeholder
}
