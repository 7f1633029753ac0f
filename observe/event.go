package observe

import "time"

type Kind string

type Status string

const (
	KindRun      Kind = "run"
	KindStage    Kind = "stage"
	KindArtifact Kind = "artifact"
	KindCustom   Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event is the ambient telemetry record emitted by the orchestrator. It is
// distinct from the domain ProgressEvent: progress events drive clients,
// observe events drive operators (logs, traces, dashboards).
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"runId,omitempty"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status,omitempty"`
	StageKey   string         `json:"stageKey,omitempty"`
	Generator  string         `json:"generator,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
