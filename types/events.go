package types

import "time"

type EventType string

const (
	EventStageStarted  EventType = "stage.started"
	EventStageProgress EventType = "stage.progress"
	EventStageComplete EventType = "stage.completed"
	EventRunCompleted  EventType = "run.completed"
	EventRunFailed     EventType = "run.failed"
)

// ProgressEvent is one discrete notification on a run's progress stream.
// Events are ordered per run by Seq; the fields populated depend on Type.
type ProgressEvent struct {
	Type        EventType   `json:"type"`
	Seq         int         `json:"seq"`
	Timestamp   time.Time   `json:"timestamp"`
	RunID       string      `json:"runId"`
	StageKey    string      `json:"stageKey,omitempty"`
	StageStatus StageStatus `json:"stageStatus,omitempty"`
	Message     string      `json:"message,omitempty"`
	ArtifactRef string      `json:"artifactRef,omitempty"`
	RunStatus   RunStatus   `json:"runStatus,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Terminal reports whether this event ends the stream for its run.
func (e ProgressEvent) Terminal() bool {
	return e.Type == EventRunCompleted || e.Type == EventRunFailed
}
