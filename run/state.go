// Package run holds the mutable record of one pipeline execution.
//
// A State is owned exclusively by the orchestrator goroutine driving its
// pipeline; everyone else reads through Snapshot copies handed out by the
// registry.
package run

import (
	"fmt"
	"time"

	"github.com/qaweaverhq/qaweaver/types"
)

type stageSlot struct {
	key     string
	label   string
	status  types.StageStatus
	message string
}

// State is the accumulated record of one run. Not safe for concurrent use;
// see registry.Handle for the shared-read discipline.
type State struct {
	runID       string
	inputFiles  []types.SourceFile
	order       []string
	stages      map[string]*stageSlot
	results     map[string]string
	errs        []string
	status      types.RunStatus
	createdAt   time.Time
	completedAt *time.Time
}

// New creates a State with every stage pending and overall status queued.
// The stage set is fixed for the life of the run.
func New(runID string, files []types.SourceFile, stages []types.StageState) *State {
	s := &State{
		runID:      runID,
		inputFiles: append([]types.SourceFile(nil), files...),
		stages:     make(map[string]*stageSlot, len(stages)),
		results:    make(map[string]string, len(stages)),
		status:     types.RunQueued,
		createdAt:  time.Now().UTC(),
	}
	for _, st := range stages {
		s.order = append(s.order, st.Key)
		s.stages[st.Key] = &stageSlot{key: st.Key, label: st.Label, status: types.StagePending}
	}
	return s
}

func (s *State) RunID() string { return s.runID }

func (s *State) Status() types.RunStatus { return s.status }

func (s *State) CreatedAt() time.Time { return s.createdAt }

func (s *State) CompletedAt() *time.Time { return s.completedAt }
func (s *State) Files() []types.SourceFile {
	return append([]types.SourceFile(nil), s.inputFiles...)
}

// SetStageStatus records a per-stage transition. Unknown keys are rejected.
func (s *State) SetStageStatus(key string, status types.StageStatus, message string) error {
	slot, ok := s.stages[key]
	if !ok {
		return fmt.Errorf("unknown stage %q", key)
	}
	slot.status = status
	slot.message = message
	if s.status == types.RunQueued && status == types.StageRunning {
		s.status = types.RunRunning
	}
	return nil
}

// SetResult stores a stage artifact. Results are write-once: a second write
// to the same key is rejected with ErrStageDone.
func (s *State) SetResult(key, artifact string) error {
	if _, ok := s.stages[key]; !ok {
		return fmt.Errorf("unknown stage %q", key)
	}
	if _, exists := s.results[key]; exists {
		return fmt.Errorf("stage %q: %w", key, ErrStageDone)
	}
	s.results[key] = artifact
	return nil
}

// AppendError records a human-readable failure description. The list is
// append-only and never cleared.
func (s *State) AppendError(msg string) {
	s.errs = append(s.errs, msg)
}

// Complete marks the run terminal with the given status.
func (s *State) Complete(status types.RunStatus) {
	now := time.Now().UTC()
	s.status = status
	s.completedAt = &now
}

// AllStagesSettled reports whether every stage reached success or warn.
func (s *State) AllStagesSettled() bool {
	for _, key := range s.order {
		switch s.stages[key].status {
		case types.StageSuccess, types.StageWarn:
		default:
			return false
		}
	}
	return true
}

// Snapshot produces an immutable copy for concurrent readers.
func (s *State) Snapshot() types.RunSnapshot {
	snap := types.RunSnapshot{
		RunID:      s.runID,
		Status:     s.status,
		InputFiles: append([]types.SourceFile(nil), s.inputFiles...),
		Stages:     make([]types.StageState, 0, len(s.order)),
		Results:    make(map[string]string, len(s.results)),
		Errors:     append([]string(nil), s.errs...),
		CreatedAt:  s.createdAt,
	}
	for _, key := range s.order {
		slot := s.stages[key]
		snap.Stages = append(snap.Stages, types.StageState{
			Key:     slot.key,
			Label:   slot.label,
			Status:  slot.status,
			Message: slot.message,
		})
	}
	for k, v := range s.results {
		snap.Results[k] = v
	}
	if s.completedAt != nil {
		t := *s.completedAt
		snap.CompletedAt = &t
	}
	return snap
}
