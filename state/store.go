// Package state defines the durable run-record store used for run history.
// Backends are pluggable; the sqlite and redis subpackages implement this
// interface and the factory subpackage selects one from the environment.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/qaweaverhq/qaweaver/types"
)

var ErrNotFound = errors.New("state: not found")

// RunRecord is the persisted projection of a run. It carries enough to
// answer history queries after the in-memory registry is gone.
type RunRecord struct {
	RunID       string             `json:"runId"`
	Status      types.RunStatus    `json:"status"`
	Stages      []types.StageState `json:"stages"`
	Errors      []string           `json:"errors,omitempty"`
	InputCount  int                `json:"inputCount"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
}

type ListRunsQuery struct {
	Status types.RunStatus
	Limit  int
	Offset int
}

type Store interface {
	SaveRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)

	Close() error
}

// RecordFromSnapshot projects a run snapshot into its persisted form.
func RecordFromSnapshot(snap types.RunSnapshot) RunRecord {
	return RunRecord{
		RunID:       snap.RunID,
		Status:      snap.Status,
		Stages:      snap.Stages,
		Errors:      snap.Errors,
		InputCount:  len(snap.InputFiles),
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   time.Now().UTC(),
		CompletedAt: snap.CompletedAt,
	}
}
