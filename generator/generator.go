// Package generator defines the pluggable content-producing capability a
// pipeline stage invokes. Two implementations ship with the service: an
// OpenAI-compatible backend and a deterministic fallback. Degraded (no
// backend) operation is a first-class mode, not an error path, so the
// fallback never fails for "no backend configured"; it produces a clearly
// labeled artifact with warn quality instead.
package generator

import (
	"context"

	"github.com/qaweaverhq/qaweaver/pipeline"
	"github.com/qaweaverhq/qaweaver/types"
)

// Quality signals how much confidence the generator has in the artifact.
// Warn marks placeholder or low-confidence output; the run still completes.
type Quality = types.StageStatus

// Request carries everything a stage generation needs: the stage spec and a
// consistent snapshot of the run so far. Prior stage artifacts are visible
// through the snapshot; stages run strictly in sequence, so every artifact
// a stage requires is already present when it starts.
type Request struct {
	Stage    pipeline.StageSpec
	Snapshot types.RunSnapshot
}

// Result is one produced artifact plus its quality status.
type Result struct {
	Artifact string
	Quality  Quality
}

type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Generator interface; used by tests.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Name() string { return "func" }

func (f Func) Generate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
