// Package orchestrator drives runs through the pipeline: one goroutine per
// run walks the stage sequence, mutates the run state through its registry
// handle, persists artifacts, and publishes progress events.
//
// Failure policy: a stage failure is recorded and the run continues, so one
// bad generation never costs the artifacts of later stages. Artifact
// persistence failures are fatal; a run that cannot durably store its output
// is failed rather than reported healthy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qaweaverhq/qaweaver/artifact"
	"github.com/qaweaverhq/qaweaver/generator"
	"github.com/qaweaverhq/qaweaver/observe"
	"github.com/qaweaverhq/qaweaver/pipeline"
	"github.com/qaweaverhq/qaweaver/progress"
	"github.com/qaweaverhq/qaweaver/registry"
	"github.com/qaweaverhq/qaweaver/run"
	"github.com/qaweaverhq/qaweaver/state"
	"github.com/qaweaverhq/qaweaver/types"
)

type Config struct {
	Pipeline  *pipeline.Definition
	Generator generator.Generator
	Registry  *registry.Registry
	Broker    *progress.Broker
	Artifacts artifact.Store

	// States is optional run history. Nil disables it; history writes are
	// best effort and never fail a run.
	States state.Store

	// Sink receives telemetry events. Nil means no telemetry.
	Sink observe.Sink
}

type Orchestrator struct {
	pipeline  *pipeline.Definition
	generator generator.Generator
	registry  *registry.Registry
	broker    *progress.Broker
	artifacts artifact.Store
	states    state.Store
	sink      observe.Sink

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	sink := cfg.Sink
	if sink == nil {
		sink = observe.NoopSink{}
	}
	return &Orchestrator{
		pipeline:  cfg.Pipeline,
		generator: cfg.Generator,
		registry:  cfg.Registry,
		broker:    cfg.Broker,
		artifacts: cfg.Artifacts,
		states:    cfg.States,
		sink:      sink,
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// StartRun validates the input, registers a new run, and launches its
// pipeline goroutine. It returns as soon as the run is visible through the
// registry and its progress stream is open; generation happens async.
func (o *Orchestrator) StartRun(ctx context.Context, files []types.SourceFile) (string, error) {
	if err := validateInput(files); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	st := run.New(runID, files, o.pipeline.InitialStates())
	handle, err := o.registry.Register(st)
	if err != nil {
		return "", fmt.Errorf("failed to register run: %w", err)
	}
	o.broker.Open(runID)
	o.saveRecord(handle.Snapshot())

	// The run outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.cancels[runID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.execute(runCtx, runID, handle)

	return runID, nil
}

// Cancel requests cancellation of a running run. The run stops at the next
// stage boundary; the in-flight stage, if any, finishes first. Cancelling a
// run that already reached cancelled returns run.ErrCancelled.
func (o *Orchestrator) Cancel(runID string) error {
	snap, err := o.registry.Snapshot(runID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if !ok {
		if snap.Status == types.RunCancelled {
			return run.ErrCancelled
		}
		return fmt.Errorf("run %q is not active", runID)
	}
	cancel()
	return nil
}

// Wait blocks until every launched run goroutine has finished. Used for
// graceful shutdown and by tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func validateInput(files []types.SourceFile) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: at least one source file is required", run.ErrInvalidInput)
	}
	for i, f := range files {
		if strings.TrimSpace(f.Path) == "" {
			return fmt.Errorf("%w: file %d has no path", run.ErrInvalidInput, i)
		}
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, runID string, handle *registry.Handle) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		if cancel, ok := o.cancels[runID]; ok {
			cancel()
			delete(o.cancels, runID)
		}
		o.mu.Unlock()
	}()

	started := time.Now()
	o.emit(ctx, observe.Event{RunID: runID, Kind: observe.KindRun, Status: observe.StatusStarted})

	for _, stage := range o.pipeline.Stages() {
		if ctx.Err() != nil {
			o.finish(ctx, runID, handle, types.RunCancelled, "cancelled", started)
			return
		}
		if err := o.executeStage(ctx, runID, handle, stage); err != nil {
			o.finish(ctx, runID, handle, types.RunFailed, err.Error(), started)
			return
		}
	}

	if ctx.Err() != nil {
		o.finish(ctx, runID, handle, types.RunCancelled, "cancelled", started)
		return
	}
	o.finish(ctx, runID, handle, types.RunCompleted, "", started)
}

// executeStage runs one stage to a terminal status. A non-nil return means
// the whole run must fail; stage-level generation errors return nil after
// being recorded.
func (o *Orchestrator) executeStage(ctx context.Context, runID string, handle *registry.Handle, stage pipeline.StageSpec) error {
	stageStart := time.Now()

	// Cancellation lands at stage boundaries only. A stage already in
	// flight runs to its own terminal status, so generation and artifact
	// writes get a context that survives Cancel.
	stageCtx := context.WithoutCancel(ctx)

	handle.Update(func(st *run.State) {
		_ = st.SetStageStatus(stage.Key, types.StageRunning, "")
	})
	snap := handle.Snapshot()
	o.broker.Publish(runID, types.ProgressEvent{
		Type:        types.EventStageStarted,
		Timestamp:   time.Now().UTC(),
		RunID:       runID,
		StageKey:    stage.Key,
		StageStatus: types.StageRunning,
		Message:     stage.Label,
	})
	o.emit(stageCtx, observe.Event{
		RunID: runID, Kind: observe.KindStage, Status: observe.StatusStarted,
		StageKey: stage.Key, Generator: o.generator.Name(),
	})

	if missing := missingRequirements(stage, snap); len(missing) > 0 {
		msg := fmt.Sprintf("required artifact missing: %s", strings.Join(missing, ", "))
		o.failStage(stageCtx, runID, handle, stage, msg, stageStart)
		return nil
	}

	res, err := o.generator.Generate(stageCtx, generator.Request{Stage: stage, Snapshot: snap})
	if err != nil {
		o.failStage(stageCtx, runID, handle, stage, err.Error(), stageStart)
		return nil
	}
	quality := res.Quality
	if quality != types.StageWarn {
		quality = types.StageSuccess
	}

	ref, err := o.artifacts.SaveArtifact(stageCtx, runID, stage.Key, res.Artifact)
	if err != nil {
		msg := fmt.Sprintf("stage %s: %v", stage.Key, err)
		handle.Update(func(st *run.State) {
			_ = st.SetStageStatus(stage.Key, types.StageError, msg)
			st.AppendError(msg)
		})
		o.emit(stageCtx, observe.Event{
			RunID: runID, Kind: observe.KindArtifact, Status: observe.StatusFailed,
			StageKey: stage.Key, Error: err.Error(),
		})
		return fmt.Errorf("artifact persistence failed for stage %s: %w", stage.Key, err)
	}

	var message string
	if quality == types.StageWarn {
		message = "generated without a model backend"
	}
	handle.Update(func(st *run.State) {
		_ = st.SetResult(stage.Key, res.Artifact)
		_ = st.SetStageStatus(stage.Key, quality, message)
	})
	o.saveRecord(handle.Snapshot())

	// Completion is announced only after the artifact hit disk, so every
	// stage.completed a client sees refers to a fetchable artifact.
	o.broker.Publish(runID, types.ProgressEvent{
		Type:        types.EventStageComplete,
		Timestamp:   time.Now().UTC(),
		RunID:       runID,
		StageKey:    stage.Key,
		StageStatus: quality,
		Message:     message,
		ArtifactRef: ref,
	})
	o.emit(stageCtx, observe.Event{
		RunID: runID, Kind: observe.KindStage, Status: observe.StatusCompleted,
		StageKey: stage.Key, Generator: o.generator.Name(),
		DurationMs: time.Since(stageStart).Milliseconds(),
		Attributes: map[string]any{"quality": string(quality)},
	})
	return nil
}

// failStage records a stage-level failure. The run continues; later stages
// see the missing artifact and degrade on their own terms.
func (o *Orchestrator) failStage(ctx context.Context, runID string, handle *registry.Handle, stage pipeline.StageSpec, msg string, stageStart time.Time) {
	full := fmt.Sprintf("stage %s: %s", stage.Key, msg)
	handle.Update(func(st *run.State) {
		_ = st.SetStageStatus(stage.Key, types.StageError, msg)
		st.AppendError(full)
	})
	o.saveRecord(handle.Snapshot())
	o.broker.Publish(runID, types.ProgressEvent{
		Type:        types.EventStageComplete,
		Timestamp:   time.Now().UTC(),
		RunID:       runID,
		StageKey:    stage.Key,
		StageStatus: types.StageError,
		Message:     msg,
	})
	o.emit(ctx, observe.Event{
		RunID: runID, Kind: observe.KindStage, Status: observe.StatusFailed,
		StageKey: stage.Key, Error: msg,
		DurationMs: time.Since(stageStart).Milliseconds(),
	})
	log.Printf("[orchestrator] run=%s stage=%s failed: %s", runID, stage.Key, msg)
}

func (o *Orchestrator) finish(ctx context.Context, runID string, handle *registry.Handle, status types.RunStatus, reason string, started time.Time) {
	// Cancelled runs still get their manifest and terminal events written.
	ctx = context.WithoutCancel(ctx)
	handle.Update(func(st *run.State) {
		st.Complete(status)
	})
	snap := handle.Snapshot()

	if err := o.writeManifest(ctx, snap); err != nil {
		if status != types.RunFailed {
			status = types.RunFailed
			reason = err.Error()
			handle.Update(func(st *run.State) {
				st.AppendError(err.Error())
				st.Complete(status)
			})
			snap = handle.Snapshot()
		}
		log.Printf("[orchestrator] run=%s manifest write failed: %v", runID, err)
	}
	o.saveRecord(snap)

	eventType := types.EventRunCompleted
	obsStatus := observe.StatusCompleted
	if status == types.RunFailed || status == types.RunCancelled {
		eventType = types.EventRunFailed
	}
	if status == types.RunFailed {
		obsStatus = observe.StatusFailed
	}
	o.broker.Publish(runID, types.ProgressEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		RunStatus: status,
		Reason:    reason,
	})
	o.broker.Close(runID)

	o.emit(ctx, observe.Event{
		RunID: runID, Kind: observe.KindRun, Status: obsStatus,
		Message: string(status), Error: reason,
		DurationMs: time.Since(started).Milliseconds(),
	})
	log.Printf("[orchestrator] run=%s finished status=%s", runID, status)
}

func (o *Orchestrator) writeManifest(ctx context.Context, snap types.RunSnapshot) error {
	manifest := artifact.Manifest{
		RunID:       snap.RunID,
		Status:      snap.Status,
		Stages:      make([]artifact.ManifestEntry, 0, len(snap.Stages)),
		Errors:      snap.Errors,
		CreatedAt:   snap.CreatedAt,
		CompletedAt: snap.CompletedAt,
	}
	for _, st := range snap.Stages {
		entry := artifact.ManifestEntry{
			Key:     st.Key,
			Label:   st.Label,
			Status:  st.Status,
			Message: st.Message,
		}
		if _, ok := snap.Result(st.Key); ok {
			entry.File = artifact.StageFileName(st.Key)
		}
		manifest.Stages = append(manifest.Stages, entry)
	}
	if err := o.artifacts.SaveManifest(ctx, manifest); err != nil {
		return fmt.Errorf("manifest persistence failed: %w", err)
	}
	return nil
}

func (o *Orchestrator) saveRecord(snap types.RunSnapshot) {
	if o.states == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.states.SaveRun(ctx, state.RecordFromSnapshot(snap)); err != nil {
		log.Printf("[orchestrator] run=%s history save failed: %v", snap.RunID, err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, event observe.Event) {
	event.Normalize()
	if err := o.sink.Emit(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[orchestrator] telemetry emit failed: %v", err)
	}
}

func missingRequirements(stage pipeline.StageSpec, snap types.RunSnapshot) []string {
	var missing []string
	for _, req := range stage.Requires {
		if _, ok := snap.Result(req); !ok {
			missing = append(missing, req)
		}
	}
	return missing
}
