package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qaweaverhq/qaweaver/artifact"
	"github.com/qaweaverhq/qaweaver/generator"
	"github.com/qaweaverhq/qaweaver/generator/fallback"
	"github.com/qaweaverhq/qaweaver/pipeline"
	"github.com/qaweaverhq/qaweaver/progress"
	"github.com/qaweaverhq/qaweaver/registry"
	"github.com/qaweaverhq/qaweaver/run"
	"github.com/qaweaverhq/qaweaver/types"
)

// memArtifacts is an in-memory artifact.Store with per-stage failure
// injection.
type memArtifacts struct {
	mu        sync.Mutex
	artifacts map[string]string
	manifests map[string]artifact.Manifest
	failStage string
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{
		artifacts: map[string]string{},
		manifests: map[string]artifact.Manifest{},
	}
}

func (m *memArtifacts) SaveArtifact(_ context.Context, runID, stageKey, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStage != "" && m.failStage == stageKey {
		return "", fmt.Errorf("%w: disk full", artifact.ErrPersist)
	}
	m.artifacts[runID+"/"+stageKey] = content
	return runID + "/" + artifact.StageFileName(stageKey), nil
}

func (m *memArtifacts) LoadArtifact(_ context.Context, runID, stageKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.artifacts[runID+"/"+stageKey]
	if !ok {
		return "", artifact.ErrNotFound
	}
	return content, nil
}

func (m *memArtifacts) SaveManifest(_ context.Context, manifest artifact.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[manifest.RunID] = manifest
	return nil
}

func (m *memArtifacts) LoadManifest(_ context.Context, runID string) (artifact.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	manifest, ok := m.manifests[runID]
	if !ok {
		return artifact.Manifest{}, artifact.ErrNotFound
	}
	return manifest, nil
}

func (m *memArtifacts) count(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.artifacts {
		if strings.HasPrefix(key, runID+"/") {
			n++
		}
	}
	return n
}

type fixture struct {
	orch      *Orchestrator
	registry  *registry.Registry
	broker    *progress.Broker
	artifacts *memArtifacts
}

func newFixture(t *testing.T, def *pipeline.Definition, gen generator.Generator) *fixture {
	t.Helper()
	f := &fixture{
		registry:  registry.New(),
		broker:    progress.NewBroker(),
		artifacts: newMemArtifacts(),
	}
	orch, err := New(Config{
		Pipeline:  def,
		Generator: gen,
		Registry:  f.registry,
		Broker:    f.broker,
		Artifacts: f.artifacts,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.orch = orch
	return f
}

func inputFiles() []types.SourceFile {
	return []types.SourceFile{{Path: "login.cy.js", Content: "cy.visit('https://example.com');\n"}}
}

// drainEvents collects a run's event stream until the terminal event.
func drainEvents(t *testing.T, broker *progress.Broker, runID string) []types.ProgressEvent {
	t.Helper()
	sub, err := broker.Subscribe(runID, 128)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	var events []types.ProgressEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, open := <-sub.Events:
			if !open {
				t.Fatalf("stream closed without terminal event after %d events", len(events))
			}
			events = append(events, event)
			if event.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event after %d events", len(events))
		}
	}
}

func TestOrchestrator_HappyPathFallback(t *testing.T) {
	f := newFixture(t, pipeline.Default(), fallback.New())

	runID, err := f.orch.StartRun(context.Background(), inputFiles())
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	events := drainEvents(t, f.broker, runID)
	f.orch.Wait()

	snap, err := f.registry.Snapshot(runID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Status != types.RunCompleted {
		t.Fatalf("expected completed run, got %s (errors: %v)", snap.Status, snap.Errors)
	}
	for _, stage := range snap.Stages {
		if !stage.Status.Terminal() || stage.Status == types.StageError {
			t.Fatalf("stage %s should have settled cleanly, got %s", stage.Key, stage.Status)
		}
	}
	if got := f.artifacts.count(runID); got != 8 {
		t.Fatalf("expected 8 persisted artifacts, got %d", got)
	}

	last := events[len(events)-1]
	if last.Type != types.EventRunCompleted || last.RunStatus != types.RunCompleted {
		t.Fatalf("unexpected terminal event: %+v", last)
	}

	manifest, err := f.artifacts.LoadManifest(context.Background(), runID)
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	if manifest.Status != types.RunCompleted || len(manifest.Stages) != 8 {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
}

func TestOrchestrator_EventOrdering(t *testing.T) {
	f := newFixture(t, pipeline.Default(), fallback.New())

	runID, err := f.orch.StartRun(context.Background(), inputFiles())
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	events := drainEvents(t, f.broker, runID)
	f.orch.Wait()

	wantKeys := []string{}
	for _, stage := range pipeline.Default().Stages() {
		wantKeys = append(wantKeys, stage.Key, stage.Key)
	}
	var gotKeys []string
	terminal := 0
	for i, event := range events {
		if event.Seq != i {
			t.Fatalf("seq gap at position %d: %d", i, event.Seq)
		}
		if event.Terminal() {
			terminal++
			continue
		}
		gotKeys = append(gotKeys, event.StageKey)
		switch event.Type {
		case types.EventStageStarted:
			if event.StageStatus != types.StageRunning {
				t.Fatalf("stage.started with status %s", event.StageStatus)
			}
		case types.EventStageComplete:
			if !event.StageStatus.Terminal() {
				t.Fatalf("stage.completed with non-terminal status %s", event.StageStatus)
			}
			if event.StageStatus != types.StageError && event.ArtifactRef == "" {
				t.Fatalf("stage.completed for %s published before persistence (no artifact ref)", event.StageKey)
			}
		}
	}
	if terminal != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminal)
	}
	if len(gotKeys) != len(wantKeys) {
		t.Fatalf("expected %d stage events, got %d", len(wantKeys), len(gotKeys))
	}
	for i := range wantKeys {
		if gotKeys[i] != wantKeys[i] {
			t.Fatalf("stage event order mismatch at %d: want %s, got %s", i, wantKeys[i], gotKeys[i])
		}
	}
}

func TestOrchestrator_EmptyInputRejected(t *testing.T) {
	f := newFixture(t, pipeline.Default(), fallback.New())

	if _, err := f.orch.StartRun(context.Background(), nil); !errors.Is(err, run.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.orch.StartRun(context.Background(), []types.SourceFile{{Path: "  "}}); !errors.Is(err, run.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank path, got %v", err)
	}
	if f.registry.Len() != 0 {
		t.Fatalf("rejected input must not register a run, registry has %d", f.registry.Len())
	}
}

func TestOrchestrator_StageFailureDoesNotStopRun(t *testing.T) {
	failing := generator.Func(func(_ context.Context, req generator.Request) (generator.Result, error) {
		if req.Stage.Key == pipeline.KeyGherkin {
			return generator.Result{}, fmt.Errorf("backend exploded")
		}
		return generator.Result{Artifact: "ok: " + req.Stage.Key, Quality: types.StageSuccess}, nil
	})
	f := newFixture(t, pipeline.Default(), failing)

	runID, err := f.orch.StartRun(context.Background(), inputFiles())
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	events := drainEvents(t, f.broker, runID)
	f.orch.Wait()

	snap, _ := f.registry.Snapshot(runID)
	if snap.Status != types.RunCompleted {
		t.Fatalf("stage failure must not fail the run, got %s", snap.Status)
	}
	for _, stage := range snap.Stages {
		want := types.StageSuccess
		if stage.Key == pipeline.KeyGherkin {
			want = types.StageError
		}
		if stage.Status != want {
			t.Fatalf("stage %s: want %s, got %s", stage.Key, want, stage.Status)
		}
	}
	if len(snap.Errors) != 1 || !strings.Contains(snap.Errors[0], "backend exploded") {
		t.Fatalf("unexpected errors list: %v", snap.Errors)
	}
	if got := f.artifacts.count(runID); got != 7 {
		t.Fatalf("expected 7 artifacts (failed stage produces none), got %d", got)
	}
	if events[len(events)-1].Type != types.EventRunCompleted {
		t.Fatalf("terminal event should be run.completed, got %s", events[len(events)-1].Type)
	}
}

func TestOrchestrator_MissingRequirementSkipsGenerator(t *testing.T) {
	var mu sync.Mutex
	invoked := map[string]bool{}
	gen := generator.Func(func(_ context.Context, req generator.Request) (generator.Result, error) {
		mu.Lock()
		invoked[req.Stage.Key] = true
		mu.Unlock()
		if req.Stage.Key == pipeline.KeyTestGeneration {
			return generator.Result{}, fmt.Errorf("cannot produce tests")
		}
		return generator.Result{Artifact: "ok", Quality: types.StageSuccess}, nil
	})
	f := newFixture(t, pipeline.Default(), gen)

	runID, err := f.orch.StartRun(context.Background(), inputFiles())
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	drainEvents(t, f.broker, runID)
	f.orch.Wait()

	snap, _ := f.registry.Snapshot(runID)
	var execution types.StageState
	for _, stage := range snap.Stages {
		if stage.Key == pipeline.KeyExecution {
			execution = stage
		}
	}
	if execution.Status != types.StageError {
		t.Fatalf("execution should error on missing requirement, got %s", execution.Status)
	}
	if !strings.Contains(execution.Message, "required artifact missing") {
		t.Fatalf("unexpected execution message: %q", execution.Message)
	}
	mu.Lock()
	defer mu.Unlock()
	if invoked[pipeline.KeyExecution] {
		t.Fatal("generator must not run for a stage with missing requirements")
	}
	if !invoked[pipeline.KeyCoverage] {
		t.Fatal("stages after the skipped one must still run")
	}
}

func TestOrchestrator_PersistFailureFailsRun(t *testing.T) {
	f := newFixture(t, pipeline.Default(), fallback.New())
	f.artifacts.failStage = pipeline.KeyUserStory

	runID, err := f.orch.StartRun(context.Background(), inputFiles())
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	events := drainEvents(t, f.broker, runID)
	f.orch.Wait()

	snap, _ := f.registry.Snapshot(runID)
	if snap.Status != types.RunFailed {
		t.Fatalf("persistence failure must fail the run, got %s", snap.Status)
	}
	last := events[len(events)-1]
	if last.Type != types.EventRunFailed || last.Reason == "" {
		t.Fatalf("unexpected terminal event: %+v", last)
	}
	// Later stages were never reached.
	for _, stage := range snap.Stages {
		if stage.Key == pipeline.KeyGherkin && stage.Status != types.StagePending {
			t.Fatalf("stages after the fatal failure must stay pending, got %s", stage.Status)
		}
	}
}

func TestOrchestrator_CancelDoesNotInterruptStage(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	gen := generator.Func(func(ctx context.Context, req generator.Request) (generator.Result, error) {
		if req.Stage.Key == pipeline.KeyCodeAnalysis {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return generator.Result{}, ctx.Err()
			}
		}
		return generator.Result{Artifact: "ok", Quality: types.StageSuccess}, nil
	})
	f := newFixture(t, pipeline.Default(), gen)

	runID, err := f.orch.StartRun(context.Background(), inputFiles())
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first stage never started")
	}
	if err := f.orch.Cancel(runID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(release)

	drainEvents(t, f.broker, runID)
	f.orch.Wait()

	// The in-flight stage must run to its own outcome, untouched by Cancel.
	snap, _ := f.registry.Snapshot(runID)
	if snap.Status != types.RunCancelled {
		t.Fatalf("expected cancelled run, got %s", snap.Status)
	}
	for _, stage := range snap.Stages {
		if stage.Key == pipeline.KeyCodeAnalysis && stage.Status != types.StageSuccess {
			t.Fatalf("in-flight stage should finish as success, got %s", stage.Status)
		}
	}
	if len(snap.Errors) != 0 {
		t.Fatalf("cancellation must not record stage errors, got %v", snap.Errors)
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 16)
	gen := generator.Func(func(ctx context.Context, req generator.Request) (generator.Result, error) {
		started <- req.Stage.Key
		if req.Stage.Key == pipeline.KeyCodeAnalysis {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return generator.Result{Artifact: "ok", Quality: types.StageSuccess}, nil
	})
	f := newFixture(t, pipeline.Default(), gen)

	runID, err := f.orch.StartRun(context.Background(), inputFiles())
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first stage never started")
	}
	if err := f.orch.Cancel(runID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(release)

	events := drainEvents(t, f.broker, runID)
	f.orch.Wait()

	snap, _ := f.registry.Snapshot(runID)
	if snap.Status != types.RunCancelled {
		t.Fatalf("expected cancelled run, got %s", snap.Status)
	}
	last := events[len(events)-1]
	if last.Type != types.EventRunFailed || last.RunStatus != types.RunCancelled || last.Reason != "cancelled" {
		t.Fatalf("unexpected terminal event: %+v", last)
	}
	// The in-flight stage finished; everything after stayed pending.
	pending := 0
	for _, stage := range snap.Stages {
		if stage.Status == types.StagePending {
			pending++
		}
	}
	if pending == 0 {
		t.Fatal("cancellation at the stage boundary should leave later stages pending")
	}

	if err := f.orch.Cancel(runID); !errors.Is(err, run.ErrCancelled) {
		t.Fatalf("cancelling a cancelled run should return ErrCancelled, got %v", err)
	}
}

func TestOrchestrator_CancelUnknownRun(t *testing.T) {
	f := newFixture(t, pipeline.Default(), fallback.New())
	if err := f.orch.Cancel("missing"); !errors.Is(err, run.ErrUnknownRun) {
		t.Fatalf("expected ErrUnknownRun, got %v", err)
	}
}

func TestOrchestrator_LateSubscriberGetsFullReplay(t *testing.T) {
	f := newFixture(t, pipeline.Default(), fallback.New())

	runID, err := f.orch.StartRun(context.Background(), inputFiles())
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	f.orch.Wait()

	// Subscribe only after the run is fully finished.
	events := drainEvents(t, f.broker, runID)
	if len(events) != 17 {
		t.Fatalf("expected 8 started + 8 completed + 1 terminal = 17 events, got %d", len(events))
	}
	if events[0].Seq != 0 {
		t.Fatalf("replay must start at seq 0, got %d", events[0].Seq)
	}
}

func TestOrchestrator_WarnPlaceholderStatus(t *testing.T) {
	f := newFixture(t, pipeline.Default(), fallback.New())

	runID, err := f.orch.StartRun(context.Background(), inputFiles())
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	drainEvents(t, f.broker, runID)
	f.orch.Wait()

	snap, _ := f.registry.Snapshot(runID)
	for _, stage := range snap.Stages {
		if stage.Key == pipeline.KeyGherkin && stage.Status != types.StageWarn {
			t.Fatalf("placeholder output must surface as warn, got %s", stage.Status)
		}
	}
}
