package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/qaweaverhq/qaweaver/types"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	return s
}

func TestFSStore_SaveLoadArtifact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref, err := s.SaveArtifact(ctx, "run-1", "code_analysis", "# Code Analysis\n")
	if err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}
	if ref != "run-1/code_analysis.md" {
		t.Fatalf("unexpected artifact ref %q", ref)
	}

	got, err := s.LoadArtifact(ctx, "run-1", "code_analysis")
	if err != nil {
		t.Fatalf("LoadArtifact failed: %v", err)
	}
	if got != "# Code Analysis\n" {
		t.Fatalf("artifact content mismatch: %q", got)
	}
}

func TestFSStore_StageFileNames(t *testing.T) {
	cases := map[string]string{
		"gherkin":         "gherkin.feature",
		"test_generation": "test_generation.spec.js",
		"code_analysis":   "code_analysis.md",
		"final_report":    "final_report.md",
	}
	for key, want := range cases {
		if got := StageFileName(key); got != want {
			t.Fatalf("StageFileName(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestFSStore_ArtifactNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadArtifact(context.Background(), "run-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.LoadManifest(context.Background(), "run-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for manifest, got %v", err)
	}
}

func TestFSStore_SaveArtifactValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.SaveArtifact(context.Background(), "", "stage", "x"); !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist for empty run id, got %v", err)
	}
	if _, err := s.SaveArtifact(context.Background(), "run-1", "", "x"); !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist for empty stage key, got %v", err)
	}
}

func TestFSStore_RejectsUnsafeNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := []string{"../escape", "a/b", "a\\b", "..", "run 1"}
	for _, name := range bad {
		if _, err := s.SaveArtifact(ctx, name, "code_analysis", "x"); !errors.Is(err, ErrPersist) {
			t.Fatalf("SaveArtifact(%q) should reject, got %v", name, err)
		}
		if _, err := s.SaveArtifact(ctx, "run-1", name, "x"); !errors.Is(err, ErrPersist) {
			t.Fatalf("SaveArtifact stage %q should reject, got %v", name, err)
		}
		if _, err := s.LoadArtifact(ctx, name, "code_analysis"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LoadArtifact(%q) should report not found, got %v", name, err)
		}
		if _, err := s.LoadManifest(ctx, name); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LoadManifest(%q) should report not found, got %v", name, err)
		}
	}
	if err := s.SaveManifest(ctx, Manifest{RunID: "../escape"}); !errors.Is(err, ErrPersist) {
		t.Fatalf("SaveManifest with traversal run id should reject, got %v", err)
	}
}

func TestFSStore_ManifestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manifest := Manifest{
		RunID:  "run-1",
		Status: types.RunCompleted,
		Stages: []ManifestEntry{
			{Key: "code_analysis", Label: "Code Analysis", Status: types.StageSuccess, File: "code_analysis.md"},
			{Key: "execution", Label: "Test Execution", Status: types.StageError, Message: "boom"},
		},
		Errors:      []string{"stage execution: boom"},
		CreatedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
	}
	if err := s.SaveManifest(ctx, manifest); err != nil {
		t.Fatalf("SaveManifest failed: %v", err)
	}

	got, err := s.LoadManifest(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if diff := cmp.Diff(manifest, got); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestFSStore_OverwriteKeepsLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveArtifact(ctx, "run-1", "gherkin", "first"); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}
	if _, err := s.SaveArtifact(ctx, "run-1", "gherkin", "second"); err != nil {
		t.Fatalf("SaveArtifact overwrite failed: %v", err)
	}
	got, err := s.LoadArtifact(ctx, "run-1", "gherkin")
	if err != nil {
		t.Fatalf("LoadArtifact failed: %v", err)
	}
	if got != "second" {
		t.Fatalf("expected latest content, got %q", got)
	}

	// No temp files left behind by the atomic write.
	entries, err := os.ReadDir(filepath.Join(s.root, "run-1"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single artifact file, found %d entries", len(entries))
	}
}
