// Package artifact owns the durable artifact layout: one file per completed
// stage under a run-scoped directory, plus a manifest enumerating stage
// outcomes. The manifest is what run queries are ultimately backed by.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qaweaverhq/qaweaver/types"
)

// ErrPersist marks artifact durability failures. These are fatal to a run:
// the write-once artifact contract cannot be honored without them.
var ErrPersist = errors.New("artifact: persistence failed")

// ErrNotFound is returned when a run or stage artifact does not exist.
var ErrNotFound = errors.New("artifact: not found")

// ManifestEntry records one stage's outcome in the manifest.
type ManifestEntry struct {
	Key     string            `json:"key"`
	Label   string            `json:"label"`
	Status  types.StageStatus `json:"status"`
	Message string            `json:"message,omitempty"`
	File    string            `json:"file,omitempty"`
}

// Manifest enumerates which stages succeeded, warned, or errored for a run.
type Manifest struct {
	RunID       string          `json:"runId"`
	Status      types.RunStatus `json:"status"`
	Stages      []ManifestEntry `json:"stages"`
	Errors      []string        `json:"errors,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

type Store interface {
	// SaveArtifact durably writes one stage artifact and returns its
	// addressable reference. The write completes before it returns.
	SaveArtifact(ctx context.Context, runID, stageKey, content string) (string, error)
	LoadArtifact(ctx context.Context, runID, stageKey string) (string, error)
	SaveManifest(ctx context.Context, manifest Manifest) error
	LoadManifest(ctx context.Context, runID string) (Manifest, error)
}

// FSStore persists artifacts under root/<runID>/.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) SaveArtifact(_ context.Context, runID, stageKey, content string) (string, error) {
	if !safePathComponent(runID) || !safePathComponent(stageKey) {
		return "", fmt.Errorf("%w: invalid run id or stage key", ErrPersist)
	}
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersist, err)
	}
	name := StageFileName(stageKey)
	path := filepath.Join(dir, name)
	if err := writeFileAtomic(path, []byte(content)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return filepath.ToSlash(filepath.Join(runID, name)), nil
}

func (s *FSStore) LoadArtifact(_ context.Context, runID, stageKey string) (string, error) {
	if !safePathComponent(runID) || !safePathComponent(stageKey) {
		return "", ErrNotFound
	}
	path := filepath.Join(s.root, runID, StageFileName(stageKey))
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}
	return string(raw), nil
}

func (s *FSStore) SaveManifest(_ context.Context, manifest Manifest) error {
	if !safePathComponent(manifest.RunID) {
		return fmt.Errorf("%w: invalid run id", ErrPersist)
	}
	dir := filepath.Join(s.root, manifest.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "manifest.json"), raw); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func (s *FSStore) LoadManifest(_ context.Context, runID string) (Manifest, error) {
	if !safePathComponent(runID) {
		return Manifest{}, ErrNotFound
	}
	raw, err := os.ReadFile(filepath.Join(s.root, runID, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return m, nil
}

// safePathComponent accepts only names that stay inside one directory
// level. Run ids are UUIDs and stage keys are snake_case words; anything
// else, in particular separators and dot-dot, never touches the filesystem.
func safePathComponent(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// StageFileName maps a stage key to its on-disk artifact name. Gherkin and
// generated test code keep their natural extensions so the files are usable
// directly; everything else is Markdown.
func StageFileName(stageKey string) string {
	switch stageKey {
	case "gherkin":
		return "gherkin.feature"
	case "test_generation":
		return "test_generation.spec.js"
	default:
		return stageKey + ".md"
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
