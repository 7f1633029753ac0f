package pipeline

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

type fileSpec struct {
	Stages []StageSpec `yaml:"stages"`
}

// Load reads a pipeline definition from a YAML file. The file carries the
// full stage list; partial overlays are not supported since stage order is
// load-bearing.
//
//	stages:
//	  - key: code_analysis
//	    label: Code Analysis
//	  - key: user_story
//	    label: User Story Generation
//	    prompt: "Write a user story for the analyzed code."
func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	var spec fileSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	def, err := New(spec.Stages)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline file %s: %w", path, err)
	}
	return def, nil
}

// FromEnv loads the pipeline named by QAWEAVER_PIPELINE_FILE, falling back
// to the built-in default when the variable is unset.
func FromEnv() (*Definition, error) {
	path := os.Getenv("QAWEAVER_PIPELINE_FILE")
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}
