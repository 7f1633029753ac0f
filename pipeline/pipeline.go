// Package pipeline defines the fixed, ordered stage graph a run executes.
//
// The stage vocabulary is versioned configuration, not a per-run decision:
// changing keys, labels, or order means loading a different Definition at
// process start.
package pipeline

import (
	"fmt"

	"github.com/qaweaverhq/qaweaver/types"
)

// StageSpec describes one pipeline stage. Requires lists stage keys whose
// artifacts are structurally necessary: when one is missing the stage is
// recorded as errored instead of invoking its generator. Everything else a
// stage reads from earlier stages degrades to a neutral placeholder.
type StageSpec struct {
	Key      string   `json:"key" yaml:"key"`
	Label    string   `json:"label" yaml:"label"`
	Prompt   string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Requires []string `json:"requires,omitempty" yaml:"requires,omitempty"`
}

// Definition is an immutable ordered sequence of stages.
type Definition struct {
	stages []StageSpec
	index  map[string]int
}

// Stage keys. Fixed vocabulary shared with artifact layout and the API.
const (
	KeyCodeAnalysis   = "code_analysis"
	KeyUserStory      = "user_story"
	KeyGherkin        = "gherkin"
	KeyTestPlan       = "test_plan"
	KeyTestGeneration = "test_generation"
	KeyExecution      = "execution"
	KeyCoverage       = "coverage"
	KeyFinalReport    = "final_report"
)

// Default returns the standard eight-stage QA pipeline.
func Default() *Definition {
	def, err := New([]StageSpec{
		{Key: KeyCodeAnalysis, Label: "Code Analysis"},
		{Key: KeyUserStory, Label: "User Story Generation"},
		{Key: KeyGherkin, Label: "Gherkin Scenarios"},
		{Key: KeyTestPlan, Label: "Test Plan Creation"},
		{Key: KeyTestGeneration, Label: "Test Code Generation"},
		{Key: KeyExecution, Label: "Test Execution", Requires: []string{KeyTestGeneration}},
		{Key: KeyCoverage, Label: "Coverage Analysis"},
		{Key: KeyFinalReport, Label: "Final Report"},
	})
	if err != nil {
		panic(err)
	}
	return def
}

// New validates and freezes a stage sequence.
func New(stages []StageSpec) (*Definition, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline requires at least one stage")
	}
	index := make(map[string]int, len(stages))
	for i, st := range stages {
		if st.Key == "" {
			return nil, fmt.Errorf("stage %d: key is required", i)
		}
		if st.Label == "" {
			return nil, fmt.Errorf("stage %q: label is required", st.Key)
		}
		if _, dup := index[st.Key]; dup {
			return nil, fmt.Errorf("stage %q: duplicate key", st.Key)
		}
		index[st.Key] = i
	}
	for _, st := range stages {
		for _, req := range st.Requires {
			pos, ok := index[req]
			if !ok {
				return nil, fmt.Errorf("stage %q requires unknown stage %q", st.Key, req)
			}
			if pos >= index[st.Key] {
				return nil, fmt.Errorf("stage %q requires %q which does not precede it", st.Key, req)
			}
		}
	}
	return &Definition{stages: append([]StageSpec(nil), stages...), index: index}, nil
}

// Stages returns the ordered stage list.
func (d *Definition) Stages() []StageSpec {
	return append([]StageSpec(nil), d.stages...)
}

// Len returns the number of stages.
func (d *Definition) Len() int { return len(d.stages) }

// Stage looks a spec up by key.
func (d *Definition) Stage(key string) (StageSpec, bool) {
	i, ok := d.index[key]
	if !ok {
		return StageSpec{}, false
	}
	return d.stages[i], true
}

// InitialStates returns the pending StageState slice used to seed a run.
func (d *Definition) InitialStates() []types.StageState {
	out := make([]types.StageState, 0, len(d.stages))
	for _, st := range d.stages {
		out = append(out, types.StageState{Key: st.Key, Label: st.Label, Status: types.StagePending})
	}
	return out
}
