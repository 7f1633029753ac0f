// Package fallback is the deterministic generator used when no model backend
// is configured. Artifacts are a pure function of the run's input files, so
// two runs over identical inputs produce byte-identical output for every
// stage. Template-derived stages report warn quality; genuinely computed
// stages (analysis with findings, the final aggregation) report success.
package fallback

import (
	"context"
	"fmt"
	"strings"

	"github.com/qaweaverhq/qaweaver/generator"
	"github.com/qaweaverhq/qaweaver/pipeline"
	"github.com/qaweaverhq/qaweaver/types"
)

const missingArtifact = "_(not available: upstream stage produced no artifact)_"

type Generator struct{}

func New() *Generator { return &Generator{} }

func (g *Generator) Name() string { return "fallback" }

func (g *Generator) Generate(_ context.Context, req generator.Request) (generator.Result, error) {
	analyses := analyzeAll(req.Snapshot.InputFiles)
	primary := analyses[0]

	switch req.Stage.Key {
	case pipeline.KeyCodeAnalysis:
		return codeAnalysisArtifact(analyses), nil
	case pipeline.KeyUserStory:
		return warnResult(userStoryArtifact(primary)), nil
	case pipeline.KeyGherkin:
		return warnResult(gherkinFeature(primary)), nil
	case pipeline.KeyTestPlan:
		return warnResult(testPlanArtifact(primary)), nil
	case pipeline.KeyTestGeneration:
		return warnResult(playwrightTest(primary)), nil
	case pipeline.KeyExecution:
		return warnResult(executionArtifact(primary)), nil
	case pipeline.KeyCoverage:
		return warnResult(coverageArtifact(primary)), nil
	case pipeline.KeyFinalReport:
		return finalReportArtifact(primary, req.Snapshot), nil
	default:
		return warnResult(genericArtifact(req.Stage, primary)), nil
	}
}

func analyzeAll(files []types.SourceFile) []Analysis {
	if len(files) == 0 {
		return []Analysis{Analyze("unknown", "")}
	}
	out := make([]Analysis, 0, len(files))
	for _, f := range files {
		out = append(out, Analyze(f.Path, f.Content))
	}
	return out
}

func warnResult(artifact string) generator.Result {
	return generator.Result{Artifact: artifact, Quality: types.StageWarn}
}

func codeAnalysisArtifact(analyses []Analysis) generator.Result {
	var b strings.Builder
	b.WriteString("# Code Analysis\n\n")
	findings := false
	for _, a := range analyses {
		fmt.Fprintf(&b, "## %s\n\n", a.Filename)
		fmt.Fprintf(&b, "- Language: %s\n", a.Language)
		fmt.Fprintf(&b, "- Frameworks: %s\n", orNone(strings.Join(a.Frameworks, ", ")))
		fmt.Fprintf(&b, "- URLs found: %d\n", len(a.URLs))
		fmt.Fprintf(&b, "- Interaction steps: %d\n", len(a.Steps))
		fmt.Fprintf(&b, "- Lines: %d\n", a.Lines)
		fmt.Fprintf(&b, "- Complexity score: %d\n", a.Complexity)
		if a.PrimaryURL != "" {
			fmt.Fprintf(&b, "- Primary URL: %s\n", a.PrimaryURL)
		}
		b.WriteString("\n")
		if len(a.Steps) > 0 || len(a.URLs) > 0 {
			findings = true
		}
	}
	quality := types.StageSuccess
	if !findings {
		b.WriteString("_No URLs or interaction steps were recovered; downstream stages use generic templates._\n")
		quality = types.StageWarn
	}
	return generator.Result{Artifact: b.String(), Quality: quality}
}

func userStoryArtifact(a Analysis) string {
	framework := "web"
	if len(a.Frameworks) > 0 {
		framework = a.Frameworks[0]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**User Story for %s**\n\n", a.Filename)
	fmt.Fprintf(&b, "As a QA Engineer testing a %s application with the %s framework\n", a.Language, framework)
	b.WriteString("I want to verify all functionality works correctly\n")
	b.WriteString("So that users can interact with the application reliably\n\n")
	b.WriteString("**Technical Details:**\n")
	fmt.Fprintf(&b, "- Primary URL: %s\n", orNone(a.PrimaryURL))
	fmt.Fprintf(&b, "- Test steps identified: %d\n", len(a.Steps))
	fmt.Fprintf(&b, "- Frameworks detected: %s\n", orNone(strings.Join(a.Frameworks, ", ")))
	fmt.Fprintf(&b, "- Language: %s\n\n", a.Language)
	b.WriteString("**Acceptance Criteria:**\n")
	b.WriteString("- All navigation flows work correctly\n")
	b.WriteString("- User interactions (clicks, form inputs) function properly\n")
	b.WriteString("- Assertions validate expected behavior\n")
	b.WriteString("- Coverage metrics meet quality standards\n")
	return b.String()
}

func testPlanArtifact(a Analysis) string {
	framework := "standard web application"
	if len(a.Frameworks) > 0 {
		framework = a.Frameworks[0]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Test Plan for %s\n\n", a.Filename)
	b.WriteString("### Overview\n")
	fmt.Fprintf(&b, "- **Application**: %s\n", a.Filename)
	fmt.Fprintf(&b, "- **Technology**: %s\n", a.Language)
	fmt.Fprintf(&b, "- **Framework**: %s\n", framework)
	fmt.Fprintf(&b, "- **Target URL**: %s\n", orNone(a.PrimaryURL))
	fmt.Fprintf(&b, "- **Test Steps**: %d\n\n", len(a.Steps))
	b.WriteString("### Test Strategy\n")
	b.WriteString("1. **Functional Testing**: navigation flows, form inputs, submissions\n")
	b.WriteString("2. **UI Testing**: element visibility, styling, responsive behavior\n")
	b.WriteString("3. **Integration Testing**: API calls, external services, error handling\n\n")
	b.WriteString("### Coverage Goals\n")
	b.WriteString("- Minimum 80% code coverage\n")
	b.WriteString("- All critical user paths tested\n")
	b.WriteString("- Error scenarios covered\n\n")
	b.WriteString("### Test Environment\n")
	b.WriteString("- Browser: Chromium (Playwright)\n")
	b.WriteString("- Coverage tool: c8\n")
	return b.String()
}

// executionArtifact simulates a test run. Counts derive from the recovered
// steps so identical inputs report identical results.
func executionArtifact(a Analysis) string {
	testsRun := len(a.Steps)
	if testsRun == 0 {
		testsRun = 3
	}
	// One deterministic "flaky" failure for odd complexity keeps the report
	// from looking implausibly perfect without introducing randomness.
	testsFailed := 0
	if a.Complexity%2 == 1 && testsRun > 1 {
		testsFailed = 1
	}
	testsPassed := testsRun - testsFailed
	status := "passed"
	if testsFailed > 0 {
		status = "warning"
	}
	var b strings.Builder
	b.WriteString("# Test Execution (simulated)\n\n")
	fmt.Fprintf(&b, "- Status: %s\n", status)
	fmt.Fprintf(&b, "- Tests run: %d\n", testsRun)
	fmt.Fprintf(&b, "- Passed: %d\n", testsPassed)
	fmt.Fprintf(&b, "- Failed: %d\n", testsFailed)
	b.WriteString("- Mode: simulated_playwright\n")
	return b.String()
}

// coverageArtifact derives coverage figures from the complexity score,
// clamped to plausible ranges, the same shape the real c8 integration emits.
func coverageArtifact(a Analysis) string {
	base := clamp(70+a.Complexity*2, 60, 95)
	statements := clamp(base+2, 50, 95)
	branches := clamp(base-5, 45, 90)
	functions := clamp(base+6, 60, 100)
	lines := clamp(base-1, 55, 92)
	overall := (statements + branches + functions + lines) / 4
	var b strings.Builder
	b.WriteString("# Coverage Analysis (simulated)\n\n")
	fmt.Fprintf(&b, "- Overall: %d%%\n", overall)
	fmt.Fprintf(&b, "- Statements: %d%%\n", statements)
	fmt.Fprintf(&b, "- Branches: %d%%\n", branches)
	fmt.Fprintf(&b, "- Functions: %d%%\n", functions)
	fmt.Fprintf(&b, "- Lines: %d%%\n", lines)
	b.WriteString("- Source: simulated_c8_coverage\n")
	return b.String()
}

func finalReportArtifact(a Analysis, snap types.RunSnapshot) generator.Result {
	var b strings.Builder
	b.WriteString("# Final QA Report\n\n")
	fmt.Fprintf(&b, "- File: %s\n\n", a.Filename)
	b.WriteString("## Stage Outcomes\n\n")
	for _, st := range snap.Stages {
		if st.Key == pipeline.KeyFinalReport {
			continue
		}
		marker := "produced"
		if _, ok := snap.Result(st.Key); !ok {
			marker = "missing"
		}
		fmt.Fprintf(&b, "- %s (%s): artifact %s\n", st.Label, st.Status, marker)
	}
	b.WriteString("\n## Execution Summary\n\n")
	b.WriteString(snap.ResultOr(pipeline.KeyExecution, missingArtifact))
	b.WriteString("\n## Coverage Summary\n\n")
	b.WriteString(snap.ResultOr(pipeline.KeyCoverage, missingArtifact))
	if len(snap.Errors) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, e := range snap.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return generator.Result{Artifact: b.String(), Quality: types.StageSuccess}
}

func genericArtifact(stage pipeline.StageSpec, a Analysis) string {
	return fmt.Sprintf("# %s\n\n_Placeholder artifact for stage %q generated without a model backend (file: %s)._\n",
		stage.Label, stage.Key, a.Filename)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
