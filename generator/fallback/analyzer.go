package fallback

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Step is one interaction recovered from an input test file.
type Step struct {
	Kind     string // navigation, click, input, assert_url, assert_value, assertion
	Action   string
	Selector string
	Value    string
	URL      string
	Line     int
}

// Analysis is the deterministic result of scanning one source file.
type Analysis struct {
	Filename   string
	Normalized string
	Language   string
	Frameworks []string
	URLs       []string
	PrimaryURL string
	Steps      []Step
	Lines      int
	Complexity int
}

var urlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`cy\.visit\s*\(\s*["']([^"']+)["']`),
	regexp.MustCompile(`cy\.url\(\)\s*\.should\s*\(\s*["']eq["'],\s*["']([^"']+)["']`),
	regexp.MustCompile(`page\.goto\s*\(\s*["']([^"']+)["']`),
	regexp.MustCompile(`driver\.get\s*\(\s*["']([^"']+)["']`),
	regexp.MustCompile(`["'](https?://[^"']+)["']`),
}

var (
	chainPattern     = regexp.MustCompile(`cy\.get\s*\(\s*["']([^"']+)["']\s*\)\s*\.type\s*\(\s*["']([^"']*)["'].*\.should\s*\(\s*["']have\.value["']\s*,\s*["']([^"']*)["']`)
	urlAssertPattern = regexp.MustCompile(`cy\.url\(\)\s*\.should\s*\(\s*["']eq["']\s*,\s*["']([^"']+)["']`)
	navPattern       = regexp.MustCompile(`(cy\.visit|page\.goto|driver\.get)\s*\(\s*["']([^"']+)["']`)
	clickPattern     = regexp.MustCompile(`cy\.get\s*\(\s*["']([^"']+)["'].*\.click\s*\(`)
	typePattern      = regexp.MustCompile(`cy\.get\s*\(\s*["']([^"']+)["'].*\.type\s*\(\s*["']([^"']*)["']`)
	unsafeName       = regexp.MustCompile(`[^\w\-]`)
)

type frameworkPattern struct {
	name     string
	keywords []string
	imports  []string
	weight   int
}

var frameworkPatterns = []frameworkPattern{
	{
		name:     "cypress",
		keywords: []string{"cy.", "cy.visit", "cy.get", "cy.click", "cy.type", "cy.should"},
		imports:  []string{"cypress"},
		weight:   3,
	},
	{
		name:     "playwright",
		keywords: []string{"page.", "page.goto", "page.locator", "page.click", "page.fill"},
		imports:  []string{"@playwright/test", "playwright"},
		weight:   3,
	},
	{
		name:     "selenium",
		keywords: []string{"driver", "WebDriver", "findElement", "By."},
		imports:  []string{"selenium-webdriver", "webdriver"},
		weight:   2,
	},
	{
		name:     "jest",
		keywords: []string{"describe(", "test(", "it(", "expect(", "beforeEach"},
		imports:  []string{"jest", "@jest/globals"},
		weight:   2,
	},
}

var languageByExt = map[string]string{
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".vue":   "vue",
	".py":    "python",
	".rb":    "ruby",
	".dart":  "dart",
	".kt":    "kotlin",
	".swift": "swift",
	".java":  "java",
	".cs":    "csharp",
	".go":    "go",
}

// Analyze scans a single source file. The result is a pure function of its
// inputs: identical (filename, code) pairs produce identical analyses.
func Analyze(filename, code string) Analysis {
	a := Analysis{
		Filename:   filename,
		Normalized: normalizeFilename(filename),
		Language:   detectLanguage(filename),
		Frameworks: detectFrameworks(code),
		URLs:       extractURLs(code),
		Steps:      parseSteps(code),
		Lines:      strings.Count(code, "\n") + 1,
	}
	if len(a.URLs) > 0 {
		a.PrimaryURL = a.URLs[0]
	}
	a.Complexity = complexityScore(a.Steps)
	return a
}

func detectLanguage(filename string) string {
	if lang, ok := languageByExt[strings.ToLower(filepath.Ext(filename))]; ok {
		return lang
	}
	return "javascript"
}

func detectFrameworks(code string) []string {
	type scored struct {
		name  string
		score int
	}
	var hits []scored
	for _, fp := range frameworkPatterns {
		score := 0
		for _, kw := range fp.keywords {
			if strings.Contains(code, kw) {
				score += fp.weight
			}
		}
		for _, imp := range fp.imports {
			if strings.Contains(code, imp) {
				score += fp.weight * 2
			}
		}
		if score > 0 {
			hits = append(hits, scored{fp.name, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.name)
	}
	return out
}

func extractURLs(code string) []string {
	seen := map[string]bool{}
	var urls []string
	for _, re := range urlPatterns {
		for _, match := range re.FindAllStringSubmatch(code, -1) {
			url := strings.Trim(match[1], `'"`)
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				continue
			}
			if !seen[url] {
				seen[url] = true
				urls = append(urls, url)
			}
		}
	}
	return urls
}

func parseSteps(code string) []Step {
	var steps []Step
	for i, line := range strings.Split(code, "\n") {
		lineNum := i + 1
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "*") {
			continue
		}

		if m := chainPattern.FindStringSubmatch(line); m != nil {
			steps = append(steps,
				Step{Kind: "input", Action: "type", Selector: m[1], Value: m[2], Line: lineNum},
				Step{Kind: "assert_value", Action: "should", Selector: m[1], Value: m[3], Line: lineNum},
			)
			continue
		}
		if m := urlAssertPattern.FindStringSubmatch(line); m != nil {
			steps = append(steps, Step{Kind: "assert_url", Action: "should", Value: m[1], Line: lineNum})
			continue
		}
		if m := navPattern.FindStringSubmatch(line); m != nil {
			steps = append(steps, Step{Kind: "navigation", Action: m[1], URL: m[2], Line: lineNum})
			continue
		}
		if m := clickPattern.FindStringSubmatch(line); m != nil {
			steps = append(steps, Step{Kind: "click", Action: "click", Selector: m[1], Line: lineNum})
			continue
		}
		if m := typePattern.FindStringSubmatch(line); m != nil && !strings.Contains(line, ".should(") {
			steps = append(steps, Step{Kind: "input", Action: "type", Selector: m[1], Value: m[2], Line: lineNum})
			continue
		}
	}
	return steps
}

func complexityScore(steps []Step) int {
	score := 0
	for _, step := range steps {
		switch {
		case step.Kind == "navigation":
			score++
		case step.Kind == "click":
			score += 2
		case step.Kind == "input":
			score += 3
		case strings.HasPrefix(step.Kind, "assert_"):
			score += 2
		}
	}
	return score
}

func normalizeFilename(filename string) string {
	n := strings.NewReplacer(".test.", "_test_", ".spec.", "_spec_", ".cy.", "_cy_").Replace(filename)
	if idx := strings.LastIndex(n, "."); idx > 0 {
		n = n[:idx] + "_" + n[idx+1:]
	}
	return unsafeName.ReplaceAllString(n, "_")
}
