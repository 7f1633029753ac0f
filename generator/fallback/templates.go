package fallback

import (
	"fmt"
	"strings"
)

// gherkinFeature renders a BDD feature from the recovered interaction steps.
func gherkinFeature(a Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Feature: %s Functionality\n", a.Filename)
	b.WriteString("As a user of the application\n")
	fmt.Fprintf(&b, "I want to interact with the %s\n", strings.ToLower(a.Filename))
	b.WriteString("So that I can achieve my testing goals\n")

	if a.PrimaryURL != "" {
		b.WriteString("\nBackground:\n")
		fmt.Fprintf(&b, "  Given I open the application at %q\n", a.PrimaryURL)
		b.WriteString("  And the page loads successfully\n")
	}

	b.WriteString("\nScenario: Application functionality test\n")
	for _, step := range a.Steps {
		switch step.Kind {
		case "navigation":
			fmt.Fprintf(&b, "  When I navigate to %q\n", step.URL)
		case "click":
			fmt.Fprintf(&b, "  When I click on the element %q\n", step.Selector)
		case "input":
			fmt.Fprintf(&b, "  When I enter %q in %q\n", step.Value, step.Selector)
		default:
			if strings.HasPrefix(step.Kind, "assert_") {
				fmt.Fprintf(&b, "  Then the element %q should be validated\n", step.Selector)
			}
		}
	}
	if len(a.Steps) == 0 {
		b.WriteString("  When I exercise the application\n")
		b.WriteString("  Then the expected behavior is observed\n")
	}
	return b.String()
}

// playwrightTest renders runnable Playwright code from the recovered steps.
func playwrightTest(a Analysis) string {
	var b strings.Builder
	b.WriteString("const { test, expect } = require('@playwright/test');\n\n")
	fmt.Fprintf(&b, "test.describe('%s - Generated Tests', () => {\n", a.Normalized)

	if a.PrimaryURL != "" {
		b.WriteString("  test.beforeEach(async ({ page }) => {\n")
		fmt.Fprintf(&b, "    await page.goto('%s');\n", a.PrimaryURL)
		b.WriteString("    await page.waitForLoadState('networkidle');\n")
		b.WriteString("  });\n\n")
	}

	b.WriteString("  test('Application functionality test', async ({ page }) => {\n")
	for _, step := range a.Steps {
		if line := playwrightStep(step); line != "" {
			b.WriteString("    " + line + "\n")
		}
	}
	if len(a.Steps) == 0 {
		b.WriteString("    // No interactions were recovered from the source file.\n")
		b.WriteString("    await expect(page).toBeDefined();\n")
	}
	b.WriteString("  });\n})\n")
	return b.String()
}

func playwrightStep(step Step) string {
	selector := strings.Trim(step.Selector, `'"`)
	switch step.Kind {
	case "navigation":
		if step.URL == "" {
			return ""
		}
		return fmt.Sprintf("await page.goto('%s');", step.URL)
	case "click":
		if selector == "" {
			return ""
		}
		return fmt.Sprintf("await page.locator('%s').click();", selector)
	case "input":
		if selector == "" {
			return ""
		}
		return fmt.Sprintf("await page.locator('%s').fill('%s');", selector, step.Value)
	case "assert_url":
		if step.Value == "" {
			return ""
		}
		return fmt.Sprintf("expect(page.url()).toBe('%s');", step.Value)
	case "assert_value":
		if selector == "" {
			return ""
		}
		if step.Value == "" {
			return fmt.Sprintf("await expect(page.locator('%s')).toBeVisible();", selector)
		}
		return fmt.Sprintf("await expect(page.locator('%s')).toHaveValue('%s');", selector, step.Value)
	default:
		if selector == "" {
			return ""
		}
		return fmt.Sprintf("await expect(page.locator('%s')).toBeVisible();", selector)
	}
}
