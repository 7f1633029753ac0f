// Package factory selects the generation backend from the environment.
// A missing or unset API key is not an error: the service degrades to the
// deterministic fallback generator.
package factory

import (
	"log"
	"os"
	"strings"

	"github.com/qaweaverhq/qaweaver/generator"
	"github.com/qaweaverhq/qaweaver/generator/fallback"
	"github.com/qaweaverhq/qaweaver/generator/openai"
)

// FromEnv picks the backend from QAWEAVER_GENERATOR.
//
//	openai   : OpenAI-compatible backend; requires OPENAI_API_KEY
//	fallback : deterministic templates
//	auto     : openai when OPENAI_API_KEY is set, fallback otherwise (default)
func FromEnv() generator.Generator {
	backend := strings.ToLower(strings.TrimSpace(getenv("QAWEAVER_GENERATOR", "auto")))
	key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))

	switch backend {
	case "fallback":
		return fallback.New()
	case "openai", "auto":
		if key == "" {
			if backend == "openai" {
				log.Printf("QAWEAVER_GENERATOR=openai but OPENAI_API_KEY is empty; running in degraded fallback mode")
			}
			return fallback.New()
		}
		opts := []openai.Option{}
		if model := strings.TrimSpace(os.Getenv("OPENAI_MODEL")); model != "" {
			opts = append(opts, openai.WithModel(model))
		}
		if baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		client, err := openai.New(key, opts...)
		if err != nil {
			log.Printf("openai backend unavailable (%v); running in degraded fallback mode", err)
			return fallback.New()
		}
		return client
	default:
		log.Printf("unsupported QAWEAVER_GENERATOR %q; running in degraded fallback mode", backend)
		return fallback.New()
	}
}

func getenv(key, fallbackValue string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallbackValue
	}
	return val
}
