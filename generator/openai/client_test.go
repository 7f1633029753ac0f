package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/qaweaverhq/qaweaver/generator"
	"github.com/qaweaverhq/qaweaver/pipeline"
	"github.com/qaweaverhq/qaweaver/types"
)

func testRequest() generator.Request {
	stage, _ := pipeline.Default().Stage(pipeline.KeyUserStory)
	return generator.Request{
		Stage: stage,
		Snapshot: types.RunSnapshot{
			RunID:      "run-1",
			InputFiles: []types.SourceFile{{Path: "login.cy.js", Content: "cy.visit('https://example.com');"}},
			Stages: []types.StageState{
				{Key: pipeline.KeyCodeAnalysis, Label: "Code Analysis", Status: types.StageSuccess},
			},
			Results: map[string]string{pipeline.KeyCodeAnalysis: "# Code Analysis\n"},
		},
	}
}

func fakeBackend(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer token, got %q", got)
		}
		var payload struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad request payload: %v", err)
		}
		if len(payload.Messages) != 2 {
			t.Errorf("expected system+user messages, got %d", len(payload.Messages))
		} else {
			if !strings.Contains(payload.Messages[1].Content, "login.cy.js") {
				t.Error("user prompt missing source file")
			}
			if !strings.Contains(payload.Messages[1].Content, "# Code Analysis") {
				t.Error("user prompt missing prior artifact")
			}
		}

		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Generate(t *testing.T) {
	srv := fakeBackend(t, "## User Story\nAs a user...", http.StatusOK)
	c, err := New("test-key", WithBaseURL(srv.URL), WithModel("test-model"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := c.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.Quality != types.StageSuccess {
		t.Fatalf("expected success quality, got %s", res.Quality)
	}
	if !strings.HasPrefix(res.Artifact, "## User Story") {
		t.Fatalf("unexpected artifact: %q", res.Artifact)
	}
}

func TestClient_EmptyContentIsWarn(t *testing.T) {
	srv := fakeBackend(t, "   ", http.StatusOK)
	c, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := c.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.Quality != types.StageWarn {
		t.Fatalf("empty content should degrade to warn, got %s", res.Quality)
	}
	if res.Artifact == "" {
		t.Fatal("placeholder artifact should not be empty")
	}
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	c, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := c.Generate(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestClient_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestClient_StagePromptOverridesSystem(t *testing.T) {
	req := testRequest()
	req.Stage.Prompt = "Custom instructions."
	if got := systemPrompt(req); got != "Custom instructions." {
		t.Fatalf("stage prompt should win, got %q", got)
	}
	req.Stage.Prompt = ""
	if got := systemPrompt(req); !strings.Contains(got, req.Stage.Key) {
		t.Fatalf("default prompt should name the stage, got %q", got)
	}
}
