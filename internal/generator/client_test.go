package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "planpal/pkg/logx"
)

func TestNormalizeBaseURL(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"https://api.openai.com/v1", "https://api.openai.com/v1"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1"},
		{"https://host/v1/chat/completions", "https://host/v1"},
		{"https://host/v1/chat/completions/", "https://host/v1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeBaseURL(tt.in); got != tt.want {
			t.Fatalf("normalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStripFences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"think block", "<think>hmm</think>\n{\"a\":1}", `{"a":1}`},
		{"think then fence", "<think>x</think>```json\n{\"a\":1}\n```", `{"a":1}`},
		{"unclosed think", "{\"a\":1}<think>trailing", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := StripFences(tt.in); got != tt.want {
			t.Fatalf("%s: StripFences = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSystemPromptDates(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC)
	p := SystemPrompt(now)
	for _, want := range []string{
		"You are PlanPal",
		"Today is 2026-12-31.",
		"use date 2027-01-01.",
		"one of: Deep Work, Errands, Fitness, Admin, Family, Learning, Rest, Other",
		"default to 30.",
		"Do not add extra keys.",
	} {
		if !strings.Contains(p, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(p, "timezone") {
		t.Fatalf("UTC prompt should not mention a timezone")
	}

	jkt := time.FixedZone("Asia/Jakarta", 7*3600)
	if p := SystemPrompt(now.In(jkt)); !strings.Contains(p, "Today is 2027-01-01.") || !strings.Contains(p, "Asia/Jakarta") {
		t.Fatalf("local prompt = %s", p)
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Timeout: 5 * time.Second}, logx.Nop())
	c.now = func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) }
	return c
}

func reply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
	})
	return string(b)
}

func TestGenerateDecodesPlan(t *testing.T) {
	t.Parallel()
	var gotReq chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(reply("```json\n{\"date\":\"2026-10-17\",\"tasks\":[{\"title\":\"Buy milk\",\"due_at\":\"2026-10-17T18:00:00Z\"}]}\n```")))
	})

	plan, err := c.Generate(context.Background(), "remind me to buy milk at 6pm tomorrow")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if plan["date"] != "2026-10-17" {
		t.Fatalf("plan = %v", plan)
	}
	tasks, _ := plan["tasks"].([]any)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %v", plan["tasks"])
	}

	if gotReq.Model != DefaultModel || len(gotReq.Messages) != 2 {
		t.Fatalf("request = %+v", gotReq)
	}
	if gotReq.Messages[0].Role != "system" || !strings.Contains(gotReq.Messages[0].Content, "Today is 2026-10-16.") {
		t.Fatalf("system message = %+v", gotReq.Messages[0])
	}
	if gotReq.Messages[1].Content != "remind me to buy milk at 6pm tomorrow" {
		t.Fatalf("user message = %+v", gotReq.Messages[1])
	}
}

func TestGenerateFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http status", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, "HTTP 401"},
		{"api error", http.StatusOK, `{"error":{"message":"quota exceeded"}}`, "quota exceeded"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
		{"not json", http.StatusOK, reply("Sure! Here is your plan."), "decode plan"},
		{"json array", http.StatusOK, reply(`[1,2]`), "decode plan"},
		{"json null", http.StatusOK, reply(`null`), "null"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Generate(context.Background(), "plan")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Generate err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateRequiresAPIKey(t *testing.T) {
	t.Parallel()
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, logx.Nop())
	if _, err := c.Generate(context.Background(), "plan"); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("Generate = %v, want ErrNoAPIKey", err)
	}
	if called {
		t.Fatalf("endpoint must not be called without an API key")
	}
}
