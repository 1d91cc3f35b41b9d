package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nugget/mcphost/internal/httpkit"
	"github.com/nugget/mcphost/internal/mcp"
)

// newTestGitHub creates a started GitHub adapter backed by the given
// handler. The test server is closed automatically when the test finishes.
func newTestGitHub(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	client := httpkit.NewClient(
		httpkit.WithTransport(ts.Client().Transport),
		httpkit.WithHeaders(map[string]string{"Authorization": "token test-token"}),
	)
	a, err := NewGitHub("github", client, ts.URL, quietLogger(), WithRatePerMinute(0))
	if err != nil {
		t.Fatalf("NewGitHub: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeRaw[T any](t *testing.T, result *mcp.ToolResult) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(result.Raw, &out); err != nil {
		t.Fatalf("decode result %s: %v", result.Raw, err)
	}
	return out
}

func TestGitHub_Catalog(t *testing.T) {
	a := newTestGitHub(t, http.NewServeMux())

	want := []string{"get_repository", "list_files", "get_file_content", "list_issues"}
	tools := a.Tools()
	if len(tools) != len(want) {
		t.Fatalf("Tools = %d entries, want %d", len(tools), len(want))
	}
	for i, name := range want {
		if tools[i].Name != name {
			t.Errorf("tool %d = %q, want %q", i, tools[i].Name, name)
		}
		if tools[i].InputSchema["type"] != "object" {
			t.Errorf("%s schema type = %v", name, tools[i].InputSchema["type"])
		}
	}
}

func TestGitHub_GetRepository(t *testing.T) {
	var auth string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		writeJSON(w, map[string]any{
			"full_name":         "owner/repo",
			"description":       "A test repository",
			"language":          "Go",
			"default_branch":    "main",
			"stargazers_count":  12,
			"forks_count":       3,
			"open_issues_count": 2,
			"html_url":          "https://github.com/owner/repo",
		})
	})

	a := newTestGitHub(t, mux)
	result, err := a.Invoke(context.Background(), "get_repository", map[string]any{"owner": "owner", "repo": "repo"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	got := decodeRaw[map[string]any](t, result)
	if got["full_name"] != "owner/repo" {
		t.Errorf("full_name = %v", got["full_name"])
	}
	if got["default_branch"] != "main" {
		t.Errorf("default_branch = %v", got["default_branch"])
	}
	if got["stars"] != float64(12) {
		t.Errorf("stars = %v, want 12", got["stars"])
	}
	if auth != "token test-token" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestGitHub_RepoShorthand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/nugget/mcphost", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"full_name": "nugget/mcphost"})
	})

	a := newTestGitHub(t, mux)
	result, err := a.Invoke(context.Background(), "get_repository", map[string]any{"owner": "ignored", "repo": "nugget/mcphost"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := decodeRaw[map[string]any](t, result); got["full_name"] != "nugget/mcphost" {
		t.Errorf("full_name = %v", got["full_name"])
	}
}

func TestGitHub_ListFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/contents/docs", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{
			{"name": "guide.md", "path": "docs/guide.md", "type": "file", "size": 120},
			{"name": "images", "path": "docs/images", "type": "dir", "size": 0},
		})
	})

	a := newTestGitHub(t, mux)
	result, err := a.Invoke(context.Background(), "list_files", map[string]any{"owner": "owner", "repo": "repo", "path": "docs"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	entries := decodeRaw[[]map[string]any](t, result)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0]["path"] != "docs/guide.md" || entries[1]["type"] != "dir" {
		t.Errorf("entries = %v", entries)
	}
}

func TestGitHub_GetFileContentDecodesBase64(t *testing.T) {
	var gotRef string
	body := "package main\n\nfunc main() {}\n"
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/contents/main.go", func(w http.ResponseWriter, r *http.Request) {
		gotRef = r.URL.Query().Get("ref")
		writeJSON(w, map[string]any{
			"type":     "file",
			"name":     "main.go",
			"path":     "main.go",
			"sha":      "abc123",
			"size":     len(body),
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte(body)),
		})
	})

	a := newTestGitHub(t, mux)
	result, err := a.Invoke(context.Background(), "get_file_content", map[string]any{
		"owner": "owner", "repo": "repo", "path": "main.go", "ref": "develop",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	got := decodeRaw[map[string]any](t, result)
	if got["content"] != body {
		t.Errorf("content = %q, want %q", got["content"], body)
	}
	if got["truncated"] != false {
		t.Errorf("truncated = %v", got["truncated"])
	}
	if gotRef != "develop" {
		t.Errorf("ref = %q, want develop", gotRef)
	}
}

func TestGitHub_GetFileContentOnDirectory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/contents/docs", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{{"name": "a.md", "path": "docs/a.md", "type": "file"}})
	})

	a := newTestGitHub(t, mux)
	_, err := a.Invoke(context.Background(), "get_file_content", map[string]any{"owner": "owner", "repo": "repo", "path": "docs"})
	rpcErr, ok := mcp.IsRemote(err)
	if !ok || rpcErr.Code != mcp.CodeInvalidParams {
		t.Errorf("Invoke = %v, want -32602", err)
	}
}

func TestGitHub_ListIssues(t *testing.T) {
	var gotState string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		gotState = r.URL.Query().Get("state")
		writeJSON(w, []map[string]any{
			{
				"number":   7,
				"title":    "Crash on startup",
				"state":    "closed",
				"user":     map[string]any{"login": "alice"},
				"labels":   []map[string]any{{"name": "bug"}},
				"comments": 4,
			},
			{
				"number":       8,
				"title":        "Add feature",
				"state":        "closed",
				"user":         map[string]any{"login": "bob"},
				"pull_request": map[string]any{"url": "https://api.github.com/repos/owner/repo/pulls/8"},
			},
		})
	})

	a := newTestGitHub(t, mux)
	result, err := a.Invoke(context.Background(), "list_issues", map[string]any{"owner": "owner", "repo": "repo", "state": "closed"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	issues := decodeRaw[[]map[string]any](t, result)
	if len(issues) != 2 {
		t.Fatalf("issues = %d, want 2", len(issues))
	}
	if issues[0]["author"] != "alice" || issues[0]["pull_request"] != false {
		t.Errorf("issue 7 = %v", issues[0])
	}
	if issues[1]["pull_request"] != true {
		t.Errorf("issue 8 pull_request = %v", issues[1]["pull_request"])
	}
	if gotState != "closed" {
		t.Errorf("state query = %q, want closed", gotState)
	}
}

func TestGitHub_ListIssuesDefaultsToOpen(t *testing.T) {
	var gotState string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		gotState = r.URL.Query().Get("state")
		writeJSON(w, []map[string]any{})
	})

	a := newTestGitHub(t, mux)
	if _, err := a.Invoke(context.Background(), "list_issues", map[string]any{"owner": "owner", "repo": "repo"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotState != "open" {
		t.Errorf("state query = %q, want open", gotState)
	}
}

func TestGitHub_HTTPStatusBecomesErrorCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	})

	a := newTestGitHub(t, mux)
	_, err := a.Invoke(context.Background(), "get_repository", map[string]any{"owner": "owner", "repo": "missing"})

	rpcErr, ok := mcp.IsRemote(err)
	if !ok {
		t.Fatalf("Invoke = %v, want remote error", err)
	}
	if rpcErr.Code != http.StatusNotFound {
		t.Errorf("Code = %d, want 404", rpcErr.Code)
	}
	if !strings.Contains(rpcErr.Message, "Not Found") {
		t.Errorf("Message = %q", rpcErr.Message)
	}
	if a.State() != mcp.StateReady {
		t.Errorf("State = %v after HTTP error, want ready", a.State())
	}
}

func TestGitHub_MissingArguments(t *testing.T) {
	a := newTestGitHub(t, http.NewServeMux())

	tests := []struct {
		tool string
		args map[string]any
	}{
		{"get_repository", map[string]any{"owner": "owner"}},
		{"get_repository", map[string]any{"repo": "repo"}},
		{"get_file_content", map[string]any{"owner": "owner", "repo": "repo"}},
		{"list_issues", map[string]any{"owner": 7, "repo": "repo"}},
	}
	for _, tt := range tests {
		_, err := a.Invoke(context.Background(), tt.tool, tt.args)
		rpcErr, ok := mcp.IsRemote(err)
		if !ok || rpcErr.Code != mcp.CodeInvalidParams {
			t.Errorf("%s(%v) = %v, want -32602", tt.tool, tt.args, err)
		}
	}
}

func TestGitHub_UnknownTool(t *testing.T) {
	a := newTestGitHub(t, http.NewServeMux())

	_, err := a.Invoke(context.Background(), "create_issue", map[string]any{})
	if !errors.Is(err, mcp.ErrUnknownTool) {
		t.Errorf("Invoke = %v, want ErrUnknownTool", err)
	}
}

func TestGitHub_Ping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/rate_limit", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"resources": map[string]any{
				"core": map[string]any{"limit": 5000, "remaining": 4999},
			},
		})
	})

	a := newTestGitHub(t, mux)
	if err := a.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestCutUTF8(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"plain", 10, "plain"},
		{"plain", 3, "pla"},
		{"aé", 2, "a"},
		{"€uro", 2, ""},
		{"€uro", 3, "€"},
	}
	for _, tt := range tests {
		got := cutUTF8(tt.in, tt.n)
		if got != tt.want || !utf8.ValidString(got) {
			t.Errorf("cutUTF8(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
