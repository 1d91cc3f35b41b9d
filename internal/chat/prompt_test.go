package chat

import (
	"strings"
	"testing"

	"github.com/nugget/mcphost/internal/mcp"
)

func TestSystemPrompt_NoTools(t *testing.T) {
	for _, cat := range []map[string][]mcp.ToolDefinition{
		nil,
		{"calculator": {}, "files": nil},
	} {
		if got := SystemPrompt(cat); got != noToolsPrompt {
			t.Errorf("SystemPrompt(%v) = %q", cat, got)
		}
	}
}

func TestSystemPrompt_ListsTools(t *testing.T) {
	cat := map[string][]mcp.ToolDefinition{
		"github": {
			{
				Name:        "get_repository",
				Description: "Get information about a GitHub repository",
				InputSchema: map[string]any{
					"properties": map[string]any{
						"owner": map[string]any{"type": "string"},
						"repo":  map[string]any{"type": "string"},
					},
					"required": []string{"owner", "repo"},
				},
			},
		},
		"calculator": calcCatalog()["calculator"],
		"empty":      {},
	}

	got := SystemPrompt(cat)

	for _, want := range []string{
		"CALCULATOR SERVER:",
		"- add: Add two numbers (arguments: a (required), b (required))",
		"GITHUB SERVER:",
		"Use the EXACT server names: calculator, github",
		`{"action":"use_tool","arguments":{"a":1,"b":1},"server":"calculator","tool":"add"}`,
		`{"action":"use_tool","arguments":{"owner":"...","repo":"..."},"server":"github","tool":"get_repository"}`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q\n%s", want, got)
		}
	}
	if strings.Contains(got, "EMPTY SERVER") {
		t.Error("server with no tools listed")
	}
	if strings.Index(got, "CALCULATOR") > strings.Index(got, "GITHUB") {
		t.Error("servers not listed in name order")
	}
}

func TestDescribeParams(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"directory": map[string]any{},
			"filename":  map[string]any{},
			"content":   map[string]any{},
		},
		"required": []any{"filename", "content"},
	}
	if got, want := describeParams(schema), "content (required), filename (required), directory"; got != want {
		t.Errorf("describeParams = %q, want %q", got, want)
	}
	if got := describeParams(map[string]any{}); got != "" {
		t.Errorf("describeParams(empty) = %q", got)
	}
}
