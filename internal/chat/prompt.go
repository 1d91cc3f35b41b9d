package chat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/mcphost/internal/mcp"
)

const noToolsPrompt = `You are an AI assistant. The tool servers are connected but no tools are currently available.
Please respond normally to user queries without attempting to use tools.`

// SystemPrompt builds the system prompt from a host catalog. Servers
// with no tools are left out; when no server has tools the prompt says
// so and asks for plain answers.
func SystemPrompt(catalog map[string][]mcp.ToolDefinition) string {
	servers := make([]string, 0, len(catalog))
	for name, tools := range catalog {
		if len(tools) > 0 {
			servers = append(servers, name)
		}
	}
	if len(servers) == 0 {
		return noToolsPrompt
	}
	sort.Strings(servers)

	var b strings.Builder
	b.WriteString("You are an AI assistant with access to tools provided by tool servers.\n\nAvailable tools:\n")
	for _, server := range servers {
		fmt.Fprintf(&b, "\n%s SERVER:\n", strings.ToUpper(server))
		for _, t := range catalog[server] {
			desc := t.Description
			if desc == "" {
				desc = "No description"
			}
			fmt.Fprintf(&b, "- %s: %s", t.Name, desc)
			if params := describeParams(t.InputSchema); params != "" {
				fmt.Fprintf(&b, " (arguments: %s)", params)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString(`
To use a tool, reply with ONLY a JSON object of this form:
{"action": "use_tool", "server": "<server>", "tool": "<tool>", "arguments": {...}}

Rules:
- ALWAYS use "use_tool" as the action value
- Use the EXACT server names: `)
	b.WriteString(strings.Join(servers, ", "))
	b.WriteString(`
- Use the EXACT tool and argument names listed above
- NEVER add explanatory text around the JSON object

Examples:
`)
	for _, server := range servers {
		t := catalog[server][0]
		fmt.Fprintf(&b, "- %s\n", exampleDirective(server, t))
	}
	b.WriteString("\nOtherwise, respond normally to the user's query.\n")
	return b.String()
}

// describeParams lists schema properties, required ones first and
// marked, e.g. "a (required), b (required), precision".
func describeParams(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	required := requiredSet(schema)

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := required[names[i]], required[names[j]]
		if ri != rj {
			return ri
		}
		return names[i] < names[j]
	})

	parts := make([]string, len(names))
	for i, name := range names {
		if required[name] {
			parts[i] = name + " (required)"
		} else {
			parts[i] = name
		}
	}
	return strings.Join(parts, ", ")
}

func requiredSet(schema map[string]any) map[string]bool {
	out := map[string]bool{}
	switch req := schema["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out[s] = true
			}
		}
	case []string:
		for _, s := range req {
			out[s] = true
		}
	}
	return out
}

// exampleDirective renders a directive for tool with placeholder
// values for its required arguments.
func exampleDirective(server string, t mcp.ToolDefinition) string {
	args := map[string]any{}
	props, _ := t.InputSchema["properties"].(map[string]any)
	for name := range requiredSet(t.InputSchema) {
		placeholder := "..."
		if p, ok := props[name].(map[string]any); ok && p["type"] == "number" {
			args[name] = 1
			continue
		}
		args[name] = placeholder
	}
	data, _ := json.Marshal(map[string]any{
		"action":    "use_tool",
		"server":    server,
		"tool":      t.Name,
		"arguments": args,
	})
	return string(data)
}
