package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, "tools/list", map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/list")
	}
}

func TestNotificationMarshal(t *testing.T) {
	notif := NewNotification("notifications/initialized", nil)

	data, err := Encode(notif)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, hasID := raw["id"]; hasID {
		t.Error("notification should not have an id field")
	}
	if _, hasParams := raw["params"]; hasParams {
		t.Error("notification with nil params should omit params field")
	}
}

func TestEncode_SingleLine(t *testing.T) {
	req := NewRequest(1, "tools/call", map[string]any{
		"name":      "write_file",
		"arguments": map[string]any{"content": "line one\nline two\r\n"},
	})
	data, err := Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if bytes.ContainsAny(data, "\r\n") {
		t.Errorf("encoded envelope spans lines: %s", data)
	}
}

func TestNewErrorResponse_NullID(t *testing.T) {
	data, err := Encode(NewErrorResponse(nil, CodeParseError, "Parse error"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestDecode_Kinds(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification},
		{"result", `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, KindResponse},
		{"null result", `{"jsonrpc":"2.0","id":1,"result":null}`, KindResponse},
		{"error", `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"Method not found"}}`, KindResponse},
		{"extra fields", `{"jsonrpc":"2.0","id":3,"result":{},"meta":{"x":1}}`, KindResponse},
		{"surrounding whitespace", "  {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\r\n", KindResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.line))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got := msg.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"diagnostic text", "Server starting on stdio..."},
		{"truncated", `{"jsonrpc":"2.0","id":1,"res`},
		{"array", `[{"jsonrpc":"2.0"}]`},
		{"no method or result", `{"jsonrpc":"2.0","id":1}`},
		{"string id", `{"jsonrpc":"2.0","id":"abc","result":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.line))
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("Decode(%q) = %v, want ErrProtocol", tt.line, err)
			}
		})
	}
}

func TestMessageResponse(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":7,"error":{"code":-32603,"message":"boom"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	resp := msg.Response()
	if resp.ID == nil || *resp.ID != 7 {
		t.Errorf("ID = %v, want 7", resp.ID)
	}
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Errorf("Error = %+v", resp.Error)
	}
}

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32601, Message: "Unknown tool: nonexistent"}

	want := "jsonrpc error -32601: Unknown tool: nonexistent"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := fmt.Errorf("tools/call nonexistent: %w", err)
	if !errors.Is(wrapped, ErrUnknownTool) {
		t.Error("method-not-found should match ErrUnknownTool")
	}
	if errors.Is(&RPCError{Code: CodeInternalError}, ErrUnknownTool) {
		t.Error("internal error should not match ErrUnknownTool")
	}

	remote, ok := IsRemote(wrapped)
	if !ok || remote.Code != -32601 {
		t.Errorf("IsRemote = %v, %v", remote, ok)
	}
	if _, ok := IsRemote(ErrTimeout); ok {
		t.Error("ErrTimeout should not be remote")
	}
}

func TestKindString(t *testing.T) {
	for k, want := range map[Kind]string{
		KindRequest:      "request",
		KindNotification: "notification",
		KindResponse:     "response",
		Kind(0):          "unknown",
	} {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(k), got, want)
		}
	}
}
