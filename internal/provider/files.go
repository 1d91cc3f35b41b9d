package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nugget/mcphost/internal/mcp"
)

// maxReadBytes caps read_file output.
const maxReadBytes = 1 << 20

// fileTools resolves every path argument beneath root.
type fileTools struct {
	root string
}

// Files returns the file provider rooted at root. Paths given to its
// tools are relative to root and may not escape it.
func Files(root string, logger *slog.Logger) (*Provider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}

	ft := &fileTools{root: abs}
	dirProp := map[string]any{"type": "string", "description": "Directory relative to the served root", "default": "."}
	nameProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}

	return New("file-server", "1.0.0", logger,
		Tool{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "list_files",
				Description: "List files in a directory",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"directory": dirProp},
				},
			},
			Handler: ft.list,
		},
		Tool{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "read_file",
				Description: "Read contents of a file",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"filename":  nameProp("Name of the file to read"),
						"directory": dirProp,
					},
					"required": []string{"filename"},
				},
			},
			Handler: ft.read,
		},
		Tool{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "write_file",
				Description: "Write content to a file",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"filename":  nameProp("Name of the file to write"),
						"content":   nameProp("Content to write"),
						"directory": dirProp,
					},
					"required": []string{"filename", "content"},
				},
			},
			Handler: ft.write,
		},
		Tool{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "delete_file",
				Description: "Delete a file",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"filename":  nameProp("Name of the file to delete"),
						"directory": dirProp,
					},
					"required": []string{"filename"},
				},
			},
			Handler: ft.delete,
		},
	), nil
}

// resolve joins elems beneath the root and rejects anything that
// lands outside it.
func (f *fileTools) resolve(elems ...string) (string, error) {
	joined := filepath.Join(append([]string{f.root}, elems...)...)
	rel, err := filepath.Rel(f.root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the served directory", filepath.Join(elems...))
	}
	return joined, nil
}

func stringArg(args map[string]any, key, def string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		if def == "" {
			return "", fmt.Errorf("missing required argument %q", key)
		}
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, v)
	}
	return s, nil
}

func (f *fileTools) list(_ context.Context, args map[string]any) (string, error) {
	dir, err := stringArg(args, "directory", ".")
	if err != nil {
		return "", err
	}
	path, err := f.resolve(dir)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("directory %s does not exist", dir)
		}
		return "", fmt.Errorf("list %s: %w", dir, err)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("Directory %s is empty", dir), nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name()+"/")
		} else {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (f *fileTools) read(_ context.Context, args map[string]any) (string, error) {
	path, name, err := f.fileArgs(args)
	if err != nil {
		return "", err
	}

	fh, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file %s not found", name)
		}
		return "", fmt.Errorf("open %s: %w", name, err)
	}
	defer fh.Close()

	data, err := io.ReadAll(io.LimitReader(fh, maxReadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

func (f *fileTools) write(_ context.Context, args map[string]any) (string, error) {
	path, name, err := f.fileArgs(args)
	if err != nil {
		return "", err
	}
	content, ok := args["content"].(string)
	if !ok {
		return "", fmt.Errorf("missing required argument %q", "content")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return "Successfully wrote to " + name, nil
}

func (f *fileTools) delete(_ context.Context, args map[string]any) (string, error) {
	path, name, err := f.fileArgs(args)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file %s not found", name)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", name)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("delete %s: %w", name, err)
	}
	return "Successfully deleted " + name, nil
}

// fileArgs resolves the filename and directory arguments.
func (f *fileTools) fileArgs(args map[string]any) (path, name string, err error) {
	name, err = stringArg(args, "filename", "")
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(name) == "" {
		return "", "", fmt.Errorf("filename must not be empty")
	}
	dir, err := stringArg(args, "directory", ".")
	if err != nil {
		return "", "", err
	}
	path, err = f.resolve(dir, name)
	if err != nil {
		return "", "", err
	}
	if path == f.root {
		return "", "", fmt.Errorf("filename %q does not name a file", name)
	}
	return path, name, nil
}
