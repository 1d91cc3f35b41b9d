package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/nugget/mcphost/internal/mcp"
)

// defaultGitHubAPI is the public API base. Any other base URL is
// treated as a GitHub Enterprise server.
const defaultGitHubAPI = "https://api.github.com"

// maxFileBytes caps get_file_content output.
const maxFileBytes = 1 << 20

// github maps the synthesized tools onto the GitHub REST API.
type github struct {
	client *gogithub.Client
	logger *slog.Logger
}

// NewGitHub builds the GitHub adapter. httpClient carries the
// configured headers (Authorization); baseURL selects public GitHub or
// an Enterprise server.
func NewGitHub(name string, httpClient *http.Client, baseURL string, logger *slog.Logger, opts ...Option) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := gogithub.NewClient(httpClient)
	base := strings.TrimRight(baseURL, "/")
	if base != "" && base != defaultGitHubAPI {
		if _, err := url.Parse(base); err != nil {
			return nil, fmt.Errorf("github base url %q: %w", baseURL, err)
		}
		var err error
		client, err = client.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, fmt.Errorf("github enterprise url %q: %w", baseURL, err)
		}
	}

	gh := &github{client: client, logger: logger.With("mcp_server", name)}
	opts = append([]Option{WithPing(gh.ping)}, opts...)
	return NewAdapter(name, "github", gh.tools(), logger, opts...), nil
}

func repoSchema(extra map[string]any, required ...string) map[string]any {
	props := map[string]any{
		"owner": map[string]any{"type": "string", "description": "Repository owner (user or organization)"},
		"repo":  map[string]any{"type": "string", "description": "Repository name"},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   append([]string{"owner", "repo"}, required...),
	}
}

func (g *github) tools() []Tool {
	return []Tool{
		{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "get_repository",
				Description: "Get information about a GitHub repository",
				InputSchema: repoSchema(nil),
			},
			Handler: g.getRepository,
		},
		{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "list_files",
				Description: "List files in a GitHub repository directory",
				InputSchema: repoSchema(map[string]any{
					"path": map[string]any{"type": "string", "description": "Directory path (default: repository root)"},
				}),
			},
			Handler: g.listFiles,
		},
		{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "get_file_content",
				Description: "Get the content of a file in a GitHub repository",
				InputSchema: repoSchema(map[string]any{
					"path": map[string]any{"type": "string", "description": "File path"},
					"ref":  map[string]any{"type": "string", "description": "Branch, tag, or commit (default: default branch)"},
				}, "path"),
			},
			Handler: g.getFileContent,
		},
		{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "list_issues",
				Description: "List issues in a GitHub repository",
				InputSchema: repoSchema(map[string]any{
					"state": map[string]any{"type": "string", "description": "open, closed, or all (default: open)"},
				}),
			},
			Handler: g.listIssues,
		},
	}
}

func ownerRepo(args map[string]any) (string, string, error) {
	owner, err := stringArg(args, "owner")
	if err != nil {
		return "", "", err
	}
	repo, err := stringArg(args, "repo")
	if err != nil {
		return "", "", err
	}
	// Accept "owner/repo" in the repo field.
	if o, r, ok := strings.Cut(repo, "/"); ok && o != "" && r != "" {
		owner, repo = o, r
	}
	return owner, repo, nil
}

func (g *github) getRepository(ctx context.Context, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}

	r, resp, err := g.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, g.apiError("get repository", resp, err)
	}
	g.checkRateLimit(resp)

	return map[string]any{
		"full_name":      r.GetFullName(),
		"description":    r.GetDescription(),
		"language":       r.GetLanguage(),
		"default_branch": r.GetDefaultBranch(),
		"stars":          r.GetStargazersCount(),
		"forks":          r.GetForksCount(),
		"open_issues":    r.GetOpenIssuesCount(),
		"private":        r.GetPrivate(),
		"url":            r.GetHTMLURL(),
	}, nil
}

func (g *github) listFiles(ctx context.Context, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}
	path, err := optString(args, "path", "")
	if err != nil {
		return nil, err
	}

	file, dir, resp, err := g.client.Repositories.GetContents(ctx, owner, repo, path, nil)
	if err != nil {
		return nil, g.apiError("list files", resp, err)
	}
	g.checkRateLimit(resp)

	if file != nil {
		return nil, invalidArgs("%s is a file, not a directory", file.GetPath())
	}

	entries := make([]map[string]any, 0, len(dir))
	for _, e := range dir {
		entries = append(entries, map[string]any{
			"name": e.GetName(),
			"path": e.GetPath(),
			"type": e.GetType(),
			"size": e.GetSize(),
		})
	}
	return entries, nil
}

func (g *github) getFileContent(ctx context.Context, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	ref, err := optString(args, "ref", "")
	if err != nil {
		return nil, err
	}

	var opts *gogithub.RepositoryContentGetOptions
	if ref != "" {
		opts = &gogithub.RepositoryContentGetOptions{Ref: ref}
	}

	file, _, resp, err := g.client.Repositories.GetContents(ctx, owner, repo, path, opts)
	if err != nil {
		return nil, g.apiError("get file content", resp, err)
	}
	g.checkRateLimit(resp)

	if file == nil {
		return nil, invalidArgs("%s is a directory, not a file", path)
	}

	// GetContent decodes the base64 payload.
	content, err := file.GetContent()
	if err != nil {
		return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: fmt.Sprintf("decode %s: %v", path, err)}
	}
	truncated := false
	if len(content) > maxFileBytes {
		content = cutUTF8(content, maxFileBytes)
		truncated = true
	}

	return map[string]any{
		"path":      file.GetPath(),
		"size":      file.GetSize(),
		"sha":       file.GetSHA(),
		"content":   content,
		"truncated": truncated,
	}, nil
}

func (g *github) listIssues(ctx context.Context, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}
	state, err := optString(args, "state", "open")
	if err != nil {
		return nil, err
	}

	opts := &gogithub.IssueListByRepoOptions{
		State:       state,
		ListOptions: gogithub.ListOptions{PerPage: 30},
	}
	issues, resp, err := g.client.Issues.ListByRepo(ctx, owner, repo, opts)
	if err != nil {
		return nil, g.apiError("list issues", resp, err)
	}
	g.checkRateLimit(resp)

	out := make([]map[string]any, 0, len(issues))
	for _, is := range issues {
		labels := make([]string, 0, len(is.Labels))
		for _, l := range is.Labels {
			labels = append(labels, l.GetName())
		}
		out = append(out, map[string]any{
			"number":       is.GetNumber(),
			"title":        is.GetTitle(),
			"state":        is.GetState(),
			"author":       is.GetUser().GetLogin(),
			"labels":       labels,
			"comments":     is.GetComments(),
			"pull_request": is.IsPullRequest(),
			"url":          is.GetHTMLURL(),
		})
	}
	return out, nil
}

// ping fetches the rate-limit status, which does not count against
// the quota.
func (g *github) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, resp, err := g.client.RateLimit.Get(ctx)
	if err != nil {
		return g.apiError("ping", resp, err)
	}
	return nil
}

// apiError maps a failed API call to the uniform remote error shape:
// any HTTP status becomes the error code. Transport failures without a
// response are returned as-is.
func (g *github) apiError(op string, resp *gogithub.Response, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if resp != nil && resp.Response != nil {
		status := resp.StatusCode
		msg := err.Error()
		var ghErr *gogithub.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Message != "" {
			msg = ghErr.Message
		}
		return &mcp.RPCError{
			Code:    status,
			Message: fmt.Sprintf("github %s: HTTP %d: %s", op, status, msg),
		}
	}
	return fmt.Errorf("github %s: %w", op, err)
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func (g *github) checkRateLimit(resp *gogithub.Response) {
	if resp == nil || resp.Rate.Limit == 0 {
		return
	}
	if resp.Rate.Remaining < 100 {
		g.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// cutUTF8 returns at most n bytes of s without splitting a character.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
