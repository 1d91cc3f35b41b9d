package provider

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/nugget/mcphost/internal/httpkit"
	"github.com/nugget/mcphost/internal/mcp"
)

// DefaultArxivURL is the arXiv export API query endpoint.
const DefaultArxivURL = "http://export.arxiv.org/api/query"

const (
	// arXiv asks clients to leave three seconds between requests.
	defaultArxivInterval = 3 * time.Second
	searchAttempts       = 3
	defaultMaxResults    = 5
	maxMaxResults        = 50
	maxSummaryRunes      = 500
	papersFile           = "papers_info.json"
	maxFeedBytes         = 8 << 20
)

// ResearchConfig configures the research provider.
type ResearchConfig struct {
	// Dir holds one subdirectory per searched topic.
	Dir string

	// BaseURL overrides DefaultArxivURL.
	BaseURL string

	// Interval is the minimum spacing between API requests.
	Interval time.Duration

	// HTTPClient overrides the httpkit client.
	HTTPClient *http.Client
}

// PaperInfo is what search_papers stores for each paper and
// extract_info returns.
type PaperInfo struct {
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Summary   string   `json:"summary"`
	PDFURL    string   `json:"pdf_url"`
	Published string   `json:"published"`
}

type researchTools struct {
	dir     string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	// mu serializes read-modify-write of the per-topic files.
	mu sync.Mutex
}

// Research returns the arXiv research provider. Search results are
// kept on disk under cfg.Dir so extract_info can answer from them
// later, including across restarts.
func Research(cfg ResearchConfig, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		cfg.Dir = "papers"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultArxivURL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultArxivInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithLogger(logger),
		)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create papers directory: %w", err)
	}

	rt := &researchTools{
		dir:     cfg.Dir,
		baseURL: cfg.BaseURL,
		client:  cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		logger:  logger.With("provider", "research"),
	}

	return New("research-server", "1.0.0", logger,
		Tool{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "search_papers",
				Description: "Search for papers on arXiv based on a topic",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"topic":       map[string]any{"type": "string", "description": "The topic to search for"},
						"max_results": map[string]any{"type": "integer", "description": "Maximum number of results", "default": defaultMaxResults},
					},
					"required": []string{"topic"},
				},
			},
			Handler: rt.search,
		},
		Tool{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "extract_info",
				Description: "Get information about a specific paper by ID",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"paper_id": map[string]any{"type": "string", "description": "The ID of the paper"},
					},
					"required": []string{"paper_id"},
				},
			},
			Handler: rt.extract,
		},
	), nil
}

func (r *researchTools) search(ctx context.Context, args map[string]any) (string, error) {
	topic, err := stringArg(args, "topic", "")
	if err != nil {
		return "", err
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", fmt.Errorf("topic must not be empty")
	}
	limit := defaultMaxResults
	if _, ok := args["max_results"]; ok {
		n, err := number(args, "max_results")
		if err != nil {
			return "", err
		}
		limit = int(math.Max(1, math.Min(maxMaxResults, n)))
	}

	var papers map[string]PaperInfo
	var ids []string
	for attempt := 1; ; attempt++ {
		ids, papers, err = r.query(ctx, topic, limit)
		if err == nil {
			break
		}
		if attempt == searchAttempts || ctx.Err() != nil {
			return "", fmt.Errorf("search papers after %d attempts: %w", attempt, err)
		}
		r.logger.Warn("arXiv search attempt failed", "attempt", attempt, "topic", topic, "error", err)
	}

	if err := r.store(topic, papers); err != nil {
		return "", err
	}
	r.logger.Debug("papers found", "topic", topic, "count", len(ids))
	if len(ids) == 0 {
		return fmt.Sprintf("No papers found for %q", topic), nil
	}
	return fmt.Sprintf("Found %d papers: %s", len(ids), strings.Join(ids, ", ")), nil
}

// atomFeed is the subset of the arXiv Atom response we read.
type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Links []struct {
		Href  string `xml:"href,attr"`
		Title string `xml:"title,attr"`
		Type  string `xml:"type,attr"`
	} `xml:"link"`
}

// query runs one relevance-sorted search and returns the short ids in
// feed order alongside their details.
func (r *researchTools) query(ctx context.Context, topic string, limit int) ([]string, map[string]PaperInfo, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	q := url.Values{}
	q.Set("search_query", topic)
	q.Set("start", "0")
	q.Set("max_results", fmt.Sprint(limit))
	q.Set("sortBy", "relevance")
	q.Set("sortOrder", "descending")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 1024)
		return nil, nil, fmt.Errorf("arXiv API error %d: %s", resp.StatusCode, strings.TrimSpace(body))
	}

	var feed atomFeed
	dec := xml.NewDecoder(io.LimitReader(resp.Body, maxFeedBytes))
	if err := dec.Decode(&feed); err != nil {
		return nil, nil, fmt.Errorf("decode feed: %w", err)
	}

	ids := make([]string, 0, len(feed.Entries))
	papers := make(map[string]PaperInfo, len(feed.Entries))
	for _, e := range feed.Entries {
		id := shortID(e.ID)
		if id == "" {
			continue
		}
		ids = append(ids, id)
		papers[id] = e.info()
	}
	return ids, papers, nil
}

func (e atomEntry) info() PaperInfo {
	p := PaperInfo{
		Title:   strings.Join(strings.Fields(e.Title), " "),
		Summary: clipRunes(strings.TrimSpace(e.Summary), maxSummaryRunes),
		Authors: make([]string, 0, len(e.Authors)),
	}
	for _, a := range e.Authors {
		p.Authors = append(p.Authors, strings.TrimSpace(a.Name))
	}
	for _, l := range e.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			p.PDFURL = l.Href
			break
		}
	}
	if p.PDFURL == "" {
		p.PDFURL = strings.Replace(strings.TrimSpace(e.ID), "/abs/", "/pdf/", 1)
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Published)); err == nil {
		p.Published = t.Format(time.DateOnly)
	}
	return p
}

// shortID turns an entry id URL such as http://arxiv.org/abs/2101.00001v2
// into 2101.00001v2.
func shortID(entryID string) string {
	entryID = strings.TrimSpace(entryID)
	if i := strings.Index(entryID, "/abs/"); i >= 0 {
		return entryID[i+len("/abs/"):]
	}
	return entryID
}

// clipRunes keeps at most n characters and marks the cut with "...".
func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// topicDir maps a topic to its directory name: lowercase, with anything
// other than letters, digits, dash, and underscore replaced by '_'.
func topicDir(topic string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.ToLower(topic))
}

// store merges papers into the topic's info file.
func (r *researchTools) store(topic string, papers map[string]PaperInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Join(r.dir, topicDir(topic))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create topic directory: %w", err)
	}
	path := filepath.Join(dir, papersFile)

	existing, err := readPapers(path)
	if err != nil {
		r.logger.Warn("replacing unreadable papers file", "path", path, "error", err)
		existing = nil
	}
	if existing == nil {
		existing = make(map[string]PaperInfo, len(papers))
	}
	for id, p := range papers {
		existing[id] = p
	}

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal papers: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write papers: %w", err)
	}
	return nil
}

// readPapers loads one topic file. A missing file is an empty map.
func readPapers(path string) (map[string]PaperInfo, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var papers map[string]PaperInfo
	if err := json.Unmarshal(data, &papers); err != nil {
		return nil, err
	}
	return papers, nil
}

func (r *researchTools) extract(_ context.Context, args map[string]any) (string, error) {
	id, err := stringArg(args, "paper_id", "")
	if err != nil {
		return "", err
	}
	id = strings.TrimSpace(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return "", fmt.Errorf("read papers directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		papers, err := readPapers(filepath.Join(r.dir, name, papersFile))
		if err != nil {
			r.logger.Debug("skipping unreadable papers file", "topic", name, "error", err)
			continue
		}
		if p, ok := papers[id]; ok {
			data, err := json.MarshalIndent(p, "", "  ")
			if err != nil {
				return "", err
			}
			return string(data), nil
		}
	}
	return fmt.Sprintf("No information found for paper %s", id), nil
}
