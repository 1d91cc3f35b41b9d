package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/nugget/mcphost/internal/calllog"
	"github.com/nugget/mcphost/internal/host"
	"github.com/nugget/mcphost/internal/mcp"
)

// serverReport is the tools command output for one server.
type serverReport struct {
	host.ServerStatus
	ToolNames []string `json:"tool_names"`
	Ping      string   `json:"ping,omitempty"`
}

// runTools starts every configured server, probes the ready ones, and
// reports their state and tools.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	a, err := newApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	catalog := a.host.Catalog()
	var reports []serverReport
	for _, st := range a.host.Status() {
		r := serverReport{ServerStatus: st, ToolNames: []string{}}
		for _, t := range catalog[st.Name] {
			r.ToolNames = append(r.ToolNames, t.Name)
		}
		if st.State == mcp.StateReady.String() {
			start := time.Now()
			if err := a.host.Ping(ctx, st.Name); err != nil {
				r.Ping = "error: " + err.Error()
			} else {
				r.Ping = time.Since(start).Round(time.Millisecond).String()
			}
		}
		reports = append(reports, r)
	}

	if outputFmt == "json" {
		if reports == nil {
			reports = []serverReport{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	if len(reports) == 0 {
		fmt.Fprintln(stdout, "No tool servers configured.")
		return nil
	}
	for _, r := range reports {
		fmt.Fprintf(stdout, "%s (%s) %s, %d tools", r.Name, r.Type, r.State, r.Tools)
		if r.Ping != "" {
			fmt.Fprintf(stdout, ", ping %s", r.Ping)
		}
		fmt.Fprintln(stdout)
		if r.Description != "" {
			fmt.Fprintf(stdout, "  %s\n", r.Description)
		}
		for _, name := range r.ToolNames {
			fmt.Fprintf(stdout, "  - %s\n", name)
		}
	}
	return nil
}

// summaryWindow is how far back the calls command totals per server.
const summaryWindow = 24 * time.Hour

// callsReport is the calls command output.
type callsReport struct {
	Summary []calllog.ServerSummary `json:"summary"`
	Calls   []calllog.Record        `json:"calls"`
}

// runCalls prints per-server totals for the last day followed by the
// most recent entries from the call log.
func runCalls(ctx context.Context, stdout, _ io.Writer, configPath, outputFmt string) error {
	store, err := openCallLog(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now()
	summary, err := store.SummaryByServer(ctx, now.Add(-summaryWindow), now.Add(time.Second))
	if err != nil {
		return err
	}
	recs, err := store.Recent(ctx, 20)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		report := callsReport{Summary: summary, Calls: recs}
		if report.Summary == nil {
			report.Summary = []calllog.ServerSummary{}
		}
		if report.Calls == nil {
			report.Calls = []calllog.Record{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if len(recs) == 0 {
		fmt.Fprintln(stdout, "No tool calls recorded.")
		return nil
	}
	if len(summary) > 0 {
		fmt.Fprintln(stdout, "Last 24h by server:")
		for _, sum := range summary {
			fmt.Fprintf(stdout, "  %-20s %d calls, %d failed\n", sum.Server, sum.Calls, sum.Failures)
		}
		fmt.Fprintln(stdout)
	}
	for _, r := range recs {
		status := "ok"
		if !r.OK {
			status = "failed"
			if r.ErrorCode != 0 {
				status = fmt.Sprintf("failed (%d)", r.ErrorCode)
			}
		}
		fmt.Fprintf(stdout, "%s  %s/%s  %s  %s\n",
			r.Timestamp.Local().Format(time.DateTime), r.Server, r.Tool, status, r.Duration.Round(time.Millisecond))
		if r.ErrorText != "" {
			fmt.Fprintf(stdout, "    %s\n", r.ErrorText)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
