package host

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/httpkit"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/remote"
)

// DialConfig carries the timeouts applied to every dialed connection.
// Zero values fall back to package defaults.
type DialConfig struct {
	CallTimeout time.Duration
	StopGrace   time.Duration
}

// DialConfigFrom converts the configured timeouts.
func DialConfigFrom(t config.TimeoutConfig) DialConfig {
	return DialConfig{
		CallTimeout: time.Duration(t.CallSec) * time.Second,
		StopGrace:   time.Duration(t.StopGraceSec) * time.Second,
	}
}

// NewDialer returns the standard dialer: local servers get a stdio
// JSON-RPC client, remote "mcp" servers an HTTP JSON-RPC client, and
// remote "github" servers the GitHub REST adapter.
func NewDialer(cfg DialConfig) Dialer {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = mcp.DefaultCallTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = mcp.DefaultStopGrace
	}

	return func(desc config.ServerDescriptor, logger *slog.Logger) (Connection, error) {
		if logger == nil {
			logger = slog.Default()
		}
		connLogger := logger.With("mcp_server", desc.Name)

		switch desc.Type {
		case config.ServerLocal:
			if desc.Command == "" {
				return nil, fmt.Errorf("local server %s: no command", desc.Name)
			}
			tr := mcp.NewStdioTransport(mcp.StdioConfig{
				Command:   desc.Command,
				Args:      desc.Args,
				Env:       desc.Env,
				StopGrace: cfg.StopGrace,
				Logger:    connLogger,
			})
			return mcp.NewClient(desc.Name, tr, logger, mcp.WithCallTimeout(cfg.CallTimeout)), nil

		case config.ServerRemote:
			return dialRemote(desc, cfg, logger, connLogger)

		default:
			return nil, fmt.Errorf("server %s: unknown type %q", desc.Name, desc.Type)
		}
	}
}

// dialRemote picks the remote variant by provider tag.
func dialRemote(desc config.ServerDescriptor, cfg DialConfig, logger, connLogger *slog.Logger) (Connection, error) {
	if desc.URL == "" {
		return nil, fmt.Errorf("remote server %s: no url", desc.Name)
	}

	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(cfg.CallTimeout),
		httpkit.WithHeaders(desc.Headers),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(connLogger),
	)

	switch desc.Provider {
	case "", config.ProviderMCP:
		tr := mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     desc.URL,
			Headers: desc.Headers,
			Client:  httpClient,
			Logger:  connLogger,
		})
		return mcp.NewClient(desc.Name, tr, logger, mcp.WithCallTimeout(cfg.CallTimeout)), nil

	case config.ProviderGitHub:
		a, err := remote.NewGitHub(desc.Name, httpClient, desc.URL, logger,
			remote.WithRatePerMinute(desc.RatePerMinute),
			remote.WithCallTimeout(cfg.CallTimeout),
		)
		if err != nil {
			return nil, err
		}
		return a, nil

	default:
		return nil, fmt.Errorf("remote server %s: unsupported provider %q", desc.Name, desc.Provider)
	}
}
