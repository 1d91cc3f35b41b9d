package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/mcphost/internal/calllog"
	"github.com/nugget/mcphost/internal/chat"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/host"
	"github.com/nugget/mcphost/internal/llm"
	"github.com/nugget/mcphost/internal/router"
)

// app bundles the components shared by the chat, ask, and tools
// commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	host   *host.Host
	calls  *calllog.Store
}

// newApp loads configuration, opens the call log if one is configured,
// and starts every tool server. Server start failures are logged and
// do not prevent the app from running.
func newApp(ctx context.Context, stderr io.Writer, configPath string) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// ParseLogLevel is already validated by config.Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	if cfgPath == "" {
		logger.Warn("no config file found, running without tool servers")
	} else {
		logger.Debug("config loaded", "path", cfgPath)
	}
	for _, u := range cfg.Unresolved {
		logger.Warn("header placeholder has no environment value", "placeholder", u)
	}

	a := &app{cfg: cfg, logger: logger}

	opts := []host.Option{
		host.WithDialer(host.NewDialer(host.DialConfigFrom(cfg.Timeouts))),
		host.WithStartTimeout(time.Duration(cfg.Timeouts.StartSec) * time.Second),
	}
	if cfg.CallLog != "" {
		a.calls, err = calllog.Open(cfg.CallLog)
		if err != nil {
			return nil, err
		}
		opts = append(opts, host.WithRecorder(a.calls.Recorder(func(err error) {
			logger.Warn("failed to record tool call", "error", err)
		})))
	}

	a.host = host.New(logger, opts...)
	if err := a.host.StartAll(ctx, cfg.Descriptors()); err != nil {
		logger.Warn("some tool servers did not start", "error", err)
	}
	return a, nil
}

// newSession builds a chat session over the app's host. The model
// endpoint must answer before the session starts; a model missing from
// the endpoint's list is only a warning since the name may be an alias.
func (a *app) newSession(ctx context.Context) (*chat.Session, error) {
	model := llm.NewOllamaClient(a.cfg.Model.URL, a.cfg.Model.Name,
		time.Duration(a.cfg.Model.TimeoutSec)*time.Second, a.logger)

	if err := model.Ping(ctx); err != nil {
		return nil, fmt.Errorf("model endpoint %s is not reachable (is Ollama running?): %w", a.cfg.Model.URL, err)
	}
	names, err := model.ListModels(ctx)
	switch {
	case err != nil:
		a.logger.Warn("could not list models", "error", err)
	case !modelListed(names, a.cfg.Model.Name):
		a.logger.Warn("model not found on endpoint, try pulling it first",
			"model", a.cfg.Model.Name, "available", names)
	}

	r := router.New(a.host, a.logger)
	return chat.NewSession(model, a.host, r, a.logger, chat.WithHistoryWindow(a.cfg.HistoryWindow))
}

// modelListed reports whether name is among names. A name without a
// tag matches its ":latest" form.
func modelListed(names []string, name string) bool {
	for _, n := range names {
		if n == name || (!strings.Contains(name, ":") && n == name+":latest") {
			return true
		}
	}
	return false
}

// close stops every tool server and closes the call log.
func (a *app) close() {
	if err := a.host.StopAll(); err != nil {
		a.logger.Warn("tool server shutdown incomplete", "error", err)
	}
	if a.calls != nil {
		if err := a.calls.Close(); err != nil {
			a.logger.Warn("failed to close call log", "error", err)
		}
	}
}

// openCallLog opens only the call log, for commands that do not need
// the tool servers.
func openCallLog(configPath string) (*calllog.Store, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.CallLog == "" {
		return nil, fmt.Errorf("call_log is not configured")
	}
	return calllog.Open(cfg.CallLog)
}
