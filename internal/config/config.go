// Package config handles mcphost configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Server types accepted in the mcp_servers section.
const (
	ServerLocal  = "local"
	ServerRemote = "remote"
)

// Remote providers. An empty provider on a remote server means
// ProviderMCP.
const (
	ProviderMCP    = "mcp"
	ProviderGitHub = "github"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mcphost.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcphost.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphost", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphost configuration.
type Config struct {
	LogLevel      string                  `yaml:"log_level"`
	LogFormat     string                  `yaml:"log_format"` // text (default) or json
	Model         ModelConfig             `yaml:"model"`
	HistoryWindow int                     `yaml:"history_window"`
	CallLog       string                  `yaml:"call_log"`
	Timeouts      TimeoutConfig           `yaml:"timeouts"`
	Servers       map[string]ServerConfig `yaml:"mcp_servers"`

	// Unresolved lists header placeholders that had no matching
	// environment variable at load time, as "server.header: ${VAR}".
	Unresolved []string `yaml:"-"`
}

// ModelConfig defines the chat model endpoint.
type ModelConfig struct {
	URL        string `yaml:"url"`
	Name       string `yaml:"name"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// TimeoutConfig bounds every suspension point of a tool server connection.
type TimeoutConfig struct {
	// StartSec bounds process spawn plus the initialize handshake.
	StartSec int `yaml:"start_sec"`
	// CallSec bounds a single tools/call round trip.
	CallSec int `yaml:"call_sec"`
	// StopGraceSec is how long a subprocess may take to exit after
	// SIGTERM before it is killed.
	StopGraceSec int `yaml:"stop_grace_sec"`
}

// ServerConfig is one entry of the mcp_servers mapping as written in
// the file. The map key is the server name.
type ServerConfig struct {
	Type          string            `yaml:"type"`
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args"`
	Env           []string          `yaml:"env"`
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	Provider      string            `yaml:"provider"`
	Description   string            `yaml:"description"`
	RatePerMinute int               `yaml:"rate_per_minute"`
}

// ServerDescriptor is the immutable, validated description of one tool
// server. Name is lower-cased: server names are case-insensitive.
type ServerDescriptor struct {
	Name        string
	Type        string
	Description string

	// Local servers.
	Command string
	Args    []string
	Env     []string

	// Remote servers.
	URL           string
	Headers       map[string]string
	Provider      string
	RatePerMinute int
}

// Load reads configuration from a YAML file. JSON files load too.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes configuration from data, resolving ${VAR} placeholders
// in server header values through lookup. Defaults are applied and the
// result is validated.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	for name, srv := range cfg.Servers {
		if len(srv.Headers) == 0 {
			continue
		}
		resolved := make(map[string]string, len(srv.Headers))
		for k, v := range srv.Headers {
			out, missing := ResolvePlaceholders(v, lookup)
			resolved[k] = out
			for _, m := range missing {
				cfg.Unresolved = append(cfg.Unresolved, fmt.Sprintf("%s.%s: ${%s}", name, k, m))
			}
		}
		srv.Headers = resolved
		cfg.Servers[name] = srv
	}
	sort.Strings(cfg.Unresolved)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration with no servers.
func Default() *Config {
	return &Config{
		LogLevel:      "info",
		LogFormat:     "text",
		HistoryWindow: 10,
		Model: ModelConfig{
			URL:        "http://localhost:11434",
			Name:       "llama3.2",
			TimeoutSec: 30,
		},
		Timeouts: TimeoutConfig{
			StartSec:     10,
			CallSec:      30,
			StopGraceSec: 5,
		},
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Model.URL == "" {
		c.Model.URL = d.Model.URL
	}
	if c.Model.Name == "" {
		c.Model.Name = d.Model.Name
	}
	if c.Model.TimeoutSec <= 0 {
		c.Model.TimeoutSec = d.Model.TimeoutSec
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.Timeouts.StartSec <= 0 {
		c.Timeouts.StartSec = d.Timeouts.StartSec
	}
	if c.Timeouts.CallSec <= 0 {
		c.Timeouts.CallSec = d.Timeouts.CallSec
	}
	if c.Timeouts.StopGraceSec <= 0 {
		c.Timeouts.StopGraceSec = d.Timeouts.StopGraceSec
	}
	for name, srv := range c.Servers {
		// Entries without a type are inferred from what they carry.
		if srv.Type == "" {
			switch {
			case srv.Command != "":
				srv.Type = ServerLocal
			case srv.URL != "":
				srv.Type = ServerRemote
			}
		}
		if srv.Type == ServerRemote && srv.Provider == "" {
			srv.Provider = ProviderMCP
		}
		if srv.Type == ServerRemote && srv.RatePerMinute <= 0 {
			srv.RatePerMinute = 60
		}
		c.Servers[name] = srv
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}

	seen := make(map[string]string, len(c.Servers))
	for name, srv := range c.Servers {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return fmt.Errorf("mcp server with empty name")
		}
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("mcp server %q: duplicate name (conflicts with %q)", name, prev)
		}
		seen[key] = name

		switch srv.Type {
		case ServerLocal:
			if srv.Command == "" {
				return fmt.Errorf("mcp server %q: command is required for local servers", name)
			}
		case ServerRemote:
			if srv.URL == "" {
				return fmt.Errorf("mcp server %q: url is required for remote servers", name)
			}
			if srv.Provider != ProviderMCP && srv.Provider != ProviderGitHub {
				return fmt.Errorf("mcp server %q: unsupported provider %q", name, srv.Provider)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown type %q (valid: local, remote)", name, srv.Type)
		}
	}
	return nil
}

// Descriptors converts the mcp_servers mapping into descriptors sorted
// by name, so startup order is stable across runs.
func (c *Config) Descriptors() []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(c.Servers))
	for name, srv := range c.Servers {
		out = append(out, ServerDescriptor{
			Name:          strings.ToLower(strings.TrimSpace(name)),
			Type:          srv.Type,
			Description:   srv.Description,
			Command:       srv.Command,
			Args:          append([]string(nil), srv.Args...),
			Env:           append([]string(nil), srv.Env...),
			URL:           srv.URL,
			Headers:       copyHeaders(srv.Headers),
			Provider:      srv.Provider,
			RatePerMinute: srv.RatePerMinute,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// placeholderRe matches ${NAME} environment placeholders.
var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolvePlaceholders replaces each ${NAME} in s with the value lookup
// returns for NAME. Placeholders whose variable is not set are left
// verbatim and their names are returned in missing. A variable that is
// set to the empty string resolves to the empty string.
func ResolvePlaceholders(s string, lookup func(string) (string, bool)) (resolved string, missing []string) {
	resolved = placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := lookup(name); ok {
			return v
		}
		missing = append(missing, name)
		return m
	})
	return resolved, missing
}
