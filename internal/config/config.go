package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level config.
	WorkspaceDirName = ".webviewer"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// Platform values for query.platform.
const (
	PlatformFileMaker = "filemaker"
	PlatformWeb       = "web"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely.
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up.
	ExplicitDir string
}

// Config captures all tunable settings for the web viewer bridge server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	DataAPI DataAPIConfig `yaml:"data_api"`
	Query   QueryConfig   `yaml:"query"`
	MCP     MCPConfig     `yaml:"mcp"`
	Mangle  MangleConfig  `yaml:"mangle"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures the Chrome instance that hosts the web viewer page.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// ViewerURL is the page that carries the host bridge object.
	ViewerURL string `yaml:"viewer_url"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	ViewportWidth            int    `yaml:"viewport_width"`
	ViewportHeight           int    `yaml:"viewport_height"`
}

// BridgeConfig tunes the call layer between the web viewer and its host.
type BridgeConfig struct {
	// DispatcherScript is the host script every call is routed through.
	DispatcherScript string `yaml:"dispatcher_script"`
	// WebViewerName identifies the web viewer object to the host.
	WebViewerName string `yaml:"webviewer_name"`
	// ScriptOption is one of continue, halt, exit, resume, pause, suspend (or 0-5).
	ScriptOption string `yaml:"script_option"`
	// RetryInterval is the fixed delay between attempts while the host bridge is absent.
	RetryInterval   string `yaml:"retry_interval"`
	LoggingEnabled  bool   `yaml:"logging_enabled"`
	PerformOnServer bool   `yaml:"perform_on_server"`
	// TraceDir receives JSONL call traces; empty disables the recorder.
	TraceDir string `yaml:"trace_dir"`
}

// DataAPIConfig configures the direct HTTP fallback used when no host bridge exists.
type DataAPIConfig struct {
	// Domain is the FileMaker Server host, with or without scheme.
	Domain   string `yaml:"domain"`
	Database string `yaml:"database"`
	Version  string `yaml:"version"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Timeout bounds a single HTTP request (e.g., "30s").
	Timeout string `yaml:"timeout"`
}

// QueryConfig describes the result set the controllers manage.
type QueryConfig struct {
	// Platform selects the transport: "web" uses the Data API, anything else the host bridge.
	Platform string `yaml:"platform"`
	// Script is the host script that runs finds, updates and deletes.
	Script string `yaml:"script"`
	// Layout is the layout queried and written through.
	Layout string `yaml:"layout"`
	// UpdateLayout overrides Layout for record writes.
	UpdateLayout string `yaml:"update_layout"`
	Limit        int    `yaml:"limit"`
	// RowsPath locates the rows inside a result (e.g., "data" or "response.data").
	RowsPath string `yaml:"rows_path"`
	// InitialQuery is a JSON find request; {{name}} placeholders are filled from Variables.
	InitialQuery string            `yaml:"initial_query"`
	Variables    map[string]string `yaml:"variables"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded diagnostics engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "webviewer-bridge",
			Version: "0.1.0",
			LogFile: "webviewer-bridge.log",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			ViewerURL:                "about:blank",
			DefaultNavigationTimeout: "15s",
			ViewportWidth:            1280,
			ViewportHeight:           800,
		},
		Bridge: BridgeConfig{
			DispatcherScript: "callback (jsb)",
			ScriptOption:     "suspend",
			RetryInterval:    "1s",
			LoggingEnabled:   true,
			TraceDir:         "data/traces",
		},
		DataAPI: DataAPIConfig{
			Version: "vLatest",
			Timeout: "30s",
		},
		Query: QueryConfig{
			Platform: PlatformFileMaker,
			Limit:    10,
			RowsPath: "data",
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .webviewer/config.yaml file.
// Returns the workspace root directory (parent of .webviewer/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace merges config layers:
//
//	DefaultConfig() <- .webviewer/config.yaml <- explicit --config
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .webviewer/ directory with a template config at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# Project-level web viewer bridge configuration.
# Values here override defaults but are overridden by --config.

# bridge:
#   webviewer_name: "Portal"
#   retry_interval: "1s"

# query:
#   script: "Data API (jsb)"
#   layout: "Contacts"
#   initial_query: '{"query":[{"Status":"{{status}}"}],"limit":25}'
#   variables:
#     status: "Active"

# data_api:
#   domain: "fms.example.com"
#   database: "Contacts"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, traces) - do not version control\ndata/\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Bridge.TraceDir = resolve(cfg.Bridge.TraceDir)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	if c.Query.IsWeb() {
		if c.DataAPI.Domain == "" || c.DataAPI.Database == "" {
			return errors.New("data_api.domain and data_api.database are required on the web platform")
		}
	}
	if c.Query.Limit < 0 {
		return errors.New("query.limit must not be negative")
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 800
	}
	return b.ViewportHeight
}

// GetRetryInterval returns the bridge-absent retry delay (default: 1s).
func (b BridgeConfig) GetRetryInterval() time.Duration {
	d := parseDuration(b.RetryInterval, time.Second)
	if d <= 0 {
		return time.Second
	}
	return d
}

// GetDispatcherScript returns the dispatcher script name with its default.
func (b BridgeConfig) GetDispatcherScript() string {
	if strings.TrimSpace(b.DispatcherScript) == "" {
		return "callback (jsb)"
	}
	return b.DispatcherScript
}

// GetTimeout returns the per-request HTTP timeout (default: 30s).
func (d DataAPIConfig) GetTimeout() time.Duration {
	return parseDuration(d.Timeout, 30*time.Second)
}

// IsWeb reports whether queries go straight to the Data API.
func (q QueryConfig) IsWeb() bool {
	return strings.EqualFold(strings.TrimSpace(q.Platform), PlatformWeb)
}

// GetLimit returns the configured page size (default: 10).
func (q QueryConfig) GetLimit() int {
	if q.Limit <= 0 {
		return 10
	}
	return q.Limit
}

// GetUpdateLayout returns the layout used for record writes.
func (q QueryConfig) GetUpdateLayout() string {
	if q.UpdateLayout != "" {
		return q.UpdateLayout
	}
	return q.Layout
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
