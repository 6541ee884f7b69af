package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the per-directory override file.
const ConfigFileName = ".mcplab.toml"

type Config struct {
	ProjectsDir   *string `toml:"projects_dir,omitempty"`
	LogsDir       *string `toml:"logs_dir,omitempty"`
	PythonCommand *string `toml:"python_command,omitempty"`

	PortStart *int    `toml:"port_start,omitempty"`
	PortEnd   *int    `toml:"port_end,omitempty"`
	APIHost   *string `toml:"api_host,omitempty"`
	APIPort   *int    `toml:"api_port,omitempty"`

	// GatewayPort is where <project>.localhost is routed to deployments; 0 disables it.
	GatewayPort *int `toml:"gateway_port,omitempty"`

	// Durations are written as Go duration strings ("2s", "500ms").
	StartupGrace *string `toml:"startup_grace,omitempty"`
	CallTimeout  *string `toml:"call_timeout,omitempty"`
	StopGrace    *string `toml:"stop_grace,omitempty"`
	RestartPause *string `toml:"restart_pause,omitempty"`

	FrameworkDir *string `toml:"framework_dir,omitempty"`
	MaxScanFiles *int    `toml:"max_scan_files,omitempty"`

	LogFile *string `toml:"log_file,omitempty"`

	// sources lists the files that contributed to this config, lowest priority first.
	sources []string
}

// Load builds the effective configuration: the global file, then every
// .mcplab.toml from the filesystem root down to the working directory
// (closest wins), then environment overrides.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return LoadFrom(cwd)
}

// LoadFrom is Load with an explicit starting directory.
func LoadFrom(dir string) (*Config, error) {
	cfg := &Config{}

	if global, err := GlobalConfigPath(); err == nil {
		if err := cfg.mergeFile(global); err != nil {
			return nil, err
		}
	}

	for _, path := range overrideChain(dir) {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalConfigPath returns ~/.mcplab/config.toml
func GlobalConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".mcplab", "config.toml"), nil
}

// overrideChain returns .mcplab.toml paths ordered from the outermost
// directory to dir itself.
func overrideChain(dir string) []string {
	var chain []string
	current := filepath.Clean(dir)
	for {
		candidate := filepath.Join(current, ConfigFileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			chain = append([]string{candidate}, chain...)
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return chain
}

func (c *Config) mergeFile(path string) error {
	var layer Config
	if _, err := toml.DecodeFile(path, &layer); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	c.merge(&layer)
	c.sources = append(c.sources, path)
	return nil
}

// merge copies every field set in other over c.
func (c *Config) merge(other *Config) {
	mergeString(&c.ProjectsDir, other.ProjectsDir)
	mergeString(&c.LogsDir, other.LogsDir)
	mergeString(&c.PythonCommand, other.PythonCommand)
	mergeInt(&c.PortStart, other.PortStart)
	mergeInt(&c.PortEnd, other.PortEnd)
	mergeString(&c.APIHost, other.APIHost)
	mergeInt(&c.APIPort, other.APIPort)
	mergeInt(&c.GatewayPort, other.GatewayPort)
	mergeString(&c.StartupGrace, other.StartupGrace)
	mergeString(&c.CallTimeout, other.CallTimeout)
	mergeString(&c.StopGrace, other.StopGrace)
	mergeString(&c.RestartPause, other.RestartPause)
	mergeString(&c.FrameworkDir, other.FrameworkDir)
	mergeInt(&c.MaxScanFiles, other.MaxScanFiles)
	mergeString(&c.LogFile, other.LogFile)
}

func mergeString(dst **string, src *string) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func mergeInt(dst **int, src *int) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func (c *Config) applyEnv() error {
	stringEnv := map[string]**string{
		"MCPLAB_PYTHON":       &c.PythonCommand,
		"MCPLAB_PROJECTS_DIR": &c.ProjectsDir,
		"MCPLAB_LOGS_DIR":     &c.LogsDir,
	}
	for key, dst := range stringEnv {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			mergeString(dst, &v)
		}
	}

	intEnv := map[string]**int{
		"MCPLAB_PORT_START":   &c.PortStart,
		"MCPLAB_PORT_END":     &c.PortEnd,
		"MCPLAB_API_PORT":     &c.APIPort,
		"MCPLAB_GATEWAY_PORT": &c.GatewayPort,
	}
	for key, dst := range intEnv {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		mergeInt(dst, &n)
	}
	return nil
}

// Validate checks the explicitly set values.
func (c *Config) Validate() error {
	var errs []string

	if c.PortStart != nil && (*c.PortStart < 1024 || *c.PortStart > 65535) {
		errs = append(errs, "port_start must be between 1024 and 65535")
	}
	if c.PortEnd != nil && (*c.PortEnd < 1024 || *c.PortEnd > 65535) {
		errs = append(errs, "port_end must be between 1024 and 65535")
	}
	if c.GetPortStart() > c.GetPortEnd() {
		errs = append(errs, fmt.Sprintf("port_start (%d) must not exceed port_end (%d)", c.GetPortStart(), c.GetPortEnd()))
	}
	if c.APIPort != nil && (*c.APIPort <= 0 || *c.APIPort > 65535) {
		errs = append(errs, "api_port must be between 1 and 65535")
	}
	if c.GatewayPort != nil && (*c.GatewayPort < 0 || *c.GatewayPort > 65535) {
		errs = append(errs, "gateway_port must be between 0 and 65535")
	}
	if c.MaxScanFiles != nil && *c.MaxScanFiles <= 0 {
		errs = append(errs, "max_scan_files must be positive")
	}

	durations := map[string]*string{
		"startup_grace": c.StartupGrace,
		"call_timeout":  c.CallTimeout,
		"stop_grace":    c.StopGrace,
		"restart_pause": c.RestartPause,
	}
	for name, v := range durations {
		if v == nil {
			continue
		}
		if d, err := time.ParseDuration(*v); err != nil || d < 0 {
			errs = append(errs, fmt.Sprintf("%s: invalid duration %q", name, *v))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Save writes the config to ./.mcplab.toml
func (c *Config) Save() error {
	return c.SaveTo(ConfigFileName)
}

// SaveTo writes the config as TOML to path.
func (c *Config) SaveTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}

// Sources returns the files merged into this config.
func (c *Config) Sources() []string {
	return append([]string(nil), c.sources...)
}

// DisplaySettings renders the effective values followed by the files they came from.
func (c *Config) DisplaySettings() string {
	var b strings.Builder
	b.WriteString("Effective settings:\n")
	rows := [][2]string{
		{"projects_dir", c.GetProjectsDir()},
		{"logs_dir", c.GetLogsDir()},
		{"python_command", c.GetPythonCommand()},
		{"port_range", fmt.Sprintf("%d-%d", c.GetPortStart(), c.GetPortEnd())},
		{"api", fmt.Sprintf("%s:%d", c.GetAPIHost(), c.GetAPIPort())},
		{"gateway_port", strconv.Itoa(c.GetGatewayPort())},
		{"startup_grace", c.GetStartupGrace().String()},
		{"call_timeout", c.GetCallTimeout().String()},
		{"stop_grace", c.GetStopGrace().String()},
		{"restart_pause", c.GetRestartPause().String()},
		{"framework_dir", c.GetFrameworkDir()},
		{"max_scan_files", strconv.Itoa(c.GetMaxScanFiles())},
		{"log_file", c.GetLogFile()},
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "  %-15s %s\n", r[0], r[1])
	}

	b.WriteString("\nSources (lowest priority first):\n")
	if len(c.sources) == 0 {
		b.WriteString("  (defaults only)\n")
	}
	for _, src := range c.sources {
		fmt.Fprintf(&b, "  %s\n", src)
	}
	return b.String()
}

// Helper methods to get values with defaults

func (c *Config) GetProjectsDir() string {
	if c.ProjectsDir == nil {
		return expandHome("~/.mcplab/projects")
	}
	return expandHome(*c.ProjectsDir)
}

func (c *Config) GetLogsDir() string {
	if c.LogsDir == nil {
		return expandHome("~/.mcplab/logs")
	}
	return expandHome(*c.LogsDir)
}

func (c *Config) GetPythonCommand() string {
	if c.PythonCommand == nil {
		return "python3"
	}
	return *c.PythonCommand
}

func (c *Config) GetPortStart() int {
	if c.PortStart == nil {
		return 3000
	}
	return *c.PortStart
}

func (c *Config) GetPortEnd() int {
	if c.PortEnd == nil {
		return 3999
	}
	return *c.PortEnd
}

func (c *Config) GetAPIHost() string {
	if c.APIHost == nil {
		return "127.0.0.1"
	}
	return *c.APIHost
}

func (c *Config) GetAPIPort() int {
	if c.APIPort == nil {
		return 8000
	}
	return *c.APIPort
}

func (c *Config) GetGatewayPort() int {
	if c.GatewayPort == nil {
		return 8100
	}
	return *c.GatewayPort
}

func (c *Config) GetStartupGrace() time.Duration {
	return durationOr(c.StartupGrace, 2*time.Second)
}

func (c *Config) GetCallTimeout() time.Duration {
	return durationOr(c.CallTimeout, 30*time.Second)
}

func (c *Config) GetStopGrace() time.Duration {
	return durationOr(c.StopGrace, 5*time.Second)
}

func (c *Config) GetRestartPause() time.Duration {
	return durationOr(c.RestartPause, time.Second)
}

func (c *Config) GetFrameworkDir() string {
	if c.FrameworkDir == nil {
		return "src/playwright_server"
	}
	return *c.FrameworkDir
}

func (c *Config) GetMaxScanFiles() int {
	if c.MaxScanFiles == nil {
		return 500
	}
	return *c.MaxScanFiles
}

func (c *Config) GetLogFile() string {
	if c.LogFile == nil {
		return ""
	}
	return expandHome(*c.LogFile)
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
