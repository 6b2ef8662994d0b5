package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
	"github.com/janekbaraniewski/cliproxymon/internal/history"
	"github.com/janekbaraniewski/cliproxymon/internal/management"
	"github.com/janekbaraniewski/cliproxymon/internal/usage"
)

const (
	DefaultInstanceID          = "default"
	DefaultPollIntervalSeconds = int(core.DefaultPollInterval / time.Second)
	DefaultFailureThreshold    = 3
)

// InstanceConfig is one monitored CLIProxyAPI endpoint.
type InstanceConfig struct {
	ID                     string `json:"id" yaml:"id"`
	BaseURL                string `json:"base_url" yaml:"base_url"`
	ManagementKey          string `json:"management_key,omitempty" yaml:"management_key,omitempty"`
	ManagementKeyEnv       string `json:"management_key_env,omitempty" yaml:"management_key_env,omitempty"`
	PollIntervalSeconds    int    `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	EnableLogDiagnostics   bool   `json:"enable_log_diagnostics" yaml:"enable_log_diagnostics"`
	EnableRequestErrorLogs bool   `json:"enable_request_error_logs" yaml:"enable_request_error_logs"`
	UsageMode              string `json:"usage_mode,omitempty" yaml:"usage_mode,omitempty"`
	FailureThreshold       int    `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
}

func (i InstanceConfig) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalSeconds) * time.Second
}

func (i InstanceConfig) Diagnostics() core.DiagnosticsFlags {
	return core.DiagnosticsFlags{
		LogDiagnostics:   i.EnableLogDiagnostics,
		RequestErrorLogs: i.EnableRequestErrorLogs,
	}
}

type Config struct {
	SocketPath           string           `json:"socket_path,omitempty" yaml:"socket_path,omitempty"`
	HistoryDB            string           `json:"history_db,omitempty" yaml:"history_db,omitempty"`
	HistoryRetentionDays int              `json:"history_retention_days" yaml:"history_retention_days"`
	LogFile              string           `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	Verbose              bool             `json:"verbose" yaml:"verbose"`
	Instances            []InstanceConfig `json:"instances" yaml:"instances"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:           filepath.Join(ConfigDir(), "daemon.sock"),
		HistoryDB:            filepath.Join(ConfigDir(), "history.db"),
		HistoryRetentionDays: history.DefaultRetentionDays,
	}
}

func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cliproxymon")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cliproxymon")
}

func ConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("CLIPROXYMON_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "settings.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFrom reads a JSON or YAML (by extension) config file. A missing file
// yields the defaults.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return DefaultConfig(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.SocketPath) == "" {
		cfg.SocketPath = defaults.SocketPath
	}
	if strings.TrimSpace(cfg.HistoryDB) == "" {
		cfg.HistoryDB = defaults.HistoryDB
	}
	if cfg.HistoryRetentionDays <= 0 {
		cfg.HistoryRetentionDays = defaults.HistoryRetentionDays
	}
	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		inst.ID = strings.TrimSpace(inst.ID)
		if inst.ID == "" && len(cfg.Instances) == 1 {
			inst.ID = DefaultInstanceID
		}
		if strings.TrimSpace(inst.BaseURL) == "" {
			inst.BaseURL = management.DefaultBaseURL
		}
		if inst.PollIntervalSeconds == 0 {
			inst.PollIntervalSeconds = DefaultPollIntervalSeconds
		}
		if inst.FailureThreshold == 0 {
			inst.FailureThreshold = DefaultFailureThreshold
		}
	}
}

// Validate checks every instance without contacting it.
func (c Config) Validate() error {
	seen := map[string]bool{}
	for i, inst := range c.Instances {
		field := func(name string) string { return fmt.Sprintf("instances[%d].%s", i, name) }

		if inst.ID == "" {
			return &core.ConfigurationError{Field: field("id"), Reason: "must not be empty"}
		}
		if seen[inst.ID] {
			return &core.ConfigurationError{Field: field("id"), Reason: fmt.Sprintf("duplicate id %q", inst.ID)}
		}
		seen[inst.ID] = true

		if _, err := management.NormalizeBaseURL(inst.BaseURL); err != nil {
			return &core.ConfigurationError{Field: field("base_url"), Reason: err.Error()}
		}
		if err := core.CheckPollInterval(inst.PollInterval()); err != nil {
			return &core.ConfigurationError{Field: field("poll_interval_seconds"), Reason: fmt.Sprintf("%d is outside 5..300", inst.PollIntervalSeconds)}
		}
		if _, err := usage.ParseMode(inst.UsageMode); err != nil {
			return &core.ConfigurationError{Field: field("usage_mode"), Reason: fmt.Sprintf("unknown mode %q", inst.UsageMode)}
		}
		if inst.FailureThreshold < 1 {
			return &core.ConfigurationError{Field: field("failure_threshold"), Reason: "must be >= 1"}
		}
	}
	return nil
}

func (c Config) Instance(id string) (InstanceConfig, bool) {
	for _, inst := range c.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return InstanceConfig{}, false
}

// saveMu guards read-modify-write cycles on the config file.
var saveMu sync.Mutex

func SaveTo(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// SaveInstanceTo adds or replaces one instance in the config file
// (read-modify-write).
func SaveInstanceTo(path string, inst InstanceConfig) error {
	saveMu.Lock()
	defer saveMu.Unlock()

	cfg, err := LoadFrom(path)
	if err != nil {
		cfg = DefaultConfig()
	}
	replaced := false
	for i := range cfg.Instances {
		if cfg.Instances[i].ID == inst.ID {
			cfg.Instances[i] = inst
			replaced = true
		}
	}
	if !replaced {
		cfg.Instances = append(cfg.Instances, inst)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	return SaveTo(path, cfg)
}
