package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// SystemConfig is the host-level configuration: where the store lives, how
// large the worker pool is, and the registered EDA tools and PDKs the core
// looks up by name.
type SystemConfig struct {
	Runner RunnerConfig          `toml:"runner"`
	Tools  map[string]ToolConfig `toml:"tools"`
	PDKs   map[string]PDKConfig  `toml:"pdks"`
	Path   string                `toml:"-"`
}

type RunnerConfig struct {
	DBPath     string `toml:"db_path"`
	WorkDir    string `toml:"work_dir"`
	PoolSize   int    `toml:"pool_size"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// ToolConfig is one registered EDA tool. Environment holds the vendor
// export/source statements in the order the launch script must emit them.
type ToolConfig struct {
	LaunchCommand string   `toml:"launch_command"`
	LaunchArgs    []string `toml:"launch_args"`
	Environment   []string `toml:"environment"`
	Vendor        string   `toml:"vendor"`
	Version       string   `toml:"version"`
}

type PDKConfig struct {
	ModelRoot   string `toml:"model_root"`
	DRCRoot     string `toml:"drc_root"`
	LVSRoot     string `toml:"lvs_root"`
	ExtractRoot string `toml:"extract_root"`
}

// DefaultSystemConfig is the configuration used when no config file exists:
// built-in runner defaults, no registered tools or PDKs.
func DefaultSystemConfig() SystemConfig {
	var cfg SystemConfig
	cfg.applyDefaults()
	return cfg
}

func LoadSystemConfig(path string) (SystemConfig, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return SystemConfig{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return SystemConfig{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg SystemConfig
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return SystemConfig{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	cfg.applyDefaults()
	return cfg, nil
}

func (c *SystemConfig) applyDefaults() {
	if c.Runner.DBPath == "" {
		c.Runner.DBPath = "data/simflow.db"
	}
	if c.Runner.WorkDir == "" {
		c.Runner.WorkDir = ".sim_work"
	}
	if c.Runner.PoolSize <= 0 {
		c.Runner.PoolSize = 1
	}
	if c.Runner.TimeoutSec <= 0 {
		c.Runner.TimeoutSec = 3600
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".simflow/config.toml"
	}
	return filepath.Join(home, ".simflow", "config.toml")
}
