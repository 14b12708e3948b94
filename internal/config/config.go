package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// EnvSQLDebug turns on verbose statement logging for fixture connections.
	EnvSQLDebug = "QCODES_SQL_DEBUG"
	// EnvFailOnLeak makes leaked handles fail the test binary.
	EnvFailOnLeak = "QCODES_FAIL_ON_LEAK"
	// EnvConfigPath points at a YAML config file.
	EnvConfigPath = "QCODES_CONFIG"

	defaultDBName = "experiments.db"
)

// Config holds the resolved configuration for the dataset storage layer and
// the temporary database fixtures.
type Config struct {
	ConfigPath   string
	DBLocation   string
	DBDebug      bool
	TempRoot     string
	FailOnLeak   bool
	IdentityFile string
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	Core   CoreFileConfig   `yaml:"core"`
	TempDB TempDBFileConfig `yaml:"tempdb"`
}

// CoreFileConfig mirrors the core section of the dataset config.
type CoreFileConfig struct {
	DBLocation string `yaml:"db_location"`
	DBDebug    *bool  `yaml:"db_debug"`
}

// TempDBFileConfig configures the fixture layer.
type TempDBFileConfig struct {
	Root         string `yaml:"root"`
	FailOnLeak   *bool  `yaml:"fail_on_leak"`
	IdentityFile string `yaml:"identity_file"`
}

func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return Config{
		DBLocation: filepath.Join(home, defaultDBName),
	}
}

// Load reads the YAML config file and applies overrides to defaults.
//
// An empty path falls back to QCODES_CONFIG; when neither is set only the
// defaults and the environment are used. Environment values win over the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path != "" {
		cfg.ConfigPath = path
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		var fileCfg FileConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		applyFileConfig(&cfg, fileCfg)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.Core.DBLocation != "" {
		cfg.DBLocation = fileCfg.Core.DBLocation
	}
	if fileCfg.Core.DBDebug != nil {
		cfg.DBDebug = *fileCfg.Core.DBDebug
	}
	if fileCfg.TempDB.Root != "" {
		cfg.TempRoot = fileCfg.TempDB.Root
	}
	if fileCfg.TempDB.FailOnLeak != nil {
		cfg.FailOnLeak = *fileCfg.TempDB.FailOnLeak
	}
	if fileCfg.TempDB.IdentityFile != "" {
		cfg.IdentityFile = fileCfg.TempDB.IdentityFile
	}
}

func applyEnv(cfg *Config) {
	if DebugFromEnv() {
		cfg.DBDebug = true
	}
	if envSet(EnvFailOnLeak) {
		cfg.FailOnLeak = true
	}
}

// Validate performs basic validation of resolved values.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DBLocation) == "" {
		return fmt.Errorf("core.db_location is required")
	}
	if c.TempRoot != "" {
		info, err := os.Stat(c.TempRoot)
		if err != nil {
			return fmt.Errorf("tempdb.root %s: %w", c.TempRoot, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("tempdb.root %s is not a directory", c.TempRoot)
		}
	}
	return nil
}

// Settings returns the storage settings described by the config.
func (c Config) Settings() Settings {
	return Settings{StorageLocation: c.DBLocation, DebugLogging: c.DBDebug}
}

// DebugFromEnv reports whether QCODES_SQL_DEBUG is set to a non-empty value.
func DebugFromEnv() bool {
	return envSet(EnvSQLDebug)
}

// FailOnLeakFromEnv reports whether QCODES_FAIL_ON_LEAK is set to a non-empty value.
func FailOnLeakFromEnv() bool {
	return envSet(EnvFailOnLeak)
}

func envSet(key string) bool {
	value, ok := os.LookupEnv(key)
	return ok && value != ""
}
