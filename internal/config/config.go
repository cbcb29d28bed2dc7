package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nodecross/nodex-agent/internal/logger"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

// EnvPrefix prefixes every environment override, e.g. NODEX_STATE_DIR or
// NODEX_UPDATE_ALLOWED_PREFIX for the nested update.allowed_prefix key.
const EnvPrefix = "NODEX"

type Config struct {
	StateDir      string           `toml:"state_dir" mapstructure:"state_dir"`
	StateName     string           `toml:"state_name" mapstructure:"state_name"`
	StateMaxBytes int64            `toml:"state_max_bytes" mapstructure:"state_max_bytes"`
	InstallRoot   string           `toml:"install_root" mapstructure:"install_root"`
	HistoryDSN    string           `toml:"history_dsn" mapstructure:"history_dsn"`
	Env           []string         `toml:"env" mapstructure:"env"`
	EnvFiles      []string         `toml:"env_files" mapstructure:"env_files"`
	Update        UpdateConfig     `toml:"update" mapstructure:"update"`
	Controller    ControllerConfig `toml:"controller" mapstructure:"controller"`
	Agent         AgentConfig      `toml:"agent" mapstructure:"agent"`
	Metrics       MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Log           LogConfig        `toml:"log" mapstructure:"log"`
}

type UpdateConfig struct {
	AllowedPrefix   string        `toml:"allowed_prefix" mapstructure:"allowed_prefix"`
	DownloadTimeout time.Duration `toml:"download_timeout" mapstructure:"download_timeout"`
	MaxPayloadBytes int64         `toml:"max_payload_bytes" mapstructure:"max_payload_bytes"`
	MinPayloadBytes int64         `toml:"min_payload_bytes" mapstructure:"min_payload_bytes"`
	Resources       []string      `toml:"resources" mapstructure:"resources"`
}

type ControllerConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

type AgentConfig struct {
	Listen      string `toml:"listen" mapstructure:"listen"`
	BasePath    string `toml:"base_path" mapstructure:"base_path"`
	DIDEndpoint string `toml:"did_endpoint" mapstructure:"did_endpoint"`
	DID         string `toml:"did" mapstructure:"did"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".nodex")
	}
	return filepath.Join(os.TempDir(), "nodex")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("state_name", runtimeinfo.DefaultFileName)
	v.SetDefault("state_max_bytes", runtimeinfo.DefaultMaxBytes)
	v.SetDefault("install_root", "")
	v.SetDefault("history_dsn", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("update.allowed_prefix", "https://github.com/nodecross/nodex/releases/download/")
	v.SetDefault("update.download_timeout", 5*time.Minute)
	v.SetDefault("update.max_payload_bytes", 256<<20)
	v.SetDefault("update.min_payload_bytes", 0)
	v.SetDefault("update.resources", []string{})
	v.SetDefault("controller.interval", 5*time.Second)
	v.SetDefault("agent.listen", "127.0.0.1:3000")
	v.SetDefault("agent.base_path", "/api")
	v.SetDefault("agent.did_endpoint", "")
	v.SetDefault("agent.did", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
}

// Load reads defaults, then the optional TOML file at path, then NODEX_*
// environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if strings.ContainsAny(c.StateName, `/\`) {
		return fmt.Errorf("state_name %q must be a file name", c.StateName)
	}
	if c.Controller.Interval <= 0 {
		return fmt.Errorf("controller.interval must be positive")
	}
	if c.Update.DownloadTimeout <= 0 {
		return fmt.Errorf("update.download_timeout must be positive")
	}
	if !strings.HasPrefix(c.Update.AllowedPrefix, "https://") && !strings.HasPrefix(c.Update.AllowedPrefix, "http://") {
		return fmt.Errorf("update.allowed_prefix must be an http(s) URL prefix")
	}
	switch logger.Format(c.Log.Format) {
	case logger.FormatText, logger.FormatJSON:
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Logger returns the logging configuration for this process and its children.
func (c Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:  c.Log.Level,
			Format: logger.Format(c.Log.Format),
			Color:  c.Log.Color,
			File:   c.Log.File,
		},
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

func (c Config) Store() runtimeinfo.Config {
	return runtimeinfo.Config{Dir: c.StateDir, Name: c.StateName, MaxBytes: c.StateMaxBytes}
}

// ChildEnv returns KEY=VALUE entries for launched processes: env_files in
// order, then the env list, later entries winning.
func (c Config) ChildEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("load env file %s: %w", p, err)
		}
		out = append(out, pairs...)
	}
	return append(out, c.Env...), nil
}

// LoadEnvFile parses a .env file with KEY=VALUE lines (no export, no quotes)
// and returns the entries in file order. Lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
