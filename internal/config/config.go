// Package config loads vidgen settings from defaults, a YAML file and the
// environment, and writes user settings back to that file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/remote"
)

const (
	EnvPrefix = "VIDGEN"
	DirName   = ".vidgen"
	FileName  = "config.yaml"
)

// Config is the full runtime configuration
type Config struct {
	APIKey       string        `mapstructure:"api_key" yaml:"api_key" json:"api_key"`
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	UploadURL    string        `mapstructure:"upload_url" yaml:"upload_url" json:"upload_url"`
	OutputDir    string        `mapstructure:"output_dir" yaml:"output_dir" json:"output_dir"`
	AutoDownload bool          `mapstructure:"auto_download" yaml:"auto_download" json:"auto_download"`
	Store        StoreConfig   `mapstructure:"store" yaml:"store" json:"store"`
	Poll         PollConfig    `mapstructure:"poll" yaml:"poll" json:"poll"`
	Submit       SubmitConfig  `mapstructure:"submit" yaml:"submit" json:"submit"`
	Log          LogConfig     `mapstructure:"log" yaml:"log" json:"log"`
	Tracing      TracingConfig `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	API          APIConfig     `mapstructure:"api" yaml:"api" json:"api"`

	file string
}

type StoreConfig struct {
	Type  string `mapstructure:"type" yaml:"type" json:"type"`
	Path  string `mapstructure:"path" yaml:"path" json:"path"`
	Limit int    `mapstructure:"limit" yaml:"limit" json:"limit"`
}

type PollConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	RequestSpacing time.Duration `mapstructure:"request_spacing" yaml:"request_spacing" json:"request_spacing"`
	SkipSettled    bool          `mapstructure:"skip_settled" yaml:"skip_settled" json:"skip_settled"`
}

type SubmitConfig struct {
	Spacing time.Duration `mapstructure:"spacing" yaml:"spacing" json:"spacing"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
	File   string `mapstructure:"file" yaml:"file" json:"file"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
}

// APIConfig secures the optional local job API
type APIConfig struct {
	TokenHash string `mapstructure:"token_hash" yaml:"token_hash" json:"token_hash"`
	TLS       bool   `mapstructure:"tls" yaml:"tls" json:"tls"`
	CertFile  string `mapstructure:"cert_file" yaml:"cert_file" json:"cert_file"`
	KeyFile   string `mapstructure:"key_file" yaml:"key_file" json:"key_file"`
}

// Keys accepted by Set
var Keys = []string{
	"api_key", "base_url", "upload_url", "output_dir", "auto_download",
	"store.type", "store.path", "store.limit",
	"poll.interval", "poll.request_spacing", "poll.skip_settled",
	"submit.spacing",
	"log.level", "log.format", "log.file",
	"tracing.enabled", "tracing.endpoint",
	"api.token_hash", "api.tls", "api.cert_file", "api.key_file",
}

// DefaultDir returns $HOME/.vidgen
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_key", "")
	v.SetDefault("base_url", remote.DefaultBaseURL)
	v.SetDefault("upload_url", remote.DefaultUploadURL)
	v.SetDefault("output_dir", ".")
	v.SetDefault("auto_download", true)

	v.SetDefault("store.type", "json")
	v.SetDefault("store.path", "")
	v.SetDefault("store.limit", 30)

	v.SetDefault("poll.interval", 10*time.Second)
	v.SetDefault("poll.request_spacing", 500*time.Millisecond)
	v.SetDefault("poll.skip_settled", false)

	v.SetDefault("submit.spacing", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	v.SetDefault("api.token_hash", "")
	v.SetDefault("api.tls", false)
	v.SetDefault("api.cert_file", "")
	v.SetDefault("api.key_file", "")
}

// newViper builds a viper instance over file, or over the default location
// when file is empty
func newViper(file string) (*viper.Viper, string, error) {
	v := viper.New()
	setDefaults(v)

	file, err := resolveFile(file)
	if err != nil {
		return nil, "", err
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("api_key", EnvPrefix+"_API_KEY", "SORA_API_KEY")

	return v, file, nil
}

// Load reads defaults, then file, then environment. A missing file is not
// an error.
func Load(file string) (*Config, error) {
	v, file, err := newViper(file)
	if err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.file = file
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the rest of the program cannot run with
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "json", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid store.type %q: must be json, sqlite or memory", c.Store.Type)
	}
	if c.Store.Limit <= 0 {
		return fmt.Errorf("store.limit must be positive, got %d", c.Store.Limit)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.RequestSpacing < 0 || c.Submit.Spacing < 0 {
		return errors.New("spacing values cannot be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format %q: must be console or json", c.Log.Format)
	}
	return nil
}

// File is the config file this configuration was loaded from
func (c *Config) File() string {
	return c.file
}

// StorePath resolves the task file, defaulting next to the config file
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	name := "tasks.json"
	if c.Store.Type == "sqlite" {
		name = "tasks.db"
	}
	return filepath.Join(filepath.Dir(c.file), name)
}

// Dir is the directory holding the config file
func (c *Config) Dir() string {
	return filepath.Dir(c.file)
}

// HasAPIKey reports whether a usable key is configured
func (c *Config) HasAPIKey() bool {
	return c.APIKey != ""
}

// Set updates one key in the config file, keeping the others as they are
func Set(file, key, value string) error {
	if !knownKey(key) {
		return fmt.Errorf("unknown config key %q", key)
	}
	file, err := resolveFile(file)
	if err != nil {
		return err
	}

	// only file-backed values are rewritten, never env overrides
	values := map[string]interface{}{}
	if raw, err := os.ReadFile(file); err == nil {
		if err := yaml.Unmarshal(raw, &values); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", file, err)
		}
		if values == nil {
			values = map[string]interface{}{}
		}
	}
	setNested(values, strings.Split(key, "."), scalar(value))

	check := viper.New()
	setDefaults(check)
	check.SetConfigType("yaml")
	encoded, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := check.ReadConfig(strings.NewReader(string(encoded))); err != nil {
		return fmt.Errorf("failed to re-read config: %w", err)
	}
	cfg := &Config{}
	if err := check.Unmarshal(cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	return writeFile(file, encoded)
}

// Save writes the whole configuration to its file
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeFile(c.file, data)
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() Config {
	out := *c
	if out.API.TokenHash != "" {
		out.API.TokenHash = "(set)"
	}
	if len(out.APIKey) > 8 {
		out.APIKey = out.APIKey[:4] + strings.Repeat("*", len(out.APIKey)-8) + out.APIKey[len(out.APIKey)-4:]
	} else if out.APIKey != "" {
		out.APIKey = "****"
	}
	return out
}

func resolveFile(file string) (string, error) {
	if file != "" {
		return file, nil
	}
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// scalar keeps booleans and numbers typed in the written file
func scalar(value string) interface{} {
	var typed interface{}
	if err := yaml.Unmarshal([]byte(value), &typed); err != nil {
		return value
	}
	switch typed.(type) {
	case bool, int, float64:
		return typed
	}
	return value
}

func knownKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

func setNested(m map[string]interface{}, path []string, value interface{}) {
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	child, ok := m[path[0]].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		m[path[0]] = child
	}
	setNested(child, path[1:], value)
}

func writeFile(file string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// holds the api key
	if err := os.WriteFile(file, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", file, err)
	}
	return nil
}
