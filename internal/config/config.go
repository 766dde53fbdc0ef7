// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/proxychat/internal/model"
	"github.com/jeranaias/proxychat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete proxychat configuration.
type Config struct {
	Client    ClientConfig    `toml:"client" json:"client" yaml:"client"`
	Overrides model.Overrides `toml:"overrides" json:"overrides" yaml:"overrides"`
	Storage   StorageConfig   `toml:"storage" json:"storage" yaml:"storage"`
	Proxy     ProxyConfig     `toml:"proxy" json:"proxy" yaml:"proxy"`
	Mock      MockConfig      `toml:"mock" json:"mock" yaml:"mock"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
}

// ClientConfig controls how chat turns reach the backend.
type ClientConfig struct {
	// APIEndpoint is the chat URL. It must carry a scheme.
	APIEndpoint string `toml:"api_endpoint" json:"api_endpoint" yaml:"api_endpoint"`

	// ProxyURL routes every request through a proxy when set. A bare
	// host:port is read as http://host:port.
	ProxyURL string `toml:"proxy_url" json:"proxy_url" yaml:"proxy_url"`

	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
}

// StorageConfig selects the thread store.
type StorageConfig struct {
	Backend string `toml:"backend" json:"backend" yaml:"backend"`
	// Dir defaults to ~/.proxychat/threads.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`
}

// ProxyConfig configures the forwarding proxy.
type ProxyConfig struct {
	Listen             string `toml:"listen" json:"listen" yaml:"listen"`
	Upstream           string `toml:"upstream" json:"upstream" yaml:"upstream"`
	HistorySize        int    `toml:"history_size" json:"history_size" yaml:"history_size"`
	TimeoutSecs        int    `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute" json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

// MockConfig configures the mock backend.
type MockConfig struct {
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Mode  string `toml:"mode" json:"mode" yaml:"mode"`
	Level string `toml:"level" json:"level" yaml:"level"`
}

// Storage backends.
const (
	BackendFile = "file"
	BackendBolt = "bolt"
)

// Default returns a configuration with every documented default.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			APIEndpoint: "http://localhost:8000/chat",
			ProxyURL:    "",
			TimeoutSecs: 30,
		},
		Overrides: model.DefaultOverrides(),
		Storage: StorageConfig{
			Backend: BackendFile,
			Dir:     "",
		},
		Proxy: ProxyConfig{
			Listen:             "127.0.0.1:3000",
			Upstream:           "http://localhost:8000",
			HistorySize:        100,
			TimeoutSecs:        30,
			RateLimitPerMinute: 600,
		},
		Mock: MockConfig{
			Listen: "127.0.0.1:8000",
		},
		Logging: LoggingConfig{
			Mode:  "development",
			Level: "info",
		},
	}
}

// ClientTimeout returns the chat request timeout.
func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.Client.TimeoutSecs) * time.Second
}

// ProxyTimeout returns the relay timeout.
func (c *Config) ProxyTimeout() time.Duration {
	return time.Duration(c.Proxy.TimeoutSecs) * time.Second
}

// StorageDir returns the thread store directory, expanding a leading "~/".
func (c *Config) StorageDir() (string, error) {
	dir := strings.TrimSpace(c.Storage.Dir)
	if dir == "" {
		base, err := ConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(base, "threads"), nil
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return dir, nil
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// configFileNames is the search order inside ConfigDir.
var configFileNames = []string{"config.toml", "config.json", "config.yaml"}

// ConfigDir returns the proxychat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".proxychat"), nil
}

// DefaultPath returns the path of the TOML config file.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileNames[0]), nil
}

// Find returns the first existing config file in the search order, or ""
// when there is none.
func Find() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	for _, name := range configFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	return "", nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the first config file found in ConfigDir, or the defaults when
// none exists. It returns the path that was read ("" for defaults).
// Environment overrides are applied last, then the result is validated.
func Load() (*Config, string, error) {
	path, err := Find()
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		cfg := Default()
		if err := cfg.finish(); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadFromPath reads one config file. The format follows the extension:
// .json, .yaml/.yml, anything else is TOML.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := decode(cfg, path, data); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile decodes path over the defaults without applying environment
// overrides or validating. It is the starting point for editing a file in
// place; a missing file reads as the defaults.
func ReadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := decode(cfg, path, data); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) finish() error {
	c.ApplyEnvOverrides()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// decode unmarshals data over cfg, so absent keys keep their current values.
func decode(cfg *Config, path string, data []byte) error {
	switch formatOf(path) {
	case "json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode JSON: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode YAML: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("failed to decode TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	return nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to path in the format its extension names.
func Save(cfg *Config, path string) error {
	switch formatOf(path) {
	case "json":
		return SaveJSON(cfg, path)
	case "yaml":
		return SaveYAML(cfg, path)
	default:
		return SaveTOML(cfg, path)
	}
}

// SaveTOML writes cfg as TOML with a header comment.
// SECURITY: Config files are written 0600 (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# proxychat configuration file\n")
	buf.WriteString("# Generated by proxychat - edit with care\n")
	buf.WriteString("#\n")
	buf.WriteString("# Environment variables (PROXYCHAT_*) take precedence over this file.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeConfig(path, buf.Bytes())
}

// SaveJSON writes cfg as indented JSON.
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeConfig(path, append(data, '\n'))
}

// SaveYAML writes cfg as YAML.
func SaveYAML(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeConfig(path, data)
}

func writeConfig(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every invalid setting.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field failed validation.
func (e ValidateErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Validate checks every setting and returns ValidateErrors when any is
// invalid. An unusable proxy_url is an error, never silently ignored.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := util.ParseEndpoint(c.Client.APIEndpoint); err != nil {
		add("client.api_endpoint", "%v", err)
	}
	if _, err := util.NormalizeProxyURL(c.Client.ProxyURL); err != nil {
		add("client.proxy_url", "%v", err)
	}
	if c.Client.TimeoutSecs < 1 || c.Client.TimeoutSecs > 600 {
		add("client.timeout_secs", "must be between 1 and 600, got %d", c.Client.TimeoutSecs)
	}

	if !model.ValidRetrievalMode(c.Overrides.RetrievalMode) {
		add("overrides.retrieval_mode", "must be one of hybrid, text, vectors, got %q", c.Overrides.RetrievalMode)
	}
	if c.Overrides.TopK < 1 || c.Overrides.TopK > 50 {
		add("overrides.top_k", "must be between 1 and 50, got %d", c.Overrides.TopK)
	}
	if c.Overrides.Temperature < 0 || c.Overrides.Temperature > 2 {
		add("overrides.temperature", "must be between 0 and 2, got %g", c.Overrides.Temperature)
	}

	switch c.Storage.Backend {
	case BackendFile, BackendBolt:
	default:
		add("storage.backend", "must be file or bolt, got %q", c.Storage.Backend)
	}

	if err := validateListen(c.Proxy.Listen); err != nil {
		add("proxy.listen", "%v", err)
	}
	if _, err := util.ParseEndpoint(c.Proxy.Upstream); err != nil {
		add("proxy.upstream", "%v", err)
	}
	if c.Proxy.HistorySize < 1 || c.Proxy.HistorySize > 10000 {
		add("proxy.history_size", "must be between 1 and 10000, got %d", c.Proxy.HistorySize)
	}
	if c.Proxy.TimeoutSecs < 1 || c.Proxy.TimeoutSecs > 600 {
		add("proxy.timeout_secs", "must be between 1 and 600, got %d", c.Proxy.TimeoutSecs)
	}
	if c.Proxy.RateLimitPerMinute < 0 {
		add("proxy.rate_limit_per_minute", "must not be negative, got %d", c.Proxy.RateLimitPerMinute)
	}

	if err := validateListen(c.Mock.Listen); err != nil {
		add("mock.listen", "%v", err)
	}

	switch c.Logging.Mode {
	case "development", "production", "prod":
	default:
		add("logging.mode", "must be development or production, got %q", c.Logging.Mode)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateListen(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// SetDefaults fills zero-valued settings. Booleans and temperature are left
// alone since their zero values are meaningful. An empty api_endpoint is left
// for Validate to reject; a missing key already keeps the default on decode.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Client.TimeoutSecs == 0 {
		c.Client.TimeoutSecs = defaults.Client.TimeoutSecs
	}

	if c.Overrides.RetrievalMode == "" {
		c.Overrides.RetrievalMode = defaults.Overrides.RetrievalMode
	}
	if c.Overrides.TopK == 0 {
		c.Overrides.TopK = defaults.Overrides.TopK
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}

	if c.Proxy.Listen == "" {
		c.Proxy.Listen = defaults.Proxy.Listen
	}
	if c.Proxy.Upstream == "" {
		c.Proxy.Upstream = defaults.Proxy.Upstream
	}
	if c.Proxy.HistorySize == 0 {
		c.Proxy.HistorySize = defaults.Proxy.HistorySize
	}
	if c.Proxy.TimeoutSecs == 0 {
		c.Proxy.TimeoutSecs = defaults.Proxy.TimeoutSecs
	}

	if c.Mock.Listen == "" {
		c.Mock.Listen = defaults.Mock.Listen
	}

	if c.Logging.Mode == "" {
		c.Logging.Mode = defaults.Logging.Mode
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// envOverrides maps environment variables to dotted keys.
var envOverrides = []struct {
	env string
	key string
}{
	{"PROXYCHAT_API_ENDPOINT", "client.api_endpoint"},
	{"PROXYCHAT_PROXY_URL", "client.proxy_url"},
	{"PROXYCHAT_TIMEOUT_SECS", "client.timeout_secs"},
	{"PROXYCHAT_STORAGE_BACKEND", "storage.backend"},
	{"PROXYCHAT_STORAGE_DIR", "storage.dir"},
	{"PROXYCHAT_PROXY_UPSTREAM", "proxy.upstream"},
	{"PROXYCHAT_LOG_MODE", "logging.mode"},
	{"PROXYCHAT_LOG_LEVEL", "logging.level"},
}

// EnvVars lists the supported environment variables.
func EnvVars() []string {
	out := make([]string, 0, len(envOverrides))
	for _, o := range envOverrides {
		out = append(out, o.env)
	}
	return out
}

// ApplyEnvOverrides applies PROXYCHAT_* variables. Unparseable values are
// ignored.
//   - PROXYCHAT_API_ENDPOINT: overrides client.api_endpoint
//   - PROXYCHAT_PROXY_URL: overrides client.proxy_url
//   - PROXYCHAT_TIMEOUT_SECS: overrides client.timeout_secs
//   - PROXYCHAT_STORAGE_BACKEND: overrides storage.backend
//   - PROXYCHAT_STORAGE_DIR: overrides storage.dir
//   - PROXYCHAT_PROXY_UPSTREAM: overrides proxy.upstream
//   - PROXYCHAT_LOG_MODE, PROXYCHAT_LOG_LEVEL: override logging
func (c *Config) ApplyEnvOverrides() {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			_ = c.Set(o.key, v)
		}
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// lookup walks a dotted key over the toml tags.
func (c *Config) lookup(key string) (reflect.Value, error) {
	parts := strings.Split(strings.TrimSpace(key), ".")
	if len(parts) == 0 || parts[0] == "" {
		return reflect.Value{}, errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("'%s' is not a section", strings.Join(parts[:i], "."))
		}
		field, ok := fieldByTag(v, strings.ToLower(strings.ReplaceAll(part, "-", "_")))
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown key: %s", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return v, nil
}

func fieldByTag(v reflect.Value, tag string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if name == tag {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Get returns the value at a dotted key such as "proxy.listen".
func (c *Config) Get(key string) (interface{}, error) {
	v, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// Set parses value into the setting at a dotted key. Sections cannot be set
// as a whole.
func (c *Config) Set(key, value string) error {
	v, err := c.lookup(key)
	if err != nil {
		return err
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(value)
	case reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", key, value)
		}
		v.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("%s: invalid number %q", key, value)
		}
		v.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", key, value)
		}
		v.SetBool(b)
	default:
		return fmt.Errorf("%s is a section, not a setting", key)
	}
	return nil
}

// Keys returns every settable dotted key in file order.
func Keys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
			if name == "" || name == "-" {
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, prefix+name+".")
				continue
			}
			keys = append(keys, prefix+name)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone returns a copy of the configuration. Config holds no reference
// types, so a value copy is deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String renders the configuration as TOML with proxy credentials redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if u, err := util.NormalizeProxyURL(safe.Client.ProxyURL); err == nil && u != nil && u.User != nil {
		safe.Client.ProxyURL = u.Redacted()
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(safe); err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return buf.String()
}
