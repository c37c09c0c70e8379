package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/ystudio/internal/recorder"
	"github.com/shaunagostinho/ystudio/internal/window"
	"github.com/shaunagostinho/ystudio/internal/ylab"
)

// Config holds all application configuration.
type Config struct {
	mu sync.RWMutex

	// Instrument selection
	Device DeviceConfig `yaml:"device" json:"device"`

	// Acquisition loop and live windows
	Acquisition AcquisitionConfig `yaml:"acquisition" json:"acquisition"`

	// Recording files
	Recording RecordingConfig `yaml:"recording" json:"recording"`

	// Process logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Model       string `yaml:"model" json:"model"`              // catalog model, e.g. "Go"
	Port        string `yaml:"port" json:"port"`                // e.g. /dev/ttyACM0
	PortPrefix  string `yaml:"port_prefix" json:"portPrefix"`   // discovery filter
	Demo        bool   `yaml:"demo" json:"demo"`                // simulated instrument
	AutoConnect bool   `yaml:"auto_connect" json:"autoConnect"` // connect once Port is discovered
}

type AcquisitionConfig struct {
	ReadTimeoutMs      int     `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	DiscoverIntervalMs int     `yaml:"discover_interval_ms" json:"discoverIntervalMs"`
	BackoffMs          int     `yaml:"backoff_ms" json:"backoffMs"`
	AutoRead           bool    `yaml:"auto_read" json:"autoRead"`
	StrictReadings     bool    `yaml:"strict_readings" json:"strictReadings"`
	Normalize          bool    `yaml:"normalize" json:"normalize"`
	WindowSeconds      float64 `yaml:"window_seconds" json:"windowSeconds"`
	MaxFrames          int     `yaml:"max_frames" json:"maxFrames"`   // per bank
	MaxRecords         int     `yaml:"max_records" json:"maxRecords"` // record history
}

type RecordingConfig struct {
	Dir        string `yaml:"dir" json:"dir"`
	FlushBytes int    `yaml:"flush_bytes" json:"flushBytes"`
	AutoStart  bool   `yaml:"auto_start" json:"autoStart"` // start a recording once reading
}

type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"` // debug, info, warn, error
	Path       string `yaml:"path" json:"path"`   // log file; empty logs to stdout
	MaxSizeMB  int    `yaml:"max_size_mb" json:"maxSizeMb"`
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"maxAgeDays"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastHz int    `yaml:"broadcast_hz" json:"broadcastHz"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	return &Config{
		Device: DeviceConfig{
			Model:       "Go",
			Port:        "/dev/ttyACM0",
			PortPrefix:  "/dev/ttyACM",
			Demo:        false,
			AutoConnect: false,
		},
		Acquisition: AcquisitionConfig{
			ReadTimeoutMs:      10,
			DiscoverIntervalMs: 1000,
			BackoffMs:          500,
			AutoRead:           false,
			StrictReadings:     false,
			Normalize:          false,
			WindowSeconds:      5,
			MaxFrames:          100_000,
			MaxRecords:         20_000,
		},
		Recording: RecordingConfig{
			Dir:        dir,
			FlushBytes: recorder.DefaultFlushBytes,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastHz: 10,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Info("no config file, using defaults", "path", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("config parse failed, using defaults", "path", path, "error", err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		slog.Info("config loaded", "path", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	slog.Info("loading .env", "path", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_MODEL, DEVICE_PORT, PORT_PREFIX, DEMO, AUTO_CONNECT,
// AUTO_READ, STRICT_READINGS, RECORD_DIR, AUTO_RECORD, LISTEN_ADDR,
// LOG_LEVEL, LOG_PATH, WINDOW_SECONDS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_MODEL"); v != "" {
		c.Device.Model = v
	}
	if v := os.Getenv("DEVICE_PORT"); v != "" {
		c.Device.Port = v
	}
	if v, ok := os.LookupEnv("PORT_PREFIX"); ok {
		c.Device.PortPrefix = v
	}
	if v := os.Getenv("DEMO"); v != "" {
		c.Device.Demo = envBool(v)
	}
	if v := os.Getenv("AUTO_CONNECT"); v != "" {
		c.Device.AutoConnect = envBool(v)
	}
	if v := os.Getenv("AUTO_READ"); v != "" {
		c.Acquisition.AutoRead = envBool(v)
	}
	if v := os.Getenv("STRICT_READINGS"); v != "" {
		c.Acquisition.StrictReadings = envBool(v)
	}
	if v := os.Getenv("WINDOW_SECONDS"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Acquisition.WindowSeconds = n
		}
	}
	if v := os.Getenv("RECORD_DIR"); v != "" {
		c.Recording.Dir = v
	}
	if v := os.Getenv("AUTO_RECORD"); v != "" {
		c.Recording.AutoStart = envBool(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if _, ok := ylab.Lookup(c.Device.Model); !ok {
		errs = append(errs, ValidationError{"device.model", fmt.Sprintf("unknown model %q", c.Device.Model)})
	}
	if c.Acquisition.ReadTimeoutMs < 1 {
		errs = append(errs, ValidationError{"acquisition.read_timeout_ms", "must be at least 1"})
	}
	if c.Acquisition.DiscoverIntervalMs < 1 {
		errs = append(errs, ValidationError{"acquisition.discover_interval_ms", "must be at least 1"})
	}
	if c.Acquisition.BackoffMs < 0 {
		errs = append(errs, ValidationError{"acquisition.backoff_ms", "must not be negative"})
	}
	if c.Acquisition.WindowSeconds <= 0 {
		errs = append(errs, ValidationError{"acquisition.window_seconds", "must be positive"})
	}
	if c.Acquisition.MaxFrames < 0 || c.Acquisition.MaxRecords < 0 {
		errs = append(errs, ValidationError{"acquisition.max_frames", "caps must not be negative"})
	}
	if c.Recording.FlushBytes < 1 {
		errs = append(errs, ValidationError{"recording.flush_bytes", "must be at least 1"})
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level)})
	}
	if c.Server.BroadcastHz < 1 || c.Server.BroadcastHz > 100 {
		errs = append(errs, ValidationError{"server.broadcast_hz", "must be between 1 and 100"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Profile resolves the configured model.
func (c *Config) Profile() (ylab.Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := ylab.Lookup(c.Device.Model)
	if !ok {
		return ylab.Profile{}, fmt.Errorf("unknown model %q", c.Device.Model)
	}
	return p, nil
}

// MachineConfig derives the acquisition loop settings.
func (c *Config) MachineConfig() ylab.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a := c.Acquisition
	prefix := c.Device.PortPrefix
	if c.Device.Demo {
		prefix = ""
	}
	return ylab.Config{
		PortPrefix:       prefix,
		ReadTimeout:      time.Duration(a.ReadTimeoutMs) * time.Millisecond,
		DiscoverInterval: time.Duration(a.DiscoverIntervalMs) * time.Millisecond,
		Backoff:          time.Duration(a.BackoffMs) * time.Millisecond,
		AutoRead:         a.AutoRead,
		Strict:           a.StrictReadings,
		Normalize:        a.Normalize,
	}
}

// StoreConfig derives the live window bounds.
func (c *Config) StoreConfig() window.StoreConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return window.StoreConfig{
		Banks:      ylab.MaxBanks(),
		Span:       time.Duration(c.Acquisition.WindowSeconds * float64(time.Second)),
		MaxFrames:  c.Acquisition.MaxFrames,
		MaxRecords: c.Acquisition.MaxRecords,
	}
}

// RecorderConfig derives the recorder settings.
func (c *Config) RecorderConfig() recorder.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return recorder.Config{Dir: c.Recording.Dir, FlushBytes: c.Recording.FlushBytes}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/ystudio/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that fails validation is rolled
// back.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("marshal merged config: %w", err)
	}
	if err := json.Unmarshal(merged, c); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("apply merged config: %w", err)
	}
	c.mu.Unlock()

	if err := c.Validate(); err != nil {
		c.mu.Lock()
		json.Unmarshal(currentBytes, c)
		c.mu.Unlock()
		return err
	}
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
