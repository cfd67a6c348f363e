// Package config loads the bridge configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"loxonecontrol/internal/accessory"
	"loxonecontrol/internal/homekit"
	"loxonecontrol/internal/loxone"
	"loxonecontrol/internal/mqtt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding the file.
const (
	EnvMiniserverID = "LOXONE_MINISERVER_ID"
	EnvUser         = "LOXONE_USER"
	EnvPassword     = "LOXONE_PASSWORD"
	EnvChromiumPath = "CHROMIUM_PATH"
	EnvConfigPath   = "CONFIG_PATH"
	EnvLogLevel     = "LOG_LEVEL"
	EnvHTTPPort     = "HTTP_PORT"

	DefaultConfigPath = "config.yaml"
	DefaultHTTPPort   = 18081
)

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid configuration")

// LoxoneConfig holds the web interface login.
type LoxoneConfig struct {
	MiniserverID      string `yaml:"miniserver_id"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	ChromiumPath      string `yaml:"chromium_path"`
	PatchedScriptPath string `yaml:"patched_script_path"`
	ShowBrowser       bool   `yaml:"show_browser"`
}

// DeviceConfig is one control to expose.
type DeviceConfig struct {
	Identifier        string `yaml:"identifier"`
	Name              string `yaml:"name"`
	BlindsTiming      string `yaml:"blinds_timing"`
	BlindsMaxPosition int    `yaml:"blinds_max_position"`
	LightOutlet       bool   `yaml:"light_outlet"`
	FanBathroom       bool   `yaml:"fan_bathroom"`
	FanAddButtons     string `yaml:"fan_add_buttons"`
}

// HTTPConfig configures the local API.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// HomeKitConfig configures the HAP bridge.
type HomeKitConfig struct {
	StorePath  string `yaml:"store_path"`
	Pin        string `yaml:"pin"`
	Addr       string `yaml:"addr"`
	BridgeName string `yaml:"bridge_name"`
}

// MQTTConfig configures the optional state mirror.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// Config represents the config.yaml structure
type Config struct {
	Loxone    LoxoneConfig           `yaml:"loxone"`
	Blinds    loxone.TravelOverrides `yaml:"blinds_timing"`
	FanLevels string                 `yaml:"fan_levels"`
	Devices   []DeviceConfig         `yaml:"devices"`
	HTTP      HTTPConfig             `yaml:"http"`
	HomeKit   HomeKitConfig          `yaml:"homekit"`
	MQTT      MQTTConfig             `yaml:"mqtt"`
	LogLevel  string                 `yaml:"log_level"`
}

// Loader reads the configuration file and applies environment overrides
type Loader struct {
	path   string
	logger *zap.Logger
	getenv func(string) string
}

// NewLoader creates a loader for path. An empty path falls back to
// CONFIG_PATH and then config.yaml.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger.Named("config"),
		getenv: os.Getenv,
	}
}

// Path returns the file the loader reads.
func (l *Loader) Path() string {
	if l.path != "" {
		return l.path
	}
	if p := l.getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads the file, applies environment overrides and defaults, and
// validates the result. A missing file is fine when it was not named
// explicitly; everything then comes from the environment.
func (l *Loader) Load() (*Config, error) {
	path := l.Path()
	l.logger.Info("Loading configuration", zap.String("path", path))

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && l.path == "" && l.getenv(EnvConfigPath) == "":
		l.logger.Warn("No config file found, using environment only", zap.String("path", path))
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info("Configuration loaded",
		zap.Int("devices", len(cfg.Devices)),
		zap.Bool("credentials", cfg.Session().HasCredentials()),
		zap.Bool("mqtt", cfg.MQTT.Enabled))
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	set := func(dst *string, key string) {
		if v := l.getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Loxone.MiniserverID, EnvMiniserverID)
	set(&cfg.Loxone.User, EnvUser)
	set(&cfg.Loxone.Password, EnvPassword)
	set(&cfg.Loxone.ChromiumPath, EnvChromiumPath)
	set(&cfg.LogLevel, EnvLogLevel)

	if v := l.getenv(EnvHTTPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, EnvHTTPPort, v)
		}
		cfg.HTTP.Port = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HomeKit.StorePath == "" {
		c.HomeKit.StorePath = "./homekit"
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = "loxone"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "loxonecontrol"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks ports, devices and the MQTT broker.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http port %d out of range", ErrInvalidConfig, c.HTTP.Port)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt enabled without broker", ErrInvalidConfig)
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.LogLevel)
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if _, err := loxone.ParseIdentifier(d.Identifier); err != nil {
			return fmt.Errorf("%w: device %d: %v", ErrInvalidConfig, i, err)
		}
		if seen[d.Identifier] {
			return fmt.Errorf("%w: device %d: duplicate identifier %q", ErrInvalidConfig, i, d.Identifier)
		}
		seen[d.Identifier] = true

		if d.BlindsMaxPosition < 0 || d.BlindsMaxPosition > 100 {
			return fmt.Errorf("%w: device %q: blinds_max_position %d out of range", ErrInvalidConfig, d.Identifier, d.BlindsMaxPosition)
		}
		if !validTiming(d.BlindsTiming) {
			return fmt.Errorf("%w: device %q: unknown blinds_timing %q", ErrInvalidConfig, d.Identifier, d.BlindsTiming)
		}
	}
	return nil
}

func validTiming(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	if seconds, err := strconv.Atoi(s); err == nil {
		return seconds > 0
	}
	switch loxone.TimingVariant(s) {
	case loxone.TimingWindow, loxone.TimingWindowBig, loxone.TimingAwning:
		return true
	}
	return false
}

// Session converts the login settings for the web interface.
func (c *Config) Session() loxone.SessionConfig {
	return loxone.SessionConfig{
		MiniserverID:      c.Loxone.MiniserverID,
		User:              c.Loxone.User,
		Password:          c.Loxone.Password,
		ChromiumPath:      c.Loxone.ChromiumPath,
		PatchedScriptPath: c.Loxone.PatchedScriptPath,
		ShowBrowser:       c.Loxone.ShowBrowser,
	}
}

// AccessoryDevices converts the configured devices.
func (c *Config) AccessoryDevices() []accessory.Device {
	devices := make([]accessory.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		devices = append(devices, accessory.Device{
			Identifier:        d.Identifier,
			Name:              d.Name,
			BlindsTiming:      d.BlindsTiming,
			BlindsMaxPosition: d.BlindsMaxPosition,
			LightOutlet:       d.LightOutlet,
			FanBathroom:       d.FanBathroom,
			FanAddButtons:     d.FanAddButtons,
		})
	}
	return devices
}

// HomeKitServer converts the HAP settings.
func (c *Config) HomeKitServer() homekit.Config {
	return homekit.Config{
		StorePath:  c.HomeKit.StorePath,
		Pin:        c.HomeKit.Pin,
		Addr:       c.HomeKit.Addr,
		BridgeName: c.HomeKit.BridgeName,
	}
}

// MQTTClient converts the broker settings.
func (c *Config) MQTTClient() mqtt.Config {
	return mqtt.Config{
		Broker:   c.MQTT.Broker,
		ClientID: c.MQTT.ClientID,
		Username: c.MQTT.Username,
		Password: c.MQTT.Password,
		Prefix:   c.MQTT.Prefix,
	}
}
