package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bryanchriswhite/FrameSync/internal/gpu"
	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/replication"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. FRAMESYNC_LOG_LEVEL or
// FRAMESYNC_REPLICATION_CLAIM_ADDRESS.
const EnvPrefix = "FRAMESYNC"

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the on-disk configuration.
type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty   bool              `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	Replication ReplicationConfig `json:"replication" yaml:"replication" mapstructure:"replication"`
	Video       VideoConfig       `json:"video" yaml:"video" mapstructure:"video"`
	Sink        SinkConfig        `json:"sink" yaml:"sink" mapstructure:"sink"`
	App         AppConfig         `json:"app" yaml:"app" mapstructure:"app"`
	Audio       AudioConfig       `json:"audio" yaml:"audio" mapstructure:"audio"`
}

// ReplicationConfig configures snapshot replication.
type ReplicationConfig struct {
	ClaimAddress  string `json:"claim_address" yaml:"claim_address" mapstructure:"claim_address"`
	DataAddress   string `json:"data_address" yaml:"data_address" mapstructure:"data_address"`
	MaxPacketSize int    `json:"max_packet_size" yaml:"max_packet_size" mapstructure:"max_packet_size"`
	ReconnectMS   int    `json:"reconnect_ms" yaml:"reconnect_ms" mapstructure:"reconnect_ms"`
	HandshakeMS   int    `json:"handshake_ms" yaml:"handshake_ms" mapstructure:"handshake_ms"`
}

// VideoConfig configures the video transport and the source adapter.
type VideoConfig struct {
	ListenAddress      string   `json:"listen_address" yaml:"listen_address" mapstructure:"listen_address"`
	Peers              []string `json:"peers" yaml:"peers" mapstructure:"peers"`
	DiscoveryTimeoutMS int      `json:"discovery_timeout_ms" yaml:"discovery_timeout_ms" mapstructure:"discovery_timeout_ms"`
	CaptureTimeoutMS   int      `json:"capture_timeout_ms" yaml:"capture_timeout_ms" mapstructure:"capture_timeout_ms"`
	ConnectWaitMS      int      `json:"connect_wait_ms" yaml:"connect_wait_ms" mapstructure:"connect_wait_ms"`
}

// SinkConfig configures the outgoing video stream.
type SinkConfig struct {
	Name       string `json:"name" yaml:"name" mapstructure:"name"`
	Width      int    `json:"width" yaml:"width" mapstructure:"width"`
	Height     int    `json:"height" yaml:"height" mapstructure:"height"`
	FrameRateN int    `json:"frame_rate_n" yaml:"frame_rate_n" mapstructure:"frame_rate_n"`
	FrameRateD int    `json:"frame_rate_d" yaml:"frame_rate_d" mapstructure:"frame_rate_d"`
	Hardware   bool   `json:"hardware" yaml:"hardware" mapstructure:"hardware"`
	Enabled    bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
}

// AppConfig configures the tick loop and the status API.
type AppConfig struct {
	TickRate int    `json:"tick_rate" yaml:"tick_rate" mapstructure:"tick_rate"`
	APIPort  int    `json:"api_port" yaml:"api_port" mapstructure:"api_port"`
	GPU      string `json:"gpu" yaml:"gpu" mapstructure:"gpu"`
	Pattern  bool   `json:"pattern" yaml:"pattern" mapstructure:"pattern"`
}

// AudioConfig configures tone synthesis.
type AudioConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	SampleRate int    `json:"sample_rate" yaml:"sample_rate" mapstructure:"sample_rate"`
	RecordPath string `json:"record_path" yaml:"record_path" mapstructure:"record_path"`
}

// Defaults returns the configuration written to a new config file.
func Defaults() *Config {
	return &Config{
		LogLevel:  "info",
		LogPretty: true,
		Replication: ReplicationConfig{
			ClaimAddress:  "127.0.0.1:47600",
			DataAddress:   "127.0.0.1:0",
			MaxPacketSize: replication.MaxDatagramSize,
			ReconnectMS:   500,
			HandshakeMS:   2000,
		},
		Video: VideoConfig{
			ListenAddress:      "127.0.0.1:47700",
			Peers:              []string{},
			DiscoveryTimeoutMS: 1000,
			CaptureTimeoutMS:   1000,
			ConnectWaitMS:      5000,
		},
		Sink: SinkConfig{
			Name:       "framesync",
			Width:      1920,
			Height:     1080,
			FrameRateN: 60000,
			FrameRateD: 1000,
			Hardware:   true,
		},
		App: AppConfig{
			TickRate: 60,
			APIPort:  8080,
			GPU:      "soft",
			Pattern:  true,
		},
		Audio: AudioConfig{
			SampleRate: 48000,
		},
	}
}

// Validate checks the values the rest of the program relies on.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !logger.ValidLevel(c.LogLevel) {
		add("log_level %q (use %s)", c.LogLevel, strings.Join(logger.Levels, ", "))
	}

	if c.Replication.ClaimAddress == "" {
		add("replication.claim_address is empty")
	}
	if err := replication.CheckBudget(c.Replication.MaxPacketSize); err != nil {
		add("replication.max_packet_size: %v", err)
	}
	if c.Replication.ReconnectMS <= 0 || c.Replication.HandshakeMS <= 0 {
		add("replication timings must be positive")
	}

	if c.Video.DiscoveryTimeoutMS <= 0 || c.Video.CaptureTimeoutMS <= 0 || c.Video.ConnectWaitMS <= 0 {
		add("video timeouts must be positive")
	}

	if c.Sink.Name == "" {
		add("sink.name is empty")
	}
	if c.Sink.Width <= 0 || c.Sink.Height <= 0 {
		add("sink size %dx%d", c.Sink.Width, c.Sink.Height)
	}
	if c.Sink.FrameRateN <= 0 || c.Sink.FrameRateD <= 0 {
		add("sink frame rate %d/%d", c.Sink.FrameRateN, c.Sink.FrameRateD)
	}

	if c.App.TickRate <= 0 || c.App.TickRate > 1000 {
		add("app.tick_rate %d (1-1000)", c.App.TickRate)
	}
	if c.App.APIPort < 0 || c.App.APIPort > 65535 {
		add("app.api_port %d", c.App.APIPort)
	}
	if !slices.Contains(gpu.Backends(), c.App.GPU) {
		add("app.gpu %q (available: %s)", c.App.GPU, strings.Join(gpu.Backends(), ", "))
	}

	if c.Audio.SampleRate <= 0 {
		add("audio.sample_rate %d", c.Audio.SampleRate)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Manager loads the config file and layers environment variables and bound
// command-line flags on top of it through viper.
type Manager struct {
	configPath string
	v          *viper.Viper
	file       *Config // as stored on disk
	config     *Config // with overrides applied
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/framesync/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "framesync", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty, using the
// global viper instance so flags bound by the command layer apply.
func NewManager(configFile string) (*Manager, error) {
	return NewManagerWithViper(configFile, viper.GetViper())
}

// NewManagerWithViper is NewManager with an explicit viper instance. A
// missing config file is created with defaults.
func NewManagerWithViper(configFile string, v *viper.Viper) (*Manager, error) {
	path := configFile
	if path == "" {
		def, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = def
	}

	m := &Manager{configPath: path, v: v}

	if err := m.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.file = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config loaded")
	return m, nil
}

// load reads the file and applies overrides.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// an empty file decodes to io.EOF and means all defaults
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.file = cfg
	m.mu.Unlock()
	return m.applyOverrides()
}

// applyOverrides feeds the file config into viper and reads back the
// effective config with environment and flag values applied.
func (m *Manager) applyOverrides() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.file)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	m.v.SetConfigType("yaml")
	m.v.SetEnvPrefix(EnvPrefix)
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()
	if err := m.v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to load config into viper: %w", err)
	}

	effective := Defaults()
	if err := m.v.Unmarshal(effective); err != nil {
		return fmt.Errorf("failed to apply config overrides: %w", err)
	}

	m.mu.Lock()
	m.config = effective
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the effective configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	cfg.Video.Peers = append([]string(nil), m.config.Video.Peers...)
	return &cfg
}

// GetViper returns the viper instance holding the effective values.
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Lookup returns the effective value of a dotted key such as
// "replication.claim_address".
func (m *Manager) Lookup(key string) (any, bool) {
	if !m.v.IsSet(key) {
		return nil, false
	}
	return m.v.Get(key), true
}

// Set changes one dotted key in the config file and saves it. value is
// parsed as YAML, so "9090" is a number and "true" a boolean. The change
// is rejected if the resulting config is invalid.
func (m *Manager) Set(key, value string) error {
	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return fmt.Errorf("invalid value %q: %w", value, err)
	}

	m.mu.RLock()
	data, err := yaml.Marshal(m.file)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	if err := setPath(tree, strings.Split(key, "."), parsed); err != nil {
		return err
	}

	data, err = yaml.Marshal(tree)
	if err != nil {
		return err
	}
	updated := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.file = updated
	m.mu.Unlock()
	return m.Save()
}

func setPath(tree map[string]any, path []string, value any) error {
	node := tree
	for i, part := range path {
		existing, ok := node[part]
		if !ok {
			return fmt.Errorf("configuration key not found: %s", strings.Join(path[:i+1], "."))
		}
		if i == len(path)-1 {
			if _, isMap := existing.(map[string]any); isMap {
				return fmt.Errorf("%s is a section, not a value", strings.Join(path, "."))
			}
			node[part] = value
			return nil
		}
		child, isMap := existing.(map[string]any)
		if !isMap {
			return fmt.Errorf("%s is a value, not a section", strings.Join(path[:i+1], "."))
		}
		node = child
	}
	return nil
}

// Save writes the file layer, without overrides, to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.file
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return m.applyOverrides()
}

// GetConfigPath returns the path to the config file.
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path.
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
