package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/CTAG07/Sundew/pkg/neural"
	"github.com/CTAG07/Sundew/pkg/service"
	"github.com/CTAG07/Sundew/pkg/wordcheck"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the configuration for the HTTP server and on-disk layout.
type ServerConfig struct {
	ApiAddr        string       `json:"api_addr" yaml:"api_addr"`
	LogLevel       string       `json:"log_level" yaml:"log_level"`
	TrustedProxies []string     `json:"trusted_proxies" yaml:"trusted_proxies"`
	DataDir        string       `json:"data_dir" yaml:"data_dir"`
	DatabasePath   string       `json:"database_path" yaml:"database_path"`
	CheckpointDir  string       `json:"checkpoint_dir" yaml:"checkpoint_dir"`
	InboxConfig    *InboxConfig `json:"corpus_inbox" yaml:"corpus_inbox"`
}

// InboxConfig controls the corpus inbox watcher. An empty Dir disables it.
type InboxConfig struct {
	Dir            string   `json:"dir" yaml:"dir"`
	Patterns       []string `json:"patterns" yaml:"patterns"`
	DebounceMs     int      `json:"debounce_ms" yaml:"debounce_ms"`
	BlockSize      int      `json:"block_size" yaml:"block_size"`
	EpochsPerBlock int      `json:"epochs_per_block" yaml:"epochs_per_block"`
}

// Config is the top-level configuration struct that aggregates all other configs.
type Config struct {
	Server        *ServerConfig             `json:"server_config" yaml:"server_config"`
	Model         *neural.Config            `json:"model_config" yaml:"model_config"`
	Training      *service.TrainingConfig   `json:"training_config" yaml:"training_config"`
	Generation    *service.GenerationConfig `json:"generation_config" yaml:"generation_config"`
	Evaluation    *service.EvaluationConfig `json:"evaluation_config" yaml:"evaluation_config"`
	WordValidator *wordcheck.Config         `json:"word_validator" yaml:"word_validator"`
}

// DefaultServerConfig creates a server configuration with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ApiAddr:        ":7279",
		LogLevel:       "info",
		TrustedProxies: []string{},
		DataDir:        "./data",
		DatabasePath:   "./data/sundew.db",
		CheckpointDir:  "./data/checkpoints",
		InboxConfig: &InboxConfig{
			Patterns:   []string{"*.txt"},
			DebounceMs: 500,
		},
	}
}

// DefaultConfig returns a config with every section filled in.
func DefaultConfig() *Config {
	model := neural.DefaultConfig()
	training := service.DefaultTrainingConfig()
	generation := service.DefaultGenerationConfig()
	evaluation := service.DefaultEvaluationConfig()
	return &Config{
		Server:     DefaultServerConfig(),
		Model:      &model,
		Training:   &training,
		Generation: &generation,
		Evaluation: &evaluation,
		WordValidator: &wordcheck.Config{
			Kind:      wordcheck.KindAuto,
			MinScore:  1,
			CacheSize: 4096,
		},
	}
}

// Service converts the config into the service's own config.
func (c *Config) Service() service.Config {
	return service.Config{
		CheckpointDir: c.Server.CheckpointDir,
		Model:         *c.Model,
		Training:      *c.Training,
		Generation:    *c.Generation,
		Evaluation:    *c.Evaluation,
	}
}

// isYAML reports whether path names a YAML file; everything else is JSON.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func marshalConfig(path string, config *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(config)
	}
	return json.MarshalIndent(config, "", "  ")
}

func unmarshalConfig(path string, data []byte, config *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, config)
	}
	return json.Unmarshal(data, config)
}

// LoadConfig reads the configuration at the given path, as YAML when the
// extension says so and as JSON otherwise. Sections missing from the file keep
// their defaults. If the file doesn't exist, it creates one with default values.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			var data []byte
			data, err = marshalConfig(path, config)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal default config: %w", err)
			}
			if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
				// The server can still run with defaults.
				fmt.Printf("warning: failed to write default config file: %v\n", err)
			}
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = unmarshalConfig(path, file, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err = config.fillMissing(); err != nil {
		return nil, err
	}
	return config, nil
}

// fillMissing restores sections a file set to null and validates the result.
func (c *Config) fillMissing() error {
	def := DefaultConfig()
	if c.Server == nil {
		c.Server = def.Server
	}
	if c.Server.InboxConfig == nil {
		c.Server.InboxConfig = def.Server.InboxConfig
	}
	if c.Model == nil {
		c.Model = def.Model
	}
	if c.Training == nil {
		c.Training = def.Training
	}
	if c.Generation == nil {
		c.Generation = def.Generation
	}
	if c.Evaluation == nil {
		c.Evaluation = def.Evaluation
	}
	if c.WordValidator == nil {
		c.WordValidator = def.WordValidator
	}
	if err := c.Service().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// parseLogLevel maps the configured level name to a slog level, defaulting to info.
func parseLogLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigManager handles thread-safe access to configuration and derived state (trusted proxies).
type ConfigManager struct {
	config       *Config
	mu           sync.RWMutex
	trustedCIDRs []*net.IPNet
	trustedIPs   []net.IP
	configPath   string
	logger       *slog.Logger
}

// NewConfigManager loads the config and initializes the manager.
func NewConfigManager(path string) (*ConfigManager, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	cm := &ConfigManager{
		config:     cfg,
		configPath: path,
		// Log to stdout before the application-specific logger is set.
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{})),
	}
	cm.refreshCache()

	return cm, nil
}

// SetLogger sets the logger.
func (cm *ConfigManager) SetLogger(logger *slog.Logger) {
	cm.logger = logger
}

// Get returns a thread-safe copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return *cm.config
}

// Update validates the configuration, saves it to disk in the file's format,
// and refreshes derived state. Most sections take effect on the next restart.
func (cm *ConfigManager) Update(newConfig Config) error {
	if err := newConfig.fillMissing(); err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	data, err := marshalConfig(cm.configPath, &newConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = atomic.WriteFile(cm.configPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	*cm.config = newConfig
	cm.refreshCache()
	return nil
}

// IsTrusted checks if an IP is in the trusted proxies list using the cache.
func (cm *ConfigManager) IsTrusted(ipAddr string) bool {
	parsedIP := net.ParseIP(ipAddr)
	if parsedIP == nil {
		return false
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, ipNet := range cm.trustedCIDRs {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}

	for _, trustedIP := range cm.trustedIPs {
		if trustedIP.Equal(parsedIP) {
			return true
		}
	}

	return false
}

// refreshCache rebuilds the binary IP lists from the config strings.
func (cm *ConfigManager) refreshCache() {
	var cidrs []*net.IPNet
	var ips []net.IP

	for _, t := range cm.config.Server.TrustedProxies {
		if strings.Contains(t, "/") {
			_, ipNet, err := net.ParseCIDR(t)
			if err == nil {
				cidrs = append(cidrs, ipNet)
			} else {
				cm.logger.Warn("Failed to parse trusted proxy CIDR", "cidr", t, "error", err)
			}
		} else {
			ip := net.ParseIP(t)
			if ip != nil {
				ips = append(ips, ip)
			} else {
				cm.logger.Warn("Failed to parse trusted proxy IP", "ip", t)
			}
		}
	}
	cm.trustedCIDRs = cidrs
	cm.trustedIPs = ips
}
