// Package config handles chatbridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/chatbridge/config.yaml, /etc/chatbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chatbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/chatbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all chatbridge configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Engine    EngineConfig            `yaml:"engine"`
	Providers ProvidersConfig         `yaml:"providers"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the bridge server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// EngineConfig tunes the chat engine.
type EngineConfig struct {
	// CallTimeout bounds a single call end to end. Zero means no deadline.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// MaxInFlight caps concurrently running calls (default 64).
	MaxInFlight int `yaml:"max_in_flight"`
}

// ProvidersConfig carries credentials and defaults per provider.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `yaml:"openai"`
	ERNIE  ERNIEConfig  `yaml:"ernie"`
	Tongyi TongyiConfig `yaml:"tongyi"`
	Spark  SparkConfig  `yaml:"spark"`
}

// OpenAIConfig defines OpenAI (or compatible) API settings.
type OpenAIConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	ImageModel string `yaml:"image_model"`
	ImageSize  string `yaml:"image_size"`
	MaxTokens  int    `yaml:"max_tokens"`
}

// Configured reports whether enough is set to make calls.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" && c.BaseURL != "" }

// ERNIEConfig defines Baidu ERNIE Bot settings.
type ERNIEConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	Model     string `yaml:"model"`
	Endpoint  string `yaml:"endpoint"` // override for https://aip.baidubce.com
}

// Configured reports whether enough is set to make calls.
func (c ERNIEConfig) Configured() bool { return c.APIKey != "" && c.SecretKey != "" }

// TongyiConfig defines Alibaba DashScope (Tongyi Qianwen) settings.
type TongyiConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Endpoint  string `yaml:"endpoint"` // override for https://dashscope.aliyuncs.com
	MaxTokens int    `yaml:"max_tokens"`
}

// Configured reports whether enough is set to make calls.
func (c TongyiConfig) Configured() bool { return c.APIKey != "" }

// SparkConfig defines iFlytek Spark settings.
type SparkConfig struct {
	AppID     string `yaml:"app_id"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Model     string `yaml:"model"`    // version segment, e.g. v3.1
	Endpoint  string `yaml:"endpoint"` // override for wss://spark-api.xf-yun.com
	MaxTokens int    `yaml:"max_tokens"`
}

// Configured reports whether enough is set to make calls.
func (c SparkConfig) Configured() bool {
	return c.AppID != "" && c.APIKey != "" && c.APISecret != ""
}

// PricingEntry is the per-million-token price for a model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// LoadDotEnv loads KEY=value pairs from path into the process
// environment without overriding variables that are already set. A
// missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen:  ListenConfig{Port: 8086},
		Engine:  EngineConfig{MaxInFlight: 64},
		DataDir: "./data",
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				BaseURL:    "https://api.openai.com/v1",
				Model:      "gpt-3.5-turbo",
				ImageModel: "dall-e-3",
				ImageSize:  "1024x1024",
				MaxTokens:  2048,
			},
			ERNIE:  ERNIEConfig{Model: "ERNIE-Bot-turbo"},
			Tongyi: TongyiConfig{Model: "qwen-turbo"},
			Spark:  SparkConfig{Model: "v3.1", MaxTokens: 4096},
		},
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Engine.MaxInFlight == 0 {
		c.Engine.MaxInFlight = 64
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8086
	}
}

// Validate checks the configuration for values that would fail later.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Engine.MaxInFlight < 1 {
		return fmt.Errorf("engine.max_in_flight must be positive, got %d", c.Engine.MaxInFlight)
	}
	if c.Engine.CallTimeout < 0 {
		return fmt.Errorf("engine.call_timeout must not be negative, got %s", c.Engine.CallTimeout)
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", c.Listen.Port)
	}
	return nil
}
