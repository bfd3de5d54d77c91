// Package config handles loading and validating the sentinel.toml configuration file.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrNoCredential is returned when a provider needs an API key and none was found
// in the environment, the config file, or a .env file.
var ErrNoCredential = errors.New("no provider credential configured")

// placeholderKey is the value shipped in example files.
const placeholderKey = "your_key_here"

// Credential sources reported by CredentialSource.
const (
	SourceEnv    = "env"
	SourceConfig = "config"
	SourceDotEnv = "dotenv"
)

// Config is the top-level configuration.
type Config struct {
	Input   InputConfig   `toml:"input"`
	Detect  DetectConfig  `toml:"detect"`
	LLM     LLMConfig     `toml:"llm"`
	SIEM    SIEMConfig    `toml:"siem"`
	Output  OutputConfig  `toml:"output"`
	Archive ArchiveConfig `toml:"archive"`
	Logging LoggingConfig `toml:"logging"`

	credentialSource string
	// set when any key source exists, usable or not
	sourcePresent bool
}

// InputConfig locates the raw auth log.
type InputConfig struct {
	AuthLog string `toml:"auth_log"`
	// Tail is how many trailing failure events the monitor keeps (0 = all).
	Tail int `toml:"tail"`
}

// DetectConfig holds the alert threshold policy.
type DetectConfig struct {
	Threshold int  `toml:"threshold"`
	Sigma     bool `toml:"sigma"`
}

// LLMConfig configures the classification provider.
type LLMConfig struct {
	Provider    string  `toml:"provider"`
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Endpoint    string  `toml:"endpoint"`
	Timeout     int     `toml:"timeout"` // seconds, 0 = provider default
	Temperature float64 `toml:"temperature"`
}

// SIEMConfig selects the dispatch sink.
type SIEMConfig struct {
	Mode               string      `toml:"mode"` // simulate | wazuh | kafka | redis
	URL                string      `toml:"url"`
	User               string      `toml:"user"`
	Password           string      `toml:"password"`
	InsecureSkipVerify bool        `toml:"insecure_skip_verify"`
	Timeout            int         `toml:"timeout"` // seconds
	AgentName          string      `toml:"agent_name"`
	AgentIP            string      `toml:"agent_ip"`
	Kafka              KafkaConfig `toml:"kafka"`
	Redis              RedisConfig `toml:"redis"`
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// RedisConfig configures the Redis list sink.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Key      string `toml:"key"`
}

// OutputConfig configures report output.
type OutputConfig struct {
	Dir    string `toml:"dir"`
	Bundle bool   `toml:"bundle"` // zip the output dir after a run
}

// ArchiveConfig configures optional S3 upload of the evidence bundle.
type ArchiveConfig struct {
	Enabled         bool   `toml:"enabled"`
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Input:  InputConfig{AuthLog: "/var/log/auth.log", Tail: 50},
		Detect: DetectConfig{Threshold: 3, Sigma: true},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			Timeout:     60,
			Temperature: 0.2,
		},
		SIEM: SIEMConfig{
			Mode:    "simulate",
			User:    "wazuh",
			Timeout: 30,
			AgentIP: "127.0.0.1",
			Kafka:   KafkaConfig{Topic: "sentinel-alerts"},
			Redis:   RedisConfig{Key: "sentinel:alerts"},
		},
		Output:  OutputConfig{Dir: "logs"},
		Archive: ArchiveConfig{Region: "us-east-1", Prefix: "sentinel"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a TOML config file and returns a validated Config.
// A missing file is not an error: defaults apply. Environment variables and a
// .env file next to the config (or in the working directory) fill in secrets.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	cfg.sourcePresent = cfg.LLM.APIKey != ""
	if usableKey(cfg.LLM.APIKey) {
		cfg.credentialSource = SourceConfig
	}

	cfg.applyEnv()

	if !usableKey(cfg.LLM.APIKey) {
		for _, dir := range dotEnvDirs(path) {
			vars, err := ReadDotEnv(filepath.Join(dir, ".env"))
			if err != nil {
				continue
			}
			cfg.sourcePresent = true
			if key := firstNonEmpty(vars["SENTINEL_API_KEY"], vars["OPENAI_API_KEY"]); usableKey(key) {
				cfg.LLM.APIKey = key
				cfg.credentialSource = SourceDotEnv
				break
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	key := firstNonEmpty(os.Getenv("SENTINEL_API_KEY"), os.Getenv("OPENAI_API_KEY"))
	if key != "" {
		c.sourcePresent = true
	}
	if usableKey(key) {
		c.LLM.APIKey = key
		c.credentialSource = SourceEnv
	}
	if provider := os.Getenv("SENTINEL_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}
	if v := firstNonEmpty(os.Getenv("SENTINEL_SIEM_URL"), os.Getenv("WAZUH_API_URL")); v != "" {
		c.SIEM.URL = v
	}
	if v := firstNonEmpty(os.Getenv("SENTINEL_SIEM_USER"), os.Getenv("WAZUH_API_USER")); v != "" {
		c.SIEM.User = v
	}
	if v := firstNonEmpty(os.Getenv("SENTINEL_SIEM_PASSWORD"), os.Getenv("WAZUH_API_PASSWORD")); v != "" {
		c.SIEM.Password = v
	}
}

func (c *Config) validate() error {
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	switch c.LLM.Provider {
	case "openai", "anthropic", "ollama":
	case "":
		c.LLM.Provider = "openai"
	default:
		return fmt.Errorf("unsupported llm.provider: %q", c.LLM.Provider)
	}
	if c.LLM.Timeout < 0 {
		return fmt.Errorf("llm.timeout must not be negative")
	}

	if c.Detect.Threshold < 1 {
		c.Detect.Threshold = 1
	}

	c.SIEM.Mode = strings.ToLower(c.SIEM.Mode)
	switch c.SIEM.Mode {
	case "":
		c.SIEM.Mode = "simulate"
	case "simulate":
	case "wazuh":
		if c.SIEM.URL == "" {
			return fmt.Errorf("siem.url is required for mode %q", c.SIEM.Mode)
		}
	case "kafka":
		if len(c.SIEM.Kafka.Brokers) == 0 {
			return fmt.Errorf("siem.kafka.brokers is required for mode %q", c.SIEM.Mode)
		}
	case "redis":
		if c.SIEM.Redis.Addr == "" {
			return fmt.Errorf("siem.redis.addr is required for mode %q", c.SIEM.Mode)
		}
	default:
		return fmt.Errorf("unsupported siem.mode: %q", c.SIEM.Mode)
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported logging.format: %q", c.Logging.Format)
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "logs"
	}
	return nil
}

// CredentialSource reports where the provider API key came from:
// SourceEnv, SourceConfig, SourceDotEnv, or "" when none was found.
func (c *Config) CredentialSource() string {
	return c.credentialSource
}

// HasCredentialSource reports whether an API key was set anywhere (environment,
// llm.api_key, or an existing .env file), even when the value is a placeholder.
func (c *Config) HasCredentialSource() bool {
	return c.sourcePresent
}

// RequireCredential returns ErrNoCredential when the provider needs a key and
// no key source exists at all. A placeholder or empty key is not an error here;
// the classifier falls back to its no-credential analysis.
func (c *Config) RequireCredential() error {
	if c.LLM.Provider == "ollama" || c.sourcePresent {
		return nil
	}
	return fmt.Errorf("llm provider %q: %w (set SENTINEL_API_KEY or OPENAI_API_KEY, llm.api_key, or a .env file)",
		c.LLM.Provider, ErrNoCredential)
}

// ReadDotEnv parses KEY=VALUE lines. Blank lines, comments and an optional
// "export " prefix are handled; surrounding quotes are stripped.
func ReadDotEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vars := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		vars[strings.TrimSpace(key)] = value
	}
	return vars, sc.Err()
}

func dotEnvDirs(configPath string) []string {
	dirs := []string{"."}
	if configPath != "" {
		if d := filepath.Dir(configPath); d != "." {
			dirs = append([]string{d}, dirs...)
		}
	}
	return dirs
}

func usableKey(key string) bool {
	return key != "" && key != placeholderKey
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
