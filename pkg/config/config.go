// Package config loads chatwidget settings from defaults, an optional TOML or
// YAML file and CHATWIDGET_ environment variables, in that order.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-go-golems/chatwidget/pkg/redisstream"
	"github.com/go-go-golems/chatwidget/pkg/webchat"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const EnvPrefix = "CHATWIDGET_"

type ReconnectConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	Multiplier float64       `koanf:"multiplier"`
	Jitter     bool          `koanf:"jitter"`
}

type ArchiveConfig struct {
	// Path of the SQLite transcript archive. Empty disables archiving.
	Path string `koanf:"path"`
}

type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Stream   string `koanf:"stream"`
	Group    string `koanf:"group"`
	Consumer string `koanf:"consumer"`
}

type ExperimentalConfig struct {
	ChannelType string `koanf:"channel_type"`
}

type Config struct {
	BotURL               string             `koanf:"bot_url"`
	UserID               string             `koanf:"user_id"`
	LanguageCode         string             `koanf:"language_code"`
	FailureMessages      []string           `koanf:"failure_messages"`
	GreetingMessages     []string           `koanf:"greeting_messages"`
	Context              map[string]any     `koanf:"context"`
	TriggerWelcomeIntent bool               `koanf:"trigger_welcome_intent"`
	Headers              map[string]string  `koanf:"headers"`
	Reconnect            ReconnectConfig    `koanf:"reconnect"`
	Archive              ArchiveConfig      `koanf:"archive"`
	Redis                RedisConfig        `koanf:"redis"`
	Experimental         ExperimentalConfig `koanf:"experimental"`
}

func defaults() map[string]any {
	rc := webchat.DefaultReconnectConfig()
	return map[string]any{
		"reconnect.max_retries": rc.MaxRetries,
		"reconnect.base_delay":  rc.BaseDelay.String(),
		"reconnect.max_delay":   rc.MaxDelay.String(),
		"reconnect.multiplier":  rc.Multiplier,
		"reconnect.jitter":      rc.Jitter,
		"redis.enabled":         false,
		"redis.addr":            "localhost:6379",
		"redis.stream":          "chatwidget.snapshots",
		"redis.group":           "chatwidget-watch",
		"redis.consumer":        "watch-1",
	}
}

// Load layers defaults, the file at path (skipped when empty) and the
// environment. Nested keys in the environment use a double underscore:
// CHATWIDGET_REDIS__ADDR sets redis.addr.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "load defaults")
	}

	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, errors.Wrapf(err, "load config file %s", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "load environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return expandingParser{inner: toml.Parser()}, nil
	case ".yaml", ".yml":
		return expandingParser{inner: yamlParser{}}, nil
	default:
		return nil, errors.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or nothing when unset.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})
}

// expandingParser expands ${VAR} references in the raw file before parsing.
type expandingParser struct {
	inner koanf.Parser
}

func (p expandingParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	return p.inner.Unmarshal([]byte(expandEnvVars(string(b))))
}

func (p expandingParser) Marshal(m map[string]interface{}) ([]byte, error) {
	return p.inner.Marshal(m)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.BotURL) == "" {
		return errors.New("bot_url is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return c.WebchatConfig().Validate()
}

func (c *Config) WebchatConfig() webchat.Config {
	rc := webchat.ReconnectConfig(c.Reconnect)
	return webchat.Config{
		BotURL:               c.BotURL,
		UserID:               c.UserID,
		FailureMessages:      c.FailureMessages,
		GreetingMessages:     c.GreetingMessages,
		Context:              c.Context,
		TriggerWelcomeIntent: c.TriggerWelcomeIntent,
		Headers:              c.Headers,
		LanguageCode:         c.LanguageCode,
		Experimental:         webchat.ExperimentalConfig{ChannelType: c.Experimental.ChannelType},
		Reconnect:            &rc,
	}
}

func (c *Config) RedisSettings() redisstream.Settings {
	return redisstream.Settings{
		Enabled:  c.Redis.Enabled,
		Addr:     c.Redis.Addr,
		Stream:   c.Redis.Stream,
		Group:    c.Redis.Group,
		Consumer: c.Redis.Consumer,
	}
}
