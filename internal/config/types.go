package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every option the gate daemon consumes once loaded.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Proxy      ProxyConfig      `koanf:"proxy"`
	Reputation ReputationConfig `koanf:"reputation"`
	Prompt     PromptConfig     `koanf:"prompt"`
}

// ServerConfig collects the admin listener, logging and decision cache knobs.
type ServerConfig struct {
	Listen  ListenConfig      `koanf:"listen"`
	Logging LoggingConfig     `koanf:"logging"`
	Cache   ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs a listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ServerCacheConfig selects the decision cache backend. TTLSeconds of zero
// keeps decisions for the lifetime of the process.
type ServerCacheConfig struct {
	Backend    string                 `koanf:"backend"`
	TTLSeconds int                    `koanf:"ttlSeconds"`
	Redis      ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// ProxyConfig describes the forward proxy that feeds intercepted requests to the gate.
type ProxyConfig struct {
	Listen      ListenConfig `koanf:"listen"`
	DialTimeout string       `koanf:"dialTimeout"`
}

// ReputationConfig points the reputation client at the external check service.
type ReputationConfig struct {
	Endpoint     string `koanf:"endpoint"`
	Timeout      string `koanf:"timeout"`
	Expression   string `koanf:"expression"`
	Coalesce     bool   `koanf:"coalesce"`
	MaxBodyBytes int64  `koanf:"maxBodyBytes"`
}

// PromptConfig selects how vulnerable hosts are escalated to a user decision.
type PromptConfig struct {
	Mode     string `koanf:"mode"`
	Remember bool   `koanf:"remember"`
	Title    string `koanf:"title"`
	Message  string `koanf:"message"`
}

// TimeoutDuration parses the configured check timeout. Invalid values are
// rejected by Validate so callers can ignore the error after loading.
func (c ReputationConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Timeout))
	if err != nil {
		return 0
	}
	return d
}

// DialTimeoutDuration parses the proxy upstream dial timeout.
func (c ProxyConfig) DialTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.DialTimeout))
	if err != nil {
		return 0
	}
	return d
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if err := validatePort("server.listen.port", c.Server.Listen.Port); err != nil {
		return err
	}
	if err := validatePort("proxy.listen.port", c.Proxy.Listen.Port); err != nil {
		return err
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if err := c.Reputation.validate(); err != nil {
		return err
	}
	if c.Proxy.DialTimeout != "" {
		if _, err := time.ParseDuration(c.Proxy.DialTimeout); err != nil {
			return fmt.Errorf("config: proxy.dialTimeout invalid: %w", err)
		}
	}
	switch strings.TrimSpace(strings.ToLower(c.Prompt.Mode)) {
	case "", "deny", "allow", "terminal":
	default:
		return fmt.Errorf("config: prompt.mode unsupported: %s", c.Prompt.Mode)
	}
	return nil
}

func (c ReputationConfig) validate() error {
	endpoint := strings.TrimSpace(c.Endpoint)
	if endpoint == "" {
		return errors.New("config: reputation.endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("config: reputation.endpoint invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("config: reputation.endpoint scheme unsupported: %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("config: reputation.endpoint host required")
	}
	if parsed.User != nil {
		return errors.New("config: reputation.endpoint must not carry credentials")
	}
	timeout, err := time.ParseDuration(strings.TrimSpace(c.Timeout))
	if err != nil {
		return fmt.Errorf("config: reputation.timeout invalid: %w", err)
	}
	if timeout <= 0 {
		return fmt.Errorf("config: reputation.timeout must be positive: %s", c.Timeout)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("config: reputation.maxBodyBytes invalid: %d", c.MaxBodyBytes)
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("config: %s invalid: %d", field, port)
	}
	return nil
}

// DefaultConfig returns the baseline values for an unattended gate.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    9090,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: ServerCacheConfig{
				Backend: "memory",
			},
		},
		Proxy: ProxyConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    3128,
			},
			DialTimeout: "15s",
		},
		Reputation: ReputationConfig{
			Endpoint:     "http://127.0.0.1:8081/bleed",
			Timeout:      "10s",
			Expression:   "code == 1",
			MaxBodyBytes: 64 << 10,
		},
		Prompt: PromptConfig{
			Mode:    "deny",
			Title:   "Possible vulnerable host",
			Message: "{{ .Host }} failed the reputation check. Continue anyway?",
		},
	}
}
