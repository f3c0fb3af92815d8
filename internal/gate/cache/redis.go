package cache

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const (
	defaultRedisNamespace = "hostgate"
	redisScanCount        = 256
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig configures the valkey-backed cache. Keys are scoped to a random
// per-process session so decisions never outlive the process that made them;
// Close removes the session's keys.
type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	TLS       RedisTLSConfig
	TTL       time.Duration
	Namespace string
}

type redisCache struct {
	client valkey.Client
	ttl    time.Duration
	prefix string
}

func NewRedis(cfg RedisConfig) (DecisionCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	session, err := newSessionID()
	if err != nil {
		return nil, err
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = defaultRedisNamespace
	}
	return &redisCache{
		client: client,
		ttl:    cfg.TTL,
		prefix: namespace + ":" + session + ":decision:",
	}, nil
}

func (c *redisCache) Lookup(ctx context.Context, host string) (Decision, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(c.prefix+host).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache: redis get: %w", err)
	}
	raw, err := resp.ToString()
	if err != nil {
		return "", false, fmt.Errorf("cache: redis get string: %w", err)
	}
	decision, err := ParseDecision(raw)
	if err != nil {
		return "", false, err
	}
	return decision, true, nil
}

func (c *redisCache) Record(ctx context.Context, host string, decision Decision) error {
	if !decision.Valid() {
		return fmt.Errorf("cache: record %q: unknown decision %q", host, decision)
	}
	key := c.prefix + host
	var cmd valkey.Completed
	if c.ttl > 0 {
		cmd = c.client.B().Set().Key(key).Value(string(decision)).Px(c.ttl).Build()
	} else {
		cmd = c.client.B().Set().Key(key).Value(string(decision)).Build()
	}
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (c *redisCache) Snapshot(ctx context.Context) (map[string]Decision, error) {
	keys, err := c.sessionKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Decision, len(keys))
	for _, key := range keys {
		host := strings.TrimPrefix(key, c.prefix)
		decision, ok, err := c.Lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		if ok {
			out[host] = decision
		}
	}
	return out, nil
}

func (c *redisCache) Size(ctx context.Context) (int64, error) {
	keys, err := c.sessionKeys(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// Close drops every key written by this session before releasing the client.
func (c *redisCache) Close(ctx context.Context) error {
	defer c.client.Close()
	keys, err := c.sessionKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Do(ctx, c.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

func (c *redisCache) sessionKeys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		cmd := c.client.B().Scan().Cursor(cursor).Match(c.prefix + "*").Count(redisScanCount).Build()
		entry, err := c.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("cache: redis scan: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func newSessionID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cache: session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
