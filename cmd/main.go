package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/l0p7/hostgate/internal/config"
	"github.com/l0p7/hostgate/internal/gate"
	"github.com/l0p7/hostgate/internal/gate/cache"
	"github.com/l0p7/hostgate/internal/logging"
	"github.com/l0p7/hostgate/internal/metrics"
	"github.com/l0p7/hostgate/internal/prompt"
	"github.com/l0p7/hostgate/internal/proxy"
	"github.com/l0p7/hostgate/internal/reputation"
	"github.com/l0p7/hostgate/internal/server"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	if len(l.Files()) == 0 {
		return nil, nil
	}
	w, err := l.Loader.Watch(ctx, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{Loader: config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(name string, listen config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(name, listen, logger, handler)
	}
	promptInput  io.Reader = os.Stdin
	promptOutput io.Writer = os.Stderr
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file (yaml, json or toml)")
		envPrefix  = flag.String("env-prefix", "HOSTGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	decisionCache := buildDecisionCache(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)

	client, err := reputation.New(logger, reputation.Options{
		Settings: reputationSettings(cfg.Reputation),
		Coalesce: cfg.Reputation.Coalesce,
		Metrics:  recorder,
	})
	if err != nil {
		_ = decisionCache.Close(context.Background())
		return fmt.Errorf("reputation client: %w", err)
	}

	questions, err := prompt.NewFormatter(cfg.Prompt.Title, cfg.Prompt.Message)
	if err != nil {
		_ = decisionCache.Close(context.Background())
		return fmt.Errorf("prompt templates: %w", err)
	}

	ctrl, err := gate.New(logger, gate.Options{
		Cache:     decisionCache,
		Checker:   client,
		Prompter:  buildPrompter(logger, cfg.Prompt, promptInput, promptOutput),
		Questions: questions,
		Metrics:   recorder,
	})
	if err != nil {
		_ = decisionCache.Close(context.Background())
		return fmt.Errorf("gate: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := ctrl.Close(shutdownCtx); err != nil {
			logger.Error("gate shutdown failed", slog.Any("error", err))
		}
	}()

	watcher, err := loader.Watch(ctx, func(next config.Config) {
		if err := client.Reload(reputationSettings(next.Reputation)); err != nil {
			logger.Error("reputation reload rejected", slog.Any("error", err))
		}
	}, func(err error) {
		if err != nil {
			logger.Error("config watcher error", slog.Any("error", err))
		}
	})
	if err != nil {
		logger.Error("config watcher setup failed", slog.Any("error", err))
	} else if watcher != nil {
		defer watcher.Stop()
	}

	proxyHandler, err := proxy.New(logger, ctrl, proxy.Options{DialTimeout: cfg.Proxy.DialTimeoutDuration()})
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	proxySrv, err := newHTTPServer("proxy", cfg.Proxy.Listen, logger, proxyHandler)
	if err != nil {
		return fmt.Errorf("proxy listener: %w", err)
	}
	adminSrv, err := newHTTPServer("admin", cfg.Server.Listen, logger, server.NewAdminHandler(ctrl, recorder.Handler()))
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return proxySrv.Run(groupCtx) })
	group.Go(func() error { return adminSrv.Run(groupCtx) })
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

func reputationSettings(cfg config.ReputationConfig) reputation.Settings {
	return reputation.Settings{
		Endpoint:     cfg.Endpoint,
		Timeout:      cfg.TimeoutDuration(),
		Expression:   cfg.Expression,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
}

func buildPrompter(logger *slog.Logger, cfg config.PromptConfig, in io.Reader, out io.Writer) prompt.Prompter {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	switch mode {
	case "", "deny":
		return prompt.Static{Answer: prompt.Answer{Proceed: false, Remember: cfg.Remember}}
	case "allow":
		return prompt.Static{Answer: prompt.Answer{Proceed: true, Remember: cfg.Remember}}
	case "terminal":
		if logger != nil {
			logger.Info("escalating flagged hosts to the terminal")
		}
		return prompt.NewTerminal(in, out)
	default:
		if logger != nil {
			logger.Warn("unsupported prompt mode, declining flagged hosts", slog.String("mode", cfg.Mode))
		}
		return prompt.Static{}
	}
}

func buildDecisionCache(logger *slog.Logger, cfg config.ServerCacheConfig) cache.DecisionCache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory decision cache", slog.Duration("ttl", ttl))
		}
		return cache.NewMemory(ttl)
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			TTL: ttl,
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory(ttl)
		}
		if logger != nil {
			logger.Info("using redis decision cache", slog.String("address", cfg.Redis.Address))
		}
		return redisCache
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory(ttl)
	}
}
