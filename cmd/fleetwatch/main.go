package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/compare"
	"fleetwatch/internal/devicedata"
	"fleetwatch/internal/fleet"
	"fleetwatch/internal/monitor"
	"fleetwatch/internal/report"
	"fleetwatch/internal/store"
	"fleetwatch/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`
	Cache struct {
		TTL     time.Duration `yaml:"ttl"`
		SideTTL time.Duration `yaml:"side_ttl"`
	} `yaml:"cache"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Monitor struct {
		Interval    time.Duration `yaml:"interval"`
		Concurrency int           `yaml:"concurrency"`
	} `yaml:"monitor"`
	Alerts struct {
		Capacity int    `yaml:"capacity"`
		RulesDir string `yaml:"rules_dir"`
	} `yaml:"alerts"`
	Compare struct {
		MaxDevices int `yaml:"max_devices"`
	} `yaml:"compare"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Monitor.Interval < time.Second {
		return fmt.Errorf("monitor.interval must be at least 1s, got %s", c.Monitor.Interval)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Compare.MaxDevices < 0 || c.Alerts.Capacity < 0 || c.Monitor.Concurrency < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	// A missing .env is fine; the YAML file and process env still apply.
	_ = godotenv.Load()

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("fleetwatch starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Device data client
	var clientOpts []devicedata.ClientOption
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Side cache errors fall through to the upstream.
			logger.Warn("redis unreachable, side cache degraded", "addr", cfg.Redis.Addr, "err", err)
		}
		cancel()
		clientOpts = append(clientOpts, devicedata.WithSideCache(devicedata.NewRedisCache(rdb, cfg.Redis.Prefix)))
	}
	devices := devicedata.NewClient(devicedata.NewAPIClient(devicedata.APIConfig{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
	}), devicedata.Config{
		TTL:     cfg.Cache.TTL,
		SideTTL: cfg.Cache.SideTTL,
	}, logger, clientOpts...)

	events := fleet.NewEventBus(logger)

	// Alert engine with built-in rules plus scripted rules (no-op when built
	// with no_lua tag).
	scripted := initScriptedRules(cfg, logger)
	defer scripted.Close()
	rules := append(alerts.DefaultRules(), scripted.Rules()...)
	alertEngine, err := alerts.NewEngine(rules, alerts.Config{Capacity: cfg.Alerts.Capacity}, logger,
		alerts.WithSink(events))
	if err != nil {
		logger.Error("create alert engine", "err", err)
		os.Exit(1)
	}

	mon := monitor.New(devices, monitor.Config{
		Interval:    cfg.Monitor.Interval,
		Concurrency: cfg.Monitor.Concurrency,
	}, logger, monitor.WithSink(events), monitor.WithStateChange(alertEngine.HandleStateChange))
	mon.Start(context.Background())

	comparer := compare.New(devices, compare.Config{
		MaxDevices:  cfg.Compare.MaxDevices,
		Concurrency: cfg.Monitor.Concurrency,
	}, logger)
	exporter := report.New(devices, report.Config{Concurrency: cfg.Monitor.Concurrency}, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(web.Services{
		Devices: devices,
		Monitor: mon,
		Alerts:  alertEngine,
		Compare: comparer,
		Reports: exporter,
		Store:   db,
	}, events, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(events, alertEngine, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mon.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "fleetwatch.db"
	}
	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = monitor.DefaultInterval
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "fleetwatch"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// applyEnv overrides secrets and endpoints from FLEETWATCH_* variables.
func applyEnv(cfg *Config) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"FLEETWATCH_API_BASE_URL", &cfg.API.BaseURL},
		{"FLEETWATCH_API_TOKEN", &cfg.API.Token},
		{"FLEETWATCH_REDIS_ADDR", &cfg.Redis.Addr},
		{"FLEETWATCH_REDIS_PASSWORD", &cfg.Redis.Password},
		{"FLEETWATCH_WEB_LISTEN", &cfg.Web.Listen},
		{"FLEETWATCH_WEB_API_KEY", &cfg.Web.APIKey},
		{"FLEETWATCH_MQTT_PASSWORD", &cfg.MQTT.Password},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
