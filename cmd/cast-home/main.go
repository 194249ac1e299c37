package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"cast-go-home/internal/cast"
	"cast-go-home/internal/discovery"
	"cast-go-home/internal/store"
	"cast-go-home/internal/supervisor"
	"cast-go-home/internal/timer"
	"cast-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Device struct {
		Name           string        `yaml:"name"`
		AdvertisedName string        `yaml:"advertised_name"`
		SwitchOffDelay time.Duration `yaml:"switch_off_delay"`
	} `yaml:"device"`
	Discovery struct {
		Service         string        `yaml:"service"`
		Domain          string        `yaml:"domain"`
		RestartInterval time.Duration `yaml:"restart_interval"`
		QueryInterval   time.Duration `yaml:"query_interval"`
	} `yaml:"discovery"`
	Reconnect struct {
		Interval    time.Duration `yaml:"interval"`
		MaxAttempts int           `yaml:"max_attempts"`
		WarmStart   *bool         `yaml:"warm_start"`
	} `yaml:"reconnect"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
		Cleanup     bool   `yaml:"cleanup"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path         string `yaml:"path"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Device.Name) == "" {
		return fmt.Errorf("device.name is required")
	}
	if c.Device.SwitchOffDelay < 0 {
		return fmt.Errorf("device.switch_off_delay must not be negative")
	}
	if c.Reconnect.Interval <= 0 {
		return fmt.Errorf("reconnect.interval must be positive, got %s", c.Reconnect.Interval)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Discovery.RestartInterval <= 0 {
		return fmt.Errorf("discovery.restart_interval must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Store.HistoryLimit < 0 {
		return fmt.Errorf("store.history_limit must not be negative")
	}
	return nil
}

func (c *Config) warmStart() bool {
	return c.Reconnect.WarmStart == nil || *c.Reconnect.WarmStart
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("cast-go-home starting", "version", version, "device", cfg.Device.Name)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	clock := timer.Real()
	events := supervisor.NewEventBus(logger)

	recorder := store.NewRecorder(db, cfg.Device.Name, cfg.Store.HistoryLimit, logger)
	unsubRecorder := recorder.Attach(events)
	defer unsubRecorder()
	recCtx, recCancel := context.WithCancel(context.Background())
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		recorder.Run(recCtx)
	}()

	sup := supervisor.New(supervisor.Config{
		Name:              cfg.Device.Name,
		SwitchOffDelay:    cfg.Device.SwitchOffDelay,
		ReconnectInterval: cfg.Reconnect.Interval,
		MaxReconnects:     cfg.Reconnect.MaxAttempts,
	}, cast.NewChromecastDialer(logger), clock, events, logger)

	restoreDevice(db, sup, cfg, logger)

	scanner := discovery.NewMDNSScanner(cfg.Discovery.Domain, cfg.Discovery.QueryInterval, logger)
	watcher := discovery.NewWatcher(scanner, sup, clock, discovery.WatcherConfig{
		Service:         cfg.Discovery.Service,
		TargetName:      cfg.Device.AdvertisedName,
		RestartInterval: cfg.Discovery.RestartInterval,
	}, logger)
	sup.SetRediscoverer(watcher)

	supCtx, supCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sup.Run(supCtx)
	}()
	go func() {
		defer wg.Done()
		watcher.Run(supCtx)
	}()

	// Automation engine is a no-op when built with the no_automation tag.
	auto, autoWebOpts := initAutomation(sup, cfg, clock, logger)

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithHistory(db),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(sup, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT bridge is a no-op when built with the no_mqtt tag.
	mqtt := initMQTT(sup, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	auto.Stop()

	// Stop discovery and the supervisor first so the final disconnect still
	// reaches MQTT and the history recorder.
	supCancel()
	wg.Wait()

	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	recCancel()
	<-recDone
	return nil
}

// restoreDevice seeds the supervisor from the last stored identity and volume.
func restoreDevice(db store.Store, sup *supervisor.Supervisor, cfg *Config, logger *slog.Logger) {
	dev, err := db.GetDevice(cfg.Device.Name)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Warn("load stored device", "err", err)
		return
	}
	if dev.Volume != nil {
		sup.RestoreVolume(*dev.Volume)
	}
	if cfg.warmStart() {
		sup.Resume(dev.Identity())
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Device.AdvertisedName == "" {
		cfg.Device.AdvertisedName = cfg.Device.Name
	}
	if cfg.Discovery.Service == "" {
		cfg.Discovery.Service = discovery.DefaultService
	}
	if cfg.Discovery.Domain == "" {
		cfg.Discovery.Domain = "local"
	}
	if cfg.Discovery.RestartInterval == 0 {
		cfg.Discovery.RestartInterval = discovery.DefaultRestartInterval
	}
	if cfg.Discovery.QueryInterval == 0 {
		cfg.Discovery.QueryInterval = 10 * time.Second
	}
	if cfg.Reconnect.Interval == 0 {
		cfg.Reconnect.Interval = supervisor.DefaultReconnectInterval
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = supervisor.DefaultMaxReconnects
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "cast-home.db"
	}
	if cfg.Store.HistoryLimit == 0 {
		cfg.Store.HistoryLimit = 1000
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "cast2mqtt"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
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
