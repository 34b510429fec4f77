package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/anicoll/hass-automation/internal/pkg/config"
	"github.com/anicoll/hass-automation/internal/pkg/database"
	"github.com/anicoll/hass-automation/internal/pkg/database/migration"
	"github.com/anicoll/hass-automation/internal/pkg/mqtt"
	"github.com/anicoll/hass-automation/internal/pkg/publisher"
	"github.com/anicoll/hass-automation/internal/pkg/transport"
	"github.com/anicoll/hass-automation/pkg/dispatch"
	"github.com/anicoll/hass-automation/pkg/hass"
	"github.com/anicoll/hass-automation/pkg/state"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errCron        = errors.New("cron error")
	errSyncTimeout = errors.New("timed out waiting for namespace sync")
)

// RunCommand keeps every configured namespace in sync and records state history
// until the process is interrupted.
func RunCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync() // flushes buffer, if any.
	}()
	zap.ReplaceGlobals(logger)
	cfg.CheckAccessKeys(logger, time.Now())

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var history History
	if cfg.DatabaseURL != "" {
		if err := migration.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		history = db
	}

	storeOpts := []func(*state.Store){state.WithLogger(logger)}
	var registry *publisher.Registry
	if history != nil {
		registry = publisher.NewRegistry(publisher.WithLogger(logger))
		if err := registry.RegisterPublisher("postgres", history); err != nil {
			return err
		}
		storeOpts = append(storeOpts, state.WithObserver(registry))
	}
	store := state.New(storeOpts...)
	defer store.Close()

	transports, err := newTransports(cfg, store, dispatch.New(logger))
	if err != nil {
		return err
	}

	err = run(ctx, cfg, transports, registry, history, logger)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func run(ctx context.Context, cfg *config.Config, transports map[string]Transport, registry *publisher.Registry, history History, logger *zap.Logger) error {
	errorChan := make(chan error, 100)
	eg, ctx := errgroup.WithContext(ctx)

	if registry != nil {
		eg.Go(func() error {
			return registry.Run(ctx)
		})
	}
	if history != nil {
		eg.Go(func() error {
			return cronDbCleanup(ctx, history, cfg.CleanupSchedule, cfg.HistoryRetention, errorChan)
		})
	}

	for name, t := range transports {
		eg.Go(func() error {
			if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("namespace %s: %w", name, err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		// handle any async errors from the background jobs
		for {
			select {
			case err := <-errorChan:
				if errors.Is(err, errCron) {
					logger.Error("cron error", zap.Error(err))
					return err
				}
				logger.Warn("background error", zap.Error(err))
			case <-ctx.Done():
				logger.Info("context done")
				return ctx.Err()
			}
		}
	})

	return eg.Wait()
}

func cronDbCleanup(ctx context.Context, history History, schedule string, retention time.Duration, errChan chan error) error {
	cleanup := func() error {
		deleted, err := history.Cleanup(ctx, retention)
		if err != nil {
			return err
		}
		zap.L().Info("cleaned up state history", zap.Int64("deleted", deleted))
		return nil
	}
	if err := cleanup(); err != nil {
		return err
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := cleanup(); err != nil {
			zap.L().Error("error cleaning up database", zap.Error(err))
			errChan <- fmt.Errorf("%w: %w", errCron, err)
		}
	}); err != nil {
		return err
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	logCfg := zap.NewProductionConfig()

	var err error
	logCfg.Level, err = zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	logCfg.OutputPaths = []string{"stderr"}
	logCfg.ErrorOutputPaths = []string{"stderr"}
	logCfg.Sampling = nil
	return logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
}

// loadConfig reads the environment, then lets explicitly set flags win.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("namespaces-file") {
		cfg.NamespacesFile = c.String("namespaces-file")
	}
	if c.IsSet("default-namespace") {
		cfg.DefaultNamespace = c.String("default-namespace")
	}
	if c.IsSet("hass-url") {
		cfg.Hub.BaseURL = c.String("hass-url")
	}
	if c.IsSet("hass-key") {
		cfg.Hub.AccessKey = c.String("hass-key")
	}
	if c.IsSet("timeout") {
		cfg.Hub.Timeout = c.Duration("timeout")
	}
	if c.IsSet("database-url") {
		cfg.DatabaseURL = c.String("database-url")
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func endpoint(ns *config.NamespaceConfig) dispatch.Endpoint {
	return dispatch.Endpoint{
		BaseURL:      ns.BaseURL,
		AccessKey:    ns.AccessKey,
		AccessHeader: ns.AccessHeader,
		TLSVerify:    ns.TLSVerify,
		CertPath:     ns.CertPath,
		Timeout:      ns.Timeout,
	}
}

// newTransports builds one transport per configured namespace.
func newTransports(cfg *config.Config, store *state.Store, client *dispatch.Client) (map[string]Transport, error) {
	transports := make(map[string]Transport, len(cfg.Namespaces))
	for _, name := range cfg.NamespaceNames() {
		ns := cfg.Namespaces[name]
		switch ns.Kind {
		case config.KindHub:
			transports[name] = transport.NewHub(name, endpoint(ns), store, client,
				transport.WithReconnectDelay(ns.ReconnectDelay),
			)
		case config.KindMqtt:
			transports[name] = mqtt.New(name, mqtt.Config{
				Host:     ns.MqttHost,
				Username: ns.MqttUser,
				Password: ns.MqttPass,
				ClientID: cfg.AppName + "-" + name,
				Prefix:   ns.TopicPrefix,
			}, store, mqtt.WithEndpoint(endpoint(ns)))
		default:
			return nil, fmt.Errorf("%w: namespace %s has unknown kind %q", config.ErrInvalidConfig, name, ns.Kind)
		}
	}
	return transports, nil
}

func newHass(cfg *config.Config, store *state.Store, transports map[string]Transport, client *dispatch.Client, logger *zap.Logger) *hass.Hass {
	opts := []func(*hass.Hass){
		hass.WithName(cfg.AppName),
		hass.WithDefaultNamespace(cfg.DefaultNamespace),
		hass.WithDispatcher(client),
		hass.WithLogger(logger),
	}
	for name, t := range transports {
		opts = append(opts, hass.WithTransport(name, t))
	}
	return hass.New(store, opts...)
}

// waitReady blocks until t finished its first sync.
func waitReady(ctx context.Context, t Transport, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.Ready():
		return nil
	case <-timer.C:
		return errSyncTimeout
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
