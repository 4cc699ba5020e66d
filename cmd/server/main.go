package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"errtally/internal/config"
	"errtally/internal/handler"
	"errtally/internal/hub"
	"errtally/internal/logging"
	"errtally/internal/notify"
	"errtally/internal/repository"
	"errtally/internal/repository/memory"
	"errtally/internal/repository/sqlite"
	"errtally/internal/service"
	"errtally/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "config file (default: search $ERRTALLY_CONFIG, ./errtally.yaml, XDG, /etc)")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	initConfig := flag.Bool("init-config", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		if err := writeDefaultConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "errtally: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "errtally: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr string) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	logger.Info("starting errtally", zap.String("config", path), zap.String("summary", cfg.Summary()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	events := service.NewEventBus()
	appSvc := service.NewAppService(store, events, logger)
	if _, err := appSvc.Sync(ctx, cfg.Apps); err != nil {
		return fmt.Errorf("sync apps: %w", err)
	}

	var notifier service.Notifier
	var dispatcher *notify.Dispatcher
	if cfg.Notify.Enabled {
		mailer, err := newMailer(cfg.Notify, logger)
		if err != nil {
			return err
		}
		dispatcher = notify.NewDispatcher(mailer, logger, notify.Options{
			Workers:       cfg.Notify.Workers,
			QueueSize:     cfg.Notify.QueueSize,
			RatePerMinute: cfg.Notify.RatePerMinute,
		})
		dispatcher.Start()
		notifier = dispatcher
	}

	links := service.Links{BaseURL: cfg.Server.BaseURL}
	sseHub := hub.New(logger)

	router := handler.NewRouter(handler.Routes{
		Notices: handler.NewNoticeHandler(
			service.NewNoticeService(store, notifier, events, links, logger),
			links, cfg.Server.MaxBodyBytes, logger,
		),
		Admin: handler.NewAdminHandler(
			service.NewProblemService(store, events, logger),
			service.NewLocator(store),
			appSvc,
			logger,
		),
		Events:     sseHub,
		Metrics:    promhttp.Handler(),
		AdminToken: cfg.Server.AdminToken,
		Logger:     logger.Named("http"),
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sseHub.Run(gctx)
		return nil
	})

	// Connect event bus to SSE hub
	eventChan := make(chan service.Event, 100)
	events.Subscribe(eventChan)
	g.Go(func() error {
		defer events.Unsubscribe(eventChan)
		for {
			select {
			case <-gctx.Done():
				return nil
			case event := <-eventChan:
				sseHub.Broadcast(string(event.Type), event.Payload)
			}
		}
	})

	if path != "" {
		w := watcher.New(path, logger, func() { reloadApps(gctx, path, appSvc, logger) })
		g.Go(func() error {
			if err := w.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Deliver what was queued before the store closes
	if dispatcher != nil {
		if cerr := dispatcher.Close(); cerr != nil {
			logger.Warn("notification dispatcher", zap.Error(cerr))
		}
	}

	logger.Info("server stopped")
	return err
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func writeDefaultConfig(path string) error {
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

func openStore(cfg config.DatabaseConfig) (repository.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	default:
		repo, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", cfg.Path, err)
		}
		return repo, nil
	}
}

func newMailer(cfg config.NotifyConfig, logger *zap.Logger) (notify.Mailer, error) {
	if cfg.WebhookURL == "" {
		return notify.NewLogMailer(logger), nil
	}
	m, err := notify.NewWebhookMailer(logger, notify.WebhookConfig{
		URL:        cfg.WebhookURL,
		Timeout:    cfg.WebhookTimeout,
		MaxRetries: cfg.WebhookMaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook mailer: %w", err)
	}
	return m, nil
}

// reloadApps re-reads the config file and syncs its Apps. A broken file
// leaves the running Apps untouched.
func reloadApps(ctx context.Context, path string, apps *service.AppService, logger *zap.Logger) {
	cfg, _, err := config.LoadFromPath(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logger.Error("config reload failed, keeping current apps", zap.String("path", path), zap.Error(err))
		return
	}
	if _, err := apps.Sync(ctx, cfg.Apps); err != nil {
		logger.Error("app sync failed", zap.Error(err))
	}
}
