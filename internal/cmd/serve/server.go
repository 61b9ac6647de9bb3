package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/plannr/messaging-service/internal/config"
	routesystem "github.com/plannr/messaging-service/internal/plugin/route/system"
	storemetrics "github.com/plannr/messaging-service/internal/plugin/store/metrics"
	registrycounter "github.com/plannr/messaging-service/internal/registry/counter"
	registrymigrate "github.com/plannr/messaging-service/internal/registry/migrate"
	registrynotify "github.com/plannr/messaging-service/internal/registry/notify"
	registryroute "github.com/plannr/messaging-service/internal/registry/route"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"github.com/plannr/messaging-service/internal/sanitize"
	"github.com/plannr/messaging-service/internal/security"
	"github.com/plannr/messaging-service/internal/service"
	"github.com/plannr/messaging-service/internal/spam"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Store      registrystore.MessagingStore
	Service    *service.MessagingService
	Router     *gin.Engine
	Running    *RunningListener
	Management *RunningListener
	stop       context.CancelFunc
}

// Shutdown stops accepting requests, stops background loops and waits for
// in-flight notifications.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.Management != nil {
		err = s.Management.Close(ctx)
	}
	if cerr := s.Running.Close(ctx); cerr != nil {
		err = cerr
	}
	s.stop()
	s.Service.Wait()
	return err
}

// backgroundStarter is implemented by plugins that run a maintenance loop.
type backgroundStarter interface {
	Start(ctx context.Context)
}

func startBackground(ctx context.Context, c registrycounter.CounterStore) {
	if bg, ok := c.(backgroundStarter); ok {
		go bg.Start(ctx)
	}
}

// StartServer initializes all subsystems and starts the HTTP listeners.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting messaging service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"counter", cfg.CounterType,
		"notify", cfg.NotifyType,
		"sanitizer", cfg.SanitizerType,
	)

	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	bgCtx, stop := context.WithCancel(ctx)
	counters, fallback, err := loadCounters(ctx, cfg)
	if err != nil {
		stop()
		return nil, err
	}
	startBackground(bgCtx, fallback)
	if counters != fallback {
		startBackground(bgCtx, counters)
	}

	sanitizer, err := sanitize.New(cfg.SanitizerType)
	if err != nil {
		stop()
		return nil, err
	}
	notifier, err := loadNotifier(ctx, cfg)
	if err != nil {
		stop()
		return nil, err
	}

	svc := service.NewMessagingService(store, sanitizer, spam.NewDetector(counters, fallback), notifier, service.OptionsFromConfig(cfg))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.AccessLogProbes {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	deps := registryroute.Deps{Config: cfg, Service: svc}
	api := router.Group("/v1", security.IdentityMiddleware())
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(api, deps); err != nil {
			stop()
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Management routes get their own engine when a dedicated port is configured.
	var management *RunningListener
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.AccessLogProbes {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		if err := mountManagement(mgmtRouter, deps); err != nil {
			stop()
			return nil, err
		}
		management, err = StartListener("management", cfg.ManagementListener, mgmtRouter)
		if err != nil {
			stop()
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "addr", management.Addr)
	} else if err := mountManagement(router, deps); err != nil {
		stop()
		return nil, err
	}

	go service.NewUndoCleanupService(store, cfg.UndoCleanupInterval).Start(bgCtx)

	running, err := StartListener("main", cfg.Listener, router)
	if err != nil {
		stop()
		if management != nil {
			_ = management.Close(ctx)
		}
		return nil, err
	}
	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Service:    svc,
		Router:     router,
		Running:    running,
		Management: management,
		stop:       stop,
	}, nil
}

func mountManagement(r gin.IRouter, deps registryroute.Deps) error {
	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(r, deps); err != nil {
			return fmt.Errorf("failed to load management routes: %w", err)
		}
	}
	return nil
}

// loadCounters returns the configured counter store and the in-process store
// that answers when it fails. A shared backend that cannot be reached at
// startup degrades to the in-process store alone.
func loadCounters(ctx context.Context, cfg *config.Config) (registrycounter.CounterStore, registrycounter.CounterStore, error) {
	memLoader, err := registrycounter.Select("memory")
	if err != nil {
		return nil, nil, err
	}
	fallback, err := memLoader(ctx)
	if err != nil {
		return nil, nil, err
	}
	if cfg.CounterType == "" || cfg.CounterType == "memory" {
		log.Warn("Spam counters are process-local; limits are enforced per instance")
		return fallback, fallback, nil
	}
	loader, err := registrycounter.Select(cfg.CounterType)
	if err != nil {
		return nil, nil, err
	}
	counters, err := loader(ctx)
	if err != nil {
		log.Warn("Counter store unavailable, using process-local counters", "counter", cfg.CounterType, "err", err)
		security.CounterFallback("connect")
		return fallback, fallback, nil
	}
	return counters, fallback, nil
}

func loadNotifier(ctx context.Context, cfg *config.Config) (registrynotify.Dispatcher, error) {
	loader, err := registrynotify.Select(cfg.NotifyType)
	if err != nil {
		return nil, err
	}
	notifier, err := loader(ctx)
	if err == nil {
		return notifier, nil
	}
	log.Warn("Notifier unavailable, logging events instead", "notify", cfg.NotifyType, "err", err)
	logLoader, lerr := registrynotify.Select("log")
	if lerr != nil {
		return nil, err
	}
	return logLoader(ctx)
}
