package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/plannr/messaging-service/internal/config"
	registrycounter "github.com/plannr/messaging-service/internal/registry/counter"
	registrynotify "github.com/plannr/messaging-service/internal/registry/notify"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"github.com/plannr/messaging-service/internal/sanitize"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/plannr/messaging-service/internal/plugin/counter/memory"
	_ "github.com/plannr/messaging-service/internal/plugin/counter/redis"
	_ "github.com/plannr/messaging-service/internal/plugin/notify/log"
	_ "github.com/plannr/messaging-service/internal/plugin/notify/none"
	_ "github.com/plannr/messaging-service/internal/plugin/notify/redis"
	_ "github.com/plannr/messaging-service/internal/plugin/route/bulk"
	_ "github.com/plannr/messaging-service/internal/plugin/route/conversations"
	_ "github.com/plannr/messaging-service/internal/plugin/route/messages"
	_ "github.com/plannr/messaging-service/internal/plugin/route/system"
	_ "github.com/plannr/messaging-service/internal/plugin/store/memory"
	_ "github.com/plannr/messaging-service/internal/plugin/store/mongo"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	readHeaderTimeoutSecs := 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the messaging service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListener.TLSCertFile = cfg.Listener.TLSCertFile
			cfg.ManagementListener.TLSKeyFile = cfg.Listener.TLSKeyFile
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file; a self-signed certificate is generated when unset",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes (0 disables the limit)",
		},
		&cli.BoolFlag{
			Name:        "access-log-probes",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ACCESS_LOG_PROBES"),
			Destination: &cfg.AccessLogProbes,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Answer CORS preflight requests and set CORS response headers",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed origins; empty allows any origin",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics; when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for the management server",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL (required for mongo)",
		},
		&cli.StringFlag{
			Name:        "db-name",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_NAME"),
			Destination: &cfg.DBName,
			Value:       cfg.DBName,
			Usage:       "Database name",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Minimum number of pooled database connections",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Create collections and indexes on startup",
		},

		// ── Redis ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Redis:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL shared by the redis counter and notify backends",
		},
		&cli.StringFlag{
			Name:        "counter-kind",
			Category:    "Redis:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_COUNTER_KIND"),
			Destination: &cfg.CounterType,
			Value:       cfg.CounterType,
			Usage:       "Spam counter backend (" + strings.Join(registrycounter.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "notify-kind",
			Category:    "Redis:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_NOTIFY_KIND"),
			Destination: &cfg.NotifyType,
			Value:       cfg.NotifyType,
			Usage:       "Notification dispatcher (" + strings.Join(registrynotify.Names(), "|") + ")",
		},
		&cli.DurationFlag{
			Name:        "notify-timeout",
			Category:    "Redis:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_NOTIFY_TIMEOUT"),
			Destination: &cfg.NotifyTimeout,
			Value:       cfg.NotifyTimeout,
			Usage:       "Timeout for a single notification dispatch",
		},

		// ── Content ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "sanitizer-kind",
			Category:    "Content:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SANITIZER_KIND"),
			Destination: &cfg.SanitizerType,
			Value:       cfg.SanitizerType,
			Usage:       "Content sanitizer (" + sanitize.KindHTML + "|" + sanitize.KindRegex + ")",
		},
		&cli.IntFlag{
			Name:        "spam-rate-limit",
			Category:    "Content:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SPAM_RATE_LIMIT"),
			Destination: &cfg.SpamRateLimit,
			Value:       cfg.SpamRateLimit,
			Usage:       "Messages a sender may send per rate window",
		},
		&cli.DurationFlag{
			Name:        "spam-rate-window",
			Category:    "Content:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SPAM_RATE_WINDOW"),
			Destination: &cfg.SpamRateWindow,
			Value:       cfg.SpamRateWindow,
			Usage:       "Rate limit window",
		},
		&cli.DurationFlag{
			Name:        "spam-duplicate-window",
			Category:    "Content:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SPAM_DUPLICATE_WINDOW"),
			Destination: &cfg.SpamDuplicateWindow,
			Value:       cfg.SpamDuplicateWindow,
			Usage:       "Window in which identical content from one sender is rejected",
		},
		&cli.IntFlag{
			Name:        "spam-max-urls",
			Category:    "Content:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SPAM_MAX_URLS"),
			Destination: &cfg.SpamMaxURLs,
			Value:       cfg.SpamMaxURLs,
			Usage:       "Links allowed in one message before it is penalized",
		},
		&cli.StringFlag{
			Name:        "spam-keywords",
			Category:    "Content:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SPAM_KEYWORDS"),
			Destination: &cfg.SpamKeywords,
			Value:       cfg.SpamKeywords,
			Usage:       "Comma-separated case-insensitive spam keywords",
		},
		&cli.DurationFlag{
			Name:        "spam-sweep-interval",
			Category:    "Content:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SPAM_SWEEP_INTERVAL"),
			Destination: &cfg.SpamSweepInterval,
			Value:       cfg.SpamSweepInterval,
			Usage:       "How often in-process spam counters evict expired entries",
		},

		// ── Messaging ─────────────────────────────────────────────
		&cli.BoolFlag{
			Name:        "quota-fail-open",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_QUOTA_FAIL_OPEN"),
			Destination: &cfg.QuotaFailOpen,
			Value:       cfg.QuotaFailOpen,
			Usage:       "Allow an action when its quota cannot be evaluated",
		},
		&cli.DurationFlag{
			Name:        "edit-window",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_EDIT_WINDOW"),
			Destination: &cfg.EditWindow,
			Value:       cfg.EditWindow,
			Usage:       "How long after sending a message may be edited",
		},
		&cli.DurationFlag{
			Name:        "undo-window",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_UNDO_WINDOW"),
			Destination: &cfg.UndoWindow,
			Value:       cfg.UndoWindow,
			Usage:       "How long a bulk delete can be undone",
		},
		&cli.DurationFlag{
			Name:        "undo-cleanup-interval",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_UNDO_CLEANUP_INTERVAL"),
			Destination: &cfg.UndoCleanupInterval,
			Value:       cfg.UndoCleanupInterval,
			Usage:       "How often expired undo snapshots are purged",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		}
		c.Next()
	}
}
