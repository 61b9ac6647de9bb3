package config

import (
	"context"
	"strings"
	"time"
)

// ListenerConfig holds the network settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the messaging service.
type Config struct {
	// Database
	DBURL  string
	DBName string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "mongo" or "memory"

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Redis, shared by the counter and notify plugins.
	RedisURL string

	// Spam counter backend type
	CounterType string // "redis" or "memory"

	// Notification dispatcher type
	NotifyType string // "redis", "log" or "none"

	// NotifyTimeout bounds a single fire-and-forget dispatch.
	NotifyTimeout time.Duration

	// Sanitizer implementation
	SanitizerType string // "html" or "regex"

	// Spam detection
	SpamRateLimit       int
	SpamRateWindow      time.Duration
	SpamDuplicateWindow time.Duration
	SpamMaxURLs         int
	// SpamKeywords is a comma-separated list of case-insensitive keywords.
	SpamKeywords string
	// SpamSweepInterval controls how often the in-process counters evict expired entries.
	SpamSweepInterval time.Duration

	// QuotaFailOpen allows an action when its quota cannot be evaluated.
	QuotaFailOpen bool

	// Messaging rules
	EditWindow          time.Duration
	UndoWindow          time.Duration
	UndoCleanupInterval time.Duration

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Server
	Listener ListenerConfig
	// ManagementListener serves health and metrics on a dedicated port when
	// ManagementListenerEnabled is set.
	ManagementListener        ListenerConfig
	ManagementListenerEnabled bool
	// AccessLogProbes enables HTTP access logging for /health, /ready and /metrics.
	AccessLogProbes bool

	// CORS
	CORSEnabled bool
	CORSOrigins string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DBName:                  "messaging",
		DatastoreType:           "mongo",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		CounterType:             "memory",
		NotifyType:              "log",
		NotifyTimeout:           5 * time.Second,
		SanitizerType:           "html",
		SpamRateLimit:           30,
		SpamRateWindow:          time.Minute,
		SpamDuplicateWindow:     5 * time.Second,
		SpamMaxURLs:             5,
		SpamKeywords:            DefaultSpamKeywords,
		SpamSweepInterval:       time.Minute,
		QuotaFailOpen:           true,
		EditWindow:              15 * time.Minute,
		UndoWindow:              30 * time.Second,
		UndoCleanupInterval:     time.Minute,
		MetricsLabels:           "service=messaging-service",
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			Port:              9090,
			EnablePlainText:   true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:  1024 * 1024,
		DrainTimeout: 30,
	}
}

// DefaultSpamKeywords seeds the keyword check.
const DefaultSpamKeywords = "viagra,casino,lottery winner,free money,crypto giveaway,wire transfer,western union,click here to claim"

// Keywords returns the parsed, lower-cased spam keyword list.
func (c *Config) Keywords() []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, k := range strings.Split(c.SpamKeywords, ",") {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out = append(out, k)
		}
	}
	return out
}
