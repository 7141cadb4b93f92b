// Package config reads the server configuration from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amelbenhazem/task-ws-api/domain"
)

// Config holds every setting of the task server.
type Config struct {
	ListenAddr      string
	Debug           bool
	LogFormat       string
	Scope           domain.Scope
	AllowOrigins    []string
	ShutdownTimeout time.Duration

	JWTSecret    string
	JWKSURL      string
	Audience     string
	Issuer       string
	JWKSCacheTTL time.Duration

	StorageConnectionString string
	TasksTable              string
	UsersTable              string

	RedisURL      string
	StreamChannel string
	TasksCacheTTL time.Duration
	DeduperTTL    time.Duration

	SessionBuffer int
	Heartbeat     time.Duration

	JournalQueue   string
	JournalWorkers int
	JournalBuffer  int
	JournalTimeout time.Duration
	JournalHandoff time.Duration
}

// Load reads the configuration. Every invalid value is reported, not only
// the first one.
func Load() (Config, error) {
	l := &loader{}
	cfg := Config{
		ListenAddr:      l.envString("LISTEN_ADDR", ":"+l.envString("PORT", "8080")),
		Debug:           l.envBool("DEBUG", false),
		LogFormat:       l.envString("LOG_FORMAT", "text"),
		AllowOrigins:    splitList(l.envString("CORS_ALLOW_ORIGINS", "*")),
		ShutdownTimeout: l.envDur("SHUTDOWN_TIMEOUT", 15*time.Second),

		JWTSecret:    l.envString("JWT_SECRET", ""),
		JWKSURL:      l.envString("AUTH_JWKS_URL", ""),
		Audience:     l.envString("AUTH_AUDIENCE", ""),
		Issuer:       l.envString("AUTH_ISSUER", ""),
		JWKSCacheTTL: l.envDur("JWKS_CACHE_TTL", 15*time.Minute),

		StorageConnectionString: l.envString("STORAGE_CONNECTION_STRING", ""),
		TasksTable:              l.envString("TASKS_TABLE", "Tasks"),
		UsersTable:              l.envString("USERS_TABLE", "Users"),

		RedisURL:      l.envString("REDIS_URL", ""),
		StreamChannel: l.envString("STREAM_CHANNEL", "task-events"),
		TasksCacheTTL: l.envDur("TASKS_CACHE_TTL", 30*time.Second),
		DeduperTTL:    l.envDur("DEDUPER_TTL", 24*time.Hour),

		SessionBuffer: l.envInt("STREAM_SESSION_BUFFER", 64),
		Heartbeat:     l.envDur("STREAM_HEARTBEAT", 25*time.Second),

		JournalQueue:   l.envString("JOURNAL_QUEUE", ""),
		JournalWorkers: l.envInt("JOURNAL_WORKERS", 4),
		JournalBuffer:  l.envInt("JOURNAL_BUFFER", 1024),
		JournalTimeout: l.envDur("JOURNAL_TIMEOUT", 30*time.Second),
		JournalHandoff: l.envDur("JOURNAL_HANDOFF_TIMEOUT", 15*time.Millisecond),
	}

	scope, err := domain.ParseScope(os.Getenv("TASK_VISIBILITY"))
	if err != nil {
		l.fail(err)
	}
	cfg.Scope = scope

	if cfg.JWTSecret == "" && cfg.JWKSURL == "" {
		l.fail(errors.New("JWT_SECRET or AUTH_JWKS_URL must be set"))
	}
	if cfg.JournalQueue != "" && cfg.StorageConnectionString == "" {
		l.fail(errors.New("JOURNAL_QUEUE requires STORAGE_CONNECTION_STRING"))
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		l.fail(fmt.Errorf("invalid LOG_FORMAT %q: want text or json", cfg.LogFormat))
	}
	if cfg.SessionBuffer <= 0 {
		l.fail(errors.New("invalid STREAM_SESSION_BUFFER: must be greater than zero"))
	}
	if cfg.Heartbeat <= 0 {
		l.fail(errors.New("invalid STREAM_HEARTBEAT: must be greater than zero"))
	}
	return cfg, errors.Join(l.errs...)
}

// RedisOptions parses either a redis:// URL or the
// "host:port,password=...,ssl=true" form used by Azure Cache for Redis.
func RedisOptions(raw string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(raw); err == nil {
		return opts, nil
	}
	parts := strings.Split(raw, ",")
	if strings.TrimSpace(parts[0]) == "" || strings.Contains(parts[0], "=") {
		return nil, fmt.Errorf("invalid redis address %q", raw)
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

type loader struct {
	errs []error
}

func (l *loader) fail(err error) { l.errs = append(l.errs, err) }

func (l *loader) envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (l *loader) envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (l *loader) envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		l.fail(fmt.Errorf("invalid %s: %q", key, v))
		return def
	}
	return d
}

func (l *loader) envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
