package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/MicahParks/keyfunc"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/amelbenhazem/task-ws-api/api"
	"github.com/amelbenhazem/task-ws-api/config"
	"github.com/amelbenhazem/task-ws-api/domain"
	"github.com/amelbenhazem/task-ws-api/journal"
	"github.com/amelbenhazem/task-ws-api/storage"
	"github.com/amelbenhazem/task-ws-api/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	logger := log.StandardLogger()

	var (
		store domain.Store
		users domain.Directory
	)
	if cfg.StorageConnectionString != "" {
		s, err := storage.New(cfg.StorageConnectionString, cfg.TasksTable, cfg.UsersTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		store, users = s, s
	} else {
		log.Warn("STORAGE_CONNECTION_STRING not set, tasks are kept in memory")
		m := storage.NewMemory()
		store, users = m, m
	}

	var rc *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := config.RedisOptions(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(redisOpts)
		if cfg.TasksCacheTTL > 0 {
			store = storage.NewCache(store, rc, cfg.TasksCacheTTL)
		}
	}

	var auth *api.Auth
	if cfg.JWKSURL != "" {
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, cfg.Audience, cfg.Issuer, cfg.JWKSCacheTTL)
	} else {
		auth = api.NewSharedSecretAuth([]byte(cfg.JWTSecret), cfg.Audience, cfg.Issuer)
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	hub := stream.NewHub(cfg.Scope, cfg.SessionBuffer, logger)
	emitterOpts := []stream.EmitterOption{stream.WithLogger(logger)}
	if rc != nil {
		relay := stream.NewRelay(rc, cfg.StreamChannel, hub, logger)
		go relay.Run(relayCtx)
		emitterOpts = append(emitterOpts, stream.WithRelay(relay))
	}
	var sink *journal.Sink
	if cfg.JournalQueue != "" {
		q, err := journal.NewQueueClient(cfg.StorageConnectionString, cfg.JournalQueue)
		if err != nil {
			log.Fatalf("journal: %v", err)
		}
		sink = journal.New(q, journal.Options{
			Workers:        cfg.JournalWorkers,
			Buffer:         cfg.JournalBuffer,
			EnqueueTimeout: cfg.JournalTimeout,
			HandoffTimeout: cfg.JournalHandoff,
		}, logger)
		emitterOpts = append(emitterOpts, stream.WithJournal(sink))
	}
	emitter := stream.NewEmitter(hub, emitterOpts...)

	svc := domain.NewTaskService(store, users, emitter, domain.WithScope(cfg.Scope))

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  cfg.AllowOrigins,
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key", "If-Match"},
		ExposeHeaders: []string{"ETag"},
	}))
	e.HTTPErrorHandler = api.ErrorHandler
	e.Use(api.RequestDecompression())
	e.Use(echoprometheus.NewMiddleware("tasks"))
	e.GET("/metrics", echoprometheus.NewHandler())

	apiOpts := []api.Option{api.WithSessions(hub)}
	if rc != nil {
		apiOpts = append(apiOpts, api.WithDeduper(api.NewRedisDeduper(rc, cfg.DeduperTTL)))
	}
	api.Register(e, svc, auth, logger, apiOpts...)
	stream.NewHandler(hub, auth, cfg.Heartbeat, logger).Register(e)

	go func() {
		log.WithFields(log.Fields{"addr": cfg.ListenAddr, "scope": cfg.Scope}).Info("tasks api listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"http": func(ctx context.Context) error {
			// Open streams never finish on their own, end them before draining.
			hub.Shutdown()
			err := e.Shutdown(ctx)
			stopRelay()
			if rc != nil {
				err = errors.Join(err, rc.Close())
			}
			return err
		},
		"journal": func(ctx context.Context) error {
			if sink == nil {
				return nil
			}
			return sink.Close(ctx)
		},
	})
	code := <-wait
	log.WithField("code", code).Info("tasks api stopped")
	os.Exit(code)
}
