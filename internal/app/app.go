// Package app wires the Relay runtime: config, logging, persistence,
// broker, gateway, and HTTP routes.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"relay/internal/api"
	"relay/internal/attach"
	"relay/internal/auth"
	"relay/internal/broker"
	"relay/internal/metrics"
	"relay/internal/realtime"
	"relay/internal/store"
)

// App owns the wired runtime and its resource lifecycles.
type App struct {
	cfg Config
	log *slog.Logger

	promReg *prometheus.Registry
	metrics *metrics.Metrics

	pool         *pgxpool.Pool
	fallbackPool *pgxpool.Pool
	store        store.Store

	brk      broker.Broker
	registry *realtime.Registry
	gateway  *realtime.Gateway
	api      *api.Handler
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("app: RELAY_JWT_SECRET is required")
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	a := &App{
		cfg:     cfg,
		log:     log,
		promReg: promReg,
		metrics: m,
	}

	if err := a.wire(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.cfg

	// Persistence: Postgres when configured, in-memory otherwise.
	var primary, fallback store.Store
	if cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		primary = store.NewMemory()
	} else {
		pool, err := NewDBPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		a.pool = pool

		pg, err := store.NewPostgres(pool, store.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		if cfg.MigrateOnStart {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		primary = pg
		a.log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

		if cfg.FallbackDatabaseURL != "" {
			fpool, err := NewDBPool(ctx, cfg.FallbackDatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			a.fallbackPool = fpool

			fpg, err := store.NewPostgres(fpool, store.WithSchema(cfg.DBSchema))
			if err != nil {
				return err
			}
			fallback = fpg
			a.log.Info("db.fallback.enabled")
		}
	}
	a.store = primary

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	// Attachment signing is optional; threads without attachments work
	// without it.
	var resolver *attach.Resolver
	if cfg.StorageBaseURL != "" {
		resolver, err = attach.NewResolver(
			cfg.StorageBaseURL,
			cfg.StorageSecret,
			cfg.StorageBuckets,
			&attach.HTTPProber{BaseURL: cfg.StorageBaseURL},
		)
		if err != nil {
			return err
		}
		a.log.Info("attach.enabled", "buckets", cfg.StorageBuckets)
	}

	if cfg.RedisURL == "" {
		a.log.Info("broker.disabled.single_instance")
		a.brk = broker.Local{}
	} else {
		r, err := broker.NewRedis(ctx, a.log, broker.RedisConfig{
			URL:      cfg.RedisURL,
			Stream:   cfg.RedisStream,
			Group:    cfg.RedisGroup,
			Consumer: cfg.InstanceID,
			MaxLen:   cfg.RedisMaxLen,
		})
		if err != nil {
			return err
		}
		a.brk = r
		a.log.Info("broker.enabled.redis_stream", "stream", cfg.RedisStream, "consumer", cfg.InstanceID)
	}

	a.registry = realtime.NewRegistry(a.log, a.metrics)

	pipeline, err := realtime.NewPipeline(realtime.PipelineConfig{
		Log:      a.log,
		Store:    primary,
		Fallback: fallback,
		Registry: a.registry,
		Broker:   a.brk,
		Resolver: resolver,
		Metrics:  a.metrics,
		Origin:   cfg.InstanceID,
	})
	if err != nil {
		return err
	}

	a.gateway, err = realtime.NewGateway(realtime.GatewayConfig{
		Log:      a.log,
		Verifier: verifier,
		Store:    primary,
		Registry: a.registry,
		Pipeline: pipeline,
		Metrics:  a.metrics,

		OriginRequired: cfg.OriginRequired,
		AllowedOrigins: cfg.AllowedOrigins,
		DevInsecure:    cfg.DevInsecure,

		WriteTimeout:    cfg.WSWriteTimeout,
		ReadIdleTimeout: cfg.WSReadIdleTimeout,
		SendQueueSize:   cfg.WSSendQueue,

		HeartbeatInterval: cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  cfg.WSHeartbeatTimeout,

		RateFrames: cfg.WSRateFrames,
		RateWindow: cfg.WSRateWindow,

		SyncLimit: cfg.WSSyncLimit,
	})
	if err != nil {
		return err
	}

	a.api, err = api.New(api.Config{
		Log:      a.log,
		Verifier: verifier,
		Store:    primary,
		Pipeline: pipeline,
		Registry: a.registry,
		Resolver: resolver,
	})
	return err
}

// Run starts the HTTP server and the broker consumer, blocking until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		if !a.cfg.BrokerConsume {
			return
		}
		err := a.brk.Run(runCtx, a.gateway.HandleBrokerEvent)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("broker.run.fail", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(a.routes(), a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "instance_id", a.cfg.InstanceID)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	<-brokerDone
	a.closeResources()

	a.log.Info("server.stopped")
	return runErr
}

func (a *App) closeResources() {
	if a.brk != nil {
		if err := a.brk.Close(); err != nil {
			a.log.Error("broker.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.fallbackPool != nil {
		a.fallbackPool.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
