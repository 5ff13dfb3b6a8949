package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/taxidispatch/internal/booking/dispatch"
	"github.com/example/taxidispatch/internal/booking/domain"
	bookinghandler "github.com/example/taxidispatch/internal/booking/handler"
	"github.com/example/taxidispatch/internal/booking/registry"
	"github.com/example/taxidispatch/internal/booking/repository"
	"github.com/example/taxidispatch/internal/booking/service"
	"github.com/example/taxidispatch/internal/georoute"
	routehandler "github.com/example/taxidispatch/internal/georoute/handler"
	"github.com/example/taxidispatch/internal/http/middleware"
	outboxworker "github.com/example/taxidispatch/internal/outbox"
	"github.com/example/taxidispatch/pkg/observability"
	outboxpkg "github.com/example/taxidispatch/pkg/outbox"
)

const serviceName = "dispatch-service"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()

	logger := observability.SetupLogger(serviceName, cfg.LogLevel, cfg.Env == "local")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, serviceName, cfg.Version, cfg.TraceStdout)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	var checks []observability.Check

	var db *sqlx.DB
	if cfg.PostgresDSN != "" {
		db, err = sqlx.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		checks = append(checks, observability.Check{Name: "postgres", Fn: db.PingContext})
	}

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer client.Close()
		redisClient = client
		checks = append(checks, observability.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("dispatchservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
			checks = append(checks, observability.Check{Name: "nats", Fn: func(context.Context) error {
				if !conn.IsConnected() {
					return errors.New(conn.Status().String())
				}
				return nil
			}})
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	taxis := buildRegistry(redisClient, cfg)
	store, events := buildStore(ctx, db, natsConn, logger, cfg)
	routes := buildRoutes(ctx, logger, cfg)

	var idem domain.IdempotencyRepository = repository.NewMemoryIdempotencyRepo()
	if redisClient != nil {
		idem = repository.NewRedisIdempotencyRepo(redisClient, cfg.IdempotencyTTL)
	}

	hub := bookinghandler.NewOfferHub(logger)
	engine := dispatch.New(dispatch.Deps{
		Registry: taxis,
		Routes:   routes,
		Store:    store,
		Events:   events,
		Notifier: dispatch.MultiNotifier(hub, outboxpkg.NewOfferNotifier(natsConn)),
		Logger:   logger,
	}, dispatch.Config{
		CandidateLimit: cfg.Candidates,
		OfferTimeout:   cfg.OfferTimeout,
		RouteTimeout:   cfg.RouteTimeout,
	})

	svc := service.New(service.Deps{
		Store:       store,
		Dispatcher:  engine,
		Registry:    taxis,
		Routes:      routes,
		Events:      events,
		Idempotency: idem,
		Logger:      logger,
	})
	hub.Bind(svc)

	if cfg.SeedDemoFleet {
		if _, err := seedDemoFleet(ctx, svc, logger); err != nil {
			logger.Error("seed demo fleet", zap.Error(err))
		}
	}

	limiter := middleware.NewRateLimiter(redisClient,
		middleware.RateConfig{Rate: cfg.RateReadRPS, Burst: cfg.RateReadBurst},
		middleware.RateConfig{Rate: cfg.RateWriteRPS, Burst: cfg.RateWriteBurst},
		logger)
	bookingHTTP := bookinghandler.NewHTTP(svc, bookinghandler.Options{
		JWTSecret: cfg.JWTSecret,
		Limiter:   limiter,
		Offers:    hub,
		Logger:    logger,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, booking API is unauthenticated")
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID, observability.RequestLogger(logger.Named("access")))
	r.Mount("/observability", observability.MetricsRouter(checks...))
	r.Mount("/v1/routes", routehandler.New(routes, vehicleTypes).Router())
	r.Mount("/", bookingHTTP.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		grpcServer = grpc.NewServer(grpc.ChainStreamInterceptor(observability.StreamLogger(logger.Named("grpc"))))
		bookinghandler.RegisterDriverRepliesServer(grpcServer, bookinghandler.NewGRPC(svc, logger))
		go func() {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("grpc server", zap.Error(err))
			}
		}()
	}

	var subscriber *bookinghandler.NATS
	if natsConn != nil {
		subscriber = bookinghandler.NewNATS(natsConn, svc, cfg.NATSQueue, cfg.OfferTimeout*2, logger)
		if err := subscriber.Subscribe(); err != nil {
			logger.Fatal("nats subscribe", zap.Error(err))
		}
	}

	go func() {
		logger.Info("dispatch service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if subscriber != nil {
		subscriber.Unsubscribe()
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatch engine shutdown", zap.Error(err))
	}
}

func buildRegistry(client redis.UniversalClient, cfg appConfig) registry.Registry {
	if client == nil {
		return registry.NewMemoryRegistry(cfg.RadiusKM)
	}
	return registry.NewRedisRegistry(client, "", cfg.RadiusKM)
}

// buildStore picks Postgres when configured. Booking events then go through the outbox
// table and the relay forwards them to NATS; without Postgres they are published to
// NATS directly.
func buildStore(ctx context.Context, db *sqlx.DB, conn *nats.Conn, logger *zap.Logger, cfg appConfig) (domain.BookingStore, domain.EventPublisher) {
	if db == nil {
		var events domain.EventPublisher
		if conn != nil {
			events = outboxpkg.NewPublisher(conn, "booking.events")
		}
		return repository.NewMemoryStore(), events
	}

	pg := repository.NewPostgresStore(db, "booking.events")
	if err := pg.Migrate(ctx); err != nil {
		logger.Fatal("postgres migrate", zap.Error(err))
	}
	if conn != nil {
		worker := outboxworker.NewWorker(db, conn, logger, outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox relay disabled, events stay in postgres")
	}
	return repository.NewRetryingStore(pg, cfg.StoreRetryMax, cfg.StoreBackoff, logger), pg
}

func buildRoutes(ctx context.Context, logger *zap.Logger, cfg appConfig) georoute.Provider {
	tariff := georoute.Tariff{Base: cfg.FareBase, PerKM: cfg.FarePerKM, PerMinute: cfg.FarePerMinute}
	var provider georoute.Provider
	switch cfg.RouteProvider {
	case "osrm":
		provider = georoute.NewOSRMProvider(cfg.OSRMURL, cfg.RouteTimeout, tariff)
	case "google":
		if cfg.GoogleAPIKey == "" {
			logger.Fatal("GOOGLE_MAPS_API_KEY required for the google route provider")
		}
		provider = georoute.NewGoogleProvider(cfg.GoogleAPIKey, cfg.RouteTimeout, tariff)
	default:
		provider = georoute.NewEstimateProvider(cfg.AverageSpeedKPH, tariff)
	}
	logger.Info("route provider", zap.String("provider", cfg.RouteProvider))
	if cfg.RouteCacheTTL <= 0 {
		return provider
	}

	cached := georoute.NewCachedProvider(provider, cfg.RouteCacheTTL, 0)
	go func() {
		ticker := time.NewTicker(cfg.RouteCacheTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := cached.Purge(); n > 0 {
					logger.Debug("route cache purged", zap.Int("entries", n))
				}
			}
		}
	}()
	return cached
}
