package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	appconfig "github.com/paivaedu632/ema-sub000/libs/config"
	"github.com/paivaedu632/ema-sub000/libs/auth"
	"github.com/paivaedu632/ema-sub000/libs/health"
	"github.com/paivaedu632/ema-sub000/libs/httpmiddleware"
	"github.com/paivaedu632/ema-sub000/libs/kafka"
	"github.com/paivaedu632/ema-sub000/libs/logging"
	libmetrics "github.com/paivaedu632/ema-sub000/libs/metrics"
	"github.com/paivaedu632/ema-sub000/libs/trace"

	"github.com/paivaedu632/ema-sub000/internal/book"
	"github.com/paivaedu632/ema-sub000/internal/config"
	"github.com/paivaedu632/ema-sub000/internal/engine"
	"github.com/paivaedu632/ema-sub000/internal/fees"
	"github.com/paivaedu632/ema-sub000/internal/handlers"
	"github.com/paivaedu632/ema-sub000/internal/ledger"
	"github.com/paivaedu632/ema-sub000/internal/ratelimit"
	"github.com/paivaedu632/ema-sub000/internal/rates"
	"github.com/paivaedu632/ema-sub000/internal/txrecord"
)

func main() {
	appConfigPath := flag.String("config", "config.yaml", "path to the shared application config")
	engineConfigPath := flag.String("engine-config", "exchange.yaml", "path to the engine config")
	flag.Parse()

	if err := run(*appConfigPath, *engineConfigPath); err != nil {
		fmt.Fprintf(os.Stderr, "exchange: %v\n", err)
		os.Exit(1)
	}
}

func run(appConfigPath, engineConfigPath string) error {
	appCfg, err := appconfig.Load(appConfigPath)
	if err != nil {
		return fmt.Errorf("load app config: %w", err)
	}
	cfg, err := config.Load(engineConfigPath)
	if err != nil {
		return fmt.Errorf("load engine config: %w", err)
	}

	logger := logging.NewLogger(appCfg.LogLevel, appCfg.ServiceName, appCfg.Env)

	shutdownTracer, err := trace.InitTracer(appCfg.ServiceName, appCfg.Env)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error("shutdown tracer", "error", err)
		}
	}()

	if appCfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	libmetrics.Register(registry)

	engineMetrics := engine.NewMetrics()
	engineMetrics.Register(registry)

	healthMgr := health.NewManager(false)

	pair, err := engine.NewPair(cfg.Pair.Base, cfg.Pair.Quote)
	if err != nil {
		return fmt.Errorf("configure pair: %w", err)
	}

	var (
		ledgerStore ledger.Store
		txStore     txrecord.Store
		pool        *pgxpool.Pool
	)
	switch cfg.Storage.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err = pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		cancel()
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		ledgerStore = ledger.NewPostgresStore(pool)
		txStore = txrecord.NewPostgresStore(pool)
		logger.Info("storage ready", "driver", "postgres")
	default:
		ledgerStore = ledger.NewMemoryStore()
		txStore = txrecord.NewMemoryStore()
		logger.Info("storage ready", "driver", "memory")
	}

	var publisher txrecord.Publisher
	if cfg.Kafka.Enabled {
		producerMetrics := kafka.NewProducerMetrics(registry)
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, producerMetrics)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.DeadLetterTopic, logger)
		logger.Info("kafka producer ready", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.TradesTopic)
	}

	feeEntries := make([]fees.Entry, 0, len(cfg.Fees))
	for _, f := range cfg.Fees {
		feeEntries = append(feeEntries, fees.Entry{
			Operation: fees.Operation(f.Operation),
			Currency:  f.Currency,
			Bps:       f.Bps,
		})
	}
	feeSchedule, err := fees.NewSchedule(feeEntries)
	if err != nil {
		return fmt.Errorf("configure fees: %w", err)
	}

	reference := rates.StaticSource{}
	for currency, raw := range cfg.Rates.Reference {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("reference rate for %s: %w", currency, err)
		}
		reference[currency] = rate
	}

	offerBook := book.New(ledgerStore)
	validator := rates.NewValidator(offerBook, cfg.RateWindow())
	recorder := txrecord.NewRecorder(txStore, publisher, cfg.Kafka.TradesTopic, logger)

	feeAccount, err := uuid.Parse(cfg.Accounts.FeeAccount)
	if err != nil {
		return fmt.Errorf("accounts.fee_account: %w", err)
	}
	treasury := uuid.Nil
	if cfg.Accounts.Treasury != "" {
		treasury, err = uuid.Parse(cfg.Accounts.Treasury)
		if err != nil {
			return fmt.Errorf("accounts.treasury: %w", err)
		}
	}

	eng, err := engine.New(engine.Config{
		Pair:         pair,
		Ledger:       ledgerStore,
		Book:         offerBook,
		Fees:         feeSchedule,
		Validator:    validator,
		Reference:    reference,
		Recorder:     recorder,
		Transactions: txStore,
		Metrics:      engineMetrics,
		Logger:       logger,
		FeeAccount:   feeAccount,
		Treasury:     treasury,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	router := gin.New()
	router.Use(
		httpmiddleware.RequestID(),
		trace.Middleware(appCfg.ServiceName),
		httpmiddleware.Logger(logger),
		httpmiddleware.Recovery(logger),
	)
	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(healthMgr))
	router.GET(appCfg.MetricsPath, gin.WrapH(libmetrics.Handler(registry)))

	api := router.Group("/v1")
	api.Use(auth.Middleware([]byte(cfg.Auth.JWTSecret)))
	if cfg.RateLimit.Enabled {
		limiter, limiterClose, err := buildLimiter(cfg.RateLimit, appCfg.Env, logger)
		if err != nil {
			return fmt.Errorf("build rate limiter: %w", err)
		}
		defer func() {
			_ = limiterClose()
		}()
		api.Use(ratelimit.Middleware(limiter, logger))
	}
	handlers.New(eng, logger).RegisterRoutes(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appCfg.HTTP.Host, appCfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  appCfg.HTTP.ReadTimeout,
		WriteTimeout: appCfg.HTTP.WriteTimeout,
		IdleTimeout:  appCfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", server.Addr, "pair", pair.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	healthMgr.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	healthMgr.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// buildLimiter prefers a redis-backed limiter so the window is shared
// across replicas. Outside prod a redis outage degrades to an in-process
// limiter instead of refusing to start.
func buildLimiter(cfg config.RateLimitConfig, env string, logger *slog.Logger) (ratelimit.Limiter, func() error, error) {
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if env == "dev" || env == "test" {
				logger.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
				return ratelimit.NewMemory(cfg.Limit, cfg.Window()), func() error { return nil }, nil
			}
			return nil, nil, err
		}

		return ratelimit.NewRedis(client, cfg.Limit, cfg.Window(), cfg.Redis.Prefix), client.Close, nil
	}

	return ratelimit.NewMemory(cfg.Limit, cfg.Window()), func() error { return nil }, nil
}
