package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"qms/antrian-service/internal/config"
	"qms/antrian-service/internal/engine"
	"qms/antrian-service/internal/events"
	"qms/antrian-service/internal/feed"
	"qms/antrian-service/internal/httpapi"
	"qms/antrian-service/internal/logger"
	"qms/antrian-service/internal/ratelimit"
	"qms/antrian-service/internal/realtime"
	"qms/antrian-service/internal/stats"
	"qms/antrian-service/internal/store/postgres"
	"qms/antrian-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "antrian-service"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.DatabaseURL == "" {
		log.Fatal("DB_DSN is required")
	}
	location, err := cfg.Location()
	if err != nil {
		log.Fatal("invalid FACILITY_TIMEZONE", zap.String("timezone", cfg.FacilityTimezone), zap.Error(err))
	}

	shutdownTracing := telemetry.Setup(serviceName, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	st := postgres.NewStore(pool, postgres.Options{})

	var debouncer ratelimit.Debouncer = ratelimit.NewMemoryDebouncer(cfg.CreateDebounce)
	redisClient, err := config.NewRedisClient(ctx, cfg)
	if err != nil {
		log.Warn("redis unavailable, using in-process debounce", zap.Error(err))
	} else if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		debouncer = ratelimit.NewRedisDebouncer(redisClient, "", cfg.CreateDebounce)
	}

	eng := engine.New(st, debouncer, log, engine.Options{
		Location:         location,
		NumberWidth:      cfg.TicketNumberWidth,
		DispatchAttempts: cfg.DispatchMaxAttempts,
		CreateAttempts:   cfg.CreateMaxAttempts,
	})
	recall := engine.NewRecallPolicy(eng, st, cfg.RecallLimit)

	var publisher events.Publisher = events.NewLogPublisher(log)
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			log.Fatal("amqp connect", zap.Error(err))
		}
		publisher = amqpPublisher
	}
	defer func() { _ = publisher.Close() }()

	relay := events.NewRelay(st, publisher, log, events.RelayOptions{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		Settle:       cfg.OutboxSettle,
	})
	displays := realtime.NewHub(log)
	displayRelay := events.NewRelay(st, displays, log, events.RelayOptions{
		Consumer:     "antrian-realtime",
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		Settle:       cfg.OutboxSettle,
	})

	var relays sync.WaitGroup
	for _, r := range []*events.Relay{relay, displayRelay} {
		relays.Add(1)
		go func(r *events.Relay) {
			defer relays.Done()
			r.Run(ctx)
		}(r)
	}

	handler := httpapi.NewHandler(httpapi.Deps{
		Engine:  eng,
		Recall:  recall,
		Feed:    feed.New(st, eng.Today),
		Stats:   stats.NewService(st, eng.Today),
		Tickets: st,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		OperatorPerMinute: cfg.OperatorRateLimitPerMinute,
		OperatorBurst:     cfg.OperatorRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/realtime/", displays.Handler("/realtime"))
	mux.Handle("/", httpapi.OperatorMiddleware(handler.Routes()))

	var root http.Handler = limiter.Middleware(mux)
	root = httpapi.LoggingMiddleware(log, root)
	root = otelhttp.NewHandler(root, serviceName)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("antrian-service listening", zap.String("addr", server.Addr), zap.String("timezone", location.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	relays.Wait()
	_ = displays.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracer shutdown error", zap.Error(err))
	}
}
