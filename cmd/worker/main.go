package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-digistore/internal/common"
	"github.com/noah-isme/backend-digistore/internal/config"
	"github.com/noah-isme/backend-digistore/internal/events"
	"github.com/noah-isme/backend-digistore/internal/lock"
	"github.com/noah-isme/backend-digistore/internal/notify"
	"github.com/noah-isme/backend-digistore/internal/obs"
	"github.com/noah-isme/backend-digistore/internal/payment"
	"github.com/noah-isme/backend-digistore/internal/queue"
	"github.com/noah-isme/backend-digistore/internal/resilience"
	"github.com/noah-isme/backend-digistore/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "digistore"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, st := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	emailNotifier := notify.EmailNotifier{
		Mail:    common.NopEmailSender{},
		Enabled: cfg.NotifyEmailEnabled,
		From:    cfg.NotifyEmailFrom,
	}
	bus := &events.Bus{
		Store:     st,
		Notifiers: []events.Notifier{emailNotifier},
	}

	providerHTTP := func() *resilience.HTTPClient {
		return &resilience.HTTPClient{
			Client: &http.Client{
				Timeout:   cfg.OutboundTimeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
			Breaker:     resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor),
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitterPercent,
			Timeout:     cfg.OutboundTimeout,
		}
	}
	providers := map[string]payment.Provider{
		"phonepe": payment.PhonePe{
			MerchantID: cfg.PhonePeMerchantID,
			APIKey:     cfg.PhonePeAPIKey,
			SaltKey:    cfg.PhonePeSaltKey,
			SaltIndex:  cfg.PhonePeSaltIndex,
			BaseURL:    cfg.PhonePeBaseURL,
			HTTP:       providerHTTP(),
		},
		"cashfree": payment.Cashfree{
			ClientID:  cfg.CashfreeClientID,
			SecretKey: cfg.CashfreeSecretKey,
			BaseURL:   cfg.CashfreeBaseURL,
			HTTP:      providerHTTP(),
		},
	}

	paymentSvc := &payment.Service{
		Store:           st,
		Providers:       providers,
		DefaultProvider: cfg.PaymentProvider,
		PublicBaseURL:   cfg.PublicBaseURL,
		PurchaseTTL:     cfg.PurchaseTTL,
		VerifyPollDelay: cfg.VerifyPollDelay,
		VerifyMaxPolls:  cfg.VerifyPollMaxAttempts,
		Gate: payment.Gate{
			Store:             st,
			Locker:            lock.Locker{R: redisClient},
			LockTTL:           cfg.FulfillmentLockTTL,
			DefaultContentURL: cfg.FulfillmentTargetURL,
			Events:            bus,
		},
		Events: bus,
		Queue:  &queue.Enqueuer{R: redisClient, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.PurchaseTTL},
	}

	verifyWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              payment.VerifyTaskKind,
		Concurrency:       cfg.EventWorkerConcurrency,
		VisibilityTimeout: envDurationMillis("QUEUE_VISIBILITY_TIMEOUT_MS", 60000),
		RetryBase:         cfg.VerifyPollDelay,
		RetryJitter:       cfg.RetryJitterPercent,
		Logger:            &logger,
		Handler: func(jobCtx context.Context, task queue.Task) error {
			return paymentSvc.HandleVerifyTask(jobCtx, task.Payload)
		},
	}

	sweepInterval := envDurationMillis("PURCHASE_SWEEP_INTERVAL_MS", 300000)
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, err := paymentSvc.ExpireStalePending(ctx, 100)
				if err != nil {
					logger.Error().Err(err).Msg("expire stale purchases")
					continue
				}
				if expired > 0 {
					logger.Info().Int("expired", expired).Msg("stale purchases expired")
				}
			}
		}
	}()

	logger.Info().Msg("worker starting")
	if err := verifyWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, *store.Store) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "digistore-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool, store.New(pool)
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}
