package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/RayIwobi/Ecom-backend/internal/api"
	"github.com/RayIwobi/Ecom-backend/internal/app"
	"github.com/RayIwobi/Ecom-backend/internal/config"
	"github.com/RayIwobi/Ecom-backend/internal/metrics"
	"github.com/RayIwobi/Ecom-backend/internal/store"
	"github.com/RayIwobi/Ecom-backend/pkg/mailer"
	"github.com/RayIwobi/Ecom-backend/pkg/rabbitmq"
)

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, retry worker and scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig(cmd, logger)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServer(cmd.Context(), cfg, migrate, logger)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the database schema before serving")
	return cmd
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func runServer(parent context.Context, cfg config.Config, migrate bool, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := context.WithCancel(parent)
	defer stop()

	metrics.Register()

	dbpool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbpool.Close()
	logger.Info("database connected")

	if migrate {
		if err := store.Migrate(ctx, dbpool); err != nil {
			return err
		}
		logger.Info("schema applied")
	}

	repository := store.NewPostgresRepository(dbpool)
	checks := map[string]api.Pinger{"postgres": repository}

	var claims store.ClaimStore = repository
	if cfg.IdempotencyBackend == config.BackendRedis {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url parse failed: %w", err)
		}
		redisClient := redis.NewClient(redisOptions)
		defer redisClient.Close()

		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancelPing()
		if err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		logger.Info("redis connected", "prefix", cfg.RedisKeyPrefix)

		claims = store.NewRedisClaimStore(redisClient, cfg.RedisKeyPrefix, cfg.ClaimRetention())
		checks["redis"] = redisPinger{client: redisClient}
	}

	smtpMailer, err := mailer.NewSMTPMailer(mailer.Config{
		Host:      cfg.EmailHost,
		Port:      cfg.EmailPort,
		Username:  cfg.EmailUser,
		Password:  cfg.EmailPass,
		TLSPolicy: cfg.EmailTLSPolicy,
		Timeout:   cfg.MailSendTimeout(),
	})
	if err != nil {
		return err
	}
	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.MailSendTimeout())
	if err := smtpMailer.Ping(pingCtx); err != nil {
		logger.Warn("email transporter check failed; notifications may not be delivered", "host", cfg.EmailHost, "error", err)
	} else {
		logger.Info("email transporter is ready to send messages", "host", cfg.EmailHost)
	}
	cancelPing()

	var publisher app.EventPublisher
	var producer *rabbitmq.EventProducer
	if cfg.RabbitMQURL != "" {
		producer, err = rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq producer unavailable; failed notifications wait for the re-drive job", "error", err)
			producer = nil
		} else {
			defer producer.Close()
			publisher = producer
			logger.Info("rabbitmq producer connected")
		}
	} else {
		logger.Info("rabbitmq not configured; failed notifications wait for the re-drive job")
	}

	dispatcher := app.NewDispatcher(repository, smtpMailer, publisher, app.DispatcherConfig{
		FromName:        cfg.MailFromName,
		FromAddress:     cfg.MailFromAddress,
		MerchantAddress: cfg.MerchantNotificationAddr,
		StoreName:       cfg.StoreName,
		CurrencySymbol:  cfg.CurrencySymbol,
		MaxAttempts:     cfg.NotifyMaxAttempts,
		AttemptBackoff:  500 * time.Millisecond,
		SendTimeout:     cfg.MailSendTimeout(),
		StageTimeout:    cfg.NotifyStageTimeout(),
		RetryExchange:   cfg.NotificationRetryExchange,
	}, logger)

	fulfillment := app.NewFulfillmentService(
		repository,
		app.NewGuard(claims, cfg.ClaimStaleWindow()),
		app.NewResolver(repository),
		app.NewFinalizer(repository, cfg.AmountToleranceMinor),
		dispatcher,
		logger,
	)

	if producer != nil {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq consumer unavailable; notification retries are not processed", "error", err)
		} else {
			defer consumer.Close()
			worker := app.NewRetryWorker(repository, dispatcher, cfg.NotificationRetryMaxAttempts, logger)
			err = consumer.ConsumeWithBindings(ctx, cfg.NotificationRetryExchange, cfg.NotificationRetryQueue, 4,
				map[string]rabbitmq.Handler{app.NotificationRetryRoutingKey: worker.HandleRetry})
			if err != nil {
				logger.Warn("failed to start notification retry consumer", "error", err)
			} else {
				logger.Info("notification retry consumer started", "queue", cfg.NotificationRetryQueue)
			}
		}
	}

	jobs := app.NewJobs(repository, claims, dispatcher, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()

	webhookHandler := api.NewWebhookHandler(fulfillment, cfg.StripeWebhookSecret, cfg.WebhookTolerance(), logger)
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           api.NewRouter(webhookHandler, checks, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown logic.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("could not start server", "error", err)
		stop()
		<-scheduler.Stop().Done()
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.NotifyStageTimeout()+5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduled jobs did not finish before shutdown deadline")
	}

	logger.Info("server gracefully stopped")
	return nil
}
