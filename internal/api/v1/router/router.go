package router

import (
	"context"
	"net/http"
	"strings"

	"app/internal/api/v1/handler"
	"app/internal/config"
	"app/internal/middleware"
	"app/internal/pgmq"
	"app/internal/plan"
	"app/internal/pubsub"
	"app/internal/repository"
	"app/internal/service"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsmiddleware "github.com/aws/smithy-go/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// New wires the HTTP API: connection pool, plan catalog, repositories,
// services and handlers. The returned pool is also used by the sweep worker
// when both run in one process.
func New(cfg *config.Config, logger zerolog.Logger) (http.Handler, *pgxpool.Pool, error) {
	logger.Info().Str("environment", cfg.Environment).Msg("Router initialized")

	// 1. Open DB connection pool
	dsn := cfg.DBConnectionString
	// Local Postgres has no TLS; production connection strings carry their
	// own sslmode.
	if cfg.Environment == "development" && !strings.Contains(dsn, "sslmode") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		dsn += separator + "sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create DB connection pool")
		return nil, nil, err
	}
	if err := pool.Ping(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Failed to ping DB")
		return nil, nil, err
	}
	logger.Info().Msg("Database connection successful")

	// 2. Load the plan catalog
	catalog, err := plan.Load(cfg.PlanCatalogPath, cfg.DefaultPlanID)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.PlanCatalogPath).Msg("Failed to load plan catalog")
		return nil, nil, err
	}

	// 3. Initialize validator
	validate := validator.New(validator.WithRequiredStructEnabled())

	// 4. Initialize Pub/Sub publisher for the audit fanout (optional)
	var publisher pubsub.Publisher
	if cfg.GCPProjectID != "" {
		publisher, err = pubsub.NewPublisher(context.Background(), cfg)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create Pub/Sub publisher")
			return nil, nil, err
		}
	}

	// 5. Resolve webhook secrets, preferring Secret Manager when enabled so
	// key rotation does not require a deploy.
	paddleSecret := cfg.PaddleWebhookSecret
	stripeSecret := cfg.StripeWebhookSecret
	var secretSvc service.BillingSecretService
	if cfg.UseSecretsAPI {
		secretSvc, err = service.NewBillingSecretService(context.Background(), cfg)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create billing secret service")
			return nil, nil, err
		}
		if s, err := secretSvc.GetWebhookSecret(context.Background(), "paddle"); err == nil {
			paddleSecret = s
		} else {
			logger.Warn().Err(err).Msg("Falling back to env Paddle webhook secret")
		}
		if s, err := secretSvc.GetWebhookSecret(context.Background(), "stripe"); err == nil {
			stripeSecret = s
		} else {
			logger.Warn().Err(err).Msg("Falling back to env Stripe webhook secret")
		}
	}

	// 6. Initialize repositories & services
	usageRepo := repository.NewUsageRepo(pool)
	subRepo := repository.NewSubscriptionRepo(pool)
	eventRepo := repository.NewBillingEventRepo(pool)

	queue := pgmq.New(pool)

	entitlementSvc := service.NewEntitlementService(subRepo, catalog, logger)
	admissionSvc := service.NewAdmissionService(entitlementSvc, usageRepo, logger)
	usageSvc := service.NewUsageService(usageRepo, entitlementSvc, queue, cfg.UsageRetryQueueName, publisher, cfg.AuditTopic, logger)
	reconcilerSvc := service.NewReconcilerService(subRepo, eventRepo, catalog, publisher, cfg.AuditTopic, validate, logger)

	// 7. Initialize S3 client for usage report exports (optional)
	var exportSvc service.ExportService
	if cfg.S3Bucket != "" {
		s3Config, err := awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
			awsconfig.WithAPIOptions([]func(*awsmiddleware.Stack) error{removeDisableGzip()}),
		)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load S3 config")
			return nil, nil, err
		}
		s3Client := s3.NewFromConfig(s3Config, func(o *s3.Options) {
			if cfg.S3URL != "" {
				o.BaseEndpoint = aws.String(cfg.S3URL)
			}
			o.UsePathStyle = true
		})
		exportSvc = service.NewExportService(usageSvc, entitlementSvc, s3Client, cfg.S3Bucket, logger)
	}

	// 8. Initialize handlers & middleware
	usageHandler := handler.NewUsageHandler(admissionSvc, usageSvc, exportSvc, validate, logger)
	billingHandler := handler.NewBillingHandler(reconcilerSvc, secretSvc, paddleSecret, stripeSecret, validate, logger)
	subscriptionHandler := handler.NewSubscriptionHandler(entitlementSvc, reconcilerSvc, validate, logger)

	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret)

	// 9. Create ServeMux router with the /v1 prefix
	apiV1Mux := http.NewServeMux()
	usageHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	subscriptionHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	billingHandler.RegisterRoutes(apiV1Mux, authMiddleware)

	mux := http.NewServeMux()
	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// 10. Apply CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return middleware.LoggerMiddleware(c.Handler(mux)), pool, nil
}

// removeDisableGzip is a workaround for S3 signature errors with some
// S3-compatible services.
// See: https://github.com/supabase/storage/issues/577
func removeDisableGzip() func(*awsmiddleware.Stack) error {
	return func(stack *awsmiddleware.Stack) error {
		if _, ok := stack.Finalize.Get("DisableAcceptEncodingGzip"); ok {
			_, err := stack.Finalize.Remove("DisableAcceptEncodingGzip")
			return err
		}
		return nil
	}
}
