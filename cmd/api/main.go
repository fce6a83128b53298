package main

import (
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"os"
	"time"

	"github.com/inkwellhq/inkwell/account"
	"github.com/inkwellhq/inkwell/auth"
	"github.com/inkwellhq/inkwell/billing"
	"github.com/inkwellhq/inkwell/broker"
	"github.com/inkwellhq/inkwell/db"
	"github.com/inkwellhq/inkwell/entitlement"
	"github.com/inkwellhq/inkwell/metrics"
	"github.com/inkwellhq/inkwell/subscription"
	"github.com/inkwellhq/inkwell/webhook"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		authEnvironment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		log.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Error("Cannot initialize zapsentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize backend connections
	dbConn, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	amqpBroker, err := broker.NewAMQPBroker(os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Message Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	gateway, err := billing.NewStripeGateway(billing.StripeOptions{
		Key:           os.Getenv("STRIPE_KEY"),
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize BillingGateway",
			zap.Error(err),
		)
	}

	smtpAuth := smtp.PlainAuth("", os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD"), os.Getenv("SMTP_HOST"))

	authManager, err := auth.New(auth.Options{
		Redis:  rdb,
		Logger: logger,

		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),

		Environment: authEnvironment,
		SMTPAuth:    smtpAuth,
		From:        os.Getenv("SMTP_FROM"),
		Hostname:    os.Getenv("SMTP_HOST") + ":" + os.Getenv("SMTP_PORT"),
		EmailOption: auth.EmailOption{
			Name: os.Getenv("SITE_NAME"),
			LinkGenerator: func(uid, token string) string {
				return fmt.Sprintf("%s/accounts/%s/%s", os.Getenv("SITE_URL"), uid, token)
			},
		},
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	accountManager, err := account.NewManager(logger, dbConn, gateway)
	if err != nil {
		logger.Fatal("Cannot initialize AccountManager",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	reconciler, err := subscription.NewReconciler(subscription.ReconcilerOptions{
		Subscriptions: subscriptionManager,
		Accounts:      accountManager,
		Gateway:       gateway,
		Producer:      amqpBroker,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Reconciler",
			zap.Error(err),
		)
	}

	ledger, err := webhook.NewLedger(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize WebhookLedger",
			zap.Error(err),
		)
	}

	entitlementManager, err := entitlement.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize EntitlementManager",
			zap.Error(err),
		)
	}

	aggregator, err := metrics.NewAggregator(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize MetricsAggregator",
			zap.Error(err),
		)
	}

	accountRouter, err := account.NewService(account.Options{
		Auth:           authManager,
		AccountManager: accountManager,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Account Service Router",
			zap.Error(err),
		)
	}

	subscriptionRouter, err := subscription.NewService(subscription.ServiceOptions{
		Auth:              authManager,
		Accounts:          accountManager,
		Manager:           subscriptionManager,
		Reconciler:        reconciler,
		Gateway:           gateway,
		Logger:            logger,
		CheckoutReturnURL: os.Getenv("SITE_URL") + "/billing/return",
	})
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Service Router",
			zap.Error(err),
		)
	}

	webhookRouter, err := webhook.NewService(webhook.ServiceOptions{
		Gateway:    gateway,
		Ledger:     ledger,
		Reconciler: reconciler,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Webhook Service Router",
			zap.Error(err),
		)
	}

	entitlementRouter, err := entitlement.NewService(entitlement.ServiceOptions{
		Auth:    authManager,
		Manager: entitlementManager,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Entitlement Service Router",
			zap.Error(err),
		)
	}

	metricsRouter, err := metrics.NewService(metrics.ServiceOptions{
		Auth:       authManager,
		Aggregator: aggregator,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Metrics Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{os.Getenv("SITE_URL")},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	rootRouter.Mount("/accounts", accountRouter.Router())
	rootRouter.Mount("/subscriptions", subscriptionRouter.Router())
	rootRouter.Mount("/plans", subscriptionRouter.PlanRouter())
	rootRouter.Mount("/access", entitlementRouter.Router())
	rootRouter.Mount("/metrics", metricsRouter.Router())
	rootRouter.Mount("/billing", webhookRouter.Router())

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    ":" + os.Getenv("API_PORT"),
	}

	logger.Info("API listening",
		zap.String("Addr", srv.Addr),
	)

	log.Fatalln(srv.ListenAndServe())
}
