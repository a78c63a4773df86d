package main

import (
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"net/smtp"
	"os"
	"time"

	"github.com/reelclub/reelclub/auth"
	"github.com/reelclub/reelclub/billing"
	"github.com/reelclub/reelclub/db"
	"github.com/reelclub/reelclub/external"
	"github.com/reelclub/reelclub/notifier"
	"github.com/reelclub/reelclub/profile"
	"github.com/reelclub/reelclub/user"

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
	env := os.Getenv("ENV")
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
		log.Fatal("Cannot initialize zapsentry",
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

	stripeClient := external.NewStripeClient(os.Getenv("STRIPE_KEY"))

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

	amqpNotifier, err := notifier.NewAMQPNotifier(logger, os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpNotifier.Close()

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
				return fmt.Sprintf("%s/users/%s/%s", os.Getenv("SITE_URL"), uid, token)
			},
		},
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	userManager, err := user.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize UserManager",
			zap.Error(err),
		)
	}

	profileManager, err := profile.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize ProfileManager",
			zap.Error(err),
		)
	}

	billingManager, err := billing.NewManager(billing.ManagerOptions{
		StripeClient:       stripeClient,
		DB:                 dbConn,
		Logger:             logger,
		CheckoutSuccessURL: os.Getenv("SITE_URL") + "/premium/welcome",
		CheckoutCancelURL:  os.Getenv("SITE_URL") + "/premium",
		PortalReturnURL:    os.Getenv("SITE_URL") + "/settings",
	})
	if err != nil {
		logger.Fatal("Cannot initialize BillingManager",
			zap.Error(err),
		)
	}

	provisioner, err := billing.NewProvisioner(billing.ProvisionerOptions{
		StripeClient: stripeClient,
		Manager:      billingManager,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Provisioner",
			zap.Error(err),
		)
	}

	resolver, err := billing.NewResolver(logger, billingManager.MappingStores()...)
	if err != nil {
		logger.Fatal("Cannot initialize Resolver",
			zap.Error(err),
		)
	}

	reconciler, err := billing.NewReconciler(billing.ReconcilerOptions{
		Manager:        billingManager,
		ProfileManager: profileManager,
		Resolver:       resolver,
		Notifier:       amqpNotifier,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Reconciler",
			zap.Error(err),
		)
	}

	webhook, err := billing.NewWebhook(billing.WebhookOptions{
		Secret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Reconciler: reconciler,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Webhook",
			zap.Error(err),
		)
	}

	userRouter, err := user.NewService(user.ServiceOptions{
		Auth:           authManager,
		UserManager:    userManager,
		ProfileManager: profileManager,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize User Service Router",
			zap.Error(err),
		)
	}

	profileRouter, err := profile.NewService(profile.ServiceOptions{
		ProfileManager: profileManager,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Profile Service Router",
			zap.Error(err),
		)
	}

	billingRouter, err := billing.NewService(billing.ServiceOptions{
		Provisioner: provisioner,
		Manager:     billingManager,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Billing Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{os.Getenv("SITE_URL")},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	rootRouter.Mount("/users", userRouter.Router())
	rootRouter.Mount("/webhooks", webhook.Router())

	rootRouter.Group(func(r chi.Router) {
		r.Use(authManager.Middleware())
		r.Mount("/profiles", profileRouter.Router())
		r.Mount("/billing", billingRouter.Router())
	})

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    ":42069",
	}

	logger.Info("API listening",
		zap.String("Addr", srv.Addr),
	)

	log.Fatalln(srv.ListenAndServe())
}
