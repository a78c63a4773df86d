package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reelclub/reelclub/auth"
	"github.com/reelclub/reelclub/billing"
	"github.com/reelclub/reelclub/db"
	"github.com/reelclub/reelclub/external"
	"github.com/reelclub/reelclub/notifier"
	"github.com/reelclub/reelclub/profile"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
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
	var environment auth.Environment
	var dotFile string
	var err error

	interval := flag.Duration("interval", time.Hour*6, "how often to run the reconciliation sweep")
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	// Determine running environment and initialize structural logger
	env := os.Getenv("ENV")
	if "production" == env {
		dotFile = ".env.production"
		environment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		environment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(environment),
		Debug:       environment == auth.EnvDevelopment,
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
			"component": "sweep",
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

	dbConn, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	amqpNotifier, err := notifier.NewAMQPNotifier(logger, os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpNotifier.Close()

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

	task, err := billing.NewTask(billing.TaskOptions{
		StripeClient: stripeClient,
		Manager:      billingManager,
		Reconciler:   reconciler,
		Logger:       logger,
		Interval:     *interval,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Task",
			zap.Error(err),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		if err := task.Sweep(ctx); err != nil {
			logger.Fatal("Sweep failed",
				zap.Error(err),
			)
		}
		return
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	if err := task.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal("Sweep loop exited",
			zap.Error(err),
		)
	}
}
