package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/subscout/subscout/internal/classify"
	"github.com/subscout/subscout/internal/config"
	"github.com/subscout/subscout/internal/detect"
	"github.com/subscout/subscout/internal/gmail"
	"github.com/subscout/subscout/internal/ledger"
	"github.com/subscout/subscout/internal/merge"
	"github.com/subscout/subscout/internal/notify"
	"github.com/subscout/subscout/internal/pkg/distlock"
	"github.com/subscout/subscout/internal/repository/postgres"
	"github.com/subscout/subscout/internal/scan"
	"github.com/subscout/subscout/internal/unsubscribe"
	"github.com/subscout/subscout/internal/vault"
	"github.com/subscout/subscout/internal/worker"
)

func main() {
	log.Println("Starting subscout worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifeMins) * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	sessionRepo := postgres.NewScanSessionRepo(db)
	refRepo := postgres.NewMessageRefRepo(db)
	subRepo := postgres.NewSubscriptionRepo(db)
	actionRepo := postgres.NewActionRepo(db)
	activityRepo := postgres.NewActivityRepo(db)
	credRepo := postgres.NewCredentialRepo(db)

	activityLedger := ledger.New(activityRepo)

	tokenVault, err := vault.New(credRepo, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Vault.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize credential vault: %v", err)
	}

	mailSource := gmail.NewClient(cfg.Gmail.BaseURL, cfg.Gmail.PageSize,
		time.Duration(cfg.Gmail.TimeoutSeconds)*time.Second)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Bedrock.Region))
	if err != nil {
		log.Fatalf("Failed to load AWS config: %v", err)
	}
	throttle := classify.NewRateLimiter(redisClient,
		cfg.Bedrock.RatePerSecond, cfg.Bedrock.RatePerMinute, cfg.Bedrock.DailyLimit)
	classifier := classify.New(bedrockruntime.NewFromConfig(awsCfg), throttle, classify.Config{
		ModelID:     cfg.Bedrock.ModelID,
		MaxTokens:   cfg.Bedrock.MaxTokens,
		Temperature: cfg.Bedrock.Temperature,
		Timeout:     time.Duration(cfg.Bedrock.TimeoutSeconds) * time.Second,
	})

	merger := merge.New(subRepo, activityLedger, merge.Config{
		CreationThreshold: cfg.Detection.CreationThreshold,
		PriceTolerancePct: cfg.Detection.PriceTolerancePct,
	})

	canceller := unsubscribe.New(actionRepo, subRepo, activityLedger, unsubscribe.Config{
		Timeout:            time.Duration(cfg.Unsubscribe.TimeoutSeconds) * time.Second,
		ConfirmationWindow: time.Duration(cfg.Unsubscribe.ConfirmationWindowDays) * 24 * time.Hour,
	})

	scanner := scan.New(sessionRepo, refRepo, mailSource, tokenVault,
		detect.NewExtractor(), classifier, merger, activityLedger, scan.Config{
			SearchQuery:             cfg.Gmail.SearchQuery,
			RuleConfidenceThreshold: cfg.Detection.RuleConfidenceThreshold,
			MaxFetchRetries:         cfg.Scan.MaxFetchRetries,
			BackoffBase:             time.Duration(cfg.Scan.BackoffBaseMs) * time.Millisecond,
			BackoffMax:              time.Duration(cfg.Scan.BackoffMaxMs) * time.Millisecond,
			DefaultWindowYears:      cfg.Scan.DefaultWindowYears,
		})
	// Running scans confirm pending cancellations opportunistically.
	scanner.SetConfirmationMatcher(canceller)

	poll := time.Duration(cfg.Workers.PollIntervalSeconds) * time.Second
	sessionRunner := worker.NewSessionRunner(sessionRepo, scanner,
		distlock.New(redisClient, db, "scan:sweep", 5*time.Minute),
		cfg.Workers.ScanWorkers, poll)
	actionRunner := worker.NewActionRunner(actionRepo, canceller,
		distlock.New(redisClient, db, "unsubscribe:sweep", 5*time.Minute),
		cfg.Workers.ActionWorkers, poll)

	var mailer worker.ReminderMailer
	if cfg.Reminders.Enabled {
		sender, err := notify.NewSender(context.Background(), cfg.Reminders.SESRegion, cfg.Reminders.FromEmail)
		if err != nil {
			log.Fatalf("Failed to initialize reminder sender: %v", err)
		}
		mailer = sender
		log.Println("Renewal reminder emails enabled")
	}
	reminders := worker.NewReminderWorker(subRepo, credRepo, mailer, activityLedger,
		distlock.New(redisClient, db, "reminders:sweep", 5*time.Minute),
		cfg.Reminders.LeadDays, 6*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, start := range []func(context.Context){
		sessionRunner.Start,
		actionRunner.Start,
		reminders.Start,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(start)
	}
	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	wg.Wait()
	if err := redisClient.Close(); err != nil {
		log.Printf("Redis close error: %v", err)
	}
	log.Println("Worker stopped")
}
