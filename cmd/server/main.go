package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/subscout/subscout/internal/api"
	"github.com/subscout/subscout/internal/classify"
	"github.com/subscout/subscout/internal/config"
	"github.com/subscout/subscout/internal/detect"
	"github.com/subscout/subscout/internal/gmail"
	"github.com/subscout/subscout/internal/ledger"
	"github.com/subscout/subscout/internal/merge"
	"github.com/subscout/subscout/internal/repository/postgres"
	"github.com/subscout/subscout/internal/scan"
	"github.com/subscout/subscout/internal/unsubscribe"
	"github.com/subscout/subscout/internal/vault"
)

// checkPortAvailable verifies that the target port is not already in use,
// so a stale process does not silently swallow the traffic.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting subscout API server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	port := cfg.Server.Port
	if err := checkPortAvailable(cfg.Server.Host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
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

	// Repositories
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

	scanner := scan.New(sessionRepo, refRepo, mailSource, tokenVault,
		detect.NewExtractor(), classifier, merger, activityLedger, scan.Config{
			SearchQuery:             cfg.Gmail.SearchQuery,
			RuleConfidenceThreshold: cfg.Detection.RuleConfidenceThreshold,
			MaxFetchRetries:         cfg.Scan.MaxFetchRetries,
			BackoffBase:             time.Duration(cfg.Scan.BackoffBaseMs) * time.Millisecond,
			BackoffMax:              time.Duration(cfg.Scan.BackoffMaxMs) * time.Millisecond,
			DefaultWindowYears:      cfg.Scan.DefaultWindowYears,
		})

	canceller := unsubscribe.New(actionRepo, subRepo, activityLedger, unsubscribe.Config{
		Timeout:            time.Duration(cfg.Unsubscribe.TimeoutSeconds) * time.Second,
		ConfirmationWindow: time.Duration(cfg.Unsubscribe.ConfirmationWindowDays) * 24 * time.Hour,
	})

	srv := api.NewServer(cfg.Server, scanner, canceller, subRepo, activityLedger)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()
	log.Printf("API server listening on %s:%d", cfg.Server.Host, port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := redisClient.Close(); err != nil {
		log.Printf("Redis close error: %v", err)
	}
	log.Println("Server stopped")
}
