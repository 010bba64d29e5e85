package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mailtriage/mailtriage/classifier"
	"github.com/mailtriage/mailtriage/config"
	"github.com/mailtriage/mailtriage/db"
	"github.com/mailtriage/mailtriage/engine"
	"github.com/mailtriage/mailtriage/ingest"
	"github.com/mailtriage/mailtriage/logger"
	"github.com/mailtriage/mailtriage/pkg/retry"
	"github.com/mailtriage/mailtriage/provider"
	"github.com/mailtriage/mailtriage/server/httpapi"
	"github.com/mailtriage/mailtriage/subscription"
)

func main() {
	// Initialize with application defaults
	cfg := config.NewDefault()

	// --- Define Command-Line Flags ---
	// These flags will override values from the config file if set.
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	// Logging flags
	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stderr', 'stdout', or file path (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: debug, info, warn, error (overrides config)")

	// Database flags
	fDbHost := flag.String("dbhost", cfg.Database.Host, "Database host (overrides config)")
	fDbPort := flag.String("dbport", cfg.Database.Port, "Database port (overrides config)")
	fDbUser := flag.String("dbuser", cfg.Database.User, "Database user (overrides config)")
	fDbPassword := flag.String("dbpassword", cfg.Database.Password, "Database password (overrides config)")
	fDbName := flag.String("dbname", cfg.Database.Name, "Database name (overrides config)")
	fDbTLS := flag.Bool("dbtls", cfg.Database.TLSMode, "Enable TLS for database connection (overrides config)")
	fDbLogQueries := flag.Bool("dblogqueries", cfg.Database.LogQueries, "Log all database queries (overrides config)")

	// Gmail flags
	fGmailCredentials := flag.String("gmailcredentials", cfg.Gmail.CredentialsFile, "OAuth client credentials file (overrides config)")
	fGmailTokenDir := flag.String("gmailtokendir", cfg.Gmail.TokenDir, "Per-user OAuth token directory (overrides config)")
	fGmailTopic := flag.String("gmailtopic", cfg.Gmail.PubSubTopic, "Pub/Sub topic for push notifications (overrides config)")

	// HTTP API flags
	fAPIAddr := flag.String("apiaddr", cfg.HTTPAPI.Addr, "HTTP API listen address (overrides config)")
	fAPIKey := flag.String("apikey", cfg.HTTPAPI.APIKey, "HTTP API bearer key (overrides config)")

	flag.Parse()

	// --- Load Configuration from TOML File ---
	// Values from the TOML file override the application defaults; flags
	// set on the command line override both.
	loaded, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if isFlagSet("config") {
				log.Fatalf("Error: Specified configuration file '%s' not found: %v", *configPath, err)
			}
			log.Printf("WARNING: Default configuration file '%s' not found. Using application defaults and command-line flags.", *configPath)
		} else {
			log.Fatalf("Error parsing configuration file '%s': %v", *configPath, err)
		}
	} else {
		cfg = loaded
		log.Printf("Loaded configuration from %s", *configPath)
	}

	// --- Apply Command-Line Flag Overrides ---
	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}
	if isFlagSet("dbhost") {
		cfg.Database.Host = *fDbHost
	}
	if isFlagSet("dbport") {
		cfg.Database.Port = *fDbPort
	}
	if isFlagSet("dbuser") {
		cfg.Database.User = *fDbUser
	}
	if isFlagSet("dbpassword") {
		cfg.Database.Password = *fDbPassword
	}
	if isFlagSet("dbname") {
		cfg.Database.Name = *fDbName
	}
	if isFlagSet("dbtls") {
		cfg.Database.TLSMode = *fDbTLS
	}
	if isFlagSet("dblogqueries") {
		cfg.Database.LogQueries = *fDbLogQueries
	}
	if isFlagSet("gmailcredentials") {
		cfg.Gmail.CredentialsFile = *fGmailCredentials
	}
	if isFlagSet("gmailtokendir") {
		cfg.Gmail.TokenDir = *fGmailTokenDir
	}
	if isFlagSet("gmailtopic") {
		cfg.Gmail.PubSubTopic = *fGmailTopic
	}
	if isFlagSet("apiaddr") {
		cfg.HTTPAPI.Addr = *fAPIAddr
	}
	if isFlagSet("apikey") {
		cfg.HTTPAPI.APIKey = *fAPIKey
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// --- Initialize Logging ---
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT and SIGTERM for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received shutdown signal", "signal", sig.String())
		cancel()
	}()

	// Initialize the database connection
	logger.Info("Connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port, "name", cfg.Database.Name)
	database, err := db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to the database", "error", err)
	}
	defer database.Close()

	// Provider gateway
	gateway, err := provider.NewGmailGateway(cfg.Gmail)
	if err != nil {
		logger.Fatal("Failed to initialize Gmail gateway", "error", err)
	}

	// Classifier is optional; a nil suggester disables suggestions.
	var suggester engine.Suggester
	if cfg.Classifier.Enabled {
		svc, err := classifier.NewService(cfg.Classifier, database)
		if err != nil {
			logger.Fatal("Failed to initialize classifier", "error", err)
		}
		suggester = svc
		logger.Info("Classifier enabled", "endpoint", cfg.Classifier.Endpoint)
	}

	retryCfg := retryConfig(cfg.Automation)

	ruleEngine := engine.New(database, gateway, suggester, retryCfg)

	safetyMargin, err := cfg.Automation.GetRenewalSafetyMargin()
	if err != nil {
		logger.Fatal("Invalid automation renewal_safety_margin duration", "error", err)
	}
	checkInterval, err := cfg.Automation.GetRenewalCheckInterval()
	if err != nil {
		logger.Fatal("Invalid automation renewal_check_interval duration", "error", err)
	}

	watchManager := subscription.NewManager(database, gateway, safetyMargin, retryCfg)

	renewalWorker := subscription.NewRenewalWorker(watchManager, database, checkInterval)
	renewalWorker.Start(ctx)
	defer renewalWorker.Stop()

	pipeline := ingest.NewPipeline(database, gateway, ruleEngine, retryCfg)
	dispatcher := ingest.NewDispatcher(ctx, pipeline)

	errChan := make(chan error, 1)

	if cfg.HTTPAPI.Start {
		go httpapi.Start(ctx, httpapi.ServerOptions{
			Config:   cfg.HTTPAPI,
			Engine:   ruleEngine,
			Watches:  watchManager,
			Rules:    database,
			Notifier: dispatcher,
		}, errChan)
	} else {
		logger.Warn("HTTP API server disabled; no notifications will be received")
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errChan:
		logger.Fatal("Server error", "error", err)
	}

	// Let in-flight ingestion passes finish before closing the pool.
	dispatcher.Wait()
}

func retryConfig(cfg config.AutomationConfig) retry.BackoffConfig {
	retryCfg := retry.DefaultBackoffConfig()
	if v, err := cfg.GetRetryInitialInterval(); err == nil {
		retryCfg.InitialInterval = v
	}
	if v, err := cfg.GetRetryMaxInterval(); err == nil {
		retryCfg.MaxInterval = v
	}
	retryCfg.Multiplier = cfg.GetRetryMultiplier()
	retryCfg.MaxRetries = cfg.GetRetryMaxAttempts()
	return retryCfg
}

// isFlagSet checks if a flag was explicitly set on the command line
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
