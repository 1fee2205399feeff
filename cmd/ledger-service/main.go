package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-admission/internal/auth"
	"ms-admission/internal/config"
	"ms-admission/internal/credential"
	"ms-admission/internal/database/migrations"
	"ms-admission/internal/kafka"
	"ms-admission/internal/ledger"
	ledgerapi "ms-admission/internal/ledger/api"
	ledgerdb "ms-admission/internal/ledger/db"
	"ms-admission/internal/ledger/redislock"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

func connectPostgres(cfg *config.Config) *bun.DB {
	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("[Database] Failed to open Postgres: %v", err)
	}
	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	if err := sqldb.Ping(); err != nil {
		log.Fatalf("[Database] Failed to connect to Postgres: %v", err)
	}
	log.Println("[Database] Postgres connection successful")

	return bun.NewDB(sqldb, pgdialect.New())
}

func main() {
	_ = godotenv.Load() // Loads .env file if present

	cfg := config.Load()
	appLogger := logger.NewLogger("ledger-service")
	defer appLogger.Close()

	if cfg.Credential.SecretKey == "" {
		appLogger.Fatal("CONFIG", "CREDENTIAL_SECRET_KEY not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bunDB := connectPostgres(cfg)
	defer bunDB.Close()

	runner := migrations.NewRunner(bunDB, migrations.DefaultOptions())
	if err := runner.RunMigrations(); err != nil {
		appLogger.Warn("DATABASE", "SQL migrations unavailable, creating schema directly: "+err.Error())
		if err := ledgerdb.CreateSchema(ctx, bunDB); err != nil {
			appLogger.Fatal("DATABASE", "schema setup failed: "+err.Error())
		}
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		appLogger.Fatal("REDIS", "connection failed: "+err.Error())
	}
	locks := redislock.New(redisClient)

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, []string{
			cfg.Kafka.Topics.ScanEvents,
			cfg.Kafka.Topics.FraudSignals,
		}); err != nil {
			appLogger.Warn("KAFKA", "topic bootstrap failed: "+err.Error())
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.ScanEvents)
		defer producer.Close()
	}

	verifier := credential.NewLocalVerifier(cfg.Credential.SecretKey)
	store := &ledgerdb.DB{Bun: bunDB}

	var publisher ledger.ScanEventPublisher
	if producer != nil {
		publisher = producer
	}
	svc := ledger.NewService(store, verifier, locks, publisher, appLogger)

	// Advisory fraud signals flag tickets for staff review; they never gate
	// an admission.
	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.FraudSignals, cfg.Kafka.GroupID)
		defer consumer.Close()
		go consumer.StartFraudSignals(ctx, func(msg models.FraudSignalMessage) {
			svc.HandleFraudSignal(ctx, msg)
		})
	}

	handler := ledgerapi.NewHandler(svc)

	r := chi.NewRouter()

	mount := func(r chi.Router) {
		r.Post("/scan", handler.Scan)
		r.Post("/scan/sync", handler.SyncOfflineScan)
		r.Get("/event/{eventID}/roster", handler.Roster)
		r.Post("/credential/verify", handler.VerifyCredential)
		r.Get("/ticket/{ticketID}", handler.Ticket)
	}

	if cfg.Auth.Enabled {
		middleware, err := auth.Middleware(cfg.Auth.OIDCIssuer)
		if err != nil {
			appLogger.Fatal("AUTH", "OIDC middleware setup failed: "+err.Error())
		}
		r.Group(func(r chi.Router) {
			r.Use(middleware)
			mount(r)
		})
	} else {
		mount(r)
	}

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		appLogger.Info("SERVER", "Admission ledger on "+cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("SERVER", "HTTP error: "+err.Error())
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = server.Shutdown(ctxShutdown)
	appLogger.Info("SERVER", "Ledger service shutdown complete")
}
