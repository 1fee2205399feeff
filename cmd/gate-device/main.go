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
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-admission/internal/cache"
	"ms-admission/internal/config"
	"ms-admission/internal/credential"
	"ms-admission/internal/kafka"
	"ms-admission/internal/ledgerclient"
	"ms-admission/internal/logger"
	"ms-admission/internal/reconcile"
	"ms-admission/internal/scanner"
	scannerapi "ms-admission/internal/scanner/api"
	"ms-admission/internal/utils"
)

func openCache(path string) *bun.DB {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		log.Fatalf("[Cache] Failed to open local store: %v", err)
	}
	// One writer at a time keeps sqlite happy on gate hardware.
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New())
}

func main() {
	_ = godotenv.Load() // Loads .env file if present

	cfg := config.Load()
	appLogger := logger.NewLogger("gate-device")
	defer appLogger.Close()

	if cfg.Device.EventID == "" {
		appLogger.Fatal("CONFIG", "DEVICE_EVENT_ID not set")
	}
	deviceID := cfg.Device.DeviceID
	if deviceID == "" {
		deviceID = utils.GenerateDeviceID()
		appLogger.Warn("CONFIG", "DEVICE_ID not set, generated "+deviceID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bunDB := openCache(cfg.Device.CachePath)
	defer bunDB.Close()
	if err := cache.CreateSchema(ctx, bunDB); err != nil {
		appLogger.Fatal("CACHE", "schema setup failed: "+err.Error())
	}

	client := ledgerclient.New(cfg.Device.LedgerURL, cfg.Device.ScanTimeout)
	cacheDB := &cache.DB{Bun: bunDB}
	cacheSvc := cache.NewService(cacheDB, client, appLogger, deviceID, cfg.Device.EventID, cfg.Device.CacheTTL)

	// Best-effort initial roster pull; the device still boots offline.
	if err := cacheSvc.SyncRoster(ctx); err != nil {
		appLogger.Warn("CACHE", "initial roster sync failed: "+err.Error())
	}

	engine := scanner.NewEngine(client, cacheSvc, appLogger, deviceID, cfg.Device.OnlineRetries, cfg.Device.ScanTimeout)
	if cfg.Device.RemoteVerify {
		engine.Verifier = credential.NewRemoteVerifier(cfg.Device.LedgerURL, nil)
	}
	if cfg.Device.PublishEvents {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.ScanEvents)
		defer producer.Close()
		engine.Producer = producer
	}

	worker := reconcile.NewWorker(cacheDB, client, appLogger, deviceID)
	worker.Retention = time.Duration(cfg.Device.RetentionDays) * 24 * time.Hour
	go worker.Run(ctx, cfg.Device.SyncInterval)

	handler := scannerapi.NewHandler(engine, cacheSvc, worker)

	r := chi.NewRouter()
	r.Post("/scan", handler.Scan)
	r.Post("/sync/run", handler.SyncNow)
	r.Post("/roster/refresh", handler.RefreshRoster)
	r.Get("/status", handler.Status)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		appLogger.Info("SERVER", "Gate device on "+cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("SERVER", "HTTP error: "+err.Error())
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = server.Shutdown(ctxShutdown)
	appLogger.Info("SERVER", "Gate device shutdown complete")
}
