package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/booth-dispatch/internal/config"
	"github.com/example/booth-dispatch/internal/dispatch"
	"github.com/example/booth-dispatch/internal/geo"
	httpapi "github.com/example/booth-dispatch/internal/http"
	"github.com/example/booth-dispatch/internal/ingest"
	"github.com/example/booth-dispatch/internal/logging"
	"github.com/example/booth-dispatch/internal/match"
	"github.com/example/booth-dispatch/internal/models"
	"github.com/example/booth-dispatch/internal/ride"
	"github.com/example/booth-dispatch/internal/storage"
	"github.com/example/booth-dispatch/internal/sweeper"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var (
		requests storage.RequestStore
		riders   storage.RiderStore
		booths   storage.BoothStore
		logs     storage.LogStore
	)
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN)
		}
		pg, err := storage.NewPostgres(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		requests, riders, booths, logs = pg.Requests(), pg.Riders(), pg.Booths(), pg.Logs()
	} else {
		mem := storage.NewMemoryStore()
		requests = mem
		riders = storage.Riders{MemoryStore: mem}
		booths = storage.Booths{MemoryStore: mem}
		logs = mem
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.BoothsFile != "" {
		if err := seedBooths(ctx, booths, cfg.BoothsFile); err != nil {
			logger.Warn("booth seed failed", "file", cfg.BoothsFile, "error", err)
		}
	}

	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
	}

	var producer *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	registry := dispatch.NewRegistry(logger)

	matchSvc := match.NewService(ggeo, requests, riders, booths, registry, logger)
	matchSvc.OfferTimeout = cfg.OfferTimeout
	matchSvc.MaxDistanceMeters = cfg.MaxDistanceMeters
	matchSvc.TopN = cfg.SelectorTopN
	go matchSvc.Run(ctx)

	rideSvc := ride.NewService(requests, riders, logs, registry, logger, cfg.ReviewThresholdM)

	sw := sweeper.New(requests, matchSvc, logger, cfg.SweepInterval, cfg.OverallTimeout)
	go sw.Run(ctx)

	iot := dispatch.NewIoTServer(registry, coreAPI{match: matchSvc, ride: rideSvc}, logger)
	go func() {
		if err := iot.Serve(ctx, cfg.IoTAddr); err != nil {
			logger.Error("iot listener stopped", "error", err)
		}
	}()

	api := httpapi.NewServer(matchSvc, rideSvc, requests, riders, ggeo, registry, producer, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("booth-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// coreAPI exposes the rider-facing core to the raw-socket transport.
type coreAPI struct {
	match *match.Service
	ride  *ride.Service
}

func (c coreAPI) Connected(ctx context.Context, riderID string) error {
	return c.match.Connected(ctx, riderID)
}

func (c coreAPI) Disconnected(ctx context.Context, riderID string) error {
	return c.match.Disconnected(ctx, riderID)
}

func (c coreAPI) Accept(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	return c.match.Accept(ctx, requestID, riderID)
}

func (c coreAPI) Reject(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	return c.match.Reject(ctx, requestID, riderID)
}

func (c coreAPI) Pickup(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	return c.ride.Pickup(ctx, requestID, riderID)
}

func (c coreAPI) Dropoff(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	req, _, err := c.ride.Dropoff(ctx, requestID, riderID)
	return req, err
}

func runMigrations(dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	log.Printf("migration applied: 001_create_dispatch.sql")
}

func seedBooths(ctx context.Context, store storage.BoothStore, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var list []models.Booth
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for i := range list {
		if err := store.Put(ctx, &list[i]); err != nil {
			return err
		}
	}
	return nil
}
