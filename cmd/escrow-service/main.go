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

	_ "github.com/lib/pq"

	"github.com/slopmachine/escrowd/internal/config"
	"github.com/slopmachine/escrowd/internal/events"
	"github.com/slopmachine/escrowd/internal/httpserver"
	"github.com/slopmachine/escrowd/internal/oracle"
	"github.com/slopmachine/escrowd/internal/service"
	"github.com/slopmachine/escrowd/internal/store"
)

func main() {
	cfg := config.Load()

	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		st = store.NewPGStore(db)
	} else {
		log.Printf("[startup] no database configured, using in-memory ledger")
		st = store.NewMemoryStore()
	}

	var feed oracle.Feed
	if cfg.OracleURL != "" {
		httpFeed, err := oracle.NewHTTPFeed(oracle.HTTPFeedConfig{
			BaseURL: cfg.OracleURL,
			Timeout: 5 * time.Second,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("oracle feed init: %v", err)
		}
		feed = httpFeed
	} else {
		log.Printf("[startup] no oracle configured, using static price %.2f", cfg.OracleStaticPrice)
		feed = oracle.NewStaticFeed(cfg.OracleFeedID, cfg.OracleStaticPrice)
	}
	adapter := oracle.NewAdapter(feed, cfg.OracleFeedID)

	var sinks []events.Notifier
	if len(cfg.KafkaBrokers) > 0 {
		kn, err := events.NewKafkaNotifier(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka init: %v", err)
		}
		defer kn.Close()
		sinks = append(sinks, kn)
	}
	if cfg.WebhookURL != "" {
		wh, err := events.NewWebhookNotifier(cfg.WebhookURL)
		if err != nil {
			log.Fatalf("webhook init: %v", err)
		}
		sinks = append(sinks, wh)
	}
	if cfg.S3Bucket != "" {
		archiver, err := events.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver init: %v", err)
		}
		sinks = append(sinks, archiver)
	}
	var notifier events.Notifier = events.Nop{}
	if len(sinks) > 0 {
		notifier = events.NewMulti(sinks...)
	}
	defer notifier.Close()

	svc := service.New(st, adapter, notifier,
		service.WithMinimumPlatformFee(cfg.MinPlatformFeeUsdCents))
	server := httpserver.New(cfg, svc)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("escrow service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
