// The ingest binary runs the polling pipeline: one poller per configured
// city, continuously fetching, classifying, and reconciling open requests.
// Pipeline metrics are exposed on METRICS_ADDR (default :9090).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civiclens/backend/internal/classify"
	"github.com/civiclens/backend/internal/config"
	"github.com/civiclens/backend/internal/ingest"
	"github.com/civiclens/backend/internal/metrics"
	"github.com/civiclens/backend/internal/open311"
	"github.com/civiclens/backend/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	rdb, err := store.Connect(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	st := store.New(rdb, cfg.RecordTTL)
	fetcher := open311.NewClient(cfg.Cities)
	classifier := classify.NewClient(cfg.OpenAIAPIKey, cfg.Models, cfg.PollInterval)
	m := metrics.New(prometheus.DefaultRegisterer)

	sup := ingest.NewSupervisor(cfg.Cities, fetcher, classifier, st, m, cfg.PollInterval, cfg.PageSize)

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("Metrics listener failed: %v", err)
		}
	}()

	log.Printf("🚀 Ingest pipeline started for %d cities (interval %s)", len(cfg.Cities), cfg.PollInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, stopping pollers...")
	cancel()
	sup.Wait()
	log.Println("All pollers stopped")
}
