package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/chris/offline-ledger/pkg/handlers"
	"github.com/chris/offline-ledger/pkg/interaction"
	"github.com/chris/offline-ledger/pkg/middleware"
	"github.com/chris/offline-ledger/pkg/reconcile"
	"github.com/chris/offline-ledger/pkg/remote"
	"github.com/chris/offline-ledger/pkg/scheduler"
	"github.com/chris/offline-ledger/pkg/storage/sqlite"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	dbPath := os.Getenv("LEDGER_DB_PATH")
	if dbPath == "" {
		dbPath = "ledger.db"
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer store.Close()

	baseURL := os.Getenv("LEDGER_API_URL")
	if baseURL == "" {
		log.Fatal("LEDGER_API_URL environment variable not set")
	}
	tokens := &remote.StaticTokenSource{Value: os.Getenv("LEDGER_API_TOKEN")}
	fetcher := remote.NewHTTPFetcher(baseURL, tokens)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	reconciler := reconcile.New(store, fetcher, logger)

	opts := []scheduler.Option{scheduler.WithSweep(reconciler.SweepTasks)}
	if v := os.Getenv("SYNC_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("Invalid SYNC_CHECK_INTERVAL: %v", err)
		}
		opts = append(opts, scheduler.WithCheckInterval(d))
	}
	if v := os.Getenv("SYNC_LEEWAY_FACTOR"); v != "" {
		k, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Fatalf("Invalid SYNC_LEEWAY_FACTOR: %v", err)
		}
		opts = append(opts, scheduler.WithLeeway(k))
	}

	sched := scheduler.New(reconciler.Refresh, logger, opts...)
	sched.Start(context.Background())
	defer sched.Stop()

	// One refresh shortly after startup.
	sched.Schedule(0, nil)

	handler := handlers.New(store, sched, interaction.NewController(logger))
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(logger))
	router.Mount("/", handler.Routes())

	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Starting server on port %s", port)
	if err := http.ListenAndServe("127.0.0.1:"+port, router); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
