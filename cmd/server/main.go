package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/metrics"
	"github.com/brlx/trading-engine/internal/notify"
	"github.com/brlx/trading-engine/internal/orders"
	"github.com/brlx/trading-engine/internal/quote"
	"github.com/brlx/trading-engine/internal/report"
	"github.com/brlx/trading-engine/internal/store"
	"github.com/brlx/trading-engine/internal/trade"
	"github.com/brlx/trading-engine/internal/worker"
)

func main() {
	// Local dev convenience; a missing .env is fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize stores ---
	var st store.Store
	var ost store.OrderStore
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		st, ost = pg, pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		mem := store.NewMemoryStore()
		st, ost = mem, mem
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Quote service ---
	var cache quote.Cache
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cache = quote.NewRedisCache(rdb, 30*time.Second)
		slog.Info("Redis quote cache enabled")
	} else {
		cache = quote.NewMemoryCache(30 * time.Second)
	}

	var provider quote.Provider
	if os.Getenv("QUOTE_PROVIDER") == "stub" {
		provider = quote.NewStubProvider(
			decimal.RequireFromString("500000"),
			decimal.RequireFromString("499000"),
		)
		slog.Warn("using stub quote provider")
	} else {
		provider = quote.NewMercadoBitcoinProvider(os.Getenv("QUOTE_PROVIDER_URL"))
	}
	quoteSvc := quote.NewService(cache, provider)

	// --- Core services ---
	pipeline := orders.NewPipeline(st, ost, quoteSvc, notify.LogNotifier{})

	reportSvc, err := report.NewService(st, quoteSvc, os.Getenv("REPORT_TIMEZONE"))
	if err != nil {
		slog.Error("invalid REPORT_TIMEZONE", "err", err)
		os.Exit(1)
	}

	poolSize := 16
	if raw := os.Getenv("WORKER_POOL_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			slog.Error("invalid WORKER_POOL_SIZE", "value", raw)
			os.Exit(1)
		}
		poolSize = n
	}
	dispatcher, err := worker.NewDispatcher(pipeline, poolSize)
	if err != nil {
		slog.Error("dispatcher init failed", "err", err)
		os.Exit(1)
	}
	defer dispatcher.Close()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Snapshot collector ---
	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	collector, err := worker.NewCollector(st, quoteSvc, os.Getenv("REPORT_TIMEZONE"))
	if err != nil {
		slog.Error("collector init failed", "err", err)
		os.Exit(1)
	}
	collector.OnQuote = wsHub.BroadcastQuote
	go collector.Run(collectorCtx)

	// --- Trade service ---
	tradeSvc := trade.NewService(pipeline, reportSvc, quoteSvc, dispatcher, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", tradeSvc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	stopCollector()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}
