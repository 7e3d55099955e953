// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"tallygate/platform/shared/logger"
)

// Prometheus metrics
var (
	promQuotaChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tallygate_quota_checks_total",
			Help: "Total quota checks by result",
		},
		[]string{"result"},
	)
	promQuotaRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tallygate_quota_records_total",
			Help: "Total quota charges by result",
		},
		[]string{"result"},
	)
	promFlaggedResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tallygate_flagged_responses_total",
			Help: "Responses carrying the abuse flag",
		},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tallygate_request_duration_milliseconds",
			Help:    "Quota endpoint duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(promQuotaChecks)
	prometheus.MustRegister(promQuotaRecords)
	prometheus.MustRegister(promFlaggedResponses)
	prometheus.MustRegister(promRequestDuration)
}

// Run is the exported entry point for the gatekeeper service.
//
// It wires the usage store (PostgreSQL when DATABASE_URL is set, otherwise
// the bounded in-memory store), the optional Redis snapshot cache, the sync
// bus, and the HTTP surface. The function blocks until the server exits.
func Run() {
	lg := logger.New("gatekeeper")

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var (
		store    UsageStore
		settings SettingsStore
		subs     SubscriptionLookup
	)

	if cfg.DatabaseURL != "" {
		db, err := openDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}

		pgStore := NewPostgresUsageStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to prepare usage schema: %v", err)
		}
		cancel()

		store = pgStore
		settings = NewPostgresSettingsStore(db)
		subs = NewPostgresSubscriptionLookup(db)
		lg.Info("", "", "usage store: postgresql", nil)
	} else {
		memStore := NewMemoryUsageStore(
			time.Duration(cfg.RetentionDays)*24*time.Hour,
			time.Duration(cfg.SweepIntervalSeconds)*time.Second,
		)
		defer memStore.Close()

		store = memStore
		settings = StaticSettingsStore{Limit: cfg.WeeklyLimit}
		subs = StaticSubscriptionLookup{}
		lg.Warn("", "", "no DATABASE_URL set, using in-memory usage store (community mode)", nil)
	}

	var cache *SnapshotCache
	if cfg.RedisURL != "" {
		client, err := openRedis(cfg.RedisURL)
		if err != nil {
			lg.Warn("", "", "redis unavailable, snapshot caching disabled", map[string]interface{}{"error": err.Error()})
		} else {
			cache = NewSnapshotCache(client, time.Duration(cfg.SnapshotCacheTTLSeconds)*time.Second)
			lg.Info("", "", "snapshot cache: redis", nil)
		}
	}

	bus := NewClientSyncBus()
	enforcer := NewQuotaEnforcer(store, settings, cache, bus, lg)
	handlers := NewGatewayHandlers(enforcer, subs, store, bus, lg, []byte(cfg.JWTSecret), cfg.AdminToken)

	r := mux.NewRouter()

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health and metrics
	r.HandleFunc("/health", handlers.Health).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	// Quota endpoints
	r.HandleFunc("/api/v1/quota/check", handlers.CheckQuota).Methods("POST")
	r.HandleFunc("/api/v1/quota/record", handlers.RecordUsage).Methods("POST")
	r.HandleFunc("/api/v1/quota/events", handlers.StreamUsageEvents).Methods("GET")

	// Administrative override for the sticky abuse flag
	r.HandleFunc("/api/v1/admin/identities/{key}/unflag", handlers.UnflagIdentity).Methods("POST")

	handler := c.Handler(r)
	log.Printf("TallyGate gatekeeper listening on port %s", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, handler))
}

// openDatabase connects to PostgreSQL and verifies the connection.
func openDatabase(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// openRedis connects to Redis and verifies the connection.
func openRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
