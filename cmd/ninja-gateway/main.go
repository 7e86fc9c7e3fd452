// Command ninja-gateway is the HTTP front end for the billing enforcement
// and metering core: it wires the cache layer, object store, stage
// pipeline, and writeback engine around a handful of endpoints decorated
// with billing flags, the way cmd/api wires the rest of the backend's
// components around gorilla/mux.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/backend/internal/billingcore"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/database"
	"github.com/ocx/backend/internal/meterclient"
	"github.com/ocx/backend/internal/middleware"
	"github.com/ocx/backend/internal/objectstore"
)

func main() {
	configPath := getEnvOrDefault("NINJA_CONFIG_PATH", "config/ninja-gateway.yaml")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	tunables := billingcore.Tunables{
		GracePeriodMs:          cfg.Billing.GracePeriodMs,
		CacheTTLMs:             cfg.Billing.CacheTTLMs,
		OrphanExpiringCutoffMs: cfg.Billing.OrphanExpiringCutoffMs,
	}
	billingcore.Configure(tunables)

	var store objectstore.Store
	if cfg.Supabase.URL != "" && cfg.Supabase.ServiceKey != "" {
		client, err := database.NewSupabaseClientFromCredentials(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
		if err != nil {
			log.Fatalf("failed to create Supabase client: %v", err)
		}
		store = objectstore.NewSupabaseStore(client)
		slog.Info("billing object store backed by Supabase")
	} else {
		store = objectstore.NewMemoryStore()
		slog.Warn("SUPABASE_URL/SUPABASE_SERVICE_KEY not set, billing object store is in-memory only")
	}

	metrics := billingcore.NewMetrics()
	cache := billingcore.NewCacheLayer(
		time.Duration(cfg.Billing.CacheTTLMs)*time.Millisecond,
		newLoaders(store),
		slog.Default(),
	).WithMetrics(metrics)

	var meter meterclient.Client = meterclient.NoopClient{}
	if cfg.Stripe.SecretKey != "" {
		meter = meterclient.NewStripeMeterClient(cfg.Stripe.SecretKey, cfg.Stripe.MeterWorkers, slog.Default())
		slog.Info("Stripe meter client active", "workers", cfg.Stripe.MeterWorkers)
	} else {
		slog.Warn("STRIPE_SECRET_KEY not set, PAYG metering disabled")
	}

	pipeline := billingcore.NewStagePipeline(cache, tunables)
	preprocessor := billingcore.NewPreprocessor(pipeline, store, cfg.Server.PrivateBackendMode, slog.Default())
	postprocessor := billingcore.NewPostprocessor()
	writeback := billingcore.NewWritebackEngine(store, cache, meter, slog.Default())

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "ninja-gateway"})
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	billed := func(flags billingcore.Flags, next http.HandlerFunc) http.HandlerFunc {
		return middleware.NewBillingMiddleware(preprocessor, postprocessor, writeback, flags, cfg.Server.PrivateBackendMode).Wrap(next)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	// authorize is the endpoint decorated Billing+Security: permission is
	// actually enforced here, and a denial returns 403.
	api.HandleFunc("/ninja/authorize", billed(
		billingcore.Flags{Security: true, Moniker: "authorize"},
		handleAuthorize,
	)).Methods("POST")

	// syncIds and getNext are decorated Billing+UsageLogging: they run the
	// binding/claiming/dunning stages and log activity, but never enforce
	// a denial themselves.
	api.HandleFunc("/ninja/sync-ids", billed(
		billingcore.Flags{UsageLogging: true, Moniker: "syncIds"},
		handleSyncIDs,
	)).Methods("POST")

	api.HandleFunc("/ninja/next", billed(
		billingcore.Flags{UsageLogging: true, Moniker: "getNext"},
		handleGetNext,
	)).Methods("GET")

	// storeAssignment only needs Logging (object-id assignment audit,
	// never a billing denial).
	api.HandleFunc("/ninja/assignments", billed(
		billingcore.Flags{Logging: true, Moniker: "storeAssignment"},
		handleStoreAssignment,
	)).Methods("POST")

	router.Use(loggingMiddleware)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("ninja-gateway starting", "port", cfg.Server.Port, "private_backend_mode", cfg.Server.PrivateBackendMode)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	slog.Info("server stopped")
}

func newLoaders(store objectstore.Store) map[billingcore.Kind]billingcore.Loader {
	return map[billingcore.Kind]billingcore.Loader{
		billingcore.KindApps:          loadJSONBlob[[]billingcore.App](store, "system://apps.json"),
		billingcore.KindUsers:         loadJSONBlob[[]billingcore.UserProfile](store, "system://users.json"),
		billingcore.KindOrganizations: loadJSONBlob[[]billingcore.Organization](store, "system://organizations.json"),
		billingcore.KindBlocked:       loadBlocked(store),
		billingcore.KindDunning:       loadJSONBlob[[]billingcore.DunningEntry](store, "system://dunning.json"),
	}
}

func loadJSONBlob[T any](store objectstore.Store, path string) billingcore.Loader {
	return func(ctx context.Context) (any, error) {
		raw, _, found, err := store.ReadRaw(ctx, path)
		if err != nil {
			return nil, err
		}
		var value T
		if !found {
			return value, nil
		}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, err
		}
		return value, nil
	}
}

func loadBlocked(store objectstore.Store) billingcore.Loader {
	return func(ctx context.Context) (any, error) {
		raw, _, found, err := store.ReadRaw(ctx, "system://blocked.json")
		if err != nil {
			return nil, err
		}
		blocked := &billingcore.BlockedOrganizations{Orgs: map[string]billingcore.BlockedEntry{}}
		if !found {
			return blocked, nil
		}
		if err := json.Unmarshal(raw, blocked); err != nil {
			return nil, err
		}
		if blocked.Orgs == nil {
			blocked.Orgs = map[string]billingcore.BlockedEntry{}
		}
		return blocked, nil
	}
}

// handleAuthorize is the permission-bearing endpoint: by the time it
// runs, the billing middleware has already enforced a 403 on denial, so
// the handler body only does its own domain work.
func handleAuthorize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"authorized": true})
}

func handleSyncIDs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"synced": true})
}

func handleGetNext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"next": 1})
}

func handleStoreAssignment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"stored": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func getEnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
