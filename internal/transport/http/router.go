// Package httptransport assembles the public HTTP surface. Feature packages
// own their routes and middleware chains; this package only mounts them next
// to the operational endpoints.
package httptransport

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	platformredis "girder/internal/platform/redis"
)

// Registrar mounts one feature's route group onto the router.
type Registrar interface {
	Register(r chi.Router)
}

// NewRouter wires the feature route groups, the Prometheus scrape endpoint,
// and the health probe.
func NewRouter(db *sql.DB, cache *platformredis.Client, features ...Registrar) http.Handler {
	router := chi.NewRouter()
	for _, f := range features {
		f.Register(router)
	}
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", healthHandler(db, cache))
	return router
}

func healthHandler(db *sql.DB, cache *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		if cache != nil {
			if err := cache.Health(ctx); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
