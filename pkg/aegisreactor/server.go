package aegisreactor

import (
	"encoding/json"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghalamif/aegisreactor/internal/app/pipeline"
)

func (rt *Runtime) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{Registry: rt.registry}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if rt.reactor.State() == pipeline.StateStopped {
			http.Error(w, "stopped", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rt.Stats()); err != nil {
			rt.obs.LogError("encode stats", err)
		}
	})
	return r
}

func isInf(f float64) bool { return math.IsInf(f, 0) }
