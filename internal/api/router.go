package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the HTTP surface. gatherer may be nil to omit /metrics.
func NewRouter(app *App, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", app.HealthHandler)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/ws/{roomID}", app.WebSocketHandler)
	r.Get("/evidence/*", app.EvidenceHandler)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/analysis/start/{roomID}/{candidateID}", app.StartAnalysisHandler)
			r.Post("/analysis/stop/{candidateID}", app.StopAnalysisHandler)
			r.Get("/analysis/stats", app.AnalysisStatsHandler)
			r.Get("/analysis/history/{roomID}/{candidateID}", app.AnalysisHistoryHandler)
			r.Get("/logs/{roomID}/{candidateID}", app.CheatingLogsHandler)
		})

		r.Post("/kyc/upload", app.KYCUploadHandler)
		r.Post("/kyc/verify", app.KYCVerifyHandler)
		r.Get("/kyc/{candidateID}", app.KYCGetHandler)
		r.Delete("/kyc/{candidateID}", app.KYCDeleteHandler)
	})

	r.Route("/rooms/{roomID}", func(r chi.Router) {
		r.Get("/incidents", app.ListRoomIncidentsHandler)
		r.Post("/incidents", app.PostRoomIncidentHandler)
		r.Get("/sessions/{userID}/summary", app.SessionSummaryHandler)
		r.Get("/events", app.RoomEventsHandler)
	})

	return r
}
