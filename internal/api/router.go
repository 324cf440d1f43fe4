package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gwi.com/chat-history/internal/observability"
)

func NewRouter(apiHandler *APIHandler, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/frontend_settings", apiHandler.FrontendSettingsHandler)

	r.Group(func(r chi.Router) {
		r.Use(apiHandler.IdentityMiddleware)

		r.Post("/conversation", apiHandler.ConversationHandler)

		r.Route("/history", func(r chi.Router) {
			r.Post("/generate", apiHandler.GenerateHandler)
			r.Post("/update", apiHandler.UpdateHandler)
			r.Post("/message_feedback", apiHandler.MessageFeedbackHandler)
			r.Delete("/delete", apiHandler.DeleteHandler)
			r.Get("/list", apiHandler.ListHandler)
			r.Post("/read", apiHandler.ReadHandler)
			r.Post("/rename", apiHandler.RenameHandler)
			r.Delete("/delete_all", apiHandler.DeleteAllHandler)
			r.Post("/clear", apiHandler.ClearHandler)
			r.Get("/ensure", apiHandler.EnsureHandler)
		})
	})

	return r
}

// requestLogger logs one line per request with the request-scoped logger.
func requestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			observability.LoggerFromContext(r.Context(), base).Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(started),
			)
		})
	}
}
