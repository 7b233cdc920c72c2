package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter 注册全部路由
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.loggingMiddleware)

	r.Get("/health", h.Health)

	r.Route("/canister/api/v1", func(r chi.Router) {
		r.Post("/devices/{deviceID}/reconcile", h.Reconcile)

		r.Route("/locations/{locationID}", func(r chi.Router) {
			r.Post("/disable", h.DisableLocation)
			r.Post("/enable", h.EnableLocation)
		})

		r.Get("/canisters/{canisterID}/history/export", h.ExportHistory)
	})

	return r
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
