package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Server struct {
	Router *chi.Mux
}

// NewServer mounts the API. A nil metrics handler leaves /metrics unrouted.
func NewServer(handler *Handler, corsOrigins []string, metrics http.Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Webhook-Token"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/payments", func(r chi.Router) {
		r.Post("/", handler.CreatePayment)
		r.Get("/{orderId}/status", handler.PaymentStatus)
	})
	r.Post("/webhook", handler.Webhook)
	r.Post("/refunds", handler.Refund)

	return &Server{Router: r}
}
