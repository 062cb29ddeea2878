package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/MrJamesThe3rd/iapkit/internal/http/order"
	"github.com/MrJamesThe3rd/iapkit/internal/http/receipt"
)

func New(
	ordersV1 *order.Handler,
	receiptsV1 *receipt.Handler,
	metricsHandler http.Handler,
	allowedOrigins []string,
) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
	}))

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			ordersV1.Routes(r)
		})

		r.Route("/receipts", func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			receiptsV1.Routes(r)
		})
	})

	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler)
	}

	return router
}
