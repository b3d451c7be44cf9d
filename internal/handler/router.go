package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/ecodrop/ecodrop-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса экодроп.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/device", func(r chi.Router) {
			r.Use(h.deviceAuth.Middleware)

			r.Post("/heartbeat", h.Heartbeat)
			r.Post("/bottle-detection", h.BottleDetection)
			r.Post("/error", h.DeviceError)
		})

		r.Route("/user", func(r chi.Router) {
			r.With(h.deviceAuth.Middleware).Get("/verify", h.VerifyUser)

			r.Post("/redeem", h.Redeem)
			r.Get("/redemptions", h.ActiveRedemptions)
			r.Get("/transactions", h.Transactions)
		})

		// Устаревший путь начисления без аутентификации устройства.
		r.Post("/deposit", h.Deposit)

		r.Get("/rewards", h.ListRewards)
		r.Get("/stats", h.Stats)
		r.Get("/leaderboard", h.Leaderboard)

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.AdminAuth(h.adminToken))

			r.Post("/devices", h.CreateDevice)
			r.Get("/devices", h.ListDevices)

			r.Post("/rewards", h.CreateReward)
			r.Put("/rewards/{rewardID}", h.UpdateReward)
			r.Delete("/rewards/{rewardID}", h.DeleteReward)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found.")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Invalid request method.")
	})

	return r
}
