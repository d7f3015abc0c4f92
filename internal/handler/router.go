package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/broker-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса брокера.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/balance", h.GetBalance)
			r.Post("/balance/transfer", h.Transfer)

			r.Post("/rentals", h.StartRental)
			r.Get("/rentals/code", h.CheckCode)
			r.Delete("/rentals", h.CancelRental)

			r.Get("/accounts/{platform}", h.PeekAccount)
			r.Post("/accounts/{platform}/purchase", h.PurchaseAccount)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.ListUserOrders)
			r.Post("/orders/{id}/delivered", h.ConfirmDelivered)

			r.Post("/driver/join", h.RequestDriverJoin)
		})
	})

	r.Route("/api/catalog", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/countries", h.GetCountries)
		r.Get("/services", h.GetServices)
	})

	r.Route("/api/stores", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/", h.ListStores)
		r.Get("/{id}/products", h.ListProducts)
	})

	r.Route("/api/driver", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/orders", h.ListPendingOrders)
		r.Post("/orders/{id}/accept", h.AcceptOrder)

		r.Post("/stores", h.AddStore)
		r.Get("/stores", h.ListDriverStores)

		r.Post("/products", h.AddProduct)
		r.Delete("/products/{id}", h.DeactivateProduct)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(h.AdminOnly)

		r.Post("/balance", h.SetBalance)
		r.Post("/accounts", h.AddAccount)
		r.Post("/catalog/refresh", h.RefreshCatalog)

		r.Get("/drivers", h.ListDrivers)
		r.Get("/drivers/requests", h.ListDriverRequests)
		r.Post("/drivers/{id}/approve", h.ApproveDriver)
		r.Post("/drivers/{id}/reject", h.RejectDriver)
		r.Post("/drivers/{id}/block", h.BlockDriver)

		r.Get("/stores/pending", h.ListPendingStores)
		r.Post("/stores/{id}/approve", h.ApproveStore)
		r.Post("/stores/{id}/block", h.BlockStore)

		r.Get("/report/weekly", h.WeeklyReport)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
