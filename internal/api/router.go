package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the public health and metrics routes and the bearer-protected API.
func NewRouter(h *Handler, apiKey string) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(h.bearerAuth(apiKey))
	authed.HandleFunc("/create_transaction", h.CreateTransaction).Methods(http.MethodPost)
	authed.HandleFunc("/check_transaction_status", h.CheckTransactionStatus).Methods(http.MethodGet)
	authed.HandleFunc("/transaction_history", h.TransactionHistory).Methods(http.MethodGet)
	authed.HandleFunc("/notifications", h.SubmitNotification).Methods(http.MethodPost)
	return r
}

func (h *Handler) bearerAuth(apiKey string) mux.MiddlewareFunc {
	want := []byte("Bearer " + apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				endpoint := r.URL.Path
				if route := mux.CurrentRoute(r); route != nil {
					if tmpl, err := route.GetPathTemplate(); err == nil {
						endpoint = tmpl
					}
				}
				h.respondError(w, http.StatusUnauthorized, "Unauthorized", r.Method, endpoint)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
