package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/domain"
	"github.com/punchamoorthee/payrecon/internal/intake"
	"github.com/punchamoorthee/payrecon/internal/models"
	"github.com/punchamoorthee/payrecon/internal/qr"
	"github.com/punchamoorthee/payrecon/internal/service"
	"github.com/punchamoorthee/payrecon/internal/store"
)

const maxNotificationBytes = 1 << 20

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payrecon_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Issuer interface {
	Issue(ctx context.Context, transactionID string, amount int64) (*service.Issued, error)
}

type StatusReader interface {
	Status(ctx context.Context, code string) (*service.StatusResult, error)
	History(ctx context.Context) ([]domain.LedgerEntry, error)
}

type Submitter interface {
	Submit(ctx context.Context, raw string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	issuer Issuer
	status StatusReader
	intake Submitter
	qr     qr.Renderer
	store  Pinger
	logger *zap.Logger
}

func NewHandler(i Issuer, s StatusReader, q Submitter, r qr.Renderer, p Pinger, logger *zap.Logger) *Handler {
	return &Handler{issuer: i, status: s, intake: q, qr: r, store: p, logger: logger.Named("api")}
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/create_transaction"))
	defer timer.ObserveDuration()

	var req models.CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/create_transaction")
		return
	}
	if req.TransactionID == "" || req.Amount <= 0 {
		h.respondError(w, http.StatusBadRequest, "Missing transactionID or amount", "POST", "/create_transaction")
		return
	}

	issued, err := h.issuer.Issue(r.Context(), req.TransactionID, req.Amount)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			h.respondError(w, http.StatusBadRequest, err.Error(), "POST", "/create_transaction")
			return
		}
		h.logger.Error("Failed to issue code", zap.String("transaction_id", req.TransactionID), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Error creating transaction", "POST", "/create_transaction")
		return
	}

	// The code is already live; a missing image must not hide it from the caller.
	qrData, err := h.qr.Render(issued.Code, req.Amount, issued.ExpiresAt)
	if err != nil {
		h.logger.Warn("QR rendering failed", zap.String("code", issued.Code), zap.Error(err))
	}

	h.respondJSON(w, http.StatusCreated, models.CreateTransactionResponse{
		Status:        string(issued.Record.Status),
		TransactionID: req.TransactionID,
		Code:          issued.Code,
		QRCodeData:    qrData,
		Amount:        req.Amount,
		ExpiresAt:     issued.ExpiresAt,
		Message:       "Transaction created",
	}, "POST", "/create_transaction")
}

func (h *Handler) CheckTransactionStatus(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", "/check_transaction_status"))
	defer timer.ObserveDuration()

	code := r.URL.Query().Get("code")
	if code == "" {
		h.respondError(w, http.StatusBadRequest, "Missing code", "GET", "/check_transaction_status")
		return
	}

	res, err := h.status.Status(r.Context(), code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Transaction not found", "GET", "/check_transaction_status")
			return
		}
		h.logger.Error("Status lookup failed", zap.String("code", code), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Error checking transaction status", "GET", "/check_transaction_status")
		return
	}

	h.respondJSON(w, http.StatusOK, models.StatusResponse{
		Status:        string(res.Status),
		Amount:        res.Amount,
		Timestamp:     res.Timestamp,
		TransactionID: res.TransactionID,
		Description:   res.Description,
		Message:       res.Message,
	}, "GET", "/check_transaction_status")
}

func (h *Handler) TransactionHistory(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", "/transaction_history"))
	defer timer.ObserveDuration()

	entries, err := h.status.History(r.Context())
	if err != nil {
		h.logger.Error("History lookup failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Error retrieving transaction history", "GET", "/transaction_history")
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries, "GET", "/transaction_history")
}

// SubmitNotification queues a raw bank notification for reconciliation.
func (h *Handler) SubmitNotification(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/notifications"))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		h.respondError(w, http.StatusRequestEntityTooLarge, "Notification too large", "POST", "/notifications")
		return
	}
	if len(body) == 0 {
		h.respondError(w, http.StatusBadRequest, "Empty notification", "POST", "/notifications")
		return
	}

	if err := h.intake.Submit(r.Context(), string(body)); err != nil {
		if errors.Is(err, intake.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			h.respondError(w, http.StatusServiceUnavailable, "Notification queue full", "POST", "/notifications")
			return
		}
		if errors.Is(err, intake.ErrQueueClosed) {
			h.respondError(w, http.StatusServiceUnavailable, "Server shutting down", "POST", "/notifications")
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error(), "POST", "/notifications")
		return
	}
	h.respondJSON(w, http.StatusAccepted, models.AcceptedResponse{Message: "Notification queued"}, "POST", "/notifications")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"}, "GET", "/health")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("Failed to write response", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, models.ErrorResponse{Message: msg}, method, endpoint)
}
