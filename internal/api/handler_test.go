package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/confirm"
	"github.com/punchamoorthee/payrecon/internal/domain"
	"github.com/punchamoorthee/payrecon/internal/intake"
	"github.com/punchamoorthee/payrecon/internal/models"
	"github.com/punchamoorthee/payrecon/internal/qr"
	"github.com/punchamoorthee/payrecon/internal/service"
	"github.com/punchamoorthee/payrecon/internal/store"
)

const testKey = "secret"

type testServer struct {
	router http.Handler
	store  store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.OpenBadger("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := zap.NewNop()
	issuer := service.NewIssuer(s, logger, service.IssuerConfig{Expiration: 10 * time.Minute})
	reconciler := service.NewReconciler(s, nopConfirmer{}, nil, logger, service.ReconcilerConfig{})
	// Workers are not started, so submitted notifications stay buffered.
	queue := intake.NewQueue(nil, reconciler, logger, intake.Config{Size: 1, Workers: 1})

	h := NewHandler(issuer, service.NewStatusService(s), queue, qr.NewPNG("", 128), s, logger)
	return &testServer{router: NewRouter(h, testKey), store: s}
}

func (ts *testServer) do(method, target, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

type nopConfirmer struct{}

func (nopConfirmer) ConfirmTransaction(context.Context, confirm.TransactionPayload) (json.RawMessage, error) {
	return nil, errors.New("not used")
}

func (nopConfirmer) ConfirmTopup(context.Context, confirm.TopupPayload) (json.RawMessage, error) {
	return nil, errors.New("not used")
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestAuth_RejectsMissingAndWrongToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/transaction_history", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/transaction_history", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Unauthorized", body.Message)
}

func TestAuth_HealthAndMetricsArePublic(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "", false).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/metrics", "", false).Code)
}

// ---------------------------------------------------------------------------
// POST /create_transaction
// ---------------------------------------------------------------------------

func TestCreateTransaction(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/create_transaction", `{"transactionID":"T1","amount":50000}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp models.CreateTransactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "T1", resp.TransactionID)
	assert.Equal(t, int64(50000), resp.Amount)
	assert.Regexp(t, `^VCD\d{10}$`, resp.Code)
	assert.Greater(t, resp.ExpiresAt, time.Now().Unix())

	png, err := base64.StdEncoding.DecodeString(resp.QRCodeData)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(png[:4]))

	_, err = ts.store.GetPending(context.Background(), resp.Code)
	assert.NoError(t, err)
}

func TestCreateTransaction_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"transactionID":`},
		{"missing transaction id", `{"amount":1000}`},
		{"missing amount", `{"transactionID":"T1"}`},
		{"negative amount", `{"transactionID":"T1","amount":-5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/create_transaction", tt.body, true)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// ---------------------------------------------------------------------------
// GET /check_transaction_status
// ---------------------------------------------------------------------------

func TestCheckTransactionStatus(t *testing.T) {
	ts := newTestServer(t)
	created := ts.do(http.MethodPost, "/create_transaction", `{"transactionID":"T1","amount":50000}`, true)
	var issued models.CreateTransactionResponse
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &issued))

	rec := ts.do(http.MethodGet, "/check_transaction_status?code="+issued.Code, "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, int64(50000), resp.Amount)
	assert.Equal(t, "T1", resp.TransactionID)
	assert.Equal(t, "Waiting for payment", resp.Message)
}

func TestCheckTransactionStatus_Errors(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/check_transaction_status", "", true).Code)
	assert.Equal(t, http.StatusNotFound,
		ts.do(http.MethodGet, "/check_transaction_status?code=VCD9999999999", "", true).Code)
}

// ---------------------------------------------------------------------------
// GET /transaction_history
// ---------------------------------------------------------------------------

func TestTransactionHistory(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/transaction_history", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	ts.do(http.MethodPost, "/create_transaction", `{"transactionID":"T1","amount":1000}`, true)
	ts.do(http.MethodPost, "/create_transaction", `{"transactionID":"T2","amount":2000}`, true)

	rec = ts.do(http.MethodGet, "/transaction_history", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []domain.LedgerEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "T1", entries[0].TransactionID)
	assert.Equal(t, "T2", entries[1].TransactionID)
}

// ---------------------------------------------------------------------------
// POST /notifications
// ---------------------------------------------------------------------------

func TestSubmitNotification(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/notifications", "vừa tăng 50.000 VND", true)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(http.MethodPost, "/notifications", "vừa tăng 60.000 VND", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/notifications", "", true).Code)
}

func TestSubmitNotification_RejectedOnceQueueStopped(t *testing.T) {
	s, err := store.OpenBadger("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := zap.NewNop()
	reconciler := service.NewReconciler(s, nopConfirmer{}, nil, logger, service.ReconcilerConfig{})
	queue := intake.NewQueue(nil, reconciler, logger, intake.Config{Size: 4, Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, queue.Run(ctx))

	issuer := service.NewIssuer(s, logger, service.IssuerConfig{})
	h := NewHandler(issuer, service.NewStatusService(s), queue, qr.NewPNG("", 128), s, logger)
	ts := &testServer{router: NewRouter(h, testKey), store: s}

	rec := ts.do(http.MethodPost, "/notifications", "vừa tăng 50.000 VND", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Server shutting down")
}
