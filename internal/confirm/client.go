package confirm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
	userAgent        = "payrecon/v1"
)

var (
	confirmTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_confirm_total",
		Help: "Downstream confirmation calls by kind and result.",
	}, []string{"kind", "status"})

	confirmDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payrecon_confirm_duration_seconds",
		Help:    "Latency of downstream confirmation calls.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"kind"})
)

// ErrNotConfigured is returned when no downstream URL is set. The caller still
// records the attempt as failed.
var ErrNotConfigured = errors.New("confirmation endpoint not configured")

// TransactionPayload is POSTed to {base}/confirm_transaction.
type TransactionPayload struct {
	TransactionID   string `json:"transaction_id"`
	Amount          int64  `json:"amount"`
	Description     string `json:"description"`
	TransactionTime string `json:"transaction_time"`
}

// TopupPayload is POSTed to {base}/confirm_topup.
type TopupPayload struct {
	PhoneNumber     string `json:"phone_number"`
	Amount          int64  `json:"amount"`
	Description     string `json:"description"`
	TransactionTime string `json:"transaction_time"`
}

// Config holds the settings for a Client.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
}

// Client calls the downstream application. Each call is made exactly once:
// the reconciler has already committed the transition it reports, so a retry
// here could confirm the same payment twice.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

func NewClient(logger *zap.Logger, cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base != "" {
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid confirmation URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("confirmation URL must use http or https scheme, got %q", u.Scheme)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("confirmation URL must include a host")
		}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = max(1, int(cfg.RatePerSecond))
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("confirm"),
		baseURL:    base,
		apiKey:     cfg.APIKey,
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// ConfirmTransaction reports a matched payment code to the downstream application.
func (c *Client) ConfirmTransaction(ctx context.Context, p TransactionPayload) (json.RawMessage, error) {
	return c.post(ctx, "transaction", "/confirm_transaction", p)
}

// ConfirmTopup reports a phone-labelled transfer to the downstream application.
func (c *Client) ConfirmTopup(ctx context.Context, p TopupPayload) (json.RawMessage, error) {
	return c.post(ctx, "topup", "/confirm_topup", p)
}

func (c *Client) post(ctx context.Context, kind, path string, payload any) (json.RawMessage, error) {
	if c.baseURL == "" {
		confirmTotal.WithLabelValues(kind, "skipped").Inc()
		return nil, ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		confirmTotal.WithLabelValues(kind, "error").Inc()
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		confirmTotal.WithLabelValues(kind, "error").Inc()
		return nil, fmt.Errorf("marshal confirmation payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		confirmTotal.WithLabelValues(kind, "error").Inc()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	timer := prometheus.NewTimer(confirmDuration.WithLabelValues(kind))
	resp, err := c.httpClient.Do(req)
	timer.ObserveDuration()
	if err != nil {
		confirmTotal.WithLabelValues(kind, "error").Inc()
		return nil, fmt.Errorf("confirmation request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		confirmTotal.WithLabelValues(kind, "error").Inc()
		return nil, fmt.Errorf("read confirmation response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		confirmTotal.WithLabelValues(kind, "error").Inc()
		return nil, fmt.Errorf("confirmation returned HTTP %d", resp.StatusCode)
	}

	confirmTotal.WithLabelValues(kind, "success").Inc()
	c.logger.Debug("Confirmation accepted", zap.String("kind", kind), zap.Int("status", resp.StatusCode))
	if !json.Valid(raw) {
		// Keep non-JSON bodies readable in the ledger.
		quoted, _ := json.Marshal(string(raw))
		return quoted, nil
	}
	return raw, nil
}
