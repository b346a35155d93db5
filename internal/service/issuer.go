package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/domain"
	"github.com/punchamoorthee/payrecon/internal/store"
)

const (
	CodePrefix            = "VCD"
	defaultIssueAttempts  = 5
	defaultCodeExpiration = 600 * time.Second
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrCodeExhausted  = errors.New("could not allocate a unique code")
)

// IssuerConfig configures code issuance.
type IssuerConfig struct {
	// Expiration is the pending window of a code.
	Expiration time.Duration
	// StoreGrace extends the store-level TTL past Expiration so the sweeper
	// observes the deadline before the store drops the record.
	StoreGrace  time.Duration
	MaxAttempts int
	Now         func() time.Time
}

// Issued is the result of a successful Issue.
type Issued struct {
	Code      string
	ExpiresAt int64
	Record    domain.PendingRecord
}

// Issuer hands out payment codes and creates their pending records.
type Issuer struct {
	store  store.Store
	logger *zap.Logger
	cfg    IssuerConfig

	mu   sync.Mutex
	last int64
}

func NewIssuer(s store.Store, logger *zap.Logger, cfg IssuerConfig) *Issuer {
	if cfg.Expiration <= 0 {
		cfg.Expiration = defaultCodeExpiration
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultIssueAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{store: s, logger: logger.Named("issuer"), cfg: cfg}
}

// Issue creates a pending record and its pending ledger entry in one commit.
func (i *Issuer) Issue(ctx context.Context, transactionID string, amount int64) (*Issued, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("%w: missing transactionID", ErrInvalidRequest)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	for attempt := 0; attempt < i.cfg.MaxAttempts; attempt++ {
		now := i.cfg.Now()
		code := i.nextCode(now)
		rec := domain.PendingRecord{
			Code:          code,
			TransactionID: transactionID,
			Amount:        amount,
			CreatedAt:     now.Unix(),
			ExpiresAt:     now.Add(i.cfg.Expiration).Unix(),
			Kind:          domain.KindReceive,
			Status:        domain.StatusPending,
		}
		entry := domain.LedgerEntry{
			Type:          domain.EntryTransaction,
			Status:        domain.StatusPending,
			Amount:        amount,
			TransactionID: transactionID,
			CreatedAt:     now.Unix(),
		}

		err := i.store.CreatePending(ctx, rec, entry, i.cfg.Expiration+i.cfg.StoreGrace)
		switch {
		case err == nil:
			issuedTotal.WithLabelValues("created").Inc()
			i.logger.Info("Issued payment code",
				zap.String("code", code),
				zap.String("transaction_id", transactionID),
				zap.Int64("amount", amount),
				zap.Int64("expires_at", rec.ExpiresAt),
			)
			return &Issued{Code: code, ExpiresAt: rec.ExpiresAt, Record: rec}, nil
		case errors.Is(err, store.ErrCodeTaken), errors.Is(err, store.ErrConflict):
			issuedTotal.WithLabelValues("collision").Inc()
			i.logger.Debug("Code already taken, trying next", zap.String("code", code))
			// Taken codes usually come in a run left by an earlier process
			// that ran ahead of the clock; widen the jump on every retry.
			i.skip(int64(1) << (2 * attempt))
		default:
			issuedTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("create pending record: %w", err)
		}
	}
	issuedTotal.WithLabelValues("exhausted").Inc()
	return nil, ErrCodeExhausted
}

// nextCode keeps the VCD+10 digit shape the parser matches, using the current
// unix second but never repeating a number within this process.
func (i *Issuer) nextCode(now time.Time) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := now.Unix()
	if n <= i.last {
		n = i.last + 1
	}
	i.last = n
	return fmt.Sprintf("%s%010d", CodePrefix, n)
}

func (i *Issuer) skip(n int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.last += n
}

// Prime moves the code counter past every code still held in the store, so a
// restarted process does not walk through codes an earlier one handed out
// ahead of the clock.
func (i *Issuer) Prime(ctx context.Context) error {
	records, err := i.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending records: %w", err)
	}
	var highest int64
	for _, rec := range records {
		if n, ok := codeNumber(rec.Code); ok && n > highest {
			highest = n
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if highest > i.last {
		i.last = highest
	}
	i.logger.Info("Primed code counter", zap.Int("records", len(records)), zap.Int64("last", i.last))
	return nil
}

func codeNumber(code string) (int64, bool) {
	digits, ok := strings.CutPrefix(code, CodePrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	return n, err == nil
}
