package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/alert"
	"github.com/punchamoorthee/payrecon/internal/confirm"
	"github.com/punchamoorthee/payrecon/internal/domain"
	"github.com/punchamoorthee/payrecon/internal/store"
)

// Confirmer is the downstream application that is told about matched money.
type Confirmer interface {
	ConfirmTransaction(ctx context.Context, p confirm.TransactionPayload) (json.RawMessage, error)
	ConfirmTopup(ctx context.Context, p confirm.TopupPayload) (json.RawMessage, error)
}

// Outcome of one reconciliation flow.
type Outcome string

const (
	OutcomeTopupRecorded        Outcome = "topup_recorded"
	OutcomeCompleted            Outcome = "completed"
	OutcomeReceivedAfterExpired Outcome = "received_after_expired"
	OutcomeNoMatch              Outcome = "no_match"
	OutcomeAlreadyProcessed     Outcome = "already_processed"
	OutcomeAmountMismatch       Outcome = "amount_mismatch"
	OutcomeConflict             Outcome = "conflict"
	OutcomeError                Outcome = "error"
)

// Result reports what each flow did. An empty outcome means the flow did not apply.
type Result struct {
	Topup       Outcome
	Transaction Outcome
	Code        string
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// Retention keeps terminal records addressable so re-delivered
	// notifications find them terminal and do nothing.
	Retention time.Duration
	Now       func() time.Time
}

// Reconciler matches notification facts to pending records.
type Reconciler struct {
	store     store.Store
	confirmer Confirmer
	alerts    alert.Alerter
	logger    *zap.Logger
	cfg       ReconcilerConfig
}

func NewReconciler(s store.Store, c Confirmer, a alert.Alerter, logger *zap.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if a == nil {
		a = alert.Nop{}
	}
	return &Reconciler{store: s, confirmer: c, alerts: a, logger: logger.Named("reconciler"), cfg: cfg}
}

// Reconcile runs every flow the fact qualifies for. A description carrying
// both an NT phone token and a VCD code runs both flows.
func (r *Reconciler) Reconcile(ctx context.Context, fact domain.NotificationFact) Result {
	var res Result
	if fact.PhoneNumber != "" && (fact.AmountIncreased != nil || fact.AmountDecreased != nil) {
		res.Topup = r.recordTopup(ctx, fact)
		reconcileTotal.WithLabelValues("topup", string(res.Topup)).Inc()
	}
	if fact.Code != "" {
		res.Code = fact.Code
		res.Transaction = r.reconcileCode(ctx, fact)
		reconcileTotal.WithLabelValues("transaction", string(res.Transaction)).Inc()
	}
	return res
}

// recordTopup logs a phone-labelled transfer. Incoming money is confirmed
// downstream and the entry status is the confirmation result; outgoing money
// is only recorded. A failed confirmation here is final.
func (r *Reconciler) recordTopup(ctx context.Context, fact domain.NotificationFact) Outcome {
	entry := domain.LedgerEntry{
		Type:            domain.EntryTopup,
		Status:          domain.StatusSuccess,
		PhoneNumber:     fact.PhoneNumber,
		Description:     fact.Description,
		TransactionTime: fact.OccurredAt,
		CreatedAt:       r.cfg.Now().Unix(),
	}

	if fact.AmountIncreased != nil {
		entry.Direction = domain.DirectionIncrease
		entry.Amount = *fact.AmountIncreased
		r.logger.Info("Detected incoming transfer",
			zap.String("phone_number", fact.PhoneNumber), zap.Int64("amount", entry.Amount))

		resp, err := r.confirmer.ConfirmTopup(ctx, confirm.TopupPayload{
			PhoneNumber:     fact.PhoneNumber,
			Amount:          entry.Amount,
			Description:     fact.Description,
			TransactionTime: fact.OccurredAt,
		})
		if err != nil {
			entry.Status = domain.StatusFailed
			entry.Confirmation = domain.ConfirmationFailed
			entry.Error = err.Error()
			r.logger.Error("Topup confirmation failed", zap.String("phone_number", fact.PhoneNumber), zap.Error(err))
			r.alerts.Alert(ctx, fmt.Sprintf("Topup confirmation failed for NT%s (%d VND): %v", fact.PhoneNumber, entry.Amount, err))
		} else {
			entry.Confirmation = domain.ConfirmationSuccess
			entry.Response = resp
		}
	} else {
		entry.Direction = domain.DirectionDecrease
		entry.Amount = *fact.AmountDecreased
		r.logger.Info("Detected outgoing transfer",
			zap.String("phone_number", fact.PhoneNumber), zap.Int64("amount", entry.Amount))
	}

	if _, err := r.store.AppendLedger(ctx, entry); err != nil {
		r.logger.Error("Failed to record topup", zap.String("phone_number", fact.PhoneNumber), zap.Error(err))
		return OutcomeError
	}
	return OutcomeTopupRecorded
}

func (r *Reconciler) reconcileCode(ctx context.Context, fact domain.NotificationFact) Outcome {
	log := r.logger.With(zap.String("code", fact.Code))

	// 1. Read
	rec, err := r.store.GetPending(ctx, fact.Code)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("No matching pending record")
		return OutcomeNoMatch
	}
	if err != nil {
		log.Error("Failed to load pending record", zap.Error(err))
		return OutcomeError
	}

	if rec.Kind != domain.KindReceive || fact.AmountIncreased == nil {
		log.Warn("Notification amount does not match the code kind", zap.String("kind", string(rec.Kind)))
		return OutcomeAmountMismatch
	}

	// 2. Stage
	var to domain.Status
	switch {
	case rec.Status == domain.StatusPending:
		to = domain.StatusCompleted
	case rec.Status == domain.StatusExpired:
		to = domain.StatusReceivedAfterExpired
	case rec.Status.Terminal():
		log.Info("Code already processed", zap.String("status", string(rec.Status)))
		return OutcomeAlreadyProcessed
	default:
		log.Error("Pending record has an unknown status", zap.String("status", string(rec.Status)))
		return OutcomeError
	}
	if *fact.AmountIncreased != rec.Amount {
		log.Warn("Received amount differs from requested amount",
			zap.Int64("requested", rec.Amount), zap.Int64("received", *fact.AmountIncreased))
	}

	// 3. Commit if unchanged since the read
	now := r.cfg.Now()
	updated, err := r.store.Transition(ctx, store.Transition{
		Code:            rec.Code,
		From:            rec.Status,
		To:              to,
		Version:         rec.Version,
		Amount:          *fact.AmountIncreased,
		Description:     fact.Description,
		TransactionTime: fact.OccurredAt,
		Retain:          r.cfg.Retention,
		Now:             now,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		log.Warn("Concurrent transition won, dropping this attempt", zap.String("from", string(rec.Status)))
		return OutcomeConflict
	case errors.Is(err, store.ErrNotFound):
		log.Info("Pending record disappeared before commit")
		return OutcomeNoMatch
	case err != nil:
		log.Error("Failed to commit transition", zap.Error(err))
		return OutcomeError
	}
	log.Info("Transitioned payment code",
		zap.String("from", string(rec.Status)),
		zap.String("to", string(updated.Status)),
		zap.String("transaction_id", rec.TransactionID),
	)

	// 4. Confirm with no store transaction open
	r.confirmTransaction(ctx, rec, fact)

	if to == domain.StatusCompleted {
		return OutcomeCompleted
	}
	return OutcomeReceivedAfterExpired
}

func (r *Reconciler) confirmTransaction(ctx context.Context, rec *domain.PendingRecord, fact domain.NotificationFact) {
	resp, err := r.confirmer.ConfirmTransaction(ctx, confirm.TransactionPayload{
		TransactionID:   rec.TransactionID,
		Amount:          *fact.AmountIncreased,
		Description:     fact.Description,
		TransactionTime: fact.OccurredAt,
	})

	c := store.Confirmation{Outcome: domain.ConfirmationSuccess, Response: resp, Now: r.cfg.Now()}
	if err != nil {
		c = store.Confirmation{Outcome: domain.ConfirmationFailed, Error: err.Error(), Now: r.cfg.Now()}
		r.logger.Error("Transaction confirmation failed",
			zap.String("code", rec.Code), zap.String("transaction_id", rec.TransactionID), zap.Error(err))
		r.alerts.Alert(ctx, fmt.Sprintf("Payment %s for transaction %s matched but confirmation failed: %v",
			rec.Code, rec.TransactionID, err))
	}
	if err := r.store.RecordConfirmation(ctx, rec.Code, c); err != nil {
		r.logger.Error("Failed to record confirmation outcome", zap.String("code", rec.Code), zap.Error(err))
	}
}
