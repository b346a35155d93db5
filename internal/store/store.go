package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/punchamoorthee/payrecon/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("concurrent modification")
	ErrCodeTaken = errors.New("code already issued")
)

// Transition moves a pending record from one status to another and rewrites the
// ledger entry for the same code in the same commit. The commit only applies
// if the stored record still has status From and version Version.
type Transition struct {
	Code    string
	From    domain.Status
	To      domain.Status
	Version int64

	// Ledger fields; zero values leave the stored entry unchanged.
	Amount          int64
	Description     string
	TransactionTime string

	// Retain keeps the record addressable for this long after the transition.
	// Zero deletes it in the same commit.
	Retain time.Duration
	Now    time.Time
}

// Confirmation is the downstream result written back to a ledger entry.
type Confirmation struct {
	Outcome  string
	Response json.RawMessage
	Error    string
	Now      time.Time
}

// Store is the shared state the reconciliation components operate on.
type Store interface {
	// CreatePending writes rec and entry atomically. ttl is the store-level expiry of rec.
	CreatePending(ctx context.Context, rec domain.PendingRecord, entry domain.LedgerEntry, ttl time.Duration) error
	GetPending(ctx context.Context, code string) (*domain.PendingRecord, error)
	ListPending(ctx context.Context) ([]domain.PendingRecord, error)
	Transition(ctx context.Context, t Transition) (*domain.PendingRecord, error)
	// ExpireOrphan marks a pending ledger entry expired when its record is gone.
	ExpireOrphan(ctx context.Context, code string, now time.Time) error

	AppendLedger(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error)
	RecordConfirmation(ctx context.Context, key string, c Confirmation) error
	LedgerEntry(ctx context.Context, code string) (*domain.LedgerEntry, error)
	// History returns every ledger entry ordered by Seq.
	History(ctx context.Context) ([]domain.LedgerEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// applyTransition stages t onto a copy of rec and entry. Callers have already
// verified status and version.
func applyTransition(rec domain.PendingRecord, entry *domain.LedgerEntry, t Transition) domain.PendingRecord {
	rec.Status = t.To
	rec.Version++
	if t.Description != "" {
		rec.Description = t.Description
	}
	if entry != nil {
		entry.Status = t.To
		if t.Amount != 0 {
			entry.Amount = t.Amount
		}
		if t.Description != "" {
			entry.Description = t.Description
		}
		if t.TransactionTime != "" {
			entry.TransactionTime = t.TransactionTime
		}
		entry.UpdatedAt = t.Now.Unix()
	}
	return rec
}

func checkTransition(rec *domain.PendingRecord, t Transition) error {
	if rec.Status != t.From || rec.Version != t.Version {
		return ErrConflict
	}
	if !domain.CanTransition(t.From, t.To) {
		return ErrConflict
	}
	return nil
}
