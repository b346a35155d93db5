package service

import (
	"context"
	"errors"

	"github.com/punchamoorthee/payrecon/internal/domain"
	"github.com/punchamoorthee/payrecon/internal/store"
)

// StatusResult is the read model of one code.
type StatusResult struct {
	Code          string
	Status        domain.Status
	Amount        int64
	Timestamp     int64
	TransactionID string
	Description   string
	Message       string
}

// StatusService answers status and history queries.
type StatusService struct {
	store store.Store
}

func NewStatusService(s store.Store) *StatusService {
	return &StatusService{store: s}
}

// Status prefers the pending record and falls back to the ledger once the
// record has been dropped. Unknown codes return store.ErrNotFound.
func (s *StatusService) Status(ctx context.Context, code string) (*StatusResult, error) {
	rec, err := s.store.GetPending(ctx, code)
	if err == nil {
		return &StatusResult{
			Code:          rec.Code,
			Status:        rec.Status,
			Amount:        rec.Amount,
			Timestamp:     rec.CreatedAt,
			TransactionID: rec.TransactionID,
			Description:   rec.Description,
			Message:       domain.StatusMessage(rec.Status),
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	entry, err := s.store.LedgerEntry(ctx, code)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		Code:          entry.Code,
		Status:        entry.Status,
		Amount:        entry.Amount,
		Timestamp:     entry.CreatedAt,
		TransactionID: entry.TransactionID,
		Description:   entry.Description,
		Message:       domain.StatusMessage(entry.Status),
	}, nil
}

// History returns all ledger entries in insertion order.
func (s *StatusService) History(ctx context.Context) ([]domain.LedgerEntry, error) {
	return s.store.History(ctx)
}
