package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/domain"
	"github.com/punchamoorthee/payrecon/internal/store"
)

func TestSweep_LeavesCodesBeforeDeadline(t *testing.T) {
	h := newHarness(t, time.Hour)
	issued := h.issue(t, "T1", 50000)

	// The deadline itself is still inside the window.
	h.clock.Advance(testTTL)
	rep := h.sweeper.Sweep(context.Background())

	assert.Equal(t, Report{}, rep)
	assert.Equal(t, domain.StatusPending, h.ledger(t, issued.Code).Status)
}

func TestSweep_ExpiresAndDeletesWithoutRetention(t *testing.T) {
	h := newHarness(t, 0)
	issued := h.issue(t, "T1", 50000)

	h.clock.Advance(testTTL + time.Second)
	rep := h.sweeper.Sweep(context.Background())

	assert.Equal(t, Report{Expired: 1}, rep)
	_, err := h.store.GetPending(context.Background(), issued.Code)
	assert.ErrorIs(t, err, store.ErrNotFound)

	entry := h.ledger(t, issued.Code)
	assert.Equal(t, domain.StatusExpired, entry.Status)
	assert.Equal(t, h.clock.Now().Unix(), entry.UpdatedAt)

	// Nothing left to do on the next tick.
	assert.Equal(t, Report{}, h.sweeper.Sweep(context.Background()))
}

func TestSweep_LatePaymentAfterExpiry(t *testing.T) {
	h := newHarness(t, time.Hour)
	issued := h.issue(t, "T1", 50000)

	h.clock.Advance(testTTL + time.Second)
	require.Equal(t, Report{Expired: 1}, h.sweeper.Sweep(context.Background()))

	status, err := h.status.Status(context.Background(), issued.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, status.Status)

	raw := creditNotification("50.000", issued.Code)
	assert.Equal(t, OutcomeReceivedAfterExpired, h.notify(raw).Transaction)
	assert.Equal(t, domain.StatusReceivedAfterExpired, h.ledger(t, issued.Code).Status)
	assert.Len(t, h.confirmer.transactionCalls(), 1)

	assert.Equal(t, OutcomeAlreadyProcessed, h.notify(raw).Transaction)
	assert.Len(t, h.confirmer.transactionCalls(), 1)

	// Retained records are not pending and are left alone.
	assert.Equal(t, Report{}, h.sweeper.Sweep(context.Background()))
}

func TestSweep_ExpiresOrphanedLedgerEntries(t *testing.T) {
	h := newHarness(t, time.Hour)
	issuer := NewIssuer(h.store, zap.NewNop(), IssuerConfig{Expiration: time.Second, Now: h.clock.Now})
	issued, err := issuer.Issue(context.Background(), "T1", 50000)
	require.NoError(t, err)

	// The store drops the record at its TTL before the sweeper sees it.
	require.Eventually(t, func() bool {
		_, err := h.store.GetPending(context.Background(), issued.Code)
		return errors.Is(err, store.ErrNotFound)
	}, 5*time.Second, 100*time.Millisecond)

	rep := h.sweeper.Sweep(context.Background())

	assert.Equal(t, Report{Orphans: 1}, rep)
	assert.Equal(t, domain.StatusExpired, h.ledger(t, issued.Code).Status)
}

func TestSweep_ToleratesIndividualFailures(t *testing.T) {
	h := newHarness(t, 0)
	broken := h.issue(t, "T1", 1000)
	healthy := h.issue(t, "T2", 2000)

	sweeper := NewSweeper(&failingStore{Store: h.store, code: broken.Code}, zap.NewNop(),
		SweeperConfig{Now: h.clock.Now})
	h.clock.Advance(testTTL + time.Second)

	rep := sweeper.Sweep(context.Background())

	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 1, rep.Failures)
	assert.Equal(t, domain.StatusPending, h.ledger(t, broken.Code).Status)
	assert.Equal(t, domain.StatusExpired, h.ledger(t, healthy.Code).Status)
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	h := newHarness(t, 0)
	issued := h.issue(t, "T1", 1000)
	h.clock.Advance(testTTL + time.Second)

	sweeper := NewSweeper(h.store, zap.NewNop(), SweeperConfig{Interval: 10 * time.Millisecond, Now: h.clock.Now})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		entry, err := h.store.LedgerEntry(context.Background(), issued.Code)
		return err == nil && entry.Status == domain.StatusExpired
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

// failingStore fails every transition of one code.
type failingStore struct {
	store.Store
	code string
}

func (f *failingStore) Transition(ctx context.Context, t store.Transition) (*domain.PendingRecord, error) {
	if t.Code == f.code {
		return nil, errors.New("disk full")
	}
	return f.Store.Transition(ctx, t)
}
