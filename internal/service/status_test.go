package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payrecon/internal/domain"
	"github.com/punchamoorthee/payrecon/internal/store"
)

func TestStatus_UnknownCode(t *testing.T) {
	h := newHarness(t, time.Hour)

	_, err := h.status.Status(context.Background(), "VCD9999999999")

	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatus_PendingCode(t *testing.T) {
	h := newHarness(t, time.Hour)
	issued := h.issue(t, "T1", 50000)

	res, err := h.status.Status(context.Background(), issued.Code)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, res.Status)
	assert.Equal(t, int64(50000), res.Amount)
	assert.Equal(t, "T1", res.TransactionID)
	assert.Equal(t, h.clock.Now().Unix(), res.Timestamp)
	assert.Equal(t, "Waiting for payment", res.Message)
}

func TestStatus_FallsBackToLedgerOnceRecordIsGone(t *testing.T) {
	h := newHarness(t, 0)
	issued := h.issue(t, "T1", 50000)
	require.Equal(t, OutcomeCompleted, h.notify(creditNotification("50.000", "thanh toan "+issued.Code)).Transaction)

	_, err := h.store.GetPending(context.Background(), issued.Code)
	require.ErrorIs(t, err, store.ErrNotFound)

	res, err := h.status.Status(context.Background(), issued.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, "thanh toan "+issued.Code, res.Description)
	assert.Equal(t, "Payment received", res.Message)
}

func TestHistory_InInsertionOrder(t *testing.T) {
	h := newHarness(t, time.Hour)
	first := h.issue(t, "T1", 1000)
	h.notify(creditNotification("5.000", "NT0987654321"))
	second := h.issue(t, "T2", 2000)

	history, err := h.status.History(context.Background())
	require.NoError(t, err)

	require.Len(t, history, 3)
	assert.Equal(t, first.Code, history[0].Code)
	assert.Equal(t, domain.EntryTopup, history[1].Type)
	assert.Equal(t, second.Code, history[2].Code)
}

func TestHistory_EmptyIsNotNil(t *testing.T) {
	h := newHarness(t, time.Hour)

	history, err := h.status.History(context.Background())
	require.NoError(t, err)

	assert.NotNil(t, history)
	assert.Empty(t, history)
}
