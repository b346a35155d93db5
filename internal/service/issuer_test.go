package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/domain"
)

func TestIssue_CreatesPendingRecordAndLedgerEntry(t *testing.T) {
	h := newHarness(t, time.Hour)
	t0 := h.clock.Now().Unix()

	issued := h.issue(t, "T1", 50000)

	assert.Equal(t, fmt.Sprintf("VCD%d", t0), issued.Code)
	assert.Equal(t, t0+int64(testTTL.Seconds()), issued.ExpiresAt)

	rec, err := h.store.GetPending(context.Background(), issued.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Equal(t, "T1", rec.TransactionID)
	assert.Equal(t, int64(50000), rec.Amount)
	assert.Equal(t, domain.KindReceive, rec.Kind)

	entry := h.ledger(t, issued.Code)
	assert.Equal(t, domain.StatusPending, entry.Status)
	assert.Equal(t, domain.EntryTransaction, entry.Type)
	assert.Equal(t, issued.Code, entry.Code)
}

func TestIssue_SameSecondGetsDistinctCodes(t *testing.T) {
	h := newHarness(t, time.Hour)
	t0 := h.clock.Now().Unix()

	first := h.issue(t, "T1", 1000)
	second := h.issue(t, "T2", 2000)

	assert.Equal(t, fmt.Sprintf("VCD%d", t0), first.Code)
	assert.Equal(t, fmt.Sprintf("VCD%d", t0+1), second.Code)
}

func TestIssue_SkipsCodeTakenByAnotherInstance(t *testing.T) {
	h := newHarness(t, time.Hour)
	other := NewIssuer(h.store, zap.NewNop(), IssuerConfig{Expiration: testTTL, Now: h.clock.Now})

	mine := h.issue(t, "T1", 1000)
	theirs, err := other.Issue(context.Background(), "T2", 2000)
	require.NoError(t, err)

	assert.NotEqual(t, mine.Code, theirs.Code)
	history, err := h.store.History(context.Background())
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestIssue_ConcurrentCallersNeverShareACode(t *testing.T) {
	h := newHarness(t, time.Hour)

	var wg sync.WaitGroup
	codes := make([]string, 20)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			issued, err := h.issuer.Issue(context.Background(), fmt.Sprintf("T%d", i), 1000)
			if assert.NoError(t, err) {
				codes[i] = issued.Code
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, c := range codes {
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}
}

func TestIssue_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t, time.Hour)

	_, err := h.issuer.Issue(context.Background(), "", 1000)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.issuer.Issue(context.Background(), "T1", 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// issueAhead fills the store with n consecutive codes starting at the
// harness clock, the way a busy process runs ahead of the wall clock.
func issueAhead(t *testing.T, h *harness, n int) map[string]bool {
	t.Helper()
	taken := map[string]bool{}
	for i := 0; i < n; i++ {
		taken[h.issue(t, fmt.Sprintf("busy-%d", i), 1000).Code] = true
	}
	return taken
}

func TestIssue_RestartBehindTakenRunStillFindsACode(t *testing.T) {
	h := newHarness(t, time.Hour)
	taken := issueAhead(t, h, 20)

	restarted := NewIssuer(h.store, zap.NewNop(), IssuerConfig{Expiration: testTTL, Now: h.clock.Now})
	issued, err := restarted.Issue(context.Background(), "T1", 1000)
	require.NoError(t, err)
	assert.False(t, taken[issued.Code], "reissued %s", issued.Code)
}

func TestPrime_StartsAfterHighestStoredCode(t *testing.T) {
	h := newHarness(t, time.Hour)
	t0 := h.clock.Now().Unix()
	issueAhead(t, h, 20)

	restarted := NewIssuer(h.store, zap.NewNop(), IssuerConfig{Expiration: testTTL, MaxAttempts: 1, Now: h.clock.Now})
	require.NoError(t, restarted.Prime(context.Background()))

	issued, err := restarted.Issue(context.Background(), "T1", 1000)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("VCD%d", t0+20), issued.Code)
}
