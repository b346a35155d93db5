package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/confirm"
	"github.com/punchamoorthee/payrecon/internal/domain"
	"github.com/punchamoorthee/payrecon/internal/parser"
	"github.com/punchamoorthee/payrecon/internal/store"
)

const testTTL = 600 * time.Second

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// newClock starts at the current second so store-level TTLs, which follow
// the wall clock, stay far in the future.
func newClock() *fakeClock {
	return &fakeClock{t: time.Now().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeConfirmer struct {
	mu           sync.Mutex
	transactions []confirm.TransactionPayload
	topups       []confirm.TopupPayload
	err          error
}

func (f *fakeConfirmer) ConfirmTransaction(_ context.Context, p confirm.TransactionPayload) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, p)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeConfirmer) ConfirmTopup(_ context.Context, p confirm.TopupPayload) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topups = append(f.topups, p)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeConfirmer) transactionCalls() []confirm.TransactionPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]confirm.TransactionPayload(nil), f.transactions...)
}

type fakeAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *fakeAlerter) Alert(_ context.Context, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

type harness struct {
	store      store.Store
	clock      *fakeClock
	confirmer  *fakeConfirmer
	alerts     *fakeAlerter
	issuer     *Issuer
	reconciler *Reconciler
	sweeper    *Sweeper
	status     *StatusService
	parser     *parser.Parser
}

func newHarness(t *testing.T, retention time.Duration) *harness {
	t.Helper()
	s, err := store.OpenBadger("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store:     s,
		clock:     newClock(),
		confirmer: &fakeConfirmer{},
		alerts:    &fakeAlerter{},
		parser:    parser.New(zap.NewNop()),
	}
	h.issuer = NewIssuer(s, zap.NewNop(), IssuerConfig{Expiration: testTTL, StoreGrace: time.Hour, Now: h.clock.Now})
	h.reconciler = NewReconciler(s, h.confirmer, h.alerts, zap.NewNop(), ReconcilerConfig{Retention: retention, Now: h.clock.Now})
	h.sweeper = NewSweeper(s, zap.NewNop(), SweeperConfig{Retention: retention, Now: h.clock.Now})
	h.status = NewStatusService(s)
	return h
}

func (h *harness) issue(t *testing.T, transactionID string, amount int64) *Issued {
	t.Helper()
	issued, err := h.issuer.Issue(context.Background(), transactionID, amount)
	require.NoError(t, err)
	return issued
}

func (h *harness) notify(raw string) Result {
	return h.reconciler.Reconcile(context.Background(), h.parser.Parse(raw))
}

func (h *harness) ledger(t *testing.T, code string) *domain.LedgerEntry {
	t.Helper()
	entry, err := h.store.LedgerEntry(context.Background(), code)
	require.NoError(t, err)
	return entry
}

func creditNotification(amount, description string) string {
	return fmt.Sprintf("<p>Tài khoản 0123456789 vừa tăng %s VND vào 05/01/2024 10:30</p>"+
		"<p>Số dư hiện tại: 1.000.000 VND</p><p>Mô tả: %s</p>", amount, description)
}

func debitNotification(amount, description string) string {
	return fmt.Sprintf("<p>Tài khoản 0123456789 vừa giảm %s VND vào 05/01/2024 10:30</p>"+
		"<p>Mô tả: %s</p>", amount, description)
}
