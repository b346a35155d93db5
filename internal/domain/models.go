package domain

import (
	"encoding/json"
)

// Status is the lifecycle state of a payment code or ledger entry.
type Status string

const (
	StatusPending              Status = "pending"
	StatusCompleted            Status = "completed"
	StatusExpired              Status = "expired"
	StatusReceivedAfterExpired Status = "received_after_expired"

	// Topup entries have no pending window; they record the confirmation result directly.
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusReceivedAfterExpired
}

// CanTransition reports whether from -> to is a legal code transition.
// The graph is pending -> {completed, expired}, expired -> received_after_expired.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusExpired
	case StatusExpired:
		return to == StatusReceivedAfterExpired
	default:
		return false
	}
}

// Kind is the direction of money a pending record waits for.
type Kind string

const KindReceive Kind = "receive"

// EntryType distinguishes correlated payments from phone-labelled transfers.
type EntryType string

const (
	EntryTopup       EntryType = "topup"
	EntryTransaction EntryType = "transaction"
)

// Direction of a phone-labelled transfer.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// PendingRecord is the store record behind one issued code.
type PendingRecord struct {
	Code          string `json:"code"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at"`
	Kind          Kind   `json:"kind"`
	Status        Status `json:"status"`
	Description   string `json:"description"`
	// Version is bumped on every committed transition and guards optimistic updates.
	Version int64 `json:"version"`
}

// Expired reports whether the pending window has closed at unix second now.
func (r PendingRecord) Expired(now int64) bool {
	return now > r.ExpiresAt
}

// LedgerEntry is the history row for one code (or one topup transfer).
type LedgerEntry struct {
	ID              string          `json:"id"`
	Seq             uint64          `json:"seq"`
	Type            EntryType       `json:"type"`
	Status          Status          `json:"status"`
	Direction       Direction       `json:"direction,omitempty"`
	Amount          int64           `json:"amount"`
	PhoneNumber     string          `json:"phoneNumber,omitempty"`
	TransactionID   string          `json:"transactionID,omitempty"`
	Description     string          `json:"description"`
	TransactionTime string          `json:"transactionTime"`
	Code            string          `json:"code,omitempty"`
	Confirmation    string          `json:"confirmation,omitempty"`
	Response        json.RawMessage `json:"response,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       int64           `json:"createdAt"`
	UpdatedAt       int64           `json:"updatedAt"`
}

// Key addresses the entry in the ledger: the code when present, the ID otherwise.
func (e LedgerEntry) Key() string {
	if e.Code != "" {
		return e.Code
	}
	return e.ID
}

// NotificationFact is what the parser extracts from one notification. Nil
// pointers mean the field was not found.
type NotificationFact struct {
	AmountIncreased *int64 `json:"amount_increased,omitempty"`
	AmountDecreased *int64 `json:"amount_decreased,omitempty"`
	OccurredAt      string `json:"occurred_at,omitempty"`
	CurrentBalance  *int64 `json:"current_balance,omitempty"`
	Description     string `json:"description,omitempty"`
	PhoneNumber     string `json:"phone_number,omitempty"`
	Code            string `json:"code,omitempty"`
}

// Confirmation outcomes recorded on ledger entries.
const (
	ConfirmationSuccess = "success"
	ConfirmationFailed  = "failed"
)

var statusMessages = map[Status]string{
	StatusPending:              "Waiting for payment",
	StatusCompleted:            "Payment received",
	StatusExpired:              "Payment code expired",
	StatusReceivedAfterExpired: "Payment received after the code expired",
	StatusSuccess:              "Transfer confirmed",
	StatusFailed:               "Transfer confirmation failed",
}

// StatusMessage maps a status to the human-readable message returned by the API.
func StatusMessage(s Status) string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return "Unknown status"
}
