package models

// CreateTransactionRequest is the payload of POST /create_transaction.
type CreateTransactionRequest struct {
	TransactionID string `json:"transactionID"`
	Amount        int64  `json:"amount"`
}

// CreateTransactionResponse carries the issued code and its QR payload.
type CreateTransactionResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionID"`
	Code          string `json:"code"`
	QRCodeData    string `json:"qrCodeData"`
	Amount        int64  `json:"amount"`
	ExpiresAt     int64  `json:"expiresAt"`
	Message       string `json:"message"`
}

// StatusResponse is the body of GET /check_transaction_status.
type StatusResponse struct {
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Timestamp     int64  `json:"timestamp"`
	TransactionID string `json:"transactionID"`
	Description   string `json:"description"`
	Message       string `json:"message"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// AcceptedResponse acknowledges a queued notification.
type AcceptedResponse struct {
	Message string `json:"message"`
}
