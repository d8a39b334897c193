package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// Event types dispatched by the ledger service.
const (
	EventLedgerCorruption = "ledger.corruption_detected"
	EventLedgerRecovered  = "ledger.verification_recovered"
	EventTest             = "alert.test"
)

// Event is the JSON body POSTed to every configured alert URL.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	ID           uuid.UUID `json:"id"`
	EventID      uuid.UUID `json:"event_id"`
	EventType    string    `json:"event_type"`
	URL          string    `json:"url"`
	StatusCode   int       `json:"status_code"`
	Attempt      int       `json:"attempt"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DeliveredAt  time.Time `json:"delivered_at"`
}
