package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mvlaskovic/interclear/internal/wire"
)

type EventDirection string

const (
	DirectionIncoming EventDirection = "INCOMING"
	DirectionOutgoing EventDirection = "OUTGOING"
)

type EventStatus string

const (
	EventPending  EventStatus = "PENDING"
	EventRetrying EventStatus = "RETRYING"
	EventSuccess  EventStatus = "SUCCESS"
	EventFailed   EventStatus = "FAILED"
	EventCanceled EventStatus = "CANCELED"
)

// Event is one interbank protocol message, inbound or outbound. Events
// are never deleted; they are the audit trail of the settlement protocol.
type Event struct {
	ID             int64               `json:"id"`
	MessageType    wire.MessageType    `json:"message_type"`
	Direction      EventDirection      `json:"direction"`
	IdempotenceKey wire.IdempotenceKey `json:"idempotence_key"`
	Payload        string              `json:"payload"`
	URL            string              `json:"url"`
	Status         EventStatus         `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
}

// EventDelivery is one delivery attempt for an outgoing event. Rows are
// append-only and immutable after creation, ordered by attempt.
type EventDelivery struct {
	ID           int64       `json:"id"`
	EventID      int64       `json:"event_id"`
	Status       EventStatus `json:"status"`
	HTTPStatus   int         `json:"http_status"`
	ResponseBody string      `json:"response_body"`
	DurationMs   int64       `json:"duration_ms"`
	SentAt       time.Time   `json:"sent_at"`
}

// Account holds a customer's spendable and reserved balances. Funds in
// flight for a foreign-bank transfer sit in ReservedBalance until the
// counterpart votes.
type Account struct {
	ID              int64           `json:"id"`
	AccountNumber   string          `json:"account_number"`
	OwnerID         int64           `json:"owner_id"`
	Currency        string          `json:"currency"`
	Balance         decimal.Decimal `json:"balance"`
	ReservedBalance decimal.Decimal `json:"reserved_balance"`
	CreatedAt       time.Time       `json:"created_at"`
}

type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferReserved  TransferStatus = "RESERVED"
	TransferCompleted TransferStatus = "COMPLETED"
	TransferFailed    TransferStatus = "FAILED"
	TransferCancelled TransferStatus = "CANCELLED"
)

type TransferType string

const (
	TransferInternal    TransferType = "INTERNAL"
	TransferExternal    TransferType = "EXTERNAL"
	TransferExchange    TransferType = "EXCHANGE"
	TransferForeign     TransferType = "FOREIGN"
	TransferForeignBank TransferType = "FOREIGN_BANK"
)

// Transfer is the local intent to move money. For FOREIGN_BANK transfers
// ToAccountID is nil and the counterpart identifier travels in Note.
type Transfer struct {
	ID            int64           `json:"id"`
	FromAccountID *int64          `json:"from_account_id"`
	ToAccountID   *int64          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	FromCurrency  string          `json:"from_currency"`
	ToCurrency    string          `json:"to_currency"`
	Status        TransferStatus  `json:"status"`
	Type          TransferType    `json:"type"`
	Note          string          `json:"note"`
	Receiver      string          `json:"receiver,omitempty"`
	OTP           string          `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Transaction is the immutable audit row written when money actually
// moves: one per settled debit or credit leg.
type Transaction struct {
	ID          int64           `json:"id"`
	TransferID  int64           `json:"transfer_id"`
	AccountID   int64           `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}
