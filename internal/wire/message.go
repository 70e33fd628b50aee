// Package wire defines the interbank message formats exchanged between
// the two banks. The envelope carries a message type, an idempotence key
// and a body whose concrete shape depends on the type; bodies are kept
// raw until the type is known and decoded by discriminator.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type MessageType string

const (
	MessageNewTX      MessageType = "NEW_TX"
	MessageCommitTX   MessageType = "COMMIT_TX"
	MessageRollbackTX MessageType = "ROLLBACK_TX"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageNewTX, MessageCommitTX, MessageRollbackTX:
		return true
	}
	return false
}

// IdempotenceKey names one logical cross-bank transaction. The routing
// number is the originating bank's; the locally generated half is unique
// within that bank.
type IdempotenceKey struct {
	RoutingNumber       string `json:"routingNumber"`
	LocallyGeneratedKey string `json:"locallyGeneratedKey"`
}

func (k IdempotenceKey) IsZero() bool {
	return k.RoutingNumber == "" || k.LocallyGeneratedKey == ""
}

func (k IdempotenceKey) String() string {
	return k.RoutingNumber + "/" + k.LocallyGeneratedKey
}

// Message is the interbank envelope. The body stays raw until the
// declared type picks the decoder.
type Message struct {
	MessageType    MessageType     `json:"messageType"`
	IdempotenceKey IdempotenceKey  `json:"idempotenceKey"`
	Message        json.RawMessage `json:"message"`
}

// Transaction is the NEW_TX body: a proposed two-posting transaction.
type Transaction struct {
	TransactionID IdempotenceKey `json:"transactionId"`
	Timestamp     string         `json:"timestamp"`
	Postings      []Posting      `json:"postings"`
	Message       string         `json:"message"`
}

// Commit is the COMMIT_TX body. TransactionID references the NEW_TX
// message being committed, not the commit's own idempotence key.
type Commit struct {
	TransactionID IdempotenceKey `json:"transactionId"`
}

// Rollback is the ROLLBACK_TX body.
type Rollback struct {
	TransactionID IdempotenceKey `json:"transactionId"`
}

// Posting is one signed leg of a transaction.
type Posting struct {
	Account TxAccount       `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
	Asset   Asset           `json:"asset"`
}

// TxAccount identifies one party of a posting. Type is "PERSON" with the
// bank-scoped id filled, or "ACCOUNT" with a bare account number in Num.
type TxAccount struct {
	Type string        `json:"type"`
	ID   ForeignBankID `json:"id"`
	Num  string        `json:"num"`
}

// ForeignBankID scopes an account identifier to a bank.
type ForeignBankID struct {
	RoutingNumber string `json:"routingNumber"`
	UserID        string `json:"userId"`
}

// NewEnvelope builds an envelope after checking that the body matches
// the declared message type. A mismatch is a programming error and
// aborts construction.
func NewEnvelope(msgType MessageType, key IdempotenceKey, body any) (*Message, error) {
	if err := checkBodyType(msgType, body); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", msgType, err)
	}
	return &Message{
		MessageType:    msgType,
		IdempotenceKey: key,
		Message:        raw,
	}, nil
}

func checkBodyType(msgType MessageType, body any) error {
	switch msgType {
	case MessageNewTX:
		if _, ok := body.(Transaction); !ok {
			if _, ok := body.(*Transaction); !ok {
				return fmt.Errorf("expected transaction body for NEW_TX, got %T", body)
			}
		}
	case MessageCommitTX:
		if _, ok := body.(Commit); !ok {
			if _, ok := body.(*Commit); !ok {
				return fmt.Errorf("expected commit body for COMMIT_TX, got %T", body)
			}
		}
	case MessageRollbackTX:
		if _, ok := body.(Rollback); !ok {
			if _, ok := body.(*Rollback); !ok {
				return fmt.Errorf("expected rollback body for ROLLBACK_TX, got %T", body)
			}
		}
	default:
		return fmt.Errorf("unknown message type %q", msgType)
	}
	return nil
}

// Decode helpers. Each checks the envelope's declared type before
// touching the body.

func (m *Message) Transaction() (*Transaction, error) {
	if m.MessageType != MessageNewTX {
		return nil, fmt.Errorf("message type is %s, not NEW_TX", m.MessageType)
	}
	var tx Transaction
	if err := json.Unmarshal(m.Message, &tx); err != nil {
		return nil, fmt.Errorf("decode NEW_TX body: %w", err)
	}
	return &tx, nil
}

func (m *Message) Commit() (*Commit, error) {
	if m.MessageType != MessageCommitTX {
		return nil, fmt.Errorf("message type is %s, not COMMIT_TX", m.MessageType)
	}
	var c Commit
	if err := json.Unmarshal(m.Message, &c); err != nil {
		return nil, fmt.Errorf("decode COMMIT_TX body: %w", err)
	}
	return &c, nil
}

func (m *Message) Rollback() (*Rollback, error) {
	if m.MessageType != MessageRollbackTX {
		return nil, fmt.Errorf("message type is %s, not ROLLBACK_TX", m.MessageType)
	}
	var r Rollback
	if err := json.Unmarshal(m.Message, &r); err != nil {
		return nil, fmt.Errorf("decode ROLLBACK_TX body: %w", err)
	}
	return &r, nil
}
