package wire

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageDecodeByDiscriminator(t *testing.T) {
	raw := `{
		"messageType": "NEW_TX",
		"idempotenceKey": {"routingNumber": "444", "locallyGeneratedKey": "abc-123"},
		"message": {
			"transactionId": {"routingNumber": "444", "locallyGeneratedKey": "abc-123"},
			"timestamp": "2026-01-15T10:00:00Z",
			"postings": [
				{
					"account": {"type": "PERSON", "id": {"routingNumber": "444", "userId": "444-001"}},
					"amount": -50,
					"asset": {"type": "MONAS", "asset": {"currency": "EUR"}}
				},
				{
					"account": {"type": "PERSON", "id": {"routingNumber": "111", "userId": "111-002"}},
					"amount": 50,
					"asset": {"type": "MONAS", "asset": {"currency": "EUR"}}
				}
			],
			"message": "invoice 42"
		}
	}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, MessageNewTX, msg.MessageType)
	assert.Equal(t, "444/abc-123", msg.IdempotenceKey.String())

	tx, err := msg.Transaction()
	require.NoError(t, err)
	require.Len(t, tx.Postings, 2)
	assert.True(t, tx.Postings[0].Amount.IsNegative())
	assert.Equal(t, "111-002", tx.Postings[1].Account.ID.UserID)

	asset, err := tx.Postings[0].Asset.Monetary()
	require.NoError(t, err)
	assert.Equal(t, "EUR", asset.Currency)

	// Decoding against the wrong discriminator must fail.
	_, err = msg.Commit()
	assert.Error(t, err)
	_, err = msg.Rollback()
	assert.Error(t, err)
}

func TestNonMonetaryAssetStaysRaw(t *testing.T) {
	raw := `{"type": "STOCK", "asset": {"ticker": "AAPL", "quantity": 3}}`

	var a Asset
	require.NoError(t, json.Unmarshal([]byte(raw), &a))
	assert.False(t, a.IsMonetary())
	assert.JSONEq(t, `{"ticker": "AAPL", "quantity": 3}`, string(a.Body))

	_, err := a.Monetary()
	assert.Error(t, err)
}

func TestNewEnvelopeRejectsBodyTypeMismatch(t *testing.T) {
	key := IdempotenceKey{RoutingNumber: "111", LocallyGeneratedKey: "k1"}

	_, err := NewEnvelope(MessageNewTX, key, Commit{TransactionID: key})
	assert.Error(t, err)

	_, err = NewEnvelope(MessageCommitTX, key, Transaction{})
	assert.Error(t, err)

	_, err = NewEnvelope(MessageType("PREPARE"), key, Commit{})
	assert.Error(t, err)
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	key := IdempotenceKey{RoutingNumber: "111", LocallyGeneratedKey: "42"}
	tx := Transaction{
		TransactionID: key,
		Timestamp:     "2026-01-15T10:00:00Z",
		Postings: []Posting{
			{
				Account: TxAccount{Type: "PERSON", ID: ForeignBankID{RoutingNumber: "111", UserID: "111-001"}},
				Amount:  decimal.NewFromInt(-100),
				Asset:   MonetaryAsset("RSD"),
			},
			{
				Account: TxAccount{Type: "PERSON", ID: ForeignBankID{RoutingNumber: "444", UserID: "444-009"}},
				Amount:  decimal.NewFromInt(100),
				Asset:   MonetaryAsset("RSD"),
			},
		},
		Message: "444-009",
	}

	envelope, err := NewEnvelope(MessageNewTX, key, tx)
	require.NoError(t, err)

	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	got, err := decoded.Transaction()
	require.NoError(t, err)
	assert.Equal(t, key, got.TransactionID)
	require.Len(t, got.Postings, 2)
	assert.True(t, got.Postings[0].Amount.Equal(decimal.NewFromInt(-100)))
	assert.True(t, got.Postings[1].Amount.Equal(decimal.NewFromInt(100)))
}

func TestIdempotenceKeyIsZero(t *testing.T) {
	assert.True(t, IdempotenceKey{}.IsZero())
	assert.True(t, IdempotenceKey{RoutingNumber: "111"}.IsZero())
	assert.True(t, IdempotenceKey{LocallyGeneratedKey: "k"}.IsZero())
	assert.False(t, IdempotenceKey{RoutingNumber: "111", LocallyGeneratedKey: "k"}.IsZero())
}

func TestVoteHelpers(t *testing.T) {
	yes := VoteYes()
	assert.True(t, yes.Yes())
	assert.Empty(t, yes.Reasons)

	// A YES vote serializes without a reasons key at all.
	data, err := json.Marshal(yes)
	require.NoError(t, err)
	assert.JSONEq(t, `{"vote":"YES"}`, string(data))

	no := VoteNo(ReasonNoSuchAccount, nil)
	assert.False(t, no.Yes())
	require.Len(t, no.Reasons, 1)
	assert.Equal(t, ReasonNoSuchAccount, no.Reasons[0].Reason)
}
