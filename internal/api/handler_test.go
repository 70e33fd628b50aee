package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mvlaskovic/interclear/internal/domain"
	"github.com/mvlaskovic/interclear/internal/ledger"
	"github.com/mvlaskovic/interclear/internal/store"
	"github.com/mvlaskovic/interclear/internal/wire"
)

// Function-field fakes: tests set only the methods they exercise.

type fakeEngine struct {
	webhook func(ctx context.Context, msg *wire.Message, raw, source string) (wire.Vote, error)
}

func (f *fakeEngine) Webhook(ctx context.Context, msg *wire.Message, raw, source string) (wire.Vote, error) {
	return f.webhook(ctx, msg, raw, source)
}

type fakeLedgerService struct {
	createAccount          func(ctx context.Context, accountNumber string, ownerID int64, currency string, balance decimal.Decimal) (*domain.Account, error)
	getAccount             func(ctx context.Context, id int64) (*domain.Account, error)
	getTransfer            func(ctx context.Context, id int64) (*domain.Transfer, error)
	transactionsForAccount func(ctx context.Context, accountID int64) ([]domain.Transaction, error)
	createForeignTransfer  func(ctx context.Context, from, recipient string, amount decimal.Decimal, receiver string) (*domain.Transfer, error)
	processForeignTransfer func(ctx context.Context, transferID int64) error
	internalTransfer       func(ctx context.Context, req ledger.TransferRequest, key, hash string) (*ledger.TransferResult, *ledger.IdempotencyRecord, error)
}

func (f *fakeLedgerService) CreateAccount(ctx context.Context, accountNumber string, ownerID int64, currency string, balance decimal.Decimal) (*domain.Account, error) {
	return f.createAccount(ctx, accountNumber, ownerID, currency, balance)
}
func (f *fakeLedgerService) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return f.getAccount(ctx, id)
}
func (f *fakeLedgerService) GetTransfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	return f.getTransfer(ctx, id)
}
func (f *fakeLedgerService) TransactionsForAccount(ctx context.Context, accountID int64) ([]domain.Transaction, error) {
	return f.transactionsForAccount(ctx, accountID)
}
func (f *fakeLedgerService) CreateForeignTransfer(ctx context.Context, from, recipient string, amount decimal.Decimal, receiver string) (*domain.Transfer, error) {
	return f.createForeignTransfer(ctx, from, recipient, amount, receiver)
}
func (f *fakeLedgerService) ProcessForeignTransfer(ctx context.Context, transferID int64) error {
	return f.processForeignTransfer(ctx, transferID)
}
func (f *fakeLedgerService) InternalTransfer(ctx context.Context, req ledger.TransferRequest, key, hash string) (*ledger.TransferResult, *ledger.IdempotencyRecord, error) {
	return f.internalTransfer(ctx, req, key, hash)
}

type fakeEventReader struct {
	getEvent           func(ctx context.Context, id int64) (*domain.Event, error)
	deliveriesForEvent func(ctx context.Context, eventID int64) ([]domain.EventDelivery, error)
}

func (f *fakeEventReader) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	return f.getEvent(ctx, id)
}
func (f *fakeEventReader) DeliveriesForEvent(ctx context.Context, eventID int64) ([]domain.EventDelivery, error) {
	return f.deliveriesForEvent(ctx, eventID)
}

func newTestHandler(engine ProtocolEngine, svc LedgerService, events EventReader) *Handler {
	return NewHandler(engine, svc, events, "test-api-key", zap.NewNop())
}

func validNewTXBody(t *testing.T) []byte {
	t.Helper()
	key := wire.IdempotenceKey{RoutingNumber: "444", LocallyGeneratedKey: "k1"}
	msg, err := wire.NewEnvelope(wire.MessageNewTX, key, wire.Transaction{TransactionID: key})
	require.NoError(t, err)
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func TestInterbankRejectsMissingAPIKey(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeLedgerService{}, &fakeEventReader{})

	req := httptest.NewRequest("POST", "/interbank", bytes.NewReader(validNewTXBody(t)))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var vote wire.Vote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vote))
	assert.Equal(t, "NO", vote.Vote)
}

func TestInterbankRejectsWrongAPIKey(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeLedgerService{}, &fakeEventReader{})

	req := httptest.NewRequest("POST", "/interbank", bytes.NewReader(validNewTXBody(t)))
	req.Header.Set("X-Api-Key", "wrong")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInterbankRejectsMalformedJSON(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeLedgerService{}, &fakeEventReader{})

	req := httptest.NewRequest("POST", "/interbank", bytes.NewReader([]byte("not json")))
	req.Header.Set("X-Api-Key", "test-api-key")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
}

func TestInterbankMalformedEnvelopeGets400(t *testing.T) {
	engine := &fakeEngine{
		webhook: func(ctx context.Context, msg *wire.Message, raw, source string) (wire.Vote, error) {
			return wire.Vote{}, store.ErrMalformedEvent
		},
	}
	h := newTestHandler(engine, &fakeLedgerService{}, &fakeEventReader{})

	req := httptest.NewRequest("POST", "/interbank", bytes.NewReader([]byte(`{"messageType":"BOGUS"}`)))
	req.Header.Set("X-Api-Key", "test-api-key")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInterbankUndecodableBodyGets400(t *testing.T) {
	engine := &fakeEngine{
		webhook: func(ctx context.Context, msg *wire.Message, raw, source string) (wire.Vote, error) {
			return wire.Vote{}, fmt.Errorf("%w: decode NEW_TX body", store.ErrMalformedEvent)
		},
	}
	h := newTestHandler(engine, &fakeLedgerService{}, &fakeEventReader{})

	body := `{"messageType":"NEW_TX","idempotenceKey":{"routingNumber":"444","locallyGeneratedKey":"k9"},"message":42}`
	req := httptest.NewRequest("POST", "/interbank", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Api-Key", "test-api-key")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
}

func TestInterbankReturnsVote(t *testing.T) {
	engine := &fakeEngine{
		webhook: func(ctx context.Context, msg *wire.Message, raw, source string) (wire.Vote, error) {
			assert.Equal(t, wire.MessageNewTX, msg.MessageType)
			assert.JSONEq(t, string(validNewTXBody(t)), raw)
			return wire.VoteNo(wire.ReasonNoSuchAccount, nil), nil
		},
	}
	h := newTestHandler(engine, &fakeLedgerService{}, &fakeEventReader{})

	req := httptest.NewRequest("POST", "/interbank", bytes.NewReader(validNewTXBody(t)))
	req.Header.Set("X-Api-Key", "test-api-key")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var vote wire.Vote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vote))
	assert.Equal(t, "NO", vote.Vote)
	require.Len(t, vote.Reasons, 1)
	assert.Equal(t, wire.ReasonNoSuchAccount, vote.Reasons[0].Reason)
}

func TestGetAccountNotFound(t *testing.T) {
	svc := &fakeLedgerService{
		getAccount: func(ctx context.Context, id int64) (*domain.Account, error) {
			return nil, ledger.ErrAccountNotFound
		},
	}
	h := newTestHandler(&fakeEngine{}, svc, &fakeEventReader{})

	req := httptest.NewRequest("GET", "/api/v1/accounts/99", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTransferRequiresIdempotencyKey(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeLedgerService{}, &fakeEventReader{})

	body := `{"from_account_id":1,"to_account_id":2,"amount":"10"}`
	req := httptest.NewRequest("POST", "/api/v1/transfers", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTransferErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"concurrent duplicate", ledger.ErrIdempotencyConflict, http.StatusConflict},
		{"key reuse different payload", ledger.ErrIdempotencyMismatch, http.StatusUnprocessableEntity},
		{"missing account", ledger.ErrAccountNotFound, http.StatusNotFound},
		{"insufficient funds", ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{"currency mismatch", ledger.ErrCurrencyMismatch, http.StatusUnprocessableEntity},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeLedgerService{
				internalTransfer: func(ctx context.Context, req ledger.TransferRequest, key, hash string) (*ledger.TransferResult, *ledger.IdempotencyRecord, error) {
					return nil, nil, tc.err
				},
			}
			h := newTestHandler(&fakeEngine{}, svc, &fakeEventReader{})

			body := `{"from_account_id":1,"to_account_id":2,"amount":"10"}`
			req := httptest.NewRequest("POST", "/api/v1/transfers", bytes.NewReader([]byte(body)))
			req.Header.Set("Idempotency-Key", "key-1")
			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
		})
	}
}

func TestCreateTransferReplaysStoredResponse(t *testing.T) {
	stored := []byte(`{"transfer":{"id":7}}`)
	svc := &fakeLedgerService{
		internalTransfer: func(ctx context.Context, req ledger.TransferRequest, key, hash string) (*ledger.TransferResult, *ledger.IdempotencyRecord, error) {
			assert.Equal(t, "key-1", key)
			assert.NotEmpty(t, hash)
			return nil, &ledger.IdempotencyRecord{
				Key:            key,
				ResponseBody:   stored,
				ResponseStatus: http.StatusCreated,
			}, nil
		},
	}
	h := newTestHandler(&fakeEngine{}, svc, &fakeEventReader{})

	body := `{"from_account_id":1,"to_account_id":2,"amount":"10"}`
	req := httptest.NewRequest("POST", "/api/v1/transfers", bytes.NewReader([]byte(body)))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, string(stored), rec.Body.String())
}

func TestCreateTransferRejectsSelfTransfer(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeLedgerService{}, &fakeEventReader{})

	body := `{"from_account_id":3,"to_account_id":3,"amount":"10"}`
	req := httptest.NewRequest("POST", "/api/v1/transfers", bytes.NewReader([]byte(body)))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestProcessTransferInsufficientFunds(t *testing.T) {
	svc := &fakeLedgerService{
		processForeignTransfer: func(ctx context.Context, transferID int64) error {
			assert.Equal(t, int64(5), transferID)
			return ledger.ErrInsufficientFunds
		},
	}
	h := newTestHandler(&fakeEngine{}, svc, &fakeEventReader{})

	req := httptest.NewRequest("POST", "/api/v1/transfers/5/process", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestProcessTransferAccepted(t *testing.T) {
	svc := &fakeLedgerService{
		processForeignTransfer: func(ctx context.Context, transferID int64) error {
			return nil
		},
	}
	h := newTestHandler(&fakeEngine{}, svc, &fakeEventReader{})

	req := httptest.NewRequest("POST", "/api/v1/transfers/5/process", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCreateForeignTransferValidation(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeLedgerService{}, &fakeEventReader{})

	body := `{"from_account_number":"111-001","recipient_account":"444-009","amount":"-5"}`
	req := httptest.NewRequest("POST", "/api/v1/transfers/foreign", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetEventDeliveries(t *testing.T) {
	events := &fakeEventReader{
		getEvent: func(ctx context.Context, id int64) (*domain.Event, error) {
			return &domain.Event{ID: id}, nil
		},
		deliveriesForEvent: func(ctx context.Context, eventID int64) ([]domain.EventDelivery, error) {
			return []domain.EventDelivery{
				{ID: 1, EventID: eventID, Status: domain.EventFailed, HTTPStatus: 502},
				{ID: 2, EventID: eventID, Status: domain.EventSuccess, HTTPStatus: 200},
			}, nil
		},
	}
	h := newTestHandler(&fakeEngine{}, &fakeLedgerService{}, events)

	req := httptest.NewRequest("GET", "/api/v1/events/3/deliveries", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var got []domain.EventDelivery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, domain.EventSuccess, got[1].Status)
}

func TestGetEventDeliveriesUnknownEvent(t *testing.T) {
	events := &fakeEventReader{
		getEvent: func(ctx context.Context, id int64) (*domain.Event, error) {
			return nil, store.ErrEventNotFound
		},
	}
	h := newTestHandler(&fakeEngine{}, &fakeLedgerService{}, events)

	req := httptest.NewRequest("GET", "/api/v1/events/404/deliveries", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
