package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mvlaskovic/interclear/internal/domain"
	"github.com/mvlaskovic/interclear/internal/ledger"
	"github.com/mvlaskovic/interclear/internal/store"
	"github.com/mvlaskovic/interclear/internal/wire"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interclear_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interclear_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// ProtocolEngine is the inbound face of the settlement engine.
type ProtocolEngine interface {
	Webhook(ctx context.Context, msg *wire.Message, rawPayload, sourceURL string) (wire.Vote, error)
}

// LedgerService is the slice of the ledger the HTTP surface needs.
type LedgerService interface {
	CreateAccount(ctx context.Context, accountNumber string, ownerID int64, currency string, balance decimal.Decimal) (*domain.Account, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetTransfer(ctx context.Context, id int64) (*domain.Transfer, error)
	TransactionsForAccount(ctx context.Context, accountID int64) ([]domain.Transaction, error)
	CreateForeignTransfer(ctx context.Context, fromAccountNumber, recipientAccount string, amount decimal.Decimal, receiver string) (*domain.Transfer, error)
	ProcessForeignTransfer(ctx context.Context, transferID int64) error
	InternalTransfer(ctx context.Context, req ledger.TransferRequest, idempotencyKey, reqHash string) (*ledger.TransferResult, *ledger.IdempotencyRecord, error)
}

// EventReader exposes the delivery audit trail.
type EventReader interface {
	GetEvent(ctx context.Context, id int64) (*domain.Event, error)
	DeliveriesForEvent(ctx context.Context, eventID int64) ([]domain.EventDelivery, error)
}

type Handler struct {
	engine ProtocolEngine
	ledger LedgerService
	events EventReader
	apiKey string
	log    *zap.Logger
}

func NewHandler(engine ProtocolEngine, ledger LedgerService, events EventReader, apiKey string, log *zap.Logger) *Handler {
	return &Handler{engine: engine, ledger: ledger, events: events, apiKey: apiKey, log: log}
}

// Routes builds the full router, webhook included.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.HandleFunc("/interbank", h.Interbank).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/transactions", h.GetAccountTransactions).Methods("GET")
	apiV1.HandleFunc("/transfers", h.CreateTransfer).Methods("POST")
	apiV1.HandleFunc("/transfers/foreign", h.CreateForeignTransfer).Methods("POST")
	apiV1.HandleFunc("/transfers/{id}", h.GetTransfer).Methods("GET")
	apiV1.HandleFunc("/transfers/{id}/process", h.ProcessTransfer).Methods("POST")
	apiV1.HandleFunc("/events/{id}/deliveries", h.GetEventDeliveries).Methods("GET")
	return r
}

// Interbank is the webhook the counterpart bank delivers protocol
// messages to. It always answers synchronously: a Vote on success, an
// error envelope otherwise.
func (h *Handler) Interbank(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/interbank"))
	defer timer.ObserveDuration()

	apiKey := r.Header.Get("X-Api-Key")
	if apiKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(h.apiKey)) != 1 {
		h.respondJSON(w, http.StatusUnauthorized, wire.Vote{Vote: "NO"}, "POST", "/interbank")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondJSON(w, http.StatusBadRequest,
			map[string]any{"success": false, "error": "stream read error"}, "POST", "/interbank")
		return
	}

	var msg wire.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		h.respondJSON(w, http.StatusBadRequest,
			map[string]any{"success": false, "error": err.Error()}, "POST", "/interbank")
		return
	}

	vote, err := h.engine.Webhook(r.Context(), &msg, string(body), r.RemoteAddr)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, store.ErrMalformedEvent) {
			status = http.StatusInternalServerError
		}
		h.respondJSON(w, status,
			map[string]any{"success": false, "error": err.Error()}, "POST", "/interbank")
		return
	}

	h.respondJSON(w, http.StatusOK, vote, "POST", "/interbank")
}

type createAccountRequest struct {
	AccountNumber string          `json:"account_number"`
	OwnerID       int64           `json:"owner_id"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/accounts")
		return
	}
	if req.AccountNumber == "" || req.Currency == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "account_number and currency are required", "POST", "/accounts")
		return
	}

	acc, err := h.ledger.CreateAccount(r.Context(), req.AccountNumber, req.OwnerID, req.Currency, req.Balance)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error(), "POST", "/accounts")
		return
	}
	h.respondJSON(w, http.StatusCreated, acc, "POST", "/accounts")
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	acc, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			h.respondError(w, http.StatusNotFound, "Account not found", "GET", "/accounts/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/accounts/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, acc, "GET", "/accounts/{id}")
}

func (h *Handler) GetAccountTransactions(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	txs, err := h.ledger.TransactionsForAccount(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/accounts/{id}/transactions")
		return
	}
	h.respondJSON(w, http.StatusOK, txs, "GET", "/accounts/{id}/transactions")
}

// CreateTransfer settles a same-currency internal transfer under an
// Idempotency-Key header, replaying the stored response on key reuse.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		h.respondError(w, http.StatusBadRequest, "Missing Idempotency-Key", "POST", "/transfers")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", "/transfers")
		return
	}
	hash := sha256.Sum256(body)
	reqHash := hex.EncodeToString(hash[:])
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	var req ledger.TransferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/transfers")
		return
	}

	if !req.Amount.IsPositive() {
		h.respondError(w, http.StatusUnprocessableEntity, "Amount must be positive", "POST", "/transfers")
		return
	}
	if req.FromAccountID == req.ToAccountID {
		h.respondError(w, http.StatusUnprocessableEntity, "Cannot transfer to self", "POST", "/transfers")
		return
	}

	result, existing, err := h.ledger.InternalTransfer(r.Context(), req, idemKey, reqHash)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrIdempotencyConflict):
			h.respondError(w, http.StatusConflict, "Request in progress", "POST", "/transfers")
		case errors.Is(err, ledger.ErrIdempotencyMismatch):
			h.respondError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload", "POST", "/transfers")
		case errors.Is(err, ledger.ErrAccountNotFound):
			h.respondError(w, http.StatusNotFound, "Account not found", "POST", "/transfers")
		case errors.Is(err, ledger.ErrInsufficientFunds):
			h.respondError(w, http.StatusUnprocessableEntity, "Insufficient funds", "POST", "/transfers")
		case errors.Is(err, ledger.ErrCurrencyMismatch):
			h.respondError(w, http.StatusUnprocessableEntity, "Accounts use different currencies", "POST", "/transfers")
		default:
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/transfers")
		}
		return
	}

	if existing != nil {
		httpReqTotal.WithLabelValues("POST", "/transfers", "200").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.ResponseStatus)
		w.Write(existing.ResponseBody)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%d", result.Transfer.ID))
	h.respondJSON(w, http.StatusCreated, result, "POST", "/transfers")
}

type createForeignTransferRequest struct {
	FromAccountNumber string          `json:"from_account_number"`
	RecipientAccount  string          `json:"recipient_account"`
	Amount            decimal.Decimal `json:"amount"`
	Receiver          string          `json:"receiver"`
}

func (h *Handler) CreateForeignTransfer(w http.ResponseWriter, r *http.Request) {
	var req createForeignTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/transfers/foreign")
		return
	}
	if !req.Amount.IsPositive() {
		h.respondError(w, http.StatusUnprocessableEntity, "Amount must be positive", "POST", "/transfers/foreign")
		return
	}
	if req.FromAccountNumber == "" || req.RecipientAccount == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "Source and recipient accounts are required", "POST", "/transfers/foreign")
		return
	}

	t, err := h.ledger.CreateForeignTransfer(r.Context(), req.FromAccountNumber, req.RecipientAccount, req.Amount, req.Receiver)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			h.respondError(w, http.StatusNotFound, "Account not found", "POST", "/transfers/foreign")
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error(), "POST", "/transfers/foreign")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%d", t.ID))
	h.respondJSON(w, http.StatusCreated, t, "POST", "/transfers/foreign")
}

// ProcessTransfer reserves a pending foreign-bank transfer and kicks off
// the interbank settlement. The settlement itself completes
// asynchronously through the dispatcher.
func (h *Handler) ProcessTransfer(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	err := h.ledger.ProcessForeignTransfer(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrTransferNotFound):
			h.respondError(w, http.StatusNotFound, "Transfer not found", "POST", "/transfers/{id}/process")
		case errors.Is(err, ledger.ErrInsufficientFunds):
			h.respondError(w, http.StatusUnprocessableEntity, "Insufficient funds", "POST", "/transfers/{id}/process")
		case errors.Is(err, ledger.ErrInvalidState):
			h.respondError(w, http.StatusConflict, err.Error(), "POST", "/transfers/{id}/process")
		default:
			h.respondError(w, http.StatusInternalServerError, err.Error(), "POST", "/transfers/{id}/process")
		}
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "reserved"}, "POST", "/transfers/{id}/process")
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	t, err := h.ledger.GetTransfer(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrTransferNotFound) {
			h.respondError(w, http.StatusNotFound, "Transfer not found", "GET", "/transfers/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/transfers/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, t, "GET", "/transfers/{id}")
}

// GetEventDeliveries returns the attempt audit trail for an event, in
// attempt order.
func (h *Handler) GetEventDeliveries(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	if _, err := h.events.GetEvent(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			h.respondError(w, http.StatusNotFound, "Event not found", "GET", "/events/{id}/deliveries")
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/events/{id}/deliveries")
		return
	}

	deliveries, err := h.events.DeliveriesForEvent(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/events/{id}/deliveries")
		return
	}
	h.respondJSON(w, http.StatusOK, deliveries, "GET", "/events/{id}/deliveries")
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
