// Package interbank implements the vote-gated settlement protocol spoken
// between this bank and its counterpart: interpreting inbound
// NEW_TX/COMMIT_TX/ROLLBACK_TX messages, originating outbound ones on
// behalf of local transfers, and the retrying delivery of outbound
// events.
package interbank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mvlaskovic/interclear/internal/domain"
	"github.com/mvlaskovic/interclear/internal/store"
	"github.com/mvlaskovic/interclear/internal/wire"
)

var votesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "interclear_webhook_votes_total",
	Help: "Votes returned to inbound interbank messages",
}, []string{"message_type", "vote"})

// EventStore is the slice of the event persistence layer the engine and
// dispatcher need. Satisfied by *store.EventStore.
type EventStore interface {
	CreateOutgoing(ctx context.Context, msgType wire.MessageType, key wire.IdempotenceKey, payload, targetURL string) (*domain.Event, error)
	ReceiveIncoming(ctx context.Context, msg *wire.Message, rawPayload, sourceURL string) (*domain.Event, error)
	FindByIdempotenceKey(ctx context.Context, key wire.IdempotenceKey) (*domain.Event, error)
	RecordDelivery(ctx context.Context, eventID int64, status domain.EventStatus, httpStatus int, responseBody string, durationMs int64) (*domain.EventDelivery, error)
	ChangeStatus(ctx context.Context, eventID int64, status domain.EventStatus) error
}

// Ledger is the slice of the local money state machine the engine
// drives. Satisfied by *ledger.Service.
type Ledger interface {
	AccountByNumber(ctx context.Context, number string) (*domain.Account, error)
	CommitReservation(ctx context.Context, key wire.IdempotenceKey) (*domain.Transfer, error)
	ReleaseReservation(ctx context.Context, key wire.IdempotenceKey) (*domain.Transfer, error)
	ReceiveCredit(ctx context.Context, accountNumber string, amount decimal.Decimal, currency, description, sender string) (*domain.Transfer, error)
}

// Settings are the protocol identities and endpoints, passed explicitly
// rather than read from ambient state.
type Settings struct {
	RoutingNumber            string
	ForeignBankRoutingNumber string
	InterbankTargetURL       string
}

type Engine struct {
	events     EventStore
	ledger     Ledger
	trading    *TradingClient
	dispatcher *Dispatcher
	settings   Settings
	log        *zap.Logger
}

func NewEngine(events EventStore, ledger Ledger, trading *TradingClient, dispatcher *Dispatcher, settings Settings, log *zap.Logger) *Engine {
	return &Engine{
		events:     events,
		ledger:     ledger,
		trading:    trading,
		dispatcher: dispatcher,
		settings:   settings,
		log:        log,
	}
}

// Webhook handles one inbound interbank message and returns the vote
// synchronously. The raw payload is recorded as an INCOMING event before
// any interpretation; a replayed idempotence key is never re-applied.
func (e *Engine) Webhook(ctx context.Context, msg *wire.Message, rawPayload, sourceURL string) (wire.Vote, error) {
	ev, err := e.events.ReceiveIncoming(ctx, msg, rawPayload, sourceURL)
	switch {
	case errors.Is(err, store.ErrMalformedEvent):
		return wire.Vote{}, err
	case errors.Is(err, store.ErrDuplicateEvent):
		e.log.Warn("duplicate inbound event",
			zap.String("idempotence_key", msg.IdempotenceKey.String()),
			zap.String("message_type", string(msg.MessageType)))
		if msg.MessageType != wire.MessageNewTX {
			// COMMIT_TX and ROLLBACK_TX replays are acknowledged without
			// re-applying: the first delivery already settled the money.
			return e.countVote(msg.MessageType, wire.VoteYes()), nil
		}
		// NEW_TX validation is side-effect free, so re-voting is safe.
	case err != nil:
		return wire.Vote{}, err
	}

	e.log.Info("received interbank message",
		zap.Int64("event_id", ev.ID),
		zap.String("message_type", string(msg.MessageType)),
		zap.String("idempotence_key", msg.IdempotenceKey.String()))

	switch msg.MessageType {
	case wire.MessageNewTX:
		tx, err := msg.Transaction()
		if err != nil {
			return wire.Vote{}, e.failEvent(ctx, ev, err)
		}
		vote, err := e.HandleNewTX(ctx, msg, tx)
		if err != nil {
			return wire.Vote{}, err
		}
		return e.countVote(msg.MessageType, vote), nil

	case wire.MessageCommitTX:
		commit, err := msg.Commit()
		if err != nil {
			return wire.Vote{}, e.failEvent(ctx, ev, err)
		}
		if err := e.HandleCommitTX(ctx, commit); err != nil {
			e.log.Error("commit handling failed",
				zap.String("transaction_id", commit.TransactionID.String()),
				zap.Error(err))
			return e.countVote(msg.MessageType, wire.VoteNo(wire.ReasonCommitTXFailed, nil)), nil
		}
		return e.countVote(msg.MessageType, wire.VoteYes()), nil

	case wire.MessageRollbackTX:
		// Nothing was reserved locally for a proposal this bank merely
		// voted on; the rollback only needs acknowledging.
		return e.countVote(msg.MessageType, wire.VoteYes()), nil
	}

	return wire.Vote{}, fmt.Errorf("unknown message type %q", msg.MessageType)
}

// failEvent marks a recorded event FAILED and classifies an undecodable
// body as malformed input rather than an internal fault.
func (e *Engine) failEvent(ctx context.Context, ev *domain.Event, err error) error {
	if chErr := e.events.ChangeStatus(ctx, ev.ID, domain.EventFailed); chErr != nil {
		e.log.Error("failed to mark event as FAILED",
			zap.Int64("event_id", ev.ID), zap.Error(chErr))
	}
	return fmt.Errorf("%w: %v", store.ErrMalformedEvent, err)
}

func (e *Engine) countVote(msgType wire.MessageType, v wire.Vote) wire.Vote {
	votesTotal.WithLabelValues(string(msgType), v.Vote).Inc()
	return v
}

// HandleNewTX validates a proposed transaction and renders the vote.
// Validation never moves money: reservation happens only on the
// initiating side.
func (e *Engine) HandleNewTX(ctx context.Context, msg *wire.Message, tx *wire.Transaction) (wire.Vote, error) {
	if len(tx.Postings) != 2 {
		return wire.VoteNo(wire.ReasonNoPostings, nil), nil
	}

	var currencyCode string
	var localAccountNum string
	forwardToTrading := false

	for i := range tx.Postings {
		posting := tx.Postings[i]
		if !posting.Asset.IsMonetary() {
			forwardToTrading = true
			continue
		}

		asset, err := posting.Asset.Monetary()
		if err != nil || asset.Currency == "" {
			return wire.VoteNo(wire.ReasonNoSuchAsset, &tx.Postings[i]), nil
		}
		if currencyCode == "" {
			currencyCode = asset.Currency
		} else if currencyCode != asset.Currency {
			return wire.VoteNo(wire.ReasonNoSuchAsset, &tx.Postings[i]), nil
		}

		id := posting.Account.ID
		if id.UserID == "" {
			return wire.VoteNo(wire.ReasonNoSuchAccount, &tx.Postings[i]), nil
		}
		if equalRouting(id.RoutingNumber, e.settings.RoutingNumber) {
			// A counterparty cannot directly debit a local account; a
			// local debit only ever originates from a local reservation.
			if posting.Amount.IsNegative() {
				return wire.VoteNo(wire.ReasonUnbalancedTX, &tx.Postings[i]), nil
			}
			localAccountNum = id.UserID
		}
	}

	if forwardToTrading {
		// Non-monetary assets are the securities service's call; relay
		// its vote unchanged.
		return e.trading.ForwardNewTX(ctx, msg)
	}

	if localAccountNum == "" {
		return wire.VoteNo(wire.ReasonNoSuchAccount, nil), nil
	}
	if _, err := e.ledger.AccountByNumber(ctx, localAccountNum); err != nil {
		e.log.Info("NEW_TX names unknown local account", zap.String("account", localAccountNum))
		return wire.VoteNo(wire.ReasonNoSuchAccount, nil), nil
	}

	return wire.VoteYes(), nil
}

// HandleCommitTX applies an inbound commit: the original NEW_TX payload
// is recovered by the commit's transaction id and its postings replayed,
// crediting the local account named by the posting addressed to this
// bank.
func (e *Engine) HandleCommitTX(ctx context.Context, commit *wire.Commit) error {
	ev, err := e.events.FindByIdempotenceKey(ctx, commit.TransactionID)
	if err != nil {
		return fmt.Errorf("no event for transaction %s: %w", commit.TransactionID.String(), err)
	}

	var original wire.Message
	if err := json.Unmarshal([]byte(ev.Payload), &original); err != nil {
		return fmt.Errorf("parse stored NEW_TX payload: %w", err)
	}
	tx, err := original.Transaction()
	if err != nil {
		return err
	}

	var localAccount *domain.Account
	var amount decimal.Decimal
	var currency string

	for _, posting := range tx.Postings {
		if !posting.Asset.IsMonetary() {
			_, err := e.trading.ForwardCommit(ctx, &original)
			return err
		}
		if !equalRouting(posting.Account.ID.RoutingNumber, e.settings.RoutingNumber) {
			continue
		}

		accountNumber := posting.Account.ID.UserID
		localAccount, err = e.ledger.AccountByNumber(ctx, accountNumber)
		if err != nil {
			return fmt.Errorf("local account %s: %w", accountNumber, err)
		}
		amount = posting.Amount
		asset, err := posting.Asset.Monetary()
		if err != nil {
			return err
		}
		currency = asset.Currency
	}

	if localAccount == nil {
		return errors.New("no posting addressed to this bank")
	}

	sender := "Bank " + e.settings.ForeignBankRoutingNumber
	if _, err := e.ledger.ReceiveCredit(ctx, localAccount.AccountNumber, amount, currency, tx.Message, sender); err != nil {
		return fmt.Errorf("apply foreign credit: %w", err)
	}
	return nil
}

// SendNewTX originates the settlement proposal for a reserved local
// transfer: a debit posting against the local account and a credit
// posting against the foreign identifier carried in the transfer note.
func (e *Engine) SendNewTX(ctx context.Context, t *domain.Transfer, from *domain.Account) error {
	key := wire.IdempotenceKey{
		RoutingNumber:       e.settings.RoutingNumber,
		LocallyGeneratedKey: strconv.FormatInt(t.ID, 10),
	}

	tx := wire.Transaction{
		TransactionID: key,
		Timestamp:     time.Now().Format(time.RFC3339),
		Postings: []wire.Posting{
			{
				Account: wire.TxAccount{
					Type: "PERSON",
					ID: wire.ForeignBankID{
						RoutingNumber: e.settings.RoutingNumber,
						UserID:        from.AccountNumber,
					},
				},
				Amount: t.Amount.Neg(),
				Asset:  wire.MonetaryAsset(t.FromCurrency),
			},
			{
				Account: wire.TxAccount{
					Type: "PERSON",
					ID: wire.ForeignBankID{
						RoutingNumber: e.settings.ForeignBankRoutingNumber,
						UserID:        t.Note,
					},
				},
				Amount: t.Amount,
				Asset:  wire.MonetaryAsset(t.ToCurrency),
			},
		},
		Message: t.Note,
	}

	return e.sendMessage(ctx, wire.MessageNewTX, key, tx)
}

// SendCommit tells the counterpart a YES-voted transaction is final and
// settles the local reservation. The local outcome applies even when the
// outbound dispatch fails: the remote side learns the result through its
// own retries.
func (e *Engine) SendCommit(ctx context.Context, ev *domain.Event) error {
	e.log.Info("sending commit", zap.Int64("event_id", ev.ID))

	sendErr := e.sendMessage(ctx, wire.MessageCommitTX, e.freshKey(), wire.Commit{
		TransactionID: ev.IdempotenceKey,
	})

	if _, err := e.ledger.CommitReservation(ctx, ev.IdempotenceKey); err != nil {
		return fmt.Errorf("commit local reservation: %w", err)
	}
	return sendErr
}

// SendRollback tells the counterpart the transaction is off and returns
// the reserved funds. Like SendCommit, the local outcome is applied
// regardless of the outbound delivery result.
func (e *Engine) SendRollback(ctx context.Context, ev *domain.Event) error {
	e.log.Info("sending rollback", zap.Int64("event_id", ev.ID))

	sendErr := e.sendMessage(ctx, wire.MessageRollbackTX, e.freshKey(), wire.Rollback{
		TransactionID: ev.IdempotenceKey,
	})

	if _, err := e.ledger.ReleaseReservation(ctx, ev.IdempotenceKey); err != nil {
		return fmt.Errorf("release local reservation: %w", err)
	}
	return sendErr
}

// sendMessage validates and persists an outbound envelope, then hands it
// to the dispatcher. The dispatcher owns everything after that.
func (e *Engine) sendMessage(ctx context.Context, msgType wire.MessageType, key wire.IdempotenceKey, body any) error {
	envelope, err := wire.NewEnvelope(msgType, key, body)
	if err != nil {
		return fmt.Errorf("build interbank message: %w", err)
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal interbank message: %w", err)
	}

	ev, err := e.events.CreateOutgoing(ctx, msgType, key, string(payload), e.settings.InterbankTargetURL)
	if err != nil {
		return fmt.Errorf("persist outgoing event: %w", err)
	}

	e.log.Info("dispatching interbank message",
		zap.Int64("event_id", ev.ID),
		zap.String("message_type", string(msgType)),
		zap.String("idempotence_key", key.String()))

	e.dispatcher.Dispatch(ev)
	return nil
}

func (e *Engine) freshKey() wire.IdempotenceKey {
	return wire.IdempotenceKey{
		RoutingNumber:       e.settings.RoutingNumber,
		LocallyGeneratedKey: uuid.NewString(),
	}
}

func equalRouting(a, b string) bool {
	return strings.EqualFold(a, b)
}
