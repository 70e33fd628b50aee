package interbank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/mvlaskovic/interclear/internal/domain"
	"github.com/mvlaskovic/interclear/internal/wire"
)

const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 20 * time.Second
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "interclear_deliveries_total",
	Help: "Outbound delivery attempts by result",
}, []string{"result"})

// Outcomes receives the protocol decision once a NEW_TX delivery
// resolves: commit on a YES vote, rollback on NO or retry exhaustion.
// Satisfied by *Engine; bound after construction.
type Outcomes interface {
	SendCommit(ctx context.Context, ev *domain.Event) error
	SendRollback(ctx context.Context, ev *domain.Event) error
}

// Dispatcher delivers outgoing events over HTTP, retrying on any
// failure up to a fixed attempt budget. Dispatch is fire-and-forget:
// nothing here ever propagates back into the caller's transaction
// logic.
type Dispatcher struct {
	events   EventStore
	outcomes Outcomes
	client   *http.Client
	apiKey   string
	log      *zap.Logger

	maxRetries int
	retryDelay time.Duration

	inflight sync.WaitGroup
}

func NewDispatcher(events EventStore, apiKey string, timeout time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		events:     events,
		client:     &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		log:        log,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
}

// BindOutcomes wires the protocol engine in after both sides exist.
func (d *Dispatcher) BindOutcomes(o Outcomes) {
	d.outcomes = o
}

// SetRetryPolicy overrides the attempt budget and inter-attempt delay.
func (d *Dispatcher) SetRetryPolicy(maxRetries int, delay time.Duration) {
	d.maxRetries = maxRetries
	d.retryDelay = delay
}

// Dispatch starts asynchronous delivery of an outgoing event and
// returns immediately.
func (d *Dispatcher) Dispatch(ev *domain.Event) {
	d.inflight.Add(1)
	go d.attempt(ev, 1)
}

// Wait blocks until every in-flight delivery, including scheduled
// retries, has reached a terminal state. Used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// attempt performs one delivery try. Exactly one EventDelivery row is
// appended per attempt, whichever branch is taken.
func (d *Dispatcher) attempt(ev *domain.Event, attempt int) {
	ctx := context.Background()
	start := time.Now()

	d.log.Info("attempting delivery",
		zap.Int64("event_id", ev.ID),
		zap.Int("attempt", attempt))

	httpStatus, responseBody, err := d.post(ctx, ev)
	status := domain.EventSuccess
	if err != nil {
		status = domain.EventFailed
		httpStatus = -1
		responseBody = err.Error()
	} else if httpStatus < 200 || httpStatus > 299 {
		status = domain.EventFailed
	}

	durationMs := time.Since(start).Milliseconds()
	if _, recErr := d.events.RecordDelivery(ctx, ev.ID, status, httpStatus, responseBody, durationMs); recErr != nil {
		d.log.Error("failed to record delivery attempt",
			zap.Int64("event_id", ev.ID), zap.Error(recErr))
	}

	switch {
	case status == domain.EventFailed && attempt < d.maxRetries:
		deliveriesTotal.WithLabelValues("retry").Inc()
		d.changeStatus(ctx, ev, domain.EventRetrying)
		time.AfterFunc(d.retryDelay, func() {
			d.attempt(ev, attempt+1)
		})
		return

	case status == domain.EventSuccess:
		deliveriesTotal.WithLabelValues("success").Inc()
		d.changeStatus(ctx, ev, domain.EventSuccess)
		if ev.MessageType == wire.MessageNewTX {
			if err := d.handleNewTXResponse(ctx, ev, responseBody); err != nil {
				// A malformed remote response is not a transient
				// condition; it is terminal for this handler.
				d.log.Error("NEW_TX response handling failed",
					zap.Int64("event_id", ev.ID), zap.Error(err))
			}
		}

	default: // failed on the final attempt
		deliveriesTotal.WithLabelValues("exhausted").Inc()
		d.changeStatus(ctx, ev, domain.EventCanceled)
		// Only an unanswered proposal holds a reservation to undo. An
		// exhausted COMMIT_TX or ROLLBACK_TX must not spawn further
		// messages: the local outcome was already applied at send time.
		if ev.MessageType == wire.MessageNewTX {
			if err := d.outcomes.SendRollback(ctx, ev); err != nil {
				d.log.Error("rollback after retry exhaustion failed",
					zap.Int64("event_id", ev.ID), zap.Error(err))
			}
		}
	}

	d.inflight.Done()
}

func (d *Dispatcher) post(ctx context.Context, ev *domain.Event) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ev.URL, bytes.NewBufferString(ev.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}

// handleNewTXResponse parses the remote vote out of a successful NEW_TX
// delivery and drives the matching outcome. For a given event at most
// one of commit/rollback is ever invoked.
func (d *Dispatcher) handleNewTXResponse(ctx context.Context, ev *domain.Event, responseBody string) error {
	vote, err := decodeVote(responseBody)
	if err != nil {
		return fmt.Errorf("parse vote from response: %w", err)
	}

	d.log.Info("received vote",
		zap.Int64("event_id", ev.ID),
		zap.String("vote", vote.Vote))

	if vote.Yes() {
		return d.outcomes.SendCommit(ctx, ev)
	}
	return d.outcomes.SendRollback(ctx, ev)
}

// decodeVote handles both a plain vote body and the double-encoded form
// where the vote JSON arrives wrapped in a JSON string.
func decodeVote(body string) (wire.Vote, error) {
	raw := body
	var inner string
	if err := json.Unmarshal([]byte(body), &inner); err == nil {
		raw = inner
	}

	var vote wire.Vote
	if err := json.Unmarshal([]byte(raw), &vote); err != nil {
		return wire.Vote{}, err
	}
	if vote.Vote == "" {
		return wire.Vote{}, fmt.Errorf("vote payload missing vote field")
	}
	return vote, nil
}

func (d *Dispatcher) changeStatus(ctx context.Context, ev *domain.Event, status domain.EventStatus) {
	if err := d.events.ChangeStatus(ctx, ev.ID, status); err != nil {
		d.log.Error("failed to change event status",
			zap.Int64("event_id", ev.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	ev.Status = status
}
