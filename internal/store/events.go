package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mvlaskovic/interclear/internal/domain"
	"github.com/mvlaskovic/interclear/internal/wire"
)

var (
	ErrDuplicateEvent = errors.New("event already exists for idempotence key")
	ErrEventNotFound  = errors.New("event not found")
	ErrMalformedEvent = errors.New("malformed interbank message")
)

// defaultRoutingNumber is stamped onto synthesized keys for inbound
// messages that arrive without usable idempotence data.
const defaultRoutingNumber = "111"

// EventStore persists interbank protocol messages and their delivery
// attempts. Events are append-mostly: the only mutation ever applied is
// the status transition via ChangeStatus.
type EventStore struct {
	db    *pgxpool.Pool
	dedup *Dedup
	log   *zap.Logger
}

func NewEventStore(db *pgxpool.Pool, dedup *Dedup, log *zap.Logger) *EventStore {
	return &EventStore{db: db, dedup: dedup, log: log}
}

// CreateOutgoing records a locally originated message as PENDING. The
// dispatcher owns every status transition from there.
func (s *EventStore) CreateOutgoing(ctx context.Context, msgType wire.MessageType, key wire.IdempotenceKey, payload, targetURL string) (*domain.Event, error) {
	ev := &domain.Event{
		MessageType:    msgType,
		Direction:      domain.DirectionOutgoing,
		IdempotenceKey: key,
		Payload:        payload,
		URL:            targetURL,
		Status:         domain.EventPending,
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO events (message_type, direction, routing_number, locally_generated_key, payload, url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, msgType, ev.Direction, key.RoutingNumber, key.LocallyGeneratedKey, payload, targetURL, ev.Status).
		Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert outgoing event: %w", err)
	}
	return ev, nil
}

// ReceiveIncoming records an inbound message. Replayed idempotence keys
// return the stored event together with ErrDuplicateEvent; messages
// without usable idempotence data are persisted as FAILED under a
// synthesized key and reported as malformed. Inbound traffic is never
// dropped, only marked.
func (s *EventStore) ReceiveIncoming(ctx context.Context, msg *wire.Message, rawPayload, sourceURL string) (*domain.Event, error) {
	if msg == nil || !msg.MessageType.Valid() || msg.IdempotenceKey.IsZero() {
		ev, err := s.persistMalformed(ctx, msg, rawPayload, sourceURL)
		if err != nil {
			return nil, err
		}
		return ev, ErrMalformedEvent
	}

	key := msg.IdempotenceKey
	if s.dedup.Seen(ctx, key) {
		stored, err := s.FindByIdempotenceKey(ctx, key)
		if err == nil {
			return stored, ErrDuplicateEvent
		}
		// Cache hit without a row means a stale cache entry; fall through.
	}

	ev := &domain.Event{
		MessageType:    msg.MessageType,
		Direction:      domain.DirectionIncoming,
		IdempotenceKey: key,
		Payload:        rawPayload,
		URL:            sourceURL,
		Status:         domain.EventPending,
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO events (message_type, direction, routing_number, locally_generated_key, payload, url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (routing_number, locally_generated_key) DO NOTHING
		RETURNING id, created_at
	`, msg.MessageType, ev.Direction, key.RoutingNumber, key.LocallyGeneratedKey, rawPayload, sourceURL, ev.Status).
		Scan(&ev.ID, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		stored, findErr := s.FindByIdempotenceKey(ctx, key)
		if findErr != nil {
			return nil, findErr
		}
		return stored, ErrDuplicateEvent
	}
	if err != nil {
		return nil, fmt.Errorf("insert incoming event: %w", err)
	}
	return ev, nil
}

func (s *EventStore) persistMalformed(ctx context.Context, msg *wire.Message, rawPayload, sourceURL string) (*domain.Event, error) {
	key := wire.IdempotenceKey{
		RoutingNumber:       defaultRoutingNumber,
		LocallyGeneratedKey: uuid.NewString(),
	}
	msgType := wire.MessageType("")
	if msg != nil {
		if !msg.IdempotenceKey.IsZero() {
			key = msg.IdempotenceKey
		}
		msgType = msg.MessageType
	}

	ev := &domain.Event{
		MessageType:    msgType,
		Direction:      domain.DirectionIncoming,
		IdempotenceKey: key,
		Payload:        rawPayload,
		URL:            sourceURL,
		Status:         domain.EventFailed,
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO events (message_type, direction, routing_number, locally_generated_key, payload, url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, msgType, ev.Direction, key.RoutingNumber, key.LocallyGeneratedKey, rawPayload, sourceURL, ev.Status).
		Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert malformed event: %w", err)
	}
	s.log.Warn("persisted malformed inbound event",
		zap.Int64("event_id", ev.ID),
		zap.String("source", sourceURL))
	return ev, nil
}

func (s *EventStore) FindByIdempotenceKey(ctx context.Context, key wire.IdempotenceKey) (*domain.Event, error) {
	var ev domain.Event
	err := s.db.QueryRow(ctx, `
		SELECT id, message_type, direction, routing_number, locally_generated_key, payload, url, status, created_at
		FROM events
		WHERE routing_number = $1 AND locally_generated_key = $2
	`, key.RoutingNumber, key.LocallyGeneratedKey).Scan(
		&ev.ID, &ev.MessageType, &ev.Direction,
		&ev.IdempotenceKey.RoutingNumber, &ev.IdempotenceKey.LocallyGeneratedKey,
		&ev.Payload, &ev.URL, &ev.Status, &ev.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find event by idempotence key: %w", err)
	}
	return &ev, nil
}

func (s *EventStore) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	var ev domain.Event
	err := s.db.QueryRow(ctx, `
		SELECT id, message_type, direction, routing_number, locally_generated_key, payload, url, status, created_at
		FROM events
		WHERE id = $1
	`, id).Scan(
		&ev.ID, &ev.MessageType, &ev.Direction,
		&ev.IdempotenceKey.RoutingNumber, &ev.IdempotenceKey.LocallyGeneratedKey,
		&ev.Payload, &ev.URL, &ev.Status, &ev.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &ev, nil
}

// RecordDelivery appends one delivery attempt. Rows are immutable after
// creation and read back in attempt order.
func (s *EventStore) RecordDelivery(ctx context.Context, eventID int64, status domain.EventStatus, httpStatus int, responseBody string, durationMs int64) (*domain.EventDelivery, error) {
	d := &domain.EventDelivery{
		EventID:      eventID,
		Status:       status,
		HTTPStatus:   httpStatus,
		ResponseBody: responseBody,
		DurationMs:   durationMs,
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO event_deliveries (event_id, status, http_status, response_body, duration_ms)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, sent_at
	`, eventID, status, httpStatus, responseBody, durationMs).Scan(&d.ID, &d.SentAt)
	if err != nil {
		return nil, fmt.Errorf("insert event delivery: %w", err)
	}
	return d, nil
}

// ChangeStatus is the only mutator of an event's status.
func (s *EventStore) ChangeStatus(ctx context.Context, eventID int64, status domain.EventStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE events SET status = $1 WHERE id = $2`, status, eventID)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// DeliveriesForEvent lists the attempt audit trail in attempt order.
func (s *EventStore) DeliveriesForEvent(ctx context.Context, eventID int64) ([]domain.EventDelivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, event_id, status, http_status, response_body, duration_ms, sent_at
		FROM event_deliveries
		WHERE event_id = $1
		ORDER BY id ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query event deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []domain.EventDelivery
	for rows.Next() {
		var d domain.EventDelivery
		if err := rows.Scan(&d.ID, &d.EventID, &d.Status, &d.HTTPStatus, &d.ResponseBody, &d.DurationMs, &d.SentAt); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
