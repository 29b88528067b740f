package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const outboxColumns = `id, payment_id, event_type, payload, created_at, published_at, attempts, next_attempt_at, last_error`

type OutboxRepository struct {
	pool *pgxpool.Pool
}

var _ outbox.Repository = (*OutboxRepository)(nil)

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *OutboxRepository) Insert(ctx context.Context, e *outbox.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO outbox_events (`+outboxColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.PaymentID, string(e.EventType), payload, e.CreatedAt,
		e.PublishedAt, e.Attempts, e.NextAttemptAt, e.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// ClaimDue takes the due rows and writes their lease in one statement, so
// the claim commits on its own and publishing happens outside it.
func (r *OutboxRepository) ClaimDue(ctx context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	events, err := r.query(ctx,
		`WITH due AS (
		   SELECT o.id AS claim_id FROM outbox_events o
		    WHERE o.published_at IS NULL
		      AND o.attempts < $1
		      AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= $2)
		      AND NOT EXISTS (
		        SELECT 1 FROM outbox_events prev
		         WHERE prev.payment_id = o.payment_id
		           AND prev.published_at IS NULL
		           AND prev.attempts < $1
		           AND prev.next_attempt_at > $2
		           AND prev.created_at < o.created_at)
		    ORDER BY o.created_at ASC
		    LIMIT $3
		    FOR UPDATE SKIP LOCKED)
		 UPDATE outbox_events SET next_attempt_at = $4
		   FROM due
		  WHERE outbox_events.id = due.claim_id
		 RETURNING `+outboxColumns, maxAttempts, now, limit, leaseUntil,
	)
	if err != nil {
		return nil, err
	}
	// RETURNING carries no order.
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

func (r *OutboxRepository) Release(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events SET next_attempt_at = NULL
		 WHERE id = $1 AND published_at IS NULL AND next_attempt_at = $2`, id, leaseUntil,
	)
	if err != nil {
		return fmt.Errorf("release outbox claim: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events SET published_at = $1, last_error = NULL WHERE id = $2 AND published_at IS NULL`, at, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events SET attempts = attempts + 1, next_attempt_at = $1, last_error = $2
		 WHERE id = $3 AND published_at IS NULL`, nextAttemptAt, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

func (r *OutboxRepository) ListExhausted(ctx context.Context, maxAttempts, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events o
		 WHERE published_at IS NULL AND attempts >= $1
		   AND NOT EXISTS (
		     SELECT 1 FROM outbox_events r
		      WHERE r.event_type = $3
		        AND r.payload ->> 'outbox_event_id' = o.id::text)
		 ORDER BY created_at ASC
		 LIMIT $2`, maxAttempts, limit, string(outbox.EventReconciliationNeeded),
	)
}

func (r *OutboxRepository) HasPendingReconciliation(ctx context.Context, paymentID uuid.UUID, anomaly string) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM outbox_events
		   WHERE payment_id = $1 AND event_type = $2 AND published_at IS NULL
		     AND payload ->> 'anomaly' = $3)`,
		paymentID, string(outbox.EventReconciliationNeeded), anomaly,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending reconciliation: %w", err)
	}
	return exists, nil
}

func (r *OutboxRepository) IsAnnounced(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM outbox_events
		   WHERE event_type = $1 AND payload ->> 'outbox_event_id' = $2)`,
		string(outbox.EventReconciliationNeeded), eventID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check outbox announcement: %w", err)
	}
	return exists, nil
}

func (r *OutboxRepository) query(ctx context.Context, sql string, args ...any) ([]*outbox.Event, error) {
	rows, err := r.db(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		e := &outbox.Event{}
		var payload []byte
		var eventType string
		if err := rows.Scan(&e.ID, &e.PaymentID, &eventType, &payload, &e.CreatedAt,
			&e.PublishedAt, &e.Attempts, &e.NextAttemptAt, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		if e.EventType, err = outbox.ParseEventType(eventType); err != nil {
			return nil, fmt.Errorf("outbox event %s: %w", e.ID, err)
		}
		if len(payload) > 0 {
			e.Payload = make(map[string]any)
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal outbox payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
