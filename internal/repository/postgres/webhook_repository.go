package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/paymentflow/internal/domain/webhook"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const webhookColumns = `provider_event_id, event_type, payment_id, received_at, processed_at`

// WebhookRepository is the provider callback ledger.
type WebhookRepository struct {
	pool *pgxpool.Pool
}

var _ webhook.Repository = (*WebhookRepository)(nil)

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

func (r *WebhookRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *WebhookRepository) Get(ctx context.Context, providerEventID string) (*webhook.Record, error) {
	return scanWebhookRecord(r.db(ctx).QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_records WHERE provider_event_id = $1`, providerEventID))
}

func (r *WebhookRepository) GetForUpdate(ctx context.Context, providerEventID string) (*webhook.Record, error) {
	return scanWebhookRecord(r.db(ctx).QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_records WHERE provider_event_id = $1 FOR UPDATE`, providerEventID))
}

func (r *WebhookRepository) Insert(ctx context.Context, rec *webhook.Record) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO webhook_records (`+webhookColumns+`)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider_event_id) DO NOTHING`,
		rec.ProviderEventID, string(rec.EventType), rec.PaymentID, rec.ReceivedAt, rec.ProcessedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *WebhookRepository) MarkProcessed(ctx context.Context, providerEventID string, at time.Time) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE webhook_records SET processed_at = $1 WHERE provider_event_id = $2 AND processed_at IS NULL`,
		at, providerEventID,
	)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return nil
}

func scanWebhookRecord(s scanner) (*webhook.Record, error) {
	rec := &webhook.Record{}
	var kind string
	err := s.Scan(&rec.ProviderEventID, &kind, &rec.PaymentID, &rec.ReceivedAt, &rec.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan webhook record: %w", err)
	}
	rec.EventType = webhook.Kind(kind)
	rec.Processed = rec.ProcessedAt != nil
	return rec, nil
}
