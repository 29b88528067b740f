package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	paymentColumns       = `id, idempotency_key, amount, currency, status, provider_reference, version, created_at, updated_at`
	paymentSelectColumns = `id, idempotency_key, amount::text, currency, status, provider_reference, version, created_at, updated_at`
)

// PaymentRepository implements payment.Repository using PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

var _ payment.Repository = (*PaymentRepository)(nil)

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Create inserts a new payment.
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.IdempotencyKey, centsToNumericString(p.Amount.ValueCents), p.Amount.Currency,
		string(p.Status), p.ProviderReference, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domainErrors.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetByID retrieves a payment by its ID.
func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentSelectColumns+` FROM payments WHERE id = $1`, id))
}

// GetForUpdate retrieves a payment and row-locks it until the transaction ends.
func (r *PaymentRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentSelectColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

// GetByIdempotencyKey retrieves a payment by idempotency key.
func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentSelectColumns+` FROM payments WHERE idempotency_key = $1`, key))
}

// Update writes the mutable columns if the row is still at expectedVersion.
func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment, expectedVersion int64) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payments SET status=$1, provider_reference=$2, version=$3, updated_at=$4
		 WHERE id=$5 AND version=$6`,
		string(p.Status), p.ProviderReference, p.Version, p.UpdatedAt, p.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check payment: %w", err)
		}
		if !exists {
			return domainErrors.ErrPaymentNotFound
		}
		return fmt.Errorf("payment %s moved past version %d: %w", p.ID, expectedVersion, domainErrors.ErrStaleOwnership)
	}
	return nil
}

// ListStuck returns payments in status last updated before the cutoff, oldest first.
func (r *PaymentRepository) ListStuck(ctx context.Context, status payment.Status, before time.Time, limit int) ([]*payment.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+paymentSelectColumns+` FROM payments
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`, string(status), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck payments: %w", err)
	}
	defer rows.Close()

	var payments []*payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// --- scanning helpers ---

func scanPayment(s scanner) (*payment.Payment, error) {
	p := &payment.Payment{}
	var (
		amountStr string
		status    string
	)
	err := s.Scan(
		&p.ID, &p.IdempotencyKey, &amountStr, &p.Amount.Currency, &status,
		&p.ProviderReference, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	cents, err := numericStringToCents(amountStr)
	if err != nil {
		return nil, fmt.Errorf("payment %s amount: %v: %w", p.ID, err, domainErrors.ErrCorruptState)
	}
	p.Amount.ValueCents = cents

	if p.Status, err = payment.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	return p, nil
}
