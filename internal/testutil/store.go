package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/cassiomorais/paymentflow/internal/domain/webhook"
	"github.com/google/uuid"
)

type txKey struct{}

// Store is an in-memory transactional store. Transactions are serialized and
// roll back to a snapshot taken at begin, so a failed transaction leaves no
// partial writes behind.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	payments map[uuid.UUID]payment.Payment
	outbox   []outbox.Event
	webhooks map[string]webhook.Record

	// BeginErr and CommitErr, when set, make every transaction fail at that stage.
	BeginErr  error
	CommitErr error
	commits   int

	Payments *MockPaymentRepository
	Outbox   *MockOutboxRepository
	Webhooks *MockWebhookRepository
}

func NewStore() *Store {
	s := &Store{
		payments: make(map[uuid.UUID]payment.Payment),
		webhooks: make(map[string]webhook.Record),
	}
	s.Payments = &MockPaymentRepository{s: s}
	s.Outbox = &MockOutboxRepository{s: s}
	s.Webhooks = &MockWebhookRepository{s: s}
	return s
}

type snapshot struct {
	payments map[uuid.UUID]payment.Payment
	outbox   []outbox.Event
	webhooks map[string]webhook.Record
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		payments: make(map[uuid.UUID]payment.Payment, len(s.payments)),
		outbox:   append([]outbox.Event(nil), s.outbox...),
		webhooks: make(map[string]webhook.Record, len(s.webhooks)),
	}
	for k, v := range s.payments {
		snap.payments[k] = v
	}
	for k, v := range s.webhooks {
		snap.webhooks[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = snap.payments
	s.outbox = snap.outbox
	s.webhooks = snap.webhooks
}

// WithTransaction runs fn atomically. Nested calls join the outer transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, ok := ctx.Value(txKey{}).(*Store); ok && owner == s {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	if s.BeginErr != nil {
		return fmt.Errorf("begin tx: %v: %w", s.BeginErr, domainErrors.ErrStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %v: %w", err, domainErrors.ErrStoreUnavailable)
	}

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	if s.CommitErr != nil {
		s.restore(snap)
		return fmt.Errorf("commit tx: %v: %w", s.CommitErr, domainErrors.ErrStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		s.restore(snap)
		return fmt.Errorf("commit tx: %v: %w", err, domainErrors.ErrStoreUnavailable)
	}

	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return nil
}

// Commits returns the number of committed transactions.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// --- seeding and inspection ---

// SeedPayment stores a copy of p outside any transaction.
func (s *Store) SeedPayment(p *payment.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = clonePayment(p)
}

// CorruptPayment overwrites the stored status with a value the domain does not know.
func (s *Store) CorruptPayment(id uuid.UUID, rawStatus string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.payments[id]
	p.Status = payment.Status(rawStatus)
	s.payments[id] = p
}

// Payment returns the committed row for id.
func (s *Store) Payment(id uuid.UUID) (payment.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	return p, ok
}

// OutboxEvents returns every outbox row in insertion order.
func (s *Store) OutboxEvents() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Event(nil), s.outbox...)
}

// OutboxFor returns the outbox rows of one payment in insertion order.
func (s *Store) OutboxFor(paymentID uuid.UUID) []outbox.Event {
	var out []outbox.Event
	for _, e := range s.OutboxEvents() {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out
}

// SeedOutbox stores e outside any transaction.
func (s *Store) SeedOutbox(e *outbox.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, *e)
}

// Webhook returns the ledger row for id.
func (s *Store) Webhook(id string) (webhook.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.webhooks[id]
	return r, ok
}

func clonePayment(p *payment.Payment) payment.Payment {
	c := *p
	if p.ProviderReference != nil {
		ref := *p.ProviderReference
		c.ProviderReference = &ref
	}
	return c
}

// --- Payment Repository Mock ---

// MockPaymentRepository implements payment.Repository over Store.
type MockPaymentRepository struct {
	s *Store

	CreateFunc func(ctx context.Context, p *payment.Payment) error
	UpdateFunc func(ctx context.Context, p *payment.Payment, expectedVersion int64) error
}

var _ payment.Repository = (*MockPaymentRepository)(nil)

func (m *MockPaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, p)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, existing := range m.s.payments {
		if existing.IdempotencyKey == p.IdempotencyKey {
			return domainErrors.ErrDuplicateIdempotencyKey
		}
	}
	m.s.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MockPaymentRepository) get(id uuid.UUID) (*payment.Payment, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.payments[id]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	if _, err := payment.ParseStatus(string(p.Status)); err != nil {
		return nil, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	c := clonePayment(&p)
	return &c, nil
}

func (m *MockPaymentRepository) GetByID(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	return m.get(id)
}

func (m *MockPaymentRepository) GetForUpdate(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	return m.get(id)
}

func (m *MockPaymentRepository) GetByIdempotencyKey(_ context.Context, key string) (*payment.Payment, error) {
	m.s.mu.Lock()
	var id uuid.UUID
	found := false
	for _, p := range m.s.payments {
		if p.IdempotencyKey == key {
			id, found = p.ID, true
			break
		}
	}
	m.s.mu.Unlock()
	if !found {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return m.get(id)
}

func (m *MockPaymentRepository) Update(ctx context.Context, p *payment.Payment, expectedVersion int64) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, p, expectedVersion)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.payments[p.ID]
	if !ok {
		return domainErrors.ErrPaymentNotFound
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("payment %s moved past version %d: %w", p.ID, expectedVersion, domainErrors.ErrStaleOwnership)
	}
	m.s.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MockPaymentRepository) ListStuck(_ context.Context, status payment.Status, before time.Time, limit int) ([]*payment.Payment, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*payment.Payment
	for _, p := range m.s.payments {
		if p.Status == status && p.UpdatedAt.Before(before) {
			c := clonePayment(&p)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Outbox Repository Mock ---

// MockOutboxRepository implements outbox.Repository over Store.
type MockOutboxRepository struct {
	s *Store

	InsertFunc func(ctx context.Context, e *outbox.Event) error
}

var _ outbox.Repository = (*MockOutboxRepository)(nil)

func (m *MockOutboxRepository) Insert(ctx context.Context, e *outbox.Event) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, e)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.outbox = append(m.s.outbox, *e)
	return nil
}

func (m *MockOutboxRepository) ClaimDue(_ context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]*outbox.Event, error) {
	live := func(e outbox.Event) bool { return e.PublishedAt == nil && e.Attempts < maxAttempts }
	due := func(e outbox.Event) bool { return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now) }

	m.s.mu.Lock()
	backingOff := make(map[uuid.UUID][]time.Time)
	for _, e := range m.s.outbox {
		if live(e) && !due(e) {
			backingOff[e.PaymentID] = append(backingOff[e.PaymentID], e.CreatedAt)
		}
	}
	m.s.mu.Unlock()

	claimed := m.filter(limit, func(e outbox.Event) bool {
		if !live(e) || !due(e) {
			return false
		}
		for _, created := range backingOff[e.PaymentID] {
			if created.Before(e.CreatedAt) {
				return false
			}
		}
		return true
	})
	for _, e := range claimed {
		lease := leaseUntil
		e.NextAttemptAt = &lease
		m.update(e.ID, func(row *outbox.Event) { row.NextAttemptAt = &lease })
	}
	return claimed, nil
}

func (m *MockOutboxRepository) Release(_ context.Context, id uuid.UUID, leaseUntil time.Time) error {
	m.update(id, func(e *outbox.Event) {
		if e.PublishedAt == nil && e.NextAttemptAt != nil && e.NextAttemptAt.Equal(leaseUntil) {
			e.NextAttemptAt = nil
		}
	})
	return nil
}

func (m *MockOutboxRepository) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	m.update(id, func(e *outbox.Event) {
		if e.PublishedAt == nil {
			e.PublishedAt = &at
			e.LastError = nil
		}
	})
	return nil
}

func (m *MockOutboxRepository) MarkFailed(_ context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	m.update(id, func(e *outbox.Event) {
		if e.PublishedAt == nil {
			e.Attempts++
			e.NextAttemptAt = &nextAttemptAt
			e.LastError = &lastError
		}
	})
	return nil
}

func (m *MockOutboxRepository) ListExhausted(_ context.Context, maxAttempts, limit int) ([]*outbox.Event, error) {
	m.s.mu.Lock()
	announced := make(map[string]bool)
	for _, e := range m.s.outbox {
		if e.EventType == outbox.EventReconciliationNeeded {
			if id, ok := e.Payload["outbox_event_id"].(string); ok {
				announced[id] = true
			}
		}
	}
	m.s.mu.Unlock()

	return m.filter(limit, func(e outbox.Event) bool {
		return e.Exhausted(maxAttempts) && !announced[e.ID.String()]
	}), nil
}

func (m *MockOutboxRepository) HasPendingReconciliation(_ context.Context, paymentID uuid.UUID, anomaly string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, e := range m.s.outbox {
		if e.PaymentID == paymentID && e.EventType == outbox.EventReconciliationNeeded &&
			e.PublishedAt == nil && e.Payload["anomaly"] == anomaly {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockOutboxRepository) IsAnnounced(_ context.Context, eventID uuid.UUID) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, e := range m.s.outbox {
		if e.EventType == outbox.EventReconciliationNeeded && e.Payload["outbox_event_id"] == eventID.String() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockOutboxRepository) filter(limit int, keep func(outbox.Event) bool) []*outbox.Event {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*outbox.Event
	for _, e := range m.s.outbox {
		if keep(e) {
			c := e
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MockOutboxRepository) update(id uuid.UUID, fn func(*outbox.Event)) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for i := range m.s.outbox {
		if m.s.outbox[i].ID == id {
			fn(&m.s.outbox[i])
			return
		}
	}
}

// --- Webhook Repository Mock ---

// MockWebhookRepository implements webhook.Repository over Store.
type MockWebhookRepository struct {
	s *Store
}

var _ webhook.Repository = (*MockWebhookRepository)(nil)

func (m *MockWebhookRepository) Get(_ context.Context, id string) (*webhook.Record, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.webhooks[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MockWebhookRepository) GetForUpdate(ctx context.Context, id string) (*webhook.Record, error) {
	return m.Get(ctx, id)
}

func (m *MockWebhookRepository) Insert(_ context.Context, r *webhook.Record) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.webhooks[r.ProviderEventID]; ok {
		return false, nil
	}
	m.s.webhooks[r.ProviderEventID] = *r
	return true, nil
}

func (m *MockWebhookRepository) MarkProcessed(_ context.Context, id string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.webhooks[id]
	if !ok || r.Processed {
		return nil
	}
	r.Processed = true
	r.ProcessedAt = &at
	m.s.webhooks[id] = r
	return nil
}
