// Package cache defines the short-lived key/value store used for
// idempotency-key deduplication and read-mostly lookups.
package cache

import (
	"context"
	"time"
)

// Key namespaces.
const (
	idempotencyPrefix     = "idempotency:"
	providerSessionPrefix = "provider-session:"
	consumedPrefix        = "consumed:"
)

func IdempotencyKey(key string) string          { return idempotencyPrefix + key }
func ProviderSessionKey(provider string) string { return providerSessionPrefix + provider }
func ConsumedKey(eventID string) string         { return consumedPrefix + eventID }

// Cache is best-effort infrastructure: callers must keep correctness when it
// is unavailable by falling back to the store of record.
type Cache interface {
	// Get returns the value for key and whether it was present and unexpired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value with ttl, overwriting any existing entry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if key is absent. It reports whether it wrote.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}
