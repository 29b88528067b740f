package cache

import (
	"context"
	"testing"
	"time"

	"github.com/cassiomorais/paymentflow/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "idempotency:abc", IdempotencyKey("abc"))
	assert.Equal(t, "provider-session:mock", ProviderSessionKey("mock"))
	assert.Equal(t, "consumed:1-0", ConsumedKey("1-0"))
}

func TestMemory_SetGetExpire(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemory(clk)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "v1", time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	clk.Advance(time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemory_SetNX(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemory(clk)
	ctx := context.Background()

	wrote, err := c.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = c.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, wrote)

	v, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "first", v)

	clk.Advance(2 * time.Minute)
	wrote, err = c.SetNX(ctx, "k", "third", time.Minute)
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestMemory_Delete(t *testing.T) {
	c := NewMemory(nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, _ := c.Get(ctx, "k")
	assert.False(t, ok)
}
