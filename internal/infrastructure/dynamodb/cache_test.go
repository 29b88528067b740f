package dynamodb

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cassiomorais/paymentflow/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTable mimics the conditional PutItem semantics the cache relies on.
type fakeTable struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	err   error
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(m map[string]types.AttributeValue) string {
	return m["cache_key"].(*types.AttributeValueMemberS).Value
}

func numberOf(av types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(av.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	key := keyOf(in.Item)
	if in.ConditionExpression != nil {
		if existing, ok := f.items[key]; ok {
			now := numberOf(in.ExpressionAttributeValues[":now"])
			if numberOf(existing["expires_at"]) > now {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
			}
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestCache_SetGet(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewCache(newFakeTable(), "cache", clk)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "idempotency:k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "idempotency:k", "payment-1", time.Hour))
	v, ok, err := c.Get(ctx, "idempotency:k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "payment-1", v)

	clk.Advance(time.Hour)
	_, ok, err = c.Get(ctx, "idempotency:k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_SetNX(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewCache(newFakeTable(), "cache", clk)
	ctx := context.Background()

	wrote, err := c.SetNX(ctx, "consumed:1", "x", time.Minute)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = c.SetNX(ctx, "consumed:1", "y", time.Minute)
	require.NoError(t, err)
	assert.False(t, wrote)

	clk.Advance(2 * time.Minute)
	wrote, err = c.SetNX(ctx, "consumed:1", "z", time.Minute)
	require.NoError(t, err)
	assert.True(t, wrote)

	v, _, _ := c.Get(ctx, "consumed:1")
	assert.Equal(t, "z", v)
}

func TestCache_Delete(t *testing.T) {
	c := NewCache(newFakeTable(), "cache", nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Hour))
	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_BackendError(t *testing.T) {
	table := newFakeTable()
	table.err = errors.New("throttled")
	c := NewCache(table, "cache", nil)

	_, _, err := c.Get(context.Background(), "k")
	assert.ErrorContains(t, err, "throttled")

	_, err = c.SetNX(context.Background(), "k", "v", time.Minute)
	assert.ErrorContains(t, err, "throttled")
}
