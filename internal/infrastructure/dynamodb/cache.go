package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cassiomorais/paymentflow/internal/cache"
	"github.com/cassiomorais/paymentflow/pkg/clock"
)

// API is the subset of the DynamoDB client the cache uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type cacheItem struct {
	Key       string `dynamodbav:"cache_key"`
	Value     string `dynamodbav:"cache_value"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// Cache implements cache.Cache on a DynamoDB table.
//
// Table requirements:
//   - PK: cache_key (string)
//   - TTL attribute: expires_at (epoch seconds)
//
// DynamoDB removes expired items lazily, so reads and conditional writes
// compare expires_at against the clock themselves.
type Cache struct {
	ddb   API
	table string
	clock clock.Clock
}

var _ cache.Cache = (*Cache)(nil)

func NewCache(ddb API, table string, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.System{}
	}
	return &Cache{ddb: ddb, table: table, clock: clk}
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	out, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key: map[string]types.AttributeValue{
			"cache_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return "", false, nil
	}

	var it cacheItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return "", false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	if it.ExpiresAt <= c.clock.Now().Unix() {
		return "", false, nil
	}
	return it.Value, true, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	av, err := c.item(key, value, ttl)
	if err != nil {
		return err
	}
	if _, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	av, err := c.item(key, value, ttl)
	if err != nil {
		return false, err
	}

	_, err = c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#k) OR #exp <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#k":   "cache_key",
			"#exp": "expires_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(c.clock.Now().Unix(), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("cache setnx %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key: map[string]types.AttributeValue{
			"cache_key": &types.AttributeValueMemberS{Value: key},
		},
	}); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

func (c *Cache) item(key, value string, ttl time.Duration) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(cacheItem{
		Key:       key,
		Value:     value,
		ExpiresAt: c.clock.Now().Add(ttl).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("cache encode %s: %w", key, err)
	}
	return av, nil
}
