package carts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/aws"
)

// ErrVersionConflict is returned when the cart changed since it was read.
var ErrVersionConflict = errors.New("cart version conflict")

// Store encapsulates operations on the carts table. Every write is
// conditional on the version that was read.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName, nowFunc: time.Now}
}

// Get fetches the user's cart. Returns (nil, nil) if the user has none.
func (s *Store) Get(ctx context.Context, userID string) (*Cart, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            cartKey(userID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var c Cart
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &c, nil
}

// Save writes the cart if nobody else changed it since it was read, then bumps
// c.Version. A zero version means the cart must not exist yet.
func (s *Store) Save(ctx context.Context, c *Cart) error {
	next := *c
	next.Version = c.Version + 1
	next.UpdatedAt = s.nowFunc().UTC()
	if next.Items == nil {
		next.Items = []Item{}
	}

	item, err := attributevalue.MarshalMap(next)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}

	input := &dyn.PutItemInput{TableName: &s.tableName, Item: item}
	if c.Version == 0 {
		input.ConditionExpression = awsString("attribute_not_exists(user_id)")
	} else {
		input.ConditionExpression = awsString("version = :v")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{":v": versionValue(c.Version)}
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrVersionConflict
		}
		return fmt.Errorf("put cart: %w", err)
	}
	*c = next
	return nil
}

// Delete removes the cart. Deleting an absent cart is not an error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if _, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{TableName: &s.tableName, Key: cartKey(userID)}); err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	return nil
}

// CheckoutDelete builds the transaction item that clears the cart as part of
// order creation. It only succeeds if the cart still has the version that was
// priced, so two concurrent checkouts cannot both consume it.
func (s *Store) CheckoutDelete(userID string, version int64) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName:                 &s.tableName,
			Key:                       cartKey(userID),
			ConditionExpression:       awsString("version = :v"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":v": versionValue(version)},
		},
	}
}

func cartKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberS{Value: userID},
	}
}

func versionValue(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
