package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/aws"
)

const (
	userIndex            = "user_id-index"
	checkoutRequestIndex = "checkout_request_id-index"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrStatusMismatch is returned when a conditional status write loses to a concurrent change.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrInitiationInFlight means the order cannot be claimed for a new push request.
	ErrInitiationInFlight = errors.New("payment initiation already in flight")
	ErrConflict           = errors.New("transaction conflict")
)

// ConflictError reports which item of a cancelled transaction failed its condition.
// Index 0 is always the order put.
type ConflictError struct {
	Index int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction conflict on item %d", e.Index)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// TableName is exposed for callers composing transactions.
func (s *Store) TableName() string { return s.tableName }

// prepare prices the order and stamps it as a new Pending record.
func (s *Store) prepare(order *Order) (map[string]types.AttributeValue, error) {
	if order.OrderID == "" {
		return nil, errors.New("order id is required")
	}
	if err := order.Price(); err != nil {
		return nil, err
	}
	now := s.nowFunc().UTC()
	order.Status = StatusPending
	order.CreatedAt = now
	order.UpdatedAt = now

	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return nil, fmt.Errorf("marshal order item: %w", err)
	}
	return item, nil
}

// Create stores a new order. The order is priced and set to Pending first.
func (s *Store) Create(ctx context.Context, order *Order) error {
	return s.CreateWithTransaction(ctx, order)
}

// CreateWithTransaction atomically puts the order together with extra writes
// (cart removal, idempotency record). A failed condition on any item returns
// a *ConflictError naming it.
func (s *Store) CreateWithTransaction(ctx context.Context, order *Order, extra ...types.TransactWriteItem) error {
	item, err := s.prepare(order)
	if err != nil {
		return err
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                item,
				ConditionExpression: awsString("attribute_not_exists(order_id)"),
			},
		},
	}
	transactItems = append(transactItems, extra...)

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			for i, r := range tce.CancellationReasons {
				if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
					return &ConflictError{Index: i}
				}
			}
			return fmt.Errorf("transaction canceled: %w", err)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// FindByCheckoutRequestID returns the order holding the gateway correlation key, or (nil, nil).
func (s *Store) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Order, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(checkoutRequestIndex),
		KeyConditionExpression: awsString("checkout_request_id = :crid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":crid": &types.AttributeValueMemberS{Value: checkoutRequestID},
		},
		Limit: awsInt32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query by checkout request: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Items[0], &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// ListByUser returns the user's orders, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	var (
		result []Order
		start  map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tableName,
			IndexName:              awsString(userIndex),
			KeyConditionExpression: awsString("user_id = :uid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid": &types.AttributeValueMemberS{Value: userID},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("query by user: %w", err)
		}
		page := make([]Order, 0, len(out.Items))
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		result = append(result, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	sortNewestFirst(result)
	return result, nil
}

// ListAll scans the whole table. Admin use only.
func (s *Store) ListAll(ctx context.Context) ([]Order, error) {
	var (
		result []Order
		start  map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:         &s.tableName,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan orders: %w", err)
		}
		page := make([]Order, 0, len(out.Items))
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		result = append(result, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	sortNewestFirst(result)
	return result, nil
}

// UpdateStatus conditionally updates the order status from expected -> newStatus
// and returns the updated order. Returns ErrStatusMismatch if the condition failed.
func (s *Store) UpdateStatus(ctx context.Context, orderID string, expectedStatus, newStatus Status) (*Order, error) {
	values := map[string]types.AttributeValue{
		":new":      &types.AttributeValueMemberS{Value: string(newStatus)},
		":expected": &types.AttributeValueMemberS{Value: string(expectedStatus)},
		":ua":       s.timestamp(),
	}
	cond := "#s = :expected"
	// a Pending order with a push in flight may only be cancelled
	if expectedStatus == StatusPending && newStatus != StatusCancelled {
		cond += " AND attribute_not_exists(checkout_request_id) AND (attribute_not_exists(initiation_id) OR initiation_expires_at < :now)"
		values[":now"] = epoch(s.nowFunc())
	}
	input := &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       orderKey(orderID),
		UpdateExpression:          awsString("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString(cond),
		ReturnValues:              types.ReturnValueAllNew,
	}
	return s.updateOrder(ctx, input, ErrStatusMismatch)
}

// ClaimForInitiation takes the initiation lock. It succeeds only while the order
// is Pending, has no outstanding checkout key and no live lock.
func (s *Store) ClaimForInitiation(ctx context.Context, orderID, lockID string, ttl time.Duration) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString("SET initiation_id = :lid, initiation_expires_at = :exp, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lid":     &types.AttributeValueMemberS{Value: lockID},
			":exp":     epoch(now.Add(ttl)),
			":now":     epoch(now),
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":ua":      s.timestamp(),
		},
		ConditionExpression: awsString("#s = :pending AND attribute_not_exists(checkout_request_id) AND (attribute_not_exists(initiation_id) OR initiation_expires_at < :now)"),
	}
	_, err := s.updateOrder(ctx, input, ErrInitiationInFlight)
	return err
}

// RecordCheckoutRequest stores the gateway correlation keys and drops the lock in one write.
func (s *Store) RecordCheckoutRequest(ctx context.Context, orderID, lockID, checkoutRequestID, merchantRequestID string) error {
	input := &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              orderKey(orderID),
		UpdateExpression: awsString("SET checkout_request_id = :crid, merchant_request_id = :mrid, updated_at = :ua REMOVE initiation_id, initiation_expires_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":crid": &types.AttributeValueMemberS{Value: checkoutRequestID},
			":mrid": &types.AttributeValueMemberS{Value: merchantRequestID},
			":lid":  &types.AttributeValueMemberS{Value: lockID},
			":ua":   s.timestamp(),
		},
		ConditionExpression: awsString("initiation_id = :lid"),
	}
	_, err := s.updateOrder(ctx, input, ErrInitiationInFlight)
	return err
}

// ReleaseInitiation drops the lock if lockID still holds it. A lock that already
// expired and was taken over is left alone.
func (s *Store) ReleaseInitiation(ctx context.Context, orderID, lockID string) error {
	input := &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              orderKey(orderID),
		UpdateExpression: awsString("SET updated_at = :ua REMOVE initiation_id, initiation_expires_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lid": &types.AttributeValueMemberS{Value: lockID},
			":ua":  s.timestamp(),
		},
		ConditionExpression: awsString("initiation_id = :lid"),
	}
	_, err := s.updateOrder(ctx, input, ErrInitiationInFlight)
	if errors.Is(err, ErrInitiationInFlight) {
		return nil
	}
	return err
}

// ResolvePayment applies a payment outcome. The write only lands while the order is
// still Pending and still carries checkoutRequestID, so a redelivered callback
// returns ErrStatusMismatch instead of transitioning twice.
func (s *Store) ResolvePayment(ctx context.Context, orderID, checkoutRequestID string, to Status, paymentReference, failureReason string) (*Order, error) {
	update := "SET #s = :to, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":to":      &types.AttributeValueMemberS{Value: string(to)},
		":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
		":crid":    &types.AttributeValueMemberS{Value: checkoutRequestID},
		":ua":      s.timestamp(),
	}
	if paymentReference != "" {
		update += ", payment_reference = :ref"
		values[":ref"] = &types.AttributeValueMemberS{Value: paymentReference}
	}
	if failureReason != "" {
		update += ", payment_failure_reason = :reason"
		values[":reason"] = &types.AttributeValueMemberS{Value: failureReason}
	}

	input := &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       orderKey(orderID),
		UpdateExpression:          &update,
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString("#s = :pending AND checkout_request_id = :crid"),
		ReturnValues:              types.ReturnValueAllNew,
	}
	return s.updateOrder(ctx, input, ErrStatusMismatch)
}

// Delete removes the order. Returns ErrNotFound when it does not exist.
func (s *Store) Delete(ctx context.Context, orderID string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:           &s.tableName,
		Key:                 orderKey(orderID),
		ConditionExpression: awsString("attribute_exists(order_id)"),
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrNotFound
		}
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (s *Store) updateOrder(ctx context.Context, input *dyn.UpdateItemInput, onConditionFailed error) (*Order, error) {
	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		// detect conditional check failing
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return nil, onConditionFailed
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	if len(out.Attributes) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *Store) timestamp() types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)}
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func epoch(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func sortNewestFirst(list []Order) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(i int32) *int32    { return &i }
