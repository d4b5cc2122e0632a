package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/aws/awstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ordersTable = "orders"

func newTestStore(t *testing.T) (*Store, *awstest.FakeDynamo) {
	t.Helper()
	fake := awstest.NewFakeDynamo(map[string]string{ordersTable: "order_id", "carts": "user_id"})
	store := NewStore(fake, ordersTable)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.nowFunc = func() time.Time { return now }
	return store, fake
}

func sampleOrder(id string) *Order {
	return &Order{
		OrderID:         id,
		UserID:          "user-1",
		LineItems:       []LineItem{{ProductName: "A", UnitPrice: 10, Quantity: 2, LineTotal: 999}},
		TotalAmount:     1,
		ShippingAddress: "1 Moi Avenue, Nairobi",
		PaymentMethod:   PaymentMobileMoney,
		Status:          StatusDelivered,
	}
}

func TestCreate_RecomputesTotalsAndStartsPending(t *testing.T) {
	store, fake := newTestStore(t)

	order := sampleOrder("order-1")
	require.NoError(t, store.Create(context.Background(), order))

	var got Order
	require.NoError(t, attributevalue.UnmarshalMap(fake.Item(ordersTable, "order-1"), &got))
	assert.Equal(t, 20.0, got.LineItems[0].LineTotal)
	assert.Equal(t, 20.0, got.TotalAmount)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreate_DuplicateIDConflicts(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Create(context.Background(), sampleOrder("order-1")))

	err := store.Create(context.Background(), sampleOrder("order-1"))

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, ce.Index)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateWithTransaction_ExtraConditionFailsAtomically(t *testing.T) {
	store, fake := newTestStore(t)

	// cart is absent, so a conditional delete on it must cancel the whole transaction
	extra := types.TransactWriteItem{
		Delete: &types.Delete{
			TableName:           awsString("carts"),
			Key:                 map[string]types.AttributeValue{"user_id": &types.AttributeValueMemberS{Value: "user-1"}},
			ConditionExpression: awsString("attribute_exists(user_id)"),
		},
	}

	err := store.CreateWithTransaction(context.Background(), sampleOrder("order-1"), extra)

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Index)
	assert.Equal(t, 0, fake.Len(ordersTable))
}

func TestUpdateStatus_Condition_SuccessAndFail(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrder("order-1")))

	updated, err := store.UpdateStatus(ctx, "order-1", StatusPending, StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, updated.Status)

	_, err = store.UpdateStatus(ctx, "order-1", StatusPending, StatusCancelled)
	assert.ErrorIs(t, err, ErrStatusMismatch)

	got, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestGet_MissingReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInitiationLock(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrder("order-1")))

	require.NoError(t, store.ClaimForInitiation(ctx, "order-1", "lock-a", time.Minute))
	assert.ErrorIs(t, store.ClaimForInitiation(ctx, "order-1", "lock-b", time.Minute), ErrInitiationInFlight)

	// releasing with a foreign lock id is ignored
	require.NoError(t, store.ReleaseInitiation(ctx, "order-1", "lock-b"))
	assert.ErrorIs(t, store.ClaimForInitiation(ctx, "order-1", "lock-b", time.Minute), ErrInitiationInFlight)

	require.NoError(t, store.ReleaseInitiation(ctx, "order-1", "lock-a"))
	require.NoError(t, store.ClaimForInitiation(ctx, "order-1", "lock-b", time.Minute))

	require.NoError(t, store.RecordCheckoutRequest(ctx, "order-1", "lock-b", "ws_CO_1", "mr-1"))
	item := fake.Item(ordersTable, "order-1")
	assert.NotContains(t, item, "initiation_id")

	// an outstanding checkout key blocks any new claim
	assert.ErrorIs(t, store.ClaimForInitiation(ctx, "order-1", "lock-c", time.Minute), ErrInitiationInFlight)
}

func TestUpdateStatus_OutstandingPushOnlyCancels(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrder("order-1")))
	require.NoError(t, store.ClaimForInitiation(ctx, "order-1", "lock-a", time.Minute))

	_, err := store.UpdateStatus(ctx, "order-1", StatusPending, StatusShipped)
	assert.ErrorIs(t, err, ErrStatusMismatch)

	require.NoError(t, store.RecordCheckoutRequest(ctx, "order-1", "lock-a", "ws_CO_1", "mr-1"))
	_, err = store.UpdateStatus(ctx, "order-1", StatusPending, StatusProcessing)
	assert.ErrorIs(t, err, ErrStatusMismatch)

	updated, err := store.UpdateStatus(ctx, "order-1", StatusPending, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)
}

func TestInitiationLock_ExpiredLockCanBeTakenOver(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrder("order-1")))
	require.NoError(t, store.ClaimForInitiation(ctx, "order-1", "lock-a", time.Second))

	later := store.nowFunc().Add(time.Minute)
	store.nowFunc = func() time.Time { return later }

	require.NoError(t, store.ClaimForInitiation(ctx, "order-1", "lock-b", time.Minute))
	assert.ErrorIs(t, store.RecordCheckoutRequest(ctx, "order-1", "lock-a", "ws_CO_1", "mr-1"), ErrInitiationInFlight)
}

func TestResolvePayment_AppliesOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrder("order-1")))
	require.NoError(t, store.ClaimForInitiation(ctx, "order-1", "lock-a", time.Minute))
	require.NoError(t, store.RecordCheckoutRequest(ctx, "order-1", "lock-a", "ws_CO_1", "mr-1"))

	found, err := store.FindByCheckoutRequestID(ctx, "ws_CO_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "order-1", found.OrderID)

	updated, err := store.ResolvePayment(ctx, "order-1", "ws_CO_1", StatusProcessing, "NLJ7RT61SV", "")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, updated.Status)
	assert.Equal(t, "NLJ7RT61SV", updated.PaymentReference)

	_, err = store.ResolvePayment(ctx, "order-1", "ws_CO_1", StatusCancelled, "", "late failure")
	assert.ErrorIs(t, err, ErrStatusMismatch)
}

func TestResolvePayment_WrongCorrelationKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrder("order-1")))

	_, err := store.ResolvePayment(ctx, "order-1", "ws_CO_other", StatusCancelled, "", "x")
	assert.ErrorIs(t, err, ErrStatusMismatch)
}

func TestListByUser_NewestFirst(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := store.nowFunc()
	for i, id := range []string{"o-old", "o-new"} {
		ts := base.Add(time.Duration(i) * time.Hour)
		store.nowFunc = func() time.Time { return ts }
		require.NoError(t, store.Create(ctx, sampleOrder(id)))
	}
	other := sampleOrder("o-other")
	other.UserID = "user-2"
	require.NoError(t, store.Create(ctx, other))

	list, err := store.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "o-new", list[0].OrderID)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDelete(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrder("order-1")))

	require.NoError(t, store.Delete(ctx, "order-1"))
	assert.Equal(t, 0, fake.Len(ordersTable))
	assert.ErrorIs(t, store.Delete(ctx, "order-1"), ErrNotFound)
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	store, fake := newTestStore(t)
	boom := errors.New("throttled")
	fake.FailNext("GetItem", boom)

	_, err := store.Get(context.Background(), "order-1")
	assert.ErrorIs(t, err, boom)
}
