package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/auth"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/aws/awstest"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/carts"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/catalog"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/checkout"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/mpesa"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "handlers-test-secret-value"

type stubGateway struct {
	mu   sync.Mutex
	next int
}

func (g *stubGateway) InitiatePush(_ context.Context, p mpesa.PushPayment) (*mpesa.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return &mpesa.PushResponse{
		MerchantRequestID: fmt.Sprintf("mr-%d", g.next),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", g.next),
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

type apiFixture struct {
	router *gin.Engine
	fake   *awstest.FakeDynamo
	orders *orders.Store
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := awstest.NewFakeDynamo(map[string]string{
		"orders":      "order_id",
		"carts":       "user_id",
		"products":    "product_id",
		"idempotency": "idempotency_key",
	})
	logger := zap.NewNop()
	orderStore := orders.NewStore(fake, "orders")
	cartStore := carts.NewStore(fake, "carts")
	products := catalog.NewStore(fake, "products")
	idem := idempotency.NewStore(fake, "idempotency", time.Hour)

	require.NoError(t, products.Put(context.Background(), &catalog.Product{ProductID: "p-1", Name: "Kikoy", Price: 1200}))

	deps := Deps{
		Logger:        logger,
		Auth:          auth.NewAuthenticator(testSecret),
		Orders:        orders.NewService(orderStore, nil, logger),
		Checkout:      checkout.NewService(orderStore, cartStore, idem, products, logger),
		Carts:         carts.NewService(cartStore, products, logger),
		Payments:      payments.NewService(orderStore, &stubGateway{}, nil, time.Minute, logger),
		Idempotency:   idem,
		ExposeDetails: true,
	}
	return &apiFixture{router: NewRouter(deps), fake: fake, orders: orderStore}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := auth.NewToken(testSecret, userID, role, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, tok string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

var directOrder = map[string]any{
	"products":        []map[string]any{{"name": "A", "price": 10, "quantity": 2, "totalAmount": 999}},
	"shippingAddress": "1 Moi Avenue, Nairobi",
	"paymentMethod":   "MobileMoney",
}

func TestHealthEchoesTraceID(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodGet, "/health", "", nil, HeaderTraceID, "trace-123")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-123", w.Header().Get(HeaderTraceID))
}

func TestUnauthenticated(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodGet, "/cart", "", nil)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	body := decode(t, w)
	assert.Equal(t, "AUTH_UNAUTHENTICATED", body["code"])
	assert.NotEmpty(t, body["traceId"])
	assert.Equal(t, w.Header().Get(HeaderTraceID), body["traceId"])
}

func TestCreateOrder_RecomputesTotals(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodPost, "/orders/create", token(t, "user-1", ""), directOrder)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, 20.0, body["totalAmount"])
	assert.Equal(t, "Pending", body["status"])
	assert.Equal(t, "user-1", body["userId"])
	assert.Equal(t, "/orders/"+body["id"].(string), w.Header().Get("Location"))
}

func TestCreateOrder_ItemisedValidation(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodPost, "/orders/create", token(t, "user-1", ""), map[string]any{
		"products":        []map[string]any{{"name": "A", "price": 10, "quantity": 0}},
		"shippingAddress": "",
		"paymentMethod":   "MobileMoney",
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "APP_VALIDATION", body["code"])
	fields := body["fields"].(map[string]any)
	assert.Contains(t, fields, "products[0].quantity")
	assert.Contains(t, fields, "shippingAddress")
	assert.Equal(t, 0, f.fake.Len("orders"))
}

func TestCreateOrder_IdempotencyKeyReplaysFirstResponse(t *testing.T) {
	f := newAPI(t)
	tok := token(t, "user-1", "")

	first := f.do(t, http.MethodPost, "/orders/create", tok, directOrder, HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := f.do(t, http.MethodPost, "/orders/create", tok, directOrder, HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, decode(t, first)["id"], decode(t, second)["id"])
	assert.Equal(t, 1, f.fake.Len("orders"))

	// same client key from another user is a different request
	other := f.do(t, http.MethodPost, "/orders/create", token(t, "user-2", ""), directOrder, HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusCreated, other.Code)
	assert.Equal(t, 2, f.fake.Len("orders"))
}

func TestCreateOrder_FailedAttemptCanBeRetriedWithSameKey(t *testing.T) {
	f := newAPI(t)
	tok := token(t, "user-1", "")

	f.fake.FailNext("TransactWriteItems", fmt.Errorf("throttled"))
	w := f.do(t, http.MethodPost, "/orders/create", tok, directOrder, HeaderIdempotencyKey, "key-2")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	w = f.do(t, http.MethodPost, "/orders/create", tok, directOrder, HeaderIdempotencyKey, "key-2")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Empty(t, w.Header().Get(HeaderReplayed))
	assert.Equal(t, 1, f.fake.Len("orders"))
}

func TestCartCheckoutFlow(t *testing.T) {
	f := newAPI(t)
	tok := token(t, "user-1", "")

	w := f.do(t, http.MethodPost, "/cart/add", tok, map[string]any{"productId": "p-1", "quantity": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/cart/add", tok, map[string]any{"productId": "missing", "quantity": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/orders/checkout", tok, map[string]any{
		"shippingAddress": "1 Moi Avenue, Nairobi",
		"paymentMethod":   "MobileMoney",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := decode(t, w)
	assert.Equal(t, 2400.0, order["totalAmount"])

	w = f.do(t, http.MethodGet, "/cart", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["items"])

	w = f.do(t, http.MethodPost, "/orders/checkout", tok, map[string]any{
		"shippingAddress": "1 Moi Avenue, Nairobi",
		"paymentMethod":   "MobileMoney",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCartRemoveAndClear(t *testing.T) {
	f := newAPI(t)
	tok := token(t, "user-1", "")

	w := f.do(t, http.MethodDelete, "/cart/remove/p-1", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.do(t, http.MethodPost, "/cart/add", tok, map[string]any{"productId": "p-1", "quantity": 1})
	w = f.do(t, http.MethodDelete, "/cart/remove/p-1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["items"])

	w = f.do(t, http.MethodDelete, "/cart/clear", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, f.fake.Len("carts"))
}

func TestOrderAccessControl(t *testing.T) {
	f := newAPI(t)
	owner := token(t, "user-1", "")
	admin := token(t, "ops", auth.RoleAdmin)

	created := decode(t, f.do(t, http.MethodPost, "/orders/create", owner, directOrder))
	path := "/orders/" + created["id"].(string)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, owner, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, admin, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, path, token(t, "user-2", ""), nil).Code)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/orders", owner, nil).Code)
	w := f.do(t, http.MethodGet, "/orders", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/orders/my-orders", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var mine []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, created["id"], mine[0]["id"])

	w = f.do(t, http.MethodGet, "/orders/my-orders", token(t, "user-2", ""), nil)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestUpdateStatusAndDelete(t *testing.T) {
	f := newAPI(t)
	admin := token(t, "ops", auth.RoleAdmin)
	created := decode(t, f.do(t, http.MethodPost, "/orders/create", token(t, "user-1", ""), directOrder))
	path := "/orders/" + created["id"].(string)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPut, path, token(t, "user-1", ""), map[string]any{"status": "Shipped"}).Code)

	w := f.do(t, http.MethodPut, path, admin, map[string]any{"status": "Lost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, path, admin, map[string]any{"status": "Delivered"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Delivered", decode(t, w)["status"])

	w = f.do(t, http.MethodPut, path, admin, map[string]any{"status": "Pending"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ORDER_INVALID_TRANSITION", decode(t, w)["code"])

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, path, admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, path, admin, map[string]any{"status": "Shipped"}).Code)
}

func TestPushAndCallback(t *testing.T) {
	f := newAPI(t)
	tok := token(t, "user-1", "")
	created := decode(t, f.do(t, http.MethodPost, "/orders/create", tok, directOrder))
	orderID := created["id"].(string)

	w := f.do(t, http.MethodPost, "/payments/push", tok, map[string]any{"orderId": orderID, "payerPhone": "0708374149", "amount": 20})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["fields"], "payerPhone")

	w = f.do(t, http.MethodPost, "/payments/push", tok, map[string]any{"orderId": orderID, "payerPhone": "254708374149", "amount": 20})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	crid := decode(t, w)["CheckoutRequestID"].(string)

	w = f.do(t, http.MethodPost, "/payments/push", tok, map[string]any{"orderId": orderID, "payerPhone": "254708374149", "amount": 20})
	assert.Equal(t, http.StatusConflict, w.Code)

	callback := fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"mr-1","CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"Amount","Value":20},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"PhoneNumber","Value":254708374149}]}}}}`, crid)
	for i := 0; i < 2; i++ {
		w = f.do(t, http.MethodPost, "/payments/callback", "", callback)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "M-Pesa Callback Processed Successfully", decode(t, w)["message"])
	}

	order, err := f.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, order.Status)
	assert.Equal(t, "NLJ7RT61SV", order.PaymentReference)
}

func TestCallback_Acknowledgement(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodPost, "/payments/callback", "", `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_unknown","ResultCode":1032,"ResultDesc":"cancelled"}}}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/payments/callback", "", `{"Body":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid JSON payload", decode(t, w)["message"])
}
