// Package checkout turns carts and direct purchase requests into orders.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/apperr"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/carts"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/catalog"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"go.uber.org/zap"
)

// ProductLookup resolves authoritative product data.
type ProductLookup interface {
	Get(ctx context.Context, productID string) (*catalog.Product, error)
}

// CheckoutInput is a request to convert the caller's cart into an order.
type CheckoutInput struct {
	UserID          string
	ShippingAddress string
	PaymentMethod   orders.PaymentMethod
	// IdempotencyKey is the scoped key already claimed by the caller, if any.
	IdempotencyKey string
}

// ProductLine is one requested product on a direct order.
type ProductLine struct {
	ProductID string
	Name      string
	Price     float64
	Quantity  int
}

// CreateInput is a direct order request that bypasses the cart.
type CreateInput struct {
	UserID          string
	Products        []ProductLine
	ShippingAddress string
	PaymentMethod   orders.PaymentMethod
	IdempotencyKey  string
}

type Service struct {
	orders      *orders.Store
	carts       *carts.Store
	idempotency *idempotency.Store
	products    ProductLookup
	logger      *zap.Logger
	newID       func() string
}

func NewService(orderStore *orders.Store, cartStore *carts.Store, idemStore *idempotency.Store, products ProductLookup, logger *zap.Logger) *Service {
	return &Service{
		orders:      orderStore,
		carts:       cartStore,
		idempotency: idemStore,
		products:    products,
		logger:      logger,
		newID:       uuid.NewString,
	}
}

// Checkout snapshots the user's cart into a Pending order priced from the
// current catalog, and deletes the cart in the same transaction. The cart delete
// is conditional on the version that was priced, so of two concurrent checkouts
// only one commits.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (*orders.Order, error) {
	if fields := validateShipping(in.ShippingAddress, in.PaymentMethod); len(fields) > 0 {
		return nil, apperr.Validation("", fields)
	}

	cart, err := s.carts.Get(ctx, in.UserID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if cart == nil || cart.Empty() {
		return nil, apperr.Validation("cart is empty", nil)
	}

	lines := make([]orders.LineItem, 0, len(cart.Items))
	missing := map[string]string{}
	for i, item := range cart.Items {
		p, err := s.products.Get(ctx, item.ProductID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if p == nil {
			missing[fmt.Sprintf("items[%d].productId", i)] = fmt.Sprintf("product %s is no longer available", item.ProductID)
			continue
		}
		lines = append(lines, orders.LineItem{
			ProductID:   p.ProductID,
			ProductName: p.Name,
			UnitPrice:   p.Price,
			Quantity:    item.Quantity,
		})
	}
	if len(missing) > 0 {
		return nil, apperr.Validation("cart references products that no longer exist", missing)
	}

	order := &orders.Order{
		OrderID:         s.newID(),
		UserID:          in.UserID,
		LineItems:       lines,
		ShippingAddress: strings.TrimSpace(in.ShippingAddress),
		PaymentMethod:   in.PaymentMethod,
	}

	extra := []types.TransactWriteItem{s.carts.CheckoutDelete(in.UserID, cart.Version)}
	if err := s.create(ctx, order, in.IdempotencyKey, extra...); err != nil {
		return nil, err
	}

	s.logger.Info("cart checked out",
		zap.String("order_id", order.OrderID),
		zap.String("user_id", in.UserID),
		zap.Int64("cart_version", cart.Version),
		zap.Float64("total", order.TotalAmount),
	)
	return order, nil
}

// CreateOrder stores a direct order. Lines that name a catalog product take the
// catalog name and price. Totals are always computed here.
func (s *Service) CreateOrder(ctx context.Context, in CreateInput) (*orders.Order, error) {
	fields := validateShipping(in.ShippingAddress, in.PaymentMethod)
	if len(in.Products) == 0 {
		fields["products"] = "at least one product is required"
	}

	lines := make([]orders.LineItem, 0, len(in.Products))
	for i, pl := range in.Products {
		line := orders.LineItem{ProductName: strings.TrimSpace(pl.Name), UnitPrice: pl.Price, Quantity: pl.Quantity}
		if pl.ProductID != "" {
			p, err := s.products.Get(ctx, pl.ProductID)
			if err != nil {
				return nil, apperr.Internal(err)
			}
			if p == nil {
				fields[fmt.Sprintf("products[%d].productId", i)] = fmt.Sprintf("product %s not found", pl.ProductID)
				continue
			}
			line.ProductID, line.ProductName, line.UnitPrice = p.ProductID, p.Name, p.Price
		}
		if line.ProductName == "" {
			fields[fmt.Sprintf("products[%d].name", i)] = "is required"
		}
		if line.Quantity < 1 {
			fields[fmt.Sprintf("products[%d].quantity", i)] = "must be at least 1"
		}
		if line.UnitPrice < 0 {
			fields[fmt.Sprintf("products[%d].price", i)] = "must not be negative"
		}
		lines = append(lines, line)
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("", fields)
	}

	order := &orders.Order{
		OrderID:         s.newID(),
		UserID:          in.UserID,
		LineItems:       lines,
		ShippingAddress: strings.TrimSpace(in.ShippingAddress),
		PaymentMethod:   in.PaymentMethod,
	}
	if err := s.create(ctx, order, in.IdempotencyKey); err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.String("order_id", order.OrderID),
		zap.String("user_id", in.UserID),
		zap.Float64("total", order.TotalAmount),
	)
	return order, nil
}

func (s *Service) create(ctx context.Context, order *orders.Order, idempotencyKey string, extra ...types.TransactWriteItem) error {
	if idempotencyKey != "" {
		extra = append(extra, s.idempotency.BindOrder(idempotencyKey, order.OrderID))
	}

	err := s.orders.CreateWithTransaction(ctx, order, extra...)
	if err == nil {
		return nil
	}

	var ce *orders.ConflictError
	if errors.As(err, &ce) {
		// index 0 is the order put, extras follow in order
		switch {
		case ce.Index == 0:
			return apperr.Conflict("order id collision, retry", err)
		case extra[ce.Index-1].Update != nil:
			return apperr.Conflict("idempotency key already used for another order", err)
		default:
			return apperr.Conflict("cart changed during checkout, review it and retry", err)
		}
	}
	if errors.Is(err, orders.ErrInvalidLineItem) {
		return apperr.Validation(err.Error(), nil)
	}
	return apperr.Internal(err)
}

func validateShipping(address string, method orders.PaymentMethod) map[string]string {
	fields := map[string]string{}
	if strings.TrimSpace(address) == "" {
		fields["shippingAddress"] = "is required"
	}
	if !method.Valid() {
		fields["paymentMethod"] = "must be one of CreditCard PayPal CashOnDelivery MobileMoney"
	}
	return fields
}
